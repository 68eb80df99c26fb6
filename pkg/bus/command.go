// Package bus implements the DGT Centaur serial wire protocol: packet framing, checksums,
// and the static command registry. The codec is transport-agnostic; it operates against
// an io.ReadWriter so a real UART and an in-memory pipe satisfy it equally.
package bus

import "fmt"

// Type is a packet type byte, shared by both commands and their responses.
type Type uint8

const (
	DiscoveryRequest  Type = 0x87 // DGT_BUS_SEND_87, short command; response shares the type.
	SendState         Type = 0x82
	SendStateResponse Type = 0x83
	SendChanges       Type = 0x83
	ChangesResponse   Type = 0x85
	PollKeys          Type = 0x94
	KeysResponse      Type = 0xB1
	SendBattery       Type = 0x98
	BatteryResponse   Type = 0xB5
	LEDCmd            Type = 0xB0
	Sound             Type = 0xB1
	Sleep             Type = 0xB2
	SleepResponse     Type = 0xB1
	ReturnBusAddress  Type = 0x46
	BusAddressResp    Type = 0x90
	SendTrademark     Type = 0x97
	TrademarkResp     Type = 0xB4
	NotifyEvents58    Type = 0x58
	NotifyEvents43    Type = 0x43
	UnknownPing       Type = 0x92 // acknowledged by the source only as "randomize ping"; consumed, unhandled.
)

// CommandSpec describes a named outbound command: its type byte, the type byte expected
// on its response (if any), and a default payload used when the caller supplies none.
type CommandSpec struct {
	Name            string
	Cmd             Type
	ResponseType    Type // zero means "no response expected"
	HasResponse     bool
	DefaultPayload  []byte
	Short           bool // true for packets with no length field (<6 bytes on the wire)
	IsPollingCommand bool // eligible for the controller's dedup deque
}

// Registry is the immutable, loaded-once table of known commands, keyed by name.
var Registry = map[string]CommandSpec{
	"SEND_87": {
		Name: "SEND_87", Cmd: DiscoveryRequest, ResponseType: DiscoveryRequest, HasResponse: true, Short: true,
	},
	"SEND_STATE": {
		Name: "SEND_STATE", Cmd: SendState, ResponseType: SendStateResponse, HasResponse: true, IsPollingCommand: true,
	},
	"SEND_CHANGES": {
		Name: "SEND_CHANGES", Cmd: SendChanges, ResponseType: ChangesResponse, HasResponse: true, IsPollingCommand: true,
	},
	"POLL_KEYS": {
		Name: "POLL_KEYS", Cmd: PollKeys, ResponseType: KeysResponse, HasResponse: true, IsPollingCommand: true,
	},
	"SEND_BATTERY_INFO": {
		Name: "SEND_BATTERY_INFO", Cmd: SendBattery, ResponseType: BatteryResponse, HasResponse: true,
	},
	"SOUND_GENERAL": {
		Name: "SOUND_GENERAL", Cmd: Sound, DefaultPayload: []byte{0x4c, 0x08},
	},
	"SOUND_FACTORY": {
		Name: "SOUND_FACTORY", Cmd: Sound, DefaultPayload: []byte{0x4c, 0x40},
	},
	"SOUND_POWER_OFF": {
		Name: "SOUND_POWER_OFF", Cmd: Sound, DefaultPayload: []byte{0x4c, 0x08, 0x48, 0x08},
	},
	"SOUND_POWER_ON": {
		Name: "SOUND_POWER_ON", Cmd: Sound, DefaultPayload: []byte{0x48, 0x08, 0x4c, 0x08},
	},
	"SOUND_WRONG": {
		Name: "SOUND_WRONG", Cmd: Sound, DefaultPayload: []byte{0x4e, 0x0c, 0x48, 0x10},
	},
	"SOUND_WRONG_MOVE": {
		Name: "SOUND_WRONG_MOVE", Cmd: Sound, DefaultPayload: []byte{0x48, 0x08},
	},
	"SLEEP": {
		Name: "SLEEP", Cmd: Sleep, ResponseType: SleepResponse, HasResponse: true, DefaultPayload: []byte{0x0a},
	},
	"LED_CMD": {
		Name: "LED_CMD", Cmd: LEDCmd,
	},
	"NOTIFY_EVENTS_58": {
		Name: "NOTIFY_EVENTS_58", Cmd: NotifyEvents58,
	},
	"NOTIFY_EVENTS_43": {
		Name: "NOTIFY_EVENTS_43", Cmd: NotifyEvents43,
	},
	"RETURN_BUSADDRESS": {
		Name: "RETURN_BUSADDRESS", Cmd: ReturnBusAddress, ResponseType: BusAddressResp, HasResponse: true,
	},
	"SEND_TRADEMARK": {
		Name: "SEND_TRADEMARK", Cmd: SendTrademark, ResponseType: TrademarkResp, HasResponse: true,
	},
}

// Lookup returns the named command spec.
func Lookup(name string) (CommandSpec, error) {
	spec, ok := Registry[name]
	if !ok {
		return CommandSpec{}, fmt.Errorf("bus: unknown command %q", name)
	}
	return spec, nil
}

// Payload returns override if non-nil, else the command's default payload.
func (c CommandSpec) Payload(override []byte) []byte {
	if override != nil {
		return override
	}
	return c.DefaultPayload
}
