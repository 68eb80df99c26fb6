package controller

import "fmt"

// PieceEventKind distinguishes a lift from a place.
type PieceEventKind uint8

const (
	Lift PieceEventKind = iota
	Place
)

func (k PieceEventKind) String() string {
	if k == Lift {
		return "LIFT"
	}
	return "PLACE"
}

// PieceEvent is a decoded lift/place notification. Square uses the physical numbering
// (0..63, A1=0 as used throughout the host-side game logic), not board.Square's
// bitboard-oriented H1=0 ordering; see gamemanager.ToBoardSquare for the conversion.
type PieceEvent struct {
	Kind    PieceEventKind
	Square  int
	Seconds float32
}

const (
	liftMarker  = 0x40
	placeMarker = 0x41
)

// decodePieceEvents scans a SEND_CHANGES/piece-event payload for LIFT (0x40 sq) and
// PLACE (0x41 sq) markers. The time field's exact bit width is not documented upstream;
// this port treats the two bytes following the square as a little-endian centisecond
// count, per the source's own "decoded to seconds as a float" comment (see DESIGN.md).
func decodePieceEvents(payload []byte) []PieceEvent {
	var ret []PieceEvent

	for i := 0; i < len(payload); i++ {
		var kind PieceEventKind
		switch payload[i] {
		case liftMarker:
			kind = Lift
		case placeMarker:
			kind = Place
		default:
			continue
		}
		if i+1 >= len(payload) {
			break
		}
		sq := int(payload[i+1])

		var seconds float32
		if i+3 < len(payload) {
			centis := uint16(payload[i+2]) | uint16(payload[i+3])<<8
			seconds = float32(centis) / 100
		}

		ret = append(ret, PieceEvent{Kind: kind, Square: sq, Seconds: seconds})
		i++ // skip the square byte; the loop's i++ advances past the marker
	}
	return ret
}

// Key is a named button, with a derived up/down variant so a single channel can carry
// both without an out-of-band flag.
type Key uint8

const (
	KeyBack Key = iota + 1
	KeyTick
	KeyUp
	KeyDown
	KeyHelp
	KeyPlay
	KeyLongPlay
	KeyLongHelp
)

const keyDownOffset = 0x80

var keyCodes = map[byte]Key{
	0x01: KeyBack,
	0x10: KeyTick,
	0x08: KeyUp,
	0x02: KeyDown,
	0x40: KeyHelp,
	0x04: KeyPlay,
	0x06: KeyLongPlay,
	0x46: KeyLongHelp,
}

// KeyEvent is a decoded button press/release.
type KeyEvent struct {
	Key  Key
	Down bool
}

func (e KeyEvent) String() string {
	dir := "up"
	if e.Down {
		dir = "down"
	}
	return fmt.Sprintf("%v(%v)", e.Key, dir)
}

var keySignature = []byte{0x00, 0x14, 0x0a, 0x05}

// decodeKeyEvents scans a POLL_KEYS response payload for the signature 00 14 0a 05,
// followed by either a non-zero key-down code, or a zero byte then a non-zero key-up code.
func decodeKeyEvents(payload []byte) []KeyEvent {
	var ret []KeyEvent

	for i := 0; i+len(keySignature) < len(payload); i++ {
		if !matchSignature(payload[i:], keySignature) {
			continue
		}
		rest := payload[i+len(keySignature):]
		if len(rest) == 0 {
			continue
		}

		if rest[0] != 0 {
			if k, ok := keyCodes[rest[0]]; ok {
				ret = append(ret, KeyEvent{Key: k, Down: true})
			}
			i += len(keySignature)
			continue
		}
		if len(rest) > 1 && rest[1] != 0 {
			if k, ok := keyCodes[rest[1]]; ok {
				ret = append(ret, KeyEvent{Key: k, Down: false})
			}
			i += len(keySignature) + 1
		}
	}
	return ret
}

func matchSignature(buf, sig []byte) bool {
	if len(buf) < len(sig) {
		return false
	}
	for i, b := range sig {
		if buf[i] != b {
			return false
		}
	}
	return true
}
