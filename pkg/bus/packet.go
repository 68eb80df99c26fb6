package bus

import "fmt"

// Address is the two-byte bus address discovered during startup. Pre-discovery, the zero
// value is used for all outbound packets.
type Address struct {
	Addr1, Addr2 byte
}

// IsZero returns true iff the address has not yet been discovered.
func (a Address) IsZero() bool {
	return a.Addr1 == 0 && a.Addr2 == 0
}

// Packet is a decoded frame: {type, length, addr1, addr2, payload, checksum}. Short packets
// (<6 bytes) have no length field and an empty payload.
type Packet struct {
	Type    Type
	Addr    Address
	Payload []byte
	Short   bool
}

// Checksum returns sum(bytes) mod 128.
func Checksum(b []byte) byte {
	var sum int
	for _, v := range b {
		sum += int(v)
	}
	return byte(sum % 128)
}

// Build constructs the wire bytes for a command: [cmd, len_hi, len_lo, addr1, addr2,
// payload..., checksum]. Short commands omit the length field entirely.
func Build(spec CommandSpec, addr Address, payload []byte) []byte {
	if spec.Short {
		b := []byte{byte(spec.Cmd), addr.Addr1, addr.Addr2}
		b = append(b, Checksum(b))
		return b
	}

	length := 5 + len(payload) + 1 // cmd+len_hi+len_lo+addr1+addr2+payload+checksum
	b := make([]byte, 0, length)
	b = append(b, byte(spec.Cmd), byte((length>>7)&0x7f), byte(length&0x7f), addr.Addr1, addr.Addr2)
	b = append(b, payload...)
	b = append(b, Checksum(b))
	return b
}

// Parse decodes a single complete, non-short frame already known to have the declared
// length. It does not validate the checksum; callers that need the P1/P2 guarantees should
// use a Reader, which validates as part of streaming assembly.
func Parse(raw []byte) (Packet, error) {
	if len(raw) < 6 {
		return Packet{}, fmt.Errorf("bus: packet too short: %d bytes", len(raw))
	}

	p := Packet{
		Type:    Type(raw[0]),
		Addr:    Address{Addr1: raw[3], Addr2: raw[4]},
		Payload: append([]byte(nil), raw[5:len(raw)-1]...),
	}
	return p, nil
}

func declaredLength(cmd, lenHi, lenLo byte) int {
	return int(lenHi)<<7 | int(lenLo)
}
