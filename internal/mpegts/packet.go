package mpegts

import "fmt"

const (
	packetSize = 188
	syncByte   = 0x47
)

// parsePacket splits a 188-byte transport packet into header,
// adaptation field, and payload regions. The adaptation field is only
// mined for what timing needs: the discontinuity flag and the PCR.
func parsePacket(buf []byte) (*Packet, error) {
	if len(buf) != packetSize {
		return nil, fmt.Errorf("mpegts: need a %d-byte packet, got %d", packetSize, len(buf))
	}
	if buf[0] != syncByte {
		return nil, fmt.Errorf("mpegts: sync byte missing (got 0x%02X)", buf[0])
	}

	p := &Packet{
		Header: PacketHeader{
			TransportErrorIndicator:   buf[1]&0x80 != 0,
			PayloadUnitStartIndicator: buf[1]&0x40 != 0,
			PID:                       uint16(buf[1]&0x1F)<<8 | uint16(buf[2]),
			HasAdaptationField:        buf[3]&0x20 != 0,
			HasPayload:                buf[3]&0x10 != 0,
			ContinuityCounter:         buf[3] & 0x0F,
		},
	}

	body := buf[4:]
	if p.Header.HasAdaptationField {
		used := parseAdaptationField(body, &p.Header)
		if used >= len(body) {
			// The adaptation field consumed the packet (stuffing, or a
			// length that overruns; either way there is no payload).
			return p, nil
		}
		body = body[used:]
	}

	if p.Header.HasPayload && len(body) > 0 {
		p.Payload = append([]byte(nil), body...)
	}

	return p, nil
}

// parseAdaptationField reads the adaptation field at the start of body,
// filling the discontinuity and PCR header fields, and returns the
// number of bytes it occupies including the length byte itself.
func parseAdaptationField(body []byte, h *PacketHeader) int {
	if len(body) == 0 {
		return 0
	}
	length := int(body[0])
	if length == 0 {
		// A zero-length field is a single stuffing byte.
		return 1
	}

	field := body[1:]
	if length < len(field) {
		field = field[:length]
	}
	if len(field) == 0 {
		return 1 + length
	}

	flags := field[0]
	h.DiscontinuityIndicator = flags&0x80 != 0

	// PCR_flag: the 6-byte program clock reference follows the flags.
	if flags&0x10 != 0 && len(field) >= 7 {
		h.HasPCR = true
		h.PCR = parsePCR(field[1:7])
	}

	return 1 + length
}

// parsePCR extracts the 33-bit 90 kHz base and 9-bit 27 MHz extension
// from the 6 program-clock-reference bytes.
func parsePCR(b []byte) ClockReference {
	base := int64(b[0])<<25 |
		int64(b[1])<<17 |
		int64(b[2])<<9 |
		int64(b[3])<<1 |
		int64(b[4]>>7)
	ext := int64(b[4]&0x01)<<8 | int64(b[5])
	return ClockReference{Base: base, Extension: ext}
}
