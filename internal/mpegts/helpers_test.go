package mpegts

// Test helpers building synthetic transport stream packets and sections.

func tsPacket(pid uint16, cc byte, pusi bool, payload []byte) []byte {
	buf := make([]byte, packetSize)
	buf[0] = syncByte
	if pusi {
		buf[1] |= 0x40
	}
	buf[1] |= byte(pid>>8) & 0x1F
	buf[2] = byte(pid)
	buf[3] = 0x10 | cc&0x0F
	copy(buf[4:], payload)
	for i := 4 + len(payload); i < packetSize; i++ {
		buf[i] = 0xFF
	}
	return buf
}

// tsPCRPacket builds an adaptation-only packet carrying a PCR.
func tsPCRPacket(pid uint16, cc byte, base, ext int64) []byte {
	buf := make([]byte, packetSize)
	buf[0] = syncByte
	buf[1] = byte(pid>>8) & 0x1F
	buf[2] = byte(pid)
	buf[3] = 0x20 | cc&0x0F // adaptation field only
	buf[4] = 183            // adaptation field length
	buf[5] = 0x10           // PCR flag
	buf[6] = byte(base >> 25)
	buf[7] = byte(base >> 17)
	buf[8] = byte(base >> 9)
	buf[9] = byte(base >> 1)
	buf[10] = byte(base&1)<<7 | 0x7E | byte(ext>>8)&1
	buf[11] = byte(ext)
	for i := 12; i < packetSize; i++ {
		buf[i] = 0xFF
	}
	return buf
}

func encodeTimestamp(marker byte, base int64) []byte {
	return []byte{
		marker<<4 | byte((base>>30)&0x07)<<1 | 1,
		byte(base >> 22),
		byte((base>>15)&0x7F)<<1 | 1,
		byte(base >> 7),
		byte(base&0x7F)<<1 | 1,
	}
}

// pesPayload builds a PES packet with a PTS (and optionally a DTS) and
// a bounded data payload.
func pesPayload(streamID byte, pts int64, dts int64, data []byte) []byte {
	hasDTS := dts >= 0

	var header []byte
	if hasDTS {
		header = append(header, 0x80, 0xC0, 10)
		header = append(header, encodeTimestamp(0x3, pts)...)
		header = append(header, encodeTimestamp(0x1, dts)...)
	} else {
		header = append(header, 0x80, 0x80, 5)
		header = append(header, encodeTimestamp(0x2, pts)...)
	}

	packetLength := len(header) + len(data)
	payload := []byte{0x00, 0x00, 0x01, streamID, byte(packetLength >> 8), byte(packetLength)}
	payload = append(payload, header...)
	payload = append(payload, data...)
	return payload
}

func section(body []byte) []byte {
	crc := computeCRC32(body)
	out := append([]byte{}, body...)
	return append(out, byte(crc>>24), byte(crc>>16), byte(crc>>8), byte(crc))
}

// patSection builds a single-program PAT mapping program 1 to pmtPID.
func patSection(pmtPID uint16) []byte {
	body := []byte{
		tableIDPAT,
		0xB0, 13, // syntax + section_length (8-3 header + 4 entry + 4 CRC)
		0x00, 0x01, // transport_stream_id
		0xC1,       // version 0, current
		0x00, 0x00, // section numbers
		0x00, 0x01, // program 1
		0xE0 | byte(pmtPID>>8)&0x1F, byte(pmtPID),
	}
	return section(body)
}

// pmtSection builds a PMT with the given PCR PID and streams.
func pmtSection(pcrPID uint16, streams []ElementaryStream) []byte {
	body := []byte{
		tableIDPMT,
		0xB0, 0, // section_length patched below
		0x00, 0x01, // program_number
		0xC1,
		0x00, 0x00,
		0xE0 | byte(pcrPID>>8)&0x1F, byte(pcrPID),
		0xF0, 0x00, // program_info_length 0
	}
	for _, es := range streams {
		body = append(body,
			es.StreamType,
			0xE0|byte(es.PID>>8)&0x1F, byte(es.PID),
			0xF0, 0x00, // es_info_length 0
		)
	}
	body[2] = byte(len(body) + 4 - 3) // section_length includes CRC
	return section(body)
}

// psiPayload prefixes a section with a zero pointer field.
func psiPayload(sec []byte) []byte {
	return append([]byte{0x00}, sec...)
}
