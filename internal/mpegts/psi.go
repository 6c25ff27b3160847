package mpegts

import "fmt"

const (
	pidPAT     = 0x0000
	tableIDPAT = 0x00
	tableIDPMT = 0x02
)

func isPSIPayload(pid uint16, pm *programMap) bool {
	return pid == pidPAT || pm.isPMTPID(pid)
}

func parsePSI(payload []byte, pid uint16) ([]*Data, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("mpegts: PSI payload too short")
	}

	pointerField := int(payload[0])
	offset := 1 + pointerField
	if offset >= len(payload) {
		return nil, fmt.Errorf("mpegts: PSI pointer field out of range")
	}

	var results []*Data

	for offset < len(payload) {
		tableID := payload[offset]
		if tableID == 0xFF {
			break // stuffing bytes
		}
		if offset+3 > len(payload) {
			break
		}

		// section_syntax_indicator must be 1 for PAT/PMT; zero padding
		// has the bit clear.
		if payload[offset+1]&0x80 == 0 {
			break
		}

		sectionLength := int(payload[offset+1]&0x0F)<<8 | int(payload[offset+2])
		sectionEnd := offset + 3 + sectionLength
		if sectionEnd > len(payload) {
			break
		}

		sectionData := payload[offset:sectionEnd]

		switch tableID {
		case tableIDPAT:
			pat, err := parsePATSection(sectionData)
			if err != nil {
				return results, err
			}
			results = append(results, &Data{PID: pid, PAT: pat})

		case tableIDPMT:
			pmt, err := parsePMTSection(sectionData)
			if err != nil {
				return results, err
			}
			results = append(results, &Data{PID: pid, PMT: pmt})
		}

		offset = sectionEnd
	}

	return results, nil
}

func parsePATSection(data []byte) (*PAT, error) {
	if err := verifyCRC32(data); err != nil {
		return nil, fmt.Errorf("mpegts: PAT %w", err)
	}
	if len(data) < 12 { // 8 header + 4 CRC
		return nil, fmt.Errorf("mpegts: PAT too short")
	}

	sectionLength := int(data[1]&0x0F)<<8 | int(data[2])
	entryEnd := 3 + sectionLength - 4 // drop CRC32
	if entryEnd > len(data)-4 {
		entryEnd = len(data) - 4
	}

	pat := &PAT{}
	for i := 8; i+4 <= entryEnd; i += 4 {
		programNumber := uint16(data[i])<<8 | uint16(data[i+1])
		pmtPID := uint16(data[i+2]&0x1F)<<8 | uint16(data[i+3])

		if programNumber == 0 {
			continue // NIT PID
		}
		pat.Programs = append(pat.Programs, PATProgram{
			ProgramNumber: programNumber,
			ProgramMapPID: pmtPID,
		})
	}

	return pat, nil
}

func parsePMTSection(data []byte) (*PMT, error) {
	if err := verifyCRC32(data); err != nil {
		return nil, fmt.Errorf("mpegts: PMT %w", err)
	}
	if len(data) < 16 { // 12 header + 4 CRC
		return nil, fmt.Errorf("mpegts: PMT too short")
	}

	sectionLength := int(data[1]&0x0F)<<8 | int(data[2])
	sectionEnd := 3 + sectionLength

	pmt := &PMT{
		PCRPID: uint16(data[8]&0x1F)<<8 | uint16(data[9]),
	}

	programInfoLength := int(data[10]&0x0F)<<8 | int(data[11])
	offset := 12 + programInfoLength

	// Elementary stream entries run until 4 bytes before section end (CRC).
	for offset+5 <= sectionEnd-4 {
		streamType := data[offset]
		esPID := uint16(data[offset+1]&0x1F)<<8 | uint16(data[offset+2])
		esInfoLength := int(data[offset+3]&0x0F)<<8 | int(data[offset+4])

		pmt.Streams = append(pmt.Streams, ElementaryStream{
			PID:        esPID,
			StreamType: streamType,
		})

		offset += 5 + esInfoLength
	}

	return pmt, nil
}
