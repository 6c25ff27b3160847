// Package mpegts implements the slice of MPEG-TS demuxing the input
// clock needs: PAT/PMT discovery to classify elementary streams,
// adaptation-field PCR extraction, and PES reassembly with PTS/DTS.
package mpegts

// Packet is a parsed 188-byte transport stream packet.
type Packet struct {
	Header  PacketHeader
	Payload []byte
}

// PacketHeader contains the parsed header and adaptation-field fields
// of a transport stream packet.
type PacketHeader struct {
	PID                       uint16
	ContinuityCounter         uint8
	HasAdaptationField        bool
	HasPayload                bool
	PayloadUnitStartIndicator bool
	TransportErrorIndicator   bool
	DiscontinuityIndicator    bool

	// HasPCR reports a program clock reference in the adaptation field.
	HasPCR bool
	PCR    ClockReference
}

// Data is the demuxer output for one logical unit. Exactly one of PCR,
// PAT, PMT, or PES is meaningful: PCR events are emitted per packet as
// soon as the adaptation field is parsed, the others once a section or
// PES packet completes.
type Data struct {
	PID    uint16
	HasPCR bool
	PCR    ClockReference
	PAT    *PAT
	PMT    *PMT
	PES    *PES
}

// PAT is the parsed Program Association Table.
type PAT struct {
	Programs []PATProgram
}

// PATProgram maps a program number to its PMT PID.
type PATProgram struct {
	ProgramNumber uint16
	ProgramMapPID uint16
}

// PMT is the parsed Program Map Table.
type PMT struct {
	PCRPID  uint16
	Streams []ElementaryStream
}

// ElementaryStream describes one stream in a PMT.
type ElementaryStream struct {
	PID        uint16
	StreamType uint8
}

// Stream types that matter for timing: video conversions feed the
// decoder-latency estimate, so the clock needs to know which PIDs
// carry pictures.
const (
	StreamTypeMPEG2Video = 0x02
	StreamTypeAAC        = 0x0F
	StreamTypeH264       = 0x1B
	StreamTypeH265       = 0x24
	StreamTypeAC3        = 0x81
)

// IsVideo reports whether the elementary stream carries video.
func (es ElementaryStream) IsVideo() bool {
	switch es.StreamType {
	case StreamTypeMPEG2Video, StreamTypeH264, StreamTypeH265:
		return true
	}
	return false
}

// IsAudio reports whether the elementary stream carries audio.
func (es ElementaryStream) IsAudio() bool {
	switch es.StreamType {
	case StreamTypeAAC, StreamTypeAC3, 0x03, 0x04, 0x11:
		return true
	}
	return false
}

// PES is a reassembled packetized elementary stream unit.
type PES struct {
	StreamID uint8
	PTS      *ClockReference
	DTS      *ClockReference
	Data     []byte
}

// ClockReference is an MPEG-TS timestamp: a 33-bit 90 kHz base plus,
// for PCRs, a 9-bit 27 MHz extension.
type ClockReference struct {
	Base      int64
	Extension int64
}

// Micros converts the reference to microseconds, multiplying up to the
// 27 MHz tick count before dividing so no precision is lost.
func (cr ClockReference) Micros() int64 {
	return (cr.Base*300 + cr.Extension) / 27
}
