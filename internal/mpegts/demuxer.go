package mpegts

import (
	"context"
	"errors"
	"io"
)

// Demuxer reads MPEG-TS packets from a reader and produces timing
// units: PCR events as they arrive, plus parsed PAT, PMT, and PES
// payloads once complete.
type Demuxer struct {
	ctx        context.Context
	reader     io.Reader
	readBuf    []byte
	pool       *packetPool
	programMap *programMap
	dataBuffer []*Data
	pktSize    int
	eof        bool
	eofData    []*Data
}

// NewDemuxer creates a demuxer reading from r.
func NewDemuxer(ctx context.Context, r io.Reader, opts ...func(*Demuxer)) *Demuxer {
	pm := newProgramMap()
	d := &Demuxer{
		ctx:        ctx,
		reader:     r,
		pktSize:    packetSize,
		programMap: pm,
		pool:       newPacketPool(pm),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.readBuf = make([]byte, d.pktSize)
	return d
}

// DemuxerOptPacketSize sets the number of bytes read per packet (default
// 188). Packets are parsed only at 188 bytes; reads of any other size
// fail parsing and are skipped as corrupt.
func DemuxerOptPacketSize(size int) func(*Demuxer) {
	return func(d *Demuxer) {
		d.pktSize = size
	}
}

// NextData returns the next timing unit from the stream. Returns io.EOF
// when all data has been consumed.
func (d *Demuxer) NextData() (*Data, error) {
	for {
		// Drain buffered results first.
		if len(d.dataBuffer) > 0 {
			data := d.dataBuffer[0]
			d.dataBuffer = d.dataBuffer[1:]
			return data, nil
		}

		if d.eof {
			if len(d.eofData) > 0 {
				data := d.eofData[0]
				d.eofData = d.eofData[1:]
				return data, nil
			}
			return nil, io.EOF
		}

		if d.ctx.Err() != nil {
			return nil, d.ctx.Err()
		}

		_, err := io.ReadFull(d.reader, d.readBuf)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				d.eof = true
				d.drainPool()
				continue
			}
			return nil, err
		}

		pkt, err := parsePacket(d.readBuf)
		if err != nil {
			continue // skip corrupt packets
		}

		// PCR events are reported before the payload the packet starts,
		// mirroring arrival order on the wire.
		if pkt.Header.HasPCR && !pkt.Header.TransportErrorIndicator {
			d.dataBuffer = append(d.dataBuffer, &Data{
				PID:    pkt.Header.PID,
				HasPCR: true,
				PCR:    pkt.Header.PCR,
			})
		}

		flushed := d.pool.add(pkt)
		if flushed != nil {
			results, err := d.processPackets(flushed)
			if err == nil {
				d.registerPrograms(results)
				d.dataBuffer = append(d.dataBuffer, results...)
			}
		}

		if len(d.dataBuffer) > 0 {
			data := d.dataBuffer[0]
			d.dataBuffer = d.dataBuffer[1:]
			return data, nil
		}
	}
}

func (d *Demuxer) drainPool() {
	for _, packets := range d.pool.dump() {
		results, err := d.processPackets(packets)
		if err != nil {
			continue
		}
		// Register PAT results so PMT PIDs flushed later in the drain
		// are recognized as PSI.
		d.registerPrograms(results)
		d.eofData = append(d.eofData, results...)
	}
}

func (d *Demuxer) registerPrograms(results []*Data) {
	for _, r := range results {
		if r.PAT != nil {
			for _, p := range r.PAT.Programs {
				d.programMap.addPMTPID(p.ProgramMapPID)
			}
		}
	}
}

func (d *Demuxer) processPackets(packets []*Packet) ([]*Data, error) {
	if len(packets) == 0 {
		return nil, nil
	}

	pid := packets[0].Header.PID

	var payload []byte
	for _, p := range packets {
		payload = append(payload, p.Payload...)
	}
	if len(payload) == 0 {
		return nil, nil
	}

	if isPSIPayload(pid, d.programMap) {
		return parsePSI(payload, pid)
	}

	if isPESPayload(payload) {
		pes, err := parsePES(payload)
		if err != nil {
			return nil, err
		}
		return []*Data{{PID: pid, PES: pes}}, nil
	}

	return nil, nil
}
