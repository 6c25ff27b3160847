package mpegts

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
)

// buildStream assembles a minimal single-program transport stream:
// PAT, PMT, one PCR, and two video PES units.
func buildStream() []byte {
	var ts bytes.Buffer

	streams := []ElementaryStream{
		{PID: 0x100, StreamType: StreamTypeH264},
		{PID: 0x101, StreamType: StreamTypeAAC},
	}

	ts.Write(tsPacket(pidPAT, 0, true, psiPayload(patSection(0x1000))))
	ts.Write(tsPacket(0x1000, 0, true, psiPayload(pmtSection(0x100, streams))))
	ts.Write(tsPCRPacket(0x100, 1, 90_000, 0))
	ts.Write(tsPacket(0x100, 2, true, pesPayload(0xE0, 93_000, -1, []byte{0x01})))
	ts.Write(tsPacket(0x100, 3, true, pesPayload(0xE0, 96_000, 95_000, []byte{0x02})))

	return ts.Bytes()
}

func TestDemuxer_FullStream(t *testing.T) {
	t.Parallel()

	d := NewDemuxer(context.Background(), bytes.NewReader(buildStream()))

	data, err := d.NextData()
	if err != nil {
		t.Fatalf("NextData: %v", err)
	}
	if data.PAT == nil {
		t.Fatalf("expected PAT first, got %+v", data)
	}

	data, err = d.NextData()
	if err != nil {
		t.Fatalf("NextData: %v", err)
	}
	if data.PMT == nil {
		t.Fatalf("expected PMT, got %+v", data)
	}
	if data.PMT.PCRPID != 0x100 {
		t.Errorf("PCR PID: got 0x%X, want 0x100", data.PMT.PCRPID)
	}

	data, err = d.NextData()
	if err != nil {
		t.Fatalf("NextData: %v", err)
	}
	if !data.HasPCR {
		t.Fatalf("expected PCR event, got %+v", data)
	}
	if got := data.PCR.Micros(); got != 1_000_000 {
		t.Errorf("PCR: got %d, want 1000000", got)
	}

	// The first PES flushes when the second PUSI arrives.
	data, err = d.NextData()
	if err != nil {
		t.Fatalf("NextData: %v", err)
	}
	if data.PES == nil || data.PES.PTS == nil {
		t.Fatalf("expected PES with PTS, got %+v", data)
	}
	if data.PES.PTS.Base != 93_000 {
		t.Errorf("PTS: got %d, want 93000", data.PES.PTS.Base)
	}

	// The second PES flushes on EOF drain.
	data, err = d.NextData()
	if err != nil {
		t.Fatalf("NextData: %v", err)
	}
	if data.PES == nil || data.PES.PTS == nil || data.PES.PTS.Base != 96_000 {
		t.Fatalf("expected trailing PES, got %+v", data)
	}
	if data.PES.DTS == nil || data.PES.DTS.Base != 95_000 {
		t.Errorf("DTS: got %+v, want base 95000", data.PES.DTS)
	}

	if _, err := d.NextData(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestDemuxer_SkipsCorruptPackets(t *testing.T) {
	t.Parallel()

	stream := buildStream()
	corrupt := make([]byte, packetSize)
	corrupt[0] = 0x00 // bad sync byte
	input := append(append([]byte{}, corrupt...), stream...)

	d := NewDemuxer(context.Background(), bytes.NewReader(input))
	data, err := d.NextData()
	if err != nil {
		t.Fatalf("NextData: %v", err)
	}
	if data.PAT == nil {
		t.Errorf("expected PAT after skipping corrupt packet, got %+v", data)
	}
}

func TestDemuxer_ContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := NewDemuxer(ctx, bytes.NewReader(buildStream()))
	if _, err := d.NextData(); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
