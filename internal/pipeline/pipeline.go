// Package pipeline bridges a demuxed MPEG-TS stream and the input
// clock: PCRs discipline the clock, PES timestamps convert through it,
// and the resulting deadline-stamped units are handed to whatever
// schedules presentation.
package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/zsiec/cadence/clock"
	"github.com/zsiec/cadence/internal/mpegts"
	"github.com/zsiec/cadence/media"
)

// Pipeline owns the demux-to-clock data flow for a single stream. It is
// driven by Run; converted units appear on Units.
type Pipeline struct {
	log       *slog.Logger
	clk       *clock.Clock
	input     io.Reader
	streamKey string
	stats     *SyncStats
	out       chan *media.Unit

	// paced reports that we impose the reading pace (file/pipe input).
	// A paced source gets buffering accrual; an unpaced one gets drift
	// measurement.
	paced bool
	bound int64

	pcrPID    uint16
	havePMT   bool
	videoPIDs map[uint16]bool
	audioPIDs map[uint16]bool
}

// New creates a pipeline feeding the given clock from input. If log is
// nil, slog.Default() is used.
func New(streamKey string, input io.Reader, clk *clock.Clock, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		log:       log.With("component", "pipeline", "stream", streamKey),
		clk:       clk,
		input:     input,
		streamKey: streamKey,
		stats:     NewSyncStats(),
		out:       make(chan *media.Unit, media.UnitBufferSize),
		bound:     clock.NoBound,
		videoPIDs: make(map[uint16]bool),
		audioPIDs: make(map[uint16]bool),
	}
}

// SetPaced marks the input as pace-controlled (file playback rather
// than network ingest). Call before Run.
func (p *Pipeline) SetPaced(paced bool) {
	p.paced = paced
}

// SetBound sets the conversion validity bound passed to the clock.
// Call before Run; the default disables the check.
func (p *Pipeline) SetBound(bound int64) {
	p.bound = bound
}

// Units is the channel of deadline-stamped access units.
func (p *Pipeline) Units() <-chan *media.Unit {
	return p.out
}

// Clock returns the clock this pipeline disciplines.
func (p *Pipeline) Clock() *clock.Clock {
	return p.clk
}

// Run demuxes the input until EOF or context cancellation, feeding the
// clock and emitting converted units. The Units channel is closed on
// return.
func (p *Pipeline) Run(ctx context.Context) error {
	defer close(p.out)

	d := mpegts.NewDemuxer(ctx, p.input)

	for {
		data, err := d.NextData()
		if err != nil {
			if errors.Is(err, io.EOF) {
				p.log.Info("input finished")
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		switch {
		case data.HasPCR:
			p.handlePCR(data)

		case data.PMT != nil:
			p.handlePMT(data.PMT)

		case data.PES != nil:
			if err := p.handlePES(ctx, data.PID, data.PES); err != nil {
				return err
			}
		}
	}
}

func (p *Pipeline) handlePCR(data *mpegts.Data) {
	// Once the PMT names the PCR PID, ignore clocks on other PIDs.
	if p.havePMT && data.PID != p.pcrPID {
		return
	}
	pcr := data.PCR.Micros()
	p.clk.Update(pcr, clock.Now(), p.paced, p.paced)
	p.stats.recordPCR(pcr)
}

func (p *Pipeline) handlePMT(pmt *mpegts.PMT) {
	if !p.havePMT {
		p.log.Info("program map", "pcr_pid", pmt.PCRPID, "streams", len(pmt.Streams))
	}
	p.havePMT = true
	p.pcrPID = pmt.PCRPID
	for _, es := range pmt.Streams {
		switch {
		case es.IsVideo():
			p.videoPIDs[es.PID] = true
		case es.IsAudio():
			p.audioPIDs[es.PID] = true
		}
	}
}

func (p *Pipeline) handlePES(ctx context.Context, pid uint16, pes *mpegts.PES) error {
	if pes.PTS == nil {
		return nil
	}

	kind := media.KindOther
	switch {
	case p.videoPIDs[pid]:
		kind = media.KindVideo
	case p.audioPIDs[pid]:
		kind = media.KindAudio
	}

	pts := pes.PTS.Micros()
	dts := clock.TSInvalid
	if pes.DTS != nil {
		dts = pes.DTS.Micros()
	}

	// Convert the decode date as the primary timestamp (it drives
	// ts_max) and the presentation date alongside. Units without a DTS
	// convert the PTS alone.
	ts0, ts1 := pts, clock.TSInvalid
	if dts > clock.TSInvalid {
		ts0, ts1 = dts, pts
	}

	out0, out1, _, err := p.clk.ConvertTS(ts0, ts1, p.bound, kind == media.KindVideo)
	switch {
	case errors.Is(err, clock.ErrNoReference):
		p.stats.recordDropped()
		return nil
	case errors.Is(err, clock.ErrOutOfBounds):
		p.stats.recordOutOfBounds()
	case err != nil:
		return err
	}

	unit := &media.Unit{
		PID:  pid,
		Kind: kind,
		PTS:  pts,
		DTS:  dts,
		Data: pes.Data,
	}
	if dts > clock.TSInvalid {
		unit.DecodeDeadline = out0
		unit.Deadline = out1
	} else {
		unit.Deadline = out0
		unit.DecodeDeadline = clock.TSInvalid
	}

	p.stats.recordUnit(kind, unit.Deadline)

	select {
	case p.out <- unit:
	case <-ctx.Done():
		return nil
	}
	return nil
}

// Snapshot merges the pipeline counters with the clock's current state
// into a JSON-serializable view.
func (p *Pipeline) Snapshot() Snapshot {
	snap := p.stats.snapshot()
	snap.Rate = p.clk.GetRate()
	snap.JitterUs = p.clk.GetJitter()
	snap.WakeupUs = p.clk.GetWakeup()
	if st, err := p.clk.GetState(); err == nil {
		snap.Referenced = true
		snap.StreamStartUs = st.StreamStart
		snap.SystemStartUs = st.SystemStart
		snap.StreamDurationUs = st.StreamDuration
		snap.SystemDurationUs = st.SystemDuration
	}
	return snap
}
