package pipeline

import (
	"sync/atomic"
	"time"

	"github.com/zsiec/cadence/media"
)

// SyncStats accumulates clock-synchronization telemetry in a
// concurrency-safe manner using atomic counters. Snapshots are produced
// for periodic logging and the stats surface of the binary.
type SyncStats struct {
	startTime time.Time

	pcrUpdates   atomic.Int64
	conversions  atomic.Int64
	dropped      atomic.Int64
	outOfBounds  atomic.Int64
	videoUnits   atomic.Int64
	audioUnits   atomic.Int64
	lastPCR      atomic.Int64
	lastDeadline atomic.Int64
}

// NewSyncStats creates a SyncStats ready for use.
func NewSyncStats() *SyncStats {
	return &SyncStats{startTime: time.Now()}
}

func (s *SyncStats) recordPCR(pcr int64) {
	s.pcrUpdates.Add(1)
	s.lastPCR.Store(pcr)
}

func (s *SyncStats) recordUnit(kind media.Kind, deadline int64) {
	s.conversions.Add(1)
	s.lastDeadline.Store(deadline)
	switch kind {
	case media.KindVideo:
		s.videoUnits.Add(1)
	case media.KindAudio:
		s.audioUnits.Add(1)
	}
}

func (s *SyncStats) recordDropped() {
	s.conversions.Add(1)
	s.dropped.Add(1)
}

// recordOutOfBounds marks a conversion whose result exceeded the bound;
// the unit is still emitted, so recordUnit accounts for the conversion.
func (s *SyncStats) recordOutOfBounds() {
	s.outOfBounds.Add(1)
}

// Snapshot is a point-in-time view of synchronization health, merged
// with clock state by Pipeline.Snapshot.
type Snapshot struct {
	Timestamp   int64 `json:"ts"`
	UptimeMs    int64 `json:"uptimeMs"`
	PCRUpdates  int64 `json:"pcrUpdates"`
	Conversions int64 `json:"conversions"`
	Dropped     int64 `json:"dropped"`
	OutOfBounds int64 `json:"outOfBounds"`
	VideoUnits  int64 `json:"videoUnits"`
	AudioUnits  int64 `json:"audioUnits"`

	LastPCRUs      int64 `json:"lastPcrUs"`
	LastDeadlineUs int64 `json:"lastDeadlineUs"`

	Rate       int   `json:"rate"`
	JitterUs   int64 `json:"jitterUs"`
	WakeupUs   int64 `json:"wakeupUs"`
	Referenced bool  `json:"referenced"`

	StreamStartUs    int64 `json:"streamStartUs,omitempty"`
	SystemStartUs    int64 `json:"systemStartUs,omitempty"`
	StreamDurationUs int64 `json:"streamDurationUs,omitempty"`
	SystemDurationUs int64 `json:"systemDurationUs,omitempty"`
}

func (s *SyncStats) snapshot() Snapshot {
	return Snapshot{
		Timestamp:      time.Now().UnixMilli(),
		UptimeMs:       time.Since(s.startTime).Milliseconds(),
		PCRUpdates:     s.pcrUpdates.Load(),
		Conversions:    s.conversions.Load(),
		Dropped:        s.dropped.Load(),
		OutOfBounds:    s.outOfBounds.Load(),
		VideoUnits:     s.videoUnits.Load(),
		AudioUnits:     s.audioUnits.Load(),
		LastPCRUs:      s.lastPCR.Load(),
		LastDeadlineUs: s.lastDeadline.Load(),
	}
}
