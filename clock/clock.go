// Package clock implements the input clock of a streaming pipeline: it
// maps timestamps carried in a source stream (PCR/PTS, in the stream's
// own clock domain) to the local monotonic instants at which decoded
// units should be presented, while the two clocks drift apart, the
// network jitters, and the user pauses, seeks, or changes rate.
//
// A Clock is anchored by one (stream, system) reference pair and a
// playback rate, which together define an affine map between the two
// domains. On top of that sit three filters: a long-window drift
// estimate biasing every conversion, an adaptive envelope of drift
// residuals serving as the network-jitter measure, and a decaying
// maximum of observed decoder latency. All state lives behind a single
// mutex; every method is safe for concurrent use.
package clock

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

// Time is expressed throughout as signed 64-bit microseconds.
const (
	// TSInvalid marks "no timestamp". It compares less than any real
	// timestamp in either clock domain.
	TSInvalid int64 = math.MinInt64

	// RateDefault is the rate value meaning real-time (1.0x) playback.
	// The instantaneous playback rate is rate/RateDefault.
	RateDefault = 1000

	// NoBound disables the out-of-bounds check in ConvertTS.
	NoBound int64 = math.MaxInt64
)

const (
	// maxGap is the largest PCR step treated as continuous; beyond it
	// the stream has jumped and the reference is re-anchored.
	maxGap = 60 * 1000 * 1000

	// meanPTSGap compensates chapter transitions that restart the
	// program clock near zero (DVD-style edits).
	meanPTSGap = 300 * 1000

	// bufferingRate is the extra read speed, in 1/256ths, used to grow
	// the internal buffer when we control the source pace.
	bufferingRate = 48

	// bufferingTarget caps the accumulated buffering slack.
	bufferingTarget = 100 * 1000

	lateCount   = 3
	pcrRingSize = 100
)

// Conversion errors. Precondition violations (pausing an already-paused
// clock, origin operations without a reference) are programmer errors
// and panic instead.
var (
	ErrNoReference = errors.New("clock: no reference point")
	ErrOutOfBounds = errors.New("clock: converted timestamp out of bounds")
)

// Point is one (stream, system) timestamp pair. Both fields are valid or
// both are TSInvalid.
type Point struct {
	Stream int64
	System int64
}

// State describes the current reference span of a clock.
type State struct {
	StreamStart    int64
	SystemStart    int64
	StreamDuration int64
	SystemDuration int64
}

var processEpoch = time.Now()

// Now returns the process-monotonic time in microseconds. It is the
// default time source for a Clock; Update callers should stamp arrival
// times from the same source they configure the clock with.
func Now() int64 {
	return int64(time.Since(processEpoch) / time.Microsecond)
}

// Clock converts stream timestamps to local presentation instants.
type Clock struct {
	mu  sync.Mutex
	log *slog.Logger
	now func() int64

	// last is the most recent Update pair, used to detect unexpected
	// stream discontinuities.
	last Point

	// tsMax is the largest system timestamp ConvertTS has converted ts0
	// to, taken before the presentation delay is added.
	tsMax int64

	// bufferingDuration is extra slack accumulated in stream units.
	bufferingDuration int64

	nextDriftUpdate int64
	drift           average

	late struct {
		values [lateCount]int64
		index  int
	}
	continuousLateCount int

	ref          Point
	hasReference bool

	externalClock    int64
	hasExternalClock bool

	paused    bool
	rate      int
	ptsDelay  int64
	pauseDate int64

	// points records recent Update pairs so decoder latency can look up
	// when a given stream time arrived.
	points     [pcrRingSize]Point
	pointIndex int
	latency    latencyStats
}

// Option configures a Clock.
type Option func(*Clock)

// WithLogger sets the logger used for discontinuity and conversion
// failure messages. A nil logger selects slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(c *Clock) {
		if log != nil {
			c.log = log
		}
	}
}

// WithNow replaces the monotonic time source. Intended for tests.
func WithNow(now func() int64) Option {
	return func(c *Clock) {
		c.now = now
	}
}

// New creates a clock running at the given rate (RateDefault = 1.0x).
func New(rate int, opts ...Option) *Clock {
	c := &Clock{
		log:             slog.Default(),
		now:             Now,
		last:            Point{TSInvalid, TSInvalid},
		tsMax:           TSInvalid,
		nextDriftUpdate: TSInvalid,
		ref:             Point{TSInvalid, TSInvalid},
		rate:            rate,
		pauseDate:       TSInvalid,
	}
	c.drift.init(10)
	c.latency.init()
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("component", "clock")
	return c
}

// Update feeds a clock reference: stream is the PCR date, system its
// local arrival time. canPaceControl reports whether the caller imposes
// the reading pace (file/pipe) rather than the source (network);
// bufferingAllowed permits growing the internal buffering slack.
//
// The returned late flag is always false; lateness is tracked inside
// ConvertTS.
func (c *Clock) Update(stream, system int64, canPaceControl, bufferingAllowed bool) bool {
	if stream <= TSInvalid || system <= TSInvalid {
		panic("clock: Update with invalid timestamp")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	resetReference := false
	if !c.hasReference {
		resetReference = true
	} else if c.last.Stream > TSInvalid && abs64(c.last.Stream-stream) > maxGap {
		// Stream discontinuity without a warning from stream control
		// (dd-edited stream?).
		c.log.Warn("clock gap, unexpected stream discontinuity",
			"last_stream", c.last.Stream, "stream", stream)
		c.tsMax = TSInvalid
		resetReference = true
	}

	if resetReference {
		c.nextDriftUpdate = TSInvalid
		c.drift.reset()
		c.latency.init()

		// Feed synchro with a new reference point.
		c.hasReference = true
		c.ref = Point{stream, max64(c.tsMax+meanPTSGap, system)}
		c.hasExternalClock = false
	}

	// Measure drift only when the source imposes the pace; when we
	// control it ourselves the residual would just measure us.
	if !canPaceControl && c.nextDriftUpdate < system {
		converted := c.systemToStream(system)
		c.drift.update(converted - stream)
		c.nextDriftUpdate = system
	}

	if !canPaceControl || resetReference {
		c.bufferingDuration = 0
	} else if bufferingAllowed {
		// Read bufferingRate/256 faster than necessary until the slack
		// reaches bufferingTarget.
		duration := max64(stream-c.last.Stream, 0)
		c.bufferingDuration += (duration*bufferingRate + 255) / 256
		if c.bufferingDuration > bufferingTarget {
			c.bufferingDuration = bufferingTarget
		}
	}

	c.last = Point{stream, system}
	c.points[c.pointIndex] = c.last
	c.pointIndex = (c.pointIndex + 1) % pcrRingSize

	return false
}

// ConvertTS converts ts0, and ts1 when valid, from stream time to the
// local presentation instant, and reports the current rate. Pass
// TSInvalid for an absent ts1 and NoBound to disable the bound check.
//
// With no reference point both results are TSInvalid and the error is
// ErrNoReference. If the converted ts0 lands further than bound past
// "now" (plus delay and buffering slack), the error is ErrOutOfBounds
// and ts0 retains the computed value. videoES marks conversions for a
// video elementary stream, which feed the decoder-latency estimate.
func (c *Clock) ConvertTS(ts0, ts1, bound int64, videoES bool) (int64, int64, int, error) {
	c.mu.Lock()

	rate := c.rate

	if !c.hasReference {
		c.mu.Unlock()
		c.log.Error("timestamp conversion failed: no reference clock", "ts", ts0)
		return TSInvalid, TSInvalid, rate, ErrNoReference
	}

	if videoES {
		c.updateDecoderLatency(ts0)
	}

	tsBuffering := c.bufferingDuration * int64(c.rate) / RateDefault
	tsDelay := c.tsOffset() + c.drift.maxOffset + c.latency.max

	if ts0 > TSInvalid {
		ts0 = c.streamToSystem(ts0 + c.drift.get())
		if ts0 > c.tsMax {
			c.tsMax = ts0
		}
		ts0 += tsDelay
	}

	// tsMax is not updated from ts1 on purpose.
	if ts1 > TSInvalid {
		ts1 = c.streamToSystem(ts1+c.drift.get()) + tsDelay
	}

	// Self-check on the adjustment filters: a long run of conversions
	// already in the past means the estimates have diverged, so drop
	// the reference and re-anchor on the next Update.
	if ts0 > TSInvalid && c.now()-ts0 >= 16*1000 {
		c.continuousLateCount++
		if c.continuousLateCount > 66*2 {
			c.log.Error("continuously late conversions, resetting clock",
				"clock", c.stringLocked())
			c.resetLocked()
			c.continuousLateCount = 0
		}
	} else {
		c.continuousLateCount = 0
	}

	c.mu.Unlock()

	if bound != NoBound && ts0 > TSInvalid && ts0 >= c.now()+tsDelay+tsBuffering+bound {
		c.log.Error("timestamp conversion out of bounds",
			"delay", tsDelay, "buffering", tsBuffering, "bound", bound)
		return ts0, ts1, rate, ErrOutOfBounds
	}

	return ts0, ts1, rate, nil
}

// Reset drops the reference point and external-clock origin. Filter
// state survives; the next Update re-anchors.
func (c *Clock) Reset() {
	c.mu.Lock()
	c.resetLocked()
	c.mu.Unlock()
}

func (c *Clock) resetLocked() {
	c.hasReference = false
	c.ref = Point{TSInvalid, TSInvalid}
	c.hasExternalClock = false
	c.tsMax = TSInvalid
}

// ChangeRate switches the playback rate, moving the reference so that
// the last Update point keeps its system date (as if we had been
// playing at the new rate from the start). Earlier stream dates convert
// differently afterwards.
func (c *Clock) ChangeRate(rate int) {
	c.mu.Lock()
	if c.hasReference {
		c.ref.System = c.last.System - (c.last.System-c.ref.System)*int64(rate)/int64(c.rate)
	}
	c.rate = rate
	c.mu.Unlock()
}

// ChangePause records a pause state transition at the given system
// date. On resume, the reference and last points shift forward by the
// paused duration. Calling it without a state change is a programmer
// error.
func (c *Clock) ChangePause(paused bool, date int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.paused == paused {
		panic("clock: ChangePause without a state change")
	}

	if c.paused {
		duration := date - c.pauseDate
		if c.hasReference && duration > 0 {
			c.ref.System += duration
			c.last.System += duration
		}
	}
	c.pauseDate = date
	c.paused = paused
}

// GetWakeup returns the system date until which the input can wait
// before feeding more data, or 0 when unreferenced.
func (c *Clock) GetWakeup() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.hasReference {
		return 0
	}
	return c.streamToSystem(c.last.Stream + c.drift.get() - c.bufferingDuration)
}

// GetState returns the reference point and the stream/system spans
// covered since it was set.
func (c *Clock) GetState() (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.hasReference {
		return State{}, ErrNoReference
	}
	return State{
		StreamStart:    c.ref.Stream,
		SystemStart:    c.ref.System,
		StreamDuration: c.last.Stream - c.ref.Stream,
		SystemDuration: c.last.System - c.ref.System,
	}, nil
}

// ChangeDriftStartPoint defers drift sampling until shortly after the
// given system date, so samples taken while the pipeline settles do not
// pollute the estimate.
func (c *Clock) ChangeDriftStartPoint(system int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.hasReference {
		panic("clock: ChangeDriftStartPoint without reference")
	}
	c.nextDriftUpdate = system + 33*1000
}

// ChangeSystemOrigin moves the system side of the reference. With
// absolute set, the reference lands exactly on the given system date
// (minus the rate-induced display offset). Otherwise the date is
// interpreted relative to an external clock latched on first call.
func (c *Clock) ChangeSystemOrigin(absolute bool, system int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.hasReference {
		panic("clock: ChangeSystemOrigin without reference")
	}

	var offset int64
	if absolute {
		offset = system - c.ref.System - c.tsOffset()
	} else {
		if !c.hasExternalClock {
			c.hasExternalClock = true
			c.externalClock = system
		}
		offset = system - c.externalClock
	}

	c.ref.System += offset
	c.last.System += offset
}

// GetSystemOrigin returns the system side of the reference point and
// the current pts delay.
func (c *Clock) GetSystemOrigin() (system, ptsDelay int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.hasReference {
		panic("clock: GetSystemOrigin without reference")
	}
	return c.ref.System, c.ptsDelay
}

// SetJitter updates the presentation delay and the drift filter window.
// The delay only ever increases; lateness observations are shifted by
// the delay change so they keep measuring the same thing. crAverage is
// the drift filter divider, clamped to at least 10.
func (c *Clock) SetJitter(ptsDelay int64, crAverage int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Re-express the late observations against the new delay.
	delta := ptsDelay - c.ptsDelay
	var late [lateCount]int64
	for i := 0; i < lateCount; i++ {
		late[i] = max64(c.late.values[(c.late.index+1+i)%lateCount]-delta, 0)
	}

	for i := range c.late.values {
		c.late.values[i] = 0
	}
	c.late.index = 0

	for _, v := range late {
		if v <= 0 {
			continue
		}
		c.late.values[c.late.index] = v
		c.late.index = (c.late.index + 1) % lateCount
	}

	if c.ptsDelay < ptsDelay {
		c.ptsDelay = ptsDelay
	}

	if crAverage < 10 {
		crAverage = 10
	}
	if c.drift.divider != int64(crAverage) {
		c.drift.rescale(int64(crAverage))
	}
}

// GetJitter returns the pts delay plus the median of the recent late
// observations. The median rejects the occasional wild value.
func (c *Clock) GetJitter() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := &c.late.values
	median := p[0] + p[1] + p[2] - min64(min64(p[0], p[1]), p[2]) - max64(max64(p[0], p[1]), p[2])
	return c.ptsDelay + median
}

// GetRate returns the current playback rate.
func (c *Clock) GetRate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rate
}

// String formats the internal state on one line for diagnostics. The
// layout is not a compatibility surface.
func (c *Clock) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stringLocked()
}

func (c *Clock) stringLocked() string {
	return fmt.Sprintf("ts_max(%d),drift(%d,%d,%d,%d,%d,%d),decode late[%d,%d,%d,%d],ref(%d,%d),mdate(%d)",
		c.tsMax,
		c.drift.value, c.drift.means, c.drift.variance, c.drift.count, c.drift.maxOffset, c.drift.startCount,
		c.latency.means, c.latency.max, c.latency.count, c.latency.maxCount,
		c.ref.Stream, c.ref.System, c.now())
}

// streamToSystem converts a stream date through the affine reference
// map. TSInvalid when unreferenced. The multiplication runs before the
// division to keep precision.
func (c *Clock) streamToSystem(stream int64) int64 {
	if !c.hasReference {
		return TSInvalid
	}
	return (stream-c.ref.Stream)*int64(c.rate)/RateDefault + c.ref.System
}

// systemToStream is the inverse map. A valid reference is required.
func (c *Clock) systemToStream(system int64) int64 {
	if !c.hasReference {
		panic("clock: systemToStream without reference")
	}
	return (system-c.ref.System)*RateDefault/int64(c.rate) + c.ref.Stream
}

// tsOffset is the display offset induced by ref/last moves on rate
// changes; it keeps already-converted dates stable at non-default rates.
func (c *Clock) tsOffset() int64 {
	return c.ptsDelay * int64(c.rate-RateDefault) / RateDefault
}

// updateDecoderLatency folds one latency sample into the estimator: the
// gap between now and when this stream date arrived, per the recent PCR
// ring.
func (c *Clock) updateDecoderLatency(stream int64) {
	newest := (c.pointIndex - 1 + pcrRingSize) % pcrRingSize

	// Scan newest to oldest for the first entry at or before the
	// requested stream date. Unused slots are zeroed and compare below
	// any real stream time, so the scan terminates on an unfilled ring.
	var system int64
	i := newest
	for {
		cur := c.points[i]
		if cur.Stream == stream {
			system = cur.System
			break
		}
		if cur.Stream < stream {
			// Not recorded exactly; extrapolate from the nearest
			// earlier point at unit rate.
			system = stream - cur.Stream + cur.System
			break
		}
		i = (i - 1 + pcrRingSize) % pcrRingSize
		if i == newest {
			break
		}
	}

	// The +500 keeps the sample strictly positive with a
	// millisecond-granular time source.
	c.latency.update(c.now() + 500 - system)
}
