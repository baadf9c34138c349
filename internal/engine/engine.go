// Package engine runs the real-time side of the station. Engine.Process is
// the audio callback: it advances the sample clock, asks the scheduler for
// the live gain envelope, pulls fallback audio from the pre-rendered cue
// ring, mixes, meters and hands a copy of the programme to the streaming sink
// through a drop-oldest queue. Process never allocates, blocks or logs;
// everything it has to report is a counter.
package engine

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/satindergrewal/netsource/internal/audio"
	"github.com/satindergrewal/netsource/internal/clock"
	"github.com/satindergrewal/netsource/internal/device"
	"github.com/satindergrewal/netsource/internal/schedule"
)

// Config sizes the engine.
type Config struct {
	Format       audio.Format
	PeriodFrames int // requested callback size; larger callbacks are chunked
}

// Stats is a snapshot of the engine counters.
type Stats struct {
	Callbacks       uint64        `json:"callbacks"`
	Underruns       uint64        `json:"underruns"`
	Overruns        uint64        `json:"overruns"`
	LiveMissing     uint64        `json:"live_missing"`
	Clipped         uint64        `json:"clipped"`
	FallbackSilence uint64        `json:"fallback_silence"`
	FallbackFiller  uint64        `json:"fallback_filler"`
	FramesQueued    int           `json:"frames_queued"`
	FramesPushed    uint64        `json:"frames_pushed"`
	FramesDropped   uint64        `json:"frames_dropped"`
	FramesStarved   uint64        `json:"frames_starved"`
	LastProcess     time.Duration `json:"last_process_ns"`
	MaxProcess      time.Duration `json:"max_process_ns"`
}

// Engine owns the audio callback.
type Engine struct {
	cfg    Config
	clock  *clock.SampleClock
	sched  *schedule.Scheduler
	player *FallbackPlayer
	queue  *FrameQueue

	inMeter  *audio.Meter
	outMeter *audio.Meter

	// Callback-only state, preallocated.
	gains    []float32
	local    []int16
	frame    *StreamFrame
	fill     int
	lastCall time.Time

	callbacks   atomic.Uint64
	underruns   atomic.Uint64
	overruns    atomic.Uint64
	liveMissing atomic.Uint64
	clipped     atomic.Uint64
	starved     atomic.Uint64
	lastProcess atomic.Int64
	maxProcess  atomic.Int64

	stopping atomic.Bool
	stopped  chan struct{}
	stopOnce sync.Once

	mu     sync.Mutex
	stream device.Stream
}

// New wires an engine. The clock, scheduler, player and queue are shared
// with the control side.
func New(cfg Config, clk *clock.SampleClock, sched *schedule.Scheduler, player *FallbackPlayer, queue *FrameQueue) *Engine {
	if cfg.PeriodFrames <= 0 {
		cfg.PeriodFrames = audio.FrameSize
	}
	return &Engine{
		cfg:      cfg,
		clock:    clk,
		sched:    sched,
		player:   player,
		queue:    queue,
		inMeter:  audio.NewMeter(cfg.Format.Channels),
		outMeter: audio.NewMeter(cfg.Format.Channels),
		gains:    make([]float32, cfg.PeriodFrames),
		local:    make([]int16, cfg.PeriodFrames*cfg.Format.Channels),
		stopped:  make(chan struct{}),
	}
}

// Process is the device callback.
func (e *Engine) Process(out, in []int16, frames int, info device.CallbackInfo) device.Result {
	if e.stopping.Load() {
		clear(out)
		e.stopOnce.Do(e.markStopped)
		return device.Stop
	}

	begin := info.Time
	if begin.IsZero() {
		begin = time.Now()
	}
	period := info.Period
	if period <= 0 {
		period = e.cfg.Format.Duration(frames)
	}
	// A callback arriving half a period late means the device ran dry.
	if !e.lastCall.IsZero() && begin.Sub(e.lastCall) > period+period/2 {
		e.underruns.Add(1)
	}
	e.lastCall = begin
	e.callbacks.Add(1)

	ch := e.cfg.Format.Channels
	if len(out) < frames*ch {
		frames = len(out) / ch
	}
	start := e.clock.Advance(frames)

	for off := 0; off < frames; {
		n := min(frames-off, len(e.gains))
		blk := out[off*ch : (off+n)*ch]
		var live []int16
		if len(in) >= (off+n)*ch {
			live = in[off*ch : (off+n)*ch]
		}
		gains := e.gains[:n]
		local := e.local[:n*ch]

		e.sched.Fill(start+uint64(off), gains)
		e.player.Read(local)
		res := audio.Mix(blk, ch, gains, [2]audio.Source{
			{Kind: audio.SourceLive, Samples: live},
			{Kind: audio.SourceFallback, Samples: local},
		})
		if res.LiveMissing && (gains[0] > 0 || gains[n-1] > 0) {
			e.liveMissing.Add(1)
		}
		if res.Clipped > 0 {
			e.clipped.Add(uint64(res.Clipped))
		}
		e.inMeter.Update(live)
		e.outMeter.Update(blk)
		e.enqueue(blk, start+uint64(off))
		off += n
	}

	elapsed := time.Since(begin)
	e.lastProcess.Store(int64(elapsed))
	if int64(elapsed) > e.maxProcess.Load() {
		e.maxProcess.Store(int64(elapsed))
	}
	if elapsed > period {
		e.overruns.Add(1)
	}
	return device.Continue
}

// enqueue copies programme audio into stream frames.
func (e *Engine) enqueue(samples []int16, at uint64) {
	ch := e.cfg.Format.Channels
	for len(samples) > 0 {
		if e.frame == nil {
			if e.frame = e.queue.Acquire(); e.frame == nil {
				e.starved.Add(1)
				return
			}
			e.fill = 0
		}
		if e.fill == 0 {
			e.frame.Clock = at
		}
		n := copy(e.frame.Samples[e.fill:], samples)
		e.fill += n
		samples = samples[n:]
		at += uint64(n / ch)
		if e.fill == len(e.frame.Samples) {
			e.frame = e.queue.Push(e.frame)
			e.fill = 0
		}
	}
}

func (e *Engine) markStopped() { close(e.stopped) }

// Start opens the device and begins processing.
func (e *Engine) Start(dev device.Device, sc device.StreamConfig) error {
	if sc.SampleRate != e.cfg.Format.SampleRate || sc.Channels != e.cfg.Format.Channels {
		return fmt.Errorf("stream format %d Hz/%d ch does not match engine %d Hz/%d ch",
			sc.SampleRate, sc.Channels, e.cfg.Format.SampleRate, e.cfg.Format.Channels)
	}
	stream, err := dev.Open(sc, e.Process)
	if err != nil {
		return err
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return err
	}
	e.mu.Lock()
	e.stream = stream
	e.mu.Unlock()
	return nil
}

// ErrStopTimeout is returned when the callback did not observe the stop
// signal in time; the device is closed regardless.
var ErrStopTimeout = errors.New("audio callback did not stop in time")

// Stop signals the callback to stop on its next invocation, waits up to
// timeout for it, then closes the device.
func (e *Engine) Stop(timeout time.Duration) error {
	e.stopping.Store(true)

	e.mu.Lock()
	stream := e.stream
	e.stream = nil
	e.mu.Unlock()
	if stream == nil {
		return nil
	}

	var err error
	select {
	case <-e.stopped:
	case <-stream.Done():
	case <-time.After(timeout):
		err = ErrStopTimeout
	}
	if cerr := errors.Join(stream.Stop(), stream.Close()); cerr != nil {
		err = errors.Join(err, cerr)
	}
	return err
}

// Done is closed when the device stream ends, by Stop or by the device
// itself. It is nil before Start.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stream == nil {
		return nil
	}
	return e.stream.Done()
}

// Stopping reports whether Stop has been called.
func (e *Engine) Stopping() bool {
	return e.stopping.Load()
}

// Stats returns the counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Callbacks:       e.callbacks.Load(),
		Underruns:       e.underruns.Load(),
		Overruns:        e.overruns.Load(),
		LiveMissing:     e.liveMissing.Load(),
		Clipped:         e.clipped.Load(),
		FallbackSilence: e.player.SilenceBlocks(),
		FallbackFiller:  e.player.FillerBlocks(),
		FramesQueued:    e.queue.Len(),
		FramesPushed:    e.queue.Pushed(),
		FramesDropped:   e.queue.Dropped(),
		FramesStarved:   e.starved.Load(),
		LastProcess:     time.Duration(e.lastProcess.Load()),
		MaxProcess:      time.Duration(e.maxProcess.Load()),
	}
}

// Levels returns the input and output peaks since the previous call.
func (e *Engine) Levels() (in, out []audio.Level) {
	return e.inMeter.Read(), e.outMeter.Read()
}

// Clock returns the sample clock.
func (e *Engine) Clock() *clock.SampleClock { return e.clock }

// Queue returns the stream handoff queue.
func (e *Engine) Queue() *FrameQueue { return e.queue }
