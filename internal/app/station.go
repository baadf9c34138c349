// Package app assembles the station: scheduler, synthesizer, real-time
// engine, streaming sink and local monitor, plus the operator API used to
// submit schedules, toggle automation and read status.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/satindergrewal/netsource/internal/audio"
	"github.com/satindergrewal/netsource/internal/clock"
	"github.com/satindergrewal/netsource/internal/config"
	"github.com/satindergrewal/netsource/internal/device"
	"github.com/satindergrewal/netsource/internal/encode"
	"github.com/satindergrewal/netsource/internal/engine"
	"github.com/satindergrewal/netsource/internal/observe"
	"github.com/satindergrewal/netsource/internal/schedule"
	"github.com/satindergrewal/netsource/internal/sink"
	"github.com/satindergrewal/netsource/internal/sink/icecast"
	"github.com/satindergrewal/netsource/internal/stream"
	"github.com/satindergrewal/netsource/internal/synth"
)

const (
	stopTimeout    = 2 * time.Second
	resyncInterval = time.Minute
	expandInterval = time.Hour
	levelInterval  = 100 * time.Millisecond
	cueDepth       = 16
)

// ServiceState is the station's lifecycle as shown to operators.
type ServiceState int32

const (
	ServiceStopped ServiceState = iota
	ServiceStarting
	ServiceRunning
	ServiceError
)

func (s ServiceState) String() string {
	switch s {
	case ServiceStarting:
		return "starting"
	case ServiceRunning:
		return "running"
	case ServiceError:
		return "error"
	default:
		return "stopped"
	}
}

func (s ServiceState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrDeviceStopped is returned by Run when the audio device stops on its own.
var ErrDeviceStopped = errors.New("audio device stopped unexpectedly")

// Options supplies collaborators that are normally built from the config.
type Options struct {
	Device    device.Device  // required
	Connector sink.Connector // nil dials the configured server
	Speaker   synth.Speaker  // nil builds one from speech.engine
	Now       func() time.Time
}

// Station owns every component and their goroutines.
type Station struct {
	cfg config.Config
	dev device.Device
	now func() time.Time

	clock   *clock.SampleClock
	sched   *schedule.Scheduler
	gen     *synth.Generator
	speaker synth.Speaker
	cache   *synth.Cache
	player  *engine.FallbackPlayer
	queue   *engine.FrameQueue
	engine  *engine.Engine
	sink    *sink.Sink

	broadcaster *stream.Broadcaster
	monitorFeed chan []int16
	webrtc      *stream.WebRTCHandler
	metrics     *observe.Metrics

	mu     sync.Mutex
	oneOff []schedule.Event
	weekly []schedule.Weekly

	state         atomic.Int32
	fallbackSince atomic.Int64 // unix nanoseconds
	levels        atomic.Pointer[Levels]
	seq           atomic.Pointer[engine.Sequencer]
}

// Levels are recent per-channel peaks.
type Levels struct {
	Input  []audio.Level `json:"input"`
	Output []audio.Level `json:"output"`
}

// New builds a station from cfg. Nothing runs until Run.
func New(cfg config.Config, opts Options) (*Station, error) {
	if opts.Device == nil {
		return nil, errors.New("app: no audio device")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	format := audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels}

	s := &Station{
		cfg:   cfg,
		dev:   opts.Device,
		now:   opts.Now,
		clock: clock.New(cfg.SampleRate),
		sched: schedule.New(cfg.SampleRate),
	}

	s.speaker = opts.Speaker
	if s.speaker == nil {
		s.speaker = NewSpeaker(cfg.Speech, format)
	}
	s.gen = NewGenerator(cfg, s.speaker)
	s.cache = synth.NewCache(cfg.CacheBudgetBytes, s.gen.Render)

	s.player = engine.NewFallbackPlayer(cueDepth, s.cache, synth.Key{Kind: synth.KindConfirmTone})
	s.queue = engine.NewFrameQueue(cfg.QueueFrames, format.FrameSamples())
	s.engine = engine.New(engine.Config{Format: format, PeriodFrames: cfg.PeriodFrames},
		s.clock, s.sched, s.player, s.queue)

	s.broadcaster = stream.NewBroadcaster(0)
	s.monitorFeed = make(chan []int16, 50)
	monitor := stream.Config{
		Name:       cfg.Sink.Name,
		SampleRate: cfg.SampleRate,
		Channels:   cfg.Channels,
		Bitrate:    cfg.Sink.Bitrate * 1000,
	}
	s.webrtc = stream.NewWebRTCHandler(s.broadcaster, monitor)

	if cfg.Sink.Enabled {
		sk, err := s.newSink(opts.Connector)
		if err != nil {
			return nil, err
		}
		s.sink = sk
	}

	metrics, err := observe.NewMetrics(s.metricSources())
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	s.metrics = metrics
	s.levels.Store(&Levels{})
	s.fallbackSince.Store(s.now().UnixNano())
	return s, nil
}

// NewSpeaker returns the configured speech engine, or nil for beep-coded
// tones.
func NewSpeaker(c config.SpeechConfig, format audio.Format) synth.Speaker {
	switch c.Engine {
	case "espeak":
		return &synth.EspeakSpeaker{Binary: c.Binary, Voice: c.Voice, Speed: c.Speed, Format: format}
	case "http":
		return synth.NewHTTPSpeaker(c.URL, c.APIKey, format)
	default:
		return nil
	}
}

// NewGenerator builds the segment generator from cfg.
func NewGenerator(cfg config.Config, speaker synth.Speaker) *synth.Generator {
	defaults := synth.DefaultConfig()
	return synth.NewGenerator(synth.Config{
		Format: audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels},
		Tone: synth.ToneConfig{
			Frequency: cfg.Tone.Frequency,
			LevelDBFS: cfg.Tone.LevelDBFS,
			Long:      cfg.Tone.BeepLong,
			Short:     cfg.Tone.BeepShort,
			Pip:       defaults.Tone.Pip,
			Dash:      defaults.Tone.Dash,
		},
		MaxDelay:    cfg.MaxReportDelay,
		Gap:         defaults.Gap,
		HoldingText: cfg.Holding.Text,
	}, speaker)
}

func (s *Station) newSink(connector sink.Connector) (*sink.Sink, error) {
	c := s.cfg.Sink
	encCfg := encode.Config{
		Codec:      c.Codec,
		SampleRate: s.cfg.SampleRate,
		Channels:   s.cfg.Channels,
		Bitrate:    c.Bitrate * 1000,
	}
	if err := encCfg.Validate(); err != nil {
		return nil, err
	}
	if connector == nil {
		proto, err := icecast.ParseProtocol(c.Protocol)
		if err != nil {
			return nil, err
		}
		connector = &icecast.Dialer{Protocol: proto}
	}
	sk := sink.New(sink.Config{
		Target: sink.Target{
			Host:        c.Host,
			Port:        c.Port,
			Mount:       c.Mount,
			User:        c.User,
			Password:    c.Password,
			Name:        c.Name,
			Genre:       c.Genre,
			Description: c.Description,
			URL:         c.URL,
			Public:      c.Public,
			Bitrate:     c.Bitrate,
			SampleRate:  s.cfg.SampleRate,
			Channels:    s.cfg.Channels,
		},
		Backoff: sink.BackoffConfig{
			Initial:    s.cfg.Backoff.Initial,
			Max:        s.cfg.Backoff.Max,
			Multiplier: s.cfg.Backoff.Multiplier,
			Jitter:     s.cfg.Backoff.Jitter,
		},
	}, connector, s.queue, func() (encode.Encoder, error) { return encode.New(encCfg) })
	sk.SetTap(s.broadcaster.Feed(s.monitorFeed))
	return sk, nil
}

func (s *Station) metricSources() observe.Sources {
	src := observe.Sources{
		Engine:    s.engine,
		Cache:     s.cache,
		Scheduler: s.sched,
		Levels: func() (in, out []audio.Level) {
			l := s.levels.Load()
			return l.Input, l.Output
		},
	}
	if s.sink != nil {
		src.Sink = s.sink
	}
	return src
}

// State returns the service state.
func (s *Station) State() ServiceState {
	return ServiceState(s.state.Load())
}

// SubmitSchedule replaces the one-off events. Weekly windows are kept. On a
// conflict or invalid event the running schedule is left untouched and the
// error (a *schedule.ConflictError for overlaps) is returned.
func (s *Station) SubmitSchedule(events []schedule.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(events, s.weekly)
}

// SubmitPlan replaces both the one-off events and the weekly windows.
func (s *Station) SubmitPlan(events []schedule.Event, weekly []schedule.Weekly) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(events, weekly)
}

func (s *Station) applyLocked(events []schedule.Event, weekly []schedule.Weekly) error {
	events = s.withDefaultFades(events)
	weekly = s.withDefaultWindowFades(weekly)
	// IDs are assigned once so re-expansion keeps them stable.
	normalized, err := schedule.Normalize(events)
	if err != nil {
		return err
	}
	all, err := schedule.ExpandAll(normalized, weekly, s.now(), s.cfg.Horizon)
	if err != nil {
		return err
	}
	if err := s.sched.Submit(all, s.clock.Anchor()); err != nil {
		return err
	}
	s.oneOff = normalized
	s.weekly = append([]schedule.Weekly(nil), weekly...)
	slog.Info("schedule accepted", "events", len(normalized), "weekly", len(weekly), "occurrences", len(all))
	return nil
}

// Events with no fades at all get the configured defaults.
func (s *Station) withDefaultFades(events []schedule.Event) []schedule.Event {
	out := make([]schedule.Event, len(events))
	for i, e := range events {
		if e.FadeIn == 0 && e.FadeOut == 0 && e.Duration() >= s.cfg.FadeIn+s.cfg.FadeOut {
			e.FadeIn, e.FadeOut = s.cfg.FadeIn, s.cfg.FadeOut
		}
		out[i] = e
	}
	return out
}

func (s *Station) withDefaultWindowFades(windows []schedule.Weekly) []schedule.Weekly {
	out := make([]schedule.Weekly, len(windows))
	for i, w := range windows {
		if w.FadeIn == 0 && w.FadeOut == 0 {
			w.FadeIn, w.FadeOut = s.cfg.FadeIn, s.cfg.FadeOut
		}
		out[i] = w
	}
	return out
}

// reexpand rolls the weekly horizon forward and drops finished one-offs.
func (s *Station) reexpand() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	kept := s.oneOff[:0:0]
	for _, e := range s.oneOff {
		if e.End.After(now) {
			kept = append(kept, e)
		}
	}
	all, err := schedule.ExpandAll(kept, s.weekly, now, s.cfg.Horizon)
	if err == nil {
		err = s.sched.Submit(all, s.clock.Anchor())
	}
	if err != nil {
		slog.Error("schedule re-expansion rejected, keeping previous schedule", "error", err)
		return
	}
	s.oneOff = kept
}

// SetAutomation enables or disables scheduled programmes. Disabling fades out
// anything live and holds the fallback.
func (s *Station) SetAutomation(enabled bool) {
	s.sched.SetEnabled(enabled)
	slog.Info("automation", "enabled", enabled)
}

// announcedDelay is the delay the fallback rotation reads out: time until
// the next programme, or time since the fallback took over.
func (s *Station) announcedDelay(now time.Time) time.Duration {
	if s.sched.Enabled() {
		if next, ok := s.sched.Next(now); ok {
			return next.Start.Sub(now)
		}
	}
	return now.Sub(time.Unix(0, s.fallbackSince.Load()))
}

// Run starts the station and blocks until ctx is cancelled or a component
// fails. Shutdown stops the audio callback first, then drains the sink.
func (s *Station) Run(ctx context.Context) error {
	s.state.Store(int32(ServiceStarting))
	if err := s.prepare(ctx); err != nil {
		s.state.Store(int32(ServiceError))
		return err
	}

	seq := engine.NewSequencer(engine.SequencerConfig{
		Lead:     engine.DefaultSequencerConfig().Lead,
		Interval: engine.DefaultSequencerConfig().Interval,
		Holding:  s.gen.HasHoldingMessage(),
	}, s.player, s.cache, s.cfg.SampleRate, s.cfg.Channels, s.announcedDelay)
	s.seq.Store(seq)
	if err := seq.Fill(ctx); err != nil {
		s.state.Store(int32(ServiceError))
		return fmt.Errorf("prime fallback: %w", err)
	}

	sc := device.StreamConfig{
		SampleRate:   s.cfg.SampleRate,
		Channels:     s.cfg.Channels,
		PeriodFrames: s.cfg.PeriodFrames,
		InputDevice:  s.cfg.Device.Input,
		OutputDevice: s.cfg.Device.Output,
		NoInput:      s.cfg.Device.NoInput,
	}
	s.sched.Resync(s.clock.Anchor())
	if err := s.engine.Start(s.dev, sc); err != nil {
		s.state.Store(int32(ServiceError))
		return fmt.Errorf("start audio: %w", err)
	}
	s.state.Store(int32(ServiceRunning))
	slog.Info("station running", "sample_rate", s.cfg.SampleRate, "channels", s.cfg.Channels,
		"period_frames", s.cfg.PeriodFrames, "sink", s.cfg.Sink.Enabled)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return seq.Run(gctx) })
	g.Go(func() error {
		s.broadcaster.Run(gctx, s.monitorFeed)
		return nil
	})
	g.Go(func() error { return s.maintain(gctx) })
	g.Go(func() error { return newReporter(s).run(gctx) })
	if addr := s.cfg.HTTP.Addr; addr != "" {
		g.Go(func() error { return s.Serve(gctx, addr) })
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-s.engine.Done():
			if s.engine.Stopping() {
				return nil
			}
			return ErrDeviceStopped
		}
	})
	if s.sink != nil {
		// The sink outlives gctx so that shutdown can stop it after the
		// callback.
		sinkDone := make(chan struct{})
		go func() {
			defer close(sinkDone)
			_ = s.sink.Run(context.WithoutCancel(gctx))
		}()
		g.Go(func() error {
			<-gctx.Done()
			s.shutdown()
			<-sinkDone
			return nil
		})
	} else {
		g.Go(func() error {
			<-gctx.Done()
			s.shutdown()
			return nil
		})
	}

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		s.state.Store(int32(ServiceError))
		return err
	}
	s.state.Store(int32(ServiceStopped))
	return nil
}

func (s *Station) prepare(ctx context.Context) error {
	if hs, ok := s.speaker.(*synth.HTTPSpeaker); ok {
		wctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := hs.WaitForHealthy(wctx, 2*time.Second)
		cancel()
		if err != nil {
			slog.Warn("speech service not ready, spoken segments may fail", "url", s.cfg.Speech.URL, "error", err)
		}
	}
	if f := s.cfg.Holding.File; f != "" {
		if err := s.gen.LoadHoldingFile(ctx, f); err != nil {
			return fmt.Errorf("holding message: %w", err)
		}
	}

	keys := []synth.Key{
		{Kind: synth.KindConfirmTone},
		{Kind: synth.KindShortBeep},
		{Kind: synth.KindGap},
		{Kind: synth.KindOutOfRange},
	}
	if s.gen.HasHoldingMessage() {
		keys = append(keys, synth.Key{Kind: synth.KindHoldingMessage})
	}
	if err := s.cache.Warm(ctx, keys...); err != nil {
		return fmt.Errorf("warm cache: %w", err)
	}

	if s.cfg.ScheduleFile != "" {
		f, err := config.LoadSchedule(s.cfg.ScheduleFile)
		if err != nil {
			return err
		}
		if err := s.SubmitPlan(f.Events, f.Weekly); err != nil {
			return fmt.Errorf("schedule %s: %w", s.cfg.ScheduleFile, err)
		}
	}
	return nil
}

// maintain keeps the schedule mapped onto the sample clock, rolls weekly
// windows forward and samples the level meters.
func (s *Station) maintain(ctx context.Context) error {
	resync := time.NewTicker(resyncInterval)
	defer resync.Stop()
	expand := time.NewTicker(expandInterval)
	defer expand.Stop()
	meter := time.NewTicker(levelInterval)
	defer meter.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-resync.C:
			s.sched.Resync(s.clock.Anchor())
		case <-expand.C:
			s.reexpand()
		case <-meter.C:
			in, out := s.engine.Levels()
			s.levels.Store(&Levels{Input: in, Output: out})
		}
	}
}

func (s *Station) shutdown() {
	slog.Info("station stopping")
	if err := s.engine.Stop(stopTimeout); err != nil {
		slog.Warn("audio stop", "error", err)
	}
	if s.sink != nil {
		if err := s.sink.Stop(stopTimeout); err != nil {
			slog.Warn("sink stop", "error", err)
		}
	}
	s.webrtc.Close()
}

// Status is the operator view of the station.
type Status struct {
	Service    ServiceState         `json:"service"`
	Connection sink.ConnectionState `json:"connection"`
	Underruns  uint64               `json:"underruns"`
	Active     *schedule.Event      `json:"active,omitempty"`
	Next       *schedule.Event      `json:"next,omitempty"`
	Phase      schedule.Phase       `json:"phase"`
	LiveGain   float32              `json:"live_gain"`
	Automation bool                 `json:"automation"`
	Fallback   string               `json:"fallback,omitempty"`
	Levels     Levels               `json:"levels"`
	Listeners  int                  `json:"listeners"`
	Engine     engine.Stats         `json:"engine"`
	Sink       *sink.Stats          `json:"sink,omitempty"`
	Cache      synth.CacheStats     `json:"cache"`
}

// Status reports connection state, underruns, the active programme and the
// rest of the operator view.
func (s *Station) Status() Status {
	now := s.now()
	ss := s.sched.Status(now)
	es := s.engine.Stats()
	st := Status{
		Service:    s.State(),
		Connection: sink.Disconnected,
		Underruns:  es.Underruns,
		Active:     ss.Active,
		Next:       ss.Next,
		Phase:      ss.Phase,
		LiveGain:   ss.LiveGain,
		Automation: ss.Automation,
		Levels:     *s.levels.Load(),
		Listeners:  s.broadcaster.ListenerCount(),
		Engine:     es,
		Cache:      s.cache.Stats(),
	}
	if key, ok := s.player.Playing(); ok {
		st.Fallback = key.String()
	}
	if s.sink != nil {
		sst := s.sink.Stats()
		st.Connection = sst.State
		st.Sink = &sst
	}
	return st
}

// Scheduler exposes the scheduler for read-only views.
func (s *Station) Scheduler() *schedule.Scheduler { return s.sched }

// Plan returns the submitted one-off events and weekly windows.
func (s *Station) Plan() ([]schedule.Event, []schedule.Weekly) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]schedule.Event(nil), s.oneOff...), append([]schedule.Weekly(nil), s.weekly...)
}
