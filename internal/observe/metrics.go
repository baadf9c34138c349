// Package observe exports the station's counters as Prometheus metrics. The
// collector reads component snapshots at scrape time; nothing on the audio
// path touches Prometheus.
package observe

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/satindergrewal/netsource/internal/audio"
	"github.com/satindergrewal/netsource/internal/engine"
	"github.com/satindergrewal/netsource/internal/schedule"
	"github.com/satindergrewal/netsource/internal/sink"
	"github.com/satindergrewal/netsource/internal/synth"
)

const namespace = "netsource"

// Sources are the components the collector reads. Any may be nil.
type Sources struct {
	Engine    interface{ Stats() engine.Stats }
	Sink      interface{ Stats() sink.Stats }
	Cache     interface{ Stats() synth.CacheStats }
	Scheduler interface {
		Phase() schedule.Phase
		Gains() schedule.Gains
		Enabled() bool
	}
	Levels func() (in, out []audio.Level)
}

// Metrics owns a registry with the station collector registered.
type Metrics struct {
	registry *prometheus.Registry
}

// NewMetrics creates a registry exporting src plus Go runtime metrics.
func NewMetrics(src Sources) (*Metrics, error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(newCollector(src)); err != nil {
		return nil, err
	}
	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	return &Metrics{registry: registry}, nil
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func desc(subsystem, name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
}

type collector struct {
	src Sources

	callbacks, underruns, overruns, liveMissing, clipped *prometheus.Desc
	fallbackSilence, fallbackFiller                      *prometheus.Desc
	queueDepth, queuePushed, queueDropped, queueStarved  *prometheus.Desc
	processLast, processMax                              *prometheus.Desc

	sinkState, sinkConnects, sinkConnectFailures, sinkIOErrors *prometheus.Desc
	sinkFramesSent, sinkFramesDropped, sinkBytes               *prometheus.Desc

	cacheEntries, cacheBytes, cacheBudget              *prometheus.Desc
	cacheHits, cacheMisses, cacheRenders, cacheEvicted *prometheus.Desc

	phase, liveGain, automation *prometheus.Desc
	level                       *prometheus.Desc
}

func newCollector(src Sources) *collector {
	return &collector{
		src: src,

		callbacks:       desc("engine", "callbacks_total", "Audio callbacks processed."),
		underruns:       desc("engine", "underruns_total", "Callbacks that arrived late (hardware underrun)."),
		overruns:        desc("engine", "overruns_total", "Callbacks that took longer than their period."),
		liveMissing:     desc("engine", "live_missing_total", "Callbacks with live gain but no input buffer."),
		clipped:         desc("engine", "clipped_samples_total", "Output samples clipped to int16 range."),
		fallbackSilence: desc("engine", "fallback_silence_blocks_total", "Blocks where the fallback had nothing to play."),
		fallbackFiller:  desc("engine", "fallback_filler_blocks_total", "Blocks served from the cached filler segment."),
		queueDepth:      desc("engine", "stream_queue_frames", "Frames waiting for the streaming sink."),
		queuePushed:     desc("engine", "stream_frames_total", "Frames handed to the streaming sink."),
		queueDropped:    desc("engine", "stream_frames_dropped_total", "Frames dropped because the sink fell behind."),
		queueStarved:    desc("engine", "stream_frames_starved_total", "Blocks not queued because no frame was free."),
		processLast:     desc("engine", "process_seconds", "Duration of the last callback."),
		processMax:      desc("engine", "process_max_seconds", "Longest callback so far."),

		sinkState:           desc("sink", "state", "Current connection state (1 for the active state).", "state"),
		sinkConnects:        desc("sink", "connects_total", "Successful connections."),
		sinkConnectFailures: desc("sink", "connect_failures_total", "Failed connection attempts."),
		sinkIOErrors:        desc("sink", "io_errors_total", "Established streams that failed."),
		sinkFramesSent:      desc("sink", "frames_sent_total", "Frames encoded and sent."),
		sinkFramesDropped:   desc("sink", "frames_dropped_total", "Frames discarded while not streaming."),
		sinkBytes:           desc("sink", "bytes_sent_total", "Encoded bytes sent."),

		cacheEntries: desc("cache", "entries", "Rendered segments held."),
		cacheBytes:   desc("cache", "bytes", "Bytes of rendered audio held."),
		cacheBudget:  desc("cache", "budget_bytes", "Cache byte budget."),
		cacheHits:    desc("cache", "hits_total", "Lookups served from the cache."),
		cacheMisses:  desc("cache", "misses_total", "Lookups that missed."),
		cacheRenders: desc("cache", "renders_total", "Segments rendered."),
		cacheEvicted: desc("cache", "evictions_total", "Segments evicted."),

		phase:      desc("schedule", "phase", "Programme phase (1 for the active phase).", "phase"),
		liveGain:   desc("schedule", "live_gain", "Current live gain."),
		automation: desc("schedule", "automation_enabled", "1 when scheduled programmes may go live."),

		level: desc("audio", "peak_dbfs", "Recent per-channel peak level.", "direction", "channel"),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	boolean := func(b bool) float64 {
		if b {
			return 1
		}
		return 0
	}

	if c.src.Engine != nil {
		s := c.src.Engine.Stats()
		counter(c.callbacks, s.Callbacks)
		counter(c.underruns, s.Underruns)
		counter(c.overruns, s.Overruns)
		counter(c.liveMissing, s.LiveMissing)
		counter(c.clipped, s.Clipped)
		counter(c.fallbackSilence, s.FallbackSilence)
		counter(c.fallbackFiller, s.FallbackFiller)
		gauge(c.queueDepth, float64(s.FramesQueued))
		counter(c.queuePushed, s.FramesPushed)
		counter(c.queueDropped, s.FramesDropped)
		counter(c.queueStarved, s.FramesStarved)
		gauge(c.processLast, s.LastProcess.Seconds())
		gauge(c.processMax, s.MaxProcess.Seconds())
	}

	if c.src.Sink != nil {
		s := c.src.Sink.Stats()
		for _, st := range []sink.ConnectionState{sink.Disconnected, sink.Connecting, sink.Streaming, sink.Backoff} {
			gauge(c.sinkState, boolean(s.State == st), st.String())
		}
		counter(c.sinkConnects, s.Connects)
		counter(c.sinkConnectFailures, s.ConnectFailures)
		counter(c.sinkIOErrors, s.IOErrors)
		counter(c.sinkFramesSent, s.FramesSent)
		counter(c.sinkFramesDropped, s.FramesDropped)
		counter(c.sinkBytes, s.BytesSent)
	}

	if c.src.Cache != nil {
		s := c.src.Cache.Stats()
		gauge(c.cacheEntries, float64(s.Entries))
		gauge(c.cacheBytes, float64(s.Bytes))
		gauge(c.cacheBudget, float64(s.Budget))
		counter(c.cacheHits, s.Hits)
		counter(c.cacheMisses, s.Misses)
		counter(c.cacheRenders, s.Renders)
		counter(c.cacheEvicted, s.Evictions)
	}

	if c.src.Scheduler != nil {
		p := c.src.Scheduler.Phase()
		for _, ph := range []schedule.Phase{schedule.PhaseIdle, schedule.PhaseFadingIn, schedule.PhaseLive, schedule.PhaseFadingOut} {
			gauge(c.phase, boolean(p == ph), ph.String())
		}
		gauge(c.liveGain, float64(c.src.Scheduler.Gains().Live))
		gauge(c.automation, boolean(c.src.Scheduler.Enabled()))
	}

	if c.src.Levels != nil {
		in, out := c.src.Levels()
		for i, l := range in {
			gauge(c.level, l.DBFS, "input", strconv.Itoa(i))
		}
		for i, l := range out {
			gauge(c.level, l.DBFS, "output", strconv.Itoa(i))
		}
	}
}
