package observe

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satindergrewal/netsource/internal/audio"
	"github.com/satindergrewal/netsource/internal/engine"
	"github.com/satindergrewal/netsource/internal/schedule"
	"github.com/satindergrewal/netsource/internal/sink"
	"github.com/satindergrewal/netsource/internal/synth"
)

type fakeEngine struct{ s engine.Stats }

func (f fakeEngine) Stats() engine.Stats { return f.s }

type fakeSink struct{ s sink.Stats }

func (f fakeSink) Stats() sink.Stats { return f.s }

type fakeCache struct{ s synth.CacheStats }

func (f fakeCache) Stats() synth.CacheStats { return f.s }

type fakeScheduler struct{}

func (fakeScheduler) Phase() schedule.Phase { return schedule.PhaseLive }
func (fakeScheduler) Gains() schedule.Gains { return schedule.Gains{Live: 1} }
func (fakeScheduler) Enabled() bool         { return true }

func testSources() Sources {
	return Sources{
		Engine:    fakeEngine{engine.Stats{Callbacks: 10, Underruns: 2, FramesQueued: 3, MaxProcess: time.Millisecond}},
		Sink:      fakeSink{sink.Stats{State: sink.Backoff, ConnectFailures: 4, BytesSent: 1024}},
		Cache:     fakeCache{synth.CacheStats{Entries: 5, Bytes: 2048, Budget: 4096, Hits: 7}},
		Scheduler: fakeScheduler{},
		Levels: func() (in, out []audio.Level) {
			return []audio.Level{{DBFS: -12}}, []audio.Level{{DBFS: -6}, {DBFS: -7}}
		},
	}
}

func TestCollectorValues(t *testing.T) {
	c := newCollector(testSources())

	expected := `
# HELP netsource_engine_underruns_total Callbacks that arrived late (hardware underrun).
# TYPE netsource_engine_underruns_total counter
netsource_engine_underruns_total 2
# HELP netsource_sink_state Current connection state (1 for the active state).
# TYPE netsource_sink_state gauge
netsource_sink_state{state="backoff"} 1
netsource_sink_state{state="connecting"} 0
netsource_sink_state{state="disconnected"} 0
netsource_sink_state{state="streaming"} 0
# HELP netsource_cache_hits_total Lookups served from the cache.
# TYPE netsource_cache_hits_total counter
netsource_cache_hits_total 7
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"netsource_engine_underruns_total", "netsource_sink_state", "netsource_cache_hits_total"))

	assert.Equal(t, 3, testutil.CollectAndCount(c, "netsource_audio_peak_dbfs"))
	assert.Equal(t, 4, testutil.CollectAndCount(c, "netsource_schedule_phase"))
}

func TestCollectorNilSources(t *testing.T) {
	c := newCollector(Sources{})
	assert.Zero(t, testutil.CollectAndCount(c))
}

func TestHandlerServesMetrics(t *testing.T) {
	m, err := NewMetrics(testSources())
	require.NoError(t, err)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "netsource_engine_callbacks_total 10")
	assert.Contains(t, string(body), `netsource_audio_peak_dbfs{channel="1",direction="output"} -7`)
	assert.Contains(t, string(body), "go_goroutines")
}
