package sink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/satindergrewal/netsource/internal/audio"
	"github.com/satindergrewal/netsource/internal/encode"
	"github.com/satindergrewal/netsource/internal/engine"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// rawEncoder passes PCM through as little-endian bytes.
type rawEncoder struct {
	mu      sync.Mutex
	encoded int
}

func (e *rawEncoder) Begin() ([]byte, error) { return []byte("HDR"), nil }
func (e *rawEncoder) Encode(pcm []int16) ([]byte, error) {
	e.mu.Lock()
	e.encoded++
	e.mu.Unlock()
	return audio.SamplesToBytes(pcm), nil
}
func (e *rawEncoder) Close() ([]byte, error) { return nil, nil }
func (e *rawEncoder) ContentType() string    { return "audio/raw" }

func (e *rawEncoder) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.encoded
}

type fakeConn struct {
	c      *fakeConnector
	failAt int // fail the nth data send (1-based), 0 never
	sends  int
}

func (f *fakeConn) Send(p []byte) error {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if string(p) == "HDR" {
		f.c.headers++
		return nil
	}
	f.sends++
	f.c.sends++
	if f.failAt > 0 && f.sends >= f.failAt {
		return errors.New("broken pipe")
	}
	f.c.bytes += len(p)
	return nil
}

func (f *fakeConn) Close() error {
	f.c.mu.Lock()
	f.c.closed++
	f.c.mu.Unlock()
	return nil
}

type fakeConnector struct {
	mu       sync.Mutex
	refuse   int // refuse this many attempts
	failAt   []int
	attempts int
	headers  int
	sends    int
	bytes    int
	closed   int
	target   Target
}

func (f *fakeConnector) Connect(ctx context.Context, t Target) (Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	f.target = t
	if f.refuse > 0 {
		f.refuse--
		return nil, errors.New("connection refused")
	}
	conn := &fakeConn{c: f}
	if len(f.failAt) > 0 {
		conn.failAt = f.failAt[0]
		f.failAt = f.failAt[1:]
	}
	return conn, nil
}

func (f *fakeConnector) snapshot() (attempts, headers, sends, bytes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts, f.headers, f.sends, f.bytes
}

type delays struct {
	mu sync.Mutex
	d  []time.Duration
}

func (r *delays) record(d time.Duration) {
	r.mu.Lock()
	r.d = append(r.d, d)
	r.mu.Unlock()
}

func (r *delays) get() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.d...)
}

func fastBackoff() BackoffConfig {
	return BackoffConfig{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 2}
}

type rig struct {
	sink  *Sink
	q     *engine.FrameQueue
	conn  *fakeConnector
	enc   *rawEncoder
	delay *delays
	errc  chan error
}

func newRig(t *testing.T, conn *fakeConnector) *rig {
	t.Helper()
	r := &rig{
		q:     engine.NewFrameQueue(8, 4),
		conn:  conn,
		enc:   &rawEncoder{},
		delay: &delays{},
		errc:  make(chan error, 1),
	}
	cfg := Config{
		Target:     Target{Host: "127.0.0.1", Port: 8000, Mount: "/live"},
		Backoff:    fastBackoff(),
		PopTimeout: 5 * time.Millisecond,
	}
	r.sink = New(cfg, conn, r.q, func() (encode.Encoder, error) { return r.enc, nil })
	r.sink.onBackoff = r.delay.record
	go func() { r.errc <- r.sink.Run(context.Background()) }()
	t.Cleanup(func() {
		_ = r.sink.Stop(time.Second)
		<-r.errc
	})
	return r
}

// feed pushes frames from a producer goroutine until stop is closed.
func (r *rig) feed(stop <-chan struct{}) *sync.WaitGroup {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		var clk uint64
		var f *engine.StreamFrame
		for {
			select {
			case <-stop:
				return
			default:
			}
			if f == nil {
				if f = r.q.Acquire(); f == nil {
					time.Sleep(time.Millisecond)
					continue
				}
			}
			f.Clock = clk
			clk += 2
			// Like the engine, reuse whatever Push reclaims.
			f = r.q.Push(f)
			time.Sleep(time.Millisecond)
		}
	}()
	return &wg
}

func TestConnectionStateString(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "streaming", Streaming.String())
	assert.Equal(t, "backoff", Backoff.String())
	assert.Equal(t, "state(9)", ConnectionState(9).String())
	text, err := Backoff.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "backoff", string(text))
}

func TestErrorsUnwrap(t *testing.T) {
	base := errors.New("refused")
	var ce *ConnectError
	err := error(&ConnectError{Target: "h:1/m", Err: base})
	assert.ErrorIs(t, err, base)
	assert.ErrorAs(t, err, &ce)
	assert.Contains(t, err.Error(), "h:1/m")

	var se *StreamIOError
	err = &StreamIOError{Op: "send", Err: base}
	assert.ErrorIs(t, err, base)
	assert.ErrorAs(t, err, &se)
	assert.Equal(t, "send", se.Op)
}

func TestSinkStreams(t *testing.T) {
	conn := &fakeConnector{}
	r := newRig(t, conn)
	stop := make(chan struct{})
	wg := r.feed(stop)
	defer func() { close(stop); wg.Wait() }()

	require.Eventually(t, func() bool {
		_, _, sends, _ := conn.snapshot()
		return sends >= 10
	}, 2*time.Second, 2*time.Millisecond)

	assert.Equal(t, Streaming, r.sink.State())
	_, headers, _, bytes := conn.snapshot()
	assert.Equal(t, 1, headers, "header sent once per connection")
	assert.Positive(t, bytes)
	st := r.sink.Stats()
	assert.Equal(t, uint64(1), st.Connects)
	assert.Zero(t, st.IOErrors)

	conn.mu.Lock()
	assert.Equal(t, "audio/raw", conn.target.ContentType, "content type filled from encoder")
	conn.mu.Unlock()
}

func TestSinkBackoffAfterOneFailedSend(t *testing.T) {
	// First connection breaks on its first data send, second one holds.
	conn := &fakeConnector{failAt: []int{1}}
	r := newRig(t, conn)
	stop := make(chan struct{})
	wg := r.feed(stop)
	defer func() { close(stop); wg.Wait() }()

	require.Eventually(t, func() bool {
		return r.sink.Stats().IOErrors == 1
	}, 2*time.Second, time.Millisecond)

	// One failed send was enough to enter Backoff.
	d := r.delay.get()
	require.NotEmpty(t, d)
	assert.Equal(t, 5*time.Millisecond, d[0])

	// And it comes back without any restart.
	require.Eventually(t, func() bool {
		st := r.sink.Stats()
		return st.Connects == 2 && st.State == Streaming && st.FramesSent > 0
	}, 2*time.Second, time.Millisecond)
	assert.Contains(t, r.sink.Stats().LastError, "broken pipe")
}

func TestSinkBackoffGrowsAndCaps(t *testing.T) {
	conn := &fakeConnector{refuse: 5}
	r := newRig(t, conn)

	require.Eventually(t, func() bool {
		return r.sink.State() == Streaming
	}, 2*time.Second, time.Millisecond)

	assert.Equal(t, []time.Duration{
		5 * time.Millisecond,
		10 * time.Millisecond,
		20 * time.Millisecond,
		20 * time.Millisecond,
		20 * time.Millisecond,
	}, r.delay.get())

	st := r.sink.Stats()
	assert.Equal(t, uint64(5), st.ConnectFailures)
	assert.Equal(t, uint64(1), st.Connects)
	assert.Contains(t, st.LastError, "connection refused")
}

func TestSinkDropsFramesWhileDown(t *testing.T) {
	conn := &fakeConnector{refuse: 1 << 30}
	r := newRig(t, conn)
	stop := make(chan struct{})
	wg := r.feed(stop)

	require.Eventually(t, func() bool {
		return r.sink.Stats().FramesDropped > 20
	}, 2*time.Second, time.Millisecond)
	close(stop)
	wg.Wait()

	assert.LessOrEqual(t, r.q.Len(), r.q.Cap())
	assert.Zero(t, r.enc.count(), "nothing encoded while disconnected")
}

func TestSinkStopEndsEncoding(t *testing.T) {
	conn := &fakeConnector{}
	r := newRig(t, conn)
	stop := make(chan struct{})
	wg := r.feed(stop)

	require.Eventually(t, func() bool {
		return r.sink.Stats().FramesSent > 5
	}, 2*time.Second, time.Millisecond)

	require.NoError(t, r.sink.Stop(time.Second))
	encoded := r.enc.count()
	time.Sleep(20 * time.Millisecond)
	close(stop)
	wg.Wait()

	assert.Equal(t, encoded, r.enc.count())
	assert.Equal(t, Disconnected, r.sink.State())
	conn.mu.Lock()
	assert.Equal(t, 1, conn.closed)
	conn.mu.Unlock()
}

func TestSinkContextCancel(t *testing.T) {
	q := engine.NewFrameQueue(4, 4)
	s := New(Config{Backoff: fastBackoff()}, &fakeConnector{refuse: 1 << 30}, q,
		func() (encode.Encoder, error) { return &rawEncoder{}, nil })
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, Disconnected, s.State())
}

func TestSinkStopTimeout(t *testing.T) {
	s := New(Config{}, &fakeConnector{}, engine.NewFrameQueue(2, 2),
		func() (encode.Encoder, error) { return &rawEncoder{}, nil })
	// Run never started.
	assert.ErrorIs(t, s.Stop(10*time.Millisecond), ErrStopTimeout)
}
