// Package sink moves finished programme audio from the engine's frame queue
// to an Icecast or SHOUTcast server. It runs on its own goroutine and walks
// Disconnected -> Connecting -> Streaming, dropping to Backoff on any
// failure. While it is not streaming, queued frames are discarded so memory
// stays bounded and the audio callback never waits on the network.
package sink

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/satindergrewal/netsource/internal/encode"
	"github.com/satindergrewal/netsource/internal/engine"
)

// dropInterval is how often queued frames are discarded while waiting.
const dropInterval = 20 * time.Millisecond

// Target describes the server mount the sink publishes to.
type Target struct {
	Host        string
	Port        int
	Mount       string
	User        string
	Password    string
	ContentType string
	Name        string
	Genre       string
	Description string
	URL         string
	Public      bool
	Bitrate     int // kbit/s, advertised only
	SampleRate  int
	Channels    int
}

// Addr returns host:port.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

func (t Target) String() string {
	return t.Addr() + t.Mount
}

// Connection is an established source connection.
type Connection interface {
	Send(p []byte) error
	Close() error
}

// Connector opens source connections.
type Connector interface {
	Connect(ctx context.Context, t Target) (Connection, error)
}

// FrameSource is the consumer side of the engine's frame queue.
type FrameSource interface {
	PopWait(ctx context.Context, timeout time.Duration) *engine.StreamFrame
	Release(f *engine.StreamFrame)
	Drain() int
}

// EncoderFunc creates a fresh encoder for each connection.
type EncoderFunc func() (encode.Encoder, error)

// BackoffConfig shapes the reconnect delay.
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64 // randomization factor, 0..1
}

// DefaultBackoff starts at one second and doubles up to a minute.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{Initial: time.Second, Max: time.Minute, Multiplier: 2, Jitter: 0.2}
}

func (c BackoffConfig) policy() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.Initial
	b.MaxInterval = c.Max
	b.Multiplier = c.Multiplier
	b.RandomizationFactor = c.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Config configures a Sink.
type Config struct {
	Target     Target
	Backoff    BackoffConfig
	PopTimeout time.Duration // how long a read from the queue may block
}

// Stats is a snapshot of the sink.
type Stats struct {
	State           ConnectionState `json:"state"`
	Connects        uint64          `json:"connects"`
	ConnectFailures uint64          `json:"connect_failures"`
	IOErrors        uint64          `json:"io_errors"`
	FramesSent      uint64          `json:"frames_sent"`
	FramesDropped   uint64          `json:"frames_dropped"`
	BytesSent       uint64          `json:"bytes_sent"`
	LastError       string          `json:"last_error,omitempty"`
	RetryAt         time.Time       `json:"retry_at,omitzero"`
}

// Sink streams frames to a server, reconnecting with exponential backoff.
type Sink struct {
	cfg       Config
	connector Connector
	src       FrameSource
	encoder   EncoderFunc
	tap       func([]int16)
	policy    *backoff.ExponentialBackOff
	onBackoff func(time.Duration)

	state           atomic.Int32
	connects        atomic.Uint64
	connectFailures atomic.Uint64
	ioErrors        atomic.Uint64
	framesSent      atomic.Uint64
	framesDropped   atomic.Uint64
	bytesSent       atomic.Uint64

	mu      sync.Mutex
	lastErr error
	retryAt time.Time

	stopping atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a sink reading from src.
func New(cfg Config, connector Connector, src FrameSource, enc EncoderFunc) *Sink {
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = 100 * time.Millisecond
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	return &Sink{
		cfg:       cfg,
		connector: connector,
		src:       src,
		encoder:   enc,
		policy:    cfg.Backoff.policy(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// SetTap registers fn to see every frame before it is encoded. It must be
// called before Run and must not block.
func (s *Sink) SetTap(fn func([]int16)) { s.tap = fn }

// State returns the current connection state.
func (s *Sink) State() ConnectionState {
	return ConnectionState(s.state.Load())
}

func (s *Sink) setState(st ConnectionState) {
	if old := ConnectionState(s.state.Swap(int32(st))); old != st {
		slog.Debug("sink state", "from", old.String(), "to", st.String())
	}
}

// Run drives the connection until ctx is cancelled or Stop is called.
func (s *Sink) Run(ctx context.Context) error {
	defer close(s.done)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for ctx.Err() == nil {
		conn, enc, err := s.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.connectFailures.Add(1)
			s.fail(err)
			s.wait(ctx, s.policy.NextBackOff())
			continue
		}

		s.connects.Add(1)
		slog.Info("streaming", "target", s.cfg.Target.String(), "content_type", enc.ContentType())
		err = s.stream(ctx, conn, enc)
		if tail, cerr := enc.Close(); cerr == nil && len(tail) > 0 && err == nil && !s.stopping.Load() {
			_ = conn.Send(tail)
		}
		conn.Close()
		if err != nil && ctx.Err() == nil {
			s.ioErrors.Add(1)
			s.fail(err)
			s.wait(ctx, s.policy.NextBackOff())
		}
	}

	s.setState(Disconnected)
	s.discard()
	return nil
}

func (s *Sink) connect(ctx context.Context) (Connection, encode.Encoder, error) {
	s.setState(Connecting)
	t := s.cfg.Target
	enc, err := s.encoder()
	if err != nil {
		return nil, nil, &ConnectError{Target: t.String(), Err: err}
	}
	if t.ContentType == "" {
		t.ContentType = enc.ContentType()
	}
	conn, err := s.connector.Connect(ctx, t)
	if err != nil {
		return nil, nil, &ConnectError{Target: t.String(), Err: err}
	}
	return conn, enc, nil
}

// stream sends frames until an error, cancellation or stop.
func (s *Sink) stream(ctx context.Context, conn Connection, enc encode.Encoder) error {
	// Whatever piled up while connecting is stale.
	s.discard()

	header, err := enc.Begin()
	if err != nil {
		return &StreamIOError{Op: "encode", Err: err}
	}
	if len(header) > 0 {
		if err := conn.Send(header); err != nil {
			return &StreamIOError{Op: "send", Err: err}
		}
		s.bytesSent.Add(uint64(len(header)))
	}
	s.setState(Streaming)

	sent := false
	for {
		f := s.src.PopWait(ctx, s.cfg.PopTimeout)
		if f == nil {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		if s.stopping.Load() {
			s.src.Release(f)
			return nil
		}
		if s.tap != nil {
			s.tap(f.Samples)
		}
		data, err := enc.Encode(f.Samples)
		s.src.Release(f)
		if err != nil {
			return &StreamIOError{Op: "encode", Err: err}
		}
		if len(data) > 0 {
			if err := conn.Send(data); err != nil {
				return &StreamIOError{Op: "send", Err: err}
			}
			s.bytesSent.Add(uint64(len(data)))
		}
		s.framesSent.Add(1)
		if !sent {
			sent = true
			s.policy.Reset()
		}
	}
}

// wait sits in Backoff for d, discarding frames as they arrive.
func (s *Sink) wait(ctx context.Context, d time.Duration) {
	s.setState(Backoff)
	if s.onBackoff != nil {
		s.onBackoff(d)
	}
	s.mu.Lock()
	s.retryAt = time.Now().Add(d)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.retryAt = time.Time{}
		s.mu.Unlock()
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()
	tick := time.NewTicker(dropInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.discard()
			return
		case <-tick.C:
			s.discard()
		}
	}
}

func (s *Sink) discard() {
	if n := s.src.Drain(); n > 0 {
		s.framesDropped.Add(uint64(n))
	}
}

func (s *Sink) fail(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()

	var ce *ConnectError
	if errors.As(err, &ce) {
		slog.Warn("sink connect failed", "target", ce.Target, "error", ce.Err)
		return
	}
	slog.Warn("sink stream failed", "target", s.cfg.Target.String(), "error", err)
}

// Stop ends Run. No frame is encoded once Stop has been called. Frames left
// in the queue are discarded.
func (s *Sink) Stop(timeout time.Duration) error {
	s.stopping.Store(true)
	s.stopOnce.Do(func() { close(s.stop) })
	defer s.discard()
	select {
	case <-s.done:
		return nil
	case <-time.After(timeout):
		return ErrStopTimeout
	}
}

// Stats returns a snapshot of the sink counters.
func (s *Sink) Stats() Stats {
	st := Stats{
		State:           s.State(),
		Connects:        s.connects.Load(),
		ConnectFailures: s.connectFailures.Load(),
		IOErrors:        s.ioErrors.Load(),
		FramesSent:      s.framesSent.Load(),
		FramesDropped:   s.framesDropped.Load(),
		BytesSent:       s.bytesSent.Load(),
	}
	s.mu.Lock()
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	st.RetryAt = s.retryAt
	s.mu.Unlock()
	return st
}
