package device

import (
	"errors"
	"math"
	"sync"
	"time"
)

// InputFunc fills one period of live input. Returning false means no input is
// available and the callback receives a nil input buffer.
type InputFunc func(in []int16) bool

// OutputFunc receives each rendered period.
type OutputFunc func(out []int16)

// Virtual is a ticker-paced device for headless operation and tests. It
// calls back once per period on its own goroutine.
type Virtual struct {
	Input  InputFunc
	Output OutputFunc
}

// Devices reports the single virtual device.
func (v *Virtual) Devices() ([]Info, error) {
	return []Info{
		{Name: "virtual", ID: "virtual", Kind: "playback", Default: true},
		{Name: "virtual", ID: "virtual", Kind: "capture", Default: true},
	}, nil
}

// Open prepares a stream; buffers are allocated here, not per period.
func (v *Virtual) Open(cfg StreamConfig, cb Callback) (Stream, error) {
	if cfg.SampleRate <= 0 || cfg.Channels <= 0 || cfg.PeriodFrames <= 0 {
		return nil, errors.New("virtual device: invalid stream config")
	}
	n := cfg.PeriodFrames * cfg.Channels
	return &virtualStream{
		cfg:    cfg,
		cb:     cb,
		input:  v.Input,
		output: v.Output,
		out:    make([]int16, n),
		in:     make([]int16, n),
		done:   make(chan struct{}),
	}, nil
}

type virtualStream struct {
	cfg    StreamConfig
	cb     Callback
	input  InputFunc
	output OutputFunc
	out    []int16
	in     []int16

	mu       sync.Mutex
	quit     chan struct{}
	wg       sync.WaitGroup
	done     chan struct{}
	doneOnce sync.Once
}

func (s *virtualStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quit != nil {
		return nil
	}
	s.quit = make(chan struct{})
	s.wg.Add(1)
	go s.run(s.quit)
	return nil
}

func (s *virtualStream) run(quit <-chan struct{}) {
	defer s.wg.Done()
	period := s.cfg.Period()
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
		}

		var in []int16
		if !s.cfg.NoInput && s.input != nil && s.input(s.in) {
			in = s.in
		}
		res := s.cb(s.out, in, s.cfg.PeriodFrames, CallbackInfo{Time: time.Now(), Period: period})
		if s.output != nil {
			s.output(s.out)
		}
		if res == Stop {
			s.doneOnce.Do(func() { close(s.done) })
			return
		}
	}
}

func (s *virtualStream) Stop() error {
	s.mu.Lock()
	quit := s.quit
	s.quit = nil
	s.mu.Unlock()
	if quit != nil {
		close(quit)
		s.wg.Wait()
	}
	return nil
}

func (s *virtualStream) Close() error {
	return s.Stop()
}

func (s *virtualStream) Done() <-chan struct{} { return s.done }

// SineInput simulates a studio feed: a continuous sine at freq Hz and the
// given peak amplitude on every channel.
func SineInput(sampleRate, channels int, freq float64, amplitude int16) InputFunc {
	var phase float64
	step := 2 * math.Pi * freq / float64(sampleRate)
	return func(in []int16) bool {
		for f := 0; f < len(in)/channels; f++ {
			v := int16(float64(amplitude) * math.Sin(phase))
			for c := 0; c < channels; c++ {
				in[f*channels+c] = v
			}
			phase += step
			if phase > 2*math.Pi {
				phase -= 2 * math.Pi
			}
		}
		return true
	}
}

// LoopInput plays interleaved samples round and round.
func LoopInput(samples []int16) InputFunc {
	var pos int
	return func(in []int16) bool {
		if len(samples) == 0 {
			return false
		}
		for i := range in {
			in[i] = samples[pos]
			pos++
			if pos == len(samples) {
				pos = 0
			}
		}
		return true
	}
}
