package device

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/gen2brain/malgo"
)

// Malgo drives real hardware through miniaudio.
type Malgo struct {
	backend string
}

// NewMalgo selects a backend by name: alsa, pulse, jack, wasapi, coreaudio,
// null, or empty for miniaudio's automatic choice.
func NewMalgo(backend string) *Malgo {
	return &Malgo{backend: strings.ToLower(backend)}
}

func (m *Malgo) backends() ([]malgo.Backend, error) {
	switch m.backend {
	case "", "auto":
		return nil, nil
	case "alsa":
		return []malgo.Backend{malgo.BackendAlsa}, nil
	case "pulse", "pulseaudio":
		return []malgo.Backend{malgo.BackendPulseaudio}, nil
	case "jack":
		return []malgo.Backend{malgo.BackendJack}, nil
	case "wasapi":
		return []malgo.Backend{malgo.BackendWasapi}, nil
	case "coreaudio":
		return []malgo.Backend{malgo.BackendCoreaudio}, nil
	case "null":
		return []malgo.Backend{malgo.BackendNull}, nil
	default:
		return nil, fmt.Errorf("unknown audio backend %q", m.backend)
	}
}

func (m *Malgo) initContext() (*malgo.AllocatedContext, error) {
	backends, err := m.backends()
	if err != nil {
		return nil, err
	}
	ctx, err := malgo.InitContext(backends, malgo.ContextConfig{}, func(message string) {
		slog.Debug("miniaudio", "message", strings.TrimSpace(message))
	})
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	return ctx, nil
}

// Devices lists playback and capture devices.
func (m *Malgo) Devices() ([]Info, error) {
	ctx, err := m.initContext()
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = ctx.Uninit()
		ctx.Free()
	}()

	var out []Info
	for _, kind := range []struct {
		t    malgo.DeviceType
		name string
	}{{malgo.Playback, "playback"}, {malgo.Capture, "capture"}} {
		infos, err := ctx.Devices(kind.t)
		if err != nil {
			return nil, fmt.Errorf("list %s devices: %w", kind.name, err)
		}
		for _, info := range infos {
			out = append(out, Info{
				Name:    info.Name(),
				ID:      info.ID.String(),
				Kind:    kind.name,
				Default: info.IsDefault == 1,
			})
		}
	}
	return out, nil
}

func findDevice(infos []malgo.DeviceInfo, name string) (unsafe.Pointer, error) {
	if name == "" {
		return nil, nil
	}
	for i := range infos {
		if infos[i].Name() == name || infos[i].ID.String() == name {
			return infos[i].ID.Pointer(), nil
		}
	}
	return nil, fmt.Errorf("audio device %q not found", name)
}

// Open initialises a duplex (or playback-only) S16 stream.
func (m *Malgo) Open(cfg StreamConfig, cb Callback) (Stream, error) {
	ctx, err := m.initContext()
	if err != nil {
		return nil, err
	}
	s := &malgoStream{ctx: ctx, cb: cb, period: cfg.Period(), done: make(chan struct{})}

	devType := malgo.Duplex
	if cfg.NoInput {
		devType = malgo.Playback
	}
	dc := malgo.DefaultDeviceConfig(devType)
	dc.SampleRate = uint32(cfg.SampleRate)
	dc.PeriodSizeInFrames = uint32(cfg.PeriodFrames)
	dc.Playback.Format = malgo.FormatS16
	dc.Playback.Channels = uint32(cfg.Channels)
	dc.Capture.Format = malgo.FormatS16
	dc.Capture.Channels = uint32(cfg.Channels)
	dc.Alsa.NoMMap = 1

	if cfg.OutputDevice != "" {
		if s.playback, err = ctx.Devices(malgo.Playback); err == nil {
			dc.Playback.DeviceID, err = findDevice(s.playback, cfg.OutputDevice)
		}
		if err != nil {
			s.free()
			return nil, err
		}
	}
	if !cfg.NoInput && cfg.InputDevice != "" {
		if s.capture, err = ctx.Devices(malgo.Capture); err == nil {
			dc.Capture.DeviceID, err = findDevice(s.capture, cfg.InputDevice)
		}
		if err != nil {
			s.free()
			return nil, err
		}
	}

	dev, err := malgo.InitDevice(ctx.Context, dc, malgo.DeviceCallbacks{
		Data: s.data,
		Stop: func() {
			slog.Debug("audio device stopped")
			s.doneOnce.Do(s.closeDone)
		},
	})
	if err != nil {
		s.free()
		return nil, fmt.Errorf("init audio device: %w", err)
	}
	s.dev = dev
	return s, nil
}

type malgoStream struct {
	ctx    *malgo.AllocatedContext
	dev    *malgo.Device
	cb     Callback
	period time.Duration

	// Enumerated infos own the memory behind the selected device IDs.
	playback []malgo.DeviceInfo
	capture  []malgo.DeviceInfo

	stopped  atomic.Bool
	done     chan struct{}
	doneOnce sync.Once
}

func int16View(b []byte) []int16 {
	if len(b) < 2 {
		return nil
	}
	return unsafe.Slice((*int16)(unsafe.Pointer(&b[0])), len(b)/2)
}

func (s *malgoStream) data(pOut, pIn []byte, frames uint32) {
	out := int16View(pOut)
	if s.stopped.Load() {
		clear(out)
		return
	}
	info := CallbackInfo{Time: time.Now(), Period: s.period}
	if s.cb(out, int16View(pIn), int(frames), info) == Stop {
		s.stopped.Store(true)
		s.doneOnce.Do(s.closeDone)
	}
}

func (s *malgoStream) closeDone() { close(s.done) }

func (s *malgoStream) Start() error {
	if err := s.dev.Start(); err != nil {
		return fmt.Errorf("start audio device: %w", err)
	}
	return nil
}

func (s *malgoStream) Stop() error {
	if err := s.dev.Stop(); err != nil {
		return fmt.Errorf("stop audio device: %w", err)
	}
	return nil
}

func (s *malgoStream) Done() <-chan struct{} { return s.done }

func (s *malgoStream) Close() error {
	if s.dev != nil {
		s.dev.Uninit()
	}
	s.free()
	return nil
}

func (s *malgoStream) free() {
	_ = s.ctx.Uninit()
	s.ctx.Free()
}
