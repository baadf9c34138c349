package encode

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/satindergrewal/netsource/internal/audio"
)

// MP3 encodes through an FFmpeg child process: PCM on stdin, MP3 on stdout.
type MP3 struct {
	cfg Config

	cmd   *exec.Cmd
	stdin io.WriteCloser
	pcm   []byte
	done  chan struct{}

	mu      sync.Mutex
	out     bytes.Buffer
	readErr error
}

// NewMP3 creates an MP3 encoder.
func NewMP3(cfg Config) *MP3 {
	return &MP3{cfg: cfg}
}

func (e *MP3) ContentType() string { return "audio/mpeg" }

// Begin starts FFmpeg. MP3 has no stream header.
func (e *MP3) Begin() ([]byte, error) {
	cmd := exec.Command("ffmpeg",
		"-f", "s16le",
		"-ar", strconv.Itoa(e.cfg.SampleRate),
		"-ac", strconv.Itoa(e.cfg.Channels),
		"-i", "pipe:0",
		"-codec:a", "libmp3lame",
		"-b:a", strconv.Itoa(e.cfg.Bitrate/1000)+"k",
		"-f", "mp3",
		"-fflags", "nobuffer",
		"-flush_packets", "1",
		"-loglevel", "error",
		"pipe:1",
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg start: %w", err)
	}
	e.cmd, e.stdin = cmd, stdin
	e.done = make(chan struct{})
	go e.read(stdout)
	return nil, nil
}

func (e *MP3) read(stdout io.Reader) {
	defer close(e.done)
	buf := make([]byte, 4096)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			e.mu.Lock()
			e.out.Write(buf[:n])
			e.mu.Unlock()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				e.mu.Lock()
				e.readErr = err
				e.mu.Unlock()
			}
			return
		}
	}
}

// Encode feeds PCM to FFmpeg and returns the MP3 produced so far.
func (e *MP3) Encode(pcm []int16) ([]byte, error) {
	if e.stdin == nil {
		return nil, errors.New("mp3: Encode before Begin")
	}
	if cap(e.pcm) < len(pcm)*2 {
		e.pcm = make([]byte, len(pcm)*2)
	}
	b := e.pcm[:len(pcm)*2]
	audio.PutSamples(b, pcm)
	if _, err := e.stdin.Write(b); err != nil {
		return nil, fmt.Errorf("ffmpeg write: %w", err)
	}
	return e.take()
}

// Close ends the input and waits briefly for FFmpeg to flush.
func (e *MP3) Close() ([]byte, error) {
	if e.cmd == nil {
		return nil, nil
	}
	e.stdin.Close()
	select {
	case <-e.done:
	case <-time.After(5 * time.Second):
		_ = e.cmd.Process.Kill()
		<-e.done
	}
	waitErr := e.cmd.Wait()
	e.cmd, e.stdin = nil, nil
	out, err := e.take()
	if err == nil && waitErr != nil {
		err = fmt.Errorf("ffmpeg: %w", waitErr)
	}
	return out, err
}

func (e *MP3) take() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.readErr != nil {
		return nil, fmt.Errorf("ffmpeg read: %w", e.readErr)
	}
	if e.out.Len() == 0 {
		return nil, nil
	}
	out := bytes.Clone(e.out.Bytes())
	e.out.Reset()
	return out, nil
}
