package synth

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/satindergrewal/netsource/internal/audio"
)

// Speaker turns text into PCM in the engine format.
type Speaker interface {
	Speak(ctx context.Context, text string) ([]int16, error)
}

// DelayText spells a delay in seconds as English, e.g. "2 minutes 5 seconds".
func DelayText(seconds int) string {
	if seconds == 0 {
		return "no delay"
	}
	m, s := seconds/60, seconds%60
	text := ""
	if m > 0 {
		text = plural(m, "minute")
	}
	if s > 0 {
		if text != "" {
			text += " "
		}
		text += plural(s, "second")
	}
	return text
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return strconv.Itoa(n) + " " + unit + "s"
}

// EspeakSpeaker renders speech with a local espeak-ng binary.
type EspeakSpeaker struct {
	Binary string // defaults to espeak-ng
	Voice  string
	Speed  int // words per minute, 0 for the espeak default
	Format audio.Format
}

// Speak writes the utterance to a temporary WAV and converts it.
func (e *EspeakSpeaker) Speak(ctx context.Context, text string) ([]int16, error) {
	dir, err := os.MkdirTemp("", "netsource-speech-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "speech.wav")

	bin := e.Binary
	if bin == "" {
		bin = "espeak-ng"
	}
	args := []string{"-w", path}
	if e.Voice != "" {
		args = append(args, "-v", e.Voice)
	}
	if e.Speed > 0 {
		args = append(args, "-s", strconv.Itoa(e.Speed))
	}
	args = append(args, text)

	if out, err := exec.CommandContext(ctx, bin, args...).CombinedOutput(); err != nil {
		return nil, fmt.Errorf("%s: %w: %s", bin, err, bytes.TrimSpace(out))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read speech: %w", err)
	}
	pcm, format, err := audio.DecodeWAV(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return audio.Convert(pcm, format, e.Format), nil
}
