package synth

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/satindergrewal/netsource/internal/audio"
)

// HTTPSpeaker talks to a Coqui-compatible TTS server
// (GET /api/tts?text=... returning audio/wav).
type HTTPSpeaker struct {
	apiURL string
	apiKey string
	format audio.Format
	http   *http.Client
}

// NewHTTPSpeaker creates a TTS client.
func NewHTTPSpeaker(apiURL, apiKey string, format audio.Format) *HTTPSpeaker {
	return &HTTPSpeaker{
		apiURL: apiURL,
		apiKey: apiKey,
		format: format,
		http:   &http.Client{Timeout: 30 * time.Second},
	}
}

// WaitForHealthy blocks until the TTS server answers on its root path.
func (c *HTTPSpeaker) WaitForHealthy(ctx context.Context, interval time.Duration) error {
	slog.Info("waiting for TTS server", "url", c.apiURL)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"/", nil)
		if err != nil {
			return fmt.Errorf("create health request: %w", err)
		}
		resp, err := c.http.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				slog.Info("TTS server is healthy", "url", c.apiURL)
				return nil
			}
		}

		slog.Debug("TTS server not ready", "url", c.apiURL, "retry_in", interval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Speak requests a rendering of text and converts it to the engine format.
func (c *HTTPSpeaker) Speak(ctx context.Context, text string) ([]int16, error) {
	u := c.apiURL + "/api/tts?" + url.Values{"text": {text}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("tts server error (status %d): %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read tts response: %w", err)
	}
	pcm, format, err := audio.DecodeWAV(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return audio.Convert(pcm, format, c.format), nil
}
