package stream

import (
	"log/slog"
	"net/http"

	"github.com/satindergrewal/netsource/internal/encode"
)

// Config describes the monitor streams.
type Config struct {
	Name       string // station name shown to listeners
	SampleRate int
	Channels   int
	Bitrate    int // bits per second
}

// HTTPHandler serves a chunked MP3 audio stream via HTTP.
// Each connection gets its own FFmpeg encoder.
type HTTPHandler struct {
	broadcaster *Broadcaster
	cfg         Config
}

// NewHTTPHandler creates an HTTP stream handler.
func NewHTTPHandler(b *Broadcaster, cfg Config) *HTTPHandler {
	return &HTTPHandler{broadcaster: b, cfg: cfg}
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	enc := encode.NewMP3(encode.Config{
		Codec:      "mp3",
		SampleRate: h.cfg.SampleRate,
		Channels:   h.cfg.Channels,
		Bitrate:    h.cfg.Bitrate,
	})
	if _, err := enc.Begin(); err != nil {
		slog.Error("monitor encoder failed", "error", err)
		http.Error(w, "encoder unavailable", http.StatusServiceUnavailable)
		return
	}
	defer enc.Close()

	w.Header().Set("Content-Type", enc.ContentType())
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.Header().Set("Connection", "close")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("ICY-Name", h.cfg.Name)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	listener := h.broadcaster.Subscribe()
	defer h.broadcaster.Unsubscribe(listener)

	slog.Info("monitor listener connected", "transport", "http", "remote", r.RemoteAddr, "listeners", h.broadcaster.ListenerCount())
	defer slog.Info("monitor listener disconnected", "transport", "http", "remote", r.RemoteAddr)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-listener.done:
			return
		case frame := <-listener.C:
			data, err := enc.Encode(frame)
			if err != nil {
				slog.Warn("monitor encode failed", "error", err)
				return
			}
			if len(data) == 0 {
				continue
			}
			if _, err := w.Write(data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
