package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/satindergrewal/netsource/internal/schedule"
	"github.com/satindergrewal/netsource/internal/stream"
)

// Handler returns the operator API, the monitor streams and /metrics.
func (s *Station) Handler() http.Handler {
	mux := http.NewServeMux()

	// Local monitor
	mux.Handle("/stream", stream.NewHTTPHandler(s.broadcaster, stream.Config{
		Name:       s.cfg.Sink.Name,
		SampleRate: s.cfg.SampleRate,
		Channels:   s.cfg.Channels,
		Bitrate:    s.cfg.Sink.Bitrate * 1000,
	}))
	mux.Handle("/offer", s.webrtc)
	mux.Handle("/metrics", s.metrics.Handler())

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		st := s.Status()
		st.Listeners += s.webrtc.PeerCount()
		writeJSON(w, http.StatusOK, st)
	})

	mux.HandleFunc("/api/schedule", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			events, weekly := s.Plan()
			writeJSON(w, http.StatusOK, map[string]any{
				"events":      events,
				"weekly":      weekly,
				"occurrences": s.sched.Events(),
			})
		case http.MethodPost:
			var req struct {
				Events []schedule.Event   `json:"events"`
				Weekly *[]schedule.Weekly `json:"weekly"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid request", http.StatusBadRequest)
				return
			}
			var err error
			if req.Weekly != nil {
				err = s.SubmitPlan(req.Events, *req.Weekly)
			} else {
				err = s.SubmitSchedule(req.Events)
			}
			var conflict *schedule.ConflictError
			switch {
			case errors.As(err, &conflict):
				writeJSON(w, http.StatusConflict, map[string]any{
					"ok":        false,
					"error":     conflict.Error(),
					"conflicts": conflict.Conflicts,
				})
				return
			case err != nil:
				writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
				return
			}
			events, _ := s.Plan()
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "events": events})
		default:
			http.Error(w, "GET or POST required", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/api/automation", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Enabled *bool `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}
		s.SetAutomation(*req.Enabled)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "automation": *req.Enabled})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "error", err)
	}
}

// Serve runs the HTTP listener until ctx is done.
func (s *Station) Serve(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	slog.Info("http listening", "addr", addr)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
