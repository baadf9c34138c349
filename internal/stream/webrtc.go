package stream

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"gopkg.in/hraban/opus.v2"
)

// WebRTCHandler serves WebRTC SDP negotiation for low-latency Opus streaming.
type WebRTCHandler struct {
	broadcaster *Broadcaster
	cfg         Config
	mu          sync.Mutex
	peers       map[*webrtc.PeerConnection]chan struct{}
	wg          sync.WaitGroup
}

// NewWebRTCHandler creates a WebRTC stream handler.
func NewWebRTCHandler(b *Broadcaster, cfg Config) *WebRTCHandler {
	return &WebRTCHandler{
		broadcaster: b,
		cfg:         cfg,
		peers:       make(map[*webrtc.PeerConnection]chan struct{}),
	}
}

// PeerCount returns the number of active WebRTC peers.
func (h *WebRTCHandler) PeerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

func (h *WebRTCHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.WriteHeader(http.StatusOK)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	var offer webrtc.SessionDescription
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
		http.Error(w, "invalid SDP offer", http.StatusBadRequest)
		return
	}

	// Opus at 48 kHz is what browsers negotiate; other engine rates have no
	// WebRTC monitor.
	if h.cfg.SampleRate != 48000 {
		http.Error(w, "WebRTC monitor requires 48 kHz", http.StatusNotImplemented)
		return
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		http.Error(w, "create peer connection failed", http.StatusInternalServerError)
		return
	}

	audioTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: uint16(h.cfg.Channels)},
		"audio",
		"netsource-monitor",
	)
	if err != nil {
		pc.Close()
		http.Error(w, "create audio track failed", http.StatusInternalServerError)
		return
	}

	if _, err := pc.AddTrack(audioTrack); err != nil {
		pc.Close()
		http.Error(w, "add track failed", http.StatusInternalServerError)
		return
	}

	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		http.Error(w, "set remote description failed", http.StatusBadRequest)
		return
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		http.Error(w, "create answer failed", http.StatusInternalServerError)
		return
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		http.Error(w, "set local description failed", http.StatusInternalServerError)
		return
	}

	select {
	case <-gatherComplete:
	case <-r.Context().Done():
		pc.Close()
		return
	}

	done := make(chan struct{})
	h.mu.Lock()
	h.peers[pc] = done
	h.mu.Unlock()

	slog.Info("monitor listener connected", "transport", "webrtc", "remote", r.RemoteAddr, "peers", h.PeerCount())

	h.wg.Add(1)
	go h.streamToPeer(audioTrack, done)

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateFailed ||
			s == webrtc.PeerConnectionStateClosed ||
			s == webrtc.PeerConnectionStateDisconnected {
			if h.removePeer(pc) {
				pc.Close()
				slog.Info("monitor listener disconnected", "transport", "webrtc", "peers", h.PeerCount())
			}
		}
	})

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	json.NewEncoder(w).Encode(pc.LocalDescription())
}

func (h *WebRTCHandler) streamToPeer(track *webrtc.TrackLocalStaticSample, done <-chan struct{}) {
	defer h.wg.Done()
	listener := h.broadcaster.Subscribe()
	defer h.broadcaster.Unsubscribe(listener)

	enc, err := opus.NewEncoder(h.cfg.SampleRate, h.cfg.Channels, opus.AppAudio)
	if err != nil {
		slog.Error("monitor opus encoder failed", "error", err)
		return
	}
	if err := enc.SetBitrate(h.cfg.Bitrate); err != nil {
		slog.Warn("monitor opus bitrate rejected", "bitrate", h.cfg.Bitrate, "error", err)
	}

	opusBuf := make([]byte, 4000)
	frame := h.cfg.SampleRate / 50 * h.cfg.Channels
	var carry []int16

	for {
		select {
		case <-done:
			return
		case <-listener.done:
			return
		case pcm := <-listener.C:
			carry = append(carry, pcm...)
			used := 0
			for len(carry)-used >= frame {
				n, err := enc.Encode(carry[used:used+frame], opusBuf)
				used += frame
				if err != nil {
					slog.Warn("monitor opus encode failed", "error", err)
					continue
				}
				if err := track.WriteSample(media.Sample{
					Data:     opusBuf[:n],
					Duration: 20 * time.Millisecond,
				}); err != nil {
					return
				}
			}
			carry = append(carry[:0], carry[used:]...)
		}
	}
}

// removePeer reports whether pc was still registered.
func (h *WebRTCHandler) removePeer(pc *webrtc.PeerConnection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	done, ok := h.peers[pc]
	if !ok {
		return false
	}
	delete(h.peers, pc)
	close(done)
	return true
}

// Close disconnects every peer and waits for their senders to exit.
func (h *WebRTCHandler) Close() {
	h.mu.Lock()
	peers := make([]*webrtc.PeerConnection, 0, len(h.peers))
	for pc := range h.peers {
		peers = append(peers, pc)
	}
	h.mu.Unlock()
	for _, pc := range peers {
		if h.removePeer(pc) {
			pc.Close()
		}
	}
	h.wg.Wait()
}
