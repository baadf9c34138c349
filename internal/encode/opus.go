package encode

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"gopkg.in/hraban/opus.v2"
)

// opusPayloadType is the dynamic RTP payload type browsers use for Opus.
const opusPayloadType = 111

// OpusOgg encodes 20ms Opus packets into an Ogg stream, the format Icecast
// serves as audio/ogg.
type OpusOgg struct {
	cfg    Config
	frame  int // samples per channel per packet
	enc    *opus.Encoder
	ogg    *oggwriter.OggWriter
	buf    bytes.Buffer
	packet []byte
	carry  []int16
	seq    uint16
	ts     uint32
}

// NewOpusOgg creates an Ogg/Opus encoder.
func NewOpusOgg(cfg Config) *OpusOgg {
	return &OpusOgg{
		cfg:    cfg,
		frame:  cfg.SampleRate / 50,
		packet: make([]byte, 4000),
	}
}

func (e *OpusOgg) ContentType() string { return "audio/ogg" }

// Begin creates a fresh Opus encoder and writes the Ogg identification and
// comment headers.
func (e *OpusOgg) Begin() ([]byte, error) {
	enc, err := opus.NewEncoder(e.cfg.SampleRate, e.cfg.Channels, opus.AppAudio)
	if err != nil {
		return nil, fmt.Errorf("opus encoder: %w", err)
	}
	if err := enc.SetBitrate(e.cfg.Bitrate); err != nil {
		return nil, fmt.Errorf("opus bitrate: %w", err)
	}
	e.enc = enc
	e.buf.Reset()
	e.carry = e.carry[:0]
	e.seq, e.ts = 0, 0

	ogg, err := oggwriter.NewWith(&e.buf, uint32(e.cfg.SampleRate), uint16(e.cfg.Channels))
	if err != nil {
		return nil, fmt.Errorf("ogg writer: %w", err)
	}
	e.ogg = ogg
	return e.take(), nil
}

// Encode buffers PCM and emits one Ogg page per complete 20ms packet.
func (e *OpusOgg) Encode(pcm []int16) ([]byte, error) {
	if e.enc == nil {
		return nil, errors.New("opus: Encode before Begin")
	}
	e.carry = append(e.carry, pcm...)
	n := e.frame * e.cfg.Channels
	consumed := 0
	for len(e.carry)-consumed >= n {
		size, err := e.enc.Encode(e.carry[consumed:consumed+n], e.packet)
		if err != nil {
			return nil, fmt.Errorf("opus encode: %w", err)
		}
		consumed += n
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    opusPayloadType,
				SequenceNumber: e.seq,
				Timestamp:      e.ts,
				SSRC:           1,
			},
			Payload: e.packet[:size],
		}
		if err := e.ogg.WriteRTP(pkt); err != nil {
			return nil, fmt.Errorf("ogg write: %w", err)
		}
		e.seq++
		e.ts += uint32(e.frame)
	}
	e.carry = append(e.carry[:0], e.carry[consumed:]...)
	return e.take(), nil
}

// Close drops any partial packet and finishes the Ogg stream.
func (e *OpusOgg) Close() ([]byte, error) {
	if e.ogg == nil {
		return nil, nil
	}
	err := e.ogg.Close()
	e.ogg, e.enc = nil, nil
	return e.take(), err
}

func (e *OpusOgg) take() []byte {
	if e.buf.Len() == 0 {
		return nil
	}
	out := bytes.Clone(e.buf.Bytes())
	e.buf.Reset()
	return out
}
