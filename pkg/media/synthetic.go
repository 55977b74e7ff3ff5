package media

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
)

// SyntheticSource emits a fixed payload at a steady interval. Demo mode
// runs on it instead of real capture hardware, and tests use it to drive
// the acquisition path end to end.
type SyntheticSource struct {
	kind     string
	mime     string
	interval time.Duration
	payload  []byte

	once   sync.Once
	closed chan struct{}
}

var _ SampleSource = (*SyntheticSource)(nil)

// NewSyntheticVideo returns a VP8 video source ticking at the given rate.
func NewSyntheticVideo(interval time.Duration) *SyntheticSource {
	return &SyntheticSource{
		kind:     "video",
		mime:     webrtc.MimeTypeVP8,
		interval: interval,
		payload:  []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a},
		closed:   make(chan struct{}),
	}
}

// NewSyntheticAudio returns an Opus audio source ticking at the given rate.
func NewSyntheticAudio(interval time.Duration) *SyntheticSource {
	return &SyntheticSource{
		kind:     "audio",
		mime:     webrtc.MimeTypeOpus,
		interval: interval,
		payload:  []byte{0xf8, 0xff, 0xfe},
		closed:   make(chan struct{}),
	}
}

func (s *SyntheticSource) Kind() string { return s.kind }

func (s *SyntheticSource) MimeType() string { return s.mime }

func (s *SyntheticSource) Open(ctx context.Context) error { return nil }

func (s *SyntheticSource) Next(ctx context.Context) (pionmedia.Sample, error) {
	select {
	case <-ctx.Done():
		return pionmedia.Sample{}, ctx.Err()
	case <-s.closed:
		return pionmedia.Sample{}, io.EOF
	case <-time.After(s.interval):
		return pionmedia.Sample{Data: s.payload, Duration: s.interval}, nil
	}
}

func (s *SyntheticSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}
