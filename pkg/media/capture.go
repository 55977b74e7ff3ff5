package media

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"

	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
)

// SampleSource produces encoded samples for one local track. Platform
// capture backends (camera, microphone, synthetic test sources) implement
// this; the device pumps their samples into WebRTC tracks.
type SampleSource interface {
	// Kind is "video" or "audio".
	Kind() string
	// MimeType is the RTP codec mime type, e.g. webrtc.MimeTypeVP8.
	MimeType() string
	// Open starts capture. Open errors map onto ErrPermissionDenied or
	// ErrDeviceUnavailable.
	Open(ctx context.Context) error
	// Next blocks until the next sample is available.
	Next(ctx context.Context) (pionmedia.Sample, error)
	// Close stops capture. Safe to call repeatedly.
	Close() error
}

// sampleTrack pumps one SampleSource into a TrackLocalStaticSample. It
// reports live after the first sample has been written.
type sampleTrack struct {
	kind   string
	rtp    *webrtc.TrackLocalStaticSample
	source SampleSource
	live   atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}
}

func (t *sampleTrack) Kind() string { return t.kind }

func (t *sampleTrack) Live() bool { return t.live.Load() }

func (t *sampleTrack) Stop() {
	t.cancel()
	<-t.done
	t.live.Store(false)
	if err := t.source.Close(); err != nil {
		log.Printf("Closing %s source: %v", t.kind, err)
	}
}

// RTP exposes the underlying local track for attachment to a peer
// connection.
func (t *sampleTrack) RTP() webrtc.TrackLocal { return t.rtp }

func (t *sampleTrack) pump(ctx context.Context) {
	defer close(t.done)
	for {
		sample, err := t.source.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("%s capture ended: %v", t.kind, err)
			}
			t.live.Store(false)
			return
		}
		if err := t.rtp.WriteSample(sample); err != nil {
			log.Printf("Writing %s sample: %v", t.kind, err)
			continue
		}
		t.live.Store(true)
	}
}

// CaptureDevice acquires streams by opening a fixed set of sample sources
// (typically one video and one audio source).
type CaptureDevice struct {
	sources []SampleSource
}

var _ Device = (*CaptureDevice)(nil)

// NewCaptureDevice creates a device over the given sources.
func NewCaptureDevice(sources ...SampleSource) *CaptureDevice {
	return &CaptureDevice{sources: sources}
}

// Acquire opens every source, wires each into a local WebRTC track, and
// waits for all tracks to report live before returning the stream.
func (d *CaptureDevice) Acquire(ctx context.Context) (*Stream, error) {
	if len(d.sources) == 0 {
		return nil, ErrDeviceUnavailable
	}

	tracks := make([]Track, 0, len(d.sources))
	fail := func(err error) (*Stream, error) {
		for _, t := range tracks {
			t.Stop()
		}
		return nil, err
	}

	for i, src := range d.sources {
		if err := src.Open(ctx); err != nil {
			return fail(fmt.Errorf("opening %s source: %w", src.Kind(), err))
		}
		rtp, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: src.MimeType()},
			fmt.Sprintf("%s%d", src.Kind(), i),
			"roomcast-stream",
		)
		if err != nil {
			src.Close()
			return fail(fmt.Errorf("creating %s track: %w", src.Kind(), err))
		}

		pumpCtx, cancel := context.WithCancel(context.Background())
		t := &sampleTrack{
			kind:   src.Kind(),
			rtp:    rtp,
			source: src,
			cancel: cancel,
			done:   make(chan struct{}),
		}
		go t.pump(pumpCtx)
		tracks = append(tracks, t)
	}

	stream := NewStream(tracks...)
	if err := WaitLive(ctx, stream); err != nil {
		stream.Release()
		return nil, err
	}
	return stream, nil
}
