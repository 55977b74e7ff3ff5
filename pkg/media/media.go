// Package media handles acquisition and release of local capture tracks.
//
// Acquisition is authoritative: whatever a permission query said earlier,
// a stream only counts as acquired once every track reports live. Tracks
// that never go live within the retry budget fail the acquisition.
package media

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrPermissionDenied indicates camera or microphone access was refused.
	ErrPermissionDenied = errors.New("camera or microphone permission denied")
	// ErrDeviceUnavailable indicates no usable capture device was found.
	ErrDeviceUnavailable = errors.New("capture device unavailable")
	// ErrMediaNotReady indicates tracks never reached a live state within
	// the readiness retry budget.
	ErrMediaNotReady = errors.New("media tracks not ready")
)

const (
	readinessAttempts = 20
	readinessInterval = 100 * time.Millisecond
)

// Track is one live local capture track.
type Track interface {
	// Kind is "video" or "audio".
	Kind() string
	// Live reports whether the track is actively producing samples.
	Live() bool
	// Stop ends capture for this track. Safe to call repeatedly.
	Stop()
}

// Stream is a set of local tracks acquired together and released together.
type Stream struct {
	mu       sync.Mutex
	tracks   []Track
	released bool
}

// NewStream wraps a set of tracks. Used by Device implementations.
func NewStream(tracks ...Track) *Stream {
	return &Stream{tracks: tracks}
}

// Tracks returns the stream's tracks.
func (s *Stream) Tracks() []Track {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Track(nil), s.tracks...)
}

// Live reports whether every track is live. A stream with no tracks is
// never live.
func (s *Stream) Live() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released || len(s.tracks) == 0 {
		return false
	}
	for _, t := range s.tracks {
		if !t.Live() {
			return false
		}
	}
	return true
}

// Release stops all tracks. Safe on a nil or already-released stream.
func (s *Stream) Release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	tracks := append([]Track(nil), s.tracks...)
	s.mu.Unlock()

	for _, t := range tracks {
		t.Stop()
	}
}

// Device acquires local capture streams.
type Device interface {
	// Acquire opens capture and verifies track liveness. It fails with
	// ErrPermissionDenied, ErrDeviceUnavailable, or ErrMediaNotReady.
	Acquire(ctx context.Context) (*Stream, error)
}

// WaitLive polls the stream until every track reports live, with bounded
// retries. Device implementations call this as the final acquisition gate.
func WaitLive(ctx context.Context, s *Stream) error {
	for i := 0; i < readinessAttempts; i++ {
		if s.Live() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readinessInterval):
		}
	}
	return ErrMediaNotReady
}
