package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/tomaslejdung/roomcast/pkg/media"
)

// DefaultSTUNServer is the public reflexive-address server used when the
// config names none.
const DefaultSTUNServer = "stun:stun.l.google.com:19302"

// WebRTCFactory creates pion-backed connections.
type WebRTCFactory struct{}

var _ Factory = WebRTCFactory{}

// NewConnection creates a peer connection with the configured ICE servers.
func (WebRTCFactory) NewConnection(cfg Config) (Connection, error) {
	urls := cfg.STUNServers
	if len(urls) == 0 {
		urls = []string{DefaultSTUNServer}
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: urls}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	c := &webrtcConn{pc: pc}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			// Gathering complete
			return
		}
		payload, err := json.Marshal(candidate.ToJSON())
		if err != nil {
			log.Printf("Marshaling ICE candidate: %v", err)
			return
		}
		c.mu.Lock()
		fn := c.onICE
		c.mu.Unlock()
		if fn != nil {
			fn(string(payload))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Printf("Remote track received: %s (%s)", track.Kind(), track.Codec().MimeType)
		c.mu.Lock()
		fn := c.onTrack
		c.mu.Unlock()
		if fn != nil {
			fn(track.Kind().String())
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("Peer connection state: %s", state.String())
		c.mu.Lock()
		fn := c.onState
		c.mu.Unlock()
		if fn != nil {
			fn(mapState(state))
		}
	})

	return c, nil
}

func mapState(state webrtc.PeerConnectionState) State {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	default:
		return StateConnecting
	}
}

type webrtcConn struct {
	pc *webrtc.PeerConnection

	mu      sync.Mutex
	onICE   func(string)
	onTrack func(string)
	onState func(State)
}

func (c *webrtcConn) AttachLocalMedia(stream *media.Stream) error {
	for _, t := range stream.Tracks() {
		local, ok := t.(interface{ RTP() webrtc.TrackLocal })
		if !ok {
			return fmt.Errorf("track %s is not attachable to a WebRTC connection", t.Kind())
		}
		if _, err := c.pc.AddTrack(local.RTP()); err != nil {
			return fmt.Errorf("failed to add %s track: %w", t.Kind(), err)
		}
	}
	return nil
}

func (c *webrtcConn) OnICECandidate(fn func(payload string)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *webrtcConn) OnRemoteTrack(fn func(kind string)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *webrtcConn) OnStateChange(fn func(State)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// await runs fn with a deadline. Timeout is ErrNegotiationTimeout; the
// abandoned operation's result is discarded.
func await[T any](ctx context.Context, bound string, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		if ctx.Err() == context.DeadlineExceeded {
			return zero, fmt.Errorf("%s: %w", bound, ErrNegotiationTimeout)
		}
		return zero, ctx.Err()
	}
}

func (c *webrtcConn) CreateOffer(ctx context.Context) (Description, error) {
	ctx, cancel := context.WithTimeout(ctx, CreateOfferTimeout)
	defer cancel()
	return await(ctx, "create offer", func() (Description, error) {
		offer, err := c.pc.CreateOffer(nil)
		if err != nil {
			return Description{}, fmt.Errorf("failed to create offer: %w", err)
		}
		return Description{Type: offer.Type.String(), SDP: offer.SDP}, nil
	})
}

func (c *webrtcConn) CreateAnswer(ctx context.Context) (Description, error) {
	ctx, cancel := context.WithTimeout(ctx, CreateOfferTimeout)
	defer cancel()
	return await(ctx, "create answer", func() (Description, error) {
		answer, err := c.pc.CreateAnswer(nil)
		if err != nil {
			return Description{}, fmt.Errorf("failed to create answer: %w", err)
		}
		return Description{Type: answer.Type.String(), SDP: answer.SDP}, nil
	})
}

func (c *webrtcConn) SetLocalDescription(ctx context.Context, desc Description) error {
	ctx, cancel := context.WithTimeout(ctx, SetLocalTimeout)
	defer cancel()
	_, err := await(ctx, "set local description", func() (struct{}, error) {
		err := c.pc.SetLocalDescription(webrtc.SessionDescription{
			Type: webrtc.NewSDPType(desc.Type),
			SDP:  desc.SDP,
		})
		if err != nil {
			return struct{}{}, fmt.Errorf("failed to set local description: %w", err)
		}
		return struct{}{}, nil
	})
	return err
}

func (c *webrtcConn) SetRemoteDescription(desc Description) error {
	err := c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(desc.Type),
		SDP:  desc.SDP,
	})
	if err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

func (c *webrtcConn) RemoteDescriptionSet() bool {
	return c.pc.RemoteDescription() != nil
}

func (c *webrtcConn) AddRemoteCandidate(payload string) error {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(payload), &candidate); err != nil {
		return fmt.Errorf("failed to parse ICE candidate: %w", err)
	}
	if err := c.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("failed to add ICE candidate: %w", err)
	}
	return nil
}

func (c *webrtcConn) Close() error {
	return c.pc.Close()
}
