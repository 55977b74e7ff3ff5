// Package peer owns the media transport connection: creation, local media
// attachment, offer/answer handling, candidate application, and teardown.
package peer

import (
	"context"
	"errors"
	"time"

	"github.com/tomaslejdung/roomcast/pkg/media"
)

// ErrNegotiationTimeout indicates offer creation or description setting
// exceeded its bound. It is a hard failure of the attempt, never retried.
var ErrNegotiationTimeout = errors.New("negotiation timed out")

// Negotiation bounds. Exceeding either aborts the streaming attempt.
const (
	CreateOfferTimeout = 20 * time.Second
	SetLocalTimeout    = 15 * time.Second
)

// State is the transport connectivity state.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

// Terminal reports whether the state means the transport is gone and the
// owning session must tear down.
func (s State) Terminal() bool {
	switch s {
	case StateDisconnected, StateFailed, StateClosed:
		return true
	}
	return false
}

// Description is a session description exchanged through the signaling
// store.
type Description struct {
	Type string
	SDP  string
}

// Config selects the ICE servers for a connection. A single public STUN
// endpoint is sufficient; no relay server is assumed.
type Config struct {
	STUNServers []string
}

// Connection is one peer transport. A session owns at most one at a time.
type Connection interface {
	// AttachLocalMedia adds the stream's tracks to the connection. Must
	// happen before CreateOffer.
	AttachLocalMedia(stream *media.Stream) error
	// OnICECandidate registers the callback for locally gathered
	// candidates, delivered as opaque JSON payloads.
	OnICECandidate(fn func(payload string))
	// OnRemoteTrack registers the callback for incoming remote tracks.
	OnRemoteTrack(fn func(kind string))
	// OnStateChange registers the connectivity state callback.
	OnStateChange(fn func(State))
	// CreateOffer produces the initial offer, bounded by
	// CreateOfferTimeout.
	CreateOffer(ctx context.Context) (Description, error)
	// CreateAnswer produces an answer to a set remote offer.
	CreateAnswer(ctx context.Context) (Description, error)
	// SetLocalDescription applies a locally created description, bounded
	// by SetLocalTimeout.
	SetLocalDescription(ctx context.Context, desc Description) error
	// SetRemoteDescription applies the far side's description.
	SetRemoteDescription(desc Description) error
	// RemoteDescriptionSet reports whether a remote description has been
	// applied; candidates arriving before that must be buffered.
	RemoteDescriptionSet() bool
	// AddRemoteCandidate applies one far-side candidate payload.
	AddRemoteCandidate(payload string) error
	// Close tears the transport down. Safe to call repeatedly.
	Close() error
}

// Factory creates connections. Sessions depend on this rather than on the
// concrete transport so negotiation logic can run against fakes.
type Factory interface {
	NewConnection(cfg Config) (Connection, error)
}
