package signalstore

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrUnavailable indicates a store read or write failed due to
// connectivity or permission problems.
var ErrUnavailable = errors.New("signaling store unavailable")

// OfferRecord is the streamer's half of a negotiation attempt.
type OfferRecord struct {
	SDP        string    `json:"sdp"`
	Type       string    `json:"type"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderUserName"`
	Timestamp  time.Time `json:"timestamp"`
}

// AnswerRecord is the viewer's half of a negotiation attempt.
type AnswerRecord struct {
	SDP          string    `json:"sdp"`
	Type         string    `json:"type"`
	ReceiverID   string    `json:"receiverId"`
	ReceiverName string    `json:"receiverUserName"`
	Timestamp    time.Time `json:"timestamp"`
}

// SignalRecord is the shared per-room signaling document. Either half may
// be absent; writes merge one half without clobbering the other.
type SignalRecord struct {
	Offer  *OfferRecord  `json:"offer,omitempty"`
	Answer *AnswerRecord `json:"answer,omitempty"`
}

// Candidate is one append-only ICE candidate record. Payload carries the
// transport-level candidate JSON; the store never interprets it.
type Candidate struct {
	ID        string    `json:"id"`
	SenderID  string    `json:"senderId"`
	Payload   string    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// RoomStatus is the room's authoritative streaming state. It lives on the
// room entity, not the signaling record, and outlives any one negotiation.
type RoomStatus struct {
	IsStreaming  bool      `json:"isStreaming"`
	StreamerID   string    `json:"streamerId,omitempty"`
	StreamerName string    `json:"streamerUserName,omitempty"`
	LastActivity time.Time `json:"lastActivity"`
}

// Unsubscribe cancels a subscription. Safe to call more than once.
type Unsubscribe func()

// RecordFunc receives signaling record snapshots. A non-nil error means the
// subscription itself failed; the record is then zero.
type RecordFunc func(SignalRecord, error)

// CandidateFunc receives one candidate per added record.
type CandidateFunc func(Candidate, error)

// StatusFunc receives room status snapshots.
type StatusFunc func(RoomStatus, error)

// Store is the shared signaling rendezvous: a per-room mutable record with
// field-level merge writes plus an append-only candidate sub-collection,
// each independently observable. Writers must never assume a subsequent
// snapshot seen by another subscriber reflects their write synchronously.
type Store interface {
	// PublishOffer merges the offer half into the room record.
	PublishOffer(ctx context.Context, roomID string, offer OfferRecord) error
	// PublishAnswer merges the answer half into the room record.
	PublishAnswer(ctx context.Context, roomID string, answer AnswerRecord) error
	// AppendCandidate adds one candidate record tagged with its sender.
	AppendCandidate(ctx context.Context, roomID, senderID, payload string) error
	// PendingCandidates returns all candidate records currently stored.
	PendingCandidates(ctx context.Context, roomID string) ([]Candidate, error)
	// DeleteCandidate removes a single consumed candidate record.
	DeleteCandidate(ctx context.Context, roomID, candidateID string) error
	// DeleteAllCandidates purges the room's candidate set.
	DeleteAllCandidates(ctx context.Context, roomID string) error
	// DeleteRecord removes the room's signaling record.
	DeleteRecord(ctx context.Context, roomID string) error
	// SubscribeRecord delivers an initial snapshot then every change.
	SubscribeRecord(ctx context.Context, roomID string, fn RecordFunc) (Unsubscribe, error)
	// SubscribeCandidates delivers every stored candidate once, then each
	// subsequently appended candidate.
	SubscribeCandidates(ctx context.Context, roomID string, fn CandidateFunc) (Unsubscribe, error)
}

// StatusStore reads and mutates the room's streaming status.
type StatusStore interface {
	// SetStreaming marks the room as streamed by the given identity and
	// refreshes LastActivity.
	SetStreaming(ctx context.Context, roomID, streamerID, streamerName string) error
	// ClearStreaming resets the streaming flag and streamer identity.
	ClearStreaming(ctx context.Context, roomID string) error
	// Status reads the current room status.
	Status(ctx context.Context, roomID string) (RoomStatus, error)
	// SubscribeStatus delivers an initial snapshot then every change.
	SubscribeStatus(ctx context.Context, roomID string, fn StatusFunc) (Unsubscribe, error)
}

// NormalizeRoomID ensures consistent room addressing (lowercase, trimmed)
func NormalizeRoomID(roomID string) string {
	return strings.ToLower(strings.TrimSpace(roomID))
}

// ValidateRoomID checks that a room id is usable as a store key
func ValidateRoomID(roomID string) bool {
	roomID = NormalizeRoomID(roomID)
	if roomID == "" {
		return false
	}
	return !strings.ContainsAny(roomID, " \t\n:/")
}
