// Package session implements the room streaming lifecycle: the
// offer/answer/candidate negotiation protocol layered on the signaling
// store and the peer transport, and the reconciler that keeps local role
// state aligned with the room's authoritative streaming status.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/tomaslejdung/roomcast/pkg/media"
	"github.com/tomaslejdung/roomcast/pkg/peer"
	"github.com/tomaslejdung/roomcast/pkg/signalstore"
)

// ErrInvalidState indicates an operation was attempted while a conflicting
// local session is active.
var ErrInvalidState = errors.New("a session is already active")

// GraceDelay is the deliberate wait before acting on an observed remote
// state change, absorbing transient writes and connectivity blips.
const GraceDelay = 500 * time.Millisecond

// Role of the local session.
type Role int

const (
	RoleNone Role = iota
	RoleStreamer
	RoleViewer
)

func (r Role) String() string {
	switch r {
	case RoleStreamer:
		return "streamer"
	case RoleViewer:
		return "viewer"
	default:
		return "none"
	}
}

// Phase of the local session lifecycle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseStarting
	PhaseJoining
	PhaseActive
	PhaseStopping
	PhaseLeaving
)

func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return "starting"
	case PhaseJoining:
		return "joining"
	case PhaseActive:
		return "active"
	case PhaseStopping:
		return "stopping"
	case PhaseLeaving:
		return "leaving"
	default:
		return "idle"
	}
}

// Level classifies user-facing notifications.
type Level int

const (
	LevelInfo Level = iota
	LevelSuccess
	LevelError
)

// NotifyFunc receives user-facing status events.
type NotifyFunc func(level Level, message string)

// Config wires a Controller to its collaborators.
type Config struct {
	RoomID   string
	UserID   string
	UserName string

	Store  signalstore.Store
	Status signalstore.StatusStore
	Device media.Device
	Peers  peer.Factory

	PeerConfig peer.Config
	Notify     NotifyFunc
}

// Controller owns one local session per room: at most one non-None role at
// a time, one connection handle, one media handle. Conflicting entry calls
// are rejected with ErrInvalidState rather than queued.
type Controller struct {
	cfg    Config
	roomID string

	mu       sync.Mutex
	role     Role
	phase    Phase
	epoch    int
	conn     peer.Connection
	stream   *media.Stream
	drain    *drainer
	unsubs   []signalstore.Unsubscribe
	watching string
}

// NewController creates a controller for one user in one room.
func NewController(cfg Config) (*Controller, error) {
	if !signalstore.ValidateRoomID(cfg.RoomID) {
		return nil, fmt.Errorf("invalid room id %q", cfg.RoomID)
	}
	if cfg.UserID == "" {
		return nil, errors.New("user id is required")
	}
	return &Controller{
		cfg:    cfg,
		roomID: signalstore.NormalizeRoomID(cfg.RoomID),
	}, nil
}

// Role returns the current session role.
func (c *Controller) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// Phase returns the current session phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// IsTransitioning reports whether the session is mid-entry or mid-exit.
// The reconciler consults this to avoid killing a session that is still
// being established.
func (c *Controller) IsTransitioning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.phase {
	case PhaseStarting, PhaseJoining, PhaseStopping, PhaseLeaving:
		return true
	}
	return false
}

// Watching returns the streamer identity a viewer session is attached to.
func (c *Controller) Watching() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watching
}

func (c *Controller) notify(level Level, message string) {
	log.Printf("Session [%s]: %s", c.roomID, message)
	if c.cfg.Notify != nil {
		c.cfg.Notify(level, message)
	}
}

func (c *Controller) epochIs(e int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch == e
}

// StartStreaming acquires local media, negotiates an offer, publishes it
// to the signaling record, and marks the room as streamed by this user.
// The viewer's answer is consumed asynchronously from the record
// subscription. Any failure releases everything and returns to Idle.
func (c *Controller) StartStreaming(ctx context.Context) error {
	c.mu.Lock()
	if c.role != RoleNone || c.phase != PhaseIdle {
		c.mu.Unlock()
		c.notify(LevelInfo, "A stream is already active or starting.")
		return ErrInvalidState
	}
	c.role = RoleStreamer
	c.phase = PhaseStarting
	c.epoch++
	e := c.epoch
	c.mu.Unlock()

	stream, err := c.cfg.Device.Acquire(ctx)
	if err != nil {
		c.abort(e)
		switch {
		case errors.Is(err, media.ErrPermissionDenied):
			c.notify(LevelError, "Camera/microphone permission denied. Check your settings.")
		case errors.Is(err, media.ErrMediaNotReady):
			c.notify(LevelError, "Media tracks never became ready. Check your camera and microphone.")
		default:
			c.notify(LevelError, "Could not acquire camera/microphone: "+err.Error())
		}
		return fmt.Errorf("acquiring media: %w", err)
	}

	conn, err := c.cfg.Peers.NewConnection(c.cfg.PeerConfig)
	if err != nil {
		stream.Release()
		c.abort(e)
		c.notify(LevelError, "Could not create peer connection.")
		return fmt.Errorf("creating connection: %w", err)
	}

	c.mu.Lock()
	if c.epoch != e {
		// Stopped while we were setting up
		c.mu.Unlock()
		stream.Release()
		conn.Close()
		return ErrInvalidState
	}
	c.stream = stream
	c.conn = conn
	c.mu.Unlock()

	conn.OnICECandidate(func(payload string) { c.publishCandidate(e, payload) })
	conn.OnStateChange(func(state peer.State) { c.handleTransportState(e, state) })

	if err := conn.AttachLocalMedia(stream); err != nil {
		c.abort(e)
		c.notify(LevelError, "Could not attach local media to the connection.")
		return fmt.Errorf("attaching media: %w", err)
	}

	// Acquire already polled for liveness; this is the final gate before
	// the offer is built.
	if !stream.Live() {
		c.abort(e)
		c.notify(LevelError, "Media tracks are no longer live.")
		return fmt.Errorf("verifying media: %w", media.ErrMediaNotReady)
	}

	offer, err := conn.CreateOffer(ctx)
	if err != nil {
		c.abort(e)
		c.notify(LevelError, "Failed to create the stream offer: "+err.Error())
		return fmt.Errorf("creating offer: %w", err)
	}
	if err := conn.SetLocalDescription(ctx, offer); err != nil {
		c.abort(e)
		c.notify(LevelError, "Failed to set the local stream description: "+err.Error())
		return fmt.Errorf("setting local description: %w", err)
	}

	err = c.cfg.Store.PublishOffer(ctx, c.roomID, signalstore.OfferRecord{
		SDP:        offer.SDP,
		Type:       offer.Type,
		SenderID:   c.cfg.UserID,
		SenderName: c.cfg.UserName,
		Timestamp:  time.Now(),
	})
	if err != nil {
		c.abort(e)
		c.notify(LevelError, "Failed to publish the stream offer.")
		return fmt.Errorf("publishing offer: %w", err)
	}

	if err := c.cfg.Status.SetStreaming(ctx, c.roomID, c.cfg.UserID, c.cfg.UserName); err != nil {
		c.abortStreamer(ctx, e, true, false)
		c.notify(LevelError, "Failed to mark the room as streaming.")
		return fmt.Errorf("updating room status: %w", err)
	}

	drain := newDrainer(c.cfg.Store, c.roomID, conn, func(senderID string) bool {
		return senderID != "" && senderID != c.cfg.UserID
	})
	unsubRecord, err := c.cfg.Store.SubscribeRecord(ctx, c.roomID, func(rec signalstore.SignalRecord, err error) {
		c.handleStreamerRecord(e, rec, err)
	})
	if err != nil {
		c.abortStreamer(ctx, e, true, true)
		c.notify(LevelError, "Failed to watch for viewer answers.")
		return fmt.Errorf("subscribing to record: %w", err)
	}
	unsubCand, err := drain.start(ctx)
	if err != nil {
		unsubRecord()
		c.abortStreamer(ctx, e, true, true)
		c.notify(LevelError, "Failed to watch for viewer candidates.")
		return fmt.Errorf("subscribing to candidates: %w", err)
	}

	c.mu.Lock()
	if c.epoch != e {
		c.mu.Unlock()
		unsubRecord()
		unsubCand()
		drain.stop()
		return ErrInvalidState
	}
	c.drain = drain
	c.unsubs = append(c.unsubs, unsubRecord, unsubCand)
	c.phase = PhaseActive
	c.mu.Unlock()

	c.notify(LevelSuccess, "Stream started.")
	return nil
}

// handleStreamerRecord consumes the viewer's answer from record snapshots.
// Self-authored halves and repeated snapshots after the remote description
// is set are ignored.
func (c *Controller) handleStreamerRecord(e int, rec signalstore.SignalRecord, err error) {
	if !c.epochIs(e) {
		return
	}
	if err != nil {
		c.notify(LevelError, "Error watching for the stream answer.")
		return
	}
	answer := rec.Answer
	if answer == nil || answer.ReceiverID == "" || answer.ReceiverID == c.cfg.UserID {
		return
	}

	c.mu.Lock()
	conn := c.conn
	drain := c.drain
	c.mu.Unlock()
	if conn == nil || conn.RemoteDescriptionSet() {
		return
	}

	if err := conn.SetRemoteDescription(peer.Description{Type: answer.Type, SDP: answer.SDP}); err != nil {
		c.notify(LevelError, "Failed to apply the viewer's answer.")
		return
	}
	c.notify(LevelInfo, "Viewer answer received.")
	if drain != nil {
		drain.flush(context.Background())
	}
}

// JoinAsViewer subscribes for an offer from the given streamer and answers
// it. Offers from any other identity are ignored. The session reaches
// Active once the answer is published and candidate draining has begun.
func (c *Controller) JoinAsViewer(ctx context.Context, streamerID string) error {
	if streamerID == "" || streamerID == c.cfg.UserID {
		return fmt.Errorf("invalid streamer id %q", streamerID)
	}

	c.mu.Lock()
	if c.role != RoleNone || c.phase != PhaseIdle {
		c.mu.Unlock()
		return ErrInvalidState
	}
	c.role = RoleViewer
	c.phase = PhaseJoining
	c.watching = streamerID
	c.epoch++
	e := c.epoch
	c.mu.Unlock()

	conn, err := c.cfg.Peers.NewConnection(c.cfg.PeerConfig)
	if err != nil {
		c.abort(e)
		c.notify(LevelError, "Could not create peer connection.")
		return fmt.Errorf("creating connection: %w", err)
	}

	c.mu.Lock()
	if c.epoch != e {
		c.mu.Unlock()
		conn.Close()
		return ErrInvalidState
	}
	c.conn = conn
	c.mu.Unlock()

	conn.OnICECandidate(func(payload string) { c.publishCandidate(e, payload) })
	conn.OnStateChange(func(state peer.State) { c.handleTransportState(e, state) })
	conn.OnRemoteTrack(func(kind string) {
		if c.epochIs(e) {
			c.notify(LevelInfo, "Receiving remote "+kind+" track.")
		}
	})

	drain := newDrainer(c.cfg.Store, c.roomID, conn, func(senderID string) bool {
		return senderID == streamerID
	})
	unsubRecord, err := c.cfg.Store.SubscribeRecord(ctx, c.roomID, func(rec signalstore.SignalRecord, err error) {
		c.handleViewerRecord(e, streamerID, rec, err)
	})
	if err != nil {
		c.abort(e)
		c.notify(LevelError, "Failed to watch for the stream offer.")
		return fmt.Errorf("subscribing to record: %w", err)
	}
	unsubCand, err := drain.start(ctx)
	if err != nil {
		unsubRecord()
		c.abort(e)
		c.notify(LevelError, "Failed to watch for stream candidates.")
		return fmt.Errorf("subscribing to candidates: %w", err)
	}

	c.mu.Lock()
	if c.epoch != e {
		c.mu.Unlock()
		unsubRecord()
		unsubCand()
		drain.stop()
		return ErrInvalidState
	}
	c.drain = drain
	c.unsubs = append(c.unsubs, unsubRecord, unsubCand)
	c.mu.Unlock()

	c.notify(LevelInfo, "Joining the stream...")
	return nil
}

// handleViewerRecord answers the streamer's offer when it appears.
func (c *Controller) handleViewerRecord(e int, streamerID string, rec signalstore.SignalRecord, err error) {
	if !c.epochIs(e) {
		return
	}
	if err != nil {
		c.notify(LevelError, "Error watching for the stream offer.")
		return
	}
	offer := rec.Offer
	if offer == nil || offer.SenderID != streamerID {
		return
	}

	c.mu.Lock()
	conn := c.conn
	drain := c.drain
	c.mu.Unlock()
	if conn == nil || conn.RemoteDescriptionSet() {
		return
	}

	ctx := context.Background()
	if err := conn.SetRemoteDescription(peer.Description{Type: offer.Type, SDP: offer.SDP}); err != nil {
		c.notify(LevelError, "Failed to apply the stream offer.")
		return
	}
	answer, err := conn.CreateAnswer(ctx)
	if err != nil {
		c.notify(LevelError, "Failed to create the stream answer: "+err.Error())
		return
	}
	if err := conn.SetLocalDescription(ctx, answer); err != nil {
		c.notify(LevelError, "Failed to set the local answer description: "+err.Error())
		return
	}
	err = c.cfg.Store.PublishAnswer(ctx, c.roomID, signalstore.AnswerRecord{
		SDP:          answer.SDP,
		Type:         answer.Type,
		ReceiverID:   c.cfg.UserID,
		ReceiverName: c.cfg.UserName,
		Timestamp:    time.Now(),
	})
	if err != nil {
		c.notify(LevelError, "Failed to publish the stream answer.")
		return
	}
	if drain != nil {
		drain.flush(ctx)
	}

	c.mu.Lock()
	if c.epoch == e && c.phase == PhaseJoining {
		c.phase = PhaseActive
	}
	c.mu.Unlock()
	c.notify(LevelSuccess, "Receiving stream!")
}

// publishCandidate appends one locally gathered candidate to the room's
// candidate set.
func (c *Controller) publishCandidate(e int, payload string) {
	if !c.epochIs(e) {
		return
	}
	if err := c.cfg.Store.AppendCandidate(context.Background(), c.roomID, c.cfg.UserID, payload); err != nil {
		log.Printf("Saving ICE candidate for room %s: %v", c.roomID, err)
		c.notify(LevelError, "Failed to save an ICE candidate.")
	}
}

// handleTransportState tears the session down shortly after the transport
// reaches a terminal state, tolerating transient blips via the grace delay.
func (c *Controller) handleTransportState(e int, state peer.State) {
	if !state.Terminal() || !c.epochIs(e) {
		return
	}
	c.notify(LevelError, "Stream disconnected due to a connection error.")
	time.AfterFunc(GraceDelay, func() {
		if !c.epochIs(e) {
			return
		}
		if err := c.stop(context.Background()); err != nil {
			log.Printf("Stopping session after transport failure: %v", err)
		}
	})
}

// StopStreaming stops a streamer session: local media and transport are
// released, the room status is cleared, and the signaling record plus all
// candidates are deleted. Safe to call redundantly.
func (c *Controller) StopStreaming(ctx context.Context) error {
	return c.stop(ctx)
}

// StopViewing stops a viewer session. A departing viewer never touches the
// room status. Safe to call redundantly.
func (c *Controller) StopViewing(ctx context.Context) error {
	return c.stop(ctx)
}

// stop is the single teardown path for both roles. Local state is cleared
// first so a partially failed remote cleanup can never wedge the session;
// remote cleanup failures are logged and retried lazily by the next
// session's start.
func (c *Controller) stop(ctx context.Context) error {
	role, cleaned := c.clearLocal(true)
	if !cleaned {
		return nil
	}
	if role == RoleStreamer {
		c.cleanupSignaling(ctx)
		c.notify(LevelInfo, "Stream stopped.")
	} else {
		c.notify(LevelInfo, "Stopped receiving the stream.")
	}
	return nil
}

// abort unwinds a failed entry attempt without emitting stop notifications;
// the failing operation reports its own error message. Only local state is
// released: an attempt that never published anything must not touch shared
// records another streamer may own.
func (c *Controller) abort(e int) {
	c.mu.Lock()
	if c.epoch != e {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.clearLocal(false)
}

// abortStreamer is abort for a streaming attempt that already published.
// It removes exactly the shared state this attempt wrote: the offer and
// candidate set once the offer is out, the room status once claimed.
func (c *Controller) abortStreamer(ctx context.Context, e int, offerPublished, statusPublished bool) {
	c.mu.Lock()
	if c.epoch != e {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	if _, cleaned := c.clearLocal(false); !cleaned {
		return
	}
	if statusPublished {
		if err := c.cfg.Status.ClearStreaming(ctx, c.roomID); err != nil {
			log.Printf("Clearing room status for %s: %v", c.roomID, err)
		}
	}
	if offerPublished {
		if err := c.cfg.Store.DeleteAllCandidates(ctx, c.roomID); err != nil {
			log.Printf("Deleting candidates for %s: %v", c.roomID, err)
		}
		if err := c.cfg.Store.DeleteRecord(ctx, c.roomID); err != nil {
			log.Printf("Deleting signaling record for %s: %v", c.roomID, err)
		}
	}
}

// clearLocal resets the session to Idle and releases every locally held
// resource. It reports the role that was active and whether there was
// anything to clean.
func (c *Controller) clearLocal(logStop bool) (Role, bool) {
	c.mu.Lock()
	if c.role == RoleNone && c.phase == PhaseIdle {
		c.mu.Unlock()
		return RoleNone, false
	}
	role := c.role
	conn := c.conn
	stream := c.stream
	drain := c.drain
	unsubs := c.unsubs
	c.role = RoleNone
	c.phase = PhaseIdle
	c.watching = ""
	c.conn = nil
	c.stream = nil
	c.drain = nil
	c.unsubs = nil
	c.epoch++
	c.mu.Unlock()

	if logStop {
		log.Printf("Session [%s]: tearing down %s session", c.roomID, role)
	}
	for _, unsub := range unsubs {
		unsub()
	}
	if drain != nil {
		drain.stop()
	}
	stream.Release()
	if conn != nil {
		if err := conn.Close(); err != nil {
			log.Printf("Closing peer connection: %v", err)
		}
	}
	return role, true
}

// cleanupSignaling clears the room status and purges the signaling record
// and candidate set. Best-effort: failures are logged, never propagated.
func (c *Controller) cleanupSignaling(ctx context.Context) {
	if err := c.cfg.Status.ClearStreaming(ctx, c.roomID); err != nil {
		log.Printf("Clearing room status for %s: %v", c.roomID, err)
	}
	if err := c.cfg.Store.DeleteAllCandidates(ctx, c.roomID); err != nil {
		log.Printf("Deleting candidates for %s: %v", c.roomID, err)
	}
	if err := c.cfg.Store.DeleteRecord(ctx, c.roomID); err != nil {
		log.Printf("Deleting signaling record for %s: %v", c.roomID, err)
	}
}
