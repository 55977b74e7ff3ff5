package session

import (
	"context"
	"log"
	"sync"

	"github.com/tomaslejdung/roomcast/pkg/peer"
	"github.com/tomaslejdung/roomcast/pkg/signalstore"
)

// drainer consumes far-side candidates exactly once, identically for both
// roles: a live subscription plus on-demand sweeps of pending records.
// Candidates arriving before the remote description is set are buffered
// and replayed by flush rather than dropped. Each applied candidate is
// deleted from the store on this, the consumer's, side.
type drainer struct {
	store  signalstore.Store
	roomID string
	conn   peer.Connection
	accept func(senderID string) bool

	mu       sync.Mutex
	applied  map[string]bool
	buffered []signalstore.Candidate
	stopped  bool
}

func newDrainer(store signalstore.Store, roomID string, conn peer.Connection, accept func(string) bool) *drainer {
	return &drainer{
		store:   store,
		roomID:  roomID,
		conn:    conn,
		accept:  accept,
		applied: make(map[string]bool),
	}
}

// start subscribes for live candidates. The subscription replays stored
// candidates first, so no separate initial sweep is needed.
func (d *drainer) start(ctx context.Context) (signalstore.Unsubscribe, error) {
	return d.store.SubscribeCandidates(ctx, d.roomID, func(c signalstore.Candidate, err error) {
		if err != nil {
			log.Printf("Candidate subscription for room %s: %v", d.roomID, err)
			return
		}
		d.consume(context.Background(), c)
	})
}

// flush applies everything buffered plus anything still pending in the
// store. Called once the remote description is set; idempotent.
func (d *drainer) flush(ctx context.Context) {
	d.mu.Lock()
	buffered := d.buffered
	d.buffered = nil
	d.mu.Unlock()

	for _, c := range buffered {
		d.consume(ctx, c)
	}

	pending, err := d.store.PendingCandidates(ctx, d.roomID)
	if err != nil {
		log.Printf("Sweeping pending candidates for room %s: %v", d.roomID, err)
		return
	}
	for _, c := range pending {
		d.consume(ctx, c)
	}
}

// consume applies one candidate if it is acceptable and the connection is
// ready for it, then deletes the record. At most once per candidate id.
func (d *drainer) consume(ctx context.Context, c signalstore.Candidate) {
	if !d.accept(c.SenderID) {
		return
	}

	d.mu.Lock()
	if d.stopped || d.applied[c.ID] {
		d.mu.Unlock()
		return
	}
	if !d.conn.RemoteDescriptionSet() {
		// Too early to apply; flush rechecks these once the remote
		// description lands.
		d.buffered = append(d.buffered, c)
		d.mu.Unlock()
		return
	}
	d.applied[c.ID] = true
	d.mu.Unlock()

	if err := d.conn.AddRemoteCandidate(c.Payload); err != nil {
		// Leave the record for the next sweep
		d.mu.Lock()
		delete(d.applied, c.ID)
		d.mu.Unlock()
		log.Printf("Adding remote candidate %s: %v", c.ID, err)
		return
	}
	if err := d.store.DeleteCandidate(ctx, d.roomID, c.ID); err != nil {
		log.Printf("Deleting consumed candidate %s: %v", c.ID, err)
	}
}

// stop discards the buffer and blocks further application.
func (d *drainer) stop() {
	d.mu.Lock()
	d.stopped = true
	d.buffered = nil
	d.mu.Unlock()
}
