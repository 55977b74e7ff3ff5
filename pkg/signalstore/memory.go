package signalstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store/StatusStore used by tests and by
// single-process demo mode. Snapshots are delivered asynchronously on a
// per-subscriber goroutine so callbacks observe the same eventual-consistency
// surface as a remote store: a write never re-enters its caller.
type MemoryStore struct {
	mu    sync.Mutex
	rooms map[string]*memoryRoom
}

type memoryRoom struct {
	record     SignalRecord
	candidates map[string]Candidate
	order      []string
	status     RoomStatus

	recordSubs map[*memorySub]RecordFunc
	candSubs   map[*memorySub]CandidateFunc
	statusSubs map[*memorySub]StatusFunc
}

// memorySub serializes deliveries for one subscriber, preserving the order
// in which changes were observed.
type memorySub struct {
	ch   chan func()
	done chan struct{}
	once sync.Once
}

func newMemorySub() *memorySub {
	s := &memorySub{
		ch:   make(chan func(), 256),
		done: make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *memorySub) pump() {
	for {
		select {
		case fn := <-s.ch:
			fn()
		case <-s.done:
			return
		}
	}
}

func (s *memorySub) deliver(fn func()) {
	select {
	case s.ch <- fn:
	case <-s.done:
	default:
		// Subscriber buffer full, skip
	}
}

func (s *memorySub) cancel() {
	s.once.Do(func() { close(s.done) })
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]*memoryRoom)}
}

func (m *MemoryStore) room(roomID string) *memoryRoom {
	roomID = NormalizeRoomID(roomID)
	r, ok := m.rooms[roomID]
	if !ok {
		r = &memoryRoom{
			candidates: make(map[string]Candidate),
			recordSubs: make(map[*memorySub]RecordFunc),
			candSubs:   make(map[*memorySub]CandidateFunc),
			statusSubs: make(map[*memorySub]StatusFunc),
		}
		m.rooms[roomID] = r
	}
	return r
}

func cloneRecord(rec SignalRecord) SignalRecord {
	out := SignalRecord{}
	if rec.Offer != nil {
		o := *rec.Offer
		out.Offer = &o
	}
	if rec.Answer != nil {
		a := *rec.Answer
		out.Answer = &a
	}
	return out
}

func (r *memoryRoom) notifyRecord() {
	snap := cloneRecord(r.record)
	for sub, fn := range r.recordSubs {
		fn := fn
		sub.deliver(func() { fn(snap, nil) })
	}
}

func (r *memoryRoom) notifyCandidate(c Candidate) {
	for sub, fn := range r.candSubs {
		fn := fn
		sub.deliver(func() { fn(c, nil) })
	}
}

func (r *memoryRoom) notifyStatus() {
	snap := r.status
	for sub, fn := range r.statusSubs {
		fn := fn
		sub.deliver(func() { fn(snap, nil) })
	}
}

// PublishOffer merges the offer half into the room record.
func (m *MemoryStore) PublishOffer(ctx context.Context, roomID string, offer OfferRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.room(roomID)
	o := offer
	r.record.Offer = &o
	r.notifyRecord()
	return nil
}

// PublishAnswer merges the answer half into the room record.
func (m *MemoryStore) PublishAnswer(ctx context.Context, roomID string, answer AnswerRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.room(roomID)
	a := answer
	r.record.Answer = &a
	r.notifyRecord()
	return nil
}

// AppendCandidate adds one candidate record tagged with its sender.
func (m *MemoryStore) AppendCandidate(ctx context.Context, roomID, senderID, payload string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.room(roomID)
	c := Candidate{
		ID:        uuid.New().String(),
		SenderID:  senderID,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	r.candidates[c.ID] = c
	r.order = append(r.order, c.ID)
	r.notifyCandidate(c)
	return nil
}

// PendingCandidates returns all candidate records currently stored.
func (m *MemoryStore) PendingCandidates(ctx context.Context, roomID string) ([]Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.room(roomID)
	out := make([]Candidate, 0, len(r.candidates))
	for _, id := range r.order {
		if c, ok := r.candidates[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// DeleteCandidate removes a single consumed candidate record.
func (m *MemoryStore) DeleteCandidate(ctx context.Context, roomID, candidateID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.room(roomID).candidates, candidateID)
	return nil
}

// DeleteAllCandidates purges the room's candidate set.
func (m *MemoryStore) DeleteAllCandidates(ctx context.Context, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.room(roomID)
	r.candidates = make(map[string]Candidate)
	r.order = nil
	return nil
}

// DeleteRecord removes the room's signaling record.
func (m *MemoryStore) DeleteRecord(ctx context.Context, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.room(roomID)
	r.record = SignalRecord{}
	r.notifyRecord()
	return nil
}

// SubscribeRecord delivers an initial snapshot then every change.
func (m *MemoryStore) SubscribeRecord(ctx context.Context, roomID string, fn RecordFunc) (Unsubscribe, error) {
	m.mu.Lock()
	r := m.room(roomID)
	sub := newMemorySub()
	r.recordSubs[sub] = fn
	snap := cloneRecord(r.record)
	m.mu.Unlock()

	sub.deliver(func() { fn(snap, nil) })
	return func() {
		m.mu.Lock()
		delete(r.recordSubs, sub)
		m.mu.Unlock()
		sub.cancel()
	}, nil
}

// SubscribeCandidates delivers every stored candidate once, then each
// subsequently appended candidate.
func (m *MemoryStore) SubscribeCandidates(ctx context.Context, roomID string, fn CandidateFunc) (Unsubscribe, error) {
	m.mu.Lock()
	r := m.room(roomID)
	sub := newMemorySub()
	r.candSubs[sub] = fn
	pending := make([]Candidate, 0, len(r.candidates))
	for _, id := range r.order {
		if c, ok := r.candidates[id]; ok {
			pending = append(pending, c)
		}
	}
	m.mu.Unlock()

	for _, c := range pending {
		c := c
		sub.deliver(func() { fn(c, nil) })
	}
	return func() {
		m.mu.Lock()
		delete(r.candSubs, sub)
		m.mu.Unlock()
		sub.cancel()
	}, nil
}

// SetStreaming marks the room as streamed by the given identity.
func (m *MemoryStore) SetStreaming(ctx context.Context, roomID, streamerID, streamerName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.room(roomID)
	r.status = RoomStatus{
		IsStreaming:  true,
		StreamerID:   streamerID,
		StreamerName: streamerName,
		LastActivity: time.Now(),
	}
	r.notifyStatus()
	return nil
}

// ClearStreaming resets the streaming flag and streamer identity.
func (m *MemoryStore) ClearStreaming(ctx context.Context, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.room(roomID)
	r.status = RoomStatus{LastActivity: time.Now()}
	r.notifyStatus()
	return nil
}

// Status reads the current room status.
func (m *MemoryStore) Status(ctx context.Context, roomID string) (RoomStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.room(roomID).status, nil
}

// SubscribeStatus delivers an initial snapshot then every change.
func (m *MemoryStore) SubscribeStatus(ctx context.Context, roomID string, fn StatusFunc) (Unsubscribe, error) {
	m.mu.Lock()
	r := m.room(roomID)
	sub := newMemorySub()
	r.statusSubs[sub] = fn
	snap := r.status
	m.mu.Unlock()

	sub.deliver(func() { fn(snap, nil) })
	return func() {
		m.mu.Lock()
		delete(r.statusSubs, sub)
		m.mu.Unlock()
		sub.cancel()
	}, nil
}
