package signalstore

import (
	"context"
	"sync"
	"testing"
	"time"
)

var _ Store = (*MemoryStore)(nil)
var _ StatusStore = (*MemoryStore)(nil)

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type recordObserver struct {
	mu   sync.Mutex
	recs []SignalRecord
}

func (o *recordObserver) observe(rec SignalRecord, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.recs = append(o.recs, rec)
}

func (o *recordObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.recs)
}

func (o *recordObserver) last() SignalRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.recs) == 0 {
		return SignalRecord{}
	}
	return o.recs[len(o.recs)-1]
}

func TestRecordMergePreservesBothHalves(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	err := store.PublishOffer(ctx, "general", OfferRecord{
		SDP: "v=0 offer", Type: "offer", SenderID: "s1", Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("PublishOffer: %v", err)
	}
	err = store.PublishAnswer(ctx, "general", AnswerRecord{
		SDP: "v=0 answer", Type: "answer", ReceiverID: "v1", Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("PublishAnswer: %v", err)
	}

	obs := &recordObserver{}
	unsub, err := store.SubscribeRecord(ctx, "general", obs.observe)
	if err != nil {
		t.Fatalf("SubscribeRecord: %v", err)
	}
	defer unsub()

	waitUntil(t, "initial snapshot", func() bool { return obs.count() >= 1 })
	rec := obs.last()
	if rec.Offer == nil || rec.Offer.SenderID != "s1" {
		t.Errorf("offer = %+v, want sender s1", rec.Offer)
	}
	if rec.Answer == nil || rec.Answer.ReceiverID != "v1" {
		t.Errorf("answer = %+v, want receiver v1", rec.Answer)
	}
}

func TestSubscribeRecordDeliversSnapshotThenChanges(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	obs := &recordObserver{}

	unsub, err := store.SubscribeRecord(ctx, "general", obs.observe)
	if err != nil {
		t.Fatalf("SubscribeRecord: %v", err)
	}
	defer unsub()

	waitUntil(t, "empty initial snapshot", func() bool { return obs.count() >= 1 })
	if rec := obs.last(); rec.Offer != nil || rec.Answer != nil {
		t.Errorf("initial snapshot = %+v, want empty", rec)
	}

	err = store.PublishOffer(ctx, "general", OfferRecord{
		SDP: "v=0 offer", Type: "offer", SenderID: "s1", Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("PublishOffer: %v", err)
	}
	waitUntil(t, "offer snapshot", func() bool {
		return obs.last().Offer != nil
	})

	if err := store.DeleteRecord(ctx, "general"); err != nil {
		t.Fatalf("DeleteRecord: %v", err)
	}
	waitUntil(t, "deleted snapshot", func() bool {
		rec := obs.last()
		return rec.Offer == nil && rec.Answer == nil
	})
}

func TestSnapshotsAreIsolatedCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	obs := &recordObserver{}

	err := store.PublishOffer(ctx, "general", OfferRecord{
		SDP: "v=0 original", Type: "offer", SenderID: "s1", Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("PublishOffer: %v", err)
	}
	unsub, err := store.SubscribeRecord(ctx, "general", obs.observe)
	if err != nil {
		t.Fatalf("SubscribeRecord: %v", err)
	}
	defer unsub()
	waitUntil(t, "initial snapshot", func() bool { return obs.count() >= 1 })

	// Mutating a delivered snapshot must not leak into the store.
	obs.last().Offer.SDP = "mutated"
	err = store.PublishAnswer(ctx, "general", AnswerRecord{
		SDP: "v=0 answer", Type: "answer", ReceiverID: "v1", Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("PublishAnswer: %v", err)
	}
	waitUntil(t, "merged snapshot", func() bool { return obs.last().Answer != nil })
	if got := obs.last().Offer.SDP; got != "v=0 original" {
		t.Errorf("offer SDP = %q, snapshot mutation leaked into the store", got)
	}
}

func TestCandidateReplayAndLiveDelivery(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.AppendCandidate(ctx, "general", "s1", "early"); err != nil {
		t.Fatalf("AppendCandidate: %v", err)
	}

	var mu sync.Mutex
	var got []string
	unsub, err := store.SubscribeCandidates(ctx, "general", func(c Candidate, err error) {
		if err != nil {
			t.Errorf("candidate callback error: %v", err)
			return
		}
		mu.Lock()
		got = append(got, c.Payload)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("SubscribeCandidates: %v", err)
	}
	defer unsub()

	if err := store.AppendCandidate(ctx, "general", "s1", "late"); err != nil {
		t.Fatalf("AppendCandidate: %v", err)
	}

	waitUntil(t, "both candidates delivered in order", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2 && got[0] == "early" && got[1] == "late"
	})

	pending, err := store.PendingCandidates(ctx, "general")
	if err != nil {
		t.Fatalf("PendingCandidates: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}
	if pending[0].ID == pending[1].ID {
		t.Error("candidate ids not unique")
	}

	if err := store.DeleteCandidate(ctx, "general", pending[0].ID); err != nil {
		t.Fatalf("DeleteCandidate: %v", err)
	}
	pending, _ = store.PendingCandidates(ctx, "general")
	if len(pending) != 1 || pending[0].Payload != "late" {
		t.Errorf("pending after delete = %+v, want just 'late'", pending)
	}

	if err := store.DeleteAllCandidates(ctx, "general"); err != nil {
		t.Fatalf("DeleteAllCandidates: %v", err)
	}
	pending, _ = store.PendingCandidates(ctx, "general")
	if len(pending) != 0 {
		t.Errorf("pending after purge = %d, want 0", len(pending))
	}
}

func TestStatusRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var mu sync.Mutex
	var seen []RoomStatus
	unsub, err := store.SubscribeStatus(ctx, "general", func(s RoomStatus, err error) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("SubscribeStatus: %v", err)
	}
	defer unsub()

	if err := store.SetStreaming(ctx, "general", "s1", "Sam"); err != nil {
		t.Fatalf("SetStreaming: %v", err)
	}
	waitUntil(t, "streaming status", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1].IsStreaming
	})

	status, err := store.Status(ctx, "general")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.StreamerID != "s1" || status.StreamerName != "Sam" || status.LastActivity.IsZero() {
		t.Errorf("status = %+v", status)
	}

	if err := store.ClearStreaming(ctx, "general"); err != nil {
		t.Fatalf("ClearStreaming: %v", err)
	}
	waitUntil(t, "cleared status", func() bool {
		mu.Lock()
		defer mu.Unlock()
		last := seen[len(seen)-1]
		return !last.IsStreaming && last.StreamerID == ""
	})
}

func TestUnsubscribeStopsDeliveryAndIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	obs := &recordObserver{}

	unsub, err := store.SubscribeRecord(ctx, "general", obs.observe)
	if err != nil {
		t.Fatalf("SubscribeRecord: %v", err)
	}
	waitUntil(t, "initial snapshot", func() bool { return obs.count() >= 1 })

	unsub()
	unsub()

	before := obs.count()
	err = store.PublishOffer(ctx, "general", OfferRecord{
		SDP: "v=0 offer", Type: "offer", SenderID: "s1", Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("PublishOffer: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := obs.count(); got != before {
		t.Errorf("deliveries after unsubscribe: %d, want %d", got, before)
	}
}

func TestRoomIDNormalization(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.SetStreaming(ctx, "  General ", "s1", "Sam"); err != nil {
		t.Fatalf("SetStreaming: %v", err)
	}
	status, err := store.Status(ctx, "general")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !status.IsStreaming {
		t.Error("differently cased room ids addressed different rooms")
	}
}

func TestValidateRoomID(t *testing.T) {
	valid := []string{"general", "Room-7", "  padded  ", "a_b"}
	for _, id := range valid {
		if !ValidateRoomID(id) {
			t.Errorf("ValidateRoomID(%q) = false, want true", id)
		}
	}
	invalid := []string{"", "   ", "a b", "a:b", "a/b", "a\tb"}
	for _, id := range invalid {
		if ValidateRoomID(id) {
			t.Errorf("ValidateRoomID(%q) = true, want false", id)
		}
	}
}
