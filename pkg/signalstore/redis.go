package signalstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// recordTTL bounds how long abandoned signaling state survives in Redis.
// A healthy session deletes its records long before this expires.
const recordTTL = 24 * time.Hour

// Pub/sub payloads distinguishing which part of a room changed.
const (
	eventRecord = "record"
	eventStatus = "status"
)

// RedisStore implements Store and StatusStore on Redis. Records are hashes
// so writes merge field-by-field; change notifications ride pub/sub
// channels per room. Candidates live in a hash keyed by uuid.
type RedisStore struct {
	client *redis.Client
}

var (
	_ Store       = (*RedisStore)(nil)
	_ StatusStore = (*RedisStore)(nil)
)

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// Close closes the underlying Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func recordKey(roomID string) string    { return "signal:" + NormalizeRoomID(roomID) }
func candidateKey(roomID string) string { return recordKey(roomID) + ":candidates" }
func signalEvents(roomID string) string { return recordKey(roomID) + ":events" }
func statusKey(roomID string) string    { return "room:" + NormalizeRoomID(roomID) }
func statusEvents(roomID string) string { return statusKey(roomID) + ":events" }

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// PublishOffer merges the offer half into the room record.
func (s *RedisStore) PublishOffer(ctx context.Context, roomID string, offer OfferRecord) error {
	data, err := json.Marshal(offer)
	if err != nil {
		return fmt.Errorf("marshal offer: %w", err)
	}
	key := recordKey(roomID)
	if err := s.client.HSet(ctx, key, "offer", data).Err(); err != nil {
		return storeErr("publish offer", err)
	}
	s.client.Expire(ctx, key, recordTTL)
	return s.announce(ctx, signalEvents(roomID), eventRecord)
}

// PublishAnswer merges the answer half into the room record.
func (s *RedisStore) PublishAnswer(ctx context.Context, roomID string, answer AnswerRecord) error {
	data, err := json.Marshal(answer)
	if err != nil {
		return fmt.Errorf("marshal answer: %w", err)
	}
	key := recordKey(roomID)
	if err := s.client.HSet(ctx, key, "answer", data).Err(); err != nil {
		return storeErr("publish answer", err)
	}
	s.client.Expire(ctx, key, recordTTL)
	return s.announce(ctx, signalEvents(roomID), eventRecord)
}

// AppendCandidate adds one candidate record tagged with its sender.
func (s *RedisStore) AppendCandidate(ctx context.Context, roomID, senderID, payload string) error {
	c := Candidate{
		ID:        uuid.New().String(),
		SenderID:  senderID,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal candidate: %w", err)
	}
	key := candidateKey(roomID)
	if err := s.client.HSet(ctx, key, c.ID, data).Err(); err != nil {
		return storeErr("append candidate", err)
	}
	s.client.Expire(ctx, key, recordTTL)
	return s.announce(ctx, signalEvents(roomID), "candidate:"+string(data))
}

// PendingCandidates returns all candidate records currently stored.
func (s *RedisStore) PendingCandidates(ctx context.Context, roomID string) ([]Candidate, error) {
	raw, err := s.client.HGetAll(ctx, candidateKey(roomID)).Result()
	if err != nil {
		return nil, storeErr("list candidates", err)
	}
	out := make([]Candidate, 0, len(raw))
	for id, data := range raw {
		var c Candidate
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			log.Printf("Skipping malformed candidate %s in room %s: %v", id, roomID, err)
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// DeleteCandidate removes a single consumed candidate record.
func (s *RedisStore) DeleteCandidate(ctx context.Context, roomID, candidateID string) error {
	if err := s.client.HDel(ctx, candidateKey(roomID), candidateID).Err(); err != nil {
		return storeErr("delete candidate", err)
	}
	return nil
}

// DeleteAllCandidates purges the room's candidate set.
func (s *RedisStore) DeleteAllCandidates(ctx context.Context, roomID string) error {
	if err := s.client.Del(ctx, candidateKey(roomID)).Err(); err != nil {
		return storeErr("delete candidates", err)
	}
	return nil
}

// DeleteRecord removes the room's signaling record.
func (s *RedisStore) DeleteRecord(ctx context.Context, roomID string) error {
	if err := s.client.Del(ctx, recordKey(roomID)).Err(); err != nil {
		return storeErr("delete record", err)
	}
	return s.announce(ctx, signalEvents(roomID), eventRecord)
}

func (s *RedisStore) announce(ctx context.Context, channel, event string) error {
	if err := s.client.Publish(ctx, channel, event).Err(); err != nil {
		return storeErr("announce change", err)
	}
	return nil
}

func (s *RedisStore) readRecord(ctx context.Context, roomID string) (SignalRecord, error) {
	raw, err := s.client.HGetAll(ctx, recordKey(roomID)).Result()
	if err != nil {
		return SignalRecord{}, storeErr("read record", err)
	}
	var rec SignalRecord
	if data, ok := raw["offer"]; ok {
		var o OfferRecord
		if err := json.Unmarshal([]byte(data), &o); err == nil {
			rec.Offer = &o
		}
	}
	if data, ok := raw["answer"]; ok {
		var a AnswerRecord
		if err := json.Unmarshal([]byte(data), &a); err == nil {
			rec.Answer = &a
		}
	}
	return rec, nil
}

// SubscribeRecord delivers an initial snapshot then a fresh read after
// every announced change.
func (s *RedisStore) SubscribeRecord(ctx context.Context, roomID string, fn RecordFunc) (Unsubscribe, error) {
	pubsub := s.client.Subscribe(ctx, signalEvents(roomID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, storeErr("subscribe record", err)
	}

	go func() {
		rec, err := s.readRecord(ctx, roomID)
		fn(rec, err)
		for msg := range pubsub.Channel() {
			if msg.Payload != eventRecord {
				continue
			}
			rec, err := s.readRecord(ctx, roomID)
			fn(rec, err)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { pubsub.Close() })
	}, nil
}

// SubscribeCandidates delivers every stored candidate once, then each
// subsequently appended candidate straight off the announcement payload.
func (s *RedisStore) SubscribeCandidates(ctx context.Context, roomID string, fn CandidateFunc) (Unsubscribe, error) {
	pubsub := s.client.Subscribe(ctx, signalEvents(roomID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, storeErr("subscribe candidates", err)
	}

	go func() {
		pending, err := s.PendingCandidates(ctx, roomID)
		if err != nil {
			fn(Candidate{}, err)
		}
		for _, c := range pending {
			fn(c, nil)
		}
		for msg := range pubsub.Channel() {
			data, ok := strings.CutPrefix(msg.Payload, "candidate:")
			if !ok {
				continue
			}
			var c Candidate
			if err := json.Unmarshal([]byte(data), &c); err != nil {
				log.Printf("Malformed candidate event in room %s: %v", roomID, err)
				continue
			}
			fn(c, nil)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { pubsub.Close() })
	}, nil
}

// SetStreaming marks the room as streamed by the given identity and
// refreshes LastActivity.
func (s *RedisStore) SetStreaming(ctx context.Context, roomID, streamerID, streamerName string) error {
	err := s.client.HSet(ctx, statusKey(roomID),
		"isStreaming", "true",
		"streamerId", streamerID,
		"streamerUserName", streamerName,
		"lastActivity", time.Now().Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return storeErr("set streaming", err)
	}
	return s.announce(ctx, statusEvents(roomID), eventStatus)
}

// ClearStreaming resets the streaming flag and streamer identity.
func (s *RedisStore) ClearStreaming(ctx context.Context, roomID string) error {
	err := s.client.HSet(ctx, statusKey(roomID),
		"isStreaming", "false",
		"streamerId", "",
		"streamerUserName", "",
		"lastActivity", time.Now().Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return storeErr("clear streaming", err)
	}
	return s.announce(ctx, statusEvents(roomID), eventStatus)
}

// Status reads the current room status.
func (s *RedisStore) Status(ctx context.Context, roomID string) (RoomStatus, error) {
	raw, err := s.client.HGetAll(ctx, statusKey(roomID)).Result()
	if err != nil {
		return RoomStatus{}, storeErr("read status", err)
	}
	status := RoomStatus{
		IsStreaming:  raw["isStreaming"] == "true",
		StreamerID:   raw["streamerId"],
		StreamerName: raw["streamerUserName"],
	}
	if ts, ok := raw["lastActivity"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			status.LastActivity = t
		}
	}
	return status, nil
}

// SubscribeStatus delivers an initial snapshot then a fresh read after
// every announced change.
func (s *RedisStore) SubscribeStatus(ctx context.Context, roomID string, fn StatusFunc) (Unsubscribe, error) {
	pubsub := s.client.Subscribe(ctx, statusEvents(roomID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, storeErr("subscribe status", err)
	}

	go func() {
		status, err := s.Status(ctx, roomID)
		fn(status, err)
		for range pubsub.Channel() {
			status, err := s.Status(ctx, roomID)
			fn(status, err)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { pubsub.Close() })
	}, nil
}
