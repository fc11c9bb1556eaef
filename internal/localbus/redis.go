package localbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/driftchat/drift/internal/event"
)

// Redis key layout. Everything lives under the drift: prefix so Reset can
// clear the whole record set in one pass.
const (
	keyEvents     = "drift:events"      // LIST of JSON StoredEvent, newest last
	keySeq        = "drift:events_seq"  // INCR counter
	keyLooking    = "drift:looking"     // HASH pubkey -> expiry unix
	keyMatched    = "drift:matched"     // HASH pubkey -> partner|chat_session
	keyMsgPrefix  = "drift:msgs:"       // + chat_session -> LIST of JSON events
	keyLastUpdate = "drift:last_update" // unix seconds
	keyScanGlob   = "drift:*"
)

// RedisStore is the cross-process Store backend: two peers on the same
// machine share the bus through a local Redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("localbus: redis connection failed: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) touch(ctx context.Context, pipe redis.Pipeliner) {
	pipe.Set(ctx, keyLastUpdate, time.Now().Unix(), 0)
}

// AppendEvent records an event and trims the ring to MaxEvents.
func (s *RedisStore) AppendEvent(ctx context.Context, ev *event.Event) (int64, error) {
	seq, err := s.client.Incr(ctx, keySeq).Result()
	if err != nil {
		return 0, fmt.Errorf("localbus: next seq: %w", err)
	}

	data, err := json.Marshal(StoredEvent{Seq: seq, Event: ev})
	if err != nil {
		return 0, fmt.Errorf("localbus: marshal event: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.RPush(ctx, keyEvents, data)
	pipe.LTrim(ctx, keyEvents, int64(-MaxEvents), -1)
	s.touch(ctx, pipe)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("localbus: append event: %w", err)
	}
	return seq, nil
}

// EventsSince returns retained events newer than seq. The ring is bounded
// at MaxEvents so a full scan is cheap.
func (s *RedisStore) EventsSince(ctx context.Context, seq int64) ([]StoredEvent, int64, error) {
	raw, err := s.client.LRange(ctx, keyEvents, 0, -1).Result()
	if err != nil {
		return nil, seq, fmt.Errorf("localbus: read events: %w", err)
	}

	var out []StoredEvent
	high := seq
	for _, item := range raw {
		var se StoredEvent
		if err := json.Unmarshal([]byte(item), &se); err != nil {
			continue // skip corrupt entries rather than halting the poller
		}
		if se.Seq > high {
			high = se.Seq
		}
		if se.Seq > seq {
			out = append(out, se)
		}
	}
	return out, high, nil
}

func (s *RedisStore) AddLooking(ctx context.Context, pubkey string, expiry time.Time) error {
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, keyLooking, pubkey, expiry.Unix())
	s.touch(ctx, pipe)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) RemoveLooking(ctx context.Context, pubkey string) error {
	pipe := s.client.Pipeline()
	pipe.HDel(ctx, keyLooking, pubkey)
	s.touch(ctx, pipe)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) ListLooking(ctx context.Context) ([]string, error) {
	return s.client.HKeys(ctx, keyLooking).Result()
}

// ExpireLooking drops looking entries whose announcement expiry has passed.
func (s *RedisStore) ExpireLooking(ctx context.Context, now time.Time) (int, error) {
	entries, err := s.client.HGetAll(ctx, keyLooking).Result()
	if err != nil {
		return 0, err
	}

	removed := 0
	for pk, raw := range entries {
		expiry, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || now.Unix() > expiry {
			if err := s.client.HDel(ctx, keyLooking, pk).Err(); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

func (s *RedisStore) SetMatched(ctx context.Context, a, b, chatSessionID string) error {
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, keyMatched, a, b+"|"+chatSessionID)
	pipe.HSet(ctx, keyMatched, b, a+"|"+chatSessionID)
	pipe.HDel(ctx, keyLooking, a, b)
	s.touch(ctx, pipe)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Matched(ctx context.Context, pubkey string) (string, string, error) {
	raw, err := s.client.HGet(ctx, keyMatched, pubkey).Result()
	if err == redis.Nil {
		return "", "", nil
	}
	if err != nil {
		return "", "", err
	}
	for i := 0; i < len(raw); i++ {
		if raw[i] == '|' {
			return raw[:i], raw[i+1:], nil
		}
	}
	return raw, "", nil
}

func (s *RedisStore) AppendMessage(ctx context.Context, chatSessionID string, ev *event.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("localbus: marshal message: %w", err)
	}
	pipe := s.client.Pipeline()
	pipe.RPush(ctx, keyMsgPrefix+chatSessionID, data)
	s.touch(ctx, pipe)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Messages(ctx context.Context, chatSessionID string) ([]*event.Event, error) {
	raw, err := s.client.LRange(ctx, keyMsgPrefix+chatSessionID, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*event.Event, 0, len(raw))
	for _, item := range raw {
		var ev event.Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			continue
		}
		out = append(out, &ev)
	}
	return out, nil
}

func (s *RedisStore) LastUpdate(ctx context.Context) (time.Time, error) {
	unix, err := s.client.Get(ctx, keyLastUpdate).Int64()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(unix, 0), nil
}

// Reset clears every drift-prefixed record.
func (s *RedisStore) Reset(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, keyScanGlob, 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("localbus: scan keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
