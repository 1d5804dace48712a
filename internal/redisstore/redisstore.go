// Package redisstore is a thin adapter over Redis exposing the primitives the
// rest of the system coordinates through: atomic list push/pop, a sorted set
// for time-ordered members, a KV namespace with TTL, and pub/sub channels.
// All keys are namespaced under a fixed prefix.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/c04ch1337/Transform-Army-Platform-sub000/internal/config"
)

// Store wraps a Redis client with namespaced keys.
type Store struct {
	client *redis.Client
	prefix string
}

// New builds an adapter from config.
func New(cfg config.Config) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewWithClient(client, cfg.KeyPrefix)
}

// NewWithClient wraps an existing client; used by tests with miniredis.
func NewWithClient(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "taskq"
	}
	return &Store{client: client, prefix: prefix}
}

// Key joins parts under the adapter's namespace prefix.
func (s *Store) Key(parts ...string) string {
	return s.prefix + ":" + strings.Join(parts, ":")
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}

// --- lists ---

// Push appends a member to the tail of a list.
func (s *Store) Push(ctx context.Context, list, member string) error {
	return s.client.RPush(ctx, list, member).Err()
}

// PopFirstWithLease atomically pops the head of the first non-empty list and
// records the member in the lease set scored by its visibility deadline.
// Returns "" when every list is empty.
func (s *Store) PopFirstWithLease(ctx context.Context, lists []string, leaseSet string, deadline time.Time) (string, error) {
	keys := make([]string, 0, len(lists)+1)
	keys = append(keys, lists...)
	keys = append(keys, leaseSet)
	res, err := popFirstScript.Run(ctx, s.client, keys, deadline.UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("pop first: %w", err)
	}
	member, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from pop script: %T", res)
	}
	return member, nil
}

// Remove deletes all occurrences of member from a list, returning how many
// were removed.
func (s *Store) Remove(ctx context.Context, list, member string) (int64, error) {
	return s.client.LRem(ctx, list, 0, member).Result()
}

func (s *Store) ListLen(ctx context.Context, list string) (int64, error) {
	return s.client.LLen(ctx, list).Result()
}

func (s *Store) ListRange(ctx context.Context, list string, start, stop int64) ([]string, error) {
	return s.client.LRange(ctx, list, start, stop).Result()
}

// ListTrim keeps only the given index range, dropping everything outside it.
func (s *Store) ListTrim(ctx context.Context, list string, start, stop int64) error {
	return s.client.LTrim(ctx, list, start, stop).Err()
}

// --- sorted sets ---

// ZAdd inserts a member scored by the given time in unix milliseconds.
func (s *Store) ZAdd(ctx context.Context, set, member string, at time.Time) error {
	return s.client.ZAdd(ctx, set, redis.Z{Score: float64(at.UnixMilli()), Member: member}).Err()
}

// ZDueMembers returns up to limit members whose score is at or before the
// given time, oldest first.
func (s *Store) ZDueMembers(ctx context.Context, set string, now time.Time, limit int64) ([]string, error) {
	return s.client.ZRangeByScore(ctx, set, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
}

// ZAddIfPresent moves an existing member to a new score, reporting whether
// the member was still in the set. Members not present are never added.
func (s *Store) ZAddIfPresent(ctx context.Context, set, member string, at time.Time) (bool, error) {
	n, err := s.client.ZAddArgs(ctx, set, redis.ZAddArgs{
		XX:      true,
		Ch:      true,
		Members: []redis.Z{{Score: float64(at.UnixMilli()), Member: member}},
	}).Result()
	if err != nil {
		return false, fmt.Errorf("zset update score: %w", err)
	}
	return n > 0, nil
}

// ZRem removes a member, reporting whether it was present.
func (s *Store) ZRem(ctx context.Context, set, member string) (bool, error) {
	n, err := s.client.ZRem(ctx, set, member).Result()
	return n > 0, err
}

func (s *Store) ZCard(ctx context.Context, set string) (int64, error) {
	return s.client.ZCard(ctx, set).Result()
}

// ZMoveToList atomically removes a member from a sorted set and pushes it
// onto a list. Returns false when the member was no longer in the set, so
// concurrent movers cannot double-deliver.
func (s *Store) ZMoveToList(ctx context.Context, set, member, list string) (bool, error) {
	res, err := zMoveScript.Run(ctx, s.client, []string{set, list}, member).Result()
	if err != nil {
		return false, fmt.Errorf("zset move: %w", err)
	}
	n, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected type from move script: %T", res)
	}
	return n == 1, nil
}

// --- key/value ---

// SetJSON marshals v and writes it under key. A zero TTL means no expiry.
// Used for job bodies and definition cache entries.
func (s *Store) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.client.Set(ctx, key, raw, ttl).Err()
}

// GetJSON unmarshals the value at key into v, reporting whether it existed.
func (s *Store) GetJSON(ctx context.Context, key string, v any) (bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	return s.client.Del(ctx, keys...).Err()
}

// --- pub/sub ---

// Publish marshals v onto a channel.
func (s *Store) Publish(ctx context.Context, channel string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return s.client.Publish(ctx, channel, raw).Err()
}

// Subscription delivers raw payloads from one or more channels.
type Subscription struct {
	pubsub *redis.PubSub
	ch     chan []byte
}

// Subscribe opens a subscription on the named channels, returning once the
// server has confirmed it.
func (s *Store) Subscribe(ctx context.Context, channels ...string) *Subscription {
	ps := s.client.Subscribe(ctx, channels...)
	_, _ = ps.Receive(ctx)
	sub := &Subscription{pubsub: ps, ch: make(chan []byte, 64)}
	go func() {
		defer close(sub.ch)
		for msg := range ps.Channel() {
			sub.ch <- []byte(msg.Payload)
		}
	}()
	return sub
}

// Messages returns the payload channel; it closes when the subscription does.
func (sub *Subscription) Messages() <-chan []byte {
	return sub.ch
}

func (sub *Subscription) Close() error {
	return sub.pubsub.Close()
}

var popFirstScript = redis.NewScript(`
local lease = KEYS[#KEYS]
for i = 1, #KEYS - 1 do
  local member = redis.call('LPOP', KEYS[i])
  if member then
    redis.call('ZADD', lease, ARGV[1], member)
    return member
  end
end
return nil
`)

var zMoveScript = redis.NewScript(`
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
if removed == 1 then
  redis.call('RPUSH', KEYS[2], ARGV[1])
end
return removed
`)
