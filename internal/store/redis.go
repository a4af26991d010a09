package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis key layout:
//
//	pc:v:<path>   value at <path> (JSON payload)
//	pc:l:<path>   list of pushed child keys under <path>, append order
//	pc:w:<path>   pub/sub channel for value changes ("s"+value / "d")
//	pc:c:<path>   pub/sub channel for pushed children (JSON {k, v})
//
// Disconnect semantics: paths with a registered disconnect rule are written
// with a TTL that a heartbeat keeps refreshing. If the process dies, the key
// expires and watchers observe the path as absent. Watchers additionally
// subscribe to keyspace expiry events, so the server must run with
// notify-keyspace-events including "Ex" for crash detection to be push-based.

const (
	redisHeartbeatTTL   = 15 * time.Second
	redisHeartbeatEvery = 5 * time.Second

	expiredEventPattern = "__keyevent@*__:expired"
)

func valueKey(path string) string  { return "pc:v:" + path }
func listKey(path string) string   { return "pc:l:" + path }
func watchChan(path string) string { return "pc:w:" + path }
func childChan(path string) string { return "pc:c:" + path }

type childMsg struct {
	Key   string          `json:"k"`
	Value json.RawMessage `json:"v"`
}

// RedisStore implements Store over a shared Redis instance. One RedisStore
// represents one client connection in the disconnect-rule sense: Close applies
// this client's registered disconnect writes.
type RedisStore struct {
	rdb *redis.Client
	log *slog.Logger

	mu      sync.Mutex
	rules   map[string][]byte
	pubsubs map[*redis.PubSub]struct{}
	closed  bool

	hbCancel context.CancelFunc
	hbDone   chan struct{}
}

func NewRedisStore(rdb *redis.Client, log *slog.Logger) *RedisStore {
	if log == nil {
		log = slog.Default()
	}
	return &RedisStore{
		rdb:     rdb,
		log:     log.With("component", "store.redis"),
		rules:   make(map[string][]byte),
		pubsubs: make(map[*redis.PubSub]struct{}),
	}
}

func (s *RedisStore) Get(ctx context.Context, path string) ([]byte, error) {
	v, err := s.rdb.Get(ctx, valueKey(path)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get %s: %w", path, err)
	}
	return v, nil
}

func (s *RedisStore) Set(ctx context.Context, path string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	ttl := time.Duration(0)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if _, ruled := s.rules[path]; ruled {
		ttl = redisHeartbeatTTL
	}
	s.mu.Unlock()

	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, valueKey(path), value, ttl)
	pipe.Publish(ctx, watchChan(path), "s"+string(value))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: set %s: %w", path, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, path string) error {
	n, err := s.rdb.Del(ctx, valueKey(path)).Result()
	if err != nil {
		return fmt.Errorf("store: delete %s: %w", path, err)
	}
	if n > 0 {
		s.rdb.Publish(ctx, watchChan(path), "d")
	}
	return nil
}

func (s *RedisStore) DeleteTree(ctx context.Context, path string) error {
	// SCAN is O(keyspace) but teardown happens once per call and the keyspace
	// of a signaling store stays small.
	patterns := []string{valueKey(path), valueKey(path) + "/*"}
	for _, pat := range patterns {
		iter := s.rdb.Scan(ctx, 0, pat, 0).Iterator()
		for iter.Next(ctx) {
			key := iter.Val()
			if n, err := s.rdb.Del(ctx, key).Result(); err == nil && n > 0 {
				p := key[len("pc:v:"):]
				s.rdb.Publish(ctx, watchChan(p), "d")
			}
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("store: delete tree %s: %w", path, err)
		}
	}
	iter := s.rdb.Scan(ctx, 0, listKey(path)+"*", 0).Iterator()
	for iter.Next(ctx) {
		s.rdb.Del(ctx, iter.Val())
	}
	return iter.Err()
}

func (s *RedisStore) Push(ctx context.Context, path string, value []byte) (string, error) {
	if value == nil {
		value = []byte{}
	}
	// Time-prefixed keys keep lexical order close to append order; the index
	// list is what actually defines replay order.
	key := fmt.Sprintf("%016x-%s", time.Now().UnixNano(), uuid.NewString()[:8])
	msg, err := json.Marshal(childMsg{Key: key, Value: value})
	if err != nil {
		return "", fmt.Errorf("store: push %s: %w", path, err)
	}

	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, valueKey(path+"/"+key), value, 0)
	pipe.RPush(ctx, listKey(path), key)
	pipe.Publish(ctx, childChan(path), msg)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("store: push %s: %w", path, err)
	}
	return key, nil
}

func (s *RedisStore) Watch(ctx context.Context, path string) (<-chan Update, func()) {
	out := make(chan Update, watchBuffer)

	ps := s.rdb.Subscribe(ctx, watchChan(path))
	_ = ps.PSubscribe(ctx, expiredEventPattern)
	if !s.track(ps) {
		close(out)
		return out, func() {}
	}

	go func() {
		defer close(out)

		// Current state first. Read errors degrade to absent: presence and
		// directory reads are advisory, never safety-critical.
		cur, err := s.Get(ctx, path)
		if err != nil {
			s.log.Warn("watch initial read failed", "path", path, "err", err)
			cur = nil
		}
		last := cur
		seen := true
		send(out, Update{Path: path, Value: cur})

		for msg := range ps.Channel() {
			var next []byte
			switch {
			case msg.Channel == watchChan(path):
				if len(msg.Payload) > 0 && msg.Payload[0] == 's' {
					next = []byte(msg.Payload[1:])
				}
			case msg.Pattern == expiredEventPattern:
				if msg.Payload != valueKey(path) {
					continue
				}
			default:
				continue
			}
			if seen && bytes.Equal(last, next) {
				continue
			}
			last, seen = next, true
			send(out, Update{Path: path, Value: next})
		}
	}()

	return out, func() { s.untrack(ps) }
}

func (s *RedisStore) WatchChildren(ctx context.Context, path string) (<-chan ChildUpdate, func()) {
	out := make(chan ChildUpdate, watchBuffer)

	ps := s.rdb.Subscribe(ctx, childChan(path))
	if !s.track(ps) {
		close(out)
		return out, func() {}
	}

	go func() {
		defer close(out)

		delivered := make(map[string]bool)

		// Replay the index before pumping live messages. A push racing the
		// replay shows up in both; delivered dedupes it.
		keys, err := s.rdb.LRange(ctx, listKey(path), 0, -1).Result()
		if err != nil && err != redis.Nil {
			s.log.Warn("child replay failed", "path", path, "err", err)
		}
		for _, key := range keys {
			v, err := s.Get(ctx, path+"/"+key)
			if err != nil || v == nil {
				continue
			}
			delivered[key] = true
			send(out, ChildUpdate{Parent: path, Key: key, Value: v})
		}

		for msg := range ps.Channel() {
			var cm childMsg
			if err := json.Unmarshal([]byte(msg.Payload), &cm); err != nil {
				s.log.Warn("malformed child event dropped", "path", path, "err", err)
				continue
			}
			if delivered[cm.Key] {
				continue
			}
			delivered[cm.Key] = true
			send(out, ChildUpdate{Parent: path, Key: cm.Key, Value: cm.Value})
		}
	}()

	return out, func() { s.untrack(ps) }
}

func (s *RedisStore) OnDisconnect(path string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.rules[path] = value
	s.ensureHeartbeatLocked()
}

// Close stops the heartbeat, applies disconnect rules and tears down every
// live watch. Idempotent.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	rules := s.rules
	s.rules = map[string][]byte{}
	pubsubs := s.pubsubs
	s.pubsubs = map[*redis.PubSub]struct{}{}
	hbCancel, hbDone := s.hbCancel, s.hbDone
	s.mu.Unlock()

	if hbCancel != nil {
		hbCancel()
		<-hbDone
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for path, v := range rules {
		var err error
		if v == nil {
			err = s.Delete(ctx, path)
		} else {
			pipe := s.rdb.Pipeline()
			pipe.Set(ctx, valueKey(path), v, 0)
			pipe.Publish(ctx, watchChan(path), "s"+string(v))
			_, err = pipe.Exec(ctx)
		}
		if err != nil {
			s.log.Warn("disconnect write failed", "path", path, "err", err)
		}
	}

	for ps := range pubsubs {
		_ = ps.Close()
	}
	return nil
}

func (s *RedisStore) track(ps *redis.PubSub) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = ps.Close()
		return false
	}
	s.pubsubs[ps] = struct{}{}
	return true
}

func (s *RedisStore) untrack(ps *redis.PubSub) {
	s.mu.Lock()
	delete(s.pubsubs, ps)
	s.mu.Unlock()
	_ = ps.Close()
}

// ensureHeartbeatLocked starts the single refresher goroutine that keeps
// disconnect-ruled keys alive while this client is.
func (s *RedisStore) ensureHeartbeatLocked() {
	if s.hbCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.hbCancel, s.hbDone = cancel, done

	go func() {
		defer close(done)
		tick := time.NewTicker(redisHeartbeatEvery)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				s.mu.Lock()
				paths := make([]string, 0, len(s.rules))
				for p := range s.rules {
					paths = append(paths, p)
				}
				s.mu.Unlock()
				for _, p := range paths {
					if err := s.rdb.PExpire(ctx, valueKey(p), redisHeartbeatTTL).Err(); err != nil && ctx.Err() == nil {
						s.log.Warn("heartbeat refresh failed", "path", p, "err", err)
					}
				}
			}
		}
	}()
}
