// Package relay mirrors session output through Redis streams so that a
// subscriber attached to any gateway replica observes the same byte
// stream. The replica that spawned a session holds its ownership lock and
// publishes PTY output; other replicas follow the stream. Off by default;
// when disabled the gateway is a single-process in-memory table.
package relay

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"github.com/remoteterm/gateway/internal/config"
)

type Relay struct {
	client  *redis.Client
	prefix  string
	maxLen  int64
	block   time.Duration
	lockTTL time.Duration

	// lockValue identifies this replica so lock refresh/release only ever
	// touch locks it holds.
	lockValue string
}

func New(ctx context.Context, cfg config.RelayConfig) (*Relay, error) {
	if cfg.RedisURL == "" {
		return nil, errors.New("relay redis url is empty")
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	buf := make([]byte, 8)
	_, _ = rand.Read(buf)

	return &Relay{
		client:    client,
		prefix:    cfg.StreamPrefix,
		maxLen:    int64(cfg.StreamMaxLen),
		block:     time.Duration(cfg.StreamBlockMs) * time.Millisecond,
		lockTTL:   time.Duration(cfg.LockTTLSeconds) * time.Second,
		lockValue: hex.EncodeToString(buf),
	}, nil
}

func (r *Relay) streamKey(sessionID string) string {
	return r.prefix + ":" + sessionID + ":out"
}

func (r *Relay) lockKey(sessionID string) string {
	return r.prefix + ":" + sessionID + ":lock"
}

// Own acquires the session's ownership lock and keeps it refreshed until
// the returned release func is called. The spawning replica is the only
// writer, so a failed initial acquire means a stale lock from a crashed
// replica; ownership is taken over once the TTL lapses.
func (r *Relay) Own(sessionID string) func() {
	ctx, cancel := context.WithCancel(context.Background())
	key := r.lockKey(sessionID)

	r.client.SetNX(ctx, key, r.lockValue, r.lockTTL)

	go func() {
		interval := r.lockTTL / 2
		if interval < 2*time.Second {
			interval = 2 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !r.refreshLock(key) {
					r.client.SetNX(context.Background(), key, r.lockValue, r.lockTTL)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			r.releaseLock(key)
			r.client.Del(context.Background(), r.streamKey(sessionID))
		})
	}
}

func (r *Relay) refreshLock(key string) bool {
	script := redis.NewScript(`if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("PEXPIRE", KEYS[1], ARGV[2]) else return 0 end`)
	res, err := script.Run(context.Background(), r.client, []string{key}, r.lockValue, int64(r.lockTTL/time.Millisecond)).Result()
	if err != nil {
		return false
	}
	val, ok := res.(int64)
	return ok && val > 0
}

func (r *Relay) releaseLock(key string) {
	script := redis.NewScript(`if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) else return 0 end`)
	_, _ = script.Run(context.Background(), r.client, []string{key}, r.lockValue).Result()
}

// Publish appends one PTY output chunk to the session's stream. Called
// inline from the session's output pump; a bounded timeout keeps a slow
// Redis from stalling local subscribers.
func (r *Relay) Publish(sessionID string, data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	args := &redis.XAddArgs{
		Stream: r.streamKey(sessionID),
		Values: map[string]any{"data": string(data)},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		log.Warn("relay publish failed", "sessionId", sessionID, "err", err)
	}
}

// Exists reports whether some replica owns the session, so an output
// request on a replica without the local session can distinguish a remote
// session from an unknown id.
func (r *Relay) Exists(ctx context.Context, sessionID string) bool {
	n, err := r.client.Exists(ctx, r.lockKey(sessionID)).Result()
	return err == nil && n > 0
}

// Follow tails the session's stream from its current end, delivering each
// chunk on the returned channel until ctx is cancelled or the owning
// replica deletes the stream. The channel is closed on return.
func (r *Relay) Follow(ctx context.Context, sessionID string) <-chan []byte {
	out := make(chan []byte, 64)
	key := r.streamKey(sessionID)

	go func() {
		defer close(out)
		lastID := "$"
		if msgs, err := r.client.XRevRangeN(ctx, key, "+", "-", 1).Result(); err == nil && len(msgs) > 0 {
			lastID = msgs[0].ID
		}

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			res, err := r.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{key, lastID},
				Block:   r.block,
			}).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				if err == redis.Nil {
					if !r.Exists(ctx, sessionID) {
						return
					}
					continue
				}
				time.Sleep(time.Second)
				continue
			}
			for _, stream := range res {
				for _, msg := range stream.Messages {
					lastID = msg.ID
					raw, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					select {
					case out <- []byte(raw):
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return out
}

func (r *Relay) Close() {
	_ = r.client.Close()
}
