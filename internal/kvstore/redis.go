package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adred-codev/wschat/internal/errs"
	"github.com/adred-codev/wschat/internal/metrics"
	"github.com/adred-codev/wschat/internal/session"
)

// RedisStore implements Store over a pooled go-redis client, following the
// connection pooling and TTL conventions of streamspace's internal/cache
// package: bounded pool, dial/read/write timeouts, JSON-serialized values.
type RedisStore struct {
	client      *redis.Client
	callTimeout time.Duration
}

// RedisConfig configures the pooled client.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	CallTimeout  time.Duration
}

// NewRedisStore dials Redis and verifies connectivity with a single PING.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.MinIdleConns > 0 {
		opts.MinIdleConns = cfg.MinIdleConns
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.callTimeoutOrDefault())
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisStore{client: client, callTimeout: cfg.callTimeoutOrDefault()}, nil
}

func (c RedisConfig) callTimeoutOrDefault() time.Duration {
	if c.CallTimeout > 0 {
		return c.CallTimeout
	}
	return 2 * time.Second
}

func (s *RedisStore) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.callTimeout)
}

// PoolStats exposes pool metrics for the supplemental app_kv_pool_* gauges.
func (s *RedisStore) PoolStats() *redis.PoolStats {
	return s.client.PoolStats()
}

// ReportPoolStats samples PoolStats on interval and publishes it to the
// app_kv_pool_in_use/app_kv_pool_idle gauges, following the periodic-sampling
// goroutine shape of ws/worker_pool.go's stats reporter. It runs until ctx is
// canceled.
func (s *RedisStore) ReportPoolStats(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := s.client.PoolStats()
			metrics.KVPoolInUse.Set(float64(stats.TotalConns - stats.IdleConns))
			metrics.KVPoolIdle.Set(float64(stats.IdleConns))
		}
	}
}

func (s *RedisStore) SessionGet(ctx context.Context, id string) (*session.Session, bool, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	raw, err := s.client.Get(ctx, sessionKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		metrics.ErrorsTotal.Inc()
		return nil, false, fmt.Errorf("%w: session_get %s: %v", errs.StoreUnavailable, id, err)
	}

	var sess session.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		metrics.ErrorsTotal.Inc()
		return nil, false, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &sess, true, nil
}

func (s *RedisStore) SessionPut(ctx context.Context, id string, sess session.Session, ttl time.Duration) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", id, err)
	}
	if err := s.client.Set(ctx, sessionKey(id), data, ttl).Err(); err != nil {
		metrics.ErrorsTotal.Inc()
		return fmt.Errorf("%w: session_put %s: %v", errs.StoreUnavailable, id, err)
	}
	return nil
}

func (s *RedisStore) SessionExtend(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	ok, err := s.client.Expire(ctx, sessionKey(id), ttl).Result()
	if err != nil {
		metrics.ErrorsTotal.Inc()
		return false, fmt.Errorf("%w: session_extend %s: %v", errs.StoreUnavailable, id, err)
	}
	return ok, nil
}

func (s *RedisStore) SessionDelete(ctx context.Context, id string) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	if err := s.client.Del(ctx, sessionKey(id), messagesKey(id)).Err(); err != nil {
		metrics.ErrorsTotal.Inc()
		return fmt.Errorf("%w: session_delete %s: %v", errs.StoreUnavailable, id, err)
	}
	return nil
}

func (s *RedisStore) MessagesAppend(ctx context.Context, id string, msg session.MessageRecord, ttl time.Duration, maxLen int64) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", id, err)
	}

	key := messagesKey(id)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	if maxLen > 0 {
		pipe.LTrim(ctx, key, -maxLen, -1)
	}
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		metrics.ErrorsTotal.Inc()
		return fmt.Errorf("%w: messages_append %s: %v", errs.StoreUnavailable, id, err)
	}
	return nil
}

func (s *RedisStore) MessagesRange(ctx context.Context, id string, start, stop int64) ([]session.MessageRecord, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	raws, err := s.client.LRange(ctx, messagesKey(id), start, stop).Result()
	if err != nil {
		metrics.ErrorsTotal.Inc()
		return nil, fmt.Errorf("%w: messages_range %s: %v", errs.StoreUnavailable, id, err)
	}

	out := make([]session.MessageRecord, 0, len(raws))
	for _, raw := range raws {
		var rec session.MessageRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *RedisStore) ListSessionIDs(ctx context.Context) ([]string, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	seen := make(map[string]struct{})
	iter := s.client.Scan(ctx, 0, "session:*", 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		id := keyToSessionID(key)
		if id != "" {
			seen[id] = struct{}{}
		}
	}
	if err := iter.Err(); err != nil {
		metrics.ErrorsTotal.Inc()
		return nil, fmt.Errorf("%w: list_session_ids: %v", errs.StoreUnavailable, err)
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	return ids, nil
}

// keyToSessionID derives the session id from a raw Redis key, handling both
// "session:{id}" and "session:{id}:messages" shapes.
func keyToSessionID(key string) string {
	const prefix = "session:"
	if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
		return ""
	}
	rest := key[len(prefix):]
	if len(rest) > len(messagesKeySuffix) && rest[len(rest)-len(messagesKeySuffix):] == messagesKeySuffix {
		return rest[:len(rest)-len(messagesKeySuffix)]
	}
	return rest
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
