// Package broadcast implements the Broadcast Coordinator (C6): validating
// admin-submitted messages, fanning them out to every live connection, and
// recording them in each known session's message history.
package broadcast

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/wschat/internal/errs"
	"github.com/adred-codev/wschat/internal/kvstore"
	"github.com/adred-codev/wschat/internal/metrics"
	"github.com/adred-codev/wschat/internal/session"
)

const maxMessageBytes = 16 * 1024 // spec.md §4.3 bound

// frameType is the wire "type" discriminator for broadcastFrame.
const frameType = "broadcast"

// broadcastFrame is the wire shape delivered to clients (spec.md §6);
// mirrors hub's unexported frame of the same name, which lives in a
// different package and receives only the already-marshaled bytes built
// here.
type broadcastFrame struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Title     string `json:"title"`
	Level     string `json:"level"`
	Timestamp int64  `json:"timestamp"`
}

// Config configures the coordinator.
type Config struct {
	Deadline      time.Duration
	DedupeLRUSize int
	SessionTTL    time.Duration
	MaxHistory    int64
	FanoutWorkers int
}

// Coordinator is the broadcast coordinator (C6). It fans out locally via the
// registry and republishes on the pub/sub channel so peer instances deliver
// to their own local connections too (spec.md §4.1, §4.3).
type Coordinator struct {
	registry *session.Registry
	store    kvstore.Store
	pub      kvstore.Publisher
	cfg      Config
	logger   zerolog.Logger

	mu     sync.Mutex
	dedupe *list.List
	seen   map[string]*list.Element
}

// New constructs a Coordinator. pub may be nil, in which case broadcasts are
// only delivered to this instance's own connections.
func New(registry *session.Registry, store kvstore.Store, pub kvstore.Publisher, cfg Config, logger zerolog.Logger) *Coordinator {
	if cfg.Deadline <= 0 {
		cfg.Deadline = 5 * time.Second
	}
	if cfg.DedupeLRUSize <= 0 {
		cfg.DedupeLRUSize = 1024
	}
	if cfg.FanoutWorkers <= 0 {
		cfg.FanoutWorkers = 16
	}
	return &Coordinator{
		registry: registry,
		store:    store,
		pub:      pub,
		cfg:      cfg,
		logger:   logger,
		dedupe:   list.New(),
		seen:     make(map[string]*list.Element),
	}
}

// Validate normalizes and checks req, defaulting Level to "info".
func Validate(req *session.BroadcastRequest) error {
	if len(req.Message) == 0 {
		return fmt.Errorf("%w: message must not be empty", errs.BadRequest)
	}
	if len(req.Message) > maxMessageBytes {
		return fmt.Errorf("%w: message exceeds %d bytes", errs.BadRequest, maxMessageBytes)
	}
	if req.Level == "" {
		req.Level = string(session.LevelInfo)
	}
	if !session.ValidLevel(req.Level) {
		return fmt.Errorf("%w: invalid level %q", errs.BadRequest, req.Level)
	}
	return nil
}

// Broadcast validates, deduplicates, fans out locally, republishes for peer
// instances, and persists the message into every known session's history.
// It is idempotent: a duplicate request (same message/title/level within the
// same second) is a no-op that returns nil.
func (c *Coordinator) Broadcast(ctx context.Context, req session.BroadcastRequest) error {
	if err := Validate(&req); err != nil {
		return err
	}
	if req.TimestampMS == 0 {
		req.TimestampMS = time.Now().UnixMilli()
	}

	if c.isDuplicate(req) {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Deadline)
	defer cancel()

	frame, err := json.Marshal(broadcastFrame{
		Type:      frameType,
		Message:   req.Message,
		Title:     req.Title,
		Level:     req.Level,
		Timestamp: req.TimestampMS,
	})
	if err != nil {
		return fmt.Errorf("encode broadcast frame: %w", err)
	}

	c.deliverLocal(frame)

	if c.pub != nil {
		if err := c.pub.Publish(ctx, kvstore.BroadcastChannel, frame); err != nil {
			metrics.ErrorsTotal.Inc()
			c.logger.Warn().Err(err).Msg("failed to republish broadcast for peer instances")
		}
	}

	persistErr := c.persist(ctx, req)
	if ctx.Err() != nil {
		wrapped := fmt.Errorf("%w: fan-out did not finish within %s", errs.BroadcastDeadlineExceeded, c.cfg.Deadline)
		c.logger.Warn().Err(wrapped).Msg("broadcast partially delivered")
		return wrapped
	}
	return persistErr
}

// DeliverRemote is invoked by the subscription loop that consumes this
// instance's own pub/sub subscription, so a broadcast issued on another
// instance is still delivered to connections held here.
func (c *Coordinator) DeliverRemote(frame []byte) {
	c.deliverLocal(frame)
}

func (c *Coordinator) deliverLocal(frame []byte) {
	for _, entry := range c.registry.Snapshot() {
		entry.Sink.TryDeliver(frame)
	}
}

func (c *Coordinator) persist(ctx context.Context, req session.BroadcastRequest) error {
	ids, err := c.targetIDs(ctx)
	if err != nil {
		return err
	}

	rec := session.MessageRecord{
		Content:        req.Message,
		TimestampMS:    req.TimestampMS,
		IsSent:         false,
		IsBroadcast:    true,
		BroadcastLevel: req.Level,
	}

	sem := make(chan struct{}, c.cfg.FanoutWorkers)
	var wg sync.WaitGroup
	for _, id := range ids {
		id := id
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			r := rec
			r.SessionID = id
			if err := c.store.MessagesAppend(ctx, id, r, c.cfg.SessionTTL, c.cfg.MaxHistory); err != nil {
				metrics.ErrorsTotal.Inc()
				c.logger.Warn().Err(err).Str("session_id", id).Msg("broadcast messages_append failed")
			}
		}()
	}
	wg.Wait()
	return nil
}

// targetIDs is the union of currently-registered connections and session ids
// known to the store (spec.md §4.3: broadcasts reach connected clients and
// are recorded for sessions that reconnect later).
func (c *Coordinator) targetIDs(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	for _, entry := range c.registry.Snapshot() {
		seen[entry.ID] = struct{}{}
	}

	stored, err := c.store.ListSessionIDs(ctx)
	if err != nil {
		metrics.ErrorsTotal.Inc()
		c.logger.Warn().Err(err).Msg("list_session_ids failed, broadcasting to connected sessions only")
	} else {
		for _, id := range stored {
			seen[id] = struct{}{}
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	return ids, nil
}

// isDuplicate reports whether an equivalent request was already broadcast
// within the same second, and records req if not. The key quantizes the
// timestamp to the second so a retried admin request (same click, slightly
// different millisecond) collapses to one broadcast (spec.md §8 P6).
func (c *Coordinator) isDuplicate(req session.BroadcastRequest) bool {
	key := dedupeKey(req)

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.seen[key]; ok {
		c.dedupe.MoveToFront(el)
		return true
	}

	el := c.dedupe.PushFront(key)
	c.seen[key] = el
	if c.dedupe.Len() > c.cfg.DedupeLRUSize {
		oldest := c.dedupe.Back()
		if oldest != nil {
			c.dedupe.Remove(oldest)
			delete(c.seen, oldest.Value.(string))
		}
	}
	return false
}

func dedupeKey(req session.BroadcastRequest) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d", req.Message, req.Title, req.Level, req.TimestampMS/1000)
	return hex.EncodeToString(h.Sum(nil))
}
