package broadcast

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/wschat/internal/session"
)

// fakeStore is an in-memory kvstore.Store sufficient for exercising the
// coordinator without a real Redis instance.
type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]session.Session
	messages map[string][]session.MessageRecord
	ids      []string
}

func newFakeStore(ids ...string) *fakeStore {
	return &fakeStore{
		sessions: make(map[string]session.Session),
		messages: make(map[string][]session.MessageRecord),
		ids:      ids,
	}
}

func (f *fakeStore) SessionGet(ctx context.Context, id string) (*session.Session, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, false, nil
	}
	return &s, true, nil
}

func (f *fakeStore) SessionPut(ctx context.Context, id string, sess session.Session, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[id] = sess
	return nil
}

func (f *fakeStore) SessionExtend(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sessions[id]
	return ok, nil
}

func (f *fakeStore) SessionDelete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, id)
	delete(f.messages, id)
	return nil
}

func (f *fakeStore) MessagesAppend(ctx context.Context, id string, msg session.MessageRecord, ttl time.Duration, maxLen int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[id] = append(f.messages[id], msg)
	return nil
}

func (f *fakeStore) MessagesRange(ctx context.Context, id string, start, stop int64) ([]session.MessageRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]session.MessageRecord(nil), f.messages[id]...), nil
}

func (f *fakeStore) ListSessionIDs(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.ids))
	copy(out, f.ids)
	return out, nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) messageCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages[id])
}

// fakeSink records delivered frames for assertions.
type fakeSink struct {
	mu        sync.Mutex
	delivered [][]byte
}

func (f *fakeSink) TryDeliver(frame []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, frame)
	return true
}
func (f *fakeSink) Cancel()                   {}
func (f *fakeSink) Drain(ctx context.Context) {}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered)
}

func TestValidateDefaultsLevelAndRejectsEmpty(t *testing.T) {
	req := session.BroadcastRequest{Message: "hello"}
	if err := Validate(&req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Level != "info" {
		t.Fatalf("expected default level info, got %q", req.Level)
	}

	empty := session.BroadcastRequest{}
	if err := Validate(&empty); err == nil {
		t.Fatal("expected error for empty message")
	}

	tooLong := session.BroadcastRequest{Message: strings.Repeat("x", 16*1024+1)}
	if err := Validate(&tooLong); err == nil {
		t.Fatal("expected error for oversized message")
	}

	badLevel := session.BroadcastRequest{Message: "hi", Level: "critical"}
	if err := Validate(&badLevel); err == nil {
		t.Fatal("expected error for invalid level")
	}
}

// TestBroadcastUniversality verifies P5: after a broadcast, every session id
// present in the registry or in the store gains one new broadcast record.
func TestBroadcastUniversality(t *testing.T) {
	registry := session.NewRegistry()
	live := &fakeSink{}
	registry.Add("live1", live)

	store := newFakeStore("stored1", "stored2")
	coord := New(registry, store, nil, Config{}, zerolog.Nop())

	err := coord.Broadcast(context.Background(), session.BroadcastRequest{
		Message: "maint in 5m",
		Level:   "warning",
	})
	if err != nil {
		t.Fatalf("Broadcast returned error: %v", err)
	}

	for _, id := range []string{"live1", "stored1", "stored2"} {
		if got := store.messageCount(id); got != 1 {
			t.Errorf("session %s: messageCount = %d, want 1", id, got)
		}
	}
	if live.count() != 1 {
		t.Errorf("live connection should have received exactly one frame, got %d", live.count())
	}

	msgs, _ := store.MessagesRange(context.Background(), "stored2", 0, -1)
	if len(msgs) != 1 || !msgs[0].IsBroadcast || msgs[0].BroadcastLevel != "warning" || msgs[0].Content != "maint in 5m" {
		t.Errorf("unexpected persisted record: %+v", msgs)
	}
}

// TestBroadcastIdempotence verifies P6: the same broadcast issued twice
// within the dedupe window produces at most one record per session.
func TestBroadcastIdempotence(t *testing.T) {
	registry := session.NewRegistry()
	store := newFakeStore("s1")
	coord := New(registry, store, nil, Config{}, zerolog.Nop())

	req := session.BroadcastRequest{Message: "dup check", Level: "info", TimestampMS: 1000}
	if err := coord.Broadcast(context.Background(), req); err != nil {
		t.Fatalf("first broadcast failed: %v", err)
	}
	if err := coord.Broadcast(context.Background(), req); err != nil {
		t.Fatalf("second broadcast failed: %v", err)
	}

	if got := store.messageCount("s1"); got != 1 {
		t.Errorf("messageCount after duplicate broadcast = %d, want 1", got)
	}
}

// TestBroadcastDistinctRequestsAreNotDeduped ensures the LRU keys on
// message+title+level+coarse-timestamp, not just presence of a broadcast.
func TestBroadcastDistinctRequestsAreNotDeduped(t *testing.T) {
	registry := session.NewRegistry()
	store := newFakeStore("s1")
	coord := New(registry, store, nil, Config{}, zerolog.Nop())

	if err := coord.Broadcast(context.Background(), session.BroadcastRequest{Message: "first", TimestampMS: 1000}); err != nil {
		t.Fatalf("broadcast 1 failed: %v", err)
	}
	if err := coord.Broadcast(context.Background(), session.BroadcastRequest{Message: "second", TimestampMS: 2000}); err != nil {
		t.Fatalf("broadcast 2 failed: %v", err)
	}

	if got := store.messageCount("s1"); got != 2 {
		t.Errorf("messageCount = %d, want 2 distinct broadcasts", got)
	}
}

func TestDeliverRemoteFansOutWithoutPersisting(t *testing.T) {
	registry := session.NewRegistry()
	live := &fakeSink{}
	registry.Add("live1", live)
	store := newFakeStore()
	coord := New(registry, store, nil, Config{}, zerolog.Nop())

	coord.DeliverRemote([]byte(`{"type":"broadcast"}`))

	if live.count() != 1 {
		t.Errorf("expected the remote frame to be delivered locally, got %d deliveries", live.count())
	}
	if got := store.messageCount("live1"); got != 0 {
		t.Errorf("DeliverRemote must not persist, got %d records", got)
	}
}
