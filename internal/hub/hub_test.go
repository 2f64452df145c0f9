package hub_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/adred-codev/wschat/internal/hub"
	"github.com/adred-codev/wschat/internal/session"
)

// fakeStore is a minimal in-memory kvstore.Store for exercising the
// connection state machine without a real Redis instance.
type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]session.Session
	messages map[string][]session.MessageRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: make(map[string]session.Session),
		messages: make(map[string][]session.MessageRecord),
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
	ids := make([]string, 0, len(f.sessions))
	for id := range f.sessions {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) messagesFor(id string) []session.MessageRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]session.MessageRecord(nil), f.messages[id]...)
}

// newTestServer starts an httptest server that upgrades every request to a
// WebSocket connection and hands it to the hub, using the shared deps.
func newTestServer(t *testing.T, deps hub.Deps, registry *session.Registry) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		sessionID := q.Get("session")
		usePersistence := q.Get("redis_persistence") == "true"

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		c := hub.Accept(r.Context(), deps, conn, sessionID, usePersistence)
		c.Serve()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/chat/" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return conn
}

type echoFrame struct {
	Count int64  `json:"count"`
	Echo  string `json:"echo"`
}

func readEcho(t *testing.T, conn *websocket.Conn) echoFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var f echoFrame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("unmarshal echo frame failed: %v (data=%s)", err, data)
	}
	return f
}

// TestCounterMonotonicity verifies P1: successive messages on one connection
// produce a strictly incrementing counter starting at 1.
func TestCounterMonotonicity(t *testing.T) {
	registry := session.NewRegistry()
	deps := hub.Deps{Store: newFakeStore(), Registry: registry, Logger: zerolog.Nop(), TTL: time.Minute, MaxHistory: 1000}
	srv := newTestServer(t, deps, registry)

	conn := dial(t, srv, "?session=s1&redis_persistence=true")
	defer conn.Close()

	conn.WriteMessage(websocket.TextMessage, []byte("hello"))
	f1 := readEcho(t, conn)
	if f1.Count != 1 || f1.Echo != "hello" {
		t.Errorf("first echo = %+v, want {1 hello}", f1)
	}

	conn.WriteMessage(websocket.TextMessage, []byte("world"))
	f2 := readEcho(t, conn)
	if f2.Count != 2 || f2.Echo != "world" {
		t.Errorf("second echo = %+v, want {2 world}", f2)
	}
}

// TestPersistenceWritesSessionAndMessagesAndNoDedup verifies scenario 1: with
// redis_persistence=true, the store ends up with the right session count
// and one message record per client message (P10: no dedup of identical
// client payloads).
func TestPersistenceWritesSessionAndMessagesAndNoDedup(t *testing.T) {
	registry := session.NewRegistry()
	store := newFakeStore()
	deps := hub.Deps{Store: store, Registry: registry, Logger: zerolog.Nop(), TTL: time.Minute, MaxHistory: 1000}
	srv := newTestServer(t, deps, registry)

	conn := dial(t, srv, "?session=s1&redis_persistence=true")
	conn.WriteMessage(websocket.TextMessage, []byte("hi"))
	readEcho(t, conn)
	conn.WriteMessage(websocket.TextMessage, []byte("hi"))
	readEcho(t, conn)
	conn.Close()

	time.Sleep(100 * time.Millisecond)

	msgs := store.messagesFor("s1")
	if len(msgs) != 2 {
		t.Fatalf("expected 2 distinct persisted records for identical payloads, got %d", len(msgs))
	}
	for _, m := range msgs {
		if !m.IsSent || m.Content != "hi" {
			t.Errorf("unexpected message record: %+v", m)
		}
	}

	sess, found, err := store.SessionGet(context.Background(), "s1")
	if err != nil || !found {
		t.Fatalf("expected session s1 to be present, found=%v err=%v", found, err)
	}
	if sess.Count != 2 {
		t.Errorf("session count = %d, want 2", sess.Count)
	}
}

// TestResumption verifies P2: reconnecting with the same session id resumes
// the counter from where it left off.
func TestResumption(t *testing.T) {
	registry := session.NewRegistry()
	store := newFakeStore()
	deps := hub.Deps{Store: store, Registry: registry, Logger: zerolog.Nop(), TTL: time.Minute, MaxHistory: 1000}
	srv := newTestServer(t, deps, registry)

	conn1 := dial(t, srv, "?session=s1&redis_persistence=true")
	conn1.WriteMessage(websocket.TextMessage, []byte("a"))
	f1 := readEcho(t, conn1)
	conn1.WriteMessage(websocket.TextMessage, []byte("b"))
	f2 := readEcho(t, conn1)
	conn1.Close()
	time.Sleep(50 * time.Millisecond)

	conn2 := dial(t, srv, "?session=s1&redis_persistence=true")
	defer conn2.Close()
	conn2.WriteMessage(websocket.TextMessage, []byte("c"))
	f3 := readEcho(t, conn2)

	if f3.Count != f2.Count+1 {
		t.Errorf("resumed count = %d, want %d (last=%d, first=%d)", f3.Count, f2.Count+1, f2.Count, f1.Count)
	}
}

// TestAnonymousConnectionIsNotRegistered verifies spec.md §4.2: connections
// without a session id are never added to the registry.
func TestAnonymousConnectionIsNotRegistered(t *testing.T) {
	registry := session.NewRegistry()
	deps := hub.Deps{Store: newFakeStore(), Registry: registry, Logger: zerolog.Nop(), TTL: time.Minute, MaxHistory: 1000}
	srv := newTestServer(t, deps, registry)

	conn := dial(t, srv, "")
	defer conn.Close()
	conn.WriteMessage(websocket.TextMessage, []byte("hi"))
	f := readEcho(t, conn)
	if f.Count != 1 {
		t.Errorf("anonymous connection echo count = %d, want 1", f.Count)
	}

	time.Sleep(50 * time.Millisecond)
	if registry.Len() != 0 {
		t.Errorf("expected registry to stay empty for anonymous connections, got %d", registry.Len())
	}
}

// TestDisplacementClosesOldSocket verifies that reconnecting with the same
// session id closes the previous socket (registry displacement, spec.md
// §4.2) without a bye frame.
func TestDisplacementClosesOldSocket(t *testing.T) {
	registry := session.NewRegistry()
	store := newFakeStore()
	deps := hub.Deps{Store: store, Registry: registry, Logger: zerolog.Nop(), TTL: time.Minute, MaxHistory: 1000}
	srv := newTestServer(t, deps, registry)

	conn1 := dial(t, srv, "?session=dup")
	time.Sleep(50 * time.Millisecond) // ensure conn1 finishes registering before conn2 displaces it
	conn2 := dial(t, srv, "?session=dup")
	defer conn2.Close()

	time.Sleep(100 * time.Millisecond)

	conn1.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn1.ReadMessage()
	if err == nil {
		t.Fatal("expected the displaced connection's socket to be closed")
	}

	if registry.Len() != 1 {
		t.Errorf("expected exactly one registered connection for session dup, got %d", registry.Len())
	}
}

// TestHeartbeatDelivery verifies P4: a connection receives a heartbeat frame
// within a small multiple of the configured interval.
func TestHeartbeatDelivery(t *testing.T) {
	registry := session.NewRegistry()
	deps := hub.Deps{Store: newFakeStore(), Registry: registry, Logger: zerolog.Nop(), TTL: time.Minute, MaxHistory: 1000}
	srv := newTestServer(t, deps, registry)

	conn := dial(t, srv, "?session=hb1")
	defer conn.Close()

	hbInterval := 50 * time.Millisecond
	heartbeat := hub.NewHeartbeat(registry, hbInterval, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go heartbeat.Run(ctx)
	defer heartbeat.Stop()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected a heartbeat frame, got error: %v", err)
	}

	var frame struct {
		TS string `json:"ts"`
	}
	if err := json.Unmarshal(data, &frame); err != nil || frame.TS == "" {
		t.Fatalf("expected a {\"ts\": ...} frame, got %s (err=%v)", data, err)
	}
}

// TestDrainSendsByeAndClosesWithGoingAway verifies P7: draining a connection
// sends a bye frame and closes with code 1001.
func TestDrainSendsByeAndClosesWithGoingAway(t *testing.T) {
	registry := session.NewRegistry()
	store := newFakeStore()
	deps := hub.Deps{Store: store, Registry: registry, Logger: zerolog.Nop(), TTL: time.Minute, MaxHistory: 1000}
	srv := newTestServer(t, deps, registry)

	conn := dial(t, srv, "?session=s1&redis_persistence=true")
	defer conn.Close()

	conn.WriteMessage(websocket.TextMessage, []byte("hi"))
	readEcho(t, conn)

	closeCode := -1
	conn.SetCloseHandler(func(code int, text string) error {
		closeCode = code
		return nil
	})

	entries := registry.Snapshot()
	if len(entries) != 1 {
		t.Fatalf("expected one registered connection, got %d", len(entries))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go entries[0].Sink.Drain(ctx)

	var byeFrame struct {
		Bye     bool   `json:"bye"`
		Total   int64  `json:"total"`
		Message string `json:"message"`
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected bye frame, got error: %v", err)
	}
	if err := json.Unmarshal(data, &byeFrame); err != nil || !byeFrame.Bye {
		t.Fatalf("expected a bye frame, got %s", data)
	}

	// Next read observes the close frame.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i < 2 && closeCode == -1; i++ {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	if closeCode != websocket.CloseGoingAway {
		t.Errorf("close code = %d, want %d (going away)", closeCode, websocket.CloseGoingAway)
	}
}
