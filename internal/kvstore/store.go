// Package kvstore abstracts the external key-value store used for session
// and message persistence, and the pub/sub channel used for cross-instance
// broadcast fan-out (C1). The "shared" store (sessions + messages) is backed
// by Redis; the "channel" store (pub/sub) is backed by NATS core pub/sub, a
// faithful analogue of a Redis PUBLISH/SUBSCRIBE channel — see SPEC_FULL.md
// §4 and §6 for why these are kept as two roles instead of collapsed into
// one, and why NATS rather than Redis pub/sub specifically.
package kvstore

import (
	"context"
	"time"

	"github.com/adred-codev/wschat/internal/session"
)

// Store is the typed operation set over the shared session/message store.
// A missing or expired key is reported as found=false with err=nil. Every
// method may fail with errs.StoreUnavailable; callers treat a failed lookup
// as absent, and log and count a failed write without aborting the
// connection (spec.md §4.1, "Failure policy").
type Store interface {
	// SessionGet returns the decoded session if present and not expired.
	SessionGet(ctx context.Context, id string) (sess *session.Session, found bool, err error)
	// SessionPut atomically writes the session and sets its TTL.
	SessionPut(ctx context.Context, id string, sess session.Session, ttl time.Duration) error
	// SessionExtend resets the TTL of an existing session. ok is false if the
	// session does not exist.
	SessionExtend(ctx context.Context, id string, ttl time.Duration) (ok bool, err error)
	// SessionDelete removes the session and its message history.
	SessionDelete(ctx context.Context, id string) error

	// MessagesAppend right-appends msg to the session's message list,
	// resets the list TTL, and trims the list to maxLen entries.
	MessagesAppend(ctx context.Context, id string, msg session.MessageRecord, ttl time.Duration, maxLen int64) error
	// MessagesRange returns a slice of the message list; start/stop follow
	// list semantics (0 = oldest, -1 = newest).
	MessagesRange(ctx context.Context, id string, start, stop int64) ([]session.MessageRecord, error)

	// ListSessionIDs returns the union of ids derived from session keys and
	// session:{id}:messages keys, deduplicated.
	ListSessionIDs(ctx context.Context) ([]string, error)

	// Close releases underlying connections.
	Close() error
}

// Publisher is the pub/sub channel store used for cross-instance broadcast
// fan-out.
type Publisher interface {
	// Publish sends payload on channel.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns a channel of incoming payloads on the given subject,
	// plus an unsubscribe function. Calling unsubscribe stops further
	// deliveries; the returned channel is not closed.
	Subscribe(ctx context.Context, channel string) (msgs <-chan []byte, unsubscribe func() error, err error)
	// IsConnected reports current connectivity.
	IsConnected() bool
	// Close releases the underlying connection.
	Close() error
}

// BroadcastChannel is the normative pub/sub channel name (spec.md §6).
const BroadcastChannel = "broadcast"

const messagesKeySuffix = ":messages"

func sessionKey(id string) string  { return "session:" + id }
func messagesKey(id string) string { return "session:" + id + messagesKeySuffix }
