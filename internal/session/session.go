// Package session defines the persisted data model (Session, MessageRecord)
// and the process-local active-connection registry (C2).
package session

// Session is the persisted per-session state (spec.md §3). JSON field names
// are normative: they are the exact shape stored under the "session:{id}"
// key. The /chat/api/sessions/{id}/ endpoint reports the same values in its
// own nested layout rather than this shape.
type Session struct {
	Count        int64 `json:"count"`
	CreatedAt    int64 `json:"created_at"`
	LastActivity int64 `json:"last_activity"`
}

// MessageRecord is one entry in a session's message history list.
type MessageRecord struct {
	Content        string `json:"content"`
	TimestampMS    int64  `json:"timestamp_ms"`
	IsSent         bool   `json:"is_sent"`
	SessionID      string `json:"session_id"`
	IsBroadcast    bool   `json:"is_broadcast,omitempty"`
	BroadcastLevel string `json:"broadcast_level,omitempty"`
}

// BroadcastLevel enumerates the allowed broadcast severities (spec.md §3).
type BroadcastLevel string

const (
	LevelInfo    BroadcastLevel = "info"
	LevelWarning BroadcastLevel = "warning"
	LevelError   BroadcastLevel = "error"
	LevelSuccess BroadcastLevel = "success"
)

// ValidLevel reports whether lvl is one of the four allowed broadcast levels.
func ValidLevel(lvl string) bool {
	switch BroadcastLevel(lvl) {
	case LevelInfo, LevelWarning, LevelError, LevelSuccess:
		return true
	default:
		return false
	}
}

// BroadcastRequest is the validated input to the broadcast coordinator
// (spec.md §3).
type BroadcastRequest struct {
	Message     string `json:"message"`
	Title       string `json:"title"`
	Level       string `json:"level"`
	TimestampMS int64  `json:"timestamp_ms"`
}
