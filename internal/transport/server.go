// Package transport implements the HTTP/WS Entry (C9): route dispatch,
// WebSocket upgrade, health/readiness/metrics endpoints, and the session and
// broadcast admin API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/adred-codev/wschat/internal/broadcast"
	"github.com/adred-codev/wschat/internal/errs"
	"github.com/adred-codev/wschat/internal/hub"
	"github.com/adred-codev/wschat/internal/kvstore"
	"github.com/adred-codev/wschat/internal/metrics"
	"github.com/adred-codev/wschat/internal/ready"
	"github.com/adred-codev/wschat/internal/session"
)

// Server wires C9 routes to the rest of the components.
type Server struct {
	upgrader    websocket.Upgrader
	hubDeps     hub.Deps
	ready       *ready.Controller
	store       kvstore.Store
	coordinator *broadcast.Coordinator
	redisURL    string
	sessionTTL  time.Duration
	logger      zerolog.Logger

	mux *http.ServeMux
}

// New constructs a Server and registers its routes.
func New(hubDeps hub.Deps, readyCtl *ready.Controller, store kvstore.Store, coordinator *broadcast.Coordinator, redisURL string, sessionTTL time.Duration, logger zerolog.Logger) *Server {
	s := &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		hubDeps:     hubDeps,
		ready:       readyCtl,
		store:       store,
		coordinator: coordinator,
		redisURL:    redisURL,
		sessionTTL:  sessionTTL,
		logger:      logger,
		mux:         http.NewServeMux(),
	}
	s.routes()
	return s
}

// Handler returns the http.Handler to pass to http.Server.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.HandleFunc("/readyz", s.handleReadyz)
	s.mux.Handle("/metrics", metrics.Handler())
	s.mux.HandleFunc("/ws/chat/", s.handleWS)
	s.mux.HandleFunc("/chat/api/redis/status/", s.handleRedisStatus)
	s.mux.HandleFunc("/chat/api/broadcast/", s.handleBroadcast)
	s.mux.HandleFunc("/chat/api/sessions/", s.handleSessions)
}

// --- health/readiness --------------------------------------------------

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.ready.IsReady() {
		writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
}

// --- WebSocket upgrade ---------------------------------------------------

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID := q.Get("session")
	usePersistence := q.Get("redis_persistence") == "true"

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		metrics.ErrorsTotal.Inc()
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := hub.Accept(r.Context(), s.hubDeps, conn, sessionID, usePersistence)
	go c.Serve()
}

// --- admin API -------------------------------------------------------------

func (s *Server) handleRedisStatus(w http.ResponseWriter, r *http.Request) {
	// The process would have failed startup if the store could not connect,
	// so reaching this handler at all implies connectivity.
	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"redis_connected": true,
		"redis_url":       s.redisURL,
		"default_ttl":     int(s.sessionTTL.Seconds()),
	})
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only POST is supported")
		return
	}

	var req session.BroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	if err := s.coordinator.Broadcast(r.Context(), req); err != nil {
		if errors.Is(err, errs.BadRequest) {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		metrics.ErrorsTotal.Inc()
		writeError(w, http.StatusInternalServerError, "internal_error", "broadcast failed")
		return
	}

	ids, _ := s.store.ListSessionIDs(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"sessions_updated": len(ids),
	})
}

// handleSessions dispatches the four /chat/api/sessions/{id}/... routes.
// The route is registered as a plain prefix and the id and action are parsed
// from the path suffix by splitSessionPath.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	const prefix = "/chat/api/sessions/"
	rest := r.URL.Path[len(prefix):]
	if rest == "" {
		writeError(w, http.StatusNotFound, "not_found", "session id is required")
		return
	}

	id, action := splitSessionPath(rest)
	switch {
	case action == "" && r.Method == http.MethodGet:
		s.getSession(w, r, id)
	case action == "messages" && r.Method == http.MethodGet:
		s.getSessionMessages(w, r, id)
	case action == "extend" && r.Method == http.MethodPost:
		s.extendSession(w, r, id)
	case action == "delete" && r.Method == http.MethodDelete:
		s.deleteSession(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown session route")
	}
}

// splitSessionPath splits "{id}/" or "{id}/{action}/" into its parts.
func splitSessionPath(rest string) (id, action string) {
	trimmed := rest
	if len(trimmed) > 0 && trimmed[len(trimmed)-1] == '/' {
		trimmed = trimmed[:len(trimmed)-1]
	}
	for i := 0; i < len(trimmed); i++ {
		if trimmed[i] == '/' {
			return trimmed[:i], trimmed[i+1:]
		}
	}
	return trimmed, ""
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request, id string) {
	sess, found, err := s.store.SessionGet(r.Context(), id)
	if err != nil {
		metrics.ErrorsTotal.Inc()
		writeError(w, http.StatusInternalServerError, "internal_error", "session_get failed")
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "session_id": id, "data": nil})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"session_id": id,
		"data": map[string]any{
			"data": map[string]any{
				"count":         sess.Count,
				"last_activity": sess.LastActivity,
			},
			"created_at":    sess.CreatedAt,
			"ttl":           int(s.sessionTTL.Seconds()),
			"remaining_ttl": remainingTTL(sess.LastActivity, s.sessionTTL),
		},
	})
}

func remainingTTL(lastActivity int64, ttl time.Duration) int64 {
	expiresAt := lastActivity + int64(ttl.Seconds())
	remaining := expiresAt - time.Now().Unix()
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (s *Server) getSessionMessages(w http.ResponseWriter, r *http.Request, id string) {
	msgs, err := s.store.MessagesRange(r.Context(), id, 0, -1)
	if err != nil {
		metrics.ErrorsTotal.Inc()
		writeError(w, http.StatusInternalServerError, "internal_error", "messages_range failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"session_id": id,
		"messages":   msgs,
		"count":      len(msgs),
	})
}

func (s *Server) extendSession(w http.ResponseWriter, r *http.Request, id string) {
	var body struct {
		TTL int64 `json:"ttl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.TTL <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "ttl must be a positive integer number of seconds")
		return
	}

	ok, err := s.store.SessionExtend(r.Context(), id, time.Duration(body.TTL)*time.Second)
	if err != nil {
		metrics.ErrorsTotal.Inc()
		writeError(w, http.StatusInternalServerError, "internal_error", "session_extend failed")
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "session_id": id})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "session_id": id, "ttl": body.TTL})
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.store.SessionDelete(r.Context(), id); err != nil {
		metrics.ErrorsTotal.Inc()
		writeError(w, http.StatusInternalServerError, "internal_error", "session_delete failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "session_id": id})
}

// --- response helpers --------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
