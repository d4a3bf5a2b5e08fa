package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"tsubame/internal/auth"
	"tsubame/internal/chat"
	"tsubame/internal/config"
	"tsubame/internal/metrics"
)

// Pinger reports whether the store answers
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds application dependencies
type Handler struct {
	Chat     *chat.Service
	Store    Pinger
	Auth     *auth.Verifier
	Metrics  *metrics.Metrics
	Config   config.Config
	upgrader websocket.Upgrader
}

// New creates a new Handler with the given dependencies
func New(svc *chat.Service, st Pinger, verifier *auth.Verifier, m *metrics.Metrics, cfg config.Config) *Handler {
	return &Handler{
		Chat:     svc,
		Store:    st,
		Auth:     verifier,
		Metrics:  m,
		Config:   cfg,
		upgrader: createUpgrader(cfg.AllowedOrigins),
	}
}

// SetupRouter configures and returns the HTTP router
func (h *Handler) SetupRouter() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", h.Health).Methods("GET")
	r.Handle("/metrics", h.Metrics.Handler()).Methods("GET")

	// WebSocket（トークンはクエリでも可）
	r.HandleFunc("/ws", h.HandleWebSocket).Methods("GET")

	// REST API
	api := r.NewRoute().Subrouter()
	api.Use(h.requireAuth)
	api.HandleFunc("/messages", h.CreateMessage).Methods("POST")
	api.HandleFunc("/messages/{id:[0-9]+}", h.EditMessage).Methods("PUT")
	api.HandleFunc("/messages/{id:[0-9]+}", h.DeleteMessage).Methods("DELETE")
	api.HandleFunc("/conversations/{peerId:[0-9]+}/messages", h.GetConversation).Methods("GET")
	api.HandleFunc("/conversations/{peerId:[0-9]+}/read", h.MarkRead).Methods("POST")
	api.HandleFunc("/conversations/{peerId:[0-9]+}/clear", h.ClearConversation).Methods("POST")
	api.HandleFunc("/users/{id:[0-9]+}/presence", h.GetPresence).Methods("GET")

	return r
}

// requireAuth binds the request to the user id of its bearer token
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := h.Auth.Parse(auth.BearerToken(r))
		if err != nil {
			logrus.Warnf("[%s %s] ❌ Unauthorized: %v", r.Method, r.URL.Path, err)
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithUser(r.Context(), userID)))
	})
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.Store.Ping(ctx); err != nil {
		logrus.Errorf("[GET /health] ❌ Database unreachable: %v", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusFor maps an engine error to an HTTP status and a client message
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, chat.ErrRateLimited):
		return http.StatusTooManyRequests, "Rate limit exceeded"
	case errors.Is(err, chat.ErrBlocked):
		return http.StatusForbidden, "Conversation is blocked"
	case errors.Is(err, chat.ErrForbidden):
		return http.StatusForbidden, "Forbidden"
	case errors.Is(err, chat.ErrUnauthorized):
		return http.StatusUnauthorized, "Sender does not match authenticated user"
	case errors.Is(err, chat.ErrInvalidState):
		return http.StatusConflict, "Message was deleted"
	case errors.Is(err, chat.ErrNotFound):
		return http.StatusNotFound, "Not found"
	case errors.Is(err, chat.ErrInvalidArgument):
		return http.StatusBadRequest, err.Error()
	}
	return http.StatusServiceUnavailable, "Service temporarily unavailable"
}

// respondError logs and writes an engine error
func respondError(w http.ResponseWriter, tag string, err error) {
	status, message := statusFor(err)
	if status >= 500 {
		logrus.Errorf("[%s] ❌ %v", tag, err)
	} else {
		logrus.Infof("[%s] ❌ %s: %v", tag, http.StatusText(status), err)
	}
	writeError(w, status, message)
}
