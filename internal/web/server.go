// ABOUTME: Server — REST+SSE queue control surface for the overlay
// ABOUTME: Grounded on internal/gateway/api.go's SSE writer + internal/webadmin session-cookie resolution

package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/krapmatt/krapbott-gateway/internal/identity"
	"github.com/krapmatt/krapbott-gateway/internal/queue"
	"github.com/krapmatt/krapbott-gateway/internal/store"
)

// SessionCookieName is the overlay login cookie every request in this
// package resolves a caller's channel from.
const SessionCookieName = "session_id"

// Server implements the overlay's REST+SSE API against a Store and
// queue.Engine, broadcasting one Event per successful mutation.
type Server struct {
	Store  store.Store
	Engine *queue.Engine
	Bus    *EventBroadcaster
	Logger *slog.Logger
}

// NewServer returns a Server. Pass nil logger for default.
func NewServer(s store.Store, engine *queue.Engine, bus *EventBroadcaster, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{Store: s, Engine: engine, Bus: bus, Logger: logger.With("component", "web-server")}
}

// RegisterRoutes wires every overlay endpoint onto mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/queue", s.handleGetQueue)
	mux.HandleFunc("POST /api/queue/next", s.handleNext)
	mux.HandleFunc("POST /api/queue/toggle", s.handleToggle)
	mux.HandleFunc("POST /api/queue/remove", s.handleRemove)
	mux.HandleFunc("POST /api/queue/reorder", s.handleReorder)
	mux.HandleFunc("GET /api/queue/events", s.handleEvents)
}

func (s *Server) resolveChannel(r *http.Request) (identity.ChannelId, error) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		return identity.ChannelId{}, err
	}
	sess, err := s.Store.GetSession(r.Context(), cookie.Value)
	if err != nil {
		return identity.ChannelId{}, err
	}
	return sess.Channel, nil
}

// queueSnapshot is the documented GET /api/queue envelope (spec.md
// §4.8: "{open, teamsize, entries[]}"), not a bare row list.
type queueSnapshot struct {
	Open     bool             `json:"open"`
	TeamSize int              `json:"teamsize"`
	Entries  []store.QueueRow `json:"entries"`
}

func (s *Server) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	channel, err := s.resolveChannel(r)
	if err != nil {
		sendJSONError(w, http.StatusUnauthorized, "not logged in")
		return
	}
	owner, err := s.Engine.ResolveOwner(r.Context(), channel)
	if err != nil {
		sendJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	cfg, err := s.Store.GetChannelConfig(r.Context(), owner)
	if err != nil {
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	rows, err := s.Store.GetQueueRows(r.Context(), owner)
	if err != nil {
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, queueSnapshot{Open: cfg.Open, TeamSize: cfg.TeamSize, Entries: rows})
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	channel, err := s.resolveChannel(r)
	if err != nil {
		sendJSONError(w, http.StatusUnauthorized, "not logged in")
		return
	}
	owner, err := s.Engine.ResolveOwner(r.Context(), channel)
	if err != nil {
		sendJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	cfg, err := s.Store.GetChannelConfig(r.Context(), owner)
	if err != nil {
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	// Mirror commands/queuepkg.go's execNext: raffle channels draw via
	// Randomize, ordered channels advance via Next (spec.md §4.8).
	var msg string
	if cfg.RandomQueue {
		msg, err = s.Engine.Randomize(r.Context(), owner)
	} else {
		msg, err = s.Engine.Next(r.Context(), owner)
	}
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	s.Bus.Publish(owner)
	writeJSON(w, http.StatusOK, map[string]string{"message": msg})
}

type toggleRequest struct {
	Open bool `json:"open"`
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	channel, err := s.resolveChannel(r)
	if err != nil {
		sendJSONError(w, http.StatusUnauthorized, "not logged in")
		return
	}
	var req toggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	owner, err := s.Engine.ResolveOwner(r.Context(), channel)
	if err != nil {
		sendJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	if err := s.Engine.ToggleQueue(r.Context(), owner, req.Open); err != nil {
		s.writeQueueError(w, err)
		return
	}
	s.Bus.PublishConfig(owner, req.Open)
	writeJSON(w, http.StatusOK, map[string]bool{"open": req.Open})
}

type removeRequest struct {
	DisplayName string `json:"display_name"`
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	channel, err := s.resolveChannel(r)
	if err != nil {
		sendJSONError(w, http.StatusUnauthorized, "not logged in")
		return
	}
	var req removeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DisplayName == "" {
		sendJSONError(w, http.StatusBadRequest, "display_name is required")
		return
	}
	owner, err := s.Engine.ResolveOwner(r.Context(), channel)
	if err != nil {
		sendJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	msg, err := s.Engine.Remove(r.Context(), owner, req.DisplayName)
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	s.Bus.Publish(owner)
	writeJSON(w, http.StatusOK, map[string]string{"message": msg})
}

type reorderRequest struct {
	Order []string `json:"order"`
}

func (s *Server) handleReorder(w http.ResponseWriter, r *http.Request) {
	channel, err := s.resolveChannel(r)
	if err != nil {
		sendJSONError(w, http.StatusUnauthorized, "not logged in")
		return
	}
	var req reorderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	order := make([]identity.UserId, 0, len(req.Order))
	for _, raw := range req.Order {
		id, err := identity.ParseUserId(raw)
		if err != nil {
			sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid user id %q", raw))
			return
		}
		order = append(order, id)
	}
	owner, err := s.Engine.ResolveOwner(r.Context(), channel)
	if err != nil {
		sendJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	if err := s.Engine.Reorder(r.Context(), owner, order); err != nil {
		s.writeQueueError(w, err)
		return
	}
	s.Bus.Publish(owner)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleEvents streams this channel's queue_updated and config_updated events as SSE
// until the client disconnects (spec.md §4.8).
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	channel, err := s.resolveChannel(r)
	if err != nil {
		sendJSONError(w, http.StatusUnauthorized, "not logged in")
		return
	}
	owner, err := s.Engine.ResolveOwner(r.Context(), channel)
	if err != nil {
		sendJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx := r.Context()
	events, subID := s.Bus.Subscribe(ctx, owner)
	defer s.Bus.Unsubscribe(owner, subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			writeSSEEvent(w, event.Type, event)
			flusher.Flush()
		}
	}
}

// writeQueueError maps the queue engine's sentinel errors to an HTTP
// status; anything unrecognized is a 500.
func (s *Server) writeQueueError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, queue.ErrConfigMissing):
		status = http.StatusNotFound
	case errors.Is(err, queue.ErrQueueClosed),
		errors.Is(err, queue.ErrQueueFull),
		errors.Is(err, queue.ErrNotFollowing),
		errors.Is(err, queue.ErrInvalidBungieName),
		errors.Is(err, queue.ErrDuplicateBungie),
		errors.Is(err, queue.ErrBanned),
		errors.Is(err, queue.ErrAlreadyLast),
		errors.Is(err, queue.ErrCannotLeaveLiveGroup),
		errors.Is(err, queue.ErrNotInQueue),
		errors.Is(err, queue.ErrUnknownTarget):
		status = http.StatusConflict
	}
	sendJSONError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\n", event)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}
