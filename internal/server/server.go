// Package server exposes the turn engine over HTTP: a JSON advance endpoint,
// websocket status and token streams, read-only history, and the operational
// endpoints (/metrics, /healthz, /readyz).
//
// Authentication is reduced to an owner-token header (X-User-ID); full auth
// is a concern of the surrounding deployment.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/fabula/internal/bus"
	"github.com/MrWong99/fabula/internal/energy"
	"github.com/MrWong99/fabula/internal/engine"
	"github.com/MrWong99/fabula/internal/health"
	"github.com/MrWong99/fabula/internal/observe"
	"github.com/MrWong99/fabula/internal/store"
	"github.com/MrWong99/fabula/internal/story"
)

// defaultHistoryLimit caps a history listing without an explicit limit.
const defaultHistoryLimit = 200

// Server routes HTTP traffic to the turn engine and its stores.
type Server struct {
	engine  *engine.Engine
	store   store.Store
	bus     bus.Bus
	granter energy.Granter // nil when metering is disabled
	health  *health.Handler
	metrics *observe.Metrics
}

// New creates a Server. The health handler may carry any number of readiness
// checkers; metrics must be non-nil. A nil granter disables the energy grant
// endpoint.
func New(eng *engine.Engine, st store.Store, b bus.Bus, g energy.Granter, h *health.Handler, m *observe.Metrics) *Server {
	return &Server{engine: eng, store: st, bus: b, granter: g, health: h, metrics: m}
}

// Handler returns the fully routed HTTP handler, instrumented with the
// observe middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/stories", s.createStory)
	mux.HandleFunc("POST /v1/characters", s.createCharacter)
	mux.HandleFunc("POST /v1/stories/{id}/advance", s.advance)
	mux.HandleFunc("GET /v1/stories/{id}/status", s.streamStatus)
	mux.HandleFunc("GET /v1/stories/{id}/tokens", s.streamTokens)
	mux.HandleFunc("GET /v1/stories/{id}/messages", s.listMessages)
	if s.granter != nil {
		mux.HandleFunc("POST /v1/energy/grants", s.grantEnergy)
	}

	mux.Handle("GET /metrics", promhttp.Handler())
	s.health.Register(mux)

	return observe.Middleware(s.metrics)(mux)
}

type advanceRequest struct {
	UserMessage string `json:"userMessage"`
}

type advanceResponse struct {
	MessageID int64 `json:"messageId"`
}

// advance runs one turn. The ownership check lives here because only the
// transport knows who is calling; everything else is the engine's business.
func (s *Server) advance(w http.ResponseWriter, r *http.Request) {
	storyID := r.PathValue("id")
	userID := r.Header.Get("X-User-ID")

	st, err := s.store.GetStory(r.Context(), storyID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if userID == "" || st.OwnerID != userID {
		writeError(w, http.StatusForbidden, engine.ErrForbidden.Error())
		return
	}

	var req advanceRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}
	}

	id, err := s.engine.Advance(r.Context(), storyID, req.UserMessage)
	if err != nil {
		s.writeAdvanceError(w, storyID, err)
		return
	}
	writeJSON(w, http.StatusOK, advanceResponse{MessageID: id})
}

// writeAdvanceError maps engine error kinds onto HTTP statuses.
func (s *Server) writeAdvanceError(w http.ResponseWriter, storyID string, err error) {
	var ue *engine.UpstreamError
	switch {
	case errors.Is(err, engine.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, engine.ErrPayloadTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, engine.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrPreconditionFailed):
		writeError(w, http.StatusPreconditionFailed, err.Error())
	case errors.As(err, &ue):
		writeError(w, http.StatusBadGateway, ue.Message)
	default:
		slog.Error("advance failed", "story", storyID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// streamStatus upgrades to a websocket and pushes status updates. The first
// message is the current snapshot: the busy lease merged with the stored
// sticky failure reason.
func (s *Server) streamStatus(w http.ResponseWriter, r *http.Request) {
	storyID := r.PathValue("id")
	st, err := s.store.GetStory(r.Context(), storyID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream aborted")

	ctx := r.Context()
	updates, stop, err := s.bus.SubscribeStatus(ctx, storyID)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer stop()

	// The subscription's first update carries the busy snapshot; combine it
	// with the stored reason so a reconnecting client sees both.
	first := <-updates
	first.Reason = &st.Reason
	if err := wsjson.Write(ctx, conn, first); err != nil {
		return
	}

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := wsjson.Write(ctx, conn, update); err != nil {
				return
			}
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}

// streamTokens upgrades to a websocket and pushes token events for
// generations that start while the subscription is live.
func (s *Server) streamTokens(w http.ResponseWriter, r *http.Request) {
	storyID := r.PathValue("id")
	if _, err := s.store.GetStory(r.Context(), storyID); err != nil {
		s.writeStoreError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream aborted")

	ctx := r.Context()
	events, stop, err := s.bus.SubscribeTokens(ctx, storyID)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				return
			}
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}

type messageView struct {
	ID        int64  `json:"id"`
	CharID    int64  `json:"charId"`
	Text      string `json:"text"`
	CreatedAt string `json:"createdAt"`
}

// listMessages returns the story's history, ascending, most recent `limit`.
func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	storyID := r.PathValue("id")
	if _, err := s.store.GetStory(r.Context(), storyID); err != nil {
		s.writeStoreError(w, err)
		return
	}

	limit := defaultHistoryLimit
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	msgs, err := s.store.List(r.Context(), storyID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	views := make([]messageView, len(msgs))
	for i, m := range msgs {
		views[i] = messageView{
			ID:        m.ID,
			CharID:    m.CharID,
			Text:      m.Text,
			CreatedAt: m.CreatedAt.UTC().Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": views})
}

type createStoryRequest struct {
	Name        string  `json:"name"`
	CastIDs     []int64 `json:"castIds"`
	HumanCharID int64   `json:"humanCharId"`
	Setup       string  `json:"setup"`
	Fabula      string  `json:"fabula"`
}

func (s *Server) createStory(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		writeError(w, http.StatusForbidden, "missing X-User-ID")
		return
	}

	var req createStoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	st, err := s.store.CreateStory(r.Context(), &story.Story{
		Name:        req.Name,
		OwnerID:     userID,
		CastIDs:     req.CastIDs,
		HumanCharID: req.HumanCharID,
		Setup:       req.Setup,
		Fabula:      req.Fabula,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": st.ID})
}

type createCharacterRequest struct {
	Name        string `json:"name"`
	Bio         string `json:"bio"`
	Personality string `json:"personality"`
}

func (s *Server) createCharacter(w http.ResponseWriter, r *http.Request) {
	var req createCharacterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name must not be empty")
		return
	}

	c, err := s.store.CreateCharacter(r.Context(), &story.Character{
		Name:        req.Name,
		Bio:         req.Bio,
		Personality: req.Personality,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create character")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": c.ID})
}

type grantEnergyRequest struct {
	UserID string `json:"userId"`
	Amount int    `json:"amount"`
}

// grantEnergy credits energy to a user's ledger. Only routed when a granter
// is configured.
func (s *Server) grantEnergy(w http.ResponseWriter, r *http.Request) {
	var req grantEnergyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.UserID == "" || req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "userId and a positive amount are required")
		return
	}

	if err := s.granter.Grant(r.Context(), req.UserID, req.Amount); err != nil {
		slog.Error("energy grant failed", "user", req.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to record grant")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"userId": req.UserID, "amount": req.Amount})
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "story not found")
		return
	}
	slog.Error("store lookup failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Run serves the handler until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
