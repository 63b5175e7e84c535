package api

import (
	"context"
	"errors"
	"iter"
	"net/http"
	"slices"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ashureev/deep-research/internal/domain"
	"github.com/ashureev/deep-research/internal/graph"
	"github.com/ashureev/deep-research/internal/identity"
	"github.com/ashureev/deep-research/internal/research"
)

// Client message types on /ws/research.
const (
	wsStart   = "start"
	wsResume  = "resume"
	wsAnswers = "answers"
	wsPing    = "ping"
)

// ClientMessage is sent by WebSocket clients.
type ClientMessage struct {
	Type          string                  `json:"type"`
	RunID         string                  `json:"run_id,omitempty"`
	InitialQuery  string                  `json:"initial_query,omitempty"`
	CombinedQuery string                  `json:"combined_query,omitempty"`
	Answers       []domain.FollowUpAnswer `json:"answers,omitempty"`
}

// ServerMessage is sent to WebSocket clients.
type ServerMessage struct {
	Type     string             `json:"type"`
	RunID    string             `json:"run_id,omitempty"`
	Status   graph.Status       `json:"status,omitempty"`
	Snapshot *research.Snapshot `json:"snapshot,omitempty"`
	Error    string             `json:"error,omitempty"`
	Kind     string             `json:"kind,omitempty"`
}

// ServeWebSocket handles GET /ws/research. Each client message drives one
// invocation; snapshots are written back as they are produced.
func (h *Handler) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	ownerID := identity.OwnerIDFromContext(r.Context())
	h.logger.Info("WebSocket connection request", "owner_id", ownerID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "owner_id", ownerID)
		return
	}
	ws.SetReadLimit(h.opts.MaxRequestBodySize)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "owner_id", ownerID)
		}
	}()

	ctx := r.Context()
	for {
		var msg ClientMessage
		if err := wsjson.Read(ctx, ws, &msg); err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				h.logger.Debug("WebSocket closed by client", "owner_id", ownerID)
			} else {
				h.logger.Warn("WebSocket read error", "error", err, "owner_id", ownerID)
				_ = h.writeWSError(ctx, ws, "", errInvalidRequest)
			}
			return
		}
		if err := h.dispatch(ctx, ws, ownerID, msg); err != nil {
			h.logger.Debug("WebSocket write failed", "error", err, "owner_id", ownerID)
			return
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, ws *websocket.Conn, ownerID string, msg ClientMessage) error {
	switch msg.Type {
	case wsPing:
		return wsjson.Write(ctx, ws, ServerMessage{Type: "pong"})
	case wsStart:
		return h.relay(ctx, ws, msg.RunID, h.svc.Start(ctx, research.StartRequest{
			RunID:        strings.TrimSpace(msg.RunID),
			InitialQuery: msg.InitialQuery,
			OwnerID:      ownerID,
		}))
	case wsResume, wsAnswers:
		if _, err := h.ownedRun(ctx, msg.RunID); err != nil {
			return h.writeWSError(ctx, ws, msg.RunID, err)
		}
		if msg.Type == wsResume {
			return h.relay(ctx, ws, msg.RunID, h.svc.Resume(ctx, msg.RunID, msg.CombinedQuery))
		}
		return h.relay(ctx, ws, msg.RunID, h.svc.Answer(ctx, msg.RunID, msg.Answers))
	default:
		return h.writeWSError(ctx, ws, msg.RunID, errInvalidRequest)
	}
}

// relay forwards a snapshot stream. A write error stops the stream, which
// marks the run interrupted.
func (h *Handler) relay(ctx context.Context, ws *websocket.Conn, runID string, seq iter.Seq2[research.Snapshot, error]) error {
	var last research.Snapshot
	last.RunID = runID
	for snap, err := range seq {
		if err != nil {
			return h.writeWSError(ctx, ws, last.RunID, err)
		}
		last = snap
		if err := wsjson.Write(ctx, ws, ServerMessage{Type: "snapshot", RunID: snap.RunID, Snapshot: &snap}); err != nil {
			return err
		}
	}
	return wsjson.Write(ctx, ws, ServerMessage{Type: "done", RunID: last.RunID, Status: last.Status})
}

func (h *Handler) writeWSError(ctx context.Context, ws *websocket.Conn, runID string, err error) error {
	_, kind := Classify(err)
	return wsjson.Write(ctx, ws, ServerMessage{Type: "error", RunID: runID, Error: err.Error(), Kind: kind})
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.opts.AllowedOrigins) == 0 || slices.Contains(h.opts.AllowedOrigins, "*") {
		return true
	}
	if slices.Contains(h.opts.AllowedOrigins, origin) {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin)
	return false
}
