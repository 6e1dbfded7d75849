package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"coedit/internal/config"
	"coedit/internal/document"
	"coedit/internal/exec"
	"coedit/internal/models"
	"coedit/internal/protocol"
	"coedit/internal/session"
	"coedit/internal/utils"
)

const (
	maxMessageSize = 1 << 20
	pongWait       = 60 * time.Second
	executeTimeout = 12 * time.Second
)

type runner interface {
	Execute(ctx context.Context, req models.ExecuteRequest) (models.ExecuteResult, error)
}

type Handlers struct {
	log            *utils.Logger
	runner         runner
	protocol       *protocol.Handler
	requireAuth    bool
	queueSize      int
	allowedOrigins []string
	upgrader       websocket.Upgrader
}

func NewHandlers(log *utils.Logger, cfg *config.Config, proto *protocol.Handler) *Handlers {
	return NewHandlersWithDeps(log, cfg, proto, exec.NewRunner(cfg.SandboxURL))
}

func NewHandlersWithDeps(log *utils.Logger, cfg *config.Config, proto *protocol.Handler, r runner) *Handlers {
	h := &Handlers{
		log:            log,
		runner:         r,
		protocol:       proto,
		requireAuth:    cfg.RequireAuth,
		queueSize:      cfg.SendQueueSize,
		allowedOrigins: cfg.AllowedOrigins,
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.checkOrigin}
	return h
}

func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
}

// GetDocument returns the current text, revision and members of a document.
func (h *Handlers) GetDocument(w http.ResponseWriter, r *http.Request) {
	documentID := chi.URLParam(r, "id")
	if documentID == "" {
		http.Error(w, "document id required", http.StatusBadRequest)
		return
	}
	view, err := h.protocol.View(r.Context(), documentID)
	if err != nil {
		switch {
		case errors.Is(err, document.ErrInvalidDocument):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, document.ErrTimeout):
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		default:
			h.log.Error("document view failed", "doc", documentID, "error", err.Error())
			http.Error(w, "failed to load document", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Execute compiles and runs the submitted program through the sandbox.
// With auth required, anonymous callers are refused before any code runs.
func (h *Handlers) Execute(w http.ResponseWriter, r *http.Request) {
	if h.requireAuth {
		if _, _, err := h.identify(r, ""); err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			return
		}
	}

	var req models.ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "No code provided"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), executeTimeout)
	defer cancel()

	res, err := h.runner.Execute(ctx, req)
	if err != nil {
		switch {
		case errors.Is(err, exec.ErrSandboxUnavailable):
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		case errors.Is(err, exec.ErrUnsupportedLanguage):
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		default:
			h.log.Error("execution failed", "error", err.Error())
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		}
		return
	}
	writeJSON(w, http.StatusOK, res)
}

/*** Collab WebSocket: one connection per session, frames handled by the sync protocol ***/

func (h *Handlers) CollabWS(w http.ResponseWriter, r *http.Request) {
	documentID := chi.URLParam(r, "id")
	if documentID == "" {
		http.Error(w, "document id required", http.StatusBadRequest)
		return
	}
	username, status, err := h.identify(r, documentID)
	if err != nil {
		http.Error(w, err.Error(), status)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	client := session.NewClientWithQueue(conn, h.queueSize)
	go client.WritePump()
	pc := h.protocol.Connect(documentID, username, client)
	defer func() {
		pc.Close()
		client.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	ctx := r.Context()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("websocket closed", "doc", documentID, "sid", pc.SessionID(), "error", err.Error())
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame models.WSFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			client.Send(models.WSFrame{Type: models.FrameError, Data: models.Message{Message: "malformed_frame"}})
			continue
		}
		pc.Handle(ctx, frame)
	}
}

// identify resolves the username of a connection. A token, when present, is
// authoritative; otherwise the username query parameter is used unless auth
// is required.
// identify resolves the caller's username. An empty documentID skips the
// token's document binding.
func (h *Handlers) identify(r *http.Request, documentID string) (string, int, error) {
	token := r.URL.Query().Get("token")
	if token == "" && r.Header.Get("Authorization") != "" {
		var err error
		if token, err = utils.ExtractTokenFromHeader(r.Header.Get("Authorization")); err != nil {
			return "", http.StatusUnauthorized, err
		}
	}

	if token == "" {
		if h.requireAuth {
			return "", http.StatusUnauthorized, errors.New("missing token")
		}
		return r.URL.Query().Get("username"), http.StatusOK, nil
	}

	claims, err := utils.ValidateAccessToken(token)
	if err != nil {
		return "", http.StatusUnauthorized, errors.New("invalid token")
	}
	if documentID != "" && claims.DocumentId != "" && claims.DocumentId != documentID {
		return "", http.StatusForbidden, errors.New("token not valid for this document")
	}
	return claims.Username, http.StatusOK, nil
}

func (h *Handlers) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
