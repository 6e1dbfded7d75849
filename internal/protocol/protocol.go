package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"coedit/internal/document"
	"coedit/internal/metrics"
	"coedit/internal/models"
	"coedit/internal/session"
	"coedit/internal/utils"
)

type State int

const (
	StateConnected State = iota
	StateJoined
	StateSyncing
	StateEditing
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateJoined:
		return "joined"
	case StateSyncing:
		return "syncing"
	case StateEditing:
		return "editing"
	case StateDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// error messages sent to clients
const (
	msgSyncRequired = "sync_required"
	msgUnknownType  = "unknown_type"
	msgUnavailable  = "unavailable"
)

const closeTimeout = 5 * time.Second

// EventPublisher announces room lifecycle events to other services.
type EventPublisher interface {
	PublishClosed(ctx context.Context, ev models.DocumentClosedEvent) error
}

// Handler runs the sync protocol for every connection of this process.
type Handler struct {
	store      *document.Store
	registry   *session.Registry
	hub        *session.Hub
	log        *utils.Logger
	events     EventPublisher
	instanceID string
}

type Option func(*Handler)

func WithLogger(l *utils.Logger) Option { return func(h *Handler) { h.log = l } }

func WithEvents(p EventPublisher) Option { return func(h *Handler) { h.events = p } }

func NewHandler(store *document.Store, registry *session.Registry, hub *session.Hub, opts ...Option) *Handler {
	h := &Handler{
		store:      store,
		registry:   registry,
		hub:        hub,
		instanceID: uuid.NewString(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.log == nil {
		h.log = utils.NewLogger()
	}
	return h
}

// View returns the current state of a document with its presence list.
func (h *Handler) View(ctx context.Context, documentID string) (models.DocumentView, error) {
	doc, err := h.store.Snapshot(ctx, documentID, nil)
	if err != nil {
		return models.DocumentView{}, err
	}
	return models.DocumentView{
		ID:       documentID,
		Text:     doc.Text,
		Revision: doc.Revision,
		Users:    h.registry.ListMembers(documentID),
	}, nil
}

// Conn is the protocol state of one connection. Handle is called from the
// connection's reader goroutine; Close may be called from anywhere.
type Conn struct {
	h          *Handler
	documentID string
	username   string
	client     *session.Client

	mu    sync.Mutex
	state State
	sid   string
}

func (h *Handler) Connect(documentID, username string, client *session.Client) *Conn {
	return &Conn{h: h, documentID: documentID, username: username, client: client, state: StateConnected}
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sid
}

// Handle processes one inbound frame.
func (c *Conn) Handle(ctx context.Context, frame models.WSFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisconnected {
		return
	}

	switch frame.Type {
	case models.FrameJoin:
		c.join()
	case models.FrameRequestSync:
		if c.state == StateConnected && !c.join() {
			return
		}
		c.sync(ctx)
	case models.FrameEdit:
		c.edit(ctx, frame)
	default:
		c.reply(models.FrameError, msgUnknownType)
	}
}

// join registers the connection; joining twice is a no-op.
func (c *Conn) join() bool {
	if c.state != StateConnected {
		return true
	}
	m, err := c.h.registry.Join(c.documentID, c.username, c.client)
	if err != nil {
		c.h.log.Warn("join rejected", "doc", c.documentID, "err", err.Error())
		c.reply(models.FrameError, err.Error())
		return false
	}
	c.sid = m.SessionID
	c.state = StateJoined
	c.h.log.Info("session joined", "doc", c.documentID, "sid", c.sid, "user", c.username)
	return true
}

func (c *Conn) sync(ctx context.Context) {
	prev := c.state
	c.state = StateSyncing
	_, err := c.h.store.Snapshot(ctx, c.documentID, func(doc models.DocState) {
		c.h.hub.SendDocument(c.sid, doc)
	})
	if err != nil {
		c.h.log.Warn("sync failed", "doc", c.documentID, "sid", c.sid, "err", err.Error())
		c.state = prev
		c.reply(models.FrameError, failureMessage(err))
		return
	}
	c.state = StateEditing
}

func (c *Conn) edit(ctx context.Context, frame models.WSFrame) {
	if c.state != StateEditing {
		c.reply(models.FrameEditError, msgSyncRequired)
		return
	}

	var req models.EditRequest
	if err := decode(frame.Data, &req); err != nil {
		c.reply(models.FrameEditError, document.ErrInvalidOperation.Error())
		return
	}
	op, err := toOperation(req)
	if err != nil {
		metrics.ObserveOperation(kindLabel(req.Type), "invalid")
		c.reply(models.FrameEditError, document.ErrInvalidOperation.Error())
		return
	}
	var clientRevision int64
	if req.Revision != nil {
		clientRevision = *req.Revision
	}

	_, err = c.h.store.Apply(ctx, c.documentID, op, clientRevision, func(doc models.DocState, err error) {
		switch {
		case err == nil:
			c.h.hub.BroadcastDocument(c.documentID, c.sid, doc)
			c.h.hub.SendTo(c.sid, models.WSFrame{Type: models.FrameAck, Data: models.Ack{Revision: doc.Revision}})
		case errors.Is(err, document.ErrResyncRequired):
			c.state = StateSyncing
			c.h.hub.SendForceSync(c.sid, doc)
		case errors.Is(err, document.ErrInvalidOperation):
			c.h.hub.SendTo(c.sid, errorFrame(models.FrameEditError, document.ErrInvalidOperation.Error()))
			c.h.hub.SendForceSync(c.sid, doc)
		}
	})

	kind := string(op.Kind)
	switch {
	case err == nil:
		metrics.ObserveOperation(kind, "ok")
	case errors.Is(err, document.ErrResyncRequired):
		metrics.ObserveOperation(kind, "resync")
		metrics.Resync()
		c.state = StateEditing
		c.h.log.Warn("edit diverged", "doc", c.documentID, "sid", c.sid, "err", err.Error())
	case errors.Is(err, document.ErrInvalidOperation):
		metrics.ObserveOperation(kind, "invalid")
		c.h.log.Warn("edit rejected", "doc", c.documentID, "sid", c.sid, "err", err.Error())
	default:
		metrics.ObserveOperation(kind, "error")
		c.h.log.Warn("edit failed", "doc", c.documentID, "sid", c.sid, "err", err.Error())
		c.reply(models.FrameEditError, failureMessage(err))
	}
}

// Close leaves the room. It is idempotent. The last member out flushes the
// document and announces the room as closed.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	sid := c.sid
	c.mu.Unlock()

	if sid == "" {
		return
	}
	if _, ok := c.h.registry.Leave(sid); !ok {
		return
	}
	c.h.log.Info("session left", "doc", c.documentID, "sid", sid)
	if c.h.registry.Count(c.documentID) == 0 {
		c.h.roomClosed(c.documentID)
	}
}

func (h *Handler) roomClosed(documentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	if err := h.store.FlushDocument(ctx, documentID); err != nil {
		h.log.Error("flush on close failed", "doc", documentID, "err", err.Error())
	}
	if h.events == nil {
		return
	}
	doc, err := h.store.Snapshot(ctx, documentID, nil)
	if err != nil {
		h.log.Error("snapshot on close failed", "doc", documentID, "err", err.Error())
		return
	}
	ev := models.DocumentClosedEvent{
		DocumentID: documentID,
		InstanceID: h.instanceID,
		Revision:   doc.Revision,
		Length:     utf8.RuneCountInString(doc.Text),
		ClosedAt:   time.Now().UTC().Format(time.RFC3339),
	}
	if err := h.events.PublishClosed(ctx, ev); err != nil {
		h.log.Error("publish document closed failed", "doc", documentID, "err", err.Error())
	}
}

func (c *Conn) reply(typ, msg string) { c.client.Send(errorFrame(typ, msg)) }

func errorFrame(typ, msg string) models.WSFrame {
	return models.WSFrame{Type: typ, Data: models.Message{Message: msg}}
}

func failureMessage(err error) string {
	if errors.Is(err, document.ErrTimeout) {
		return document.ErrTimeout.Error()
	}
	if errors.Is(err, document.ErrInvalidDocument) {
		return document.ErrInvalidDocument.Error()
	}
	return msgUnavailable
}

func toOperation(req models.EditRequest) (document.Operation, error) {
	switch kind := document.Kind(req.Type); kind {
	case document.KindReplace:
		return document.Replace(req.Text), nil
	case document.KindInsert, document.KindDelete:
		if req.Position == nil {
			return document.Operation{}, fmt.Errorf("%w: %s without position", document.ErrInvalidOperation, kind)
		}
		return document.Operation{Kind: kind, Position: *req.Position, Text: req.Text}, nil
	default:
		return document.Operation{}, fmt.Errorf("%w: unknown type %q", document.ErrInvalidOperation, req.Type)
	}
}

func kindLabel(t string) string {
	switch document.Kind(t) {
	case document.KindInsert, document.KindDelete, document.KindReplace:
		return t
	}
	return "unknown"
}

// decode converts a generically decoded payload into out.
func decode(in any, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
