package session

import (
	"coedit/internal/models"
	"coedit/internal/utils"
)

// Hub fans frames out to the members of a room. It only enqueues on client
// queues, so it is safe to call while a document or registry lock is held.
type Hub struct {
	registry *Registry
	log      *utils.Logger
}

// NewHub creates a hub bound to r and registers it as r's presence listener.
func NewHub(r *Registry, log *utils.Logger) *Hub {
	if log == nil {
		log = utils.NewLogger()
	}
	h := &Hub{registry: r, log: log}
	r.SetListener(h)
	return h
}

// BroadcastDocument sends the full document to every member except
// excludeSessionID ("" means everyone).
func (h *Hub) BroadcastDocument(documentID, excludeSessionID string, doc models.DocState) {
	frame := models.WSFrame{Type: models.FrameDocument, Data: doc}
	for _, m := range h.registry.Members(documentID) {
		if m.SessionID == excludeSessionID {
			continue
		}
		h.deliver(m, frame)
	}
}

func (h *Hub) BroadcastPresence(documentID string) {
	members := h.registry.Members(documentID)
	h.broadcast(members, allUsersFrame(members))
}

func (h *Hub) SendForceSync(sessionID string, doc models.DocState) bool {
	return h.SendTo(sessionID, models.WSFrame{Type: models.FrameForceSync, Data: doc})
}

func (h *Hub) SendDocument(sessionID string, doc models.DocState) bool {
	return h.SendTo(sessionID, models.WSFrame{Type: models.FrameDocument, Data: doc})
}

// SendTo delivers a directed frame. Unknown sessions are skipped.
func (h *Hub) SendTo(sessionID string, frame models.WSFrame) bool {
	c, ok := h.registry.Client(sessionID)
	if !ok {
		return false
	}
	return c.Send(frame)
}

// MemberJoined runs under the registry lock; it must not call the registry.
func (h *Hub) MemberJoined(m Member, members []Member) {
	h.broadcast(members, models.WSFrame{Type: models.FrameUserConnected, Data: m.User()})
	h.broadcast(members, allUsersFrame(members))
}

// MemberLeft runs under the registry lock; it must not call the registry.
func (h *Hub) MemberLeft(m Member, members []Member) {
	h.broadcast(members, models.WSFrame{Type: models.FrameUserDisconnected, Data: m.User()})
	h.broadcast(members, allUsersFrame(members))
}

func (h *Hub) broadcast(members []Member, frame models.WSFrame) {
	for _, m := range members {
		h.deliver(m, frame)
	}
}

func (h *Hub) deliver(m Member, frame models.WSFrame) {
	if m.client == nil {
		return
	}
	if !m.client.Send(frame) {
		h.log.Warn("frame not delivered", "doc", m.DocumentID, "sid", m.SessionID, "type", frame.Type)
	}
}

func allUsersFrame(members []Member) models.WSFrame {
	users := make([]models.User, 0, len(members))
	for _, m := range members {
		users = append(users, m.User())
	}
	return models.WSFrame{Type: models.FrameAllUsers, Data: models.AllUsers{Users: users}}
}
