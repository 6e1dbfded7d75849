package session

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"coedit/internal/metrics"
	"coedit/internal/models"
)

var (
	ErrInvalidIdentity = errors.New("invalid_identity")
	ErrInvalidDocument = errors.New("invalid_document")
)

// Member is one connected session bound to a document room.
type Member struct {
	SessionID  string
	DocumentID string
	Username   string
	JoinedAt   time.Time
	client     *Client
}

func (m Member) User() models.User { return models.User{SID: m.SessionID, Username: m.Username} }

// PresenceListener observes membership changes. It is called with the registry
// lock held and the room's members after the change, in join order; it must
// not call back into the Registry.
type PresenceListener interface {
	MemberJoined(m Member, members []Member)
	MemberLeft(m Member, members []Member)
}

// Registry tracks connected sessions per document room.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Member
	rooms    map[string][]string // document id -> session ids in join order
	listener PresenceListener
	newID    func() string
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Member),
		rooms:    make(map[string][]string),
		newID:    uuid.NewString,
	}
}

func (r *Registry) SetListener(l PresenceListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listener = l
}

// Join registers a new session for documentID.
func (r *Registry) Join(documentID, username string, c *Client) (Member, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return Member{}, ErrInvalidIdentity
	}
	if documentID == "" {
		return Member{}, ErrInvalidDocument
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	m := &Member{
		SessionID:  r.newID(),
		DocumentID: documentID,
		Username:   username,
		JoinedAt:   time.Now(),
		client:     c,
	}
	r.sessions[m.SessionID] = m
	r.rooms[documentID] = append(r.rooms[documentID], m.SessionID)
	metrics.SessionJoined()

	if r.listener != nil {
		r.listener.MemberJoined(*m, r.membersLocked(documentID))
	}
	return *m, nil
}

// Leave removes a session. Unknown ids are a no-op.
func (r *Registry) Leave(sessionID string) (Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.sessions[sessionID]
	if !ok {
		return Member{}, false
	}
	delete(r.sessions, sessionID)

	ids := r.rooms[m.DocumentID]
	for i, id := range ids {
		if id == sessionID {
			ids = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(r.rooms, m.DocumentID)
	} else {
		r.rooms[m.DocumentID] = ids
	}
	metrics.SessionLeft()

	if r.listener != nil {
		r.listener.MemberLeft(*m, r.membersLocked(m.DocumentID))
	}
	return *m, true
}

// ListMembers returns the presence snapshot of a room in join order.
func (r *Registry) ListMembers(documentID string) []models.User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.membersLocked(documentID)
	users := make([]models.User, 0, len(members))
	for _, m := range members {
		users = append(users, m.User())
	}
	return users
}

// Members returns copies of a room's members in join order.
func (r *Registry) Members(documentID string) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.membersLocked(documentID)
}

// Client returns the outbound side of a session.
func (r *Registry) Client(sessionID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.sessions[sessionID]
	if !ok || m.client == nil {
		return nil, false
	}
	return m.client, true
}

func (r *Registry) Count(documentID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[documentID])
}

func (r *Registry) roomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// CloseAll closes every connected client. Each connection's reader then sees
// the socket close and leaves its room the normal way.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	clients := make([]*Client, 0, len(r.sessions))
	for _, m := range r.sessions {
		if m.client != nil {
			clients = append(clients, m.client)
		}
	}
	r.mu.RUnlock()
	for _, c := range clients {
		c.Close()
	}
}

func (r *Registry) membersLocked(documentID string) []Member {
	ids := r.rooms[documentID]
	out := make([]Member, 0, len(ids))
	for _, id := range ids {
		out = append(out, *r.sessions[id])
	}
	return out
}
