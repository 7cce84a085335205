package session

import (
	"context"
	"sync"
	"time"

	"github.com/openclaw/wa-relay-server-go/internal/model"
	"github.com/openclaw/wa-relay-server-go/internal/whatsapp"
)

const eventBuffer = 64

// Session is one user's live connection and its volatile state. The client
// handle is owned by the session; only the lifecycle manager calls into it.
type Session struct {
	UserID    string
	CreatedAt time.Time

	client whatsapp.Client

	mu          sync.RWMutex
	state       model.ConnectionState
	pairingCode string
	chats       []model.ChatSummary
	jid         string
	pushName    string
	reason      string

	events    chan whatsapp.Event
	done      chan struct{}
	closeOnce sync.Once

	destroyOnce sync.Once
	destroyErr  error
}

// Snapshot is a consistent copy of a session's state.
type Snapshot struct {
	UserID      string                `json:"userId"`
	State       model.ConnectionState `json:"state"`
	PairingCode string                `json:"-"`
	Chats       []model.ChatSummary   `json:"-"`
	JID         string                `json:"jid,omitempty"`
	PushName    string                `json:"pushName,omitempty"`
	Reason      string                `json:"reason,omitempty"`
}

func New(userID string) *Session {
	return &Session{
		UserID:    userID,
		CreatedAt: time.Now(),
		state:     model.StateUninitialized,
		events:    make(chan whatsapp.Event, eventBuffer),
		done:      make(chan struct{}),
	}
}

// Attach sets the connection handle. It must be called before the session is
// published to the registry.
func (s *Session) Attach(client whatsapp.Client) {
	s.client = client
}

func (s *Session) Client() whatsapp.Client {
	return s.client
}

// Enqueue hands an event to the session's event loop. Events arriving after
// Close are dropped.
func (s *Session) Enqueue(evt whatsapp.Event) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.events <- evt:
	case <-s.done:
	}
}

func (s *Session) Events() <-chan whatsapp.Event {
	return s.events
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close stops event delivery. The client is not destroyed.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Destroy releases the client exactly once; later calls return the first
// result.
func (s *Session) Destroy(ctx context.Context) error {
	s.destroyOnce.Do(func() {
		if s.client != nil {
			s.destroyErr = s.client.Destroy(ctx)
		}
	})
	return s.destroyErr
}

func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) State() model.ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chats := make([]model.ChatSummary, len(s.chats))
	copy(chats, s.chats)
	return Snapshot{
		UserID:      s.UserID,
		State:       s.state,
		PairingCode: s.pairingCode,
		Chats:       chats,
		JID:         s.jid,
		PushName:    s.pushName,
		Reason:      s.reason,
	}
}

func (s *Session) SetAwaitingScan(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = model.StateAwaitingScan
	s.pairingCode = code
	s.reason = ""
}

func (s *Session) SetConnected(jid, pushName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = model.StateConnected
	s.pairingCode = ""
	s.jid = jid
	s.pushName = pushName
	s.reason = ""
}

func (s *Session) SetDisconnected(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = model.StateDisconnected
	s.pairingCode = ""
	s.reason = reason
}

func (s *Session) SetAuthFailed(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = model.StateAuthenticationFailed
	s.pairingCode = ""
	s.reason = reason
}

// SetChats replaces the chat cache wholesale.
func (s *Session) SetChats(chats []model.ChatSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats = chats
}
