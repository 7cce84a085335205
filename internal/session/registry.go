package session

import (
	"sort"
	"sync"

	"github.com/openclaw/wa-relay-server-go/internal/model"
	"github.com/openclaw/wa-relay-server-go/internal/util"
)

// Registry maps user IDs to live sessions. Mutations for one user are
// serialized through a per-user lock; different users never contend.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	locks    *util.KeyedMutex
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		locks:    util.NewKeyedMutex(),
	}
}

// Lock acquires the per-user lock and returns its release func.
func (r *Registry) Lock(userID string) func() {
	return r.locks.Lock(userID)
}

func (r *Registry) Get(userID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[userID]
	return s, ok
}

// GetOrCreate returns the user's session, calling create only when none is
// registered. created reports whether create ran and succeeded.
func (r *Registry) GetOrCreate(userID string, create func() (*Session, error)) (s *Session, created bool, err error) {
	unlock := r.Lock(userID)
	defer unlock()
	return r.GetOrCreateLocked(userID, create)
}

// GetOrCreateLocked is GetOrCreate for callers already holding Lock(userID).
func (r *Registry) GetOrCreateLocked(userID string, create func() (*Session, error)) (*Session, bool, error) {
	if s, ok := r.Get(userID); ok {
		return s, false, nil
	}

	s, err := create()
	if err != nil {
		return nil, false, err
	}

	r.mu.Lock()
	r.sessions[userID] = s
	r.mu.Unlock()
	return s, true, nil
}

// Remove detaches the session. The caller owns destroying its client.
func (r *Registry) Remove(userID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[userID]
	if ok {
		delete(r.sessions, userID)
	}
	return s, ok
}

// RemoveIf detaches the session only if it is still the registered one.
func (r *Registry) RemoveIf(userID string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[userID]; ok && cur == s {
		delete(r.sessions, userID)
		return true
	}
	return false
}

// All returns the registered sessions ordered by user ID.
func (r *Registry) All() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) CountByState() map[model.ConnectionState]int {
	counts := make(map[model.ConnectionState]int)
	for _, s := range r.All() {
		counts[s.State()]++
	}
	return counts
}
