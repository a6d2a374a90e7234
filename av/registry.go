package av

import (
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/torvoice/crypto"
	"github.com/sirupsen/logrus"
)

// answeredCall is the ANSWER sent for a call, kept so a retransmitted OFFER
// can be answered again without creating a second session.
type answeredCall struct {
	peer string
	raw  []byte
	at   time.Time
}

// Registry tracks the sessions of one endpoint and enforces the
// one-call-at-a-time rule. It is safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	sessions map[crypto.CallID]*Session
	answered map[crypto.CallID]answeredCall
	ttl      time.Duration
	clock    TimeProvider
}

// NewRegistry creates an empty registry. Answers are remembered for ttl.
func NewRegistry(ttl time.Duration, clock TimeProvider) *Registry {
	if clock == nil {
		clock = DefaultTimeProvider{}
	}
	return &Registry{
		sessions: make(map[crypto.CallID]*Session),
		answered: make(map[crypto.CallID]answeredCall),
		ttl:      ttl,
		clock:    clock,
	}
}

// Add stores s. It fails with ErrBusy when another call is still live.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, other := range r.sessions {
		if id == s.ID() {
			return fmt.Errorf("%w: call %s already registered", ErrState, id.Short())
		}
		if other.State() != StateEnded {
			return ErrBusy
		}
	}
	r.sessions[s.ID()] = s

	logrus.WithFields(logrus.Fields{
		"function": "Registry.Add",
		"call_id":  s.ID().Short(),
		"role":     s.Role().String(),
	}).Debug("Session registered")
	return nil
}

// Get returns the session for id.
func (r *Registry) Get(id crypto.CallID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Busy reports whether any registered call has not ended.
func (r *Registry) Busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.State() != StateEnded {
			return true
		}
	}
	return false
}

// Remove forgets the session for id. The cached answer, if any, is kept
// until it expires.
func (r *Registry) Remove(id crypto.CallID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Sessions returns every registered session.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// RememberAnswer caches the encoded ANSWER for id.
func (r *Registry) RememberAnswer(id crypto.CallID, peer string, raw []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.answered[id] = answeredCall{peer: peer, raw: append([]byte(nil), raw...), at: r.clock.Now()}
}

// Answered returns the cached ANSWER for id if it has not expired. Expired
// entries are pruned.
func (r *Registry) Answered(id crypto.CallID) (peer string, raw []byte, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	for k, a := range r.answered {
		if now.Sub(a.at) > r.ttl {
			delete(r.answered, k)
		}
	}
	a, ok := r.answered[id]
	if !ok {
		return "", nil, false
	}
	return a.peer, a.raw, true
}
