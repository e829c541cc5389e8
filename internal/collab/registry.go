package collab

import (
	"sync"
	"time"

	"github.com/collabpay/collabpay/internal/validation"
)

// Registry tracks live edit sessions in memory. It is an injected service
// with an explicit lifecycle (start / heartbeat / end / sweep) rather than a
// process-global map, so a clustered deployment can swap in a shared
// implementation.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]map[string]*Session // offerID -> userID -> session
	liveness time.Duration
	now      func() time.Time
}

// NewRegistry creates a session registry with the default liveness window.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]map[string]*Session),
		liveness: DefaultLiveness,
		now:      time.Now,
	}
}

// WithLiveness overrides the heartbeat window.
func (r *Registry) WithLiveness(d time.Duration) *Registry {
	if d > 0 {
		r.liveness = d
	}
	return r
}

// Start opens (or re-targets) the user's session on an offer section.
func (r *Registry) Start(offerID, userID, section string) (*Session, error) {
	if !validation.IsValidSection(section) {
		return nil, ErrInvalidSection
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	byUser, ok := r.sessions[offerID]
	if !ok {
		byUser = make(map[string]*Session)
		r.sessions[offerID] = byUser
	}

	now := r.now()
	s, ok := byUser[userID]
	if !ok {
		s = &Session{OfferID: offerID, UserID: userID, StartedAt: now}
		byUser[userID] = s
	}
	s.Section = section
	s.LastActivityAt = now
	cp := *s
	return &cp, nil
}

// Heartbeat refreshes the session's liveness.
func (r *Registry) Heartbeat(offerID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[offerID][userID]
	if !ok {
		return ErrSessionNotFound
	}
	s.LastActivityAt = r.now()
	return nil
}

// End removes the session. Ending an already-gone session is a no-op.
func (r *Registry) End(offerID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byUser, ok := r.sessions[offerID]
	if !ok {
		return
	}
	delete(byUser, userID)
	if len(byUser) == 0 {
		delete(r.sessions, offerID)
	}
}

// Active returns the offer's sessions whose heartbeat is within the
// liveness window. Stale entries are skipped, not deleted; the sweep
// removes them.
func (r *Registry) Active(offerID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cutoff := r.now().Add(-r.liveness)
	var out []*Session
	for _, s := range r.sessions[offerID] {
		if s.LastActivityAt.Before(cutoff) {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	return out
}

// Sweep deletes sessions whose heartbeat lapsed and returns how many were
// removed. Expiry only affects collaborator presence, never the offer
// document itself.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.liveness)
	removed := 0
	for offerID, byUser := range r.sessions {
		for userID, s := range byUser {
			if s.LastActivityAt.Before(cutoff) {
				delete(byUser, userID)
				removed++
			}
		}
		if len(byUser) == 0 {
			delete(r.sessions, offerID)
		}
	}
	return removed
}
