package leader

import (
	"fmt"
	"sync"
	"time"
)

// Lease error codes, also used as peer API error identifiers.
const (
	CodeTermStale  = "lease_term_stale"
	CodeLeaseHeld  = "lease_active"
	CodeNotHeld    = "lease_not_held"
	CodeInvalidTTL = "lease_invalid_ttl"
)

// Lease is the lease record a node keeps for one repository.
type Lease struct {
	LeaderID       string
	LeaderEndpoint string
	Term           uint64
	ExpiresAt      time.Time
	// Observed is set once the holder renewed or was learned from a peer.
	// An unobserved grant is only a vote and is forgotten when it expires.
	Observed     bool
	ObservedTerm uint64
}

// Active reports whether the lease names a holder and has not expired.
func (l Lease) Active(now time.Time) bool {
	return l.LeaderID != "" && l.ExpiresAt.After(now)
}

// LeaseError reports a lease conflict or term mismatch.
type LeaseError struct {
	Code           string
	Detail         string
	LeaderID       string
	LeaderEndpoint string
	Term           uint64
}

func (e *LeaseError) Error() string {
	if e == nil {
		return ""
	}
	if e.Detail != "" {
		return e.Detail
	}
	return fmt.Sprintf("lease error: %s", e.Code)
}

func conflict(code, detail string, l Lease) *LeaseError {
	return &LeaseError{
		Code:           code,
		Detail:         detail,
		LeaderID:       l.LeaderID,
		LeaderEndpoint: l.LeaderEndpoint,
		Term:           l.Term,
	}
}

// LeaseStore holds the lease record of one repository on this node. It
// answers votes from candidates and is consulted by the local actor.
type LeaseStore struct {
	mu    sync.Mutex
	lease Lease
}

// current applies expiry to the stored lease. Callers hold s.mu.
func (s *LeaseStore) current(now time.Time) Lease {
	l := s.lease
	if l.Observed && l.Term > l.ObservedTerm {
		l.ObservedTerm = l.Term
	}
	if l.Term < l.ObservedTerm {
		l.Term = l.ObservedTerm
	}
	if !l.Observed && (l.ExpiresAt.IsZero() || !l.ExpiresAt.After(now)) {
		l.LeaderID = ""
		l.LeaderEndpoint = ""
		l.ExpiresAt = time.Time{}
		l.Term = l.ObservedTerm
	}
	s.lease = l
	return l
}

// Acquire grants the lease to a candidate for term when no other holder is
// active and the term advances.
func (s *LeaseStore) Acquire(now time.Time, candidateID, candidateEndpoint string, term uint64, ttl time.Duration) (Lease, *LeaseError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.current(now)
	switch {
	case term < l.Term:
		return l, conflict(CodeTermStale, "term is lower than current term", l)
	case ttl <= 0:
		return l, &LeaseError{Code: CodeInvalidTTL, Detail: "ttl must be > 0"}
	}
	if l.Active(now) {
		if l.LeaderID != candidateID || l.Term != term {
			return l, conflict(CodeLeaseHeld, "another leader holds an active lease", l)
		}
		l.ExpiresAt = now.Add(ttl)
		s.lease = l
		return l, nil
	}
	if term <= l.Term {
		return l, conflict(CodeTermStale, "term is lower than current term", l)
	}
	l.LeaderID = candidateID
	l.LeaderEndpoint = candidateEndpoint
	l.Term = term
	l.ExpiresAt = now.Add(ttl)
	l.Observed = false
	s.lease = l
	return l, nil
}

// Renew extends an active lease held by leaderID for term.
func (s *LeaseStore) Renew(now time.Time, leaderID string, term uint64, ttl time.Duration) (Lease, *LeaseError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.current(now)
	switch {
	case term < l.Term:
		return l, conflict(CodeTermStale, "term is lower than current term", l)
	case ttl <= 0:
		return l, &LeaseError{Code: CodeInvalidTTL, Detail: "ttl must be > 0"}
	case l.LeaderID != leaderID || l.Term != term || !l.ExpiresAt.After(now):
		return l, conflict(CodeNotHeld, "lease is not held by this leader", l)
	}
	l.ExpiresAt = now.Add(ttl)
	l.Observed = true
	if l.Term > l.ObservedTerm {
		l.ObservedTerm = l.Term
	}
	s.lease = l
	return l, nil
}

// Release clears the lease if leaderID holds it for term. A released
// observed lease keeps its term; a released vote rolls back to the last
// observed term.
func (s *LeaseStore) Release(now time.Time, leaderID string, term uint64) (Lease, *LeaseError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.current(now)
	if term < l.Term {
		return l, conflict(CodeTermStale, "term is lower than current term", l)
	}
	if l.LeaderID != leaderID || l.Term != term {
		return l, conflict(CodeNotHeld, "lease is not held by this leader", l)
	}
	observed := l.Observed
	l.LeaderID = ""
	l.LeaderEndpoint = ""
	l.Observed = false
	if observed {
		l.ExpiresAt = now
		if l.Term > l.ObservedTerm {
			l.ObservedTerm = l.Term
		}
	} else {
		l.ExpiresAt = time.Time{}
		l.Term = l.ObservedTerm
	}
	s.lease = l
	return l, nil
}

// Follow records a leader learned from a peer if it is at least as new as
// the local record.
func (s *LeaseStore) Follow(now time.Time, leaderID, leaderEndpoint string, term uint64, expiresAt time.Time) (Lease, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.current(now)
	if leaderID == "" || leaderEndpoint == "" || term == 0 || !expiresAt.After(now) || term < l.Term {
		return l, false
	}
	if term == l.Term && l.Active(now) && l.LeaderID != leaderID {
		return l, false
	}
	l.LeaderID = leaderID
	l.LeaderEndpoint = leaderEndpoint
	l.Term = term
	l.ExpiresAt = expiresAt
	l.Observed = true
	if l.Term > l.ObservedTerm {
		l.ObservedTerm = l.Term
	}
	s.lease = l
	return l, true
}

// Check confirms that leaderID holds an unexpired lease for term. Followers
// call it before applying replicated writes.
func (s *LeaseStore) Check(now time.Time, leaderID string, term uint64) *LeaseError {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.current(now)
	if term < l.Term {
		return conflict(CodeTermStale, "term is lower than current term", l)
	}
	if l.LeaderID != leaderID || l.Term != term || !l.ExpiresAt.After(now) {
		return conflict(CodeNotHeld, "lease is not held by this leader", l)
	}
	return nil
}

// Snapshot returns the stored record, expired or not.
func (s *LeaseStore) Snapshot() Lease {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lease
}

// LeaseBook holds one LeaseStore per repository key. It is shared by the
// local actors and the peer API.
type LeaseBook struct {
	mu     sync.Mutex
	stores map[string]*LeaseStore
}

// NewLeaseBook returns an empty book.
func NewLeaseBook() *LeaseBook {
	return &LeaseBook{stores: make(map[string]*LeaseStore)}
}

// Store returns the store for key, creating it on first use.
func (b *LeaseBook) Store(key string) *LeaseStore {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.stores[key]
	if !ok {
		s = &LeaseStore{}
		b.stores[key] = s
	}
	return s
}

// Len reports how many repositories have lease state.
func (b *LeaseBook) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.stores)
}
