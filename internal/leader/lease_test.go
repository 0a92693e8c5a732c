package leader

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestLeaseAcquireGrantsNewTerm(t *testing.T) {
	s := &LeaseStore{}
	l, err := s.Acquire(epoch, "a", "http://a", 1, time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if l.LeaderID != "a" || l.Term != 1 || !l.ExpiresAt.Equal(epoch.Add(time.Second)) {
		t.Fatalf("unexpected lease %+v", l)
	}
	if _, err := s.Acquire(epoch, "b", "http://b", 2, time.Second); err == nil || err.Code != CodeLeaseHeld {
		t.Fatalf("expected lease held, got %v", err)
	}
	if _, err := s.Acquire(epoch, "a", "http://a", 1, 2*time.Second); err != nil {
		t.Fatalf("holder re-acquire: %v", err)
	}
}

func TestLeaseAcquireRejectsOldTerm(t *testing.T) {
	s := &LeaseStore{}
	if _, err := s.Acquire(epoch, "a", "http://a", 3, time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := s.Renew(epoch, "a", 3, time.Second); err != nil {
		t.Fatalf("renew: %v", err)
	}
	later := epoch.Add(2 * time.Second)
	if _, err := s.Acquire(later, "b", "http://b", 2, time.Second); err == nil || err.Code != CodeTermStale {
		t.Fatalf("expected stale term, got %v", err)
	}
	if _, err := s.Acquire(later, "b", "http://b", 3, time.Second); err == nil || err.Code != CodeTermStale {
		t.Fatalf("expected equal term refused, got %v", err)
	}
	if _, err := s.Acquire(later, "b", "http://b", 4, time.Second); err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
}

func TestLeaseInvalidTTL(t *testing.T) {
	s := &LeaseStore{}
	if _, err := s.Acquire(epoch, "a", "http://a", 1, 0); err == nil || err.Code != CodeInvalidTTL {
		t.Fatalf("expected invalid ttl, got %v", err)
	}
}

func TestLeaseUnobservedVoteIsForgotten(t *testing.T) {
	s := &LeaseStore{}
	if _, err := s.Acquire(epoch, "a", "http://a", 5, time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// The candidate never renewed, so after expiry its term is not binding.
	later := epoch.Add(2 * time.Second)
	if _, err := s.Acquire(later, "b", "http://b", 1, time.Second); err != nil {
		t.Fatalf("expected vote to be forgotten: %v", err)
	}
}

func TestLeaseRenewRequiresHolder(t *testing.T) {
	s := &LeaseStore{}
	if _, err := s.Acquire(epoch, "a", "http://a", 1, time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := s.Renew(epoch, "b", 1, time.Second); err == nil || err.Code != CodeNotHeld {
		t.Fatalf("expected not held, got %v", err)
	}
	l, err := s.Renew(epoch.Add(500*time.Millisecond), "a", 1, time.Second)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if !l.Observed || !l.ExpiresAt.Equal(epoch.Add(1500*time.Millisecond)) {
		t.Fatalf("unexpected renewed lease %+v", l)
	}
	if _, err := s.Renew(epoch.Add(3*time.Second), "a", 1, time.Second); err == nil || err.Code != CodeNotHeld {
		t.Fatalf("expected expired lease to refuse renew, got %v", err)
	}
}

func TestLeaseReleaseKeepsObservedTerm(t *testing.T) {
	s := &LeaseStore{}
	if _, err := s.Acquire(epoch, "a", "http://a", 2, time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := s.Renew(epoch, "a", 2, time.Second); err != nil {
		t.Fatalf("renew: %v", err)
	}
	if _, err := s.Release(epoch, "b", 2); err == nil || err.Code != CodeNotHeld {
		t.Fatalf("expected foreign release to fail, got %v", err)
	}
	l, err := s.Release(epoch, "a", 2)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if l.LeaderID != "" || l.Term != 2 {
		t.Fatalf("unexpected released lease %+v", l)
	}
	if _, err := s.Acquire(epoch, "b", "http://b", 2, time.Second); err == nil || err.Code != CodeTermStale {
		t.Fatalf("expected observed term to stay binding, got %v", err)
	}
}

func TestLeaseReleaseRollsBackVote(t *testing.T) {
	s := &LeaseStore{}
	if _, err := s.Acquire(epoch, "a", "http://a", 4, time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	l, err := s.Release(epoch, "a", 4)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if l.Term != 0 {
		t.Fatalf("expected term rollback, got %d", l.Term)
	}
}

func TestLeaseCheck(t *testing.T) {
	s := &LeaseStore{}
	if err := s.Check(epoch, "a", 1); err == nil || err.Code != CodeNotHeld {
		t.Fatalf("expected empty store to refuse, got %v", err)
	}
	if _, err := s.Acquire(epoch, "a", "http://a", 3, time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := s.Check(epoch, "a", 3); err != nil {
		t.Fatalf("check: %v", err)
	}
	if err := s.Check(epoch, "a", 2); err == nil || err.Code != CodeTermStale {
		t.Fatalf("expected stale term, got %v", err)
	}
	if err := s.Check(epoch, "b", 3); err == nil || err.Code != CodeNotHeld {
		t.Fatalf("expected not held, got %v", err)
	}
	if err := s.Check(epoch.Add(time.Second), "a", 3); err == nil {
		t.Fatalf("expected expired lease to refuse")
	}
}

func TestLeaseFollow(t *testing.T) {
	s := &LeaseStore{}
	if _, ok := s.Follow(epoch, "a", "http://a", 2, epoch.Add(time.Second)); !ok {
		t.Fatalf("expected follow to be recorded")
	}
	if _, ok := s.Follow(epoch, "b", "http://b", 1, epoch.Add(time.Second)); ok {
		t.Fatalf("expected older term to be ignored")
	}
	if _, ok := s.Follow(epoch, "b", "http://b", 2, epoch.Add(time.Second)); ok {
		t.Fatalf("expected competing holder in same term to be ignored")
	}
	if _, ok := s.Follow(epoch, "b", "http://b", 3, epoch); ok {
		t.Fatalf("expected expired record to be ignored")
	}
	l, ok := s.Follow(epoch, "b", "http://b", 3, epoch.Add(time.Second))
	if !ok || l.LeaderID != "b" || !l.Observed {
		t.Fatalf("unexpected follow result %+v ok=%v", l, ok)
	}
}

func TestLeaseBookSharesStores(t *testing.T) {
	b := NewLeaseBook()
	if b.Store("/srv/a.git") != b.Store("/srv/a.git") {
		t.Fatalf("expected the same store for a key")
	}
	_ = b.Store("/srv/b.git")
	if b.Len() != 2 {
		t.Fatalf("expected 2 stores, got %d", b.Len())
	}
}
