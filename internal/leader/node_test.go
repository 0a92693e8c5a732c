package leader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/packfile"
	"github.com/go-git/go-git/v5/storage"
	"github.com/go-git/go-git/v5/storage/memory"

	"pkt.systems/gitd/api"
	"pkt.systems/gitd/internal/clock"
	"pkt.systems/gitd/internal/refs"
	"pkt.systems/pslog"
)

const mainRef = plumbing.ReferenceName("refs/heads/main")

type testRepo struct {
	name string
	key  string
	st   *memory.Storage
}

func newTestRepo(key string) *testRepo {
	return &testRepo{name: strings.TrimPrefix(key, "/"), key: key, st: memory.NewStorage()}
}

func (r *testRepo) Name() string                    { return r.name }
func (r *testRepo) Key() string                     { return r.key }
func (r *testRepo) Config() (*config.Config, error) { return r.st.Config() }
func (r *testRepo) Storer() storage.Storer          { return r.st }

func (r *testRepo) addReplica(t *testing.T, name, url string) {
	t.Helper()
	cfg, err := r.st.Config()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	cfg.Raw.Section(ReplicaSection).Subsection(name).SetOption("url", url)
}

func (r *testRepo) tip(t *testing.T) plumbing.Hash {
	t.Helper()
	h, err := refs.Tip(r.st, mainRef)
	if err != nil {
		t.Fatalf("tip: %v", err)
	}
	return h
}

// blobPack returns a pack holding one blob and the blob's hash.
func blobPack(t *testing.T, content string) ([]byte, plumbing.Hash) {
	t.Helper()
	st := memory.NewStorage()
	obj := st.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	if err != nil {
		t.Fatalf("writer: %v", err)
	}
	_, _ = w.Write([]byte(content))
	_ = w.Close()
	h, err := st.SetEncodedObject(obj)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	var buf bytes.Buffer
	if _, err := packfile.NewEncoder(&buf, st, false).Encode([]plumbing.Hash{h}, 10); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes(), h
}

// fakePeer serves the lease and replication endpoints for one follower
// repository backed by a real LeaseStore and Follower.
type fakePeer struct {
	t        *testing.T
	repo     *testRepo
	leases   *LeaseBook
	follower *Follower
	clock    clock.Clock
	srv      *httptest.Server

	mu         sync.Mutex
	refuse     *api.ErrorResponse
	refuseHTTP int
	replicated int
}

func newFakePeer(t *testing.T, clk clock.Clock) *fakePeer {
	t.Helper()
	p := &fakePeer{
		t:      t,
		repo:   newTestRepo("/project.git"),
		leases: NewLeaseBook(),
		clock:  clk,
	}
	p.follower = NewFollower(p.leases, refs.NewLocks(), clk, pslog.NoopLogger())
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/lease/acquire", p.handleAcquire)
	mux.HandleFunc("/v1/lease/renew", p.handleRenew)
	mux.HandleFunc("/v1/lease/release", p.handleRelease)
	mux.HandleFunc("/v1/leader", p.handleLeader)
	mux.HandleFunc("/v1/replicate", p.handleReplicate)
	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

func (p *fakePeer) url() string { return p.srv.URL + p.repo.key }

func (p *fakePeer) store() *LeaseStore { return p.leases.Store(p.repo.key) }

func (p *fakePeer) refuseWith(status int, resp *api.ErrorResponse) {
	p.mu.Lock()
	p.refuseHTTP = status
	p.refuse = resp
	p.mu.Unlock()
}

func (p *fakePeer) replicatedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.replicated
}

func (p *fakePeer) writeLeaseError(w http.ResponseWriter, err *LeaseError) {
	w.WriteHeader(http.StatusConflict)
	_ = json.NewEncoder(w).Encode(api.ErrorResponse{ErrorCode: err.Code, Detail: err.Detail, Term: err.Term})
}

func (p *fakePeer) handleAcquire(w http.ResponseWriter, r *http.Request) {
	var req api.LeaseAcquireRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	l, err := p.store().Acquire(p.clock.Now(), req.CandidateID, req.CandidateEndpoint, req.Term, time.Duration(req.TTLMillis)*time.Millisecond)
	if err != nil {
		p.writeLeaseError(w, err)
		return
	}
	_ = json.NewEncoder(w).Encode(api.LeaseAcquireResponse{Granted: true, LeaderID: l.LeaderID, Term: l.Term})
}

func (p *fakePeer) handleRenew(w http.ResponseWriter, r *http.Request) {
	var req api.LeaseRenewRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	l, err := p.store().Renew(p.clock.Now(), req.LeaderID, req.Term, time.Duration(req.TTLMillis)*time.Millisecond)
	if err != nil {
		p.writeLeaseError(w, err)
		return
	}
	_ = json.NewEncoder(w).Encode(api.LeaseRenewResponse{Renewed: true, LeaderID: l.LeaderID, Term: l.Term})
}

func (p *fakePeer) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req api.LeaseReleaseRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if _, err := p.store().Release(p.clock.Now(), req.LeaderID, req.Term); err != nil {
		p.writeLeaseError(w, err)
		return
	}
	_ = json.NewEncoder(w).Encode(api.LeaseReleaseResponse{Released: true})
}

func (p *fakePeer) handleLeader(w http.ResponseWriter, r *http.Request) {
	l := p.store().Snapshot()
	resp := api.LeaderResponse{Repository: r.URL.Query().Get("repository"), Term: l.Term}
	if l.Active(p.clock.Now()) {
		resp.LeaderID = l.LeaderID
		resp.LeaderEndpoint = l.LeaderEndpoint
		resp.ExpiresAtUnix = l.ExpiresAt.UnixMilli()
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (p *fakePeer) handleReplicate(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	status, refuse := p.refuseHTTP, p.refuse
	p.mu.Unlock()
	if refuse != nil {
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(refuse)
		return
	}
	var req api.ReplicateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if req.Repository != p.repo.key {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	err := p.follower.Apply(r.Context(), p.repo, req)
	var lerr *LeaseError
	var stale *refs.StaleError
	switch {
	case err == nil:
		p.mu.Lock()
		p.replicated++
		p.mu.Unlock()
		_ = json.NewEncoder(w).Encode(api.ReplicateResponse{Applied: true, Term: req.Term})
	case errors.As(err, &lerr):
		p.writeLeaseError(w, lerr)
	case errors.As(err, &stale):
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{ErrorCode: CodeStaleRef, Detail: stale.Error()})
	default:
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{ErrorCode: "invalid", Detail: err.Error()})
	}
}

type cluster struct {
	clock *clock.Manual
	repo  *testRepo
	peers []*fakePeer
	node  *Node
}

func newCluster(t *testing.T, peers int) *cluster {
	t.Helper()
	clk := clock.NewManual(epoch)
	c := &cluster{clock: clk, repo: newTestRepo("/srv/project.git")}
	for i := 0; i < peers; i++ {
		p := newFakePeer(t, clk)
		c.peers = append(c.peers, p)
		c.repo.addReplica(t, string(rune('b'+i)), p.url())
	}
	node, err := New(Config{
		Repository:   c.repo,
		SelfEndpoint: "http://node-a:9419",
		LeaseTTL:     30 * time.Second,
		Leases:       NewLeaseBook(),
		HTTPClient:   &http.Client{Timeout: 5 * time.Second},
		Replication:  ReplicationConfig{Attempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Logger:       pslog.NoopLogger(),
		Clock:        clk,
	})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	c.node = node
	t.Cleanup(func() { _ = node.Close(context.Background()) })
	return c
}

func (c *cluster) propose(t *testing.T, id string, cmd refs.Command, pack []byte) Result {
	t.Helper()
	objects := uint32(0)
	if len(pack) > 0 {
		objects = 1
	}
	res, err := c.node.ProposeWrite(context.Background(), Proposal{
		ID:       id,
		Commands: []refs.Command{cmd},
		Pack:     pack,
		Objects:  objects,
	})
	if err != nil {
		t.Fatalf("propose %s: %v", id, err)
	}
	return res
}

func TestSingleNodeElectsItself(t *testing.T) {
	c := newCluster(t, 0)
	if !c.node.tryElect(context.Background()) {
		t.Fatalf("expected single node to win")
	}
	if !c.node.IsLeader() || c.node.State() != StateLeader || c.node.Term() != 1 {
		t.Fatalf("unexpected state %s term %d", c.node.State(), c.node.Term())
	}
	c.clock.Advance(31 * time.Second)
	if c.node.IsLeader() {
		t.Fatalf("expected lease to lapse")
	}
	if c.node.State() != StateFollower {
		t.Fatalf("expected follower view after expiry, got %s", c.node.State())
	}
}

func TestProposeWithoutLeaseIsNotLeader(t *testing.T) {
	c := newCluster(t, 0)
	_, h := blobPack(t, "x")
	res := c.propose(t, "p1", refs.Command{Name: mainRef, New: h}, nil)
	if res.Outcome != NotLeader {
		t.Fatalf("expected not leader, got %s", res.Outcome)
	}
}

func TestProposeTracksCommittedTips(t *testing.T) {
	c := newCluster(t, 0)
	if !c.node.tryElect(context.Background()) {
		t.Fatalf("election failed")
	}
	_, h1 := blobPack(t, "one")
	_, h2 := blobPack(t, "two")

	if res := c.propose(t, "p1", refs.Command{Name: mainRef, New: h1}, nil); res.Outcome != Committed {
		t.Fatalf("expected commit, got %s (%s)", res.Outcome, res.Reason)
	}
	// The first write is committed but not applied locally yet; a second
	// writer that saw the old tip must lose.
	res := c.propose(t, "p2", refs.Command{Name: mainRef, New: h2}, nil)
	if res.Outcome != Rejected || res.Reason != "stale info for refs/heads/main" {
		t.Fatalf("expected stale rejection, got %s (%s)", res.Outcome, res.Reason)
	}
	if res := c.propose(t, "p3", refs.Command{Name: mainRef, Old: h1, New: h2}, nil); res.Outcome != Committed {
		t.Fatalf("expected commit on top of committed tip, got %s (%s)", res.Outcome, res.Reason)
	}
}

func TestProposeDropsOverlayOnceApplied(t *testing.T) {
	c := newCluster(t, 0)
	if !c.node.tryElect(context.Background()) {
		t.Fatalf("election failed")
	}
	_, h1 := blobPack(t, "one")
	if res := c.propose(t, "p1", refs.Command{Name: mainRef, New: h1}, nil); res.Outcome != Committed {
		t.Fatalf("expected commit, got %s", res.Outcome)
	}
	if err := c.repo.st.SetReference(plumbing.NewHashReference(mainRef, h1)); err != nil {
		t.Fatalf("set ref: %v", err)
	}
	_, _ = c.node.staleCheck([]refs.Command{{Name: mainRef, Old: h1, New: h1}})
	if _, ok := c.node.tips[mainRef]; ok {
		t.Fatalf("expected overlay entry to be dropped once the repository caught up")
	}
}

func TestClusterElectsAndReplicates(t *testing.T) {
	c := newCluster(t, 2)
	if !c.node.tryElect(context.Background()) {
		t.Fatalf("expected election to succeed")
	}
	for _, p := range c.peers {
		l := p.store().Snapshot()
		if l.LeaderID != c.node.selfID || l.Term != 1 {
			t.Fatalf("peer lease %+v", l)
		}
	}
	pack, h := blobPack(t, "content")
	res := c.propose(t, "p1", refs.Command{Name: mainRef, New: h}, pack)
	if res.Outcome != Committed {
		t.Fatalf("expected commit, got %s (%s)", res.Outcome, res.Reason)
	}
	for i, p := range c.peers {
		if p.replicatedCount() != 1 {
			t.Fatalf("peer %d replicated %d", i, p.replicatedCount())
		}
		if got := p.repo.tip(t); got != h {
			t.Fatalf("peer %d tip %s want %s", i, got, h)
		}
	}
}

func TestClusterCommitsWithOnePeerDown(t *testing.T) {
	c := newCluster(t, 2)
	if !c.node.tryElect(context.Background()) {
		t.Fatalf("expected election to succeed")
	}
	c.peers[1].srv.Close()
	pack, h := blobPack(t, "content")
	res := c.propose(t, "p1", refs.Command{Name: mainRef, New: h}, pack)
	if res.Outcome != Committed {
		t.Fatalf("expected commit with 2/3 acks, got %s (%s)", res.Outcome, res.Reason)
	}
}

func TestClusterWithoutQuorumCannotElect(t *testing.T) {
	c := newCluster(t, 2)
	c.peers[0].srv.Close()
	c.peers[1].srv.Close()
	if c.node.tryElect(context.Background()) {
		t.Fatalf("expected election to fail")
	}
	if c.node.State() != StateFollower {
		t.Fatalf("expected follower, got %s", c.node.State())
	}
	if l := c.node.store.Snapshot(); l.LeaderID != "" {
		t.Fatalf("expected local vote released, got %+v", l)
	}
}

func TestClusterRejectsWhenQuorumLost(t *testing.T) {
	c := newCluster(t, 2)
	if !c.node.tryElect(context.Background()) {
		t.Fatalf("expected election to succeed")
	}
	c.peers[0].srv.Close()
	c.peers[1].srv.Close()
	_, h := blobPack(t, "content")
	res := c.propose(t, "p1", refs.Command{Name: mainRef, New: h}, nil)
	if res.Outcome != Rejected || res.Reason != "replication quorum not reached (1/2)" {
		t.Fatalf("unexpected result %s (%s)", res.Outcome, res.Reason)
	}
	if _, ok := c.node.tips[mainRef]; ok {
		t.Fatalf("rejected proposal must not move the overlay")
	}
}

func TestClusterReportsFollowerStaleRef(t *testing.T) {
	c := newCluster(t, 2)
	if !c.node.tryElect(context.Background()) {
		t.Fatalf("expected election to succeed")
	}
	for _, p := range c.peers {
		p.refuseWith(http.StatusConflict, &api.ErrorResponse{ErrorCode: CodeStaleRef, Detail: "stale info for refs/heads/main"})
	}
	_, h := blobPack(t, "content")
	res := c.propose(t, "p1", refs.Command{Name: mainRef, New: h}, nil)
	if res.Outcome != Rejected || res.Reason != "stale info for refs/heads/main" {
		t.Fatalf("unexpected result %s (%s)", res.Outcome, res.Reason)
	}
	if !c.node.IsLeader() {
		t.Fatalf("stale follower must not depose the leader")
	}
}

func TestClusterStepsDownOnLeaseAnswer(t *testing.T) {
	c := newCluster(t, 2)
	if !c.node.tryElect(context.Background()) {
		t.Fatalf("expected election to succeed")
	}
	for _, p := range c.peers {
		p.refuseWith(http.StatusConflict, &api.ErrorResponse{ErrorCode: CodeTermStale, Detail: "term is lower than current term", Term: 7})
	}
	_, h := blobPack(t, "content")
	res := c.propose(t, "p1", refs.Command{Name: mainRef, New: h}, nil)
	if res.Outcome != NotLeader {
		t.Fatalf("expected not leader, got %s (%s)", res.Outcome, res.Reason)
	}
	if c.node.IsLeader() {
		t.Fatalf("expected node to step down")
	}
}

func TestStartAndCloseReleasesLease(t *testing.T) {
	c := newCluster(t, 2)
	c.node.Start(context.Background())
	if !c.node.IsLeader() {
		t.Fatalf("expected synchronous election on start")
	}
	if err := c.node.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	for i, p := range c.peers {
		if l := p.store().Snapshot(); l.LeaderID != "" {
			t.Fatalf("peer %d still holds lease %+v", i, l)
		}
	}
	if _, err := c.node.ProposeWrite(context.Background(), Proposal{ID: "late"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestStartDefersToObservedLeader(t *testing.T) {
	c := newCluster(t, 2)
	for _, p := range c.peers {
		if _, err := p.store().Acquire(epoch, "other", "http://node-z:9419", 4, time.Minute); err != nil {
			t.Fatalf("seed lease: %v", err)
		}
		if _, err := p.store().Renew(epoch, "other", 4, time.Minute); err != nil {
			t.Fatalf("seed renew: %v", err)
		}
	}
	if !c.node.observeLeader(context.Background()) {
		t.Fatalf("expected leader to be observed")
	}
	if wait := c.node.observedLeaderWait(epoch); wait <= 0 {
		t.Fatalf("expected wait while other leader is active")
	}
	if c.node.tryElect(context.Background()) {
		t.Fatalf("expected election to fail while other leader holds peers")
	}
}

func TestNewRejectsBadTopology(t *testing.T) {
	repo := newTestRepo("/srv/project.git")
	repo.addReplica(t, "b", "ftp://node-b/project.git")
	_, err := New(Config{Repository: repo, SelfEndpoint: "http://node-a", Leases: NewLeaseBook()})
	if !errors.Is(err, ErrInvalidReplicationTopology) {
		t.Fatalf("expected topology error, got %v", err)
	}
}

func TestStableID(t *testing.T) {
	if StableID("http://a") != StableID("http://a") {
		t.Fatalf("expected deterministic id")
	}
	if StableID("http://a") == StableID("http://b") {
		t.Fatalf("expected distinct ids")
	}
	if StableID("") != StableID("local") {
		t.Fatalf("expected empty endpoint to map to local")
	}
}
