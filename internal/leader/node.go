package leader

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-git/go-git/v5/plumbing"

	"pkt.systems/gitd/api"
	"pkt.systems/gitd/internal/clock"
	"pkt.systems/gitd/internal/svcfields"
	"pkt.systems/pslog"
)

const (
	// DefaultLeaseTTL is the leader lease duration.
	DefaultLeaseTTL = 15 * time.Second

	defaultLeaseRequestTimeout = 5 * time.Second
	defaultElectionBackoff     = 500 * time.Millisecond
	defaultElectionBackoffMax  = 3 * time.Second
)

// ReplicationConfig bounds follower retries for one proposal.
type ReplicationConfig struct {
	Attempts   int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
}

// DefaultReplication is used for zero fields of ReplicationConfig.
var DefaultReplication = ReplicationConfig{
	Attempts:   3,
	BaseDelay:  100 * time.Millisecond,
	MaxDelay:   2 * time.Second,
	Multiplier: 2,
}

func (c ReplicationConfig) withDefaults() ReplicationConfig {
	if c.Attempts <= 0 {
		c.Attempts = DefaultReplication.Attempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultReplication.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultReplication.MaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = DefaultReplication.Multiplier
	}
	return c
}

// Config configures a Node.
type Config struct {
	Repository   Repository
	SelfID       string
	SelfEndpoint string
	LeaseTTL     time.Duration
	Leases       *LeaseBook
	HTTPClient   *http.Client
	Replication  ReplicationConfig
	Logger       pslog.Logger
	Clock        clock.Clock
}

// Node is the leader actor of one repository.
type Node struct {
	repo         Repository
	key          string
	topology     Topology
	selfID       string
	selfEndpoint string
	leaseTTL     time.Duration
	store        *LeaseStore
	client       peerClient
	replication  ReplicationConfig
	logger       pslog.Logger
	clock        clock.Clock
	metrics      *nodeMetrics

	mu        sync.RWMutex
	state     State
	term      uint64
	expiresAt time.Time

	proposeMu sync.Mutex
	tips      map[plumbing.ReferenceName]plumbing.Hash

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
	closed    atomic.Bool
}

var _ Actor = (*Node)(nil)

// New reads the repository's replica topology and builds an unstarted node.
// Topology problems are returned as *TopologyError.
func New(cfg Config) (*Node, error) {
	if cfg.Repository == nil {
		return nil, errors.New("leader: repository required")
	}
	if cfg.Leases == nil {
		return nil, errors.New("leader: lease book required")
	}
	repoCfg, err := cfg.Repository.Config()
	if err != nil {
		return nil, &TopologyError{Err: err}
	}
	if err := ValidateSelfEndpoint(cfg.SelfEndpoint); err != nil {
		return nil, &TopologyError{Err: err}
	}
	topology, err := ParseTopology(repoCfg, cfg.SelfEndpoint)
	if err != nil {
		return nil, err
	}
	selfEndpoint := normalizeEndpoint(cfg.SelfEndpoint)
	selfID := strings.TrimSpace(cfg.SelfID)
	if selfID == "" {
		selfID = StableID(selfEndpoint)
	}
	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = NewHTTPClient()
	}
	logger := svcfields.WithRepository(svcfields.WithSubsystem(cfg.Logger, "leader.election"), cfg.Repository.Key())
	return &Node{
		repo:         cfg.Repository,
		key:          cfg.Repository.Key(),
		topology:     topology,
		selfID:       selfID,
		selfEndpoint: selfEndpoint,
		leaseTTL:     ttl,
		store:        cfg.Leases.Store(cfg.Repository.Key()),
		client:       peerClient{http: httpClient},
		replication:  cfg.Replication.withDefaults(),
		logger:       logger,
		clock:        clock.Or(cfg.Clock),
		metrics:      newNodeMetrics(logger),
		tips:         make(map[plumbing.ReferenceName]plumbing.Hash),
		done:         make(chan struct{}),
	}, nil
}

// StableID derives a node id from its peer endpoint.
func StableID(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		endpoint = "local"
	}
	sum := sha256.Sum256([]byte(endpoint))
	return fmt.Sprintf("gitd-%x", sum[:8])
}

// Topology returns the followers this node replicates to.
func (n *Node) Topology() Topology { return n.topology }

// Start runs one election round synchronously and then keeps campaigning
// and renewing in the background until Close.
func (n *Node) Start(ctx context.Context) {
	n.startOnce.Do(func() {
		if n.closed.Load() {
			return
		}
		loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		n.cancel = cancel
		if n.observedLeaderWait(n.clock.Now()) == 0 {
			n.tryElect(ctx)
		}
		go n.run(loopCtx)
	})
}

// Close stops the loop and gives up the lease if held.
func (n *Node) Close(ctx context.Context) error {
	if !n.closed.CompareAndSwap(false, true) {
		return nil
	}
	if n.cancel == nil {
		close(n.done)
	} else {
		n.cancel()
		select {
		case <-n.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if term, ok := n.heldTerm(); ok {
		n.releaseAll(ctx, term)
	}
	n.stepDown("closed")
	return nil
}

// IsLeader reports whether this node holds an unexpired lease.
func (n *Node) IsLeader() bool {
	_, ok := n.leaseTerm(n.clock.Now())
	return ok
}

// State reports the current election role.
func (n *Node) State() State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.state == StateLeader && !n.expiresAt.After(n.clock.Now()) {
		return StateFollower
	}
	return n.state
}

// Term reports the term of the last lease this node held or campaigned for.
func (n *Node) Term() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.term
}

func (n *Node) run(ctx context.Context) {
	defer close(n.done)
	backoff := defaultElectionBackoff
	rng := rand.New(rand.NewSource(rngSeed(n.clock.Now(), n.selfID)))
	for {
		if ctx.Err() != nil {
			return
		}
		if n.leaderState() {
			if !n.renew(ctx) {
				if n.IsLeader() {
					n.sleep(ctx, maxDuration(n.leaseTTL/6, 10*time.Millisecond))
					continue
				}
				if term, ok := n.heldTerm(); ok {
					n.releaseAll(ctx, term)
				}
				n.stepDown("renew_failed")
				backoff = defaultElectionBackoff
			}
			n.sleep(ctx, maxDuration(n.leaseTTL/3, 10*time.Millisecond))
			continue
		}
		if wait := n.observedLeaderWait(n.clock.Now()); wait > 0 {
			backoff = defaultElectionBackoff
			n.sleep(ctx, wait)
			continue
		}
		if n.observeLeader(ctx) {
			if wait := n.observedLeaderWait(n.clock.Now()); wait > 0 {
				backoff = defaultElectionBackoff
				n.sleep(ctx, wait)
				continue
			}
		}
		if n.tryElect(ctx) {
			backoff = defaultElectionBackoff
			continue
		}
		n.sleep(ctx, jitter(rng, backoff))
		if backoff < defaultElectionBackoffMax {
			backoff = minDuration(backoff*2, defaultElectionBackoffMax)
		}
	}
}

func (n *Node) tryElect(ctx context.Context) bool {
	n.mu.Lock()
	n.state = StateCandidate
	n.mu.Unlock()

	term := n.nextTerm(ctx)
	quorum := n.topology.Quorum()
	grants, selfGranted := n.collectVotes(ctx, func(ctx context.Context, peer *Peer) bool {
		return n.acquire(ctx, peer, term)
	})
	if selfGranted && grants >= quorum {
		n.mu.Lock()
		n.state = StateLeader
		n.term = term
		n.expiresAt = n.clock.Now().Add(n.leaseTTL)
		n.mu.Unlock()
		n.metrics.recordElection(ctx, true)
		n.logger.Info("leader.elected",
			"leader_id", n.selfID,
			"term", term,
			"quorum", quorum,
			"grants", grants)
		return true
	}
	n.releaseAll(ctx, term)
	n.mu.Lock()
	if n.state == StateCandidate {
		n.state = StateFollower
	}
	n.mu.Unlock()
	n.metrics.recordElection(ctx, false)
	n.logger.Debug("leader.election.failed",
		"candidate_id", n.selfID,
		"term", term,
		"grants", grants,
		"quorum", quorum)
	return false
}

func (n *Node) nextTerm(ctx context.Context) uint64 {
	maxTerm := n.store.Snapshot().Term
	if len(n.topology.Peers) > 0 {
		roundCtx, cancel := n.roundContext(ctx)
		defer cancel()
		for _, peer := range n.topology.Peers {
			info, err := n.client.leader(roundCtx, peer.Endpoint, peer.Repository)
			if err == nil && info.Term > maxTerm {
				maxTerm = info.Term
			}
		}
	}
	return maxTerm + 1
}

func (n *Node) renew(ctx context.Context) bool {
	term, _ := n.heldTerm()
	quorum := n.topology.Quorum()
	grants, selfGranted := n.collectVotes(ctx, func(ctx context.Context, peer *Peer) bool {
		if n.renewOne(ctx, peer, term) {
			return true
		}
		return n.acquire(ctx, peer, term)
	})
	if selfGranted && grants >= quorum {
		n.mu.Lock()
		n.expiresAt = n.clock.Now().Add(n.leaseTTL)
		n.mu.Unlock()
		return true
	}
	n.logger.Warn("leader.renew.failed",
		"leader_id", n.selfID,
		"term", term,
		"self_ok", selfGranted,
		"grants", grants,
		"quorum", quorum)
	return false
}

// collectVotes calls fn for the local node (nil peer) and every peer in
// parallel and counts the grants.
func (n *Node) collectVotes(ctx context.Context, fn func(context.Context, *Peer) bool) (int, bool) {
	roundCtx, cancel := n.roundContext(ctx)
	defer cancel()
	type vote struct {
		self bool
		ok   bool
	}
	votes := make(chan vote, n.topology.Members())
	go func() {
		votes <- vote{self: true, ok: fn(roundCtx, nil)}
	}()
	for i := range n.topology.Peers {
		peer := &n.topology.Peers[i]
		go func() {
			votes <- vote{ok: fn(roundCtx, peer)}
		}()
	}
	grants := 0
	selfGranted := false
	for remaining := n.topology.Members(); remaining > 0; remaining-- {
		v := <-votes
		if !v.ok {
			continue
		}
		grants++
		if v.self {
			selfGranted = true
		}
	}
	return grants, selfGranted
}

func (n *Node) acquire(ctx context.Context, peer *Peer, term uint64) bool {
	if peer == nil {
		_, err := n.store.Acquire(n.clock.Now(), n.selfID, n.selfEndpoint, term, n.leaseTTL)
		return err == nil
	}
	resp, err := n.client.acquire(ctx, peer.Endpoint, api.LeaseAcquireRequest{
		Repository:        peer.Repository,
		CandidateID:       n.selfID,
		CandidateEndpoint: n.selfEndpoint,
		Term:              term,
		TTLMillis:         n.leaseTTL.Milliseconds(),
	})
	return err == nil && resp.Granted
}

func (n *Node) renewOne(ctx context.Context, peer *Peer, term uint64) bool {
	if peer == nil {
		_, err := n.store.Renew(n.clock.Now(), n.selfID, term, n.leaseTTL)
		return err == nil
	}
	resp, err := n.client.renew(ctx, peer.Endpoint, api.LeaseRenewRequest{
		Repository: peer.Repository,
		LeaderID:   n.selfID,
		Term:       term,
		TTLMillis:  n.leaseTTL.Milliseconds(),
	})
	return err == nil && resp.Renewed
}

func (n *Node) releaseAll(ctx context.Context, term uint64) {
	_, _ = n.store.Release(n.clock.Now(), n.selfID, term)
	if len(n.topology.Peers) == 0 {
		return
	}
	roundCtx, cancel := n.roundContext(ctx)
	defer cancel()
	var wg sync.WaitGroup
	for _, peer := range n.topology.Peers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = n.client.release(roundCtx, peer.Endpoint, api.LeaseReleaseRequest{
				Repository: peer.Repository,
				LeaderID:   n.selfID,
				Term:       term,
			})
		}()
	}
	wg.Wait()
}

// observeLeader asks peers who holds the lease and records it locally.
func (n *Node) observeLeader(ctx context.Context) bool {
	if len(n.topology.Peers) == 0 {
		return false
	}
	roundCtx, cancel := n.roundContext(ctx)
	defer cancel()
	now := n.clock.Now()
	for _, peer := range n.topology.Peers {
		info, err := n.client.leader(roundCtx, peer.Endpoint, peer.Repository)
		if err != nil || info.LeaderEndpoint == "" || info.Term == 0 || info.ExpiresAtUnix == 0 {
			continue
		}
		expiresAt := time.UnixMilli(info.ExpiresAtUnix)
		if !expiresAt.After(now) || info.LeaderID == n.selfID {
			continue
		}
		if _, ok := n.store.Follow(now, info.LeaderID, normalizeEndpoint(info.LeaderEndpoint), info.Term, expiresAt); ok {
			n.logger.Debug("leader.observed",
				"leader_id", info.LeaderID,
				"leader_endpoint", info.LeaderEndpoint,
				"term", info.Term)
			return true
		}
	}
	return false
}

func (n *Node) observedLeaderWait(now time.Time) time.Duration {
	l := n.store.Snapshot()
	if !l.Active(now) || l.LeaderID == n.selfID {
		return 0
	}
	return minDuration(l.ExpiresAt.Sub(now), maxDuration(n.leaseTTL/3, 10*time.Millisecond))
}

func (n *Node) leaderState() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state == StateLeader
}

// leaseTerm returns the held term if the lease is still valid at now.
func (n *Node) leaseTerm(now time.Time) (uint64, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.state != StateLeader || !n.expiresAt.After(now) {
		return 0, false
	}
	return n.term, true
}

func (n *Node) heldTerm() (uint64, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.term, n.state == StateLeader
}

func (n *Node) stepDown(reason string) {
	n.mu.Lock()
	wasLeader := n.state == StateLeader
	n.state = StateFollower
	n.expiresAt = time.Time{}
	term := n.term
	n.mu.Unlock()
	if wasLeader {
		n.metrics.recordStepDown(context.Background())
		n.logger.Warn("leader.stepped_down", "leader_id", n.selfID, "term", term, "reason", reason)
	}
}

// roundContext bounds one lease round by a fraction of the lease TTL using
// the node clock.
func (n *Node) roundContext(parent context.Context) (context.Context, context.CancelFunc) {
	timeout := minDuration(defaultLeaseRequestTimeout, (n.leaseTTL*2)/3)
	ctx, cancel := context.WithCancel(parent)
	if timeout <= 0 {
		return ctx, cancel
	}
	timer := n.clock.After(timeout)
	go func() {
		select {
		case <-ctx.Done():
		case <-timer:
			cancel()
		}
	}()
	return ctx, cancel
}

func (n *Node) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-n.clock.After(d):
	}
}

func jitter(rng *rand.Rand, base time.Duration) time.Duration {
	if base <= 0 || rng == nil {
		return base
	}
	return base + time.Duration(rng.Int63n(int64(base)))
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

func rngSeed(now time.Time, selfID string) int64 {
	sum := sha256.Sum256([]byte(selfID))
	return now.UnixNano() ^ int64(binary.LittleEndian.Uint64(sum[:8]))
}
