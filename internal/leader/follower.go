package leader

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5/plumbing"

	"pkt.systems/gitd/api"
	"pkt.systems/gitd/internal/clock"
	"pkt.systems/gitd/internal/pack"
	"pkt.systems/gitd/internal/refs"
	"pkt.systems/gitd/internal/svcfields"
	"pkt.systems/pslog"
)

// ErrInvalidProposal is returned for replication requests that cannot be
// decoded.
var ErrInvalidProposal = errors.New("invalid proposal")

// Follower applies proposals replicated by a leader.
type Follower struct {
	leases  *LeaseBook
	locks   *refs.Locks
	clock   clock.Clock
	logger  pslog.Logger
	metrics *nodeMetrics
}

// NewFollower builds the follower side. locks must be the table the local
// write path uses so replicated and local updates are serialized.
func NewFollower(leases *LeaseBook, locks *refs.Locks, clk clock.Clock, logger pslog.Logger) *Follower {
	logger = svcfields.WithSubsystem(logger, "leader.follower")
	return &Follower{
		leases:  leases,
		locks:   locks,
		clock:   clock.Or(clk),
		logger:  logger,
		metrics: newNodeMetrics(logger),
	}
}

// Apply stores the pack and applies the commands of req if req's leader
// holds the lease for the repository. Lease failures are *LeaseError; a
// reference that moved is *refs.StaleError.
func (f *Follower) Apply(ctx context.Context, repo Repository, req api.ReplicateRequest) error {
	logger := svcfields.WithRepository(f.logger, repo.Key()).With("proposal_id", req.ProposalID, "leader_id", req.LeaderID, "term", req.Term)
	cmds, err := DecodeCommands(req.Commands)
	if err != nil {
		f.metrics.recordApply(ctx, "invalid")
		return err
	}
	if lerr := f.leases.Store(repo.Key()).Check(f.clock.Now(), req.LeaderID, req.Term); lerr != nil {
		f.metrics.recordApply(ctx, lerr.Code)
		logger.Debug("follower.apply.lease_refused", "code", lerr.Code)
		return lerr
	}

	unlock := f.locks.Lock(repo.Key())
	defer unlock()
	st := repo.Storer()
	if err := pack.Stage(st, req.Pack, req.Objects); err != nil {
		f.metrics.recordApply(ctx, "pack")
		logger.Warn("follower.apply.pack_failed", "error", err)
		return err
	}
	if err := firstFailure(refs.Apply(st, cmds)); err != nil {
		result := "error"
		var stale *refs.StaleError
		if errors.As(err, &stale) {
			result = CodeStaleRef
		}
		f.metrics.recordApply(ctx, result)
		logger.Warn("follower.apply.refused", "error", err)
		return err
	}
	f.metrics.recordApply(ctx, "applied")
	logger.Debug("follower.apply.applied", "commands", len(cmds), "objects", req.Objects)
	return nil
}

func firstFailure(results []refs.Result) error {
	for _, r := range results {
		if r.Err != nil && !errors.Is(r.Err, refs.ErrAtomicAbort) {
			return r.Err
		}
	}
	for _, r := range results {
		if r.Err != nil {
			return r.Err
		}
	}
	return nil
}

// EncodeCommands converts commands to their wire form.
func EncodeCommands(cmds []refs.Command) []api.RefUpdate {
	out := make([]api.RefUpdate, len(cmds))
	for i, cmd := range cmds {
		out[i] = api.RefUpdate{Name: cmd.Name.String(), Old: cmd.Old.String(), New: cmd.New.String()}
	}
	return out
}

// DecodeCommands parses wire commands, rejecting malformed names or hashes.
func DecodeCommands(in []api.RefUpdate) ([]refs.Command, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("%w: no commands", ErrInvalidProposal)
	}
	out := make([]refs.Command, len(in))
	for i, u := range in {
		name := plumbing.ReferenceName(u.Name)
		if err := name.Validate(); err != nil {
			return nil, fmt.Errorf("%w: reference %q: %v", ErrInvalidProposal, u.Name, err)
		}
		if !plumbing.IsHash(u.Old) || !plumbing.IsHash(u.New) {
			return nil, fmt.Errorf("%w: bad object id for %s", ErrInvalidProposal, u.Name)
		}
		out[i] = refs.Command{Name: name, Old: plumbing.NewHash(u.Old), New: plumbing.NewHash(u.New)}
	}
	return out, nil
}
