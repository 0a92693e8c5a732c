package receive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-git/go-git/v5/plumbing/protocol/packp"
	"github.com/google/uuid"

	"pkt.systems/gitd/internal/clock"
	"pkt.systems/gitd/internal/leader"
	"pkt.systems/gitd/internal/svcfields"
	"pkt.systems/pslog"
)

// DefaultProposeTimeout bounds one proposal when none is configured.
const DefaultProposeTimeout = 30 * time.Second

// Leaders hands out the leader actor of a repository.
type Leaders interface {
	Get(ctx context.Context, key string) (leader.Actor, error)
	// InvalidateActor drops actor if it is still the one cached for key.
	InvalidateActor(key string, actor leader.Actor) bool
}

// LeaderGatedFactory wraps Inner so every push is committed by the
// repository's leader before Inner applies it.
type LeaderGatedFactory struct {
	Inner          Factory
	Leaders        Leaders
	ProposeTimeout time.Duration
	Logger         pslog.Logger
	Clock          clock.Clock
}

// NewWriteHandler looks up the repository's leader. A leader that cannot be
// built disables the service for this session.
func (f *LeaderGatedFactory) NewWriteHandler(ctx context.Context, repo Repository) (WriteHandler, error) {
	logger := svcfields.WithRepository(svcfields.WithSubsystem(f.Logger, "receive.leader"), repo.Key())
	actor, err := f.Leaders.Get(ctx, repo.Key())
	if err != nil {
		logger.Warn("receive.leader.unavailable", "error", err)
		reason := "leader unavailable"
		if errors.Is(err, leader.ErrInvalidReplicationTopology) {
			reason = "invalid follower uri"
		}
		return nil, &Rejection{Kind: ServiceNotEnabled, Reason: reason, Err: err}
	}
	inner, err := f.Inner.NewWriteHandler(ctx, repo)
	if err != nil {
		return nil, err
	}
	timeout := f.ProposeTimeout
	if timeout <= 0 {
		timeout = DefaultProposeTimeout
	}
	return &Interceptor{
		repo:    repo,
		actor:   actor,
		leaders: f.Leaders,
		inner:   inner,
		timeout: timeout,
		logger:  logger,
		clock:   clock.Or(f.Clock),
		metrics: defaultMetrics(logger),
	}, nil
}

// Interceptor proposes each push to the leader and applies it through the
// wrapped handler once committed.
type Interceptor struct {
	repo    Repository
	actor   leader.Actor
	leaders Leaders
	inner   WriteHandler
	timeout time.Duration
	logger  pslog.Logger
	clock   clock.Clock
	metrics *receiveMetrics
}

// Accept makes exactly one proposal for push. Refused proposals produce a
// report that rejects every command and leaves the references untouched.
func (i *Interceptor) Accept(ctx context.Context, push *Push) (*packp.ReportStatus, error) {
	if len(push.Commands) == 0 {
		return nil, invalid("no commands")
	}
	p := leader.Proposal{
		ID:         uuid.NewString(),
		Repository: i.repo.Key(),
		Commands:   push.Commands,
		Pack:       push.Pack,
		Objects:    push.Objects,
		CreatedAt:  i.clock.Now(),
	}
	logger := i.logger.With("session", push.SessionID, "proposal_id", p.ID)

	// Proposals are not cancelled with the session.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), i.timeout)
	defer cancel()
	res, err := i.propose(pctx, p)
	if errors.Is(err, leader.ErrStopped) {
		// A stopped actor made no proposal, so its successor takes this one.
		if next, gerr := i.leaders.Get(pctx, i.repo.Key()); gerr == nil && next != i.actor {
			logger.Debug("receive.leader.replaced")
			i.actor = next
			res, err = i.propose(pctx, p)
		}
	}
	if err != nil {
		i.leaders.InvalidateActor(i.repo.Key(), i.actor)
		i.metrics.record(ctx, "error")
		logger.Error("receive.leader.failed", "error", err)
		return nil, &Rejection{Kind: ServiceNotEnabled, Reason: "leader failed", Err: err}
	}

	switch res.Outcome {
	case leader.Committed:
		report, err := i.inner.Accept(ctx, push)
		if err != nil || !Succeeded(report) {
			// Drop the actor so its committed tips are re-read from the
			// repository.
			i.leaders.InvalidateActor(i.repo.Key(), i.actor)
			i.metrics.record(ctx, "apply_failed")
			logger.Error("receive.apply.diverged", "error", err, "report", reportError(report))
			return report, err
		}
		i.metrics.record(ctx, "committed")
		return report, nil
	case leader.NotLeader:
		i.metrics.record(ctx, "not_leader")
		logger.Info("receive.push.not_leader")
		return Reject(push, &Rejection{Kind: NotLeader}), nil
	default:
		i.metrics.record(ctx, "rejected")
		logger.Info("receive.push.rejected", "reason", res.Reason)
		return Reject(push, &Rejection{Kind: Consensus, Reason: res.Reason}), nil
	}
}

func (i *Interceptor) propose(ctx context.Context, p leader.Proposal) (res leader.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("leader actor panic: %v", r)
		}
	}()
	return i.actor.ProposeWrite(ctx, p)
}

func reportError(report *packp.ReportStatus) string {
	if report == nil {
		return ""
	}
	if err := report.Error(); err != nil {
		return err.Error()
	}
	return ""
}
