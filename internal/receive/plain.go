package receive

import (
	"context"

	"github.com/go-git/go-git/v5/plumbing/protocol/packp"

	"pkt.systems/gitd/internal/refs"
	"pkt.systems/gitd/internal/svcfields"
	"pkt.systems/pslog"
)

// Plain applies the commands of a push atomically with compare-and-swap.
type Plain struct {
	repo   Repository
	locks  *refs.Locks
	logger pslog.Logger
}

// Accept applies all commands or none.
func (p *Plain) Accept(ctx context.Context, push *Push) (*packp.ReportStatus, error) {
	if len(push.Commands) == 0 {
		return nil, invalid("no commands")
	}
	unlock := p.locks.Lock(p.repo.Key())
	defer unlock()
	results := refs.Apply(p.repo.Storer(), push.Commands)
	report := reportResults(results)
	if refs.Failed(results) {
		p.logger.Info("receive.push.refused", "session", push.SessionID, "error", report.Error())
	} else {
		p.logger.Debug("receive.push.applied", "session", push.SessionID, "commands", len(push.Commands))
	}
	return report, nil
}

// PlainFactory builds Plain handlers that share one lock table.
type PlainFactory struct {
	Locks  *refs.Locks
	Logger pslog.Logger
}

// NewWriteHandler returns a Plain handler for repo.
func (f *PlainFactory) NewWriteHandler(_ context.Context, repo Repository) (WriteHandler, error) {
	locks := f.Locks
	if locks == nil {
		locks = refs.NewLocks()
	}
	logger := svcfields.WithRepository(svcfields.WithSubsystem(f.Logger, "receive.plain"), repo.Key())
	return &Plain{repo: repo, locks: locks, logger: logger}, nil
}
