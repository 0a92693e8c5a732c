package leader

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/gitd/api"
	"pkt.systems/gitd/internal/refs"
)

var tracer = otel.Tracer("pkt.systems/gitd/leader")

type replicaAnswer struct {
	peer Peer
	err  error
}

// ProposeWrite checks p against the known tips, replicates it to the
// followers and commits once a quorum (counting this node) stored it.
// Proposals on one node are decided one at a time.
func (n *Node) ProposeWrite(ctx context.Context, p Proposal) (Result, error) {
	if n.closed.Load() {
		return Result{}, ErrStopped
	}
	n.proposeMu.Lock()
	defer n.proposeMu.Unlock()
	if n.closed.Load() {
		return Result{}, ErrStopped
	}

	ctx, span := tracer.Start(ctx, "gitd.leader.propose", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(
		attribute.String("gitd.repository", n.key),
		attribute.String("gitd.proposal_id", p.ID),
		attribute.Int("gitd.proposal.commands", len(p.Commands)),
	)
	logger := n.logger.With("proposal_id", p.ID)

	result, err := n.decide(ctx, p)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "propose_error")
		return Result{}, err
	}
	span.SetAttributes(attribute.String("gitd.proposal.outcome", result.Outcome.String()))
	span.SetStatus(codes.Ok, "")
	n.metrics.recordProposal(ctx, result.Outcome)
	switch result.Outcome {
	case Committed:
		logger.Debug("leader.proposal.committed", "commands", len(p.Commands), "objects", p.Objects)
	default:
		logger.Info("leader.proposal.refused", "outcome", result.Outcome.String(), "reason", result.Reason)
	}
	return result, nil
}

func (n *Node) decide(ctx context.Context, p Proposal) (Result, error) {
	term, ok := n.leaseTerm(n.clock.Now())
	if !ok {
		return Result{Outcome: NotLeader, Reason: "not leader"}, nil
	}
	if reason, err := n.staleCheck(p.Commands); err != nil {
		return Result{}, err
	} else if reason != "" {
		return Result{Outcome: Rejected, Reason: reason}, nil
	}

	answers := n.replicate(ctx, term, p)
	quorum := n.topology.Quorum()
	acks := 1
	for _, a := range answers {
		if a.err == nil {
			acks++
		}
	}
	if acks >= quorum {
		for _, cmd := range p.Commands {
			n.tips[cmd.Name] = cmd.New
		}
		return Result{Outcome: Committed}, nil
	}
	for _, a := range answers {
		var perr *PeerError
		if errors.As(a.err, &perr) && perr.leaseAnswer() {
			n.stepDown("peer_" + perr.Code)
			return Result{Outcome: NotLeader, Reason: perr.Detail}, nil
		}
	}
	for _, a := range answers {
		var perr *PeerError
		if errors.As(a.err, &perr) && perr.Code == CodeStaleRef {
			reason := perr.Detail
			if reason == "" {
				reason = "stale info on follower " + a.peer.Name
			}
			return Result{Outcome: Rejected, Reason: reason}, nil
		}
	}
	return Result{
		Outcome: Rejected,
		Reason:  fmt.Sprintf("replication quorum not reached (%d/%d)", acks, quorum),
	}, nil
}

// staleCheck compares the expected old values with the newest committed
// tips. Overlay entries are dropped once the repository caught up.
func (n *Node) staleCheck(cmds []refs.Command) (string, error) {
	st := n.repo.Storer()
	for _, cmd := range cmds {
		tip, err := refs.Tip(st, cmd.Name)
		if err != nil {
			return "", err
		}
		current := tip
		if committed, ok := n.tips[cmd.Name]; ok {
			if committed == tip {
				delete(n.tips, cmd.Name)
			} else {
				current = committed
			}
		}
		if current != cmd.Old {
			return (&refs.StaleError{Name: cmd.Name}).Error(), nil
		}
	}
	return "", nil
}

func (n *Node) replicate(ctx context.Context, term uint64, p Proposal) []replicaAnswer {
	answers := make([]replicaAnswer, len(n.topology.Peers))
	if len(answers) == 0 {
		return answers
	}
	commands := EncodeCommands(p.Commands)
	done := make(chan struct{}, len(answers))
	for i, peer := range n.topology.Peers {
		req := api.ReplicateRequest{
			Repository: peer.Repository,
			ProposalID: p.ID,
			LeaderID:   n.selfID,
			Term:       term,
			Commands:   commands,
			Pack:       p.Pack,
			Objects:    p.Objects,
		}
		go func() {
			defer func() { done <- struct{}{} }()
			answers[i] = replicaAnswer{peer: peer, err: n.replicateOne(ctx, peer, req)}
		}()
	}
	for range answers {
		<-done
	}
	return answers
}

func (n *Node) replicateOne(ctx context.Context, peer Peer, req api.ReplicateRequest) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = n.replication.BaseDelay
	eb.MaxInterval = n.replication.MaxDelay
	eb.Multiplier = n.replication.Multiplier
	_, err := backoff.Retry(ctx, func() (*api.ReplicateResponse, error) {
		resp, err := n.client.replicate(ctx, peer.Endpoint, req)
		if err == nil {
			return resp, nil
		}
		var perr *PeerError
		if errors.As(err, &perr) && perr.Status >= http.StatusBadRequest && perr.Status < http.StatusInternalServerError {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}, backoff.WithBackOff(eb), backoff.WithMaxTries(uint(n.replication.Attempts)))
	if err != nil {
		reason := "transport"
		var perr *PeerError
		if errors.As(err, &perr) {
			reason = perr.Code
			if reason == "" {
				reason = http.StatusText(perr.Status)
			}
		}
		n.metrics.recordReplicaFailure(ctx, peer.Name, reason)
		n.logger.Warn("leader.replicate.failed",
			"proposal_id", req.ProposalID,
			"peer", peer.Name,
			"endpoint", peer.Endpoint,
			"error", err)
	}
	return err
}
