// Package leader runs per-repository leader election and write replication.
//
// Each replicated repository gets one Node. The node campaigns for a quorum
// lease among itself and the followers listed in the repository config,
// renews it while it lives, and gates writes: a proposal is committed only
// after a quorum of members has stored it.
package leader

import (
	"context"
	"errors"
	"time"

	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/storage"

	"pkt.systems/gitd/internal/refs"
)

// ErrStopped is returned by proposals submitted to a closed actor.
var ErrStopped = errors.New("leader actor stopped")

// State is the election role of a node for one repository.
type State int

const (
	StateFollower State = iota
	StateCandidate
	StateLeader
)

func (s State) String() string {
	switch s {
	case StateCandidate:
		return "candidate"
	case StateLeader:
		return "leader"
	default:
		return "follower"
	}
}

// Outcome classifies a proposal result.
type Outcome int

const (
	// Committed means a quorum stored the write; the local apply may proceed.
	Committed Outcome = iota
	// Rejected means the write must not be applied; Reason says why.
	Rejected
	// NotLeader means this node does not hold the lease.
	NotLeader
)

func (o Outcome) String() string {
	switch o {
	case Committed:
		return "committed"
	case Rejected:
		return "rejected"
	case NotLeader:
		return "not_leader"
	default:
		return "unknown"
	}
}

// Result is the decision on one proposal.
type Result struct {
	Outcome Outcome
	Reason  string
}

// Proposal is one push submitted for replication.
type Proposal struct {
	ID         string
	Repository string
	Commands   []refs.Command
	Pack       []byte
	Objects    uint32
	CreatedAt  time.Time
}

// Actor is the leader handle the write path talks to.
type Actor interface {
	// ProposeWrite replicates p and reports the decision. An error means the
	// actor failed or was stopped.
	ProposeWrite(ctx context.Context, p Proposal) (Result, error)
	// IsLeader is a best-effort view of the lease.
	IsLeader() bool
	State() State
	Close(ctx context.Context) error
}

// Repository is the local repository an actor serves.
type Repository interface {
	Name() string
	Key() string
	Config() (*config.Config, error)
	Storer() storage.Storer
}
