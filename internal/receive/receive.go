// Package receive applies pushes to a repository.
//
// A WriteHandler decides what happens to the commands of one push after
// its pack was staged. Plain applies them directly; Interceptor first has
// the repository's leader replicate the push and only hands it to the
// wrapped handler when the leader committed it.
package receive

import (
	"context"
	"fmt"

	"github.com/go-git/go-git/v5/plumbing/protocol/packp"
	"github.com/go-git/go-git/v5/storage"

	"pkt.systems/gitd/internal/refs"
)

// Repository is the repository a push targets.
type Repository interface {
	Name() string
	Key() string
	Storer() storage.Storer
}

// Push is one decoded receive-pack request. Its objects are already staged
// in the repository.
type Push struct {
	Repository Repository
	Commands   []refs.Command
	Pack       []byte
	Objects    uint32
	SessionID  string
	RemoteAddr string
}

// WriteHandler accepts or refuses a push and reports per-command status.
type WriteHandler interface {
	Accept(ctx context.Context, push *Push) (*packp.ReportStatus, error)
}

// Factory builds the write handler for one receive-pack session. It runs
// before references are advertised, so its errors reach the client as a
// protocol error.
type Factory interface {
	NewWriteHandler(ctx context.Context, repo Repository) (WriteHandler, error)
}

// RejectionKind classifies refused pushes.
type RejectionKind int

const (
	// NotLeader means the node does not hold the repository's lease.
	NotLeader RejectionKind = iota
	// Consensus means the leader refused or could not replicate the push.
	Consensus
	// ServiceNotEnabled means writes to the repository are unavailable.
	ServiceNotEnabled
	// Invalid means the push itself is malformed.
	Invalid
)

func (k RejectionKind) String() string {
	switch k {
	case NotLeader:
		return "not_leader"
	case Consensus:
		return "consensus"
	case ServiceNotEnabled:
		return "service_not_enabled"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Rejection is a refused push.
type Rejection struct {
	Kind   RejectionKind
	Reason string
	Err    error
}

func (r *Rejection) Error() string {
	switch r.Kind {
	case NotLeader:
		return "not leader"
	case ServiceNotEnabled:
		if r.Reason == "" {
			return "service not enabled"
		}
		return "service not enabled: " + r.Reason
	default:
		if r.Reason == "" {
			return r.Kind.String()
		}
		return r.Reason
	}
}

func (r *Rejection) Unwrap() error { return r.Err }

// Reject builds a report refusing every command of push with the
// rejection's message.
func Reject(push *Push, rej *Rejection) *packp.ReportStatus {
	report := packp.NewReportStatus()
	report.UnpackStatus = "ok"
	msg := rej.Error()
	for _, cmd := range push.Commands {
		report.CommandStatuses = append(report.CommandStatuses, &packp.CommandStatus{
			ReferenceName: cmd.Name,
			Status:        msg,
		})
	}
	return report
}

// Succeeded reports whether every command in report was applied.
func Succeeded(report *packp.ReportStatus) bool {
	if report == nil || report.UnpackStatus != "ok" {
		return false
	}
	for _, cs := range report.CommandStatuses {
		if cs.Status != "ok" {
			return false
		}
	}
	return true
}

func reportResults(results []refs.Result) *packp.ReportStatus {
	report := packp.NewReportStatus()
	report.UnpackStatus = "ok"
	for _, res := range results {
		status := "ok"
		if res.Err != nil {
			status = res.Err.Error()
		}
		report.CommandStatuses = append(report.CommandStatuses, &packp.CommandStatus{
			ReferenceName: res.Name,
			Status:        status,
		})
	}
	return report
}

func invalid(format string, args ...any) *Rejection {
	return &Rejection{Kind: Invalid, Reason: fmt.Sprintf(format, args...)}
}
