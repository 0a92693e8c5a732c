// Package api defines the JSON payloads exchanged between gitd peers.
package api

// LeaseAcquireRequest asks a peer to vote for a leader candidate of one
// repository.
type LeaseAcquireRequest struct {
	// Repository is the repository path on the receiving peer.
	Repository string `json:"repository"`
	// CandidateID identifies the node requesting leadership.
	CandidateID string `json:"candidate_id"`
	// CandidateEndpoint is the peer API endpoint of the candidate.
	CandidateEndpoint string `json:"candidate_endpoint"`
	// Term is the election term.
	Term uint64 `json:"term"`
	// TTLMillis is the requested lease duration in milliseconds.
	TTLMillis int64 `json:"ttl_ms"`
}

// LeaseAcquireResponse reports the outcome of a lease acquire request.
type LeaseAcquireResponse struct {
	// Granted reports whether the vote was granted.
	Granted bool `json:"granted"`
	// LeaderID identifies the current lease holder.
	LeaderID string `json:"leader_id,omitempty"`
	// LeaderEndpoint is the lease holder's peer endpoint.
	LeaderEndpoint string `json:"leader_endpoint,omitempty"`
	// Term is the current term on the peer.
	Term uint64 `json:"term,omitempty"`
	// ExpiresAtUnix is the lease expiry in Unix milliseconds.
	ExpiresAtUnix int64 `json:"expires_at,omitempty"`
}

// LeaseRenewRequest extends a lease held by LeaderID.
type LeaseRenewRequest struct {
	Repository string `json:"repository"`
	LeaderID   string `json:"leader_id"`
	Term       uint64 `json:"term"`
	TTLMillis  int64  `json:"ttl_ms"`
}

// LeaseRenewResponse reports the outcome of a renewal.
type LeaseRenewResponse struct {
	Renewed        bool   `json:"renewed"`
	LeaderID       string `json:"leader_id,omitempty"`
	LeaderEndpoint string `json:"leader_endpoint,omitempty"`
	Term           uint64 `json:"term,omitempty"`
	ExpiresAtUnix  int64  `json:"expires_at,omitempty"`
}

// LeaseReleaseRequest gives up a lease.
type LeaseReleaseRequest struct {
	Repository string `json:"repository"`
	LeaderID   string `json:"leader_id"`
	Term       uint64 `json:"term"`
}

// LeaseReleaseResponse acknowledges a release.
type LeaseReleaseResponse struct {
	Released bool `json:"released"`
}

// LeaderResponse reports the lease a peer currently observes for a
// repository.
type LeaderResponse struct {
	Repository     string `json:"repository"`
	LeaderID       string `json:"leader_id,omitempty"`
	LeaderEndpoint string `json:"leader_endpoint,omitempty"`
	Term           uint64 `json:"term,omitempty"`
	ExpiresAtUnix  int64  `json:"expires_at,omitempty"`
}

// RefUpdate is one reference change, hashes in hex.
type RefUpdate struct {
	Name string `json:"name"`
	Old  string `json:"old"`
	New  string `json:"new"`
}

// ReplicateRequest carries a proposal from the leader to a follower.
type ReplicateRequest struct {
	// Repository is the repository path on the follower.
	Repository string `json:"repository"`
	// ProposalID identifies the proposal for logging and deduplication.
	ProposalID string `json:"proposal_id"`
	// LeaderID and Term must match the follower's lease record.
	LeaderID string `json:"leader_id"`
	Term     uint64 `json:"term"`
	// Commands are applied atomically after the pack is stored.
	Commands []RefUpdate `json:"commands"`
	// Pack is the raw packfile; encoding/json carries it as base64.
	Pack []byte `json:"pack,omitempty"`
	// Objects is the object count from the pack header.
	Objects uint32 `json:"objects"`
}

// ReplicateResponse acknowledges an applied proposal.
type ReplicateResponse struct {
	Applied bool   `json:"applied"`
	Term    uint64 `json:"term"`
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ErrorResponse is the error envelope of the peer API.
type ErrorResponse struct {
	// ErrorCode is a stable identifier such as lease_term_stale or stale_ref.
	ErrorCode string `json:"error"`
	// Detail is a human-readable description.
	Detail string `json:"detail,omitempty"`
	// LeaderEndpoint points at the current lease holder when known.
	LeaderEndpoint string `json:"leader_endpoint,omitempty"`
	// Term is the peer's current term for lease conflicts.
	Term uint64 `json:"term,omitempty"`
}
