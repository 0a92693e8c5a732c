package leader

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5/config"
)

// ErrInvalidReplicationTopology reports a replica configuration that cannot
// be turned into a peer list.
var ErrInvalidReplicationTopology = errors.New("invalid replication topology")

// TopologyError describes which replica entry is broken.
type TopologyError struct {
	Replica string
	URL     string
	Err     error
}

func (e *TopologyError) Error() string {
	if e.Replica == "" {
		return fmt.Sprintf("%s: %v", ErrInvalidReplicationTopology, e.Err)
	}
	return fmt.Sprintf("%s: replica %q (%s): %v", ErrInvalidReplicationTopology, e.Replica, e.URL, e.Err)
}

func (e *TopologyError) Unwrap() []error {
	return []error{ErrInvalidReplicationTopology, e.Err}
}

// ReplicaSection is the repository config section listing followers:
//
//	[replica "b"]
//		url = http://node-b:9419/project.git
const ReplicaSection = "replica"

// Peer is one follower of a repository.
type Peer struct {
	// Name is the replica subsection name.
	Name string
	// Endpoint is the follower's peer API base URL.
	Endpoint string
	// Repository is the repository path on the follower.
	Repository string
}

// Topology is the membership of one replicated repository.
type Topology struct {
	Peers []Peer
}

// Members is the voting population: the local node plus every peer.
func (t Topology) Members() int { return len(t.Peers) + 1 }

// Quorum is the number of votes or acks needed, counting the local node.
func (t Topology) Quorum() int { return quorumSize(t.Members()) }

// ParseTopology reads [replica "<name>"] entries from cfg. selfEndpoint is
// the local peer API URL; it must be set when any replica is configured and
// no replica may point at it.
func ParseTopology(cfg *config.Config, selfEndpoint string) (Topology, error) {
	if cfg == nil || cfg.Raw == nil || !cfg.Raw.HasSection(ReplicaSection) {
		return Topology{}, nil
	}
	section := cfg.Raw.Section(ReplicaSection)
	if len(section.Options) > 0 {
		raw := strings.TrimSpace(section.Option("url"))
		return Topology{}, &TopologyError{URL: raw, Err: errors.New(`replica entries must be named: [replica "<name>"]`)}
	}
	self := normalizeEndpoint(selfEndpoint)
	seen := make(map[string]string)
	var peers []Peer
	for _, sub := range section.Subsections {
		raw := strings.TrimSpace(sub.Option("url"))
		peer, err := parseReplicaURL(sub.Name, raw)
		if err != nil {
			return Topology{}, &TopologyError{Replica: sub.Name, URL: raw, Err: err}
		}
		id := peer.Endpoint + "|" + peer.Repository
		if other, dup := seen[id]; dup {
			return Topology{}, &TopologyError{Replica: sub.Name, URL: raw, Err: fmt.Errorf("duplicates replica %q", other)}
		}
		if self != "" && peer.Endpoint == self {
			return Topology{}, &TopologyError{Replica: sub.Name, URL: raw, Err: errors.New("points at this node")}
		}
		seen[id] = sub.Name
		peers = append(peers, peer)
	}
	if len(peers) > 0 && self == "" {
		return Topology{}, &TopologyError{Err: errors.New("self endpoint required for replicated repositories")}
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Name < peers[j].Name })
	return Topology{Peers: peers}, nil
}

func parseReplicaURL(name, raw string) (Peer, error) {
	if raw == "" {
		return Peer{}, errors.New("missing url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Peer{}, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Peer{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return Peer{}, errors.New("missing host")
	}
	repository := strings.Trim(u.Path, "/")
	if repository == "" {
		return Peer{}, errors.New("missing repository path")
	}
	return Peer{
		Name:       name,
		Endpoint:   u.Scheme + "://" + u.Host,
		Repository: "/" + repository,
	}, nil
}

// ValidateSelfEndpoint checks the local peer API URL.
func ValidateSelfEndpoint(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("self endpoint %q must be an http(s) URL with a host", raw)
	}
	return nil
}

func normalizeEndpoint(raw string) string {
	return strings.TrimSuffix(strings.TrimSpace(raw), "/")
}

func quorumSize(n int) int {
	if n <= 0 {
		return 0
	}
	return n/2 + 1
}
