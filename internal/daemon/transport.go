package daemon

import (
	"github.com/go-git/go-git/v5/plumbing/protocol/packp"
	"github.com/go-git/go-git/v5/plumbing/protocol/packp/capability"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/server"

	"pkt.systems/gitd/internal/repo"
	"pkt.systems/gitd/internal/version"
)

// resolvedLoader hands the already resolved repository to the go-git
// transport server.
type resolvedLoader struct {
	st storer.Storer
}

func (l resolvedLoader) Load(*transport.Endpoint) (storer.Storer, error) {
	return l.st, nil
}

func sessionServer(r *repo.Repository) (transport.Transport, *transport.Endpoint, error) {
	ep, err := transport.NewEndpoint(r.Path())
	if err != nil {
		return nil, nil, err
	}
	return server.NewServer(resolvedLoader{st: r.Storer()}), ep, nil
}

func setAgent(ar *packp.AdvRefs) error {
	return ar.Capabilities.Set(capability.Agent, version.Agent())
}

func uploadAdvertisement(r *repo.Repository) (*packp.AdvRefs, error) {
	srv, ep, err := sessionServer(r)
	if err != nil {
		return nil, err
	}
	sess, err := srv.NewUploadPackSession(ep, nil)
	if err != nil {
		return nil, err
	}
	defer sess.Close()
	ar, err := sess.AdvertisedReferences()
	if err != nil {
		return nil, err
	}
	return ar, setAgent(ar)
}

func receiveAdvertisement(r *repo.Repository) (*packp.AdvRefs, error) {
	srv, ep, err := sessionServer(r)
	if err != nil {
		return nil, err
	}
	sess, err := srv.NewReceivePackSession(ep, nil)
	if err != nil {
		return nil, err
	}
	defer sess.Close()
	ar, err := sess.AdvertisedReferences()
	if err != nil {
		return nil, err
	}
	if err := ar.Capabilities.Set(capability.Atomic); err != nil {
		return nil, err
	}
	return ar, setAgent(ar)
}
