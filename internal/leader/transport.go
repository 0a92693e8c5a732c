package leader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/gitd/api"
)

const defaultPeerRequestTimeout = 30 * time.Second

// PeerError is a non-2xx answer from a peer.
type PeerError struct {
	Status int
	Code   string
	Detail string
	Term   uint64
}

func (e *PeerError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("peer status %d (%s): %s", e.Status, e.Code, e.Detail)
	}
	return fmt.Sprintf("peer status %d (%s)", e.Status, e.Code)
}

// leaseAnswer reports whether the peer refused because of our lease or term.
func (e *PeerError) leaseAnswer() bool {
	return e.Status == http.StatusConflict && (e.Code == CodeTermStale || e.Code == CodeNotHeld || e.Code == CodeLeaseHeld)
}

// CodeStaleRef is returned by followers whose reference no longer matches
// the proposal's old value.
const CodeStaleRef = "stale_ref"

// NewHTTPClient returns the client used for peer calls, instrumented with
// OpenTelemetry. It owns its connection pool, so CloseIdleConnections on
// the client only drops peer connections.
func NewHTTPClient() *http.Client {
	base := http.DefaultTransport.(*http.Transport).Clone()
	return &http.Client{
		Timeout:   defaultPeerRequestTimeout,
		Transport: &peerTransport{RoundTripper: otelhttp.NewTransport(base), base: base},
	}
}

// peerTransport exposes the pool behind the otelhttp wrapper to
// http.Client.CloseIdleConnections.
type peerTransport struct {
	http.RoundTripper
	base *http.Transport
}

func (t *peerTransport) CloseIdleConnections() {
	t.base.CloseIdleConnections()
}

type peerClient struct {
	http *http.Client
}

func (c peerClient) acquire(ctx context.Context, endpoint string, req api.LeaseAcquireRequest) (*api.LeaseAcquireResponse, error) {
	out := &api.LeaseAcquireResponse{}
	if err := c.post(ctx, endpoint, "/v1/lease/acquire", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c peerClient) renew(ctx context.Context, endpoint string, req api.LeaseRenewRequest) (*api.LeaseRenewResponse, error) {
	out := &api.LeaseRenewResponse{}
	if err := c.post(ctx, endpoint, "/v1/lease/renew", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c peerClient) release(ctx context.Context, endpoint string, req api.LeaseReleaseRequest) error {
	return c.post(ctx, endpoint, "/v1/lease/release", req, &api.LeaseReleaseResponse{})
}

func (c peerClient) replicate(ctx context.Context, endpoint string, req api.ReplicateRequest) (*api.ReplicateResponse, error) {
	out := &api.ReplicateResponse{}
	if err := c.post(ctx, endpoint, "/v1/replicate", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c peerClient) leader(ctx context.Context, endpoint, repository string) (api.LeaderResponse, error) {
	target := joinEndpoint(endpoint, "/v1/leader") + "?repository=" + url.QueryEscape(repository)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return api.LeaderResponse{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return api.LeaderResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return api.LeaderResponse{}, decodePeerError(resp)
	}
	var out api.LeaderResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return api.LeaderResponse{}, err
	}
	return out, nil
}

func (c peerClient) post(ctx context.Context, endpoint, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, joinEndpoint(endpoint, path), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodePeerError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodePeerError(resp *http.Response) error {
	var errResp api.ErrorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&errResp)
	return &PeerError{
		Status: resp.StatusCode,
		Code:   errResp.ErrorCode,
		Detail: errResp.Detail,
		Term:   errResp.Term,
	}
}

func joinEndpoint(base, suffix string) string {
	base = strings.TrimSuffix(strings.TrimSpace(base), "/")
	if !strings.HasPrefix(suffix, "/") {
		suffix = "/" + suffix
	}
	return base + suffix
}
