// Package peerapi serves the HTTP API gitd nodes use to elect repository
// leaders and replicate pushes to each other.
package peerapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/xid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/gitd/api"
	"pkt.systems/gitd/internal/clock"
	"pkt.systems/gitd/internal/leader"
	"pkt.systems/gitd/internal/refs"
	"pkt.systems/gitd/internal/repo"
	"pkt.systems/gitd/internal/svcfields"
	"pkt.systems/gitd/internal/version"
	"pkt.systems/pslog"
)

// DefaultMaxBodyBytes bounds a request body. Replication bodies carry the
// pushed pack.
const DefaultMaxBodyBytes int64 = 1 << 30

// Resolver finds the local repository a peer request names.
type Resolver interface {
	Resolve(ctx context.Context, client repo.Client, name string) (*repo.Repository, error)
}

// Config configures a Handler.
type Config struct {
	Resolver     Resolver
	Leases       *leader.LeaseBook
	Follower     *leader.Follower
	MaxBodyBytes int64
	Logger       pslog.Logger
	Clock        clock.Clock
}

// Handler serves the peer API.
type Handler struct {
	resolver     Resolver
	leases       *leader.LeaseBook
	follower     *leader.Follower
	maxBodyBytes int64
	logger       pslog.Logger
	clock        clock.Clock
	metrics      *handlerMetrics
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

// New validates cfg and builds a handler.
func New(cfg Config) (*Handler, error) {
	if cfg.Resolver == nil {
		return nil, errors.New("peerapi: resolver required")
	}
	if cfg.Leases == nil {
		return nil, errors.New("peerapi: lease book required")
	}
	if cfg.Follower == nil {
		return nil, errors.New("peerapi: follower required")
	}
	limit := cfg.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "peerapi")
	return &Handler{
		resolver:     cfg.Resolver,
		leases:       cfg.Leases,
		follower:     cfg.Follower,
		maxBodyBytes: limit,
		logger:       logger,
		clock:        clock.Or(cfg.Clock),
		metrics:      newHandlerMetrics(logger),
	}, nil
}

// Register mounts the peer API routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/v1/lease/acquire", h.wrap("lease.acquire", http.MethodPost, h.handleLeaseAcquire))
	mux.Handle("/v1/lease/renew", h.wrap("lease.renew", http.MethodPost, h.handleLeaseRenew))
	mux.Handle("/v1/lease/release", h.wrap("lease.release", http.MethodPost, h.handleLeaseRelease))
	mux.Handle("/v1/leader", h.wrap("leader", http.MethodGet, h.handleLeader))
	mux.Handle("/v1/replicate", h.wrap("replicate", http.MethodPost, h.handleReplicate))
	mux.Handle("/healthz", h.wrap("health", http.MethodGet, h.handleHealth))
}

func (h *Handler) wrap(operation, method string, fn handlerFunc) http.Handler {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := h.clock.Now()
		logger := h.logger.With(
			"req_id", xid.New().String(),
			"op", operation,
			"method", r.Method,
			"remote_addr", r.RemoteAddr,
		)
		ctx := pslog.ContextWithLogger(r.Context(), logger)
		r = r.WithContext(ctx)

		var err error
		if r.Method != method {
			w.Header().Set("Allow", method)
			err = httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Detail: "supported method: " + method}
		} else {
			err = fn(w, r)
		}
		status := http.StatusOK
		if err != nil {
			status = h.handleError(ctx, w, err)
		}
		h.metrics.recordRequest(ctx, operation, status)
		logger.Trace("peerapi.request.done", "status", status, "elapsed", h.clock.Now().Sub(start))
	})
	return otelhttp.NewHandler(handler, "gitd.peer."+operation)
}

type httpError struct {
	Status         int
	Code           string
	Detail         string
	LeaderEndpoint string
	Term           uint64
}

func (e httpError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return e.Code
}

// handleError writes err as an api.ErrorResponse and returns the status.
func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) int {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	herr, ok := classify(err)
	if !ok {
		logger.Error("peerapi.request.failed", "error", err)
		herr = httpError{Status: http.StatusInternalServerError, Code: "internal_error", Detail: "internal server error"}
	} else {
		logger.Debug("peerapi.request.refused", "status", herr.Status, "code", herr.Code, "detail", herr.Detail)
	}
	h.writeJSON(w, herr.Status, api.ErrorResponse{
		ErrorCode:      herr.Code,
		Detail:         herr.Detail,
		LeaderEndpoint: herr.LeaderEndpoint,
		Term:           herr.Term,
	})
	return herr.Status
}

func classify(err error) (httpError, bool) {
	var herr httpError
	if errors.As(err, &herr) {
		return herr, true
	}
	var lerr *leader.LeaseError
	if errors.As(err, &lerr) {
		status := http.StatusConflict
		if lerr.Code == leader.CodeInvalidTTL {
			status = http.StatusBadRequest
		}
		return httpError{Status: status, Code: lerr.Code, Detail: lerr.Error(), LeaderEndpoint: lerr.LeaderEndpoint, Term: lerr.Term}, true
	}
	var stale *refs.StaleError
	if errors.As(err, &stale) {
		return httpError{Status: http.StatusConflict, Code: leader.CodeStaleRef, Detail: stale.Error()}, true
	}
	if errors.Is(err, leader.ErrInvalidProposal) {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_proposal", Detail: err.Error()}, true
	}
	if repo.IsNotFound(err) || repo.IsForbidden(err) || repo.IsInvalid(err) {
		return httpError{Status: http.StatusNotFound, Code: "repository_not_found", Detail: err.Error()}, true
	}
	return httpError{}, false
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Debug("peerapi.response.write_failed", "error", err)
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	defer body.Close()
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return httpError{Status: http.StatusRequestEntityTooLarge, Code: "body_too_large", Detail: err.Error()}
		}
		if errors.Is(err, io.EOF) {
			return httpError{Status: http.StatusBadRequest, Code: "invalid_body", Detail: "empty body"}
		}
		return httpError{Status: http.StatusBadRequest, Code: "invalid_body", Detail: err.Error()}
	}
	return nil
}

func (h *Handler) repository(r *http.Request, name string) (*repo.Repository, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, httpError{Status: http.StatusBadRequest, Code: "missing_repository", Detail: "repository is required"}
	}
	return h.resolver.Resolve(r.Context(), repo.Client{RemoteAddr: r.RemoteAddr, Host: r.Host}, name)
}

func leaseTTL(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func (h *Handler) handleLeaseAcquire(w http.ResponseWriter, r *http.Request) error {
	var req api.LeaseAcquireRequest
	if err := h.decode(w, r, &req); err != nil {
		return err
	}
	req.CandidateID = strings.TrimSpace(req.CandidateID)
	if req.CandidateID == "" {
		return httpError{Status: http.StatusBadRequest, Code: "missing_candidate_id", Detail: "candidate_id is required"}
	}
	if req.Term == 0 {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_term", Detail: "term must be > 0"}
	}
	target, err := h.repository(r, req.Repository)
	if err != nil {
		return err
	}
	l, lerr := h.leases.Store(target.Key()).Acquire(h.clock.Now(), req.CandidateID, strings.TrimSpace(req.CandidateEndpoint), req.Term, leaseTTL(req.TTLMillis))
	if lerr != nil {
		return lerr
	}
	h.writeJSON(w, http.StatusOK, api.LeaseAcquireResponse{
		Granted:        true,
		LeaderID:       l.LeaderID,
		LeaderEndpoint: l.LeaderEndpoint,
		Term:           l.Term,
		ExpiresAtUnix:  l.ExpiresAt.UnixMilli(),
	})
	return nil
}

func (h *Handler) handleLeaseRenew(w http.ResponseWriter, r *http.Request) error {
	var req api.LeaseRenewRequest
	if err := h.decode(w, r, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.LeaderID) == "" {
		return httpError{Status: http.StatusBadRequest, Code: "missing_leader_id", Detail: "leader_id is required"}
	}
	target, err := h.repository(r, req.Repository)
	if err != nil {
		return err
	}
	l, lerr := h.leases.Store(target.Key()).Renew(h.clock.Now(), strings.TrimSpace(req.LeaderID), req.Term, leaseTTL(req.TTLMillis))
	if lerr != nil {
		return lerr
	}
	h.writeJSON(w, http.StatusOK, api.LeaseRenewResponse{
		Renewed:        true,
		LeaderID:       l.LeaderID,
		LeaderEndpoint: l.LeaderEndpoint,
		Term:           l.Term,
		ExpiresAtUnix:  l.ExpiresAt.UnixMilli(),
	})
	return nil
}

func (h *Handler) handleLeaseRelease(w http.ResponseWriter, r *http.Request) error {
	var req api.LeaseReleaseRequest
	if err := h.decode(w, r, &req); err != nil {
		return err
	}
	target, err := h.repository(r, req.Repository)
	if err != nil {
		return err
	}
	if _, lerr := h.leases.Store(target.Key()).Release(h.clock.Now(), strings.TrimSpace(req.LeaderID), req.Term); lerr != nil {
		return lerr
	}
	h.writeJSON(w, http.StatusOK, api.LeaseReleaseResponse{Released: true})
	return nil
}

func (h *Handler) handleLeader(w http.ResponseWriter, r *http.Request) error {
	name := r.URL.Query().Get("repository")
	target, err := h.repository(r, name)
	if err != nil {
		return err
	}
	l := h.leases.Store(target.Key()).Snapshot()
	resp := api.LeaderResponse{Repository: name, Term: l.Term}
	if l.Active(h.clock.Now()) {
		resp.LeaderID = l.LeaderID
		resp.LeaderEndpoint = l.LeaderEndpoint
		resp.ExpiresAtUnix = l.ExpiresAt.UnixMilli()
	}
	h.writeJSON(w, http.StatusOK, resp)
	return nil
}

func (h *Handler) handleReplicate(w http.ResponseWriter, r *http.Request) error {
	var req api.ReplicateRequest
	if err := h.decode(w, r, &req); err != nil {
		return err
	}
	target, err := h.repository(r, req.Repository)
	if err != nil {
		return err
	}
	if err := h.follower.Apply(r.Context(), target, req); err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, api.ReplicateResponse{Applied: true, Term: req.Term})
	return nil
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	h.writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ok", Version: version.Current()})
	return nil
}
