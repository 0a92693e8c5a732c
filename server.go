package gitd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"pkt.systems/gitd/internal/clock"
	"pkt.systems/gitd/internal/connguard"
	"pkt.systems/gitd/internal/daemon"
	"pkt.systems/gitd/internal/leader"
	"pkt.systems/gitd/internal/leadercache"
	"pkt.systems/gitd/internal/peerapi"
	"pkt.systems/gitd/internal/receive"
	"pkt.systems/gitd/internal/refs"
	"pkt.systems/gitd/internal/repo"
	"pkt.systems/gitd/internal/service"
	"pkt.systems/gitd/internal/svcfields"
	"pkt.systems/pslog"
)

// Server owns the daemon, the leader cache and the peer API.
type Server struct {
	cfg       Config
	logger    pslog.Logger
	clock     clock.Clock
	telemetry *telemetry

	registry *service.Registry
	resolver *repo.Resolver
	leases   *leader.LeaseBook
	locks    *refs.Locks
	leaders  *leadercache.Cache
	// peerClient carries leader calls to followers.
	peerClient *http.Client
	daemon     *daemon.Daemon
	peerSrv    *http.Server

	mu        sync.Mutex
	daemonLn  net.Listener
	peerLn    net.Listener
	shutdown  bool
	started   bool
	readyOnce sync.Once
	readyCh   chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger       pslog.Logger
	Clock        clock.Clock
	HTTPClient   *http.Client
	DaemonListen net.Listener
	PeerListen   net.Listener
}

// WithLogger supplies the server logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithHTTPClient sets the client leaders use to reach their followers.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.HTTPClient = c
	}
}

// WithListeners serves on pre-bound listeners instead of binding the
// configured addresses. Either may be nil.
func WithListeners(daemonLn, peerLn net.Listener) Option {
	return func(o *options) {
		o.DaemonListen = daemonLn
		o.PeerListen = peerLn
	}
}

// NewServer validates cfg and wires the components. Nothing listens until
// Start.
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := svcfields.Ensure(o.Logger)
	initLogger := svcfields.WithSubsystem(logger, "server.lifecycle.init")
	clk := clock.Or(o.Clock)

	registry := service.NewDefaultRegistry()
	if err := cfg.ConfigureRegistry(registry); err != nil {
		return nil, err
	}
	resolver, err := repo.NewResolver(cfg.Directories, cfg.ExportAll, logger)
	if err != nil {
		return nil, err
	}

	tel, err := setupTelemetry(context.Background(), telemetrySettings{
		otlpEndpoint:   cfg.OTLPEndpoint,
		metricsListen:  cfg.MetricsListen,
		pprofListen:    cfg.PprofListen,
		runtimeMetrics: cfg.EnableProfilingMetrics,
	}, logger)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		clock:     clk,
		telemetry: tel,
		registry:  registry,
		resolver:  resolver,
		leases:    leader.NewLeaseBook(),
		locks:     refs.NewLocks(),
		readyCh:   make(chan struct{}),
		daemonLn:  o.DaemonListen,
		peerLn:    o.PeerListen,
	}

	var writes receive.Factory = &receive.PlainFactory{Locks: s.locks, Logger: logger}
	if cfg.Leader {
		httpClient := o.HTTPClient
		if httpClient == nil {
			httpClient = leader.NewHTTPClient()
		}
		s.peerClient = httpClient
		s.leaders, err = leadercache.New(leadercache.Config{
			Build:        s.leaderBuilder(httpClient),
			Logger:       logger,
			Clock:        clk,
			CloseTimeout: cfg.LeaderCloseTimeout,
			WatchConfig:  !cfg.DisableConfigWatch,
		})
		if err != nil {
			_ = tel.Shutdown(context.Background())
			return nil, err
		}
		writes = &receive.LeaderGatedFactory{
			Inner:          writes,
			Leaders:        s.leaders,
			ProposeTimeout: cfg.ProposeTimeout,
			Logger:         logger,
			Clock:          clk,
		}
	}

	var guard *connguard.Guard
	if cfg.ConnguardEnabled {
		guard = connguard.New(connguard.Config{
			Enabled:          true,
			FailureThreshold: cfg.ConnguardFailureThreshold,
			FailureWindow:    cfg.ConnguardFailureWindow,
			BlockDuration:    cfg.ConnguardBlockDuration,
			ProbeTimeout:     cfg.ConnguardProbeTimeout,
		}, logger, clk)
	}

	s.daemon, err = daemon.New(daemon.Config{
		Registry:     registry,
		Resolver:     resolver,
		Writes:       writes,
		Threads:      cfg.Threads,
		Timeout:      cfg.Timeout,
		MaxPackBytes: cfg.MaxPackBytes,
		Guard:        guard,
		Logger:       logger,
		Clock:        clk,
	})
	if err != nil {
		s.closeEarly()
		return nil, err
	}

	if cfg.PeerListen != "" || o.PeerListen != nil {
		// Peers address repositories by path whether or not they are
		// exported to git clients.
		peerResolver, err := repo.NewResolver(cfg.Directories, true, logger)
		if err != nil {
			s.closeEarly()
			return nil, err
		}
		handler, err := peerapi.New(peerapi.Config{
			Resolver:     peerResolver,
			Leases:       s.leases,
			Follower:     leader.NewFollower(s.leases, s.locks, clk, logger),
			MaxBodyBytes: cfg.MaxPackBytes * 2,
			Logger:       logger,
			Clock:        clk,
		})
		if err != nil {
			s.closeEarly()
			return nil, err
		}
		mux := http.NewServeMux()
		handler.Register(mux)
		s.peerSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	}

	initLogger.Info("server.configured",
		"listen", cfg.ListenAddress(),
		"directories", cfg.Directories,
		"export_all", cfg.ExportAll,
		"services", registry.Names(),
		"threads", s.daemon.Threads(),
		"leader", cfg.Leader,
		"peer_listen", cfg.PeerListen,
		"self", cfg.SelfEndpoint,
	)
	return s, nil
}

func (s *Server) leaderBuilder(httpClient *http.Client) leadercache.Constructor {
	return func(ctx context.Context, key string) (leader.Actor, error) {
		r, err := repo.Open(key, key)
		if err != nil {
			return nil, err
		}
		node, err := leader.New(leader.Config{
			Repository:   r,
			SelfEndpoint: s.cfg.SelfEndpoint,
			LeaseTTL:     s.cfg.LeaseTTL,
			Leases:       s.leases,
			HTTPClient:   httpClient,
			Replication:  s.cfg.Replication(),
			Logger:       s.logger,
			Clock:        s.clock,
		})
		if err != nil {
			return nil, err
		}
		node.Start(ctx)
		return node, nil
	}
}

func (s *Server) bind() (net.Listener, net.Listener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return nil, nil, net.ErrClosed
	}
	if s.daemonLn == nil {
		ln, err := net.Listen("tcp", s.cfg.ListenAddress())
		if err != nil {
			return nil, nil, fmt.Errorf("listen %s: %w", s.cfg.ListenAddress(), err)
		}
		s.daemonLn = ln
	}
	if s.peerSrv != nil && s.peerLn == nil {
		ln, err := net.Listen("tcp", s.cfg.PeerListen)
		if err != nil {
			_ = s.daemonLn.Close()
			return nil, nil, fmt.Errorf("peer listen %s: %w", s.cfg.PeerListen, err)
		}
		s.peerLn = ln
	}
	s.started = true
	if s.peerSrv == nil {
		return s.daemonLn, nil, nil
	}
	return s.daemonLn, s.peerLn, nil
}

func (s *Server) closeEarly() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.leaders != nil {
		_ = s.leaders.Shutdown(ctx)
	}
	_ = s.telemetry.Shutdown(ctx)
}

// Start binds the listeners and serves until Shutdown. It returns nil on a
// clean shutdown.
func (s *Server) Start() error {
	ln, peerLn, err := s.bind()
	if err != nil {
		s.signalReady()
		return err
	}

	logger := svcfields.WithSubsystem(s.logger, "server.lifecycle")
	errCh := make(chan error, 2)
	if peerLn != nil {
		logger.Info("peerapi.listening", "address", peerLn.Addr().String())
		go func() {
			if err := s.peerSrv.Serve(peerLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("peer api serve: %w", err)
				return
			}
			errCh <- nil
		}()
	}
	s.signalReady()
	err = s.daemon.Serve(ln)
	if err != nil {
		logger.Error("daemon.serve.failed", "error", err)
		return err
	}
	if peerLn != nil {
		return <-errCh
	}
	return nil
}

// Shutdown stops accepting, drains sessions, closes every leader and
// stops telemetry.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	if !s.started {
		// Injected listeners that never reached Serve.
		for _, ln := range []net.Listener{s.daemonLn, s.peerLn} {
			if ln != nil {
				_ = ln.Close()
			}
		}
	}
	s.mu.Unlock()
	logger := svcfields.WithSubsystem(s.logger, "server.lifecycle.shutdown")
	logger.Info("server.shutdown.begin")

	var errs []error
	if err := s.daemon.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("daemon shutdown: %w", err))
	}
	if s.peerSrv != nil {
		if err := s.peerSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("peer api shutdown: %w", err))
		}
	}
	if s.leaders != nil {
		if err := s.leaders.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("leader shutdown: %w", err))
		}
	}
	if s.peerClient != nil {
		// Unused dials would otherwise hold follower shutdowns open.
		s.peerClient.CloseIdleConnections()
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
	}
	s.signalReady()
	if err := errors.Join(errs...); err != nil {
		logger.Warn("server.shutdown.incomplete", "error", err)
		return err
	}
	logger.Info("server.shutdown.complete")
	return nil
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the listeners are bound or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the daemon address once bound.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.daemonLn == nil {
		return nil
	}
	return s.daemonLn.Addr()
}

// PeerAddr returns the peer API address once bound.
func (s *Server) PeerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peerLn == nil {
		return nil
	}
	return s.peerLn.Addr()
}

// Registry exposes the service registry.
func (s *Server) Registry() *service.Registry { return s.registry }

// Leaders returns the live leader records; empty unless leader mode is on.
func (s *Server) Leaders() []leadercache.Record {
	if s.leaders == nil {
		return nil
	}
	return s.leaders.Snapshot()
}

// StartServer runs a server in the background and returns once it is
// listening. The returned stop function shuts it down and waits for Start
// to return. Cancelling ctx also stops the server.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	if err := srv.WaitUntilReady(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, err
	}
	if srv.ListenerAddr() == nil || (srv.peerSrv != nil && srv.PeerAddr() == nil) {
		err := <-errCh
		_ = srv.Shutdown(context.Background())
		if err == nil {
			err = net.ErrClosed
		}
		return nil, nil, err
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
			}
			if err := <-errCh; err != nil && stopErr == nil {
				stopErr = err
			}
		})
		return stopErr
	}
	go func() {
		<-ctx.Done()
		_ = stop(context.Background())
	}()
	return srv, stop, nil
}
