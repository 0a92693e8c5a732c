// Package daemon serves repositories over the git daemon protocol.
//
// Each connection carries one request: a pkt-line naming the service and
// the repository path. The daemon checks the service against the registry,
// resolves the repository, applies the repository's service overrides and
// runs upload-pack or receive-pack.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"pkt.systems/gitd/internal/clock"
	"pkt.systems/gitd/internal/connguard"
	"pkt.systems/gitd/internal/receive"
	"pkt.systems/gitd/internal/repo"
	"pkt.systems/gitd/internal/service"
	"pkt.systems/gitd/internal/svcfields"
	"pkt.systems/pslog"
)

// DefaultPort is the git daemon port.
const DefaultPort = 9418

// Resolver finds the repository a request names.
type Resolver interface {
	Resolve(ctx context.Context, client repo.Client, name string) (*repo.Repository, error)
}

// Config configures a Daemon.
type Config struct {
	Registry *service.Registry
	Resolver Resolver
	// Writes builds the handler that applies pushes.
	Writes receive.Factory
	// Threads bounds concurrent sessions; <= 0 means the CPU count.
	Threads int
	// Timeout is the per-read/per-write IO deadline; 0 disables it.
	Timeout time.Duration
	// MaxPackBytes bounds an uploaded pack; 0 means unlimited.
	MaxPackBytes int64
	Guard        *connguard.Guard
	Logger       pslog.Logger
	Clock        clock.Clock
}

// Daemon accepts git daemon connections.
type Daemon struct {
	cfg     Config
	sem     *semaphore.Weighted
	threads int
	logger  pslog.Logger
	clock   clock.Clock
	metrics *daemonMetrics

	// ctx ends when Shutdown starts; sessionCtx when it gives up waiting.
	ctx           context.Context
	cancel        context.CancelFunc
	sessionCtx    context.Context
	sessionCancel context.CancelFunc

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[net.Conn]struct{}
	closing   atomic.Bool
	sessions  sync.WaitGroup
}

// New validates cfg and builds a daemon.
func New(cfg Config) (*Daemon, error) {
	if cfg.Registry == nil {
		return nil, errors.New("daemon: service registry required")
	}
	if cfg.Resolver == nil {
		return nil, errors.New("daemon: repository resolver required")
	}
	if cfg.Writes == nil {
		return nil, errors.New("daemon: write handler factory required")
	}
	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "daemon")
	ctx, cancel := context.WithCancel(context.Background())
	sessionCtx, sessionCancel := context.WithCancel(context.Background())
	return &Daemon{
		cfg:           cfg,
		sem:           semaphore.NewWeighted(int64(threads)),
		threads:       threads,
		logger:        logger,
		clock:         clock.Or(cfg.Clock),
		metrics:       newDaemonMetrics(logger),
		ctx:           ctx,
		cancel:        cancel,
		sessionCtx:    sessionCtx,
		sessionCancel: sessionCancel,
		listeners:     make(map[net.Listener]struct{}),
		conns:         make(map[net.Conn]struct{}),
	}, nil
}

// Threads reports the session limit in effect.
func (d *Daemon) Threads() int { return d.threads }

// Serve accepts connections on ln until Shutdown. It returns nil when the
// daemon was shut down and the accept error otherwise.
func (d *Daemon) Serve(ln net.Listener) error {
	if d.closing.Load() {
		return net.ErrClosed
	}
	ln = d.cfg.Guard.WrapListener(ln)
	d.mu.Lock()
	d.listeners[ln] = struct{}{}
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.listeners, ln)
		d.mu.Unlock()
	}()

	d.logger.Info("daemon.listen", "address", ln.Addr().String(), "threads", d.threads)
	var tempDelay time.Duration
	for {
		if err := d.sem.Acquire(d.ctx, 1); err != nil {
			return nil
		}
		conn, err := ln.Accept()
		if err != nil {
			d.sem.Release(1)
			if d.closing.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if tempDelay > time.Second {
					tempDelay = time.Second
				}
				d.logger.Warn("daemon.accept.retry", "error", err, "delay", tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			return fmt.Errorf("daemon: accept: %w", err)
		}
		tempDelay = 0
		if !d.track(conn) {
			_ = conn.Close()
			d.sem.Release(1)
			return nil
		}
		go func() {
			defer d.sem.Release(1)
			defer d.untrack(conn)
			d.serveConn(conn)
		}()
	}
}

func (d *Daemon) track(conn net.Conn) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing.Load() {
		return false
	}
	d.conns[conn] = struct{}{}
	d.sessions.Add(1)
	return true
}

func (d *Daemon) untrack(conn net.Conn) {
	d.mu.Lock()
	delete(d.conns, conn)
	d.mu.Unlock()
	d.sessions.Done()
}

// Shutdown stops accepting, waits for running sessions until ctx ends and
// then closes the remaining connections.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closing.Store(true)
	for ln := range d.listeners {
		_ = ln.Close()
	}
	d.mu.Unlock()
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.sessionCancel()
		return nil
	case <-ctx.Done():
	}
	d.sessionCancel()
	d.mu.Lock()
	open := len(d.conns)
	for conn := range d.conns {
		_ = conn.Close()
	}
	d.mu.Unlock()
	d.logger.Warn("daemon.shutdown.forced", "open_sessions", open)
	<-done
	return ctx.Err()
}
