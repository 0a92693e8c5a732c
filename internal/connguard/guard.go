// Package connguard blocks remotes that keep opening daemon connections
// without sending a usable request.
package connguard

import (
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"pkt.systems/gitd/internal/clock"
	"pkt.systems/gitd/internal/svcfields"
	"pkt.systems/pslog"
)

// Failure reasons reported by the listener and the daemon session layer.
const (
	ReasonSilent    = "silent_connect"
	ReasonMalformed = "malformed_request"
	ReasonUnknown   = "unknown_service"
)

// Config controls the guard.
type Config struct {
	// Enabled toggles guard enforcement.
	Enabled bool
	// FailureThreshold is the number of suspicious events before blocking.
	FailureThreshold int
	// FailureWindow is the period suspicious events are counted over.
	FailureWindow time.Duration
	// BlockDuration is how long a blocked host stays blocked.
	BlockDuration time.Duration
	// ProbeTimeout bounds the wait for the first request byte.
	ProbeTimeout time.Duration
}

type hostState struct {
	failures     []time.Time
	blockedUntil time.Time
}

// Guard tracks suspicious remotes by host.
type Guard struct {
	cfg    Config
	logger pslog.Logger
	clock  clock.Clock

	mu    sync.Mutex
	hosts map[string]*hostState
}

// New constructs a guard. A nil clock means wall time.
func New(cfg Config, logger pslog.Logger, clk clock.Clock) *Guard {
	if cfg.FailureThreshold < 0 {
		cfg.FailureThreshold = 0
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = 30 * time.Second
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = 5 * time.Minute
	}
	if cfg.ProbeTimeout < 0 {
		cfg.ProbeTimeout = 0
	}
	return &Guard{
		cfg:    cfg,
		logger: svcfields.WithSubsystem(logger, "daemon.connguard"),
		clock:  clock.Or(clk),
		hosts:  make(map[string]*hostState),
	}
}

// WrapListener returns a listener that drops connections from blocked hosts
// and from hosts that connect without sending anything.
func (g *Guard) WrapListener(ln net.Listener) net.Listener {
	if g == nil || !g.cfg.Enabled || ln == nil {
		return ln
	}
	return &guardedListener{Listener: ln, guard: g}
}

// ReportFailure records a suspicious event for remote and reports whether the
// host is now blocked.
func (g *Guard) ReportFailure(remote, reason string) bool {
	if g == nil || !g.cfg.Enabled || g.cfg.FailureThreshold <= 0 {
		return false
	}
	host := hostOf(remote)
	if host == "" {
		return false
	}
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	state := g.hosts[host]
	if state == nil {
		state = &hostState{}
		g.hosts[host] = state
	}
	if state.blockedUntil.After(now) {
		return true
	}
	state.blockedUntil = time.Time{}

	cutoff := now.Add(-g.cfg.FailureWindow)
	for len(state.failures) > 0 && state.failures[0].Before(cutoff) {
		state.failures = state.failures[1:]
	}
	state.failures = append(state.failures, now)
	if len(state.failures) < g.cfg.FailureThreshold {
		g.logger.Warn("gitd.connguard.suspicious",
			"remote", host,
			"reason", reason,
			"count", len(state.failures),
			"threshold", g.cfg.FailureThreshold)
		return false
	}

	state.blockedUntil = now.Add(g.cfg.BlockDuration)
	state.failures = nil
	g.logger.Warn("gitd.connguard.engaged",
		"remote", host,
		"threshold", g.cfg.FailureThreshold,
		"window", g.cfg.FailureWindow,
		"duration", g.cfg.BlockDuration,
		"reason", reason)
	return true
}

// Blocked reports whether remote is currently blocked.
func (g *Guard) Blocked(remote string) bool {
	if g == nil || !g.cfg.Enabled {
		return false
	}
	host := hostOf(remote)
	if host == "" {
		return false
	}
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	state := g.hosts[host]
	if state == nil || state.blockedUntil.IsZero() {
		return false
	}
	if state.blockedUntil.After(now) {
		return true
	}
	state.blockedUntil = time.Time{}
	g.logger.Info("gitd.connguard.disengaged", "remote", host)
	if len(state.failures) == 0 {
		delete(g.hosts, host)
	}
	return false
}

func hostOf(remote string) string {
	remote = strings.TrimSpace(remote)
	if remote == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(remote); err == nil {
		return host
	}
	return remote
}

type guardedListener struct {
	net.Listener
	guard *Guard
}

func (l *guardedListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		accepted, err := l.admit(conn)
		if err == nil {
			return accepted, nil
		}
		_ = conn.Close()
	}
}

var errBlocked = errors.New("connection blocked")

func (l *guardedListener) admit(conn net.Conn) (net.Conn, error) {
	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	if l.guard.Blocked(remote) {
		l.guard.logger.Debug("gitd.connguard.rejected", "remote", hostOf(remote))
		return nil, errBlocked
	}
	if l.guard.cfg.ProbeTimeout <= 0 {
		return conn, nil
	}
	if err := conn.SetReadDeadline(time.Now().Add(l.guard.cfg.ProbeTimeout)); err != nil {
		return conn, nil
	}
	first := make([]byte, 1)
	n, err := conn.Read(first)
	_ = conn.SetReadDeadline(time.Time{})
	if err == nil && n == 0 {
		err = io.EOF
	}
	if err != nil {
		l.guard.ReportFailure(remote, ReasonSilent)
		return nil, err
	}
	return &prefixedConn{Conn: conn, prefix: first[:n]}, nil
}

// prefixedConn replays bytes consumed by the probe.
type prefixedConn struct {
	net.Conn
	prefix []byte
}

func (c *prefixedConn) Read(p []byte) (int, error) {
	if len(c.prefix) == 0 {
		return c.Conn.Read(p)
	}
	n := copy(p, c.prefix)
	c.prefix = c.prefix[n:]
	if n == len(p) {
		return n, nil
	}
	more, err := c.Conn.Read(p[n:])
	return n + more, err
}
