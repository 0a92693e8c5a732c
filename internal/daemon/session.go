package daemon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"time"

	"github.com/go-git/go-git/v5/plumbing/format/pktline"
	"github.com/go-git/go-git/v5/plumbing/protocol/packp"
	"github.com/rs/xid"

	"pkt.systems/gitd/internal/connguard"
	"pkt.systems/gitd/internal/repo"
	"pkt.systems/gitd/internal/service"
	"pkt.systems/gitd/internal/svcfields"
	"pkt.systems/pslog"
)

type session struct {
	id     string
	conn   net.Conn
	remote string
	logger pslog.Logger
}

func (d *Daemon) serveConn(raw net.Conn) {
	defer raw.Close()
	s := &session{
		id:     xid.New().String(),
		conn:   &timeoutConn{Conn: raw, timeout: d.cfg.Timeout},
		remote: raw.RemoteAddr().String(),
	}
	s.logger = d.logger.With(svcfields.SessionKey, s.id, "remote", s.remote)
	begin := d.clock.Now()
	d.metrics.sessionStarted(d.sessionCtx)
	result := "error"
	svc := ""
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("daemon.session.panic", "panic", r, "stack", string(debug.Stack()))
			result = "panic"
		}
		d.metrics.sessionEnded(d.sessionCtx, svc, result)
		s.logger.Debug("daemon.session.end", "service", svc, "result", result, "elapsed", d.clock.Now().Sub(begin))
	}()

	var req packp.GitProtoRequest
	if err := req.Decode(s.conn); err != nil {
		d.cfg.Guard.ReportFailure(s.remote, connguard.ReasonMalformed)
		s.logger.Debug("daemon.request.malformed", "error", err)
		result = "malformed"
		return
	}
	svc = req.RequestCommand
	result = d.handle(d.sessionCtx, s, &req)
}

// handle runs one request and returns the result label for metrics.
func (d *Daemon) handle(ctx context.Context, s *session, req *packp.GitProtoRequest) string {
	logger := s.logger.With("service", req.RequestCommand, "path", req.Pathname)
	desc, err := d.cfg.Registry.Reachable(req.RequestCommand)
	if err != nil {
		if errors.Is(err, service.ErrUnknownService) {
			d.cfg.Guard.ReportFailure(s.remote, connguard.ReasonUnknown)
		}
		logger.Info("daemon.request.refused", "error", err)
		writeErr(s.conn, err.Error())
		return "refused"
	}

	r, err := d.cfg.Resolver.Resolve(ctx, repo.Client{RemoteAddr: s.remote, Host: req.Host}, req.Pathname)
	if err != nil {
		logger.Info("daemon.repository.unavailable", "error", err)
		writeErr(s.conn, "access denied or repository not exported: "+req.Pathname)
		return "not_found"
	}
	logger = svcfields.WithRepository(logger, r.Key())

	desc, err = d.cfg.Registry.Dispatch(desc.Name, r)
	if err != nil {
		logger.Info("daemon.request.refused", "error", err)
		writeErr(s.conn, err.Error())
		return "refused"
	}

	logger.Debug("daemon.session.start")
	switch desc.Name {
	case service.UploadPack:
		err = d.uploadPack(ctx, s, r)
	case service.ReceivePack:
		err = d.receivePack(ctx, s, r, logger)
	default:
		err = fmt.Errorf("%w: %s", service.ErrUnknownService, desc.Name)
		writeErr(s.conn, err.Error())
	}
	if err != nil {
		logger.Info("daemon.session.failed", "error", err)
		return "error"
	}
	return "ok"
}

// writeErr sends a protocol error to the client.
func writeErr(w io.Writer, msg string) {
	_ = pktline.NewEncoder(w).Encodef("ERR %s\n", msg)
}

// peekFlush reports whether the client ended the exchange with a bare
// flush-pkt (or EOF). Otherwise it returns a reader that replays the
// consumed bytes.
func peekFlush(r io.Reader) (io.Reader, bool, error) {
	var head [4]byte
	n, err := io.ReadFull(r, head[:])
	if err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return nil, true, nil
		}
		return nil, false, err
	}
	if bytes.Equal(head[:], []byte("0000")) {
		return nil, true, nil
	}
	return io.MultiReader(bytes.NewReader(head[:]), r), false, nil
}

// timeoutConn renews the IO deadline before every read and write.
type timeoutConn struct {
	net.Conn
	timeout time.Duration
}

func (c *timeoutConn) Read(p []byte) (int, error) {
	if c.timeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(c.timeout))
	}
	return c.Conn.Read(p)
}

func (c *timeoutConn) Write(p []byte) (int, error) {
	if c.timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.timeout))
	}
	return c.Conn.Write(p)
}
