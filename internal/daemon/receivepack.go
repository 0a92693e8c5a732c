package daemon

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5/plumbing/protocol/packp"
	"github.com/go-git/go-git/v5/plumbing/protocol/packp/capability"

	"pkt.systems/gitd/internal/pack"
	"pkt.systems/gitd/internal/receive"
	"pkt.systems/gitd/internal/refs"
	"pkt.systems/gitd/internal/repo"
	"pkt.systems/pslog"
)

// receivePack builds the write handler, advertises references, reads the
// commands and pack, stages the objects and lets the handler decide about
// the references.
func (d *Daemon) receivePack(ctx context.Context, s *session, r *repo.Repository, logger pslog.Logger) error {
	handler, err := d.cfg.Writes.NewWriteHandler(ctx, r)
	if err != nil {
		writeErr(s.conn, err.Error())
		return fmt.Errorf("write handler: %w", err)
	}

	ar, err := receiveAdvertisement(r)
	if err != nil {
		writeErr(s.conn, "internal error")
		return fmt.Errorf("advertise: %w", err)
	}
	if err := ar.Encode(s.conn); err != nil {
		return fmt.Errorf("advertise: %w", err)
	}

	rd, done, err := peekFlush(s.conn)
	if err != nil || done {
		return err
	}
	req := packp.NewReferenceUpdateRequest()
	if err := req.Decode(rd); err != nil {
		return fmt.Errorf("decode commands: %w", err)
	}
	wantsReport := req.Capabilities.Supports(capability.ReportStatus)

	push := &receive.Push{
		Repository: r,
		Commands:   make([]refs.Command, 0, len(req.Commands)),
		SessionID:  s.id,
		RemoteAddr: s.remote,
	}
	needPack := false
	for _, cmd := range req.Commands {
		c := refs.Command{Name: cmd.Name, Old: cmd.Old, New: cmd.New}
		if !c.IsDelete() {
			needPack = true
		}
		push.Commands = append(push.Commands, c)
	}

	if needPack {
		data, objects, err := pack.Read(req.Packfile, d.cfg.MaxPackBytes)
		if err == nil {
			err = pack.Stage(r.Storer(), data, objects)
		}
		if err != nil {
			d.metrics.packRejected(ctx)
			if wantsReport {
				_ = unpackFailed(push, err).Encode(s.conn)
			}
			return fmt.Errorf("unpack: %w", err)
		}
		push.Pack = data
		push.Objects = objects
	}

	report, err := handler.Accept(ctx, push)
	if err != nil {
		var rej *receive.Rejection
		if !errors.As(err, &rej) {
			rej = &receive.Rejection{Kind: receive.Invalid, Reason: err.Error(), Err: err}
		}
		logger.Info("daemon.receive.rejected", "kind", rej.Kind.String(), "error", err)
		report = receive.Reject(push, rej)
	}
	if wantsReport {
		if err := report.Encode(s.conn); err != nil {
			return fmt.Errorf("report: %w", err)
		}
	}
	logger.Info("daemon.receive.done",
		"commands", len(push.Commands),
		"objects", push.Objects,
		"pack_bytes", len(push.Pack),
		"ok", receive.Succeeded(report))
	return nil
}

func unpackFailed(push *receive.Push, err error) *packp.ReportStatus {
	report := packp.NewReportStatus()
	report.UnpackStatus = err.Error()
	for _, cmd := range push.Commands {
		report.CommandStatuses = append(report.CommandStatuses, &packp.CommandStatus{
			ReferenceName: cmd.Name,
			Status:        "n/a (unpacker error)",
		})
	}
	return report
}
