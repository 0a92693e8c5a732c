package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/packfile"
	"github.com/go-git/go-git/v5/plumbing/format/pktline"
	"github.com/go-git/go-git/v5/plumbing/protocol/packp"
	"github.com/go-git/go-git/v5/plumbing/protocol/packp/capability"
	"github.com/go-git/go-git/v5/plumbing/revlist"
	"github.com/go-git/go-git/v5/plumbing/storer"

	"pkt.systems/gitd/internal/repo"
)

var errShallowUnsupported = errors.New("shallow fetch not supported")

// uploadPack advertises references, reads wants and haves and sends a pack
// with everything reachable from the wants that the client does not have.
func (d *Daemon) uploadPack(ctx context.Context, s *session, r *repo.Repository) error {
	ar, err := uploadAdvertisement(r)
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
	req := packp.NewUploadPackRequest()
	if err := req.UploadRequest.Decode(rd); err != nil {
		return fmt.Errorf("decode wants: %w", err)
	}
	if len(req.Shallows) > 0 || !req.Depth.IsZero() {
		writeErr(s.conn, errShallowUnsupported.Error())
		return errShallowUnsupported
	}
	st := r.Storer()
	for _, want := range req.Wants {
		if err := st.HasEncodedObject(want); err != nil {
			writeErr(s.conn, fmt.Sprintf("want %s not valid", want))
			return fmt.Errorf("want %s: %w", want, err)
		}
	}

	haves, err := negotiate(rd, s.conn, st)
	if err != nil {
		return fmt.Errorf("negotiate: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	common, err := revlist.Objects(st, haves, nil)
	if err != nil {
		return fmt.Errorf("walk haves: %w", err)
	}
	objs, err := revlist.Objects(st, req.Wants, common)
	if err != nil {
		return fmt.Errorf("walk wants: %w", err)
	}
	useRefDeltas := !req.Capabilities.Supports(capability.OFSDelta)
	if _, err := packfile.NewEncoder(s.conn, st, useRefDeltas).Encode(objs, 10); err != nil {
		return fmt.Errorf("send pack: %w", err)
	}
	s.logger.Debug("daemon.upload.sent", "wants", len(req.Wants), "haves", len(haves), "objects", len(objs))
	return nil
}

// negotiate reads have lines until done. Without multi_ack the first common
// object is acknowledged once and every flush before that gets a NAK.
func negotiate(r io.Reader, w io.Writer, st storer.EncodedObjectStorer) ([]plumbing.Hash, error) {
	sc := pktline.NewScanner(r)
	enc := pktline.NewEncoder(w)
	var common []plumbing.Hash
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			if len(common) == 0 {
				if err := enc.Encodef("NAK\n"); err != nil {
					return nil, err
				}
			}
			continue
		}
		text := strings.TrimSuffix(string(line), "\n")
		switch {
		case text == "done":
			if len(common) == 0 {
				if err := enc.Encodef("NAK\n"); err != nil {
					return nil, err
				}
			}
			return common, nil
		case strings.HasPrefix(text, "have "):
			hex := strings.TrimPrefix(text, "have ")
			if !plumbing.IsHash(hex) {
				return nil, fmt.Errorf("malformed have %q", text)
			}
			h := plumbing.NewHash(hex)
			if st.HasEncodedObject(h) != nil {
				continue
			}
			common = append(common, h)
			if len(common) == 1 {
				if err := enc.Encodef("ACK %s\n", h); err != nil {
					return nil, err
				}
			}
		default:
			return nil, fmt.Errorf("unexpected line %q", text)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return nil, io.ErrUnexpectedEOF
}
