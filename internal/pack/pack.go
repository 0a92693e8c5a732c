// Package pack reads and stores packfiles received from clients and peers.
package pack

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/go-git/go-git/v5/plumbing/format/packfile"
	"github.com/go-git/go-git/v5/plumbing/storer"
)

// ErrTooLarge is returned when a pack exceeds the configured limit.
var ErrTooLarge = errors.New("pack exceeds size limit")

// Read consumes exactly one packfile from r and returns its bytes and object
// count. The stream is walked object by object, so Read returns once the
// trailing checksum has been read even if r stays open. limit <= 0 disables
// the size check.
func Read(r io.Reader, limit int64) ([]byte, uint32, error) {
	var buf bytes.Buffer
	lr := &limitedReader{r: r, remaining: limit}
	scanner := packfile.NewScanner(io.TeeReader(lr, &buf))
	fail := func(err error) ([]byte, uint32, error) {
		if lr.exceeded {
			return nil, 0, ErrTooLarge
		}
		return nil, 0, err
	}
	_, objects, err := scanner.Header()
	if err != nil {
		return fail(fmt.Errorf("pack header: %w", err))
	}
	for i := uint32(0); i < objects; i++ {
		if _, err := scanner.NextObjectHeader(); err != nil {
			return fail(fmt.Errorf("pack object %d header: %w", i, err))
		}
		if _, _, err := scanner.NextObject(io.Discard); err != nil {
			return fail(fmt.Errorf("pack object %d: %w", i, err))
		}
	}
	sum, err := scanner.Checksum()
	if err != nil {
		return fail(fmt.Errorf("pack checksum: %w", err))
	}
	data := buf.Bytes()
	if !bytes.HasSuffix(data, sum[:]) {
		end := bytes.LastIndex(data, sum[:])
		if end < 0 {
			return nil, 0, errors.New("pack checksum not found in stream")
		}
		data = data[:end+len(sum)]
	}
	return data, objects, nil
}

// Stage writes the objects of a pack read by Read into st. Empty packs are
// skipped.
func Stage(st storer.Storer, data []byte, objects uint32) error {
	if objects == 0 || len(data) == 0 {
		return nil
	}
	if err := packfile.UpdateObjectStorage(st, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("store pack: %w", err)
	}
	return nil
}

type limitedReader struct {
	r         io.Reader
	remaining int64
	read      int64
	exceeded  bool
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.remaining > 0 && l.read >= l.remaining {
		l.exceeded = true
		return 0, ErrTooLarge
	}
	if l.remaining > 0 && int64(len(p)) > l.remaining-l.read {
		p = p[:l.remaining-l.read]
	}
	n, err := l.r.Read(p)
	l.read += int64(n)
	return n, err
}
