// Package refs applies reference updates to a repository with
// compare-and-swap semantics.
package refs

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/storer"
)

// Command is one requested reference change. A zero Old creates, a zero New
// deletes.
type Command struct {
	Name plumbing.ReferenceName
	Old  plumbing.Hash
	New  plumbing.Hash
}

// IsDelete reports whether the command removes the reference.
func (c Command) IsDelete() bool { return c.New.IsZero() }

// Store is the storage a batch of commands is applied to.
type Store interface {
	storer.ReferenceStorer
	storer.EncodedObjectStorer
}

var (
	// ErrAtomicAbort marks commands that were valid but not applied because
	// another command in the same batch failed validation.
	ErrAtomicAbort = errors.New("atomic transaction failed")
	// ErrMissingObjects marks commands whose new value is not in the store.
	ErrMissingObjects = errors.New("missing necessary objects")
	// ErrInvalidCommand marks commands with both old and new zero or a bad name.
	ErrInvalidCommand = errors.New("invalid command")
)

// StaleError reports that a reference no longer has the expected old value.
type StaleError struct {
	Name plumbing.ReferenceName
}

func (e *StaleError) Error() string {
	return fmt.Sprintf("stale info for %s", e.Name)
}

// Result is the outcome of one command.
type Result struct {
	Name plumbing.ReferenceName
	Err  error
}

// Tip returns the hash the reference currently points at, or the zero hash if
// it does not exist.
func Tip(st storer.ReferenceStorer, name plumbing.ReferenceName) (plumbing.Hash, error) {
	ref, err := st.Reference(name)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return plumbing.ZeroHash, nil
	}
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if ref.Type() != plumbing.HashReference {
		return plumbing.ZeroHash, fmt.Errorf("%s is a symbolic reference", name)
	}
	return ref.Hash(), nil
}

// Verify checks every command against the current state of st and returns
// the first failure.
func Verify(st Store, cmds []Command) error {
	for _, cmd := range cmds {
		if err := verify(st, cmd); err != nil {
			return err
		}
	}
	return nil
}

func verify(st Store, cmd Command) error {
	if (cmd.Old.IsZero() && cmd.New.IsZero()) || cmd.Name.Validate() != nil {
		return fmt.Errorf("%w: %s", ErrInvalidCommand, cmd.Name)
	}
	current, err := Tip(st, cmd.Name)
	if err != nil {
		return err
	}
	if current != cmd.Old {
		return &StaleError{Name: cmd.Name}
	}
	if !cmd.IsDelete() {
		if err := st.HasEncodedObject(cmd.New); err != nil {
			return ErrMissingObjects
		}
	}
	return nil
}

// Apply validates all commands and, only if all pass, applies them. The
// caller must hold the repository's lock from Locks.
func Apply(st Store, cmds []Command) []Result {
	results := make([]Result, len(cmds))
	failed := false
	for i, cmd := range cmds {
		results[i].Name = cmd.Name
		if err := verify(st, cmd); err != nil {
			results[i].Err = err
			failed = true
		}
	}
	if failed {
		for i := range results {
			if results[i].Err == nil {
				results[i].Err = ErrAtomicAbort
			}
		}
		return results
	}
	for i, cmd := range cmds {
		results[i].Err = set(st, cmd)
	}
	return results
}

func set(st Store, cmd Command) error {
	if cmd.IsDelete() {
		return st.RemoveReference(cmd.Name)
	}
	var old *plumbing.Reference
	if !cmd.Old.IsZero() {
		old = plumbing.NewHashReference(cmd.Name, cmd.Old)
	}
	return st.CheckAndSetReference(plumbing.NewHashReference(cmd.Name, cmd.New), old)
}

// Failed reports whether any result carries an error.
func Failed(results []Result) bool {
	for _, r := range results {
		if r.Err != nil {
			return true
		}
	}
	return false
}

// Locks serializes reference updates per repository key.
type Locks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewLocks returns an empty lock table.
func NewLocks() *Locks {
	return &Locks{locks: make(map[string]*keyLock)}
}

// Lock acquires the lock for key and returns its release function.
func (l *Locks) Lock(key string) func() {
	l.mu.Lock()
	kl := l.locks[key]
	if kl == nil {
		kl = &keyLock{}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		l.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}
