package repo

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/storage"
	"github.com/go-git/go-git/v5/storage/filesystem"
	platformerrors "github.com/jmgilman/go/errors"
)

// Repository is an opened git directory.
type Repository struct {
	name    string
	path    string
	key     string
	storage *filesystem.Storage
}

// Open opens the git directory at dir. name is the client-facing name.
func Open(name, dir string) (*Repository, error) {
	key, err := Key(dir)
	if err != nil {
		return nil, err
	}
	if !isGitDir(key) {
		return nil, notFound(name)
	}
	return &Repository{
		name:    name,
		path:    dir,
		key:     key,
		storage: filesystem.NewStorage(osfs.New(key), cache.NewObjectLRUDefault()),
	}, nil
}

// Key returns the canonical storage location for dir: absolute, with
// symlinks evaluated. Two paths name the same repository iff their keys are
// equal.
func Key(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", platformerrors.Wrapf(err, platformerrors.CodeInvalidInput, "absolute path of %s", dir)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", platformerrors.Wrapf(err, platformerrors.CodeNotFound, "evaluate %s", abs)
	}
	return resolved, nil
}

// Name is the name the client asked for, without leading slash.
func (r *Repository) Name() string { return r.name }

// Path is the directory the repository was found at.
func (r *Repository) Path() string { return r.path }

// Key is the canonical storage location.
func (r *Repository) Key() string { return r.key }

// Storer exposes the object and reference storage.
func (r *Repository) Storer() storage.Storer { return r.storage }

// ConfigPath is the repository's config file.
func (r *Repository) ConfigPath() string { return filepath.Join(r.key, "config") }

// Config reads the repository config from disk.
func (r *Repository) Config() (*config.Config, error) {
	cfg, err := r.storage.Config()
	if err != nil {
		return nil, fmt.Errorf("read config of %s: %w", r.name, err)
	}
	return cfg, nil
}

// ServiceOverride reports the boolean daemon.<configName> setting, if
// present and parseable.
func (r *Repository) ServiceOverride(configName string) (bool, bool) {
	cfg, err := r.storage.Config()
	if err != nil || cfg.Raw == nil || !cfg.Raw.HasSection("daemon") {
		return false, false
	}
	section := cfg.Raw.Section("daemon")
	if !section.HasOption(configName) {
		return false, false
	}
	return parseBool(section.Option(configName))
}

func parseBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "true", "yes", "on", "1":
		return true, true
	case "false", "no", "off", "0":
		return false, true
	default:
		return false, false
	}
}
