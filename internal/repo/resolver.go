// Package repo resolves repository names from daemon requests to exported
// repositories on local disk.
package repo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	platformerrors "github.com/jmgilman/go/errors"

	"pkt.systems/gitd/internal/svcfields"
	"pkt.systems/pslog"
)

// ExportOKFile marks a repository as exported when the resolver is not
// configured to export everything.
const ExportOKFile = "git-daemon-export-ok"

// Client identifies the peer a repository is being resolved for.
type Client struct {
	RemoteAddr string
	Host       string
}

// Resolver maps names to repositories under a fixed set of base directories.
type Resolver struct {
	dirs      []string
	exportAll bool
	logger    pslog.Logger
}

// NewResolver returns a resolver over dirs. Each directory is made absolute
// and must exist.
func NewResolver(dirs []string, exportAll bool, logger pslog.Logger) (*Resolver, error) {
	if len(dirs) == 0 {
		return nil, platformerrors.New(platformerrors.CodeInvalidConfig, "no export directories configured")
	}
	abs := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		p, err := filepath.Abs(dir)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", dir, err)
		}
		info, err := os.Stat(p)
		if err != nil {
			return nil, platformerrors.Wrapf(err, platformerrors.CodeInvalidConfig, "export directory %s", p)
		}
		if !info.IsDir() {
			return nil, platformerrors.Newf(platformerrors.CodeInvalidConfig, "export directory %s is not a directory", p)
		}
		abs = append(abs, p)
	}
	return &Resolver{
		dirs:      abs,
		exportAll: exportAll,
		logger:    svcfields.WithSubsystem(logger, "repo.resolver"),
	}, nil
}

// Directories returns the absolute export directories.
func (r *Resolver) Directories() []string {
	out := make([]string, len(r.dirs))
	copy(out, r.dirs)
	return out
}

// ExportAll reports whether the export-ok marker is ignored.
func (r *Resolver) ExportAll() bool { return r.exportAll }

// Resolve finds the repository called name. The name is tried as given, with
// a .git suffix, and as a worktree containing .git, under each export
// directory in order.
func (r *Resolver) Resolve(ctx context.Context, client Client, name string) (*Repository, error) {
	clean, ok := cleanName(name)
	if !ok {
		r.logger.Debug("repo.resolve.invalid", "name", name, "remote", client.RemoteAddr)
		return nil, invalidName(name)
	}
	for _, base := range r.dirs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, candidate := range candidates(base, clean) {
			if !isGitDir(candidate) {
				continue
			}
			if !r.exportAll && !exists(filepath.Join(candidate, ExportOKFile)) {
				r.logger.Debug("repo.resolve.not_exported", "name", clean, "path", candidate, "remote", client.RemoteAddr)
				return nil, forbidden(clean)
			}
			repository, err := Open(clean, candidate)
			if err != nil {
				return nil, err
			}
			return repository, nil
		}
	}
	return nil, notFound(clean)
}

func candidates(base, name string) []string {
	p := filepath.Join(base, filepath.FromSlash(name))
	return []string{p, p + ".git", filepath.Join(p, ".git")}
}

// cleanName strips the leading slash clients send and rejects names that
// could escape the export directories.
func cleanName(name string) (string, bool) {
	name = strings.TrimPrefix(name, "/")
	if name == "" || strings.ContainsAny(name, "\\\x00") {
		return "", false
	}
	if strings.HasPrefix(name, "/") || strings.Contains(name, "//") || filepath.IsAbs(name) {
		return "", false
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." || part == "." {
			return "", false
		}
	}
	name = strings.TrimSuffix(path.Clean(name), "/")
	return name, name != "" && name != "."
}

func isGitDir(dir string) bool {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return false
	}
	if !exists(filepath.Join(dir, "HEAD")) {
		return false
	}
	for _, sub := range []string{"objects", "refs"} {
		info, err := os.Stat(filepath.Join(dir, sub))
		if err != nil || !info.IsDir() {
			return false
		}
	}
	return true
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil || !errors.Is(err, os.ErrNotExist)
}
