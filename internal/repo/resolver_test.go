package repo

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	gogit "github.com/go-git/go-git/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pkt.systems/pslog"
)

func initBare(t *testing.T, dir string, exportOK bool) string {
	t.Helper()
	_, err := gogit.PlainInit(dir, true)
	require.NoError(t, err)
	if exportOK {
		require.NoError(t, os.WriteFile(filepath.Join(dir, ExportOKFile), nil, 0o644))
	}
	return dir
}

func newResolver(t *testing.T, exportAll bool, dirs ...string) *Resolver {
	t.Helper()
	r, err := NewResolver(dirs, exportAll, pslog.NoopLogger())
	require.NoError(t, err)
	return r
}

func TestResolveTriesGitSuffix(t *testing.T) {
	base := t.TempDir()
	initBare(t, filepath.Join(base, "project.git"), true)
	r := newResolver(t, false, base)

	for _, name := range []string{"/project", "project.git", "/project.git"} {
		repository, err := r.Resolve(context.Background(), Client{}, name)
		require.NoError(t, err, name)
		assert.Equal(t, filepath.Join(base, "project.git"), repository.Path())
	}
}

func TestResolveWorktreeDotGit(t *testing.T) {
	base := t.TempDir()
	_, err := gogit.PlainInit(filepath.Join(base, "work"), false)
	require.NoError(t, err)
	r := newResolver(t, true, base)

	repository, err := r.Resolve(context.Background(), Client{}, "/work")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "work", ".git"), repository.Path())
	assert.Equal(t, "work", repository.Name())
}

func TestResolveRequiresExportMarker(t *testing.T) {
	base := t.TempDir()
	initBare(t, filepath.Join(base, "hidden.git"), false)

	_, err := newResolver(t, false, base).Resolve(context.Background(), Client{}, "/hidden.git")
	require.Error(t, err)
	assert.True(t, IsForbidden(err), "got %v", err)

	_, err = newResolver(t, true, base).Resolve(context.Background(), Client{}, "/hidden.git")
	require.NoError(t, err)
}

func TestResolveNotFound(t *testing.T) {
	r := newResolver(t, true, t.TempDir())
	_, err := r.Resolve(context.Background(), Client{}, "/missing.git")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestResolveRejectsUnreasonableNames(t *testing.T) {
	base := t.TempDir()
	initBare(t, filepath.Join(base, "a.git"), true)
	r := newResolver(t, true, base)

	for _, name := range []string{"", "/", "/../a.git", "a/../a.git", "//etc/passwd", "a\\b", "x//y", "./a.git"} {
		_, err := r.Resolve(context.Background(), Client{}, name)
		require.Error(t, err, name)
		assert.True(t, IsInvalid(err), "name %q: %v", name, err)
	}
}

func TestResolveSearchesDirectoriesInOrder(t *testing.T) {
	first, second := t.TempDir(), t.TempDir()
	initBare(t, filepath.Join(second, "only-second.git"), true)
	initBare(t, filepath.Join(first, "both.git"), true)
	initBare(t, filepath.Join(second, "both.git"), true)
	r := newResolver(t, false, first, second)

	repository, err := r.Resolve(context.Background(), Client{}, "/only-second.git")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(second, "only-second.git"), repository.Path())

	repository, err = r.Resolve(context.Background(), Client{}, "/both.git")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(first, "both.git"), repository.Path())
}

func TestKeyFollowsSymlinks(t *testing.T) {
	base := t.TempDir()
	target := initBare(t, filepath.Join(base, "real.git"), true)
	link := filepath.Join(base, "alias.git")
	require.NoError(t, os.Symlink(target, link))
	r := newResolver(t, false, base)

	viaReal, err := r.Resolve(context.Background(), Client{}, "/real.git")
	require.NoError(t, err)
	viaLink, err := r.Resolve(context.Background(), Client{}, "/alias.git")
	require.NoError(t, err)
	assert.Equal(t, viaReal.Key(), viaLink.Key())
	assert.NotEqual(t, viaReal.Path(), viaLink.Path())
}

func TestNewResolverValidatesDirectories(t *testing.T) {
	_, err := NewResolver(nil, false, pslog.NoopLogger())
	require.Error(t, err)

	_, err = NewResolver([]string{filepath.Join(t.TempDir(), "nope")}, false, pslog.NoopLogger())
	require.Error(t, err)
}

func TestServiceOverride(t *testing.T) {
	base := t.TempDir()
	dir := initBare(t, filepath.Join(base, "svc.git"), true)
	r := newResolver(t, false, base)
	repository, err := r.Resolve(context.Background(), Client{}, "/svc.git")
	require.NoError(t, err)

	_, ok := repository.ServiceOverride("receivepack")
	assert.False(t, ok)

	cfg, err := os.ReadFile(filepath.Join(dir, "config"))
	require.NoError(t, err)
	cfg = append(cfg, []byte("[daemon]\n\treceivepack = true\n\tuploadpack = off\n\tbogus = maybe\n")...)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config"), cfg, 0o644))

	v, ok := repository.ServiceOverride("receivepack")
	assert.True(t, ok)
	assert.True(t, v)
	v, ok = repository.ServiceOverride("uploadpack")
	assert.True(t, ok)
	assert.False(t, v)
	_, ok = repository.ServiceOverride("bogus")
	assert.False(t, ok)
	assert.Equal(t, filepath.Join(repository.Key(), "config"), repository.ConfigPath())
}
