package daemon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	gogit "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/pktline"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/storage/memory"

	"pkt.systems/gitd/internal/connguard"
	"pkt.systems/gitd/internal/leader"
	"pkt.systems/gitd/internal/leadercache"
	"pkt.systems/gitd/internal/receive"
	"pkt.systems/gitd/internal/refs"
	"pkt.systems/gitd/internal/repo"
	"pkt.systems/gitd/internal/service"
	"pkt.systems/pslog"
)

type testDaemon struct {
	addr  string
	base  string
	guard *connguard.Guard
}

type daemonOptions struct {
	receive   bool
	exportAll bool
	writes    receive.Factory
	guard     *connguard.Guard
}

func startDaemon(t *testing.T, base string, opts daemonOptions) *testDaemon {
	t.Helper()
	registry := service.NewDefaultRegistry()
	if opts.receive {
		if err := registry.SetEnabled(service.ReceivePack, true); err != nil {
			t.Fatalf("enable receive-pack: %v", err)
		}
	}
	resolver, err := repo.NewResolver([]string{base}, opts.exportAll, pslog.NoopLogger())
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	writes := opts.writes
	if writes == nil {
		writes = &receive.PlainFactory{Locks: refs.NewLocks(), Logger: pslog.NoopLogger()}
	}
	d, err := New(Config{
		Registry: registry,
		Resolver: resolver,
		Writes:   writes,
		Threads:  4,
		Timeout:  10 * time.Second,
		Guard:    opts.guard,
		Logger:   pslog.NoopLogger(),
	})
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	served := make(chan error, 1)
	go func() { served <- d.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.Shutdown(ctx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
		if err := <-served; err != nil {
			t.Errorf("serve: %v", err)
		}
	})
	return &testDaemon{addr: ln.Addr().String(), base: base, guard: opts.guard}
}

func (d *testDaemon) url(name string) string {
	return fmt.Sprintf("git://%s/%s", d.addr, name)
}

func initBare(t *testing.T, dir string) {
	t.Helper()
	if _, err := gogit.PlainInit(dir, true); err != nil {
		t.Fatalf("init %s: %v", dir, err)
	}
}

func setRepoOption(t *testing.T, dir, section, subsection, key, value string) {
	t.Helper()
	r, err := gogit.PlainOpen(dir)
	if err != nil {
		t.Fatalf("open %s: %v", dir, err)
	}
	cfg, err := r.Config()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if subsection == "" {
		cfg.Raw.Section(section).SetOption(key, value)
	} else {
		cfg.Raw.Section(section).Subsection(subsection).SetOption(key, value)
	}
	if err := r.Storer.SetConfig(cfg); err != nil {
		t.Fatalf("set config: %v", err)
	}
}

// workspace is an in-memory clone used to author commits and push them.
type workspace struct {
	t    *testing.T
	repo *gogit.Repository
}

func newWorkspace(t *testing.T, remote string) *workspace {
	t.Helper()
	r, err := gogit.Init(memory.NewStorage(), memfs.New())
	if err != nil {
		t.Fatalf("init workspace: %v", err)
	}
	if _, err := r.CreateRemote(&gitconfig.RemoteConfig{Name: "origin", URLs: []string{remote}}); err != nil {
		t.Fatalf("remote: %v", err)
	}
	return &workspace{t: t, repo: r}
}

func (w *workspace) commit(name, content string) plumbing.Hash {
	w.t.Helper()
	wt, err := w.repo.Worktree()
	if err != nil {
		w.t.Fatalf("worktree: %v", err)
	}
	f, err := wt.Filesystem.Create(name)
	if err != nil {
		w.t.Fatalf("create %s: %v", name, err)
	}
	_, _ = f.Write([]byte(content))
	_ = f.Close()
	if _, err := wt.Add(name); err != nil {
		w.t.Fatalf("add: %v", err)
	}
	h, err := wt.Commit("update "+name, &gogit.CommitOptions{
		Author: &object.Signature{Name: "gitd", Email: "gitd@example.com", When: time.Unix(1700000000, 0)},
	})
	if err != nil {
		w.t.Fatalf("commit: %v", err)
	}
	return h
}

func (w *workspace) push() error {
	return w.repo.Push(&gogit.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []gitconfig.RefSpec{"refs/heads/master:refs/heads/master"},
	})
}

func remoteTip(t *testing.T, dir string) plumbing.Hash {
	t.Helper()
	r, err := gogit.PlainOpen(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ref, err := r.Reference(plumbing.NewBranchReferenceName("master"), false)
	if err != nil {
		t.Fatalf("reference: %v", err)
	}
	return ref.Hash()
}

// rawRequest sends one daemon request line and returns the first pkt-line
// of the reply.
func rawRequest(t *testing.T, addr, request string) string {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	if err := pktline.NewEncoder(conn).EncodeString(request); err != nil {
		t.Fatalf("write request: %v", err)
	}
	sc := pktline.NewScanner(conn)
	if !sc.Scan() {
		var errLine *pktline.ErrorLine
		if errors.As(sc.Err(), &errLine) {
			return "ERR " + errLine.Text
		}
		t.Fatalf("read reply: %v", sc.Err())
	}
	return strings.TrimSuffix(string(sc.Bytes()), "\n")
}

func TestCloneAndPushRoundTrip(t *testing.T) {
	base := t.TempDir()
	initBare(t, filepath.Join(base, "project.git"))
	d := startDaemon(t, base, daemonOptions{receive: true, exportAll: true})

	ws := newWorkspace(t, d.url("project.git"))
	first := ws.commit("README", "hello\n")
	if err := ws.push(); err != nil {
		t.Fatalf("push: %v", err)
	}
	if got := remoteTip(t, filepath.Join(base, "project.git")); got != first {
		t.Fatalf("expected remote tip %s, got %s", first, got)
	}

	clone, err := gogit.Clone(memory.NewStorage(), memfs.New(), &gogit.CloneOptions{URL: d.url("project")})
	if err != nil {
		t.Fatalf("clone: %v", err)
	}
	head, err := clone.Head()
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head.Hash() != first {
		t.Fatalf("expected cloned head %s, got %s", first, head.Hash())
	}

	second := ws.commit("README", "hello again\n")
	if err := ws.push(); err != nil {
		t.Fatalf("second push: %v", err)
	}
	if err := clone.Fetch(&gogit.FetchOptions{}); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	ref, err := clone.Reference(plumbing.NewRemoteReferenceName("origin", "master"), true)
	if err != nil {
		t.Fatalf("remote ref: %v", err)
	}
	if ref.Hash() != second {
		t.Fatalf("expected fetched %s, got %s", second, ref.Hash())
	}
	if _, err := clone.CommitObject(second); err != nil {
		t.Fatalf("fetched commit missing: %v", err)
	}
}

func TestStalePushIsRejected(t *testing.T) {
	base := t.TempDir()
	initBare(t, filepath.Join(base, "project.git"))
	d := startDaemon(t, base, daemonOptions{receive: true, exportAll: true})

	ws := newWorkspace(t, d.url("project.git"))
	ws.commit("a", "a\n")
	if err := ws.push(); err != nil {
		t.Fatalf("push: %v", err)
	}
	other := newWorkspace(t, d.url("project.git"))
	other.commit("b", "b\n")
	err := other.push()
	if err == nil {
		t.Fatalf("expected divergent push to fail")
	}
}

func TestReceivePackDisabledByDefault(t *testing.T) {
	base := t.TempDir()
	initBare(t, filepath.Join(base, "project.git"))
	d := startDaemon(t, base, daemonOptions{exportAll: true})

	ws := newWorkspace(t, d.url("project.git"))
	ws.commit("README", "hello\n")
	err := ws.push()
	if err == nil || !strings.Contains(err.Error(), "service not enabled") {
		t.Fatalf("expected service not enabled, got %v", err)
	}
}

func TestRepositoryEnablesReceivePack(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "project.git")
	initBare(t, dir)
	setRepoOption(t, dir, "daemon", "", "receivepack", "true")
	d := startDaemon(t, base, daemonOptions{exportAll: true})

	ws := newWorkspace(t, d.url("project.git"))
	want := ws.commit("README", "hello\n")
	if err := ws.push(); err != nil {
		t.Fatalf("push: %v", err)
	}
	if got := remoteTip(t, dir); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestUnknownServiceGetsError(t *testing.T) {
	base := t.TempDir()
	initBare(t, filepath.Join(base, "project.git"))
	d := startDaemon(t, base, daemonOptions{exportAll: true})

	got := rawRequest(t, d.addr, "git-upload-archive /project.git\x00host=localhost\x00")
	if got != "ERR service not supported: git-upload-archive" {
		t.Fatalf("unexpected reply %q", got)
	}
}

func TestUnexportedRepositoryIsDenied(t *testing.T) {
	base := t.TempDir()
	initBare(t, filepath.Join(base, "hidden.git"))
	d := startDaemon(t, base, daemonOptions{})

	got := rawRequest(t, d.addr, "git-upload-pack /hidden.git\x00host=localhost\x00")
	if !strings.HasPrefix(got, "ERR access denied") {
		t.Fatalf("unexpected reply %q", got)
	}
	_, err := gogit.Clone(memory.NewStorage(), nil, &gogit.CloneOptions{URL: d.url("hidden.git")})
	if !errors.Is(err, transport.ErrRepositoryNotFound) {
		t.Fatalf("expected repository not found, got %v", err)
	}

	if err := os.WriteFile(filepath.Join(base, "hidden.git", repo.ExportOKFile), nil, 0o644); err != nil {
		t.Fatalf("export marker: %v", err)
	}
	got = rawRequest(t, d.addr, "git-upload-pack /hidden.git\x00host=localhost\x00")
	if strings.HasPrefix(got, "ERR") {
		t.Fatalf("expected advertisement after export, got %q", got)
	}
}

func TestMalformedRequestReportedToGuard(t *testing.T) {
	base := t.TempDir()
	guard := connguard.New(connguard.Config{
		Enabled:          true,
		FailureThreshold: 1,
		FailureWindow:    time.Minute,
		BlockDuration:    time.Minute,
	}, pslog.NoopLogger(), nil)
	d := startDaemon(t, base, daemonOptions{guard: guard})

	conn, err := net.Dial("tcp", d.addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := pktline.NewEncoder(conn).EncodeString("not a request"); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _ = io.Copy(io.Discard, conn)
	_ = conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for !guard.Blocked("127.0.0.1:1") {
		if time.Now().After(deadline) {
			t.Fatalf("expected malformed request to block the host")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestLeaderGatedPushesAreIsolatedPerRepository(t *testing.T) {
	base := t.TempDir()
	good := filepath.Join(base, "a.git")
	bad := filepath.Join(base, "b.git")
	initBare(t, good)
	initBare(t, bad)
	setRepoOption(t, bad, leader.ReplicaSection, "mirror", "url", "ftp://mirror.example/b.git")

	leases := leader.NewLeaseBook()
	cache, err := leadercache.New(leadercache.Config{
		Build: func(ctx context.Context, key string) (leader.Actor, error) {
			r, err := repo.Open(key, key)
			if err != nil {
				return nil, err
			}
			node, err := leader.New(leader.Config{Repository: r, Leases: leases, Logger: pslog.NoopLogger()})
			if err != nil {
				return nil, err
			}
			node.Start(ctx)
			return node, nil
		},
		Logger: pslog.NoopLogger(),
	})
	if err != nil {
		t.Fatalf("leader cache: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = cache.Shutdown(ctx)
	})
	d := startDaemon(t, base, daemonOptions{
		receive:   true,
		exportAll: true,
		writes: &receive.LeaderGatedFactory{
			Inner:   &receive.PlainFactory{Locks: refs.NewLocks(), Logger: pslog.NoopLogger()},
			Leaders: cache,
			Logger:  pslog.NoopLogger(),
		},
	})

	wsA := newWorkspace(t, d.url("a.git"))
	wantA := wsA.commit("README", "a\n")
	if err := wsA.push(); err != nil {
		t.Fatalf("push a: %v", err)
	}
	if got := remoteTip(t, good); got != wantA {
		t.Fatalf("expected a at %s, got %s", wantA, got)
	}

	wsB := newWorkspace(t, d.url("b.git"))
	wsB.commit("README", "b\n")
	err = wsB.push()
	if err == nil || !strings.Contains(err.Error(), "invalid follower uri") {
		t.Fatalf("expected invalid follower uri, got %v", err)
	}

	nextA := wsA.commit("README", "a2\n")
	if err := wsA.push(); err != nil {
		t.Fatalf("push a after b failed: %v", err)
	}
	if got := remoteTip(t, good); got != nextA {
		t.Fatalf("expected a at %s, got %s", nextA, got)
	}
}

func TestNegotiateAcknowledgesFirstCommonObject(t *testing.T) {
	st := memory.NewStorage()
	obj := st.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, _ := obj.Writer()
	_, _ = w.Write([]byte("x"))
	_ = w.Close()
	known, err := st.SetEncodedObject(obj)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	unknown := plumbing.NewHash("1111111111111111111111111111111111111111")

	var in bytes.Buffer
	enc := pktline.NewEncoder(&in)
	_ = enc.Encodef("have %s\n", unknown)
	_ = enc.Flush()
	_ = enc.Encodef("have %s\n", known)
	_ = enc.Encodef("have %s\n", known)
	_ = enc.Flush()
	_ = enc.Encodef("done\n")

	var out bytes.Buffer
	common, err := negotiate(&in, &out, st)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if len(common) != 2 || common[0] != known {
		t.Fatalf("unexpected common set %v", common)
	}
	var lines []string
	sc := pktline.NewScanner(&out)
	for sc.Scan() {
		lines = append(lines, strings.TrimSuffix(string(sc.Bytes()), "\n"))
	}
	want := []string{"NAK", "ACK " + known.String()}
	if strings.Join(lines, "|") != strings.Join(want, "|") {
		t.Fatalf("expected %v, got %v", want, lines)
	}
}

func TestNegotiateRejectsGarbage(t *testing.T) {
	var in bytes.Buffer
	_ = pktline.NewEncoder(&in).Encodef("have nothex\n")
	if _, err := negotiate(&in, io.Discard, memory.NewStorage()); err == nil {
		t.Fatalf("expected malformed have to fail")
	}
	if _, err := negotiate(&bytes.Buffer{}, io.Discard, memory.NewStorage()); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected unexpected EOF, got %v", err)
	}
}

func TestPeekFlush(t *testing.T) {
	if _, done, err := peekFlush(strings.NewReader("0000")); err != nil || !done {
		t.Fatalf("expected flush, got done=%v err=%v", done, err)
	}
	if _, done, err := peekFlush(strings.NewReader("")); err != nil || !done {
		t.Fatalf("expected EOF to end the exchange, got done=%v err=%v", done, err)
	}
	r, done, err := peekFlush(strings.NewReader("0009done\n"))
	if err != nil || done {
		t.Fatalf("expected data, got done=%v err=%v", done, err)
	}
	rest, _ := io.ReadAll(r)
	if string(rest) != "0009done\n" {
		t.Fatalf("expected replayed bytes, got %q", rest)
	}
}
