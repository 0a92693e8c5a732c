package gitd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/gitd/internal/service"
)

func TestConfigValidateAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Directories: []string{dir}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Port != DefaultPort {
		t.Fatalf("expected port %d, got %d", DefaultPort, cfg.Port)
	}
	if cfg.ListenAddress() != ":9418" {
		t.Fatalf("unexpected listen address %q", cfg.ListenAddress())
	}
	if cfg.MaxPackBytes != DefaultMaxPackBytes || cfg.LeaseTTL != DefaultLeaseTTL || cfg.ProposeTimeout != DefaultProposeTimeout {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
	repl := cfg.Replication()
	if repl.Attempts != DefaultReplicateAttempts || repl.BaseDelay != DefaultReplicateBaseDelay || repl.MaxDelay != DefaultReplicateMaxDelay {
		t.Fatalf("unexpected replication config %+v", repl)
	}
	if cfg.ShutdownTimeout != DefaultShutdownTimeout {
		t.Fatalf("expected shutdown timeout default, got %s", cfg.ShutdownTimeout)
	}
	if cfg.SelfEndpoint != "" {
		t.Fatalf("expected no self endpoint without peer listen, got %q", cfg.SelfEndpoint)
	}
}

func TestConfigValidateDirectories(t *testing.T) {
	cfg := Config{}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "at least one export directory") {
		t.Fatalf("expected missing directory error, got %v", err)
	}

	missing := Config{Directories: []string{filepath.Join(t.TempDir(), "absent")}}
	if err := missing.Validate(); err == nil {
		t.Fatalf("expected error for absent directory")
	}

	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	notDir := Config{Directories: []string{file}}
	if err := notDir.Validate(); err == nil || !strings.Contains(err.Error(), "not a directory") {
		t.Fatalf("expected not a directory error, got %v", err)
	}

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	rel := Config{Directories: []string{".", "  "}}
	if err := rel.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(rel.Directories) != 1 || rel.Directories[0] != wd {
		t.Fatalf("expected absolute %q, got %v", wd, rel.Directories)
	}
}

func TestConfigValidateServices(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Directories: []string{dir}, Enable: []string{"upload-archive"}}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "service not supported") {
		t.Fatalf("expected unsupported service error, got %v", err)
	}

	cfg = Config{
		Directories:    []string{dir},
		Enable:         []string{"receive-pack"},
		ForbidOverride: []string{"git-upload-pack"},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	registry := service.NewDefaultRegistry()
	if err := cfg.ConfigureRegistry(registry); err != nil {
		t.Fatalf("configure: %v", err)
	}
	desc, err := registry.Lookup(service.ReceivePack)
	if err != nil || !desc.Enabled {
		t.Fatalf("expected receive-pack enabled, got %+v %v", desc, err)
	}
	desc, err = registry.Lookup(service.UploadPack)
	if err != nil || desc.Overridable {
		t.Fatalf("expected upload-pack locked, got %+v %v", desc, err)
	}
}

func TestConfigSelfEndpoint(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Directories: []string{dir}, PeerListen: "127.0.0.1:9419"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.SelfEndpoint != "http://127.0.0.1:9419" {
		t.Fatalf("unexpected self endpoint %q", cfg.SelfEndpoint)
	}

	cfg = Config{Directories: []string{dir}, PeerListen: ":9419"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.HasPrefix(cfg.SelfEndpoint, "http://") || strings.HasPrefix(cfg.SelfEndpoint, "http://:") {
		t.Fatalf("expected wildcard host replaced, got %q", cfg.SelfEndpoint)
	}

	cfg = Config{Directories: []string{dir}, SelfEndpoint: "https://node-a.example:9419/"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.SelfEndpoint != "https://node-a.example:9419" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.SelfEndpoint)
	}

	cfg = Config{Directories: []string{dir}, SelfEndpoint: "node-a:9419"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected invalid self endpoint error")
	}
}

func TestConfigValidateRanges(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"port", Config{Directories: []string{dir}, Port: 70000}, "out of range"},
		{"timeout", Config{Directories: []string{dir}, Timeout: -time.Second}, "timeout"},
		{"delays", Config{Directories: []string{dir}, ReplicateBaseDelay: time.Second, ReplicateMaxDelay: time.Millisecond}, "below base delay"},
		{"multiplier", Config{Directories: []string{dir}, ReplicateMultiplier: 0.5}, "multiplier"},
		{"profiling", Config{Directories: []string{dir}, EnableProfilingMetrics: true}, "metrics-listen"},
		{"probe", Config{Directories: []string{dir}, ConnguardProbeTimeout: -time.Second}, "probe timeout"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := tc.cfg
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q error, got %v", tc.want, err)
			}
		})
	}
}

func TestDefaultConfigDirHonoursEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("GITD_CONFIG_DIR", dir)
	got, err := DefaultConfigDir()
	if err != nil || got != dir {
		t.Fatalf("expected %q, got %q %v", dir, got, err)
	}
	t.Setenv("GITD_CONFIG_DIR", "")
	t.Setenv("HOME", dir)
	got, err = DefaultConfigDir()
	if err != nil || got != filepath.Join(dir, ".gitd") {
		t.Fatalf("expected home fallback, got %q %v", got, err)
	}
}
