package gitd

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"pkt.systems/gitd/internal/leader"
	"pkt.systems/gitd/internal/leadercache"
	"pkt.systems/gitd/internal/receive"
	"pkt.systems/gitd/internal/service"
)

const (
	// DefaultConfigFileName is the config file looked up in DefaultConfigDir.
	DefaultConfigFileName = "config.yaml"
	// DefaultPort is the git daemon port.
	DefaultPort = 9418
	// DefaultListenHost binds every interface.
	DefaultListenHost = ""
	// DefaultPeerListen is empty: the peer API is off unless configured.
	DefaultPeerListen = ""
	// DefaultMetricsListen is empty: metrics are off unless configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is empty: pprof is off unless configured.
	DefaultPprofListen = ""
	// DefaultTimeout disables the per-connection IO deadline.
	DefaultTimeout = time.Duration(0)
	// DefaultMaxPackBytes bounds an uploaded pack.
	DefaultMaxPackBytes = int64(2 << 30)
	// DefaultLeaseTTL is the leader lease duration.
	DefaultLeaseTTL = leader.DefaultLeaseTTL
	// DefaultProposeTimeout bounds one replication round of a push.
	DefaultProposeTimeout = receive.DefaultProposeTimeout
	// DefaultReplicateAttempts is how often a follower is tried per proposal.
	DefaultReplicateAttempts = 3
	// DefaultReplicateBaseDelay is the first retry delay.
	DefaultReplicateBaseDelay = 100 * time.Millisecond
	// DefaultReplicateMaxDelay caps the retry delay.
	DefaultReplicateMaxDelay = 2 * time.Second
	// DefaultReplicateMultiplier grows the retry delay.
	DefaultReplicateMultiplier = 2.0
	// DefaultLeaderCloseTimeout bounds closing one leader actor.
	DefaultLeaderCloseTimeout = leadercache.DefaultCloseTimeout
	// DefaultShutdownTimeout caps graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultConnguardFailureThreshold is the number of bad requests before a host is blocked.
	DefaultConnguardFailureThreshold = 5
	// DefaultConnguardFailureWindow is the period bad requests are counted over.
	DefaultConnguardFailureWindow = 30 * time.Second
	// DefaultConnguardBlockDuration is how long a host stays blocked.
	DefaultConnguardBlockDuration = 5 * time.Minute
	// DefaultConnguardProbeTimeout bounds the wait for the first request byte.
	DefaultConnguardProbeTimeout = 5 * time.Second
)

// Config captures the configuration surface of a gitd server.
type Config struct {
	// Port is the git daemon TCP port.
	Port int
	// ListenHost is the host to bind; empty binds every interface.
	ListenHost string
	// Directories are the export base directories, searched in order.
	Directories []string
	// ExportAll exports every repository, ignoring git-daemon-export-ok.
	ExportAll bool

	// Enable, Disable, AllowOverride and ForbidOverride adjust the service
	// registry. Names may omit the git- prefix.
	Enable         []string
	Disable        []string
	AllowOverride  []string
	ForbidOverride []string

	// Threads bounds concurrent sessions; <= 0 means the CPU count.
	Threads int
	// Timeout is the per-connection IO deadline; 0 disables it.
	Timeout time.Duration
	// MaxPackBytes bounds an uploaded pack; <= 0 means DefaultMaxPackBytes.
	MaxPackBytes int64

	// Leader gates pushes through the repository's leader.
	Leader bool
	// PeerListen is the peer API address. Replicated repositories need it.
	PeerListen string
	// SelfEndpoint is the peer API URL followers know this node by. It is
	// derived from PeerListen when empty.
	SelfEndpoint   string
	LeaseTTL       time.Duration
	ProposeTimeout time.Duration

	ReplicateAttempts   int
	ReplicateBaseDelay  time.Duration
	ReplicateMaxDelay   time.Duration
	ReplicateMultiplier float64

	// DisableConfigWatch keeps leaders alive when a repository config
	// file changes.
	DisableConfigWatch bool
	LeaderCloseTimeout time.Duration

	MetricsListen          string
	PprofListen            string
	EnableProfilingMetrics bool
	OTLPEndpoint           string

	ConnguardEnabled          bool
	ConnguardFailureThreshold int
	ConnguardFailureWindow    time.Duration
	ConnguardBlockDuration    time.Duration
	ConnguardProbeTimeout     time.Duration

	ShutdownTimeout time.Duration
}

// Validate normalises the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	c.ListenHost = strings.TrimSpace(c.ListenHost)
	dirs := make([]string, 0, len(c.Directories))
	for _, dir := range c.Directories {
		dir = strings.TrimSpace(dir)
		if dir == "" {
			continue
		}
		abs, err := filepath.Abs(dir)
		if err != nil {
			return fmt.Errorf("config: export directory %q: %w", dir, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return fmt.Errorf("config: export directory: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("config: export directory %q is not a directory", abs)
		}
		dirs = append(dirs, abs)
	}
	if len(dirs) == 0 {
		return fmt.Errorf("config: at least one export directory is required")
	}
	c.Directories = dirs

	if err := c.ConfigureRegistry(service.NewDefaultRegistry()); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if c.Timeout < 0 {
		return fmt.Errorf("config: timeout must be >= 0")
	}
	if c.MaxPackBytes <= 0 {
		c.MaxPackBytes = DefaultMaxPackBytes
	}

	c.PeerListen = strings.TrimSpace(c.PeerListen)
	c.SelfEndpoint = strings.TrimRight(strings.TrimSpace(c.SelfEndpoint), "/")
	if c.SelfEndpoint == "" && c.PeerListen != "" {
		c.SelfEndpoint = selfEndpointFromListen(c.PeerListen)
	}
	if err := leader.ValidateSelfEndpoint(c.SelfEndpoint); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
	if c.ProposeTimeout <= 0 {
		c.ProposeTimeout = DefaultProposeTimeout
	}
	if c.ReplicateAttempts <= 0 {
		c.ReplicateAttempts = DefaultReplicateAttempts
	}
	if c.ReplicateBaseDelay <= 0 {
		c.ReplicateBaseDelay = DefaultReplicateBaseDelay
	}
	if c.ReplicateMaxDelay <= 0 {
		c.ReplicateMaxDelay = DefaultReplicateMaxDelay
	}
	if c.ReplicateMaxDelay < c.ReplicateBaseDelay {
		return fmt.Errorf("config: replicate max delay %s is below base delay %s", c.ReplicateMaxDelay, c.ReplicateBaseDelay)
	}
	if c.ReplicateMultiplier == 0 {
		c.ReplicateMultiplier = DefaultReplicateMultiplier
	}
	if c.ReplicateMultiplier < 1 {
		return fmt.Errorf("config: replicate multiplier must be >= 1")
	}
	if c.LeaderCloseTimeout <= 0 {
		c.LeaderCloseTimeout = DefaultLeaderCloseTimeout
	}

	c.MetricsListen = strings.TrimSpace(c.MetricsListen)
	c.PprofListen = strings.TrimSpace(c.PprofListen)
	if c.EnableProfilingMetrics && c.MetricsListen == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}

	if c.ConnguardFailureThreshold <= 0 {
		c.ConnguardFailureThreshold = DefaultConnguardFailureThreshold
	}
	if c.ConnguardFailureWindow <= 0 {
		c.ConnguardFailureWindow = DefaultConnguardFailureWindow
	}
	if c.ConnguardBlockDuration <= 0 {
		c.ConnguardBlockDuration = DefaultConnguardBlockDuration
	}
	if c.ConnguardProbeTimeout < 0 {
		return fmt.Errorf("config: connguard probe timeout must be >= 0")
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return nil
}

// ListenAddress is the daemon bind address.
func (c Config) ListenAddress() string {
	return net.JoinHostPort(c.ListenHost, strconv.Itoa(c.Port))
}

// Replication converts the replicate settings for the leader actor.
func (c Config) Replication() leader.ReplicationConfig {
	return leader.ReplicationConfig{
		Attempts:   c.ReplicateAttempts,
		BaseDelay:  c.ReplicateBaseDelay,
		MaxDelay:   c.ReplicateMaxDelay,
		Multiplier: c.ReplicateMultiplier,
	}
}

// ConfigureRegistry applies the service flags to r. Disable wins over
// Enable and ForbidOverride over AllowOverride.
func (c Config) ConfigureRegistry(r *service.Registry) error {
	steps := []struct {
		names []string
		apply func(string) error
	}{
		{c.Enable, func(n string) error { return r.SetEnabled(n, true) }},
		{c.Disable, func(n string) error { return r.SetEnabled(n, false) }},
		{c.AllowOverride, func(n string) error { return r.SetOverridable(n, true) }},
		{c.ForbidOverride, func(n string) error { return r.SetOverridable(n, false) }},
	}
	for _, step := range steps {
		for _, name := range step.names {
			if err := step.apply(strings.TrimSpace(name)); err != nil {
				return err
			}
		}
	}
	return nil
}

// selfEndpointFromListen turns a peer listen address into a URL. Wildcard
// hosts become the local hostname.
func selfEndpointFromListen(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return ""
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		if name, err := os.Hostname(); err == nil && name != "" {
			host = name
		} else {
			host = "127.0.0.1"
		}
	}
	return "http://" + net.JoinHostPort(host, port)
}

// DefaultConfigDir returns $GITD_CONFIG_DIR or $HOME/.gitd.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("GITD_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".gitd"), nil
}
