package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/gitd"
	"pkt.systems/gitd/internal/svcfields"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("GITD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "gitd")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			if rootInvocation {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the daemon itself
// rather than a subcommand. Positional arguments that are not subcommand
// names are export directories.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	lookupLong := func(name string) *pflag.Flag {
		flag := root.Flags().Lookup(name)
		if flag == nil {
			flag = root.PersistentFlags().Lookup(name)
		}
		return flag
	}
	lookupShort := func(shorthand string) *pflag.Flag {
		flag := root.Flags().ShorthandLookup(shorthand)
		if flag == nil {
			flag = root.PersistentFlags().ShorthandLookup(shorthand)
		}
		return flag
	}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--":
			return true
		case strings.HasPrefix(arg, "--"):
			name := strings.TrimPrefix(arg, "--")
			if strings.Contains(name, "=") {
				continue
			}
			flag := lookupLong(name)
			if flag == nil {
				return !hasSubcommand(root, args[i+1:])
			}
			if flag.NoOptDefVal == "" {
				i++
			}
		case strings.HasPrefix(arg, "-") && arg != "-":
			short := strings.TrimPrefix(arg, "-")
			flag := lookupShort(short[:1])
			if flag == nil {
				return !hasSubcommand(root, args[i+1:])
			}
			if flag.NoOptDefVal == "" && len(short) == 1 {
				i++
			}
		default:
			return !isSubcommandToken(root, arg)
		}
	}
	return true
}

func hasSubcommand(root *cobra.Command, args []string) bool {
	for _, tok := range args {
		if isSubcommandToken(root, tok) {
			return true
		}
	}
	return false
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() {
			return true
		}
		for _, alias := range sub.Aliases {
			if token == alias {
				return true
			}
		}
	}
	return false
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if dir, err := gitd.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, gitd.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "gitd [directory...]",
		Short:         "gitd serves git repositories over git:// with leader-gated, replicated pushes",
		Args:          cobra.ArbitraryArgs,
		SilenceErrors: true,
		Example: `
  # Export every repository under /srv/git, read-only
  gitd --export-all /srv/git

  # Accept pushes on repositories that carry git-daemon-export-ok
  gitd --enable receive-pack /srv/git

  # Leader mode: gate pushes and replicate them to the [replica] peers
  gitd --leader --enable receive-pack --peer-listen :9419 --self http://node-a:9419 /srv/git
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			svcfields.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to gitd",
				"app", "gitd",
				"pid", os.Getpid(),
			)

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			var cfg gitd.Config
			if err := bindConfig(&cfg, args); err != nil {
				return err
			}
			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
			}
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, dir := range cfg.Directories {
				fmt.Fprintf(out, "exporting %s\n", dir)
			}

			server, err := gitd.NewServer(cfg, gitd.WithLogger(logger))
			if err != nil {
				return err
			}
			errCh := make(chan error, 1)
			go func() {
				errCh <- server.Start()
			}()
			if err := server.WaitUntilReady(ctx); err != nil {
				return shutdown(server, cfg, errCh, cliLogger)
			}
			addr := server.ListenerAddr()
			if addr == nil {
				return <-errCh
			}
			fmt.Fprintf(out, "listening on %s\n", addr)
			if peer := server.PeerAddr(); peer != nil {
				fmt.Fprintf(out, "peer api on %s\n", peer)
			}

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			return shutdown(server, cfg, errCh, cliLogger)
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.gitd/"+gitd.DefaultConfigFileName+")")

	flags := cmd.Flags()
	flags.Int("port", gitd.DefaultPort, "git daemon port")
	flags.String("listen", gitd.DefaultListenHost, "host to bind (empty binds every interface)")
	flags.Duration("timeout", gitd.DefaultTimeout, "per-connection IO deadline (0 disables)")
	flags.StringSlice("enable", nil, "enable a service for every repository (upload-pack, receive-pack)")
	flags.StringSlice("disable", nil, "disable a service for every repository")
	flags.StringSlice("allow-override", nil, "let repositories enable or disable a service via daemon.<service>")
	flags.StringSlice("forbid-override", nil, "stop repositories from overriding a service")
	flags.Bool("export-all", false, "export every repository, not only those containing git-daemon-export-ok")
	flags.Int("threads", 0, "maximum concurrent sessions (0 uses the CPU count)")
	flags.String("max-pack", humanizeBytes(gitd.DefaultMaxPackBytes), "maximum size of an uploaded pack")
	flags.Bool("leader", false, "gate pushes through the repository leader and replicate them")
	flags.String("peer-listen", gitd.DefaultPeerListen, "peer API listen address (empty disables)")
	flags.String("self", "", "this node's peer API URL (defaults to one derived from --peer-listen)")
	flags.Duration("lease-ttl", gitd.DefaultLeaseTTL, "leader lease TTL")
	flags.Duration("propose-timeout", gitd.DefaultProposeTimeout, "maximum time a push waits for replication")
	flags.Int("replicate-attempts", gitd.DefaultReplicateAttempts, "attempts per follower and proposal")
	flags.Duration("replicate-base-delay", gitd.DefaultReplicateBaseDelay, "base backoff delay for replication retries")
	flags.Duration("replicate-max-delay", gitd.DefaultReplicateMaxDelay, "maximum backoff delay for replication retries")
	flags.Float64("replicate-multiplier", gitd.DefaultReplicateMultiplier, "backoff multiplier for replication retries")
	flags.Bool("disable-config-watch", false, "keep leaders alive when a repository config file changes")
	flags.Duration("leader-close-timeout", gitd.DefaultLeaderCloseTimeout, "maximum time to close one leader")
	flags.Duration("shutdown-timeout", gitd.DefaultShutdownTimeout, "overall shutdown timeout")
	flags.String("metrics-listen", gitd.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", gitd.DefaultPprofListen, "pprof listen address (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Bool("connguard-enabled", false, "block hosts that repeatedly send malformed daemon requests")
	flags.Int("connguard-failure-threshold", gitd.DefaultConnguardFailureThreshold, "malformed requests before a host is blocked")
	flags.Duration("connguard-failure-window", gitd.DefaultConnguardFailureWindow, "window malformed requests are counted over")
	flags.Duration("connguard-block-duration", gitd.DefaultConnguardBlockDuration, "time a host stays blocked")
	flags.Duration("connguard-probe-timeout", gitd.DefaultConnguardProbeTimeout, "maximum wait for the first request byte (0 disables)")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("GITD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config",
		"port", "listen", "timeout", "enable", "disable", "allow-override", "forbid-override", "export-all", "threads", "max-pack",
		"leader", "peer-listen", "self", "lease-ttl", "propose-timeout",
		"replicate-attempts", "replicate-base-delay", "replicate-max-delay", "replicate-multiplier",
		"disable-config-watch", "leader-close-timeout", "shutdown-timeout",
		"metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint",
		"connguard-enabled", "connguard-failure-threshold", "connguard-failure-window", "connguard-block-duration", "connguard-probe-timeout",
		"log-level",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

// bindConfig copies viper state into cfg. Positional directories win over
// the config file's directories list.
func bindConfig(cfg *gitd.Config, args []string) error {
	cfg.Port = viper.GetInt("port")
	cfg.ListenHost = viper.GetString("listen")
	cfg.Timeout = viper.GetDuration("timeout")
	cfg.Directories = args
	if len(cfg.Directories) == 0 {
		cfg.Directories = viper.GetStringSlice("directories")
	}
	cfg.ExportAll = viper.GetBool("export-all")
	cfg.Enable = viper.GetStringSlice("enable")
	cfg.Disable = viper.GetStringSlice("disable")
	cfg.AllowOverride = viper.GetStringSlice("allow-override")
	cfg.ForbidOverride = viper.GetStringSlice("forbid-override")
	cfg.Threads = viper.GetInt("threads")
	if raw := strings.TrimSpace(viper.GetString("max-pack")); raw != "" {
		n, err := humanize.ParseBytes(raw)
		if err != nil {
			return fmt.Errorf("parse --max-pack: %w", err)
		}
		cfg.MaxPackBytes = int64(n)
	}
	cfg.Leader = viper.GetBool("leader")
	cfg.PeerListen = viper.GetString("peer-listen")
	cfg.SelfEndpoint = viper.GetString("self")
	cfg.LeaseTTL = viper.GetDuration("lease-ttl")
	cfg.ProposeTimeout = viper.GetDuration("propose-timeout")
	cfg.ReplicateAttempts = viper.GetInt("replicate-attempts")
	cfg.ReplicateBaseDelay = viper.GetDuration("replicate-base-delay")
	cfg.ReplicateMaxDelay = viper.GetDuration("replicate-max-delay")
	cfg.ReplicateMultiplier = viper.GetFloat64("replicate-multiplier")
	cfg.DisableConfigWatch = viper.GetBool("disable-config-watch")
	cfg.LeaderCloseTimeout = viper.GetDuration("leader-close-timeout")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.ConnguardEnabled = viper.GetBool("connguard-enabled")
	cfg.ConnguardFailureThreshold = viper.GetInt("connguard-failure-threshold")
	cfg.ConnguardFailureWindow = viper.GetDuration("connguard-failure-window")
	cfg.ConnguardBlockDuration = viper.GetDuration("connguard-block-duration")
	cfg.ConnguardProbeTimeout = viper.GetDuration("connguard-probe-timeout")
	return nil
}

func shutdown(server *gitd.Server, cfg gitd.Config, errCh <-chan error, logger pslog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
	return <-errCh
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
