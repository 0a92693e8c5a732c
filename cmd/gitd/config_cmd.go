package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/gitd"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage gitd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.gitd/" + gitd.DefaultConfigFileName
	if dir, err := gitd.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, gitd.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default gitd configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := gitd.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, gitd.DefaultConfigFileName)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the root command flags; keys are flag names.
type configDefaults struct {
	Directories               []string `yaml:"directories"`
	Port                      int      `yaml:"port"`
	Listen                    string   `yaml:"listen"`
	Timeout                   string   `yaml:"timeout"`
	Enable                    []string `yaml:"enable"`
	Disable                   []string `yaml:"disable"`
	AllowOverride             []string `yaml:"allow-override"`
	ForbidOverride            []string `yaml:"forbid-override"`
	ExportAll                 bool     `yaml:"export-all"`
	Threads                   int      `yaml:"threads"`
	MaxPack                   string   `yaml:"max-pack"`
	Leader                    bool     `yaml:"leader"`
	PeerListen                string   `yaml:"peer-listen"`
	Self                      string   `yaml:"self"`
	LeaseTTL                  string   `yaml:"lease-ttl"`
	ProposeTimeout            string   `yaml:"propose-timeout"`
	ReplicateAttempts         int      `yaml:"replicate-attempts"`
	ReplicateBaseDelay        string   `yaml:"replicate-base-delay"`
	ReplicateMaxDelay         string   `yaml:"replicate-max-delay"`
	ReplicateMultiplier       float64  `yaml:"replicate-multiplier"`
	DisableConfigWatch        bool     `yaml:"disable-config-watch"`
	LeaderCloseTimeout        string   `yaml:"leader-close-timeout"`
	ShutdownTimeout           string   `yaml:"shutdown-timeout"`
	MetricsListen             string   `yaml:"metrics-listen"`
	PprofListen               string   `yaml:"pprof-listen"`
	EnableProfilingMetrics    bool     `yaml:"enable-profiling-metrics"`
	OTLPEndpoint              string   `yaml:"otlp-endpoint"`
	ConnguardEnabled          bool     `yaml:"connguard-enabled"`
	ConnguardFailureThreshold int      `yaml:"connguard-failure-threshold"`
	ConnguardFailureWindow    string   `yaml:"connguard-failure-window"`
	ConnguardBlockDuration    string   `yaml:"connguard-block-duration"`
	ConnguardProbeTimeout     string   `yaml:"connguard-probe-timeout"`
	LogLevel                  string   `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Directories:               []string{},
		Port:                      gitd.DefaultPort,
		Listen:                    gitd.DefaultListenHost,
		Timeout:                   gitd.DefaultTimeout.String(),
		Enable:                    []string{},
		Disable:                   []string{},
		AllowOverride:             []string{},
		ForbidOverride:            []string{},
		MaxPack:                   humanizeBytes(gitd.DefaultMaxPackBytes),
		PeerListen:                gitd.DefaultPeerListen,
		LeaseTTL:                  gitd.DefaultLeaseTTL.String(),
		ProposeTimeout:            gitd.DefaultProposeTimeout.String(),
		ReplicateAttempts:         gitd.DefaultReplicateAttempts,
		ReplicateBaseDelay:        gitd.DefaultReplicateBaseDelay.String(),
		ReplicateMaxDelay:         gitd.DefaultReplicateMaxDelay.String(),
		ReplicateMultiplier:       gitd.DefaultReplicateMultiplier,
		LeaderCloseTimeout:        gitd.DefaultLeaderCloseTimeout.String(),
		ShutdownTimeout:           gitd.DefaultShutdownTimeout.String(),
		MetricsListen:             gitd.DefaultMetricsListen,
		PprofListen:               gitd.DefaultPprofListen,
		ConnguardFailureThreshold: gitd.DefaultConnguardFailureThreshold,
		ConnguardFailureWindow:    gitd.DefaultConnguardFailureWindow.String(),
		ConnguardBlockDuration:    gitd.DefaultConnguardBlockDuration.String(),
		ConnguardProbeTimeout:     gitd.DefaultConnguardProbeTimeout.String(),
		LogLevel:                  "info",
	}
	for _, apply := range overrides {
		apply(&defaults)
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}
	return data, nil
}
