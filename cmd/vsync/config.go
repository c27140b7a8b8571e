package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Settings is the vsync configuration file.
type Settings struct {
	// DataDir holds the local object store and the reference service.
	DataDir string `mapstructure:"data_dir" toml:"data_dir" yaml:"data_dir"`
	// Backend is the local object store: folder, sqlite, bolt or memory.
	Backend string `mapstructure:"backend" toml:"backend" yaml:"backend"`
	// Service is the SQLite file of the reference item service.
	Service string `mapstructure:"service" toml:"service" yaml:"service"`
	Record  string `mapstructure:"record" toml:"record" yaml:"record"`

	ItemCacheSize   int  `mapstructure:"item_cache_size" toml:"item_cache_size" yaml:"item_cache_size"`
	ReadAheadChunk  int  `mapstructure:"read_ahead_chunk" toml:"read_ahead_chunk" yaml:"read_ahead_chunk"`
	MaxAttempts     int  `mapstructure:"max_attempts" toml:"max_attempts" yaml:"max_attempts"`
	ImmediateCommit bool `mapstructure:"immediate_commit" toml:"immediate_commit" yaml:"immediate_commit"`
	// Encrypt seals every stored value with a key derived from
	// VSYNC_PASSPHRASE or a prompted passphrase.
	Encrypt bool `mapstructure:"encrypt" toml:"encrypt" yaml:"encrypt"`
	// ProbeAddress is dialed to decide whether the device is online. Empty
	// means always online.
	ProbeAddress string `mapstructure:"probe_address" toml:"probe_address" yaml:"probe_address"`

	Log    LogSettings    `mapstructure:"log" toml:"log" yaml:"log"`
	Daemon DaemonSettings `mapstructure:"daemon" toml:"daemon" yaml:"daemon"`
}

// LogSettings configures the zap logger and its rotating file.
type LogSettings struct {
	Level      string `mapstructure:"level" toml:"level" yaml:"level"`
	File       string `mapstructure:"file" toml:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" toml:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" toml:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" toml:"max_age_days" yaml:"max_age_days"`
}

// DaemonSettings configures 'vsync daemon'. Durations use Go syntax ("5m").
type DaemonSettings struct {
	Interval      string `mapstructure:"interval" toml:"interval" yaml:"interval"`
	Debounce      string `mapstructure:"debounce" toml:"debounce" yaml:"debounce"`
	NetworkPoll   string `mapstructure:"network_poll" toml:"network_poll" yaml:"network_poll"`
	Watch         bool   `mapstructure:"watch" toml:"watch" yaml:"watch"`
	DashboardAddr string `mapstructure:"dashboard_addr" toml:"dashboard_addr" yaml:"dashboard_addr"`
}

func defaultSettings() *Settings {
	dataDir := ".vsync"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".local", "share", "vsync")
	}
	return &Settings{
		DataDir:         dataDir,
		Backend:         "folder",
		Service:         filepath.Join(dataDir, "service.db"),
		Record:          "default",
		ItemCacheSize:   1000,
		ReadAheadChunk:  100,
		MaxAttempts:     5,
		ImmediateCommit: true,
		Log: LogSettings{
			Level:      "warn",
			File:       filepath.Join(dataDir, "vsync.log"),
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Daemon: DaemonSettings{
			Interval:    "5m",
			Debounce:    "500ms",
			NetworkPoll: "10s",
			Watch:       true,
		},
	}
}

// loadSettings reads the config file, if any, over the defaults. VSYNC_*
// environment variables override both (VSYNC_LOG_LEVEL for log.level).
func loadSettings(path string) (*Settings, error) {
	v := viper.New()
	def := defaultSettings()
	setDefaults(v, def)

	v.SetEnvPrefix("VSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("vsync")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "vsync"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func setDefaults(v *viper.Viper, s *Settings) {
	v.SetDefault("data_dir", s.DataDir)
	v.SetDefault("backend", s.Backend)
	v.SetDefault("service", s.Service)
	v.SetDefault("record", s.Record)
	v.SetDefault("item_cache_size", s.ItemCacheSize)
	v.SetDefault("read_ahead_chunk", s.ReadAheadChunk)
	v.SetDefault("max_attempts", s.MaxAttempts)
	v.SetDefault("immediate_commit", s.ImmediateCommit)
	v.SetDefault("encrypt", s.Encrypt)
	v.SetDefault("probe_address", s.ProbeAddress)
	v.SetDefault("log.level", s.Log.Level)
	v.SetDefault("log.file", s.Log.File)
	v.SetDefault("log.max_size_mb", s.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", s.Log.MaxBackups)
	v.SetDefault("log.max_age_days", s.Log.MaxAgeDays)
	v.SetDefault("daemon.interval", s.Daemon.Interval)
	v.SetDefault("daemon.debounce", s.Daemon.Debounce)
	v.SetDefault("daemon.network_poll", s.Daemon.NetworkPoll)
	v.SetDefault("daemon.watch", s.Daemon.Watch)
	v.SetDefault("daemon.dashboard_addr", s.Daemon.DashboardAddr)
}

func (s *Settings) validate() error {
	switch s.Backend {
	case "folder", "sqlite", "bolt", "memory":
	default:
		return fmt.Errorf("unknown backend %q (want folder, sqlite, bolt or memory)", s.Backend)
	}
	if s.Record == "" {
		return fmt.Errorf("record cannot be empty")
	}
	if s.DataDir == "" {
		return fmt.Errorf("data_dir cannot be empty")
	}
	if _, _, _, err := s.Daemon.durations(); err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	return nil
}

func (d DaemonSettings) durations() (interval, debounce, poll time.Duration, err error) {
	parse := func(name, s string) time.Duration {
		if s == "" || err != nil {
			return 0
		}
		v, perr := time.ParseDuration(s)
		if perr != nil {
			err = fmt.Errorf("invalid %s: %w", name, perr)
		}
		return v
	}
	interval = parse("interval", d.Interval)
	debounce = parse("debounce", d.Debounce)
	poll = parse("network_poll", d.NetworkPoll)
	return interval, debounce, poll, err
}

// writeSettings writes s as TOML to path, refusing to overwrite unless force.
func writeSettings(path string, s *Settings, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config: %w", err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(s); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "advanced",
	Short:   "Manage the vsync configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a default config file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "vsync.toml"
		if len(args) == 1 {
			path = args[0]
		}
		force, _ := cmd.Flags().GetBool("force")
		if err := writeSettings(path, defaultSettings(), force); err != nil {
			return err
		}
		fmt.Printf("%s Wrote %s\n", renderPass("✓"), path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		switch format {
		case "toml":
			return toml.NewEncoder(os.Stdout).Encode(settings)
		case "yaml":
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(settings)
		default:
			return fmt.Errorf("unknown format %q (want toml or yaml)", format)
		}
	},
}

func init() {
	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")
	configShowCmd.Flags().String("format", "toml", "output format: toml or yaml")
	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
