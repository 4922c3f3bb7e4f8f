package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Agent   AgentConfig   `mapstructure:"agent" yaml:"agent"`
	Channel ChannelConfig `mapstructure:"channel" yaml:"channel"`
	Monitor MonitorConfig `mapstructure:"monitor" yaml:"monitor"`
	Sync    SyncConfig    `mapstructure:"sync" yaml:"sync"`
	Output  OutputConfig  `mapstructure:"output" yaml:"output"`
}

type AgentConfig struct {
	Driver       string `mapstructure:"driver" yaml:"driver"`               // "gphoto2", "sim"
	WarmupMs     int    `mapstructure:"warmup_ms" yaml:"warmup_ms"`         // wait after session open
	StartRetries int    `mapstructure:"start_retries" yaml:"start_retries"` // record-start attempts
	StopRetries  int    `mapstructure:"stop_retries" yaml:"stop_retries"`   // record-stop attempts
	RetryDelayMs int    `mapstructure:"retry_delay_ms" yaml:"retry_delay_ms"`
	DrainMs      int    `mapstructure:"drain_ms" yaml:"drain_ms"` // ceiling for post-stop file wait
	PumpMs       int    `mapstructure:"pump_ms" yaml:"pump_ms"`   // event pump granularity
}

type ChannelConfig struct {
	Mode             string `mapstructure:"mode" yaml:"mode"` // "socket", "file"
	LogFile          string `mapstructure:"log_file" yaml:"log_file"`
	CommandDir       string `mapstructure:"command_dir" yaml:"command_dir"`
	DiscoveryFile    string `mapstructure:"discovery_file" yaml:"discovery_file"`
	ConnectTimeoutMs int    `mapstructure:"connect_timeout_ms" yaml:"connect_timeout_ms"`
}

type MonitorConfig struct {
	PollMs     int `mapstructure:"poll_ms" yaml:"poll_ms"`
	IdleCycles int `mapstructure:"idle_cycles" yaml:"idle_cycles"` // watchdog budget, no-activity polls
}

type SyncConfig struct {
	SampleRate   int     `mapstructure:"sample_rate" yaml:"sample_rate"`
	ScanSeconds  float64 `mapstructure:"scan_seconds" yaml:"scan_seconds"` // leading window analyzed
	HighpassHz   float64 `mapstructure:"highpass_hz" yaml:"highpass_hz"`
	SmoothMs     float64 `mapstructure:"smooth_ms" yaml:"smooth_ms"`
	FFmpegBinary string  `mapstructure:"ffmpeg_binary" yaml:"ffmpeg_binary"`
}

type OutputConfig struct {
	Directory string `mapstructure:"directory" yaml:"directory"`
}

var defaultConfig = Config{
	Agent: AgentConfig{
		Driver:       "gphoto2",
		WarmupMs:     1000,
		StartRetries: 5,
		StopRetries:  10,
		RetryDelayMs: 500,
		DrainMs:      15000,
		PumpMs:       50,
	},
	Channel: ChannelConfig{
		Mode:             "socket",
		ConnectTimeoutMs: 5000,
	},
	Monitor: MonitorConfig{
		PollMs:     100,
		IdleCycles: 300,
	},
	Sync: SyncConfig{
		SampleRate:   16000,
		ScanSeconds:  15.0,
		HighpassHz:   200.0,
		SmoothMs:     5.0,
		FFmpegBinary: "ffmpeg",
	},
	Output: OutputConfig{
		Directory: "~/Videos/camsync",
	},
}

// Default returns a copy of the built-in configuration.
func Default() *Config {
	cfg := defaultConfig
	cfg.applyRuntimePaths()
	return &cfg
}

// Load reads the config file at path, falling back to built-in defaults
// for anything unset. A missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyRuntimePaths()
	cfg.Output.Directory = expandHome(cfg.Output.Directory)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("agent.driver", defaultConfig.Agent.Driver)
	v.SetDefault("agent.warmup_ms", defaultConfig.Agent.WarmupMs)
	v.SetDefault("agent.start_retries", defaultConfig.Agent.StartRetries)
	v.SetDefault("agent.stop_retries", defaultConfig.Agent.StopRetries)
	v.SetDefault("agent.retry_delay_ms", defaultConfig.Agent.RetryDelayMs)
	v.SetDefault("agent.drain_ms", defaultConfig.Agent.DrainMs)
	v.SetDefault("agent.pump_ms", defaultConfig.Agent.PumpMs)
	v.SetDefault("channel.mode", defaultConfig.Channel.Mode)
	v.SetDefault("channel.connect_timeout_ms", defaultConfig.Channel.ConnectTimeoutMs)
	v.SetDefault("monitor.poll_ms", defaultConfig.Monitor.PollMs)
	v.SetDefault("monitor.idle_cycles", defaultConfig.Monitor.IdleCycles)
	v.SetDefault("sync.sample_rate", defaultConfig.Sync.SampleRate)
	v.SetDefault("sync.scan_seconds", defaultConfig.Sync.ScanSeconds)
	v.SetDefault("sync.highpass_hz", defaultConfig.Sync.HighpassHz)
	v.SetDefault("sync.smooth_ms", defaultConfig.Sync.SmoothMs)
	v.SetDefault("sync.ffmpeg_binary", defaultConfig.Sync.FFmpegBinary)
	v.SetDefault("output.directory", defaultConfig.Output.Directory)
}

// applyRuntimePaths fills in channel paths that default relative to the
// system temp directory, matching the agent/monitor file protocol.
func (c *Config) applyRuntimePaths() {
	tmp := os.TempDir()
	if c.Channel.LogFile == "" {
		c.Channel.LogFile = filepath.Join(tmp, "camsync_log.txt")
	}
	if c.Channel.CommandDir == "" {
		c.Channel.CommandDir = tmp
	}
	if c.Channel.DiscoveryFile == "" {
		c.Channel.DiscoveryFile = filepath.Join(tmp, "camsync_agent.yaml")
	}
}

// Validate checks the configuration for values the runtime cannot work with.
func (c *Config) Validate() error {
	switch c.Channel.Mode {
	case "socket", "file":
	default:
		return fmt.Errorf("invalid channel.mode %q (valid: socket, file)", c.Channel.Mode)
	}

	switch c.Agent.Driver {
	case "gphoto2", "sim":
	default:
		return fmt.Errorf("invalid agent.driver %q (valid: gphoto2, sim)", c.Agent.Driver)
	}

	if c.Agent.StartRetries < 1 || c.Agent.StopRetries < 1 {
		return fmt.Errorf("retry budgets must be at least 1 (start=%d stop=%d)",
			c.Agent.StartRetries, c.Agent.StopRetries)
	}
	if c.Agent.PumpMs < 1 || c.Agent.PumpMs > 100 {
		return fmt.Errorf("agent.pump_ms must be 1-100ms to keep the event queue live, got %d", c.Agent.PumpMs)
	}
	if c.Sync.SampleRate <= 0 {
		return fmt.Errorf("sync.sample_rate must be positive, got %d", c.Sync.SampleRate)
	}
	if c.Sync.ScanSeconds <= 0 {
		return fmt.Errorf("sync.scan_seconds must be positive, got %f", c.Sync.ScanSeconds)
	}
	if c.Monitor.PollMs < 1 {
		return fmt.Errorf("monitor.poll_ms must be positive, got %d", c.Monitor.PollMs)
	}
	return nil
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
