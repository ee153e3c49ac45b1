package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Download DownloadConfig `mapstructure:"download"`
	Network  NetworkConfig  `mapstructure:"network"`
	Solver   SolverConfig   `mapstructure:"solver"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Path   string `mapstructure:"path"`
}

// DownloadConfig holds acquisition and packaging configuration.
type DownloadConfig struct {
	// OutputRoot is the directory under which the galleries subfolder
	// and zip archives are written.
	OutputRoot string `mapstructure:"output_root"`
	// MaxConcurrentTasks caps how many tasks run the pipeline at once.
	MaxConcurrentTasks int `mapstructure:"max_concurrent_tasks"`
	// StartDelay spaces out consecutive task starts.
	StartDelay time.Duration `mapstructure:"start_delay"`
	// MaxRetries bounds automatic retries for recoverable failures.
	MaxRetries int `mapstructure:"max_retries"`
	// MaxHistoryItems is the retention cap for finished task records.
	MaxHistoryItems int `mapstructure:"max_history_items"`
	// StrictImport rejects content types the completed library has never
	// seen instead of recording them as new taxonomy entries.
	StrictImport bool `mapstructure:"strict_import"`
}

// NetworkConfig holds resilience chain configuration.
type NetworkConfig struct {
	// DNSBypass enables DoH re-resolution for poisoned hostnames.
	DNSBypass bool `mapstructure:"dns_bypass"`
}

// SolverConfig holds browser challenge solver configuration.
type SolverConfig struct {
	// PartitionRoot is where per-site browser profiles live.
	PartitionRoot string `mapstructure:"partition_root"`
	// HardTimeout aborts a solve attempt outright.
	HardTimeout time.Duration `mapstructure:"hard_timeout"`
	// VisibleAfter escalates a headless attempt to a visible window.
	VisibleAfter time.Duration `mapstructure:"visible_after"`
}

// Default returns a Config with default values.
func Default() *Config {
	cfg := &Config{}
	v := viper.New()
	setDefaults(v)
	if err := v.Unmarshal(cfg); err != nil {
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	return cfg
}

// Load reads configuration from file and environment variables.
// Priority: environment variables > config file > defaults
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.paperstream")
	}

	v.SetEnvPrefix("PAPERSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Missing config file is fine, defaults + env vars apply.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)

	v.SetDefault("database.path", "./data/paperstream.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.path", "./data/logs")

	v.SetDefault("download.output_root", "./downloads")
	v.SetDefault("download.max_concurrent_tasks", 2)
	v.SetDefault("download.start_delay", 3*time.Second)
	v.SetDefault("download.max_retries", 2)
	v.SetDefault("download.max_history_items", 200)
	v.SetDefault("download.strict_import", false)

	v.SetDefault("network.dns_bypass", true)

	v.SetDefault("solver.partition_root", "./data/profiles")
	v.SetDefault("solver.hard_timeout", 3*time.Minute)
	v.SetDefault("solver.visible_after", 45*time.Second)
}

// Address returns the server address string.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
