// Package config loads and holds the TOML configuration shared by the
// server, worker, and restart-workers commands.
package config

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration.
type Config struct {
	General        GeneralConfig         `toml:"general"`
	Server         ServerConfig          `toml:"server"`
	Worker         WorkerConfig          `toml:"worker"`
	RestartWorkers *RestartWorkersConfig `toml:"restart_workers,omitempty"`
}

// GeneralConfig holds settings shared by every command.
type GeneralConfig struct {
	LogLevel     string `toml:"log_level"`
	SharedSecret string `toml:"shared_secret"`
}

// ServerConfig configures the job manager process.
type ServerConfig struct {
	BindV4                   string `toml:"bind_v4"`
	BindV6                   string `toml:"bind_v6"`
	Port                     int    `toml:"port"`
	Address                  string `toml:"address"` // hostname or IP workers/clients connect to
	HistoryDatabasePath      string `toml:"history_database_path"`
	AcceptConfirmTimeoutSecs int    `toml:"accept_confirm_timeout_secs"`
	MaintenanceSchedule      string `toml:"maintenance_schedule"` // standard 5-field cron expression
}

// WorkerConfig configures a worker process. CPUs and RAMMB left at zero
// mean the totals are probed from the OS at startup rather than capped by
// the config.
type WorkerConfig struct {
	Name                 string  `toml:"name"`
	MaxParallelJobs      int     `toml:"max_parallel_jobs"`
	CPUs                 int     `toml:"cpus"`
	RAMMB                int     `toml:"ram_mb"`
	DynamicCheckFree     bool    `toml:"dynamic_check_free_resources"`
	DynamicCPULoadScale  float64 `toml:"dynamic_cpu_load_scale_factor"`
	ReconnectInitialSecs int     `toml:"reconnect_initial_secs"`
	ReconnectMaxSecs     int     `toml:"reconnect_max_secs"`
}

// RestartWorkersConfig configures the SSH-based restart auxiliary tool.
type RestartWorkersConfig struct {
	SSHUser                   string  `toml:"ssh_user"`
	Hostnames                 string  `toml:"hostnames"` // whitespace-separated
	SleepMinutesBeforeRecheck float64 `toml:"sleep_minutes_before_recheck"`
}

// DefaultPort is the server's default listen/connect port.
const DefaultPort = 11236

// Default returns a Config with sensible defaults and a freshly generated
// shared secret.
func Default() *Config {
	secret, err := randomSecret(30)
	if err != nil {
		secret = "changeme"
	}
	home, _ := os.UserHomeDir()

	return &Config{
		General: GeneralConfig{
			LogLevel:     "info",
			SharedSecret: secret,
		},
		Server: ServerConfig{
			BindV4:                   "0.0.0.0",
			BindV6:                   "::",
			Port:                     DefaultPort,
			Address:                  "127.0.0.1",
			HistoryDatabasePath:      filepath.Join(home, ".kueue", "history.db"),
			AcceptConfirmTimeoutSecs: 30,
			MaintenanceSchedule:      "*/5 * * * *",
		},
		Worker: WorkerConfig{
			Name:                 "",
			MaxParallelJobs:      1,
			DynamicCheckFree:     true,
			DynamicCPULoadScale:  1.0,
			ReconnectInitialSecs: 1,
			ReconnectMaxSecs:     60,
		},
	}
}

// randomSecret generates a random alphanumeric string of length n, for the
// shared secret created on first run.
func randomSecret(n int) (string, error) {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(buf), nil
}

// Load reads configuration from a TOML file, falling back to defaults for
// any file that does not yet exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.Server.HistoryDatabasePath = ExpandPath(cfg.Server.HistoryDatabasePath)
	return cfg, nil
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "kueue", "config.toml")
}

// Save writes the configuration to a TOML file, creating parent directories
// as needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0600) // contains the shared secret
}

// EnsureOnDisk loads the config at path, creating it with defaults first if
// it does not yet exist, so a fresh install gets a generated secret written
// to disk rather than silently running with an ephemeral in-memory one.
func EnsureOnDisk(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
		return cfg, nil
	}
	return Load(path)
}

// ResolveServerAddr builds the "host:port" address a client or worker should
// dial, preferring a literal IP in Address but falling back to treating it
// as a hostname to be resolved by the standard dialer at connect time.
func (c *Config) ResolveServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Address, c.Server.Port)
}
