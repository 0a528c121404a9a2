package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Database     DatabaseConfig     `koanf:"database"`
	Logging      LoggingConfig      `koanf:"logging"`
	SSH          SSHConfig          `koanf:"ssh"`
	Hosts        []HostConfig       `koanf:"hosts"`
	Monitor      MonitorConfig      `koanf:"monitor"`
	Redis        RedisConfig        `koanf:"redis"`
	Scheduling   SchedulingConfig   `koanf:"scheduling"`
	Supervisor   SupervisorConfig   `koanf:"supervisor"`
	Reservations ReservationsConfig `koanf:"reservations"`
	Protection   ProtectionConfig   `koanf:"protection"`
	Usage        UsageConfig        `koanf:"usage"`
}

type ServerConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	GRPCPort int    `koanf:"grpc_port"`
}

type DatabaseConfig struct {
	URL            string `koanf:"url"`
	MaxConnections int    `koanf:"max_connections"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type SSHConfig struct {
	KeyPath               string        `koanf:"key_path"`
	KnownHosts            string        `koanf:"known_hosts"`
	InsecureIgnoreHostKey bool          `koanf:"insecure_ignore_host_key"`
	Port                  int           `koanf:"port"`
	CommandTimeout        time.Duration `koanf:"command_timeout"`
}

// HostConfig is one GPU node. User is the account used for metric queries;
// task commands always run as the job owner.
type HostConfig struct {
	Name string `koanf:"name"`
	User string `koanf:"user"`
}

type MonitorConfig struct {
	Interval      time.Duration `koanf:"interval"`
	SnapshotStore string        `koanf:"snapshot_store"`
}

type RedisConfig struct {
	Addr        string        `koanf:"addr"`
	Password    string        `koanf:"password"`
	DB          int           `koanf:"db"`
	SnapshotTTL time.Duration `koanf:"snapshot_ttl"`
}

type SchedulingConfig struct {
	Interval          time.Duration `koanf:"interval"`
	StopAttemptsAfter time.Duration `koanf:"stop_attempts_after"`
	MaxStopAttempts   int           `koanf:"max_stop_attempts"`
	FreeMinutes       int           `koanf:"schedule_queued_jobs_when_free_mins"`
	Scheduler         string        `koanf:"scheduler"`
	Verifier          string        `koanf:"verifier"`
}

type SupervisorConfig struct {
	LogDir        string `koanf:"log_dir"`
	SessionPrefix string `koanf:"session_prefix"`
}

type ReservationsConfig struct {
	MinDuration time.Duration `koanf:"min_duration"`
	MaxDuration time.Duration `koanf:"max_duration"`
}

// ProtectionConfig controls reservation enforcement. Handlers run in order
// for every violation: log, message, kill_user, kill_sudo.
type ProtectionConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Interval        time.Duration `koanf:"interval"`
	Handlers        []string      `koanf:"handlers"`
	IgnoredCommands []string      `koanf:"ignored_commands"`
}

// UsageConfig controls utilization sampling of reserved GPUs.
type UsageConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Interval time.Duration `koanf:"interval"`
}

// Load reads config from TOML file (if provided) then overlays env vars.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k); err != nil {
		return nil, err
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, err
		}
	}

	// GS_SCHEDULING_STOP_ATTEMPTS_AFTER -> scheduling.stop_attempts_after.
	// Only the first underscore separates the section from the key.
	if err := k.Load(env.ProviderWithValue("GS_", ".", func(key, value string) (string, interface{}) {
		if value == "" || key == "GS_HOSTS" || key == "GS_CONFIG_PATH" {
			return "", nil
		}
		mapped := strings.Replace(
			strings.ToLower(strings.TrimPrefix(key, "GS_")),
			"_", ".", 1,
		)
		return mapped, value
	}), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	// GS_HOSTS=alice@gpu1,gpu2 replaces the [[hosts]] table.
	if v := os.Getenv("GS_HOSTS"); v != "" {
		hosts, err := ParseHosts(v, currentUser())
		if err != nil {
			return nil, err
		}
		cfg.Hosts = hosts
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParseHosts parses a comma separated list of [user@]host entries.
func ParseHosts(s, defaultUser string) ([]HostConfig, error) {
	var hosts []HostConfig
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		h := HostConfig{Name: part, User: defaultUser}
		if user, name, ok := strings.Cut(part, "@"); ok {
			h = HostConfig{Name: name, User: user}
		}
		if h.Name == "" || h.User == "" {
			return nil, fmt.Errorf("invalid host entry %q", part)
		}
		hosts = append(hosts, h)
	}
	return hosts, nil
}

func currentUser() string {
	return os.Getenv("USER")
}

func (c *Config) Validate() error {
	if c.Scheduling.Interval <= 0 {
		return fmt.Errorf("scheduling.interval must be positive")
	}
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be positive")
	}
	if c.Scheduling.FreeMinutes < 0 {
		return fmt.Errorf("scheduling.schedule_queued_jobs_when_free_mins must not be negative")
	}
	if c.Scheduling.MaxStopAttempts < 1 {
		return fmt.Errorf("scheduling.max_stop_attempts must be at least 1")
	}
	if c.Reservations.MinDuration > c.Reservations.MaxDuration {
		return fmt.Errorf("reservations.min_duration exceeds reservations.max_duration")
	}
	seen := make(map[string]bool, len(c.Hosts))
	for i, h := range c.Hosts {
		if h.Name == "" {
			return fmt.Errorf("hosts[%d]: name is required", i)
		}
		if seen[h.Name] {
			return fmt.Errorf("hosts[%d]: duplicate host %q", i, h.Name)
		}
		seen[h.Name] = true
		if h.User == "" {
			c.Hosts[i].User = currentUser()
		}
	}
	return nil
}
