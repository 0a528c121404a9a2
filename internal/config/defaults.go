package config

import (
	"github.com/knadh/koanf/v2"
)

func loadDefaults(k *koanf.Koanf) error {
	defaults := map[string]any{
		"server.host":      "0.0.0.0",
		"server.port":      1111,
		"server.grpc_port": 1112,

		"database.max_connections": 10,

		"logging.level":  "info",
		"logging.format": "pretty",

		"ssh.key_path":                 "~/.ssh/id_rsa",
		"ssh.known_hosts":              "~/.ssh/known_hosts",
		"ssh.insecure_ignore_host_key": false,
		"ssh.port":                     22,
		"ssh.command_timeout":          "10s",

		"monitor.interval":       "2s",
		"monitor.snapshot_store": "memory",

		"redis.addr":         "localhost:6379",
		"redis.db":           0,
		"redis.snapshot_ttl": "1m",

		"scheduling.interval":                            "30s",
		"scheduling.stop_attempts_after":                 "10m",
		"scheduling.max_stop_attempts":                   5,
		"scheduling.schedule_queued_jobs_when_free_mins": 30,
		"scheduling.scheduler":                           "greedy",
		"scheduling.verifier":                            "window",

		"supervisor.log_dir":        "~/.gpushare/logs",
		"supervisor.session_prefix": "gpushare",

		"reservations.min_duration": "30m",
		"reservations.max_duration": "192h",

		"protection.enabled":          false,
		"protection.interval":         "1m",
		"protection.handlers":         []string{"log", "message"},
		"protection.ignored_commands": []string{"Xorg", "/usr/lib/xorg/Xorg", "/usr/bin/X", "X", "-"},

		"usage.enabled":  true,
		"usage.interval": "1m",
	}

	for key, val := range defaults {
		k.Set(key, val)
	}
	return nil
}
