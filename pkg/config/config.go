// Package config parses the daemon TOML configuration surface spec.md §6
// enumerates: [api], [system], [docker], [remote], [sftp], [redis]. Field
// shapes are grounded on the officialpriyam-Propel-Wings configuration
// struct tags (default/yaml), adapted to TOML via
// github.com/pelletier/go-toml/v2, promoting the teacher's indirect
// dependency to direct use.
package config

import (
	"fmt"
	"os"

	"github.com/docker/go-units"
	"github.com/pelletier/go-toml/v2"
)

// API is the `[api]` table.
type API struct {
	Host        string `toml:"host"`
	Port        int    `toml:"port"`
	UploadLimit string `toml:"upload_limit"` // human-readable, e.g. "100MiB"
}

// UploadLimitBytes parses UploadLimit via docker/go-units.
func (a API) UploadLimitBytes() (int64, error) {
	if a.UploadLimit == "" {
		return 0, nil
	}
	return units.RAMInBytes(a.UploadLimit)
}

// System is the `[system]` table.
type System struct {
	RootDirectory         string `toml:"root_directory"`
	DataDirectory         string `toml:"data_directory"`
	BackupDirectory       string `toml:"backup_directory"`
	ArchiveDirectory      string `toml:"archive_directory"`
	TmpDirectory          string `toml:"tmp_directory"`
	LogDirectory          string `toml:"log_directory"`
	Username              string `toml:"username"`
	Timezone              string `toml:"timezone"`
	DiskCheckIntervalSec  int    `toml:"disk_check_interval"`
	BackupRateLimitMiBps  string `toml:"backup_rate_limit_mibps,omitempty"`
}

// Docker is the `[docker]` table.
type Docker struct {
	Socket            string `toml:"socket"`
	TmpfsSize         string `toml:"tmpfs_size"`
	ContainerPIDLimit int    `toml:"container_pid_limit"`
}

// Remote is the `[remote]` table, the control-plane HTTP collaborator.
type Remote struct {
	URL        string `toml:"url"`
	TokenID    string `toml:"token_id"`
	Token      string `toml:"token"`
	TimeoutSec int    `toml:"timeout"`
}

// SFTP is the `[sftp]` table.
type SFTP struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	BindPort    int    `toml:"bind_port"`
	ReadOnly    bool   `toml:"read_only"`
	HostKey     string `toml:"host_key"`
}

// Redis is the `[redis]` table, backing the optional pub/sub and StatsBuffer
// external KV collaborators.
type Redis struct {
	Enabled bool   `toml:"enabled"`
	URL     string `toml:"url"`
	Prefix  string `toml:"prefix"`
}

// Config is the full daemon configuration.
type Config struct {
	API    API    `toml:"api"`
	System System `toml:"system"`
	Docker Docker `toml:"docker"`
	Remote Remote `toml:"remote"`
	SFTP   SFTP   `toml:"sftp"`
	Redis  Redis  `toml:"redis"`
}

// Default returns sane defaults, matching the zero-config shape a fresh
// install would generate.
func Default() Config {
	return Config{
		API: API{Host: "0.0.0.0", Port: 8080, UploadLimit: "100MiB"},
		System: System{
			RootDirectory:        "/var/lib/warden",
			DataDirectory:        "/var/lib/warden/volumes",
			BackupDirectory:      "/var/lib/warden/backups",
			ArchiveDirectory:     "/var/lib/warden/archives",
			TmpDirectory:         "/tmp/warden",
			LogDirectory:         "/var/log/warden",
			Username:             "warden",
			Timezone:             "UTC",
			DiskCheckIntervalSec: 150,
		},
		Docker: Docker{
			Socket:            "/run/containerd/containerd.sock",
			TmpfsSize:         "100M",
			ContainerPIDLimit: 512,
		},
		SFTP: SFTP{Enabled: true, BindAddress: "0.0.0.0", BindPort: 2022, HostKey: "/etc/warden/ssh/host_key"},
	}
}

// Load reads and parses a TOML file at path.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Save writes cfg as TOML to path.
func Save(path string, cfg Config) error {
	b, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, b, 0o600)
}
