package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Runtime  RuntimeConfig  `toml:"runtime"`
	Limits   LimitsConfig   `toml:"limits"`
	Registry RegistryConfig `toml:"registry"`
	Security SecurityConfig `toml:"security"`
	Audit    AuditConfig    `toml:"audit"`
}

type ServerConfig struct {
	Stdio       bool   `toml:"stdio"`
	HTTPListen  string `toml:"http_listen"`
	HTTPPath    string `toml:"http_path"`
	WSPath      string `toml:"ws_path"`
	MetricsPath string `toml:"metrics_path"`
	LogLevel    string `toml:"log_level"`
	LogFormat   string `toml:"log_format"`
}

// RuntimeConfig controls how the script runtime executable is found and
// invoked: <runtime> <args...> [--preload <preload_sdk>] <script>.
type RuntimeConfig struct {
	Name       string   `toml:"name"`
	PreloadSDK string   `toml:"preload_sdk"`
	SearchDirs []string `toml:"search_dirs"`
	Args       []string `toml:"args"`
}

type LimitsConfig struct {
	MaxRunningScripts int  `toml:"max_running_scripts"`
	WriteTimeoutMs    int  `toml:"write_timeout_ms"`
	KillGraceMs       int  `toml:"kill_grace_ms"`
	PreviewBytes      int  `toml:"preview_bytes"`
	MaxLineBytes      int  `toml:"max_line_bytes"`
	MaxTermCapture    int  `toml:"max_term_capture_bytes"`
	SupersedePending  bool `toml:"supersede_pending"`
}

type RegistryConfig struct {
	Path string `toml:"path"`
}

type SecurityConfig struct {
	AllowedRoot []AllowedRoot `toml:"allowed_roots"`
}

type AllowedRoot struct {
	Path string `toml:"path"`
}

type AuditConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Stdio:       true,
			HTTPListen:  "",
			HTTPPath:    "/rpc",
			WSPath:      "/ws",
			MetricsPath: "/metrics",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Runtime: RuntimeConfig{
			Name: "bun",
			Args: []string{"run"},
		},
		Limits: LimitsConfig{
			MaxRunningScripts: 32,
			WriteTimeoutMs:    2000,
			KillGraceMs:       3000,
			PreviewBytes:      256,
			MaxLineBytes:      1 << 20,
			MaxTermCapture:    1 << 20,
		},
		Registry: RegistryConfig{
			Path: defaultRegistryPath(),
		},
	}
}

func defaultRegistryPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "scriptd", "processes.json")
}

func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, err
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func AllowedRoots(cfg Config) []string {
	roots := make([]string, 0, len(cfg.Security.AllowedRoot))
	for _, r := range cfg.Security.AllowedRoot {
		if r.Path != "" {
			roots = append(roots, r.Path)
		}
	}
	return roots
}

func (l LimitsConfig) WriteTimeout() time.Duration {
	return time.Duration(l.WriteTimeoutMs) * time.Millisecond
}

func (l LimitsConfig) KillGrace() time.Duration {
	return time.Duration(l.KillGraceMs) * time.Millisecond
}
