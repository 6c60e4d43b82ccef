package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds application configuration, loaded from a TOML file with
// environment overrides.
type Config struct {
	ListenAddr   string `toml:"listen_addr"`
	DBPath       string `toml:"db_path"`
	SubmitSecret string `toml:"submit_secret"`

	// DownloadDir is the default destination for submissions that do not
	// name one. It is always part of AllowedRoots.
	DownloadDir  string   `toml:"download_dir"`
	AllowedRoots []string `toml:"allowed_destination_roots"`

	Engine  EngineConfig   `toml:"engine"`
	Backend BackendConfig  `toml:"backend"`
	Filters []FilterConfig `toml:"filters"`
}

// EngineConfig tunes the worker pool and retry policy.
type EngineConfig struct {
	MaxWorkers             int `toml:"max_workers"` // 0 = number of CPUs
	MaxRetries             int `toml:"max_retries"`
	BaseBackoffMs          int `toml:"base_backoff_ms"`
	MaxBackoffMs           int `toml:"max_backoff_ms"`
	ProgressEmitIntervalMs int `toml:"progress_emit_interval_ms"`
}

// BackendConfig selects and parameterizes the downloader backend.
type BackendConfig struct {
	Type    string   `toml:"type"` // "ytdlp" or "command"
	Command string   `toml:"command"`
	Args    []string `toml:"args"`
	Isolate *bool    `toml:"isolate"`
}

// FilterConfig describes one filter chain entry, applied in file order.
type FilterConfig struct {
	Type     string   `toml:"type"` // "domains", "keywords" or "pattern"
	Name     string   `toml:"name"`
	Domains  []string `toml:"domains"`
	Keywords []string `toml:"keywords"`
	Pattern  string   `toml:"pattern"`
	Action   string   `toml:"action"` // pattern rules: "allow" or "block"
}

// BaseBackoff returns the retry backoff base as a duration.
func (e EngineConfig) BaseBackoff() time.Duration {
	return time.Duration(e.BaseBackoffMs) * time.Millisecond
}

// MaxBackoff returns the retry backoff cap as a duration.
func (e EngineConfig) MaxBackoff() time.Duration {
	return time.Duration(e.MaxBackoffMs) * time.Millisecond
}

// ProgressEmitInterval returns the minimum spacing between progress
// events per job.
func (e EngineConfig) ProgressEmitInterval() time.Duration {
	return time.Duration(e.ProgressEmitIntervalMs) * time.Millisecond
}

// Workers resolves MaxWorkers, defaulting to the CPU count.
func (e EngineConfig) Workers() int {
	if e.MaxWorkers > 0 {
		return e.MaxWorkers
	}
	return runtime.NumCPU()
}

// DefaultConfigPath returns the default config location using
// XDG_CONFIG_HOME.
func DefaultConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "fetchq", "config.toml")
}

// DefaultDBPath returns the default database path using XDG_CACHE_HOME.
func DefaultDBPath() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, _ := os.UserHomeDir()
		cacheDir = filepath.Join(home, ".cache")
	}
	return filepath.Join(cacheDir, "fetchq", "jobs.db")
}

// DefaultDownloadDir returns the default download destination.
func DefaultDownloadDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Videos")
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

// Load reads the config file at path (or the default location when path
// is empty), applies defaults and environment overrides. A missing file
// is not an error; defaults apply.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath()
	}

	cfg := &Config{}
	var md toml.MetaData
	if _, err := os.Stat(path); err == nil {
		var decodeErr error
		md, decodeErr = toml.DecodeFile(path, cfg)
		if decodeErr != nil {
			return nil, fmt.Errorf("parse %s: %w", path, decodeErr)
		}
	}

	cfg.applyDefaults(md)
	cfg.applyEnv()
	cfg.expandPaths()
	return cfg, nil
}

// applyDefaults fills unset fields. The numeric engine knobs use key
// presence rather than the zero value, so max_retries = 0 stays a valid
// "never retry" configuration.
func (c *Config) applyDefaults(md toml.MetaData) {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.DBPath == "" {
		c.DBPath = DefaultDBPath()
	}
	if c.DownloadDir == "" {
		c.DownloadDir = DefaultDownloadDir()
	}
	if !md.IsDefined("engine", "max_retries") {
		c.Engine.MaxRetries = 3
	}
	if !md.IsDefined("engine", "base_backoff_ms") {
		c.Engine.BaseBackoffMs = 500
	}
	if !md.IsDefined("engine", "max_backoff_ms") {
		c.Engine.MaxBackoffMs = 60_000
	}
	if !md.IsDefined("engine", "progress_emit_interval_ms") {
		c.Engine.ProgressEmitIntervalMs = 500
	}
	if c.Backend.Type == "" {
		c.Backend.Type = "ytdlp"
	}
	if len(c.Filters) == 0 {
		c.Filters = DefaultFilters()
	}
}

func (c *Config) applyEnv() {
	if addr := os.Getenv("FETCHQ_ADDR"); addr != "" {
		c.ListenAddr = addr
	}
	if db := os.Getenv("FETCHQ_DB"); db != "" {
		c.DBPath = db
	}
	if dir := os.Getenv("FETCHQ_DOWNLOAD_DIR"); dir != "" {
		c.DownloadDir = dir
	}
	if secret := os.Getenv("FETCHQ_SECRET"); secret != "" {
		c.SubmitSecret = secret
	}
	if workers := os.Getenv("FETCHQ_MAX_WORKERS"); workers != "" {
		if n, err := strconv.Atoi(workers); err == nil {
			c.Engine.MaxWorkers = n
		}
	}
}

func (c *Config) expandPaths() {
	c.DBPath = ExpandPath(c.DBPath)
	c.DownloadDir = ExpandPath(c.DownloadDir)
	for i, root := range c.AllowedRoots {
		c.AllowedRoots[i] = ExpandPath(root)
	}

	// The default destination is always an allowed root.
	for _, root := range c.AllowedRoots {
		if root == c.DownloadDir {
			return
		}
	}
	c.AllowedRoots = append(c.AllowedRoots, c.DownloadDir)
}

// DefaultFilters returns the built-in NSFW blocklist chain used when the
// config file defines no filters of its own.
func DefaultFilters() []FilterConfig {
	return []FilterConfig{
		{
			Type: "domains",
			Name: "nsfw-domains",
			Domains: []string{
				"pornhub.com", "xvideos.com", "xhamster.com", "redtube.com",
				"youporn.com", "tube8.com", "spankbang.com", "xnxx.com",
				"beeg.com", "sex.com",
			},
		},
		{
			Type: "keywords",
			Name: "nsfw-keywords",
			Keywords: []string{
				"porn", "xxx", "sex", "nude", "naked",
				"adult", "nsfw", "erotic", "fetish",
			},
		},
	}
}
