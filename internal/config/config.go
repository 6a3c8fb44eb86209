package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"swkit/internal/log"
)

const DefaultPath = "swkit.yaml"

// ValidationError aggregates config validation issues.
type ValidationError struct {
	Issues []string
}

func (v ValidationError) Error() string {
	if len(v.Issues) == 1 {
		return v.Issues[0]
	}
	return fmt.Sprintf("config validation failed: %s", strings.Join(v.Issues, "; "))
}

type Config struct {
	// Root is the project directory every path below is relative to.
	Root   string `yaml:"root"`
	OutDir string `yaml:"outDir"`

	Build struct {
		Command    []string          `yaml:"command"`
		DevCommand []string          `yaml:"devCommand"`
		Env        map[string]string `yaml:"env"`
		Timeout    string            `yaml:"timeout"`
	} `yaml:"build"`

	Version struct {
		PackageFile  string   `yaml:"packageFile"`
		ConfigFiles  []string `yaml:"configFiles"`
		SourceDirs   []string `yaml:"sourceDirs"`
		Extensions   []string `yaml:"extensions"`
		Reproducible bool     `yaml:"reproducible"`
		GitTimeout   string   `yaml:"gitTimeout"`
	} `yaml:"version"`

	Worker struct {
		Template      string   `yaml:"template"`
		Output        string   `yaml:"output"`
		AssetExts     []string `yaml:"assetExtensions"`
		AuxFiles      []string `yaml:"auxFiles"`
		RuntimeMax    string   `yaml:"runtimeMax"`
		LogStatsEvery string   `yaml:"logStatsEvery"`
		Features      Features `yaml:"features"`
	} `yaml:"worker"`

	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`

	Runtime struct {
		AutoActivate        bool   `yaml:"autoActivate"`
		RequestTimeout      string `yaml:"requestTimeout"`
		RefreshEvery        string `yaml:"refreshEvery"`
		UpdateCheckEvery    string `yaml:"updateCheckEvery"`
		PrefetchConcurrency int    `yaml:"prefetchConcurrency"`
	} `yaml:"runtime"`

	Logging log.Config `yaml:"logging"`

	// compiled
	buildTimeout     time.Duration
	gitTimeout       time.Duration
	runtimeMaxBytes  int64
	logStatsEvery    time.Duration
	requestTimeout   time.Duration
	refreshEvery     time.Duration
	updateCheckEvery time.Duration
}

// Features are the capability flags the worker advertises to pages. Pointers
// distinguish "unset" from an explicit false in yaml.
type Features struct {
	BackgroundSync    *bool `yaml:"backgroundSync"`
	PushNotifications *bool `yaml:"pushNotifications"`
	OfflineSupport    *bool `yaml:"offlineSupport"`
	CacheFirst        *bool `yaml:"cacheFirst"`
	NetworkFirst      *bool `yaml:"networkFirst"`
}

func (c *Config) BuildTimeout() time.Duration     { return c.buildTimeout }
func (c *Config) GitTimeout() time.Duration       { return c.gitTimeout }
func (c *Config) RuntimeMaxBytes() int64          { return c.runtimeMaxBytes }
func (c *Config) LogStatsEvery() time.Duration    { return c.logStatsEvery }
func (c *Config) RequestTimeout() time.Duration   { return c.requestTimeout }
func (c *Config) RefreshEvery() time.Duration     { return c.refreshEvery }
func (c *Config) UpdateCheckEvery() time.Duration { return c.updateCheckEvery }

// OutPath returns the absolute-or-root-relative output directory.
func (c *Config) OutPath() string {
	if filepath.IsAbs(c.OutDir) {
		return c.OutDir
	}
	return filepath.Join(c.Root, c.OutDir)
}

// Path joins p onto the project root unless it is already absolute.
func (c *Config) Path(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Root, p)
}

// LoadConfig reads path. A missing file yields the defaults, so a bare
// project builds without any configuration.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
		if cfg.Root == "" {
			cfg.Root = filepath.Dir(path)
		}
	case errors.Is(err, fs.ErrNotExist):
		cfg.Root = "."
	default:
		return Config{}, err
	}
	if err := cfg.Finalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns a finalized configuration rooted at root.
func Default(root string) Config {
	cfg := Config{Root: root}
	_ = cfg.Finalize()
	return cfg
}

// Finalize applies defaults and compiles durations and sizes.
func (c *Config) Finalize() error {
	c.applyDefaults()

	var issues []string
	parseDur := func(field, v string, dst *time.Duration) {
		if v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			issues = append(issues, fmt.Sprintf("%s: %v", field, err))
			return
		}
		if d < 0 {
			issues = append(issues, fmt.Sprintf("%s: must not be negative", field))
			return
		}
		*dst = d
	}
	parseDur("build.timeout", c.Build.Timeout, &c.buildTimeout)
	parseDur("version.gitTimeout", c.Version.GitTimeout, &c.gitTimeout)
	parseDur("worker.logStatsEvery", c.Worker.LogStatsEvery, &c.logStatsEvery)
	parseDur("runtime.requestTimeout", c.Runtime.RequestTimeout, &c.requestTimeout)
	parseDur("runtime.refreshEvery", c.Runtime.RefreshEvery, &c.refreshEvery)
	parseDur("runtime.updateCheckEvery", c.Runtime.UpdateCheckEvery, &c.updateCheckEvery)

	if c.Worker.RuntimeMax != "" {
		n, err := ParseBytes(c.Worker.RuntimeMax)
		if err != nil {
			issues = append(issues, fmt.Sprintf("worker.runtimeMax: %v", err))
		}
		c.runtimeMaxBytes = n
	}

	if len(c.Build.Command) == 0 {
		issues = append(issues, "build.command must not be empty")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		issues = append(issues, "server.port must be in [0,65535]")
	}
	if c.Runtime.PrefetchConcurrency <= 0 {
		issues = append(issues, "runtime.prefetchConcurrency must be > 0")
	}
	for i, ext := range c.Version.Extensions {
		if !strings.HasPrefix(ext, ".") {
			issues = append(issues, fmt.Sprintf("version.extensions[%d]: %q must start with a dot", i, ext))
		}
	}

	if len(issues) > 0 {
		return ValidationError{Issues: issues}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Root == "" {
		c.Root = "."
	}
	if c.OutDir == "" {
		c.OutDir = "dist"
	}
	if len(c.Build.Command) == 0 {
		c.Build.Command = []string{"npm", "run", "build"}
	}
	if len(c.Build.DevCommand) == 0 {
		c.Build.DevCommand = append(append([]string{}, c.Build.Command...), "--", "--mode", "development", "--minify", "false")
	}
	if c.Build.Timeout == "" {
		c.Build.Timeout = "10m"
	}
	if c.Version.PackageFile == "" {
		c.Version.PackageFile = "package.json"
	}
	if c.Version.ConfigFiles == nil {
		c.Version.ConfigFiles = []string{"vite.config.js", "vite.config.ts"}
	}
	if c.Version.SourceDirs == nil {
		c.Version.SourceDirs = []string{"src"}
	}
	if c.Version.Extensions == nil {
		c.Version.Extensions = []string{".js", ".jsx", ".ts", ".tsx", ".css", ".html", ".json", ".md", ".mdx"}
	}
	if c.Version.GitTimeout == "" {
		c.Version.GitTimeout = "5s"
	}
	if c.Worker.Template == "" {
		c.Worker.Template = "public/sw.js"
	}
	if c.Worker.Output == "" {
		c.Worker.Output = "sw.js"
	}
	if c.Worker.AssetExts == nil {
		c.Worker.AssetExts = []string{
			".js", ".css", ".json", ".html",
			".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp", ".ico",
			".woff", ".woff2", ".ttf",
		}
	}
	if c.Worker.AuxFiles == nil {
		c.Worker.AuxFiles = []string{"public/offline.html", "public/404.html", "public/manifest.json"}
	}
	if c.Worker.RuntimeMax == "" {
		c.Worker.RuntimeMax = "50mb"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 4173
	}
	if c.Runtime.PrefetchConcurrency == 0 {
		c.Runtime.PrefetchConcurrency = 6
	}
	if c.Logging.Level == "" {
		c.Logging.Level = log.DefaultConfig.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = log.DefaultConfig.Format
	}
}
