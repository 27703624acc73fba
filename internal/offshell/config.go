package offshell

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port" env:"OFFSHELL_PORT"`
		Origin string `yaml:"origin" env:"OFFSHELL_ORIGIN"`
	} `yaml:"server"`

	Storage struct {
		DataDir string `yaml:"dataDir" env:"OFFSHELL_DATA_DIR"`
	} `yaml:"storage"`

	// Generation labels one install/activate cycle. Cache names are derived
	// from it; bumping it on deploy makes activation purge the old caches.
	Generation string `yaml:"generation"`

	// Budgets is the maximum entry count per cache partition.
	Budgets struct {
		Static  int `yaml:"static"`
		Dynamic int `yaml:"dynamic"`
		Images  int `yaml:"images"`
	} `yaml:"budgets"`

	Strategies struct {
		// NetworkFirst holds path substrings, checked first.
		NetworkFirst []string `yaml:"networkFirst"`
		// CacheFirst and StaleWhileRevalidate hold file extensions.
		CacheFirst           []string `yaml:"cacheFirst"`
		StaleWhileRevalidate []string `yaml:"staleWhileRevalidate"`
		// Shell holds literal paths for the static app shell.
		Shell []string `yaml:"shell"`
	} `yaml:"strategies"`

	// Precache is the shell-asset manifest fetched at install time.
	Precache []string `yaml:"precache"`

	// OfflinePath keys the stored offline document inside the static cache.
	OfflinePath string `yaml:"offlinePath"`

	Logging struct {
		StatsEvery string `yaml:"statsEvery"`

		statsEveryDur time.Duration
	} `yaml:"logging"`
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port == 0 {
		c.Server.Port = 8090
	}
	if c.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	c.Server.Origin = strings.TrimRight(c.Server.Origin, "/")

	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "./data/leveldb"
	}
	if c.Generation == "" {
		return fmt.Errorf("generation is required")
	}
	if strings.Contains(c.Generation, keySep) {
		return fmt.Errorf("generation must not contain %q", keySep)
	}
	if c.Budgets.Static == 0 {
		c.Budgets.Static = 50
	}
	if c.Budgets.Dynamic == 0 {
		c.Budgets.Dynamic = 100
	}
	if c.Budgets.Images == 0 {
		c.Budgets.Images = 200
	}

	for i, ext := range c.Strategies.CacheFirst {
		c.Strategies.CacheFirst[i] = normalizeExt(ext)
	}
	for i, ext := range c.Strategies.StaleWhileRevalidate {
		c.Strategies.StaleWhileRevalidate[i] = normalizeExt(ext)
	}
	for _, p := range append(append([]string{}, c.Strategies.Shell...), c.Precache...) {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("path %q must start with /", p)
		}
	}
	if c.OfflinePath != "" && !strings.HasPrefix(c.OfflinePath, "/") {
		return fmt.Errorf("offlinePath %q must start with /", c.OfflinePath)
	}

	if c.Logging.StatsEvery != "" {
		d, err := time.ParseDuration(c.Logging.StatsEvery)
		if err != nil {
			return fmt.Errorf("logging.statsEvery: %w", err)
		}
		c.Logging.statsEveryDur = d
	}
	return nil
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

// Cache names are "<generation>-<class>". The generation prefix is what lets
// activation tell current partitions from superseded ones.
const cacheSep = "-"

func (c *Config) StaticCache() string  { return c.Generation + cacheSep + "static" }
func (c *Config) DynamicCache() string { return c.Generation + cacheSep + "dynamic" }
func (c *Config) ImageCache() string   { return c.Generation + cacheSep + "images" }

func (c *Config) currentCaches() []string {
	return []string{c.StaticCache(), c.DynamicCache(), c.ImageCache()}
}

func (c *Config) budgetFor(cache string) int {
	switch cache {
	case c.StaticCache():
		return c.Budgets.Static
	case c.ImageCache():
		return c.Budgets.Images
	default:
		return c.Budgets.Dynamic
	}
}
