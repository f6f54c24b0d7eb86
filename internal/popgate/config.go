package popgate

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
	} `yaml:"server"`

	// Version tags the current partition set. Bumping it makes every
	// previously tagged partition stale; activation deletes them.
	Version string `yaml:"version"`

	Routes struct {
		PopAPI   string `yaml:"popApi"`
		API      string `yaml:"api"`
		PopPages string `yaml:"popPages"`
	} `yaml:"routes"`

	Cache struct {
		Path        string   `yaml:"path"`
		Freshness   string   `yaml:"freshness"`
		MaxEntry    string   `yaml:"maxEntry"`
		OfflinePage string   `yaml:"offlinePage"`
		Precache    []string `yaml:"precache"`

		// compiled
		freshDur time.Duration
		maxEntry int64
	} `yaml:"cache"`

	Queue struct {
		Path string `yaml:"path"`
	} `yaml:"queue"`

	Sync struct {
		ProbeInterval string `yaml:"probeInterval"`
		ProbePath     string `yaml:"probePath"`

		// compiled
		probeDur time.Duration
	} `yaml:"sync"`
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
	if err := cfg.finalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// finalize applies defaults, validates, and compiles duration/size fields.
func (c *Config) finalize() error {
	if c.Server.Port == 0 {
		c.Server.Port = 8090
	}
	if c.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	c.Server.Origin = strings.TrimRight(c.Server.Origin, "/")

	if c.Version == "" {
		c.Version = "v1"
	}
	if strings.Contains(c.Version, ":") {
		return fmt.Errorf("version must not contain ':'")
	}

	if c.Routes.PopAPI == "" {
		c.Routes.PopAPI = "/api/pop/"
	}
	if c.Routes.API == "" {
		c.Routes.API = "/api/"
	}
	if c.Routes.PopPages == "" {
		c.Routes.PopPages = "/pop/"
	}
	for _, p := range []string{c.Routes.PopAPI, c.Routes.API, c.Routes.PopPages} {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("route prefix %q must start with /", p)
		}
	}

	if c.Cache.Path == "" {
		c.Cache.Path = "./data/cache"
	}
	if c.Queue.Path == "" {
		c.Queue.Path = "./data/queue"
	}

	if c.Cache.Freshness == "" {
		c.Cache.Freshness = "5m"
	}
	d, err := time.ParseDuration(c.Cache.Freshness)
	if err != nil {
		return fmt.Errorf("cache.freshness: %w", err)
	}
	c.Cache.freshDur = d

	if c.Cache.MaxEntry == "" {
		c.Cache.MaxEntry = "4mb"
	}
	n, err := parseSize(c.Cache.MaxEntry)
	if err != nil {
		return fmt.Errorf("cache.maxEntry: %w", err)
	}
	c.Cache.maxEntry = n

	if c.Cache.OfflinePage == "" {
		c.Cache.OfflinePage = "/offline.html"
	}
	if len(c.Cache.Precache) == 0 {
		c.Cache.Precache = []string{"/", c.Cache.OfflinePage}
	}
	if !containsString(c.Cache.Precache, c.Cache.OfflinePage) {
		c.Cache.Precache = append(c.Cache.Precache, c.Cache.OfflinePage)
	}

	if c.Sync.ProbeInterval == "" {
		c.Sync.ProbeInterval = "15s"
	}
	pd, err := time.ParseDuration(c.Sync.ProbeInterval)
	if err != nil {
		return fmt.Errorf("sync.probeInterval: %w", err)
	}
	c.Sync.probeDur = pd
	if c.Sync.ProbePath == "" {
		c.Sync.ProbePath = "/"
	}

	return nil
}

// parseSize reads a byte size like "512kb", "4mb" or "1.5g". A bare number
// is taken as bytes.
func parseSize(s string) (int64, error) {
	in := strings.ToLower(strings.TrimSpace(s))
	if in == "" {
		return 0, fmt.Errorf("size is empty")
	}

	mult := int64(1)
	for _, u := range []struct {
		suffix string
		mult   int64
	}{
		{"kb", 1 << 10}, {"mb", 1 << 20}, {"gb", 1 << 30},
		{"k", 1 << 10}, {"m", 1 << 20}, {"g", 1 << 30},
		{"b", 1},
	} {
		if strings.HasSuffix(in, u.suffix) {
			mult = u.mult
			in = strings.TrimSpace(strings.TrimSuffix(in, u.suffix))
			break
		}
	}
	if in == "" {
		return 0, fmt.Errorf("size %q has no number", s)
	}

	v, err := strconv.ParseFloat(in, 64)
	if err != nil {
		return 0, fmt.Errorf("size %q: %w", s, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("size %q is negative", s)
	}
	return int64(v * float64(mult)), nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
