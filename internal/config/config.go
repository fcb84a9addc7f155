package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/taskmgr818/phpscan/internal/rules"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// DefaultFiles are looked up in the working directory when no file is given.
var DefaultFiles = []string{"phpscan.yaml", "phpscan.yaml.dist"}

// Config holds the analysis settings.
type Config struct {
	Level          Level    `yaml:"level"`
	Paths          []string `yaml:"paths"`
	ExcludePaths   []string `yaml:"excludePaths"`
	FileExtensions []string `yaml:"fileExtensions"`

	Parallel struct {
		MaximumNumberOfProcesses      int           `yaml:"maximumNumberOfProcesses"`
		JobSize                       int           `yaml:"jobSize"`
		MinimumNumberOfJobsPerProcess int           `yaml:"minimumNumberOfJobsPerProcess"`
		ProcessTimeout                time.Duration `yaml:"processTimeout"`
		HandshakeTimeout              time.Duration `yaml:"handshakeTimeout"`
		Retries                       int           `yaml:"retries"`
	} `yaml:"parallel"`

	ResultCache struct {
		Driver        string        `yaml:"driver"` // none | sqlite | redis
		Path          string        `yaml:"path"`
		RedisAddr     string        `yaml:"redisAddr"`
		RedisPassword string        `yaml:"redisPassword"`
		RedisDB       int           `yaml:"redisDB"`
		TTL           time.Duration `yaml:"ttl"`
	} `yaml:"resultCache"`

	History struct {
		DSN string `yaml:"dsn"` // PostgreSQL DSN; empty disables history
	} `yaml:"history"`

	Dashboard struct {
		Enabled bool   `yaml:"enabled"`
		Address string `yaml:"address"`
	} `yaml:"dashboard"`
}

type file struct {
	Parameters *Config `yaml:"parameters"`
}

// Default returns the built-in settings.
func Default() *Config {
	var cfg Config
	cfg.Level = 0
	cfg.FileExtensions = []string{"php"}
	cfg.Parallel.MaximumNumberOfProcesses = runtime.NumCPU()
	cfg.Parallel.JobSize = 20
	cfg.Parallel.MinimumNumberOfJobsPerProcess = 2
	cfg.Parallel.ProcessTimeout = 10 * time.Minute
	cfg.Parallel.HandshakeTimeout = 30 * time.Second
	cfg.Parallel.Retries = 1
	cfg.ResultCache.Driver = "sqlite"
	cfg.ResultCache.Path = filepath.Join(".phpscan", "cache.db")
	cfg.ResultCache.RedisAddr = "localhost:6379"
	cfg.ResultCache.TTL = 7 * 24 * time.Hour
	cfg.Dashboard.Address = "127.0.0.1:8095"
	return &cfg
}

// Locate returns explicit, or the first default file present in the working
// directory, or "" when there is none.
func Locate(explicit string) string {
	if explicit != "" {
		return explicit
	}
	for _, name := range DefaultFiles {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	return ""
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path loads defaults only.
// Relative paths in the file are resolved against the file's directory.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&file{Parameters: cfg}); err != nil && err != io.EOF {
			return nil, fmt.Errorf("parse config file: %w", err)
		}

		base := filepath.Dir(path)
		cfg.Paths = resolve(base, cfg.Paths)
		cfg.ExcludePaths = resolve(base, cfg.ExcludePaths)
		if cfg.ResultCache.Path != "" && !filepath.IsAbs(cfg.ResultCache.Path) {
			cfg.ResultCache.Path = filepath.Join(base, cfg.ResultCache.Path)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and required combinations.
func (c *Config) Validate() error {
	if c.Level < 0 || int(c.Level) > rules.MaxLevel {
		return fmt.Errorf("%w: level must be between 0 and %d", ErrInvalid, rules.MaxLevel)
	}
	if len(c.FileExtensions) == 0 {
		return fmt.Errorf("%w: fileExtensions must not be empty", ErrInvalid)
	}

	p := c.Parallel
	switch {
	case p.MaximumNumberOfProcesses < 1:
		return fmt.Errorf("%w: parallel.maximumNumberOfProcesses must be at least 1", ErrInvalid)
	case p.JobSize < 1:
		return fmt.Errorf("%w: parallel.jobSize must be at least 1", ErrInvalid)
	case p.MinimumNumberOfJobsPerProcess < 1:
		return fmt.Errorf("%w: parallel.minimumNumberOfJobsPerProcess must be at least 1", ErrInvalid)
	case p.ProcessTimeout < 0 || p.HandshakeTimeout < 0:
		return fmt.Errorf("%w: parallel timeouts must not be negative", ErrInvalid)
	case p.Retries < 0:
		return fmt.Errorf("%w: parallel.retries must not be negative", ErrInvalid)
	}

	rc := c.ResultCache
	switch rc.Driver {
	case "none", "":
	case "sqlite":
		if rc.Path == "" {
			return fmt.Errorf("%w: resultCache.path is required for the sqlite driver", ErrInvalid)
		}
	case "redis":
		if rc.RedisAddr == "" {
			return fmt.Errorf("%w: resultCache.redisAddr is required for the redis driver", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown resultCache.driver %q", ErrInvalid, rc.Driver)
	}
	if rc.TTL < 0 {
		return fmt.Errorf("%w: resultCache.ttl must not be negative", ErrInvalid)
	}

	if c.Dashboard.Enabled && c.Dashboard.Address == "" {
		return fmt.Errorf("%w: dashboard.address is required when the dashboard is enabled", ErrInvalid)
	}
	return nil
}

func resolve(base string, paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if !filepath.IsAbs(p) {
			p = filepath.Join(base, p)
		}
		out = append(out, p)
	}
	return out
}

func applyEnv(c *Config) {
	c.ResultCache.RedisAddr = envOr("PHPSCAN_REDIS_ADDR", c.ResultCache.RedisAddr)
	c.ResultCache.RedisPassword = envOr("PHPSCAN_REDIS_PASSWORD", c.ResultCache.RedisPassword)
	c.History.DSN = envOr("PHPSCAN_HISTORY_DSN", c.History.DSN)
	c.Parallel.MaximumNumberOfProcesses = envIntOr("PHPSCAN_WORKERS", c.Parallel.MaximumNumberOfProcesses)
}

// ─── level ───

// Level is an analysis level, 0 to rules.MaxLevel. "max" is accepted as an alias.
type Level int

// ParseLevel parses a level given as a number or "max".
func ParseLevel(s string) (Level, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "max") {
		return Level(rules.MaxLevel), nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > rules.MaxLevel {
		return 0, fmt.Errorf("%w: level %q must be 0-%d or \"max\"", ErrInvalid, s, rules.MaxLevel)
	}
	return Level(n), nil
}

func (l *Level) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := ParseLevel(node.Value)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ─── memory limit ───

// Unlimited is returned by ParseMemoryLimit for "-1".
const Unlimited int64 = -1

// ParseMemoryLimit parses an ini-style memory size: "-1", a byte count, or a
// number with a K, M or G suffix (binary multiples). Longer units such as
// "512MiB" or "1.5GB" are also accepted.
func ParseMemoryLimit(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "-1" {
		return Unlimited, nil
	}
	if s == "" {
		return 0, fmt.Errorf("%w: empty memory limit", ErrInvalid)
	}

	if last := s[len(s)-1]; strings.ContainsRune("kKmMgG", rune(last)) {
		s = s[:len(s)-1] + strings.ToUpper(string(last)) + "iB"
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%w: memory limit %q: %v", ErrInvalid, s, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: memory limit must be positive or -1", ErrInvalid)
	}
	return int64(n), nil
}

// ─── helpers ───

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
