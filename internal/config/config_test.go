package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "phpscan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
parameters:
  level: max
  paths: [src, /abs/lib]
  excludePaths: [src/Generated]
  parallel:
    maximumNumberOfProcesses: 3
    jobSize: 5
    processTimeout: 90s
  resultCache:
    driver: redis
    redisAddr: cache:6379
    ttl: 24h
  dashboard:
    enabled: true
`)
	base := filepath.Dir(path)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, Level(9), cfg.Level)
	assert.Equal(t, []string{filepath.Join(base, "src"), "/abs/lib"}, cfg.Paths)
	assert.Equal(t, []string{filepath.Join(base, "src/Generated")}, cfg.ExcludePaths)
	assert.Equal(t, []string{"php"}, cfg.FileExtensions)

	assert.Equal(t, 3, cfg.Parallel.MaximumNumberOfProcesses)
	assert.Equal(t, 5, cfg.Parallel.JobSize)
	assert.Equal(t, 2, cfg.Parallel.MinimumNumberOfJobsPerProcess)
	assert.Equal(t, 90*time.Second, cfg.Parallel.ProcessTimeout)
	assert.Equal(t, 1, cfg.Parallel.Retries)

	assert.Equal(t, "redis", cfg.ResultCache.Driver)
	assert.Equal(t, "cache:6379", cfg.ResultCache.RedisAddr)
	assert.Equal(t, 24*time.Hour, cfg.ResultCache.TTL)

	assert.True(t, cfg.Dashboard.Enabled)
	assert.Equal(t, "127.0.0.1:8095", cfg.Dashboard.Address)
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Parallel, cfg.Parallel)
	assert.Equal(t, "sqlite", cfg.ResultCache.Driver)
}

func TestLoadEmptyFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.Parallel.JobSize)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("PHPSCAN_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("PHPSCAN_HISTORY_DSN", "host=db user=scan dbname=scan")
	t.Setenv("PHPSCAN_WORKERS", "7")

	cfg, err := Load(writeConfig(t, "parameters:\n  parallel:\n    maximumNumberOfProcesses: 2\n"))
	require.NoError(t, err)

	assert.Equal(t, "redis.internal:6380", cfg.ResultCache.RedisAddr)
	assert.Equal(t, "host=db user=scan dbname=scan", cfg.History.DSN)
	assert.Equal(t, 7, cfg.Parallel.MaximumNumberOfProcesses)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"level out of range", "parameters:\n  level: 12\n"},
		{"level not a number", "parameters:\n  level: strict\n"},
		{"zero job size", "parameters:\n  parallel:\n    jobSize: 0\n"},
		{"negative retries", "parameters:\n  parallel:\n    retries: -1\n"},
		{"unknown driver", "parameters:\n  resultCache:\n    driver: memcached\n"},
		{"no extensions", "parameters:\n  fileExtensions: []\n"},
		{"dashboard without address", "parameters:\n  dashboard:\n    enabled: true\n    address: \"\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, "parameters:\n  levl: 3\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config file")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{"0": 0, "4": 4, " 9 ": 9, "max": 9, "MAX": 9} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"", "-1", "10", "high"} {
		_, err := ParseLevel(in)
		assert.ErrorIs(t, err, ErrInvalid, in)
	}
}

func TestParseMemoryLimit(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"-1", Unlimited},
		{"1048576", 1 << 20},
		{"128K", 128 << 10},
		{"512M", 512 << 20},
		{"2g", 2 << 30},
		{"256MiB", 256 << 20},
		{"1GB", 1000 * 1000 * 1000},
	}
	for _, tt := range tests {
		got, err := ParseMemoryLimit(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, in := range []string{"", "0", "lots", "12X"} {
		_, err := ParseMemoryLimit(in)
		assert.ErrorIs(t, err, ErrInvalid, in)
	}
}

func TestLocate(t *testing.T) {
	assert.Equal(t, "custom.yaml", Locate("custom.yaml"))

	dir := t.TempDir()
	t.Chdir(dir)
	assert.Equal(t, "", Locate(""))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "phpscan.yaml.dist"), nil, 0o644))
	assert.Equal(t, "phpscan.yaml.dist", Locate(""))
}
