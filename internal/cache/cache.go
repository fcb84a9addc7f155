// Package cache stores per-file analysis results keyed by file content, so
// unchanged files are not dispatched to workers again.
package cache

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/taskmgr818/phpscan/internal/model"
)

// Entry is the cached outcome of analysing one file.
type Entry struct {
	Diagnostics                               []model.Diagnostic `json:"diagnostics"`
	HasInferrablePropertyTypesFromConstructor bool               `json:"hasInferrablePropertyTypesFromConstructor"`
}

// Store is a result cache backend.
type Store interface {
	// Get returns the entry for key; ok is false on a miss.
	Get(ctx context.Context, key string) (e *Entry, ok bool, err error)
	Put(ctx context.Context, key string, e *Entry) error
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Driver        string // none | sqlite | redis
	Path          string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TTL           time.Duration
}

// Open creates the backend named by opts.Driver.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case "", "none":
		return Nop{}, nil
	case "sqlite":
		return NewSQLite(opts.Path, opts.TTL)
	case "redis":
		return NewRedis(ctx, opts.RedisAddr, opts.RedisPassword, opts.RedisDB, opts.TTL)
	default:
		return nil, fmt.Errorf("unknown cache driver %q", opts.Driver)
	}
}

// Key identifies one analysis of file: the rule set version, the level,
// the path and the content all take part.
func Key(rulesVersion string, level int, file string, content []byte) string {
	h, _ := blake2b.New256(nil)
	for _, part := range []string{rulesVersion, strconv.Itoa(level), file} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil))
}

func encode(e *Entry) ([]byte, error) {
	if e.Diagnostics == nil {
		e = &Entry{Diagnostics: []model.Diagnostic{}, HasInferrablePropertyTypesFromConstructor: e.HasInferrablePropertyTypesFromConstructor}
	}
	return json.Marshal(e)
}

func decode(data []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	return &e, nil
}

// Nop caches nothing.
type Nop struct{}

func (Nop) Get(context.Context, string) (*Entry, bool, error) { return nil, false, nil }
func (Nop) Put(context.Context, string, *Entry) error         { return nil }
func (Nop) Close() error                                       { return nil }
