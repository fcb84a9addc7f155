// Package runner drives one `analyse` invocation: it collects the files,
// serves what it can from the result cache, hands the rest to the
// coordinator and stores the fresh results back.
package runner

import (
	"context"
	"fmt"
	"log"
	"os"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/taskmgr818/phpscan/internal/cache"
	"github.com/taskmgr818/phpscan/internal/coordinator"
	"github.com/taskmgr818/phpscan/internal/files"
	"github.com/taskmgr818/phpscan/internal/model"
	"github.com/taskmgr818/phpscan/internal/rules"
	"github.com/taskmgr818/phpscan/internal/worker"
)

// Options configures a Runner.
type Options struct {
	Level      int
	Extensions []string
	Excludes   []string

	Coordinator *coordinator.Coordinator
	// Cache defaults to cache.Nop.
	Cache cache.Store
	// InProcess analyses everything in this process with Analyzer instead
	// of launching workers.
	InProcess bool
	Analyzer  worker.FileAnalyzer

	// Concurrency bounds parallel cache lookups; defaults to GOMAXPROCS.
	Concurrency int
}

// Summary is the outcome of a run.
type Summary struct {
	Report   *model.Report
	Files    int
	Cached   int
	Bytes    uint64
	Elapsed  time.Duration
	JobError error
}

// Runner runs analyses.
type Runner struct {
	opts Options
}

func New(opts Options) *Runner {
	if opts.Cache == nil {
		opts.Cache = cache.Nop{}
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = runtime.GOMAXPROCS(0)
	}
	if opts.Analyzer == nil {
		opts.Analyzer = rules.New(opts.Level)
	}
	return &Runner{opts: opts}
}

type lookup struct {
	file  string
	key   string
	size  int
	entry *cache.Entry
}

// Run analyses every file found under paths. A job-level failure is reported
// in Summary.JobError alongside the partial report; the returned error is
// for failures before any analysis started.
func (r *Runner) Run(ctx context.Context, paths []string) (*Summary, error) {
	start := time.Now()

	finder := &files.Finder{Extensions: r.opts.Extensions, Excludes: r.opts.Excludes}
	found, err := finder.Find(paths)
	if err != nil {
		return nil, err
	}

	lookups, err := r.lookupAll(ctx, found)
	if err != nil {
		return nil, err
	}

	sum := &Summary{Files: len(found)}
	var pending []string
	cached := &model.Report{Errors: []model.Diagnostic{}}
	for _, l := range lookups {
		sum.Bytes += uint64(l.size)
		if l.entry == nil {
			pending = append(pending, l.file)
			continue
		}
		sum.Cached++
		cached.Merge(model.AnalysisResult{
			Errors:     l.entry.Diagnostics,
			FilesCount: 1,
			HasInferrablePropertyTypesFromConstructor: l.entry.HasInferrablePropertyTypesFromConstructor,
		})
	}
	log.Printf("[runner] %d files, %d from cache, %d to analyse", len(found), sum.Cached, len(pending))

	var report *model.Report
	switch {
	case len(pending) == 0:
		report = &model.Report{Errors: []model.Diagnostic{}}
	case r.opts.InProcess:
		report, sum.JobError = r.opts.Coordinator.RunInProcess(ctx, pending, r.opts.Analyzer)
	default:
		report, sum.JobError = r.opts.Coordinator.Run(ctx, pending)
	}
	if report == nil {
		report = &model.Report{Errors: []model.Diagnostic{}}
	}

	if sum.JobError == nil {
		r.store(ctx, lookups, report)
	}

	report.MergeReport(*cached)
	sum.Report = report
	sum.Elapsed = time.Since(start)
	return sum, nil
}

// lookupAll hashes every file and checks the cache, in parallel.
// Unreadable files are left to the analyzer, which reports them.
func (r *Runner) lookupAll(ctx context.Context, found []string) ([]lookup, error) {
	out := make([]lookup, len(found))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)
	for i, file := range found {
		g.Go(func() error {
			out[i].file = file
			content, err := os.ReadFile(file)
			if err != nil {
				return nil
			}
			out[i].size = len(content)
			out[i].key = cache.Key(rules.Version, r.opts.Level, file, content)

			entry, ok, err := r.opts.Cache.Get(ctx, out[i].key)
			if err != nil {
				log.Printf("[cache] lookup %s: %v", file, err)
				return ctx.Err()
			}
			if ok {
				out[i].entry = entry
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("cache lookup: %w", err)
	}
	return out, nil
}

// store caches the fresh results. Files with an internal error are skipped.
func (r *Runner) store(ctx context.Context, lookups []lookup, report *model.Report) {
	diags := make(map[string][]model.Diagnostic)
	failed := make(map[string]bool)
	for _, d := range report.Errors {
		if d.IsFileSpecific {
			diags[d.File] = append(diags[d.File], d)
		} else if d.File != "" {
			failed[d.File] = true
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)
	for _, l := range lookups {
		if l.entry != nil || l.key == "" || failed[l.file] {
			continue
		}
		entry := &cache.Entry{Diagnostics: diags[l.file]}
		g.Go(func() error {
			if err := r.opts.Cache.Put(ctx, l.key, entry); err != nil {
				log.Printf("[cache] store %s: %v", l.file, err)
			}
			return nil
		})
	}
	g.Wait()
}
