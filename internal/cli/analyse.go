package cli

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/taskmgr818/phpscan/internal/cache"
	"github.com/taskmgr818/phpscan/internal/config"
	"github.com/taskmgr818/phpscan/internal/coordinator"
	"github.com/taskmgr818/phpscan/internal/dashboard"
	"github.com/taskmgr818/phpscan/internal/files"
	"github.com/taskmgr818/phpscan/internal/rules"
	"github.com/taskmgr818/phpscan/internal/runner"
	"github.com/taskmgr818/phpscan/internal/store"
)

type analyseFlags struct {
	configuration string
	level         string
	autoloadFile  string
	memoryLimit   string
	debug         bool
	noCache       bool
	dashboard     bool
}

func newAnalyseCommand() *cobra.Command {
	var f analyseFlags
	cmd := &cobra.Command{
		Use:     "analyse [paths...]",
		Aliases: []string{"analyze"},
		Short:   "Analyse PHP files across worker processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalyse(cmd, &f, args)
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.configuration, "configuration", "c", "", "configuration file")
	fl.StringVarP(&f.level, "level", "l", "", "analysis level (0-9 or max)")
	fl.StringVar(&f.autoloadFile, "autoload-file", "", "project bootstrap file, passed to workers")
	fl.StringVar(&f.memoryLimit, "memory-limit", "", "worker memory limit, e.g. 512M or -1")
	fl.BoolVar(&f.debug, "debug", false, "analyse in this process, one batch at a time, with verbose logs")
	fl.BoolVar(&f.noCache, "no-cache", false, "ignore and do not update the result cache")
	fl.BoolVar(&f.dashboard, "dashboard", false, "serve the progress dashboard")

	return cmd
}

func runAnalyse(cmd *cobra.Command, f *analyseFlags, args []string) error {
	if f.debug {
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	}

	cfgPath := config.Locate(f.configuration)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return setupError(err)
	}
	if f.level != "" {
		if cfg.Level, err = config.ParseLevel(f.level); err != nil {
			return setupError(err)
		}
	}
	if f.memoryLimit != "" {
		if _, err := config.ParseMemoryLimit(f.memoryLimit); err != nil {
			return setupError(err)
		}
	}

	paths := args
	if len(paths) == 0 {
		paths = cfg.Paths
	}
	if len(paths) == 0 {
		return setupError(files.ErrNoPaths)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	resultCache := openCache(ctx, cfg, f.noCache)
	defer resultCache.Close()

	var observers coordinator.Observers
	var history *store.Store
	if cfg.History.DSN != "" {
		if history, err = store.NewStore(cfg.History.DSN); err != nil {
			log.Printf("[store] history disabled: %v", err)
			history = nil
		} else {
			defer history.Close()
			observers = append(observers, history)
		}
	}

	if f.dashboard || cfg.Dashboard.Enabled {
		var h dashboard.History
		if history != nil {
			h = history
		}
		d := dashboard.New(h)
		observers = append(observers, d)

		dashCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := d.ServeHTTP(dashCtx, cfg.Dashboard.Address); err != nil {
				log.Printf("[dashboard] %v", err)
			}
		}()
	}

	launcher := &coordinator.ExecLauncher{Args: workerArgs(cfgPath, int(cfg.Level), f)}
	coord := coordinator.New(launcher, coordinatorOptions(cfg, f.debug), observers)

	sum, err := runner.New(runner.Options{
		Level:       int(cfg.Level),
		Extensions:  cfg.FileExtensions,
		Excludes:    cfg.ExcludePaths,
		Coordinator: coord,
		Cache:       resultCache,
		InProcess:   f.debug,
		Analyzer:    rules.New(int(cfg.Level)),
	}).Run(ctx, paths)
	if err != nil {
		return setupError(err)
	}

	if err := WriteReport(cmd.OutOrStdout(), sum); err != nil {
		return &ExitError{Code: ExitInternal, Err: err}
	}
	return exitFor(sum)
}

func openCache(ctx context.Context, cfg *config.Config, disabled bool) cache.Store {
	if disabled {
		return cache.Nop{}
	}
	rc := cfg.ResultCache
	s, err := cache.Open(ctx, cache.Options{
		Driver:        rc.Driver,
		Path:          rc.Path,
		RedisAddr:     rc.RedisAddr,
		RedisPassword: rc.RedisPassword,
		RedisDB:       rc.RedisDB,
		TTL:           rc.TTL,
	})
	if err != nil {
		log.Printf("[cache] result cache disabled: %v", err)
		return cache.Nop{}
	}
	if sq, ok := s.(*cache.SQLite); ok {
		if n, err := sq.Prune(ctx); err != nil {
			log.Printf("[cache] %v", err)
		} else if n > 0 {
			log.Printf("[cache] pruned %d expired entries", n)
		}
	}
	return s
}

func coordinatorOptions(cfg *config.Config, verbose bool) coordinator.Options {
	p := cfg.Parallel
	return coordinator.Options{
		MaxProcesses:      p.MaximumNumberOfProcesses,
		JobSize:           p.JobSize,
		MinJobsPerProcess: p.MinimumNumberOfJobsPerProcess,
		ProcessTimeout:    p.ProcessTimeout,
		HandshakeTimeout:  p.HandshakeTimeout,
		Retries:           p.Retries,
		Verbose:           verbose,
	}
}

// workerArgs are the flags forwarded to every launched worker.
func workerArgs(cfgPath string, level int, f *analyseFlags) []string {
	var args []string
	if cfgPath != "" {
		if abs, err := filepath.Abs(cfgPath); err == nil {
			cfgPath = abs
		}
		args = append(args, "--configuration="+cfgPath)
	}
	args = append(args, "--level="+strconv.Itoa(level))
	if f.autoloadFile != "" {
		args = append(args, "--autoload-file="+f.autoloadFile)
	}
	if f.memoryLimit != "" {
		args = append(args, "--memory-limit="+f.memoryLimit)
	}
	if f.debug {
		args = append(args, "--debug")
	}
	return args
}

// exitFor maps a finished run to the process exit code.
func exitFor(sum *runner.Summary) error {
	switch {
	case sum.JobError != nil:
		return &ExitError{Code: ExitInternal, Err: fmt.Errorf("analysis failed: %w", sum.JobError)}
	case sum.Report.InternalErrorsCount > 0:
		return &ExitError{Code: ExitInternal}
	case sum.Report.HasFindings():
		return &ExitError{Code: ExitFindings}
	default:
		return nil
	}
}
