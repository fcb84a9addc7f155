package cli

import (
	"errors"
	"fmt"
	"log"
	"math"
	"net"
	"os"
	"os/signal"
	"runtime/debug"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/taskmgr818/phpscan/internal/config"
	"github.com/taskmgr818/phpscan/internal/files"
	"github.com/taskmgr818/phpscan/internal/rules"
	"github.com/taskmgr818/phpscan/internal/worker"
)

type workerFlags struct {
	paths         []string
	pathsFile     string
	configuration string
	level         string
	autoloadFile  string
	memoryLimit   string
	allowDebugger bool
	port          int
	identifier    string
	debug         bool
}

func newWorkerCommand() *cobra.Command {
	var f workerFlags
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run an analysis worker (launched by analyse)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker(cmd, &f)
		},
	}

	fl := cmd.Flags()
	fl.StringSliceVar(&f.paths, "paths", nil, "paths the job covers")
	fl.StringVar(&f.pathsFile, "paths-file", "", "file listing the paths the job covers")
	fl.StringVarP(&f.configuration, "configuration", "c", "", "configuration file")
	fl.StringVarP(&f.level, "level", "l", "", "analysis level (0-9 or max)")
	fl.StringVar(&f.autoloadFile, "autoload-file", "", "project bootstrap file")
	fl.StringVar(&f.memoryLimit, "memory-limit", "", "memory limit, e.g. 512M or -1")
	fl.BoolVar(&f.allowDebugger, "allow-debugger", false, "allow running with a debugger attached")
	fl.IntVar(&f.port, "port", 0, "coordinator port on 127.0.0.1")
	fl.StringVar(&f.identifier, "identifier", "", "identity to present to the coordinator")
	fl.BoolVar(&f.debug, "debug", false, "log every batch")
	cmd.MarkFlagRequired("port")
	cmd.MarkFlagRequired("identifier")

	return cmd
}

// setupWorker resolves everything the worker needs before it connects.
func setupWorker(f *workerFlags) (*worker.Worker, error) {
	if f.port < 1 || f.port > 65535 {
		return nil, fmt.Errorf("--port %d out of range", f.port)
	}
	if f.identifier == "" {
		return nil, errors.New("--identifier must not be empty")
	}

	cfg, err := config.Load(config.Locate(f.configuration))
	if err != nil {
		return nil, err
	}

	level := cfg.Level
	if f.level != "" {
		if level, err = config.ParseLevel(f.level); err != nil {
			return nil, err
		}
	}

	paths := f.paths
	if f.pathsFile != "" {
		fromFile, err := files.ReadPathsFile(f.pathsFile)
		if err != nil {
			return nil, err
		}
		paths = append(paths, fromFile...)
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("path %s: %w", p, err)
		}
	}

	if f.autoloadFile != "" {
		af, err := os.Open(f.autoloadFile)
		if err != nil {
			return nil, fmt.Errorf("autoload file: %w", err)
		}
		info, err := af.Stat()
		af.Close()
		if err != nil {
			return nil, fmt.Errorf("autoload file: %w", err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("autoload file %s is a directory", f.autoloadFile)
		}
	}

	if f.memoryLimit != "" {
		limit, err := config.ParseMemoryLimit(f.memoryLimit)
		if err != nil {
			return nil, err
		}
		if limit == config.Unlimited {
			limit = math.MaxInt64
		}
		debug.SetMemoryLimit(limit)
	}

	w := worker.New(f.identifier, net.JoinHostPort("127.0.0.1", strconv.Itoa(f.port)), rules.New(int(level)))
	w.Verbose = f.debug
	return w, nil
}

func runWorker(cmd *cobra.Command, f *workerFlags) error {
	if f.debug {
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	}

	w, err := setupWorker(f)
	if err != nil {
		return setupError(err)
	}
	if f.allowDebugger {
		log.Printf("[worker %s] debugger allowed", f.identifier)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := w.Run(ctx); err != nil {
		return &ExitError{Code: ExitSetup, Err: err}
	}
	return nil
}
