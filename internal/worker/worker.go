// Package worker implements the analysis worker: it connects out to its
// coordinator, introduces itself, then analyses every batch it is sent and
// reports one result per batch.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/taskmgr818/phpscan/internal/channel"
	"github.com/taskmgr818/phpscan/internal/model"
)

const (
	// DefaultDialTimeout bounds the outbound connection attempt.
	DefaultDialTimeout = 10 * time.Second
)

// ErrConnect is returned by Run when the coordinator cannot be reached.
var ErrConnect = errors.New("connect to coordinator")

// State is the lifecycle state of a worker connection.
type State int

const (
	StateConnecting State = iota
	StateHandshaking
	StateIdle
	StateAnalysing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateIdle:
		return "idle"
	case StateAnalysing:
		return "analysing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// FileAnalyzer analyses a single file. An error means the analyzer itself
// failed on the file; findings are returned as diagnostics.
type FileAnalyzer interface {
	AnalyseFile(ctx context.Context, file string) (model.FileResult, error)
}

// Worker is one analysis process's view of its coordinator connection.
type Worker struct {
	identifier string
	addr       string
	analyzer   FileAnalyzer

	// DialTimeout bounds Run's connection attempt.
	DialTimeout time.Duration
	// Verbose logs every batch and the stack of recovered panics.
	Verbose bool

	mu    sync.Mutex
	state State
}

// New creates a worker that will connect to addr and present identifier.
func New(identifier, addr string, analyzer FileAnalyzer) *Worker {
	return &Worker{
		identifier:  identifier,
		addr:        addr,
		analyzer:    analyzer,
		DialTimeout: DefaultDialTimeout,
		state:       StateConnecting,
	}
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Run connects to the coordinator and serves the connection until it closes.
// Only a failed connection attempt is returned as an error wrapping ErrConnect.
func (w *Worker) Run(ctx context.Context) error {
	w.setState(StateConnecting)

	dialer := net.Dialer{Timeout: w.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", w.addr)
	if err != nil {
		w.setState(StateClosed)
		return fmt.Errorf("%w %s: %v", ErrConnect, w.addr, err)
	}

	if err := w.Serve(ctx, conn); err != nil {
		w.logf("event loop ended: %v", err)
	}
	return nil
}

// Serve runs the handshake and the receive loop on an established connection.
// It returns nil when the coordinator closes the stream, or the terminal
// transport error after it has been reported back.
func (w *Worker) Serve(ctx context.Context, raw net.Conn) error {
	conn := channel.NewConn(raw)
	defer func() {
		conn.Close()
		w.setState(StateClosed)
	}()

	// Cancellation unblocks the pending read.
	stop := context.AfterFunc(ctx, func() { raw.Close() })
	defer stop()

	w.setState(StateHandshaking)
	if err := conn.Send(model.Hello{Identifier: w.identifier}); err != nil {
		return w.fail(conn, fmt.Errorf("handshake: %w", err))
	}
	w.setState(StateIdle)

	for msg, err := range conn.Messages() {
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return w.fail(conn, err)
		}

		switch m := msg.(type) {
		case model.Analyse:
			w.setState(StateAnalysing)
			start := time.Now()
			res := AnalyseBatch(ctx, w.analyzer, m.Files, w.Verbose)
			if w.Verbose {
				w.logf("analysed %d files in %v (%d diagnostics, %d internal errors)",
					res.FilesCount, time.Since(start).Round(time.Millisecond), len(res.Errors), res.InternalErrorsCount)
			}
			if err := conn.Send(res); err != nil {
				return w.fail(conn, fmt.Errorf("send result: %w", err))
			}
			w.setState(StateIdle)

		default:
			w.logf("ignoring %q message", msg.Action())
		}
	}

	return nil
}

// fail is the error-report path: one terminal result, then the outbound side is closed.
func (w *Worker) fail(conn *channel.Conn, cause error) error {
	w.logf("connection failed: %v", cause)
	if err := conn.Send(model.FailureResult(cause)); err != nil {
		w.logf("could not report failure: %v", err)
	}
	if err := conn.CloseWrite(); err != nil {
		w.logf("close: %v", err)
	}
	return cause
}

func (w *Worker) logf(format string, args ...interface{}) {
	log.Printf("[worker %s] "+format, append([]interface{}{w.identifier}, args...)...)
}

// ─────────────────────────────────────────────
// Batch analysis
// ─────────────────────────────────────────────

// AnalyseBatch analyses files one after another. A file whose analysis fails
// (or panics) is reported as one internal-error diagnostic and counted; the
// other files' diagnostics are kept.
func AnalyseBatch(ctx context.Context, analyzer FileAnalyzer, files []string, verbose bool) model.AnalysisResult {
	res := model.AnalysisResult{
		Errors:     []model.Diagnostic{},
		FilesCount: len(files),
	}

	for _, file := range files {
		fr, err := analyseFile(ctx, analyzer, file, verbose)
		if err != nil {
			res.InternalErrorsCount++
			res.Errors = append(res.Errors, model.InternalError(file, err))
			continue
		}
		res.Errors = append(res.Errors, fr.Diagnostics...)
		res.HasInferrablePropertyTypesFromConstructor = res.HasInferrablePropertyTypesFromConstructor ||
			fr.HasInferrablePropertyTypesFromConstructor
	}

	return res
}

func analyseFile(ctx context.Context, analyzer FileAnalyzer, file string, verbose bool) (res model.FileResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			if verbose {
				log.Printf("[worker] panic while analysing %s: %v\n%s", file, r, debug.Stack())
			}
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return analyzer.AnalyseFile(ctx, file)
}
