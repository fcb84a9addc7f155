// Package coordinator owns an analysis job: it launches worker processes,
// binds their inbound connections by identity, dispatches batches to idle
// workers and merges what comes back into one report.
//
// All job state lives in a single event loop goroutine. Connection readers,
// process waiters and timers only post events to it.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/taskmgr818/phpscan/internal/channel"
	"github.com/taskmgr818/phpscan/internal/model"
	"github.com/taskmgr818/phpscan/internal/worker"
)

var (
	// ErrNoWorkers means batches remain but no worker is left to run them.
	ErrNoWorkers = errors.New("no workers left")
	// ErrHandshake marks a connection or process that failed to introduce itself.
	ErrHandshake = errors.New("handshake failed")
	// ErrProcessTimeout marks a batch that took longer than Options.ProcessTimeout.
	ErrProcessTimeout = errors.New("process timed out")

	errConnClosed    = errors.New("connection closed")
	errProcessExited = errors.New("worker process exited")
)

// shutdownGrace bounds how long Run waits for workers to exit on their own.
const shutdownGrace = 5 * time.Second

// Options tunes scheduling and failure handling.
type Options struct {
	MaxProcesses      int
	JobSize           int
	MinJobsPerProcess int
	// ProcessTimeout bounds a single batch; zero disables it.
	ProcessTimeout time.Duration
	// HandshakeTimeout bounds the time from launch to hello; zero disables it.
	HandshakeTimeout time.Duration
	// Retries is how many times a lost batch is re-dispatched on a fresh
	// worker before its files are escalated to internal errors.
	Retries int
	// Verbose logs every dispatch and result.
	Verbose bool
}

// DefaultOptions returns the settings used when the configuration is silent.
func DefaultOptions() Options {
	return Options{
		MaxProcesses:      runtime.NumCPU(),
		JobSize:           20,
		MinJobsPerProcess: 2,
		ProcessTimeout:    10 * time.Minute,
		HandshakeTimeout:  30 * time.Second,
		Retries:           1,
	}
}

// Coordinator runs jobs. It holds no per-job state and may run jobs one after another.
type Coordinator struct {
	launcher Launcher
	opts     Options
	observer Observer
}

// New creates a coordinator. observer may be nil.
func New(launcher Launcher, opts Options, observer Observer) *Coordinator {
	return &Coordinator{launcher: launcher, opts: opts, observer: observer}
}

// Run analyses files across worker processes and returns the merged report.
// On failure the report accumulated so far is returned with the error.
func (c *Coordinator) Run(ctx context.Context, files []string) (*model.Report, error) {
	report := &model.Report{Errors: []model.Diagnostic{}}
	if len(files) == 0 {
		return report, nil
	}

	sched := NewSchedule(files, c.opts.MaxProcesses, c.opts.JobSize, c.opts.MinJobsPerProcess)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := &run{
		c:      c,
		ctx:    ctx,
		id:     uuid.NewString(),
		addr:   ln.Addr().String(),
		events: make(chan any, 64),
		done:   make(chan struct{}),
		slots:  make(map[string]*slot),
		total:  len(sched.Jobs),
		target: sched.Processes,
		report: report,
	}
	for _, job := range sched.Jobs {
		r.pending = append(r.pending, &batch{files: job})
	}

	go r.accept(ln)

	r.emit(Event{Type: EventJobStarted, Processes: sched.Processes, Batches: len(sched.Jobs), Files: len(files)})
	r.logf("job %s: %d files in %d batches on %d processes (listening on %s)",
		r.id, len(files), len(sched.Jobs), sched.Processes, r.addr)

	for i := 0; i < sched.Processes; i++ {
		r.launch(nil)
	}

	err = r.loop()
	ln.Close()
	r.shutdown()

	finished := Event{
		Type:           EventJobFinished,
		Files:          report.FilesCount,
		Diagnostics:    len(report.Errors),
		InternalErrors: report.InternalErrorsCount,
	}
	if err != nil {
		finished.Error = err.Error()
	}
	r.emit(finished)
	return report, err
}

// RunInProcess analyses the same batches sequentially in the calling
// goroutine, without launching any worker. It is the debugging path.
func (c *Coordinator) RunInProcess(ctx context.Context, files []string, analyzer worker.FileAnalyzer) (*model.Report, error) {
	report := &model.Report{Errors: []model.Diagnostic{}}
	sched := NewSchedule(files, 1, c.opts.JobSize, 1)
	r := &run{c: c, id: uuid.NewString()}

	r.emit(Event{Type: EventJobStarted, Processes: 0, Batches: len(sched.Jobs), Files: len(files)})
	var err error
	for _, job := range sched.Jobs {
		if err = ctx.Err(); err != nil {
			break
		}
		start := time.Now()
		res := worker.AnalyseBatch(ctx, analyzer, job, c.opts.Verbose)
		report.Merge(res)
		r.emit(Event{
			Type:           EventBatchCompleted,
			Files:          res.FilesCount,
			Diagnostics:    len(res.Errors),
			InternalErrors: res.InternalErrorsCount,
			DurationMS:     time.Since(start).Milliseconds(),
		})
	}

	finished := Event{
		Type:           EventJobFinished,
		Files:          report.FilesCount,
		Diagnostics:    len(report.Errors),
		InternalErrors: report.InternalErrorsCount,
	}
	if err != nil {
		finished.Error = err.Error()
	}
	r.emit(finished)
	return report, err
}

// ─────────────────────────────────────────────
// Job state (owned by the event loop)
// ─────────────────────────────────────────────

type batch struct {
	files    []string
	attempts int
}

// slot is one launched worker process and, once it has said hello, its connection.
type slot struct {
	id       string
	proc     Process
	conn     *channel.Conn
	reserved *batch // dispatched first once connected
	batch    *batch // in flight
	started  time.Time
	timer    *time.Timer

	connected bool
	exited    bool
	gone      bool // lost or retired; no further events are acted on
}

func (s *slot) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

type (
	helloEvent struct {
		identifier string
		conn       *channel.Conn
	}
	resultEvent struct {
		slot *slot
		res  model.AnalysisResult
	}
	lostEvent struct {
		slot *slot
		err  error
	}
	exitEvent struct {
		slot *slot
		err  error
	}
	timeoutEvent struct {
		slot  *slot
		batch *batch // nil for the handshake deadline
	}
)

type run struct {
	c      *Coordinator
	ctx    context.Context
	id     string
	addr   string
	events chan any
	done   chan struct{}

	slots    map[string]*slot
	pending  []*batch
	total    int
	resolved int
	running  int // launched processes not yet reaped
	target   int
	report   *model.Report
}

func (r *run) loop() error {
	for {
		if r.resolved == r.total {
			return nil
		}
		if r.live() == 0 {
			return fmt.Errorf("%w: %d of %d batches unfinished", ErrNoWorkers, r.total-r.resolved, r.total)
		}

		select {
		case <-r.ctx.Done():
			return r.ctx.Err()
		case ev := <-r.events:
			r.handle(ev)
		}
	}
}

func (r *run) handle(ev any) {
	switch ev := ev.(type) {
	case helloEvent:
		r.bind(ev.identifier, ev.conn)

	case resultEvent:
		r.result(ev.slot, ev.res)

	case lostEvent:
		r.lose(ev.slot, ev.err)

	case exitEvent:
		ev.slot.exited = true
		r.running--
		// A connected worker is reaped by its reader, after whatever it sent last.
		if ev.slot.connected {
			return
		}
		cause := errProcessExited
		if ev.err != nil {
			cause = fmt.Errorf("%w: %v", errProcessExited, ev.err)
		}
		r.lose(ev.slot, cause)

	case timeoutEvent:
		s := ev.slot
		switch {
		case s.gone:
		case ev.batch == nil && !s.connected:
			r.lose(s, fmt.Errorf("%w: no hello within %v", ErrHandshake, r.c.opts.HandshakeTimeout))
		case ev.batch != nil && s.batch == ev.batch:
			r.lose(s, fmt.Errorf("%w after %v", ErrProcessTimeout, r.c.opts.ProcessTimeout))
		}
	}
}

// live counts workers that can still take or finish a batch.
func (r *run) live() int {
	n := 0
	for _, s := range r.slots {
		if !s.gone {
			n++
		}
	}
	return n
}

// launch starts a fresh worker. A non-nil reserved batch is its first batch.
func (r *run) launch(reserved *batch) {
	s := &slot{id: uuid.NewString(), reserved: reserved}
	r.slots[s.id] = s

	proc, err := r.c.launcher.Launch(r.ctx, r.addr, s.id)
	if err != nil {
		r.logf("launch worker %s: %v", s.id, err)
		s.gone, s.exited = true, true
		r.requeue(s)
		return
	}
	s.proc = proc
	r.running++

	go func() {
		err := proc.Wait()
		r.post(exitEvent{slot: s, err: err})
	}()

	if d := r.c.opts.HandshakeTimeout; d > 0 {
		s.timer = time.AfterFunc(d, func() { r.post(timeoutEvent{slot: s}) })
	}
}

// bind attaches an introduced connection to the worker launched under its identifier.
func (r *run) bind(identifier string, conn *channel.Conn) {
	s, ok := r.slots[identifier]
	switch {
	case !ok:
		r.logf("rejecting %s: unknown identifier %q", conn.RemoteAddr(), identifier)
		conn.Close()
		return
	case s.connected || s.gone:
		r.logf("rejecting %s: identifier %q already used", conn.RemoteAddr(), identifier)
		conn.Close()
		return
	}

	s.stopTimer()
	s.connected = true
	s.conn = conn
	r.emit(Event{Type: EventWorkerConnected, Worker: s.id})
	if r.c.opts.Verbose {
		r.logf("worker %s connected from %s", s.id, conn.RemoteAddr())
	}

	go r.read(s)
	r.assign(s)
}

// assign sends s its next batch, or closes it when there is nothing left to do.
func (r *run) assign(s *slot) {
	b := s.reserved
	s.reserved = nil
	if b == nil && len(r.pending) > 0 {
		b, r.pending = r.pending[0], r.pending[1:]
	}
	if b == nil {
		s.gone = true
		s.conn.Close()
		return
	}

	s.batch = b
	s.started = time.Now()
	b.attempts++
	if err := s.conn.Send(model.Analyse{Files: b.files}); err != nil {
		r.lose(s, fmt.Errorf("send batch: %w", err))
		return
	}
	if r.c.opts.Verbose {
		r.logf("worker %s: dispatched %d files (attempt %d)", s.id, len(b.files), b.attempts)
	}

	if d := r.c.opts.ProcessTimeout; d > 0 {
		s.timer = time.AfterFunc(d, func() { r.post(timeoutEvent{slot: s, batch: b}) })
	}
}

func (r *run) result(s *slot, res model.AnalysisResult) {
	if s.gone {
		return
	}

	if s.batch == nil || res.FilesCount != len(s.batch.files) {
		// A terminal failure report or a miscounted result. Its diagnostics
		// are kept; the batch stays in flight until the connection goes.
		r.logf("worker %s: unexpected result for %d files", s.id, res.FilesCount)
		r.report.Errors = append(r.report.Errors, res.Errors...)
		r.report.InternalErrorsCount += res.InternalErrorsCount
		return
	}

	s.stopTimer()
	elapsed := time.Since(s.started)
	s.batch = nil
	r.report.Merge(res)
	r.resolved++

	r.emit(Event{
		Type:           EventBatchCompleted,
		Worker:         s.id,
		Files:          res.FilesCount,
		Diagnostics:    len(res.Errors),
		InternalErrors: res.InternalErrorsCount,
		DurationMS:     elapsed.Milliseconds(),
	})
	if r.c.opts.Verbose {
		r.logf("worker %s: %d files done in %v (%d/%d batches)",
			s.id, res.FilesCount, elapsed.Round(time.Millisecond), r.resolved, r.total)
	}

	r.assign(s)
}

// lose retires a worker whose connection or process failed. Its in-flight
// batch is retried on a fresh worker or, once out of retries, escalated.
func (r *run) lose(s *slot, cause error) {
	if s.gone {
		return
	}
	s.gone = true
	s.stopTimer()
	if s.conn != nil {
		s.conn.Close()
	}
	if s.proc != nil && !s.exited {
		if err := s.proc.Kill(); err != nil && r.c.opts.Verbose {
			r.logf("kill worker %s: %v", s.id, err)
		}
	}

	lost := 0
	if s.batch != nil {
		lost = len(s.batch.files)
	}
	r.logf("worker %s lost: %v", s.id, cause)
	r.emit(Event{Type: EventWorkerLost, Worker: s.id, Files: lost, Error: cause.Error()})

	if b := s.batch; b != nil {
		s.batch = nil
		if b.attempts <= r.c.opts.Retries {
			r.logf("retrying %d files on a fresh worker", len(b.files))
			r.launch(b)
		} else {
			r.escalate(b, cause)
		}
	} else {
		r.requeue(s)
	}

	// Keep the pool at size while there is queued work.
	if s.connected && len(r.pending) > 0 && r.live() < r.target {
		r.launch(nil)
	}
}

// requeue puts a batch reserved for a worker that never started back at the front.
func (r *run) requeue(s *slot) {
	if s.reserved != nil {
		r.pending = append([]*batch{s.reserved}, r.pending...)
		s.reserved = nil
	}
}

// escalate gives up on b: every file becomes a non-file-specific internal error.
func (r *run) escalate(b *batch, cause error) {
	err := fmt.Errorf("analysis abandoned after %d attempts: %v", b.attempts, cause)
	for _, file := range b.files {
		r.report.Errors = append(r.report.Errors, model.InternalError(file, err))
	}
	r.report.FilesCount += len(b.files)
	r.report.InternalErrorsCount += len(b.files)
	r.resolved++
}

// shutdown closes every connection and reaps the launched processes,
// killing any that outlive the grace period.
func (r *run) shutdown() {
	for _, s := range r.slots {
		s.stopTimer()
		if s.conn != nil {
			s.conn.Close()
		}
		if s.proc != nil && !s.exited && (!s.connected || s.batch != nil) {
			s.proc.Kill()
		}
	}

	grace := time.NewTimer(shutdownGrace)
	defer grace.Stop()
	for r.running > 0 {
		select {
		case ev := <-r.events:
			if e, ok := ev.(exitEvent); ok {
				e.slot.exited = true
				r.running--
			}
		case <-grace.C:
			for _, s := range r.slots {
				if s.proc != nil && !s.exited {
					r.logf("killing worker %s after shutdown grace", s.id)
					s.proc.Kill()
				}
			}
			r.running = 0
		}
	}
	close(r.done)
}

// ─────────────────────────────────────────────
// Connection goroutines
// ─────────────────────────────────────────────

func (r *run) accept(ln net.Listener) {
	for {
		raw, err := ln.Accept()
		if err != nil {
			return
		}
		go r.handshake(raw)
	}
}

// handshake waits for the first message on a new connection, which must be hello.
func (r *run) handshake(raw net.Conn) {
	conn := channel.NewConn(raw)
	if d := r.c.opts.HandshakeTimeout; d > 0 {
		conn.SetReadDeadline(time.Now().Add(d))
	}

	msg, err := conn.Next()
	if err != nil {
		r.logf("rejecting %s: %v: %v", conn.RemoteAddr(), ErrHandshake, err)
		conn.Close()
		return
	}
	hello, ok := msg.(model.Hello)
	if !ok {
		r.logf("rejecting %s: %v: first message was %q", conn.RemoteAddr(), ErrHandshake, msg.Action())
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	if !r.post(helloEvent{identifier: hello.Identifier, conn: conn}) {
		conn.Close()
	}
}

// read forwards a bound connection's results to the event loop until it fails.
func (r *run) read(s *slot) {
	for msg, err := range s.conn.Messages() {
		if err != nil {
			r.post(lostEvent{slot: s, err: err})
			return
		}
		switch m := msg.(type) {
		case model.AnalysisResult:
			r.post(resultEvent{slot: s, res: m})
		case model.Hello:
			r.post(lostEvent{slot: s, err: fmt.Errorf("%w: second hello as %q", ErrHandshake, m.Identifier)})
			return
		default:
			r.logf("worker %s: ignoring %q message", s.id, msg.Action())
		}
	}
	r.post(lostEvent{slot: s, err: errConnClosed})
}

// post hands an event to the loop; it reports false once the job is over.
func (r *run) post(ev any) bool {
	select {
	case r.events <- ev:
		return true
	case <-r.done:
		return false
	}
}

func (r *run) emit(e Event) {
	if r.c.observer == nil {
		return
	}
	e.JobID = r.id
	e.Time = time.Now()
	r.c.observer.Observe(e)
}

func (r *run) logf(format string, args ...interface{}) {
	log.Printf("[coordinator] "+format, args...)
}
