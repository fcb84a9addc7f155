// Package dashboard serves live job progress over HTTP and a websocket stream.
package dashboard

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/taskmgr818/phpscan/internal/coordinator"
	"github.com/taskmgr818/phpscan/internal/store"
)

type Status string

const (
	StatusIdle     Status = "idle"
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
)

// Progress is the current job's counters (pure data, no mutex).
type Progress struct {
	JobID            string     `json:"jobId,omitempty"`
	Status           Status     `json:"status"`
	Processes        int        `json:"processes"`
	Batches          int        `json:"batches"`
	BatchesDone      int        `json:"batchesDone"`
	Files            int        `json:"files"`
	FilesDone        int        `json:"filesDone"`
	Diagnostics      int        `json:"diagnostics"`
	InternalErrors   int        `json:"internalErrors"`
	WorkersConnected int        `json:"workersConnected"`
	WorkersLost      int        `json:"workersLost"`
	Error            string     `json:"error,omitempty"`
	StartedAt        *time.Time `json:"startedAt,omitempty"`
	FinishedAt       *time.Time `json:"finishedAt,omitempty"`
}

// History lists past jobs; *store.Store implements it.
type History interface {
	RecentJobs(limit int) ([]store.JobLog, error)
}

// Dashboard tracks progress from coordinator events and fans them out to
// websocket subscribers.
type Dashboard struct {
	mu       sync.RWMutex
	progress Progress
	hub      *Hub
	history  History
	started  time.Time
}

// New creates a dashboard. history may be nil.
func New(history History) *Dashboard {
	return &Dashboard{
		progress: Progress{Status: StatusIdle},
		hub:      NewHub(),
		history:  history,
		started:  time.Now(),
	}
}

// Observe updates the counters and broadcasts the event.
func (d *Dashboard) Observe(e coordinator.Event) {
	d.mu.Lock()
	p := &d.progress
	switch e.Type {
	case coordinator.EventJobStarted:
		started := e.Time
		*p = Progress{
			JobID:     e.JobID,
			Status:    StatusRunning,
			Processes: e.Processes,
			Batches:   e.Batches,
			Files:     e.Files,
			StartedAt: &started,
		}
	case coordinator.EventWorkerConnected:
		p.WorkersConnected++
	case coordinator.EventBatchCompleted:
		p.BatchesDone++
		p.FilesDone += e.Files
		p.Diagnostics += e.Diagnostics
		p.InternalErrors += e.InternalErrors
	case coordinator.EventWorkerLost:
		p.WorkersLost++
	case coordinator.EventJobFinished:
		finished := e.Time
		p.FinishedAt = &finished
		p.FilesDone = e.Files
		p.Diagnostics = e.Diagnostics
		p.InternalErrors = e.InternalErrors
		p.Status = StatusFinished
		if e.Error != "" {
			p.Status = StatusFailed
			p.Error = e.Error
		}
	}
	d.mu.Unlock()

	d.hub.Broadcast(e)
}

// Progress returns a copy of the current counters.
func (d *Dashboard) Progress() Progress {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.progress
}

// Handler builds the gin router.
func (d *Dashboard) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(Logger())

	api := r.Group("/api/v1")
	api.GET("/health", d.handleHealth)
	api.GET("/progress", d.handleProgress)
	api.GET("/jobs", d.handleJobs)
	r.GET("/ws", d.handleWS)
	return r
}

// ServeHTTP runs the dashboard on addr until ctx is cancelled.
func (d *Dashboard) ServeHTTP(ctx context.Context, addr string) error {
	server := &http.Server{Addr: addr, Handler: d.Handler()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.hub.CloseAll()
		server.Shutdown(shutdownCtx)
	}()

	log.Printf("[dashboard] listening on %s", addr)
	err := server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// ─────────────────────────────────────────────
// Handlers
// ─────────────────────────────────────────────

func (d *Dashboard) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"uptime":      time.Since(d.started).Round(time.Second).String(),
		"subscribers": d.hub.ClientCount(),
	})
}

func (d *Dashboard) handleProgress(c *gin.Context) {
	c.JSON(http.StatusOK, d.Progress())
}

func (d *Dashboard) handleJobs(c *gin.Context) {
	if d.history == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job history is not configured"})
		return
	}
	jobs, err := d.history.RecentJobs(20)
	if err != nil {
		log.Printf("[dashboard] list jobs: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list jobs"})
		return
	}
	c.JSON(http.StatusOK, jobs)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (d *Dashboard) handleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[dashboard] websocket upgrade: %v", err)
		return
	}

	client := NewClient(conn, d.hub)
	client.Snapshot(d.Progress())
	client.Run()
}
