// Package store keeps a history of analysis jobs in PostgreSQL.
package store

import (
	"log"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/taskmgr818/phpscan/internal/coordinator"
)

type JobStatus string

const (
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
)

// JobLog is one analysis job.
type JobLog struct {
	ID             uint       `json:"id" gorm:"primaryKey"`
	JobID          string     `json:"job_id" gorm:"uniqueIndex;size:36"`
	Status         JobStatus  `json:"status" gorm:"size:16;index"`
	Files          int        `json:"files"`
	Batches        int        `json:"batches"`
	Processes      int        `json:"processes"`
	Diagnostics    int        `json:"diagnostics"`
	InternalErrors int        `json:"internal_errors"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// BatchLog is one batch outcome: a merged result, or a worker lost with its batch.
type BatchLog struct {
	ID             uint      `json:"id" gorm:"primaryKey"`
	JobID          string    `json:"job_id" gorm:"index;size:36"`
	Worker         string    `json:"worker" gorm:"size:36"`
	Files          int       `json:"files"`
	Diagnostics    int       `json:"diagnostics"`
	InternalErrors int       `json:"internal_errors"`
	DurationMS     int64     `json:"duration_ms"`
	Lost           bool      `json:"lost"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store provides SQL persistence via GORM (async writes).
type Store struct {
	db    *gorm.DB
	logCh chan func() // buffered channel for async writes
	wg    sync.WaitGroup
	once  sync.Once
}

// NewStore opens the database, auto-migrates the schema and starts the
// background write worker.
func NewStore(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(4)
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&JobLog{}, &BatchLog{}); err != nil {
		return nil, err
	}

	return newStore(db), nil
}

func newStore(db *gorm.DB) *Store {
	s := &Store{
		db:    db,
		logCh: make(chan func(), 1024),
	}
	s.wg.Add(1)
	go s.writeWorker()
	return s
}

func (s *Store) writeWorker() {
	defer s.wg.Done()
	for fn := range s.logCh {
		fn()
	}
}

// enqueue schedules a write without blocking the caller; a full queue drops it.
func (s *Store) enqueue(what string, fn func()) {
	select {
	case s.logCh <- fn:
	default:
		log.Printf("[store] write queue full, dropping %s", what)
	}
}

// Close flushes pending writes and closes the database.
func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		close(s.logCh)
		s.wg.Wait()
		if s.db == nil {
			return
		}
		sqlDB, dbErr := s.db.DB()
		if dbErr != nil {
			err = dbErr
			return
		}
		err = sqlDB.Close()
	})
	return err
}

// ─────────────────────────────────────────────
// Job events
// ─────────────────────────────────────────────

// Observe records coordinator progress events.
func (s *Store) Observe(e coordinator.Event) {
	switch e.Type {
	case coordinator.EventJobStarted:
		jl := newJobLog(e)
		s.enqueue("job start", func() {
			if err := s.db.Create(&jl).Error; err != nil {
				log.Printf("[store] log job started error: %v", err)
			}
		})

	case coordinator.EventBatchCompleted, coordinator.EventWorkerLost:
		if e.Type == coordinator.EventWorkerLost && e.Files == 0 {
			return
		}
		bl := newBatchLog(e)
		s.enqueue("batch", func() {
			if err := s.db.Create(&bl).Error; err != nil {
				log.Printf("[store] log batch error: %v", err)
			}
		})

	case coordinator.EventJobFinished:
		updates := finishUpdates(e)
		s.enqueue("job finish", func() {
			err := s.db.Model(&JobLog{}).
				Where("job_id = ?", e.JobID).
				Updates(updates).Error
			if err != nil {
				log.Printf("[store] log job finished error: %v", err)
			}
		})
	}
}

// RecentJobs returns the latest jobs, newest first.
func (s *Store) RecentJobs(limit int) ([]JobLog, error) {
	var jobs []JobLog
	err := s.db.Order("created_at DESC").Limit(limit).Find(&jobs).Error
	return jobs, err
}

// Batches returns every batch logged for jobID, in order.
func (s *Store) Batches(jobID string) ([]BatchLog, error) {
	var batches []BatchLog
	err := s.db.Where("job_id = ?", jobID).Order("id").Find(&batches).Error
	return batches, err
}

func newJobLog(e coordinator.Event) JobLog {
	return JobLog{
		JobID:     e.JobID,
		Status:    JobStatusRunning,
		Files:     e.Files,
		Batches:   e.Batches,
		Processes: e.Processes,
		CreatedAt: e.Time,
	}
}

func newBatchLog(e coordinator.Event) BatchLog {
	return BatchLog{
		JobID:          e.JobID,
		Worker:         e.Worker,
		Files:          e.Files,
		Diagnostics:    e.Diagnostics,
		InternalErrors: e.InternalErrors,
		DurationMS:     e.DurationMS,
		Lost:           e.Type == coordinator.EventWorkerLost,
		Error:          e.Error,
		CreatedAt:      e.Time,
	}
}

func finishUpdates(e coordinator.Event) map[string]interface{} {
	status := JobStatusCompleted
	if e.Error != "" {
		status = JobStatusFailed
	}
	finished := e.Time
	return map[string]interface{}{
		"status":          status,
		"diagnostics":     e.Diagnostics,
		"internal_errors": e.InternalErrors,
		"error":           e.Error,
		"finished_at":     &finished,
	}
}
