package coordinator

import "time"

// EventType names a job progress event.
type EventType string

const (
	EventJobStarted      EventType = "job_started"
	EventWorkerConnected EventType = "worker_connected"
	EventBatchCompleted  EventType = "batch_completed"
	EventWorkerLost      EventType = "worker_lost"
	EventJobFinished     EventType = "job_finished"
)

// Event is one progress notification. Fields not relevant to Type are zero.
type Event struct {
	Type           EventType `json:"type"`
	JobID          string    `json:"jobId"`
	Worker         string    `json:"worker,omitempty"`
	Processes      int       `json:"processes,omitempty"`
	Batches        int       `json:"batches,omitempty"`
	Files          int       `json:"files,omitempty"`
	Diagnostics    int       `json:"diagnostics,omitempty"`
	InternalErrors int       `json:"internalErrors,omitempty"`
	DurationMS     int64     `json:"durationMs,omitempty"`
	Error          string    `json:"error,omitempty"`
	Time           time.Time `json:"time"`
}

// Observer receives progress events from the coordinator's event loop.
// Observe must not block.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

// Observers fans an event out to every non-nil observer in order.
type Observers []Observer

func (o Observers) Observe(e Event) {
	for _, obs := range o {
		if obs != nil {
			obs.Observe(e)
		}
	}
}
