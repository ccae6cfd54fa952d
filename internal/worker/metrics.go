package worker

import "sync"

// Metrics counts worker activity for the shutdown summary log.
type Metrics struct {
	mu sync.Mutex

	tasksClaimed     int64
	tasksCompleted   int64
	tasksFailed      int64
	tasksCancelled   int64
	eventsFlushed    int64
	recordsDropped   int64
	retryExhaustions int64
}

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	TasksClaimed     int64
	TasksCompleted   int64
	TasksFailed      int64
	TasksCancelled   int64
	EventsFlushed    int64
	RecordsDropped   int64
	RetryExhaustions int64
}

func (m *Metrics) IncClaimed()   { m.add(&m.tasksClaimed, 1) }
func (m *Metrics) IncCompleted() { m.add(&m.tasksCompleted, 1) }
func (m *Metrics) IncFailed()    { m.add(&m.tasksFailed, 1) }
func (m *Metrics) IncCancelled() { m.add(&m.tasksCancelled, 1) }

func (m *Metrics) AddFlushed(n int)   { m.add(&m.eventsFlushed, int64(n)) }
func (m *Metrics) AddDropped(n int)   { m.add(&m.recordsDropped, int64(n)) }
func (m *Metrics) IncRetryExhausted() { m.add(&m.retryExhaustions, 1) }

func (m *Metrics) add(field *int64, n int64) {
	m.mu.Lock()
	*field += n
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MetricsSnapshot{
		TasksClaimed:     m.tasksClaimed,
		TasksCompleted:   m.tasksCompleted,
		TasksFailed:      m.tasksFailed,
		TasksCancelled:   m.tasksCancelled,
		EventsFlushed:    m.eventsFlushed,
		RecordsDropped:   m.recordsDropped,
		RetryExhaustions: m.retryExhaustions,
	}
}
