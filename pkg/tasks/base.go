// Package tasks holds the periodic housekeeping jobs run by the scheduler.
package tasks

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// BaseTask carries the bookkeeping shared by every task: a name, a scoped
// logger, the outcome of the last run and a few named counters.
type BaseTask struct {
	name      string
	logger    zerolog.Logger
	mu        sync.Mutex
	lastRun   time.Time
	lastError error
	runs      int64
	metrics   map[string]interface{}
}

// NewBaseTask creates a BaseTask with a logger tagged with the task name.
func NewBaseTask(name string, logger zerolog.Logger) *BaseTask {
	return &BaseTask{
		name:    name,
		logger:  logger.With().Str("task", name).Logger(),
		metrics: make(map[string]interface{}),
	}
}

// Name returns the task's name.
func (b *BaseTask) Name() string {
	return b.name
}

// Logger returns the task-scoped logger.
func (b *BaseTask) Logger() *zerolog.Logger {
	return &b.logger
}

// RecordRun stores the outcome of one run.
func (b *BaseTask) RecordRun(at time.Time, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastRun = at
	b.lastError = err
	b.runs++
}

// GetLastError returns the error of the last run, if any.
func (b *BaseTask) GetLastError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastError
}

// GetLastExecutionTime returns when the task last ran.
func (b *BaseTask) GetLastExecutionTime() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastRun
}

// Runs returns how many times the task has run.
func (b *BaseTask) Runs() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.runs
}

// UpdateMetrics sets a named value reported by GetMetrics.
func (b *BaseTask) UpdateMetrics(key string, value interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics[key] = value
}

// GetMetrics returns a copy of the task's named values.
func (b *BaseTask) GetMetrics() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	dest := make(map[string]interface{}, len(b.metrics))
	for k, v := range b.metrics {
		dest[k] = v
	}
	return dest
}
