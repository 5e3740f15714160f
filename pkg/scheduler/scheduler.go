package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lucid-vigil/agentwatch/pkg/config"
)

// Task is periodic housekeeping work run by the scheduler.
type Task interface {
	Name() string
	Run(ctx context.Context)
}

// ConfigurableTask receives its configuration entry when registered.
type ConfigurableTask interface {
	Task
	Configure(cfg config.TaskConfig) error
}

// Scheduler manages the registration and execution of periodic tasks.
type Scheduler struct {
	tasks  []Task
	config *config.Config
	logger zerolog.Logger
	wg     sync.WaitGroup
}

// NewScheduler creates and returns a new Scheduler instance.
func NewScheduler(cfg *config.Config, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		config: cfg,
		logger: logger.With().Str("component", "scheduler").Logger(),
	}
}

// RegisterTask adds a task to the scheduler's list.
func (s *Scheduler) RegisterTask(t Task) {
	if configurable, ok := t.(ConfigurableTask); ok {
		if taskConfig, found := s.config.GetTaskConfig(t.Name()); found {
			if err := configurable.Configure(taskConfig); err != nil {
				s.logger.Error().Err(err).Msgf("Failed to configure task '%s'", t.Name())
				return
			}
			s.logger.Info().Msgf("Task '%s' configured successfully.", t.Name())
		}
	}

	s.tasks = append(s.tasks, t)
	s.logger.Info().Msgf("Task '%s' registered.", t.Name())
}

// Start launches all enabled tasks with their configured intervals.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info().Msg("Scheduler starting...")

	for _, task := range s.tasks {
		taskConfig, found := s.config.GetTaskConfig(task.Name())
		if !found || !taskConfig.Enabled {
			s.logger.Info().Msgf("Task '%s' is disabled or not configured, skipping.", task.Name())
			continue
		}

		duration, err := time.ParseDuration(taskConfig.Interval)
		if err != nil || duration <= 0 {
			s.logger.Error().Err(err).Msgf("Invalid interval for task '%s', skipping.", task.Name())
			continue
		}

		s.logger.Info().Msgf("Starting task '%s' with interval %s", task.Name(), duration)
		s.wg.Add(1)
		go s.runTask(ctx, task, duration)
	}

	s.logger.Info().Msg("All configured tasks started.")
}

// Wait blocks until every started task has observed shutdown.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) runTask(ctx context.Context, t Task, interval time.Duration) {
	defer s.wg.Done()

	// Run immediately on start
	s.logger.Debug().Msgf("Running task '%s' for the first time.", t.Name())
	t.Run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.logger.Debug().Msgf("Running task '%s'.", t.Name())
			t.Run(ctx)
		case <-ctx.Done():
			s.logger.Info().Msgf("Task '%s' received shutdown signal.", t.Name())
			return
		}
	}
}
