// Package scheduler runs recurring maintenance jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
)

// JobFunc is the function signature for scheduled jobs.
type JobFunc func(ctx context.Context) error

// JobConfig describes one recurring job.
type JobConfig struct {
	ID          string
	Name        string
	Description string
	Cron        string // "0 0 * * *" for midnight daily
	Func        JobFunc
	RunOnStart  bool // execute immediately on startup
}

// JobInfo describes a registered job for API responses.
type JobInfo struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Cron        string     `json:"cron"`
	LastRun     *time.Time `json:"lastRun,omitempty"`
	NextRun     *time.Time `json:"nextRun,omitempty"`
	Running     bool       `json:"running"`
}

type jobEntry struct {
	config  JobConfig
	job     gocron.Job
	lastRun *time.Time
	running bool
}

// Scheduler manages background scheduled jobs.
type Scheduler struct {
	gocron gocron.Scheduler
	logger zerolog.Logger
	jobs   map[string]*jobEntry
	mu     sync.RWMutex
}

// New creates a new scheduler.
func New(logger zerolog.Logger) (*Scheduler, error) {
	gs, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	return &Scheduler{
		gocron: gs,
		logger: logger.With().Str("component", "scheduler").Logger(),
		jobs:   make(map[string]*jobEntry),
	}, nil
}

// Register adds a new scheduled job.
func (s *Scheduler) Register(config JobConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[config.ID]; exists {
		return fmt.Errorf("job with ID %q already registered", config.ID)
	}

	run := func() {
		s.execute(config.ID)
	}

	job, err := s.gocron.NewJob(
		gocron.CronJob(config.Cron, false),
		gocron.NewTask(run),
		gocron.WithName(config.Name),
		gocron.WithTags(config.ID),
	)
	if err != nil {
		return fmt.Errorf("failed to create job %q: %w", config.ID, err)
	}

	s.jobs[config.ID] = &jobEntry{
		config: config,
		job:    job,
	}

	s.logger.Info().
		Str("id", config.ID).
		Str("cron", config.Cron).
		Bool("runOnStart", config.RunOnStart).
		Msg("Registered job")

	return nil
}

func (s *Scheduler) execute(jobID string) {
	s.mu.Lock()
	entry, exists := s.jobs[jobID]
	if !exists {
		s.mu.Unlock()
		return
	}
	entry.running = true
	s.mu.Unlock()

	startTime := time.Now()
	s.logger.Debug().Str("id", jobID).Msg("Starting job")

	err := entry.config.Func(context.Background())

	s.mu.Lock()
	entry.running = false
	entry.lastRun = &startTime
	s.mu.Unlock()

	duration := time.Since(startTime)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("id", jobID).
			Dur("duration", duration).
			Msg("Job failed")
	} else {
		s.logger.Debug().
			Str("id", jobID).
			Dur("duration", duration).
			Msg("Job completed")
	}
}

// Start starts the scheduler and fires any RunOnStart jobs.
func (s *Scheduler) Start() error {
	s.gocron.Start()

	s.mu.RLock()
	toRun := make([]string, 0)
	for id, entry := range s.jobs {
		if entry.config.RunOnStart {
			toRun = append(toRun, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range toRun {
		go s.execute(id)
	}
	return nil
}

// Stop stops the scheduler gracefully.
func (s *Scheduler) Stop() error {
	return s.gocron.Shutdown()
}

// RunNow manually triggers a job.
func (s *Scheduler) RunNow(jobID string) error {
	s.mu.RLock()
	entry, exists := s.jobs[jobID]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("job %q not found", jobID)
	}
	if entry.running {
		return fmt.Errorf("job %q is already running", jobID)
	}

	go s.execute(jobID)
	return nil
}

// List returns information about all registered jobs.
func (s *Scheduler) List() []JobInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]JobInfo, 0, len(s.jobs))
	for _, entry := range s.jobs {
		info := JobInfo{
			ID:          entry.config.ID,
			Name:        entry.config.Name,
			Description: entry.config.Description,
			Cron:        entry.config.Cron,
			LastRun:     entry.lastRun,
			Running:     entry.running,
		}
		if nextRun, err := entry.job.NextRun(); err == nil {
			info.NextRun = &nextRun
		}
		jobs = append(jobs, info)
	}
	return jobs
}
