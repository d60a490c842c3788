package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// JobStatus is the last known state of a job.
type JobStatus string

const (
	StatusIdle    JobStatus = "idle"
	StatusRunning JobStatus = "running"
	StatusFulfill JobStatus = "fulfill"
	StatusReject  JobStatus = "reject"
)

var (
	// ErrJobNotFound indicates no job is registered under the name.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobRunning indicates the job's previous execution has not finished.
	ErrJobRunning = errors.New("job already running")
)

// Job is a named task run every Interval.
type Job struct {
	Name        string
	Description string
	Interval    time.Duration
	// RunOnStart executes the job immediately on Start instead of after one interval.
	RunOnStart bool
	Fn         func(ctx context.Context) error
}

type jobState struct {
	Job
	mu        sync.Mutex
	status    JobStatus
	message   string
	lastRunAt *time.Time
	nextRunAt time.Time
}

// ListItem is the serializable view of a job.
type ListItem struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Interval    string     `json:"interval"`
	Status      JobStatus  `json:"status"`
	Message     string     `json:"message,omitempty"`
	NextRunAt   *time.Time `json:"next_run_at"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
}

// Scheduler runs named interval jobs. An execution is skipped while the
// previous execution of the same job is still running.
type Scheduler struct {
	mu     sync.RWMutex
	jobs   map[string]*jobState
	logger *zap.Logger
	now    func() time.Time
	wg     sync.WaitGroup
}

// New creates an empty Scheduler.
func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		jobs:   make(map[string]*jobState),
		logger: logger,
		now:    time.Now,
	}
}

// Register adds a job. Must be called before Start.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Fn == nil {
		return fmt.Errorf("scheduler: job name and function are required")
	}
	if job.Interval <= 0 {
		return fmt.Errorf("scheduler: job %q interval must be positive", job.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.now().Add(job.Interval)
	if job.RunOnStart {
		next = s.now()
	}
	s.jobs[job.Name] = &jobState{Job: job, status: StatusIdle, nextRunAt: next}
	return nil
}

// Start launches every registered job loop. Loops stop when ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, state := range s.jobs {
		s.wg.Add(1)
		go s.runLoop(ctx, state)
	}
}

// Wait blocks until every loop and in-flight execution started by Start has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) runLoop(ctx context.Context, state *jobState) {
	defer s.wg.Done()
	for {
		state.mu.Lock()
		wait := state.nextRunAt.Sub(s.now())
		state.mu.Unlock()
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			_ = s.execute(ctx, state)
			state.mu.Lock()
			state.nextRunAt = s.now().Add(state.Interval)
			state.mu.Unlock()
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, state *jobState) error {
	state.mu.Lock()
	if state.status == StatusRunning {
		state.mu.Unlock()
		s.logger.Info("job skipped, previous run still in progress", zap.String("job", state.Name))
		return ErrJobRunning
	}
	state.status = StatusRunning
	state.mu.Unlock()

	startedAt := s.now()
	err := s.invoke(ctx, state)

	state.mu.Lock()
	state.lastRunAt = &startedAt
	if err != nil {
		state.status = StatusReject
		state.message = err.Error()
	} else {
		state.status = StatusFulfill
		state.message = ""
	}
	state.mu.Unlock()

	if err != nil {
		s.logger.Warn("job failed",
			zap.String("job", state.Name),
			zap.Duration("elapsed", s.now().Sub(startedAt)),
			zap.Error(err))
	}
	return err
}

func (s *Scheduler) invoke(ctx context.Context, state *jobState) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("job %q panicked: %v", state.Name, recovered)
		}
	}()
	return state.Fn(ctx)
}

// Run triggers a job by name without waiting for it. It fails when the job is
// unknown or already running.
func (s *Scheduler) Run(ctx context.Context, name string) error {
	s.mu.RLock()
	state, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrJobNotFound, name)
	}
	state.mu.Lock()
	running := state.status == StatusRunning
	state.mu.Unlock()
	if running {
		return ErrJobRunning
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.execute(ctx, state)
	}()
	return nil
}

// Status returns the current state of a job.
func (s *Scheduler) Status(name string) (JobStatus, string, error) {
	s.mu.RLock()
	state, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrJobNotFound, name)
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.status, state.message, nil
}

// List returns a summary of all registered jobs ordered by name.
func (s *Scheduler) List() []ListItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]ListItem, 0, len(s.jobs))
	for _, state := range s.jobs {
		state.mu.Lock()
		next := state.nextRunAt
		items = append(items, ListItem{
			Name:        state.Name,
			Description: state.Description,
			Interval:    state.Interval.String(),
			Status:      state.status,
			Message:     state.message,
			NextRunAt:   &next,
			LastRunAt:   state.lastRunAt,
		})
		state.mu.Unlock()
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items
}
