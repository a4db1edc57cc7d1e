package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"blockingest/internal/chain"
)

type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskBackoff   TaskState = "backoff"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskCancelled TaskState = "cancelled"
)

var ErrFatal = errors.New("fatal task error")

type TaskFunc func(ctx context.Context) error

type TaskStatus struct {
	Name      string    `json:"name"`
	State     TaskState `json:"state"`
	Restarts  int       `json:"restarts"`
	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type supervisedTask struct {
	name string
	run  TaskFunc
}

// Supervisor restarts transient task failures with backoff and leaves
// permanent ones stopped.
type Supervisor struct {
	id           string
	logger       *slog.Logger
	observer     Observer
	restart      RetryPolicy
	healthyAfter time.Duration

	mu     sync.RWMutex
	tasks  []supervisedTask
	status map[string]*TaskStatus
}

func NewSupervisor(logger *slog.Logger, observer Observer, restart RetryPolicy) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = NopObserver{}
	}
	restart.MaxAttempts = 0
	return &Supervisor{
		id:           uuid.NewString(),
		logger:       logger,
		observer:     observer,
		restart:      restart,
		healthyAfter: time.Minute,
		status:       make(map[string]*TaskStatus),
	}
}

func (s *Supervisor) ID() string {
	return s.id
}

// Add registers a task. Tasks added after Run has started are ignored.
func (s *Supervisor) Add(name string, run TaskFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, supervisedTask{name: name, run: run})
	s.status[name] = &TaskStatus{Name: name, State: TaskPending, UpdatedAt: time.Now()}
}

// Run blocks until every task has finished or ctx ends. It returns the joined
// errors of tasks that failed permanently.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.RLock()
	tasks := append([]supervisedTask(nil), s.tasks...)
	s.mu.RUnlock()

	s.logger.Info("supervisor started", "run_id", s.id, "tasks", len(tasks))
	var (
		wg     sync.WaitGroup
		errMu  sync.Mutex
		failed []error
	)
	for _, task := range tasks {
		wg.Add(1)
		go func(task supervisedTask) {
			defer wg.Done()
			if err := s.supervise(ctx, task); err != nil {
				errMu.Lock()
				failed = append(failed, err)
				errMu.Unlock()
			}
		}(task)
	}
	wg.Wait()
	s.logger.Info("supervisor stopped", "run_id", s.id)
	return errors.Join(failed...)
}

func (s *Supervisor) supervise(ctx context.Context, task supervisedTask) error {
	logger := s.logger.With("task", task.name)
	bo := s.restart.backOff(ctx)
	for {
		s.setState(task.name, TaskRunning, nil)
		started := time.Now()
		err := s.runTask(ctx, task)
		switch {
		case ctx.Err() != nil:
			s.setState(task.name, TaskCancelled, nil)
			return nil
		case err == nil:
			s.setState(task.name, TaskCompleted, nil)
			logger.Info("task completed")
			return nil
		case isFatal(err):
			s.setState(task.name, TaskFailed, err)
			logger.Error("task failed permanently", "error", err)
			return err
		}

		if time.Since(started) >= s.healthyAfter {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			s.setState(task.name, TaskCancelled, err)
			return nil
		}
		s.setState(task.name, TaskBackoff, err)
		s.markRestart(task.name)
		logger.Warn("task failed, restarting", "wait", wait, "error", err)
		if !sleepCtx(ctx, wait) {
			s.setState(task.name, TaskCancelled, err)
			return nil
		}
	}
}

func (s *Supervisor) runTask(ctx context.Context, task supervisedTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return task.run(ctx)
}

func isFatal(err error) bool {
	return errors.Is(err, ErrFatal) || chain.IsPermanent(err) || unpublishable(err)
}

func (s *Supervisor) setState(name string, state TaskState, err error) {
	s.mu.Lock()
	st := s.status[name]
	st.State = state
	st.UpdatedAt = time.Now()
	if err != nil {
		st.LastError = err.Error()
	}
	s.mu.Unlock()
	s.observer.OnTaskState(name, string(state))
}

func (s *Supervisor) markRestart(name string) {
	s.mu.Lock()
	s.status[name].Restarts++
	s.mu.Unlock()
	s.observer.OnTaskRestart(name)
}

func (s *Supervisor) Snapshot() []TaskStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TaskStatus, 0, len(s.status))
	for _, st := range s.status {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.value)
}
