// Package app contains the task operations exposed to the user
// interface. Every operation validates its input before touching the
// store and commits exactly one whole-record write.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hubenchang0515/todo/internal/task"
)

// Store is the record store capability the service writes through.
type Store interface {
	Add(ctx context.Context, t task.Task) (int64, error)
	Get(ctx context.Context, id int64) (task.Task, error)
	Put(ctx context.Context, t task.Task) error
	Delete(ctx context.Context, id int64) error
}

// TaskService implements create, edit, status change and delete.
type TaskService struct {
	store  Store
	now    func() time.Time
	logger *zap.Logger
}

// Option configures a TaskService.
type Option func(*TaskService)

// WithClock overrides the creation-time source.
func WithClock(now func() time.Time) Option {
	return func(s *TaskService) {
		s.now = now
	}
}

// WithLogger sets the service logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *TaskService) {
		s.logger = logger
	}
}

// NewTaskService creates a new task service.
func NewTaskService(store Store, opts ...Option) *TaskService {
	s := &TaskService{
		store:  store,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates the draft and adds a new todo task stamped with the
// current time.
func (s *TaskService) Create(ctx context.Context, d task.Draft) (task.Task, error) {
	if err := d.Validate(); err != nil {
		return task.Task{}, err
	}

	t := task.New(d, s.now().UTC())
	id, err := s.store.Add(ctx, t)
	if err != nil {
		return task.Task{}, fmt.Errorf("failed to create task: %w", err)
	}
	t.ID = id

	s.logger.Info("task created", zap.Int64("id", id), zap.String("title", t.Title))
	return t, nil
}

// Edit replaces the editable fields of task id with the draft.
// Status and creation time are kept.
func (s *TaskService) Edit(ctx context.Context, id int64, d task.Draft) (task.Task, error) {
	if err := d.Validate(); err != nil {
		return task.Task{}, err
	}

	current, err := s.store.Get(ctx, id)
	if err != nil {
		return task.Task{}, fmt.Errorf("failed to load task %d: %w", id, err)
	}

	updated := current.Apply(d)
	if err := s.store.Put(ctx, updated); err != nil {
		return task.Task{}, fmt.Errorf("failed to save task %d: %w", id, err)
	}

	s.logger.Info("task edited", zap.Int64("id", id))
	return updated, nil
}

// SetStatus moves task id to status to. The creation time is not touched.
func (s *TaskService) SetStatus(ctx context.Context, id int64, to task.Status) (task.Task, error) {
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return task.Task{}, fmt.Errorf("failed to load task %d: %w", id, err)
	}

	if err := task.CanTransition(current.Status, to).Error(); err != nil {
		return task.Task{}, err
	}
	if current.Status == to {
		return current, nil
	}

	from := current.Status
	current.Status = to
	if err := s.store.Put(ctx, current); err != nil {
		return task.Task{}, fmt.Errorf("failed to save task %d: %w", id, err)
	}

	s.logger.Info("task status changed",
		zap.Int64("id", id),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)
	return current, nil
}

// Delete removes task id. Only done or abandoned tasks can be deleted.
func (s *TaskService) Delete(ctx context.Context, id int64) error {
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load task %d: %w", id, err)
	}

	if err := task.CanDelete(current).Error(); err != nil {
		return err
	}

	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete task %d: %w", id, err)
	}

	s.logger.Info("task deleted", zap.Int64("id", id))
	return nil
}

// Discard is the list's remove action: a todo task is abandoned, a
// done or abandoned task is deleted. It reports whether the task was
// deleted.
func (s *TaskService) Discard(ctx context.Context, id int64) (deleted bool, err error) {
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return false, fmt.Errorf("failed to load task %d: %w", id, err)
	}

	if current.Status == task.StatusTodo {
		_, err := s.SetStatus(ctx, id, task.StatusAbandoned)
		return false, err
	}
	return true, s.Delete(ctx, id)
}
