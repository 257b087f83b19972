// Package task provides the task record, its draft form and the rules
// that govern status changes.
package task

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	// StatusTodo is the state every new task starts in.
	StatusTodo Status = "todo"
	// StatusDone marks a finished task.
	StatusDone Status = "done"
	// StatusAbandoned marks a task the user gave up on.
	StatusAbandoned Status = "abandoned"
)

// Statuses lists every status in display order.
var Statuses = []Status{StatusTodo, StatusDone, StatusAbandoned}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusDone, StatusAbandoned:
		return true
	default:
		return false
	}
}

// String returns the status name.
func (s Status) String() string {
	return string(s)
}

// ParseStatus converts user input into a Status.
// "give-up" and "give_up" are accepted as aliases of abandoned.
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "todo", "to-do":
		return StatusTodo, nil
	case "done":
		return StatusDone, nil
	case "abandoned", "give-up", "give_up":
		return StatusAbandoned, nil
	}
	return "", fmt.Errorf("unknown status %q (want todo, done or abandoned)", s)
}

const (
	// MinRating is the lowest accepted rating.
	MinRating = 1
	// MaxRating is the highest accepted rating.
	MaxRating = 5
	// DefaultRating is the rating a fresh draft starts with.
	DefaultRating = 3
)

var (
	// ErrEmptyTitle is returned when a title is empty after trimming.
	ErrEmptyTitle = errors.New("task title should not be empty")
	// ErrRatingRange is returned for ratings outside [MinRating, MaxRating].
	ErrRatingRange = errors.New("rating must be between 1 and 5")
)

// Task is a single persisted task record.
//
// ID is assigned by the store on creation and never changes afterwards.
// CreatedAt is set once on creation; status changes and edits keep it.
type Task struct {
	ID          int64
	Status      Status
	Title       string
	Description string
	CreatedAt   time.Time
	Rating      int
}

// Validate checks the task's field values.
func (t *Task) Validate() error {
	if !t.Status.Valid() {
		return fmt.Errorf("invalid status %q", t.Status)
	}
	if strings.TrimSpace(t.Title) == "" {
		return ErrEmptyTitle
	}
	if t.Rating < MinRating || t.Rating > MaxRating {
		return fmt.Errorf("%w (got %d)", ErrRatingRange, t.Rating)
	}
	if t.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	return nil
}

// Draft returns the editable part of the task as an owned value.
func (t Task) Draft() Draft {
	return Draft{
		Title:       t.Title,
		Description: t.Description,
		Rating:      t.Rating,
	}
}

// Apply returns a copy of t carrying the draft's editable fields.
// ID, Status and CreatedAt are left untouched.
func (t Task) Apply(d Draft) Task {
	t.Title = strings.TrimSpace(d.Title)
	t.Description = d.Description
	t.Rating = d.Rating
	return t
}

// Draft is the value an edit form works on before it is committed.
// It is passed by value into the form and returned out of it; nothing
// else holds a reference to it.
type Draft struct {
	Title       string
	Description string
	Rating      int
}

// NewDraft returns an empty draft with the default rating.
func NewDraft() Draft {
	return Draft{Rating: DefaultRating}
}

// Validate checks the draft before it reaches the store.
func (d Draft) Validate() error {
	if strings.TrimSpace(d.Title) == "" {
		return ErrEmptyTitle
	}
	if d.Rating < MinRating || d.Rating > MaxRating {
		return fmt.Errorf("%w (got %d)", ErrRatingRange, d.Rating)
	}
	return nil
}

// New builds a fresh todo task from a draft. The ID stays zero until
// the store assigns one.
func New(d Draft, now time.Time) Task {
	return Task{
		Status:      StatusTodo,
		Title:       strings.TrimSpace(d.Title),
		Description: d.Description,
		CreatedAt:   now,
		Rating:      d.Rating,
	}
}
