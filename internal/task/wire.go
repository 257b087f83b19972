package task

import (
	"encoding/json"
	"fmt"
	"time"
)

// Wire is the key/value form of a task used for replication messages
// and archive files. Dates travel as RFC 3339 text.
type Wire struct {
	ID          int64  `json:"id" yaml:"id"`
	State       string `json:"state" yaml:"state"`
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description" yaml:"description"`
	Date        string `json:"date" yaml:"date"`
	Rating      int    `json:"rating" yaml:"rating"`
}

// ToWire converts a task into its wire form.
func ToWire(t Task) Wire {
	return Wire{
		ID:          t.ID,
		State:       string(t.Status),
		Title:       t.Title,
		Description: t.Description,
		Date:        t.CreatedAt.UTC().Format(time.RFC3339Nano),
		Rating:      t.Rating,
	}
}

// Task parses the wire form back into a task, reparsing the date.
func (w Wire) Task() (Task, error) {
	created, err := time.Parse(time.RFC3339Nano, w.Date)
	if err != nil {
		return Task{}, fmt.Errorf("failed to parse date %q: %w", w.Date, err)
	}
	t := Task{
		ID:          w.ID,
		Status:      Status(w.State),
		Title:       w.Title,
		Description: w.Description,
		CreatedAt:   created,
		Rating:      w.Rating,
	}
	if t.ID <= 0 {
		return Task{}, fmt.Errorf("invalid id %d", t.ID)
	}
	if err := t.Validate(); err != nil {
		return Task{}, fmt.Errorf("invalid task %d: %w", t.ID, err)
	}
	return t, nil
}

// Marshal encodes a task as one JSON message.
func Marshal(t Task) ([]byte, error) {
	data, err := json.Marshal(ToWire(t))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task %d: %w", t.ID, err)
	}
	return data, nil
}

// Unmarshal decodes one JSON message into a task.
func Unmarshal(data []byte) (Task, error) {
	var w Wire
	if err := json.Unmarshal(data, &w); err != nil {
		return Task{}, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	return w.Task()
}
