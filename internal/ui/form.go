package ui

import (
	"errors"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/hubenchang0515/todo/internal/task"
)

// ErrCanceled is returned when the user leaves the form without saving.
var ErrCanceled = errors.New("edit canceled")

// EditDraft opens the task form on a copy of d and returns the edited
// copy. d itself is never modified; the caller decides whether to
// commit the result.
func EditDraft(heading string, d task.Draft) (task.Draft, error) {
	draft := d
	if draft.Rating < task.MinRating || draft.Rating > task.MaxRating {
		draft.Rating = task.DefaultRating
	}

	ratings := make([]huh.Option[int], 0, task.MaxRating)
	for r := task.MinRating; r <= task.MaxRating; r++ {
		ratings = append(ratings, huh.NewOption(Stars(r), r))
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title(heading).
				Placeholder("Title").
				Value(&draft.Title).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return task.ErrEmptyTitle
					}
					return nil
				}),
			huh.NewText().
				Title("Description").
				Value(&draft.Description),
			huh.NewSelect[int]().
				Title("Rating").
				Options(ratings...).
				Value(&draft.Rating),
		),
	)

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return d, ErrCanceled
		}
		return d, err
	}
	return draft, nil
}
