package ui

import (
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/hubenchang0515/todo/internal/pager"
	"github.com/hubenchang0515/todo/internal/task"
)

func init() {
	lipgloss.SetColorProfile(termenv.Ascii)
}

func TestStars(t *testing.T) {
	tests := map[int]string{
		0: "☆☆☆☆☆",
		3: "★★★☆☆",
		5: "★★★★★",
		9: "★★★★★",
	}
	for in, want := range tests {
		if got := Stars(in); got != want {
			t.Errorf("Stars(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestCard(t *testing.T) {
	card := Card(task.Task{
		ID:          42,
		Status:      task.StatusDone,
		Title:       "Water the plants",
		Description: "balcony first",
		CreatedAt:   time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Rating:      4,
	}, 50)

	for _, want := range []string{"#42 Water the plants", "[done]", "★★★★☆", "balcony first", "╭"} {
		if !strings.Contains(card, want) {
			t.Errorf("card lacks %q:\n%s", want, card)
		}
	}
}

func TestPage(t *testing.T) {
	p := &pager.Page{Status: task.StatusTodo, Size: 10, Number: 1, Count: 3}
	out := Page(p, 40)
	if !strings.Contains(out, "No todo tasks.") || !strings.Contains(out, "todo · page 2/3") {
		t.Errorf("empty page render = %q", out)
	}

	p.Tasks = []task.Task{
		{ID: 1, Status: task.StatusTodo, Title: "one", CreatedAt: time.Now(), Rating: 1},
		{ID: 2, Status: task.StatusTodo, Title: "two", CreatedAt: time.Now(), Rating: 2},
	}
	out = Page(p, 40)
	if strings.Index(out, "#1 one") > strings.Index(out, "#2 two") {
		t.Errorf("cards out of order:\n%s", out)
	}
}
