// Package ui renders tasks for the terminal and hosts the interactive
// draft form.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/hubenchang0515/todo/internal/pager"
	"github.com/hubenchang0515/todo/internal/task"
)

// DefaultWidth is the card width used when the terminal width is unknown.
const DefaultWidth = 60

// ConfigureColor picks the colour profile for mode: "never" disables
// colour, "always" forces it and "auto" follows the terminal and the
// NO_COLOR / CLICOLOR_FORCE environment variables.
func ConfigureColor(mode string, out io.Writer) {
	switch mode {
	case "never":
		lipgloss.SetColorProfile(termenv.Ascii)
	case "always":
		lipgloss.SetColorProfile(termenv.TrueColor)
	default:
		f, ok := out.(*os.File)
		if !ok {
			lipgloss.SetColorProfile(termenv.Ascii)
			return
		}
		lipgloss.SetColorProfile(termenv.NewOutput(f).EnvColorProfile())
	}
}

var (
	statusColors = map[task.Status]lipgloss.AdaptiveColor{
		task.StatusTodo:      {Light: "#005FAF", Dark: "#5FAFFF"},
		task.StatusDone:      {Light: "#008700", Dark: "#87D787"},
		task.StatusAbandoned: {Light: "#8A8A8A", Dark: "#767676"},
	}

	titleStyle  = lipgloss.NewStyle().Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#6C6C6C", Dark: "#8A8A8A"})
	starStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#AF8700", Dark: "#FFD75F"})
	footerStyle = mutedStyle.Italic(true)
)

// Stars renders a rating as five stars.
func Stars(rating int) string {
	if rating < 0 {
		rating = 0
	}
	if rating > task.MaxRating {
		rating = task.MaxRating
	}
	return strings.Repeat("★", rating) + strings.Repeat("☆", task.MaxRating-rating)
}

// Card renders one task as a bordered card.
func Card(t task.Task, width int) string {
	if width <= 0 {
		width = DefaultWidth
	}
	color := statusColors[t.Status]

	header := lipgloss.JoinHorizontal(lipgloss.Top,
		titleStyle.Render(fmt.Sprintf("#%d %s", t.ID, t.Title)),
		"  ",
		lipgloss.NewStyle().Foreground(color).Render("["+t.Status.String()+"]"),
	)
	meta := lipgloss.JoinHorizontal(lipgloss.Top,
		starStyle.Render(Stars(t.Rating)),
		"  ",
		mutedStyle.Render(t.CreatedAt.Local().Format("2006-01-02 15:04")),
	)

	lines := []string{header, meta}
	if d := strings.TrimSpace(t.Description); d != "" {
		lines = append(lines, "", d)
	}

	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(color).
		Padding(0, 1).
		Width(width).
		Render(strings.Join(lines, "\n"))
}

// Footer renders the page position, e.g. "todo · page 2/3".
func Footer(p *pager.Page) string {
	return footerStyle.Render(fmt.Sprintf("%s · page %d/%d", p.Status, p.Number+1, p.Count))
}

// Page renders a page of cards with its footer.
func Page(p *pager.Page, width int) string {
	if len(p.Tasks) == 0 {
		return mutedStyle.Render(fmt.Sprintf("No %s tasks.", p.Status)) + "\n" + Footer(p)
	}
	cards := make([]string, 0, len(p.Tasks)+1)
	for _, t := range p.Tasks {
		cards = append(cards, Card(t, width))
	}
	cards = append(cards, Footer(p))
	return lipgloss.JoinVertical(lipgloss.Left, cards...)
}
