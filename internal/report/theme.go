package report

import "github.com/charmbracelet/lipgloss"

// Theme keeps every colour the text reports use in one place.
type Theme struct {
	StatusOK        lipgloss.Style
	StatusRunning   lipgloss.Style
	StatusFailed    lipgloss.Style
	StatusSkipped   lipgloss.Style
	StatusCancelled lipgloss.Style

	Title     lipgloss.Style
	Header    lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style
}

func NewDefaultTheme() Theme {
	return Theme{
		StatusOK:        lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusRunning:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StatusFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")).Bold(true),
		StatusSkipped:   lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		StatusCancelled: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),

		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")),
		Header:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#61AFEF")),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
	}
}

// PlainTheme renders without any styling, for pipes and tests.
func PlainTheme() Theme {
	s := lipgloss.NewStyle()
	return Theme{
		StatusOK: s, StatusRunning: s, StatusFailed: s, StatusSkipped: s, StatusCancelled: s,
		Title: s, Header: s, Dim: s, Highlight: s,
	}
}

// Status styles a job, run or pipeline state name.
func (t Theme) Status(state string) string {
	var st lipgloss.Style
	switch state {
	case "succeeded", "pass", "cache_hit":
		st = t.StatusOK
	case "running", "pending", "ready":
		st = t.StatusRunning
	case "failed", "errored", "fail":
		st = t.StatusFailed
	case "cancelled":
		st = t.StatusCancelled
	default:
		st = t.StatusSkipped
	}
	return st.Render(state)
}
