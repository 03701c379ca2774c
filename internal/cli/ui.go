package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"

	"gardencam/live/internal/domain"
)

// Everything here goes to stderr; stdout may carry video.
var (
	success = lipgloss.Color("#10B981")
	warning = lipgloss.Color("#F59E0B")
	failure = lipgloss.Color("#EF4444")
	muted   = lipgloss.Color("#6B7280")
)

var (
	errorStyle   = lipgloss.NewStyle().Foreground(failure).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(warning)
	mutedStyle   = lipgloss.NewStyle().Foreground(muted)
	badgeStyle   = lipgloss.NewStyle().Padding(0, 1).Bold(true)
)

var stderr io.Writer = os.Stderr

// stateBadge renders state as a colored label for the status line.
func stateBadge(state domain.ConnectionState) string {
	color := muted
	switch state {
	case domain.StateAwaitingOffer, domain.StateNegotiating:
		color = warning
	case domain.StateConnected:
		color = success
	case domain.StateFailed:
		color = failure
	}
	return badgeStyle.Foreground(color).Render(state.String())
}

func printStatus(st domain.Status) {
	fmt.Fprintf(stderr, "%s %s\n", stateBadge(st.State), st.Message())
}

func printError(msg string) {
	fmt.Fprintln(stderr, errorStyle.Render("error: "+msg))
}

func printWarning(msg string) {
	fmt.Fprintln(stderr, warningStyle.Render(msg))
}

func printInfof(format string, args ...any) {
	fmt.Fprintln(stderr, mutedStyle.Render(fmt.Sprintf(format, args...)))
}
