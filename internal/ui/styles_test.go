package ui

import (
	"testing"

	"github.com/charmbracelet/lipgloss"
)

func TestStatusStyle(t *testing.T) {
	tests := []struct {
		status string
		want   lipgloss.TerminalColor
	}{
		{"Complete", ColorPass},
		{"Pending", ColorWarn},
		{"InProgress", ColorWarn},
		{"Failed", ColorFail},
		{"SchemaError", ColorFail},
		{"Bogus", ColorMuted},
	}
	for _, tt := range tests {
		if got := StatusStyle(tt.status).GetForeground(); got != tt.want {
			t.Errorf("StatusStyle(%q) foreground = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	// Under go test stdout is a pipe; the call must simply not panic.
	got := IsTerminal()
	t.Logf("IsTerminal() = %v", got)
}
