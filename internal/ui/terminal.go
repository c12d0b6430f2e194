package ui

import (
	"os"

	"golang.org/x/term"
)

// IsTerminal reports whether stdout is a terminal. Piped output drops
// colors and icons so it stays grep-friendly.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}
