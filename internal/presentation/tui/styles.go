// Package tui colors the monitor command's status lines based on the
// terminal's capabilities.
package tui

import (
	"github.com/muesli/termenv"
)

// Styler renders status lines with the detected color profile. On dumb
// terminals every method degrades to plain text.
type Styler struct {
	profile termenv.Profile
}

func NewStyler() *Styler {
	return &Styler{profile: termenv.ColorProfile()}
}

// Connected styles the line shown when a monitor goes active.
func (s *Styler) Connected(msg string) string {
	return termenv.String(msg).Foreground(s.profile.Color("#34d399")).String()
}

// Paused styles the line shown when a monitor pauses.
func (s *Styler) Paused(msg string) string {
	return termenv.String(msg).Foreground(s.profile.Color("#fbbf24")).String()
}

// Failed styles terminal error lines.
func (s *Styler) Failed(msg string) string {
	return termenv.String(msg).Foreground(s.profile.Color("#f87171")).String()
}

// Dim styles informational chrome around the data stream.
func (s *Styler) Dim(msg string) string {
	return termenv.String(msg).Faint().String()
}
