// Package ui renders pipeline status for the terminal.
package ui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
)

// Color palette, single lime accent.
const (
	ColorLime     = "154" // primary accent
	ColorWhite    = "255" // headers
	ColorGray     = "245" // labels, secondary text
	ColorDarkGray = "238" // separators
	ColorRed      = "196" // errors
	ColorYellow   = "220" // warnings
)

// Styles holds the terminal styles used by renderers.
type Styles struct {
	Header  lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Dim     lipgloss.Style
	Label   lipgloss.Style
}

// DefaultStyles returns the colored style set.
func DefaultStyles() Styles {
	return Styles{
		Header:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(ColorLime)),
		Success: lipgloss.NewStyle().Foreground(lipgloss.Color(ColorLime)),
		Warning: lipgloss.NewStyle().Foreground(lipgloss.Color(ColorYellow)),
		Error:   lipgloss.NewStyle().Foreground(lipgloss.Color(ColorRed)),
		Dim:     lipgloss.NewStyle().Foreground(lipgloss.Color(ColorDarkGray)),
		Label:   lipgloss.NewStyle().Foreground(lipgloss.Color(ColorGray)),
	}
}

// NoColorStyles returns an unstyled set for plain output.
func NoColorStyles() Styles {
	return Styles{
		Header:  lipgloss.NewStyle(),
		Success: lipgloss.NewStyle(),
		Warning: lipgloss.NewStyle(),
		Error:   lipgloss.NewStyle(),
		Dim:     lipgloss.NewStyle(),
		Label:   lipgloss.NewStyle(),
	}
}

// GetStyles returns styles honoring the color preference.
func GetStyles(noColor bool) Styles {
	if noColor {
		return NoColorStyles()
	}
	return DefaultStyles()
}

// DetectNoColor reports whether the NO_COLOR convention is in effect.
func DetectNoColor() bool {
	_, set := os.LookupEnv("NO_COLOR")
	return set
}
