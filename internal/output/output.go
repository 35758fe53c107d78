// Package output holds the CLI's print helpers. Color is plain ANSI,
// applied only when stdout is a terminal.
package output

import (
	"encoding/json"
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/marcus/syncd/internal/models"
)

const (
	ansiReset  = "\033[0m"
	ansiGreen  = "\033[32m"
	ansiRed    = "\033[31m"
	ansiYellow = "\033[33m"
	ansiCyan   = "\033[36m"
	ansiGray   = "\033[90m"
)

// IsTerminal reports whether stdout is attached to a terminal.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func colorize(color, s string) string {
	if !IsTerminal() {
		return s
	}
	return color + s + ansiReset
}

// Success prints a success message
func Success(format string, args ...any) {
	fmt.Println(colorize(ansiGreen, fmt.Sprintf(format, args...)))
}

// Error prints an error message
func Error(format string, args ...any) {
	fmt.Println(colorize(ansiRed, "ERROR: "+fmt.Sprintf(format, args...)))
}

// Warning prints a warning message
func Warning(format string, args ...any) {
	fmt.Println(colorize(ansiYellow, "Warning: "+fmt.Sprintf(format, args...)))
}

// Info prints an info message
func Info(format string, args ...any) {
	fmt.Println(fmt.Sprintf(format, args...))
}

// Subtle prints a de-emphasized message
func Subtle(format string, args ...any) {
	fmt.Println(colorize(ansiGray, fmt.Sprintf(format, args...)))
}

// JSON outputs data as indented JSON
func JSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

var statusColors = map[models.Status]string{
	models.StatusIdle:     ansiGray,
	models.StatusSyncing:  ansiCyan,
	models.StatusSuccess:  ansiGreen,
	models.StatusError:    ansiRed,
	models.StatusOffline:  ansiYellow,
	models.StatusDegraded: ansiYellow,
	models.StatusRecovery: ansiRed,
}

// FormatStatus formats a sync status with color
func FormatStatus(s models.Status) string {
	color, ok := statusColors[s]
	if !ok {
		return string(s)
	}
	return colorize(color, string(s))
}
