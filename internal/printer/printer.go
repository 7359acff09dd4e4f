package printer

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
)

func init() {
	// Force color output even when not connected to TTY
	// Users can disable with NO_COLOR environment variable
	if os.Getenv("NO_COLOR") == "" {
		color.NoColor = false
	}
}

var (
	// Stdout and Stderr are where messages go; tests swap them.
	Stdout io.Writer = os.Stdout
	Stderr io.Writer = os.Stderr

	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
)

// Success prints a success message in green with a checkmark prefix
func Success(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "✓") {
		msg = "✓ " + msg
	}
	green.Fprint(Stdout, msg)
}

// Info prints an informational message in the default color
func Info(format string, a ...any) {
	fmt.Fprintf(Stdout, format, a...)
}

// Warning prints a warning message in yellow to stderr
func Warning(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "⚠️") {
		msg = "⚠️  " + msg
	}
	yellow.Fprint(Stderr, msg)
}

// Step prints a step message with emphasis (used in multi-step operations)
func Step(format string, a ...any) {
	cyan.Fprintf(Stdout, "→ %s", fmt.Sprintf(format, a...))
}

// Error prints a formatted error with title, explanation and suggestions to
// stderr and returns a simple error for Cobra
func Error(title string, explanation string, suggestions []string) error {
	return ErrorWithContext(title, explanation, nil, suggestions)
}

// ErrorWithContext is Error with key/value details, printed in key order.
func ErrorWithContext(title string, explanation string, context map[string]string, suggestions []string) error {
	red.Fprintf(Stderr, "%s\n\n", title)

	if explanation != "" {
		fmt.Fprintf(Stderr, "%s\n", explanation)
	}

	if len(context) > 0 {
		keys := make([]string, 0, len(context))
		for k := range context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		fmt.Fprintf(Stderr, "\n")
		for _, k := range keys {
			fmt.Fprintf(Stderr, "  %s: %s\n", k, context[k])
		}
	}

	if len(suggestions) > 0 {
		fmt.Fprintf(Stderr, "\n")
		if len(suggestions) == 1 {
			fmt.Fprintf(Stderr, "%s\n", suggestions[0])
		} else {
			fmt.Fprintf(Stderr, "Either:\n")
			for i, suggestion := range suggestions {
				fmt.Fprintf(Stderr, "  %d. %s\n", i+1, suggestion)
			}
		}
	}

	// Cobra won't print this due to SilenceErrors
	return fmt.Errorf("%s", title)
}
