package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// ANSI styles for terminal output; --no-color or NO_COLOR disables them.
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

// notice writes a one-line, marked message to stderr so stdout stays
// reserved for command results.
func notice(color, mark, format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(color, mark+" "+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { notice(colorGreen, "✓", format, args...) }
func printError(format string, args ...any)   { notice(colorRed, "✗", format, args...) }
func printWarning(format string, args ...any) { notice(colorYellow, "!", format, args...) }
func printStep(format string, args ...any)    { notice(colorCyan, "→", format, args...) }

// printField writes an indented "label: value" line.
func printField(w io.Writer, label string, value any) {
	fmt.Fprintf(w, "  %s %v\n", colorize(colorBold, label+":"), value)
}

// printStatus writes a formatted "label: value" line to stderr.
func printStatus(label, format string, args ...any) {
	printField(os.Stderr, label, fmt.Sprintf(format, args...))
}

// printJSON writes v indented to w. Phase reports go to stdout so they can be piped.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
