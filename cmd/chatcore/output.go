package main

import (
	"fmt"
	"io"
	"os"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

// statusLabelWidth pads printStatus labels so values line up in a column.
const statusLabelWidth = 18

// stderr receives all human-facing output. Tests swap it for a buffer.
var stderr io.Writer = os.Stderr

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printLine(color, mark, format string, args ...any) {
	fmt.Fprintln(stderr, colorize(color, mark+" "+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { printLine(colorGreen, "✓", format, args...) }

func printError(format string, args ...any) { printLine(colorRed, "✗", format, args...) }

func printWarning(format string, args ...any) { printLine(colorYellow, "⚠", format, args...) }

func printStep(format string, args ...any) { printLine(colorCyan, "→", format, args...) }

func printStatus(label string, format string, args ...any) {
	padded := fmt.Sprintf("%-*s", statusLabelWidth, label+":")
	fmt.Fprintf(stderr, "  %s %s\n", colorize(colorBold, padded), fmt.Sprintf(format, args...))
}

// onlineBadge renders a connectivity flag for status output.
func onlineBadge(online bool) string {
	if online {
		return colorize(colorGreen, "online")
	}
	return colorize(colorRed, "offline")
}
