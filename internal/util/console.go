package util

import (
	"fmt"
	"time"

	"github.com/fatih/color"
)

// Label colors for console status lines. Kept as *color.Color values so
// callers can pass them straight to Line/Linef instead of raw ANSI escapes.
var (
	ColorGreen  = color.New(color.FgGreen)
	ColorYellow = color.New(color.FgYellow)
	ColorCyan   = color.New(color.FgCyan)
	ColorGray   = color.New(color.FgHiBlack)
	ColorBlue   = color.New(color.FgBlue)
	ColorRed    = color.New(color.FgRed)
)

func timeHM() string {
	return time.Now().Format("15:04")
}

// Line prints a single console line prefixed with HH:MM.
func Line(label string, labelColor *color.Color, msg string) {
	if label != "" {
		fmt.Printf("%s %s %s\n", timeHM(), labelColor.Sprint(label), msg)
		return
	}
	fmt.Printf("%s %s\n", timeHM(), msg)
}

func Linef(label string, labelColor *color.Color, format string, args ...any) {
	Line(label, labelColor, fmt.Sprintf(format, args...))
}
