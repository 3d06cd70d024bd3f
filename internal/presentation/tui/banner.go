package tui

import (
	"fmt"
	"io"

	"github.com/muesli/termenv"
)

// PrintBanner writes the startup banner to w.
func PrintBanner(w io.Writer) {
	p := termenv.ColorProfile()
	lines := []struct {
		text  string
		color string
	}{
		{"  _                  _", "#2dd4bf"},
		{" | |_ __ _ _ _  __| |___ _ __", "#22d3ee"},
		{" |  _/ _` | ' \\/ _` / -_) '  \\", "#38bdf8"},
		{"  \\__\\__,_|_||_\\__,_\\___|_|_|_|", "#60a5fa"},
	}

	fmt.Fprintln(w)
	for _, l := range lines {
		fmt.Fprintln(w, termenv.String(l.text).Foreground(p.Color(l.color)))
	}
	fmt.Fprintln(w)
}
