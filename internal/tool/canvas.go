package tool

import (
	"path/filepath"
	"strings"
)

// canvasExtensions is the single source of truth for which file types the
// client canvas can render. Both the exclusive-server display path and the
// artifact display path consult this table.
var canvasExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".webp": true,
	".svg":  true,
	".pdf":  true,
	".html": true,
	".htm":  true,
	".md":   true,
	".csv":  true,
	".json": true,
	".txt":  true,
}

// CanvasDisplayable reports whether the canvas can render the named file.
func CanvasDisplayable(filename string) bool {
	return canvasExtensions[strings.ToLower(filepath.Ext(filename))]
}

// CanvasSubset filters names down to the displayable ones, keeping order.
// When primary is displayable it is stable-sorted to the front.
func CanvasSubset(names []string, primary string) []string {
	var out []string
	for _, name := range names {
		if CanvasDisplayable(name) {
			out = append(out, name)
		}
	}
	if primary == "" {
		return out
	}
	for i, name := range out {
		if name == primary && i > 0 {
			out = append(out[:i], out[i+1:]...)
			out = append([]string{name}, out...)
			break
		}
	}
	return out
}
