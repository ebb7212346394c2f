package querylog

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
)

const modulePath = "github.com/dekarrin/graphite/"

// layers are the packages whose frames are skipped when finding the code that
// issued a statement.
var layers = []string{
	modulePath + "conn.",
	modulePath + "provider.",
	modulePath + "querylog.",
}

// CallSite describes the nearest caller outside of the data layer, in the form
// "file.go:42 - pkg.Func". skip is the number of additional frames to skip
// before searching. Frames from test files are never skipped.
func CallSite(skip int) string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(2+skip, pcs)
	if n == 0 {
		return "unknown"
	}

	frames := runtime.CallersFrames(pcs[:n])
	var last runtime.Frame
	for {
		frame, more := frames.Next()
		last = frame
		if !inLayer(frame) {
			return describe(frame)
		}
		if !more {
			break
		}
	}
	return describe(last)
}

func inLayer(f runtime.Frame) bool {
	if strings.HasSuffix(f.File, "_test.go") {
		return false
	}
	for _, prefix := range layers {
		if strings.HasPrefix(f.Function, prefix) {
			return true
		}
	}
	return false
}

func describe(f runtime.Frame) string {
	fn := f.Function
	if idx := strings.LastIndex(fn, "/"); idx >= 0 {
		fn = fn[idx+1:]
	}
	return fmt.Sprintf("%s:%d - %s", filepath.Base(f.File), f.Line, fn)
}

// Comment returns site as an SQL block comment followed by a space, safe to
// prepend to a statement.
func Comment(site string) string {
	site = strings.ReplaceAll(site, "*/", "* /")
	return "/* " + site + " */ "
}
