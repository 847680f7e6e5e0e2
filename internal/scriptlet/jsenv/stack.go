package jsenv

import (
	"bytes"

	"github.com/dop251/goja"

	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet/pattern"
)

// StackLines renders the current script call stack, most recent frame first.
// Leading native frames belong to the interceptor that is asking and are
// dropped.
func StackLines(rt *goja.Runtime) []string {
	frames := rt.CaptureCallStack(0, nil)
	for len(frames) > 0 && frames[0].SrcName() == "<native>" {
		frames = frames[1:]
	}
	lines := make([]string, 0, len(frames))
	var buf bytes.Buffer
	for i := range frames {
		buf.Reset()
		frames[i].Write(&buf)
		lines = append(lines, buf.String())
	}
	return lines
}

// MatchStack reports whether any rendered frame satisfies m.
func MatchStack(rt *goja.Runtime, m *pattern.Matcher) bool {
	for _, line := range StackLines(rt) {
		if m.Test(line) {
			return true
		}
	}
	return false
}

// MatchStack is the Env form of the package-level MatchStack.
func (e *Env) MatchStack(m *pattern.Matcher) bool {
	return MatchStack(e.Runtime, m)
}
