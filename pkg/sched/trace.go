package sched

import (
	"path/filepath"
	"runtime"
)

// traceCancel reports a cancel attempt to the trace sink. skip is the
// runtime.Caller depth of the code that asked for the cancel.
func (c *Context) traceCancel(id int, res CancelResult, skip int) {
	v := c.trace.V(1)
	if !v.Enabled() {
		return
	}

	file, line, function := "???", 0, "???"
	if pc, f, l, ok := runtime.Caller(skip); ok {
		file, line = filepath.Base(f), l
		if fn := runtime.FuncForPC(pc); fn != nil {
			function = fn.Name()
		}
	}
	v.Info("schedule entry cancel",
		"id", id,
		"result", res.String(),
		"file", file,
		"line", line,
		"function", function,
	)
}
