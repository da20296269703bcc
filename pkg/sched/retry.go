package sched

import (
	"time"
)

const (
	// DefaultDelRetries is how many times DelRetry tries to cancel a task
	// that is executing before giving up.
	DefaultDelRetries = 10
	delRetryPause     = time.Microsecond
)

// DelRetry cancels *id, retrying while the task is executing, and logs a
// warning if it is still executing after DefaultDelRetries attempts.
// *id is always set to -1 afterwards, whatever the outcome, so callers never
// cancel the same id twice. Returns 0 when the task was cancelled.
func DelRetry(c *Context, id *int) int {
	return delRetry(c, id, DefaultDelRetries, func(id int) {
		c.log.Warnf("Unable to cancel schedule ID %d", id)
	}, 4)
}

// DelRetryN is DelRetry with a caller chosen attempt count and exhaustion
// handler. onExhausted may be nil.
func DelRetryN(c *Context, id *int, attempts int, onExhausted func(id int)) int {
	return delRetry(c, id, attempts, onExhausted, 4)
}

func delRetry(c *Context, id *int, attempts int, onExhausted func(id int), skip int) int {
	if id == nil {
		return -1
	}
	defer func() { *id = -1 }()

	if *id < 0 {
		return -1
	}
	if attempts < 1 {
		attempts = 1
	}

	for i := 0; i < attempts; i++ {
		switch c.cancel(*id, skip) {
		case Cancelled:
			return 0
		case NotFound:
			// not executing and not pending: nothing left to cancel
			return -1
		}
		if i < attempts-1 {
			time.Sleep(delRetryPause)
		}
	}

	if onExhausted != nil {
		onExhausted(*id)
	}
	return -1
}

// ReplaceRetry cancels *id with DelRetry semantics, schedules a new task and
// stores its id in *id.
func ReplaceRetry(c *Context, id *int, when int, cb Callback, data interface{}) int {
	return ReplaceVariableRetry(c, id, when, cb, data, false)
}

func ReplaceVariableRetry(c *Context, id *int, when int, cb Callback, data interface{}, variable bool) int {
	if id == nil {
		return c.AddVariable(when, cb, data, variable)
	}
	delRetry(c, id, DefaultDelRetries, func(old int) {
		c.log.Warnf("Unable to cancel schedule ID %d", old)
	}, 4)
	*id = c.AddVariable(when, cb, data, variable)
	return *id
}
