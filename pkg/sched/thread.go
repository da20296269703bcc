package sched

import (
	"sync"
	"time"

	"github.com/tevino/abool"
)

// Thread runs a Context on its own goroutine, sleeping until the next task is
// due or until it is poked.
type Thread struct {
	context *Context
	poke    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	stopped *abool.AtomicBool
	running *abool.AtomicBool
}

// NewThread creates a Context with opts and starts its goroutine.
func NewThread(opts ...Option) *Thread {
	t := &Thread{
		context: NewContext(opts...),
		poke:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		stopped: abool.New(),
		running: abool.New(),
	}
	go t.loop()
	return t
}

func (t *Thread) loop() {
	defer close(t.done)

	log := t.context.log
	log.Debugf("scheduler thread started")

	for {
		var timer *time.Timer
		var timeout <-chan time.Time
		if ms := t.context.Wait(); ms >= 0 {
			timer = time.NewTimer(time.Duration(ms) * time.Millisecond)
			timeout = timer.C
		}

		select {
		case <-t.stop:
			if timer != nil {
				timer.Stop()
			}
			log.Debugf("scheduler thread stopped")
			return
		case <-t.poke:
		case <-timeout:
		}
		if timer != nil {
			timer.Stop()
		}

		if t.stopped.IsSet() {
			continue
		}
		t.running.Set()
		t.context.RunQ()
		t.running.UnSet()
	}
}

// Destroy stops the goroutine, waits for it to exit and destroys the context.
// Pending tasks are discarded without being invoked. It always returns nil so
// callers can write t = t.Destroy().
func (t *Thread) Destroy() *Thread {
	if t == nil {
		return nil
	}
	t.once.Do(func() {
		t.stopped.Set()
		close(t.stop)
	})
	<-t.done
	t.context.Destroy()
	return nil
}

// Context exposes the underlying context, e.g. for DelRetry.
func (t *Thread) Context() *Context {
	return t.context
}

// Poke makes the goroutine recompute its wait right away.
func (t *Thread) Poke() {
	select {
	case t.poke <- struct{}{}:
	default:
	}
}

// Running reports whether callbacks are executing at this moment.
func (t *Thread) Running() bool {
	return t.running.IsSet()
}

func (t *Thread) Add(when int, cb Callback, data interface{}) int {
	return t.AddVariable(when, cb, data, false)
}

func (t *Thread) AddVariable(when int, cb Callback, data interface{}, variable bool) int {
	id := t.context.AddVariable(when, cb, data, variable)
	if id > -1 {
		t.Poke()
	}
	return id
}

// Del cancels a task of the thread's context, see Context.Del.
func (t *Thread) Del(id int) int {
	return t.context.Del(id)
}
