package sched

import (
	"container/heap"
	"math"
	"reflect"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/ghettovoice/gosip/log"
	"github.com/go-logr/logr"

	"github.com/cloudwebrtc/go-pbx-sched/pkg/utils"
)

const (
	// DefaultCacheSize is the number of retired tasks kept for reuse.
	DefaultCacheSize = 128
	maxTaskID        = math.MaxInt32
)

// Callback is invoked with the data given at add time.
//
// A return of 0 means the task is done. Any other value reschedules it: for
// tasks added with AddVariable(..., true) the value is the next delay in
// milliseconds, otherwise the task is rescheduled with the interval it was
// added with. A variable task returning 1 runs again about 1ms later, which
// is what the contract says even though it is rarely what the caller wants.
type Callback func(data interface{}) int

// CancelResult tells Cancel callers why a cancel did or did not happen.
type CancelResult int

const (
	Cancelled CancelResult = iota
	NotFound
	// Busy means the task is executing right now in RunQ.
	Busy
)

func (r CancelResult) String() string {
	switch r {
	case Cancelled:
		return "Cancelled"
	case NotFound:
		return "NotFound"
	case Busy:
		return "Busy"
	}
	return "Unknown"
}

type task struct {
	id       int
	seq      uint64
	when     time.Time
	resched  int
	variable bool
	callback Callback
	data     interface{}
	index    int
}

// TaskInfo is a point in time view of a pending task.
type TaskInfo struct {
	ID        int
	Remaining int
	Variable  bool
	Interval  int
	Callback  string
	Data      interface{}
}

type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Context holds the pending tasks of one scheduling domain.
//
// Add, Del and RunQ may be called from any goroutine. Callbacks run on the
// goroutine calling RunQ, without the context lock held, so they may add
// tasks or cancel other tasks of the same context.
type Context struct {
	mu        sync.Mutex
	runMu     sync.Mutex
	queue     taskHeap
	tasks     map[int]*task
	running   *task
	nextID    int
	seq       uint64
	cache     deque.Deque
	cacheSize int
	destroyed bool

	now   func() time.Time
	log   log.Logger
	trace logr.Logger
}

// Option configures a Context.
type Option func(c *Context)

// WithCacheSize bounds the free list of retired tasks.
func WithCacheSize(size int) Option {
	return func(c *Context) {
		if size >= 0 {
			c.cacheSize = size
		}
	}
}

// WithLogger sets the logger used for warnings and dumps.
func WithLogger(logger log.Logger) Option {
	return func(c *Context) {
		if logger != nil {
			c.log = logger.WithPrefix("Sched")
		}
	}
}

// WithTrace enables cancel tracing. Every Del/Cancel is logged at V(1) with
// the caller's file, line and function.
func WithTrace(sink logr.Logger) Option {
	return func(c *Context) {
		c.trace = sink
	}
}

// WithClock replaces the monotonic clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Context) {
		if now != nil {
			c.now = now
		}
	}
}

func NewContext(opts ...Option) *Context {
	c := &Context{
		tasks:     make(map[int]*task),
		cacheSize: DefaultCacheSize,
		now:       time.Now,
		trace:     logr.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = utils.NewLogrusLogger(utils.DefaultLogLevel, "Sched", nil)
	}
	return c
}

// Destroy drops every pending task without invoking it. Data attached to the
// tasks is not touched; callers must release it themselves. Adds after
// Destroy fail.
func (c *Context) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.destroyed = true
	for _, t := range c.queue {
		t.index = -1
	}
	c.queue = nil
	c.tasks = make(map[int]*task)
	for c.cache.Len() > 0 {
		c.cache.PopBack()
	}
}

func (c *Context) allocTask() *task {
	if c.cache.Len() > 0 {
		return c.cache.PopFront().(*task)
	}
	return &task{}
}

func (c *Context) releaseTask(t *task) {
	*t = task{index: -1}
	if !c.destroyed && c.cache.Len() < c.cacheSize {
		c.cache.PushBack(t)
	}
}

func (c *Context) allocID() int {
	for {
		id := c.nextID
		if c.nextID >= maxTaskID {
			c.nextID = 0
		} else {
			c.nextID++
		}
		if _, live := c.tasks[id]; live {
			continue
		}
		if c.running != nil && c.running.id == id {
			continue
		}
		return id
	}
}

func expiry(now time.Time, ms int) time.Time {
	if ms <= 0 {
		return now
	}
	return now.Add(time.Duration(ms) * time.Millisecond)
}

func (c *Context) schedule(t *task) {
	c.seq++
	t.seq = c.seq
	heap.Push(&c.queue, t)
	c.tasks[t.id] = t
}

// Add schedules a one-shot task no sooner than when milliseconds from now.
// when <= 0 means as soon as possible. Returns the task id or -1.
func (c *Context) Add(when int, cb Callback, data interface{}) int {
	return c.AddVariable(when, cb, data, false)
}

// AddVariable is Add with the reschedule policy chosen by variable.
func (c *Context) AddVariable(when int, cb Callback, data interface{}, variable bool) int {
	if cb == nil {
		return -1
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return -1
	}

	t := c.allocTask()
	t.id = c.allocID()
	t.callback = cb
	t.data = data
	t.variable = variable
	t.resched = when
	t.when = expiry(c.now(), when)
	c.schedule(t)
	return t.id
}

// Replace cancels oldID, ignoring failure, and adds a new task.
func (c *Context) Replace(oldID int, when int, cb Callback, data interface{}) int {
	return c.ReplaceVariable(oldID, when, cb, data, false)
}

func (c *Context) ReplaceVariable(oldID int, when int, cb Callback, data interface{}, variable bool) int {
	if oldID > -1 {
		c.cancel(oldID, 3)
	}
	return c.AddVariable(when, cb, data, variable)
}

// FindData returns the data of a pending task, or nil. The task may fire or be
// cancelled right after the call returns.
func (c *Context) FindData(id int) interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.tasks[id]; ok {
		return t.data
	}
	return nil
}

// Del cancels a pending task. It returns -1 both when id is unknown and when
// the task is executing at this moment; Cancel tells the two apart.
func (c *Context) Del(id int) int {
	if c.cancel(id, 3) == Cancelled {
		return 0
	}
	return -1
}

// Cancel is Del with the failure reason.
func (c *Context) Cancel(id int) CancelResult {
	return c.cancel(id, 3)
}

func (c *Context) cancel(id int, skip int) CancelResult {
	res := c.unlink(id)
	c.traceCancel(id, res, skip)
	return res
}

func (c *Context) unlink(id int) CancelResult {
	if id < 0 {
		return NotFound
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.tasks[id]; ok {
		heap.Remove(&c.queue, t.index)
		delete(c.tasks, id)
		c.releaseTask(t)
		return Cancelled
	}
	if c.running != nil && c.running.id == id {
		return Busy
	}
	return NotFound
}

func untilMs(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Millisecond - 1) / time.Millisecond)
}

// Wait returns the milliseconds until the earliest task is due, 0 when one is
// already due, or -1 when nothing is pending. The value is meant to be used
// as a poll timeout.
func (c *Context) Wait() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.queue) == 0 {
		return -1
	}
	return untilMs(c.queue[0].when.Sub(c.now()))
}

// When returns the milliseconds left before task id fires, or -1 when it is
// not pending.
func (c *Context) When(id int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tasks[id]
	if !ok {
		return -1
	}
	return untilMs(t.when.Sub(c.now()))
}

// Len returns the number of pending tasks.
func (c *Context) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks)
}

// RunQ runs every task that is due, in expiry order with ties in add order,
// and returns how many callbacks were invoked. Tasks rescheduled or added
// during the pass are left for the next one. Only one RunQ runs at a time.
func (c *Context) RunQ() int {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	limit := c.seq
	count := 0

	for len(c.queue) > 0 {
		t := c.queue[0]
		if t.when.After(now) || t.seq > limit {
			break
		}
		heap.Pop(&c.queue)
		delete(c.tasks, t.id)
		c.running = t

		c.mu.Unlock()
		res := t.callback(t.data)
		c.mu.Lock()

		c.running = nil
		count++

		if res == 0 || c.destroyed {
			c.releaseTask(t)
			continue
		}

		interval := t.resched
		if t.variable {
			interval = res
		}
		t.when = expiry(c.now(), interval)
		c.schedule(t)
	}

	return count
}

func callbackName(cb Callback) string {
	if cb == nil {
		return "<nil>"
	}
	if f := runtime.FuncForPC(reflect.ValueOf(cb).Pointer()); f != nil {
		return f.Name()
	}
	return "<unknown>"
}

// Dump returns the pending tasks ordered by expiry and logs them at debug level.
func (c *Context) Dump() []TaskInfo {
	c.mu.Lock()
	now := c.now()
	pending := make([]*task, len(c.queue))
	copy(pending, c.queue)
	sort.Slice(pending, func(i, j int) bool {
		return taskHeap(pending).Less(i, j)
	})
	infos := make([]TaskInfo, 0, len(pending))
	for _, t := range pending {
		infos = append(infos, TaskInfo{
			ID:        t.id,
			Remaining: untilMs(t.when.Sub(now)),
			Variable:  t.variable,
			Interval:  t.resched,
			Callback:  callbackName(t.callback),
			Data:      t.data,
		})
	}
	c.mu.Unlock()

	c.log.Debugf("Schedule Dump (%d in Q, %d cached, next id %d)", len(infos), c.cacheLen(), c.peekNextID())
	for _, info := range infos {
		c.log.Debugf("  id=%-6d in=%-8dms variable=%-5v callback=%s", info.ID, info.Remaining, info.Variable, info.Callback)
	}
	return infos
}

// Report counts pending tasks per callback function name.
func (c *Context) Report() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()

	counts := make(map[string]int)
	for _, t := range c.queue {
		counts[callbackName(t.callback)]++
	}
	return counts
}

func (c *Context) cacheLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Len()
}

func (c *Context) peekNextID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextID
}
