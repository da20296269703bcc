package sched

import (
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ghettovoice/gosip/log"
	"github.com/go-logr/logr/funcr"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

var logger log.Logger

func init() {
	logrusNew := logrus.New()
	logrusNew.Formatter = &prefixed.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
		ForceColors:     true,
		ForceFormatting: true,
	}
	logrusNew.SetLevel(logrus.DebugLevel)
	logger = log.NewLogrusLogger(logrusNew, "sched_test", nil)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1000, 0)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestContext(clock *fakeClock, opts ...Option) *Context {
	opts = append([]Option{WithClock(clock.Now), WithLogger(logger)}, opts...)
	return NewContext(opts...)
}

// recorder collects the order in which callbacks fire.
type recorder struct {
	mu    sync.Mutex
	fired []int
}

func (r *recorder) callback(ret int) Callback {
	return func(data interface{}) int {
		r.mu.Lock()
		r.fired = append(r.fired, data.(int))
		r.mu.Unlock()
		return ret
	}
}

func (r *recorder) order() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, len(r.fired))
	copy(out, r.fired)
	return out
}

func TestWaitOnEmptyContext(t *testing.T) {
	c := newTestContext(newFakeClock())
	assert.Equal(t, -1, c.Wait())
	assert.Equal(t, 0, c.RunQ())
}

func TestWaitTightensAndEmpties(t *testing.T) {
	c := newTestContext(newFakeClock())
	var rec recorder

	id1 := c.Add(100000, rec.callback(0), 1)
	require.True(t, id1 >= 0)
	far := c.Wait()
	assert.True(t, far <= 100000)
	assert.True(t, far > 0)

	id2 := c.Add(1000, rec.callback(0), 2)
	require.True(t, id2 >= 0)
	near := c.Wait()
	assert.True(t, near < far, "wait should tighten: %d !< %d", near, far)
	assert.Equal(t, 1000, near)

	assert.Equal(t, 0, c.Del(id1))
	assert.Equal(t, 0, c.Del(id2))
	assert.Equal(t, -1, c.Wait())
	assert.Equal(t, 0, c.Len())
}

func TestRunQExpiryOrder(t *testing.T) {
	clock := newFakeClock()
	c := newTestContext(clock)
	var rec recorder

	delays := rand.Perm(50)
	for _, d := range delays {
		require.True(t, c.Add(d*10, rec.callback(0), d) >= 0)
	}
	clock.Advance(time.Second)

	assert.Equal(t, 50, c.RunQ())
	order := rec.order()
	require.Len(t, order, 50)
	for i := 1; i < len(order); i++ {
		assert.True(t, order[i-1] < order[i], "callbacks out of order: %v", order)
	}
}

func TestRunQFIFOTieBreak(t *testing.T) {
	clock := newFakeClock()
	c := newTestContext(clock)
	var rec recorder

	// 300ms, 0ms, 300ms, 0ms, ...
	for i := 0; i < 8; i++ {
		when := 0
		if i%2 == 0 {
			when = 300
		}
		require.True(t, c.Add(when, rec.callback(0), i) >= 0)
	}

	assert.Equal(t, 4, c.RunQ())
	assert.Equal(t, []int{1, 3, 5, 7}, rec.order())

	clock.Advance(299 * time.Millisecond)
	assert.Equal(t, 0, c.RunQ())

	clock.Advance(time.Millisecond)
	assert.Equal(t, 4, c.RunQ())
	assert.Equal(t, []int{1, 3, 5, 7, 0, 2, 4, 6}, rec.order())
	assert.Equal(t, -1, c.Wait())
}

func TestRunQFIFOTieBreakInterleaved(t *testing.T) {
	clock := newFakeClock()
	c := newTestContext(clock)
	var rec recorder

	c.Add(100, rec.callback(0), 1)
	c.Add(100, rec.callback(0), 2)
	c.RunQ()
	c.Add(100, rec.callback(0), 3)
	c.RunQ()
	c.Add(100, rec.callback(0), 4)

	clock.Advance(100 * time.Millisecond)
	assert.Equal(t, 4, c.RunQ())
	assert.Equal(t, []int{1, 2, 3, 4}, rec.order())
}

func TestOneShotNotInvokedAgain(t *testing.T) {
	clock := newFakeClock()
	c := newTestContext(clock)
	var rec recorder

	id := c.Add(10, rec.callback(0), 7)
	clock.Advance(10 * time.Millisecond)
	assert.Equal(t, 1, c.RunQ())

	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		assert.Equal(t, 0, c.RunQ())
	}
	assert.Equal(t, []int{7}, rec.order())
	assert.Nil(t, c.FindData(id))
	assert.Equal(t, -1, c.When(id))
	assert.Equal(t, -1, c.Del(id))
	assert.Equal(t, NotFound, c.Cancel(id))
}

func TestFixedReschedule(t *testing.T) {
	clock := newFakeClock()
	c := newTestContext(clock)
	var rec recorder

	// any non-zero return keeps the original interval
	id := c.Add(100, rec.callback(5000), 1)
	clock.Advance(100 * time.Millisecond)
	assert.Equal(t, 1, c.RunQ())
	assert.Equal(t, 100, c.When(id))

	clock.Advance(100 * time.Millisecond)
	assert.Equal(t, 1, c.RunQ())
	assert.Equal(t, 100, c.When(id))
	assert.Equal(t, []int{1, 1}, rec.order())
}

func TestVariableReschedule(t *testing.T) {
	clock := newFakeClock()
	c := newTestContext(clock)
	var rec recorder

	id := c.AddVariable(100, rec.callback(250), 1, true)
	clock.Advance(100 * time.Millisecond)
	assert.Equal(t, 1, c.RunQ())
	assert.Equal(t, 250, c.When(id))
	assert.Equal(t, 250, c.Wait())

	clock.Advance(249 * time.Millisecond)
	assert.Equal(t, 0, c.RunQ())
	clock.Advance(time.Millisecond)
	assert.Equal(t, 1, c.RunQ())
}

func TestVariableSmallReturnReschedulesAlmostImmediately(t *testing.T) {
	clock := newFakeClock()
	c := newTestContext(clock)
	var rec recorder

	id := c.AddVariable(1000, rec.callback(1), 1, true)
	clock.Advance(time.Second)
	assert.Equal(t, 1, c.RunQ())
	assert.Equal(t, 1, c.When(id))
}

func TestRescheduledTaskWaitsForNextPass(t *testing.T) {
	clock := newFakeClock()
	c := newTestContext(clock)
	var rec recorder

	c.Add(0, rec.callback(1), 1)
	assert.Equal(t, 1, c.RunQ())
	assert.Equal(t, 1, c.RunQ())
	assert.Equal(t, 1, c.Len())
}

func TestCallbackMayAddAndCancel(t *testing.T) {
	clock := newFakeClock()
	c := newTestContext(clock)
	var rec recorder

	victim := c.Add(50, rec.callback(0), 99)
	c.Add(10, func(data interface{}) int {
		assert.Equal(t, 0, c.Del(victim))
		c.Add(0, rec.callback(0), 2)
		return 0
	}, nil)

	clock.Advance(60 * time.Millisecond)
	assert.Equal(t, 1, c.RunQ())
	assert.Equal(t, 1, c.RunQ())
	assert.Equal(t, []int{2}, rec.order())
	assert.Equal(t, 0, c.Len())
}

func TestSelfCancelIsBusy(t *testing.T) {
	clock := newFakeClock()
	c := newTestContext(clock)

	var id int
	var results []CancelResult
	id = c.Add(0, func(data interface{}) int {
		results = append(results, c.Cancel(id))
		return 1
	}, nil)

	assert.Equal(t, 1, c.RunQ())
	assert.Equal(t, []CancelResult{Busy}, results)
	assert.Equal(t, Cancelled, c.Cancel(id))
	assert.Equal(t, 0, c.Len())
}

func TestCancelWhileRunningConcurrently(t *testing.T) {
	clock := newFakeClock()
	c := newTestContext(clock)

	started := make(chan struct{})
	release := make(chan struct{})
	invocations := 0
	id := c.Add(0, func(data interface{}) int {
		invocations++
		close(started)
		<-release
		return 1
	}, nil)

	done := make(chan int)
	go func() {
		done <- c.RunQ()
	}()

	<-started
	assert.Equal(t, -1, c.Del(id))
	assert.Equal(t, Busy, c.Cancel(id))
	assert.Nil(t, c.FindData(id))

	close(release)
	assert.Equal(t, 1, <-done)

	assert.Equal(t, 0, c.Del(id))
	clock.Advance(time.Second)
	assert.Equal(t, 0, c.RunQ())
	assert.Equal(t, 1, invocations)
	assert.Equal(t, -1, c.Wait())
}

func TestDelRetryCancelsAfterCallbackFinishes(t *testing.T) {
	clock := newFakeClock()
	c := newTestContext(clock)

	started := make(chan struct{})
	release := make(chan struct{})
	id := c.Add(0, func(data interface{}) int {
		close(started)
		<-release
		return 1
	}, nil)
	taskID := id

	done := make(chan int)
	go func() {
		done <- c.RunQ()
	}()
	<-started

	var exhausted []int
	res := DelRetryN(c, &id, 3, func(id int) {
		exhausted = append(exhausted, id)
	})
	assert.Equal(t, -1, res)
	assert.Equal(t, -1, id)
	assert.Equal(t, []int{taskID}, exhausted)

	close(release)
	<-done

	id = taskID
	assert.Equal(t, 0, DelRetry(c, &id))
	assert.Equal(t, -1, id)
	assert.Equal(t, 0, c.Len())
}

func TestDelRetrySentinel(t *testing.T) {
	c := newTestContext(newFakeClock())
	var rec recorder

	id := c.Add(100, rec.callback(0), 1)
	assert.Equal(t, 0, DelRetry(c, &id))
	assert.Equal(t, -1, id)

	assert.Equal(t, -1, DelRetry(c, &id))
	assert.Equal(t, -1, id)

	missing := 12345
	assert.Equal(t, -1, DelRetry(c, &missing))
	assert.Equal(t, -1, missing)
}

func TestReplace(t *testing.T) {
	clock := newFakeClock()
	c := newTestContext(clock)
	var rec recorder

	id := c.Add(100, rec.callback(0), 1)
	newID := c.Replace(id, 200, rec.callback(0), 2)
	require.True(t, newID >= 0)
	assert.Nil(t, c.FindData(id))
	assert.Equal(t, 2, c.FindData(newID))
	assert.Equal(t, 1, c.Len())

	// replacing an unknown id is not an error
	other := c.Replace(424242, 50, rec.callback(0), 3)
	assert.True(t, other >= 0)

	clock.Advance(time.Second)
	assert.Equal(t, 2, c.RunQ())
	assert.Equal(t, []int{3, 2}, rec.order())
}

func TestReplaceRetry(t *testing.T) {
	c := newTestContext(newFakeClock())
	var rec recorder

	id := -1
	first := ReplaceRetry(c, &id, 100, rec.callback(0), 1)
	assert.Equal(t, first, id)
	second := ReplaceRetry(c, &id, 100, rec.callback(0), 2)
	assert.Equal(t, second, id)
	assert.Nil(t, c.FindData(first))
	assert.Equal(t, 2, c.FindData(id))
	assert.Equal(t, 1, c.Len())
}

func TestFindDataAndWhen(t *testing.T) {
	clock := newFakeClock()
	c := newTestContext(clock)

	data := "payload"
	id := c.Add(1500, func(interface{}) int { return 0 }, data)
	assert.Equal(t, data, c.FindData(id))
	assert.Equal(t, 1500, c.When(id))
	clock.Advance(500 * time.Millisecond)
	assert.Equal(t, 1000, c.When(id))
	clock.Advance(2 * time.Second)
	assert.Equal(t, 0, c.When(id))
	assert.Equal(t, 0, c.Wait())

	assert.Nil(t, c.FindData(-1))
	assert.Equal(t, -1, c.When(-1))
	assert.Equal(t, -1, c.Del(-1))
}

func TestAddRejectsNilCallback(t *testing.T) {
	c := newTestContext(newFakeClock())
	assert.Equal(t, -1, c.Add(10, nil, nil))
}

func TestDestroyDropsTasks(t *testing.T) {
	clock := newFakeClock()
	c := newTestContext(clock)
	var rec recorder

	c.Add(0, rec.callback(0), 1)
	c.Add(10, rec.callback(0), 2)
	c.Destroy()

	clock.Advance(time.Second)
	assert.Equal(t, 0, c.RunQ())
	assert.Empty(t, rec.order())
	assert.Equal(t, -1, c.Wait())
	assert.Equal(t, -1, c.Add(0, rec.callback(0), 3))
}

func TestTaskCacheIsBounded(t *testing.T) {
	clock := newFakeClock()
	c := newTestContext(clock, WithCacheSize(2))
	var rec recorder

	ids := make([]int, 0, 5)
	for i := 0; i < 5; i++ {
		ids = append(ids, c.Add(100, rec.callback(0), i))
	}
	for _, id := range ids {
		assert.Equal(t, 0, c.Del(id))
	}
	assert.Equal(t, 2, c.cacheLen())

	// reused tasks behave like fresh ones
	id := c.Add(10, rec.callback(0), 42)
	assert.Equal(t, 1, c.cacheLen())
	assert.Equal(t, 42, c.FindData(id))
	clock.Advance(10 * time.Millisecond)
	assert.Equal(t, 1, c.RunQ())
	assert.Equal(t, []int{42}, rec.order())
}

func TestIDsWrapAndSkipLive(t *testing.T) {
	c := newTestContext(newFakeClock())
	var rec recorder

	c.nextID = 0
	live := c.Add(1000, rec.callback(0), 0)
	require.Equal(t, 0, live)

	c.nextID = maxTaskID
	assert.Equal(t, maxTaskID, c.Add(1000, rec.callback(0), 1))
	// 0 is still pending, so the generator moves past it
	assert.Equal(t, 1, c.Add(1000, rec.callback(0), 2))
}

func TestIDsAreUnique(t *testing.T) {
	c := newTestContext(newFakeClock())
	var rec recorder

	seen := make(map[int]bool)
	for i := 0; i < 1000; i++ {
		id := c.Add(i, rec.callback(0), i)
		require.True(t, id >= 0)
		require.False(t, seen[id])
		seen[id] = true
	}
}

func namedCallback(interface{}) int { return 0 }

func TestDumpAndReport(t *testing.T) {
	c := newTestContext(newFakeClock())

	c.Add(300, namedCallback, "a")
	c.Add(100, namedCallback, "b")
	c.AddVariable(200, func(interface{}) int { return 0 }, "c", true)

	infos := c.Dump()
	require.Len(t, infos, 3)
	assert.Equal(t, "b", infos[0].Data)
	assert.Equal(t, "c", infos[1].Data)
	assert.True(t, infos[1].Variable)
	assert.Equal(t, "a", infos[2].Data)
	assert.Equal(t, 100, infos[0].Remaining)

	report := c.Report()
	var named int
	for name, n := range report {
		if strings.HasSuffix(name, "namedCallback") {
			named = n
		}
	}
	assert.Equal(t, 2, named)
}

func TestCancelTrace(t *testing.T) {
	var mu sync.Mutex
	var lines []string
	sink := funcr.New(func(prefix, args string) {
		mu.Lock()
		lines = append(lines, args)
		mu.Unlock()
	}, funcr.Options{Verbosity: 1})

	c := newTestContext(newFakeClock(), WithTrace(sink))
	id := c.Add(100, namedCallback, nil)
	c.Del(id)
	DelRetry(c, &id)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "sched_test.go")
	assert.Contains(t, lines[0], "TestCancelTrace")
	assert.Contains(t, lines[0], "Cancelled")
	assert.Contains(t, lines[1], "TestCancelTrace")
	assert.Contains(t, lines[1], "NotFound")
}

func TestConcurrentAddDelRun(t *testing.T) {
	c := NewContext(WithLogger(logger))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				c.RunQ()
			}
		}
	}()

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := c.Add(i%3, func(interface{}) int { return 0 }, i)
				if i%2 == 0 {
					DelRetry(c, &id)
				}
			}
		}()
	}
	wg.Wait()
	close(stop)

	deadline := time.Now().Add(2 * time.Second)
	for c.Len() > 0 && time.Now().Before(deadline) {
		c.RunQ()
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, 0, c.Len())
}
