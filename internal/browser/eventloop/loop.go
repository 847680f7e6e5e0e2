// Package eventloop provides the single-threaded task loop that drives a page's
// JavaScript realm. The realm and its job queue come from goja_nodejs; timers
// run against a virtual clock layered on top so page time can be
// fast-forwarded, while I/O completions are posted back from goroutines.
package eventloop

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	gojaloop "github.com/dop251/goja_nodejs/eventloop"
	"go.uber.org/zap"
)

const (
	// Timers nested deeper than this are clamped to minNestedDelay, matching
	// how browsers throttle self-rescheduling timeouts.
	maxNestingLevel = 5
	minNestedDelay  = 4 * time.Millisecond
	// Intervals never repeat faster than this on the virtual clock.
	minIntervalDelay = time.Millisecond
)

// nodeGlobals are installed by goja_nodejs but do not exist in a page. The
// real-time timers are replaced by the DOM bridge's virtual-clock ones.
var nodeGlobals = []string{"require", "setTimeout", "setInterval", "setImmediate", "clearTimeout", "clearInterval", "clearImmediate"}

// Loop owns the realm, the virtual clock, the timer queue and the job queue
// of one page. Run and Runtime must only be used from the goroutine that owns
// the realm; every other method is safe for concurrent use.
type Loop struct {
	logger *zap.Logger
	js     *gojaloop.EventLoop
	vm     *goja.Runtime

	mu     sync.Mutex
	now    time.Time
	seq    uint64
	nextID int64
	timers timerHeap
	byID   map[int64]*timer

	queued  atomic.Int64
	pending atomic.Int64
	wake    chan struct{}

	// Only touched from the loop goroutine.
	nesting  int
	draining bool
}

// New creates a loop and its realm. The realm's clock is the loop's virtual
// clock, starting at start.
func New(logger *zap.Logger, start time.Time) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Loop{
		logger: logger.Named("eventloop"),
		js:     gojaloop.NewEventLoop(gojaloop.EnableConsole(false)),
		now:    start,
		byID:   make(map[int64]*timer),
		wake:   make(chan struct{}, 1),
	}
	l.js.Run(func(vm *goja.Runtime) {
		l.vm = vm
		vm.SetTimeSource(l.Now)
		for _, name := range nodeGlobals {
			if err := vm.GlobalObject().Delete(name); err != nil {
				l.logger.Error("Failed to remove node global", zap.String("name", name), zap.Error(err))
			}
		}
	})
	return l
}

// Runtime returns the realm driven by this loop.
func (l *Loop) Runtime() *goja.Runtime {
	return l.vm
}

// Now reports the current virtual time.
func (l *Loop) Now() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.now
}

// SetTimeout schedules fn once after delay and returns its handle.
func (l *Loop) SetTimeout(delay time.Duration, fn func()) int64 {
	return l.schedule(delay, 0, fn)
}

// SetInterval schedules fn every interval until cleared.
func (l *Loop) SetInterval(interval time.Duration, fn func()) int64 {
	if interval < minIntervalDelay {
		interval = minIntervalDelay
	}
	return l.schedule(interval, interval, fn)
}

// Clear cancels a timeout or interval. Unknown handles are ignored.
func (l *Loop) Clear(id int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.byID[id]
	if !ok {
		return
	}
	delete(l.byID, id)
	if t.index >= 0 {
		heap.Remove(&l.timers, t.index)
	}
}

func (l *Loop) schedule(delay, interval time.Duration, fn func()) int64 {
	if delay < 0 {
		delay = 0
	}
	level := l.nesting + 1
	if level > maxNestingLevel && delay < minNestedDelay {
		delay = minNestedDelay
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	l.seq++
	t := &timer{
		id:       l.nextID,
		when:     l.now.Add(delay),
		seq:      l.seq,
		interval: interval,
		level:    level,
		fn:       fn,
	}
	heap.Push(&l.timers, t)
	l.byID[t.id] = t
	return t.id
}

// Post queues fn to run on the loop goroutine. Jobs run in the order they
// were posted.
func (l *Loop) Post(fn func()) {
	l.queued.Add(1)
	if !l.js.RunOnLoop(func(*goja.Runtime) {
		l.queued.Add(-1)
		fn()
	}) {
		l.queued.Add(-1)
		l.logger.Warn("Dropped job posted to a terminated loop")
		return
	}
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Go runs work on a new goroutine and keeps the loop alive until the
// continuation it returns has run on the loop goroutine. Virtual time does
// not advance while any such operation is outstanding.
func (l *Loop) Go(work func() func()) {
	l.pending.Add(1)
	go func() {
		var cont func()
		defer func() {
			l.Post(func() {
				l.pending.Add(-1)
				if cont != nil {
					cont()
				}
			})
		}()
		cont = work()
	}()
}

// Pending reports the number of outstanding I/O operations.
func (l *Loop) Pending() int {
	return int(l.pending.Load())
}

// Run drives the loop until there is nothing left to do, the context is done,
// or the virtual clock has advanced by budget. It must not be called from a
// job or timer callback.
func (l *Loop) Run(ctx context.Context, budget time.Duration) error {
	deadline := l.Now().Add(budget)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.drainJobs() {
			continue
		}
		if t := l.popDue(); t != nil {
			l.fire(t)
			continue
		}
		if l.pending.Load() > 0 {
			select {
			case <-l.wake:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if !l.advance(deadline) {
			return nil
		}
	}
}

// drainJobs runs the jobs queued so far on the calling goroutine. Jobs they
// post are left for the next call.
func (l *Loop) drainJobs() bool {
	if l.draining || l.queued.Load() == 0 {
		return false
	}
	l.draining = true
	defer func() { l.draining = false }()
	// With no node timers the goja_nodejs loop returns once its queue of
	// RunOnLoop jobs is empty.
	l.js.Run(func(*goja.Runtime) {})
	return true
}

func (l *Loop) popDue() *timer {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.timers) == 0 || l.timers[0].when.After(l.now) {
		return nil
	}
	t := heap.Pop(&l.timers).(*timer)
	if t.interval > 0 {
		l.seq++
		t.when = l.now.Add(t.interval)
		t.seq = l.seq
		heap.Push(&l.timers, t)
	} else {
		delete(l.byID, t.id)
	}
	return t
}

func (l *Loop) fire(t *timer) {
	prev := l.nesting
	l.nesting = t.level
	defer func() { l.nesting = prev }()
	t.fn()
}

// advance moves the clock to the next timer if it falls within deadline.
func (l *Loop) advance(deadline time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.timers) == 0 {
		return false
	}
	next := l.timers[0].when
	if next.After(deadline) {
		if deadline.After(l.now) {
			l.now = deadline
		}
		l.logger.Debug("Virtual time budget exhausted", zap.Int("timers_left", len(l.timers)))
		return false
	}
	l.now = next
	return true
}

// -- Timer Queue --

type timer struct {
	id       int64
	when     time.Time
	seq      uint64
	interval time.Duration
	level    int
	fn       func()
	index    int
}

type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
