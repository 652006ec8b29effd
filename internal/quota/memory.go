package quota

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// window holds the fixed-window counters for one key. All access goes through
// its own mutex so unrelated keys never contend.
type window struct {
	mu sync.Mutex

	minuteStart    time.Time
	dayStart       time.Time
	minuteRequests int
	minuteTokens   int
	dayRequests    int

	// claims of in-flight reservations, counted against every limit
	pendingRequests int
	pendingTokens   int
}

// roll resets any counter whose window boundary has been crossed.
func (w *window) roll(now time.Time) {
	if m := minuteStart(now); !m.Equal(w.minuteStart) {
		w.minuteStart = m
		w.minuteRequests = 0
		w.minuteTokens = 0
	}
	if d := dayStart(now); !d.Equal(w.dayStart) {
		w.dayStart = d
		w.dayRequests = 0
	}
}

func (w *window) admits(l Limits, estimatedTokens int) bool {
	return admits(l,
		w.minuteRequests+w.pendingRequests,
		w.minuteTokens+w.pendingTokens,
		w.dayRequests+w.pendingRequests,
		estimatedTokens)
}

func (w *window) record(tokens int) {
	if tokens < 0 {
		tokens = 0
	}
	w.minuteRequests++
	w.minuteTokens += tokens
	w.dayRequests++
}

// MemoryTracker keeps quota windows in process memory.
type MemoryTracker struct {
	limits  LimitsFunc
	windows sync.Map // key -> *window
	now     func() time.Time
}

// NewMemoryTracker creates a tracker that resolves limits through fn.
func NewMemoryTracker(fn LimitsFunc) *MemoryTracker {
	return &MemoryTracker{limits: fn, now: time.Now}
}

func (t *MemoryTracker) window(provider, model string) *window {
	k := key(provider, model)
	if w, ok := t.windows.Load(k); ok {
		return w.(*window)
	}
	w, _ := t.windows.LoadOrStore(k, &window{})
	return w.(*window)
}

func (t *MemoryTracker) limitsFor(provider, model string) Limits {
	if t.limits == nil {
		return Limits{}
	}
	l, ok := t.limits(provider, model)
	if !ok {
		return Limits{}
	}
	return l
}

func (t *MemoryTracker) CanAdmit(_ context.Context, provider, model string, estimatedTokens int) bool {
	l := t.limitsFor(provider, model)
	if l.Unlimited() {
		return true
	}
	w := t.window(provider, model)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.roll(t.now())
	return w.admits(l, estimatedTokens)
}

func (t *MemoryTracker) Reserve(_ context.Context, provider, model string, estimatedTokens int) (Reservation, error) {
	if estimatedTokens < 0 {
		estimatedTokens = 0
	}
	l := t.limitsFor(provider, model)
	w := t.window(provider, model)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.roll(t.now())
	if !l.Unlimited() && !w.admits(l, estimatedTokens) {
		return nil, ErrQuotaExceeded
	}
	w.pendingRequests++
	w.pendingTokens += estimatedTokens
	return &memoryReservation{tracker: t, w: w, tokens: estimatedTokens}, nil
}

func (t *MemoryTracker) Record(_ context.Context, provider, model string, tokens int) {
	w := t.window(provider, model)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.roll(t.now())
	w.record(tokens)
}

func (t *MemoryTracker) WaitTime(_ context.Context, provider, model string) time.Duration {
	l := t.limitsFor(provider, model)
	if l.Unlimited() {
		return 0
	}
	w := t.window(provider, model)
	w.mu.Lock()
	defer w.mu.Unlock()
	now := t.now()
	w.roll(now)
	return waitFor(l, now,
		w.minuteRequests+w.pendingRequests,
		w.minuteTokens+w.pendingTokens,
		w.dayRequests+w.pendingRequests)
}

// Usage returns the current counters of a key.
func (t *MemoryTracker) Usage(provider, model string) Usage {
	w := t.window(provider, model)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.roll(t.now())
	return Usage{
		MinuteRequests: w.minuteRequests,
		MinuteTokens:   w.minuteTokens,
		DayRequests:    w.dayRequests,
		Pending:        w.pendingRequests,
	}
}

type memoryReservation struct {
	tracker *MemoryTracker
	w       *window
	tokens  int
	done    atomic.Bool
}

func (r *memoryReservation) Commit(_ context.Context, tokens int) {
	if !r.done.CompareAndSwap(false, true) {
		return
	}
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	r.w.roll(r.tracker.now())
	r.unclaim()
	r.w.record(tokens)
}

func (r *memoryReservation) Release(_ context.Context) {
	if !r.done.CompareAndSwap(false, true) {
		return
	}
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	r.unclaim()
}

func (r *memoryReservation) unclaim() {
	r.w.pendingRequests--
	r.w.pendingTokens -= r.tokens
	if r.w.pendingRequests < 0 {
		r.w.pendingRequests = 0
	}
	if r.w.pendingTokens < 0 {
		r.w.pendingTokens = 0
	}
}
