package window

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/vnykmshr/clusterflow/pkg/common/validation"
)

// Clock provides the current time. It can be mocked for testing.
type Clock interface {
	Now() time.Time
}

// SystemClock implements Clock using the system time.
type SystemClock struct{}

// Now returns the current system time.
func (SystemClock) Now() time.Time {
	return time.Now()
}

type bucket struct {
	start atomic.Int64
	pass  atomic.Int64
	block atomic.Int64
}

// Window counts passed and blocked acquisitions over a sliding interval made
// of sampleCount equal buckets. Counters are lock free; a mutex is only taken
// when a stale bucket is reset or capacity is borrowed from a future bucket.
type Window struct {
	sampleCount int64
	intervalMs  int64
	bucketMs    int64
	buckets     []bucket
	clock       Clock

	// decideMu serializes check-then-add decisions so concurrent callers
	// never grant more than the threshold.
	decideMu sync.Mutex

	mu       sync.Mutex
	borrowed map[int64]int64 // future bucket start -> occupied count
	nBorrow  atomic.Int64
}

// New creates a window of sampleCount buckets spanning intervalMs
// milliseconds. intervalMs must be a multiple of sampleCount. A nil clock
// uses SystemClock.
func New(sampleCount, intervalMs int, clock Clock) (*Window, error) {
	if err := validation.ValidatePositive("window", "sampleCount", sampleCount); err != nil {
		return nil, err
	}
	if err := validation.ValidatePositive("window", "intervalMs", intervalMs); err != nil {
		return nil, err
	}
	if err := validation.ValidateDivisible("window", "intervalMs", intervalMs, sampleCount); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = SystemClock{}
	}

	w := &Window{
		sampleCount: int64(sampleCount),
		intervalMs:  int64(intervalMs),
		bucketMs:    int64(intervalMs / sampleCount),
		buckets:     make([]bucket, sampleCount),
		clock:       clock,
		borrowed:    make(map[int64]int64),
	}
	for i := range w.buckets {
		w.buckets[i].start.Store(-1)
	}
	return w, nil
}

// IntervalMs returns the window length in milliseconds.
func (w *Window) IntervalMs() int64 { return w.intervalMs }

// SampleCount returns the number of buckets.
func (w *Window) SampleCount() int { return int(w.sampleCount) }

func (w *Window) nowMs() int64 {
	return w.clock.Now().UnixMilli()
}

func (w *Window) bucketStart(now int64) int64 {
	return now - now%w.bucketMs
}

// current returns the bucket covering now, resetting it if it holds counts
// for any other window start, including a later one left behind when the
// clock stepped back. Capacity borrowed for that bucket is folded into its
// pass count.
func (w *Window) current(now int64) *bucket {
	start := w.bucketStart(now)
	b := &w.buckets[(now/w.bucketMs)%w.sampleCount]
	if b.start.Load() == start {
		return b
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if b.start.Load() != start {
		b.pass.Store(w.borrowed[start])
		b.block.Store(0)
		b.start.Store(start)
		w.dropBorrowedLocked(start)
		w.expireBorrowedLocked(now)
	}
	return b
}

func (w *Window) dropBorrowedLocked(start int64) {
	if _, ok := w.borrowed[start]; ok {
		delete(w.borrowed, start)
		w.nBorrow.Add(-1)
	}
}

func (w *Window) expireBorrowedLocked(now int64) {
	if w.nBorrow.Load() == 0 {
		return
	}
	for start := range w.borrowed {
		if now-start >= w.intervalMs {
			delete(w.borrowed, start)
			w.nBorrow.Add(-1)
		}
	}
}

func (w *Window) valid(b *bucket, now int64) bool {
	start := b.start.Load()
	return start >= 0 && start <= now && now-start < w.intervalMs
}

// counts sums pass and block over the buckets still inside the window.
// Borrowed capacity whose bucket has started but was never touched counts
// as passed. future is the capacity borrowed for buckets after now.
func (w *Window) counts(now int64) (pass, block, future int64) {
	for i := range w.buckets {
		b := &w.buckets[i]
		if w.valid(b, now) {
			pass += b.pass.Load()
			block += b.block.Load()
		}
	}

	if w.nBorrow.Load() == 0 {
		return pass, block, 0
	}
	w.mu.Lock()
	for start, n := range w.borrowed {
		switch {
		case start > now:
			future += n
		case now-start < w.intervalMs:
			pass += n
		}
	}
	w.mu.Unlock()
	return pass, block, future
}

// passAt returns the passes recorded for the bucket starting at start.
func (w *Window) passAt(start, now int64) int64 {
	if start < 0 {
		return 0
	}
	var n int64
	b := &w.buckets[(start/w.bucketMs)%w.sampleCount]
	if b.start.Load() == start {
		n = b.pass.Load()
	}
	if w.nBorrow.Load() > 0 && start <= now {
		w.mu.Lock()
		n += w.borrowed[start]
		w.mu.Unlock()
	}
	return n
}

// Sum returns the passes inside the window ending at the current time.
func (w *Window) Sum() int64 {
	pass, _, _ := w.counts(w.nowMs())
	return pass
}

// Pass is an alias of Sum kept for symmetry with Block.
func (w *Window) Pass() int64 {
	return w.Sum()
}

// Block returns the blocked acquisitions inside the window.
func (w *Window) Block() int64 {
	_, block, _ := w.counts(w.nowMs())
	return block
}

// Waiting returns the capacity borrowed for buckets that have not started.
func (w *Window) Waiting() int64 {
	_, _, future := w.counts(w.nowMs())
	return future
}

// AddPass records n passes in the current bucket.
func (w *Window) AddPass(n int64) {
	w.current(w.nowMs()).pass.Add(n)
}

// AddBlock records n blocked acquisitions in the current bucket.
func (w *Window) AddBlock(n int64) {
	w.current(w.nowMs()).block.Add(n)
}

// TryPass grants acquire when the passes in the window plus the capacity
// already borrowed from future buckets leave room for it under threshold.
// On success the pass is recorded and the remaining capacity returned.
func (w *Window) TryPass(acquire, threshold int64) (bool, int64) {
	w.decideMu.Lock()
	defer w.decideMu.Unlock()

	now := w.nowMs()
	b := w.current(now)
	pass, _, future := w.counts(now)
	used := pass + future
	if used+acquire > threshold {
		return false, 0
	}
	b.pass.Add(acquire)
	return true, threshold - used - acquire
}

// TryOccupyNext borrows acquire from the earliest future bucket, starting no
// later than timeoutMs from now, at which enough old buckets have slid out
// of the window to fit it under threshold. It returns the wait until that
// bucket starts.
func (w *Window) TryOccupyNext(acquire, threshold, timeoutMs int64) (int64, bool) {
	w.decideMu.Lock()
	defer w.decideMu.Unlock()

	now := w.nowMs()
	w.current(now)
	pass, _, future := w.counts(now)
	if future >= threshold {
		return 0, false
	}

	cur := w.bucketStart(now)
	earliest := cur + w.bucketMs - w.intervalMs
	for i := int64(0); earliest <= cur; i++ {
		target := cur + (i+1)*w.bucketMs
		wait := target - now
		if wait >= timeoutMs {
			break
		}
		expiring := w.passAt(earliest, now)
		if pass+future+acquire-expiring <= threshold {
			w.mu.Lock()
			if _, ok := w.borrowed[target]; !ok {
				w.nBorrow.Add(1)
			}
			w.borrowed[target] += acquire
			w.mu.Unlock()
			return wait, true
		}
		pass -= expiring
		earliest += w.bucketMs
	}
	return 0, false
}
