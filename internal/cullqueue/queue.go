// Package cullqueue implements the bounded LRU priority queue that
// drives object culling, and the invariants that guard it.
//
// Grounded on _examples/original_source/common/cull.c's cullmgr_* family
// and the fixture-driven tests in cull_test.c; the fake-atimes-backed
// test harness used below (in queue_test.go) mirrors that separation of
// "real algorithm, fabricated on-disk fixture".
package cullqueue

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/cachefilesd/cachefilesd/internal/indexio"
)

// ErrThrashLimitExceeded is returned by Cull once six consecutive "fresh"
// (started at oldest==0) drains in a row produce no successful cull — a
// fatal invariant, not a transient condition to retry past.
var ErrThrashLimitExceeded = errors.New("cullqueue: thrash limit exceeded")

// ErrInvariantViolation wraps the other bug-class failures (non-empty
// queue during build start, cull count inconsistency): callers should
// map it to exit code 3, not attempt recovery.
var ErrInvariantViolation = errors.New("cullqueue: invariant violation")

// pair is one (slot, stored-atime) entry. The stored atime is always
// file_atime-1 (mod 2^32), so that the reserved "empty" atime (0) maps
// to math.MaxUint32 and naturally sorts to the back of the queue where
// it is the first candidate evicted.
type pair struct {
	slot  uint32
	atime uint32
}

// Queue is the bounded LRU priority queue itself.
type Queue struct {
	capacity int
	arr      []pair

	empty    bool
	oldest   int
	youngest int

	ready  bool
	thrash int
}

// New allocates a queue of 2^exp pairs, exp in [12,20].
func New(exp int) (*Queue, error) {
	if exp < 12 || exp > 20 {
		return nil, fmt.Errorf("cullqueue: exponent %d out of range [12,20]", exp)
	}
	return newWithCapacity(1 << uint(exp)), nil
}

// newWithCapacity builds a queue of an arbitrary capacity, bypassing the
// [12,20]-exponent restriction. Production code always goes through New;
// this exists so tests can exercise the algorithm (build/refresh/drain)
// at a narrative-sized scale instead of allocating a multi-megabyte
// array per test.
func newWithCapacity(capacity int) *Queue {
	return &Queue{
		capacity: capacity,
		arr:      make([]pair, capacity),
		empty:    true,
	}
}

// Ready reports whether the queue is drainable in LRU order from oldest.
func (q *Queue) Ready() bool { return q.ready }

// Empty reports whether the queue currently holds no entries.
func (q *Queue) Empty() bool { return q.empty }

// Thrash returns the current consecutive-fruitless-drain counter.
func (q *Queue) Thrash() int { return q.thrash }

// Len returns the number of entries currently queued.
func (q *Queue) Len() int {
	if q.empty {
		return 0
	}
	return q.youngest - q.oldest + 1
}

// AtimeReader supplies atimes from the on-disk atimes file.
type AtimeReader interface {
	Atime(slot uint32) (uint32, error)
	NumSlots() (uint32, error)
}

// fileAtimeReader reads directly from an *os.File, the production
// implementation of AtimeReader.
type fileAtimeReader struct{ f *os.File }

func (r fileAtimeReader) Atime(slot uint32) (uint32, error) {
	return indexio.ReadAtimeAt(r.f, slot)
}

func (r fileAtimeReader) NumSlots() (uint32, error) {
	fi, err := r.f.Stat()
	if err != nil {
		return 0, err
	}
	return uint32(fi.Size() / 4), nil
}

// OpenAtimesFile wraps an *os.File as an AtimeReader.
func OpenAtimesFile(f *os.File) AtimeReader { return fileAtimeReader{f: f} }

// chunkSize is the fixed-size read buffer: 4096 atimes per chunk.
const chunkSize = 4096

// Build fills an empty queue from the atimes file. It is an invariant
// violation to call Build on a non-empty queue.
func (q *Queue) Build(src AtimeReader, randomize bool, rng func(int) int) error {
	if !q.empty {
		return fmt.Errorf("%w: build called on non-empty queue", ErrInvariantViolation)
	}
	return q.fill(src, randomize, rng)
}

// Refresh re-reads atimes for entries still present, re-sorts, then
// rebuilds to restore fullness.
func (q *Queue) Refresh(src AtimeReader) error {
	if q.empty {
		q.ready = false
		return nil
	}

	wasFull := q.youngest-q.oldest+1 == q.capacity
	n := q.youngest - q.oldest + 1
	updated := make([]pair, n)
	evicted := false
	for i := 0; i < n; i++ {
		p := q.arr[q.oldest+i]
		fileAtime, err := src.Atime(p.slot)
		if err != nil {
			return fmt.Errorf("cullqueue: refresh slot %d: %w", p.slot, err)
		}
		newStored := fileAtime - 1
		if newStored != p.atime {
			evicted = true
		}
		updated[i] = pair{slot: p.slot, atime: newStored}
	}
	copy(q.arr[0:n], updated)
	q.oldest = 0
	q.youngest = n - 1

	if evicted {
		q.sortRange(q.oldest, q.youngest)
	}

	if wasFull && !evicted {
		q.ready = true
		return nil
	}

	if err := q.fill(src, true, nil); err != nil {
		return err
	}
	q.ready = true
	return nil
}

// fill is the shared insertion loop used by both Build (on an empty
// queue) and Refresh's re-fill step (on a compacted, possibly non-empty
// queue).
func (q *Queue) fill(src AtimeReader, randomize bool, rng func(int) int) error {
	numSlots, err := src.NumSlots()
	if err != nil {
		return fmt.Errorf("cullqueue: stat atimes: %w", err)
	}

	numChunks := int((numSlots + chunkSize - 1) / chunkSize)
	order := make([]int, numChunks)
	for i := range order {
		order[i] = i
	}
	if randomize && rng != nil {
		// Inside-out Fisher-Yates: avoids degenerate worst cases on
		// otherwise sorted inputs.
		for i := 1; i < len(order); i++ {
			j := rng(i + 1)
			order[i], order[j] = order[j], order[i]
		}
	}

	for _, chunkIdx := range order {
		start := uint32(chunkIdx) * chunkSize
		end := start + chunkSize
		if end > numSlots {
			end = numSlots
		}
		for slot := start; slot < end; slot++ {
			a, err := src.Atime(slot)
			if err != nil {
				return fmt.Errorf("cullqueue: read atime slot %d: %w", slot, err)
			}
			q.insert(pair{slot: slot, atime: a - 1})
		}
	}

	// Belt-and-braces final sort: the "append until full, qsort once"
	// discipline only guarantees sortedness once the array has reached
	// capacity; for atimes files smaller than the queue's capacity the
	// array never transitions into the full-queue discipline, so without
	// this pass the ascending-order invariant would not hold. See
	// DESIGN.md's Open Question decisions.
	if !q.empty {
		q.sortRange(q.oldest, q.youngest)
		q.ready = true
	}
	return nil
}

func (q *Queue) sortRange(lo, hi int) {
	sub := q.arr[lo : hi+1]
	sort.Slice(sub, func(i, j int) bool { return sub[i].atime < sub[j].atime })
}

// insert implements the two insertion disciplines.
func (q *Queue) insert(p pair) {
	if q.empty {
		q.arr[0] = p
		q.oldest, q.youngest = 0, 0
		q.empty = false
		return
	}

	count := q.youngest - q.oldest + 1
	if count < q.capacity {
		// Growing phase: simple append, with a linear duplicate check
		// (the array is not yet guaranteed sorted, so the binary-search
		// membership check below does not apply yet).
		for j := q.oldest; j <= q.youngest; j++ {
			if q.arr[j] == p {
				return
			}
		}
		q.youngest++
		q.arr[q.youngest] = p
		if q.youngest-q.oldest+1 == q.capacity {
			q.sortRange(q.oldest, q.youngest)
		}
		return
	}

	q.insertFull(p)
}

// insertFull is the full-queue insertion discipline: discard if not
// older than the current youngest, else evict the youngest and insert in
// sorted position.
func (q *Queue) insertFull(p pair) {
	if p.atime >= q.arr[q.youngest].atime {
		return
	}

	i := q.upperBound(p.atime)
	if q.duplicateNear(i, p) {
		return
	}

	for j := q.youngest; j > i; j-- {
		q.arr[j] = q.arr[j-1]
	}
	q.arr[i] = p
}

// upperBound returns the leftmost index i in [oldest, youngest) with
// arr[i].atime > a. Used as the insertion point so atime-tied entries
// land after (to the newer/right side of) any existing entries with
// the same atime.
func (q *Queue) upperBound(a uint32) int {
	lo, hi := q.oldest, q.youngest
	for lo < hi {
		mid := (lo + hi) / 2
		if q.arr[mid].atime > a {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}

// duplicateNear implements the in-queue membership check: scan left and
// right from i while atime == p.atime; match if any has slot == p.slot.
func (q *Queue) duplicateNear(i int, p pair) bool {
	for j := i - 1; j >= q.oldest && q.arr[j].atime == p.atime; j-- {
		if q.arr[j].slot == p.slot {
			return true
		}
	}
	for j := i; j <= q.youngest && q.arr[j].atime == p.atime; j++ {
		if q.arr[j].slot == p.slot {
			return true
		}
	}
	return false
}

// Ops supplies the side-effecting operations Cull needs: the index
// record's active flag, the live file atime, and the kernel command send.
type Ops interface {
	RecordActive(slot uint32) (bool, error)
	FileAtime(slot uint32) (uint32, error)
	SendCullSlot(slot uint32) error
}

// Cull implements the drain algorithm: consumes oldest entries
// until one object is successfully culled or the queue drains.
func (q *Queue) Cull(ops Ops) (drained int, err error) {
	if q.empty {
		return 0, nil
	}

	fresh := q.oldest == 0
	success := false

	for !q.empty {
		p := q.arr[q.oldest]
		if p.atime == math.MaxUint32 {
			q.reset()
			break
		}

		active, err := ops.RecordActive(p.slot)
		if err != nil {
			return drained, err
		}
		if !active {
			drained++
			q.advance()
			continue
		}

		fileAtime, err := ops.FileAtime(p.slot)
		if err != nil {
			return drained, err
		}
		if fileAtime != p.atime+1 {
			drained++
			q.advance()
			continue
		}

		sendErr := ops.SendCullSlot(p.slot)
		drained++
		q.advance()
		if sendErr == nil {
			success = true
			break
		}
	}

	if success {
		q.thrash = 0
	} else if fresh {
		q.thrash++
	}
	if q.thrash > 5 {
		return drained, ErrThrashLimitExceeded
	}
	return drained, nil
}

// advance moves oldest forward by one slot, resetting the queue to empty
// once the active window is exhausted: oldest passing youngest resets
// the queue to empty and marks it not ready, which also subsumes the
// full-queue case where that crossing happens to land exactly on size.
func (q *Queue) advance() {
	q.oldest++
	if q.oldest > q.youngest {
		q.reset()
	}
}

// reset restores the canonical empty representation: sentinel
// youngest = UINT_MAX, oldest = 0.
func (q *Queue) reset() {
	q.empty = true
	q.oldest = 0
	q.youngest = int(math.MaxUint32)
	q.ready = false
}

// Delete releases the queue's backing array.
func (q *Queue) Delete() {
	q.arr = nil
}
