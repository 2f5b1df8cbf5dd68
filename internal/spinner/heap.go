package spinner

import (
	"container/heap"
	"time"

	"github.com/devtari-io/cronback/internal/ids"
)

// entry is a weak reference into the registry: trigger id plus the
// generation it was published under. Entries whose generation no longer
// matches are discarded on pop instead of being deleted from the heap.
type entry struct {
	fireAt time.Time
	id     ids.TriggerId
	gen    uint64
}

// entryHeap is a min-heap on (fireAt, id). The id tie-break makes firing
// order deterministic for entries due at the same instant.
type entryHeap []entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if !h[i].fireAt.Equal(h[j].fireAt) {
		return h[i].fireAt.Before(h[j].fireAt)
	}
	return h[i].id < h[j].id
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

func (h *entryHeap) push(e entry) { heap.Push(h, e) }

func (h *entryHeap) pop() entry { return heap.Pop(h).(entry) }

func (h entryHeap) peek() (entry, bool) {
	if len(h) == 0 {
		return entry{}, false
	}
	return h[0], true
}
