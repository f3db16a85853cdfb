package registry

import (
	"container/heap"
	"errors"
	"fmt"

	"github.com/rickgao/tickmux/internal/model"
)

// DefaultGroupCeiling is the exclusive upper bound on group ids accepted by
// the feed (ids are four digits on the wire).
const DefaultGroupCeiling = 10000

// ErrCapacity is returned when every group id below the ceiling is in use.
var ErrCapacity = errors.New("group ids exhausted")

// Allocator hands out the lowest currently unused group id.
//
// Ids below next are either outstanding or sitting in free; ids at or above
// next have never been handed out. Not safe for concurrent use: the registry
// calls it while holding its own lock.
type Allocator struct {
	ceiling int
	next    int
	free    idHeap
	inUse   map[model.GroupID]struct{}
}

// NewAllocator creates an allocator for ids in [0, ceiling).
func NewAllocator(ceiling int) *Allocator {
	if ceiling < 1 {
		ceiling = DefaultGroupCeiling
	}
	return &Allocator{
		ceiling: ceiling,
		inUse:   make(map[model.GroupID]struct{}),
	}
}

// Allocate returns the lowest unused id, or ErrCapacity.
func (a *Allocator) Allocate() (model.GroupID, error) {
	var id model.GroupID
	switch {
	case a.free.Len() > 0:
		id = heap.Pop(&a.free).(model.GroupID)
	case a.next < a.ceiling:
		id = model.GroupID(a.next)
		a.next++
	default:
		return 0, fmt.Errorf("%w: ceiling %d", ErrCapacity, a.ceiling)
	}
	a.inUse[id] = struct{}{}
	return id, nil
}

// Release returns id to the pool. Releasing an id that is not outstanding
// is a no-op.
func (a *Allocator) Release(id model.GroupID) {
	if _, ok := a.inUse[id]; !ok {
		return
	}
	delete(a.inUse, id)
	heap.Push(&a.free, id)
}

// InUse returns the number of outstanding ids.
func (a *Allocator) InUse() int {
	return len(a.inUse)
}

// Ceiling returns the exclusive upper bound.
func (a *Allocator) Ceiling() int {
	return a.ceiling
}

// idHeap is a min-heap of released group ids.
type idHeap []model.GroupID

func (h idHeap) Len() int           { return len(h) }
func (h idHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h idHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *idHeap) Push(x any) {
	*h = append(*h, x.(model.GroupID))
}

func (h *idHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
