package vm

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/pintos-go/corevm/internal/defs"
	"github.com/pintos-go/corevm/internal/hashtable"
	"github.com/pintos-go/corevm/internal/mem"
	"github.com/pintos-go/corevm/internal/metrics"
)

// ErrOOM is returned by FrameTable.AllocLocked when the system page allocator
// is exhausted and a single eviction pass still didn't free one
// (spec.md §4.4: "on exhaustion, run eviction and retry once").
var ErrOOM = defs.ENOMEM

// Frame is spec.md §3's Frame: at most one per physical page, owned by
// exactly one supplemental Page (the back-pointer).
type Frame struct {
	ID     mem.FrameID
	Owner  defs.Tid_t
	Page   *Page
	useBit bool
}

// FrameTable is the hash set keyed by kernel-page address spec.md §4.4
// describes, protected by a single frame lock. Insertion order is kept
// alongside the hashtable.Table lookup structure because frame_evict's
// second-chance scan must visit frames in the order they were allocated
// (spec.md §4.4), which hashtable.Table's bucket layout does not
// preserve.
type FrameTable struct {
	mu      sync.Mutex
	table   *hashtable.Table[int, *Frame]
	order   []mem.FrameID
	hand    int // clock-hand index into order, persisted across evictOneLocked calls
	alloc   mem.PageAllocator
	swap    *SwapStore
	metrics *metrics.Set
}

// NewFrameTable constructs an empty FrameTable over the given physical
// page allocator and swap store.
func NewFrameTable(alloc mem.PageAllocator, swap *SwapStore, m *metrics.Set) *FrameTable {
	return &FrameTable{
		table:   hashtable.New[int, *Frame](256),
		alloc:   alloc,
		swap:    swap,
		metrics: m,
	}
}

// Lock and Unlock expose the frame lock directly so the page-fault
// handler can hold it across the entire decision tree (spec.md §4.5:
// "all under frame lock"), not just across individual Alloc/Free calls.
func (ft *FrameTable) Lock()   { ft.mu.Lock() }
func (ft *FrameTable) Unlock() { ft.mu.Unlock() }

// AllocLocked obtains a fresh physical page for page, owned by owner,
// running one eviction pass and retrying if the allocator is exhausted.
// Caller holds the frame lock.
func (ft *FrameTable) AllocLocked(page *Page, owner defs.Tid_t) (*Frame, *mem.Page, error) {
	id, data, ok := ft.alloc.Alloc()
	if !ok {
		if err := ft.evictOneLocked(); err != nil {
			return nil, nil, err
		}
		id, data, ok = ft.alloc.Alloc()
		if !ok {
			return nil, nil, ErrOOM
		}
	}
	f := &Frame{ID: id, Owner: owner, Page: page, useBit: true}
	ft.table.Set(int(id), f)
	ft.order = append(ft.order, id)
	if ft.metrics != nil {
		ft.metrics.FrameAllocs.Inc()
	}
	return f, data, nil
}

// FreeLocked clears the owning page directory's mapping, disassociates
// the owning supplemental page (if any) from this frame, removes f from
// the table, and returns its physical page to the allocator. Caller
// holds the frame lock.
func (ft *FrameTable) FreeLocked(f *Frame) {
	if f.Page != nil {
		if f.Page.pd != nil {
			f.Page.pd.ClearPage(f.Page.uva)
		}
		f.Page.frame = nil
	}
	ft.table.Del(int(f.ID))
	for i, id := range ft.order {
		if id == f.ID {
			ft.order = append(ft.order[:i], ft.order[i+1:]...)
			if ft.hand > i || ft.hand >= len(ft.order) {
				ft.hand = 0
			}
			break
		}
	}
	ft.alloc.Free(f.ID)
}

// MarkUsed sets a frame's use_bit, called on every access that resolves
// through an already-resident Page (spec.md §8's invariant 6), by a
// caller that does not already hold the frame lock.
func (ft *FrameTable) MarkUsed(f *Frame) {
	ft.mu.Lock()
	f.useBit = true
	ft.mu.Unlock()
}

// MarkUsedLocked is MarkUsed for a caller that already holds the frame
// lock, such as Fault, which holds it across its whole decision tree.
func (ft *FrameTable) MarkUsedLocked(f *Frame) {
	f.useBit = true
}

// evictOneLocked runs spec.md §4.4's frame_evict: a classic clock sweep
// over insertion order, skipping kernel-owned frames and clearing
// use_bit on a second-chance hit, evicting the first use_bit=0 victim
// found. The hand persists on the FrameTable across calls rather than
// restarting at index 0 each time, since a frame right at the front of
// order would otherwise be re-examined and evicted on every single call
// regardless of how recently it was marked used. Caller holds the frame
// lock.
func (ft *FrameTable) evictOneLocked() error {
	if len(ft.order) == 0 {
		return errors.New("vm: no eviction victim found")
	}
	if ft.hand >= len(ft.order) {
		ft.hand = 0
	}
	for scanned := 0; scanned < 2*len(ft.order); scanned++ {
		i := ft.hand
		id := ft.order[i]
		ft.hand = (ft.hand + 1) % len(ft.order)

		f, ok := ft.table.Get(int(id))
		if !ok {
			continue
		}
		if f.Owner == defs.KernelTid {
			continue
		}
		if f.useBit {
			f.useBit = false
			continue
		}
		if err := ft.swap.SwapOut(f.Page, ft.alloc.At(f.ID)); err != nil {
			if err == ErrOutOfSwap {
				panic(errors.Wrapf(err, "vm: frame evict: frame %d", f.ID))
			}
			return errors.Wrap(err, "vm: frame evict")
		}
		ft.FreeLocked(f)
		if ft.metrics != nil {
			ft.metrics.FrameEvictions.Inc()
		}
		return nil
	}
	return errors.New("vm: no eviction victim found")
}
