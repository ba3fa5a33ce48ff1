// Package mem provides the page-sized building blocks the fs and vm layers
// share: the page/sector size constants and a physical-page allocator
// standing in for PintOS's palloc_get_page(PAL_USER)/palloc_free_page and
// biscuit's Physmem_t (biscuit/src/mem/mem.go). Real kernels back this
// allocator with physical RAM; this module backs it with a flat arena of
// byte slices, since the spec treats the raw page allocator as an external
// collaborator (spec.md §6) and only cares about the Alloc/Free contract.
package mem

import (
	"sync"

	"github.com/pkg/errors"
)

// SectorSize is the fixed size of one on-disk sector (spec.md §3).
const SectorSize = 512

// PGSHIFT is the base-2 exponent of the page size, mirroring
// biscuit/src/mem/mem.go's PGSHIFT.
const PGSHIFT = 12

// PGSIZE is the size of one virtual/physical page in bytes.
const PGSIZE = 1 << PGSHIFT

// SectorsPerPage is the page/sector ratio the swap store uses to lay
// slots onto the swap device (spec.md §4.3).
const SectorsPerPage = PGSIZE / SectorSize

// Page is one page-sized buffer, the byte-addressed analogue of
// biscuit's Bytepg_t.
type Page [PGSIZE]byte

// FrameID is an opaque handle into a PageAllocator's arena, this
// module's stand-in for a kernel page address (SPEC_FULL.md §6.1).
type FrameID int

// ErrOOM names arena exhaustion (spec.md §7's OUT_OF_MEMORY) as an error
// value. Alloc itself reports exhaustion by returning ok == false; the vm
// frame allocator then runs eviction once before giving up with its own
// vm.ErrOOM.
var ErrOOM = errors.New("page allocator: out of physical pages")

// PageAllocator hands out and reclaims fixed-size physical pages, the
// interface named in SPEC_FULL.md §6.1 as the "raw page allocator"
// collaborator.
type PageAllocator interface {
	Alloc() (FrameID, *Page, bool)
	Free(FrameID)
	NumFree() int
	At(FrameID) *Page
}

// Arena is a process-wide free-list page allocator, modeled after
// biscuit's Physmem_t singly-linked free list (biscuit/src/mem/mem.go:
// _phys_new/_phys_put) but without biscuit's per-CPU free lists or pmap
// refcounting. This module has no CPU-affinity concept, and frames are
// never shared copy-on-write.
type Arena struct {
	mu     sync.Mutex
	pages  []Page
	used   []bool
	freeHd int // index of first free page, or -1
	nexti  []int
	nfree  int
}

// NewArena allocates an arena of n physical pages, all initially free.
func NewArena(n int) *Arena {
	a := &Arena{
		pages: make([]Page, n),
		used:  make([]bool, n),
		nexti: make([]int, n),
	}
	for i := 0; i < n; i++ {
		if i == n-1 {
			a.nexti[i] = -1
		} else {
			a.nexti[i] = i + 1
		}
	}
	if n == 0 {
		a.freeHd = -1
	}
	a.nfree = n
	return a
}

// Alloc removes a page from the free list and returns its handle and a
// pointer to its zeroed backing storage.
func (a *Arena) Alloc() (FrameID, *Page, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.freeHd == -1 {
		return 0, nil, false
	}
	idx := a.freeHd
	a.freeHd = a.nexti[idx]
	a.used[idx] = true
	a.nfree--
	a.pages[idx] = Page{}
	return FrameID(idx), &a.pages[idx], true
}

// Free returns a page to the free list.
func (a *Arena) Free(id FrameID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := int(id)
	if idx < 0 || idx >= len(a.pages) {
		panic("mem.Arena.Free: frame id out of range")
	}
	if !a.used[idx] {
		panic("mem.Arena.Free: double free")
	}
	a.used[idx] = false
	a.nexti[idx] = a.freeHd
	a.freeHd = idx
	a.nfree++
}

// NumFree reports the number of pages currently available.
func (a *Arena) NumFree() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nfree
}

// At returns the backing page for a frame id without affecting
// ownership; used by the vm frame table and page table to reach a
// resident frame's bytes for swap-out and write-back without
// re-allocating.
func (a *Arena) At(id FrameID) *Page {
	a.mu.Lock()
	defer a.mu.Unlock()
	return &a.pages[id]
}
