// Package vm implements the frame table, swap store, supplemental page
// table, and page-fault handler (spec.md §4.3, §4.4, §4.5), grounded in
// biscuit's Vm_t (biscuit/src/vm/as.go) for its locking shape and in
// original_source/src/vm/{frame,page,swap}.c for the algorithms the
// distilled spec leaves exact but the retrieved Go pack never
// implemented (biscuit's own page-fault path is COW/mmap-on-ELF, not
// this system's swap-backed design).
package vm

import (
	"sync"

	"github.com/pintos-go/corevm/internal/mem"
)

// PageDirectory is the MMU collaborator named in spec.md §6: "Page
// directory (MMU): pagedir_get_page, pagedir_set_page, pagedir_clear_page,
// pagedir_is_dirty, pagedir_set_dirty". It stands in for the hardware
// page tables a real kernel would program directly.
type PageDirectory interface {
	GetFrame(uva uintptr) (mem.FrameID, bool)
	SetFrame(uva uintptr, frame mem.FrameID, writable bool) bool
	ClearPage(uva uintptr)
	IsDirty(uva uintptr) bool
	SetDirty(uva uintptr, dirty bool)
}

type pdEntry struct {
	frame    mem.FrameID
	writable bool
	dirty    bool
}

// simplePageDirectory is a mutex-guarded map standing in for hardware
// page tables, the simplification SPEC_FULL.md §6.1 calls out
// explicitly, since there is no MMU to program from
// user-space Go.
type simplePageDirectory struct {
	mu      sync.Mutex
	entries map[uintptr]pdEntry
}

// NewPageDirectory constructs an empty address space mapping.
func NewPageDirectory() PageDirectory {
	return &simplePageDirectory{entries: make(map[uintptr]pdEntry)}
}

func (pd *simplePageDirectory) GetFrame(uva uintptr) (mem.FrameID, bool) {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	e, ok := pd.entries[uva]
	if !ok {
		return 0, false
	}
	return e.frame, true
}

func (pd *simplePageDirectory) SetFrame(uva uintptr, frame mem.FrameID, writable bool) bool {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	pd.entries[uva] = pdEntry{frame: frame, writable: writable}
	return true
}

func (pd *simplePageDirectory) ClearPage(uva uintptr) {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	delete(pd.entries, uva)
}

func (pd *simplePageDirectory) IsDirty(uva uintptr) bool {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	return pd.entries[uva].dirty
}

func (pd *simplePageDirectory) SetDirty(uva uintptr, dirty bool) {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	e := pd.entries[uva]
	e.dirty = dirty
	pd.entries[uva] = e
}
