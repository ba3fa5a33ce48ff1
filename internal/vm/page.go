package vm

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/pintos-go/corevm/internal/defs"
	"github.com/pintos-go/corevm/internal/fs"
	"github.com/pintos-go/corevm/internal/hashtable"
	"github.com/pintos-go/corevm/internal/mem"
	"github.com/pintos-go/corevm/internal/metrics"
)

// STACK_LIMIT is the maximum depth a stack may grow on demand below
// PHYS_BASE (spec.md §4.5, §6).
const STACK_LIMIT = 8 * 1024 * 1024

// PHYS_BASE is the top of user address space stacks grow down from.
// This module has no real hardware address space, so it's simply a
// large constant every process's stack pages are addressed relative to.
const PHYS_BASE = uintptr(0xC0000000)

// pagefaultPushaSlack is the "saved_sp - 32" allowance spec.md §4.5
// grants for the x86 PUSHA instruction writing below the current stack
// pointer before it traps.
const pagefaultPushaSlack = 32

// pageSource is the tagged union spec.md §3 and §9 call for explicitly:
// exactly one of ZeroFill, FileBacked, or Swapped is active per Page.
type pageSource interface {
	isPageSource()
}

type zeroFillSource struct{}

func (zeroFillSource) isPageSource() {}

type fileBackedSource struct {
	file   *fs.File
	offset int64
	bytes  int
}

func (fileBackedSource) isPageSource() {}

type swappedSource struct {
	slot  int
	prior pageSource
}

func (swappedSource) isPageSource() {}

// Page is spec.md §3's supplemental page table entry: what a user
// virtual page should contain, whether or not it is currently resident.
type Page struct {
	uva      uintptr
	writable bool
	inStack  bool
	source   pageSource
	frame    *Frame
	pd       PageDirectory
	owner    defs.Tid_t
}

// PageTable is the per-process supplemental page table of spec.md §4.5,
// keyed by page-aligned user virtual address.
type PageTable struct {
	mu      sync.Mutex // protects table membership only; content changes serialize under the frame lock
	table   *hashtable.Table[uintptr, *Page]
	pd      PageDirectory
	owner   defs.Tid_t
	frames  *FrameTable
	swap    *SwapStore
	metrics *metrics.Set
}

// NewPageTable constructs an empty supplemental page table for one
// process.
func NewPageTable(pd PageDirectory, owner defs.Tid_t, frames *FrameTable, swap *SwapStore, m *metrics.Set) *PageTable {
	return &PageTable{
		table:   hashtable.New[uintptr, *Page](256),
		pd:      pd,
		owner:   owner,
		frames:  frames,
		swap:    swap,
		metrics: m,
	}
}

func pageAlign(addr uintptr) uintptr {
	return addr &^ uintptr(mem.PGSIZE-1)
}

// CreateFileBacked installs a FileBacked page at uva, used both by the
// ELF/mmap loader path and by mmap.go's per-chunk page creation.
func (pt *PageTable) CreateFileBacked(uva uintptr, writable bool, file *fs.File, offset int64, length int) error {
	uva = pageAlign(uva)
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if _, exists := pt.table.Get(uva); exists {
		return errors.Errorf("vm: page already mapped at %#x", uva)
	}
	pt.table.Set(uva, &Page{
		uva:      uva,
		writable: writable,
		source:   fileBackedSource{file: file, offset: offset, bytes: length},
		pd:       pt.pd,
		owner:    pt.owner,
	})
	return nil
}

// CreateZeroFill installs a ZeroFill page outside the
// on-demand-stack-growth path, e.g. for a loader's BSS page (spec.md
// §6's page_create_out_stack).
func (pt *PageTable) CreateZeroFill(uva uintptr, writable bool) error {
	uva = pageAlign(uva)
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if _, exists := pt.table.Get(uva); exists {
		return errors.Errorf("vm: page already mapped at %#x", uva)
	}
	pt.table.Set(uva, &Page{
		uva:      uva,
		writable: writable,
		source:   zeroFillSource{},
		pd:       pt.pd,
		owner:    pt.owner,
	})
	return nil
}

// Free removes uva's page, performing the same writeback/swap-free/
// frame-free cleanup Destroy runs per entry (spec.md §4.5's page_free).
func (pt *PageTable) Free(uva uintptr) {
	uva = pageAlign(uva)
	pt.mu.Lock()
	page, ok := pt.table.Get(uva)
	if ok {
		pt.table.Del(uva)
	}
	pt.mu.Unlock()
	if !ok {
		return
	}
	pt.frames.Lock()
	pt.cleanupLocked(page)
	pt.frames.Unlock()
}

// cleanupLocked performs process-exit-style cleanup for one page: write
// back if resident, dirty, and file-backed; free its swap slot if
// swapped; free its frame if resident. Caller holds the frame lock.
func (pt *PageTable) cleanupLocked(page *Page) {
	if page.frame != nil {
		if fb, ok := page.source.(fileBackedSource); ok && page.pd.IsDirty(page.uva) {
			data := pt.frames.alloc.At(page.frame.ID)
			fb.file.WriteAt(data[:fb.bytes], fb.offset)
		}
		pt.frames.FreeLocked(page.frame)
		return
	}
	if sw, ok := page.source.(swappedSource); ok {
		pt.swap.Free(sw.slot)
	}
}

// Destroy tears down every page in the table (spec.md §4.5's
// page_table_destroy / process exit cleanup).
func (pt *PageTable) Destroy() {
	pt.mu.Lock()
	pages := pt.table.Elems()
	pt.mu.Unlock()

	pt.frames.Lock()
	defer pt.frames.Unlock()
	for _, p := range pages {
		pt.cleanupLocked(p.Value)
	}
}

// Fault implements spec.md §4.5's page_fault_handler decision tree. The
// entire sequence runs under the frame lock.
func (pt *PageTable) Fault(faultAddr, savedSP uintptr, isWrite bool) bool {
	if faultAddr == 0 {
		return false
	}

	pt.frames.Lock()
	defer pt.frames.Unlock()

	uva := pageAlign(faultAddr)
	pt.mu.Lock()
	page, exists := pt.table.Get(uva)
	pt.mu.Unlock()

	if exists {
		if isWrite && !page.writable {
			return false
		}
		if page.inStack && !pt.inStackWindow(faultAddr, savedSP) {
			return false
		}
		if page.frame != nil {
			pt.frames.MarkUsedLocked(page.frame)
			return true
		}
		return pt.materializeLocked(page)
	}

	if !pt.inStackWindow(faultAddr, savedSP) {
		return false
	}
	page = &Page{
		uva:      uva,
		writable: true,
		inStack:  true,
		source:   zeroFillSource{},
		pd:       pt.pd,
		owner:    pt.owner,
	}
	pt.mu.Lock()
	pt.table.Set(uva, page)
	pt.mu.Unlock()
	return pt.materializeLocked(page)
}

func (pt *PageTable) countFault(source string) {
	if pt.metrics != nil {
		pt.metrics.PageFaults.WithLabelValues(source).Inc()
	}
}

func (pt *PageTable) inStackWindow(faultAddr, savedSP uintptr) bool {
	if faultAddr < PHYS_BASE-STACK_LIMIT {
		return false
	}
	if faultAddr+pagefaultPushaSlack < savedSP {
		return false
	}
	return true
}

// materializeLocked allocates a frame for page and fills it according
// to its source, then installs the mapping in the hardware page
// directory. Caller holds the frame lock.
func (pt *PageTable) materializeLocked(page *Page) bool {
	frame, data, err := pt.frames.AllocLocked(page, pt.owner)
	if err != nil {
		return false
	}

	switch src := page.source.(type) {
	case swappedSource:
		if err := pt.swap.SwapIn(page, data); err != nil {
			pt.frames.FreeLocked(frame)
			return false
		}
		pt.countFault("swapped")
	case fileBackedSource:
		n, err := src.file.ReadAt(data[:src.bytes], src.offset)
		if err != nil {
			pt.frames.FreeLocked(frame)
			return false
		}
		for i := n; i < len(data); i++ {
			data[i] = 0
		}
		pt.countFault("file_backed")
	case zeroFillSource:
		*data = mem.Page{}
		pt.countFault("zero_fill")
	}

	page.frame = frame
	if !page.pd.SetFrame(page.uva, frame.ID, page.writable) {
		pt.frames.FreeLocked(frame)
		return false
	}
	return true
}
