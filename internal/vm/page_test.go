package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pintos-go/corevm/internal/blockdev"
	"github.com/pintos-go/corevm/internal/defs"
	"github.com/pintos-go/corevm/internal/mem"
)

func newTestPageTable(t *testing.T, numFrames int) *PageTable {
	t.Helper()
	alloc := mem.NewArena(numFrames)
	disk := blockdev.NewMemDisk(numFrames * mem.SectorsPerPage * 4)
	swap := NewSwapStore(disk, nil)
	frames := NewFrameTable(alloc, swap, nil)
	pd := NewPageDirectory()
	return NewPageTable(pd, defs.Tid_t(1), frames, swap, nil)
}

func TestFaultZeroAddressAlwaysFails(t *testing.T) {
	pt := newTestPageTable(t, 4)
	assert.False(t, pt.Fault(0, PHYS_BASE, false))
}

func TestFaultGrowsStackWithinLimit(t *testing.T) {
	pt := newTestPageTable(t, 4)
	savedSP := PHYS_BASE - mem.PGSIZE

	faultAddr := PHYS_BASE - mem.PGSIZE
	ok := pt.Fault(faultAddr, savedSP, true)
	require.True(t, ok, "a push just below the current stack pointer must grow the stack")

	page, exists := pt.table.Get(pageAlign(faultAddr))
	require.True(t, exists)
	assert.True(t, page.inStack)
	assert.True(t, page.writable)
	_, isZeroFill := page.source.(zeroFillSource)
	assert.True(t, isZeroFill, "an on-demand stack page is always zero-filled")
}

func TestFaultBeyondStackLimitFails(t *testing.T) {
	pt := newTestPageTable(t, 4)
	savedSP := PHYS_BASE - mem.PGSIZE

	// 9 MiB below PHYS_BASE is past the 8 MiB stack limit.
	faultAddr := PHYS_BASE - 9*1024*1024
	ok := pt.Fault(faultAddr, savedSP, true)
	assert.False(t, ok, "growing the stack past STACK_LIMIT must fail")
}

func TestFaultPushaSlackAllowsSmallUnderrun(t *testing.T) {
	pt := newTestPageTable(t, 4)
	savedSP := PHYS_BASE - mem.PGSIZE

	// A PUSHA can write up to 32 bytes below the saved stack pointer
	// before the access is considered a real fault.
	faultAddr := savedSP - 16
	ok := pt.Fault(faultAddr, savedSP, true)
	assert.True(t, ok, "accesses within the PUSHA slack window must succeed")
}

func TestFaultWriteToReadOnlyPageFails(t *testing.T) {
	pt := newTestPageTable(t, 4)
	require.NoError(t, pt.CreateZeroFill(mem.PGSIZE, false))

	ok := pt.Fault(mem.PGSIZE, PHYS_BASE, true)
	assert.False(t, ok, "writing to a non-writable page must fail")
}

func TestFaultResolvesZeroFillPageAndMarksResidentUsed(t *testing.T) {
	pt := newTestPageTable(t, 4)
	require.NoError(t, pt.CreateZeroFill(mem.PGSIZE, true))

	ok := pt.Fault(mem.PGSIZE, PHYS_BASE, false)
	require.True(t, ok)

	page, exists := pt.table.Get(mem.PGSIZE)
	require.True(t, exists)
	require.NotNil(t, page.frame)
	assert.True(t, page.frame.useBit)

	// A second fault on the now-resident page must just mark it used
	// again, not re-materialize it.
	frameBefore := page.frame
	ok = pt.Fault(mem.PGSIZE, PHYS_BASE, false)
	require.True(t, ok)
	assert.Same(t, frameBefore, page.frame)
}

func TestFaultEvictsAndSwapsInOnMemoryPressure(t *testing.T) {
	pt := newTestPageTable(t, 1)
	require.NoError(t, pt.CreateZeroFill(mem.PGSIZE, true))
	require.NoError(t, pt.CreateZeroFill(2*mem.PGSIZE, true))

	require.True(t, pt.Fault(mem.PGSIZE, PHYS_BASE, false))
	pageA, _ := pt.table.Get(mem.PGSIZE)
	require.NotNil(t, pageA.frame)

	// Only one physical frame exists, so faulting in the second page
	// must evict the first, swapping it out.
	require.True(t, pt.Fault(2*mem.PGSIZE, PHYS_BASE, false))
	pageB, _ := pt.table.Get(2 * mem.PGSIZE)
	require.NotNil(t, pageB.frame)

	assert.Nil(t, pageA.frame, "the evicted page must no longer hold a frame")
	_, swapped := pageA.source.(swappedSource)
	assert.True(t, swapped, "the evicted zero-fill page's source becomes swappedSource")

	// Faulting pageA back in must swap it back in and evict pageB in turn.
	require.True(t, pt.Fault(mem.PGSIZE, PHYS_BASE, false))
	pageA, _ = pt.table.Get(mem.PGSIZE)
	require.NotNil(t, pageA.frame)
	_, isZeroFillAgain := pageA.source.(zeroFillSource)
	assert.True(t, isZeroFillAgain, "swap_in must restore the zero-fill source pageA had before eviction")

	pageB, _ = pt.table.Get(2 * mem.PGSIZE)
	assert.Nil(t, pageB.frame, "pageB must have been evicted in turn to make room")
}

func TestFreeCleansUpResidentPage(t *testing.T) {
	pt := newTestPageTable(t, 4)
	require.NoError(t, pt.CreateZeroFill(mem.PGSIZE, true))
	require.True(t, pt.Fault(mem.PGSIZE, PHYS_BASE, false))

	freeBefore := pt.frames.alloc.NumFree()
	pt.Free(mem.PGSIZE)
	assert.Equal(t, freeBefore+1, pt.frames.alloc.NumFree())

	_, exists := pt.table.Get(mem.PGSIZE)
	assert.False(t, exists)
}
