package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pintos-go/corevm/internal/blockdev"
	"github.com/pintos-go/corevm/internal/defs"
	"github.com/pintos-go/corevm/internal/mem"
)

func newTestFrameTable(t *testing.T, numFrames int) (*FrameTable, mem.PageAllocator, *SwapStore) {
	t.Helper()
	alloc := mem.NewArena(numFrames)
	disk := blockdev.NewMemDisk(numFrames * mem.SectorsPerPage)
	swap := NewSwapStore(disk, nil)
	ft := NewFrameTable(alloc, swap, nil)
	return ft, alloc, swap
}

func newTestPage(uva uintptr, owner defs.Tid_t, pd PageDirectory) *Page {
	return &Page{uva: uva, writable: true, source: zeroFillSource{}, pd: pd, owner: owner}
}

func TestFrameTableAllocAssignsDistinctFrames(t *testing.T) {
	ft, _, _ := newTestFrameTable(t, 4)
	pd := NewPageDirectory()

	seen := map[mem.FrameID]bool{}
	for i := 0; i < 4; i++ {
		page := newTestPage(uintptr(i)*mem.PGSIZE, 1, pd)
		ft.Lock()
		f, _, err := ft.AllocLocked(page, 1)
		ft.Unlock()
		require.NoError(t, err)
		assert.False(t, seen[f.ID], "frame id reused while still live")
		seen[f.ID] = true
	}
}

func TestFrameTableFreeReturnsFrameToAllocator(t *testing.T) {
	ft, alloc, _ := newTestFrameTable(t, 1)
	pd := NewPageDirectory()
	page := newTestPage(0, 1, pd)

	ft.Lock()
	f, _, err := ft.AllocLocked(page, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, alloc.NumFree())
	ft.FreeLocked(f)
	ft.Unlock()

	assert.Equal(t, 1, alloc.NumFree())
}

func TestFrameTableEvictionSkipsKernelOwnedFrames(t *testing.T) {
	ft, _, _ := newTestFrameTable(t, 1)
	pd := NewPageDirectory()
	kernelPage := newTestPage(0, defs.KernelTid, pd)

	ft.Lock()
	_, _, err := ft.AllocLocked(kernelPage, defs.KernelTid)
	require.NoError(t, err)

	userPage := newTestPage(mem.PGSIZE, 1, pd)
	_, _, err = ft.AllocLocked(userPage, 1)
	ft.Unlock()
	require.Error(t, err, "the only evictable frame is kernel-owned, so allocation must fail outright")
}

func TestFrameTableEvictionUsesSecondChance(t *testing.T) {
	ft, alloc, _ := newTestFrameTable(t, 2)
	pd := NewPageDirectory()

	pageA := newTestPage(0, 1, pd)
	pageB := newTestPage(mem.PGSIZE, 1, pd)

	ft.Lock()
	frameA, _, err := ft.AllocLocked(pageA, 1)
	require.NoError(t, err)
	pageA.frame = frameA
	frameB, _, err := ft.AllocLocked(pageB, 1)
	require.NoError(t, err)
	pageB.frame = frameB
	// Simulate frameB as the one that hasn't been touched since
	// allocation; frameA keeps the use_bit AllocLocked set.
	frameB.useBit = false
	ft.Unlock()

	pageC := newTestPage(2*mem.PGSIZE, 1, pd)
	ft.Lock()
	_, _, err = ft.AllocLocked(pageC, 1)
	residentA, stillResident := ft.table.Get(int(frameA.ID))
	ft.Unlock()
	require.NoError(t, err)
	assert.Equal(t, 0, alloc.NumFree())

	assert.True(t, stillResident, "second-chance eviction must spare the frame whose use_bit was still set")
	assert.Same(t, frameA, residentA, "frameA's slot must still hold frameA, not a recycled id")
	assert.False(t, frameA.useBit, "a spared frame's use_bit is cleared by the second-chance pass it survived")
}
