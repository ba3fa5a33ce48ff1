package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pintos-go/corevm/internal/blockdev"
	"github.com/pintos-go/corevm/internal/fs"
	"github.com/pintos-go/corevm/internal/mem"
	"github.com/pintos-go/corevm/internal/sched"
)

func newTestFilesysForVM(t *testing.T) *fs.Filesys {
	t.Helper()
	disk := blockdev.NewMemDisk(4096)
	filesys := fs.OpenFilesys(disk, fs.Options{
		WriteBehindTicks: 1000,
		Sleeper:          sched.NewFakeClock(),
		Metrics:          nil,
	})
	require.NoError(t, filesys.Format())
	t.Cleanup(func() { filesys.Done() })
	return filesys
}

func TestSwapOutThenInRoundTrips(t *testing.T) {
	disk := blockdev.NewMemDisk(4 * mem.SectorsPerPage)
	swap := NewSwapStore(disk, nil)
	pd := NewPageDirectory()

	page := &Page{uva: 0, writable: true, source: zeroFillSource{}, pd: pd}

	var out mem.Page
	for i := range out {
		out[i] = byte(i % 256)
	}

	require.NoError(t, swap.SwapOut(page, &out))
	_, swapped := page.source.(swappedSource)
	require.True(t, swapped, "swap_out must replace the page's source with swappedSource")

	var in mem.Page
	require.NoError(t, swap.SwapIn(page, &in))
	assert.Equal(t, out, in, "swap_in must return exactly the bytes swap_out wrote")
	assert.Equal(t, zeroFillSource{}, page.source, "swap_in must restore the source the page had before eviction")
}

func TestSwapOutDirtyFileBackedSkipsSlot(t *testing.T) {
	disk := blockdev.NewMemDisk(4 * mem.SectorsPerPage)
	swap := NewSwapStore(disk, nil)
	pd := NewPageDirectory()

	uva := uintptr(0)
	pd.SetFrame(uva, 0, true)
	pd.SetDirty(uva, true)

	fsys := newTestFilesysForVM(t)
	sector, err := fsys.Create(0)
	require.NoError(t, err)
	f, err := fsys.Open(sector)
	require.NoError(t, err)
	defer f.Close()

	page := &Page{uva: uva, writable: true, source: fileBackedSource{file: f, offset: 0, bytes: mem.PGSIZE}, pd: pd}

	var data mem.Page
	for i := 0; i < 10; i++ {
		data[i] = byte(i + 1)
	}

	require.NoError(t, swap.SwapOut(page, &data))

	for i, used := range swap.used {
		assert.False(t, used, "slot %d: dirty file-backed page must not consume a swap slot", i)
	}
	_, stillFileBacked := page.source.(fileBackedSource)
	assert.True(t, stillFileBacked, "a dirty file-backed page keeps its source; it writes back instead of swapping")

	out := make([]byte, 10)
	n, err := f.ReadAt(out, 0)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, data[:10], out)
}

func TestSwapOutCleanFileBackedUsesSlot(t *testing.T) {
	disk := blockdev.NewMemDisk(4 * mem.SectorsPerPage)
	swap := NewSwapStore(disk, nil)
	pd := NewPageDirectory()

	uva := uintptr(0)
	pd.SetFrame(uva, 0, true)
	// pd never marked dirty: the page is clean.

	page := &Page{uva: uva, writable: false, source: fileBackedSource{offset: 0, bytes: mem.PGSIZE}, pd: pd}

	var data mem.Page
	require.NoError(t, swap.SwapOut(page, &data))

	sw, ok := page.source.(swappedSource)
	require.True(t, ok, "a clean file-backed page still consumes a swap slot on eviction")
	assert.Equal(t, 0, sw.slot)
}

func TestSwapOutOfSlotsReturnsErrOutOfSwap(t *testing.T) {
	disk := blockdev.NewMemDisk(1 * mem.SectorsPerPage)
	swap := NewSwapStore(disk, nil)
	pd := NewPageDirectory()

	page := &Page{uva: 0, source: zeroFillSource{}, pd: pd}
	var data mem.Page
	require.NoError(t, swap.SwapOut(page, &data))

	page2 := &Page{uva: mem.PGSIZE, source: zeroFillSource{}, pd: pd}
	err := swap.SwapOut(page2, &data)
	assert.ErrorIs(t, err, ErrOutOfSwap)
}
