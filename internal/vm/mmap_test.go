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

func newMmapTestFixture(t *testing.T) (*PageTable, *fs.Filesys) {
	t.Helper()
	disk := blockdev.NewMemDisk(8192)
	filesys := fs.OpenFilesys(disk, fs.Options{
		WriteBehindTicks: 1000,
		Sleeper:          sched.NewFakeClock(),
		Metrics:          nil,
	})
	require.NoError(t, filesys.Format())
	t.Cleanup(func() { filesys.Done() })

	pt := newTestPageTable(t, 16)
	return pt, filesys
}

func TestMmapRoundTripReflectsFileContent(t *testing.T) {
	pt, filesys := newMmapTestFixture(t)

	sector, err := filesys.Create(0)
	require.NoError(t, err)
	f, err := filesys.Open(sector)
	require.NoError(t, err)

	content := make([]byte, mem.PGSIZE+100)
	for i := range content {
		content[i] = byte(i % 251)
	}
	_, err = f.WriteAt(content, 0)
	require.NoError(t, err)

	const base = uintptr(0x1000000)
	rec, err := Mmap(pt, 3, f, base)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.PageCount, "a PGSIZE+100-byte file spans two pages")

	for i := 0; i < len(content); i++ {
		addr := base + uintptr(i)
		ok := pt.Fault(pageAlign(addr), PHYS_BASE, false)
		require.True(t, ok)
	}

	page0, exists := pt.table.Get(base)
	require.True(t, exists)
	require.NotNil(t, page0.frame)
	data0 := pt.frames.alloc.At(page0.frame.ID)
	assert.Equal(t, content[:mem.PGSIZE], data0[:])

	require.NoError(t, Munmap(pt, rec))
	_, stillMapped := pt.table.Get(base)
	assert.False(t, stillMapped, "munmap must remove every page in the mapping")
}

func TestMmapWriteBackOnMunmapUpdatesFile(t *testing.T) {
	pt, filesys := newMmapTestFixture(t)

	sector, err := filesys.Create(0)
	require.NoError(t, err)
	f, err := filesys.Open(sector)
	require.NoError(t, err)

	initial := make([]byte, mem.PGSIZE)
	_, err = f.WriteAt(initial, 0)
	require.NoError(t, err)

	const base = uintptr(0x2000000)
	rec, err := Mmap(pt, 3, f, base)
	require.NoError(t, err)

	require.True(t, pt.Fault(base, PHYS_BASE, true))
	page, exists := pt.table.Get(base)
	require.True(t, exists)
	data := pt.frames.alloc.At(page.frame.ID)
	data[0] = 0xAB
	page.pd.SetDirty(base, true)

	require.NoError(t, Munmap(pt, rec))

	readBack, err := filesys.Open(sector)
	require.NoError(t, err)
	defer readBack.Close()
	var b [1]byte
	_, err = readBack.ReadAt(b[:], 0)
	require.NoError(t, err)
	assert.Equal(t, byte(0xAB), b[0], "munmap must write dirty pages back through the file")
}

func TestMmapRejectsUnalignedAddress(t *testing.T) {
	pt, filesys := newMmapTestFixture(t)
	sector, err := filesys.Create(1)
	require.NoError(t, err)
	f, err := filesys.Open(sector)
	require.NoError(t, err)

	_, err = Mmap(pt, 3, f, 17)
	assert.Error(t, err)
}

func TestMmapRejectsReservedDescriptor(t *testing.T) {
	pt, filesys := newMmapTestFixture(t)
	sector, err := filesys.Create(1)
	require.NoError(t, err)
	f, err := filesys.Open(sector)
	require.NoError(t, err)

	_, err = Mmap(pt, 1, f, mem.PGSIZE)
	assert.Error(t, err)
}

func TestMmapRejectsEmptyFile(t *testing.T) {
	pt, filesys := newMmapTestFixture(t)
	sector, err := filesys.Create(0)
	require.NoError(t, err)
	f, err := filesys.Open(sector)
	require.NoError(t, err)

	_, err = Mmap(pt, 3, f, mem.PGSIZE)
	assert.Error(t, err)
}

func TestMmapRejectsOverlappingRange(t *testing.T) {
	pt, filesys := newMmapTestFixture(t)
	require.NoError(t, pt.CreateZeroFill(mem.PGSIZE, true))

	sector, err := filesys.Create(1)
	require.NoError(t, err)
	f, err := filesys.Open(sector)
	require.NoError(t, err)

	_, err = Mmap(pt, 3, f, mem.PGSIZE)
	assert.Error(t, err)
}
