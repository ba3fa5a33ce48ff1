package fs

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pintos-go/corevm/internal/blockdev"
	"github.com/pintos-go/corevm/internal/sched"
)

func newTestFilesys(t *testing.T) *Filesys {
	t.Helper()
	disk := blockdev.NewMemDisk(20000)
	filesys := OpenFilesys(disk, Options{
		WriteBehindTicks: 1000,
		Sleeper:          sched.NewFakeClock(),
		Metrics:          nil,
	})
	require.NoError(t, filesys.Format())
	t.Cleanup(func() { filesys.Done() })
	return filesys
}

func TestFilesysCreateOpenReadWriteRoundTrip(t *testing.T) {
	filesys := newTestFilesys(t)

	sector, err := filesys.Create(0)
	require.NoError(t, err)

	f, err := filesys.Open(sector)
	require.NoError(t, err)
	defer f.Close()

	payload := []byte("the quick brown fox")
	n, err := f.WriteAt(payload, 0)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	out := make([]byte, len(payload))
	n, err = f.ReadAt(out, 0)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, out)
}

func TestFilesysLargeSparseFile(t *testing.T) {
	filesys := newTestFilesys(t)

	sector, err := filesys.Create(0)
	require.NoError(t, err)
	f, err := filesys.Open(sector)
	require.NoError(t, err)
	defer f.Close()

	n, err := f.WriteAt([]byte("X"), 4_000_000)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(4_000_001), f.Length())

	var b [1]byte
	_, err = f.ReadAt(b[:], 4_000_000)
	require.NoError(t, err)
	assert.Equal(t, byte('X'), b[0])

	_, err = f.ReadAt(b[:], 0)
	require.NoError(t, err)
	assert.Equal(t, byte(0), b[0])

	_, err = f.ReadAt(b[:], 1_000_000)
	require.NoError(t, err)
	assert.Equal(t, byte(0), b[0])
}

func TestFilesysConcurrentReadersOnDisjointRanges(t *testing.T) {
	filesys := newTestFilesys(t)

	const fileSize = 256 * 1024
	const chunk = 4096
	ground := make([]byte, fileSize)
	for i := range ground {
		ground[i] = byte(i % 251)
	}

	sector, err := filesys.Create(0)
	require.NoError(t, err)
	writer, err := filesys.Open(sector)
	require.NoError(t, err)
	_, err = writer.WriteAt(ground, 0)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	var wg sync.WaitGroup
	for i := 0; i < fileSize/chunk; i++ {
		wg.Add(1)
		go func(chunkIdx int) {
			defer wg.Done()
			reader, err := filesys.Open(sector)
			if !assert.NoError(t, err) {
				return
			}
			defer reader.Close()
			off := int64(chunkIdx * chunk)
			buf := make([]byte, chunk)
			_, err = reader.ReadAt(buf, off)
			assert.NoError(t, err)
			assert.Equal(t, ground[off:off+chunk], buf)
		}(i)
	}
	wg.Wait()
}

func TestFilesysDenyWriteBlocksWrites(t *testing.T) {
	filesys := newTestFilesys(t)

	sector, err := filesys.Create(0)
	require.NoError(t, err)
	f, err := filesys.Open(sector)
	require.NoError(t, err)
	defer f.Close()

	f.DenyWrite()
	n, err := f.WriteAt([]byte("nope"), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDenyWrite)
	assert.Equal(t, 0, n)

	f.AllowWrite()
	n, err = f.WriteAt([]byte("ok"), 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestFilesysRemoveReclaimsOnLastClose(t *testing.T) {
	filesys := newTestFilesys(t)

	sector, err := filesys.Create(0)
	require.NoError(t, err)
	f1, err := filesys.Open(sector)
	require.NoError(t, err)
	f2, err := filesys.Open(sector)
	require.NoError(t, err)

	require.NoError(t, filesys.Remove(sector))
	require.NoError(t, f1.Close())

	fm := filesys.FreeMap
	fm.mu.Lock()
	usedBeforeLastClose, err := fm.testBitLocked(sector)
	fm.mu.Unlock()
	require.NoError(t, err)
	assert.True(t, usedBeforeLastClose, "sector still marked allocated while a handle remains open")

	require.NoError(t, f2.Close())

	fm.mu.Lock()
	usedAfterLastClose, err := fm.testBitLocked(sector)
	fm.mu.Unlock()
	require.NoError(t, err)
	assert.False(t, usedAfterLastClose, "sector should be released once the last handle closes")
}
