package fs

import (
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/pintos-go/corevm/internal/defs"
	"github.com/pintos-go/corevm/internal/hashtable"
	"github.com/pintos-go/corevm/internal/util"
)

// ErrNotFound is returned by Open when a sector's magic doesn't match
// InodeMagic, i.e. no inode lives there (spec.md §7's NOT_FOUND kind).
var ErrNotFound = defs.ENOENT

// ErrDenyWrite is returned by WriteAt while the inode's deny_write_count
// is positive (spec.md §4.2's deny-write semantics, a PERMISSION kind).
var ErrDenyWrite = defs.EBUSY

// Inode is the in-memory, reference-counted representation of one file
// or directory, shared by every open handle on it (spec.md §3's Inode).
// Its own lock guards content and length, held across cache I/O exactly
// as spec.md §5's lock table requires.
type Inode struct {
	im     *InodeManager
	sector int

	mu             sync.Mutex
	openCount      int
	denyWriteCount int
	removed        bool
	disk           InodeDisk
}

func (in *Inode) Sector() int { return in.sector }

// InodeManager is the process-wide open-inode list (spec.md §4.2's
// "open-inode coalescing"): at most one in-memory Inode per sector
// exists at a time. Concurrent Opens of a sector not yet in the table
// collapse onto one disk read via singleflight, the way this module
// uses golang.org/x/sync/singleflight to fold concurrent identical work
// into a single execution (promoted from biscuit's indirect golang.org/
// x/sync dependency into a direct, exercised one).
type InodeManager struct {
	mu      sync.Mutex // guards table membership transitions (open/close)
	table   *hashtable.Table[int, *Inode]
	cache   *Cache
	freeMap *FreeMap
	sf      singleflight.Group
}

// NewInodeManager constructs an InodeManager over cache and freeMap.
func NewInodeManager(cache *Cache, freeMap *FreeMap) *InodeManager {
	return &InodeManager{
		table:   hashtable.New[int, *Inode](256),
		cache:   cache,
		freeMap: freeMap,
	}
}

func (im *InodeManager) readDiskLocked(sector int, d *InodeDisk) error {
	return im.cache.Read(sector, d.Bytes(), 0, inodeDiskSize)
}

func (im *InodeManager) writeDiskLocked(sector int, d *InodeDisk) error {
	return im.cache.Write(sector, d.Bytes(), 0, inodeDiskSize)
}

// Create allocates a fresh inode sector, persists an InodeDisk with the
// given length and directory flag, and allocates (zeroed) every data
// sector the length requires (spec.md §4.2, §6: "inode_create(sector,
// length)", here returning the sector it chose since nothing upstream
// names one).
func (im *InodeManager) Create(length int64, isDir bool) (int, error) {
	sector, err := im.freeMap.AllocateZeroed()
	if err != nil {
		return 0, errors.Wrap(err, "fs: inode create")
	}

	in := &Inode{im: im, sector: sector}
	in.disk.SetMagic(InodeMagic)
	in.disk.SetIsDir(isDir)

	if length > 0 {
		need := int(util.DivRoundUp(length, 512))
		if !in.updateLocked(need) {
			// Partial allocations from updateLocked are not rolled
			// back (spec.md §4.2); the inode sector itself is
			// released since no Inode struct will ever reference it.
			im.freeMap.Release(sector)
			return 0, errors.Wrap(defs.ENOSPC, "fs: inode create")
		}
	}
	in.disk.SetLength(length)
	if err := im.writeDiskLocked(sector, &in.disk); err != nil {
		return 0, err
	}
	return sector, nil
}

// Open returns the shared Inode for sector, loading it from disk on
// first open. Concurrent first-opens of the same not-yet-resident
// sector coalesce onto a single disk read.
func (im *InodeManager) Open(sector int) (*Inode, error) {
	im.mu.Lock()
	if in, ok := im.table.Get(sector); ok {
		in.mu.Lock()
		in.openCount++
		in.mu.Unlock()
		im.mu.Unlock()
		return in, nil
	}
	im.mu.Unlock()

	v, err, _ := im.sf.Do(strconv.Itoa(sector), func() (any, error) {
		im.mu.Lock()
		defer im.mu.Unlock()
		if in, ok := im.table.Get(sector); ok {
			in.mu.Lock()
			in.openCount++
			in.mu.Unlock()
			return in, nil
		}
		in := &Inode{im: im, sector: sector}
		if err := im.readDiskLocked(sector, &in.disk); err != nil {
			return nil, err
		}
		if in.disk.Magic() != InodeMagic {
			return nil, ErrNotFound
		}
		in.openCount = 1
		im.table.Set(sector, in)
		return in, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Inode), nil
}

// Reopen increments an already-open inode's reference count (spec.md
// §6's inode_reopen, used so closing a duplicated file handle, e.g.
// after mmap, doesn't tear down a still-referenced inode).
func (im *InodeManager) Reopen(in *Inode) {
	in.mu.Lock()
	in.openCount++
	in.mu.Unlock()
}

// Close drops one reference. When the count reaches zero the inode
// leaves the open list; if it had been marked removed, its sectors are
// reclaimed to the free-map.
func (im *InodeManager) Close(in *Inode) error {
	im.mu.Lock()
	in.mu.Lock()
	in.openCount--
	last := in.openCount == 0
	removed := in.removed
	in.mu.Unlock()
	if last {
		im.table.Del(in.sector)
	}
	im.mu.Unlock()

	if last && removed {
		return im.reclaim(in)
	}
	return nil
}

// Remove marks in for deletion; reclamation happens in Close once the
// last reference drops (spec.md §4.2).
func (im *InodeManager) Remove(in *Inode) {
	in.mu.Lock()
	in.removed = true
	in.mu.Unlock()
}

// reclaim walks every direct, indirect, and doubly-indirect entry,
// returning occupied sectors to the free-map, then releases the inode
// sector itself.
func (im *InodeManager) reclaim(in *Inode) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	for i := 0; i < N_DIRECT; i++ {
		if s := in.disk.Direct(i); s != 0 {
			if err := im.freeMap.Release(s); err != nil {
				return err
			}
		}
	}
	if di := in.disk.DoubleIndirect(); di != 0 {
		var dib indirectBlock
		if err := im.cache.Read(di, dib.Bytes(), 0, 512); err != nil {
			return err
		}
		for j := 0; j < N_INDIRECT; j++ {
			ind := dib.Get(j)
			if ind == 0 {
				continue
			}
			var indb indirectBlock
			if err := im.cache.Read(ind, indb.Bytes(), 0, 512); err != nil {
				return err
			}
			for k := 0; k < N_INDIRECT; k++ {
				if s := indb.Get(k); s != 0 {
					if err := im.freeMap.Release(s); err != nil {
						return err
					}
				}
			}
			if err := im.freeMap.Release(ind); err != nil {
				return err
			}
		}
		if err := im.freeMap.Release(di); err != nil {
			return err
		}
	}
	return im.freeMap.Release(in.sector)
}

// updateLocked implements spec.md §4.2's inode_update(n) allocation
// algorithm. Caller holds in.mu. Already-allocated sectors from a
// failed call are left in place, matching the spec's deliberate
// no-rollback design; in.disk's direct/double_indirect fields are only
// persisted by the caller once allocation as a whole succeeds, so a
// failed extension leaks free-map bits rather than corrupting a
// persisted, partially-updated inode.
func (in *Inode) updateLocked(n int) bool {
	im := in.im
	for i := 0; i < n && i < N_DIRECT; i++ {
		if in.disk.Direct(i) != 0 {
			continue
		}
		s, err := im.freeMap.AllocateZeroed()
		if err != nil {
			return false
		}
		in.disk.SetDirect(i, s)
	}
	if n <= N_DIRECT {
		return true
	}

	if in.disk.DoubleIndirect() == 0 {
		s, err := im.freeMap.AllocateZeroed()
		if err != nil {
			return false
		}
		in.disk.SetDoubleIndirect(s)
	}
	var dib indirectBlock
	if err := im.cache.Read(in.disk.DoubleIndirect(), dib.Bytes(), 0, 512); err != nil {
		return false
	}

	remaining := n - N_DIRECT
	indirectsNeeded := (remaining + N_INDIRECT - 1) / N_INDIRECT
	for j := 0; j < indirectsNeeded; j++ {
		indSector := dib.Get(j)
		if indSector == 0 {
			s, err := im.freeMap.AllocateZeroed()
			if err != nil {
				return false
			}
			indSector = s
			dib.Set(j, indSector)
		}
		var indb indirectBlock
		if err := im.cache.Read(indSector, indb.Bytes(), 0, 512); err != nil {
			return false
		}
		entries := remaining - j*N_INDIRECT
		if entries > N_INDIRECT {
			entries = N_INDIRECT
		}
		for k := 0; k < entries; k++ {
			if indb.Get(k) != 0 {
				continue
			}
			s, err := im.freeMap.AllocateZeroed()
			if err != nil {
				return false
			}
			indb.Set(k, s)
		}
		if err := im.cache.Write(indSector, indb.Bytes(), 0, 512); err != nil {
			return false
		}
	}
	if err := im.cache.Write(in.disk.DoubleIndirect(), dib.Bytes(), 0, 512); err != nil {
		return false
	}
	return true
}

// sectorAt resolves the block index'th 512-byte sector of in's content,
// caller holding in.mu. Returns 0 (the "not yet allocated" sentinel) if
// the index lies past anything allocated, which read paths treat as an
// all-zero sector.
func (in *Inode) sectorAt(index int) (int, error) {
	if index < N_DIRECT {
		return in.disk.Direct(index), nil
	}
	di := in.disk.DoubleIndirect()
	if di == 0 {
		return 0, nil
	}
	var dib indirectBlock
	if err := in.im.cache.Read(di, dib.Bytes(), 0, 512); err != nil {
		return 0, err
	}
	rem := index - N_DIRECT
	j, k := rem/N_INDIRECT, rem%N_INDIRECT
	if j >= N_INDIRECT {
		return 0, nil
	}
	indSector := dib.Get(j)
	if indSector == 0 {
		return 0, nil
	}
	var indb indirectBlock
	if err := in.im.cache.Read(indSector, indb.Bytes(), 0, 512); err != nil {
		return 0, err
	}
	return indb.Get(k), nil
}

// ReadAt copies up to len(buf) bytes starting at off into buf, stopping
// at end-of-file (spec.md §4.2's inode_read_at, SHORT_IO is not an
// error, per spec.md §7).
func (in *Inode) ReadAt(buf []byte, off int64) (int, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	length := in.disk.Length()
	if off >= length {
		return 0, nil
	}
	n := int64(len(buf))
	if off+n > length {
		n = length - off
	}
	var got int64
	for got < n {
		sector := int((off + got) / 512)
		within := int((off + got) % 512)
		chunk := int(util.Min(int64(512-within), n-got))
		s, err := in.sectorAt(sector)
		if err != nil {
			return int(got), err
		}
		if s == 0 {
			for i := 0; i < chunk; i++ {
				buf[got+int64(i)] = 0
			}
		} else if err := in.im.cache.Read(s, buf[got:got+int64(chunk)], within, chunk); err != nil {
			return int(got), err
		}
		got += int64(chunk)
	}
	return int(got), nil
}

// WriteAt copies len(buf) bytes into the file starting at off, growing
// the file via updateLocked when the write extends past the current
// length (spec.md §4.2's inode_write_at). A write while deny_write_count
// is positive is spec.md §7's PERMISSION kind, not SHORT_IO, so it is
// reported as an error rather than a silent zero-byte write; an
// extension that runs out of disk space is SHORT_IO and returns 0
// bytes without error.
func (in *Inode) WriteAt(buf []byte, off int64) (int, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.denyWriteCount > 0 {
		return 0, errors.Wrap(ErrDenyWrite, "fs: write_at")
	}
	end := off + int64(len(buf))
	if end > in.disk.Length() {
		need := int(util.DivRoundUp(end, 512))
		if !in.updateLocked(need) {
			return 0, nil
		}
	}

	var done int64
	n := int64(len(buf))
	for done < n {
		sector := int((off + done) / 512)
		within := int((off + done) % 512)
		chunk := int(util.Min(int64(512-within), n-done))
		s, err := in.sectorAt(sector)
		if err != nil || s == 0 {
			return int(done), err
		}
		if err := in.im.cache.Write(s, buf[done:done+int64(chunk)], within, chunk); err != nil {
			return int(done), err
		}
		done += int64(chunk)
	}

	if end > in.disk.Length() {
		in.disk.SetLength(end)
	}
	if err := in.im.writeDiskLocked(in.sector, &in.disk); err != nil {
		return int(done), err
	}
	return int(done), nil
}

// Length returns the inode's current byte length.
func (in *Inode) Length() int64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.disk.Length()
}

// IsDir reports whether the inode represents a directory.
func (in *Inode) IsDir() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.disk.IsDir()
}

// SetDir sets the directory flag and persists it immediately, the
// distilled spec is silent on timing, but the system this was distilled
// from (original_source/src/filesys/inode.c's inode_set_dir) writes the
// inode sector back right away rather than deferring to the next
// length-changing write.
func (in *Inode) SetDir(v bool) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.disk.SetIsDir(v)
	return in.im.writeDiskLocked(in.sector, &in.disk)
}

// GetInumber returns the sector number that names this inode.
func (in *Inode) GetInumber() int { return in.sector }

// DenyWrite and AllowWrite implement spec.md §4.2's deny-write counter.
func (in *Inode) DenyWrite() {
	in.mu.Lock()
	in.denyWriteCount++
	in.mu.Unlock()
}

func (in *Inode) AllowWrite() {
	in.mu.Lock()
	if in.denyWriteCount > 0 {
		in.denyWriteCount--
	}
	in.mu.Unlock()
}
