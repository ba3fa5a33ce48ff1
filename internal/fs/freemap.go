package fs

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/pintos-go/corevm/internal/defs"
	"github.com/pintos-go/corevm/internal/mem"
)

// FreeMapSector is the fixed sector the free-map bitmap begins at
// (spec.md §6: "Free-map sector reserved at a fixed system-defined
// sector"). Sector 0 is reserved by convention (spec.md §3) and the
// inode-bitmap/superblock-free layout this module uses keeps things
// simple by starting the data region right after the free-map.
const FreeMapSector = 1

// bitsPerSector is the number of free-map bits one 512-byte sector
// holds.
const bitsPerSector = mem.SectorSize * 8

// FreeMap is a bitmap-backed sector allocator, one bit per sector of the
// backing disk, stored in the buffer cache starting at FreeMapSector
// (spec.md §6's free_map_allocate/free_map_release). Bit i of the whole
// map corresponds to sector i; Format marks every sector before
// dataStart (the first sector past the bitmap itself) as used, and those
// sectors are never handed out.
type FreeMap struct {
	mu         sync.Mutex
	cache      *Cache
	numSectors int // total sectors tracked by the bitmap
	dataStart  int // first allocatable sector
	mapSectors int // sectors occupied by the bitmap itself
}

// NewFreeMap constructs a FreeMap over totalSectors sectors of disk. The
// bitmap itself occupies FreeMapSector through FreeMapSector+mapSectors-1
// (rounded up to whole sectors), and dataStart is derived from that so the
// data region never overlaps the bitmap's own storage.
func NewFreeMap(cache *Cache, totalSectors int) *FreeMap {
	mapSectors := (totalSectors + bitsPerSector - 1) / bitsPerSector
	return &FreeMap{
		cache:      cache,
		numSectors: totalSectors,
		dataStart:  FreeMapSector + mapSectors,
		mapSectors: mapSectors,
	}
}

// DataStart returns the first sector Allocate may hand out, the sector
// right past the bitmap's own storage.
func (fm *FreeMap) DataStart() int { return fm.dataStart }

// Format zeroes the bitmap and marks every sector below dataStart as
// allocated, the way mkfs tooling lays down a fresh free-map before any
// file exists.
func (fm *FreeMap) Format() error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	for s := 0; s < fm.mapSectors; s++ {
		var zero [mem.SectorSize]byte
		if err := fm.cache.Write(FreeMapSector+s, zero[:], 0, mem.SectorSize); err != nil {
			return errors.Wrap(err, "free-map: format")
		}
	}
	for sector := 0; sector < fm.dataStart; sector++ {
		if err := fm.setBitLocked(sector, true); err != nil {
			return err
		}
	}
	return nil
}

func (fm *FreeMap) bitLocation(sector int) (mapSector int, byteOff int, bit uint) {
	mapSector = FreeMapSector + sector/bitsPerSector
	byteOff = (sector % bitsPerSector) / 8
	bit = uint(sector % 8)
	return
}

func (fm *FreeMap) testBitLocked(sector int) (bool, error) {
	mapSector, byteOff, bit := fm.bitLocation(sector)
	var b [1]byte
	if err := fm.cache.Read(mapSector, b[:], byteOff, 1); err != nil {
		return false, errors.Wrap(err, "free-map: test bit")
	}
	return b[0]&(1<<bit) != 0, nil
}

func (fm *FreeMap) setBitLocked(sector int, used bool) error {
	mapSector, byteOff, bit := fm.bitLocation(sector)
	var b [1]byte
	if err := fm.cache.Read(mapSector, b[:], byteOff, 1); err != nil {
		return errors.Wrap(err, "free-map: read byte")
	}
	if used {
		b[0] |= 1 << bit
	} else {
		b[0] &^= 1 << bit
	}
	return fm.cache.Write(mapSector, b[:], byteOff, 1)
}

// Allocate finds one free sector at or past dataStart, marks it used,
// and returns it. Returns defs.ENOSPC, wrapped, when the disk is full.
func (fm *FreeMap) Allocate() (int, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	for sector := fm.dataStart; sector < fm.numSectors; sector++ {
		used, err := fm.testBitLocked(sector)
		if err != nil {
			return 0, err
		}
		if !used {
			if err := fm.setBitLocked(sector, true); err != nil {
				return 0, err
			}
			return sector, nil
		}
	}
	return 0, errors.Wrap(defs.ENOSPC, "free-map: no free sectors")
}

// AllocateZeroed is Allocate plus zeroing the sector's content, matching
// spec.md §4.2's "allocate a zeroed sector via the free-map".
func (fm *FreeMap) AllocateZeroed() (int, error) {
	sector, err := fm.Allocate()
	if err != nil {
		return 0, err
	}
	var zero [mem.SectorSize]byte
	if err := fm.cache.Write(sector, zero[:], 0, mem.SectorSize); err != nil {
		return 0, err
	}
	return sector, nil
}

// Release returns sector to the free pool. Releasing an already-free
// sector is a no-op, matching free_map_release's idempotence in spec.md.
func (fm *FreeMap) Release(sector int) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if sector < fm.dataStart || sector >= fm.numSectors {
		return errors.Errorf("free-map: release sector %d out of data range [%d,%d)", sector, fm.dataStart, fm.numSectors)
	}
	return fm.setBitLocked(sector, false)
}
