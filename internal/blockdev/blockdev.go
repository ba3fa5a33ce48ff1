// Package blockdev provides the sector-addressed storage collaborator
// named in spec.md §6 ("Consumed from collaborators: Block device").
// Disk is the Go analogue of biscuit's Disk_i (biscuit/src/fs/blk.go) and
// PintOS's struct block, a synchronous read/write-by-sector interface
// that the caller blocks on (spec.md §5: "Block device read/write
// suspends the caller").
package blockdev

import (
	"fmt"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/pintos-go/corevm/internal/mem"
)

// Role names the two roles spec.md's block_get_role names: the
// filesystem's own disk, and the dedicated swap device (spec.md §4.3).
type Role int

const (
	RoleFilesys Role = iota
	RoleSwap
)

func (r Role) String() string {
	if r == RoleSwap {
		return "swap"
	}
	return "filesys"
}

// Disk is a sector-addressed block device. Sector 0 is reserved by
// convention (spec.md §3).
type Disk interface {
	ReadSector(sector int, dst []byte) error
	WriteSector(sector int, src []byte) error
	NumSectors() int
	Stats() string
}

// FileDisk backs a Disk with a plain host file, growing it on first use
// to holds its sectors; this is the concrete device mkfs-equivalent
// tooling and the swap store format against (spec.md §6: "Swap device is
// a flat bitmap-addressed image of page-sized slots with no header").
type FileDisk struct {
	mu         sync.Mutex
	f          *os.File
	numSectors int
	reads      int64
	writes     int64
}

// OpenFileDisk opens (creating if necessary) path as a Disk with the
// given sector count. If the file is shorter than numSectors*SectorSize
// it is zero-extended.
func OpenFileDisk(path string, numSectors int) (*FileDisk, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "blockdev: open %s", path)
	}
	size := int64(numSectors) * mem.SectorSize
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "blockdev: truncate %s to %d bytes", path, size)
	}
	return &FileDisk{f: f, numSectors: numSectors}, nil
}

func (d *FileDisk) ReadSector(sector int, dst []byte) error {
	if sector < 0 || sector >= d.numSectors {
		return errors.Errorf("blockdev: sector %d out of range [0,%d)", sector, d.numSectors)
	}
	if len(dst) != mem.SectorSize {
		return errors.Errorf("blockdev: read buffer must be %d bytes, got %d", mem.SectorSize, len(dst))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reads++
	_, err := d.f.ReadAt(dst, int64(sector)*mem.SectorSize)
	return err
}

func (d *FileDisk) WriteSector(sector int, src []byte) error {
	if sector < 0 || sector >= d.numSectors {
		return errors.Errorf("blockdev: sector %d out of range [0,%d)", sector, d.numSectors)
	}
	if len(src) != mem.SectorSize {
		return errors.Errorf("blockdev: write buffer must be %d bytes, got %d", mem.SectorSize, len(src))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes++
	_, err := d.f.WriteAt(src, int64(sector)*mem.SectorSize)
	return err
}

func (d *FileDisk) NumSectors() int { return d.numSectors }

func (d *FileDisk) Stats() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fmt.Sprintf("reads=%d writes=%d sectors=%d", d.reads, d.writes, d.numSectors)
}

func (d *FileDisk) Close() error {
	return d.f.Close()
}

// MemDisk is an in-memory Disk, used by tests that would rather not
// touch the filesystem.
type MemDisk struct {
	mu     sync.Mutex
	data   [][mem.SectorSize]byte
	reads  int64
	writes int64
}

// NewMemDisk allocates a zeroed in-memory disk of numSectors sectors.
func NewMemDisk(numSectors int) *MemDisk {
	return &MemDisk{data: make([][mem.SectorSize]byte, numSectors)}
}

func (d *MemDisk) ReadSector(sector int, dst []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sector < 0 || sector >= len(d.data) {
		return errors.Errorf("blockdev: sector %d out of range [0,%d)", sector, len(d.data))
	}
	d.reads++
	copy(dst, d.data[sector][:])
	return nil
}

func (d *MemDisk) WriteSector(sector int, src []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sector < 0 || sector >= len(d.data) {
		return errors.Errorf("blockdev: sector %d out of range [0,%d)", sector, len(d.data))
	}
	d.writes++
	copy(d.data[sector][:], src)
	return nil
}

func (d *MemDisk) NumSectors() int { return len(d.data) }

func (d *MemDisk) Stats() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fmt.Sprintf("reads=%d writes=%d sectors=%d", d.reads, d.writes, len(d.data))
}
