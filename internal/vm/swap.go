package vm

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/pintos-go/corevm/internal/blockdev"
	"github.com/pintos-go/corevm/internal/defs"
	"github.com/pintos-go/corevm/internal/mem"
	"github.com/pintos-go/corevm/internal/metrics"
)

// ErrOutOfSwap is returned by SwapOut when the bitmap has no free slot
// (spec.md §7's OUT_OF_SWAP, fatal in this design: frame eviction panics
// on it rather than recovering).
var ErrOutOfSwap = defs.ENOSWAP

// SwapStore is the bitmap-allocated, page-sized-slot swap device of
// spec.md §4.3, grounded in original_source/src/vm/swap.c's bitmap
// scan/flip and backed here by any blockdev.Disk the caller dedicates to
// swap.
type SwapStore struct {
	mu        sync.Mutex
	disk      blockdev.Disk
	slotCount int
	used      []bool
	metrics   *metrics.Set
}

// NewSwapStore constructs a SwapStore over disk, with
// slot_count = device_sectors / (PGSIZE/SECTOR_SIZE) per spec.md §4.3.
func NewSwapStore(disk blockdev.Disk, m *metrics.Set) *SwapStore {
	slots := disk.NumSectors() / mem.SectorsPerPage
	return &SwapStore{
		disk:      disk,
		slotCount: slots,
		used:      make([]bool, slots),
		metrics:   m,
	}
}

func (s *SwapStore) allocSlotLocked() (int, bool) {
	for i, used := range s.used {
		if !used {
			s.used[i] = true
			return i, true
		}
	}
	return 0, false
}

func (s *SwapStore) readSlotLocked(slot int, data *mem.Page) error {
	base := slot * mem.SectorsPerPage
	for i := 0; i < mem.SectorsPerPage; i++ {
		off := i * mem.SectorSize
		if err := s.disk.ReadSector(base+i, data[off:off+mem.SectorSize]); err != nil {
			return errors.Wrapf(err, "vm: swap read slot %d", slot)
		}
	}
	return nil
}

func (s *SwapStore) writeSlotLocked(slot int, data *mem.Page) error {
	base := slot * mem.SectorsPerPage
	for i := 0; i < mem.SectorsPerPage; i++ {
		off := i * mem.SectorSize
		if err := s.disk.WriteSector(base+i, data[off:off+mem.SectorSize]); err != nil {
			return errors.Wrapf(err, "vm: swap write slot %d", slot)
		}
	}
	return nil
}

// SwapIn requires page.source to be a swappedSource with a frame
// already allocated in data; it copies the slot's content into data,
// frees the slot, and restores page.source to whatever it held before
// being swapped out (spec.md §4.3, §3).
func (s *SwapStore) SwapIn(page *Page, data *mem.Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sw, ok := page.source.(swappedSource)
	if !ok {
		return errors.New("vm: swap_in on a page that is not swapped")
	}
	if err := s.readSlotLocked(sw.slot, data); err != nil {
		return err
	}
	s.used[sw.slot] = false
	page.source = sw.prior
	if s.metrics != nil {
		s.metrics.SwapIns.Inc()
		s.metrics.SwapSlotsUse.Dec()
	}
	return nil
}

// SwapOut spills page's resident frame (data holds its bytes). A dirty
// file-backed page is written back through the file system instead of
// consuming a slot; every other page is written to a freshly allocated
// slot and its source becomes swappedSource, remembering the source it
// had before eviction so a later SwapIn can restore it (spec.md §4.3).
func (s *SwapStore) SwapOut(page *Page, data *mem.Page) error {
	if fb, ok := page.source.(fileBackedSource); ok && page.pd.IsDirty(page.uva) {
		if _, err := fb.file.WriteAt(data[:fb.bytes], fb.offset); err != nil {
			return errors.Wrap(err, "vm: swap_out writeback")
		}
		if s.metrics != nil {
			s.metrics.SwapOuts.Inc()
		}
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.allocSlotLocked()
	if !ok {
		return ErrOutOfSwap
	}
	if err := s.writeSlotLocked(slot, data); err != nil {
		s.used[slot] = false
		return err
	}
	page.source = swappedSource{slot: slot, prior: page.source}
	if s.metrics != nil {
		s.metrics.SwapOuts.Inc()
		s.metrics.SwapSlotsUse.Inc()
	}
	return nil
}

// Free clears a slot's bit directly, used by page_table_destroy when a
// swapped-out page is discarded without ever being swapped back in
// (spec.md §4.5's process-exit cleanup).
func (s *SwapStore) Free(slot int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.used[slot] = false
	if s.metrics != nil {
		s.metrics.SwapSlotsUse.Dec()
	}
}
