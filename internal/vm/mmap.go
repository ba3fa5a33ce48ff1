package vm

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/pintos-go/corevm/internal/defs"
	"github.com/pintos-go/corevm/internal/fs"
	"github.com/pintos-go/corevm/internal/mem"
)

// MmapRecord is spec.md §3's Mmap record: {id, file_handle, base_vaddr}.
// The id is a google/uuid value rather than a small integer handle
// table index, since this module has no fd-table-style allocator of its
// own to hand out small ids from (that belongs to the out-of-scope
// syscall layer, spec.md §1).
type MmapRecord struct {
	ID        uuid.UUID
	File      *fs.File
	BaseVaddr uintptr
	PageCount int
}

// Mmap implements spec.md §4.5's mmap(fd, base_vaddr). fd is passed
// through only for the fd<2 rejection spec.md calls out explicitly
// (supplementing the distilled spec from original_source's
// syscall_mmap, which rejects stdin/stdout the same way); file must
// already be the open handle fd resolves to, since descriptor
// resolution itself belongs to the out-of-scope syscall dispatcher.
func Mmap(pt *PageTable, fd int, file *fs.File, baseVaddr uintptr) (*MmapRecord, error) {
	if fd < 2 {
		return nil, errors.Wrap(defs.EMFILE, "vm: mmap rejected: reserved descriptor")
	}
	if baseVaddr == 0 || baseVaddr%mem.PGSIZE != 0 {
		return nil, errors.Wrap(defs.EINVAL, "vm: mmap rejected: base address not page-aligned")
	}
	size := file.Length()
	if size == 0 {
		return nil, errors.Wrap(defs.EINVAL, "vm: mmap rejected: empty file")
	}

	pageCount := int((size + mem.PGSIZE - 1) / mem.PGSIZE)
	for i := 0; i < pageCount; i++ {
		addr := baseVaddr + uintptr(i*mem.PGSIZE)
		pt.mu.Lock()
		_, exists := pt.table.Get(addr)
		pt.mu.Unlock()
		if exists {
			return nil, errors.Wrap(defs.EINVAL, "vm: mmap rejected: range already mapped")
		}
	}

	dup := file.Reopen()
	created := make([]uintptr, 0, pageCount)
	for i := 0; i < pageCount; i++ {
		addr := baseVaddr + uintptr(i*mem.PGSIZE)
		off := int64(i * mem.PGSIZE)
		length := mem.PGSIZE
		if remaining := size - off; remaining < int64(mem.PGSIZE) {
			length = int(remaining)
		}
		if err := pt.CreateFileBacked(addr, true, dup, off, length); err != nil {
			for _, a := range created {
				pt.Free(a)
			}
			dup.Close()
			return nil, errors.Wrap(err, "vm: mmap")
		}
		created = append(created, addr)
	}

	return &MmapRecord{ID: uuid.New(), File: dup, BaseVaddr: baseVaddr, PageCount: pageCount}, nil
}

// Munmap implements spec.md §4.5's munmap(id): writes back dirty
// file-backed pages through the buffer cache, frees frames and swap
// slots, and closes the duplicated file handle Mmap created.
func Munmap(pt *PageTable, rec *MmapRecord) error {
	for i := 0; i < rec.PageCount; i++ {
		addr := rec.BaseVaddr + uintptr(i*mem.PGSIZE)
		pt.Free(addr)
	}
	return rec.File.Close()
}
