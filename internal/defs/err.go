// Package defs collects the error-kind vocabulary shared by the fs and vm
// packages. It plays the role biscuit's own "defs" package plays for
// vm.Vm_t (biscuit/src/vm/as.go imports defs.Err_t and compares against
// named constants): a small typed integer enum that implements error.
// Callers return the constants as errors, usually wrapped with
// github.com/pkg/errors, and match them with errors.Is.
package defs

// Err_t is an error code; the named constants count up from 1, so the
// zero value names no error.
type Err_t int

const (
	// ENOMEM: kernel heap / physical page allocator exhausted (OUT_OF_MEMORY).
	ENOMEM Err_t = 1 + iota
	// ENOSPC: free-map exhausted (OUT_OF_DISK).
	ENOSPC
	// ENOSWAP: swap bitmap full (OUT_OF_SWAP). Fatal per spec.md §7.
	ENOSWAP
	// ENOENT: sector/file/dir absent (NOT_FOUND).
	ENOENT
	// EINVAL: malformed argument (bad mmap address, zero-length mapping, ...).
	EINVAL
	// EBUSY: write attempted against an inode with deny_write_count > 0.
	EBUSY
	// EMFILE: mmap attempted on a reserved descriptor (fd < 2).
	EMFILE
)

func (e Err_t) Error() string {
	switch e {
	case ENOMEM:
		return "out of memory"
	case ENOSPC:
		return "out of disk space"
	case ENOSWAP:
		return "out of swap"
	case ENOENT:
		return "not found"
	case EINVAL:
		return "invalid argument"
	case EBUSY:
		return "write denied"
	case EMFILE:
		return "descriptor not mappable"
	default:
		return "unknown error"
	}
}

// Tid_t identifies the goroutine-as-thread that owns a frame, mirroring
// biscuit's defs.Tid_t used as Frame ownership key. Tid 0 is reserved for
// kernel-owned frames, which frame_evict (vm.FrameTable.evictOneLocked) must never
// pick as a victim (spec.md §4.4).
type Tid_t int64

const KernelTid Tid_t = 0
