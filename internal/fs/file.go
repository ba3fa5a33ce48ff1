package fs

import "sync"

// File is an open file handle: a cursor over one shared Inode, with its
// own deny-write bookkeeping so a handle's second DenyWrite does not
// count against the inode again, matching spec.md §4.2's "each open call may increment at
// most once (enforced by the caller's file handle)".
type File struct {
	mu     sync.Mutex
	inode  *Inode
	im     *InodeManager
	pos    int64
	denied bool
	closed bool
}

// OpenFile wraps an already-open Inode in a fresh cursor. Callers that want
// to open by sector go through InodeManager.Open first.
func OpenFile(im *InodeManager, inode *Inode) *File {
	return &File{inode: inode, im: im}
}

// Reopen duplicates f onto a fresh handle sharing the same inode, with
// its own cursor starting at f's current position, incrementing the inode's reference count, used by
// mmap so the mapping survives the mapping file descriptor's own close
// (spec.md §4.5).
func (f *File) Reopen() *File {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.im.Reopen(f.inode)
	return &File{inode: f.inode, im: f.im, pos: f.pos}
}

// Close releases the handle's reference to its inode. Double-close is a
// no-op.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	if f.denied {
		f.inode.AllowWrite()
	}
	return f.im.Close(f.inode)
}

// Read copies up to len(buf) bytes starting at the handle's cursor,
// advancing it by the number of bytes actually read.
func (f *File) Read(buf []byte) (int, error) {
	f.mu.Lock()
	pos := f.pos
	f.mu.Unlock()
	n, err := f.inode.ReadAt(buf, pos)
	f.mu.Lock()
	f.pos += int64(n)
	f.mu.Unlock()
	return n, err
}

// Write copies buf into the file at the handle's cursor, advancing it.
func (f *File) Write(buf []byte) (int, error) {
	f.mu.Lock()
	pos := f.pos
	f.mu.Unlock()
	n, err := f.inode.WriteAt(buf, pos)
	f.mu.Lock()
	f.pos += int64(n)
	f.mu.Unlock()
	return n, err
}

// ReadAt and WriteAt bypass the cursor entirely (spec.md §6's
// file_read_at/file_write_at, used directly by the mmap path).
func (f *File) ReadAt(buf []byte, off int64) (int, error)  { return f.inode.ReadAt(buf, off) }
func (f *File) WriteAt(buf []byte, off int64) (int, error) { return f.inode.WriteAt(buf, off) }

// Seek repositions the cursor.
func (f *File) Seek(off int64) {
	f.mu.Lock()
	f.pos = off
	f.mu.Unlock()
}

// Tell returns the cursor's current position.
func (f *File) Tell() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pos
}

// Length returns the underlying inode's byte length.
func (f *File) Length() int64 { return f.inode.Length() }

// DenyWrite forbids writes to the underlying inode through any handle,
// until AllowWrite is called the same number of times. Calling it twice
// on the same handle without an intervening AllowWrite is a no-op, the
// handle, not the inode, is the one-shot-per-open resource.
func (f *File) DenyWrite() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denied {
		return
	}
	f.denied = true
	f.inode.DenyWrite()
}

func (f *File) AllowWrite() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.denied {
		return
	}
	f.denied = false
	f.inode.AllowWrite()
}

// Inode exposes the handle's underlying inode, used by mmap to read
// bytes directly without going through the cursor.
func (f *File) Inode() *Inode { return f.inode }
