package fs

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/pintos-go/corevm/internal/blockdev"
	"github.com/pintos-go/corevm/internal/metrics"
	"github.com/pintos-go/corevm/internal/sched"
)

// Filesys wires the buffer cache, free-map, and inode manager into the
// single subsystem spec.md §6 calls out as "filesys_init(format)",
// "filesys_done", "filesys_create", "filesys_open", "filesys_remove".
type Filesys struct {
	Cache   *Cache
	FreeMap *FreeMap
	Inodes  *InodeManager
	log     *logrus.Entry

	rootSector int
}

// Options bundles the constructor knobs that otherwise bloat
// OpenFilesys's argument list.
type Options struct {
	WriteBehindTicks int64
	Sleeper          sched.Sleeper
	Metrics          *metrics.Set
}

// OpenFilesys constructs the cache/free-map/inode-manager stack over
// disk but does not touch its content; call Format on a fresh disk
// before first use, or skip straight to Mount on an already-formatted
// one.
func OpenFilesys(disk blockdev.Disk, opts Options) *Filesys {
	cache := NewCache(disk, opts.Sleeper, opts.WriteBehindTicks, opts.Metrics)
	freeMap := NewFreeMap(cache, disk.NumSectors())
	return &Filesys{
		Cache:   cache,
		FreeMap: freeMap,
		Inodes:  NewInodeManager(cache, freeMap),
		log:     logrus.WithField("subsystem", "filesys"),
	}
}

// Format lays down a fresh free-map and root directory inode, the way
// PintOS's filesys_init(format=true) calls free_map_create followed by
// dir_create(ROOT_DIR_SECTOR, 16) (original_source/src/filesys/
// filesys.c). This module has no directory layer (spec.md §1's
// Non-goals exclude it), so the root is created as an empty, zero-length
// inode that callers use purely as a namespace anchor.
func (fs *Filesys) Format() error {
	if err := fs.FreeMap.Format(); err != nil {
		return errors.Wrap(err, "filesys: format free-map")
	}
	root, err := fs.Inodes.Create(0, true)
	if err != nil {
		return errors.Wrap(err, "filesys: create root inode")
	}
	fs.rootSector = root
	fs.Cache.Start()
	return nil
}

// Mount resumes an already-formatted disk, starting the cache's
// background workers. This module has no superblock beyond the inode
// sectors themselves (spec.md §6's persisted-layout list names none),
// so the root inode is found at the deterministic first data sector
// Format always allocates it at.
func (fs *Filesys) Mount() {
	fs.rootSector = fs.FreeMap.DataStart()
	fs.Cache.Start()
}

// RootSector returns the sector chosen for the root directory inode by
// the most recent Format call.
func (fs *Filesys) RootSector() int { return fs.rootSector }

// Create allocates a new file inode of the given initial length
// (spec.md §6's filesys_create, this module's inode layer has no
// pathname resolution since the directory layer is out of scope, so
// callers address files by inode sector directly).
func (fs *Filesys) Create(length int64) (int, error) {
	return fs.Inodes.Create(length, false)
}

// Open returns an open File handle on the inode at sector.
func (fs *Filesys) Open(sector int) (*File, error) {
	in, err := fs.Inodes.Open(sector)
	if err != nil {
		return nil, err
	}
	return OpenFile(fs.Inodes, in), nil
}

// Remove marks the inode at sector for deletion; its sectors are
// reclaimed once every open handle on it closes (spec.md §4.2).
func (fs *Filesys) Remove(sector int) error {
	in, err := fs.Inodes.Open(sector)
	if err != nil {
		return err
	}
	fs.Inodes.Remove(in)
	return fs.Inodes.Close(in)
}

// Done flushes every dirty cache entry and stops the background
// workers, matching spec.md §5's "filesys_done flushes all caches
// before return" durability guarantee.
func (fs *Filesys) Done() error {
	fs.Cache.Shutdown()
	if err := fs.Cache.WriteBackAll(); err != nil {
		fs.log.WithError(err).Error("filesys_done: final flush failed")
		return err
	}
	return nil
}
