// Package fs implements the buffer cache and inode layer (spec.md §4.1,
// §4.2), adapted from biscuit's Bdev_block_t (biscuit/src/fs/blk.go) and
// grounded in PintOS's own cache.c/inode.c
// (original_source/src/filesys/{cache,inode}.c) wherever the distilled
// spec left an algorithm's exact shape ambiguous.
package fs

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/pintos-go/corevm/internal/blockdev"
	"github.com/pintos-go/corevm/internal/mem"
	"github.com/pintos-go/corevm/internal/metrics"
	"github.com/pintos-go/corevm/internal/sched"
)

// CacheSize is the fixed number of resident sectors (spec.md §4.1).
const CacheSize = 64

const unusedSector = -1

// CacheEntry mirrors spec.md §3's CacheEntry: at most one entry may hold
// a given sector_id at a time, enforced by always mutating sectorID under
// the Cache's global lock.
type CacheEntry struct {
	mu           sync.Mutex
	sectorID     int
	data         [mem.SectorSize]byte
	dirty        bool
	secondChance bool
}

// Cache is the fixed 64-entry buffer cache (spec.md §4.1).
type Cache struct {
	mu      sync.Mutex // global lock: entry-array membership & lookup
	entries [CacheSize]*CacheEntry
	disk    blockdev.Disk
	metrics *metrics.Set
	log     *logrus.Entry

	readAheadCh  chan int
	readAheadSem *semaphore.Weighted
	sleeper      sched.Sleeper
	wbPeriod     int64 // write-behind period, in ticks (spec.md §6: ≈200)

	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

// ErrEvictionFailed is what evictLocked reports when ten full
// second-chance passes found no victim (spec.md §4.1, §7: fatal in this
// design). Read and Write panic with it; the read-ahead worker drops its
// hint instead.
var ErrEvictionFailed = errors.New("buffer cache: no eviction victim found after 10 passes")

// NewCache constructs an empty Cache over disk. wbPeriodTicks is the
// write-behind wake period (spec.md's ≈200 ticks), made an explicit
// constructor argument per spec.md §9's Open Question asking for it to be
// injectable.
func NewCache(disk blockdev.Disk, sleeper sched.Sleeper, wbPeriodTicks int64, m *metrics.Set) *Cache {
	c := &Cache{
		disk:         disk,
		metrics:      m,
		log:          logrus.WithField("subsystem", "buffer_cache"),
		readAheadCh:  make(chan int, CacheSize),
		readAheadSem: semaphore.NewWeighted(4),
		sleeper:      sleeper,
		wbPeriod:     wbPeriodTicks,
		shutdownCh:   make(chan struct{}),
	}
	for i := range c.entries {
		c.entries[i] = &CacheEntry{sectorID: unusedSector, secondChance: true}
	}
	return c
}

// Start launches the write-behind and read-ahead background workers.
func (c *Cache) Start() {
	c.wg.Add(2)
	go c.writeBehindLoop()
	go c.readAheadLoop()
}

// Shutdown signals both workers to stop, waits for the write-behind
// worker's final flush, and returns once both have exited.
func (c *Cache) Shutdown() {
	close(c.shutdownCh)
	c.wg.Wait()
}

// findLocked returns the entry currently holding sector, or nil. Caller
// must hold c.mu.
func (c *Cache) findLocked(sector int) *CacheEntry {
	for _, e := range c.entries {
		if e.sectorID == sector {
			return e
		}
	}
	return nil
}

func (c *Cache) findUnusedLocked() *CacheEntry {
	for _, e := range c.entries {
		if e.sectorID == unusedSector {
			return e
		}
	}
	return nil
}

// acquire implements spec.md §4.1's four-step sequence: locate-or-claim
// an entry under the global lock, hand off to the entry's own lock
// before releasing the global lock, then load from disk on miss (outside
// any lock but the entry's own, matching spec.md §5: the per-entry lock
// is "held across block read/write").
func (c *Cache) acquire(sector int) (*CacheEntry, error) {
	c.mu.Lock()
	entry := c.findLocked(sector)
	miss := entry == nil
	if entry == nil {
		entry = c.findUnusedLocked()
		if entry == nil {
			var err error
			// evictLocked hands back the victim with its lock already held.
			entry, err = c.evictLocked()
			if err != nil {
				c.mu.Unlock()
				if err == ErrEvictionFailed {
					panic(err)
				}
				return nil, err
			}
		} else {
			entry.mu.Lock()
		}
		entry.sectorID = sector
		entry.dirty = false
		entry.secondChance = true
		c.mu.Unlock()
	} else {
		entry.secondChance = true
		entry.mu.Lock()
		c.mu.Unlock()
	}

	if miss {
		if c.metrics != nil {
			c.metrics.CacheMisses.Inc()
		}
		if err := c.disk.ReadSector(sector, entry.data[:]); err != nil {
			entry.mu.Unlock()
			return nil, errors.Wrapf(err, "buffer cache: load sector %d", sector)
		}
	} else if c.metrics != nil {
		c.metrics.CacheHits.Inc()
	}
	return entry, nil
}

// evictLocked runs the second-chance scan described in spec.md §4.1.
// Caller holds c.mu; on success the returned entry's own lock is held,
// continuing the global→entry hand-off the caller is mid-way through.
func (c *Cache) evictLocked() (*CacheEntry, error) {
	for pass := 0; pass < 10; pass++ {
		for _, e := range c.entries {
			if !e.mu.TryLock() {
				continue
			}
			if e.secondChance {
				e.secondChance = false
				e.mu.Unlock()
				continue
			}
			// victim found; flush if dirty and reclaim, lock stays held.
			if e.dirty {
				if err := c.disk.WriteSector(e.sectorID, e.data[:]); err != nil {
					e.mu.Unlock()
					return nil, errors.Wrapf(err, "buffer cache: evict-flush sector %d", e.sectorID)
				}
				e.dirty = false
				if c.metrics != nil {
					c.metrics.CacheWriteBack.Inc()
				}
			}
			e.sectorID = unusedSector
			if c.metrics != nil {
				c.metrics.CacheEvictions.Inc()
			}
			return e, nil
		}
	}
	c.log.Error("cache_evict: no victim found after 10 passes")
	return nil, ErrEvictionFailed
}

// Read copies size bytes from the cached image of sector, starting at
// off within the sector, into dst[0:size] (spec.md §4.1's cache_read).
func (c *Cache) Read(sector int, dst []byte, off, size int) error {
	if off < 0 || size < 0 || off+size > mem.SectorSize {
		return errors.Errorf("buffer cache: read window [%d,%d) out of sector bounds", off, off+size)
	}
	entry, err := c.acquire(sector)
	if err != nil {
		return err
	}
	copy(dst, entry.data[off:off+size])
	entry.mu.Unlock()
	return nil
}

// Write copies size bytes from src into the cached image of sector at
// off and marks the entry dirty (spec.md §4.1's cache_write).
func (c *Cache) Write(sector int, src []byte, off, size int) error {
	if off < 0 || size < 0 || off+size > mem.SectorSize {
		return errors.Errorf("buffer cache: write window [%d,%d) out of sector bounds", off, off+size)
	}
	entry, err := c.acquire(sector)
	if err != nil {
		return err
	}
	copy(entry.data[off:off+size], src)
	entry.dirty = true
	entry.secondChance = true
	entry.mu.Unlock()
	return nil
}

// WriteBackAll flushes every dirty entry (spec.md §4.1's write_back_all,
// also the final synchronous flush filesys_done performs per spec.md §5).
func (c *Cache) WriteBackAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		e.mu.Lock()
		if e.sectorID != unusedSector && e.dirty {
			if err := c.disk.WriteSector(e.sectorID, e.data[:]); err != nil {
				e.mu.Unlock()
				return errors.Wrapf(err, "buffer cache: write_back_all sector %d", e.sectorID)
			}
			e.dirty = false
			if c.metrics != nil {
				c.metrics.CacheWriteBack.Inc()
			}
		}
		e.mu.Unlock()
	}
	return nil
}

// writeBehindLoop wakes every wbPeriod ticks and flushes all dirty
// entries, performing one final flush on shutdown (spec.md §4.1).
// Shutdown does not wait for the current sleep to end: the sleep runs
// on its own goroutine, which is left to finish on its own.
func (c *Cache) writeBehindLoop() {
	defer c.wg.Done()
	for {
		woke := make(chan struct{})
		go func() {
			c.sleeper.Sleep(tickDuration(c.wbPeriod))
			close(woke)
		}()
		select {
		case <-c.shutdownCh:
			if err := c.WriteBackAll(); err != nil {
				c.log.WithError(err).Error("write-behind: final flush failed")
			}
			return
		case <-woke:
		}
		if err := c.WriteBackAll(); err != nil {
			c.log.WithError(err).Error("write-behind: periodic flush failed")
		}
	}
}

// ReadAheadHint enqueues sector for opportunistic prefetch (spec.md
// §4.1's read-ahead). It never blocks the caller and silently drops the
// hint if the queue is full, read-ahead is advisory.
func (c *Cache) ReadAheadHint(sector int) {
	select {
	case c.readAheadCh <- sector:
	default:
	}
}

func (c *Cache) readAheadLoop() {
	defer c.wg.Done()
	ctx := context.Background()
	for {
		select {
		case <-c.shutdownCh:
			return
		case sector := <-c.readAheadCh:
			if err := c.readAheadSem.Acquire(ctx, 1); err != nil {
				continue
			}
			func() {
				defer c.readAheadSem.Release(1)
				c.mu.Lock()
				if c.findLocked(sector) != nil {
					c.mu.Unlock()
					return
				}
				entry := c.findUnusedLocked()
				if entry == nil {
					var err error
					entry, err = c.evictLocked()
					if err != nil {
						c.mu.Unlock()
						return
					}
				} else {
					entry.mu.Lock()
				}
				entry.sectorID = sector
				entry.dirty = false
				entry.secondChance = true
				c.mu.Unlock()
				if err := c.disk.ReadSector(sector, entry.data[:]); err != nil {
					c.log.WithError(err).WithField("sector", sector).Debug("read-ahead: fetch failed")
				} else if c.metrics != nil {
					c.metrics.CacheReadAhead.Inc()
				}
				entry.mu.Unlock()
			}()
		}
	}
}

func tickDuration(ticks int64) time.Duration {
	return time.Duration(ticks) * time.Millisecond
}
