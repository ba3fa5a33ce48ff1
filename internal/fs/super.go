package fs

import "encoding/binary"

// InodeMagic identifies a sector as holding an InodeDisk ("INOD" read
// most-significant byte first; stored little-endian like every other
// field), per spec.md §6.
const InodeMagic uint32 = 0x494E4F44

// N_DIRECT is the number of direct block pointers an inode carries
// in-sector before falling back to the doubly-indirect tree (spec.md §3).
const N_DIRECT = 124

// N_INDIRECT is the fan-out of one indirect block and of the
// doubly-indirect block itself (spec.md §3: "128 indirect-sector IDs...
// each indirect sector holds 128 data-sector IDs").
const N_INDIRECT = 128

// MaxFileSize is the largest file representable by N_DIRECT direct
// sectors plus the full doubly-indirect tree (spec.md §3).
const MaxFileSize = (N_DIRECT + N_INDIRECT*N_INDIRECT) * 512

// field byte offsets within one InodeDisk sector:
//
//	[0:4]   length
//	[4:8]   is_dir (0/1)
//	[8:12]  magic
//	[12:12+124*4] direct[124]
//	[...:+4] double_indirect
const (
	offLength         = 0
	offIsDir          = 4
	offMagic          = 8
	offDirect         = 12
	offDoubleIndirect = offDirect + N_DIRECT*4
	inodeDiskSize     = offDoubleIndirect + 4
)

// InodeDisk is the exact 512-byte on-disk representation of one inode,
// named directly in spec.md §3 and §6. It is read and written as a whole
// sector through the buffer cache; the accessor methods below hide the
// byte layout the way biscuit's Superblock_t hides Data's layout behind
// fieldr/fieldw (biscuit/src/fs/super.go), here reimplemented over
// encoding/binary since the retrieved pack doesn't carry fieldr/fieldw's
// own definition.
type InodeDisk struct {
	buf [inodeDiskSize]byte
}

func (d *InodeDisk) Length() int64     { return int64(binary.LittleEndian.Uint32(d.buf[offLength:])) }
func (d *InodeDisk) SetLength(n int64) { binary.LittleEndian.PutUint32(d.buf[offLength:], uint32(n)) }

func (d *InodeDisk) IsDir() bool { return binary.LittleEndian.Uint32(d.buf[offIsDir:]) != 0 }
func (d *InodeDisk) SetIsDir(v bool) {
	var n uint32
	if v {
		n = 1
	}
	binary.LittleEndian.PutUint32(d.buf[offIsDir:], n)
}

func (d *InodeDisk) Magic() uint32     { return binary.LittleEndian.Uint32(d.buf[offMagic:]) }
func (d *InodeDisk) SetMagic(m uint32) { binary.LittleEndian.PutUint32(d.buf[offMagic:], m) }

// Direct returns the i'th direct block sector, or 0 if unallocated.
func (d *InodeDisk) Direct(i int) int {
	return int(binary.LittleEndian.Uint32(d.buf[offDirect+i*4:]))
}

func (d *InodeDisk) SetDirect(i, sector int) {
	binary.LittleEndian.PutUint32(d.buf[offDirect+i*4:], uint32(sector))
}

func (d *InodeDisk) DoubleIndirect() int {
	return int(binary.LittleEndian.Uint32(d.buf[offDoubleIndirect:]))
}

func (d *InodeDisk) SetDoubleIndirect(sector int) {
	binary.LittleEndian.PutUint32(d.buf[offDoubleIndirect:], uint32(sector))
}

// Bytes exposes the raw sector image for cache reads/writes.
func (d *InodeDisk) Bytes() []byte { return d.buf[:] }

// indirectBlock is one 512-byte sector holding N_INDIRECT 4-byte sector
// IDs, used both for the doubly-indirect block itself (whose entries
// point at indirect blocks) and for each indirect block (whose entries
// point at data sectors).
type indirectBlock struct {
	buf [512]byte
}

func (b *indirectBlock) Get(i int) int {
	return int(binary.LittleEndian.Uint32(b.buf[i*4:]))
}

func (b *indirectBlock) Set(i, sector int) {
	binary.LittleEndian.PutUint32(b.buf[i*4:], uint32(sector))
}

func (b *indirectBlock) Bytes() []byte { return b.buf[:] }
