package easyfs

import (
	"encoding/binary"

	"github.com/soypat/blockfs/cache"
)

// Tier capacities, grounded on
// original_source/os/easy-fs/src/layout/inode.rs: DIRECT_COUNT=26,
// INDIRECT_COUNT=BLOCK_SIZE/4=128, and the running capacities of each
// activated indirection tier (spec.md §4.3).
const (
	DirectCount   = 26
	IndirectCount = BlockSize / 4 // 128

	Indirect1Cap = DirectCount + IndirectCount
	Indirect2Cap = Indirect1Cap + IndirectCount*IndirectCount
	Indirect3Cap = Indirect2Cap + IndirectCount*IndirectCount*IndirectCount
)

// Kind distinguishes a regular file from a directory (spec.md §3).
type Kind uint32

const (
	KindFile Kind = iota
	KindDirectory
)

// DiskInode is the fixed-size on-disk record describing one file or
// directory: direct array plus three tiers of indirect block indexing.
type DiskInode struct {
	ID        uint32
	Size      uint32
	Links     uint32
	Kind      Kind
	Direct    [DirectCount]uint32
	Indirect1 uint32
	Indirect2 uint32
	Indirect3 uint32
}

// DiskInodeSize is the packed on-disk size in bytes: four header uint32s,
// 26 direct pointers, and three indirect pointers.
const DiskInodeSize = 4*4 + DirectCount*4 + 3*4

// Init resets d to a fresh, empty inode of the given kind. id is not part
// of the on-disk record's identity here (the inode's position in the inode
// area is what is addressed); ID is carried for diagnostics/Stat.
func (d *DiskInode) Init(id uint32, kind Kind) {
	*d = DiskInode{ID: id, Kind: kind, Links: 1}
}

func (d DiskInode) IsDir() bool { return d.Kind == KindDirectory }

func decodeDiskInode(b []byte) DiskInode {
	var d DiskInode
	d.ID = binary.LittleEndian.Uint32(b[0:4])
	d.Size = binary.LittleEndian.Uint32(b[4:8])
	d.Links = binary.LittleEndian.Uint32(b[8:12])
	d.Kind = Kind(binary.LittleEndian.Uint32(b[12:16]))
	off := 16
	for i := range d.Direct {
		d.Direct[i] = binary.LittleEndian.Uint32(b[off : off+4])
		off += 4
	}
	d.Indirect1 = binary.LittleEndian.Uint32(b[off : off+4])
	d.Indirect2 = binary.LittleEndian.Uint32(b[off+4 : off+8])
	d.Indirect3 = binary.LittleEndian.Uint32(b[off+8 : off+12])
	return d
}

func encodeDiskInode(d DiskInode) func(b []byte) {
	return func(b []byte) {
		binary.LittleEndian.PutUint32(b[0:4], d.ID)
		binary.LittleEndian.PutUint32(b[4:8], d.Size)
		binary.LittleEndian.PutUint32(b[8:12], d.Links)
		binary.LittleEndian.PutUint32(b[12:16], uint32(d.Kind))
		off := 16
		for i := range d.Direct {
			binary.LittleEndian.PutUint32(b[off:off+4], d.Direct[i])
			off += 4
		}
		binary.LittleEndian.PutUint32(b[off:off+4], d.Indirect1)
		binary.LittleEndian.PutUint32(b[off+4:off+8], d.Indirect2)
		binary.LittleEndian.PutUint32(b[off+8:off+12], d.Indirect3)
	}
}

// CountDataBlocks returns ceil(size/BlockSize) (spec.md §4.3).
func CountDataBlocks(size uint32) uint32 {
	return (size + BlockSize - 1) / BlockSize
}

// CountTotalBlocks returns the number of blocks (data plus indirect index
// blocks) a file of the given logical size occupies. Verified against
// spec.md §8 scenario S2: CountTotalBlocks(1 MiB) == 2065.
func CountTotalBlocks(size uint32) uint32 {
	data := CountDataBlocks(size)
	return data + overheadBlocks(data)
}

func overheadBlocks(data uint32) uint32 {
	if data <= DirectCount {
		return 0
	}
	overhead := uint32(1) // indirect1 root
	rem1 := data - DirectCount
	if rem1 <= IndirectCount {
		return overhead
	}
	overhead++ // indirect2 root
	rem2 := rem1 - IndirectCount
	cap2 := uint32(IndirectCount * IndirectCount)
	if rem2 <= cap2 {
		overhead += ceilDivU32(rem2, IndirectCount)
		return overhead
	}
	overhead += IndirectCount // indirect2 fully populated with sub-blocks
	overhead++                // indirect3 root
	rem3 := rem2 - cap2
	numFullSub2 := rem3 / cap2
	remainder := rem3 % cap2
	overhead += numFullSub2 * (1 + IndirectCount)
	if remainder > 0 {
		overhead++ // partial sub2's own index block
		overhead += ceilDivU32(remainder, IndirectCount)
	}
	return overhead
}

func ceilDivU32(a, b uint32) uint32 { return (a + b - 1) / b }

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func maxU32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

func readIndirectEntry(c *cache.Cache, blockID uint32, index int) (uint32, error) {
	h, err := c.Get(int64(blockID))
	if err != nil {
		return 0, err
	}
	defer h.Release()
	return cache.Map(h, index*4, 4, func(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }), nil
}

func writeIndirectEntry(c *cache.Cache, blockID uint32, index int, value uint32) error {
	h, err := c.Get(int64(blockID))
	if err != nil {
		return err
	}
	defer h.Release()
	cache.MapMut(h, index*4, 4, func(b []byte) { binary.LittleEndian.PutUint32(b, value) })
	return nil
}

func zeroBlock(c *cache.Cache, blockID uint32) error {
	h, err := c.Get(int64(blockID))
	if err != nil {
		return err
	}
	defer h.Release()
	h.Update(func(data []byte) {
		for i := range data {
			data[i] = 0
		}
	})
	return nil
}

// BlockIDOf translates a logical block index to a physical block id by
// walking the tier tree. It never allocates (spec.md §4.3).
func BlockIDOf(c *cache.Cache, d DiskInode, logicalIndex uint32) (uint32, error) {
	if logicalIndex < DirectCount {
		return d.Direct[logicalIndex], nil
	}
	logicalIndex -= DirectCount
	if logicalIndex < IndirectCount {
		return readIndirectEntry(c, d.Indirect1, int(logicalIndex))
	}
	logicalIndex -= IndirectCount
	if logicalIndex < IndirectCount*IndirectCount {
		idx2 := logicalIndex / IndirectCount
		idx1 := logicalIndex % IndirectCount
		sub1, err := readIndirectEntry(c, d.Indirect2, int(idx2))
		if err != nil {
			return 0, err
		}
		return readIndirectEntry(c, sub1, int(idx1))
	}
	logicalIndex -= IndirectCount * IndirectCount
	idx3 := logicalIndex / (IndirectCount * IndirectCount)
	rem := logicalIndex % (IndirectCount * IndirectCount)
	idx2 := rem / IndirectCount
	idx1 := rem % IndirectCount
	sub2, err := readIndirectEntry(c, d.Indirect3, int(idx3))
	if err != nil {
		return 0, err
	}
	sub1, err := readIndirectEntry(c, sub2, int(idx2))
	if err != nil {
		return 0, err
	}
	return readIndirectEntry(c, sub1, int(idx1))
}

// ExpandTo grows d to newSize, consuming exactly
// CountTotalBlocks(newSize)-CountTotalBlocks(d.Size) entries from
// newBlockIDs in order: direct slots first, then each indirect tier
// left-to-right, allocating an index block's own id from the front of the
// list the first time that tier/sub-block is touched (spec.md §4.3).
func ExpandTo(c *cache.Cache, d *DiskInode, newSize uint32, newBlockIDs []uint32) error {
	oldData := CountDataBlocks(d.Size)
	newData := CountDataBlocks(newSize)
	ids := newBlockIDs
	pop := func() uint32 {
		v := ids[0]
		ids = ids[1:]
		return v
	}

	for i := oldData; i < newData && i < DirectCount; i++ {
		d.Direct[i] = pop()
	}
	if newData <= DirectCount {
		d.Size = newSize
		return nil
	}

	if d.Indirect1 == 0 {
		d.Indirect1 = pop()
		if err := zeroBlock(c, d.Indirect1); err != nil {
			return err
		}
	}
	start := maxU32(oldData, DirectCount)
	end := minU32(newData, DirectCount+IndirectCount)
	for i := start; i < end; i++ {
		if err := writeIndirectEntry(c, d.Indirect1, int(i-DirectCount), pop()); err != nil {
			return err
		}
	}
	if newData <= DirectCount+IndirectCount {
		d.Size = newSize
		return nil
	}

	base2 := uint32(DirectCount + IndirectCount)
	if d.Indirect2 == 0 {
		d.Indirect2 = pop()
		if err := zeroBlock(c, d.Indirect2); err != nil {
			return err
		}
	}
	start2 := maxU32(oldData, base2)
	end2 := minU32(newData, base2+IndirectCount*IndirectCount)
	idxStart2 := (start2 - base2) / IndirectCount
	idxEnd2 := ceilDivU32(end2-base2, IndirectCount)
	for idx2 := idxStart2; idx2 < idxEnd2; idx2++ {
		subBase := base2 + idx2*IndirectCount
		subStart := maxU32(start2, subBase)
		subEnd := minU32(end2, subBase+IndirectCount)
		sub1, err := readIndirectEntry(c, d.Indirect2, int(idx2))
		if err != nil {
			return err
		}
		if sub1 == 0 {
			sub1 = pop()
			if err := zeroBlock(c, sub1); err != nil {
				return err
			}
			if err := writeIndirectEntry(c, d.Indirect2, int(idx2), sub1); err != nil {
				return err
			}
		}
		for i := subStart; i < subEnd; i++ {
			if err := writeIndirectEntry(c, sub1, int(i-subBase), pop()); err != nil {
				return err
			}
		}
	}
	if newData <= base2+IndirectCount*IndirectCount {
		d.Size = newSize
		return nil
	}

	base3 := base2 + IndirectCount*IndirectCount
	if d.Indirect3 == 0 {
		d.Indirect3 = pop()
		if err := zeroBlock(c, d.Indirect3); err != nil {
			return err
		}
	}
	cap2 := uint32(IndirectCount * IndirectCount)
	start3 := maxU32(oldData, base3)
	end3 := minU32(newData, base3+cap2*IndirectCount)
	idxStart3 := (start3 - base3) / cap2
	idxEnd3 := ceilDivU32(end3-base3, cap2)
	for idx3 := idxStart3; idx3 < idxEnd3; idx3++ {
		subBase3 := base3 + idx3*cap2
		subStart3 := maxU32(start3, subBase3)
		subEnd3 := minU32(end3, subBase3+cap2)
		sub2, err := readIndirectEntry(c, d.Indirect3, int(idx3))
		if err != nil {
			return err
		}
		if sub2 == 0 {
			sub2 = pop()
			if err := zeroBlock(c, sub2); err != nil {
				return err
			}
			if err := writeIndirectEntry(c, d.Indirect3, int(idx3), sub2); err != nil {
				return err
			}
		}
		idxStart2 := (subStart3 - subBase3) / IndirectCount
		idxEnd2 := ceilDivU32(subEnd3-subBase3, IndirectCount)
		for idx2 := idxStart2; idx2 < idxEnd2; idx2++ {
			subBase2 := subBase3 + idx2*IndirectCount
			ss := maxU32(subStart3, subBase2)
			se := minU32(subEnd3, subBase2+IndirectCount)
			sub1, err := readIndirectEntry(c, sub2, int(idx2))
			if err != nil {
				return err
			}
			if sub1 == 0 {
				sub1 = pop()
				if err := zeroBlock(c, sub1); err != nil {
					return err
				}
				if err := writeIndirectEntry(c, sub2, int(idx2), sub1); err != nil {
					return err
				}
			}
			for i := ss; i < se; i++ {
				if err := writeIndirectEntry(c, sub1, int(i-subBase2), pop()); err != nil {
					return err
				}
			}
		}
	}
	d.Size = newSize
	return nil
}

// Clear tears down d's entire extent, returning every block id consumed
// (data and indirect index blocks alike) for the caller to free via the
// bitmap, and resets d to an empty inode of size 0 (spec.md §4.3).
func Clear(c *cache.Cache, d *DiskInode) ([]uint32, error) {
	var ids []uint32
	dataBlocks := CountDataBlocks(d.Size)

	for i := uint32(0); i < dataBlocks && i < DirectCount; i++ {
		if d.Direct[i] != 0 {
			ids = append(ids, d.Direct[i])
			d.Direct[i] = 0
		}
	}
	if dataBlocks <= DirectCount {
		d.Size = 0
		return ids, nil
	}

	end1 := minU32(dataBlocks, DirectCount+IndirectCount)
	for i := uint32(DirectCount); i < end1; i++ {
		v, err := readIndirectEntry(c, d.Indirect1, int(i-DirectCount))
		if err != nil {
			return nil, err
		}
		if v != 0 {
			ids = append(ids, v)
		}
	}
	ids = append(ids, d.Indirect1)
	d.Indirect1 = 0
	if dataBlocks <= DirectCount+IndirectCount {
		d.Size = 0
		return ids, nil
	}

	base2 := uint32(DirectCount + IndirectCount)
	end2 := minU32(dataBlocks, base2+IndirectCount*IndirectCount)
	numSub2 := ceilDivU32(end2-base2, IndirectCount)
	for idx2 := uint32(0); idx2 < numSub2; idx2++ {
		sub1, err := readIndirectEntry(c, d.Indirect2, int(idx2))
		if err != nil {
			return nil, err
		}
		subBase := base2 + idx2*IndirectCount
		subEnd := minU32(end2, subBase+IndirectCount)
		for i := subBase; i < subEnd; i++ {
			v, err := readIndirectEntry(c, sub1, int(i-subBase))
			if err != nil {
				return nil, err
			}
			if v != 0 {
				ids = append(ids, v)
			}
		}
		ids = append(ids, sub1)
	}
	ids = append(ids, d.Indirect2)
	d.Indirect2 = 0
	if dataBlocks <= base2+IndirectCount*IndirectCount {
		d.Size = 0
		return ids, nil
	}

	base3 := base2 + IndirectCount*IndirectCount
	cap2 := uint32(IndirectCount * IndirectCount)
	end3 := minU32(dataBlocks, base3+cap2*IndirectCount)
	numSub3 := ceilDivU32(end3-base3, cap2)
	for idx3 := uint32(0); idx3 < numSub3; idx3++ {
		sub2, err := readIndirectEntry(c, d.Indirect3, int(idx3))
		if err != nil {
			return nil, err
		}
		subBase3 := base3 + idx3*cap2
		subEnd3 := minU32(end3, subBase3+cap2)
		numSub2 := ceilDivU32(subEnd3-subBase3, IndirectCount)
		for idx2 := uint32(0); idx2 < numSub2; idx2++ {
			sub1, err := readIndirectEntry(c, sub2, int(idx2))
			if err != nil {
				return nil, err
			}
			subBase2 := subBase3 + idx2*IndirectCount
			subEnd2 := minU32(subEnd3, subBase2+IndirectCount)
			for i := subBase2; i < subEnd2; i++ {
				v, err := readIndirectEntry(c, sub1, int(i-subBase2))
				if err != nil {
					return nil, err
				}
				if v != 0 {
					ids = append(ids, v)
				}
			}
			ids = append(ids, sub1)
		}
		ids = append(ids, sub2)
	}
	ids = append(ids, d.Indirect3)
	d.Indirect3 = 0
	d.Size = 0
	return ids, nil
}

// ReadAt copies into buf the bytes of d in [offset, offset+len(buf)),
// clamped to d.Size, returning the number of bytes copied.
func ReadAt(c *cache.Cache, d DiskInode, offset uint32, buf []byte) (int, error) {
	if offset >= d.Size {
		return 0, nil
	}
	end := offset + uint32(len(buf))
	if end > d.Size {
		end = d.Size
	}
	n := 0
	for start := offset; start < end; {
		blockIdx := start / BlockSize
		blockOff := start % BlockSize
		chunk := minU32(BlockSize-blockOff, end-start)
		id, err := BlockIDOf(c, d, blockIdx)
		if err != nil {
			return n, err
		}
		h, err := c.Get(int64(id))
		if err != nil {
			return n, err
		}
		h.View(func(data []byte) {
			copy(buf[n:n+int(chunk)], data[blockOff:blockOff+chunk])
		})
		h.Release()
		n += int(chunk)
		start += chunk
	}
	return n, nil
}

// WriteAt writes buf into d's already-allocated extent at offset. The
// caller (the Inode facade) is responsible for growing d via ExpandTo
// first if the write extends past the current size.
func WriteAt(c *cache.Cache, d DiskInode, offset uint32, buf []byte) (int, error) {
	end := offset + uint32(len(buf))
	n := 0
	for start := offset; start < end; {
		blockIdx := start / BlockSize
		blockOff := start % BlockSize
		chunk := minU32(BlockSize-blockOff, end-start)
		id, err := BlockIDOf(c, d, blockIdx)
		if err != nil {
			return n, err
		}
		h, err := c.Get(int64(id))
		if err != nil {
			return n, err
		}
		h.Update(func(data []byte) {
			copy(data[blockOff:blockOff+chunk], buf[n:n+int(chunk)])
		})
		h.Release()
		n += int(chunk)
		start += chunk
	}
	return n, nil
}
