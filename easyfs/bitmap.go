package easyfs

import (
	"encoding/binary"

	"github.com/soypat/blockfs/cache"
	"github.com/soypat/blockfs/internal/bitutil"
)

// blockBits is the number of bits a single bitmap block encodes, organized
// as 64 groups of 64-bit words (spec.md §4.2: "Bitmap ... organized as
// 64-bit groups").
const blockBits = BlockSize * 8
const groupsPerBlock = blockBits / 64

// Bitmap is a bit-granular allocator over a contiguous run of blocks,
// grounded on original_source/os/easy-fs/src/layout/bitmap.rs: linear
// lowest-first allocation by scanning 64-bit words for the first one that
// is not all-ones.
type Bitmap struct {
	startBlockID int64
	blocks       uint32
	cache        *cache.Cache
}

// NewBitmap returns a Bitmap over `blocks` blocks starting at startBlockID.
func NewBitmap(startBlockID int64, blocks uint32, c *cache.Cache) *Bitmap {
	return &Bitmap{startBlockID: startBlockID, blocks: blocks, cache: c}
}

// Capacity returns the total number of resources this bitmap can track.
func (bm *Bitmap) Capacity() uint32 { return bm.blocks * blockBits }

// Alloc scans for the first unset bit, sets it, and returns its linear
// index. ok is false if the bitmap is saturated (spec.md §4.2).
func (bm *Bitmap) Alloc() (id uint32, ok bool, err error) {
	for blockIdx := uint32(0); blockIdx < bm.blocks; blockIdx++ {
		h, err := bm.cache.Get(bm.startBlockID + int64(blockIdx))
		if err != nil {
			return 0, false, err
		}
		group, bit, found := -1, -1, false
		h.View(func(data []byte) {
			for g := 0; g < groupsPerBlock; g++ {
				word := binary.LittleEndian.Uint64(data[g*8 : g*8+8])
				if b, ok := bitutil.FirstZero(word); ok {
					group = g
					bit = b
					found = true
					return
				}
			}
		})
		if !found {
			h.Release()
			continue
		}
		h.Update(func(data []byte) {
			off := group * 8
			word := binary.LittleEndian.Uint64(data[off : off+8])
			word = bitutil.Set(word, bit)
			binary.LittleEndian.PutUint64(data[off:off+8], word)
		})
		h.Release()
		return blockIdx*blockBits + uint32(group*64+bit), true, nil
	}
	return 0, false, nil
}

// Dealloc clears the bit for id. It panics if the bit was already clear:
// double-free is treated as a bug (spec.md §4.2), matching the reference
// implementation's assertion.
func (bm *Bitmap) Dealloc(id uint32) error {
	blockIdx := id / blockBits
	rem := id % blockBits
	group := rem / 64
	bit := rem % 64
	h, err := bm.cache.Get(bm.startBlockID + int64(blockIdx))
	if err != nil {
		return err
	}
	defer h.Release()
	var wasSet bool
	h.Update(func(data []byte) {
		off := int(group) * 8
		word := binary.LittleEndian.Uint64(data[off : off+8])
		wasSet = bitutil.IsSet(word, int(bit))
		word = bitutil.Clear(word, int(bit))
		binary.LittleEndian.PutUint64(data[off:off+8], word)
	})
	if !wasSet {
		panic("easyfs: bitmap double-free")
	}
	return nil
}
