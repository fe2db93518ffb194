package easyfs

import "encoding/binary"

// BlockSize is the fixed block size EasyFS is specified against
// (spec.md §3 "EasyFS uses 512").
const BlockSize = 512

// Magic identifies a valid EasyFS volume (spec.md §3).
const Magic uint32 = 0x3B800001

// SuperBlock is the block-0 record partitioning the device into five
// contiguous regions. Grounded on
// original_source/easy-fs/src/layout/super_block.rs.
type SuperBlock struct {
	Magic             uint32
	TotalBlocks       uint32
	InodeBitmapBlocks uint32
	InodeAreaBlocks   uint32
	DataBitmapBlocks  uint32
	DataAreaBlocks    uint32
}

// superBlockSize is the packed on-disk size: six little-endian uint32 fields.
const superBlockSize = 6 * 4

// Init populates sb for a freshly formatted volume.
func (sb *SuperBlock) Init(totalBlocks, inodeBitmapBlocks, inodeAreaBlocks, dataBitmapBlocks, dataAreaBlocks uint32) {
	sb.Magic = Magic
	sb.TotalBlocks = totalBlocks
	sb.InodeBitmapBlocks = inodeBitmapBlocks
	sb.InodeAreaBlocks = inodeAreaBlocks
	sb.DataBitmapBlocks = dataBitmapBlocks
	sb.DataAreaBlocks = dataAreaBlocks
}

// IsValid reports whether sb carries the EasyFS magic.
func (sb *SuperBlock) IsValid() bool { return sb.Magic == Magic }

func decodeSuperBlock(b []byte) SuperBlock {
	return SuperBlock{
		Magic:             binary.LittleEndian.Uint32(b[0:4]),
		TotalBlocks:       binary.LittleEndian.Uint32(b[4:8]),
		InodeBitmapBlocks: binary.LittleEndian.Uint32(b[8:12]),
		InodeAreaBlocks:   binary.LittleEndian.Uint32(b[12:16]),
		DataBitmapBlocks:  binary.LittleEndian.Uint32(b[16:20]),
		DataAreaBlocks:    binary.LittleEndian.Uint32(b[20:24]),
	}
}

func encodeSuperBlock(sb SuperBlock) func(b []byte) {
	return func(b []byte) {
		binary.LittleEndian.PutUint32(b[0:4], sb.Magic)
		binary.LittleEndian.PutUint32(b[4:8], sb.TotalBlocks)
		binary.LittleEndian.PutUint32(b[8:12], sb.InodeBitmapBlocks)
		binary.LittleEndian.PutUint32(b[12:16], sb.InodeAreaBlocks)
		binary.LittleEndian.PutUint32(b[16:20], sb.DataBitmapBlocks)
		binary.LittleEndian.PutUint32(b[20:24], sb.DataAreaBlocks)
	}
}
