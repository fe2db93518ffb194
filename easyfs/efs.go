package easyfs

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/soypat/blockfs/cache"
)

// EasyFileSystem is a mounted EasyFS volume: the superblock's region
// layout plus the two bitmap allocators and the shared block cache.
// Grounded on original_source/os/easy-fs/src/efs.rs.
type EasyFileSystem struct {
	mu sync.Mutex

	cache *cache.Cache
	super SuperBlock

	inodeBitmap *Bitmap
	dataBitmap  *Bitmap

	inodeAreaStart uint32
	dataAreaStart  uint32

	log *slog.Logger
}

// Format initializes a brand-new volume over device: totalBlocks is the
// device's full size in blocks, inodeBitmapBlocks sizes the inode bitmap
// (and, transitively, the inode area and data region). Root directory
// inode 0 is created. Grounded on EasyFileSystem::new in efs.rs.
func Format(device cache.Device, totalBlocks, inodeBitmapBlocks uint32, log *slog.Logger) (*EasyFileSystem, error) {
	if log == nil {
		log = slog.Default()
	}
	c := cache.New(device, cache.DefaultCapacity, log)

	inodeBitmap := NewBitmap(1, inodeBitmapBlocks, c)
	inodeCapacity := inodeBitmap.Capacity()
	inodeAreaBlocks := (inodeCapacity*DiskInodeSize + BlockSize - 1) / BlockSize

	remaining := totalBlocks - 1 - inodeBitmapBlocks - inodeAreaBlocks
	// dataBitmapBlocks solves blocks*BLOCK_BITS + blocks >= remaining,
	// i.e. the data bitmap must be able to track every block it doesn't
	// itself occupy. Grounded verbatim on efs.rs's formula.
	dataBitmapBlocks := (remaining + blockBits) / (blockBits + 1)
	dataAreaBlocks := remaining - dataBitmapBlocks

	fs := &EasyFileSystem{
		cache: c,
		log:   log,
	}
	fs.super.Init(totalBlocks, inodeBitmapBlocks, inodeAreaBlocks, dataBitmapBlocks, dataAreaBlocks)
	fs.inodeAreaStart = 1 + inodeBitmapBlocks
	fs.dataAreaStart = fs.inodeAreaStart + inodeAreaBlocks + dataBitmapBlocks
	fs.inodeBitmap = NewBitmap(1, inodeBitmapBlocks, c)
	fs.dataBitmap = NewBitmap(int64(fs.inodeAreaStart+inodeAreaBlocks), dataBitmapBlocks, c)

	// Zero every block in the volume so stale bytes never look like valid
	// bitmaps/inodes/data.
	for id := int64(0); id < int64(totalBlocks); id++ {
		h, err := c.Get(id)
		if err != nil {
			return nil, err
		}
		h.Update(func(data []byte) {
			for i := range data {
				data[i] = 0
			}
		})
		h.Release()
	}

	h, err := c.Get(0)
	if err != nil {
		return nil, err
	}
	h.Update(encodeSuperBlock(fs.super))
	h.Release()

	rootID, ok, err := fs.inodeBitmap.Alloc()
	if err != nil {
		return nil, err
	}
	if !ok || rootID != 0 {
		return nil, fmt.Errorf("easyfs: format: unexpected root inode id %d", rootID)
	}
	blockID, offset := fs.diskInodePos(rootID)
	rh, err := c.Get(blockID)
	if err != nil {
		return nil, err
	}
	var root DiskInode
	root.Init(rootID, KindDirectory)
	cache.MapMut(rh, offset, DiskInodeSize, encodeDiskInode(root))
	rh.Release()

	if err := c.SyncAll(); err != nil {
		return nil, err
	}
	log.Info("formatted easyfs volume", "totalBlocks", totalBlocks, "inodeBitmapBlocks", inodeBitmapBlocks)
	return fs, nil
}

// Open mounts an existing EasyFS volume, validating the superblock magic.
func Open(device cache.Device, log *slog.Logger) (*EasyFileSystem, error) {
	if log == nil {
		log = slog.Default()
	}
	c := cache.New(device, cache.DefaultCapacity, log)
	h, err := c.Get(0)
	if err != nil {
		return nil, err
	}
	super := cache.Map(h, 0, BlockSize, decodeSuperBlockPadded)
	h.Release()
	if !super.IsValid() {
		return nil, ErrInvalidSuper
	}
	fs := &EasyFileSystem{cache: c, super: super, log: log}
	fs.inodeAreaStart = 1 + super.InodeBitmapBlocks
	fs.dataAreaStart = fs.inodeAreaStart + super.InodeAreaBlocks + super.DataBitmapBlocks
	fs.inodeBitmap = NewBitmap(1, super.InodeBitmapBlocks, c)
	fs.dataBitmap = NewBitmap(int64(fs.inodeAreaStart+super.InodeAreaBlocks), super.DataBitmapBlocks, c)
	log.Info("mounted easyfs volume", "totalBlocks", super.TotalBlocks)
	return fs, nil
}

func decodeSuperBlockPadded(b []byte) SuperBlock { return decodeSuperBlock(b) }

// diskInodePos returns the (block id, byte offset) of inode id within the
// inode area.
func (fs *EasyFileSystem) diskInodePos(id uint32) (int64, int) {
	perBlock := uint32(BlockSize / DiskInodeSize)
	blockID := int64(fs.inodeAreaStart) + int64(id/perBlock)
	offset := int(id%perBlock) * DiskInodeSize
	return blockID, offset
}

// AllocInode reserves an inode id from the inode bitmap.
func (fs *EasyFileSystem) AllocInode() (uint32, error) {
	id, ok, err := fs.inodeBitmap.Alloc()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrNoSpace
	}
	return id, nil
}

// AllocData reserves a data block and returns its physical block id
// (relative to the whole device, not the data area).
func (fs *EasyFileSystem) AllocData() (uint32, error) {
	id, ok, err := fs.dataBitmap.Alloc()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrNoSpace
	}
	return fs.dataAreaStart + id, nil
}

// DeallocData frees a physical data block id back to the data bitmap.
func (fs *EasyFileSystem) DeallocData(physicalID uint32) error {
	return fs.dataBitmap.Dealloc(physicalID - fs.dataAreaStart)
}

// Cache exposes the shared block cache for the Inode facade.
func (fs *EasyFileSystem) Cache() *cache.Cache { return fs.cache }

// RootInode returns the handle to the well-known root directory inode 0.
func (fs *EasyFileSystem) RootInode() *Inode {
	blockID, offset := fs.diskInodePos(0)
	return &Inode{blockID: blockID, blockOffset: offset, fs: fs}
}

// Lock/Unlock implement the single coarse filesystem lock described in
// spec.md §5.
func (fs *EasyFileSystem) Lock()   { fs.mu.Lock() }
func (fs *EasyFileSystem) Unlock() { fs.mu.Unlock() }

func (fs *EasyFileSystem) syncAll() error { return fs.cache.SyncAll() }
