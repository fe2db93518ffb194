package fat32

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/soypat/blockfs/cache"
)

// Volume is a mounted FAT32 filesystem: the BPB, FAT table, FSInfo, and the
// root directory, all sharing one block cache. Grounded on
// _examples/soypat-fat/fat.go's FS type and
// original_source/os/fat/src/volume/mod.rs.
type Volume struct {
	mu       sync.Mutex
	cache    *cache.Cache
	bpb      BPB
	fsInfo   *FSInfo
	table    *Table
	dataBase int64 // first sector (block id) of the data area
	log      *slog.Logger
}

// Device is the block I/O surface a Volume mounts on top of.
type Device = cache.Device

// Open mounts an already-formatted FAT32 image.
func Open(dev Device, log *slog.Logger) (*Volume, error) {
	if log == nil {
		log = slog.Default()
	}
	c := cache.New(dev, cache.DefaultCapacity, log)
	h, err := c.Get(0)
	if err != nil {
		return nil, fmt.Errorf("fat32: read boot sector: %w", err)
	}
	raw := cache.Map(h, 0, 512, func(b []byte) [512]byte {
		var a [512]byte
		copy(a[:], b)
		return a
	})
	h.Release()
	bpb := DecodeBPB(raw[:])
	if !bpb.valid(raw[:]) {
		return nil, fmt.Errorf("%w: missing boot signature", ErrCorrupt)
	}
	fsInfo := newFSInfo(c, int64(bpb.FSInfoSector))
	dataBase := int64(bpb.ReservedSectorCount) + int64(bpb.NumFATs)*int64(bpb.FATSize32)
	table := newTable(c, int64(bpb.ReservedSectorCount), int(bpb.NumFATs), int64(bpb.FATSize32), int(bpb.BytesPerSector), int64(bpb.TotalSectors32), int64(bpb.SectorsPerCluster), fsInfo)
	return &Volume{cache: c, bpb: bpb, fsInfo: fsInfo, table: table, dataBase: dataBase, log: log}, nil
}

// Cache exposes the volume's shared block cache.
func (v *Volume) Cache() *cache.Cache { return v.cache }

// Table exposes the FAT chain-walk engine.
func (v *Volume) Table() *Table { return v.table }

// BPB returns a copy of the mounted BIOS Parameter Block.
func (v *Volume) BPB() BPB { return v.bpb }

// SectorOf returns the first sector (block id) of cluster id's data.
func (v *Volume) SectorOf(id ClusterID) int64 {
	return v.dataBase + int64(id-ClusterMin)*int64(v.bpb.SectorsPerCluster)
}

// SectorsPerCluster reports the BPB's cluster size in sectors.
func (v *Volume) SectorsPerCluster() int { return int(v.bpb.SectorsPerCluster) }

// BytesPerSector reports the BPB's sector size.
func (v *Volume) BytesPerSector() int { return int(v.bpb.BytesPerSector) }

// BytesPerCluster is the product of sector size and cluster size.
func (v *Volume) BytesPerCluster() int { return v.SectorsPerCluster() * v.BytesPerSector() }

// RootDirectory returns a Directory view over the root cluster chain.
func (v *Volume) RootDirectory() *Directory {
	return newDirectory(v, ClusterID(v.bpb.RootCluster))
}

// Lock serializes the Inode facade's operations, reads included, mirroring easyfs's coarse
// lock (spec.md §4.6/§5) since the FAT table and directory clusters are
// shared mutable state with no finer-grained protocol specified.
func (v *Volume) Lock()   { v.mu.Lock() }
func (v *Volume) Unlock() { v.mu.Unlock() }

// SyncAll flushes every dirty cached block to the device.
func (v *Volume) SyncAll() error { return v.cache.SyncAll() }

// FreeClusters reports the FSInfo free-cluster count (spec.md §5).
func (v *Volume) FreeClusters() (uint32, error) { return v.fsInfo.freeCount() }

// AllocCluster reserves a fresh EOF-terminated cluster.
func (v *Volume) AllocCluster() (ClusterID, error) {
	id, ok, err := v.table.Alloc()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrNoSpace
	}
	return id, nil
}

// zeroCluster overwrites every sector of cluster id with zero bytes, used
// when a directory or file grows into freshly allocated space so tail-free
// scanning sees a clean run (spec.md §4.5.3).
func (v *Volume) zeroCluster(id ClusterID) error {
	base := v.SectorOf(id)
	for s := 0; s < v.SectorsPerCluster(); s++ {
		h, err := v.cache.Get(base + int64(s))
		if err != nil {
			return err
		}
		h.Update(func(b []byte) {
			for i := range b {
				b[i] = 0
			}
		})
		h.Release()
	}
	return nil
}
