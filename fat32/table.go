package fat32

import (
	"encoding/binary"

	"github.com/soypat/blockfs/cache"
)

// Table is the FAT itself: one uint32 entry per cluster in the data area,
// each holding the id of the next cluster in its chain or an end-of-chain
// marker. Grounded on original_source/os/fat/src/volume/fat.rs.
type Table struct {
	cache         *cache.Cache
	fatBaseSec    int64 // first sector (= block id) of the first FAT copy
	numFATs       int
	sectorsPerFAT int64
	sectorBytes   int
	fsInfo        *FSInfo
	clusterLimit  int64 // exclusive upper bound on valid cluster ids (spec.md §4.4)
}

// newTable builds a Table bounded to the volume's actual data-cluster
// count: count_of_clusters = (totalSectors - reserved - numFATs*fatSize) /
// sectorsPerCluster, offset by ClusterMin (spec.md §4.4/§7). This keeps
// Alloc from ever handing out a cluster id whose data sectors lie past the
// device.
func newTable(c *cache.Cache, fatBaseSec int64, numFATs int, sectorsPerFAT int64, sectorBytes int, totalSectors int64, sectorsPerCluster int64, fsInfo *FSInfo) *Table {
	dataSectors := totalSectors - fatBaseSec - int64(numFATs)*sectorsPerFAT
	countOfClusters := dataSectors / sectorsPerCluster
	return &Table{
		cache: c, fatBaseSec: fatBaseSec, numFATs: numFATs, sectorsPerFAT: sectorsPerFAT,
		sectorBytes: sectorBytes, fsInfo: fsInfo,
		clusterLimit: countOfClusters + int64(ClusterMin),
	}
}

func (t *Table) entriesPerSector() int64 { return int64(t.sectorBytes / 4) }

func (t *Table) sectorOf(id ClusterID) (sector int64, offset int) {
	idx := int64(id)
	sector = t.fatBaseSec + idx/t.entriesPerSector()
	offset = int(idx%t.entriesPerSector()) * 4
	return
}

func (t *Table) get(id ClusterID) (ClusterID, error) {
	sector, offset := t.sectorOf(id)
	h, err := t.cache.Get(sector)
	if err != nil {
		return 0, err
	}
	defer h.Release()
	raw := cache.Map(h, offset, 4, func(b []byte) uint32 { return binary.LittleEndian.Uint32(b) })
	return ClusterFromRaw(raw), nil
}

func (t *Table) set(id ClusterID, value ClusterID) error {
	for copyIdx := 0; copyIdx < t.numFATs; copyIdx++ {
		sector, offset := t.sectorOf(id)
		sector += int64(copyIdx) * t.sectorsPerFAT
		h, err := t.cache.Get(sector)
		if err != nil {
			return err
		}
		cache.MapMut(h, offset, 4, func(b []byte) { binary.LittleEndian.PutUint32(b, uint32(value)) })
		h.Release()
	}
	return nil
}

// Next returns the cluster following id, or ok=false at end of chain.
func (t *Table) Next(id ClusterID) (next ClusterID, ok bool, err error) {
	if err := id.Validate(); err != nil {
		return 0, false, err
	}
	v, err := t.get(id)
	if err != nil {
		return 0, false, err
	}
	if v.IsEOF() {
		return 0, false, nil
	}
	if err := v.Validate(); err != nil {
		return 0, false, err
	}
	return v, true, nil
}

// Last walks the chain from id to its final cluster.
func (t *Table) Last(id ClusterID) (ClusterID, error) {
	cur := id
	for {
		next, ok, err := t.Next(cur)
		if err != nil {
			return 0, err
		}
		if !ok {
			return cur, nil
		}
		cur = next
	}
}

// Alloc scans for the first FREE entry, marks it EOF, and records the
// allocation in FSInfo's free-cluster count. The scan is bounded to
// clusterLimit, the volume's real data-cluster count, not the FAT's raw
// entry count (which overruns the data area by design: a 32-bit-aligned
// FAT sector always holds a few more slots than there are clusters to
// back them).
func (t *Table) Alloc() (ClusterID, bool, error) {
	for idx := int64(ClusterMin); idx < t.clusterLimit; idx++ {
		id := ClusterID(idx)
		v, err := t.get(id)
		if err != nil {
			return 0, false, err
		}
		if v == ClusterFree {
			if err := t.set(id, ClusterEOF); err != nil {
				return 0, false, err
			}
			if t.fsInfo != nil {
				if err := t.fsInfo.recordAlloc(); err != nil {
					return 0, false, err
				}
			}
			return id, true, nil
		}
	}
	return 0, false, nil
}

// Couple overwrites prev's FAT entry with next. The caller MUST ensure
// prev was previously EOF, or the remainder of prev's chain leaks
// (spec.md §4.4's documented unsafe contract).
func (t *Table) Couple(prev, next ClusterID) error {
	return t.set(prev, next)
}

// AppendCluster walks chainStart to its tail, allocates a fresh cluster,
// and couples it on, returning the new cluster id. This is the safe
// wrapper spec.md §9 recommends over raw Couple.
func (t *Table) AppendCluster(chainStart ClusterID) (ClusterID, error) {
	tail, err := t.Last(chainStart)
	if err != nil {
		return 0, err
	}
	next, ok, err := t.Alloc()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrNoSpace
	}
	if err := t.Couple(tail, next); err != nil {
		return 0, err
	}
	return next, nil
}

// Dealloc walks the chain from id to EOF, freeing every cluster and
// recording each freeing in FSInfo.
func (t *Table) Dealloc(id ClusterID) error {
	cur := id
	for {
		next, ok, err := t.Next(cur)
		if err != nil {
			return err
		}
		if err := t.set(cur, ClusterFree); err != nil {
			return err
		}
		if t.fsInfo != nil {
			if err := t.fsInfo.recordFree(); err != nil {
				return err
			}
		}
		if !ok {
			return nil
		}
		cur = next
	}
}

// AllocRoot initializes the first three FAT entries for a freshly
// formatted volume (spec.md §4.4).
func (t *Table) AllocRoot(media byte) error {
	if err := t.set(0, ClusterID(0x0FFF_FF00)|ClusterID(media)); err != nil {
		return err
	}
	if err := t.set(1, ClusterEOF); err != nil {
		return err
	}
	return t.set(ClusterMin, ClusterEOF)
}
