package fat32

import (
	"fmt"
	"log/slog"

	"github.com/soypat/blockfs/cache"
)

// clusterSizeTable maps a volume's sector count to the sectors-per-cluster
// Microsoft's FAT32 format tool picks, taken from
// original_source/os/fat/src/volume/reserved/bpb.rs's DS2SPC table (itself
// the documented Microsoft FAT32 cluster-size policy). Entries are
// (maxSectorsAt512B, sectorsPerCluster), checked in ascending order.
var clusterSizeTable = []struct {
	maxSectors        uint32
	sectorsPerCluster uint8
}{
	{66600, 0}, // smaller than FAT32 supports; caller should reject
	{532480, 1},
	{16777216, 8},
	{33554432, 16},
	{67108864, 32},
	{0xFFFFFFFF, 64},
}

// chooseSectorsPerCluster applies Microsoft's documented FAT32 cluster-size
// policy for a volume of the given sector count at 512 bytes/sector.
func chooseSectorsPerCluster(totalSectors uint32) (uint8, error) {
	for _, row := range clusterSizeTable {
		if totalSectors <= row.maxSectors {
			if row.sectorsPerCluster == 0 {
				return 0, fmt.Errorf("fat32: volume too small for FAT32 (%d sectors)", totalSectors)
			}
			return row.sectorsPerCluster, nil
		}
	}
	return 64, nil
}

// FormatOptions configures Format.
type FormatOptions struct {
	BytesPerSector      uint16 // 0 defaults to 512
	SectorsPerCluster   uint8  // 0 auto-selects per chooseSectorsPerCluster
	ReservedSectorCount uint16 // 0 defaults to 32
	NumFATs             uint8  // 0 defaults to 2
	VolumeLabel         string
}

// setFATSize computes the FAT size in sectors in one closed-form step, after
// original_source/os/fat/src/volume/reserved/bpb.rs's set_fat_size: the
// non-reserved sectors divided by (sectorsPerCluster*entriesPerSector +
// numFATs), rounded up, so the FATs' own sectors are charged against the
// data area without iterating.
func setFATSize(totalSectors uint32, reservedSectors uint16, numFATs uint8, sectorsPerCluster uint8, bytesPerSector uint16) uint32 {
	entriesPerSector := uint32(bytesPerSector) / 4
	tmpVal1 := uint32(totalSectors) - uint32(reservedSectors)
	tmpVal2 := uint32(sectorsPerCluster)*entriesPerSector + uint32(numFATs)
	fatSize := (tmpVal1 + (tmpVal2 - 1)) / tmpVal2
	return fatSize
}

// Format writes a fresh FAT32 filesystem to dev and mounts it.
func Format(dev Device, totalSectors uint32, opts FormatOptions, log *slog.Logger) (*Volume, error) {
	if log == nil {
		log = slog.Default()
	}
	bytesPerSector := opts.BytesPerSector
	if bytesPerSector == 0 {
		bytesPerSector = 512
	}
	reserved := opts.ReservedSectorCount
	if reserved == 0 {
		reserved = 32
	}
	numFATs := opts.NumFATs
	if numFATs == 0 {
		numFATs = 2
	}
	spc := opts.SectorsPerCluster
	if spc == 0 {
		var err error
		spc, err = chooseSectorsPerCluster(totalSectors)
		if err != nil {
			return nil, err
		}
	}
	fatSize := setFATSize(totalSectors, reserved, numFATs, spc, bytesPerSector)

	bpb := BPB{
		BytesPerSector:      bytesPerSector,
		SectorsPerCluster:   spc,
		ReservedSectorCount: reserved,
		NumFATs:             numFATs,
		Media:               0xF8,
		FATSize32:           fatSize,
		TotalSectors32:      totalSectors,
		RootCluster:         uint32(ClusterMin),
		FSInfoSector:        1,
		BackupBootSector:    6,
	}

	c := cache.New(dev, cache.DefaultCapacity, log)

	h, err := c.Get(0)
	if err != nil {
		return nil, err
	}
	h.Update(func(b []byte) { bpb.Encode(b) })
	h.Release()

	backup, err := c.Get(int64(bpb.BackupBootSector))
	if err != nil {
		return nil, err
	}
	backup.Update(func(b []byte) { bpb.Encode(b) })
	backup.Release()

	dataSectors := totalSectors - uint32(reserved) - uint32(numFATs)*fatSize
	freeClusters := dataSectors/uint32(spc) - 1 // minus the root's own cluster

	fsInfo := newFSInfo(c, int64(bpb.FSInfoSector))
	if err := fsInfo.Init(freeClusters); err != nil {
		return nil, err
	}

	dataBase := int64(reserved) + int64(numFATs)*int64(fatSize)
	table := newTable(c, int64(reserved), int(numFATs), int64(fatSize), int(bytesPerSector), int64(totalSectors), int64(spc), fsInfo)
	if err := table.AllocRoot(bpb.Media); err != nil {
		return nil, err
	}

	v := &Volume{cache: c, bpb: bpb, fsInfo: fsInfo, table: table, dataBase: dataBase, log: log}
	if err := v.zeroCluster(ClusterMin); err != nil {
		return nil, err
	}
	if err := v.SyncAll(); err != nil {
		return nil, err
	}
	log.Info("formatted FAT32 volume", "total_sectors", totalSectors, "sectors_per_cluster", spc, "fat_size", fatSize)
	return v, nil
}
