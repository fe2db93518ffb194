package fat32

import (
	"encoding/binary"

	"github.com/soypat/blockfs/cache"
)

// BPB is the FAT32 BIOS Parameter Block, a 512-byte packed record at
// sector 0. Field offsets are grounded on
// _examples/soypat-fat/tables.go's bpb*/bs* offset constants and
// original_source/os/fat/src/volume/reserved/bpb.rs.
type BPB struct {
	BytesPerSector       uint16
	SectorsPerCluster    uint8
	ReservedSectorCount  uint16
	NumFATs              uint8
	Media                uint8
	FATSize32            uint32
	TotalSectors32       uint32
	RootCluster          uint32
	FSInfoSector         uint16
	BackupBootSector     uint16
}

const (
	offBytsPerSec = 11
	offSecPerClus = 13
	offRsvdSecCnt = 14
	offNumFATs    = 16
	offMedia      = 21
	offTotSec32   = 32
	offFATSz32    = 36
	offRootClus32 = 44
	offFSInfo32   = 48
	offBkBootSec  = 50
	offSig55AA    = 510
)

// DecodeBPB parses a 512-byte sector 0 image into a BPB.
func DecodeBPB(b []byte) BPB {
	return BPB{
		BytesPerSector:      binary.LittleEndian.Uint16(b[offBytsPerSec:]),
		SectorsPerCluster:   b[offSecPerClus],
		ReservedSectorCount: binary.LittleEndian.Uint16(b[offRsvdSecCnt:]),
		NumFATs:             b[offNumFATs],
		Media:               b[offMedia],
		FATSize32:           binary.LittleEndian.Uint32(b[offFATSz32:]),
		TotalSectors32:      binary.LittleEndian.Uint32(b[offTotSec32:]),
		RootCluster:         binary.LittleEndian.Uint32(b[offRootClus32:]),
		FSInfoSector:        binary.LittleEndian.Uint16(b[offFSInfo32:]),
		BackupBootSector:    binary.LittleEndian.Uint16(b[offBkBootSec:]),
	}
}

// Encode renders bpb into a 512-byte sector image, including the boot
// signature.
func (bpb BPB) Encode(b []byte) {
	for i := range b {
		b[i] = 0
	}
	binary.LittleEndian.PutUint16(b[offBytsPerSec:], bpb.BytesPerSector)
	b[offSecPerClus] = bpb.SectorsPerCluster
	binary.LittleEndian.PutUint16(b[offRsvdSecCnt:], bpb.ReservedSectorCount)
	b[offNumFATs] = bpb.NumFATs
	b[offMedia] = bpb.Media
	binary.LittleEndian.PutUint32(b[offFATSz32:], bpb.FATSize32)
	binary.LittleEndian.PutUint32(b[offTotSec32:], bpb.TotalSectors32)
	binary.LittleEndian.PutUint32(b[offRootClus32:], bpb.RootCluster)
	binary.LittleEndian.PutUint16(b[offFSInfo32:], bpb.FSInfoSector)
	binary.LittleEndian.PutUint16(b[offBkBootSec:], bpb.BackupBootSector)
	b[offSig55AA] = 0x55
	b[offSig55AA+1] = 0xAA
}

// valid reports whether raw carries the 0x55AA boot signature.
func (bpb BPB) valid(raw []byte) bool {
	return raw[offSig55AA] == 0x55 && raw[offSig55AA+1] == 0xAA
}

// FSInfo tracks the free-cluster count across mounts (spec.md §5
// supplemental feature, grounded on
// original_source/os/fat/src/volume/reserved/fs_info.rs).
type FSInfo struct {
	cache  *cache.Cache
	sector int64
}

const (
	fsiLeadSig  = 0x4161_5252
	fsiStrucSig = 0x6141_7272
	fsiTrailSig = 0xAA55_0000

	offFSILeadSig  = 0
	offFSIStrucSig = 484
	offFSIFreeCnt  = 488
	offFSINxtFree  = 492
	offFSITrailSig = 508
)

func newFSInfo(c *cache.Cache, sector int64) *FSInfo { return &FSInfo{cache: c, sector: sector} }

// Init writes a fresh FSInfo sector with the given initial free count.
func (fi *FSInfo) Init(freeCount uint32) error {
	h, err := fi.cache.Get(fi.sector)
	if err != nil {
		return err
	}
	defer h.Release()
	h.Update(func(b []byte) {
		for i := range b {
			b[i] = 0
		}
		binary.LittleEndian.PutUint32(b[offFSILeadSig:], fsiLeadSig)
		binary.LittleEndian.PutUint32(b[offFSIStrucSig:], fsiStrucSig)
		binary.LittleEndian.PutUint32(b[offFSIFreeCnt:], freeCount)
		binary.LittleEndian.PutUint32(b[offFSINxtFree:], 0xFFFFFFFF)
		binary.LittleEndian.PutUint32(b[offFSITrailSig:], fsiTrailSig)
	})
	return nil
}

func (fi *FSInfo) freeCount() (uint32, error) {
	h, err := fi.cache.Get(fi.sector)
	if err != nil {
		return 0, err
	}
	defer h.Release()
	return cache.Map(h, offFSIFreeCnt, 4, func(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }), nil
}

func (fi *FSInfo) recordAlloc() error {
	h, err := fi.cache.Get(fi.sector)
	if err != nil {
		return err
	}
	defer h.Release()
	h.Update(func(b []byte) {
		v := binary.LittleEndian.Uint32(b[offFSIFreeCnt:])
		if v != 0xFFFFFFFF && v > 0 {
			v--
		}
		binary.LittleEndian.PutUint32(b[offFSIFreeCnt:], v)
	})
	return nil
}

func (fi *FSInfo) recordFree() error {
	h, err := fi.cache.Get(fi.sector)
	if err != nil {
		return err
	}
	defer h.Release()
	h.Update(func(b []byte) {
		v := binary.LittleEndian.Uint32(b[offFSIFreeCnt:])
		if v != 0xFFFFFFFF {
			v++
		}
		binary.LittleEndian.PutUint32(b[offFSIFreeCnt:], v)
	})
	return nil
}
