package fat32

import (
	"encoding/binary"
	"strings"

	"github.com/soypat/blockfs/internal/oem"
	"github.com/soypat/blockfs/internal/utf16x"
)

// DirEntrySize is the packed size of both directory-entry shapes
// (spec.md §3).
const DirEntrySize = 32

const (
	AttrReadOnly  = 0x01
	AttrHidden    = 0x02
	AttrSystem    = 0x04
	AttrVolumeID  = 0x08
	AttrDirectory = 0x10
	AttrArchive   = 0x20
	AttrLongName  = AttrReadOnly | AttrHidden | AttrSystem | AttrVolumeID // 0x0F
)

const lastLongMask = 0x40

// SlotStatus is the tri-state encoding of a short entry's first name byte
// (spec.md §4.5).
type SlotStatus uint8

const (
	StatusOccupied SlotStatus = iota
	StatusFree                // 0xE5: reusable hole
	StatusTailFree             // 0x00: this and every following slot is unused
)

const (
	nameFreeMark     = 0xE5
	nameTailFreeMark = 0x00
)

// ShortEntry is the classical 8.3 directory entry.
type ShortEntry struct {
	Name      [11]byte
	Attr      uint8
	ClusterHi uint16
	ClusterLo uint16
	FileSize  uint32
}

const (
	offShortName     = 0
	offShortAttr     = 11
	offShortClusHi   = 20
	offShortClusLo   = 26
	offShortFileSize = 28
)

func decodeShort(b []byte) ShortEntry {
	var e ShortEntry
	copy(e.Name[:], b[offShortName:offShortName+11])
	e.Attr = b[offShortAttr]
	e.ClusterHi = binary.LittleEndian.Uint16(b[offShortClusHi:])
	e.ClusterLo = binary.LittleEndian.Uint16(b[offShortClusLo:])
	e.FileSize = binary.LittleEndian.Uint32(b[offShortFileSize:])
	return e
}

func encodeShort(e ShortEntry) func(b []byte) {
	return func(b []byte) {
		for i := range b {
			b[i] = 0
		}
		copy(b[offShortName:offShortName+11], e.Name[:])
		b[offShortAttr] = e.Attr
		binary.LittleEndian.PutUint16(b[offShortClusHi:], e.ClusterHi)
		binary.LittleEndian.PutUint16(b[offShortClusLo:], e.ClusterLo)
		binary.LittleEndian.PutUint32(b[offShortFileSize:], e.FileSize)
	}
}

// Cluster returns the entry's first cluster, combining the hi/lo halves.
func (e ShortEntry) Cluster() ClusterID {
	return ClusterID(uint32(e.ClusterHi)<<16 | uint32(e.ClusterLo))
}

// SetCluster stores id split across the hi/lo fields.
func (e *ShortEntry) SetCluster(id ClusterID) {
	e.ClusterHi = uint16(uint32(id) >> 16)
	e.ClusterLo = uint16(uint32(id))
}

// Status classifies the slot per spec.md §4.5.
func (e ShortEntry) Status() SlotStatus {
	switch e.Name[0] {
	case nameTailFreeMark:
		return StatusTailFree
	case nameFreeMark:
		return StatusFree
	default:
		return StatusOccupied
	}
}

// IsDir reports whether the entry carries the Directory attribute.
func (e ShortEntry) IsDir() bool { return e.Attr&AttrDirectory != 0 }

// IsRelative reports whether this is a "." or ".." entry: these terminate
// backward coalescing on deletion (spec.md §4.5.4).
func (e ShortEntry) IsRelative() bool {
	return e.Name == [11]byte{'.', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '} ||
		e.Name == [11]byte{'.', '.', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '}
}

// Checksum computes the classical FAT shortname checksum: an 8-bit
// rotating sum over the 11-byte short name (spec.md §4.5.1, §6.2).
func Checksum(name [11]byte) byte {
	var sum byte
	for _, b := range name {
		sum = ((sum >> 1) | (sum << 7)) + b
	}
	return sum
}

// LongEntry carries 13 UTF-16 code units of a name, one of a chain
// preceding its owning short entry.
type LongEntry struct {
	Ord     uint8
	Name1   [5]uint16
	Attr    uint8
	Type    uint8
	Chksum  uint8
	Name2   [6]uint16
	Name3   [2]uint16
}

const (
	offLongOrd    = 0
	offLongName1  = 1
	offLongAttr   = 11
	offLongType   = 12
	offLongChksum = 13
	offLongName2  = 14
	offLongClusLo = 26
	offLongName3  = 28
)

func decodeLong(b []byte) LongEntry {
	var e LongEntry
	e.Ord = b[offLongOrd]
	for i := 0; i < 5; i++ {
		e.Name1[i] = binary.LittleEndian.Uint16(b[offLongName1+2*i:])
	}
	e.Attr = b[offLongAttr]
	e.Type = b[offLongType]
	e.Chksum = b[offLongChksum]
	for i := 0; i < 6; i++ {
		e.Name2[i] = binary.LittleEndian.Uint16(b[offLongName2+2*i:])
	}
	for i := 0; i < 2; i++ {
		e.Name3[i] = binary.LittleEndian.Uint16(b[offLongName3+2*i:])
	}
	return e
}

func encodeLong(e LongEntry) func(b []byte) {
	return func(b []byte) {
		for i := range b {
			b[i] = 0
		}
		b[offLongOrd] = e.Ord
		for i := 0; i < 5; i++ {
			binary.LittleEndian.PutUint16(b[offLongName1+2*i:], e.Name1[i])
		}
		b[offLongAttr] = AttrLongName
		b[offLongType] = e.Type
		b[offLongChksum] = e.Chksum
		for i := 0; i < 6; i++ {
			binary.LittleEndian.PutUint16(b[offLongName2+2*i:], e.Name2[i])
		}
		binary.LittleEndian.PutUint16(b[offLongClusLo:], 0)
		for i := 0; i < 2; i++ {
			binary.LittleEndian.PutUint16(b[offLongName3+2*i:], e.Name3[i])
		}
	}
}

// IsLast reports whether Ord carries the LAST_MASK bit (spec.md §4.5.1).
func (e LongEntry) IsLast() bool { return e.Ord&lastLongMask != 0 }

// SeqNumber returns Ord with LAST_MASK stripped.
func (e LongEntry) SeqNumber() uint8 { return e.Ord &^ lastLongMask }

// setUnits packs units (already UTF-16) into a long entry's three name
// fields, zero-terminating and 0xFFFF-padding per the FAT spec.
func (e *LongEntry) setUnits(units []uint16) {
	const pad = 0xFFFF
	get := func(i int) uint16 {
		if i < len(units) {
			return units[i]
		}
		if i == len(units) {
			return 0
		}
		return pad
	}
	for i := 0; i < 5; i++ {
		e.Name1[i] = get(i)
	}
	for i := 0; i < 6; i++ {
		e.Name2[i] = get(5 + i)
	}
	for i := 0; i < 2; i++ {
		e.Name3[i] = get(11 + i)
	}
}

func (e LongEntry) units() []uint16 {
	out := make([]uint16, 0, 13)
	out = append(out, e.Name1[:]...)
	out = append(out, e.Name2[:]...)
	out = append(out, e.Name3[:]...)
	return out
}

// NameToEntries canonicalizes name into an 11-byte short name plus the
// long-entry chain needed to recover the full name on lookup, per
// spec.md §4.5.1. The caller supplies the already-chosen shortName, so
// collision-number suffixing happens beforehand (see directory.go's
// uniqueShortName). The long entries are returned in ascending Ord order.
func NameToEntries(name string, shortName [11]byte) (ShortEntry, []LongEntry) {
	units := utf16Units(name)
	n := (len(units) + 12) / 13
	if n == 0 {
		n = 1
	}
	sum := Checksum(shortName)
	longs := make([]LongEntry, n)
	for k := 0; k < n; k++ {
		lo := k * 13
		hi := lo + 13
		if hi > len(units) {
			hi = len(units)
		}
		var e LongEntry
		e.setUnits(units[lo:hi])
		e.Chksum = sum
		e.Ord = uint8(k + 1)
		longs[k] = e
	}
	longs[n-1].Ord |= lastLongMask

	var short ShortEntry
	short.Name = shortName
	return short, longs
}

// EntriesToName decodes the long-entry chain back to a UTF-8 string. longs
// must be supplied in *ascending* Ord order (1..N); callers that collected
// them via backward directory scanning (closest-to-short-entry first) must
// reverse before calling this, matching spec.md §4.5.1's decode rule.
func EntriesToName(longs []LongEntry) string {
	var units []uint16
	for _, e := range longs {
		for _, u := range e.units() {
			if u == 0 || u == 0xFFFF {
				break
			}
			units = append(units, u)
		}
	}
	buf := make([]byte, len(units)*4)
	dst := make([]byte, len(units)*2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(dst[i*2:], u)
	}
	n, _ := utf16x.ToUTF8(buf, dst, binary.LittleEndian)
	return string(buf[:n])
}

func utf16Units(s string) []uint16 {
	dst := make([]byte, len(s)*4+4)
	n, _ := utf16x.FromUTF8(dst, []byte(s), binary.LittleEndian)
	units := make([]uint16, n/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(dst[i*2:])
	}
	return units
}

// GenerateShortName produces a FAT 8.3 short name for longName, appending
// a "~N" collision suffix (N = collision%10; 0 means no suffix) the caller supplies,
// mirroring _examples/soypat-fat/fat.go's register() numeric-tail scheme.
func GenerateShortName(longName string, collision int) [11]byte {
	base, ext := splitExt(longName)
	base = sanitizeShort(base)
	ext = sanitizeShort(ext)
	var out [11]byte
	for i := range out {
		out[i] = ' '
	}
	baseLen := 8
	if collision > 0 {
		suffix := []byte{'~', byte('0' + collision%10)}
		if len(base) > baseLen-len(suffix) {
			base = base[:baseLen-len(suffix)]
		}
		base = base + string(suffix)
	} else if len(base) > baseLen {
		base = base[:baseLen]
	}
	copy(out[:8], base)
	if len(ext) > 3 {
		ext = ext[:3]
	}
	copy(out[8:11], ext)
	return out
}

func splitExt(name string) (base, ext string) {
	i := strings.LastIndexByte(name, '.')
	if i <= 0 {
		return name, ""
	}
	return name[:i], name[i+1:]
}

// sanitizeShort strips spaces and dots, then folds the remainder to the
// OEM code page a short name's bytes are stored in.
func sanitizeShort(s string) string {
	var filtered strings.Builder
	for _, r := range s {
		if r == ' ' || r == '.' {
			continue
		}
		filtered.WriteRune(r)
	}
	return string(oem.FoldShortName(filtered.String()))
}
