package easyfs

import "encoding/binary"

// DirEntrySize is the packed size of a DirEntry: 28-byte name plus a
// 4-byte inode id (spec.md §3).
const DirEntrySize = 32

const dirEntryNameLen = 28

// DirEntry is one slot of a directory's byte stream. A zero first byte in
// Name marks a free slot. Grounded on
// original_source/easy-fs/src/layout/dir_entry.rs.
type DirEntry struct {
	Name    [dirEntryNameLen]byte
	InodeID uint32
}

// NewDirEntry builds a DirEntry for name, truncating to the field width.
func NewDirEntry(name string, inodeID uint32) DirEntry {
	var e DirEntry
	copy(e.Name[:], name)
	e.InodeID = inodeID
	return e
}

// NameString returns the entry's name, stopping at the first NUL byte.
func (e DirEntry) NameString() string {
	n := 0
	for n < len(e.Name) && e.Name[n] != 0 {
		n++
	}
	return string(e.Name[:n])
}

// Empty reports whether this slot is unused (spec.md §3: "first byte = 0").
func (e DirEntry) Empty() bool { return e.Name[0] == 0 }

func decodeDirEntry(b []byte) DirEntry {
	var e DirEntry
	copy(e.Name[:], b[:dirEntryNameLen])
	e.InodeID = binary.LittleEndian.Uint32(b[dirEntryNameLen:])
	return e
}

func encodeDirEntry(e DirEntry) func(b []byte) {
	return func(b []byte) {
		for i := range b[:dirEntryNameLen] {
			b[i] = 0
		}
		copy(b[:dirEntryNameLen], e.Name[:])
		binary.LittleEndian.PutUint32(b[dirEntryNameLen:], e.InodeID)
	}
}
