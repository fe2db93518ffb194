package easyfs

import (
	"github.com/soypat/blockfs/cache"
)

// StatKind mirrors the POSIX-style mode bits carried by
// original_source/easy-fs/src/vfs.rs's Stat/StatKind.
type StatKind uint32

const (
	StatKindDir  StatKind = 0o040000
	StatKindFile StatKind = 0o100000
)

// Stat is the metadata snapshot returned by Inode.Stat.
type Stat struct {
	Dev     uint64
	InodeID uint32
	Kind    StatKind
	Links   uint32
}

// Inode is a stable handle to an on-disk DiskInode, addressed by its
// position (block id, byte offset) in the inode area. It holds a reference
// to the owning filesystem and, transitively, the shared cache.
type Inode struct {
	blockID     int64
	blockOffset int
	fs          *EasyFileSystem
}

func (fs *EasyFileSystem) inodeAt(id uint32) *Inode {
	blockID, offset := fs.diskInodePos(id)
	return &Inode{blockID: blockID, blockOffset: offset, fs: fs}
}

func (ino *Inode) read() (DiskInode, error) {
	h, err := ino.fs.cache.Get(ino.blockID)
	if err != nil {
		return DiskInode{}, err
	}
	defer h.Release()
	return cache.Map(h, ino.blockOffset, DiskInodeSize, decodeDiskInode), nil
}

func (ino *Inode) write(d DiskInode) error {
	h, err := ino.fs.cache.Get(ino.blockID)
	if err != nil {
		return err
	}
	defer h.Release()
	cache.MapMut(h, ino.blockOffset, DiskInodeSize, encodeDiskInode(d))
	return nil
}

// entries returns every directory entry currently in this inode's byte
// stream. ino must be a directory.
func (ino *Inode) entries() ([]DirEntry, DiskInode, error) {
	d, err := ino.read()
	if err != nil {
		return nil, d, err
	}
	n := d.Size / DirEntrySize
	out := make([]DirEntry, 0, n)
	for i := uint32(0); i < n; i++ {
		var buf [DirEntrySize]byte
		if _, err := ReadAt(ino.fs.cache, d, i*DirEntrySize, buf[:]); err != nil {
			return nil, d, err
		}
		out = append(out, decodeDirEntry(buf[:]))
	}
	return out, d, nil
}

func (ino *Inode) findEntry(d DiskInode, name string) (DirEntry, int, bool, error) {
	n := d.Size / DirEntrySize
	for i := uint32(0); i < n; i++ {
		var buf [DirEntrySize]byte
		if _, err := ReadAt(ino.fs.cache, d, i*DirEntrySize, buf[:]); err != nil {
			return DirEntry{}, 0, false, err
		}
		e := decodeDirEntry(buf[:])
		if !e.Empty() && e.NameString() == name {
			return e, int(i), true, nil
		}
	}
	return DirEntry{}, 0, false, nil
}

// grow allocates exactly the data blocks ExpandTo needs and applies them.
func (ino *Inode) grow(d *DiskInode, newSize uint32) error {
	need := CountTotalBlocks(newSize) - CountTotalBlocks(d.Size)
	if need == 0 {
		d.Size = newSize
		return nil
	}
	ids := make([]uint32, need)
	for i := range ids {
		id, err := ino.fs.AllocData()
		if err != nil {
			return err
		}
		ids[i] = id
	}
	return ExpandTo(ino.fs.cache, d, newSize, ids)
}

// writeEntrySlot appends or overwrites a DirEntry slot at logical index i,
// growing the directory's byte stream if necessary.
func (ino *Inode) writeEntrySlot(d *DiskInode, i uint32, e DirEntry) error {
	end := (i + 1) * DirEntrySize
	if end > d.Size {
		if err := ino.grow(d, end); err != nil {
			return err
		}
	}
	var buf [DirEntrySize]byte
	encodeDirEntry(e)(buf[:])
	_, err := WriteAt(ino.fs.cache, *d, i*DirEntrySize, buf[:])
	return err
}

// Find looks up name within directory ino, returning the child Inode.
func (ino *Inode) Find(name string) (*Inode, error) {
	ino.fs.Lock()
	defer ino.fs.Unlock()
	d, err := ino.read()
	if err != nil {
		return nil, err
	}
	e, _, ok, err := ino.findEntry(d, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return ino.fs.inodeAt(e.InodeID), nil
}

// Create makes a new regular file named name inside directory ino.
func (ino *Inode) Create(name string) (*Inode, error) {
	ino.fs.Lock()
	defer ino.fs.Unlock()
	d, err := ino.read()
	if err != nil {
		return nil, err
	}
	if _, _, ok, err := ino.findEntry(d, name); err != nil {
		return nil, err
	} else if ok {
		return nil, ErrExists
	}

	childID, err := ino.fs.AllocInode()
	if err != nil {
		return nil, err
	}
	child := ino.fs.inodeAt(childID)
	var childDisk DiskInode
	childDisk.Init(childID, KindFile)
	if err := child.write(childDisk); err != nil {
		return nil, err
	}

	slot := d.Size / DirEntrySize
	if err := ino.writeEntrySlot(&d, slot, NewDirEntry(name, childID)); err != nil {
		return nil, err
	}
	if err := ino.write(d); err != nil {
		return nil, err
	}
	if err := ino.fs.syncAll(); err != nil {
		return nil, err
	}
	return child, nil
}

// Mkdir makes a new subdirectory named name inside directory ino.
func (ino *Inode) Mkdir(name string) (*Inode, error) {
	ino.fs.Lock()
	defer ino.fs.Unlock()
	d, err := ino.read()
	if err != nil {
		return nil, err
	}
	if _, _, ok, err := ino.findEntry(d, name); err != nil {
		return nil, err
	} else if ok {
		return nil, ErrExists
	}

	childID, err := ino.fs.AllocInode()
	if err != nil {
		return nil, err
	}
	child := ino.fs.inodeAt(childID)
	var childDisk DiskInode
	childDisk.Init(childID, KindDirectory)
	if err := child.write(childDisk); err != nil {
		return nil, err
	}

	slot := d.Size / DirEntrySize
	if err := ino.writeEntrySlot(&d, slot, NewDirEntry(name, childID)); err != nil {
		return nil, err
	}
	if err := ino.write(d); err != nil {
		return nil, err
	}
	if err := ino.fs.syncAll(); err != nil {
		return nil, err
	}
	return child, nil
}

// Link adds a new directory entry newName inside ino pointing at the same
// inode as the existing entry oldName, incrementing its link count.
func (ino *Inode) Link(oldName, newName string) error {
	ino.fs.Lock()
	defer ino.fs.Unlock()
	d, err := ino.read()
	if err != nil {
		return err
	}
	e, _, ok, err := ino.findEntry(d, oldName)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if _, _, exists, err := ino.findEntry(d, newName); err != nil {
		return err
	} else if exists {
		return ErrExists
	}

	target := ino.fs.inodeAt(e.InodeID)
	td, err := target.read()
	if err != nil {
		return err
	}
	td.Links++
	if err := target.write(td); err != nil {
		return err
	}

	slot := d.Size / DirEntrySize
	if err := ino.writeEntrySlot(&d, slot, NewDirEntry(newName, e.InodeID)); err != nil {
		return err
	}
	if err := ino.write(d); err != nil {
		return err
	}
	return ino.fs.syncAll()
}

// Unlink removes name from directory ino, decrementing the target's link
// count and freeing its data blocks once that count reaches zero.
func (ino *Inode) Unlink(name string) error {
	ino.fs.Lock()
	defer ino.fs.Unlock()
	d, err := ino.read()
	if err != nil {
		return err
	}
	e, slot, ok, err := ino.findEntry(d, name)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}

	var zero [DirEntrySize]byte
	if _, err := WriteAt(ino.fs.cache, d, uint32(slot)*DirEntrySize, zero[:]); err != nil {
		return err
	}

	target := ino.fs.inodeAt(e.InodeID)
	td, err := target.read()
	if err != nil {
		return err
	}
	td.Links--
	freed := td.Links == 0
	if freed {
		ids, err := Clear(ino.fs.cache, &td)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := ino.fs.DeallocData(id); err != nil {
				return err
			}
		}
	}
	if err := target.write(td); err != nil {
		return err
	}
	return ino.fs.syncAll()
}

// ReadAt reads up to len(buf) bytes of ino's content starting at offset.
func (ino *Inode) ReadAt(offset uint32, buf []byte) (int, error) {
	ino.fs.Lock()
	defer ino.fs.Unlock()
	d, err := ino.read()
	if err != nil {
		return 0, err
	}
	return ReadAt(ino.fs.cache, d, offset, buf)
}

// WriteAt writes buf into ino's content at offset, growing the file if
// necessary, and syncs the filesystem before returning.
func (ino *Inode) WriteAt(offset uint32, buf []byte) (int, error) {
	ino.fs.Lock()
	defer ino.fs.Unlock()
	d, err := ino.read()
	if err != nil {
		return 0, err
	}
	end := offset + uint32(len(buf))
	if end > d.Size {
		if err := ino.grow(&d, end); err != nil {
			return 0, err
		}
	}
	n, err := WriteAt(ino.fs.cache, d, offset, buf)
	if err != nil {
		return n, err
	}
	if err := ino.write(d); err != nil {
		return n, err
	}
	return n, ino.fs.syncAll()
}

// Stat returns ino's metadata.
func (ino *Inode) Stat() (Stat, error) {
	ino.fs.Lock()
	defer ino.fs.Unlock()
	d, err := ino.read()
	if err != nil {
		return Stat{}, err
	}
	kind := StatKindFile
	if d.IsDir() {
		kind = StatKindDir
	}
	return Stat{InodeID: d.ID, Kind: kind, Links: d.Links}, nil
}

// Ls lists the names of every occupied entry in directory ino.
func (ino *Inode) Ls() ([]string, error) {
	ino.fs.Lock()
	defer ino.fs.Unlock()
	entries, _, err := ino.entries()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Empty() {
			names = append(names, e.NameString())
		}
	}
	return names, nil
}
