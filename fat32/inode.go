package fat32

import "errors"

// Stat summarizes an Inode for callers that don't need the raw short
// entry, mirroring easyfs's vfs.Stat shape (spec.md §4.6).
type Stat struct {
	Size   uint32
	IsDir  bool
	Attr   uint8
	Inode  ClusterID // first cluster doubles as the inode identity
}

// Inode is the FAT32 facade: a directory entry plus, for directories, the
// Directory view over its own cluster chain. Grounded on
// original_source/os/fat/src/inode.rs's Inode type.
type Inode struct {
	v         *Volume
	parent    *Directory // nil for the root
	shortSlot int        // slot index of this entry's short record in parent
	short     ShortEntry
	self      *Directory // populated lazily for directories
}

// RootInode returns the Inode for the volume's root directory.
func RootInode(v *Volume) *Inode {
	root := v.RootDirectory()
	return &Inode{
		v:    v,
		self: root,
		short: ShortEntry{
			Attr: AttrDirectory,
		},
	}
}

func (n *Inode) dir() *Directory {
	if n.self == nil {
		n.self = newDirectory(n.v, n.short.Cluster())
	}
	return n.self
}

// IsDir reports whether n is a directory.
func (n *Inode) IsDir() bool { return n.short.Attr&AttrDirectory != 0 }

// Stat summarizes the inode.
func (n *Inode) Stat() Stat {
	n.v.Lock()
	defer n.v.Unlock()
	return Stat{
		Size:  n.short.FileSize,
		IsDir: n.IsDir(),
		Attr:  n.short.Attr,
		Inode: n.short.Cluster(),
	}
}

// Ls lists the names present in a directory inode.
func (n *Inode) Ls() ([]string, error) {
	if !n.IsDir() {
		return nil, ErrNotDirectory
	}
	n.v.Lock()
	defer n.v.Unlock()
	entries, err := n.dir().List()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		names = append(names, e.Name)
	}
	return names, nil
}

func (n *Inode) childFrom(fe foundEntry) *Inode {
	return &Inode{v: n.v, parent: n.dir(), shortSlot: fe.SlotStart + fe.SlotCount - 1, short: fe.Short}
}

// Find resolves name within a directory inode.
func (n *Inode) Find(name string) (*Inode, error) {
	if !n.IsDir() {
		return nil, ErrNotDirectory
	}
	n.v.Lock()
	defer n.v.Unlock()
	fe, found, err := n.dir().Find(name)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return n.childFrom(fe), nil
}

// Create makes a new, empty regular file named name inside directory n.
// Per spec.md's supplemented first-write behavior, no cluster is allocated
// until the first WriteAt.
func (n *Inode) Create(name string) (*Inode, error) {
	if !n.IsDir() {
		return nil, ErrNotDirectory
	}
	n.v.Lock()
	defer n.v.Unlock()
	short, slot, err := n.dir().Create(name, AttrArchive, ClusterFree, 0)
	if err != nil {
		return nil, err
	}
	if err := n.v.SyncAll(); err != nil {
		return nil, err
	}
	return &Inode{v: n.v, parent: n.dir(), shortSlot: slot, short: short}, nil
}

// Mkdir creates a subdirectory named name inside directory n, populating
// its "." and ".." entries. The root directory itself carries neither
// (spec.md Open Question, resolved: only non-root directories have
// relative entries, matching how real FAT32 volumes are laid out — the
// root has no parent slot to point ".." at).
func (n *Inode) Mkdir(name string) (*Inode, error) {
	if !n.IsDir() {
		return nil, ErrNotDirectory
	}
	n.v.Lock()
	defer n.v.Unlock()
	cluster, err := n.v.AllocCluster()
	if err != nil {
		return nil, err
	}
	if err := n.v.zeroCluster(cluster); err != nil {
		return nil, err
	}
	short, slot, err := n.dir().Create(name, AttrDirectory, cluster, 0)
	if err != nil {
		return nil, err
	}
	sub := newDirectory(n.v, cluster)
	parentCluster := n.short.Cluster()
	if n.parent == nil {
		parentCluster = 0 // "." / ".." convention: 0 means "this is the root"
	}
	if _, _, err := sub.Create(".", AttrDirectory, cluster, 0); err != nil {
		return nil, err
	}
	if _, _, err := sub.Create("..", AttrDirectory, parentCluster, 0); err != nil {
		return nil, err
	}
	if err := n.v.SyncAll(); err != nil {
		return nil, err
	}
	return &Inode{v: n.v, parent: n.dir(), shortSlot: slot, short: short, self: sub}, nil
}

// Unlink removes a regular file named name from directory n, freeing its
// cluster chain.
func (n *Inode) Unlink(name string) error {
	if !n.IsDir() {
		return ErrNotDirectory
	}
	n.v.Lock()
	defer n.v.Unlock()
	fe, found, err := n.dir().Find(name)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	if fe.Short.IsDir() {
		return ErrIsDirectory
	}
	if fe.Short.Cluster() != ClusterFree {
		if err := n.v.table.Dealloc(fe.Short.Cluster()); err != nil {
			return err
		}
	}
	if err := n.dir().Delete(fe.SlotStart, fe.SlotCount); err != nil {
		return err
	}
	return n.v.SyncAll()
}

// Rmdir removes an empty subdirectory named name from directory n.
func (n *Inode) Rmdir(name string) error {
	if !n.IsDir() {
		return ErrNotDirectory
	}
	n.v.Lock()
	defer n.v.Unlock()
	fe, found, err := n.dir().Find(name)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	if !fe.Short.IsDir() {
		return ErrNotDirectory
	}
	sub := newDirectory(n.v, fe.Short.Cluster())
	entries, err := sub.List()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Name != "." && e.Name != ".." {
			return ErrDirectoryNotEmpty
		}
	}
	if err := n.v.table.Dealloc(fe.Short.Cluster()); err != nil {
		return err
	}
	if err := n.dir().Delete(fe.SlotStart, fe.SlotCount); err != nil {
		return err
	}
	return n.v.SyncAll()
}

// Rename moves/renames the entry named oldName in directory n to newName
// inside directory dst (which may equal n for a same-directory rename).
// Per spec.md §5's supplemented semantics, if newName already exists in
// dst and both the source and destination are regular files, the
// destination is silently replaced (POSIX rename(2) semantics); any other
// collision (directory on either side) is an error.
func (n *Inode) Rename(oldName string, dst *Inode, newName string) error {
	if !n.IsDir() || !dst.IsDir() {
		return ErrNotDirectory
	}
	n.v.Lock()
	defer n.v.Unlock()
	srcFE, found, err := n.dir().Find(oldName)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	dstFE, exists, err := dst.dir().Find(newName)
	if err != nil {
		return err
	}
	if exists {
		if srcFE.Short.IsDir() || dstFE.Short.IsDir() {
			return ErrExists
		}
		if dstFE.Short.Cluster() != ClusterFree {
			if err := n.v.table.Dealloc(dstFE.Short.Cluster()); err != nil {
				return err
			}
		}
		if err := dst.dir().Delete(dstFE.SlotStart, dstFE.SlotCount); err != nil {
			return err
		}
	}
	attr := srcFE.Short.Attr
	_, _, err = dst.dir().Create(newName, attr, srcFE.Short.Cluster(), srcFE.Short.FileSize)
	if err != nil {
		return err
	}
	if err := n.dir().Delete(srcFE.SlotStart, srcFE.SlotCount); err != nil {
		return err
	}
	if srcFE.Short.IsDir() && dst != n {
		// Re-point the moved directory's ".." at its new parent.
		moved := newDirectory(n.v, srcFE.Short.Cluster())
		dotdot, found, err := moved.Find("..")
		if err != nil {
			return err
		}
		if found {
			parentCluster := dst.short.Cluster()
			if dst.parent == nil {
				parentCluster = 0
			}
			dotdot.Short.SetCluster(parentCluster)
			if err := moved.WriteShort(dotdot.SlotStart+dotdot.SlotCount-1, dotdot.Short); err != nil {
				return err
			}
		}
	}
	return n.v.SyncAll()
}

// ReadAt reads len(buf) bytes (clamped to the file's size) starting at
// offset, returning the number of bytes actually read.
func (n *Inode) ReadAt(offset int64, buf []byte) (int, error) {
	if n.IsDir() {
		return 0, ErrIsDirectory
	}
	n.v.Lock()
	defer n.v.Unlock()
	size := int64(n.short.FileSize)
	if offset >= size {
		return 0, nil
	}
	if offset+int64(len(buf)) > size {
		buf = buf[:size-offset]
	}
	return n.rwChain(offset, buf, false)
}

// WriteAt writes buf at offset, growing the file (and, on the very first
// write, allocating its first cluster) as needed.
func (n *Inode) WriteAt(offset int64, buf []byte) (int, error) {
	if n.IsDir() {
		return 0, ErrIsDirectory
	}
	n.v.Lock()
	defer n.v.Unlock()
	end := offset + int64(len(buf))
	if n.short.Cluster() == ClusterFree {
		cluster, err := n.v.AllocCluster()
		if err != nil {
			return 0, err
		}
		if err := n.v.zeroCluster(cluster); err != nil {
			return 0, err
		}
		n.short.SetCluster(cluster)
	}
	if err := n.growTo(end); err != nil {
		return 0, err
	}
	written, err := n.rwChain(offset, buf, true)
	if err != nil {
		return written, err
	}
	if end > int64(n.short.FileSize) {
		n.short.FileSize = uint32(end)
	}
	if n.parent != nil {
		if err := n.parent.WriteShort(n.shortSlot, n.short); err != nil {
			return written, err
		}
	}
	if err := n.v.SyncAll(); err != nil {
		return written, err
	}
	return written, nil
}

// growTo extends the file's cluster chain so that byte offset `end-1` has
// backing storage.
func (n *Inode) growTo(end int64) error {
	bpc := int64(n.v.BytesPerCluster())
	need := (end + bpc - 1) / bpc
	if need == 0 {
		need = 1
	}
	have := (int64(n.short.FileSize) + bpc - 1) / bpc
	if have == 0 {
		have = 1
	}
	for have < need {
		tail, err := n.v.table.Last(n.short.Cluster())
		if err != nil {
			return err
		}
		next, err := n.v.table.AppendCluster(tail)
		if err != nil {
			return err
		}
		if err := n.v.zeroCluster(next); err != nil {
			return err
		}
		have++
	}
	return nil
}

// rwChain copies between buf and the file's cluster chain at offset,
// sector by sector, either reading (write=false) or writing (write=true).
func (n *Inode) rwChain(offset int64, buf []byte, write bool) (int, error) {
	bps := int64(n.v.BytesPerSector())
	bpc := int64(n.v.BytesPerCluster())
	cluster := n.short.Cluster()
	if cluster == ClusterFree {
		if write {
			return 0, errors.New("fat32: write with no allocated cluster")
		}
		return 0, nil
	}
	clusterIdx := offset / bpc
	for i := int64(0); i < clusterIdx; i++ {
		next, ok, err := n.v.table.Next(cluster)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, ErrCorrupt
		}
		cluster = next
	}
	withinCluster := offset % bpc
	done := 0
	for done < len(buf) {
		sector := n.v.SectorOf(cluster) + withinCluster/bps
		sectorOff := int(withinCluster % bps)
		h, err := n.v.cache.Get(sector)
		if err != nil {
			return done, err
		}
		n2 := bps - int64(sectorOff)
		if n2 > int64(len(buf)-done) {
			n2 = int64(len(buf) - done)
		}
		if write {
			h.Update(func(b []byte) { copy(b[sectorOff:], buf[done:done+int(n2)]) })
		} else {
			h.View(func(b []byte) { copy(buf[done:done+int(n2)], b[sectorOff:]) })
		}
		h.Release()
		done += int(n2)
		withinCluster += n2
		if withinCluster >= bpc {
			withinCluster -= bpc
			next, ok, err := n.v.table.Next(cluster)
			if err != nil {
				return done, err
			}
			if !ok {
				if !write {
					break
				}
				return done, ErrCorrupt
			}
			cluster = next
		}
	}
	return done, nil
}
