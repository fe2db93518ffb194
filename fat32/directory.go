package fat32

// Directory is a sequence of 32-byte slots spanning a cluster chain. It
// implements discovery, creation, and deletion over that slot sequence per
// spec.md §4.5, grounded on original_source/os/fat/src/inode.rs's
// DirIter/creation/deletion algorithms.
type Directory struct {
	v     *Volume
	first ClusterID
}

func newDirectory(v *Volume, first ClusterID) *Directory {
	return &Directory{v: v, first: first}
}

// FirstCluster returns the directory's first cluster.
func (d *Directory) FirstCluster() ClusterID { return d.first }

// clusters walks the chain from d.first to EOF, returning every cluster id
// in order.
func (d *Directory) clusters() ([]ClusterID, error) {
	var out []ClusterID
	cur := d.first
	for {
		out = append(out, cur)
		next, ok, err := d.v.table.Next(cur)
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		cur = next
	}
}

func (d *Directory) entriesPerCluster() int {
	return d.v.BytesPerCluster() / DirEntrySize
}

func (d *Directory) entriesPerSector() int {
	return d.v.BytesPerSector() / DirEntrySize
}

// slotLocation resolves a linear slot index to a (sector, byte offset)
// pair, walking the cluster chain as needed.
func (d *Directory) slotLocation(linear int) (sector int64, offset int, err error) {
	cls, err := d.clusters()
	if err != nil {
		return 0, 0, err
	}
	perCluster := d.entriesPerCluster()
	clusterIdx := linear / perCluster
	if clusterIdx >= len(cls) {
		return 0, 0, ErrCorrupt
	}
	within := linear % perCluster
	perSector := d.entriesPerSector()
	sectorInCluster := within / perSector
	offset = (within % perSector) * DirEntrySize
	sector = d.v.SectorOf(cls[clusterIdx]) + int64(sectorInCluster)
	return sector, offset, nil
}

func (d *Directory) readRaw(linear int) ([DirEntrySize]byte, error) {
	var raw [DirEntrySize]byte
	sector, offset, err := d.slotLocation(linear)
	if err != nil {
		return raw, err
	}
	h, err := d.v.cache.Get(sector)
	if err != nil {
		return raw, err
	}
	defer h.Release()
	h.View(func(b []byte) { copy(raw[:], b[offset:offset+DirEntrySize]) })
	return raw, nil
}

func (d *Directory) writeRaw(linear int, encode func(b []byte)) error {
	sector, offset, err := d.slotLocation(linear)
	if err != nil {
		return err
	}
	h, err := d.v.cache.Get(sector)
	if err != nil {
		return err
	}
	defer h.Release()
	h.Update(func(b []byte) { encode(b[offset : offset+DirEntrySize]) })
	return nil
}

func slotStatus(raw [DirEntrySize]byte) SlotStatus {
	switch raw[0] {
	case nameTailFreeMark:
		return StatusTailFree
	case nameFreeMark:
		return StatusFree
	default:
		return StatusOccupied
	}
}

func isLongRaw(raw [DirEntrySize]byte) bool { return raw[offShortAttr] == AttrLongName }

// foundEntry is a discovered directory entry: its short record plus the
// slot range ([SlotStart, SlotStart+SlotCount)) it and its long-name
// prefix occupy.
type foundEntry struct {
	Name      string
	Short     ShortEntry
	SlotStart int
	SlotCount int
}

// totalSlots returns the number of slots across the whole chain.
func (d *Directory) totalSlots() (int, error) {
	cls, err := d.clusters()
	if err != nil {
		return 0, err
	}
	return len(cls) * d.entriesPerCluster(), nil
}

// scan walks every slot in order, invoking visit for each fully-resolved
// entry (short entry plus its preceding long-name chain, if any). visit
// returns stop=true to end the walk early. scan stops at the first
// TailFree (0x00) slot, per spec.md §4.5.2; Free (0xE5) holes are skipped
// and the walk continues past them.
func (d *Directory) scan(visit func(fe foundEntry) (stop bool, err error)) error {
	total, err := d.totalSlots()
	if err != nil {
		return err
	}
	var pending []LongEntry // encountered in descending-Ord (on-disk) order
	pendingStart := -1
	for i := 0; i < total; i++ {
		raw, err := d.readRaw(i)
		if err != nil {
			return err
		}
		switch slotStatus(raw) {
		case StatusTailFree:
			return nil
		case StatusFree:
			pending = pending[:0]
			pendingStart = -1
			continue
		}
		if isLongRaw(raw) {
			le := decodeLong(raw[:])
			if pendingStart == -1 {
				pendingStart = i
			}
			pending = append(pending, le)
			continue
		}
		short := decodeShort(raw[:])
		fe := foundEntry{Short: short, SlotCount: 1, SlotStart: i}
		if len(pending) > 0 && pending[len(pending)-1].Chksum == Checksum(short.Name) {
			asc := make([]LongEntry, len(pending))
			for k, le := range pending {
				asc[len(pending)-1-k] = le
			}
			fe.Name = EntriesToName(asc)
			fe.SlotStart = pendingStart
			fe.SlotCount = len(pending) + 1
		} else {
			fe.Name = shortNameToString(short.Name)
		}
		pending = pending[:0]
		pendingStart = -1
		stop, err := visit(fe)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
	return nil
}

func shortNameToString(raw [11]byte) string {
	base := trimTrailingSpace(raw[:8])
	ext := trimTrailingSpace(raw[8:11])
	if ext == "" {
		return base
	}
	return base + "." + ext
}

func trimTrailingSpace(b []byte) string {
	n := len(b)
	for n > 0 && b[n-1] == ' ' {
		n--
	}
	return string(b[:n])
}

// Find looks up name: the reconstructed long name for entries that carry
// one, otherwise the literal short name. Comparison is case-sensitive.
func (d *Directory) Find(name string) (foundEntry, bool, error) {
	var result foundEntry
	found := false
	err := d.scan(func(fe foundEntry) (bool, error) {
		if fe.Name == name {
			result, found = fe, true
			return true, nil
		}
		return false, nil
	})
	return result, found, err
}

// List returns every entry in the directory, in on-disk order.
func (d *Directory) List() ([]foundEntry, error) {
	var out []foundEntry
	err := d.scan(func(fe foundEntry) (bool, error) {
		out = append(out, fe)
		return false, nil
	})
	return out, err
}

func (d *Directory) shortNameTaken(short [11]byte) (bool, error) {
	taken := false
	err := d.scan(func(fe foundEntry) (bool, error) {
		if fe.Short.Name == short {
			taken = true
			return true, nil
		}
		return false, nil
	})
	return taken, err
}

// uniqueShortName derives an 8.3 short name for longName that does not
// collide with any entry already present, trying the plain 8.3 name first
// when the name fits 8.3 without truncation, then numeric-tail suffixes ~1
// through ~9 (ErrExists if all are taken), mirroring
// _examples/soypat-fat/fat.go's register().
func (d *Directory) uniqueShortName(longName string) ([11]byte, error) {
	base, ext := splitExt(longName)
	plain := GenerateShortName(longName, 0)
	if len(sanitizeShort(base)) <= 8 && len(sanitizeShort(ext)) <= 3 {
		taken, err := d.shortNameTaken(plain)
		if err != nil {
			return [11]byte{}, err
		}
		if !taken {
			return plain, nil
		}
	}
	for n := 1; n <= 9; n++ {
		cand := GenerateShortName(longName, n)
		taken, err := d.shortNameTaken(cand)
		if err != nil {
			return [11]byte{}, err
		}
		if !taken {
			return cand, nil
		}
	}
	return [11]byte{}, ErrExists
}

// reserveRun finds or creates a contiguous run of `need` free slots,
// returning the linear index of its first slot. It tries, in order: an
// existing Free (0xE5) run of sufficient length; the TailFree extension at
// the end of the chain; growing the chain with freshly allocated,
// zeroed clusters (spec.md §4.5.3).
func (d *Directory) reserveRun(need int) (int, error) {
	total, err := d.totalSlots()
	if err != nil {
		return 0, err
	}
	runStart, runLen := -1, 0
	tailFreeAt := -1
	for i := 0; i < total; i++ {
		raw, err := d.readRaw(i)
		if err != nil {
			return 0, err
		}
		switch slotStatus(raw) {
		case StatusFree:
			if runStart == -1 {
				runStart = i
			}
			runLen++
			if runLen >= need {
				return runStart, nil
			}
		case StatusTailFree:
			tailFreeAt = i
		default:
			runStart, runLen = -1, 0
		}
		if tailFreeAt != -1 {
			break
		}
	}
	if tailFreeAt == -1 {
		tailFreeAt = total
	}
	available := total - tailFreeAt
	for available < need {
		last, err := d.v.table.Last(d.first)
		if err != nil {
			return 0, err
		}
		next, err := d.v.table.AppendCluster(last)
		if err != nil {
			return 0, err
		}
		if err := d.v.zeroCluster(next); err != nil {
			return 0, err
		}
		available += d.entriesPerCluster()
		total += d.entriesPerCluster()
	}
	return tailFreeAt, nil
}

// relativeShortName returns the fixed 11-byte short name FAT uses for "."
// and "..": the dots followed by space padding, never run through the
// general short-name canonicalization (there is no long-entry chain for
// these two names either).
func relativeShortName(name string) ([11]byte, bool) {
	var out [11]byte
	for i := range out {
		out[i] = ' '
	}
	switch name {
	case ".":
		out[0] = '.'
		return out, true
	case "..":
		out[0], out[1] = '.', '.'
		return out, true
	}
	return out, false
}

// Create reserves space for name and writes its long-entry chain plus
// short entry, returning the short entry and the linear slot index of the
// SHORT record (callers hold onto this to update size/cluster in place).
func (d *Directory) Create(name string, attr uint8, firstCluster ClusterID, size uint32) (ShortEntry, int, error) {
	if _, found, err := d.Find(name); err != nil {
		return ShortEntry{}, 0, err
	} else if found {
		return ShortEntry{}, 0, ErrExists
	}

	if relName, ok := relativeShortName(name); ok {
		short := ShortEntry{Name: relName, Attr: attr}
		short.SetCluster(firstCluster)
		short.FileSize = size
		start, err := d.reserveRun(1)
		if err != nil {
			return ShortEntry{}, 0, err
		}
		if err := d.writeRaw(start, encodeShort(short)); err != nil {
			return ShortEntry{}, 0, err
		}
		return short, start, nil
	}

	shortName, err := d.uniqueShortName(name)
	if err != nil {
		return ShortEntry{}, 0, err
	}
	short, longs := NameToEntries(name, shortName)
	short.Attr = attr
	short.SetCluster(firstCluster)
	short.FileSize = size

	need := len(longs) + 1
	start, err := d.reserveRun(need)
	if err != nil {
		return ShortEntry{}, 0, err
	}
	idx := start
	for k := len(longs) - 1; k >= 0; k-- {
		if err := d.writeRaw(idx, encodeLong(longs[k])); err != nil {
			return ShortEntry{}, 0, err
		}
		idx++
	}
	if err := d.writeRaw(idx, encodeShort(short)); err != nil {
		return ShortEntry{}, 0, err
	}
	return short, idx, nil
}

// WriteShort rewrites the short entry at slot shortSlot in place, used to
// persist size/first-cluster updates after a write (spec.md inode.rs
// pattern: first write allocates a cluster and patches the entry).
func (d *Directory) WriteShort(shortSlot int, short ShortEntry) error {
	return d.writeRaw(shortSlot, encodeShort(short))
}

// Delete removes the entry occupying [slotStart, slotStart+slotCount),
// applying the fill rule of spec.md §4.5.4: if the slot immediately after
// the range is TailFree (or the range reaches the end of the chain), the
// whole range becomes TailFree and deletion coalesces backward over any
// run of Free holes, stopping at an Occupied or relative ("." / "..")
// entry. Otherwise the range is simply marked Free.
func (d *Directory) Delete(slotStart, slotCount int) error {
	total, err := d.totalSlots()
	if err != nil {
		return err
	}
	nextIsTailFree := true
	if slotStart+slotCount < total {
		raw, err := d.readRaw(slotStart + slotCount)
		if err != nil {
			return err
		}
		nextIsTailFree = slotStatus(raw) == StatusTailFree
	}
	if !nextIsTailFree {
		for i := slotStart; i < slotStart+slotCount; i++ {
			if err := d.markFree(i); err != nil {
				return err
			}
		}
		return nil
	}
	for i := slotStart; i < slotStart+slotCount; i++ {
		if err := d.markTailFree(i); err != nil {
			return err
		}
	}
	for i := slotStart - 1; i >= 0; i-- {
		raw, err := d.readRaw(i)
		if err != nil {
			return err
		}
		if slotStatus(raw) != StatusFree {
			// Occupied (including "." / ".." relative entries) stops the
			// backward coalescing scan; only Free holes convert.
			break
		}
		if err := d.markTailFree(i); err != nil {
			return err
		}
	}
	return nil
}

func (d *Directory) markFree(linear int) error {
	return d.writeRaw(linear, func(b []byte) {
		for i := range b {
			b[i] = 0
		}
		b[0] = nameFreeMark
	})
}

func (d *Directory) markTailFree(linear int) error {
	return d.writeRaw(linear, func(b []byte) {
		for i := range b {
			b[i] = 0
		}
	})
}
