package fat32_test

import (
	"math"
	"testing"

	"github.com/soypat/blockfs"
	"github.com/soypat/blockfs/fat32"
	"github.com/stretchr/testify/require"
)

func formatVolume(t *testing.T, sizeBytes int64) *fat32.Volume {
	t.Helper()
	const bps = 512
	dev := blockfs.NewMemDevice(bps, sizeBytes/bps)
	v, err := fat32.Format(dev, uint32(sizeBytes/bps), fat32.FormatOptions{}, nil)
	require.NoError(t, err)
	return v
}

// TestS4ShortPath mirrors spec scenario S4: nested mkdir then create_file,
// then find and ls from the root.
func TestS4ShortPath(t *testing.T) {
	v := formatVolume(t, 256<<20)
	root := fat32.RootInode(v)

	usr, err := root.Mkdir("usr")
	require.NoError(t, err)
	bin, err := usr.Mkdir("bin")
	require.NoError(t, err)
	hello, err := bin.Create("hello")
	require.NoError(t, err)

	payload := []byte("#!/bin/sh\necho hi\n")
	n, err := hello.WriteAt(0, payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	found, err := bin.Find("hello")
	require.NoError(t, err)
	require.False(t, found.IsDir())
	require.Equal(t, uint32(len(payload)), found.Stat().Size)

	names, err := root.Ls()
	require.NoError(t, err)
	require.Contains(t, names, "usr")
}

// TestS5LongName mirrors spec scenario S5: a long-name file occupies
// ceil(len/13) long entries plus its short entry, and after Unlink the name
// is no longer found.
func TestS5LongName(t *testing.T) {
	v := formatVolume(t, 64<<20)
	root := fat32.RootInode(v)

	name := "a_file_with_a_quite_long_name_exceeding_thirteen.txt"
	_, err := root.Create(name)
	require.NoError(t, err)

	fe, found, err := v.RootDirectory().Find(name)
	require.NoError(t, err)
	require.True(t, found)

	wantEntries := int(math.Ceil(float64(len(name)) / 13))
	require.Equal(t, wantEntries+1, fe.SlotCount)

	err = root.Unlink(name)
	require.NoError(t, err)

	_, found, err = v.RootDirectory().Find(name)
	require.NoError(t, err)
	require.False(t, found)
}

// TestS6CrossSectorLongName mirrors spec scenario S6: pad the root
// directory with short names (one long and one short slot each) until fewer
// free slots remain in the current sector than the next entry needs, then
// create a name needing six long entries (seven slots) whose chain
// straddles the sector boundary.
func TestS6CrossSectorLongName(t *testing.T) {
	v := formatVolume(t, 64<<20)
	root := fat32.RootInode(v)

	bps := v.BytesPerSector()
	slotsPerSector := bps / fat32.DirEntrySize
	padCount := slotsPerSector - 3
	for i := 0; i < padCount; i++ {
		_, err := root.Create(shortPadName(i))
		require.NoError(t, err)
	}

	longName := "cross_sector_boundary_name_needs_six_long_entries_to_hold_it_all.bin"
	_, err := root.Create(longName)
	require.NoError(t, err)

	found, err := root.Find(longName)
	require.NoError(t, err)
	require.False(t, found.IsDir())

	names, err := root.Ls()
	require.NoError(t, err)
	require.Contains(t, names, longName)
}

func shortPadName(i int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	return string(letters[i%len(letters)]) + string(letters[(i/len(letters))%len(letters)])
}

func TestChecksumRoundTrip(t *testing.T) {
	short := fat32.GenerateShortName("README.TXT", 0)
	sum1 := fat32.Checksum(short)
	sum2 := fat32.Checksum(short)
	require.Equal(t, sum1, sum2)

	_, longs := fat32.NameToEntries("README.TXT", short)
	for _, le := range longs {
		require.Equal(t, sum1, le.Chksum)
	}
	require.Equal(t, "README.TXT", fat32.EntriesToName(longs))
}

func TestRenameWithinSameDirectory(t *testing.T) {
	v := formatVolume(t, 64<<20)
	root := fat32.RootInode(v)

	f, err := root.Create("old.txt")
	require.NoError(t, err)
	_, err = f.WriteAt(0, []byte("data"))
	require.NoError(t, err)

	err = root.Rename("old.txt", root, "new.txt")
	require.NoError(t, err)

	_, err = root.Find("old.txt")
	require.ErrorIs(t, err, fat32.ErrNotFound)

	renamed, err := root.Find("new.txt")
	require.NoError(t, err)
	require.Equal(t, uint32(4), renamed.Stat().Size)
}

func TestRenameOverwritesExistingRegularFile(t *testing.T) {
	v := formatVolume(t, 64<<20)
	root := fat32.RootInode(v)

	src, err := root.Create("src.txt")
	require.NoError(t, err)
	_, err = src.WriteAt(0, []byte("aaaa"))
	require.NoError(t, err)

	dst, err := root.Create("dst.txt")
	require.NoError(t, err)
	_, err = dst.WriteAt(0, []byte("bb"))
	require.NoError(t, err)

	err = root.Rename("src.txt", root, "dst.txt")
	require.NoError(t, err)

	result, err := root.Find("dst.txt")
	require.NoError(t, err)
	require.Equal(t, uint32(4), result.Stat().Size)

	_, err = root.Find("src.txt")
	require.ErrorIs(t, err, fat32.ErrNotFound)
}

func TestMkdirRmdirRoundTrip(t *testing.T) {
	v := formatVolume(t, 64<<20)
	root := fat32.RootInode(v)

	_, err := root.Mkdir("empty")
	require.NoError(t, err)
	err = root.Rmdir("empty")
	require.NoError(t, err)

	_, err = root.Find("empty")
	require.ErrorIs(t, err, fat32.ErrNotFound)
}

func TestRmdirRejectsNonEmpty(t *testing.T) {
	v := formatVolume(t, 64<<20)
	root := fat32.RootInode(v)

	sub, err := root.Mkdir("full")
	require.NoError(t, err)
	_, err = sub.Create("file.txt")
	require.NoError(t, err)

	err = root.Rmdir("full")
	require.ErrorIs(t, err, fat32.ErrDirectoryNotEmpty)
}

func TestWriteAtGrowsAcrossClusters(t *testing.T) {
	v := formatVolume(t, 64<<20)
	root := fat32.RootInode(v)

	f, err := root.Create("big.bin")
	require.NoError(t, err)

	payload := make([]byte, v.BytesPerCluster()*3+17)
	for i := range payload {
		payload[i] = byte(i)
	}
	n, err := f.WriteAt(0, payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	readBack := make([]byte, len(payload))
	found, err := root.Find("big.bin")
	require.NoError(t, err)
	n, err = found.ReadAt(0, readBack)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, readBack)
}
