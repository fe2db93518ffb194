package easyfs

import (
	"testing"

	"github.com/soypat/blockfs"
	"github.com/stretchr/testify/require"
)

func newVolume(t *testing.T, totalBlocks uint32) *EasyFileSystem {
	t.Helper()
	dev := blockfs.NewMemDevice(BlockSize, int64(totalBlocks))
	fs, err := Format(dev, totalBlocks, 1, nil)
	require.NoError(t, err)
	return fs
}

// S1: basic create/write/read/stat round trip.
func TestS1BasicFile(t *testing.T) {
	fs := newVolume(t, 16384)
	root := fs.RootInode()

	child, err := root.Create("filea")
	require.NoError(t, err)

	var payload [1024]byte
	for i := range payload {
		payload[i] = byte(i)
	}
	n, err := child.WriteAt(0, payload[:])
	require.NoError(t, err)
	require.Equal(t, 1024, n)

	got := make([]byte, 1024)
	n, err = child.ReadAt(0, got)
	require.NoError(t, err)
	require.Equal(t, 1024, n)
	require.Equal(t, payload[:], got)

	st, err := child.Stat()
	require.NoError(t, err)
	require.Equal(t, StatKindFile, st.Kind)
	require.EqualValues(t, 1, st.Links)
	require.EqualValues(t, 1, st.InodeID)
}

// S2: growth across indirect tiers.
func TestS2Growth(t *testing.T) {
	require.EqualValues(t, 2065, CountTotalBlocks(1<<20))

	fs := newVolume(t, 1<<20/BlockSize+4096)
	root := fs.RootInode()
	big, err := root.Create("big")
	require.NoError(t, err)

	buf := make([]byte, 1<<20)
	_, err = big.WriteAt(0, buf)
	require.NoError(t, err)

	d, err := big.read()
	require.NoError(t, err)
	require.EqualValues(t, 1<<20, d.Size)

	ids, err := Clear(fs.Cache(), &d)
	require.NoError(t, err)
	require.Len(t, ids, 2065)

	seen := make(map[uint32]bool, len(ids))
	for _, id := range ids {
		require.False(t, seen[id], "clear returned duplicate block id")
		seen[id] = true
	}
}

// S3: link/unlink semantics.
func TestS3LinkUnlink(t *testing.T) {
	fs := newVolume(t, 16384)
	root := fs.RootInode()

	a, err := root.Create("a")
	require.NoError(t, err)
	_, err = a.WriteAt(0, []byte("hello world, a hundred bytes of padding follow to make this write realistic"))
	require.NoError(t, err)

	require.NoError(t, root.Link("a", "b"))

	require.NoError(t, root.Unlink("a"))
	_, err = root.Find("a")
	require.ErrorIs(t, err, ErrNotFound)

	b, err := root.Find("b")
	require.NoError(t, err)
	st, err := b.Stat()
	require.NoError(t, err)
	require.EqualValues(t, 1, st.Links)

	require.NoError(t, root.Unlink("b"))
	_, err = root.Find("b")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMkdirAndLs(t *testing.T) {
	fs := newVolume(t, 16384)
	root := fs.RootInode()

	_, err := root.Mkdir("usr")
	require.NoError(t, err)
	names, err := root.Ls()
	require.NoError(t, err)
	require.Contains(t, names, "usr")
}

func TestBitmapRoundTrip(t *testing.T) {
	fs := newVolume(t, 4096)
	id, err := fs.AllocInode()
	require.NoError(t, err)
	require.NoError(t, fs.inodeBitmap.Dealloc(id))
	id2, ok, err := fs.inodeBitmap.Alloc()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id, id2)
}
