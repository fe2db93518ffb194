//go:build linux || darwin

package blockfs

import (
	"os"

	"golang.org/x/sys/unix"
)

// syncBlock durably persists recent writes to f using fdatasync where
// available, avoiding the metadata-flush cost of a full fsync on every
// block write. Grounded on the same host-fsync discipline used by
// distr1/distri's squashfs packing path.
func syncBlock(f *os.File) error {
	err := unix.Fdatasync(int(f.Fd()))
	if err != nil {
		return f.Sync()
	}
	return nil
}
