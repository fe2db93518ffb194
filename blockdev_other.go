//go:build !linux && !darwin

package blockfs

import "os"

func syncBlock(f *os.File) error {
	return f.Sync()
}
