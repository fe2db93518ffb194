// Command easyfs-pack builds an EasyFS image from a source/target
// directory pair, the host-side packer spec.md §6.3 describes: one
// top-level file per source-directory entry, named after the basename
// before its first '.', with payload bytes read from the matching entry
// in the target directory.
package main

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/soypat/blockfs"
	"github.com/soypat/blockfs/easyfs"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "easyfs-pack:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		source        string
		target        string
		outDir        string
		gzipPayloads  bool
		logFile       string
		verbose       bool
		inodeBitmapSz uint32
	)
	cmd := &cobra.Command{
		Use:   "easyfs-pack",
		Short: "Pack a directory of payload files into an EasyFS image",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(logFile, verbose)
			return pack(source, target, outDir, gzipPayloads, inodeBitmapSz, log)
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "source directory (filenames name the packed entries)")
	cmd.Flags().StringVar(&target, "target", "", "target directory (payload file contents)")
	cmd.Flags().StringVar(&outDir, "out-dir", "", "directory to write fs.img into")
	cmd.Flags().BoolVar(&gzipPayloads, "gzip-payloads", false, "gzip-compress payloads before storing them in the image")
	cmd.Flags().StringVar(&logFile, "log-file", "", "write logs to this file (rotated) instead of stderr")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "enable debug logging")
	cmd.Flags().Uint32Var(&inodeBitmapSz, "inode-bitmap-blocks", 1, "blocks reserved for the inode bitmap")
	cmd.MarkFlagRequired("source")
	cmd.MarkFlagRequired("target")
	cmd.MarkFlagRequired("out-dir")
	return cmd
}

func newLogger(logFile string, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	var w io.Writer = os.Stderr
	if logFile != "" {
		w = &lumberjack.Logger{Filename: logFile, MaxSize: 10, MaxBackups: 3}
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func pack(source, target, outDir string, gzipPayloads bool, inodeBitmapBlocks uint32, log *slog.Logger) error {
	entries, err := os.ReadDir(source)
	if err != nil {
		return fmt.Errorf("read source dir: %w", err)
	}

	type payload struct {
		name string
		data []byte
	}
	var payloads []payload
	var totalBytes int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := baseBeforeFirstDot(e.Name())
		data, err := os.ReadFile(filepath.Join(target, e.Name()))
		if err != nil {
			return fmt.Errorf("read payload for %q: %w", name, err)
		}
		if gzipPayloads {
			data, err = gzipCompress(data)
			if err != nil {
				return fmt.Errorf("gzip payload for %q: %w", name, err)
			}
		}
		payloads = append(payloads, payload{name: name, data: data})
		totalBytes += int64(len(data))
		log.Debug("queued payload", "name", name, "bytes", len(data))
	}

	const blockSize = easyfs.BlockSize
	// Generous headroom: data blocks for every payload plus room for
	// inode/bitmap bookkeeping, rounded well past the tight minimum.
	dataBlocks := (totalBytes + blockSize - 1) / blockSize
	inodeAreaBlocks := (inodeBitmapBlocks*blockSize*8*easyfs.DiskInodeSize + blockSize - 1) / blockSize
	totalBlocks := uint32(dataBlocks)*2 + 256 + 1 + inodeBitmapBlocks + inodeAreaBlocks

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create out-dir: %w", err)
	}
	imgPath := filepath.Join(outDir, "fs.img")
	dev, err := blockfs.OpenFileDevice(imgPath, blockSize, int64(totalBlocks), log)
	if err != nil {
		return fmt.Errorf("open image: %w", err)
	}
	defer dev.Close()

	fs, err := easyfs.Format(dev, totalBlocks, inodeBitmapBlocks, log)
	if err != nil {
		return fmt.Errorf("format easyfs: %w", err)
	}
	root := fs.RootInode()

	for _, p := range payloads {
		file, err := root.Create(p.name)
		if err != nil {
			return fmt.Errorf("create %q: %w", p.name, err)
		}
		if _, err := file.WriteAt(0, p.data); err != nil {
			return fmt.Errorf("write %q: %w", p.name, err)
		}
		log.Info("packed file", "name", p.name, "bytes", len(p.data))
	}
	log.Info("wrote image", "path", imgPath, "blocks", totalBlocks)
	return nil
}

func baseBeforeFirstDot(name string) string {
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[:i]
	}
	return name
}

func gzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
