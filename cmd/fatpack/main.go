// Command fatpack builds a FAT32 image from a source/target directory
// pair, the host-side packer spec.md §6.3 describes.
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
	"github.com/soypat/blockfs/fat32"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatpack:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		source       string
		target       string
		outDir       string
		gzipPayloads bool
		logFile      string
		verbose      bool
	)
	cmd := &cobra.Command{
		Use:   "fatpack",
		Short: "Pack a directory of payload files into a FAT32 image",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(logFile, verbose)
			return pack(source, target, outDir, gzipPayloads, log)
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "source directory (filenames name the packed entries)")
	cmd.Flags().StringVar(&target, "target", "", "target directory (payload file contents)")
	cmd.Flags().StringVar(&outDir, "out-dir", "", "directory to write fs.img into")
	cmd.Flags().BoolVar(&gzipPayloads, "gzip-payloads", false, "gzip-compress payloads before storing them in the image")
	cmd.Flags().StringVar(&logFile, "log-file", "", "write logs to this file (rotated) instead of stderr")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "enable debug logging")
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

func pack(source, target, outDir string, gzipPayloads bool, log *slog.Logger) error {
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

	const bytesPerSector = 512
	// Generous headroom past the documented FAT32 minimum volume size so
	// chooseSectorsPerCluster never rejects a packed image for being too
	// small.
	minSectors := int64(70_000)
	dataSectors := (totalBytes + bytesPerSector - 1) / bytesPerSector
	totalSectors := minSectors + dataSectors*2

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create out-dir: %w", err)
	}
	imgPath := filepath.Join(outDir, "fs.img")
	dev, err := blockfs.OpenFileDevice(imgPath, bytesPerSector, totalSectors, log)
	if err != nil {
		return fmt.Errorf("open image: %w", err)
	}
	defer dev.Close()

	v, err := fat32.Format(dev, uint32(totalSectors), fat32.FormatOptions{}, log)
	if err != nil {
		return fmt.Errorf("format fat32: %w", err)
	}
	root := fat32.RootInode(v)

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
	if err := v.SyncAll(); err != nil {
		return fmt.Errorf("sync image: %w", err)
	}
	log.Info("wrote image", "path", imgPath, "sectors", totalSectors)
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
