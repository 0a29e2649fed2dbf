// Package archive streams recordings out as tar.zst bundles.
package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// CompressionLevel selects the zstd encoder speed/ratio tradeoff.
type CompressionLevel string

const (
	LevelFastest CompressionLevel = "fastest"
	LevelDefault CompressionLevel = "default"
	LevelBetter  CompressionLevel = "better"
	LevelBest    CompressionLevel = "best"
)

func (l CompressionLevel) toZstdLevel() zstd.EncoderLevel {
	switch l {
	case LevelFastest:
		return zstd.SpeedFastest
	case LevelBetter:
		return zstd.SpeedBetterCompression
	case LevelBest:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedDefault
	}
}

// WriteBundle streams a tar.zst archive of the given files to w. Entries are
// stored flat under their base names, so a bundle of a recording and its
// segments extracts into a single directory. The inputs are never modified.
// Audio files are already compressed, so the default level is plenty.
func WriteBundle(w io.Writer, paths []string, level CompressionLevel) error {
	zw, err := zstd.NewWriter(w,
		zstd.WithEncoderLevel(level.toZstdLevel()),
		zstd.WithEncoderConcurrency(1), // synchronous for predictable streaming
	)
	if err != nil {
		return fmt.Errorf("create zstd encoder: %w", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	seen := make(map[string]bool)
	for _, path := range paths {
		name := filepath.Base(path)
		if seen[name] {
			return fmt.Errorf("duplicate entry name %q", name)
		}
		seen[name] = true

		if err := addFile(tw, path, name); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar writer: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zstd writer: %w", err)
	}
	return nil
}

func addFile(tw *tar.Writer, path, name string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s: not a regular file", path)
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("header for %s: %w", path, err)
	}
	header.Name = name

	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write header for %s: %w", path, err)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("copy %s: %w", path, err)
	}
	return nil
}

// ReadBundle extracts a tar.zst bundle into destDir. Only regular file
// entries with flat names are accepted; anything that would land outside
// destDir is rejected.
func ReadBundle(r io.Reader, destDir string) error {
	zr, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return fmt.Errorf("create zstd decoder: %w", err)
	}
	defer zr.Close()

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("create dest dir: %w", err)
	}

	tr := tar.NewReader(zr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar header: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		destPath := filepath.Join(destDir, filepath.Base(header.Name))
		if filepath.Dir(filepath.Clean(destPath)) != filepath.Clean(destDir) {
			return fmt.Errorf("illegal entry path: %s", header.Name)
		}

		f, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode))
		if err != nil {
			return fmt.Errorf("create %s: %w", destPath, err)
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return fmt.Errorf("extract %s: %w", destPath, err)
		}
		f.Close()
	}
	return nil
}
