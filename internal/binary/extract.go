package binary

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/bzip2"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	apperrors "github.com/sevendeuce/monerodctl/internal/errors"
	log "github.com/sirupsen/logrus"
)

type archiveFormat string

const (
	formatBzip2   archiveFormat = "bzip2"
	formatGzip    archiveFormat = "gzip"
	formatZstd    archiveFormat = "zstd"
	formatUnknown archiveFormat = "unknown"
)

var magics = []struct {
	prefix []byte
	format archiveFormat
}{
	{[]byte("BZh"), formatBzip2},
	{[]byte{0x1f, 0x8b}, formatGzip},
	{[]byte{0x28, 0xb5, 0x2f, 0xfd}, formatZstd},
}

func sniffFormat(head []byte) archiveFormat {
	for _, m := range magics {
		if bytes.HasPrefix(head, m.prefix) {
			return m.format
		}
	}
	return formatUnknown
}

// decompress wraps r in the decoder matching its magic bytes.
func decompress(r io.Reader) (io.ReadCloser, archiveFormat, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(4)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, formatUnknown, err
	}
	format := sniffFormat(head)
	switch format {
	case formatBzip2:
		return io.NopCloser(bzip2.NewReader(br)), format, nil
	case formatGzip:
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, format, err
		}
		return zr, format, nil
	case formatZstd:
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, format, err
		}
		return zstdCloser{zr}, format, nil
	}
	return nil, format, fmt.Errorf("unrecognized archive format")
}

type zstdCloser struct{ *zstd.Decoder }

func (z zstdCloser) Close() error {
	z.Decoder.Close()
	return nil
}

// extractArchive unpacks a compressed tarball into dir. Entries escaping dir are rejected.
func extractArchive(archivePath, dir string) (archiveFormat, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return formatUnknown, err
	}
	defer f.Close()

	rc, format, err := decompress(f)
	if err != nil {
		return format, err
	}
	defer rc.Close()

	return format, untar(rc, dir)
}

func untar(r io.Reader, dir string) error {
	clean := filepath.Clean(dir)
	root := clean + string(os.PathSeparator)
	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}

		target := filepath.Join(dir, header.Name)
		if target != clean && !strings.HasPrefix(target, root) {
			return fmt.Errorf("invalid file path in archive: %s", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode)&0o777|0o600)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		}
	}
}

// extractWithShell is the fallback for when the in-process decoder fails.
func extractWithShell(ctx context.Context, archivePath, dir string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", `bzcat "$1" | tar -xf - -C "$2"`, "sh", archivePath, dir)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("shell extraction: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// findBinary walks dir depth-first and returns the first regular file called name.
func findBinary(dir, name string) (string, error) {
	var found string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == name && d.Type().IsRegular() {
			found = p
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", fmt.Errorf("%s not found in archive", name)
	}
	return found, nil
}

// installFile copies src over dst via a temp file and rename.
func installFile(src, dst string) error {
	tmp := dst + ".tmp"
	if err := copyFile(src, tmp, 0o755); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := makeExecutable(tmp); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// extractAndInstall unpacks archivePath into a scratch dir and installs the
// monerod it contains at BinaryPath.
func (m *Manager) extractAndInstall(ctx context.Context, archivePath string) error {
	if err := os.MkdirAll(m.opts.CacheDir, 0o755); err != nil {
		return apperrors.ExtractionFailed(err)
	}
	scratch, err := os.MkdirTemp(m.opts.CacheDir, "extract-")
	if err != nil {
		return apperrors.ExtractionFailed(err)
	}
	defer func() { _ = os.RemoveAll(scratch) }()

	format, err := extractArchive(archivePath, scratch)
	if err != nil {
		log.WithError(err).WithField("format", format).Warn("in-process extraction failed, trying shell")
		if format != formatBzip2 && format != formatUnknown {
			return apperrors.ExtractionFailed(err)
		}
		if shErr := extractWithShell(ctx, archivePath, scratch); shErr != nil {
			return apperrors.ExtractionFailed(errors.Join(err, shErr))
		}
	}

	src, err := findBinary(scratch, BinaryName)
	if err != nil {
		return apperrors.ExtractionFailed(err)
	}
	if err := os.MkdirAll(m.opts.BinDir, 0o755); err != nil {
		return apperrors.ExtractionFailed(err)
	}
	if err := installFile(src, m.BinaryPath()); err != nil {
		return apperrors.ExtractionFailed(err)
	}
	return nil
}
