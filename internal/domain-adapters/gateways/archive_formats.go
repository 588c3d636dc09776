package gateways

import (
	"archive/tar"
	"compress/bzip2"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"

	"github.com/Opentrons/opentrons-python-packages/internal/domain/entities"
)

// maxZipLinkTarget bounds how much of a zip symlink entry is read as its target
const maxZipLinkTarget = 4096

// archiveFormat reads one archive in two passes: a listing pass that
// touches nothing on disk, and a content pass for the selected files.
type archiveFormat interface {
	members() ([]*archiveMember, error)
	contents(want map[int]*archiveMember, fn func(m *archiveMember, r io.Reader) error) error
	close() error
}

// isTarFamily dispatches on the file name only
func isTarFamily(archivePath string) bool {
	return strings.Contains(filepath.Base(archivePath), ".tar")
}

func openArchive(archivePath string) (archiveFormat, error) {
	if isTarFamily(archivePath) {
		return &tarArchive{path: archivePath}, nil
	}
	// Insecure member names come back as an error alongside a usable
	// reader; the extraction plan rejects those names itself.
	zr, err := zip.OpenReader(archivePath)
	if zr == nil {
		return nil, fmt.Errorf("failed to open zip archive %s: %w", archivePath, err)
	}
	return &zipArchive{r: zr}, nil
}

type tarArchive struct {
	path string
}

// stream opens the archive and layers the decompressor chosen by suffix
func (a *tarArchive) stream() (*tar.Reader, func(), error) {
	//nolint:gosec // G304: path is the archive the fetcher just wrote
	f, err := os.Open(a.path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open tar archive: %w", err)
	}

	var r io.Reader = f
	closers := []func(){func() { _ = f.Close() }}
	name := strings.ToLower(a.path)
	switch {
	case strings.HasSuffix(name, ".gz") || strings.HasSuffix(name, ".tgz"):
		gz, err := pgzip.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, nil, fmt.Errorf("failed to create gzip reader for %s: %w", a.path, err)
		}
		closers = append(closers, func() { _ = gz.Close() })
		r = gz
	case strings.HasSuffix(name, ".bz2"):
		r = bzip2.NewReader(f)
	case strings.HasSuffix(name, ".xz"):
		xzr, err := xz.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, nil, fmt.Errorf("failed to create xz reader for %s: %w", a.path, err)
		}
		r = xzr
	case strings.HasSuffix(name, ".zst"):
		zst, err := zstd.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, nil, fmt.Errorf("failed to create zstd reader for %s: %w", a.path, err)
		}
		closers = append(closers, zst.Close)
		r = zst
	}

	done := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	return tar.NewReader(r), done, nil
}

func (a *tarArchive) members() ([]*archiveMember, error) {
	tr, done, err := a.stream()
	if err != nil {
		return nil, err
	}
	defer done()

	var out []*archiveMember
	for index := 0; ; index++ {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading tar header in %s: %w", a.path, err)
		}

		m := &archiveMember{index: index, name: hdr.Name, mode: fs.FileMode(hdr.Mode).Perm(), size: hdr.Size}
		switch hdr.Typeflag {
		case tar.TypeXGlobalHeader:
			// pax metadata for the whole archive, e.g. the commit id git archive records
			continue
		case tar.TypeReg, tar.TypeRegA: //nolint:staticcheck // TypeRegA still appears in old archives
			m.kind = kindFile
		case tar.TypeDir:
			m.kind = kindDir
		case tar.TypeSymlink:
			m.kind = kindSymlink
			m.linkname = hdr.Linkname
		case tar.TypeLink:
			m.kind = kindHardlink
			m.linkname = hdr.Linkname
		default:
			return nil, &entities.ArchiveMemberError{
				Member: hdr.Name,
				Kind:   entities.ErrUnsupportedMemberType,
				Detail: fmt.Sprintf("tar type %q", hdr.Typeflag),
			}
		}
		out = append(out, m)
	}
	return out, nil
}

func (a *tarArchive) contents(want map[int]*archiveMember, fn func(*archiveMember, io.Reader) error) error {
	tr, done, err := a.stream()
	if err != nil {
		return err
	}
	defer done()

	remaining := len(want)
	for index := 0; remaining > 0; index++ {
		if _, err := tr.Next(); err != nil {
			if err == io.EOF {
				return fmt.Errorf("archive %s changed while extracting", a.path)
			}
			return fmt.Errorf("error reading tar header in %s: %w", a.path, err)
		}
		m, ok := want[index]
		if !ok {
			continue
		}
		if err := fn(m, tr); err != nil {
			return err
		}
		remaining--
	}
	return nil
}

func (a *tarArchive) close() error { return nil }

type zipArchive struct {
	r *zip.ReadCloser
}

func (a *zipArchive) members() ([]*archiveMember, error) {
	out := make([]*archiveMember, 0, len(a.r.File))
	for index, f := range a.r.File {
		mode := f.Mode()
		m := &archiveMember{index: index, name: f.Name, mode: mode.Perm(), size: int64(f.UncompressedSize64)} //nolint:gosec // G115: sizes are capped when copied
		switch {
		case mode.IsDir() || strings.HasSuffix(f.Name, "/"):
			m.kind = kindDir
		case mode&fs.ModeSymlink != 0:
			target, err := readZipLink(f)
			if err != nil {
				return nil, err
			}
			m.kind = kindSymlink
			m.linkname = target
		case mode.IsRegular():
			m.kind = kindFile
		default:
			return nil, &entities.ArchiveMemberError{
				Member: f.Name,
				Kind:   entities.ErrUnsupportedMemberType,
				Detail: fmt.Sprintf("zip mode %v", mode),
			}
		}
		out = append(out, m)
	}
	return out, nil
}

func readZipLink(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", fmt.Errorf("failed to read link %s: %w", f.Name, err)
	}
	//nolint:errcheck // Defer close on read-only entry
	defer rc.Close()

	target, err := io.ReadAll(io.LimitReader(rc, maxZipLinkTarget))
	if err != nil {
		return "", fmt.Errorf("failed to read link %s: %w", f.Name, err)
	}
	return string(target), nil
}

func (a *zipArchive) contents(want map[int]*archiveMember, fn func(*archiveMember, io.Reader) error) error {
	for index, f := range a.r.File {
		m, ok := want[index]
		if !ok {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", f.Name, err)
		}
		err = fn(m, rc)
		_ = rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func (a *zipArchive) close() error { return a.r.Close() }
