package gateways

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/Opentrons/opentrons-python-packages/internal/domain/entities"
)

// DefaultMaxFileSize caps each extracted file (decompression bomb guard)
const DefaultMaxFileSize int64 = 1 << 30

const maxLinkHops = 40

type memberKind int

const (
	kindFile memberKind = iota
	kindDir
	kindSymlink
	kindHardlink
)

// archiveMember is one entry of the archive being extracted
type archiveMember struct {
	index int
	// name is the path as stored in the archive
	name string
	// rel is the slash separated destination path once the subtree is stripped
	rel      string
	kind     memberKind
	linkname string
	mode     fs.FileMode
	size     int64
}

var (
	errEscapesRoot = errors.New("resolves outside the destination root")
	errLinkLoop    = errors.New("too many levels of symbolic links")
)

// ArchiveExtractor unpacks source archives without letting any member
// land outside the destination root. Every member is validated before the
// first byte is written; a single bad member rejects the whole archive.
type ArchiveExtractor struct {
	maxFileSize int64
}

// NewArchiveExtractor creates an extractor with DefaultMaxFileSize
func NewArchiveExtractor() *ArchiveExtractor {
	return &ArchiveExtractor{maxFileSize: DefaultMaxFileSize}
}

// WithMaxFileSize returns a copy of e with a different per-file cap
func (e *ArchiveExtractor) WithMaxFileSize(n int64) *ArchiveExtractor {
	return &ArchiveExtractor{maxFileSize: n}
}

// Extract unpacks archivePath into destRoot and returns the sorted paths of
// every file and link it created.
//
// subtree selects part of the archive: "." or "" means the single top-level
// directory if the archive has one, otherwise everything; any other value is
// a path prefix inside the archive, tried literally and then under the
// top-level directory. The selected prefix is stripped.
func (e *ArchiveExtractor) Extract(archivePath, destRoot, subtree string) ([]string, error) {
	format, err := openArchive(archivePath)
	if err != nil {
		return nil, err
	}
	//nolint:errcheck // Defer close on read-only archive
	defer format.close()

	members, err := format.members()
	if err != nil {
		return nil, err
	}
	plan, err := newExtractionPlan(members, subtree)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(archivePath), err)
	}

	absRoot, err := filepath.Abs(destRoot)
	if err != nil {
		return nil, fmt.Errorf("invalid destination %s: %w", destRoot, err)
	}
	if err := os.MkdirAll(absRoot, 0750); err != nil {
		return nil, fmt.Errorf("failed to create destination directory: %w", err)
	}
	root, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve destination directory: %w", err)
	}
	if err := plan.checkExisting(root); err != nil {
		return nil, err
	}

	if err := e.materialize(format, plan, root); err != nil {
		return nil, err
	}

	written := make([]string, 0, len(plan.files)+len(plan.hardlinks)+len(plan.symlinks))
	for _, group := range [][]*archiveMember{plan.files, plan.hardlinks, plan.symlinks} {
		for _, m := range group {
			written = append(written, filepath.Join(absRoot, filepath.FromSlash(m.rel)))
		}
	}
	slices.Sort(written)
	return slices.Compact(written), nil
}

// materialize writes directories, then file contents, then hard links, then
// symlinks. No link exists on disk while file contents are written.
// Grouping by type replaces a reverse sort of every member: only the links
// need ordering, and a global sort would let a symlink land before a file
// written underneath its name.
func (e *ArchiveExtractor) materialize(format archiveFormat, plan *extractionPlan, root string) error {
	for _, m := range plan.dirs {
		if err := ensureDir(root, m.rel); err != nil {
			return err
		}
	}

	want := make(map[int]*archiveMember, len(plan.files))
	for _, m := range plan.files {
		want[m.index] = m
	}
	if err := format.contents(want, func(m *archiveMember, r io.Reader) error {
		return e.writeFile(root, m, r)
	}); err != nil {
		return err
	}

	for _, m := range plan.hardlinks {
		if err := ensureDir(root, path.Dir(m.rel)); err != nil {
			return err
		}
		dst := filepath.Join(root, filepath.FromSlash(m.rel))
		if err := removeNonDir(dst); err != nil {
			return err
		}
		if err := os.Link(filepath.Join(root, filepath.FromSlash(m.linkname)), dst); err != nil {
			return fmt.Errorf("failed to create hard link %s: %w", m.name, err)
		}
	}

	links := slices.Clone(plan.symlinks)
	slices.SortFunc(links, func(a, b *archiveMember) int { return strings.Compare(b.rel, a.rel) })
	for _, m := range links {
		if err := ensureDir(root, path.Dir(m.rel)); err != nil {
			return err
		}
		dst := filepath.Join(root, filepath.FromSlash(m.rel))
		if err := removeNonDir(dst); err != nil {
			return err
		}
		if err := os.Symlink(m.linkname, dst); err != nil {
			return fmt.Errorf("failed to create symlink %s: %w", m.name, err)
		}
	}
	return nil
}

func (e *ArchiveExtractor) writeFile(root string, m *archiveMember, r io.Reader) error {
	if err := ensureDir(root, path.Dir(m.rel)); err != nil {
		return err
	}

	dst := filepath.Join(root, filepath.FromSlash(m.rel))
	perm := m.mode&0o755 | 0o600
	//nolint:gosec // G304: dst is validated against the destination root
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC|unix.O_NOFOLLOW, perm)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", m.name, err)
	}

	n, err := io.Copy(out, io.LimitReader(r, e.maxFileSize+1))
	if err == nil && n > e.maxFileSize {
		err = fmt.Errorf("exceeds the %d byte size limit", e.maxFileSize)
	}
	if err != nil {
		_ = out.Close()
		return fmt.Errorf("failed to write file %s: %w", m.name, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close file %s: %w", m.name, err)
	}
	return nil
}

// ensureDir creates root/rel one component at a time, refusing to pass
// through anything on disk that is not a real directory.
func ensureDir(root, rel string) error {
	if rel == "." || rel == "" {
		return nil
	}
	cur := root
	for _, c := range strings.Split(rel, "/") {
		cur = filepath.Join(cur, c)
		fi, err := os.Lstat(cur)
		switch {
		case os.IsNotExist(err):
			if err := os.Mkdir(cur, 0750); err != nil && !os.IsExist(err) {
				return fmt.Errorf("failed to create directory %s: %w", cur, err)
			}
		case err != nil:
			return fmt.Errorf("failed to inspect %s: %w", cur, err)
		case !fi.IsDir():
			return &entities.ArchiveMemberError{
				Member: rel,
				Kind:   entities.ErrPathTraversal,
				Detail: fmt.Sprintf("%s is not a directory", cur),
			}
		}
	}
	return nil
}

func removeNonDir(p string) error {
	fi, err := os.Lstat(p)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if fi.IsDir() {
		return fmt.Errorf("cannot replace directory %s with a link", p)
	}
	return os.Remove(p)
}

// extractionPlan is the validated, subtree-filtered member set
type extractionPlan struct {
	prefix    string
	dirs      []*archiveMember
	files     []*archiveMember
	hardlinks []*archiveMember
	symlinks  []*archiveMember
	// links maps destination paths of symlinks to their targets
	links map[string]string
}

func newExtractionPlan(members []*archiveMember, subtree string) (*extractionPlan, error) {
	for _, m := range members {
		if err := checkMemberName(m); err != nil {
			return nil, err
		}
	}

	prefix, err := selectSubtree(members, subtree)
	if err != nil {
		return nil, err
	}

	p := &extractionPlan{prefix: prefix, links: make(map[string]string)}
	kinds := make(map[string]memberKind)
	selected := 0
	for _, m := range members {
		rel, ok := p.strip(path.Clean(m.name))
		if !ok {
			continue
		}
		selected++
		if rel == "." {
			continue
		}
		if prev, seen := kinds[rel]; seen && prev != m.kind {
			return nil, memberError(m, entities.ErrPathTraversal, "conflicts with another member of a different type")
		}
		kinds[rel] = m.kind
		m.rel = rel
		switch m.kind {
		case kindDir:
			p.dirs = append(p.dirs, m)
		case kindFile:
			p.files = append(p.files, m)
		case kindHardlink:
			p.hardlinks = append(p.hardlinks, m)
		case kindSymlink:
			p.symlinks = append(p.symlinks, m)
			p.links[rel] = m.linkname
		}
	}
	if selected == 0 {
		return nil, fmt.Errorf("subtree %q not found in archive", subtree)
	}

	slices.SortFunc(p.dirs, func(a, b *archiveMember) int { return strings.Compare(a.rel, b.rel) })

	for _, group := range [][]*archiveMember{p.dirs, p.files, p.hardlinks, p.symlinks} {
		for _, m := range group {
			if err := p.checkMember(m, kinds); err != nil {
				return nil, err
			}
		}
	}
	return p, nil
}

// checkMemberName rejects names that leave the archive root on their own
func checkMemberName(m *archiveMember) error {
	if m.name == "" {
		return memberError(m, entities.ErrPathTraversal, "empty name")
	}
	if path.IsAbs(m.name) || filepath.IsAbs(m.name) {
		return memberError(m, entities.ErrPathTraversal, "absolute path")
	}
	if clean := path.Clean(m.name); clean == ".." || strings.HasPrefix(clean, "../") {
		return memberError(m, entities.ErrPathTraversal, errEscapesRoot.Error())
	}
	return nil
}

// checkMember applies the containment rules in destination coordinates
func (p *extractionPlan) checkMember(m *archiveMember, kinds map[string]memberKind) error {
	if dir := path.Dir(m.rel); dir != "." {
		resolved, err := p.resolve(dir)
		if err != nil {
			return memberError(m, entities.ErrPathTraversal, err.Error())
		}
		if resolved != dir {
			return memberError(m, entities.ErrPathTraversal, "nested under a symbolic link")
		}
	}

	switch m.kind {
	case kindSymlink:
		if m.linkname == "" {
			return memberError(m, entities.ErrPathTraversal, "empty link target")
		}
		if path.IsAbs(m.linkname) || filepath.IsAbs(m.linkname) {
			return memberError(m, entities.ErrPathTraversal, "absolute link target "+m.linkname)
		}
		if _, err := p.resolve(path.Dir(m.rel) + "/" + m.linkname); err != nil {
			return memberError(m, entities.ErrPathTraversal, fmt.Sprintf("link target %s %v", m.linkname, err))
		}
	case kindHardlink:
		target := path.Clean(m.linkname)
		if m.linkname == "" || path.IsAbs(m.linkname) || target == ".." || strings.HasPrefix(target, "../") {
			return memberError(m, entities.ErrPathTraversal, "hard link target "+m.linkname+" "+errEscapesRoot.Error())
		}
		rel, ok := p.strip(target)
		if !ok {
			return memberError(m, entities.ErrPathTraversal, "hard link target "+m.linkname+" is outside the extracted subtree")
		}
		if kind, seen := kinds[rel]; !seen || kind != kindFile {
			return memberError(m, entities.ErrUnsupportedMemberType, "hard link target "+m.linkname+" is not a regular file in the archive")
		}
		if resolved, err := p.resolve(path.Dir(rel)); err != nil || resolved != path.Dir(rel) {
			return memberError(m, entities.ErrPathTraversal, "hard link target "+m.linkname+" is nested under a symbolic link")
		}
		m.linkname = rel
	}
	return nil
}

// resolve canonicalises a destination-relative path, following the
// archive's own symlinks the way the kernel would and treating the
// destination root as a boundary that ".." cannot cross.
func (p *extractionPlan) resolve(rel string) (string, error) {
	var resolved []string
	pending := strings.Split(rel, "/")
	hops := 0
	for len(pending) > 0 {
		c := pending[0]
		pending = pending[1:]
		switch c {
		case "", ".":
			continue
		case "..":
			if len(resolved) == 0 {
				return "", errEscapesRoot
			}
			resolved = resolved[:len(resolved)-1]
			continue
		}

		cur := c
		if len(resolved) > 0 {
			cur = strings.Join(resolved, "/") + "/" + c
		}
		if target, ok := p.links[cur]; ok {
			hops++
			if hops > maxLinkHops {
				return "", errLinkLoop
			}
			if path.IsAbs(target) {
				return "", errEscapesRoot
			}
			pending = append(strings.Split(target, "/"), pending...)
			continue
		}
		resolved = append(resolved, c)
	}
	if len(resolved) == 0 {
		return ".", nil
	}
	return strings.Join(resolved, "/"), nil
}

// strip maps a cleaned archive path to its destination path
func (p *extractionPlan) strip(name string) (string, bool) {
	if p.prefix == "" {
		return name, true
	}
	if name == p.prefix {
		return ".", true
	}
	if rest, ok := strings.CutPrefix(name, p.prefix+"/"); ok {
		return rest, true
	}
	return "", false
}

// checkExisting refuses to extract through symlinks or files already
// present under root.
func (p *extractionPlan) checkExisting(root string) error {
	checked := map[string]bool{".": true}
	for _, group := range [][]*archiveMember{p.dirs, p.files, p.hardlinks, p.symlinks} {
		for _, m := range group {
			start := path.Dir(m.rel)
			if m.kind == kindDir {
				start = m.rel
			}
			for dir := start; !checked[dir]; dir = path.Dir(dir) {
				checked[dir] = true
				fi, err := os.Lstat(filepath.Join(root, filepath.FromSlash(dir)))
				if os.IsNotExist(err) {
					continue
				}
				if err != nil {
					return fmt.Errorf("failed to inspect destination: %w", err)
				}
				if !fi.IsDir() {
					return memberError(m, entities.ErrPathTraversal, "existing "+dir+" is not a directory")
				}
			}
		}
	}
	return nil
}

// selectSubtree returns the archive prefix to extract and strip
func selectSubtree(members []*archiveMember, subtree string) (string, error) {
	top, hasTop := singleTopDir(members)

	subtree = strings.Trim(path.Clean("/"+strings.TrimSpace(subtree)), "/")
	if subtree == "" {
		if hasTop {
			return top, nil
		}
		return "", nil
	}

	if hasPrefix(members, subtree) {
		return subtree, nil
	}
	if hasTop && hasPrefix(members, top+"/"+subtree) {
		return top + "/" + subtree, nil
	}
	return "", fmt.Errorf("subtree %q not found in archive", subtree)
}

func hasPrefix(members []*archiveMember, prefix string) bool {
	for _, m := range members {
		name := path.Clean(m.name)
		if name == prefix || strings.HasPrefix(name, prefix+"/") {
			return true
		}
	}
	return false
}

// singleTopDir reports the one directory every member lives under, if any
func singleTopDir(members []*archiveMember) (string, bool) {
	top := ""
	for _, m := range members {
		name := path.Clean(m.name)
		if name == "." {
			continue
		}
		first, _, nested := strings.Cut(name, "/")
		if !nested && m.kind != kindDir {
			return "", false
		}
		if top == "" {
			top = first
		} else if first != top {
			return "", false
		}
	}
	return top, top != ""
}

func memberError(m *archiveMember, kind error, detail string) error {
	return &entities.ArchiveMemberError{Member: m.name, Kind: kind, Detail: detail}
}
