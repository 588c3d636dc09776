package entities

import "fmt"

// DefaultSourceHost is the forge host sources are fetched from when a recipe
// does not name one.
const DefaultSourceHost = "github.com"

// SourceKind identifies a SourceDescriptor variant
type SourceKind string

const (
	// SourceKindRelease is an asset attached to a tagged release
	SourceKindRelease SourceKind = "github-release"
	// SourceKindSnapshot is the archive of a repository at a tag
	SourceKindSnapshot SourceKind = "github-snapshot"
)

// SourceDescriptor identifies where the sources of a package come from.
// The set of implementations is closed: ReleaseArchive and RepositorySnapshot.
type SourceDescriptor interface {
	// Kind returns the variant tag
	Kind() SourceKind
	// URL returns the address the archive is downloaded from
	URL() string
	// ArchiveName returns the filename the archive is stored under
	ArchiveName() string
	// Subtree returns the path inside the archive that holds the package
	Subtree() string

	sealed()
}

// ReleaseArchive is a source distribution uploaded as a release asset,
// e.g. numpy-1.23.3.tar.gz on the v1.23.3 release of numpy/numpy.
type ReleaseArchive struct {
	Host  string
	Org   string
	Repo  string
	Tag   string
	Asset string
}

// Kind implements SourceDescriptor
func (r ReleaseArchive) Kind() SourceKind { return SourceKindRelease }

// URL implements SourceDescriptor
func (r ReleaseArchive) URL() string {
	return fmt.Sprintf("https://%s/%s/%s/releases/download/%s/%s", hostOrDefault(r.Host), r.Org, r.Repo, r.Tag, r.Asset)
}

// ArchiveName implements SourceDescriptor
func (r ReleaseArchive) ArchiveName() string { return r.Asset }

// Subtree implements SourceDescriptor. Release sdists always unpack from
// their single top-level directory.
func (r ReleaseArchive) Subtree() string { return "." }

func (ReleaseArchive) sealed() {}

// RepositorySnapshot is the tag archive a forge generates for a repository,
// used when a project publishes no sdist.
type RepositorySnapshot struct {
	Host string
	Org  string
	Repo string
	Tag  string
	// Subpath is the package directory inside the unpacked snapshot
	Subpath string
}

// Kind implements SourceDescriptor
func (s RepositorySnapshot) Kind() SourceKind { return SourceKindSnapshot }

// URL implements SourceDescriptor
func (s RepositorySnapshot) URL() string {
	return fmt.Sprintf("https://%s/%s/%s/archive/refs/tags/%s.zip", hostOrDefault(s.Host), s.Org, s.Repo, s.Tag)
}

// ArchiveName implements SourceDescriptor
func (s RepositorySnapshot) ArchiveName() string { return s.Tag + ".zip" }

// Subtree implements SourceDescriptor
func (s RepositorySnapshot) Subtree() string {
	if s.Subpath == "" {
		return "."
	}
	return s.Subpath
}

func (RepositorySnapshot) sealed() {}

func hostOrDefault(host string) string {
	if host == "" {
		return DefaultSourceHost
	}
	return host
}

// SourceVerification holds the optional integrity checks for a fetched archive
type SourceVerification struct {
	SHA256       string
	SignatureURL string
	GPGKeyIDs    []string
	GPGKeysURL   string
	GPGKeyFile   string
}

// Enabled reports whether any check is configured
func (v SourceVerification) Enabled() bool {
	return v.SHA256 != "" || v.SignatureURL != ""
}
