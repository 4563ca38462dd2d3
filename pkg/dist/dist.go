// Package dist defines the distribution metadata model shared by all
// picopip components: package identity, versions, dependency
// requirements and file manifests, plus the on-disk .dist-info
// conventions used to persist them.
package dist

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// MetaDirSuffix is the suffix of a distribution metadata directory.
const MetaDirSuffix = ".dist-info"

// Requirement is a single declared dependency of a distribution.
type Requirement struct {
	// Name is the normalized name of the required distribution.
	Name string

	// Constraint is the raw version constraint expression, e.g. ">=1.2".
	// Empty means any version.
	Constraint string
}

// ManifestEntry describes one file belonging to a distribution.
type ManifestEntry struct {
	// Path is the path relative to the installation root, always
	// forward-slash separated.
	Path string

	// Hash is the content hash in RECORD form ("sha256=<base64url>").
	// Empty for placeholder entries.
	Hash string

	// Size is the file size in bytes, -1 when unknown.
	Size int64
}

// Distribution is an immutable description of one installed or
// installable package: identity, version, declared dependencies and
// the ordered file manifest.
type Distribution struct {
	// Name is the normalized distribution name.
	Name string

	// Version is the version string as published.
	Version string

	// Requires lists the declared dependencies.
	Requires []Requirement

	// Manifest is the ordered list of files owned by this distribution.
	Manifest []ManifestEntry

	// Root is the directory the metadata was found under, relative to
	// the owning adapter. Scans over a search path record it so removal
	// can address the copy that actually resolves. Empty when the root
	// is implied, as in workspace scans. Root does not participate in
	// Equal.
	Root string
}

var nameSeparators = regexp.MustCompile(`[-_.]+`)

// NormalizeName canonicalizes a distribution name: lowercase, with
// runs of dashes, underscores and dots collapsed to a single dash.
func NormalizeName(name string) string {
	return strings.ToLower(nameSeparators.ReplaceAllString(name, "-"))
}

// MetaDirName returns the .dist-info directory name for this
// distribution, e.g. "micropython-os-0.6.dist-info".
func (d *Distribution) MetaDirName() string {
	return fmt.Sprintf("%s-%s%s", strings.ReplaceAll(d.Name, "-", "_"), d.Version, MetaDirSuffix)
}

// Equal reports whether two distributions are the same package state.
// Identity is name, version and manifest; dependency declarations do
// not participate.
func (d *Distribution) Equal(other *Distribution) bool {
	if d == nil || other == nil {
		return d == other
	}
	if d.Name != other.Name {
		return false
	}
	if !VersionsEqual(d.Version, other.Version) {
		return false
	}
	if len(d.Manifest) != len(other.Manifest) {
		return false
	}
	for i, e := range d.Manifest {
		o := other.Manifest[i]
		if e.Path != o.Path || e.Hash != o.Hash {
			return false
		}
	}
	return true
}

// ParseMetaDirName splits a .dist-info directory name into the
// normalized distribution name and the version.
func ParseMetaDirName(dirName string) (name, version string, err error) {
	if !strings.HasSuffix(dirName, MetaDirSuffix) {
		return "", "", fmt.Errorf("%q is not a metadata directory name", dirName)
	}
	stem := strings.TrimSuffix(dirName, MetaDirSuffix)
	i := strings.LastIndex(stem, "-")
	if i <= 0 || i == len(stem)-1 {
		return "", "", fmt.Errorf("cannot split %q into name and version", dirName)
	}
	return NormalizeName(stem[:i]), stem[i+1:], nil
}

// Snapshot maps normalized distribution names to the installed
// distribution. A snapshot is a pure function of the scanned tree at
// the moment of the scan; it is never cached across sessions.
type Snapshot map[string]*Distribution

// Names returns the normalized names present in the snapshot, sorted.
func (s Snapshot) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Equal reports whether two snapshots contain equal distributions for
// exactly the same set of names.
func (s Snapshot) Equal(other Snapshot) bool {
	if len(s) != len(other) {
		return false
	}
	for name, d := range s {
		o, ok := other[name]
		if !ok || !d.Equal(o) {
			return false
		}
	}
	return true
}
