package dist

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
)

// On-disk metadata conventions. Each installed distribution owns a
// "<name>-<version>.dist-info" directory containing a METADATA file
// (RFC 822 style headers), a RECORD file (CSV of path, hash, size) and
// an INSTALLER marker. This layout is the durable contract other
// tooling may scan without network access.

const (
	metadataFileName  = "METADATA"
	recordFileName    = "RECORD"
	installerFileName = "INSTALLER"
	installerContent  = "pip\n"
)

// MalformedMetadataError reports an unparseable or incomplete metadata
// directory.
type MalformedMetadataError struct {
	// Dir is the metadata directory the failure belongs to.
	Dir string

	// Reason describes what was missing or unparseable.
	Reason string

	// Err is the underlying error, if any.
	Err error
}

func (e *MalformedMetadataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed metadata in %s: %s: %v", e.Dir, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed metadata in %s: %s", e.Dir, e.Reason)
}

func (e *MalformedMetadataError) Unwrap() error { return e.Err }

// ParseMetadata extracts name, version and dependency declarations
// from METADATA file content.
func ParseMetadata(dir string, content []byte) (name, version string, requires []Requirement, err error) {
	for _, line := range strings.Split(string(content), "\n") {
		// Header block ends at the first blank line; everything after
		// is the long description.
		if strings.TrimSpace(line) == "" {
			break
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "name":
			name = NormalizeName(value)
		case "version":
			version = value
		case "requires-dist":
			requires = append(requires, parseRequirement(value))
		}
	}
	if name == "" {
		return "", "", nil, &MalformedMetadataError{Dir: dir, Reason: "missing Name header"}
	}
	if version == "" {
		return "", "", nil, &MalformedMetadataError{Dir: dir, Reason: "missing Version header"}
	}
	return name, version, requires, nil
}

// parseRequirement splits a Requires-Dist value like
// "micropython-os (>=0.4) ; extra == 'x'" into name and constraint.
func parseRequirement(value string) Requirement {
	if i := strings.IndexByte(value, ';'); i >= 0 {
		value = value[:i]
	}
	value = strings.TrimSpace(value)
	name := value
	constraint := ""
	if i := strings.IndexAny(value, " (<>=!~"); i >= 0 {
		name = value[:i]
		constraint = strings.Trim(strings.TrimSpace(value[i:]), "()")
	}
	return Requirement{Name: NormalizeName(name), Constraint: constraint}
}

// ParseRecord parses RECORD file content into manifest entries,
// preserving order.
func ParseRecord(dir string, content []byte) ([]ManifestEntry, error) {
	var entries []ManifestEntry
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < 3 {
			return nil, &MalformedMetadataError{Dir: dir, Reason: fmt.Sprintf("short RECORD line %q", line)}
		}
		size := int64(-1)
		if fields[2] != "" {
			parsed, err := strconv.ParseInt(fields[2], 10, 64)
			if err != nil {
				return nil, &MalformedMetadataError{Dir: dir, Reason: "bad RECORD size", Err: err}
			}
			size = parsed
		}
		entries = append(entries, ManifestEntry{Path: fields[0], Hash: fields[1], Size: size})
	}
	return entries, nil
}

// RenderMetadata serializes the trimmed METADATA content written to
// placeholders and to the target.
func RenderMetadata(d *Distribution) []byte {
	var b strings.Builder
	b.WriteString("Metadata-Version: 2.1\n")
	fmt.Fprintf(&b, "Name: %s\n", d.Name)
	fmt.Fprintf(&b, "Version: %s\n", d.Version)
	for _, req := range d.Requires {
		if req.Constraint != "" {
			fmt.Fprintf(&b, "Requires-Dist: %s (%s)\n", req.Name, req.Constraint)
		} else {
			fmt.Fprintf(&b, "Requires-Dist: %s\n", req.Name)
		}
	}
	return []byte(b.String())
}

// RenderRecord serializes manifest entries back into RECORD form.
func RenderRecord(entries []ManifestEntry) []byte {
	var b strings.Builder
	for _, e := range entries {
		size := ""
		if e.Size >= 0 {
			size = strconv.FormatInt(e.Size, 10)
		}
		fmt.Fprintf(&b, "%s,%s,%s\n", e.Path, e.Hash, size)
	}
	return []byte(b.String())
}

// HashContent returns the RECORD-style content hash of data.
func HashContent(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256=" + base64.RawURLEncoding.EncodeToString(sum[:])
}

// MetadataFiles returns the .dist-info file set describing d, keyed by
// path relative to the installation root. The RECORD lists d.Manifest
// plus the metadata files themselves: an installer computes its
// uninstall set from RECORD rows, so the directory must own its own
// files to be replaceable, while a scan of the written files still
// yields d back even when no payload exists on disk.
func MetadataFiles(d *Distribution) map[string][]byte {
	metaDir := d.MetaDirName()
	entries := make([]ManifestEntry, 0, len(d.Manifest)+3)
	entries = append(entries, d.Manifest...)
	for _, name := range []string{metadataFileName, installerFileName, recordFileName} {
		entries = append(entries, ManifestEntry{Path: metaDir + "/" + name, Size: -1})
	}
	return map[string][]byte{
		metaDir + "/" + metadataFileName:  RenderMetadata(d),
		metaDir + "/" + installerFileName: []byte(installerContent),
		metaDir + "/" + recordFileName:    RenderRecord(entries),
	}
}

// PayloadEntries drops a distribution's own metadata bookkeeping rows
// from a parsed RECORD, leaving the payload manifest. Scans apply it
// so a manifest never lists the .dist-info files that carry it.
func PayloadEntries(entries []ManifestEntry) []ManifestEntry {
	var payload []ManifestEntry
	for _, e := range entries {
		if strings.Contains(e.Path, MetaDirSuffix+"/") {
			continue
		}
		payload = append(payload, e)
	}
	return payload
}

// ScanFS scans a tree for .dist-info directories and assembles the
// snapshot of installed distributions. Directories that fail to parse
// abort the scan with MalformedMetadataError.
func ScanFS(fsys fs.FS) (Snapshot, error) {
	root, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, err
	}
	snapshot := make(Snapshot)
	dirs := make([]string, 0, len(root))
	for _, entry := range root {
		if entry.IsDir() && strings.HasSuffix(entry.Name(), MetaDirSuffix) {
			dirs = append(dirs, entry.Name())
		}
	}
	sort.Strings(dirs)
	for _, dir := range dirs {
		d, err := readMetaDir(fsys, dir)
		if err != nil {
			return nil, err
		}
		// First .dist-info wins if a name appears twice.
		if _, exists := snapshot[d.Name]; !exists {
			snapshot[d.Name] = d
		}
	}
	return snapshot, nil
}

func readMetaDir(fsys fs.FS, dir string) (*Distribution, error) {
	metadata, err := fs.ReadFile(fsys, dir+"/"+metadataFileName)
	if err != nil {
		return nil, &MalformedMetadataError{Dir: dir, Reason: "unreadable METADATA", Err: err}
	}
	name, version, requires, err := ParseMetadata(dir, metadata)
	if err != nil {
		return nil, err
	}
	record, err := fs.ReadFile(fsys, dir+"/"+recordFileName)
	if err != nil {
		return nil, &MalformedMetadataError{Dir: dir, Reason: "unreadable RECORD", Err: err}
	}
	manifest, err := ParseRecord(dir, record)
	if err != nil {
		return nil, err
	}
	return &Distribution{Name: name, Version: version, Requires: requires, Manifest: PayloadEntries(manifest)}, nil
}
