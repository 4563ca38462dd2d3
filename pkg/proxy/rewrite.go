package proxy

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
)

// Legacy source archives (notably from micropython.org) predate the
// metadata files modern installers insist on. rewriteSdist unpacks the
// tar.gz, and if neither a setup.py nor a PKG-INFO is present in the
// archive root, synthesizes both from the archive contents before
// repacking, so the unmodified installer can build and install it.

func rewriteSdist(data []byte, name, version string) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("legacy archive is not gzip: %w", err)
	}
	defer gz.Close()

	type fileEntry struct {
		header  *tar.Header
		content []byte
	}
	var files []fileEntry
	rootDir := fmt.Sprintf("%s-%s", name, version)
	hasSetup, hasPkgInfo := false, false

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("legacy archive is not a tar: %w", err)
		}
		content, err := io.ReadAll(tr)
		if err != nil {
			return nil, err
		}
		clean := strings.TrimPrefix(path.Clean(hdr.Name), "./")
		if i := strings.IndexByte(clean, '/'); i > 0 {
			rootDir = clean[:i]
		}
		base := path.Base(clean)
		if base == "setup.py" || base == "pyproject.toml" {
			hasSetup = true
		}
		if base == "PKG-INFO" {
			hasPkgInfo = true
		}
		files = append(files, fileEntry{header: hdr, content: content})
	}

	if hasSetup && hasPkgInfo {
		return data, nil
	}

	var modules, packages []string
	seenPkg := map[string]bool{}
	for _, f := range files {
		clean := strings.TrimPrefix(path.Clean(f.header.Name), "./")
		rel := strings.TrimPrefix(clean, rootDir+"/")
		if rel == clean || !strings.HasSuffix(rel, ".py") {
			continue
		}
		if !strings.Contains(rel, "/") {
			modules = append(modules, strings.TrimSuffix(rel, ".py"))
			continue
		}
		if path.Base(rel) == "__init__.py" {
			pkg := strings.ReplaceAll(path.Dir(rel), "/", ".")
			if !seenPkg[pkg] {
				seenPkg[pkg] = true
				packages = append(packages, pkg)
			}
		}
	}
	sort.Strings(modules)
	sort.Strings(packages)

	var out bytes.Buffer
	gzw := gzip.NewWriter(&out)
	tw := tar.NewWriter(gzw)
	for _, f := range files {
		hdr := *f.header
		hdr.Size = int64(len(f.content))
		if err := tw.WriteHeader(&hdr); err != nil {
			return nil, err
		}
		if _, err := tw.Write(f.content); err != nil {
			return nil, err
		}
	}
	if !hasSetup {
		setup := renderSetupPy(name, version, modules, packages)
		if err := writeTarFile(tw, rootDir+"/setup.py", setup); err != nil {
			return nil, err
		}
	}
	if !hasPkgInfo {
		pkgInfo := fmt.Sprintf("Metadata-Version: 2.1\nName: %s\nVersion: %s\n", name, version)
		if err := writeTarFile(tw, rootDir+"/PKG-INFO", []byte(pkgInfo)); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gzw.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func renderSetupPy(name, version string, modules, packages []string) []byte {
	var b strings.Builder
	b.WriteString("from setuptools import setup\n\nsetup(\n")
	fmt.Fprintf(&b, "    name=%q,\n", name)
	fmt.Fprintf(&b, "    version=%q,\n", version)
	if len(modules) > 0 {
		fmt.Fprintf(&b, "    py_modules=%s,\n", pyList(modules))
	}
	if len(packages) > 0 {
		fmt.Fprintf(&b, "    packages=%s,\n", pyList(packages))
	}
	b.WriteString(")\n")
	return []byte(b.String())
}

func pyList(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = fmt.Sprintf("%q", s)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

func writeTarFile(tw *tar.Writer, name string, content []byte) error {
	hdr := &tar.Header{
		Name: name,
		Mode: 0o644,
		Size: int64(len(content)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := tw.Write(content)
	return err
}

// archiveKind classifies a candidate filename.
func archiveKind(filename string) string {
	switch {
	case strings.HasSuffix(filename, ".whl"):
		return "wheel"
	case strings.HasSuffix(filename, ".tar.gz"), strings.HasSuffix(filename, ".tgz"):
		return "sdist"
	default:
		return "other"
	}
}

// parseSdistFilename splits "foo-1.0.tar.gz" into name and version.
func parseSdistFilename(filename string) (name, version string, ok bool) {
	stem := strings.TrimSuffix(strings.TrimSuffix(filename, ".tar.gz"), ".tgz")
	i := strings.LastIndex(stem, "-")
	if i <= 0 || i == len(stem)-1 {
		return "", "", false
	}
	return stem[:i], stem[i+1:], true
}
