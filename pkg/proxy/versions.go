package proxy

import (
	"context"
	"strings"

	"github.com/picopip/picopip/pkg/dist"
)

// LatestVersion reports the newest version the configured routes offer
// for a package. Dummy overrides answer from their advertised versions
// without touching the network. An empty version with a nil error
// means no index lists the package.
func (s *Server) LatestVersion(ctx context.Context, name string) (string, error) {
	name = dist.NormalizeName(name)
	override, upstreams := s.table.Route(name)
	if override != nil && override.Dummy {
		return maxVersion(override.Versions), nil
	}

	_, links, err := s.client.resolve(ctx, upstreams, name)
	if err != nil {
		return "", err
	}
	var versions []string
	for _, link := range links {
		if v, ok := archiveVersion(link.Filename); ok {
			versions = append(versions, v)
		}
	}
	return maxVersion(versions), nil
}

// archiveVersion extracts the version segment from a wheel or sdist
// filename.
func archiveVersion(filename string) (string, bool) {
	switch archiveKind(filename) {
	case "wheel":
		parts := strings.Split(strings.TrimSuffix(filename, ".whl"), "-")
		if len(parts) < 5 {
			return "", false
		}
		return parts[1], true
	case "sdist":
		_, version, ok := parseSdistFilename(filename)
		return version, ok
	}
	return "", false
}

// maxVersion picks the highest parseable version. Unparseable entries
// are skipped rather than failing the whole lookup.
func maxVersion(versions []string) string {
	best := ""
	for _, v := range versions {
		if best == "" {
			best = v
			continue
		}
		if c, err := dist.CompareVersions(v, best); err == nil && c > 0 {
			best = v
		}
	}
	return best
}
