package dist

import (
	"fmt"
	"regexp"
	"strings"

	goversion "github.com/hashicorp/go-version"
)

// Version comparison follows the upstream packaging ecosystem's
// ordering: release segments compare numerically, pre-releases sort
// before their final release, and a local suffix ("+board") is ignored
// for precedence but still distinguishes versions for equality.

var preReleaseRE = regexp.MustCompile(`(?i)[._-]?(a|alpha|b|beta|rc|c|pre|preview|dev)[._-]?(\d*)$`)

// CompareVersions returns -1, 0 or 1 ordering a relative to b.
// Local version suffixes are stripped before comparing.
func CompareVersions(a, b string) (int, error) {
	va, err := parseComparable(a)
	if err != nil {
		return 0, err
	}
	vb, err := parseComparable(b)
	if err != nil {
		return 0, err
	}
	return va.Compare(vb), nil
}

// VersionsEqual reports exact version equality. Unlike CompareVersions
// the local suffix participates, so "1.0+xtensa" != "1.0".
func VersionsEqual(a, b string) bool {
	if a == b {
		return true
	}
	localA, localB := localSuffix(a), localSuffix(b)
	if localA != localB {
		return false
	}
	c, err := CompareVersions(a, b)
	if err != nil {
		return false
	}
	return c == 0
}

func localSuffix(v string) string {
	if i := strings.IndexByte(v, '+'); i >= 0 {
		return v[i+1:]
	}
	return ""
}

// parseComparable maps an ecosystem version string onto go-version
// semantics: local suffix dropped, pre-release markers rewritten into
// the hyphenated form go-version orders before the final release.
func parseComparable(v string) (*goversion.Version, error) {
	s := strings.TrimSpace(v)
	if i := strings.IndexByte(s, '+'); i >= 0 {
		s = s[:i]
	}
	if m := preReleaseRE.FindStringSubmatch(s); m != nil {
		num := m[2]
		if num == "" {
			num = "0"
		}
		release := s[:len(s)-len(m[0])]
		s = release + "-" + preReleaseLabel(m[1]) + "." + num
	}
	parsed, err := goversion.NewVersion(s)
	if err != nil {
		return nil, fmt.Errorf("unparseable version %q: %w", v, err)
	}
	return parsed, nil
}

func preReleaseLabel(marker string) string {
	switch strings.ToLower(marker) {
	case "a", "alpha":
		return "alpha"
	case "b", "beta":
		return "beta"
	case "rc", "c", "pre", "preview":
		return "rc"
	case "dev":
		// Pre-release labels compare lexicographically, and dev
		// releases precede alpha. "adev" sorts before "alpha".
		return "adev"
	default:
		return marker
	}
}

// SatisfiesConstraint reports whether version v satisfies a constraint
// expression such as ">=1.2,<2.0" or "==1.0.*". An empty constraint is
// always satisfied.
func SatisfiesConstraint(v, constraint string) (bool, error) {
	constraint = strings.TrimSpace(constraint)
	if constraint == "" {
		return true, nil
	}
	ver, err := parseComparable(v)
	if err != nil {
		return false, err
	}
	for _, clause := range strings.Split(constraint, ",") {
		ok, err := satisfiesClause(ver, v, strings.TrimSpace(clause))
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func satisfiesClause(ver *goversion.Version, raw, clause string) (bool, error) {
	// Wildcard equality is a prefix match on the release segment.
	if strings.HasPrefix(clause, "==") && strings.HasSuffix(clause, ".*") {
		prefix := strings.TrimSuffix(strings.TrimPrefix(clause, "=="), ".*")
		return raw == prefix || strings.HasPrefix(raw, prefix+"."), nil
	}
	normalized := clause
	if strings.HasPrefix(normalized, "==") {
		normalized = "=" + normalized[2:]
	}
	constraints, err := goversion.NewConstraint(normalized)
	if err != nil {
		return false, fmt.Errorf("unparseable constraint %q: %w", clause, err)
	}
	return constraints.Check(ver), nil
}
