// Package proxy implements the ephemeral local package index served
// to the external installer: a merged, rewritten view of one or more
// upstream indexes with per-package overrides.
package proxy

import (
	"fmt"

	"github.com/picopip/picopip/pkg/dist"
)

// Default index endpoints.
const (
	DefaultIndexURL     = "https://pypi.org/simple"
	MicroPythonIndexURL = "https://micropython.org/pi"
)

// Upstream is one configured upstream package index.
type Upstream struct {
	// Name identifies the index in logs and metrics.
	Name string

	// URL is the index base URL (PEP 503 simple layout).
	URL string

	// Legacy marks indexes whose source archives predate modern
	// metadata and need in-flight rewriting.
	Legacy bool

	// Exclude lists normalized package names this index must never
	// serve, even if it offers them.
	Exclude map[string]bool
}

// Override replaces upstream resolution for one package.
type Override struct {
	// Dummy serves synthetic metadata-only distributions instead of
	// any upstream content. Used for dependencies the target runtime
	// provides natively or cannot use.
	Dummy bool

	// Versions are the versions the dummy pretends to offer.
	Versions []string
}

// dummyVersions lets a low and a high version coexist so both plain
// and >= constraints resolve against the synthetic package.
var dummyVersions = []string{"0.0.0", "999.0.0"}

// RouteTable maps package names to their resolution: a package
// override always wins, otherwise upstreams are consulted in
// configured order. Built once per session; read-only while serving,
// so concurrent handlers share it without locking.
type RouteTable struct {
	upstreams []Upstream
	overrides map[string]Override
}

// RouteConfig is the input for building a route table.
type RouteConfig struct {
	// IndexURL replaces the default primary index when set.
	IndexURL string

	// ExtraIndexURLs are consulted after the primary index, in order.
	ExtraIndexURLs []string

	// NoDefaultIndex drops the default primary index.
	NoDefaultIndex bool

	// NoMicroPythonIndex drops the micropython.org legacy index.
	NoMicroPythonIndex bool

	// DummyPackages are served as synthetic empty distributions.
	DummyPackages []string

	// ExcludeIndex maps a package name to index names that must not
	// serve it.
	ExcludeIndex map[string][]string
}

// BuildRouteTable assembles the per-session route table.
func BuildRouteTable(cfg RouteConfig) *RouteTable {
	t := &RouteTable{overrides: make(map[string]Override)}

	primary := DefaultIndexURL
	if cfg.IndexURL != "" {
		primary = cfg.IndexURL
	}
	if !cfg.NoDefaultIndex || cfg.IndexURL != "" {
		t.upstreams = append(t.upstreams, Upstream{Name: "primary", URL: primary})
	}
	if !cfg.NoMicroPythonIndex {
		t.upstreams = append(t.upstreams, Upstream{Name: "micropython.org", URL: MicroPythonIndexURL, Legacy: true})
	}
	for i, url := range cfg.ExtraIndexURLs {
		t.upstreams = append(t.upstreams, Upstream{Name: extraIndexName(i), URL: url})
	}

	for _, name := range cfg.DummyPackages {
		t.overrides[dist.NormalizeName(name)] = Override{Dummy: true, Versions: dummyVersions}
	}
	for pkg, indexes := range cfg.ExcludeIndex {
		pkg = dist.NormalizeName(pkg)
		for i := range t.upstreams {
			for _, idx := range indexes {
				if t.upstreams[i].Name == idx {
					if t.upstreams[i].Exclude == nil {
						t.upstreams[i].Exclude = make(map[string]bool)
					}
					t.upstreams[i].Exclude[pkg] = true
				}
			}
		}
	}
	return t
}

func extraIndexName(i int) string {
	return fmt.Sprintf("extra-%d", i)
}

// Route resolves a package name. The returned override is nil when
// upstream resolution applies; upstreams come back in priority order
// with per-package exclusions already applied.
func (t *RouteTable) Route(name string) (*Override, []Upstream) {
	name = dist.NormalizeName(name)
	if o, ok := t.overrides[name]; ok {
		return &o, nil
	}
	upstreams := make([]Upstream, 0, len(t.upstreams))
	for _, u := range t.upstreams {
		if u.Exclude[name] {
			continue
		}
		upstreams = append(upstreams, u)
	}
	return nil, upstreams
}

// Upstreams returns all configured upstreams in priority order.
func (t *RouteTable) Upstreams() []Upstream { return t.upstreams }
