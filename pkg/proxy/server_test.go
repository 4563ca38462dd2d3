package proxy

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// fakeIndex serves a minimal simple-index for a fixed set of packages.
func fakeIndex(t *testing.T, pages map[string]string, files map[string][]byte) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if page, ok := pages[r.URL.Path]; ok {
			page = strings.ReplaceAll(page, "{base}", srv.URL)
			_, _ = io.WriteString(w, page)
			return
		}
		if data, ok := files[r.URL.Path]; ok {
			_, _ = w.Write(data)
			return
		}
		http.NotFound(w, r)
	})
	return srv
}

func startProxy(t *testing.T, table *RouteTable) *Server {
	t.Helper()
	srv := NewServer(table)
	if err := srv.Start(); err != nil {
		t.Fatalf("proxy start failed: %v", err)
	}
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return srv
}

func get(t *testing.T, url string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, body
}

func TestListingIndexPriority(t *testing.T) {
	first := fakeIndex(t, map[string]string{
		"/simple/b/": `<a href="{base}/packages/b-1.0.tar.gz">b-1.0.tar.gz</a>`,
	}, nil)
	second := fakeIndex(t, map[string]string{
		"/simple/b/": `<a href="{base}/packages/b-2.0.tar.gz">b-2.0.tar.gz</a>`,
	}, nil)

	table := BuildRouteTable(RouteConfig{
		IndexURL:           first.URL + "/simple",
		ExtraIndexURLs:     []string{second.URL + "/simple"},
		NoMicroPythonIndex: true,
	})
	srv := startProxy(t, table)

	status, body := get(t, srv.BaseURL()+"/simple/b/")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if !strings.Contains(string(body), "b-1.0.tar.gz") {
		t.Errorf("expected the first index to win, got: %s", body)
	}
	if strings.Contains(string(body), "b-2.0.tar.gz") {
		t.Errorf("second index must not leak into the listing: %s", body)
	}
}

func TestListingFallsThroughUnreachableIndex(t *testing.T) {
	reachable := fakeIndex(t, map[string]string{
		"/simple/b/": `<a href="{base}/packages/b-2.0.tar.gz">b-2.0.tar.gz</a>`,
	}, nil)

	table := BuildRouteTable(RouteConfig{
		// Nothing listens here; lookup must fall through.
		IndexURL:           "http://127.0.0.1:1/simple",
		ExtraIndexURLs:     []string{reachable.URL + "/simple"},
		NoMicroPythonIndex: true,
	})
	srv := startProxy(t, table)

	status, body := get(t, srv.BaseURL()+"/simple/b/")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if !strings.Contains(string(body), "b-2.0.tar.gz") {
		t.Errorf("fallback index did not serve the listing: %s", body)
	}
}

func TestListingNotFoundWhenAllIndexesFail(t *testing.T) {
	table := BuildRouteTable(RouteConfig{
		IndexURL:           "http://127.0.0.1:1/simple",
		NoMicroPythonIndex: true,
	})
	srv := startProxy(t, table)

	status, _ := get(t, srv.BaseURL()+"/simple/ghost/")
	if status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", status)
	}
}

func TestDummyOverrideWinsAndServesNoPayload(t *testing.T) {
	upstream := fakeIndex(t, map[string]string{
		"/simple/native-dep/": `<a href="{base}/packages/native_dep-3.0.tar.gz">native_dep-3.0.tar.gz</a>`,
	}, map[string][]byte{
		"/packages/native_dep-3.0.tar.gz": []byte("real payload"),
	})

	table := BuildRouteTable(RouteConfig{
		IndexURL:           upstream.URL + "/simple",
		NoMicroPythonIndex: true,
		DummyPackages:      []string{"native-dep"},
	})
	srv := startProxy(t, table)

	status, body := get(t, srv.BaseURL()+"/simple/native-dep/")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if strings.Contains(string(body), "native_dep-3.0.tar.gz") {
		t.Errorf("override must hide upstream candidates: %s", body)
	}
	if !strings.Contains(string(body), "native_dep-0.0.0-py3-none-any.whl") {
		t.Errorf("dummy wheel missing from listing: %s", body)
	}

	status, wheel := get(t, srv.BaseURL()+"/dummy/native-dep/native_dep-0.0.0-py3-none-any.whl")
	if status != http.StatusOK {
		t.Fatalf("dummy fetch status = %d", status)
	}
	zr, err := zip.NewReader(bytes.NewReader(wheel), int64(len(wheel)))
	if err != nil {
		t.Fatalf("dummy wheel is not a zip: %v", err)
	}
	for _, f := range zr.File {
		if !strings.Contains(f.Name, ".dist-info/") {
			t.Errorf("dummy wheel carries payload file %s", f.Name)
		}
	}
	if bytes.Contains(wheel, []byte("real payload")) {
		t.Error("dummy wheel must never include upstream content")
	}
}

func TestArchiveFetchProxiesUpstreamBytes(t *testing.T) {
	payload := []byte("archive-bytes")
	upstream := fakeIndex(t, map[string]string{
		"/simple/b/": `<a href="{base}/packages/b-1.0.tar.gz">b-1.0.tar.gz</a>`,
	}, map[string][]byte{
		"/packages/b-1.0.tar.gz": payload,
	})

	table := BuildRouteTable(RouteConfig{
		IndexURL:           upstream.URL + "/simple",
		NoMicroPythonIndex: true,
	})
	srv := startProxy(t, table)

	_, page := get(t, srv.BaseURL()+"/simple/b/")
	href := extractHref(t, string(page))
	status, body := get(t, srv.BaseURL()+href)
	if status != http.StatusOK {
		t.Fatalf("archive status = %d", status)
	}
	if !bytes.Equal(body, payload) {
		t.Errorf("served %q, want %q", body, payload)
	}
}

func extractHref(t *testing.T, page string) string {
	t.Helper()
	m := hrefRE.FindStringSubmatch(page)
	if m == nil {
		t.Fatalf("no link in page: %s", page)
	}
	return strings.ReplaceAll(m[1], "&amp;", "&")
}

func TestPerPackageIndexExclusion(t *testing.T) {
	first := fakeIndex(t, map[string]string{
		"/simple/b/": `<a href="{base}/packages/b-1.0.tar.gz">b-1.0.tar.gz</a>`,
	}, nil)
	second := fakeIndex(t, map[string]string{
		"/simple/b/": `<a href="{base}/packages/b-2.0.tar.gz">b-2.0.tar.gz</a>`,
	}, nil)

	table := BuildRouteTable(RouteConfig{
		IndexURL:           first.URL + "/simple",
		ExtraIndexURLs:     []string{second.URL + "/simple"},
		NoMicroPythonIndex: true,
		ExcludeIndex:       map[string][]string{"b": {"primary"}},
	})
	srv := startProxy(t, table)

	_, body := get(t, srv.BaseURL()+"/simple/b/")
	if !strings.Contains(string(body), "b-2.0.tar.gz") {
		t.Errorf("excluded index should be skipped, got: %s", body)
	}
}

func TestRouteTableOverridePrecedence(t *testing.T) {
	table := BuildRouteTable(RouteConfig{
		NoMicroPythonIndex: true,
		DummyPackages:      []string{"Native_Dep"},
	})
	override, upstreams := table.Route("native-dep")
	if override == nil || !override.Dummy {
		t.Fatalf("override not applied: %+v", override)
	}
	if upstreams != nil {
		t.Error("override route must not return upstreams")
	}
}

func TestParseListing(t *testing.T) {
	page := `<html><body>
<a href="../../packages/foo-1.0.tar.gz#sha256=deadbeef">foo-1.0.tar.gz</a><br/>
<a href="https://files.example/foo-1.1-py3-none-any.whl">foo-1.1-py3-none-any.whl</a>
</body></html>`
	links := parseListing("https://pypi.example/simple/foo/", []byte(page))
	if len(links) != 2 {
		t.Fatalf("got %d links", len(links))
	}
	if links[0].URL != "https://pypi.example/packages/foo-1.0.tar.gz" {
		t.Errorf("relative link resolved to %q", links[0].URL)
	}
	if links[0].Filename != "foo-1.0.tar.gz" {
		t.Errorf("filename = %q", links[0].Filename)
	}
	if links[1].URL != "https://files.example/foo-1.1-py3-none-any.whl" {
		t.Errorf("absolute link mangled: %q", links[1].URL)
	}
}

func TestParseSdistFilename(t *testing.T) {
	name, version, ok := parseSdistFilename("micropython-os-0.6.tar.gz")
	if !ok || name != "micropython-os" || version != "0.6" {
		t.Errorf("got (%q, %q, %v)", name, version, ok)
	}
	if _, _, ok := parseSdistFilename("noversion.tar.gz"); ok {
		t.Error("expected failure for unversioned filename")
	}
}

func ExampleBuildRouteTable() {
	table := BuildRouteTable(RouteConfig{
		NoMicroPythonIndex: true,
		DummyPackages:      []string{"typing"},
	})
	override, _ := table.Route("typing")
	fmt.Println(override.Dummy)
	// Output: true
}
