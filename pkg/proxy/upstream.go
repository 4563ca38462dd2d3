package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	upstreamTimeout = 20 * time.Second

	// maxArchiveSize bounds a single fetched archive.
	maxArchiveSize = 64 << 20
)

// UnreachableError reports that every configured index failed for a
// lookup. It is absorbed by the server and surfaced to the installer
// as a normal not-found response.
type UnreachableError struct {
	Package string
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("all upstream indexes unreachable for %s", e.Package)
}

// Link is one candidate archive extracted from an upstream listing.
type Link struct {
	// Filename is the archive file name, e.g. "foo-1.0.tar.gz".
	Filename string

	// URL is the absolute upstream download URL.
	URL string
}

// upstreamClient fetches listings and archives from upstream indexes
// with a bounded per-request timeout.
type upstreamClient struct {
	http    *http.Client
	metrics *Metrics
}

func newUpstreamClient(metrics *Metrics) *upstreamClient {
	return &upstreamClient{http: &http.Client{Timeout: upstreamTimeout}, metrics: metrics}
}

var hrefRE = regexp.MustCompile(`(?is)<a\s+[^>]*href="([^"]+)"[^>]*>(.*?)</a>`)

// fetchListing retrieves and parses the simple-index page of one
// package from one upstream. A 404 returns an empty slice and no
// error; transport failures and server errors return an error so the
// caller can fall through to the next index.
func (c *upstreamClient) fetchListing(ctx context.Context, u Upstream, name string) ([]Link, error) {
	pageURL := strings.TrimSuffix(u.URL, "/") + "/" + name + "/"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("index %s returned %s for %s", u.Name, resp.Status, name)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxArchiveSize))
	if err != nil {
		return nil, err
	}
	return parseListing(pageURL, body), nil
}

// parseListing extracts archive links from a simple-index page.
func parseListing(pageURL string, body []byte) []Link {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	var links []Link
	for _, m := range hrefRE.FindAllStringSubmatch(string(body), -1) {
		ref, err := url.Parse(strings.TrimSpace(m[1]))
		if err != nil {
			continue
		}
		abs := base.ResolveReference(ref)
		// Drop the hash fragment pip appends to file URLs.
		abs.Fragment = ""
		text := strings.TrimSpace(stripTags(m[2]))
		filename := text
		if filename == "" {
			segments := strings.Split(strings.TrimSuffix(abs.Path, "/"), "/")
			filename = segments[len(segments)-1]
		}
		if filename == "" {
			continue
		}
		links = append(links, Link{Filename: filename, URL: abs.String()})
	}
	return links
}

var tagRE = regexp.MustCompile(`<[^>]*>`)

func stripTags(s string) string { return tagRE.ReplaceAllString(s, "") }

// fetchArchive downloads one archive from its upstream URL.
func (c *upstreamClient) fetchArchive(ctx context.Context, archiveURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, archiveURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream returned %s for %s", resp.Status, archiveURL)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxArchiveSize))
}

// resolve walks the upstreams in priority order and returns the first
// listing that offers the package, together with the index that served
// it. Unreachable indexes are tolerated; an index that is reachable
// but does not list the package lets the next one take over.
func (c *upstreamClient) resolve(ctx context.Context, upstreams []Upstream, name string) (Upstream, []Link, error) {
	allFailed := len(upstreams) > 0
	for _, u := range upstreams {
		links, err := c.fetchListing(ctx, u, name)
		if err != nil {
			log.Warn().Err(err).Str("index", u.Name).Str("package", name).Msg("Upstream lookup failed, falling through")
			if c.metrics != nil {
				c.metrics.fallbacks.WithLabelValues(u.Name).Inc()
			}
			continue
		}
		allFailed = false
		if len(links) > 0 {
			return u, links, nil
		}
	}
	if allFailed {
		return Upstream{}, nil, &UnreachableError{Package: name}
	}
	return Upstream{}, nil, nil
}
