package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/picopip/picopip/pkg/dist"
)

// Server is the ephemeral local index the external installer talks
// to. It lives for one session, bound to a loopback port, and is torn
// down unconditionally when the session ends.
type Server struct {
	table   *RouteTable
	client  *upstreamClient
	metrics *Metrics

	httpServer *http.Server
	listener   net.Listener
}

// NewServer builds a proxy server around a route table.
func NewServer(table *RouteTable) *Server {
	metrics := NewMetrics()
	s := &Server{
		table:   table,
		client:  newUpstreamClient(metrics),
		metrics: metrics,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/simple/:name/", s.handleListing)
	engine.GET("/files/:name/:filename", s.handleArchive)
	engine.GET("/dummy/:name/:filename", s.handleDummy)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{})))

	s.httpServer = &http.Server{Handler: engine}
	return s
}

// Start binds an ephemeral loopback port and begins serving.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to bind proxy port: %w", err)
	}
	s.listener = listener
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Proxy server failed")
		}
	}()
	log.Debug().Str("url", s.IndexURL()).Msg("Proxy index server started")
	return nil
}

// IndexURL is the --index-url value handed to the installer.
func (s *Server) IndexURL() string {
	return s.BaseURL() + "/simple"
}

// BaseURL is the server's root URL.
func (s *Server) BaseURL() string {
	if s.listener == nil {
		return ""
	}
	return "http://" + s.listener.Addr().String()
}

// Shutdown stops the server. Safe to call on a server that never
// started.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// handleListing serves the simple-index page for one package,
// consulting the route table: overrides first, then upstreams in
// priority order.
func (s *Server) handleListing(c *gin.Context) {
	name := dist.NormalizeName(c.Param("name"))

	override, upstreams := s.table.Route(name)
	if override != nil && override.Dummy {
		s.metrics.overrides.Inc()
		s.metrics.listings.WithLabelValues("override").Inc()
		c.Data(http.StatusOK, "text/html", renderListingPage(name, dummyLinks(name, override)))
		return
	}

	upstream, links, err := s.client.resolve(c.Request.Context(), upstreams, name)
	if err != nil {
		// All indexes down: a protocol-correct not-found keeps the
		// installer's own error reporting authoritative.
		log.Warn().Err(err).Str("package", name).Msg("Upstream resolution failed")
		s.metrics.notFound.Inc()
		c.Status(http.StatusNotFound)
		return
	}
	if len(links) == 0 {
		s.metrics.notFound.Inc()
		c.Status(http.StatusNotFound)
		return
	}

	s.metrics.listings.WithLabelValues(upstream.Name).Inc()
	rewritten := make([]pageLink, 0, len(links))
	for _, link := range links {
		q := url.Values{}
		q.Set("src", link.URL)
		if upstream.Legacy {
			q.Set("legacy", "1")
		}
		rewritten = append(rewritten, pageLink{
			Text: link.Filename,
			Href: fmt.Sprintf("/files/%s/%s?%s", name, url.PathEscape(link.Filename), q.Encode()),
		})
	}
	c.Data(http.StatusOK, "text/html", renderListingPage(name, rewritten))
}

// handleArchive streams one upstream archive, rewriting legacy sdists
// in flight.
func (s *Server) handleArchive(c *gin.Context) {
	name := dist.NormalizeName(c.Param("name"))
	filename := c.Param("filename")
	src := c.Query("src")
	if src == "" {
		c.Status(http.StatusBadRequest)
		return
	}

	data, err := s.client.fetchArchive(c.Request.Context(), src)
	if err != nil {
		log.Warn().Err(err).Str("package", name).Str("file", filename).Msg("Archive fetch failed")
		c.Status(http.StatusNotFound)
		return
	}

	kind := archiveKind(filename)
	if c.Query("legacy") == "1" && kind == "sdist" {
		sdistName, version, ok := parseSdistFilename(filename)
		if !ok {
			sdistName, version = name, "0.0.0"
		}
		rewrittenData, err := rewriteSdist(data, sdistName, version)
		if err != nil {
			log.Warn().Err(err).Str("file", filename).Msg("Legacy sdist rewrite failed, serving original")
		} else {
			data = rewrittenData
			kind = "rewritten"
		}
	}

	s.metrics.archives.WithLabelValues(kind).Inc()
	c.Data(http.StatusOK, "application/octet-stream", data)
}

// handleDummy serves a synthetic wheel for an overridden package.
func (s *Server) handleDummy(c *gin.Context) {
	name := dist.NormalizeName(c.Param("name"))
	filename := c.Param("filename")

	override, _ := s.table.Route(name)
	if override == nil || !override.Dummy {
		c.Status(http.StatusNotFound)
		return
	}
	version := dummyWheelVersion(name, filename, override)
	if version == "" {
		c.Status(http.StatusNotFound)
		return
	}
	wheel, err := buildDummyWheel(name, version)
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	s.metrics.archives.WithLabelValues("dummy").Inc()
	c.Data(http.StatusOK, "application/octet-stream", wheel)
}

func dummyWheelVersion(name, filename string, override *Override) string {
	for _, v := range override.Versions {
		if filename == dummyWheelName(name, v) {
			return v
		}
	}
	return ""
}

type pageLink struct {
	Text string
	Href string
}

func dummyLinks(name string, override *Override) []pageLink {
	links := make([]pageLink, 0, len(override.Versions))
	for _, v := range override.Versions {
		filename := dummyWheelName(name, v)
		links = append(links, pageLink{
			Text: filename,
			Href: fmt.Sprintf("/dummy/%s/%s", name, filename),
		})
	}
	return links
}

func renderListingPage(name string, links []pageLink) []byte {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html><html><head><title>Links for ")
	b.WriteString(name)
	b.WriteString("</title></head><body>\n")
	for _, link := range links {
		fmt.Fprintf(&b, "<a href=%q>%s</a><br/>\n", link.Href, link.Text)
	}
	b.WriteString("</body></html>\n")
	return []byte(b.String())
}
