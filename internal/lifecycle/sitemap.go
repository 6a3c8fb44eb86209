package lifecycle

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// SitemapDiscoverer walks sitemaps, following sitemap indexes, and collects
// the page paths they list.
type SitemapDiscoverer struct {
	Origin string
	Client *http.Client
}

// Discover returns the unique paths found under sitemaps, in discovery order.
func (d *SitemapDiscoverer) Discover(ctx context.Context, sitemaps []string) ([]string, error) {
	seenSitemaps := map[string]struct{}{}
	seenPaths := map[string]struct{}{}
	var paths []string

	queue := make([]string, 0, len(sitemaps))
	for _, sm := range sitemaps {
		sm = strings.TrimSpace(sm)
		if sm == "" {
			continue
		}
		queue = append(queue, d.normalizeMaybeRelativeURL(sm))
	}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return paths, err
		}
		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seenSitemaps[smURL]; ok {
			continue
		}
		seenSitemaps[smURL] = struct{}{}

		doc, err := d.fetchAndParse(ctx, smURL)
		if err != nil {
			return paths, fmt.Errorf("fetch sitemap %q: %w", smURL, err)
		}
		for _, nested := range doc.Sitemaps {
			if nested == "" {
				continue
			}
			queue = append(queue, d.normalizeMaybeRelativeURL(nested))
		}
		for _, loc := range doc.URLs {
			p := normalizePathFromLoc(loc)
			if p == "" {
				continue
			}
			if _, ok := seenPaths[p]; ok {
				continue
			}
			seenPaths[p] = struct{}{}
			paths = append(paths, p)
		}
	}
	return paths, nil
}

func (d *SitemapDiscoverer) normalizeMaybeRelativeURL(u string) string {
	u = strings.TrimSpace(u)
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return strings.TrimRight(d.Origin, "/") + u
}

func (d *SitemapDiscoverer) fetchAndParse(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return sitemapDoc{}, err
	}
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return sitemapDoc{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return sitemapDoc{}, err
	}

	// A .gz sitemap may already have been decoded by the transport.
	tryGzip := strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b)
	if tryGzip {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			defer gz.Close()
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}

func normalizePathFromLoc(loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	if strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://") {
		u, err := url.Parse(loc)
		if err != nil {
			return ""
		}
		if u.Path == "" {
			return "/"
		}
		if !strings.HasPrefix(u.Path, "/") {
			return "/" + u.Path
		}
		return u.Path
	}
	if !strings.HasPrefix(loc, "/") {
		loc = "/" + loc
	}
	return loc
}
