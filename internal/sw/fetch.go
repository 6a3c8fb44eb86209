package sw

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNotCacheable is returned for responses the worker refuses to store.
var ErrNotCacheable = errors.New("response not cacheable")

// Fetcher retrieves a url on behalf of the worker.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (Entry, error)
}

// HTTPFetcher fetches against Origin. Relative urls are resolved onto it.
type HTTPFetcher struct {
	Origin string
	Client *http.Client
	Now    func() time.Time
}

func NewHTTPFetcher(origin string) *HTTPFetcher {
	return &HTTPFetcher{
		Origin: strings.TrimRight(origin, "/"),
		Client: &http.Client{Timeout: 30 * time.Second},
		Now:    time.Now,
	}
}

// Resolve turns a page-relative url into an absolute one on Origin.
func (f *HTTPFetcher) Resolve(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	base, err := url.Parse(f.Origin + "/")
	if err != nil {
		return "", err
	}
	return base.ResolveReference(u).String(), nil
}

func (f *HTTPFetcher) Fetch(ctx context.Context, raw string) (Entry, error) {
	target, err := f.Resolve(raw)
	if err != nil {
		return Entry{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Entry{}, err
	}
	req.Header.Set("Accept-Encoding", "identity")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := f.Client.Do(req)
	if err != nil {
		return Entry{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Entry{}, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Entry{}, fmt.Errorf("%w: %s: status %d", ErrNotCacheable, raw, resp.StatusCode)
	}
	if strings.Contains(strings.ToLower(resp.Header.Get("Cache-Control")), "no-store") {
		return Entry{}, fmt.Errorf("%w: %s: no-store", ErrNotCacheable, raw)
	}

	ent := Entry{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     body,
		StoredAt: f.Now().UnixNano(),
		Hash32:   crc32.ChecksumIEEE(body),
	}
	ent.Header.Del("Content-Length")
	return ent, nil
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
