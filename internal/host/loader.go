package host

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ScriptLoader fetches worker scripts. bypassCache is set for registrations
// with updateViaCache "none" so update checks always see fresh bytes.
type ScriptLoader interface {
	Load(ctx context.Context, scriptURL string, bypassCache bool) ([]byte, error)
}

// LoaderFunc adapts a function to ScriptLoader.
type LoaderFunc func(ctx context.Context, scriptURL string, bypassCache bool) ([]byte, error)

func (f LoaderFunc) Load(ctx context.Context, scriptURL string, bypassCache bool) ([]byte, error) {
	return f(ctx, scriptURL, bypassCache)
}

// HTTPLoader loads scripts from an origin over HTTP.
type HTTPLoader struct {
	Origin string
	Client *http.Client
}

func NewHTTPLoader(origin string) *HTTPLoader {
	return &HTTPLoader{
		Origin: strings.TrimRight(origin, "/"),
		Client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (l *HTTPLoader) Load(ctx context.Context, scriptURL string, bypassCache bool) ([]byte, error) {
	base, err := url.Parse(l.Origin + "/")
	if err != nil {
		return nil, err
	}
	ref, err := url.Parse(scriptURL)
	if err != nil {
		return nil, err
	}
	target := base.ResolveReference(ref)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Service-Worker", "script")
	if bypassCache {
		req.Header.Set("Cache-Control", "no-cache")
		req.Header.Set("Pragma", "no-cache")
	}

	resp, err := l.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("load %s: status %d", target, resp.StatusCode)
	}
	mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if !strings.Contains(mt, "javascript") {
		return nil, fmt.Errorf("load %s: unsupported MIME type %q", target, mt)
	}
	return io.ReadAll(resp.Body)
}
