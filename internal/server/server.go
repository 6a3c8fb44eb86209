// Package server serves a build output directory the way a worker-enabled
// site expects to be served.
package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/afero"

	"swkit/internal/log"
)

const (
	OfflinePage = "/offline.html"

	shutdownTimeout = 10 * time.Second
)

type Server struct {
	Fs  afero.Fs
	Dir string
	// WorkerPath is the URL path of the worker script.
	WorkerPath string
	Log        *log.Handle
}

func New(fs afero.Fs, dir, workerFile string) *Server {
	return &Server{
		Fs:         fs,
		Dir:        dir,
		WorkerPath: "/" + strings.TrimPrefix(workerFile, "/"),
		Log:        log.GetLogger("server"),
	}
}

func (s *Server) Handler() http.Handler {
	if s.Log == nil {
		s.Log = log.GetLogger("server")
	}
	if s.WorkerPath == "" {
		s.WorkerPath = "/sw.js"
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get(s.WorkerPath, s.serveWorker)
	r.Head(s.WorkerPath, s.serveWorker)
	r.Get("/*", s.serveStatic)
	r.Head("/*", s.serveStatic)
	return r
}

// Serve runs the handler on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.Log.Info().Str("addr", ln.Addr().String()).Str("dir", s.Dir).Msg("serving build output")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) serveWorker(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set("Content-Type", "application/javascript; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("Service-Worker-Allowed", "/")
	if !s.serveFile(w, r, s.WorkerPath, http.StatusOK) {
		h.Del("Service-Worker-Allowed")
		http.NotFound(w, r)
	}
}

func (s *Server) serveStatic(w http.ResponseWriter, r *http.Request) {
	p := path.Clean("/" + r.URL.Path)
	if strings.HasSuffix(r.URL.Path, "/") {
		p = path.Join(p, "index.html")
	} else if s.isDir(p) {
		p = path.Join(p, "index.html")
	}

	h := w.Header()
	switch {
	case strings.HasSuffix(p, "/manifest.json"), strings.HasSuffix(p, ".webmanifest"):
		h.Set("Content-Type", "application/manifest+json")
	case strings.HasSuffix(p, ".json"):
		// build metadata changes every build
		h.Set("Cache-Control", "no-cache")
	case strings.HasPrefix(p, "/assets/"):
		h.Set("Cache-Control", "public, max-age=31536000, immutable")
	}
	if s.serveFile(w, r, p, http.StatusOK) {
		return
	}

	// Unknown paths get the offline page with a 404 so workers never cache it
	// under the requested URL.
	h.Del("Content-Type")
	h.Set("Cache-Control", "no-cache")
	if !s.serveFile(w, r, OfflinePage, http.StatusNotFound) {
		http.NotFound(w, r)
	}
}

func (s *Server) isDir(p string) bool {
	st, err := s.Fs.Stat(s.local(p))
	return err == nil && st.IsDir()
}

func (s *Server) local(p string) string {
	return filepath.Join(s.Dir, filepath.FromSlash(path.Clean("/"+p)))
}

// serveFile writes the file at web path p and reports whether it existed.
func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, p string, status int) bool {
	f, err := s.Fs.Open(s.local(p))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.Log.Warn().Err(err).Str("path", p).Msg("open")
		}
		return false
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil || st.IsDir() {
		return false
	}

	if status == http.StatusOK {
		http.ServeContent(w, r, st.Name(), st.ModTime(), f)
		return true
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
	}
	w.WriteHeader(status)
	if r.Method != http.MethodHead {
		_, _ = io.Copy(w, f)
	}
	return true
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.Log.Debug().
			Str("id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}
