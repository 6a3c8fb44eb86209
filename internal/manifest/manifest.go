package manifest

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"swkit/internal/version"
)

const FileName = "cache-manifest.json"

// Shell is the application shell every manifest carries, in install order.
// worker is the script path relative to the output directory.
func Shell(worker string) []string {
	return []string{"/", "/index.html", WebPath(worker), "/manifest.json"}
}

// WebPath turns a path relative to the output directory into a web path.
func WebPath(rel string) string {
	return "/" + strings.TrimPrefix(filepath.ToSlash(rel), "/")
}

// Generated lists build metadata swkit writes into the output directory. It
// is never precached.
var Generated = map[string]struct{}{
	"sw-version.json":     {},
	FileName:              {},
	"build-manifest.json": {},
}

// CacheManifest is the list of paths the worker populates on install.
type CacheManifest struct {
	Version   string         `json:"version"`
	Timestamp int64          `json:"timestamp"`
	Caches    version.Caches `json:"caches"`
	Files     []string       `json:"files"`
}

// Discover walks outDir and returns web paths of files whose extension is in
// allow. Source maps, build metadata and the outDir-relative paths in exclude
// are skipped.
func Discover(afs afero.Fs, outDir string, allow []string, exclude ...string) ([]string, error) {
	exts := make(map[string]struct{}, len(allow))
	for _, e := range allow {
		exts[strings.ToLower(e)] = struct{}{}
	}
	skip := make(map[string]struct{}, len(exclude))
	for _, e := range exclude {
		skip[strings.TrimPrefix(filepath.ToSlash(e), "/")] = struct{}{}
	}

	var out []string
	err := afero.Walk(afs, outDir, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(outDir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if _, ok := Generated[rel]; ok {
			return nil
		}
		if _, ok := skip[rel]; ok {
			return nil
		}
		lower := strings.ToLower(rel)
		if strings.HasSuffix(lower, ".map") {
			return nil
		}
		if _, ok := exts[path.Ext(lower)]; !ok {
			return nil
		}
		out = append(out, "/"+rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover assets in %s: %w", outDir, err)
	}
	sort.Strings(out)
	return out, nil
}

// Generate builds the manifest: shell first, then assets, without duplicates.
func Generate(info version.Info, worker string, assets []string) CacheManifest {
	return CacheManifest{
		Version:   info.Version,
		Timestamp: info.Timestamp,
		Caches:    info.Cache,
		Files:     PrecacheList(worker, assets),
	}
}

// PrecacheList merges the shell for worker with assets, shell first,
// deduplicated.
func PrecacheList(worker string, assets []string) []string {
	shell := Shell(worker)
	seen := make(map[string]struct{}, len(shell)+len(assets))
	files := make([]string, 0, len(shell)+len(assets))
	for _, p := range append(shell, assets...) {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		files = append(files, p)
	}
	return files
}

// Write stores m as pretty-printed json in outDir.
func Write(afs afero.Fs, outDir string, m CacheManifest) error {
	return WriteJSON(afs, filepath.Join(outDir, FileName), m)
}

// WriteJSON writes v indented with two spaces and a trailing newline.
func WriteJSON(afs afero.Fs, p string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(p), err)
	}
	if err := afs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	if err := afero.WriteFile(afs, p, append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}
	return nil
}
