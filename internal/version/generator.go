package version

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"

	"swkit/internal/log"
)

// HashLen is the number of hex characters kept from the digest. Collisions
// across the handful of builds a deployment sees are accepted as negligible;
// nothing downstream relies on uniqueness beyond that.
const HashLen = 8

const unknown = "unknown"

// Generator produces Info for one build. Zero-value fields fall back to
// defaults: the OS filesystem, the wall clock and git on PATH.
type Generator struct {
	Fs   afero.Fs
	Root string

	PackageFile string
	ConfigFiles []string
	Template    string
	SourceDirs  []string
	Extensions  []string

	// Reproducible drops the timestamp from the hash input. Off by default:
	// every build gets its own identity even when sources are unchanged.
	Reproducible bool

	Features Features
	Git      GitReader
	Now      func() time.Time
	Log      *log.Handle
}

// Generate never fails. Unreadable inputs and missing VCS state degrade to
// placeholders with a warning.
func (g *Generator) Generate(ctx context.Context) Info {
	g.defaults()
	now := g.Now()
	ts := now.UnixMilli()

	pkg := g.readPackage()
	hash := g.hash(ts)

	gi, err := g.Git.Read(ctx, g.Root)
	if err != nil {
		g.Log.Warn().Err(err).Msg("git metadata unavailable, using placeholders")
		gi = Git{Commit: unknown, Branch: unknown, Date: now.UTC().Format(time.RFC3339)}
	}

	return Info{
		Version:   pkg.Version + "-" + hash,
		BuildHash: hash,
		Timestamp: ts,
		Git:       gi,
		Package:   pkg,
		Cache:     CacheNames(hash),
		Features:  g.Features,
	}
}

func (g *Generator) defaults() {
	if g.Fs == nil {
		g.Fs = afero.NewOsFs()
	}
	if g.Root == "" {
		g.Root = "."
	}
	if g.PackageFile == "" {
		g.PackageFile = "package.json"
	}
	if g.Git == nil {
		g.Git = ExecGit{}
	}
	if g.Now == nil {
		g.Now = time.Now
	}
	if g.Log == nil {
		g.Log = log.GetLogger("version")
	}
}

func (g *Generator) readPackage() Package {
	p := Package{Name: "app", Version: "0.0.0"}
	b, err := afero.ReadFile(g.Fs, filepath.Join(g.Root, g.PackageFile))
	if err != nil {
		g.Log.Warn().Err(err).Str("file", g.PackageFile).Msg("package manifest unreadable, using defaults")
		return p
	}
	var raw struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		g.Log.Warn().Err(err).Str("file", g.PackageFile).Msg("package manifest is not valid json, using defaults")
		return p
	}
	if raw.Name != "" {
		p.Name = raw.Name
	}
	if raw.Version != "" {
		p.Version = raw.Version
	}
	return p
}

// Inputs lists the root-relative files that feed the hash, sorted.
func (g *Generator) Inputs() []string {
	g.defaults()
	seen := map[string]struct{}{}
	add := func(p string) {
		p = filepath.ToSlash(filepath.Clean(p))
		seen[p] = struct{}{}
	}

	add(g.PackageFile)
	for _, f := range g.ConfigFiles {
		add(f)
	}
	if g.Template != "" {
		add(g.Template)
	}

	exts := make(map[string]struct{}, len(g.Extensions))
	for _, e := range g.Extensions {
		exts[strings.ToLower(e)] = struct{}{}
	}
	for _, dir := range g.SourceDirs {
		base := filepath.Join(g.Root, dir)
		err := afero.Walk(g.Fs, base, func(path string, info fs.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() {
				name := info.Name()
				if path != base && (name == "node_modules" || strings.HasPrefix(name, ".")) {
					return filepath.SkipDir
				}
				return nil
			}
			if _, ok := exts[strings.ToLower(filepath.Ext(path))]; !ok {
				return nil
			}
			rel, err := filepath.Rel(g.Root, path)
			if err != nil {
				return err
			}
			add(rel)
			return nil
		})
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			g.Log.Warn().Err(err).Str("dir", dir).Msg("source walk incomplete")
		}
	}

	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (g *Generator) hash(ts int64) string {
	// Config files are alternatives (vite.config.js or .ts); only warn when
	// none of them exists.
	alternatives := make(map[string]struct{}, len(g.ConfigFiles))
	for _, f := range g.ConfigFiles {
		alternatives[filepath.ToSlash(filepath.Clean(f))] = struct{}{}
	}
	configFound := false

	h := sha256.New()
	for _, rel := range g.Inputs() {
		_, isConfig := alternatives[rel]
		b, err := afero.ReadFile(g.Fs, filepath.Join(g.Root, filepath.FromSlash(rel)))
		if err != nil {
			if isConfig {
				g.Log.Debug().Str("file", rel).Msg("build config not present")
			} else {
				g.Log.Warn().Err(err).Str("file", rel).Msg("hash input missing, skipped")
			}
			continue
		}
		if isConfig {
			configFound = true
		}
		h.Write([]byte(rel))
		h.Write([]byte{0})
		h.Write(b)
		h.Write([]byte{0})
	}
	if len(alternatives) > 0 && !configFound {
		g.Log.Warn().Strs("files", g.ConfigFiles).Msg("no build config file found, hashing without it")
	}
	if !g.Reproducible {
		h.Write([]byte(strconv.FormatInt(ts, 10)))
	}
	return hex.EncodeToString(h.Sum(nil))[:HashLen]
}
