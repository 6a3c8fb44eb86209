// Package build turns an application build into an offline-capable one: it
// runs the app's own build, derives the build identity, writes the stamped
// worker script and the manifests next to the built assets.
package build

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/spf13/afero"

	"swkit/internal/config"
	"swkit/internal/inject"
	"swkit/internal/log"
	"swkit/internal/manifest"
	"swkit/internal/version"
)

// ErrAppBuild wraps failures of the application build command. Nothing is
// written when it occurs.
var ErrAppBuild = errors.New("application build failed")

const (
	VersionFile       = "sw-version.json"
	BuildManifestFile = "build-manifest.json"
)

type Mode string

const (
	Production  Mode = "production"
	Development Mode = "development"
)

type Result struct {
	Info     version.Info
	Manifest manifest.CacheManifest
	Assets   []string
	// Skipped lists auxiliary files that were configured but not found.
	Skipped  []string
	Duration time.Duration
}

// BuildManifest describes one build. Minify is false in development, where
// the default dev command passes --minify false to the bundler.
type BuildManifest struct {
	BuildTime     string          `json:"buildTime"`
	Mode          Mode            `json:"mode"`
	Minify        bool            `json:"minify"`
	Package       version.Package `json:"package"`
	Version       string          `json:"version"`
	BuildHash     string          `json:"buildHash"`
	Assets        []string        `json:"assets"`
	ServiceWorker struct {
		Features version.Features `json:"features"`
		Caches   version.Caches   `json:"caches"`
	} `json:"serviceWorker"`
	Environment Environment `json:"environment"`
}

type Environment struct {
	GoVersion string `json:"goVersion"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	Hostname  string `json:"hostname"`
}

type Orchestrator struct {
	Fs     afero.Fs
	Runner CommandRunner
	Config config.Config
	Git    version.GitReader
	Log    *log.Handle
	Now    func() time.Time
	// Debounce delays rebuilds in Watch after the last change.
	Debounce time.Duration
}

// New returns an orchestrator working on the OS filesystem.
func New(cfg config.Config) *Orchestrator {
	l := log.GetLogger("build")
	return &Orchestrator{
		Fs:       afero.NewOsFs(),
		Runner:   ExecRunner{Log: l},
		Config:   cfg,
		Git:      version.ExecGit{Timeout: cfg.GitTimeout()},
		Log:      l,
		Now:      time.Now,
		Debounce: 300 * time.Millisecond,
	}
}

func (o *Orchestrator) defaults() {
	if o.Fs == nil {
		o.Fs = afero.NewOsFs()
	}
	if o.Log == nil {
		o.Log = log.GetLogger("build")
	}
	if o.Runner == nil {
		o.Runner = ExecRunner{Log: o.Log}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Debounce <= 0 {
		o.Debounce = 300 * time.Millisecond
	}
}

// Build runs the whole pipeline for mode.
func (o *Orchestrator) Build(ctx context.Context, mode Mode) (Result, error) {
	o.defaults()
	cfg := &o.Config
	start := o.Now()

	if err := o.runApp(ctx, mode); err != nil {
		return Result{}, err
	}

	gen := &version.Generator{
		Fs:           o.Fs,
		Root:         cfg.Root,
		PackageFile:  cfg.Version.PackageFile,
		ConfigFiles:  cfg.Version.ConfigFiles,
		Template:     cfg.Worker.Template,
		SourceDirs:   cfg.Version.SourceDirs,
		Extensions:   cfg.Version.Extensions,
		Reproducible: cfg.Version.Reproducible,
		Features:     resolveFeatures(cfg.Worker.Features),
		Git:          o.Git,
		Now:          o.Now,
		Log:          log.GetLogger("version"),
	}
	info := gen.Generate(ctx)
	o.Log.Info().Str("version", info.Version).Str("hash", info.BuildHash).Msg("build identity")

	tmpl, err := afero.ReadFile(o.Fs, cfg.Path(cfg.Worker.Template))
	if errors.Is(err, os.ErrNotExist) {
		o.Log.Info().Str("template", cfg.Worker.Template).Msg("no worker template, using the built-in one")
		tmpl, err = inject.DefaultTemplate, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("read worker template: %w", err)
	}
	script, err := inject.Render(tmpl, info)
	if err != nil {
		return Result{}, fmt.Errorf("render %s: %w", cfg.Worker.Template, err)
	}

	// Everything below is assembled in memory first so a failure leaves no
	// half-patched worker behind.
	outDir := cfg.OutPath()
	aux, skipped, err := o.collectAux()
	if err != nil {
		return Result{}, err
	}
	exclude := []string{cfg.Worker.Output}
	auxPaths := make([]string, 0, len(aux))
	for _, a := range aux {
		exclude = append(exclude, a.name)
		auxPaths = append(auxPaths, manifest.WebPath(a.name))
	}
	assets, err := manifest.Discover(o.Fs, outDir, cfg.Worker.AssetExts, exclude...)
	if err != nil {
		return Result{}, err
	}
	m := manifest.Generate(info, cfg.Worker.Output, append(append([]string{}, assets...), auxPaths...))
	script, err = inject.PatchPrecache(script, m.Files)
	if err != nil {
		return Result{}, fmt.Errorf("patch %s: %w", cfg.Worker.Output, err)
	}

	if err := o.write(filepath.Join(outDir, cfg.Worker.Output), script); err != nil {
		return Result{}, err
	}
	if err := manifest.WriteJSON(o.Fs, filepath.Join(outDir, VersionFile), info); err != nil {
		return Result{}, err
	}
	if err := manifest.Write(o.Fs, outDir, m); err != nil {
		return Result{}, err
	}
	for _, a := range aux {
		if err := o.write(filepath.Join(outDir, a.name), a.body); err != nil {
			return Result{}, err
		}
	}
	if err := manifest.WriteJSON(o.Fs, filepath.Join(outDir, BuildManifestFile), o.buildManifest(mode, info, assets)); err != nil {
		return Result{}, err
	}

	res := Result{Info: info, Manifest: m, Assets: assets, Skipped: skipped, Duration: o.Now().Sub(start)}
	o.Log.Info().
		Str("mode", string(mode)).
		Int("assets", len(assets)).
		Int("precache", len(m.Files)).
		Dur("took", res.Duration).
		Msg("service worker build complete")
	return res, nil
}

func (o *Orchestrator) runApp(ctx context.Context, mode Mode) error {
	cfg := &o.Config
	args := cfg.Build.Command
	env := map[string]string{}
	for k, v := range cfg.Build.Env {
		env[k] = v
	}
	if mode == Development {
		args = cfg.Build.DevCommand
		env["NODE_ENV"] = "development"
	} else if _, ok := env["NODE_ENV"]; !ok {
		env["NODE_ENV"] = "production"
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	cmd := Command{Dir: cfg.Root, Args: args}
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+env[k])
	}

	if t := cfg.BuildTimeout(); t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	o.Log.Info().Str("cmd", cmd.String()).Str("dir", cmd.Dir).Msg("running application build")
	if err := o.Runner.Run(ctx, cmd); err != nil {
		return fmt.Errorf("%w: %w", ErrAppBuild, err)
	}
	return nil
}

type auxFile struct {
	name string // relative to the output directory
	body []byte
}

// collectAux reads the auxiliary pages to copy into the output directory. A
// missing offline page is replaced by the built-in one; other missing files
// are skipped.
func (o *Orchestrator) collectAux() (aux []auxFile, skipped []string, _ error) {
	cfg := &o.Config
	for _, f := range cfg.Worker.AuxFiles {
		name := filepath.Base(f)
		b, err := afero.ReadFile(o.Fs, cfg.Path(f))
		switch {
		case err == nil:
		case errors.Is(err, os.ErrNotExist) && name == "offline.html":
			o.Log.Info().Str("file", f).Msg("no offline page, writing the default one")
			b = inject.DefaultOfflinePage
		case errors.Is(err, os.ErrNotExist):
			o.Log.Warn().Str("file", f).Msg("auxiliary file not found, skipped")
			skipped = append(skipped, f)
			continue
		default:
			return nil, skipped, fmt.Errorf("read %s: %w", f, err)
		}
		aux = append(aux, auxFile{name: name, body: b})
	}
	return aux, skipped, nil
}

func (o *Orchestrator) buildManifest(mode Mode, info version.Info, assets []string) BuildManifest {
	host, _ := os.Hostname()
	bm := BuildManifest{
		BuildTime: o.Now().UTC().Format(time.RFC3339),
		Mode:      mode,
		Minify:    mode == Production,
		Package:   info.Package,
		Version:   info.Version,
		BuildHash: info.BuildHash,
		Assets:    assets,
		Environment: Environment{
			GoVersion: runtime.Version(),
			OS:        runtime.GOOS,
			Arch:      runtime.GOARCH,
			Hostname:  host,
		},
	}
	if bm.Assets == nil {
		bm.Assets = []string{}
	}
	bm.ServiceWorker.Features = info.Features
	bm.ServiceWorker.Caches = info.Cache
	return bm
}

func (o *Orchestrator) write(p string, b []byte) error {
	if err := o.Fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	if err := afero.WriteFile(o.Fs, p, b, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}
	return nil
}

// Clean removes the output directory. A missing directory is not an error.
func (o *Orchestrator) Clean(ctx context.Context) error {
	o.defaults()
	out := o.Config.OutPath()
	if err := o.Fs.RemoveAll(out); err != nil {
		return fmt.Errorf("clean %s: %w", out, err)
	}
	o.Log.Info().Str("dir", out).Msg("cleaned")
	return nil
}

func resolveFeatures(f config.Features) version.Features {
	out := version.DefaultFeatures()
	set := func(dst *bool, v *bool) {
		if v != nil {
			*dst = *v
		}
	}
	set(&out.BackgroundSync, f.BackgroundSync)
	set(&out.PushNotifications, f.PushNotifications)
	set(&out.OfflineSupport, f.OfflineSupport)
	set(&out.CacheFirst, f.CacheFirst)
	set(&out.NetworkFirst, f.NetworkFirst)
	return out
}
