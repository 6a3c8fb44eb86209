package build

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swkit/internal/config"
	"swkit/internal/inject"
	"swkit/internal/log"
	"swkit/internal/manifest"
	"swkit/internal/version"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeApp stands in for the bundler: it writes hashed assets into dist.
type fakeApp struct {
	mu   sync.Mutex
	fs   afero.Fs
	cmds []Command
	err  error
}

func (a *fakeApp) Run(_ context.Context, cmd Command) error {
	a.mu.Lock()
	a.cmds = append(a.cmds, cmd)
	a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	files := map[string]string{
		"/proj/dist/index.html":               "<html></html>",
		"/proj/dist/assets/index-3f2a.js":     "console.log(1)",
		"/proj/dist/assets/index-3f2a.js.map": "{}",
		"/proj/dist/assets/style-9c1d.css":    "body{}",
		"/proj/dist/notes.txt":                "ignored",
	}
	for p, c := range files {
		if err := afero.WriteFile(a.fs, p, []byte(c), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func project(t *testing.T) (afero.Fs, *fakeApp, *Orchestrator) {
	t.Helper()
	fs := afero.NewMemMapFs()
	write := func(p, c string) {
		require.NoError(t, afero.WriteFile(fs, p, []byte(c), 0o644))
	}
	write("/proj/package.json", `{"name":"docs","version":"1.2.0"}`)
	write("/proj/vite.config.js", `export default {}`)
	write("/proj/src/main.js", `import './app.css'`)
	write("/proj/src/app.css", `body{}`)

	app := &fakeApp{fs: fs}
	o := &Orchestrator{
		Fs:     fs,
		Runner: app,
		Config: config.Default("/proj"),
		Git:    version.StaticGit{Info: version.Git{Commit: "abc1234", Branch: "main", Date: "2026-03-01T11:00:00Z"}},
		Log:    log.Nop(),
		Now:    func() time.Time { return fixedNow },
	}
	return fs, app, o
}

func readJSON(t *testing.T, fs afero.Fs, p string, v any) {
	t.Helper()
	b, err := afero.ReadFile(fs, p)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, v))
}

func TestBuildWritesAllArtifacts(t *testing.T) {
	fs, app, o := project(t)

	res, err := o.Build(context.Background(), Production)
	require.NoError(t, err)

	require.Len(t, app.cmds, 1)
	assert.Equal(t, []string{"npm", "run", "build"}, app.cmds[0].Args)
	assert.Equal(t, "/proj", app.cmds[0].Dir)
	assert.Contains(t, app.cmds[0].Env, "NODE_ENV=production")

	hash := res.Info.BuildHash
	assert.Len(t, hash, version.HashLen)
	assert.Equal(t, "1.2.0-"+hash, res.Info.Version)
	assert.Equal(t, []string{"/assets/index-3f2a.js", "/assets/style-9c1d.css", "/index.html"}, res.Assets)

	sw, err := afero.ReadFile(fs, "/proj/dist/sw.js")
	require.NoError(t, err)
	assert.Contains(t, string(sw), `"static-`+hash+`"`)
	assert.Contains(t, string(sw), `"1.2.0-`+hash+`"`)
	precache, err := inject.ExtractPrecache(sw)
	require.NoError(t, err)
	assert.Equal(t, res.Manifest.Files, precache)
	shell := manifest.Shell("sw.js")
	assert.Equal(t, shell, precache[:len(shell)])
	assert.Contains(t, precache, "/offline.html")
	assert.Contains(t, precache, "/assets/index-3f2a.js")
	assert.NotContains(t, precache, "/assets/index-3f2a.js.map")

	var stamped version.Info
	readJSON(t, fs, "/proj/dist/sw-version.json", &stamped)
	assert.Equal(t, res.Info, stamped)

	var cm manifest.CacheManifest
	readJSON(t, fs, "/proj/dist/cache-manifest.json", &cm)
	assert.Equal(t, res.Manifest, cm)

	var bm BuildManifest
	readJSON(t, fs, "/proj/dist/build-manifest.json", &bm)
	assert.Equal(t, Production, bm.Mode)
	assert.True(t, bm.Minify)
	assert.Equal(t, "docs", bm.Package.Name)
	assert.Equal(t, hash, bm.BuildHash)
	assert.Equal(t, res.Info.Cache, bm.ServiceWorker.Caches)
	assert.Equal(t, fixedNow.Format(time.RFC3339), bm.BuildTime)
	assert.NotEmpty(t, bm.Environment.GoVersion)

	offline, err := afero.ReadFile(fs, "/proj/dist/offline.html")
	require.NoError(t, err)
	assert.Equal(t, inject.DefaultOfflinePage, offline)
	assert.Equal(t, []string{"public/404.html", "public/manifest.json"}, res.Skipped)
}

func TestBuildCopiesProjectAuxFilesAndTemplate(t *testing.T) {
	fs, _, o := project(t)
	require.NoError(t, afero.WriteFile(fs, "/proj/public/offline.html", []byte("<p>offline</p>"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/proj/public/manifest.json", []byte(`{"name":"docs"}`), 0o644))
	tmpl := `const STATIC_CACHE = 'static-dev';
const DYNAMIC_CACHE = 'dynamic-dev';
const API_CACHE = 'api-dev';
const RUNTIME_CACHE = 'runtime-dev';
const VERSION_INFO = {};
const STATIC_FILES = ['/'];
self.addEventListener('install', () => {});
`
	require.NoError(t, afero.WriteFile(fs, "/proj/public/sw.js", []byte(tmpl), 0o644))

	res, err := o.Build(context.Background(), Production)
	require.NoError(t, err)

	offline, err := afero.ReadFile(fs, "/proj/dist/offline.html")
	require.NoError(t, err)
	assert.Equal(t, "<p>offline</p>", string(offline))
	assert.Equal(t, []string{"public/404.html"}, res.Skipped)

	sw, err := afero.ReadFile(fs, "/proj/dist/sw.js")
	require.NoError(t, err)
	assert.Contains(t, string(sw), "self.addEventListener('install'")
	assert.Contains(t, string(sw), "function getVersionInfo()")
	info, err := inject.ExtractVersionInfo(sw)
	require.NoError(t, err)
	assert.Equal(t, res.Info.BuildHash, info.BuildHash)
}

func TestAppBuildFailureWritesNothing(t *testing.T) {
	fs, app, o := project(t)
	app.err = errors.New("exit status 1")

	_, err := o.Build(context.Background(), Production)
	require.ErrorIs(t, err, ErrAppBuild)
	assert.ErrorContains(t, err, "exit status 1")

	for _, f := range []string{"sw.js", VersionFile, manifest.FileName, BuildManifestFile} {
		_, statErr := fs.Stat(filepath.Join("/proj/dist", f))
		assert.True(t, os.IsNotExist(statErr), f)
	}
}

func TestPatchFailureLeavesNoWorker(t *testing.T) {
	fs, _, o := project(t)
	tmpl := `const STATIC_CACHE = 'static-dev';
const DYNAMIC_CACHE = 'dynamic-dev';
const API_CACHE = 'api-dev';
const RUNTIME_CACHE = 'runtime-dev';
const VERSION_INFO = {};
self.addEventListener('install', () => {});
`
	require.NoError(t, afero.WriteFile(fs, "/proj/public/sw.js", []byte(tmpl), 0o644))

	_, err := o.Build(context.Background(), Production)
	require.ErrorIs(t, err, inject.ErrNotWorkerTemplate)

	for _, f := range []string{"sw.js", VersionFile, manifest.FileName, "offline.html", BuildManifestFile} {
		_, statErr := fs.Stat(filepath.Join("/proj/dist", f))
		assert.True(t, os.IsNotExist(statErr), f)
	}
}

func TestCustomWorkerOutput(t *testing.T) {
	fs, _, o := project(t)
	o.Config.Worker.Output = "service-worker.js"

	// a worker left over from an earlier build must not become an asset
	require.NoError(t, afero.WriteFile(fs, "/proj/dist/service-worker.js", []byte("old"), 0o644))

	res, err := o.Build(context.Background(), Production)
	require.NoError(t, err)
	assert.Equal(t, []string{"/assets/index-3f2a.js", "/assets/style-9c1d.css", "/index.html"}, res.Assets)

	sw, err := afero.ReadFile(fs, "/proj/dist/service-worker.js")
	require.NoError(t, err)
	precache, err := inject.ExtractPrecache(sw)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"/", "/index.html", "/service-worker.js", "/manifest.json",
		"/assets/index-3f2a.js", "/assets/style-9c1d.css", "/offline.html",
	}, precache)
	assert.NotContains(t, precache, "/sw.js")
}

func TestDevelopmentBuild(t *testing.T) {
	fs, app, o := project(t)
	o.Config.Build.Env = map[string]string{"API_URL": "http://localhost:8080"}

	_, err := o.Build(context.Background(), Development)
	require.NoError(t, err)

	require.Len(t, app.cmds, 1)
	assert.Equal(t, []string{"npm", "run", "build", "--", "--mode", "development", "--minify", "false"}, app.cmds[0].Args)
	assert.Equal(t, []string{"API_URL=http://localhost:8080", "NODE_ENV=development"}, app.cmds[0].Env)

	var bm BuildManifest
	readJSON(t, fs, "/proj/dist/build-manifest.json", &bm)
	assert.Equal(t, Development, bm.Mode)
	assert.False(t, bm.Minify)

	_, err = fs.Stat("/proj/dist/sw.js")
	assert.NoError(t, err)
}

func TestBuildHashTracksSources(t *testing.T) {
	fs, _, o := project(t)

	first, err := o.Build(context.Background(), Production)
	require.NoError(t, err)
	again, err := o.Build(context.Background(), Production)
	require.NoError(t, err)
	assert.Equal(t, first.Info.BuildHash, again.Info.BuildHash)

	require.NoError(t, afero.WriteFile(fs, "/proj/src/main.js", []byte(`import './app.css';`), 0o644))
	changed, err := o.Build(context.Background(), Production)
	require.NoError(t, err)
	assert.NotEqual(t, first.Info.BuildHash, changed.Info.BuildHash)
}

func TestReproducibleIgnoresClock(t *testing.T) {
	_, _, o := project(t)
	o.Config.Version.Reproducible = true

	a, err := o.Build(context.Background(), Production)
	require.NoError(t, err)
	o.Now = func() time.Time { return fixedNow.Add(time.Hour) }
	b, err := o.Build(context.Background(), Production)
	require.NoError(t, err)

	assert.Equal(t, a.Info.BuildHash, b.Info.BuildHash)
	assert.NotEqual(t, a.Info.Timestamp, b.Info.Timestamp)
}

func TestFeaturesFromConfig(t *testing.T) {
	_, _, o := project(t)
	on, off := true, false
	o.Config.Worker.Features.PushNotifications = &on
	o.Config.Worker.Features.CacheFirst = &off

	res, err := o.Build(context.Background(), Production)
	require.NoError(t, err)
	assert.True(t, res.Info.Features.PushNotifications)
	assert.False(t, res.Info.Features.CacheFirst)
	assert.True(t, res.Info.Features.OfflineSupport)
}

func TestClean(t *testing.T) {
	fs, _, o := project(t)
	_, err := o.Build(context.Background(), Production)
	require.NoError(t, err)

	require.NoError(t, o.Clean(context.Background()))
	_, err = fs.Stat("/proj/dist")
	assert.True(t, os.IsNotExist(err))

	assert.NoError(t, o.Clean(context.Background()), "cleaning twice is fine")
	_, err = fs.Stat("/proj/src/main.js")
	assert.NoError(t, err)
}

func TestLineWriter(t *testing.T) {
	var got []string
	w := &lineWriter{emit: func(s string) { got = append(got, s) }}
	_, _ = w.Write([]byte("vite v5\nbuilding"))
	_, _ = w.Write([]byte(" for production...\r\n\n"))
	_, _ = w.Write([]byte("done"))
	w.Flush()
	assert.Equal(t, []string{"vite v5", "building for production...", "done"}, got)
}
