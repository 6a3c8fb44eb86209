package inject

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swkit/internal/version"
)

func sampleInfo() version.Info {
	return version.Info{
		Version:   "1.2.0-ab12cd34",
		BuildHash: "ab12cd34",
		Timestamp: 1700000000000,
		Git:       version.Git{Commit: "abc1234", Branch: "main", Date: "2026-01-01T00:00:00Z"},
		Package:   version.Package{Name: "docs", Version: "1.2.0"},
		Cache:     version.CacheNames("ab12cd34"),
		Features:  version.DefaultFeatures(),
	}
}

func TestRenderDefaultTemplate(t *testing.T) {
	out, err := Render(DefaultTemplate, sampleInfo())
	require.NoError(t, err)
	s := string(out)

	assert.Contains(t, s, `const STATIC_CACHE = "static-ab12cd34";`)
	assert.Contains(t, s, `const DYNAMIC_CACHE = "dynamic-ab12cd34";`)
	assert.Contains(t, s, `const API_CACHE = "api-ab12cd34";`)
	assert.Contains(t, s, `const RUNTIME_CACHE = "runtime-ab12cd34";`)
	assert.Contains(t, s, `"static-ab12cd34"`)
	assert.Contains(t, s, `"1.2.0-ab12cd34"`)
	assert.NotContains(t, s, "static-dev")
	assert.Equal(t, 1, strings.Count(s, "function getVersionInfo("))

	back, err := ExtractVersionInfo(out)
	require.NoError(t, err)
	assert.Equal(t, sampleInfo(), back)
}

func TestRenderAddsAccessorWhenMissing(t *testing.T) {
	tmpl := []byte(`const STATIC_CACHE = 'a';
const DYNAMIC_CACHE = 'b';
const API_CACHE = "c";
let RUNTIME_CACHE = ` + "`d`" + `;
const VERSION_INFO = { "version": "dev" };
const STATIC_FILES = [];
`)
	out, err := Render(tmpl, sampleInfo())
	require.NoError(t, err)
	assert.Contains(t, string(out), "function getVersionInfo() {\n  return VERSION_INFO;\n}")
	assert.Contains(t, string(out), `let RUNTIME_CACHE = "runtime-ab12cd34";`)
}

func TestRenderRejectsForeignScript(t *testing.T) {
	_, err := Render([]byte(`console.log("hi")`), sampleInfo())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotWorkerTemplate))
	assert.Contains(t, err.Error(), "STATIC_CACHE")

	noInfo := []byte("const STATIC_CACHE='a';\nconst DYNAMIC_CACHE='b';\nconst API_CACHE='c';\nconst RUNTIME_CACHE='d';\n")
	_, err = Render(noInfo, sampleInfo())
	assert.ErrorIs(t, err, ErrNotWorkerTemplate)
}

func TestPatchPrecacheReplacesList(t *testing.T) {
	rendered, err := Render(DefaultTemplate, sampleInfo())
	require.NoError(t, err)

	before, err := ExtractPrecache(rendered)
	require.NoError(t, err)
	assert.Equal(t, []string{"/", "/index.html", "/manifest.json"}, before)

	files := []string{"/", "/index.html", "/sw.js", "/manifest.json", "/assets/index-abc123.js"}
	patched, err := PatchPrecache(rendered, files)
	require.NoError(t, err)

	after, err := ExtractPrecache(patched)
	require.NoError(t, err)
	assert.Equal(t, files, after)

	// The version literal survives the second phase untouched.
	info, err := ExtractVersionInfo(patched)
	require.NoError(t, err)
	assert.Equal(t, "ab12cd34", info.BuildHash)
}

func TestPatchPrecacheIsIdempotent(t *testing.T) {
	rendered, err := Render(DefaultTemplate, sampleInfo())
	require.NoError(t, err)
	once, err := PatchPrecache(rendered, []string{"/a.js"})
	require.NoError(t, err)
	twice, err := PatchPrecache(once, []string{"/a.js"})
	require.NoError(t, err)
	assert.Equal(t, string(once), string(twice))
}

func TestExtractVersionInfoFromUnrenderedTemplate(t *testing.T) {
	_, err := ExtractVersionInfo(DefaultTemplate)
	assert.ErrorIs(t, err, ErrNotWorkerTemplate)
}
