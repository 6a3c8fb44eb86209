// Package inject stamps build identity into a service worker script.
//
// Rendering is two-phase. Render runs before the application build has
// produced its hashed assets and embeds cache names and VERSION_INFO;
// PatchPrecache runs afterwards and replaces STATIC_FILES with the real
// asset list. Collapsing the phases would precache file names that no longer
// exist.
package inject

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"swkit/internal/version"
)

//go:embed templates/sw.js
var DefaultTemplate []byte

//go:embed templates/offline.html
var DefaultOfflinePage []byte

var ErrNotWorkerTemplate = errors.New("not a worker template")

var (
	cacheConstRe   = regexp.MustCompile(`(?m)^([ \t]*(?:const|let|var)[ \t]+(STATIC|DYNAMIC|API|RUNTIME)_CACHE[ \t]*=[ \t]*)(?:'[^'\n]*'|"[^"\n]*"|` + "`[^`\n]*`" + `)[ \t]*;`)
	versionInfoRe  = regexp.MustCompile(`(?:const|let|var)[ \t]+VERSION_INFO[ \t]*=[ \t]*`)
	staticFilesRe  = regexp.MustCompile(`(?s)((?:const|let|var)[ \t]+STATIC_FILES[ \t]*=[ \t]*)\[.*?\][ \t]*;`)
	accessorRe     = regexp.MustCompile(`function[ \t]+getVersionInfo[ \t]*\(`)
	accessorSource = "\nfunction getVersionInfo() {\n  return VERSION_INFO;\n}\n"
)

// Render replaces the four cache-name constants and the VERSION_INFO literal
// in tmpl. An accessor is appended when the template does not define one.
func Render(tmpl []byte, info version.Info) ([]byte, error) {
	names := map[string]string{
		"STATIC":  info.Cache.Static,
		"DYNAMIC": info.Cache.Dynamic,
		"API":     info.Cache.API,
		"RUNTIME": info.Cache.Runtime,
	}
	found := map[string]bool{}
	out := cacheConstRe.ReplaceAllFunc(tmpl, func(m []byte) []byte {
		sub := cacheConstRe.FindSubmatch(m)
		kind := string(sub[2])
		found[kind] = true
		q, _ := json.Marshal(names[kind])
		return append(append(append([]byte{}, sub[1]...), q...), ';')
	})
	var missing []string
	for _, k := range []string{"STATIC", "DYNAMIC", "API", "RUNTIME"} {
		if !found[k] {
			missing = append(missing, k+"_CACHE")
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %s", ErrNotWorkerTemplate, strings.Join(missing, ", "))
	}

	literal, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode version info: %w", err)
	}
	start, end, err := locateVersionInfo(out)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(len(out) + len(literal))
	buf.Write(out[:start])
	buf.Write(literal)
	buf.Write(out[end:])
	out = buf.Bytes()

	if !accessorRe.Match(out) {
		out = append(out, accessorSource...)
	}
	return out, nil
}

// PatchPrecache replaces the STATIC_FILES array with files.
func PatchPrecache(script []byte, files []string) ([]byte, error) {
	loc := staticFilesRe.FindSubmatchIndex(script)
	if loc == nil {
		return nil, fmt.Errorf("%w: STATIC_FILES not found", ErrNotWorkerTemplate)
	}
	if files == nil {
		files = []string{}
	}
	list, err := json.MarshalIndent(files, "", "  ")
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Write(script[:loc[3]])
	buf.Write(list)
	buf.WriteByte(';')
	buf.Write(script[loc[1]:])
	return buf.Bytes(), nil
}

// ExtractVersionInfo reads the VERSION_INFO literal back out of a rendered
// script.
func ExtractVersionInfo(script []byte) (version.Info, error) {
	start, end, err := locateVersionInfo(script)
	if err != nil {
		return version.Info{}, err
	}
	var info version.Info
	if err := json.Unmarshal(script[start:end], &info); err != nil {
		return version.Info{}, fmt.Errorf("decode VERSION_INFO: %w", err)
	}
	if info.BuildHash == "" {
		return version.Info{}, fmt.Errorf("%w: VERSION_INFO has not been rendered", ErrNotWorkerTemplate)
	}
	return info, nil
}

// ExtractPrecache returns the STATIC_FILES list of script.
func ExtractPrecache(script []byte) ([]string, error) {
	loc := staticFilesRe.FindSubmatchIndex(script)
	if loc == nil {
		return nil, fmt.Errorf("%w: STATIC_FILES not found", ErrNotWorkerTemplate)
	}
	raw := bytes.TrimSpace(script[loc[3]:loc[1]])
	raw = bytes.TrimSuffix(raw, []byte(";"))
	raw = bytes.TrimSpace(raw)
	// Templates may use single quotes and trailing commas; rendered scripts are json.
	var files []string
	if err := json.Unmarshal(raw, &files); err == nil {
		return files, nil
	}
	norm := strings.ReplaceAll(string(raw), "'", `"`)
	norm = regexp.MustCompile(`,\s*\]`).ReplaceAllString(norm, "]")
	if err := json.Unmarshal([]byte(norm), &files); err != nil {
		return nil, fmt.Errorf("decode STATIC_FILES: %w", err)
	}
	return files, nil
}

// locateVersionInfo returns the byte range of the json value assigned to
// VERSION_INFO.
func locateVersionInfo(script []byte) (int, int, error) {
	loc := versionInfoRe.FindIndex(script)
	if loc == nil {
		return 0, 0, fmt.Errorf("%w: VERSION_INFO not found", ErrNotWorkerTemplate)
	}
	start := loc[1]
	dec := json.NewDecoder(bytes.NewReader(script[start:]))
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return 0, 0, fmt.Errorf("%w: VERSION_INFO is not a json literal: %v", ErrNotWorkerTemplate, err)
	}
	end := start + int(dec.InputOffset())
	return start, end, nil
}
