// Package version derives the build identity stamped into the service worker:
// a short content hash, git state and package metadata, plus the cache bucket
// names that hang off the hash.
package version

import "strings"

// Info is immutable once generated. JSON names are part of the contract with
// the worker script and with sw-version.json readers.
type Info struct {
	Version   string   `json:"version"`
	BuildHash string   `json:"buildHash"`
	Timestamp int64    `json:"timestamp"`
	Git       Git      `json:"git"`
	Package   Package  `json:"package"`
	Cache     Caches   `json:"cache"`
	Features  Features `json:"features"`
}

type Git struct {
	Commit string `json:"commit"`
	Branch string `json:"branch"`
	Date   string `json:"date"`
	Dirty  bool   `json:"dirty"`
}

type Package struct {
	Version string `json:"version"`
	Name    string `json:"name"`
}

// Caches holds the four bucket names. All of them carry the same build hash.
type Caches struct {
	Static  string `json:"static"`
	Dynamic string `json:"dynamic"`
	API     string `json:"api"`
	Runtime string `json:"runtime"`
}

type Features struct {
	BackgroundSync    bool `json:"backgroundSync"`
	PushNotifications bool `json:"pushNotifications"`
	OfflineSupport    bool `json:"offlineSupport"`
	CacheFirst        bool `json:"cacheFirst"`
	NetworkFirst      bool `json:"networkFirst"`
}

// Bucket kinds, also the prefixes of the bucket names.
const (
	KindStatic  = "static"
	KindDynamic = "dynamic"
	KindAPI     = "api"
	KindRuntime = "runtime"
)

// CacheNames builds the bucket names for hash.
func CacheNames(hash string) Caches {
	return Caches{
		Static:  KindStatic + "-" + hash,
		Dynamic: KindDynamic + "-" + hash,
		API:     KindAPI + "-" + hash,
		Runtime: KindRuntime + "-" + hash,
	}
}

// All returns the bucket names in static, dynamic, api, runtime order.
func (c Caches) All() []string {
	return []string{c.Static, c.Dynamic, c.API, c.Runtime}
}

// Kind reports the bucket kind encoded in name, or "" for foreign names.
func Kind(name string) string {
	i := strings.LastIndexByte(name, '-')
	if i <= 0 {
		return ""
	}
	switch k := name[:i]; k {
	case KindStatic, KindDynamic, KindAPI, KindRuntime:
		return k
	}
	return ""
}

// DefaultFeatures is what the worker advertises when nothing is configured.
func DefaultFeatures() Features {
	return Features{
		BackgroundSync:    true,
		PushNotifications: false,
		OfflineSupport:    true,
		CacheFirst:        true,
		NetworkFirst:      true,
	}
}
