// Package swproto is the contract between pages and the service worker:
// message types, payloads, the cache statistics reply and the two parallel
// lifecycle state sets.
package swproto

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

type MessageType string

// Page to worker.
const (
	GetVersionInfo MessageType = "GET_VERSION_INFO"
	GetCacheInfo   MessageType = "GET_CACHE_INFO"
	ClearCache     MessageType = "CLEAR_CACHE"
	CacheURLs      MessageType = "CACHE_URLS"
	SkipWaiting    MessageType = "SKIP_WAITING"
)

// Worker to all pages, no reply port.
const (
	SWInstalled MessageType = "SW_INSTALLED"
	SWActivated MessageType = "SW_ACTIVATED"
)

// ExpectsReply reports whether t is answered on the port sent with it.
func (t MessageType) ExpectsReply() bool {
	return t == GetVersionInfo || t == GetCacheInfo
}

// Message is the envelope posted to a worker or broadcast by one. ID only
// correlates log lines; replies are matched by the dedicated port.
type Message struct {
	ID      string          `json:"id,omitempty"`
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type ClearCachePayload struct {
	CacheName string `json:"cacheName,omitempty"`
}

type CacheURLsPayload struct {
	URLs []string `json:"urls"`
}

// NewMessage builds an envelope with a fresh ID. payload may be nil.
func NewMessage(t MessageType, payload any) (Message, error) {
	m := Message{ID: uuid.NewString(), Type: t}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("encode %s payload: %w", t, err)
		}
		m.Payload = b
	}
	return m, nil
}

// Broadcast builds a worker-originated event carrying data.
func Broadcast(t MessageType, data any) (Message, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s data: %w", t, err)
	}
	return Message{ID: uuid.NewString(), Type: t, Data: b}, nil
}

// Decode unmarshals the payload into v. An empty payload leaves v untouched.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// BucketStats describes one cache bucket.
type BucketStats struct {
	Entries int   `json:"entries"`
	Size    int64 `json:"size"`
}

// CacheInfo is queried on demand, never persisted.
type CacheInfo struct {
	Version   string                 `json:"version"`
	Caches    map[string]BucketStats `json:"caches"`
	TotalSize int64                  `json:"totalSize"`
}

// NewCacheInfo computes TotalSize from caches so the sum always matches.
func NewCacheInfo(ver string, caches map[string]BucketStats) CacheInfo {
	if caches == nil {
		caches = map[string]BucketStats{}
	}
	var total int64
	for _, s := range caches {
		total += s.Size
	}
	return CacheInfo{Version: ver, Caches: caches, TotalSize: total}
}

// Entries sums entry counts over all buckets.
func (c CacheInfo) Entries() int {
	n := 0
	for _, s := range c.Caches {
		n += s.Entries
	}
	return n
}
