package sw

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"swkit/internal/swproto"
)

// Key layout:
//
//	b:<bucket>            bucket marker
//	e:<bucket>\x00<url>   gob Entry
//	m:<bucket>\x00<url>   gob entryMeta
const (
	prefixBucket = "b:"
	prefixEntry  = "e:"
	prefixMeta   = "m:"
	sep          = "\x00"
)

// Entry is one cached response.
type Entry struct {
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix nanoseconds
	Hash32   uint32
}

type entryMeta struct {
	Size     int64
	StoredAt int64
}

type bucketIndex struct {
	entries map[string]entryMeta
	size    int64
}

// Storage is the worker's cache storage: named buckets of url-keyed entries
// persisted in leveldb. Sizes are tracked in memory and rebuilt on open.
type Storage struct {
	db *leveldb.DB

	mu      sync.Mutex
	buckets map[string]*bucketIndex
}

// OpenStorage opens (or creates) storage at path.
func OpenStorage(path string) (*Storage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open cache storage: %w", err)
	}
	return newStorage(db)
}

// OpenMemStorage returns storage that lives only in memory.
func OpenMemStorage() (*Storage, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return newStorage(db)
}

func newStorage(db *leveldb.DB) (*Storage, error) {
	s := &Storage{db: db, buckets: map[string]*bucketIndex{}}
	if err := s.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) loadIndex() error {
	it := s.db.NewIterator(util.BytesPrefix([]byte(prefixBucket)), nil)
	for it.Next() {
		name := string(bytes.TrimPrefix(it.Key(), []byte(prefixBucket)))
		s.buckets[name] = &bucketIndex{entries: map[string]entryMeta{}}
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}

	it = s.db.NewIterator(util.BytesPrefix([]byte(prefixMeta)), nil)
	defer it.Release()
	for it.Next() {
		bucket, url, ok := splitKey(bytes.TrimPrefix(it.Key(), []byte(prefixMeta)))
		if !ok {
			continue
		}
		var meta entryMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		b := s.buckets[bucket]
		if b == nil {
			b = &bucketIndex{entries: map[string]entryMeta{}}
			s.buckets[bucket] = b
		}
		b.entries[url] = meta
		b.size += meta.Size
	}
	return it.Error()
}

func splitKey(k []byte) (bucket, url string, ok bool) {
	i := bytes.Index(k, []byte(sep))
	if i < 0 {
		return "", "", false
	}
	return string(k[:i]), string(k[i+1:]), true
}

func entryKey(prefix, bucket, url string) []byte {
	return []byte(prefix + bucket + sep + url)
}

// Open creates bucket if it does not exist yet.
func (s *Storage) Open(bucket string) error {
	if bucket == "" || strings.Contains(bucket, sep) {
		return fmt.Errorf("invalid bucket name %q", bucket)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLocked(bucket)
}

func (s *Storage) openLocked(bucket string) error {
	if _, ok := s.buckets[bucket]; ok {
		return nil
	}
	if err := s.db.Put([]byte(prefixBucket+bucket), []byte{1}, nil); err != nil {
		return err
	}
	s.buckets[bucket] = &bucketIndex{entries: map[string]entryMeta{}}
	return nil
}

// Has reports whether bucket exists.
func (s *Storage) Has(bucket string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.buckets[bucket]
	return ok
}

// Keys lists bucket names, sorted.
func (s *Storage) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.buckets))
	for k := range s.buckets {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Put stores ent under url in bucket, creating the bucket when needed.
func (s *Storage) Put(bucket, url string, ent Entry) error {
	ent.URL = url
	b, err := encodeGob(ent)
	if err != nil {
		return err
	}
	meta := entryMeta{Size: int64(len(ent.Body)), StoredAt: ent.StoredAt}
	mb, err := encodeGob(meta)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.openLocked(bucket); err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put(entryKey(prefixEntry, bucket, url), b)
	batch.Put(entryKey(prefixMeta, bucket, url), mb)
	if err := s.db.Write(batch, nil); err != nil {
		return err
	}
	idx := s.buckets[bucket]
	if old, ok := idx.entries[url]; ok {
		idx.size -= old.Size
	}
	idx.entries[url] = meta
	idx.size += meta.Size
	return nil
}

// Match returns the entry stored under url in bucket.
func (s *Storage) Match(bucket, url string) (Entry, bool) {
	b, err := s.db.Get(entryKey(prefixEntry, bucket, url), nil)
	if err != nil {
		return Entry{}, false
	}
	var ent Entry
	if err := decodeGob(b, &ent); err != nil {
		return Entry{}, false
	}
	return ent, true
}

// MatchAny searches every bucket, in name order.
func (s *Storage) MatchAny(url string) (Entry, string, bool) {
	for _, bucket := range s.Keys() {
		if ent, ok := s.Match(bucket, url); ok {
			return ent, bucket, true
		}
	}
	return Entry{}, "", false
}

// DeleteEntry removes one url from bucket. Missing entries are ignored.
func (s *Storage) DeleteEntry(bucket, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.buckets[bucket]
	if !ok {
		return nil
	}
	batch := new(leveldb.Batch)
	batch.Delete(entryKey(prefixEntry, bucket, url))
	batch.Delete(entryKey(prefixMeta, bucket, url))
	if err := s.db.Write(batch, nil); err != nil {
		return err
	}
	if meta, ok := idx.entries[url]; ok {
		idx.size -= meta.Size
		delete(idx.entries, url)
	}
	return nil
}

// Delete drops bucket and all of its entries. It reports whether the bucket
// existed.
func (s *Storage) Delete(bucket string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.buckets[bucket]
	if !ok {
		return false, nil
	}
	batch := new(leveldb.Batch)
	batch.Delete([]byte(prefixBucket + bucket))
	for url := range idx.entries {
		batch.Delete(entryKey(prefixEntry, bucket, url))
		batch.Delete(entryKey(prefixMeta, bucket, url))
	}
	if err := s.db.Write(batch, nil); err != nil {
		return true, err
	}
	delete(s.buckets, bucket)
	return true, nil
}

// Stats returns entry count and byte size of bucket.
func (s *Storage) Stats(bucket string) (swproto.BucketStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.buckets[bucket]
	if !ok {
		return swproto.BucketStats{}, false
	}
	return swproto.BucketStats{Entries: len(idx.entries), Size: idx.size}, true
}

// Snapshot returns stats for every bucket.
func (s *Storage) Snapshot() map[string]swproto.BucketStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]swproto.BucketStats, len(s.buckets))
	for name, idx := range s.buckets {
		out[name] = swproto.BucketStats{Entries: len(idx.entries), Size: idx.size}
	}
	return out
}

// oldest returns urls of bucket ordered by StoredAt ascending.
func (s *Storage) oldest(bucket string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.buckets[bucket]
	if !ok {
		return nil
	}
	type item struct {
		url string
		at  int64
	}
	items := make([]item, 0, len(idx.entries))
	for u, m := range idx.entries {
		items = append(items, item{u, m.StoredAt})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].at == items[j].at {
			return items[i].url < items[j].url
		}
		return items[i].at < items[j].at
	})
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.url
	}
	return out
}

var errEmptyGob = errors.New("empty gob value")

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	if len(b) == 0 {
		return errEmptyGob
	}
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
