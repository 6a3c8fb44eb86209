package sw

import (
	"math"
	"sync/atomic"
)

// fetchStats tracks sizes of responses the worker fetched for its buckets.
type fetchStats struct {
	fetched  atomic.Uint64
	failed   atomic.Uint64
	bytes    atomic.Uint64
	minBytes atomic.Uint64
	maxBytes atomic.Uint64
}

func newFetchStats() *fetchStats {
	s := &fetchStats{}
	s.minBytes.Store(math.MaxUint64)
	return s
}

func (s *fetchStats) Fail() { s.failed.Add(1) }

func (s *fetchStats) Observe(n int) {
	if n < 0 {
		n = 0
	}
	v := uint64(n)
	s.fetched.Add(1)
	s.bytes.Add(v)
	for {
		cur := s.minBytes.Load()
		if v >= cur || s.minBytes.CompareAndSwap(cur, v) {
			break
		}
	}
	for {
		cur := s.maxBytes.Load()
		if v <= cur || s.maxBytes.CompareAndSwap(cur, v) {
			break
		}
	}
}

type fetchSnapshot struct {
	Fetched uint64
	Failed  uint64
	Bytes   uint64
	Min     uint64
	Max     uint64
	Avg     uint64
}

func (s *fetchStats) Snapshot() fetchSnapshot {
	out := fetchSnapshot{
		Fetched: s.fetched.Load(),
		Failed:  s.failed.Load(),
		Bytes:   s.bytes.Load(),
		Max:     s.maxBytes.Load(),
	}
	if out.Fetched == 0 {
		return fetchSnapshot{Failed: out.Failed}
	}
	if m := s.minBytes.Load(); m != math.MaxUint64 {
		out.Min = m
	}
	out.Avg = out.Bytes / out.Fetched
	return out
}
