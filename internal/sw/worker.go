// Package sw executes a service worker: it owns the cache buckets named by
// its build identity and answers the page protocol. All events for one worker
// run on a single goroutine, so each bucket has exactly one writer.
package sw

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"swkit/internal/config"
	"swkit/internal/log"
	"swkit/internal/swproto"
	"swkit/internal/version"
)

var ErrTerminated = errors.New("worker terminated")

type Options struct {
	Info     version.Info
	Precache []string
	Storage  *Storage
	Fetcher  Fetcher

	// RuntimeMax caps the runtime bucket in bytes; 0 disables eviction.
	RuntimeMax  int64
	Concurrency int
	StatsEvery  time.Duration

	// OnSkipWaiting is invoked on the worker goroutine when a page sends
	// SKIP_WAITING.
	OnSkipWaiting func()
	// Broadcast delivers an event to every client of the worker.
	Broadcast func(swproto.Message)

	Log *log.Handle
}

type task struct {
	run  func(ctx context.Context) error
	done chan error
}

type Worker struct {
	id   string
	opts Options
	log  *log.Handle

	inbox  chan task
	stopCh chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	stats       *fetchStats
	prefetchLog *log.RateLimited
}

func New(opts Options) (*Worker, error) {
	if opts.Storage == nil {
		return nil, errors.New("worker: storage is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("worker: fetcher is required")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 6
	}
	if opts.Log == nil {
		opts.Log = log.GetLogger("sw")
	}
	if opts.Broadcast == nil {
		opts.Broadcast = func(swproto.Message) {}
	}
	if opts.OnSkipWaiting == nil {
		opts.OnSkipWaiting = func() {}
	}

	w := &Worker{
		id:          uuid.NewString(),
		opts:        opts,
		log:         opts.Log,
		inbox:       make(chan task, 64),
		stopCh:      make(chan struct{}),
		stats:       newFetchStats(),
		prefetchLog: log.NewRateLimited(opts.Log, time.Minute),
	}
	w.ctx, w.cancel = context.WithCancel(context.Background())

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop()
	}()

	if opts.StatsEvery > 0 {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.statsLoop(opts.StatsEvery)
		}()
	}
	return w, nil
}

func (w *Worker) ID() string                { return w.id }
func (w *Worker) VersionInfo() version.Info { return w.opts.Info }

// Terminate stops the worker. Queued events are dropped.
func (w *Worker) Terminate() {
	w.once.Do(func() {
		close(w.stopCh)
		w.cancel()
	})
	w.wg.Wait()
}

func (w *Worker) loop() {
	for {
		select {
		case <-w.stopCh:
			return
		case t := <-w.inbox:
			err := t.run(w.ctx)
			if t.done != nil {
				t.done <- err
			}
		}
	}
}

func (w *Worker) enqueue(t task) error {
	select {
	case <-w.stopCh:
		return ErrTerminated
	default:
	}
	select {
	case w.inbox <- t:
		return nil
	case <-w.stopCh:
		return ErrTerminated
	}
}

// call runs fn on the worker goroutine and waits for it.
func (w *Worker) call(ctx context.Context, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	if err := w.enqueue(task{run: fn, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-w.stopCh:
		return ErrTerminated
	}
}

// Install opens the four buckets and precaches the static list. Individual
// precache failures are logged and skipped.
func (w *Worker) Install(ctx context.Context) error {
	return w.call(ctx, func(wctx context.Context) error {
		info := w.opts.Info
		for _, name := range info.Cache.All() {
			if err := w.opts.Storage.Open(name); err != nil {
				return fmt.Errorf("open %s: %w", name, err)
			}
		}
		fctx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(wctx, cancel)
		defer stop()
		stored, failed := w.fetchInto(fctx, info.Cache.Static, w.opts.Precache)
		w.log.Info().
			Str("version", info.Version).
			Int("precached", stored).
			Int("failed", failed).
			Msg("worker installed")

		msg, err := swproto.Broadcast(swproto.SWInstalled, info)
		if err != nil {
			return err
		}
		w.opts.Broadcast(msg)
		return nil
	})
}

// Activate announces the worker. Buckets of earlier builds are left alone;
// pages clear them explicitly.
func (w *Worker) Activate(ctx context.Context) error {
	return w.call(ctx, func(context.Context) error {
		msg, err := swproto.Broadcast(swproto.SWActivated, w.opts.Info)
		if err != nil {
			return err
		}
		w.opts.Broadcast(msg)
		w.log.Info().Str("version", w.opts.Info.Version).Msg("worker activated")
		return nil
	})
}

// PostMessage queues msg. Replies for GET_* messages go to port.
func (w *Worker) PostMessage(msg swproto.Message, port *swproto.Port) error {
	return w.enqueue(task{run: func(ctx context.Context) error {
		w.handle(ctx, msg, port)
		return nil
	}})
}

func (w *Worker) handle(ctx context.Context, msg swproto.Message, port *swproto.Port) {
	l := w.log.Debug().Str("id", msg.ID).Str("type", string(msg.Type))
	l.Msg("message")

	if msg.Type.ExpectsReply() && port == nil {
		w.log.Warn().Str("type", string(msg.Type)).Msg("message needs a reply port, dropped")
		return
	}

	switch msg.Type {
	case swproto.GetVersionInfo:
		w.reply(port, w.opts.Info)

	case swproto.GetCacheInfo:
		w.reply(port, w.CacheInfo())

	case swproto.ClearCache:
		var p swproto.ClearCachePayload
		if err := msg.Decode(&p); err != nil {
			w.log.E(err)
			return
		}
		w.clear(p.CacheName)

	case swproto.CacheURLs:
		var p swproto.CacheURLsPayload
		if err := msg.Decode(&p); err != nil {
			w.log.E(err)
			return
		}
		stored, failed := w.fetchInto(ctx, w.opts.Info.Cache.Runtime, p.URLs)
		w.evictRuntime()
		w.log.Debug().Int("stored", stored).Int("failed", failed).Msg("urls cached")

	case swproto.SkipWaiting:
		w.opts.OnSkipWaiting()

	default:
		w.log.Warn().Str("type", string(msg.Type)).Msg("unknown message type")
	}
}

func (w *Worker) reply(port *swproto.Port, v any) {
	if err := port.PostMessage(v); err != nil {
		w.log.Debug().Err(err).Msg("reply dropped")
	}
}

// CacheInfo reports every bucket in storage, including orphans of earlier
// builds.
func (w *Worker) CacheInfo() swproto.CacheInfo {
	return swproto.NewCacheInfo(w.opts.Info.Version, w.opts.Storage.Snapshot())
}

func (w *Worker) clear(name string) {
	if name != "" {
		existed, err := w.opts.Storage.Delete(name)
		if err != nil {
			w.log.Error().Err(err).Str("cache", name).Msg("clear cache failed")
			return
		}
		w.log.Info().Str("cache", name).Bool("existed", existed).Msg("cache cleared")
		return
	}
	for _, n := range w.opts.Storage.Keys() {
		if _, err := w.opts.Storage.Delete(n); err != nil {
			w.log.Error().Err(err).Str("cache", n).Msg("clear cache failed")
		}
	}
	w.log.Info().Msg("all caches cleared")
}

type fetched struct {
	url string
	ent Entry
}

// fetchInto downloads urls concurrently and stores the results in bucket on
// the calling goroutine.
func (w *Worker) fetchInto(ctx context.Context, bucket string, urls []string) (stored, failed int) {
	if len(urls) == 0 {
		return 0, 0
	}
	results := make([]*fetched, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.opts.Concurrency)
	for i, u := range urls {
		g.Go(func() error {
			ent, err := w.opts.Fetcher.Fetch(gctx, u)
			if err != nil {
				w.stats.Fail()
				w.prefetchLog.Warnf("fetch %s for %s failed: %v", u, bucket, err)
				return nil
			}
			w.stats.Observe(len(ent.Body))
			results[i] = &fetched{url: u, ent: ent}
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		if r == nil {
			failed++
			continue
		}
		if err := w.opts.Storage.Put(bucket, r.url, r.ent); err != nil {
			w.log.Error().Err(err).Str("url", r.url).Msg("cache put failed")
			failed++
			continue
		}
		stored++
	}
	return stored, failed
}

func (w *Worker) evictRuntime() {
	limit := w.opts.RuntimeMax
	if limit <= 0 {
		return
	}
	bucket := w.opts.Info.Cache.Runtime
	st, ok := w.opts.Storage.Stats(bucket)
	if !ok || st.Size <= limit {
		return
	}
	evicted := 0
	for _, u := range w.opts.Storage.oldest(bucket) {
		if err := w.opts.Storage.DeleteEntry(bucket, u); err != nil {
			w.log.E(err)
			return
		}
		evicted++
		if st, _ = w.opts.Storage.Stats(bucket); st.Size <= limit {
			break
		}
	}
	w.log.Info().Int("evicted", evicted).Str("cache", bucket).Msg("runtime cache over limit")
}

func (w *Worker) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-t.C:
			info := w.CacheInfo()
			fs := w.stats.Snapshot()
			rss := "n/a"
			if n, ok := processRSSBytes(); ok {
				rss = config.FormatBytes(n)
			}
			w.log.Info().Msgf(
				"Cached: buckets: %d, entries: %d, size: %s, fetched min/avg/max %s/%s/%s, failed: %d, rss: %s",
				len(info.Caches),
				info.Entries(),
				config.FormatBytes(uint64(info.TotalSize)),
				config.FormatBytes(fs.Min),
				config.FormatBytes(fs.Avg),
				config.FormatBytes(fs.Max),
				fs.Failed,
				rss,
			)
		}
	}
}
