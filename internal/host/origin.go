// Package host runs service workers for a set of pages that share one
// origin. It provides the page-side container the lifecycle manager drives:
// registrations, update checks, the installing/waiting/active slots, claims
// and message delivery. Page-visible changes are delivered in order on a
// single event loop shared by every page of the origin.
package host

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"swkit/internal/log"
	"swkit/internal/sw"
	"swkit/internal/swproto"
)

var (
	ErrUnsupported = errors.New("service workers are not supported")
	ErrClosed      = errors.New("origin closed")
)

type Options struct {
	Loader  ScriptLoader
	Storage *sw.Storage
	Fetcher sw.Fetcher

	RuntimeMax  int64
	Concurrency int
	StatsEvery  time.Duration

	Log *log.Handle
}

// Origin owns the registrations and pages of one origin.
type Origin struct {
	opts Options
	log  *log.Handle
	loop *eventLoop

	mu     sync.Mutex
	regs   map[string]*Registration
	pages  []*Page
	closed bool

	jobs   sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func NewOrigin(opts Options) (*Origin, error) {
	if opts.Loader == nil {
		return nil, errors.New("host: script loader is required")
	}
	if opts.Storage == nil {
		return nil, errors.New("host: storage is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("host: fetcher is required")
	}
	if opts.Log == nil {
		opts.Log = log.GetLogger("host")
	}
	o := &Origin{
		opts: opts,
		log:  opts.Log,
		loop: newEventLoop(),
		regs: make(map[string]*Registration),
	}
	o.ctx, o.cancel = context.WithCancel(context.Background())
	return o, nil
}

// NewPage opens a page at path. A page opened inside the scope of an active
// registration starts out controlled by it.
func (o *Origin) NewPage(path string) *Page {
	if path == "" {
		path = "/"
	}
	p := &Page{origin: o, path: path, supported: true}

	o.mu.Lock()
	defer o.mu.Unlock()
	if reg := o.matchLocked(path); reg != nil {
		if active := reg.visible().active; active != nil {
			p.controller = active
		}
	}
	o.pages = append(o.pages, p)
	return p
}

// NewUnsupportedPage opens a page whose environment lacks service workers.
func (o *Origin) NewUnsupportedPage() *Page {
	return &Page{origin: o, path: "/"}
}

func (o *Origin) removePage(p *Page) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, q := range o.pages {
		if q == p {
			o.pages = append(o.pages[:i:i], o.pages[i+1:]...)
			return
		}
	}
}

// matchLocked returns the registration with the longest scope covering path.
func (o *Origin) matchLocked(path string) *Registration {
	var best *Registration
	for scope, reg := range o.regs {
		if !strings.HasPrefix(path, scope) {
			continue
		}
		if best == nil || len(scope) > len(best.scope) {
			best = reg
		}
	}
	return best
}

func (o *Origin) pagesIn(scope string) []*Page {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []*Page
	for _, p := range o.pages {
		if strings.HasPrefix(p.path, scope) {
			out = append(out, p)
		}
	}
	return out
}

func (o *Origin) registration(scope, scriptURL string, via swproto.UpdateViaCache) (*Registration, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrClosed
	}
	reg, ok := o.regs[scope]
	if !ok {
		reg = &Registration{origin: o, scope: scope}
		o.regs[scope] = reg
	}
	reg.mu.Lock()
	reg.scriptURL = scriptURL
	reg.updateViaCache = via
	reg.mu.Unlock()
	return reg, nil
}

// startJob runs fn on a tracked goroutine.
func (o *Origin) startJob(fn func()) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	o.jobs.Add(1)
	go func() {
		defer o.jobs.Done()
		fn()
	}()
	return true
}

// broadcast delivers a worker event to every open page.
func (o *Origin) broadcast(msg swproto.Message) {
	o.loop.post(func() {
		o.mu.Lock()
		pages := append([]*Page(nil), o.pages...)
		o.mu.Unlock()
		for _, p := range pages {
			p.messages.emit(msg)
		}
	})
}

// Wait blocks until pending installs and activations have finished and their
// page events have been delivered.
func (o *Origin) Wait() {
	o.jobs.Wait()
	<-o.loop.flush()
}

// Close terminates every worker and stops event delivery. It must not be
// called from a page callback.
func (o *Origin) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	regs := make([]*Registration, 0, len(o.regs))
	for _, r := range o.regs {
		regs = append(regs, r)
	}
	o.mu.Unlock()

	o.cancel()
	o.jobs.Wait()
	for _, r := range regs {
		r.terminate()
	}
	o.loop.close()
}
