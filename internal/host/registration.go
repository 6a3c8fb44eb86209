package host

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"swkit/internal/inject"
	"swkit/internal/sw"
	"swkit/internal/swproto"
)

type slots struct {
	installing, waiting, active *workerHandle
}

// Registration implements swproto.Registration for one scope.
//
// internal holds the slots the host acts on; view holds what pages observe
// and only changes on the event loop, so a page never sees a slot change
// before the events leading up to it.
type Registration struct {
	origin *Origin
	scope  string

	mu             sync.Mutex
	scriptURL      string
	updateViaCache swproto.UpdateViaCache
	internal       slots
	view           slots

	updateFound listeners[struct{}]
}

var _ swproto.Registration = (*Registration)(nil)

func (r *Registration) Scope() string { return r.scope }

func (r *Registration) visible() slots {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view
}

func (r *Registration) Installing() swproto.ServiceWorker { return asWorker(r.visible().installing) }
func (r *Registration) Waiting() swproto.ServiceWorker    { return asWorker(r.visible().waiting) }
func (r *Registration) Active() swproto.ServiceWorker     { return asWorker(r.visible().active) }

func asWorker(h *workerHandle) swproto.ServiceWorker {
	if h == nil {
		return nil
	}
	return h
}

func (r *Registration) OnUpdateFound(fn func()) func() {
	return r.updateFound.add(func(struct{}) { fn() })
}

func (r *Registration) newest() *workerHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range []*workerHandle{r.internal.installing, r.internal.waiting, r.internal.active} {
		if h != nil {
			return h
		}
	}
	return nil
}

// Update fetches the script and, when its bytes differ from the newest
// worker's, starts installing it. Installation continues after Update
// returns.
func (r *Registration) Update(ctx context.Context) error {
	r.mu.Lock()
	scriptURL, via := r.scriptURL, r.updateViaCache
	r.mu.Unlock()

	script, err := r.origin.opts.Loader.Load(ctx, scriptURL, via == swproto.UpdateViaCacheNone)
	if err != nil {
		return fmt.Errorf("update %s: %w", scriptURL, err)
	}
	if newest := r.newest(); newest != nil && bytes.Equal(newest.script, script) {
		return nil
	}
	if _, err := inject.ExtractVersionInfo(script); err != nil {
		return fmt.Errorf("update %s: %w", scriptURL, err)
	}
	if !r.origin.startJob(func() { r.install(scriptURL, script) }) {
		return ErrClosed
	}
	return nil
}

func (r *Registration) install(scriptURL string, script []byte) {
	o := r.origin
	info, err := inject.ExtractVersionInfo(script)
	if err != nil {
		o.log.E(err)
		return
	}
	precache, err := inject.ExtractPrecache(script)
	if err != nil {
		o.log.Warn().Err(err).Str("script", scriptURL).Msg("no precache list, installing without one")
	}

	h := &workerHandle{reg: r, scriptURL: scriptURL, script: script, state: swproto.Parsed}
	impl, err := sw.New(sw.Options{
		Info:          info,
		Precache:      precache,
		Storage:       o.opts.Storage,
		Fetcher:       o.opts.Fetcher,
		RuntimeMax:    o.opts.RuntimeMax,
		Concurrency:   o.opts.Concurrency,
		StatsEvery:    o.opts.StatsEvery,
		OnSkipWaiting: func() { r.skipWaiting(h) },
		Broadcast:     o.broadcast,
		Log:           o.log,
	})
	if err != nil {
		o.log.E(err)
		return
	}
	h.impl = impl

	r.mu.Lock()
	prev := r.internal.installing
	r.internal.installing = h
	r.mu.Unlock()
	if prev != nil {
		r.retire(prev)
	}
	o.loop.post(func() {
		r.mu.Lock()
		r.view.installing = h
		r.mu.Unlock()
		h.setState(swproto.Installing)
		r.updateFound.emit(struct{}{})
	})

	if err := impl.Install(o.ctx); err != nil {
		o.log.Error().Err(err).Str("version", info.Version).Msg("install failed")
		r.mu.Lock()
		if r.internal.installing == h {
			r.internal.installing = nil
		}
		r.mu.Unlock()
		r.retire(h)
		return
	}

	r.mu.Lock()
	if r.internal.installing != h {
		r.mu.Unlock()
		return
	}
	r.internal.installing = nil
	old := r.internal.waiting
	r.internal.waiting = h
	now := (r.internal.active == nil || h.skip) && !h.activating
	if now {
		h.activating = true
	}
	r.mu.Unlock()
	if old != nil {
		r.retire(old)
	}

	o.loop.post(func() {
		r.mu.Lock()
		if r.view.installing == h {
			r.view.installing = nil
		}
		r.view.waiting = h
		r.mu.Unlock()
		h.setState(swproto.Installed)
	})

	if now {
		r.activate(h)
	}
}

// skipWaiting runs on h's worker goroutine.
func (r *Registration) skipWaiting(h *workerHandle) {
	r.mu.Lock()
	h.skip = true
	start := r.internal.waiting == h && !h.activating
	if start {
		h.activating = true
	}
	r.mu.Unlock()
	if start {
		r.origin.startJob(func() { r.activate(h) })
	}
}

// activate promotes h to active, retires the previous active worker and
// claims every page in scope.
func (r *Registration) activate(h *workerHandle) {
	o := r.origin

	r.mu.Lock()
	if r.internal.waiting != h {
		// superseded by a newer install
		r.mu.Unlock()
		return
	}
	old := r.internal.active
	r.internal.active = h
	r.internal.waiting = nil
	r.mu.Unlock()
	if old != nil {
		r.retire(old)
	}

	o.loop.post(func() {
		r.mu.Lock()
		if r.view.waiting == h {
			r.view.waiting = nil
		}
		r.view.active = h
		r.mu.Unlock()
		h.setState(swproto.Activating)
	})

	if err := h.impl.Activate(o.ctx); err != nil {
		o.log.Error().Err(err).Msg("activate failed")
		return
	}

	pages := o.pagesIn(r.scope)
	o.loop.post(func() {
		h.setState(swproto.Activated)
		for _, p := range pages {
			p.claim(h)
		}
	})
}

// retire terminates h and marks it redundant.
func (r *Registration) retire(h *workerHandle) {
	if h.impl != nil {
		h.impl.Terminate()
	}
	r.origin.loop.post(func() {
		r.mu.Lock()
		for _, slot := range []**workerHandle{&r.view.installing, &r.view.waiting, &r.view.active} {
			if *slot == h {
				*slot = nil
			}
		}
		r.mu.Unlock()
		h.setState(swproto.Redundant)
	})
}

func (r *Registration) terminate() {
	r.mu.Lock()
	all := []*workerHandle{r.internal.installing, r.internal.waiting, r.internal.active}
	r.mu.Unlock()
	for _, h := range all {
		if h != nil && h.impl != nil {
			h.impl.Terminate()
		}
	}
}

// workerHandle is the page-side view of one worker instance.
type workerHandle struct {
	reg       *Registration
	impl      *sw.Worker
	scriptURL string
	script    []byte

	// guarded by reg.mu
	skip       bool
	activating bool

	mu          sync.Mutex
	state       swproto.WorkerState
	stateChange listeners[swproto.WorkerState]
}

var _ swproto.ServiceWorker = (*workerHandle)(nil)

func (h *workerHandle) ID() string        { return h.impl.ID() }
func (h *workerHandle) ScriptURL() string { return h.scriptURL }

func (h *workerHandle) State() swproto.WorkerState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *workerHandle) OnStateChange(fn func(swproto.WorkerState)) func() {
	return h.stateChange.add(fn)
}

func (h *workerHandle) PostMessage(msg swproto.Message, port *swproto.Port) error {
	return h.impl.PostMessage(msg, port)
}

// setState runs on the event loop.
func (h *workerHandle) setState(s swproto.WorkerState) {
	h.mu.Lock()
	if h.state == s || !h.state.CanTransition(s) {
		h.mu.Unlock()
		return
	}
	h.state = s
	h.mu.Unlock()
	h.stateChange.emit(s)
}
