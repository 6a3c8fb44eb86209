// Package lifecycle is the page-side manager of the service worker. It
// registers the worker, tells a first install apart from an available
// update, drives the activation handoff and exposes the worker's message
// protocol as typed calls.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"swkit/internal/log"
	"swkit/internal/swproto"
	"swkit/internal/version"
)

var (
	ErrNoController  = errors.New("no controlling worker")
	ErrNoWaiting     = errors.New("no waiting worker")
	ErrNotRegistered = errors.New("worker not registered")
	// ErrNoReply means the worker did not answer within RequestTimeout. The
	// outcome is unknown; callers may retry.
	ErrNoReply = errors.New("worker did not reply")
	ErrClosed  = errors.New("manager closed")
)

const prefetchBatch = 100

type Options struct {
	ScriptURL string
	Scope     string
	// AutoActivate sends SKIP_WAITING as soon as an update is found instead
	// of waiting for RequestActivation.
	AutoActivate bool

	// RequestTimeout bounds GetVersionInfo and GetCacheInfo; 0 waits for the
	// caller's context only.
	RequestTimeout      time.Duration
	RefreshInterval     time.Duration
	UpdateCheckInterval time.Duration

	// Origin and Client are used for sitemap prefetching.
	Origin string
	Client *http.Client

	OnUpdate      func(version string)
	OnError       func(error)
	OnStateChange func(State)
	// Reload is called once, after the new worker has taken control.
	Reload func()

	Log *log.Handle
}

type Manager struct {
	c    swproto.Container
	opts Options
	log  *log.Handle

	mu            sync.Mutex
	state         State
	reg           swproto.Registration
	waiting       swproto.ServiceWorker
	hadController bool
	listening     bool
	reloaded      bool
	tracked       map[string]bool
	announced     map[string]bool
	cancels       []func()
	closed        bool

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	refreshLog *log.RateLimited
}

func New(c swproto.Container, opts Options) *Manager {
	if opts.ScriptURL == "" {
		opts.ScriptURL = "/sw.js"
	}
	if opts.Scope == "" {
		opts.Scope = "/"
	}
	if opts.Log == nil {
		opts.Log = log.GetLogger("lifecycle")
	}
	m := &Manager{
		c:          c,
		opts:       opts,
		log:        opts.Log,
		state:      Unregistered,
		tracked:    map[string]bool{},
		announced:  map[string]bool{},
		refreshLog: log.NewRateLimited(opts.Log, time.Minute),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Controlling reports whether a worker currently controls the page.
func (m *Manager) Controlling() bool {
	return m.c.Supported() && m.c.Controller() != nil
}

func (m *Manager) transition(next State) bool {
	m.mu.Lock()
	ok := m.transitionLocked(next)
	m.mu.Unlock()
	if ok && m.opts.OnStateChange != nil {
		m.opts.OnStateChange(next)
	}
	return ok
}

func (m *Manager) transitionLocked(next State) bool {
	if !m.state.CanTransition(next) {
		m.log.Debug().Str("from", string(m.state)).Str("to", string(next)).Msg("state change ignored")
		return false
	}
	m.state = next
	return true
}

func (m *Manager) fail(err error) {
	m.log.Warn().Err(err).Msg("service worker")
	if m.opts.OnError != nil {
		m.opts.OnError(err)
	}
}

// Register registers the worker script with updateViaCache "none". Without
// service worker support it logs and returns nil. A failed registration is
// reported to OnError and returned.
func (m *Manager) Register(ctx context.Context) error {
	if !m.c.Supported() {
		m.log.Info().Msg("service workers not supported, offline support disabled")
		return nil
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.hadController = m.c.Controller() != nil
	m.mu.Unlock()
	if !m.transition(Registering) {
		return nil
	}

	// A retry after a failed registration keeps the page listeners.
	m.mu.Lock()
	listen := !m.listening
	m.listening = true
	m.mu.Unlock()
	if listen {
		m.subscribe(m.c.OnControllerChange(m.onControllerChange))
		m.subscribe(m.c.OnMessage(m.onMessage))
	}

	reg, err := m.c.Register(ctx, m.opts.ScriptURL, swproto.RegisterOptions{
		Scope:          m.opts.Scope,
		UpdateViaCache: swproto.UpdateViaCacheNone,
	})
	if err != nil {
		m.transition(Unregistered)
		err = fmt.Errorf("register %s: %w", m.opts.ScriptURL, err)
		m.fail(err)
		return err
	}

	m.mu.Lock()
	m.reg = reg
	m.mu.Unlock()
	m.transition(Registered)
	m.log.Info().Str("scope", reg.Scope()).Bool("controlling", m.Controlling()).Msg("service worker registered")

	m.subscribe(reg.OnUpdateFound(m.onUpdateFound))
	// Events may have fired before the listener was attached.
	if w := reg.Installing(); w != nil {
		m.track(w)
	}
	if w := reg.Waiting(); w != nil {
		m.track(w)
	}

	if every := m.opts.UpdateCheckInterval; every > 0 {
		m.every(every, func() {
			ctx, cancel := context.WithTimeout(m.ctx, every)
			defer cancel()
			if err := m.CheckForUpdate(ctx); err != nil {
				m.refreshLog.Warnf("update check failed: %v", err)
			}
		})
	}
	return nil
}

func (m *Manager) subscribe(cancel func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancels = append(m.cancels, cancel)
}

func (m *Manager) onUpdateFound() {
	m.mu.Lock()
	reg := m.reg
	m.mu.Unlock()
	if reg == nil {
		return
	}
	if w := reg.Installing(); w != nil {
		m.track(w)
	}
}

// track follows w until it is installed.
func (m *Manager) track(w swproto.ServiceWorker) {
	m.mu.Lock()
	if m.tracked[w.ID()] {
		m.mu.Unlock()
		return
	}
	m.tracked[w.ID()] = true
	m.mu.Unlock()

	m.subscribe(w.OnStateChange(func(s swproto.WorkerState) {
		if s == swproto.Installed {
			m.onInstalled(w)
		}
	}))
	if w.State() == swproto.Installed {
		m.onInstalled(w)
	}
}

// onInstalled separates a first install, which has no controller, from an
// update, which has one.
func (m *Manager) onInstalled(w swproto.ServiceWorker) {
	m.mu.Lock()
	if m.announced[w.ID()] || m.closed {
		m.mu.Unlock()
		return
	}
	m.announced[w.ID()] = true
	if m.c.Controller() == nil {
		m.mu.Unlock()
		m.log.Info().Msg("content cached for offline use")
		return
	}
	m.waiting = w
	ok := m.transitionLocked(UpdateAvailable)
	m.wg.Add(1)
	m.mu.Unlock()
	if ok && m.opts.OnStateChange != nil {
		m.opts.OnStateChange(UpdateAvailable)
	}

	go func() {
		defer m.wg.Done()
		ver := w.ScriptURL()
		ctx, cancel := m.requestContext(m.ctx)
		defer cancel()
		var info version.Info
		if err := m.request(ctx, w, swproto.GetVersionInfo, &info); err != nil {
			m.log.Warn().Err(err).Msg("waiting worker did not report its version")
		} else {
			ver = info.Version
		}
		m.log.Info().Str("version", ver).Msg("update available")
		if m.opts.OnUpdate != nil {
			m.opts.OnUpdate(ver)
		}
		if m.opts.AutoActivate {
			if err := m.RequestActivation(); err != nil {
				m.fail(err)
			}
		}
	}()
}

// RequestActivation asks the waiting worker to take over. The page reloads
// when the controller changes, not here.
func (m *Manager) RequestActivation() error {
	m.mu.Lock()
	w := m.waiting
	if w == nil {
		m.mu.Unlock()
		return ErrNoWaiting
	}
	ok := m.transitionLocked(Updating)
	m.mu.Unlock()
	if ok && m.opts.OnStateChange != nil {
		m.opts.OnStateChange(Updating)
	}
	return m.post(w, swproto.SkipWaiting, nil)
}

func (m *Manager) onControllerChange() {
	m.mu.Lock()
	handoff := m.hadController
	m.hadController = true
	if !handoff {
		m.mu.Unlock()
		m.log.Debug().Msg("worker claimed the page")
		return
	}
	if m.reloaded {
		m.mu.Unlock()
		return
	}
	m.reloaded = true
	m.waiting = nil
	ok := m.transitionLocked(Reloaded)
	m.mu.Unlock()
	if ok && m.opts.OnStateChange != nil {
		m.opts.OnStateChange(Reloaded)
	}

	m.log.Info().Msg("new worker in control, reloading")
	if m.opts.Reload != nil {
		m.opts.Reload()
	}
}

func (m *Manager) onMessage(msg swproto.Message) {
	switch msg.Type {
	case swproto.SWInstalled, swproto.SWActivated:
		var info version.Info
		if len(msg.Data) > 0 {
			if err := decodeData(msg, &info); err != nil {
				m.log.E(err)
				return
			}
		}
		m.log.Debug().Str("event", string(msg.Type)).Str("version", info.Version).Msg("worker event")
	default:
		m.log.Debug().Str("type", string(msg.Type)).Msg("unhandled worker message")
	}
}

// active is the worker requests go to: the controller, or the active worker
// of the registration when the page is not controlled yet.
func (m *Manager) active() (swproto.ServiceWorker, error) {
	if !m.c.Supported() {
		return nil, ErrNoController
	}
	if w := m.c.Controller(); w != nil {
		return w, nil
	}
	m.mu.Lock()
	reg := m.reg
	m.mu.Unlock()
	if reg != nil {
		if w := reg.Active(); w != nil {
			return w, nil
		}
	}
	return nil, ErrNoController
}

func (m *Manager) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.opts.RequestTimeout > 0 {
		return context.WithTimeout(ctx, m.opts.RequestTimeout)
	}
	return context.WithCancel(ctx)
}

// request sends typ on a fresh channel and decodes the reply into out.
func (m *Manager) request(ctx context.Context, w swproto.ServiceWorker, typ swproto.MessageType, out any) error {
	msg, err := swproto.NewMessage(typ, nil)
	if err != nil {
		return err
	}
	page, workerSide := swproto.NewMessageChannel()
	defer page.Close()

	if err := w.PostMessage(msg, workerSide); err != nil {
		return fmt.Errorf("%s: %w", typ, err)
	}
	if err := page.Receive(ctx, out); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%s: %w", typ, ErrNoReply)
		}
		return fmt.Errorf("%s: %w", typ, err)
	}
	return nil
}

func decodeData(msg swproto.Message, v any) error {
	if err := json.Unmarshal(msg.Data, v); err != nil {
		return fmt.Errorf("decode %s data: %w", msg.Type, err)
	}
	return nil
}

func (m *Manager) post(w swproto.ServiceWorker, typ swproto.MessageType, payload any) error {
	msg, err := swproto.NewMessage(typ, payload)
	if err != nil {
		return err
	}
	if err := w.PostMessage(msg, nil); err != nil {
		return fmt.Errorf("%s: %w", typ, err)
	}
	return nil
}

func (m *Manager) GetVersionInfo(ctx context.Context) (version.Info, error) {
	w, err := m.active()
	if err != nil {
		return version.Info{}, err
	}
	ctx, cancel := m.requestContext(ctx)
	defer cancel()
	var info version.Info
	if err := m.request(ctx, w, swproto.GetVersionInfo, &info); err != nil {
		return version.Info{}, err
	}
	return info, nil
}

func (m *Manager) GetCacheInfo(ctx context.Context) (swproto.CacheInfo, error) {
	w, err := m.active()
	if err != nil {
		return swproto.CacheInfo{}, err
	}
	ctx, cancel := m.requestContext(ctx)
	defer cancel()
	var info swproto.CacheInfo
	if err := m.request(ctx, w, swproto.GetCacheInfo, &info); err != nil {
		return swproto.CacheInfo{}, err
	}
	return info, nil
}

// ClearCache clears the named bucket, or every bucket when name is empty.
// There is no acknowledgement; poll GetCacheInfo to observe the effect.
func (m *Manager) ClearCache(name string) error {
	w, err := m.active()
	if err != nil {
		return err
	}
	return m.post(w, swproto.ClearCache, swproto.ClearCachePayload{CacheName: name})
}

// CacheURLs asks the worker to fetch urls into its runtime bucket.
func (m *Manager) CacheURLs(urls []string) error {
	if len(urls) == 0 {
		return nil
	}
	w, err := m.active()
	if err != nil {
		return err
	}
	return m.post(w, swproto.CacheURLs, swproto.CacheURLsPayload{URLs: urls})
}

// CheckForUpdate re-fetches the worker script.
func (m *Manager) CheckForUpdate(ctx context.Context) error {
	m.mu.Lock()
	reg := m.reg
	m.mu.Unlock()
	if reg == nil {
		return ErrNotRegistered
	}
	return reg.Update(ctx)
}

// PrefetchSitemap discovers the pages listed by sitemaps and asks the worker
// to cache them. It returns the number of paths requested.
func (m *Manager) PrefetchSitemap(ctx context.Context, sitemaps ...string) (int, error) {
	d := &SitemapDiscoverer{Origin: m.opts.Origin, Client: m.opts.Client}
	paths, err := d.Discover(ctx, sitemaps)
	if err != nil {
		return 0, err
	}
	sent := 0
	for start := 0; start < len(paths); start += prefetchBatch {
		end := min(start+prefetchBatch, len(paths))
		if err := m.CacheURLs(paths[start:end]); err != nil {
			return sent, err
		}
		sent = end
	}
	m.log.Info().Int("urls", sent).Int("sitemaps", len(sitemaps)).Msg("sitemap prefetch requested")
	return sent, nil
}

// StartCacheInfoRefresh polls GetCacheInfo every interval (RefreshInterval
// when interval is 0) and hands results to fn until stop or Close is called.
func (m *Manager) StartCacheInfoRefresh(interval time.Duration, fn func(swproto.CacheInfo)) (stop func()) {
	if interval <= 0 {
		interval = m.opts.RefreshInterval
	}
	if interval <= 0 {
		return func() {}
	}
	return m.every(interval, func() {
		ctx, cancel := context.WithTimeout(m.ctx, interval)
		defer cancel()
		info, err := m.GetCacheInfo(ctx)
		if err != nil {
			m.refreshLog.Warnf("cache info refresh failed: %v", err)
			return
		}
		fn(info)
	})
}

// every runs fn on a ticker until the returned stop or Close is called.
func (m *Manager) every(interval time.Duration, fn func()) (stop func()) {
	done := make(chan struct{})
	var once sync.Once
	stop = func() { once.Do(func() { close(done) }) }

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return stop
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-done:
				return
			case <-t.C:
				fn()
			}
		}
	}()
	return stop
}

// Close detaches listeners and stops every timer the manager started.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	cancels := m.cancels
	m.cancels = nil
	m.mu.Unlock()

	m.cancel()
	for _, c := range cancels {
		c()
	}
	m.wg.Wait()
}
