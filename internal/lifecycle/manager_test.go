package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"swkit/internal/host"
	"swkit/internal/inject"
	"swkit/internal/log"
	"swkit/internal/sw"
	"swkit/internal/swproto"
	"swkit/internal/version"
)

type sizedFetcher struct{}

func (sizedFetcher) Fetch(_ context.Context, raw string) (sw.Entry, error) {
	return sw.Entry{URL: raw, Status: http.StatusOK, Body: []byte("payload for " + raw)}, nil
}

type deploy struct {
	mu     sync.Mutex
	script []byte
	err    error
}

func (d *deploy) ship(t *testing.T, hash string) {
	t.Helper()
	info := version.Info{
		Version:   "1.0.0-" + hash,
		BuildHash: hash,
		Cache:     version.CacheNames(hash),
		Features:  version.DefaultFeatures(),
	}
	out, err := inject.Render(inject.DefaultTemplate, info)
	require.NoError(t, err)
	out, err = inject.PatchPrecache(out, []string{"/", "/index.html"})
	require.NoError(t, err)
	d.mu.Lock()
	d.script, d.err = out, nil
	d.mu.Unlock()
}

func (d *deploy) Load(context.Context, string, bool) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.script, d.err
}

// leveldb's pool drainer exits up to a second after Close.
var leakOpts = []goleak.Option{
	goleak.IgnoreAnyFunction("github.com/syndtr/goleveldb/leveldb.(*DB).mpoolDrain"),
}

func newOrigin(t *testing.T, d *deploy) *host.Origin {
	t.Helper()
	t.Cleanup(func() { goleak.VerifyNone(t, leakOpts...) })

	st, err := sw.OpenMemStorage()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	o, err := host.NewOrigin(host.Options{Loader: d, Storage: st, Fetcher: sizedFetcher{}, Log: log.Nop()})
	require.NoError(t, err)
	t.Cleanup(o.Close)
	return o
}

type observed struct {
	reloads atomic.Int32
	updates chan string
	errs    chan error

	mu     sync.Mutex
	states []State
}

func newObserved() *observed {
	return &observed{updates: make(chan string, 4), errs: make(chan error, 4)}
}

func (ob *observed) options(o Options) Options {
	o.Reload = func() { ob.reloads.Add(1) }
	o.OnUpdate = func(v string) { ob.updates <- v }
	o.OnError = func(err error) { ob.errs <- err }
	o.OnStateChange = func(s State) {
		ob.mu.Lock()
		ob.states = append(ob.states, s)
		ob.mu.Unlock()
	}
	o.Log = log.Nop()
	return o
}

func (ob *observed) seen(s State) bool {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	for _, x := range ob.states {
		if x == s {
			return true
		}
	}
	return false
}

func newManager(t *testing.T, c swproto.Container, ob *observed, opts Options) *Manager {
	t.Helper()
	m := New(c, ob.options(opts))
	t.Cleanup(m.Close)
	return m
}

func TestFirstInstallIsNotAnUpdate(t *testing.T) {
	d := &deploy{}
	d.ship(t, "aaaa1111")
	o := newOrigin(t, d)
	ob := newObserved()
	m := newManager(t, o.NewPage("/"), ob, Options{})

	require.NoError(t, m.Register(context.Background()))
	o.Wait()

	assert.Equal(t, Registered, m.State())
	assert.True(t, m.Controlling())
	assert.Zero(t, ob.reloads.Load())
	assert.Empty(t, ob.updates)
	assert.False(t, ob.seen(UpdateAvailable))
}

func TestUpdateHandoffReloadsExactlyOnce(t *testing.T) {
	d := &deploy{}
	d.ship(t, "aaaa1111")
	o := newOrigin(t, d)
	page := o.NewPage("/")
	ob := newObserved()
	m := newManager(t, page, ob, Options{})
	require.NoError(t, m.Register(context.Background()))
	o.Wait()

	var changes atomic.Int32
	page.OnControllerChange(func() { changes.Add(1) })

	d.ship(t, "bbbb2222")
	require.NoError(t, m.CheckForUpdate(context.Background()))

	select {
	case v := <-ob.updates:
		assert.Equal(t, "1.0.0-bbbb2222", v)
	case <-time.After(5 * time.Second):
		t.Fatal("no update reported")
	}
	assert.Equal(t, UpdateAvailable, m.State())
	assert.Zero(t, ob.reloads.Load(), "an available update must not reload by itself")

	require.NoError(t, m.RequestActivation())
	require.Eventually(t, func() bool { return ob.reloads.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	o.Wait()

	assert.Equal(t, int32(1), ob.reloads.Load())
	assert.Equal(t, int32(1), changes.Load())
	assert.Equal(t, Reloaded, m.State())
	assert.True(t, ob.seen(Updating))

	info, err := m.GetVersionInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "bbbb2222", info.BuildHash)
}

func TestAutoActivate(t *testing.T) {
	d := &deploy{}
	d.ship(t, "aaaa1111")
	o := newOrigin(t, d)
	ob := newObserved()
	m := newManager(t, o.NewPage("/"), ob, Options{AutoActivate: true})
	require.NoError(t, m.Register(context.Background()))
	o.Wait()

	d.ship(t, "bbbb2222")
	require.NoError(t, m.CheckForUpdate(context.Background()))

	require.Eventually(t, func() bool { return ob.reloads.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, Reloaded, m.State())
}

func TestRequestActivationWithoutWaitingWorker(t *testing.T) {
	d := &deploy{}
	d.ship(t, "aaaa1111")
	o := newOrigin(t, d)
	m := newManager(t, o.NewPage("/"), newObserved(), Options{})
	require.NoError(t, m.Register(context.Background()))
	o.Wait()

	assert.ErrorIs(t, m.RequestActivation(), ErrNoWaiting)
}

func TestUnsupportedIsSilent(t *testing.T) {
	d := &deploy{}
	d.ship(t, "aaaa1111")
	o := newOrigin(t, d)
	ob := newObserved()
	m := newManager(t, o.NewUnsupportedPage(), ob, Options{})

	require.NoError(t, m.Register(context.Background()))
	assert.Equal(t, Unregistered, m.State())
	assert.Empty(t, ob.errs)
	assert.False(t, m.Controlling())

	_, err := m.GetCacheInfo(context.Background())
	assert.ErrorIs(t, err, ErrNoController)
}

func TestRegistrationFailureGoesToOnError(t *testing.T) {
	d := &deploy{err: errors.New("connection refused")}
	o := newOrigin(t, d)
	ob := newObserved()
	m := newManager(t, o.NewPage("/"), ob, Options{})

	err := m.Register(context.Background())
	require.Error(t, err)
	assert.Equal(t, Unregistered, m.State())
	select {
	case got := <-ob.errs:
		assert.ErrorContains(t, got, "connection refused")
	default:
		t.Fatal("error callback not called")
	}
}

// countingPage counts page-level subscriptions.
type countingPage struct {
	swproto.Container
	subs atomic.Int32
}

func (p *countingPage) OnControllerChange(fn func()) func() {
	p.subs.Add(1)
	return p.Container.OnControllerChange(fn)
}

func (p *countingPage) OnMessage(fn func(swproto.Message)) func() {
	p.subs.Add(1)
	return p.Container.OnMessage(fn)
}

func TestRegisterRetryDoesNotResubscribe(t *testing.T) {
	d := &deploy{err: errors.New("connection refused")}
	o := newOrigin(t, d)
	page := &countingPage{Container: o.NewPage("/")}
	m := newManager(t, page, newObserved(), Options{})

	require.Error(t, m.Register(context.Background()))
	assert.EqualValues(t, 2, page.subs.Load())

	d.mu.Lock()
	d.err = nil
	d.mu.Unlock()
	d.ship(t, "ab12cd34")
	require.NoError(t, m.Register(context.Background()))
	o.Wait()

	assert.EqualValues(t, 2, page.subs.Load())
	assert.Equal(t, Registered, m.State())
	assert.True(t, m.Controlling())
}

func registered(t *testing.T) (*Manager, *host.Origin) {
	t.Helper()
	d := &deploy{}
	d.ship(t, "ab12cd34")
	o := newOrigin(t, d)
	m := newManager(t, o.NewPage("/"), newObserved(), Options{RequestTimeout: 5 * time.Second})
	require.NoError(t, m.Register(context.Background()))
	o.Wait()
	return m, o
}

func TestCacheURLsGrowsRuntimeBucket(t *testing.T) {
	m, _ := registered(t)
	before, err := m.GetCacheInfo(context.Background())
	require.NoError(t, err)
	rt := before.Caches["runtime-ab12cd34"]

	require.NoError(t, m.CacheURLs([]string{"/a.png"}))
	// Same worker, so the reply is queued after the fetch.
	after, err := m.GetCacheInfo(context.Background())
	require.NoError(t, err)

	assert.Equal(t, rt.Entries+1, after.Caches["runtime-ab12cd34"].Entries)
	assert.Greater(t, after.Caches["runtime-ab12cd34"].Size, rt.Size)
	assert.Equal(t, sumSizes(after), after.TotalSize)
}

func sumSizes(info swproto.CacheInfo) int64 {
	var n int64
	for _, b := range info.Caches {
		n += b.Size
	}
	return n
}

func TestClearCacheNamedAndAll(t *testing.T) {
	m, _ := registered(t)
	require.NoError(t, m.CacheURLs([]string{"/a.png", "/b.png"}))
	before, err := m.GetCacheInfo(context.Background())
	require.NoError(t, err)
	require.Positive(t, before.Caches["static-ab12cd34"].Entries)

	require.NoError(t, m.ClearCache("static-ab12cd34"))
	after, err := m.GetCacheInfo(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, after.Caches, "static-ab12cd34")
	assert.Equal(t, before.Caches["runtime-ab12cd34"].Entries, after.Caches["runtime-ab12cd34"].Entries)

	require.NoError(t, m.ClearCache(""))
	empty, err := m.GetCacheInfo(context.Background())
	require.NoError(t, err)
	assert.Zero(t, empty.Entries())
	assert.Zero(t, empty.TotalSize)
}

func TestConcurrentRequestsUseSeparateChannels(t *testing.T) {
	m, _ := registered(t)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			info, err := m.GetVersionInfo(context.Background())
			if err == nil && info.BuildHash != "ab12cd34" {
				err = errors.New("wrong reply " + info.BuildHash)
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestStartCacheInfoRefresh(t *testing.T) {
	m, _ := registered(t)

	got := make(chan swproto.CacheInfo, 1)
	stop := m.StartCacheInfoRefresh(10*time.Millisecond, func(info swproto.CacheInfo) {
		select {
		case got <- info:
		default:
		}
	})
	defer stop()

	select {
	case info := <-got:
		assert.Equal(t, "1.0.0-ab12cd34", info.Version)
	case <-time.After(5 * time.Second):
		t.Fatal("refresh never delivered")
	}
}

func TestCloseStopsTimers(t *testing.T) {
	m, _ := registered(t)
	m.StartCacheInfoRefresh(5*time.Millisecond, func(swproto.CacheInfo) {})
	m.StartCacheInfoRefresh(5*time.Millisecond, func(swproto.CacheInfo) {})
	time.Sleep(20 * time.Millisecond)

	m.Close()
	m.Close()
	stop := m.StartCacheInfoRefresh(5*time.Millisecond, func(swproto.CacheInfo) {})
	stop()
}

// silentWorker accepts messages and never answers.
type silentWorker struct {
	mu   sync.Mutex
	sent []swproto.Message
}

func (w *silentWorker) ID() string                 { return "silent" }
func (w *silentWorker) ScriptURL() string          { return "/sw.js" }
func (w *silentWorker) State() swproto.WorkerState { return swproto.Activated }
func (w *silentWorker) OnStateChange(func(swproto.WorkerState)) func() {
	return func() {}
}

func (w *silentWorker) PostMessage(msg swproto.Message, _ *swproto.Port) error {
	w.mu.Lock()
	w.sent = append(w.sent, msg)
	w.mu.Unlock()
	return nil
}

func (w *silentWorker) messages() []swproto.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]swproto.Message(nil), w.sent...)
}

type fixedContainer struct {
	controller swproto.ServiceWorker
}

func (c fixedContainer) Supported() bool { return true }
func (c fixedContainer) Register(context.Context, string, swproto.RegisterOptions) (swproto.Registration, error) {
	return nil, errors.New("not used")
}
func (c fixedContainer) Controller() swproto.ServiceWorker      { return c.controller }
func (c fixedContainer) OnControllerChange(func()) func()       { return func() {} }
func (c fixedContainer) OnMessage(func(swproto.Message)) func() { return func() {} }

func TestRequestTimeoutIsRetryable(t *testing.T) {
	defer goleak.VerifyNone(t, leakOpts...)
	m := New(fixedContainer{controller: &silentWorker{}}, Options{RequestTimeout: 20 * time.Millisecond, Log: log.Nop()})
	defer m.Close()

	_, err := m.GetVersionInfo(context.Background())
	assert.ErrorIs(t, err, ErrNoReply)
	_, err = m.GetCacheInfo(context.Background())
	assert.ErrorIs(t, err, ErrNoReply)
}

func TestNoControllerErrors(t *testing.T) {
	m := New(fixedContainer{}, Options{Log: log.Nop()})
	defer m.Close()

	_, err := m.GetVersionInfo(context.Background())
	assert.ErrorIs(t, err, ErrNoController)
	assert.ErrorIs(t, m.ClearCache(""), ErrNoController)
	assert.ErrorIs(t, m.CacheURLs([]string{"/x"}), ErrNoController)
	assert.ErrorIs(t, m.CheckForUpdate(context.Background()), ErrNotRegistered)
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, Unregistered.CanTransition(Registering))
	assert.True(t, Registered.CanTransition(UpdateAvailable))
	assert.True(t, UpdateAvailable.CanTransition(UpdateAvailable))
	assert.True(t, Updating.CanTransition(Reloaded))
	assert.False(t, Reloaded.CanTransition(Registered))
	assert.False(t, Unregistered.CanTransition(UpdateAvailable))
}
