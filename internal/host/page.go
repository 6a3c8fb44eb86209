package host

import (
	"context"
	"sync"

	"swkit/internal/swproto"
)

// Page is one document of the origin. It implements swproto.Container.
type Page struct {
	origin    *Origin
	path      string
	supported bool

	mu         sync.Mutex
	controller *workerHandle // written on the event loop only

	controllerChange listeners[struct{}]
	messages         listeners[swproto.Message]
}

var _ swproto.Container = (*Page)(nil)

func (p *Page) Supported() bool { return p.supported }

func (p *Page) Register(ctx context.Context, scriptURL string, opts swproto.RegisterOptions) (swproto.Registration, error) {
	if !p.supported {
		return nil, ErrUnsupported
	}
	scope := opts.Scope
	if scope == "" {
		scope = "/"
	}
	via := opts.UpdateViaCache
	if via == "" {
		via = swproto.UpdateViaCacheImports
	}
	reg, err := p.origin.registration(scope, scriptURL, via)
	if err != nil {
		return nil, err
	}
	if newest := reg.newest(); newest != nil && newest.scriptURL == scriptURL {
		return reg, nil
	}
	if err := reg.Update(ctx); err != nil {
		return nil, err
	}
	return reg, nil
}

func (p *Page) Controller() swproto.ServiceWorker {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.controller == nil {
		return nil
	}
	return p.controller
}

func (p *Page) OnControllerChange(fn func()) func() {
	return p.controllerChange.add(func(struct{}) { fn() })
}

func (p *Page) OnMessage(fn func(swproto.Message)) func() {
	return p.messages.add(fn)
}

// Close detaches the page from the origin. Its listeners stop firing.
func (p *Page) Close() {
	p.origin.removePage(p)
}

// claim makes h the page's controller. Runs on the event loop.
func (p *Page) claim(h *workerHandle) {
	p.mu.Lock()
	if p.controller == h {
		p.mu.Unlock()
		return
	}
	p.controller = h
	p.mu.Unlock()
	p.controllerChange.emit(struct{}{})
}
