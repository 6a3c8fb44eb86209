package swproto

import "context"

// UpdateViaCache mirrors the registration option of the same name.
type UpdateViaCache string

const (
	UpdateViaCacheImports UpdateViaCache = "imports"
	UpdateViaCacheAll     UpdateViaCache = "all"
	UpdateViaCacheNone    UpdateViaCache = "none"
)

type RegisterOptions struct {
	Scope          string
	UpdateViaCache UpdateViaCache
}

// Container is the page-side entry point, one per page.
type Container interface {
	Supported() bool
	Register(ctx context.Context, scriptURL string, opts RegisterOptions) (Registration, error)
	// Controller is the worker controlling this page, or nil.
	Controller() ServiceWorker
	OnControllerChange(fn func()) (cancel func())
	// OnMessage receives worker broadcasts.
	OnMessage(fn func(Message)) (cancel func())
}

// Registration tracks the installing, waiting and active workers of a scope.
type Registration interface {
	Scope() string
	Installing() ServiceWorker
	Waiting() ServiceWorker
	Active() ServiceWorker
	OnUpdateFound(fn func()) (cancel func())
	// Update re-fetches the script and starts an install when it changed.
	Update(ctx context.Context) error
}

// ServiceWorker is the page's handle on one worker instance.
type ServiceWorker interface {
	ID() string
	ScriptURL() string
	State() WorkerState
	OnStateChange(fn func(WorkerState)) (cancel func())
	PostMessage(msg Message, port *Port) error
}
