package swproto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var ErrPortClosed = errors.New("message port closed")

// Port is one end of a MessageChannel. Messages posted on a port arrive, in
// order, at its peer.
type Port struct {
	in   chan json.RawMessage
	peer *Port

	once   sync.Once
	closed chan struct{}
}

// NewMessageChannel returns two entangled ports. A channel serves exactly one
// request/reply exchange; callers allocate a new one per call.
func NewMessageChannel() (*Port, *Port) {
	a := &Port{in: make(chan json.RawMessage, 8), closed: make(chan struct{})}
	b := &Port{in: make(chan json.RawMessage, 8), closed: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

// PostMessage encodes v and delivers it to the peer port.
func (p *Port) PostMessage(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode port message: %w", err)
	}
	select {
	case <-p.closed:
		return ErrPortClosed
	case <-p.peer.closed:
		return ErrPortClosed
	default:
	}
	select {
	case p.peer.in <- b:
		return nil
	case <-p.peer.closed:
		return ErrPortClosed
	}
}

// Receive waits for the next message and decodes it into v.
func (p *Port) Receive(ctx context.Context, v any) error {
	select {
	case b := <-p.in:
		if err := json.Unmarshal(b, v); err != nil {
			return fmt.Errorf("decode port message: %w", err)
		}
		return nil
	case <-p.closed:
		return ErrPortClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close detaches the port. Pending and future sends to it fail.
func (p *Port) Close() {
	p.once.Do(func() { close(p.closed) })
}
