package host

import "sync"

// eventLoop runs page-visible callbacks one at a time, in post order, the
// way a page's main thread drains its task queue.
type eventLoop struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newEventLoop() *eventLoop {
	l := &eventLoop{wake: make(chan struct{}, 1), done: make(chan struct{})}
	go l.run()
	return l
}

func (l *eventLoop) post(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.queue = append(l.queue, fn)
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

func (l *eventLoop) run() {
	defer close(l.done)
	for range l.wake {
		for {
			l.mu.Lock()
			q := l.queue
			l.queue = nil
			closed := l.closed
			l.mu.Unlock()
			if len(q) == 0 {
				if closed {
					return
				}
				break
			}
			for _, fn := range q {
				fn()
			}
		}
	}
}

// flush returns a channel closed once every task posted before it has run.
func (l *eventLoop) flush() <-chan struct{} {
	ch := make(chan struct{})
	if !l.post(func() { close(ch) }) {
		close(ch)
	}
	return ch
}

// close drains queued tasks and stops the loop.
func (l *eventLoop) close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.closed = true
	close(l.wake)
	l.mu.Unlock()
	<-l.done
}

type listener[T any] struct {
	id int
	fn func(T)
}

// listeners is an ordered set of callbacks.
type listeners[T any] struct {
	mu   sync.Mutex
	next int
	list []listener[T]
}

func (ls *listeners[T]) add(fn func(T)) func() {
	ls.mu.Lock()
	ls.next++
	id := ls.next
	ls.list = append(ls.list, listener[T]{id: id, fn: fn})
	ls.mu.Unlock()
	return func() {
		ls.mu.Lock()
		defer ls.mu.Unlock()
		for i, l := range ls.list {
			if l.id == id {
				ls.list = append(ls.list[:i:i], ls.list[i+1:]...)
				return
			}
		}
	}
}

func (ls *listeners[T]) snapshot() []func(T) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	out := make([]func(T), len(ls.list))
	for i, l := range ls.list {
		out[i] = l.fn
	}
	return out
}

func (ls *listeners[T]) emit(v T) {
	for _, fn := range ls.snapshot() {
		fn(v)
	}
}
