package mcpserver

import (
	"sync"
)

// ChangeNotifier fans out change signals to any number of subscribers. The
// zero value is ready to use.
type ChangeNotifier struct {
	mu          sync.Mutex
	subscribers map[chan struct{}]struct{}
	closed      bool
}

// Notify signals every subscriber. Signals coalesce: a subscriber that has
// not consumed the previous one does not block the others.
func (cn *ChangeNotifier) Notify() {
	cn.mu.Lock()
	defer cn.mu.Unlock()

	if cn.closed {
		return
	}
	for ch := range cn.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscribe returns a channel receiving change signals and a function that
// ends the subscription. The channel is closed when either is called or the
// notifier is closed.
func (cn *ChangeNotifier) Subscribe() (<-chan struct{}, func()) {
	cn.mu.Lock()
	defer cn.mu.Unlock()

	ch := make(chan struct{}, 1)
	if cn.closed {
		close(ch)
		return ch, func() {}
	}
	if cn.subscribers == nil {
		cn.subscribers = make(map[chan struct{}]struct{})
	}
	cn.subscribers[ch] = struct{}{}

	return ch, func() {
		cn.mu.Lock()
		defer cn.mu.Unlock()
		if _, ok := cn.subscribers[ch]; ok {
			delete(cn.subscribers, ch)
			close(ch)
		}
	}
}

// Close ends every subscription. Later subscribers receive a closed channel.
func (cn *ChangeNotifier) Close() {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.closed {
		return
	}
	cn.closed = true
	for ch := range cn.subscribers {
		close(ch)
	}
	cn.subscribers = nil
}
