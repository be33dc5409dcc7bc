// Package statestore abstracts the host-runtime shared key-value state that
// every execution context observes. Contexts never own the canonical copy;
// they hold a read-through cache plus a subscription and reconcile on every
// change event.
package statestore

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("statestore: store closed")

// Event describes one observed mutation of the shared store.
type Event struct {
	Key     string
	Value   []byte
	Deleted bool
}

// Store is the persistence collaborator the registry and vault write through.
// Set and Delete must be atomic per key; Subscribe delivers every mutation,
// including those made by other contexts sharing the same backing store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) (map[string][]byte, error)
	Subscribe(fn func(Event)) (cancel func())
	Close() error
}

// feed is the shared subscriber bookkeeping for the adapters. Callbacks run
// synchronously on the mutating goroutine after the write is durable.
type feed struct {
	mu   sync.Mutex
	next int
	subs map[int]func(Event)
}

func newFeed() *feed {
	return &feed{subs: map[int]func(Event){}}
}

func (f *feed) subscribe(fn func(Event)) func() {
	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}

func (f *feed) publish(ev Event) {
	f.mu.Lock()
	fns := make([]func(Event), 0, len(f.subs))
	for _, fn := range f.subs {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
