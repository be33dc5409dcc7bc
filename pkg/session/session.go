// Package session fans shared-state changes out to the wallet's execution
// contexts. The popup, the expanded view and the privileged background
// worker do not share memory; the state store is their only common ground,
// and each context reconciles its local cache from the change feed rather
// than trusting what it last saw.
package session

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/m-tq/OctWa-sub003/pkg/statestore"
	"github.com/m-tq/OctWa-sub003/pkg/vault"
)

// ContextKind classifies an attached execution context. Popup and expanded
// contexts are user-visible windows; the background worker is not.
type ContextKind string

const (
	KindPopup      ContextKind = "popup"
	KindExpanded   ContextKind = "expanded"
	KindBackground ContextKind = "background"
)

const eventBuffer = 64

var ErrClosed = errors.New("session: synchronizer closed")

// Handle is one attached context's view of the feed. Events are delivered
// on a buffered channel; a context that falls behind has events dropped and
// must reconcile by re-reading the store, which is always authoritative.
type Handle struct {
	ID   string
	Kind ContextKind

	events chan statestore.Event
	once   sync.Once
	detach func()
}

// Events streams state changes until the handle is closed.
func (h *Handle) Events() <-chan statestore.Event { return h.events }

// Close detaches the context. Closing the last window-kind handle locks the
// vault.
func (h *Handle) Close() { h.once.Do(h.detach) }

// Synchronizer subscribes to the shared store's change feed and multiplexes
// it to every attached context.
type Synchronizer struct {
	vault *vault.Vault
	log   zerolog.Logger

	mu          sync.Mutex
	handles     map[string]*Handle
	windows     int
	closed      bool
	unsubscribe func()
}

func New(store statestore.Store, v *vault.Vault, log zerolog.Logger) *Synchronizer {
	s := &Synchronizer{
		vault:   v,
		log:     log.With().Str("component", "session").Logger(),
		handles: map[string]*Handle{},
	}
	s.unsubscribe = store.Subscribe(s.broadcast)
	return s
}

// Attach registers a new execution context and returns its feed handle.
// Attaching a window counts as user activity for the vault's idle timer.
func (s *Synchronizer) Attach(kind ContextKind) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	h := &Handle{
		ID:     "ctx_" + uuid.NewString(),
		Kind:   kind,
		events: make(chan statestore.Event, eventBuffer),
	}
	h.detach = func() { s.detach(h) }
	s.handles[h.ID] = h
	if isWindow(kind) {
		s.windows++
		s.vault.Touch()
	}
	s.log.Debug().Str("context", h.ID).Str("kind", string(kind)).Msg("context attached")
	return h, nil
}

func (s *Synchronizer) detach(h *Handle) {
	s.mu.Lock()
	if _, ok := s.handles[h.ID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.handles, h.ID)
	lockVault := false
	if isWindow(h.Kind) {
		s.windows--
		lockVault = s.windows == 0 && !s.closed
	}
	s.mu.Unlock()
	close(h.events)

	if lockVault {
		s.log.Info().Msg("all windows closed, locking vault")
		s.vault.Lock()
	}
}

// Windows reports the number of attached user-visible contexts.
func (s *Synchronizer) Windows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.windows
}

// Close detaches every context and stops the feed subscription. It does not
// lock the vault; shutdown is not a user walking away.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	handles := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	s.unsubscribe()
	for _, h := range handles {
		h.Close()
	}
}

func (s *Synchronizer) broadcast(ev statestore.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.handles {
		select {
		case h.events <- ev:
		default:
			s.log.Warn().Str("context", h.ID).Str("key", ev.Key).
				Msg("context feed full, event dropped")
		}
	}
}

func isWindow(kind ContextKind) bool {
	return kind == KindPopup || kind == KindExpanded
}
