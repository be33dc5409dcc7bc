// Package registry is the durable record of which origins are connected and
// which capabilities they hold. A single per-origin record carries both the
// connection and its capability list, so disconnecting an origin removes the
// pair atomically on any backing store: no reader can observe a connection
// without its capabilities or the reverse.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/m-tq/OctWa-sub003/pkg/capability"
	"github.com/m-tq/OctWa-sub003/pkg/statestore"
)

const originPrefix = "origin/"

var (
	ErrNotConnected       = errors.New("registry: origin not connected")
	ErrCapabilityNotFound = errors.New("registry: capability not found")
	ErrNonceViolation     = errors.New("registry: nonce not greater than lastNonce")
)

// Connection binds an app origin to a wallet and an audience circle. One
// connection exists per origin.
type Connection struct {
	Circle          string `json:"circle"`
	AppOrigin       string `json:"appOrigin"`
	AppName         string `json:"appName"`
	WalletPublicKey string `json:"walletPublicKey"`
	EVMAddress      string `json:"evmAddress,omitempty"`
	Network         string `json:"network"`
	BranchID        string `json:"branchId"`
	ConnectedAt     int64  `json:"connectedAt"`
}

type originRecord struct {
	Connection   Connection              `json:"connection"`
	Capabilities []capability.Capability `json:"capabilities"`
}

// Registry mediates all reads and writes of connection/capability state.
// mu serializes mutations so nonce checks and advancement form a
// linearizable sequence per capability; the cache is reconciled from the
// store's change feed, which also carries writes made by other contexts.
type Registry struct {
	store statestore.Store
	log   zerolog.Logger

	mu sync.Mutex // serializes mutations

	cacheMu sync.RWMutex
	cache   map[string]*originRecord

	unsubscribe func()
}

func New(store statestore.Store, log zerolog.Logger) *Registry {
	r := &Registry{
		store: store,
		log:   log.With().Str("component", "registry").Logger(),
		cache: map[string]*originRecord{},
	}
	r.unsubscribe = store.Subscribe(r.onEvent)
	return r
}

// Close detaches the change-feed subscription.
func (r *Registry) Close() {
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
}

// onEvent reconciles the cache with an externally observed change. The
// shared store is the source of truth; local state is replaced, not merged.
func (r *Registry) onEvent(ev statestore.Event) {
	if len(ev.Key) <= len(originPrefix) || ev.Key[:len(originPrefix)] != originPrefix {
		return
	}
	origin := ev.Key[len(originPrefix):]
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	if ev.Deleted {
		delete(r.cache, origin)
		return
	}
	var rec originRecord
	if err := json.Unmarshal(ev.Value, &rec); err != nil {
		r.log.Error().Str("origin", origin).Err(err).Msg("malformed registry record in change feed")
		delete(r.cache, origin)
		return
	}
	r.cache[origin] = &rec
}

// Connection returns the stored connection for origin.
func (r *Registry) Connection(ctx context.Context, origin string) (Connection, bool, error) {
	rec, found, err := r.load(ctx, origin)
	if err != nil || !found {
		return Connection{}, false, err
	}
	return rec.Connection, true, nil
}

// SaveConnection stores a connection for its origin. A prior connection for
// the same origin is replaced; when the audience circle changes, the old
// capabilities are bound to the old audience and are dropped with it.
func (r *Registry) SaveConnection(ctx context.Context, conn Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, found, err := r.load(ctx, conn.AppOrigin)
	if err != nil {
		return err
	}
	next := originRecord{Connection: conn}
	if found && rec.Connection.Circle == conn.Circle {
		next.Capabilities = rec.Capabilities
	}
	return r.persist(ctx, conn.AppOrigin, &next)
}

// Disconnect removes the connection and every capability for origin in one
// store mutation.
func (r *Registry) Disconnect(ctx context.Context, origin string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, found, err := r.load(ctx, origin)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotConnected
	}
	if err := r.store.Delete(ctx, originPrefix+origin); err != nil {
		return err
	}
	r.log.Info().Str("origin", origin).Msg("origin disconnected")
	return nil
}

// AddCapability appends a capability to the origin's record.
func (r *Registry) AddCapability(ctx context.Context, origin string, cap capability.Capability) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, found, err := r.load(ctx, origin)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotConnected
	}
	next := *rec
	next.Capabilities = append(append([]capability.Capability(nil), rec.Capabilities...), cap)
	return r.persist(ctx, origin, &next)
}

// Capability looks a capability up by id within an origin.
func (r *Registry) Capability(ctx context.Context, origin, id string) (capability.Capability, error) {
	rec, found, err := r.load(ctx, origin)
	if err != nil {
		return capability.Capability{}, err
	}
	if !found {
		return capability.Capability{}, ErrNotConnected
	}
	for _, c := range rec.Capabilities {
		if c.ID == id {
			return c, nil
		}
	}
	return capability.Capability{}, ErrCapabilityNotFound
}

// ActiveCapabilities returns the origin's capabilities that are ACTIVE and
// not expired at now.
func (r *Registry) ActiveCapabilities(ctx context.Context, origin string, now time.Time) ([]capability.Capability, error) {
	rec, found, err := r.load(ctx, origin)
	if err != nil || !found {
		return nil, err
	}
	out := make([]capability.Capability, 0, len(rec.Capabilities))
	for _, c := range rec.Capabilities {
		if c.State != capability.StateActive || c.Expired(now) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// RevokeCapability marks the capability REVOKED. Revoked grants stay in the
// record for audit; ActiveCapabilities filters them out.
func (r *Registry) RevokeCapability(ctx context.Context, origin, id string) error {
	return r.updateCapability(ctx, origin, id, func(c *capability.Capability) error {
		c.State = capability.StateRevoked
		return nil
	})
}

// ReplaceCapability swaps the stored grant with a renewed one carrying the
// same id. LastNonce only moves forward.
func (r *Registry) ReplaceCapability(ctx context.Context, origin string, renewed capability.Capability) error {
	return r.updateCapability(ctx, origin, renewed.ID, func(c *capability.Capability) error {
		if renewed.LastNonce < c.LastNonce {
			renewed.LastNonce = c.LastNonce
		}
		*c = renewed
		return nil
	})
}

// AdvanceNonce moves lastNonce up to nonce. The check and the write happen
// under the registry mutation lock: no two invocations can observe the same
// pre-advancement value as valid.
func (r *Registry) AdvanceNonce(ctx context.Context, origin, id string, nonce int64) error {
	return r.updateCapability(ctx, origin, id, func(c *capability.Capability) error {
		if nonce <= c.LastNonce {
			return ErrNonceViolation
		}
		c.LastNonce = nonce
		return nil
	})
}

// Origins lists every connected origin.
func (r *Registry) Origins(ctx context.Context) ([]string, error) {
	all, err := r.store.List(ctx, originPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(all))
	for k := range all {
		out = append(out, k[len(originPrefix):])
	}
	return out, nil
}

func (r *Registry) updateCapability(ctx context.Context, origin, id string, mutate func(*capability.Capability) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, found, err := r.load(ctx, origin)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotConnected
	}
	next := *rec
	next.Capabilities = append([]capability.Capability(nil), rec.Capabilities...)
	for i := range next.Capabilities {
		if next.Capabilities[i].ID != id {
			continue
		}
		if err := mutate(&next.Capabilities[i]); err != nil {
			return err
		}
		return r.persist(ctx, origin, &next)
	}
	return ErrCapabilityNotFound
}

// load consults the cache first and falls back to the store. Cache entries
// are owned by the change feed; readers get copies via value semantics.
func (r *Registry) load(ctx context.Context, origin string) (*originRecord, bool, error) {
	r.cacheMu.RLock()
	rec, ok := r.cache[origin]
	r.cacheMu.RUnlock()
	if ok {
		cp := *rec
		return &cp, true, nil
	}
	raw, found, err := r.store.Get(ctx, originPrefix+origin)
	if err != nil || !found {
		return nil, false, err
	}
	var loaded originRecord
	if err := json.Unmarshal(raw, &loaded); err != nil {
		return nil, false, err
	}
	r.cacheMu.Lock()
	r.cache[origin] = &loaded
	r.cacheMu.Unlock()
	cp := loaded
	return &cp, true, nil
}

func (r *Registry) persist(ctx context.Context, origin string, rec *originRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, originPrefix+origin, b)
}
