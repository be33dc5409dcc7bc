package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/m-tq/OctWa-sub003/pkg/capability"
	"github.com/m-tq/OctWa-sub003/pkg/statestore"
)

func newTestRegistry(t *testing.T) (*Registry, *statestore.Memory) {
	t.Helper()
	st := statestore.NewMemory()
	r := New(st, zerolog.Nop())
	t.Cleanup(func() { r.Close(); st.Close() })
	return r, st
}

func testConnection(origin, circle string) Connection {
	return Connection{
		Circle:          circle,
		AppOrigin:       origin,
		AppName:         "Test dApp",
		WalletPublicKey: "oct1walletpk",
		Network:         "octra-testnet",
		BranchID:        "branch-1",
		ConnectedAt:     time.Now().UnixMilli(),
	}
}

func testCapability(origin, id string, expiresAt int64) capability.Capability {
	now := time.Now().UnixMilli()
	return capability.Capability{
		Signed: capability.Signed{
			Payload: capability.Payload{
				Version:   1,
				Circle:    "octra-main",
				Methods:   []string{"get_balance"},
				Scope:     capability.ScopeRead,
				AppOrigin: origin,
				BranchID:  "branch-1",
				Epoch:     1,
				IssuedAt:  now,
				ExpiresAt: expiresAt,
				NonceBase: 100,
			},
		},
		ID:        id,
		State:     capability.StateActive,
		LastNonce: 100,
	}
}

func TestSaveConnection_SameOriginReplaces(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	if err := r.SaveConnection(ctx, testConnection("https://x.test", "octra-main")); err != nil {
		t.Fatalf("SaveConnection: %v", err)
	}
	second := testConnection("https://x.test", "octra-main")
	second.AppName = "Renamed dApp"
	if err := r.SaveConnection(ctx, second); err != nil {
		t.Fatalf("SaveConnection again: %v", err)
	}
	conn, found, err := r.Connection(ctx, "https://x.test")
	if err != nil || !found {
		t.Fatalf("Connection: found=%v err=%v", found, err)
	}
	if conn.AppName != "Renamed dApp" {
		t.Fatalf("connection not replaced: %+v", conn)
	}
}

func TestSaveConnection_NewCircleDropsCapabilities(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	if err := r.SaveConnection(ctx, testConnection("https://x.test", "octra-main")); err != nil {
		t.Fatalf("SaveConnection: %v", err)
	}
	future := time.Now().Add(time.Hour).UnixMilli()
	if err := r.AddCapability(ctx, "https://x.test", testCapability("https://x.test", "cap_1", future)); err != nil {
		t.Fatalf("AddCapability: %v", err)
	}

	// Same circle: capabilities survive.
	if err := r.SaveConnection(ctx, testConnection("https://x.test", "octra-main")); err != nil {
		t.Fatalf("SaveConnection same circle: %v", err)
	}
	if _, err := r.Capability(ctx, "https://x.test", "cap_1"); err != nil {
		t.Fatalf("capability must survive same-circle reconnect: %v", err)
	}

	// Different circle: old grants are bound to the old audience.
	if err := r.SaveConnection(ctx, testConnection("https://x.test", "octra-side")); err != nil {
		t.Fatalf("SaveConnection new circle: %v", err)
	}
	if _, err := r.Capability(ctx, "https://x.test", "cap_1"); !errors.Is(err, ErrCapabilityNotFound) {
		t.Fatalf("want ErrCapabilityNotFound after circle change, got %v", err)
	}
}

func TestDisconnect_CascadesAtomically(t *testing.T) {
	r, st := newTestRegistry(t)
	ctx := context.Background()
	if err := r.SaveConnection(ctx, testConnection("https://x.test", "octra-main")); err != nil {
		t.Fatalf("SaveConnection: %v", err)
	}
	future := time.Now().Add(time.Hour).UnixMilli()
	if err := r.AddCapability(ctx, "https://x.test", testCapability("https://x.test", "cap_1", future)); err != nil {
		t.Fatalf("AddCapability: %v", err)
	}

	// Every observable intermediate state must contain either both the
	// connection and its capabilities or neither.
	var mu sync.Mutex
	var violations int
	cancel := st.Subscribe(func(ev statestore.Event) {
		mu.Lock()
		defer mu.Unlock()
		connExists := !ev.Deleted
		capsExist := false
		if !ev.Deleted {
			caps, _ := r.ActiveCapabilities(ctx, "https://x.test", time.Now())
			capsExist = len(caps) > 0
		}
		if connExists != capsExist {
			violations++
		}
	})
	defer cancel()

	if err := r.Disconnect(ctx, "https://x.test"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if violations != 0 {
		t.Fatalf("observed %d half-disconnected states", violations)
	}
	if _, found, _ := r.Connection(ctx, "https://x.test"); found {
		t.Fatal("connection survived disconnect")
	}
	if _, err := r.Capability(ctx, "https://x.test", "cap_1"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("want ErrNotConnected after disconnect, got %v", err)
	}
	if err := r.Disconnect(ctx, "https://x.test"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("second Disconnect: want ErrNotConnected, got %v", err)
	}
}

func TestActiveCapabilities_FiltersExpiredAndRevoked(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	if err := r.SaveConnection(ctx, testConnection("https://x.test", "octra-main")); err != nil {
		t.Fatalf("SaveConnection: %v", err)
	}
	now := time.Now()
	live := testCapability("https://x.test", "cap_live", now.Add(time.Hour).UnixMilli())
	expired := testCapability("https://x.test", "cap_expired", now.Add(-time.Minute).UnixMilli())
	revoked := testCapability("https://x.test", "cap_revoked", now.Add(time.Hour).UnixMilli())
	for _, c := range []capability.Capability{live, expired, revoked} {
		if err := r.AddCapability(ctx, "https://x.test", c); err != nil {
			t.Fatalf("AddCapability %s: %v", c.ID, err)
		}
	}
	if err := r.RevokeCapability(ctx, "https://x.test", "cap_revoked"); err != nil {
		t.Fatalf("RevokeCapability: %v", err)
	}
	active, err := r.ActiveCapabilities(ctx, "https://x.test", now)
	if err != nil {
		t.Fatalf("ActiveCapabilities: %v", err)
	}
	if len(active) != 1 || active[0].ID != "cap_live" {
		t.Fatalf("unexpected active set: %+v", active)
	}
}

func TestAdvanceNonce_StrictlyIncreasing(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	if err := r.SaveConnection(ctx, testConnection("https://x.test", "octra-main")); err != nil {
		t.Fatalf("SaveConnection: %v", err)
	}
	future := time.Now().Add(time.Hour).UnixMilli()
	if err := r.AddCapability(ctx, "https://x.test", testCapability("https://x.test", "cap_1", future)); err != nil {
		t.Fatalf("AddCapability: %v", err)
	}

	if err := r.AdvanceNonce(ctx, "https://x.test", "cap_1", 100); !errors.Is(err, ErrNonceViolation) {
		t.Fatalf("equal nonce: want ErrNonceViolation, got %v", err)
	}
	if err := r.AdvanceNonce(ctx, "https://x.test", "cap_1", 99); !errors.Is(err, ErrNonceViolation) {
		t.Fatalf("lower nonce: want ErrNonceViolation, got %v", err)
	}
	if err := r.AdvanceNonce(ctx, "https://x.test", "cap_1", 101); err != nil {
		t.Fatalf("AdvanceNonce 101: %v", err)
	}
	if err := r.AdvanceNonce(ctx, "https://x.test", "cap_1", 101); !errors.Is(err, ErrNonceViolation) {
		t.Fatalf("replayed nonce: want ErrNonceViolation, got %v", err)
	}
	c, err := r.Capability(ctx, "https://x.test", "cap_1")
	if err != nil {
		t.Fatalf("Capability: %v", err)
	}
	if c.LastNonce != 101 {
		t.Fatalf("lastNonce not advanced: %d", c.LastNonce)
	}
}

func TestAdvanceNonce_ConcurrentOnlyOneWins(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	if err := r.SaveConnection(ctx, testConnection("https://x.test", "octra-main")); err != nil {
		t.Fatalf("SaveConnection: %v", err)
	}
	future := time.Now().Add(time.Hour).UnixMilli()
	if err := r.AddCapability(ctx, "https://x.test", testCapability("https://x.test", "cap_1", future)); err != nil {
		t.Fatalf("AddCapability: %v", err)
	}

	const workers = 16
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = r.AdvanceNonce(ctx, "https://x.test", "cap_1", 101)
		}(i)
	}
	wg.Wait()
	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else if !errors.Is(err, ErrNonceViolation) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("exactly one advancement must win, got %d", wins)
	}
}

func TestCacheReconcilesOnExternalWrite(t *testing.T) {
	r, st := newTestRegistry(t)
	ctx := context.Background()
	if err := r.SaveConnection(ctx, testConnection("https://x.test", "octra-main")); err != nil {
		t.Fatalf("SaveConnection: %v", err)
	}
	if _, found, _ := r.Connection(ctx, "https://x.test"); !found {
		t.Fatal("connection missing")
	}

	// Another context removes the origin directly in the shared store.
	if err := st.Delete(ctx, "origin/https://x.test"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, found, _ := r.Connection(ctx, "https://x.test"); found {
		t.Fatal("cache must reconcile on externally observed delete")
	}
}
