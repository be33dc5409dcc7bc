package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/m-tq/OctWa-sub003/pkg/broker"
	"github.com/m-tq/OctWa-sub003/pkg/db"
	"github.com/m-tq/OctWa-sub003/pkg/registry"
	"github.com/m-tq/OctWa-sub003/pkg/session"
	"github.com/m-tq/OctWa-sub003/pkg/statestore"
	"github.com/m-tq/OctWa-sub003/pkg/vault"
	"github.com/m-tq/OctWa-sub003/services/walletd/internal/chainclient"
)

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Str("service", "walletd").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, log)
	if err != nil {
		log.Fatal().Err(err).Msg("state store init failed")
	}
	defer store.Close()

	v := vault.New(store, log)
	if d := envDuration("VAULT_IDLE_TIMEOUT", vault.DefaultIdleTimeout); d >= 0 {
		v.SetIdleTimeout(d)
	}
	go v.StartAutoLock(ctx)

	reg := registry.New(store, log)
	defer reg.Close()

	rpcURL := strings.TrimSpace(os.Getenv("CHAIN_RPC_URL"))
	if rpcURL == "" {
		rpcURL = "http://localhost:8545"
	}
	exec := chainclient.New(rpcURL)

	brk := broker.New(reg, v, exec, log, broker.Config{
		Notify: func(p broker.PendingRequest) {
			log.Info().Str("kind", string(p.Kind)).Str("origin", p.AppOrigin).
				Str("request", p.ID).Msg("pending user decision")
		},
	})

	sy := session.New(store, v, log)
	defer sy.Close()

	port := strings.TrimSpace(os.Getenv("SERVICE_PORT"))
	if port == "" {
		port = "8090"
	}
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           newRouter(&app{broker: brk, vault: v, sync: sy, log: log, windows: map[string]*session.Handle{}}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("port", port).Str("rpc", rpcURL).Msg("walletd listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server failed")
	}
}

// openStore picks the state backend from STATE_BACKEND: memory, bolt
// (default) or postgres.
func openStore(ctx context.Context, log zerolog.Logger) (statestore.Store, error) {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("STATE_BACKEND"))) {
	case "", "bolt":
		path := strings.TrimSpace(os.Getenv("BOLT_PATH"))
		if path == "" {
			path = "walletd.db"
		}
		return statestore.OpenBolt(path)
	case "memory":
		return statestore.NewMemory(), nil
	case "postgres":
		pool, err := db.Connect(ctx, os.Getenv("DATABASE_URL"))
		if err != nil {
			return nil, err
		}
		return statestore.OpenPostgres(ctx, pool, log)
	default:
		return nil, errUnknownBackend(os.Getenv("STATE_BACKEND"))
	}
}

type errUnknownBackend string

func (e errUnknownBackend) Error() string {
	return "unknown STATE_BACKEND " + string(e) + " (want memory, bolt or postgres)"
}

func envDuration(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}
