package main

import (
	"encoding/base64"
	"errors"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/m-tq/OctWa-sub003/pkg/broker"
	"github.com/m-tq/OctWa-sub003/pkg/httpx"
	"github.com/m-tq/OctWa-sub003/pkg/session"
	"github.com/m-tq/OctWa-sub003/pkg/vault"
)

// originHeader carries the transport-verified requester origin. In the
// deployed wallet this is stamped by the extension port; here the gateway
// requires it on every /rpc call.
const originHeader = "X-App-Origin"

type app struct {
	broker *broker.Broker
	vault  *vault.Vault
	sync   *session.Synchronizer
	log    zerolog.Logger

	mu      sync.Mutex
	windows map[string]*session.Handle
}

func newRouter(a *app) *chi.Mux {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	r.Post("/rpc", a.handleRPC)

	r.Route("/ui", func(api chi.Router) {
		api.Get("/pending", a.handlePending)
		api.Post("/decisions", a.handleDecision)
		api.Post("/windows", a.handleWindowOpen)
		api.Delete("/windows/{window_id}", a.handleWindowClose)
	})

	r.Route("/vault", func(api chi.Router) {
		api.Post("/setup", a.handleSetup)
		api.Post("/unlock", a.handleUnlock)
		api.Post("/lock", a.handleLock)
		api.Get("/status", a.handleStatus)
		api.Post("/password", a.handleChangePassword)
		api.Get("/wallets", a.handleListWallets)
		api.Post("/wallets", a.handleAddWallet)
		api.Delete("/wallets/{address}", a.handleRemoveWallet)
	})
	return r
}

func (a *app) handleRPC(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get(originHeader)
	if origin == "" {
		httpx.WriteError(w, 400, "MISSING_ORIGIN", originHeader+" header is required")
		return
	}
	var req broker.Request
	if err := httpx.ReadJSON(w, r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_JSON", err.Error())
		return
	}
	// The broker's envelope carries success/failure; HTTP stays 200 so the
	// requester-side port treats transport and protocol errors differently.
	httpx.WriteJSON(w, 200, a.broker.Handle(r.Context(), origin, req))
}

func (a *app) handlePending(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, 200, map[string]any{"pending": a.broker.Pending()})
}

func (a *app) handleDecision(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type          string `json:"type"`
		AppOrigin     string `json:"appOrigin"`
		Approved      bool   `json:"approved"`
		WalletAddress string `json:"walletAddress,omitempty"`
	}
	if err := httpx.ReadJSON(w, r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_JSON", err.Error())
		return
	}
	kind, ok := broker.DecisionKindFromResultType(req.Type)
	if !ok {
		httpx.WriteError(w, 400, "UNKNOWN_RESULT_TYPE", "unrecognized decision type "+req.Type)
		return
	}
	a.vault.Touch()
	accepted := a.broker.Resolve(broker.Decision{
		Kind:          kind,
		AppOrigin:     req.AppOrigin,
		Approved:      req.Approved,
		WalletAddress: req.WalletAddress,
	})
	httpx.WriteJSON(w, 200, map[string]any{"accepted": accepted})
}

func (a *app) handleWindowOpen(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind string `json:"kind"`
	}
	if err := httpx.ReadJSON(w, r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_JSON", err.Error())
		return
	}
	kind := session.ContextKind(req.Kind)
	if kind != session.KindPopup && kind != session.KindExpanded {
		httpx.WriteError(w, 400, "BAD_KIND", "kind must be popup or expanded")
		return
	}
	h, err := a.sync.Attach(kind)
	if err != nil {
		httpx.WriteError(w, 503, "SHUTTING_DOWN", err.Error())
		return
	}
	a.mu.Lock()
	a.windows[h.ID] = h
	a.mu.Unlock()
	httpx.WriteJSON(w, 201, map[string]any{"windowId": h.ID})
}

func (a *app) handleWindowClose(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "window_id")
	a.mu.Lock()
	h, ok := a.windows[id]
	delete(a.windows, id)
	a.mu.Unlock()
	if !ok {
		httpx.WriteError(w, 404, "NOT_FOUND", "no such window")
		return
	}
	h.Close()
	httpx.WriteJSON(w, 200, map[string]any{"closed": true})
}

type walletBody struct {
	Address    string `json:"address"`
	PrivateKey string `json:"privateKey"`
	Mnemonic   string `json:"mnemonic,omitempty"`
}

func (b walletBody) wallet() (vault.Wallet, error) {
	if b.Address == "" || b.PrivateKey == "" {
		return vault.Wallet{}, errors.New("address and privateKey are required")
	}
	key, err := base64.StdEncoding.DecodeString(b.PrivateKey)
	if err != nil {
		return vault.Wallet{}, errors.New("privateKey must be base64")
	}
	return vault.Wallet{Address: b.Address, PrivateKey: key, Mnemonic: b.Mnemonic}, nil
}

func (a *app) handleSetup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string     `json:"password"`
		Wallet   walletBody `json:"wallet"`
	}
	if err := httpx.ReadJSON(w, r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_JSON", err.Error())
		return
	}
	if req.Password == "" {
		httpx.WriteError(w, 400, "BAD_REQUEST", "password is required")
		return
	}
	wlt, err := req.Wallet.wallet()
	if err != nil {
		httpx.WriteError(w, 400, "BAD_REQUEST", err.Error())
		return
	}
	if err := a.vault.Setup(r.Context(), req.Password, wlt); err != nil {
		a.writeVaultError(w, err)
		return
	}
	httpx.WriteJSON(w, 201, map[string]any{"success": true, "address": wlt.Address})
}

func (a *app) handleUnlock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := httpx.ReadJSON(w, r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_JSON", err.Error())
		return
	}
	wallets, err := a.vault.Unlock(r.Context(), req.Password)
	if err != nil {
		a.writeVaultError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"success": true, "addresses": addresses(wallets)})
}

func (a *app) handleLock(w http.ResponseWriter, r *http.Request) {
	a.vault.Lock()
	httpx.WriteJSON(w, 200, map[string]any{"success": true})
}

func (a *app) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := a.vault.Status(r.Context())
	if err != nil {
		httpx.WriteError(w, 500, "STORE_ERROR", err.Error())
		return
	}
	httpx.WriteJSON(w, 200, st)
}

func (a *app) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OldPassword string `json:"oldPassword"`
		NewPassword string `json:"newPassword"`
	}
	if err := httpx.ReadJSON(w, r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_JSON", err.Error())
		return
	}
	if req.NewPassword == "" {
		httpx.WriteError(w, 400, "BAD_REQUEST", "newPassword is required")
		return
	}
	if err := a.vault.ChangePassword(r.Context(), req.OldPassword, req.NewPassword); err != nil {
		a.writeVaultError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"success": true})
}

func (a *app) handleListWallets(w http.ResponseWriter, r *http.Request) {
	wallets, err := a.vault.Wallets()
	if err != nil {
		a.writeVaultError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"addresses": addresses(wallets)})
}

func (a *app) handleAddWallet(w http.ResponseWriter, r *http.Request) {
	var req walletBody
	if err := httpx.ReadJSON(w, r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_JSON", err.Error())
		return
	}
	wlt, err := req.wallet()
	if err != nil {
		httpx.WriteError(w, 400, "BAD_REQUEST", err.Error())
		return
	}
	if err := a.vault.AddWallet(r.Context(), wlt); err != nil {
		a.writeVaultError(w, err)
		return
	}
	httpx.WriteJSON(w, 201, map[string]any{"success": true, "address": wlt.Address})
}

func (a *app) handleRemoveWallet(w http.ResponseWriter, r *http.Request) {
	if err := a.vault.RemoveWallet(r.Context(), chi.URLParam(r, "address")); err != nil {
		a.writeVaultError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"success": true})
}

// writeVaultError maps vault failures to HTTP. Decrypted material never
// appears in an error body.
func (a *app) writeVaultError(w http.ResponseWriter, err error) {
	var limited *vault.RateLimitedError
	switch {
	case errors.As(err, &limited):
		httpx.WriteJSON(w, 429, map[string]any{
			"success": false,
			"error": map[string]any{
				"code":              "RATE_LIMITED",
				"message":           "too many failed attempts",
				"remainingMs":       limited.RemainingMs,
				"remainingAttempts": limited.RemainingAttempts,
			},
		})
	case errors.Is(err, vault.ErrInvalidPassword):
		httpx.WriteError(w, 401, "INVALID_PASSWORD", "password verification failed")
	case errors.Is(err, vault.ErrNoPasswordSet):
		httpx.WriteError(w, 409, "NO_PASSWORD_SET", "vault has not been set up")
	case errors.Is(err, vault.ErrAlreadySetUp):
		httpx.WriteError(w, 409, "ALREADY_SET_UP", "vault already initialized")
	case errors.Is(err, vault.ErrLocked):
		httpx.WriteError(w, 423, "VAULT_LOCKED", "vault is locked")
	case errors.Is(err, vault.ErrWalletExists):
		httpx.WriteError(w, 409, "WALLET_EXISTS", "a wallet with that address exists")
	case errors.Is(err, vault.ErrWalletNotFound):
		httpx.WriteError(w, 404, "WALLET_NOT_FOUND", "no wallet with that address")
	default:
		a.log.Error().Err(err).Msg("vault operation failed")
		httpx.WriteError(w, 500, "INTERNAL_ERROR", "internal error")
	}
}

func addresses(wallets []vault.Wallet) []string {
	out := make([]string, 0, len(wallets))
	for _, w := range wallets {
		out = append(out, w.Address)
	}
	return out
}
