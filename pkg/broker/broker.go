// Package broker mediates between untrusted requesters and the privileged
// signer. It owns the three interactive state machines (connection,
// capability, invoke) plus message signing, the pending-request records the
// UI renders, and the FIFO signing lock that serializes every key-touching
// operation.
package broker

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/m-tq/OctWa-sub003/pkg/capability"
	"github.com/m-tq/OctWa-sub003/pkg/registry"
	"github.com/m-tq/OctWa-sub003/pkg/vault"
)

const (
	// DefaultConnectionWait bounds how long a connection request stays
	// pending before it is discarded.
	DefaultConnectionWait = 60 * time.Second

	// DefaultApprovalWait bounds capability, invoke and sign-message
	// approvals.
	DefaultApprovalWait = 300 * time.Second

	DefaultBranchID = "main"
	DefaultNetwork  = "octra-mainnet"
)

// autoExecMethods are side-effect-free queries that execute without a user
// prompt once a capability covering them exists. Fund transfers are never
// auto-executed regardless of what a capability claims.
var autoExecMethods = map[string]bool{
	"get_balance":      true,
	"get_address":      true,
	"get_network":      true,
	"get_block_height": true,
}

// Executor runs an authorized invocation against the chain backend.
type Executor interface {
	Execute(ctx context.Context, cap capability.Capability, method string, params json.RawMessage) (any, error)
}

type Config struct {
	ConnectionWait time.Duration
	ApprovalWait   time.Duration
	// Notify is called when a new pending request is parked, so the UI
	// layer can surface it. Optional.
	Notify func(PendingRequest)
}

// Broker is constructed once at startup; all mutable coordination state
// (pending waiters, signing lock) lives on it rather than in package
// globals.
type Broker struct {
	registry *registry.Registry
	vault    *vault.Vault
	exec     Executor
	log      zerolog.Logger

	pending *pendingSet
	signing fifoLock

	connectionWait time.Duration
	approvalWait   time.Duration

	now   func() time.Time
	newID func() string
}

func New(reg *registry.Registry, v *vault.Vault, exec Executor, log zerolog.Logger, cfg Config) *Broker {
	if cfg.ConnectionWait <= 0 {
		cfg.ConnectionWait = DefaultConnectionWait
	}
	if cfg.ApprovalWait <= 0 {
		cfg.ApprovalWait = DefaultApprovalWait
	}
	return &Broker{
		registry:       reg,
		vault:          v,
		exec:           exec,
		log:            log.With().Str("component", "broker").Logger(),
		pending:        newPendingSet(cfg.Notify),
		connectionWait: cfg.ConnectionWait,
		approvalWait:   cfg.ApprovalWait,
		now:            time.Now,
		newID:          func() string { return "req_" + uuid.NewString() },
	}
}

// Handle dispatches one inbound requester message. verifiedOrigin is the
// transport-authenticated sender origin; any appOrigin inside the payload
// must agree with it before anything else is processed.
func (b *Broker) Handle(ctx context.Context, verifiedOrigin string, msg Request) Response {
	var result any
	var err error
	switch msg.Type {
	case TypeConnectionRequest:
		result, err = b.handleConnection(ctx, verifiedOrigin, msg)
	case TypeCapabilityRequest:
		result, err = b.handleCapability(ctx, verifiedOrigin, msg)
	case TypeInvokeRequest:
		result, err = b.handleInvoke(ctx, verifiedOrigin, msg)
	case TypeSignMessageRequest:
		result, err = b.handleSignMessage(ctx, verifiedOrigin, msg)
	case TypeDisconnectRequest:
		result, err = b.handleDisconnect(ctx, verifiedOrigin, msg)
	case TypeListCapabilitiesRequest:
		result, err = b.handleListCapabilities(ctx, verifiedOrigin, msg)
	case TypeRenewCapabilityRequest:
		result, err = b.handleRenewCapability(ctx, verifiedOrigin, msg)
	case TypeRevokeCapabilityRequest:
		result, err = b.handleRevokeCapability(ctx, verifiedOrigin, msg)
	default:
		err = fmt.Errorf("%w: %s", ErrUnknownRequestType, msg.Type)
	}
	if err != nil {
		return Response{
			Type:    responseType(msg.Type),
			Success: false,
			Error:   &ResponseError{Code: errorCode(err), Message: publicMessage(err)},
		}
	}
	return Response{Type: responseType(msg.Type), Success: true, Result: result}
}

// Resolve delivers a user decision to the waiting state machine. A decision
// with no live waiter is stale (the request timed out or was superseded) and
// is dropped.
func (b *Broker) Resolve(dec Decision) bool {
	if b.pending.resolve(dec) {
		return true
	}
	b.log.Info().Str("kind", string(dec.Kind)).Str("origin", dec.AppOrigin).
		Msg("stale user decision ignored")
	return false
}

// Pending lists the parked requests for the UI layer.
func (b *Broker) Pending() []PendingRequest {
	return b.pending.snapshot()
}

func (b *Broker) handleConnection(ctx context.Context, origin string, msg Request) (any, error) {
	var data ConnectionRequestData
	if err := decodeData(msg.Data, &data); err != nil {
		return nil, err
	}
	if err := b.checkOrigin(data.AppOrigin, origin, msg.Type); err != nil {
		return nil, err
	}
	if data.Circle == "" {
		return nil, fmt.Errorf("%w: circle is required", ErrMalformedRequest)
	}

	// Fast path: an existing connection for the same audience is reused
	// silently, no re-prompt for an already-trusted dApp.
	if conn, found, err := b.registry.Connection(ctx, origin); err != nil {
		return nil, err
	} else if found && conn.Circle == data.Circle {
		return conn, nil
	}

	dec, err := b.park(ctx, KindConnection, origin, msg, b.connectionWait)
	if err != nil {
		return nil, err
	}
	if !dec.Approved {
		return nil, ErrUserRejected
	}
	if dec.WalletAddress == "" {
		return nil, fmt.Errorf("%w: approval without wallet selection", ErrMalformedRequest)
	}
	network := data.Network
	if network == "" {
		network = DefaultNetwork
	}
	conn := registry.Connection{
		Circle:          data.Circle,
		AppOrigin:       origin,
		AppName:         data.AppName,
		WalletPublicKey: dec.WalletAddress,
		Network:         network,
		BranchID:        DefaultBranchID,
		ConnectedAt:     b.now().UnixMilli(),
	}
	if err := b.registry.SaveConnection(ctx, conn); err != nil {
		return nil, err
	}
	b.log.Info().Str("origin", origin).Str("circle", conn.Circle).Msg("connection approved")
	return conn, nil
}

func (b *Broker) handleCapability(ctx context.Context, origin string, msg Request) (any, error) {
	var data CapabilityRequestData
	if err := decodeData(msg.Data, &data); err != nil {
		return nil, err
	}
	if err := b.checkOrigin(data.AppOrigin, origin, msg.Type); err != nil {
		return nil, err
	}
	if data.TTLSeconds <= 0 {
		return nil, fmt.Errorf("%w: ttlSeconds must be positive", ErrMalformedRequest)
	}
	conn, found, err := b.registry.Connection(ctx, origin)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotConnected
	}

	// Validate the full payload before the user is prompted: a grant that
	// could never be signed must not consume an approval.
	payload := capability.Payload{
		Version:   capability.Version,
		Circle:    conn.Circle,
		Methods:   data.Methods,
		Scope:     capability.Scope(data.Scope),
		Encrypted: data.Encrypted,
		AppOrigin: origin,
		BranchID:  conn.BranchID,
		Epoch:     1,
		IssuedAt:  b.now().UnixMilli(),
		ExpiresAt: b.now().UnixMilli() + data.TTLSeconds*1000,
		NonceBase: newNonceBase(),
	}
	payload, err = capability.Normalize(payload)
	if err != nil {
		return nil, err
	}

	dec, err := b.park(ctx, KindCapability, origin, msg, b.approvalWait)
	if err != nil {
		return nil, err
	}
	if !dec.Approved {
		return nil, ErrUserRejected
	}

	// The validity window starts at approval, not at request arrival.
	payload.IssuedAt = b.now().UnixMilli()
	payload.ExpiresAt = payload.IssuedAt + data.TTLSeconds*1000
	cap, err := b.issue(ctx, conn, payload, "")
	if err != nil {
		return nil, err
	}
	if err := b.registry.AddCapability(ctx, origin, cap); err != nil {
		return nil, err
	}
	b.log.Info().Str("origin", origin).Str("capability", cap.ID).
		Strs("methods", cap.Methods).Str("scope", string(cap.Scope)).
		Msg("capability issued")
	return cap, nil
}

func (b *Broker) handleInvoke(ctx context.Context, origin string, msg Request) (any, error) {
	var data InvokeRequestData
	if err := decodeData(msg.Data, &data); err != nil {
		return nil, err
	}
	if err := b.checkOrigin(data.AppOrigin, origin, msg.Type); err != nil {
		return nil, err
	}

	cap, err := b.findCapability(ctx, data.CapabilityID)
	if err != nil {
		return nil, err
	}
	if err := b.checkInvokable(cap, origin, data.Method); err != nil {
		return nil, err
	}
	if data.Nonce <= cap.LastNonce {
		b.log.Warn().Str("capability", cap.ID).Int64("nonce", data.Nonce).
			Int64("lastNonce", cap.LastNonce).Msg("invoke nonce violation, replay rejected")
		return nil, ErrNonceViolation
	}

	if !autoExecMethods[data.Method] {
		dec, err := b.park(ctx, KindInvoke, origin, msg, b.approvalWait)
		if err != nil {
			return nil, err
		}
		if !dec.Approved {
			return nil, ErrUserRejected
		}
	}
	return b.execute(ctx, origin, data)
}

// checkInvokable runs the fixed enforcement order: origin binding, expiry,
// state, method allow-list. It runs once before the request is parked, for
// fast rejection, and again under the signing lock before execution.
func (b *Broker) checkInvokable(cap capability.Capability, origin, method string) error {
	if cap.AppOrigin != origin {
		b.log.Warn().Str("capability", cap.ID).Str("bound", cap.AppOrigin).
			Str("sender", origin).Msg("invoke origin mismatch, possible spoofing")
		return ErrOriginMismatch
	}
	if cap.Expired(b.now()) {
		return ErrCapabilityExpired
	}
	if cap.State != capability.StateActive {
		return ErrCapabilityRevoked
	}
	if !cap.Allows(method) {
		return ErrMethodNotAllowed
	}
	return nil
}

// execute re-validates the grant and advances the nonce under the signing
// lock, then runs the method. The capability is reloaded from the registry
// here: it may have expired or been revoked while the request waited for a
// user decision. Nonce advancement is persisted before the result is
// released, so a concurrent duplicate with the same nonce loses even if it
// arrived first.
func (b *Broker) execute(ctx context.Context, origin string, data InvokeRequestData) (any, error) {
	if err := b.signing.Acquire(ctx); err != nil {
		return nil, err
	}
	defer b.signing.Release()

	cap, err := b.registry.Capability(ctx, origin, data.CapabilityID)
	switch {
	case errors.Is(err, registry.ErrNotConnected), errors.Is(err, registry.ErrCapabilityNotFound):
		return nil, ErrCapabilityNotFound
	case err != nil:
		return nil, err
	}
	if err := b.checkInvokable(cap, origin, data.Method); err != nil {
		return nil, err
	}

	if err := b.registry.AdvanceNonce(ctx, cap.AppOrigin, cap.ID, data.Nonce); err != nil {
		if errors.Is(err, registry.ErrNonceViolation) {
			b.log.Warn().Str("capability", cap.ID).Int64("nonce", data.Nonce).
				Msg("invoke nonce violation at advancement, concurrent replay rejected")
			return nil, ErrNonceViolation
		}
		return nil, err
	}
	result, err := b.exec.Execute(ctx, cap, data.Method, data.Params)
	if err != nil {
		return nil, err
	}
	return map[string]any{"method": data.Method, "nonce": data.Nonce, "result": result}, nil
}

func (b *Broker) handleSignMessage(ctx context.Context, origin string, msg Request) (any, error) {
	var data SignMessageRequestData
	if err := decodeData(msg.Data, &data); err != nil {
		return nil, err
	}
	if err := b.checkOrigin(data.AppOrigin, origin, msg.Type); err != nil {
		return nil, err
	}
	if data.Message == "" {
		return nil, fmt.Errorf("%w: message is required", ErrMalformedRequest)
	}
	conn, found, err := b.registry.Connection(ctx, origin)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotConnected
	}

	dec, err := b.park(ctx, KindSignMessage, origin, msg, b.approvalWait)
	if err != nil {
		return nil, err
	}
	if !dec.Approved {
		return nil, ErrUserRejected
	}

	w, err := b.vault.Wallet(conn.WalletPublicKey)
	if err != nil {
		return nil, err
	}
	if err := b.signing.Acquire(ctx); err != nil {
		return nil, err
	}
	defer b.signing.Release()

	priv, err := capability.SigningKeyFromSecret(w.PrivateKey)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256([]byte(data.Message))
	sig := ed25519.Sign(priv, digest[:])
	pub := priv.Public().(ed25519.PublicKey)
	return map[string]any{
		"address":   w.Address,
		"publicKey": base64.StdEncoding.EncodeToString(pub),
		"signature": base64.StdEncoding.EncodeToString(sig),
	}, nil
}

func (b *Broker) handleDisconnect(ctx context.Context, origin string, msg Request) (any, error) {
	var data OriginOnlyData
	if err := decodeData(msg.Data, &data); err != nil {
		return nil, err
	}
	if err := b.checkOrigin(data.AppOrigin, origin, msg.Type); err != nil {
		return nil, err
	}
	if err := b.registry.Disconnect(ctx, origin); err != nil {
		if errors.Is(err, registry.ErrNotConnected) {
			return nil, ErrNotConnected
		}
		return nil, err
	}
	return map[string]any{"disconnected": true}, nil
}

func (b *Broker) handleListCapabilities(ctx context.Context, origin string, msg Request) (any, error) {
	var data OriginOnlyData
	if err := decodeData(msg.Data, &data); err != nil {
		return nil, err
	}
	if err := b.checkOrigin(data.AppOrigin, origin, msg.Type); err != nil {
		return nil, err
	}
	caps, err := b.registry.ActiveCapabilities(ctx, origin, b.now())
	if err != nil {
		return nil, err
	}
	return map[string]any{"capabilities": caps}, nil
}

func (b *Broker) handleRenewCapability(ctx context.Context, origin string, msg Request) (any, error) {
	var data RenewCapabilityData
	if err := decodeData(msg.Data, &data); err != nil {
		return nil, err
	}
	if err := b.checkOrigin(data.AppOrigin, origin, msg.Type); err != nil {
		return nil, err
	}
	if data.TTLSeconds <= 0 {
		return nil, fmt.Errorf("%w: ttlSeconds must be positive", ErrMalformedRequest)
	}
	conn, found, err := b.registry.Connection(ctx, origin)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotConnected
	}
	cap, err := b.findCapability(ctx, data.CapabilityID)
	if err != nil {
		return nil, err
	}
	if cap.AppOrigin != origin {
		b.log.Warn().Str("capability", cap.ID).Str("bound", cap.AppOrigin).
			Str("sender", origin).Msg("renew origin mismatch, possible spoofing")
		return nil, ErrOriginMismatch
	}
	if cap.State == capability.StateRevoked {
		return nil, ErrCapabilityRevoked
	}

	// Renewal issues a fresh signature; it goes through the same approval
	// machine as first issuance.
	dec, err := b.park(ctx, KindCapability, origin, msg, b.approvalWait)
	if err != nil {
		return nil, err
	}
	if !dec.Approved {
		return nil, ErrUserRejected
	}

	payload := cap.Payload
	payload.IssuedAt = b.now().UnixMilli()
	payload.ExpiresAt = payload.IssuedAt + data.TTLSeconds*1000
	payload.Epoch = cap.Epoch + 1
	renewed, err := b.issue(ctx, conn, payload, cap.ID)
	if err != nil {
		return nil, err
	}
	renewed.LastNonce = cap.LastNonce
	if err := b.registry.ReplaceCapability(ctx, origin, renewed); err != nil {
		return nil, err
	}
	b.log.Info().Str("origin", origin).Str("capability", renewed.ID).Msg("capability renewed")
	return renewed, nil
}

func (b *Broker) handleRevokeCapability(ctx context.Context, origin string, msg Request) (any, error) {
	var data RevokeCapabilityData
	if err := decodeData(msg.Data, &data); err != nil {
		return nil, err
	}
	if err := b.checkOrigin(data.AppOrigin, origin, msg.Type); err != nil {
		return nil, err
	}
	err := b.registry.RevokeCapability(ctx, origin, data.CapabilityID)
	switch {
	case errors.Is(err, registry.ErrNotConnected):
		return nil, ErrNotConnected
	case errors.Is(err, registry.ErrCapabilityNotFound):
		return nil, ErrCapabilityNotFound
	case err != nil:
		return nil, err
	}
	b.log.Info().Str("origin", origin).Str("capability", data.CapabilityID).Msg("capability revoked")
	return map[string]any{"revoked": true}, nil
}

// issue signs a capability payload under the connection's wallet, inside the
// signing lock. id is reused for renewals, fresh otherwise.
func (b *Broker) issue(ctx context.Context, conn registry.Connection, payload capability.Payload, id string) (capability.Capability, error) {
	w, err := b.vault.Wallet(conn.WalletPublicKey)
	if err != nil {
		return capability.Capability{}, err
	}
	if err := b.signing.Acquire(ctx); err != nil {
		return capability.Capability{}, err
	}
	defer b.signing.Release()

	signed, err := capability.Sign(payload, w.PrivateKey)
	if err != nil {
		return capability.Capability{}, err
	}
	if id == "" {
		id = "cap_" + uuid.NewString()
	}
	return capability.Capability{
		Signed:    signed,
		ID:        id,
		State:     capability.StateActive,
		LastNonce: signed.NonceBase,
	}, nil
}

// park records a pending request and waits for its correlated decision.
func (b *Broker) park(ctx context.Context, kind Kind, origin string, msg Request, wait time.Duration) (Decision, error) {
	req := PendingRequest{
		ID:        b.newID(),
		Kind:      kind,
		AppOrigin: origin,
		CreatedAt: b.now().UnixMilli(),
		Data:      msg.Data,
	}
	w := b.pending.register(req)
	dec, err := b.pending.await(ctx, w, wait)
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			b.log.Info().Str("kind", string(kind)).Str("origin", origin).Msg("pending request timed out")
		}
		return Decision{}, err
	}
	return dec, nil
}

// findCapability locates a capability by id across all connected origins.
func (b *Broker) findCapability(ctx context.Context, id string) (capability.Capability, error) {
	if id == "" {
		return capability.Capability{}, fmt.Errorf("%w: capabilityId is required", ErrMalformedRequest)
	}
	origins, err := b.registry.Origins(ctx)
	if err != nil {
		return capability.Capability{}, err
	}
	for _, origin := range origins {
		c, err := b.registry.Capability(ctx, origin, id)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, registry.ErrCapabilityNotFound) && !errors.Is(err, registry.ErrNotConnected) {
			return capability.Capability{}, err
		}
	}
	return capability.Capability{}, ErrCapabilityNotFound
}

func (b *Broker) checkOrigin(claimed, verified, msgType string) error {
	if claimed != "" && claimed != verified {
		b.log.Warn().Str("type", msgType).Str("claimed", claimed).Str("verified", verified).
			Msg("request origin mismatch, possible spoofing")
		return ErrOriginMismatch
	}
	return nil
}

// publicMessage keeps requester-facing text neutral; the log line carries
// the detail.
func publicMessage(err error) string {
	switch errorCode(err) {
	case "ORIGIN_MISMATCH", "NONCE_VIOLATION", "SIGNATURE_INVALID", "CAPABILITY_NOT_FOUND":
		return "request rejected"
	case "TIMEOUT":
		return "request timed out"
	case "USER_REJECTED":
		return "request was declined"
	default:
		return err.Error()
	}
}

func newNonceBase() int64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return time.Now().UnixNano()
	}
	n := int64(binary.BigEndian.Uint64(buf[:]) >> 1)
	if n == 0 {
		n = 1
	}
	return n
}
