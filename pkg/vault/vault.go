// Package vault holds the wallet secrets. Records are encrypted with
// nacl/secretbox under a session key derived from the user's password with
// PBKDF2; the session key and the decrypted wallet set live only in volatile
// memory while the vault is unlocked. The password itself is never persisted,
// only a salted PBKDF2 hash for verification.
package vault

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/pbkdf2"

	"github.com/m-tq/OctWa-sub003/pkg/statestore"
)

const (
	saltLength = 32
	keySize    = 32
	nonceSize  = 24
	numIters   = 1 << 15

	passwordKey  = "vault/password"
	walletPrefix = "wallet/"

	// DefaultIdleTimeout locks the vault after this much inactivity.
	DefaultIdleTimeout = 10 * time.Minute

	autoLockPoll = 15 * time.Second
)

var (
	ErrNoPasswordSet   = errors.New("vault: no password set")
	ErrInvalidPassword = errors.New("vault: invalid password")
	ErrLocked          = errors.New("vault: locked")
	ErrAlreadySetUp    = errors.New("vault: already set up")
	ErrWalletExists    = errors.New("vault: wallet already exists")
	ErrWalletNotFound  = errors.New("vault: wallet not found")
	ErrDecryptFailed   = errors.New("vault: decryption failed")
)

// RateLimitedError rejects an unlock attempt during a lockout window.
type RateLimitedError struct {
	RemainingMs       int64
	RemainingAttempts int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("vault: rate limited, retry in %dms", e.RemainingMs)
}

// Wallet is a decrypted wallet secret. It exists only in volatile memory.
type Wallet struct {
	Address    string `json:"address"`
	PrivateKey []byte `json:"privateKey"`
	Mnemonic   string `json:"mnemonic,omitempty"`
}

// EncryptedWalletRecord is the persisted form: address, ciphertext and
// creation time. Exactly one record exists per address.
type EncryptedWalletRecord struct {
	Address    string `json:"address"`
	Ciphertext []byte `json:"ciphertext"`
	CreatedAt  int64  `json:"createdAt"`
}

type passwordRecord struct {
	Hash    []byte `json:"hash"`
	Salt    []byte `json:"salt"`
	KeySalt []byte `json:"keySalt"`
}

// Status is the rate-limit surface exposed to the UI.
type Status struct {
	Unlocked          bool  `json:"unlocked"`
	HasPassword       bool  `json:"hasPassword"`
	Limited           bool  `json:"limited"`
	RemainingMs       int64 `json:"remainingMs,omitempty"`
	RemainingAttempts int   `json:"remainingAttempts"`
}

// Vault is the credential vault state machine. All fields behind mu are the
// volatile SessionState: cleared on Lock, idle timeout and process exit.
type Vault struct {
	store statestore.Store
	log   zerolog.Logger
	now   func() time.Time

	mu           sync.Mutex
	unlocked     bool
	sessionKey   *[keySize]byte
	wallets      map[string]Wallet
	failures     int
	lockoutUntil time.Time
	lastActivity time.Time
	idleTimeout  time.Duration
}

func New(store statestore.Store, log zerolog.Logger) *Vault {
	return &Vault{
		store:       store,
		log:         log.With().Str("component", "vault").Logger(),
		now:         time.Now,
		wallets:     map[string]Wallet{},
		idleTimeout: DefaultIdleTimeout,
	}
}

// deriveKey runs PBKDF2-SHA256 over the password with the given salt.
func deriveKey(password string, salt []byte) *[keySize]byte {
	out := pbkdf2.Key([]byte(password), salt, numIters, keySize, sha256.New)
	var key [keySize]byte
	copy(key[:], out)
	return &key
}

// Setup initializes the vault: persists the salted password hash, encrypts
// the first wallet under a freshly derived session key and transitions to
// UNLOCKED. Fails if a password record already exists.
func (v *Vault) Setup(ctx context.Context, password string, w Wallet) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, found, err := v.store.Get(ctx, passwordKey); err != nil {
		return err
	} else if found {
		return ErrAlreadySetUp
	}

	salt := make([]byte, saltLength)
	keySalt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	if _, err := rand.Read(keySalt); err != nil {
		return err
	}
	rec := passwordRecord{
		Hash:    deriveKey(password, salt)[:],
		Salt:    salt,
		KeySalt: keySalt,
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := v.store.Set(ctx, passwordKey, b); err != nil {
		return err
	}

	v.sessionKey = deriveKey(password, keySalt)
	if err := v.putWalletLocked(ctx, w); err != nil {
		// Unwind the password record so a later Setup can retry instead
		// of hitting ErrAlreadySetUp with no wallet behind it.
		if derr := v.store.Delete(ctx, passwordKey); derr != nil {
			v.log.Error().Err(derr).Msg("orphaned password record after failed setup")
		}
		v.zeroSessionLocked()
		return err
	}
	v.unlocked = true
	v.wallets[w.Address] = w
	v.failures = 0
	v.lockoutUntil = time.Time{}
	v.lastActivity = v.now()
	v.log.Info().Str("address", w.Address).Msg("vault initialized")
	return nil
}

// Unlock verifies the password and decrypts every stored wallet record. A
// record that fails to decrypt is logged and skipped; the rest of the set
// still unlocks. Failed attempts feed the stepped lockout.
func (v *Vault) Unlock(ctx context.Context, password string) ([]Wallet, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if rl := v.rateLimitLocked(); rl != nil {
		return nil, rl
	}

	raw, found, err := v.store.Get(ctx, passwordKey)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNoPasswordSet
	}
	var rec passwordRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	attempt := deriveKey(password, rec.Salt)
	if subtle.ConstantTimeCompare(attempt[:], rec.Hash) != 1 {
		v.registerFailureLocked()
		return nil, ErrInvalidPassword
	}

	v.sessionKey = deriveKey(password, rec.KeySalt)
	records, err := v.store.List(ctx, walletPrefix)
	if err != nil {
		v.zeroSessionLocked()
		return nil, err
	}
	v.wallets = map[string]Wallet{}
	out := make([]Wallet, 0, len(records))
	for key, b := range records {
		var enc EncryptedWalletRecord
		if err := json.Unmarshal(b, &enc); err != nil {
			v.log.Error().Str("key", key).Err(err).Msg("corrupt wallet record skipped")
			continue
		}
		w, err := v.decryptLocked(enc)
		if err != nil {
			v.log.Error().Str("address", enc.Address).Err(err).Msg("wallet record failed to decrypt, skipped")
			continue
		}
		v.wallets[w.Address] = w
		out = append(out, w)
	}
	v.unlocked = true
	v.failures = 0
	v.lockoutUntil = time.Time{}
	v.lastActivity = v.now()
	v.log.Info().Int("wallets", len(out)).Msg("vault unlocked")
	return out, nil
}

// Lock zeroes the session key and clears the decrypted wallet cache.
// Idempotent.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.unlocked && v.sessionKey == nil {
		return
	}
	v.zeroSessionLocked()
	v.log.Info().Msg("vault locked")
}

// AddWallet encrypts and persists a new wallet. Requires UNLOCKED. Both the
// encrypted record set and the decrypted cache are checked before success is
// declared so the two collections cannot drift.
func (v *Vault) AddWallet(ctx context.Context, w Wallet) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.unlocked {
		return ErrLocked
	}
	v.lastActivity = v.now()
	if _, exists := v.wallets[w.Address]; exists {
		return ErrWalletExists
	}
	if _, found, err := v.store.Get(ctx, walletPrefix+w.Address); err != nil {
		return err
	} else if found {
		return ErrWalletExists
	}
	if err := v.putWalletLocked(ctx, w); err != nil {
		return err
	}
	v.wallets[w.Address] = w
	if err := v.verifyConsistencyLocked(ctx, w.Address, true); err != nil {
		return err
	}
	return nil
}

// RemoveWallet deletes the encrypted record and the cached secret together.
func (v *Vault) RemoveWallet(ctx context.Context, address string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.unlocked {
		return ErrLocked
	}
	v.lastActivity = v.now()
	if _, exists := v.wallets[address]; !exists {
		return ErrWalletNotFound
	}
	if err := v.store.Delete(ctx, walletPrefix+address); err != nil {
		return err
	}
	delete(v.wallets, address)
	if err := v.verifyConsistencyLocked(ctx, address, false); err != nil {
		return err
	}
	return nil
}

// ChangePassword verifies the old password and re-wraps every encrypted
// record under a session key derived from the new one. Requires UNLOCKED.
func (v *Vault) ChangePassword(ctx context.Context, oldPassword, newPassword string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.unlocked {
		return ErrLocked
	}
	v.lastActivity = v.now()

	raw, found, err := v.store.Get(ctx, passwordKey)
	if err != nil {
		return err
	}
	if !found {
		return ErrNoPasswordSet
	}
	var rec passwordRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return err
	}
	attempt := deriveKey(oldPassword, rec.Salt)
	if subtle.ConstantTimeCompare(attempt[:], rec.Hash) != 1 {
		return ErrInvalidPassword
	}

	salt := make([]byte, saltLength)
	keySalt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	if _, err := rand.Read(keySalt); err != nil {
		return err
	}
	next := passwordRecord{
		Hash:    deriveKey(newPassword, salt)[:],
		Salt:    salt,
		KeySalt: keySalt,
	}
	b, err := json.Marshal(next)
	if err != nil {
		return err
	}

	// Re-wrap every record under the new key first; the password record
	// flips last. A record that fails to decrypt after a mid-way crash is
	// skipped on unlock, not fatal.
	newKey := deriveKey(newPassword, keySalt)
	old := v.sessionKey
	v.sessionKey = newKey
	for _, w := range v.wallets {
		if err := v.putWalletLocked(ctx, w); err != nil {
			v.sessionKey = old
			v.rewrapAllLocked(ctx)
			return err
		}
	}
	if err := v.store.Set(ctx, passwordKey, b); err != nil {
		v.sessionKey = old
		v.rewrapAllLocked(ctx)
		return err
	}
	for i := range old {
		old[i] = 0
	}
	v.log.Info().Msg("vault password changed")
	return nil
}

// Wallet returns the decrypted wallet for address. Requires UNLOCKED.
func (v *Vault) Wallet(address string) (Wallet, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.unlocked {
		return Wallet{}, ErrLocked
	}
	v.lastActivity = v.now()
	w, ok := v.wallets[address]
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	return w, nil
}

// Wallets lists the decrypted set. Requires UNLOCKED.
func (v *Vault) Wallets() ([]Wallet, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.unlocked {
		return nil, ErrLocked
	}
	v.lastActivity = v.now()
	out := make([]Wallet, 0, len(v.wallets))
	for _, w := range v.wallets {
		out = append(out, w)
	}
	return out, nil
}

// Unlocked reports the vault state without touching the activity clock.
func (v *Vault) Unlocked() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.unlocked
}

// Status reports the lock and rate-limit state for UI display.
func (v *Vault) Status(ctx context.Context) (Status, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, hasPassword, err := v.store.Get(ctx, passwordKey)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		Unlocked:          v.unlocked,
		HasPassword:       hasPassword,
		RemainingAttempts: v.remainingAttemptsLocked(),
	}
	if rl := v.rateLimitLocked(); rl != nil {
		st.Limited = true
		st.RemainingMs = rl.RemainingMs
		st.RemainingAttempts = rl.RemainingAttempts
	}
	return st, nil
}

// Touch refreshes the idle clock, for callers that performed work on the
// user's behalf outside the vault itself.
func (v *Vault) Touch() {
	v.mu.Lock()
	if v.unlocked {
		v.lastActivity = v.now()
	}
	v.mu.Unlock()
}

// SetIdleTimeout overrides the auto-lock window. Zero disables auto-lock.
func (v *Vault) SetIdleTimeout(d time.Duration) {
	v.mu.Lock()
	v.idleTimeout = d
	v.mu.Unlock()
}

// StartAutoLock locks the vault when the idle timeout elapses. Returns when
// ctx is done.
func (v *Vault) StartAutoLock(ctx context.Context) {
	ticker := time.NewTicker(autoLockPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.mu.Lock()
			idle := v.unlocked && v.idleTimeout > 0 && v.now().Sub(v.lastActivity) >= v.idleTimeout
			if idle {
				v.zeroSessionLocked()
			}
			v.mu.Unlock()
			if idle {
				v.log.Info().Msg("vault locked after idle timeout")
			}
		}
	}
}

func (v *Vault) zeroSessionLocked() {
	if v.sessionKey != nil {
		for i := range v.sessionKey {
			v.sessionKey[i] = 0
		}
		v.sessionKey = nil
	}
	for addr, w := range v.wallets {
		for i := range w.PrivateKey {
			w.PrivateKey[i] = 0
		}
		delete(v.wallets, addr)
	}
	v.unlocked = false
}

// rewrapAllLocked re-encrypts every cached wallet under the current session
// key. Used to roll persisted records back after a partial password change;
// a record that still cannot be written is logged and left for the unlock
// path to skip.
func (v *Vault) rewrapAllLocked(ctx context.Context) {
	for _, w := range v.wallets {
		if err := v.putWalletLocked(ctx, w); err != nil {
			v.log.Error().Err(err).Str("address", w.Address).
				Msg("wallet record left under stale key after failed password change")
		}
	}
}

func (v *Vault) putWalletLocked(ctx context.Context, w Wallet) error {
	enc, err := v.encryptLocked(w)
	if err != nil {
		return err
	}
	b, err := json.Marshal(enc)
	if err != nil {
		return err
	}
	return v.store.Set(ctx, walletPrefix+w.Address, b)
}

func (v *Vault) encryptLocked(w Wallet) (EncryptedWalletRecord, error) {
	if v.sessionKey == nil {
		return EncryptedWalletRecord{}, ErrLocked
	}
	plain, err := json.Marshal(w)
	if err != nil {
		return EncryptedWalletRecord{}, err
	}
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return EncryptedWalletRecord{}, err
	}
	sealed := secretbox.Seal(nonce[:], plain, &nonce, v.sessionKey)
	return EncryptedWalletRecord{
		Address:    w.Address,
		Ciphertext: sealed,
		CreatedAt:  v.now().UnixMilli(),
	}, nil
}

func (v *Vault) decryptLocked(enc EncryptedWalletRecord) (Wallet, error) {
	if v.sessionKey == nil {
		return Wallet{}, ErrLocked
	}
	if len(enc.Ciphertext) < nonceSize+secretbox.Overhead {
		return Wallet{}, ErrDecryptFailed
	}
	var nonce [nonceSize]byte
	copy(nonce[:], enc.Ciphertext[:nonceSize])
	plain, ok := secretbox.Open(nil, enc.Ciphertext[nonceSize:], &nonce, v.sessionKey)
	if !ok {
		return Wallet{}, ErrDecryptFailed
	}
	var w Wallet
	if err := json.Unmarshal(plain, &w); err != nil {
		return Wallet{}, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return w, nil
}

// verifyConsistencyLocked cross-checks the encrypted record set against the
// decrypted cache for one address after a mutation.
func (v *Vault) verifyConsistencyLocked(ctx context.Context, address string, wantPresent bool) error {
	_, stored, err := v.store.Get(ctx, walletPrefix+address)
	if err != nil {
		return err
	}
	_, cached := v.wallets[address]
	if stored != wantPresent || cached != wantPresent {
		return fmt.Errorf("vault: wallet %s inconsistent after mutation (stored=%v cached=%v)", address, stored, cached)
	}
	return nil
}
