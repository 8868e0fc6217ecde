package vault

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/forest6511/otpctl/pkg/audit"
	"github.com/forest6511/otpctl/pkg/crypto"
)

// MinPasswordLength is the minimum master password length.
const MinPasswordLength = 8

// Failed-attempt thresholds and the cooldown each one triggers.
const (
	CooldownThreshold1 = 5
	CooldownThreshold2 = 10
	CooldownThreshold3 = 20

	CooldownDuration1 = 30 * time.Second
	CooldownDuration2 = 5 * time.Minute
	CooldownDuration3 = 30 * time.Minute
)

// Authenticator is a platform biometric authenticator (Touch ID, Windows
// Hello). It returns only a yes/no signal bound to a fresh challenge; no key
// material ever flows through it, so a biometric result alone can never
// decrypt anything.
type Authenticator interface {
	Authenticate(ctx context.Context, challenge []byte, origin string) (bool, error)
}

// biometricOrigin binds authenticator assertions to this application.
const biometricOrigin = "otpctl"

// lockState tracks failed login attempts across processes. It lives next to
// the database so the cooldown survives restarts.
type lockState struct {
	FailedAttempts int       `json:"failed_attempts"`
	LastFailedAt   time.Time `json:"last_failed_at,omitempty"`
	CooldownUntil  time.Time `json:"cooldown_until,omitempty"`
}

// IsPasswordSet reports whether a master password has been configured.
func (v *Vault) IsPasswordSet() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.passHash) > 0
}

// IsAuthenticated reports whether the session is currently unlocked. Expiry
// is evaluated lazily: the first call past the deadline locks the vault and
// wipes the cached password.
func (v *Vault) IsAuthenticated() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sessionValid()
}

// sessionValid checks and lazily expires the session. Caller holds v.mu.
func (v *Vault) sessionValid() bool {
	if !v.authenticated {
		return false
	}
	if !v.rememberMe && v.clock().After(v.expiresAt) {
		v.lockLocked()
		return false
	}
	return true
}

// lockLocked wipes session state. Caller holds v.mu.
func (v *Vault) lockLocked() {
	crypto.SecureWipe(v.password)
	v.password = nil
	v.authenticated = false
	v.rememberMe = false
	v.expiresAt = time.Time{}
}

// Logout locks the vault and destroys the cached password.
func (v *Vault) Logout() {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.authenticated {
		_ = v.audit.LogSuccess(audit.OpVaultLock, "")
	}
	v.lockLocked()
}

// SetPassword configures the master password on a vault that has none,
// encrypting any plaintext records already stored. The vault is left locked;
// a Login is required before secrets can be read again.
func (v *Vault) SetPassword(password string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(v.passHash) > 0 {
		return ErrPasswordAlreadySet
	}
	if len(password) < MinPasswordLength {
		return fmt.Errorf("%w: need at least %d characters", ErrWeakPassword, MinPasswordLength)
	}

	salt, err := crypto.NewSalt()
	if err != nil {
		return fmt.Errorf("vault: failed to generate salt: %w", err)
	}
	hash := crypto.DeriveKey([]byte(password), salt)

	tx, err := v.db.Begin()
	if err != nil {
		return fmt.Errorf("vault: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := encryptPlaintextRows(tx, []byte(password)); err != nil {
		return err
	}

	_, err = tx.Exec(`
		INSERT INTO vault_meta (id, pass_salt, pass_hash, updated_at)
		VALUES (1, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			pass_salt = excluded.pass_salt,
			pass_hash = excluded.pass_hash,
			updated_at = CURRENT_TIMESTAMP
	`, salt, hash)
	if err != nil {
		return fmt.Errorf("vault: failed to store password verifier: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("vault: failed to commit transaction: %w", err)
	}

	v.passSalt = salt
	v.passHash = hash
	v.lockLocked()

	_ = v.audit.SetHMACKey(hash)
	_ = v.audit.LogSuccess(audit.OpVaultInit, "")
	return nil
}

// encryptPlaintextRows converts every plaintext secret into a ciphertext
// triple under the given password, each with its own fresh salt and nonce.
func encryptPlaintextRows(tx *sql.Tx, password []byte) error {
	rows, err := tx.Query("SELECT id, secret_plain FROM credentials WHERE secret_plain IS NOT NULL")
	if err != nil {
		return fmt.Errorf("vault: failed to query plaintext secrets: %w", err)
	}

	type pending struct {
		id     string
		secret string
	}
	var all []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.secret); err != nil {
			rows.Close()
			return fmt.Errorf("vault: failed to scan row: %w", err)
		}
		all = append(all, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("vault: error iterating rows: %w", err)
	}
	rows.Close()

	for _, p := range all {
		box, err := crypto.Encrypt(password, []byte(p.secret))
		if err != nil {
			return fmt.Errorf("vault: failed to encrypt secret: %w", err)
		}
		_, err = tx.Exec(`
			UPDATE credentials
			SET secret_plain = NULL, secret_ct = ?, secret_salt = ?, secret_nonce = ?,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ?`, box.Ciphertext, box.Salt, box.Nonce, p.id)
		if err != nil {
			return fmt.Errorf("vault: failed to store encrypted secret: %w", err)
		}
	}
	return nil
}

// Login verifies the master password and unlocks the session. A wrong
// password returns (false, nil): verification fails closed without leaking
// which part of the check failed. Attempts during an active cooldown return
// ErrCooldownActive without touching the verifier.
func (v *Vault) Login(password string, rememberMe bool) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(v.passHash) == 0 {
		return false, ErrPasswordNotSet
	}

	if remaining := v.checkCooldown(); remaining > 0 {
		return false, fmt.Errorf("%w: retry in %s", ErrCooldownActive, remaining.Round(time.Second))
	}

	candidate := crypto.DeriveKey([]byte(password), v.passSalt)
	defer crypto.SecureWipe(candidate)

	if subtle.ConstantTimeCompare(candidate, v.passHash) != 1 {
		v.recordFailedAttempt()
		_ = v.audit.LogError(audit.OpVaultUnlockFailed, "", "AUTH_FAILED", "invalid master password")
		return false, nil
	}

	v.clearLockState()
	v.password = []byte(password)
	v.authenticated = true
	v.rememberMe = rememberMe
	if rememberMe {
		v.expiresAt = time.Time{}
	} else {
		v.expiresAt = v.clock().Add(v.timeout)
	}

	_ = v.audit.SetHMACKey(v.passHash)
	_ = v.audit.LogSuccess(audit.OpVaultUnlock, "")
	return true, nil
}

// LoginWithBiometrics extends a still-unlocked session after a successful
// platform authentication. It cannot unlock a locked vault: the cached
// password is the only way to reach the key, and a biometric assertion does
// not carry one.
func (v *Vault) LoginWithBiometrics(ctx context.Context) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.auth == nil {
		return false, ErrNoAuthenticator
	}
	if len(v.passHash) == 0 {
		return false, ErrPasswordNotSet
	}
	if !v.sessionValid() {
		return false, ErrNoCachedPassword
	}

	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return false, fmt.Errorf("vault: failed to generate challenge: %w", err)
	}

	ok, err := v.auth.Authenticate(ctx, challenge, biometricOrigin)
	if err != nil {
		return false, fmt.Errorf("vault: biometric authentication failed: %w", err)
	}
	if !ok {
		_ = v.audit.LogError(audit.OpVaultUnlockFailed, "", "BIOMETRIC_DENIED", "platform authenticator denied")
		return false, nil
	}

	if !v.rememberMe {
		v.expiresAt = v.clock().Add(v.timeout)
	}
	_ = v.audit.LogSuccess(audit.OpVaultUnlock, "")
	return true, nil
}

// ChangePassword rotates the master password, re-encrypting every stored
// secret under the new one in a single transaction. The session stays
// unlocked with the new password cached. The old-password check feeds the
// same cooldown ladder as Login, so a rotation attempt cannot be used to
// keep guessing during an active cooldown.
func (v *Vault) ChangePassword(oldPassword, newPassword string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(v.passHash) == 0 {
		return ErrPasswordNotSet
	}
	if remaining := v.checkCooldown(); remaining > 0 {
		return fmt.Errorf("%w: retry in %s", ErrCooldownActive, remaining.Round(time.Second))
	}
	if len(newPassword) < MinPasswordLength {
		return fmt.Errorf("%w: need at least %d characters", ErrWeakPassword, MinPasswordLength)
	}

	oldCandidate := crypto.DeriveKey([]byte(oldPassword), v.passSalt)
	defer crypto.SecureWipe(oldCandidate)
	if subtle.ConstantTimeCompare(oldCandidate, v.passHash) != 1 {
		v.recordFailedAttempt()
		_ = v.audit.LogError(audit.OpVaultUnlockFailed, "", "AUTH_FAILED", "invalid master password")
		return ErrInvalidPassword
	}

	rows, err := v.db.Query("SELECT id, secret_ct, secret_salt, secret_nonce FROM credentials WHERE secret_ct IS NOT NULL")
	if err != nil {
		return fmt.Errorf("vault: failed to query secrets: %w", err)
	}
	type record struct {
		id     string
		secret []byte
	}
	var records []record
	for rows.Next() {
		var id string
		var ct, salt, nonce []byte
		if err := rows.Scan(&id, &ct, &salt, &nonce); err != nil {
			rows.Close()
			return fmt.Errorf("vault: failed to scan row: %w", err)
		}
		secret, err := crypto.Decrypt([]byte(oldPassword), &crypto.Box{Ciphertext: ct, Salt: salt, Nonce: nonce})
		if err != nil {
			rows.Close()
			return fmt.Errorf("vault: failed to decrypt credential %s: %w", id, err)
		}
		records = append(records, record{id: id, secret: secret})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("vault: error iterating rows: %w", err)
	}
	rows.Close()

	newSalt, err := crypto.NewSalt()
	if err != nil {
		return fmt.Errorf("vault: failed to generate salt: %w", err)
	}
	newHash := crypto.DeriveKey([]byte(newPassword), newSalt)

	tx, err := v.db.Begin()
	if err != nil {
		return fmt.Errorf("vault: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, r := range records {
		box, err := crypto.Encrypt([]byte(newPassword), r.secret)
		crypto.SecureWipe(r.secret)
		if err != nil {
			return fmt.Errorf("vault: failed to re-encrypt secret: %w", err)
		}
		_, err = tx.Exec(`
			UPDATE credentials
			SET secret_ct = ?, secret_salt = ?, secret_nonce = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?`, box.Ciphertext, box.Salt, box.Nonce, r.id)
		if err != nil {
			return fmt.Errorf("vault: failed to store re-encrypted secret: %w", err)
		}
	}

	_, err = tx.Exec(`
		UPDATE vault_meta SET pass_salt = ?, pass_hash = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = 1`, newSalt, newHash)
	if err != nil {
		return fmt.Errorf("vault: failed to update password verifier: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("vault: failed to commit transaction: %w", err)
	}

	v.clearLockState()
	v.passSalt = newSalt
	v.passHash = newHash
	crypto.SecureWipe(v.password)
	v.password = []byte(newPassword)
	v.authenticated = true
	if !v.rememberMe {
		v.expiresAt = v.clock().Add(v.timeout)
	}

	_ = v.audit.SetHMACKey(newHash)
	_ = v.audit.LogSuccess(audit.OpVaultUnlock, "")
	return nil
}

// RemainingCooldown reports how long login attempts stay rejected, zero when
// none is active.
func (v *Vault) RemainingCooldown() time.Duration {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.checkCooldown()
}

func (v *Vault) lockStatePath() string {
	return filepath.Join(v.dir, LockFileName)
}

func (v *Vault) loadLockState() *lockState {
	data, err := os.ReadFile(v.lockStatePath())
	if err != nil {
		return &lockState{}
	}
	var state lockState
	if err := json.Unmarshal(data, &state); err != nil {
		return &lockState{}
	}
	return &state
}

func (v *Vault) saveLockState(state *lockState) {
	data, err := json.Marshal(state)
	if err != nil {
		return
	}
	if err := os.WriteFile(v.lockStatePath(), data, FileMode); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to save lock state: %v\n", err)
	}
}

func (v *Vault) clearLockState() {
	if err := os.Remove(v.lockStatePath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: failed to clear lock state: %v\n", err)
	}
}

// checkCooldown returns the remaining cooldown, zero when attempts are
// allowed. Caller holds v.mu.
func (v *Vault) checkCooldown() time.Duration {
	state := v.loadLockState()
	if state.CooldownUntil.IsZero() {
		return 0
	}
	remaining := state.CooldownUntil.Sub(v.clock())
	if remaining <= 0 {
		return 0
	}
	return remaining
}

// recordFailedAttempt bumps the failure counter and applies the escalating
// cooldown ladder. Caller holds v.mu.
func (v *Vault) recordFailedAttempt() {
	state := v.loadLockState()
	state.FailedAttempts++
	state.LastFailedAt = v.clock()

	var cooldown time.Duration
	switch {
	case state.FailedAttempts >= CooldownThreshold3:
		cooldown = CooldownDuration3
	case state.FailedAttempts >= CooldownThreshold2:
		cooldown = CooldownDuration2
	case state.FailedAttempts >= CooldownThreshold1:
		cooldown = CooldownDuration1
	}
	if cooldown > 0 {
		state.CooldownUntil = v.clock().Add(cooldown)
	}
	v.saveLockState(state)
}
