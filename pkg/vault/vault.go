// Package vault persists OTP credentials, routing the secret field through
// authenticated encryption whenever a master password is active, and owns
// the session that gates cleartext access to stored secrets.
package vault

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/forest6511/otpctl/pkg/audit"
	"github.com/forest6511/otpctl/pkg/crypto"
	"github.com/forest6511/otpctl/pkg/otp"
	"github.com/forest6511/otpctl/pkg/otpauth"
)

// Constants
const (
	DBFileName   = "otpvault.db"
	LockFileName = "vault.lock"
	AuditDirName = "audit"
	FileMode     = 0600 // Owner read/write only
	DirMode      = 0700 // Owner read/write/execute only

	// DefaultSessionTimeout bounds how long an unlocked session stays
	// usable without a fresh login (unless remember-me is requested).
	DefaultSessionTimeout = 5 * time.Minute
)

// Errors
var (
	ErrVaultLocked        = errors.New("vault: vault is locked")
	ErrCredentialNotFound = errors.New("vault: credential not found")
	ErrEmptyAccountName   = errors.New("vault: account name must not be empty")
	ErrEmptySecret        = errors.New("vault: secret must not be empty")
	ErrWeakPassword       = errors.New("vault: password is too short")
	ErrPasswordAlreadySet = errors.New("vault: master password is already set")
	ErrPasswordNotSet     = errors.New("vault: no master password set")
	ErrInvalidPassword    = errors.New("vault: invalid master password")
	ErrCooldownActive     = errors.New("vault: cooldown period active")
	ErrNoAuthenticator    = errors.New("vault: no platform authenticator configured")
	ErrNoCachedPassword   = errors.New("vault: biometric unlock requires an unlocked session with a cached password")
)

// Options configures a Vault.
type Options struct {
	// SessionTimeout overrides DefaultSessionTimeout.
	SessionTimeout time.Duration

	// Clock supplies wall-clock time; defaults to time.Now. Injected for
	// deterministic session-expiry tests.
	Clock func() time.Time

	// Authenticator is the platform biometric authenticator, if any.
	Authenticator Authenticator

	// AuditSource tags audit events (cli, mcp). Defaults to cli.
	AuditSource string
}

// Vault is the credential repository plus its session authenticator. One
// mutex serializes all operations: encrypt/decrypt and repository calls run
// to completion before the next request is admitted, so a half-completed
// operation is never observable.
type Vault struct {
	mu      sync.Mutex
	dir     string
	db      *sql.DB
	clock   func() time.Time
	timeout time.Duration
	auth    Authenticator
	audit   *audit.Logger

	// Session state, owned exclusively by this struct. The cached
	// password lives only while the session is authenticated and is
	// wiped on logout or expiry.
	passSalt      []byte
	passHash      []byte
	password      []byte
	authenticated bool
	rememberMe    bool
	expiresAt     time.Time
}

// Open opens (creating if necessary) the vault stored in dir.
func Open(dir string, opts *Options) (*Vault, error) {
	if opts == nil {
		opts = &Options{}
	}

	if err := os.MkdirAll(dir, DirMode); err != nil {
		return nil, fmt.Errorf("vault: failed to create vault directory: %w", err)
	}

	dbPath := filepath.Join(dir, DBFileName)
	db, err := sql.Open("sqlite", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("vault: failed to open database: %w", err)
	}
	// Single-connection mode avoids "database is locked" errors; fine for
	// CLI and single-process server usage.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("vault: failed to create tables: %w", err)
	}
	if err := os.Chmod(dbPath, FileMode); err != nil {
		db.Close()
		return nil, fmt.Errorf("vault: failed to set database permissions: %w", err)
	}

	source := opts.AuditSource
	if source == "" {
		source = audit.SourceCLI
	}

	v := &Vault{
		dir:     dir,
		db:      db,
		clock:   opts.Clock,
		timeout: opts.SessionTimeout,
		auth:    opts.Authenticator,
		audit:   audit.NewLogger(filepath.Join(dir, AuditDirName), source),
	}
	if v.clock == nil {
		v.clock = time.Now
	}
	if v.timeout <= 0 {
		v.timeout = DefaultSessionTimeout
	}

	if err := v.loadMeta(); err != nil {
		db.Close()
		return nil, err
	}
	// With a password configured the verifier doubles as audit key
	// material, so failed unlock attempts are chainable before any login
	// succeeds.
	if len(v.passHash) > 0 {
		_ = v.audit.SetHMACKey(v.passHash)
	}

	return v, nil
}

// Close locks the vault and releases the database.
func (v *Vault) Close() error {
	v.Logout()

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.db != nil {
		err := v.db.Close()
		v.db = nil
		return err
	}
	return nil
}

// Dir returns the vault directory.
func (v *Vault) Dir() string {
	return v.dir
}

// Audit returns the audit logger for callers that record their own events
// (code generation, export).
func (v *Vault) Audit() *audit.Logger {
	return v.audit
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS vault_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			version INTEGER NOT NULL DEFAULT 1,
			pass_salt BLOB,
			pass_hash BLOB,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return err
	}

	// Public fields stay cleartext so listings work without unlocking;
	// the secret is either a plaintext column (no password set) or a
	// ciphertext/salt/nonce triple, never both.
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS credentials (
			id TEXT PRIMARY KEY,
			account_name TEXT NOT NULL,
			issuer TEXT NOT NULL DEFAULT '',
			label_issuer TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			algorithm TEXT NOT NULL,
			digits INTEGER NOT NULL,
			period INTEGER NOT NULL,
			counter INTEGER NOT NULL DEFAULT 0,
			prefix TEXT NOT NULL DEFAULT '',
			postfix TEXT NOT NULL DEFAULT '',
			secret_plain TEXT,
			secret_ct BLOB,
			secret_salt BLOB,
			secret_nonce BLOB,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

// loadMeta reads the password verification material, if any.
func (v *Vault) loadMeta() error {
	var salt, hash []byte
	err := v.db.QueryRow("SELECT pass_salt, pass_hash FROM vault_meta WHERE id = 1").Scan(&salt, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("vault: failed to read vault metadata: %w", err)
	}
	v.passSalt = salt
	v.passHash = hash
	return nil
}

// activePassword returns the password to use for secret encryption, nil in
// the documented plaintext mode. It fails with ErrVaultLocked when a
// password is set but the session is not (or no longer) authenticated.
func (v *Vault) activePassword() ([]byte, error) {
	if len(v.passHash) == 0 {
		return nil, nil
	}
	if !v.sessionValid() {
		return nil, ErrVaultLocked
	}
	return v.password, nil
}

// Save inserts or updates a credential. The secret is always re-encrypted
// with a fresh salt and nonce, including updates of an existing id.
func (v *Vault) Save(c *otp.Credential) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.saveLocked(c)
}

// SaveAll saves credentials in one transaction; each record still gets its
// own fresh salt and nonce.
func (v *Vault) SaveAll(creds []*otp.Credential) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	password, err := v.activePassword()
	if err != nil {
		return err
	}

	tx, err := v.db.Begin()
	if err != nil {
		return fmt.Errorf("vault: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, c := range creds {
		if err := v.upsert(tx, c, password); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("vault: failed to commit transaction: %w", err)
	}

	for _, c := range creds {
		_ = v.audit.LogSuccess(audit.OpCredentialSave, c.AccountName)
	}
	return nil
}

func (v *Vault) saveLocked(c *otp.Credential) error {
	password, err := v.activePassword()
	if err != nil {
		return err
	}

	tx, err := v.db.Begin()
	if err != nil {
		return fmt.Errorf("vault: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := v.upsert(tx, c, password); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("vault: failed to commit transaction: %w", err)
	}

	_ = v.audit.LogSuccess(audit.OpCredentialSave, c.AccountName)
	return nil
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// upsert validates and writes one credential row.
func (v *Vault) upsert(tx execer, c *otp.Credential, password []byte) error {
	if c.AccountName == "" {
		return ErrEmptyAccountName
	}
	if c.Secret == "" {
		return ErrEmptySecret
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.ApplyDefaults()

	var plain sql.NullString
	var ct, salt, nonce []byte

	if password != nil {
		box, err := crypto.Encrypt(password, []byte(c.Secret))
		if err != nil {
			return fmt.Errorf("vault: failed to encrypt secret: %w", err)
		}
		ct, salt, nonce = box.Ciphertext, box.Salt, box.Nonce
	} else {
		plain = sql.NullString{String: c.Secret, Valid: true}
	}

	_, err := tx.Exec(`
		INSERT INTO credentials (
			id, account_name, issuer, label_issuer, type, algorithm,
			digits, period, counter, prefix, postfix,
			secret_plain, secret_ct, secret_salt, secret_nonce, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			account_name = excluded.account_name,
			issuer = excluded.issuer,
			label_issuer = excluded.label_issuer,
			type = excluded.type,
			algorithm = excluded.algorithm,
			digits = excluded.digits,
			period = excluded.period,
			counter = excluded.counter,
			prefix = excluded.prefix,
			postfix = excluded.postfix,
			secret_plain = excluded.secret_plain,
			secret_ct = excluded.secret_ct,
			secret_salt = excluded.secret_salt,
			secret_nonce = excluded.secret_nonce,
			updated_at = CURRENT_TIMESTAMP
	`, c.ID, c.AccountName, c.Issuer, c.LabelIssuer, string(c.Type), string(c.Algorithm),
		c.Digits, c.Period, c.Counter, c.Prefix, c.Postfix,
		plain, ct, salt, nonce)
	if err != nil {
		return fmt.Errorf("vault: failed to save credential: %w", err)
	}
	return nil
}

const credentialColumns = `id, account_name, issuer, label_issuer, type, algorithm,
	digits, period, counter, prefix, postfix, secret_plain, secret_ct, secret_salt, secret_nonce`

type rowScanner interface {
	Scan(dest ...any) error
}

// scanCredential reads one row and decrypts the secret with the supplied
// password (nil password means plaintext mode).
func scanCredential(row rowScanner, password []byte) (*otp.Credential, error) {
	var c otp.Credential
	var typ, alg string
	var plain sql.NullString
	var ct, salt, nonce []byte

	if err := row.Scan(&c.ID, &c.AccountName, &c.Issuer, &c.LabelIssuer, &typ, &alg,
		&c.Digits, &c.Period, &c.Counter, &c.Prefix, &c.Postfix,
		&plain, &ct, &salt, &nonce); err != nil {
		return nil, err
	}
	c.Type = otpauth.Type(typ)
	c.Algorithm = otp.Algorithm(alg)

	switch {
	case plain.Valid:
		c.Secret = plain.String
	case len(ct) > 0:
		secret, err := crypto.Decrypt(password, &crypto.Box{Ciphertext: ct, Salt: salt, Nonce: nonce})
		if err != nil {
			return nil, err
		}
		c.Secret = string(secret)
	default:
		return nil, crypto.ErrDecryptionFailed
	}

	return &c, nil
}

// GetAll returns every credential that decrypts successfully. A record that
// fails to decrypt is skipped with a warning rather than aborting the whole
// read; a single corrupted row must not take the rest of the vault down.
func (v *Vault) GetAll() ([]*otp.Credential, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	password, err := v.activePassword()
	if err != nil {
		return nil, err
	}

	rows, err := v.db.Query("SELECT " + credentialColumns + " FROM credentials ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("vault: failed to query credentials: %w", err)
	}
	defer rows.Close()

	var creds []*otp.Credential
	for rows.Next() {
		c, err := scanCredential(rows, password)
		if err != nil {
			if errors.Is(err, crypto.ErrDecryptionFailed) {
				log.Printf("vault: skipping credential that failed to decrypt: %v", err)
				continue
			}
			return nil, fmt.Errorf("vault: failed to scan credential: %w", err)
		}
		creds = append(creds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vault: error iterating rows: %w", err)
	}
	return creds, nil
}

// GetByID returns one decrypted credential.
func (v *Vault) GetByID(id string) (*otp.Credential, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.getByIDLocked(id)
}

func (v *Vault) getByIDLocked(id string) (*otp.Credential, error) {
	password, err := v.activePassword()
	if err != nil {
		return nil, err
	}

	row := v.db.QueryRow("SELECT "+credentialColumns+" FROM credentials WHERE id = ?", id)
	c, err := scanCredential(row, password)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("vault: failed to read credential: %w", err)
	}
	return c, nil
}

// FindByAccount returns the first credential whose account name or
// issuer-qualified display name matches.
func (v *Vault) FindByAccount(name string) (*otp.Credential, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	password, err := v.activePassword()
	if err != nil {
		return nil, err
	}

	row := v.db.QueryRow(`
		SELECT `+credentialColumns+` FROM credentials
		WHERE account_name = ? OR (issuer || ':' || account_name) = ?
		ORDER BY created_at LIMIT 1`, name, name)
	c, err := scanCredential(row, password)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("vault: failed to read credential: %w", err)
	}
	return c, nil
}

// ListPublic returns every credential with only its public fields filled
// in; the secret stays empty. It works while the vault is locked, which is
// what listings use so the UI can show accounts without prompting.
func (v *Vault) ListPublic() ([]*otp.Credential, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	rows, err := v.db.Query(`
		SELECT id, account_name, issuer, label_issuer, type, algorithm,
			digits, period, counter, prefix, postfix
		FROM credentials ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to query credentials: %w", err)
	}
	defer rows.Close()

	var creds []*otp.Credential
	for rows.Next() {
		var c otp.Credential
		var typ, alg string
		if err := rows.Scan(&c.ID, &c.AccountName, &c.Issuer, &c.LabelIssuer, &typ, &alg,
			&c.Digits, &c.Period, &c.Counter, &c.Prefix, &c.Postfix); err != nil {
			return nil, fmt.Errorf("vault: failed to scan row: %w", err)
		}
		c.Type = otpauth.Type(typ)
		c.Algorithm = otp.Algorithm(alg)
		creds = append(creds, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vault: error iterating rows: %w", err)
	}
	return creds, nil
}

// Remove deletes a credential by id.
func (v *Vault) Remove(id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	result, err := v.db.Exec("DELETE FROM credentials WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("vault: failed to delete credential: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("vault: failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrCredentialNotFound
	}

	_ = v.audit.LogSuccess(audit.OpCredentialRemove, id)
	return nil
}

// Clear deletes every credential.
func (v *Vault) Clear() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, err := v.db.Exec("DELETE FROM credentials"); err != nil {
		return fmt.Errorf("vault: failed to clear credentials: %w", err)
	}
	return nil
}

// Count returns the number of stored credentials.
func (v *Vault) Count() (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var n int
	if err := v.db.QueryRow("SELECT COUNT(*) FROM credentials").Scan(&n); err != nil {
		return 0, fmt.Errorf("vault: failed to count credentials: %w", err)
	}
	return n, nil
}

// AdvanceCounter persists an HOTP counter after a successful generation or
// resynchronization. The counter is a public field, so no re-encryption is
// involved.
func (v *Vault) AdvanceCounter(id string, counter int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	result, err := v.db.Exec(
		"UPDATE credentials SET counter = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		counter, id)
	if err != nil {
		return fmt.Errorf("vault: failed to advance counter: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("vault: failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrCredentialNotFound
	}
	return nil
}
