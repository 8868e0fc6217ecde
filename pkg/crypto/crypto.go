// Package crypto provides the cryptographic primitives for otpctl.
//
// It implements Argon2id key derivation and AES-256-GCM authenticated
// encryption following OWASP recommendations. The password-level API
// (Encrypt/Decrypt) generates a fresh random salt and nonce per call, so a
// (key, nonce) pair is never reused even when the same record is
// re-encrypted under the same password.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters following OWASP recommendations. The iteration and
// memory costs are a hardening lever; backup headers record them so archives
// written with older parameters stay decryptable.
const (
	// Argon2Memory is the memory cost in KiB (64MB).
	Argon2Memory = 64 * 1024

	// Argon2Time is the number of iterations.
	Argon2Time = 3

	// Argon2Threads is the degree of parallelism.
	Argon2Threads = 4

	// KeyLength is the length of encryption keys in bytes (256 bits).
	KeyLength = 32

	// SaltLength is the length of KDF salts in bytes (128 bits).
	SaltLength = 16

	// NonceLength is the length of GCM nonces in bytes (96 bits).
	NonceLength = 12
)

// Sentinel errors returned by crypto functions.
var (
	// ErrInvalidKeyLength indicates the key is not 32 bytes.
	ErrInvalidKeyLength = errors.New("crypto: invalid key length, must be 32 bytes")

	// ErrInvalidNonceLength indicates the nonce is not 12 bytes.
	ErrInvalidNonceLength = errors.New("crypto: invalid nonce length, must be 12 bytes")

	// ErrEncryptionFailed indicates encryption could not be completed. No
	// partial output is ever returned alongside it.
	ErrEncryptionFailed = errors.New("crypto: encryption failed")

	// ErrDecryptionFailed indicates decryption failed. It deliberately does
	// not distinguish a wrong password from corrupted data or a malformed
	// box, to avoid oracle behavior; a failed authentication tag is the
	// sole wrong-password signal.
	ErrDecryptionFailed = errors.New("crypto: decryption failed")
)

// Box is the result of one password-based encryption: the ciphertext with
// its GCM tag, plus the salt and nonce needed to open it again. Salt and
// nonce are unique per Box.
type Box struct {
	Ciphertext []byte
	Salt       []byte
	Nonce      []byte
}

// DeriveKey derives a 256-bit encryption key from a password using
// Argon2id with the package parameters. The salt should be SaltLength
// bytes of cryptographically secure random data.
func DeriveKey(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, Argon2Time, Argon2Memory, Argon2Threads, KeyLength)
}

// NewSalt returns SaltLength bytes from crypto/rand.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: failed to generate salt: %w", err)
	}
	return salt, nil
}

// Encrypt derives a key from the password under a fresh random salt and
// seals the plaintext with AES-256-GCM under a fresh random nonce. Callers
// cannot supply the salt or nonce: uniqueness is enforced structurally.
func Encrypt(password, plaintext []byte) (*Box, error) {
	salt, err := NewSalt()
	if err != nil {
		return nil, errors.Join(ErrEncryptionFailed, err)
	}

	key := DeriveKey(password, salt)
	defer SecureWipe(key)

	ciphertext, nonce, err := EncryptWithKey(key, plaintext)
	if err != nil {
		return nil, errors.Join(ErrEncryptionFailed, err)
	}

	return &Box{Ciphertext: ciphertext, Salt: salt, Nonce: nonce}, nil
}

// Decrypt re-derives the key from the password and the box salt and opens
// the ciphertext. Every failure mode collapses into ErrDecryptionFailed.
func Decrypt(password []byte, box *Box) ([]byte, error) {
	if box == nil || len(box.Salt) != SaltLength {
		return nil, ErrDecryptionFailed
	}

	key := DeriveKey(password, box.Salt)
	defer SecureWipe(key)

	plaintext, err := DecryptWithKey(key, box.Ciphertext, box.Nonce)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// EncryptWithKey encrypts plaintext using AES-256-GCM under an
// already-derived 32-byte key, generating a random 12-byte nonce. The
// authentication tag is appended to the ciphertext.
func EncryptWithKey(key, plaintext []byte) (ciphertext, nonce []byte, err error) {
	if len(key) != KeyLength {
		return nil, nil, ErrInvalidKeyLength
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: failed to create GCM: %w", err)
	}

	nonce = make([]byte, NonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("crypto: failed to generate nonce: %w", err)
	}

	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// DecryptWithKey opens AES-256-GCM ciphertext under an already-derived key,
// verifying the authentication tag before returning any plaintext.
func DecryptWithKey(key, ciphertext, nonce []byte) ([]byte, error) {
	if len(key) != KeyLength {
		return nil, ErrInvalidKeyLength
	}
	if len(nonce) != NonceLength {
		return nil, ErrInvalidNonceLength
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create GCM: %w", err)
	}

	if len(ciphertext) < gcm.Overhead() {
		return nil, ErrDecryptionFailed
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// SecureWipe overwrites a byte slice with zeros in a way that prevents
// the compiler from optimizing the writes away. Used to destroy derived
// keys and cached passwords.
func SecureWipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
