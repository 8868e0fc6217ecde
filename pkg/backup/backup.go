// Package backup implements encrypted vault archives and cleartext
// credential exchange.
//
// The archive layout is: magic, JSON header (Argon2id parameters, count),
// length-prefixed AES-256-GCM ciphertext of the credential set, trailing
// HMAC-SHA256 over everything before it. Encryption and MAC keys are
// derived separately via HKDF so the integrity check cannot double as a
// decryption oracle. The salt is generated fresh for every archive and is
// never the vault's own salt.
package backup

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/forest6511/otpctl/pkg/crypto"
	"github.com/forest6511/otpctl/pkg/otp"
)

const (
	// SaltLength is the archive KDF salt length in bytes.
	SaltLength = 32

	// HMACLength is the trailing HMAC-SHA256 length in bytes.
	HMACLength = 32
)

// HKDF info strings splitting the master key into independent roles.
const (
	hkdfInfoEncryption = "otpctl-backup-encryption"
	hkdfInfoMAC        = "otpctl-backup-mac"
)

// deriveKeys derives the encryption and MAC keys from a password and salt.
func deriveKeys(password, salt []byte) (encKey, macKey []byte, err error) {
	if len(password) == 0 {
		return nil, nil, ErrEmptyPassword
	}

	masterKey := crypto.DeriveKey(password, salt)
	defer crypto.SecureWipe(masterKey)

	encKey, err = deriveHKDF(masterKey, []byte(hkdfInfoEncryption))
	if err != nil {
		return nil, nil, fmt.Errorf("backup: failed to derive encryption key: %w", err)
	}
	macKey, err = deriveHKDF(masterKey, []byte(hkdfInfoMAC))
	if err != nil {
		crypto.SecureWipe(encKey)
		return nil, nil, fmt.Errorf("backup: failed to derive mac key: %w", err)
	}
	return encKey, macKey, nil
}

func deriveHKDF(secret, info []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, nil, info)
	key := make([]byte, crypto.KeyLength)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

func computeHMAC(data, key []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// Write serializes the credential set into an encrypted archive.
func Write(w io.Writer, creds []*otp.Credential, password []byte) error {
	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("backup: failed to generate salt: %w", err)
	}

	encKey, macKey, err := deriveKeys(password, salt)
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(encKey)
	defer crypto.SecureWipe(macKey)

	plaintext, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("backup: failed to marshal credentials: %w", err)
	}
	defer crypto.SecureWipe(plaintext)

	ciphertext, nonce, err := crypto.EncryptWithKey(encKey, plaintext)
	if err != nil {
		return fmt.Errorf("backup: failed to encrypt payload: %w", err)
	}
	// Nonce is prepended to the ciphertext for storage.
	sealed := append(nonce, ciphertext...)

	header := &Header{
		Version:   FormatVersion,
		CreatedAt: time.Now().UTC(),
		KDFParams: KDFParams{
			Salt:        salt,
			Memory:      crypto.Argon2Memory,
			Iterations:  crypto.Argon2Time,
			Parallelism: crypto.Argon2Threads,
		},
		CredentialCount: len(creds),
		ChecksumAlgo:    "hmac-sha256",
	}

	// Buffer everything so the HMAC covers the exact bytes written.
	var buf bytes.Buffer
	if err := writeHeader(&buf, header); err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(sealed))); err != nil {
		return fmt.Errorf("backup: failed to write payload length: %w", err)
	}
	if _, err := buf.Write(sealed); err != nil {
		return fmt.Errorf("backup: failed to write payload: %w", err)
	}

	mac := computeHMAC(buf.Bytes(), macKey)

	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("backup: failed to write archive: %w", err)
	}
	if _, err := w.Write(mac); err != nil {
		return fmt.Errorf("backup: failed to write hmac: %w", err)
	}
	return nil
}

// Read verifies and decrypts an archive, returning its header and the
// credential set. The HMAC is checked before any decryption is attempted.
func Read(data, password []byte) (*Header, []*otp.Credential, error) {
	if len(data) < len(MagicNumber)+4+HMACLength {
		return nil, nil, ErrInvalidMagic
	}

	reader := bytes.NewReader(data)
	header, err := readHeader(reader)
	if err != nil {
		return nil, nil, err
	}

	var sealedLen uint32
	if err := binary.Read(reader, binary.BigEndian, &sealedLen); err != nil {
		return nil, nil, fmt.Errorf("backup: failed to read payload length: %w", err)
	}
	if reader.Len() < int(sealedLen)+HMACLength {
		return nil, nil, ErrTruncated
	}

	sealed := make([]byte, sealedLen)
	if _, err := io.ReadFull(reader, sealed); err != nil {
		return nil, nil, fmt.Errorf("backup: failed to read payload: %w", err)
	}
	storedMAC := make([]byte, HMACLength)
	if _, err := io.ReadFull(reader, storedMAC); err != nil {
		return nil, nil, fmt.Errorf("backup: failed to read hmac: %w", err)
	}

	encKey, macKey, err := deriveKeys(password, header.KDFParams.Salt)
	if err != nil {
		return nil, nil, err
	}
	defer crypto.SecureWipe(encKey)
	defer crypto.SecureWipe(macKey)

	covered := data[:len(data)-reader.Len()-HMACLength]
	if !hmac.Equal(computeHMAC(covered, macKey), storedMAC) {
		return nil, nil, ErrIntegrityFailed
	}

	if len(sealed) < crypto.NonceLength {
		return nil, nil, ErrTruncated
	}
	plaintext, err := crypto.DecryptWithKey(encKey, sealed[crypto.NonceLength:], sealed[:crypto.NonceLength])
	if err != nil {
		return nil, nil, fmt.Errorf("backup: failed to decrypt payload: %w", err)
	}
	defer crypto.SecureWipe(plaintext)

	var creds []*otp.Credential
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, nil, fmt.Errorf("backup: failed to unmarshal credentials: %w", err)
	}
	return header, creds, nil
}

// Verify checks an archive's integrity without returning its contents.
func Verify(data, password []byte) (*Header, error) {
	header, _, err := Read(data, password)
	if err != nil {
		return nil, err
	}
	return header, nil
}
