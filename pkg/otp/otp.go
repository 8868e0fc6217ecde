// Package otp implements RFC 4226 (HOTP) and RFC 6238 (TOTP) one-time
// password generation and validation over the credential model produced by
// the otpauth codec.
package otp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"math"
	"strings"
	"time"

	"github.com/forest6511/otpctl/pkg/otpauth"
)

// Parameter errors, rejected before any code is computed.
var (
	ErrInvalidDigits    = errors.New("otp: digits must be positive")
	ErrInvalidPeriod    = errors.New("otp: period must be positive")
	ErrInvalidCounter   = errors.New("otp: counter must be non-negative")
	ErrInvalidAlgorithm = errors.New("otp: unsupported hmac algorithm")
	ErrInvalidSecret    = errors.New("otp: secret is not valid base32")
	ErrWrongType        = errors.New("otp: operation does not apply to this credential type")
)

// hashFunc maps a credential algorithm onto its HMAC hash constructor.
// An empty algorithm falls back to SHA1 per RFC 6238.
func hashFunc(a Algorithm) (func() hash.Hash, error) {
	switch a {
	case "", AlgorithmSHA1:
		return sha1.New, nil
	case AlgorithmSHA256:
		return sha256.New, nil
	case AlgorithmSHA512:
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidAlgorithm, a)
	}
}

// decodeSecret decodes base32 key material leniently: whitespace stripped,
// case folded, padding optional.
func decodeSecret(secret string) ([]byte, error) {
	s := strings.ToUpper(strings.ReplaceAll(secret, " ", ""))
	s = strings.TrimRight(s, "=")
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}
	return key, nil
}

// hotp computes one RFC 4226 code: HMAC over the 8-byte big-endian step,
// dynamic truncation from the low nibble of the last digest byte, 4 bytes
// masked to 31 bits, reduced modulo 10^digits and left zero-padded.
func hotp(key []byte, step uint64, digits int, h func() hash.Hash) string {
	var counter [8]byte
	binary.BigEndian.PutUint64(counter[:], step)

	mac := hmac.New(h, key)
	mac.Write(counter[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	code := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff
	// The truncated value is at most 31 bits, so ten or more digits need no
	// reduction, only padding.
	if digits < 10 {
		code %= uint32(math.Pow10(digits))
	}

	return fmt.Sprintf("%0*d", digits, code)
}

// stepParams validates the credential parameters shared by generation and
// validation, returning the decoded key and hash constructor.
func stepParams(c *Credential) ([]byte, func() hash.Hash, error) {
	if c.Digits <= 0 {
		return nil, nil, ErrInvalidDigits
	}
	if c.Type == otpauth.TypeTOTP && c.Period <= 0 {
		return nil, nil, ErrInvalidPeriod
	}
	if c.Type == otpauth.TypeHOTP && c.Counter < 0 {
		return nil, nil, ErrInvalidCounter
	}
	h, err := hashFunc(c.Algorithm)
	if err != nil {
		return nil, nil, err
	}
	key, err := decodeSecret(c.Secret)
	if err != nil {
		return nil, nil, err
	}
	return key, h, nil
}

// Generate produces the code for the credential at the given wall-clock
// time. For TOTP the step index is floor(unix/period); for HOTP it is the
// stored counter (the caller advances the counter after a successful
// generation, see Vault.AdvanceCounter).
func Generate(c *Credential, now time.Time) (string, error) {
	key, h, err := stepParams(c)
	if err != nil {
		return "", err
	}

	var step uint64
	switch c.Type {
	case otpauth.TypeHOTP:
		step = uint64(c.Counter)
	default:
		step = uint64(now.Unix()) / uint64(c.Period)
	}

	return hotp(key, step, c.Digits, h), nil
}

// Validate reports whether the token matches a TOTP credential at any step
// in [current-window, current+window], tolerating clock skew. Comparison is
// constant time.
func Validate(token string, c *Credential, now time.Time, window int) (bool, error) {
	if c.Type != otpauth.TypeTOTP {
		return false, ErrWrongType
	}
	key, h, err := stepParams(c)
	if err != nil {
		return false, err
	}

	current := int64(uint64(now.Unix()) / uint64(c.Period))
	for i := -window; i <= window; i++ {
		step := current + int64(i)
		if step < 0 {
			continue
		}
		code := hotp(key, uint64(step), c.Digits, h)
		if hmac.Equal([]byte(code), []byte(token)) {
			return true, nil
		}
	}
	return false, nil
}

// CheckHOTP reports whether the token matches an HOTP credential at any
// counter in [counter, counter+window]. It is pure: the credential counter
// is left untouched. The matched counter value is returned for
// resynchronization.
func CheckHOTP(token string, c *Credential, window int) (int64, bool, error) {
	if c.Type != otpauth.TypeHOTP {
		return 0, false, ErrWrongType
	}
	key, h, err := stepParams(c)
	if err != nil {
		return 0, false, err
	}

	for i := 0; i <= window; i++ {
		step := c.Counter + int64(i)
		code := hotp(key, uint64(step), c.Digits, h)
		if hmac.Equal([]byte(code), []byte(token)) {
			return step, true, nil
		}
	}
	return 0, false, nil
}

// SyncHOTP is the side-effecting variant of CheckHOTP: on a match the
// credential counter advances to matched+1 so the server and token stay in
// step. The caller is responsible for persisting the new counter.
func SyncHOTP(token string, c *Credential, window int) (bool, error) {
	step, ok, err := CheckHOTP(token, c, window)
	if err != nil || !ok {
		return false, err
	}
	c.Counter = step + 1
	return true, nil
}

// RemainingSeconds returns how many seconds of validity the current TOTP
// step has left. The result is always in [1, period]: the boundary instant
// reports a full period rather than a "0 seconds left" flash.
func RemainingSeconds(period int, now time.Time) int {
	if period <= 0 {
		return 0
	}
	return period - int(now.Unix()%int64(period))
}

// Decorate wraps the generated code in the credential's display prefix and
// postfix. Decoration is cosmetic: it is never stored with the secret and
// never used as validation input.
func Decorate(c *Credential, code string) string {
	return c.Prefix + code + c.Postfix
}

// GenerateSecret creates a new 160-bit random secret, base32-encoded
// without padding, for enrolling a new account (RFC 4226 recommended
// strength).
func GenerateSecret() (string, error) {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("otp: failed to generate secret: %w", err)
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf), nil
}
