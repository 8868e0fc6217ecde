package otp

import (
	"encoding/base32"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/forest6511/otpctl/pkg/otpauth"
)

// RFC test seeds: the SHA256 and SHA512 variants extend the classic ASCII
// seed to the hash block-sized secrets used in the RFC 6238 appendix.
var (
	seedSHA1   = []byte("12345678901234567890")
	seedSHA256 = []byte("12345678901234567890123456789012")
	seedSHA512 = []byte("1234567890123456789012345678901234567890123456789012345678901234")
)

func b32(seed []byte) string {
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(seed)
}

func totpCredential(seed []byte, alg Algorithm, digits int) *Credential {
	return &Credential{
		AccountName: "rfc",
		Secret:      b32(seed),
		Type:        otpauth.TypeTOTP,
		Algorithm:   alg,
		Digits:      digits,
		Period:      30,
	}
}

// TestGenerateTOTPVectors reproduces the RFC 6238 Appendix B test vector
// table for all three HMAC algorithms.
func TestGenerateTOTPVectors(t *testing.T) {
	tests := []struct {
		unix int64
		alg  Algorithm
		seed []byte
		want string
	}{
		{59, AlgorithmSHA1, seedSHA1, "94287082"},
		{59, AlgorithmSHA256, seedSHA256, "46119246"},
		{59, AlgorithmSHA512, seedSHA512, "90693936"},
		{1111111109, AlgorithmSHA1, seedSHA1, "07081804"},
		{1111111109, AlgorithmSHA256, seedSHA256, "68084774"},
		{1111111109, AlgorithmSHA512, seedSHA512, "25091201"},
		{1111111111, AlgorithmSHA1, seedSHA1, "14050471"},
		{1111111111, AlgorithmSHA256, seedSHA256, "67062674"},
		{1111111111, AlgorithmSHA512, seedSHA512, "99943326"},
		{1234567890, AlgorithmSHA1, seedSHA1, "89005924"},
		{1234567890, AlgorithmSHA256, seedSHA256, "91819424"},
		{1234567890, AlgorithmSHA512, seedSHA512, "93441116"},
		{2000000000, AlgorithmSHA1, seedSHA1, "69279037"},
		{2000000000, AlgorithmSHA256, seedSHA256, "90698825"},
		{2000000000, AlgorithmSHA512, seedSHA512, "38618901"},
		{20000000000, AlgorithmSHA1, seedSHA1, "65353130"},
		{20000000000, AlgorithmSHA256, seedSHA256, "77737706"},
		{20000000000, AlgorithmSHA512, seedSHA512, "47863826"},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s@%d", tt.alg, tt.unix), func(t *testing.T) {
			cred := totpCredential(tt.seed, tt.alg, 8)
			got, err := Generate(cred, time.Unix(tt.unix, 0))
			if err != nil {
				t.Fatalf("Generate() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Generate() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestGenerateHOTPVectors reproduces the RFC 4226 Appendix D table.
func TestGenerateHOTPVectors(t *testing.T) {
	want := []string{
		"755224", "287082", "359152", "969429", "338314",
		"254676", "287922", "162583", "399871", "520489",
	}

	for counter, code := range want {
		cred := &Credential{
			AccountName: "rfc",
			Secret:      b32(seedSHA1),
			Type:        otpauth.TypeHOTP,
			Algorithm:   AlgorithmSHA1,
			Digits:      6,
			Counter:     int64(counter),
		}
		got, err := Generate(cred, time.Time{})
		if err != nil {
			t.Fatalf("Generate(counter=%d) error = %v", counter, err)
		}
		if got != code {
			t.Errorf("Generate(counter=%d) = %q, want %q", counter, got, code)
		}
	}
}

func TestGenerateSixDigitTruncation(t *testing.T) {
	// The 6-digit code at T=59 is the tail of the published 8-digit vector.
	cred := totpCredential(seedSHA1, AlgorithmSHA1, 6)
	got, err := Generate(cred, time.Unix(59, 0))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if got != "287082" {
		t.Errorf("Generate() = %q, want %q", got, "287082")
	}
}

func TestGenerateNonStandardDigits(t *testing.T) {
	// digits outside {6,8} still compute with the general formula and keep
	// the left zero padding.
	cred := totpCredential(seedSHA1, AlgorithmSHA1, 7)
	got, err := Generate(cred, time.Unix(59, 0))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if len(got) != 7 {
		t.Errorf("Generate() = %q, want 7 digits", got)
	}
	if got != "4287082" {
		t.Errorf("Generate() = %q, want %q", got, "4287082")
	}
}

func TestGenerateParameterErrors(t *testing.T) {
	base := func() *Credential { return totpCredential(seedSHA1, AlgorithmSHA1, 6) }

	tests := []struct {
		name    string
		mutate  func(*Credential)
		wantErr error
	}{
		{"zero digits", func(c *Credential) { c.Digits = 0 }, ErrInvalidDigits},
		{"negative digits", func(c *Credential) { c.Digits = -1 }, ErrInvalidDigits},
		{"zero period", func(c *Credential) { c.Period = 0 }, ErrInvalidPeriod},
		{"negative period", func(c *Credential) { c.Period = -30 }, ErrInvalidPeriod},
		{"unknown algorithm", func(c *Credential) { c.Algorithm = "SHA3-256" }, ErrInvalidAlgorithm},
		{"invalid base32", func(c *Credential) { c.Secret = "not!base32" }, ErrInvalidSecret},
		{"negative counter", func(c *Credential) {
			c.Type = otpauth.TypeHOTP
			c.Counter = -1
		}, ErrInvalidCounter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cred := base()
			tt.mutate(cred)
			if _, err := Generate(cred, time.Unix(59, 0)); !errors.Is(err, tt.wantErr) {
				t.Errorf("Generate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateWindow(t *testing.T) {
	cred := totpCredential(seedSHA1, AlgorithmSHA1, 6)
	now := time.Unix(1111111111, 0)

	for _, offset := range []int{-1, 0, 1} {
		at := now.Add(time.Duration(offset*cred.Period) * time.Second)
		token, err := Generate(cred, at)
		if err != nil {
			t.Fatalf("Generate() error = %v", err)
		}
		ok, err := Validate(token, cred, now, 1)
		if err != nil {
			t.Fatalf("Validate() error = %v", err)
		}
		if !ok {
			t.Errorf("Validate() rejected token from step offset %d", offset)
		}
	}

	stale, err := Generate(cred, now.Add(-2*time.Duration(cred.Period)*time.Second))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if ok, _ := Validate(stale, cred, now, 1); ok {
		t.Error("Validate() accepted token two steps out of window")
	}

	if _, err := Validate("123456", &Credential{Type: otpauth.TypeHOTP, Secret: b32(seedSHA1), Digits: 6}, now, 1); !errors.Is(err, ErrWrongType) {
		t.Errorf("Validate() on hotp credential error = %v, want %v", err, ErrWrongType)
	}
}

func TestSyncHOTPResynchronization(t *testing.T) {
	newCred := func(counter int64) *Credential {
		return &Credential{
			AccountName: "hotp",
			Secret:      b32(seedSHA1),
			Type:        otpauth.TypeHOTP,
			Algorithm:   AlgorithmSHA1,
			Digits:      6,
			Counter:     counter,
		}
	}

	// Token generated one step ahead is accepted with window=1 and the
	// counter advances past the matched step.
	ahead := newCred(4)
	token, err := Generate(ahead, time.Time{})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	cred := newCred(3)
	ok, err := SyncHOTP(token, cred, 1)
	if err != nil {
		t.Fatalf("SyncHOTP() error = %v", err)
	}
	if !ok {
		t.Fatal("SyncHOTP() rejected token from counter+1")
	}
	if cred.Counter != 5 {
		t.Errorf("Counter after sync = %d, want 5", cred.Counter)
	}

	// Token generated five steps ahead is out of the window.
	far := newCred(8)
	farToken, err := Generate(far, time.Time{})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	cred = newCred(3)
	if ok, _ := SyncHOTP(farToken, cred, 1); ok {
		t.Error("SyncHOTP() accepted token from counter+5 with window=1")
	}
	if cred.Counter != 3 {
		t.Errorf("Counter after failed sync = %d, want 3 (unchanged)", cred.Counter)
	}

	// CheckHOTP is pure.
	match := newCred(4)
	matchToken, _ := Generate(match, time.Time{})
	cred = newCred(3)
	step, ok, err := CheckHOTP(matchToken, cred, 1)
	if err != nil || !ok {
		t.Fatalf("CheckHOTP() = %v, %v", ok, err)
	}
	if step != 4 {
		t.Errorf("CheckHOTP() matched step = %d, want 4", step)
	}
	if cred.Counter != 3 {
		t.Errorf("CheckHOTP() mutated counter to %d", cred.Counter)
	}
}

func TestRemainingSeconds(t *testing.T) {
	// Always in [1, period] and strictly decreasing by 1 per second except
	// at the wrap boundary where it resets to the full period.
	prev := 0
	for unix := int64(0); unix < 95; unix++ {
		got := RemainingSeconds(30, time.Unix(unix, 0))
		if got < 1 || got > 30 {
			t.Fatalf("RemainingSeconds(30, %d) = %d, out of [1, 30]", unix, got)
		}
		if unix%30 == 0 {
			if got != 30 {
				t.Fatalf("RemainingSeconds at boundary %d = %d, want 30", unix, got)
			}
		} else if got != prev-1 {
			t.Fatalf("RemainingSeconds at %d = %d, want %d", unix, got, prev-1)
		}
		prev = got
	}

	if got := RemainingSeconds(0, time.Unix(10, 0)); got != 0 {
		t.Errorf("RemainingSeconds(0) = %d, want 0", got)
	}
}

func TestDecorate(t *testing.T) {
	cred := totpCredential(seedSHA1, AlgorithmSHA1, 6)
	cred.Prefix = "<<"
	cred.Postfix = ">>"

	if got := Decorate(cred, "287082"); got != "<<287082>>" {
		t.Errorf("Decorate() = %q, want %q", got, "<<287082>>")
	}

	// Decoration never feeds back into validation.
	now := time.Unix(59, 0)
	decorated := Decorate(cred, "287082")
	if ok, _ := Validate(decorated, cred, now, 1); ok {
		t.Error("Validate() accepted a decorated token")
	}
}

func TestFromURIDefaults(t *testing.T) {
	u := &otpauth.URI{
		Type:    otpauth.TypeTOTP,
		Account: "alice",
		Secret:  "JBSWY3DPEHPK3PXP",
	}

	cred := FromURI(u)
	if cred.ID == "" {
		t.Error("FromURI() did not assign an id")
	}
	if cred.Algorithm != AlgorithmSHA1 || cred.Digits != 6 || cred.Period != 30 {
		t.Errorf("defaults = %s/%d/%d, want SHA1/6/30", cred.Algorithm, cred.Digits, cred.Period)
	}
	if cred.NonStandardDigits() {
		t.Error("NonStandardDigits() = true for 6 digits")
	}

	cred.Digits = 7
	if !cred.NonStandardDigits() {
		t.Error("NonStandardDigits() = false for 7 digits")
	}
}

func TestGenerateSecret(t *testing.T) {
	secret, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret() error = %v", err)
	}
	if _, err := decodeSecret(secret); err != nil {
		t.Errorf("generated secret does not decode: %v", err)
	}

	other, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret() error = %v", err)
	}
	if secret == other {
		t.Error("GenerateSecret() returned identical secrets")
	}
}
