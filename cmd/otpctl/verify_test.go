package main

import (
	"testing"
	"time"

	"github.com/forest6511/otpctl/pkg/otp"
	"github.com/forest6511/otpctl/pkg/otpauth"
)

func TestVerifyCodeTOTP(t *testing.T) {
	c := &otp.Credential{
		AccountName: "alice",
		Secret:      "JBSWY3DPEHPK3PXP",
		Type:        otpauth.TypeTOTP,
	}
	c.ApplyDefaults()
	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

	code, err := otp.Generate(c, now)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if ok, err := verifyCode(c, code, now, 10); err != nil || !ok {
		t.Fatalf("verifyCode(current) = %v, %v", ok, err)
	}
	// One step of clock skew is tolerated.
	if ok, err := verifyCode(c, code, now.Add(time.Duration(c.Period)*time.Second), 10); err != nil || !ok {
		t.Fatalf("verifyCode(one step late) = %v, %v", ok, err)
	}
	if ok, err := verifyCode(c, "000000", now, 10); err != nil || ok {
		t.Fatalf("verifyCode(wrong token) = %v, %v, want false", ok, err)
	}
}

// TestVerifyCodeHOTPResync: a client counter ahead of the stored one is
// accepted within the look-ahead window, and the counter lands past the
// consumed value so the code cannot be replayed.
func TestVerifyCodeHOTPResync(t *testing.T) {
	c := &otp.Credential{
		AccountName: "bob",
		Secret:      "JBSWY3DPEHPK3PXP",
		Type:        otpauth.TypeHOTP,
		Counter:     3,
	}
	c.ApplyDefaults()

	code, err := otp.Generate(c, time.Time{})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	// Stored counter lags the client by three steps.
	c.Counter = 0
	if ok, err := verifyCode(c, code, time.Time{}, 10); err != nil || !ok {
		t.Fatalf("verifyCode() = %v, %v", ok, err)
	}
	if c.Counter != 4 {
		t.Errorf("counter = %d after resync, want 4", c.Counter)
	}

	// The same code is single-use.
	if ok, err := verifyCode(c, code, time.Time{}, 10); err != nil || ok {
		t.Fatalf("verifyCode(replay) = %v, %v, want false", ok, err)
	}
}

func TestVerifyCodeHOTPOutsideLookAhead(t *testing.T) {
	c := &otp.Credential{
		AccountName: "bob",
		Secret:      "JBSWY3DPEHPK3PXP",
		Type:        otpauth.TypeHOTP,
		Counter:     5,
	}
	c.ApplyDefaults()

	code, err := otp.Generate(c, time.Time{})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	c.Counter = 0
	if ok, err := verifyCode(c, code, time.Time{}, 2); err != nil || ok {
		t.Fatalf("verifyCode() beyond the window = %v, %v, want false", ok, err)
	}
	if c.Counter != 0 {
		t.Errorf("counter = %d after a miss, want 0", c.Counter)
	}
}
