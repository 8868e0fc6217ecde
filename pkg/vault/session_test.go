package vault

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/forest6511/otpctl/pkg/otp"
)

// fakeClock is a settable clock for session expiry and cooldown tests.
type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time          { return f.now }
func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func newClockVault(t *testing.T) (*Vault, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	v := newTestVault(t, &Options{Clock: clock.Now})
	return v, clock
}

func TestSetPassword(t *testing.T) {
	v := newTestVault(t, nil)

	if v.IsPasswordSet() {
		t.Fatal("IsPasswordSet() = true on a fresh vault")
	}
	if err := v.SetPassword("short"); !errors.Is(err, ErrWeakPassword) {
		t.Errorf("SetPassword(short) error = %v, want %v", err, ErrWeakPassword)
	}
	if err := v.SetPassword("correcthorse1"); err != nil {
		t.Fatalf("SetPassword() error = %v", err)
	}
	if !v.IsPasswordSet() {
		t.Error("IsPasswordSet() = false after SetPassword")
	}
	if v.IsAuthenticated() {
		t.Error("SetPassword() left the vault unlocked")
	}
	if err := v.SetPassword("anotherpassword"); !errors.Is(err, ErrPasswordAlreadySet) {
		t.Errorf("second SetPassword() error = %v, want %v", err, ErrPasswordAlreadySet)
	}
}

// TestSetPasswordEncryptsExistingRecords: plaintext records written before
// the password are encrypted by SetPassword and readable after login.
func TestSetPasswordEncryptsExistingRecords(t *testing.T) {
	v := newTestVault(t, nil)

	c := testCredential("alice")
	if err := v.Save(c); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := v.SetPassword("correcthorse1"); err != nil {
		t.Fatalf("SetPassword() error = %v", err)
	}

	// No plaintext secret may remain on disk.
	var n int
	if err := v.db.QueryRow("SELECT COUNT(*) FROM credentials WHERE secret_plain IS NOT NULL").Scan(&n); err != nil {
		t.Fatalf("query error = %v", err)
	}
	if n != 0 {
		t.Fatalf("%d plaintext secrets remain after SetPassword", n)
	}

	if ok, err := v.Login("correcthorse1", false); err != nil || !ok {
		t.Fatalf("Login() = %v, %v", ok, err)
	}
	got, err := v.GetByID(c.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Secret != "JBSWY3DPEHPK3PXP" {
		t.Errorf("secret = %q after encryption migration, want original", got.Secret)
	}
}

// TestLoginFailsClosed: a wrong password yields (false, nil), not an error,
// and the vault stays locked.
func TestLoginFailsClosed(t *testing.T) {
	v := newTestVault(t, nil)
	if err := v.SetPassword("correcthorse1"); err != nil {
		t.Fatalf("SetPassword() error = %v", err)
	}

	ok, err := v.Login("wrong-password", false)
	if err != nil {
		t.Fatalf("Login(wrong) error = %v, want nil", err)
	}
	if ok {
		t.Fatal("Login(wrong) = true")
	}
	if v.IsAuthenticated() {
		t.Error("vault unlocked after failed login")
	}
	if _, err := v.GetAll(); !errors.Is(err, ErrVaultLocked) {
		t.Errorf("GetAll() error = %v, want %v", err, ErrVaultLocked)
	}
}

func TestLoginWithoutPassword(t *testing.T) {
	v := newTestVault(t, nil)
	if _, err := v.Login("anything", false); !errors.Is(err, ErrPasswordNotSet) {
		t.Errorf("Login() error = %v, want %v", err, ErrPasswordNotSet)
	}
}

func TestSessionExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	v := newTestVault(t, &Options{Clock: clock.Now, SessionTimeout: 5 * time.Minute})
	if err := v.SetPassword("correcthorse1"); err != nil {
		t.Fatalf("SetPassword() error = %v", err)
	}
	if ok, err := v.Login("correcthorse1", false); err != nil || !ok {
		t.Fatalf("Login() = %v, %v", ok, err)
	}

	clock.Advance(4 * time.Minute)
	if !v.IsAuthenticated() {
		t.Fatal("session expired before the timeout")
	}

	clock.Advance(2 * time.Minute)
	if v.IsAuthenticated() {
		t.Fatal("session still valid past the timeout")
	}
	if _, err := v.GetAll(); !errors.Is(err, ErrVaultLocked) {
		t.Errorf("GetAll() after expiry error = %v, want %v", err, ErrVaultLocked)
	}
}

func TestRememberMeNeverExpires(t *testing.T) {
	v, clock := newClockVault(t)
	if err := v.SetPassword("correcthorse1"); err != nil {
		t.Fatalf("SetPassword() error = %v", err)
	}
	if ok, err := v.Login("correcthorse1", true); err != nil || !ok {
		t.Fatalf("Login() = %v, %v", ok, err)
	}

	clock.Advance(48 * time.Hour)
	if !v.IsAuthenticated() {
		t.Error("remember-me session expired")
	}

	v.Logout()
	if v.IsAuthenticated() {
		t.Error("Logout() left the session valid")
	}
}

func TestCooldownLadder(t *testing.T) {
	v, clock := newClockVault(t)
	if err := v.SetPassword("correcthorse1"); err != nil {
		t.Fatalf("SetPassword() error = %v", err)
	}

	// Four failures: no cooldown yet.
	for i := 0; i < CooldownThreshold1-1; i++ {
		if ok, err := v.Login("wrong", false); ok || err != nil {
			t.Fatalf("Login(wrong) = %v, %v", ok, err)
		}
	}
	if d := v.RemainingCooldown(); d != 0 {
		t.Fatalf("RemainingCooldown() = %v before the threshold, want 0", d)
	}

	// Fifth failure triggers the first rung.
	if ok, err := v.Login("wrong", false); ok || err != nil {
		t.Fatalf("Login(wrong) = %v, %v", ok, err)
	}
	if d := v.RemainingCooldown(); d != CooldownDuration1 {
		t.Fatalf("RemainingCooldown() = %v, want %v", d, CooldownDuration1)
	}

	// Even the correct password is rejected during cooldown.
	if _, err := v.Login("correcthorse1", false); !errors.Is(err, ErrCooldownActive) {
		t.Fatalf("Login() during cooldown error = %v, want %v", err, ErrCooldownActive)
	}

	// After the cooldown elapses the correct password unlocks and resets
	// the failure counter.
	clock.Advance(CooldownDuration1 + time.Second)
	if ok, err := v.Login("correcthorse1", false); err != nil || !ok {
		t.Fatalf("Login() after cooldown = %v, %v", ok, err)
	}
	if d := v.RemainingCooldown(); d != 0 {
		t.Errorf("RemainingCooldown() = %v after success, want 0", d)
	}
}

func TestCooldownEscalation(t *testing.T) {
	v, clock := newClockVault(t)
	if err := v.SetPassword("correcthorse1"); err != nil {
		t.Fatalf("SetPassword() error = %v", err)
	}

	fail := func(n int) {
		t.Helper()
		for i := 0; i < n; i++ {
			if d := v.RemainingCooldown(); d > 0 {
				clock.Advance(d + time.Second)
			}
			if ok, err := v.Login("wrong", false); ok || err != nil {
				t.Fatalf("Login(wrong) = %v, %v", ok, err)
			}
		}
	}

	fail(CooldownThreshold2)
	if d := v.RemainingCooldown(); d != CooldownDuration2 {
		t.Fatalf("RemainingCooldown() after %d failures = %v, want %v", CooldownThreshold2, d, CooldownDuration2)
	}

	fail(CooldownThreshold3 - CooldownThreshold2)
	if d := v.RemainingCooldown(); d != CooldownDuration3 {
		t.Fatalf("RemainingCooldown() after %d failures = %v, want %v", CooldownThreshold3, d, CooldownDuration3)
	}
}

func TestChangePassword(t *testing.T) {
	v := newTestVault(t, nil)

	c := testCredential("alice")
	if err := v.Save(c); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := v.SetPassword("old-password-1"); err != nil {
		t.Fatalf("SetPassword() error = %v", err)
	}
	if ok, err := v.Login("old-password-1", false); err != nil || !ok {
		t.Fatalf("Login() = %v, %v", ok, err)
	}

	if err := v.ChangePassword("wrong-old", "new-password-1"); !errors.Is(err, ErrInvalidPassword) {
		t.Fatalf("ChangePassword(wrong old) error = %v, want %v", err, ErrInvalidPassword)
	}
	if err := v.ChangePassword("old-password-1", "short"); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("ChangePassword(weak new) error = %v, want %v", err, ErrWeakPassword)
	}
	if err := v.ChangePassword("old-password-1", "new-password-1"); err != nil {
		t.Fatalf("ChangePassword() error = %v", err)
	}

	// Session stays unlocked with the new password cached.
	got, err := v.GetByID(c.ID)
	if err != nil {
		t.Fatalf("GetByID() after rotation error = %v", err)
	}
	if got.Secret != "JBSWY3DPEHPK3PXP" {
		t.Errorf("secret = %q after rotation, want original", got.Secret)
	}

	// Old password no longer works after a logout.
	v.Logout()
	if ok, err := v.Login("old-password-1", false); ok || err != nil {
		t.Fatalf("Login(old) after rotation = %v, %v, want false, nil", ok, err)
	}
	if ok, err := v.Login("new-password-1", false); err != nil || !ok {
		t.Fatalf("Login(new) = %v, %v", ok, err)
	}
}

// TestChangePasswordHonorsCooldown: the old-password check in ChangePassword
// goes through the same cooldown gate as Login, so a rotation attempt cannot
// be used to keep guessing while a cooldown is active.
func TestChangePasswordHonorsCooldown(t *testing.T) {
	v, clock := newClockVault(t)
	if err := v.SetPassword("correcthorse1"); err != nil {
		t.Fatalf("SetPassword() error = %v", err)
	}

	for i := 0; i < CooldownThreshold1; i++ {
		if ok, err := v.Login("wrong", false); ok || err != nil {
			t.Fatalf("Login(wrong) = %v, %v", ok, err)
		}
	}

	// Even the correct old password is rejected during the cooldown.
	if err := v.ChangePassword("correcthorse1", "attacker-password"); !errors.Is(err, ErrCooldownActive) {
		t.Fatalf("ChangePassword() during cooldown error = %v, want %v", err, ErrCooldownActive)
	}
	if err := v.ChangePassword("another-guess", "attacker-password"); !errors.Is(err, ErrCooldownActive) {
		t.Fatalf("ChangePassword(wrong old) during cooldown error = %v, want %v", err, ErrCooldownActive)
	}

	// A failed guess through ChangePassword feeds the same ladder.
	clock.Advance(CooldownDuration1 + time.Second)
	if err := v.ChangePassword("another-guess", "attacker-password"); !errors.Is(err, ErrInvalidPassword) {
		t.Fatalf("ChangePassword(wrong old) error = %v, want %v", err, ErrInvalidPassword)
	}
	if d := v.RemainingCooldown(); d != CooldownDuration1 {
		t.Fatalf("RemainingCooldown() after failed rotation = %v, want %v", d, CooldownDuration1)
	}

	// Once the cooldown elapses the rotation succeeds and resets the state.
	clock.Advance(CooldownDuration1 + time.Second)
	if err := v.ChangePassword("correcthorse1", "new-password-1"); err != nil {
		t.Fatalf("ChangePassword() after cooldown error = %v", err)
	}
	if d := v.RemainingCooldown(); d != 0 {
		t.Errorf("RemainingCooldown() = %v after rotation, want 0", d)
	}
	v.Logout()
	if ok, err := v.Login("new-password-1", false); err != nil || !ok {
		t.Fatalf("Login(new) = %v, %v", ok, err)
	}
}

// stubAuthenticator records the challenge it was handed and returns a fixed
// verdict.
type stubAuthenticator struct {
	verdict   bool
	err       error
	challenge []byte
	origin    string
}

func (s *stubAuthenticator) Authenticate(_ context.Context, challenge []byte, origin string) (bool, error) {
	s.challenge = challenge
	s.origin = origin
	return s.verdict, s.err
}

func TestLoginWithBiometrics(t *testing.T) {
	auth := &stubAuthenticator{verdict: true}
	clock := &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	v := newTestVault(t, &Options{Clock: clock.Now, Authenticator: auth, SessionTimeout: 5 * time.Minute})
	if err := v.SetPassword("correcthorse1"); err != nil {
		t.Fatalf("SetPassword() error = %v", err)
	}

	// A locked vault cannot be opened biometrically; there is no cached
	// password to reach the key with.
	if _, err := v.LoginWithBiometrics(context.Background()); !errors.Is(err, ErrNoCachedPassword) {
		t.Fatalf("LoginWithBiometrics() while locked error = %v, want %v", err, ErrNoCachedPassword)
	}

	if ok, err := v.Login("correcthorse1", false); err != nil || !ok {
		t.Fatalf("Login() = %v, %v", ok, err)
	}

	clock.Advance(4 * time.Minute)
	ok, err := v.LoginWithBiometrics(context.Background())
	if err != nil || !ok {
		t.Fatalf("LoginWithBiometrics() = %v, %v", ok, err)
	}
	if len(auth.challenge) != 32 {
		t.Errorf("challenge length = %d, want 32", len(auth.challenge))
	}
	if auth.origin != "otpctl" {
		t.Errorf("origin = %q, want otpctl", auth.origin)
	}

	// The session deadline was extended by the biometric success.
	clock.Advance(4 * time.Minute)
	if !v.IsAuthenticated() {
		t.Error("session expired despite biometric extension")
	}
}

func TestLoginWithBiometricsNoAuthenticator(t *testing.T) {
	v := newTestVault(t, nil)
	if err := v.SetPassword("correcthorse1"); err != nil {
		t.Fatalf("SetPassword() error = %v", err)
	}
	if _, err := v.LoginWithBiometrics(context.Background()); !errors.Is(err, ErrNoAuthenticator) {
		t.Errorf("LoginWithBiometrics() error = %v, want %v", err, ErrNoAuthenticator)
	}
}

// TestVaultLifecycle walks the whole setup flow: set password, save, lock,
// reject a wrong password, unlock, read the secret back intact.
func TestVaultLifecycle(t *testing.T) {
	v := newTestVault(t, nil)

	if err := v.SetPassword("correcthorse1"); err != nil {
		t.Fatalf("SetPassword() error = %v", err)
	}
	if ok, err := v.Login("correcthorse1", false); err != nil || !ok {
		t.Fatalf("Login() = %v, %v", ok, err)
	}

	c := &otp.Credential{AccountName: "GitHub", Secret: "JBSWY3DPEHPK3PXP"}
	if err := v.Save(c); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	v.Logout()
	if ok, err := v.Login("wrong-password", false); ok || err != nil {
		t.Fatalf("Login(wrong) = %v, %v, want false, nil", ok, err)
	}
	if _, err := v.GetAll(); !errors.Is(err, ErrVaultLocked) {
		t.Fatalf("GetAll() while locked error = %v, want %v", err, ErrVaultLocked)
	}

	if ok, err := v.Login("correcthorse1", false); err != nil || !ok {
		t.Fatalf("Login() = %v, %v", ok, err)
	}
	creds, err := v.GetAll()
	if err != nil {
		t.Fatalf("GetAll() error = %v", err)
	}
	if len(creds) != 1 || creds[0].Secret != "JBSWY3DPEHPK3PXP" {
		t.Fatalf("GetAll() = %+v, want the saved credential with its secret intact", creds)
	}
}
