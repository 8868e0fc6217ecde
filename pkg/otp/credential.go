package otp

import (
	"github.com/google/uuid"

	"github.com/forest6511/otpctl/pkg/otpauth"
)

// Algorithm is the HMAC hash used for code generation.
type Algorithm string

const (
	AlgorithmSHA1   Algorithm = "SHA1"
	AlgorithmSHA256 Algorithm = "SHA256"
	AlgorithmSHA512 Algorithm = "SHA512"
)

// RFC 6238 standard defaults applied when a provisioning URI omits them.
const (
	DefaultDigits    = 6
	DefaultPeriod    = 30
	DefaultAlgorithm = AlgorithmSHA1
)

// Credential is the canonical, decrypted representation of one OTP account.
// The Secret field is sensitive: it must never be logged and is stored
// encrypted whenever a vault password is active.
type Credential struct {
	ID          string         `json:"id"`
	AccountName string         `json:"accountName"`
	Issuer      string         `json:"issuer,omitempty"`
	LabelIssuer string         `json:"labelIssuer,omitempty"`
	Secret      string         `json:"secret"`
	Type        otpauth.Type   `json:"type"`
	Algorithm   Algorithm      `json:"algorithm"`
	Digits      int            `json:"digits"`
	Period      int            `json:"period"`
	Counter     int64          `json:"counter"`

	// Prefix and Postfix are decorative strings wrapped around the numeric
	// code for display. They carry no cryptographic meaning and never feed
	// into validation.
	Prefix  string `json:"prefix,omitempty"`
	Postfix string `json:"postfix,omitempty"`
}

// FromURI converts a parsed otpauth URI into a credential, assigning a fresh
// id and applying RFC defaults to omitted parameters.
func FromURI(u *otpauth.URI) *Credential {
	c := &Credential{
		ID:          uuid.NewString(),
		AccountName: u.Account,
		Issuer:      u.Issuer,
		LabelIssuer: u.LabelIssuer,
		Secret:      u.Secret,
		Type:        u.Type,
		Algorithm:   Algorithm(u.Algorithm),
		Digits:      u.Digits,
		Period:      u.Period,
		Counter:     u.Counter,
	}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills zero-valued digits, period and algorithm with the RFC
// standard values. It never touches fields that are already set.
func (c *Credential) ApplyDefaults() {
	if c.Algorithm == "" {
		c.Algorithm = DefaultAlgorithm
	}
	if c.Digits == 0 {
		c.Digits = DefaultDigits
	}
	if c.Period == 0 {
		c.Period = DefaultPeriod
	}
}

// URI converts the credential back into its otpauth representation for
// export and QR regeneration.
func (c *Credential) URI() *otpauth.URI {
	u := &otpauth.URI{
		Type:        c.Type,
		Account:     c.AccountName,
		LabelIssuer: c.LabelIssuer,
		Issuer:      c.Issuer,
		Secret:      c.Secret,
		Algorithm:   string(c.Algorithm),
		Digits:      c.Digits,
		Period:      c.Period,
	}
	if c.Type == otpauth.TypeHOTP {
		u.Counter = c.Counter
		u.HasCounter = true
	}
	return u
}

// NonStandardDigits reports whether the digit count falls outside the
// conventional {6, 8}. Such credentials still generate correctly but are
// flagged so a UI can warn about authenticator compatibility.
func (c *Credential) NonStandardDigits() bool {
	return c.Digits != 6 && c.Digits != 8
}

// DisplayName is the issuer-qualified label used in listings.
func (c *Credential) DisplayName() string {
	if c.Issuer != "" {
		return c.Issuer + ":" + c.AccountName
	}
	return c.AccountName
}
