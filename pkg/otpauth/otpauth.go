// Package otpauth parses and formats otpauth:// provisioning URIs, the
// de-facto standard format used by QR codes and enrollment links:
//
//	otpauth://{totp|hotp}/{label}?secret=...&issuer=...&algorithm=...
//
// The format follows the Key Uri Format specification:
// https://github.com/google/google-authenticator/wiki/Key-Uri-Format
package otpauth

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Scheme is the URI scheme handled by this package.
const Scheme = "otpauth"

// Type identifies the OTP flavor encoded in the URI authority segment.
type Type string

const (
	TypeTOTP Type = "totp"
	TypeHOTP Type = "hotp"
)

// Parse errors. All are wrapped with context where useful; match with
// errors.Is.
var (
	ErrInvalidScheme  = errors.New("otpauth: uri does not use the otpauth scheme")
	ErrInvalidType    = errors.New("otpauth: type must be totp or hotp")
	ErrEmptyLabel     = errors.New("otpauth: label is empty")
	ErrEmptyAccount   = errors.New("otpauth: account name is empty")
	ErrMissingSecret  = errors.New("otpauth: secret parameter is missing")
	ErrMissingCounter = errors.New("otpauth: hotp uri requires a counter parameter")
)

// URI is the transient parse result of an otpauth:// string. It exists only
// during import and QR ingestion; callers convert it into a credential and
// discard it.
type URI struct {
	Type Type

	// Account is the user-facing account name from the label.
	Account string

	// LabelIssuer is the issuer prefix taken from the label, reported
	// separately for display even when the issuer parameter overrides it.
	LabelIssuer string

	// Issuer is the effective issuer: the issuer query parameter when
	// present, the label prefix otherwise.
	Issuer string

	// Secret is the base32-encoded key material, verbatim.
	Secret string

	// Algorithm is upper-cased. Unrecognized values are preserved as
	// provided rather than rejected, for forward compatibility.
	Algorithm string

	// Digits, Period and Counter are zero-valued when the parameter was
	// absent or failed validation. HasCounter distinguishes a parsed
	// counter of 0 from an absent one.
	Digits     int
	Period     int
	Counter    int64
	HasCounter bool

	// Extra preserves unrecognized query parameters verbatim.
	Extra map[string]string
}

// Parse validates and decodes an otpauth:// URI.
//
// Numeric parameters that are non-numeric or out of range (digits<=0,
// period<=0, counter<0) are dropped rather than failing the whole parse;
// the caller applies defaults. A missing secret, or a missing counter for
// hotp, fails the parse.
func Parse(raw string) (*URI, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(strings.ToLower(raw), Scheme+"://") {
		return nil, ErrInvalidScheme
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("otpauth: malformed uri: %w", err)
	}

	typ := Type(strings.ToLower(u.Host))
	if typ != TypeTOTP && typ != TypeHOTP {
		return nil, fmt.Errorf("%w: got %q", ErrInvalidType, u.Host)
	}

	out := &URI{Type: typ}

	label := strings.TrimPrefix(u.Path, "/")
	// Some encoders double-escape the label separator; if decoding left a
	// literal %3A behind, decode once more.
	if strings.Contains(label, "%3A") || strings.Contains(label, "%3a") {
		if dec, err := url.PathUnescape(label); err == nil {
			label = dec
		}
	}
	label = norm.NFC.String(label)
	if label == "" {
		return nil, ErrEmptyLabel
	}

	// The first colon splits issuer (left) from account (right). A colon at
	// position 0 or at the last character, or no colon at all, means the
	// whole label is the account.
	if idx := strings.Index(label, ":"); idx > 0 && idx < len(label)-1 {
		out.LabelIssuer = strings.TrimSpace(label[:idx])
		out.Account = strings.TrimSpace(label[idx+1:])
	} else {
		out.Account = strings.TrimSpace(label)
	}
	if out.Account == "" {
		return nil, ErrEmptyAccount
	}

	var issuerParam string
	for key, values := range u.Query() {
		if len(values) == 0 {
			continue
		}
		value := values[0]
		switch strings.ToLower(key) {
		case "secret":
			out.Secret = strings.TrimSpace(value)
		case "issuer":
			issuerParam = norm.NFC.String(strings.TrimSpace(value))
		case "algorithm":
			out.Algorithm = strings.ToUpper(strings.TrimSpace(value))
		case "digits":
			if n, err := strconv.Atoi(value); err == nil && n > 0 {
				out.Digits = n
			}
		case "period":
			if n, err := strconv.Atoi(value); err == nil && n > 0 {
				out.Period = n
			}
		case "counter":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil && n >= 0 {
				out.Counter = n
				out.HasCounter = true
			}
		default:
			if out.Extra == nil {
				out.Extra = make(map[string]string)
			}
			out.Extra[key] = value
		}
	}

	if out.Secret == "" {
		return nil, ErrMissingSecret
	}
	if out.Type == TypeHOTP && !out.HasCounter {
		return nil, ErrMissingCounter
	}

	// The issuer parameter wins over the label-derived issuer.
	if issuerParam != "" {
		out.Issuer = issuerParam
	} else {
		out.Issuer = out.LabelIssuer
	}

	return out, nil
}

// Format renders the URI back into its otpauth:// string form, suitable for
// export or QR regeneration. Parse(Format(u)) preserves the type, secret,
// digits, period, algorithm and effective issuer/account; label formatting
// details may differ from the original input.
func Format(u *URI) string {
	label := url.PathEscape(u.Account)
	if u.Issuer != "" {
		label = url.PathEscape(u.Issuer) + ":" + label
	}

	query := url.Values{}
	query.Set("secret", u.Secret)
	if u.Issuer != "" {
		query.Set("issuer", u.Issuer)
	}
	if u.Algorithm != "" {
		query.Set("algorithm", u.Algorithm)
	}
	if u.Digits > 0 {
		query.Set("digits", strconv.Itoa(u.Digits))
	}
	if u.Type == TypeTOTP && u.Period > 0 {
		query.Set("period", strconv.Itoa(u.Period))
	}
	if u.Type == TypeHOTP {
		query.Set("counter", strconv.FormatInt(u.Counter, 10))
	}
	for key, value := range u.Extra {
		query.Set(key, value)
	}

	return fmt.Sprintf("%s://%s/%s?%s", Scheme, u.Type, label, query.Encode())
}
