package backup

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/forest6511/otpctl/pkg/otp"
	"github.com/forest6511/otpctl/pkg/otpauth"
	"github.com/forest6511/otpctl/pkg/vault"
)

// Mode selects how imported credentials meet the existing vault contents.
type Mode int

const (
	// ModeMerge upserts by display name: a matching issuer and account
	// keeps its id and is overwritten, everything else is added.
	ModeMerge Mode = iota

	// ModeReplace clears the vault before importing.
	ModeReplace
)

// ErrNoCredentials is returned when an import source contains nothing usable.
var ErrNoCredentials = errors.New("backup: no credentials found")

// ExportJSON renders the decrypted credential set as an indented JSON
// array. The output contains cleartext secrets; protecting the file is the
// caller's concern.
func ExportJSON(creds []*otp.Credential) ([]byte, error) {
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("backup: failed to marshal credentials: %w", err)
	}
	return data, nil
}

// ImportJSON parses a JSON credential array, validating each entry.
func ImportJSON(data []byte) ([]*otp.Credential, error) {
	var creds []*otp.Credential
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("backup: failed to parse JSON: %w", err)
	}
	for i, c := range creds {
		if c.AccountName == "" {
			return nil, fmt.Errorf("backup: entry %d: %w", i, vault.ErrEmptyAccountName)
		}
		if c.Secret == "" {
			return nil, fmt.Errorf("backup: entry %d: %w", i, vault.ErrEmptySecret)
		}
		c.ApplyDefaults()
	}
	if len(creds) == 0 {
		return nil, ErrNoCredentials
	}
	return creds, nil
}

// ImportURIs reads one otpauth URI per line, skipping blank lines and
// comments. A malformed line fails the whole import with its line number so
// the caller never silently loses an account.
func ImportURIs(r io.Reader) ([]*otp.Credential, error) {
	var creds []*otp.Credential

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		u, err := otpauth.Parse(line)
		if err != nil {
			return nil, fmt.Errorf("backup: line %d: %w", lineNo, err)
		}
		creds = append(creds, otp.FromURI(u))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("backup: failed to read input: %w", err)
	}
	if len(creds) == 0 {
		return nil, ErrNoCredentials
	}
	return creds, nil
}

// ExportURIs renders credentials as one otpauth URI per line.
func ExportURIs(creds []*otp.Credential) string {
	var b strings.Builder
	for _, c := range creds {
		b.WriteString(otpauth.Format(c.URI()))
		b.WriteByte('\n')
	}
	return b.String()
}

// Apply writes imported credentials into the vault under the given mode and
// returns how many were stored.
func Apply(v *vault.Vault, creds []*otp.Credential, mode Mode) (int, error) {
	switch mode {
	case ModeReplace:
		if err := v.Clear(); err != nil {
			return 0, err
		}
	case ModeMerge:
		existing, err := v.GetAll()
		if err != nil {
			return 0, err
		}
		byName := make(map[string]string, len(existing))
		for _, c := range existing {
			byName[c.DisplayName()] = c.ID
		}
		for _, c := range creds {
			if id, ok := byName[c.DisplayName()]; ok {
				c.ID = id
			}
		}
	default:
		return 0, fmt.Errorf("backup: unknown import mode %d", mode)
	}

	if err := v.SaveAll(creds); err != nil {
		return 0, err
	}
	return len(creds), nil
}
