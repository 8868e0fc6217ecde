package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/forest6511/otpctl/pkg/audit"
	"github.com/forest6511/otpctl/pkg/otp"
	"github.com/forest6511/otpctl/pkg/otpauth"
)

// ListInput is the input for the otp_list tool.
type ListInput struct {
	Issuer string `json:"issuer,omitempty"`
}

// ListOutput is the output for the otp_list tool.
type ListOutput struct {
	Accounts []AccountInfo `json:"accounts"`
}

// AccountInfo is the public view of one credential. It never carries the
// secret.
type AccountInfo struct {
	ID          string `json:"id"`
	AccountName string `json:"account_name"`
	Issuer      string `json:"issuer,omitempty"`
	Type        string `json:"type"`
	Algorithm   string `json:"algorithm"`
	Digits      int    `json:"digits"`
	Period      int    `json:"period,omitempty"`
}

// CodeInput is the input for the otp_code tool.
type CodeInput struct {
	// Account is the account name or issuer-qualified display name. ID is
	// an alternative when names are ambiguous.
	Account string `json:"account,omitempty"`
	ID      string `json:"id,omitempty"`
}

// CodeOutput is the output for the otp_code tool.
type CodeOutput struct {
	Code             string `json:"code"`
	AccountName      string `json:"account_name"`
	Issuer           string `json:"issuer,omitempty"`
	Type             string `json:"type"`
	RemainingSeconds int    `json:"remaining_seconds,omitempty"`
}

// RemainingInput is the input for the otp_remaining tool.
type RemainingInput struct {
	Account string `json:"account,omitempty"`
	ID      string `json:"id,omitempty"`
}

// RemainingOutput is the output for the otp_remaining tool.
type RemainingOutput struct {
	AccountName      string `json:"account_name"`
	Period           int    `json:"period"`
	RemainingSeconds int    `json:"remaining_seconds"`
}

func (s *Server) handleList(_ context.Context, _ *mcp.CallToolRequest, input ListInput) (*mcp.CallToolResult, ListOutput, error) {
	creds, err := s.vault.ListPublic()
	if err != nil {
		return nil, ListOutput{}, fmt.Errorf("failed to list accounts: %w", err)
	}

	output := ListOutput{Accounts: make([]AccountInfo, 0, len(creds))}
	for _, c := range creds {
		if input.Issuer != "" && c.Issuer != input.Issuer {
			continue
		}
		info := AccountInfo{
			ID:          c.ID,
			AccountName: c.AccountName,
			Issuer:      c.Issuer,
			Type:        string(c.Type),
			Algorithm:   string(c.Algorithm),
			Digits:      c.Digits,
		}
		if c.Type == otpauth.TypeTOTP {
			info.Period = c.Period
		}
		output.Accounts = append(output.Accounts, info)
	}
	return nil, output, nil
}

// lookup resolves a credential by id or account name.
func (s *Server) lookup(id, account string) (*otp.Credential, error) {
	switch {
	case id != "":
		return s.vault.GetByID(id)
	case account != "":
		return s.vault.FindByAccount(account)
	default:
		return nil, fmt.Errorf("account or id is required")
	}
}

func (s *Server) handleCode(_ context.Context, _ *mcp.CallToolRequest, input CodeInput) (*mcp.CallToolResult, CodeOutput, error) {
	c, err := s.lookup(input.ID, input.Account)
	if err != nil {
		return nil, CodeOutput{}, fmt.Errorf("failed to find account: %w", err)
	}

	now := time.Now()
	code, err := otp.Generate(c, now)
	if err != nil {
		return nil, CodeOutput{}, fmt.Errorf("failed to generate code: %w", err)
	}

	output := CodeOutput{
		Code:        code,
		AccountName: c.AccountName,
		Issuer:      c.Issuer,
		Type:        string(c.Type),
	}

	switch c.Type {
	case otpauth.TypeHOTP:
		// The counter moves forward on every generation so codes are
		// single-use even across processes.
		if err := s.vault.AdvanceCounter(c.ID, c.Counter+1); err != nil {
			return nil, CodeOutput{}, fmt.Errorf("failed to advance counter: %w", err)
		}
	default:
		output.RemainingSeconds = otp.RemainingSeconds(c.Period, now)
	}

	_ = s.vault.Audit().LogSuccess(audit.OpCodeGenerate, c.AccountName)
	return nil, output, nil
}

func (s *Server) handleRemaining(_ context.Context, _ *mcp.CallToolRequest, input RemainingInput) (*mcp.CallToolResult, RemainingOutput, error) {
	c, err := s.lookup(input.ID, input.Account)
	if err != nil {
		return nil, RemainingOutput{}, fmt.Errorf("failed to find account: %w", err)
	}
	if c.Type != otpauth.TypeTOTP {
		return nil, RemainingOutput{}, fmt.Errorf("account %q is not time-based", c.AccountName)
	}

	return nil, RemainingOutput{
		AccountName:      c.AccountName,
		Period:           c.Period,
		RemainingSeconds: otp.RemainingSeconds(c.Period, time.Now()),
	}, nil
}
