// Package mcp implements the MCP (Model Context Protocol) server for otpctl.
// Connected agents can list accounts and request one-time codes; the base32
// secrets themselves are never exposed through any tool.
package mcp

import (
	"context"
	"fmt"
	"os"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/forest6511/otpctl/pkg/audit"
	"github.com/forest6511/otpctl/pkg/vault"
)

// PasswordEnv is read (and immediately cleared) when no password is passed
// programmatically.
const PasswordEnv = "OTPCTL_PASSWORD"

// Server exposes vault operations over MCP stdio transport.
type Server struct {
	server *mcp.Server
	vault  *vault.Vault
}

// ServerOptions configures the MCP server.
type ServerOptions struct {
	// VaultDir is the vault directory. Required.
	VaultDir string

	// Password unlocks the vault. If empty, PasswordEnv is consulted. A
	// vault that has no password configured needs neither.
	Password string

	// Vault carries vault options through to vault.Open. The audit source
	// is always overridden to MCP; the login itself uses remember-me so a
	// long-running agent is not cut off mid-session.
	Vault *vault.Options
}

// NewServer opens and unlocks the vault, then registers the tools.
func NewServer(opts *ServerOptions) (*Server, error) {
	if opts == nil || opts.VaultDir == "" {
		return nil, fmt.Errorf("mcp: vault directory is required")
	}

	vaultOpts := opts.Vault
	if vaultOpts == nil {
		vaultOpts = &vault.Options{}
	}
	vaultOpts.AuditSource = audit.SourceMCP

	v, err := vault.Open(opts.VaultDir, vaultOpts)
	if err != nil {
		return nil, fmt.Errorf("mcp: failed to open vault: %w", err)
	}

	if v.IsPasswordSet() {
		password := opts.Password
		if password == "" {
			password = os.Getenv(PasswordEnv)
			// Clear immediately so child processes never inherit it.
			os.Unsetenv(PasswordEnv)
		}
		if password == "" {
			v.Close()
			return nil, fmt.Errorf("mcp: no password provided: set %s", PasswordEnv)
		}

		ok, err := v.Login(password, true)
		if err != nil {
			v.Close()
			return nil, fmt.Errorf("mcp: failed to unlock vault: %w", err)
		}
		if !ok {
			v.Close()
			return nil, fmt.Errorf("mcp: invalid master password")
		}
	}

	mcpServer := mcp.NewServer(
		&mcp.Implementation{
			Name:    "otpctl",
			Version: "1.0.0",
		},
		nil,
	)

	s := &Server{
		server: mcpServer,
		vault:  v,
	}
	s.registerTools()
	return s, nil
}

func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "otp_list",
		Description: "List all OTP accounts with their public parameters (issuer, account, type, algorithm, digits, period). Does NOT return secrets or codes.",
	}, s.handleList)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "otp_code",
		Description: "Generate the current one-time code for an account. HOTP counters are advanced and persisted. The underlying secret is never returned.",
	}, s.handleCode)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "otp_remaining",
		Description: "Report how many seconds the current TOTP code for an account remains valid.",
	}, s.handleRemaining)
}

// Run serves MCP over stdio until the context ends; the vault is locked on
// the way out.
func (s *Server) Run(ctx context.Context) error {
	defer s.vault.Logout()
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// Close locks the vault and releases its database.
func (s *Server) Close() error {
	return s.vault.Close()
}
