package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/forest6511/otpctl/internal/mcp"
	"github.com/forest6511/otpctl/pkg/vault"
)

func init() {
	rootCmd.AddCommand(mcpServerCmd)
}

// mcpServerCmd serves vault operations to AI coding assistants over stdio.
var mcpServerCmd = &cobra.Command{
	Use:   "mcp-server",
	Short: "Start the MCP server for AI assistant integration",
	Long: `Start the MCP server that lets AI coding assistants request one-time
codes over the Model Context Protocol (stdio transport).

Available tools:
  - otp_list:      List accounts with public parameters (no secrets)
  - otp_code:      Generate the current code for an account
  - otp_remaining: Seconds the current TOTP code stays valid

Authentication:
  Set OTPCTL_PASSWORD before starting the server. The variable is read
  once and immediately cleared from the environment.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// The MCP server manages its own vault session; release the one
		// the root command opened.
		v.Close()
		v = nil

		server, err := mcp.NewServer(&mcp.ServerOptions{
			VaultDir: cfg.VaultDir,
			Vault:    &vault.Options{SessionTimeout: time.Duration(cfg.SessionTimeout)},
		})
		if err != nil {
			return fmt.Errorf("failed to create MCP server: %w", err)
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigChan
			cancel()
			server.Close()
		}()

		if err := server.Run(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("MCP server error: %w", err)
		}
		return nil
	},
}
