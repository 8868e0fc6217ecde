package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/forest6511/otpctl/internal/config"
	"github.com/forest6511/otpctl/pkg/otp"
	"github.com/forest6511/otpctl/pkg/vault"
)

var (
	flagVaultDir string

	cfg *config.Config
	v   *vault.Vault
)

var rootCmd = &cobra.Command{
	Use:   "otpctl",
	Short: "otpctl is a personal TOTP/HOTP credential vault",
	Long: `A command-line vault for one-time password credentials.

Credentials are imported from otpauth:// URIs or entered manually, stored
encrypted under a master password, and used to generate RFC 6238/4226
codes locally.`,
	SilenceUsage: true,
	// PersistentPreRunE opens the vault for every subcommand. Commands
	// that need cleartext secrets additionally call ensureUnlocked.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(flagVaultDir)
		if err != nil {
			return err
		}
		v, err = vault.Open(cfg.VaultDir, &vault.Options{
			SessionTimeout: time.Duration(cfg.SessionTimeout),
		})
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if v != nil {
			v.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagVaultDir, "vault-dir", "", "Vault directory (default ~/.otpctl)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(passwordCmd)
	rootCmd.AddCommand(auditCmd)

	passwordCmd.AddCommand(passwordChangeCmd)
	auditCmd.AddCommand(auditVerifyCmd)
}

// initCmd sets the master password on a fresh vault.
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Set the master password for the vault",
	RunE: func(cmd *cobra.Command, args []string) error {
		if v.IsPasswordSet() {
			return fmt.Errorf("master password is already set (use 'otpctl password change')")
		}

		password, err := promptNewPassword()
		if err != nil {
			return err
		}
		if err := v.SetPassword(password); err != nil {
			return err
		}

		fmt.Printf("Vault initialized at %s\n", v.Dir())
		return nil
	},
}

// passwordCmd is the parent command for master password operations.
var passwordCmd = &cobra.Command{
	Use:   "password",
	Short: "Master password operations",
}

// passwordChangeCmd rotates the master password.
var passwordChangeCmd = &cobra.Command{
	Use:   "change",
	Short: "Change the master password and re-encrypt all credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !v.IsPasswordSet() {
			return fmt.Errorf("no master password set (use 'otpctl init')")
		}

		fmt.Print("Enter current master password: ")
		oldPassword, err := readPassword()
		if err != nil {
			return err
		}

		newPassword, err := promptNewPassword()
		if err != nil {
			return err
		}

		if err := v.ChangePassword(oldPassword, newPassword); err != nil {
			if errors.Is(err, vault.ErrInvalidPassword) {
				return fmt.Errorf("current password is incorrect")
			}
			return err
		}

		fmt.Println("Master password changed; all credentials re-encrypted")
		return nil
	},
}

// auditCmd is the parent command for audit log operations.
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log operations",
}

// auditVerifyCmd recomputes the audit log HMAC chain.
var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify audit log chain integrity",
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := v.Audit().Verify()
		if err != nil {
			return fmt.Errorf("failed to verify audit log: %w", err)
		}
		if result.Valid {
			fmt.Printf("Audit log verified: %d records, chain intact\n", result.Checked)
			return nil
		}
		fmt.Printf("Audit log verification FAILED at record %d: %s\n", result.BrokenAt, result.Reason)
		return fmt.Errorf("audit log integrity check failed")
	},
}

// ensureUnlocked prompts for the master password when the vault requires
// one and the session is not already authenticated.
func ensureUnlocked() error {
	if !v.IsPasswordSet() || v.IsAuthenticated() {
		return nil
	}

	if remaining := v.RemainingCooldown(); remaining > 0 {
		return fmt.Errorf("too many failed attempts; retry in %s", remaining.Round(time.Second))
	}

	fmt.Print("Enter master password: ")
	password, err := readPassword()
	if err != nil {
		return err
	}

	ok, err := v.Login(password, false)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("invalid master password")
	}
	return nil
}

// readPassword reads a password without echo on a terminal, falling back to
// a line read for piped input.
func readPassword() (string, error) {
	if term.IsTerminal(int(syscall.Stdin)) {
		b, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(b), nil
	}
	return readLine()
}

// promptNewPassword prompts for a new master password twice.
func promptNewPassword() (string, error) {
	fmt.Print("Enter new master password: ")
	first, err := readPassword()
	if err != nil {
		return "", err
	}
	fmt.Print("Confirm new master password: ")
	second, err := readPassword()
	if err != nil {
		return "", err
	}
	if first != second {
		return "", fmt.Errorf("passwords do not match")
	}
	if len(first) < cfg.MinPasswordLength {
		return "", fmt.Errorf("password must be at least %d characters", cfg.MinPasswordLength)
	}
	return first, nil
}

// readLine reads one line from stdin, trimming the trailing newline.
func readLine() (string, error) {
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r"), nil
}

// findCredential resolves an account argument against the vault: exact id,
// exact account name, or issuer-qualified display name.
func findCredential(name string) (*otp.Credential, error) {
	if c, err := v.GetByID(name); err == nil {
		return c, nil
	}
	c, err := v.FindByAccount(name)
	if err != nil {
		if errors.Is(err, vault.ErrCredentialNotFound) {
			return nil, fmt.Errorf("no credential matches %q", name)
		}
		return nil, err
	}
	return c, nil
}
