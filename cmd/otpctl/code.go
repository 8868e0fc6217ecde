package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/forest6511/otpctl/pkg/audit"
	"github.com/forest6511/otpctl/pkg/otp"
	"github.com/forest6511/otpctl/pkg/otpauth"
)

var (
	codeWatch bool
	codePlain bool
)

func init() {
	rootCmd.AddCommand(codeCmd)

	codeCmd.Flags().BoolVarP(&codeWatch, "watch", "w", false, "Keep printing fresh codes until interrupted (TOTP only)")
	codeCmd.Flags().BoolVar(&codePlain, "plain", false, "Print the bare code without prefix/postfix decoration")
}

// codeCmd generates the current one-time code for an account.
var codeCmd = &cobra.Command{
	Use:   "code [account]",
	Short: "Generate the current one-time code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(); err != nil {
			return err
		}

		c, err := findCredential(args[0])
		if err != nil {
			return err
		}

		if c.Type == otpauth.TypeHOTP {
			return printHOTP(c)
		}
		if codeWatch {
			return watchTOTP(c)
		}
		return printTOTP(c)
	},
}

func render(c *otp.Credential, code string) string {
	if codePlain {
		return code
	}
	return otp.Decorate(c, code)
}

func printTOTP(c *otp.Credential) error {
	now := time.Now()
	code, err := otp.Generate(c, now)
	if err != nil {
		return fmt.Errorf("failed to generate code: %w", err)
	}
	_ = v.Audit().LogSuccess(audit.OpCodeGenerate, c.AccountName)

	fmt.Printf("%s (valid for %ds)\n", render(c, code), otp.RemainingSeconds(c.Period, now))
	return nil
}

func printHOTP(c *otp.Credential) error {
	code, err := otp.Generate(c, time.Time{})
	if err != nil {
		return fmt.Errorf("failed to generate code: %w", err)
	}
	// Persist the advance before showing the code so an interrupted run
	// can never hand out the same counter twice.
	if err := v.AdvanceCounter(c.ID, c.Counter+1); err != nil {
		return fmt.Errorf("failed to advance counter: %w", err)
	}
	_ = v.Audit().LogSuccess(audit.OpCodeGenerate, c.AccountName)

	fmt.Printf("%s (counter %d)\n", render(c, code), c.Counter)
	return nil
}

// watchTOTP reprints the code every second until interrupted.
func watchTOTP(c *otp.Credential) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	_ = v.Audit().LogSuccess(audit.OpCodeGenerate, c.AccountName)

	for {
		now := time.Now()
		code, err := otp.Generate(c, now)
		if err != nil {
			return fmt.Errorf("failed to generate code: %w", err)
		}
		fmt.Printf("\r%s (valid for %2ds) ", render(c, code), otp.RemainingSeconds(c.Period, now))

		select {
		case <-sigChan:
			fmt.Println()
			return nil
		case <-ticker.C:
		}
	}
}
