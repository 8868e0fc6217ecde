package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/forest6511/otpctl/pkg/otpauth"
)

func init() {
	rootCmd.AddCommand(listCmd)
}

// listCmd shows accounts from public fields only; no unlock is needed and
// no secret is ever read.
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := v.ListPublic()
		if err != nil {
			return fmt.Errorf("failed to list credentials: %w", err)
		}
		if len(creds) == 0 {
			fmt.Println("No credentials stored")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ACCOUNT\tTYPE\tALGORITHM\tDIGITS\tPARAMS\tID")
		for _, c := range creds {
			params := fmt.Sprintf("period=%ds", c.Period)
			if c.Type == otpauth.TypeHOTP {
				params = fmt.Sprintf("counter=%d", c.Counter)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				c.DisplayName(), strings.ToUpper(string(c.Type)), c.Algorithm, c.Digits, params, c.ID)
		}
		return w.Flush()
	},
}
