package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var removeForce bool

func init() {
	rootCmd.AddCommand(removeCmd)

	removeCmd.Flags().BoolVarP(&removeForce, "force", "f", false, "Skip the confirmation prompt")
}

// removeCmd deletes a credential. The lookup works on public fields so no
// unlock is needed to remove an account.
var removeCmd = &cobra.Command{
	Use:   "remove [account]",
	Short: "Remove a credential from the vault",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]

		creds, err := v.ListPublic()
		if err != nil {
			return fmt.Errorf("failed to list credentials: %w", err)
		}

		var id, display string
		for _, c := range creds {
			if c.ID == name || c.AccountName == name || c.DisplayName() == name {
				id, display = c.ID, c.DisplayName()
				break
			}
		}
		if id == "" {
			return fmt.Errorf("no credential matches %q", name)
		}

		if !removeForce {
			fmt.Printf("Remove %s? The secret cannot be recovered. [y/N]: ", display)
			answer, err := readLine()
			if err != nil {
				return err
			}
			if !strings.EqualFold(answer, "y") {
				fmt.Println("Aborted")
				return nil
			}
		}

		if err := v.Remove(id); err != nil {
			return fmt.Errorf("failed to remove credential: %w", err)
		}
		fmt.Printf("Removed %s\n", display)
		return nil
	},
}
