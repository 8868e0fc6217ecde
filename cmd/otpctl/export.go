package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/forest6511/otpctl/pkg/audit"
	"github.com/forest6511/otpctl/pkg/backup"
	"github.com/forest6511/otpctl/pkg/otp"
	"github.com/forest6511/otpctl/pkg/otpauth"
)

var (
	exportFormat string
	exportOutput string

	importFormat string
	importMode   string
)

func init() {
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)

	exportCmd.Flags().StringVar(&exportFormat, "format", "json", "Output format: json, uri or qr")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file, or directory for qr (default: stdout)")

	importCmd.Flags().StringVar(&importFormat, "format", "json", "Input format: json or uri")
	importCmd.Flags().StringVar(&importMode, "mode", "merge", "Conflict mode: merge or replace")
}

// exportCmd writes the decrypted credential set as JSON, otpauth URIs or QR
// code images. All three carry cleartext secrets.
var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export credentials as JSON, otpauth URIs or QR codes",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(); err != nil {
			return err
		}

		creds, err := v.GetAll()
		if err != nil {
			return fmt.Errorf("failed to read credentials: %w", err)
		}
		if len(creds) == 0 {
			return fmt.Errorf("nothing to export")
		}

		switch exportFormat {
		case "json":
			data, err := backup.ExportJSON(creds)
			if err != nil {
				return err
			}
			if err := writeOutput(append(data, '\n')); err != nil {
				return err
			}
		case "uri":
			if err := writeOutput([]byte(backup.ExportURIs(creds))); err != nil {
				return err
			}
		case "qr":
			dir := exportOutput
			if dir == "" {
				return fmt.Errorf("--output directory is required for qr export")
			}
			if err := os.MkdirAll(dir, 0700); err != nil {
				return fmt.Errorf("failed to create output directory: %w", err)
			}
			for _, c := range creds {
				path := filepath.Join(dir, qrFileName(c.DisplayName()))
				uri := otpauth.Format(c.URI())
				if err := qrcode.WriteFile(uri, qrcode.Medium, 256, path); err != nil {
					return fmt.Errorf("failed to write QR code for %s: %w", c.DisplayName(), err)
				}
				fmt.Printf("Wrote %s\n", path)
			}
		default:
			return fmt.Errorf("invalid format %q (use json, uri or qr)", exportFormat)
		}

		_ = v.Audit().LogSuccess(audit.OpExport, "")
		fmt.Fprintf(os.Stderr, "Warning: exported data contains cleartext secrets; protect the output\n")
		return nil
	},
}

// importCmd reads credentials from a JSON export or an otpauth URI list.
var importCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Import credentials from a JSON export or otpauth URI list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(); err != nil {
			return err
		}

		mode, err := parseMode(importMode)
		if err != nil {
			return err
		}

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read input file: %w", err)
		}

		var parsed []*otp.Credential
		switch importFormat {
		case "json":
			parsed, err = backup.ImportJSON(data)
		case "uri":
			parsed, err = backup.ImportURIs(bytes.NewReader(data))
		default:
			return fmt.Errorf("invalid format %q (use json or uri)", importFormat)
		}
		if err != nil {
			return err
		}

		imported, err := backup.Apply(v, parsed, mode)
		if err != nil {
			return err
		}

		_ = v.Audit().LogSuccess(audit.OpImport, "")
		fmt.Printf("Imported %d credentials\n", imported)
		return nil
	},
}

func parseMode(s string) (backup.Mode, error) {
	switch s {
	case "merge":
		return backup.ModeMerge, nil
	case "replace":
		return backup.ModeReplace, nil
	default:
		return 0, fmt.Errorf("invalid mode %q (use merge or replace)", s)
	}
}

func writeOutput(data []byte) error {
	if exportOutput == "" {
		_, err := os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(exportOutput, data, 0600); err != nil {
		return fmt.Errorf("failed to write output file: %w", err)
	}
	fmt.Printf("Wrote %s\n", exportOutput)
	return nil
}

// qrFileName turns a display name into a safe file name.
func qrFileName(name string) string {
	replacer := strings.NewReplacer("/", "_", ":", "_", " ", "_")
	return replacer.Replace(name) + ".png"
}
