package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"trustcore/internal/domain"
)

var (
	version = "dev"
	commit  = "none"
)

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCmd()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		output, _ := rootCmd.PersistentFlags().GetString("output")
		if output == "json" {
			errObj := map[string]any{"error": err.Error()}
			if code := domain.ErrorCodeOf(err); code != domain.CodeUnknown {
				errObj["code"] = code
			}
			_ = printJSON(os.Stdout, errObj)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		output     string
	)

	rootCmd := &cobra.Command{
		Use:           "trustcore",
		Short:         "Identity trust and compliance core",
		Long:          "Operate API credentials, two-factor enrollment, the audit ledger and data-subject workflows.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("config") {
				if v := os.Getenv("TRUSTCORE_CONFIG"); v != "" {
					configPath = v
				}
			}
			return validateOutputFormat(output)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "trustcore.yaml", "Path to the config file")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "Output format (table, json)")

	// Operations
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newRotateCmd())
	rootCmd.AddCommand(newSweepCmd())
	rootCmd.AddCommand(newReportCmd())
	rootCmd.AddCommand(newLegalCmd())

	// Administration
	rootCmd.AddCommand(newIdentityCmd())
	rootCmd.AddCommand(newKeyCmd())
	rootCmd.AddCommand(newSubjectCmd())
	rootCmd.AddCommand(newTwoFactorCmd())

	rootCmd.AddCommand(newKeygenCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// withApp wires the services from the --config file, runs fn and releases
// everything afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, path)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// getOutputFormat returns the effective output format from the root command's persistent flags.
func getOutputFormat(cmd *cobra.Command) string {
	v, _ := cmd.Root().PersistentFlags().GetString("output")
	return v
}

func validateOutputFormat(output string) error {
	if output != "" && output != "table" && output != "json" {
		return fmt.Errorf("unsupported output format %q: use 'table' or 'json'", output)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// render prints v as JSON when -o json is set and otherwise calls table.
func render(cmd *cobra.Command, v any, table func(w io.Writer) error) error {
	if getOutputFormat(cmd) == "json" {
		return printJSON(cmd.OutOrStdout(), v)
	}
	return table(cmd.OutOrStdout())
}

var errMissingFlag = errors.New("missing required flag")

func requireFlag(name, value string) error {
	if value == "" {
		return fmt.Errorf("%w --%s", errMissingFlag, name)
	}
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return render(cmd, map[string]string{"version": version, "commit": commit}, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "trustcore version %s (commit: %s)\n", version, commit)
				return err
			})
		},
	}
}
