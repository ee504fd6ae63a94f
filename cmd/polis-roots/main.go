// Package main is the entry point for the polis-roots binary.
// It validates client-declared roots and resolves the output directory.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-roots/pkg/config"
	"github.com/polisai/polis-roots/pkg/domain"
	"github.com/polisai/polis-roots/pkg/logging"
)

const defaultLogLevel = "info"

// errRejected makes the process exit non-zero when a directory is refused.
var errRejected = errors.New("directory rejected")

// CLIConfig holds the parsed global flags.
type CLIConfig struct {
	Config      string
	LogLevel    string
	Policy      string
	ExplicitDir string
	Pretty      bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for polis-roots
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "polis-roots",
		Short: "Roots security validation and output directory resolution",
		Long: `polis-roots validates directories declared by MCP clients against a
security policy and resolves the directory QR images are written to.

Precedence: explicit > roots > environment (QR_DIRECTORY) > default.

Example:
  polis-roots validate ./qrimages
  polis-roots roots notification.json
  polis-roots serve --config roots.yaml`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("policy", "", "Security policy (strict, standard, permissive)")
	rootCmd.PersistentFlags().String("explicit-dir", "", "Explicit output directory, overrides every other source")
	rootCmd.PersistentFlags().Bool("pretty", false, "Human readable log output")

	rootCmd.AddCommand(newValidateCmd(), newRootsCmd(), newResolveCmd(), newServeCmd())
	return rootCmd
}

// parseCLIConfig reads the global flags
func parseCLIConfig(cmd *cobra.Command) (*CLIConfig, error) {
	flags := cmd.Flags()

	configPath, err := flags.GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	logLevel, err := flags.GetString("log-level")
	if err != nil {
		return nil, fmt.Errorf("failed to get log-level flag: %w", err)
	}
	policy, err := flags.GetString("policy")
	if err != nil {
		return nil, fmt.Errorf("failed to get policy flag: %w", err)
	}
	explicit, err := flags.GetString("explicit-dir")
	if err != nil {
		return nil, fmt.Errorf("failed to get explicit-dir flag: %w", err)
	}
	pretty, err := flags.GetBool("pretty")
	if err != nil {
		return nil, fmt.Errorf("failed to get pretty flag: %w", err)
	}

	return &CLIConfig{
		Config:      configPath,
		LogLevel:    logLevel,
		Policy:      policy,
		ExplicitDir: explicit,
		Pretty:      pretty,
	}, nil
}

// buildConfig loads the file configuration and applies flag overrides.
func buildConfig(cli *CLIConfig) (*config.Config, error) {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, err
	}

	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}
	if cli.Pretty {
		cfg.Logging.Pretty = true
	}
	if cli.Policy != "" {
		kind, err := domain.ParsePolicyKind(cli.Policy)
		if err != nil {
			return nil, &domain.ConfigurationError{Field: "policy", Value: cli.Policy, Message: err.Error()}
		}
		cfg.Security.Policy = kind
	}
	if cli.ExplicitDir != "" {
		cfg.Directory.Explicit = cli.ExplicitDir
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	level := cfg.Logging.Level
	if level == "" {
		level = defaultLogLevel
	}
	return logging.NewLogger(logging.Config{Level: level, Pretty: cfg.Logging.Pretty, Output: w})
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate DIRECTORY...",
		Short: "Check directories against the active policy without changing configuration",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			results := make([]domain.RootsValidationResult, 0, len(args))
			rejected := 0
			for _, dir := range args {
				result := a.manager.ValidateDirectory(cmd.Context(), dir)
				if !result.Valid {
					rejected++
				}
				results = append(results, result)
			}
			if err := writeJSON(cmd.OutOrStdout(), results); err != nil {
				return err
			}
			if rejected > 0 {
				return fmt.Errorf("%d of %d: %w", rejected, len(args), errRejected)
			}
			return nil
		},
	}
}

func newRootsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "roots [FILE]",
		Short: "Apply a roots notification (YAML or JSON, '-' or no file for stdin)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "-"
			if len(args) == 1 {
				path = args[0]
			}
			n, err := readNotification(cmd.InOrStdin(), path)
			if err != nil {
				return err
			}

			ensure, err := cmd.Flags().GetBool("ensure")
			if err != nil {
				return fmt.Errorf("failed to get ensure flag: %w", err)
			}

			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			agg := a.manager.HandleRootsChanged(cmd.Context(), n)
			if agg.Adopted && ensure {
				if ok, result := a.manager.EnsureDirectoryWithSecurityCheck(cmd.Context(), agg.NormalizedPath); !ok {
					agg.RootsValidationResult = result
				}
			}

			out := struct {
				Result domain.AggregateRootsResult `json:"result"`
				Status domain.ConfigurationStatus  `json:"status"`
			}{Result: agg, Status: a.manager.CurrentRoots()}
			if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
				return err
			}
			if !agg.Valid {
				return fmt.Errorf("%s: %w", agg.Reason, errRejected)
			}
			return nil
		},
	}
	cmd.Flags().Bool("ensure", false, "Create the adopted directory if it does not exist")
	return cmd
}

func newResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve",
		Short: "Print the resolved output directory and its status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			info, err := a.provider.DirectoryInfo(cmd.Context())
			if err != nil {
				return err
			}
			kind, _ := a.provider.Policy()
			return writeJSON(cmd.OutOrStdout(), struct {
				Status             domain.ConfigurationStatus `json:"status"`
				Directory          domain.DirectoryInfo       `json:"directory"`
				Policy             domain.SecurityPolicyKind  `json:"policy"`
				AllowedDirectories []string                   `json:"allowed_directories"`
			}{
				Status:             a.provider.Status(),
				Directory:          info,
				Policy:             kind,
				AllowedDirectories: a.provider.AllowedDirectories(),
			})
		},
	}
}

// readNotification decodes a notification. YAML is a superset of JSON so a
// single decoder accepts both.
func readNotification(stdin io.Reader, path string) (domain.RootsNotification, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		//nolint:gosec // operator supplied path
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return domain.RootsNotification{}, fmt.Errorf("failed to read notification: %w", err)
	}

	var n domain.RootsNotification
	if err := yaml.Unmarshal(data, &n); err != nil {
		return domain.RootsNotification{}, fmt.Errorf("failed to parse notification: %w", err)
	}
	for i, root := range n.Roots {
		n.Roots[i] = strings.TrimSpace(root)
	}
	return n, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
