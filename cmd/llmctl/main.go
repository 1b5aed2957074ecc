// llmctl is the headless engine CLI: schema migration, skill package
// export/import, MCP config rendering, and the provider guardrail check.
//
// Exit codes: 0 success, 1 validation or domain errors, 2 when the
// compatibility gate or the guardrail blocks the operation.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"llmctl/internal/config"
	"llmctl/internal/errors"
	"llmctl/internal/mcpconfig"
	"llmctl/internal/provider"
	"llmctl/internal/skillpkg"
	"llmctl/internal/store"
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error to the CLI contract: compatibility and guardrail
// blocks exit 2, everything else 1.
func exitCode(err error) int {
	switch errors.CodeOf(err) {
	case errors.CodeCompatibilityBlocked:
		return 2
	}
	var blocked *guardrailBlocked
	if errors.As(err, &blocked) {
		return 2
	}
	return 1
}

type guardrailBlocked struct {
	violations []provider.Violation
}

func (g *guardrailBlocked) Error() string {
	return fmt.Sprintf("guardrail check failed: %d forbidden binary reference(s)", len(g.violations))
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "llmctl",
		Short:         "Flowchart execution engine control tool",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("config", "", "Config file path")
	_ = viper.BindPFlag("config", root.PersistentFlags().Lookup("config"))
	viper.SetEnvPrefix("LLMCTL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	root.AddCommand(newServeCommand())
	root.AddCommand(newMigrateCommand())
	root.AddCommand(newExportSkillCommand())
	root.AddCommand(newImportSkillCommand())
	root.AddCommand(newPrintMCPCommand())
	root.AddCommand(newGuardrailCommand())
	return root
}

// openStore connects the Postgres store using the loaded config.
func openStore(ctx context.Context) (*store.PGStore, error) {
	var opts []config.Option
	if path := viper.GetString("config"); path != "" {
		opts = append(opts, config.WithPath(path))
	}
	cfg, err := config.Load(opts...)
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New(errors.CodeValidation, "database_url is not configured")
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return store.NewPGStore(pool), nil
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate-flowchart-runtime-schema",
		Short: "Apply the runtime schema behind the compatibility gate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.MigrateSchema(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", store.SupportedSchemaVersion)
			return nil
		},
	}
}

func newExportSkillCommand() *cobra.Command {
	var (
		agentIDs []string
		outPath  string
	)
	cmd := &cobra.Command{
		Use:   "export-skill-package",
		Short: "Export agents and MCP configs as a skill package",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			pkg, err := skillpkg.Export(ctx, s, agentIDs)
			if err != nil {
				return err
			}
			data, err := pkg.Encode()
			if err != nil {
				return err
			}
			if outPath == "" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(outPath, data, 0o644)
		},
	}
	cmd.Flags().StringSliceVar(&agentIDs, "agent", nil, "Agent id to include (repeatable)")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Output file (default stdout)")
	return cmd
}

func newImportSkillCommand() *cobra.Command {
	var apply bool
	cmd := &cobra.Command{
		Use:   "import-skill-package <file>",
		Short: "Import a skill package (dry run unless --apply)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			pkg, err := skillpkg.Decode(data)
			if err != nil {
				return err
			}

			s, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			report, err := skillpkg.Import(ctx, s, pkg, apply, nil)
			if err != nil {
				return err
			}
			mode := "applied"
			if report.DryRun {
				mode = "dry run, pass --apply to write"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d agents, %d mcp servers\n",
				mode, len(report.AgentsWritten), len(report.ServersWritten))
			return nil
		},
	}
	cmd.Flags().BoolVar(&apply, "apply", false, "Write the package instead of validating it")
	return cmd
}

func newPrintMCPCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "print-mcp-configs",
		Short: "Render every registered MCP server config as one document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			doc, err := mcpconfig.NewRegistry(s).RenderAll(ctx)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(doc)
			return err
		},
	}
}

func newGuardrailCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "guardrail-check [dir]",
		Short: "Scan sources for forbidden external CLI invocations",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			violations, err := provider.ScanDir(dir)
			if err != nil {
				return err
			}
			if len(violations) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "guardrail check passed")
				return nil
			}
			for _, v := range violations {
				fmt.Fprintln(cmd.ErrOrStderr(), v.String())
			}
			return &guardrailBlocked{violations: violations}
		},
	}
}
