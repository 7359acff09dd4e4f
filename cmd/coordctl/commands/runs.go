package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/latitude-dev/latitude-llm-sub007/internal/printer"
	"github.com/latitude-dev/latitude-llm-sub007/pkg/activework"
	"github.com/latitude-dev/latitude-llm-sub007/pkg/registry"
)

var (
	runsScope    scopeFlags
	runsPage     int
	runsPageSize int
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect and operate active runs",
	Long: `Inspect and operate the active run registries.

Without --document the project-level registry is used; with --document the
document-level one.`,
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active runs",
	Example: `  coordctl runs list -w 1 -p 10
  coordctl runs list -w 1 -p 10 -d 3f2a... --output jsonl`,
	Args: cobra.NoArgs,
	RunE: runRunsList,
}

var runsDeleteCmd = &cobra.Command{
	Use:   "delete <run-uuid>",
	Short: "Remove an orphaned run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsDelete,
}

var runsMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Upgrade a run scope stored in a legacy layout",
	Args:  cobra.NoArgs,
	RunE:  runRunsMigrate,
}

func init() {
	for _, c := range []*cobra.Command{runsListCmd, runsDeleteCmd, runsMigrateCmd} {
		runsScope.register(c, true)
		runsCmd.AddCommand(c)
	}
	runsListCmd.Flags().IntVar(&runsPage, "page", 1, "Page number (1-based)")
	runsListCmd.Flags().IntVar(&runsPageSize, "page-size", 0, "Items per page (0 = all)")
	rootCmd.AddCommand(runsCmd)
}

// runScope hides the choice between the project and document registries.
type runScope struct {
	key     string
	list    func(ctx context.Context, page, pageSize int) (*registry.Page[activework.ActiveRun], error)
	delete  func(ctx context.Context, id string) (activework.ActiveRun, error)
	migrate func(ctx context.Context) (int, error)
}

func resolveRunScope(env *environment) (*runScope, error) {
	cfg := env.cfg.Registry

	if runsScope.document == "" {
		scope := runsScope.projectScope()
		if err := scope.Validate(); err != nil {
			return nil, printer.Error("invalid scope", err.Error(), nil)
		}
		reg, err := activework.NewProjectRuns(env.client, cfg, env.logger)
		if err != nil {
			return nil, err
		}
		return &runScope{
			key: reg.Key(scope),
			list: func(ctx context.Context, page, pageSize int) (*registry.Page[activework.ActiveRun], error) {
				return reg.List(ctx, scope, page, pageSize)
			},
			delete:  func(ctx context.Context, id string) (activework.ActiveRun, error) { return reg.Delete(ctx, scope, id) },
			migrate: func(ctx context.Context) (int, error) { return reg.Migrate(ctx, scope) },
		}, nil
	}

	scope := runsScope.documentScope()
	if err := scope.Validate(); err != nil {
		return nil, printer.Error("invalid scope", err.Error(), nil)
	}
	reg, err := activework.NewDocumentRuns(env.client, cfg, env.logger)
	if err != nil {
		return nil, err
	}
	return &runScope{
		key: reg.Key(scope),
		list: func(ctx context.Context, page, pageSize int) (*registry.Page[activework.ActiveRun], error) {
			return reg.List(ctx, scope, page, pageSize)
		},
		delete:  func(ctx context.Context, id string) (activework.ActiveRun, error) { return reg.Delete(ctx, scope, id) },
		migrate: func(ctx context.Context) (int, error) { return reg.Migrate(ctx, scope) },
	}, nil
}

func runRunsList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	env, err := connect(ctx, cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	scope, err := resolveRunScope(env)
	if err != nil {
		return err
	}

	page, err := scope.list(ctx, runsPage, runsPageSize)
	if err != nil {
		return printer.ErrorWithContext("failed to list runs", err.Error(), map[string]string{"Scope": scope.key}, nil)
	}

	if outputFormat == printer.OutputJSONL {
		return printer.FormatJSONL(cmd.OutOrStdout(), page.Items)
	}
	printer.FormatRuns(cmd.OutOrStdout(), scope.key, page)
	return nil
}

func runRunsDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	env, err := connect(ctx, cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	scope, err := resolveRunScope(env)
	if err != nil {
		return err
	}

	run, err := scope.delete(ctx, args[0])
	if registry.IsNotFound(err) {
		return printer.ErrorWithContext(
			"run not found",
			fmt.Sprintf("No active run %s.", args[0]),
			map[string]string{"Scope": scope.key},
			[]string{fmt.Sprintf("List active runs:\n  coordctl runs list -w %d -p %d", runsScope.workspace, runsScope.project)},
		)
	}
	if err != nil {
		return printer.ErrorWithContext("failed to delete run", err.Error(), map[string]string{"Scope": scope.key}, nil)
	}

	if outputFormat == printer.OutputJSONL {
		return printer.FormatJSONL(cmd.OutOrStdout(), []activework.ActiveRun{run})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Deleted run %s from %s\n", run.UUID, scope.key)
	return nil
}

func runRunsMigrate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	env, err := connect(ctx, cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	scope, err := resolveRunScope(env)
	if err != nil {
		return err
	}

	n, err := scope.migrate(ctx)
	if err != nil {
		return printer.ErrorWithContext("migration failed", err.Error(), map[string]string{"Scope": scope.key}, nil)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ %s is current (%d items rewritten)\n", scope.key, n)
	return nil
}
