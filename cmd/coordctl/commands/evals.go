package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/latitude-dev/latitude-llm-sub007/internal/printer"
	"github.com/latitude-dev/latitude-llm-sub007/pkg/activework"
	"github.com/latitude-dev/latitude-llm-sub007/pkg/registry"
)

var (
	evalsScope    scopeFlags
	evalsPage     int
	evalsPageSize int
)

var evalsCmd = &cobra.Command{
	Use:     "evals",
	Aliases: []string{"evaluations"},
	Short:   "Inspect and operate active evaluations",
}

var evalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active evaluations",
	Args:  cobra.NoArgs,
	RunE:  runEvalsList,
}

var evalsDeleteCmd = &cobra.Command{
	Use:   "delete <workflow-uuid>",
	Short: "Remove an orphaned evaluation",
	Args:  cobra.ExactArgs(1),
	RunE:  runEvalsDelete,
}

var evalsMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Upgrade an evaluation scope stored in a legacy layout",
	Args:  cobra.NoArgs,
	RunE:  runEvalsMigrate,
}

func init() {
	for _, c := range []*cobra.Command{evalsListCmd, evalsDeleteCmd, evalsMigrateCmd} {
		evalsScope.register(c, false)
		evalsCmd.AddCommand(c)
	}
	evalsListCmd.Flags().IntVar(&evalsPage, "page", 1, "Page number (1-based)")
	evalsListCmd.Flags().IntVar(&evalsPageSize, "page-size", 0, "Items per page (0 = all)")
	rootCmd.AddCommand(evalsCmd)
}

func openEvaluations(env *environment) (*activework.ProjectEvaluations, activework.ProjectScope, error) {
	scope := evalsScope.projectScope()
	if err := scope.Validate(); err != nil {
		return nil, scope, printer.Error("invalid scope", err.Error(), nil)
	}
	reg, err := activework.NewProjectEvaluations(env.client, env.cfg.Registry, env.logger)
	return reg, scope, err
}

func runEvalsList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	env, err := connect(ctx, cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	reg, scope, err := openEvaluations(env)
	if err != nil {
		return err
	}

	page, err := reg.List(ctx, scope, evalsPage, evalsPageSize)
	if err != nil {
		return printer.ErrorWithContext("failed to list evaluations", err.Error(), map[string]string{"Scope": reg.Key(scope)}, nil)
	}

	if outputFormat == printer.OutputJSONL {
		return printer.FormatJSONL(cmd.OutOrStdout(), page.Items)
	}
	printer.FormatEvaluations(cmd.OutOrStdout(), reg.Key(scope), page)
	return nil
}

func runEvalsDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	env, err := connect(ctx, cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	reg, scope, err := openEvaluations(env)
	if err != nil {
		return err
	}

	ev, err := reg.Delete(ctx, scope, args[0])
	if registry.IsNotFound(err) {
		return printer.ErrorWithContext(
			"evaluation not found",
			fmt.Sprintf("No active evaluation %s.", args[0]),
			map[string]string{"Scope": reg.Key(scope)},
			nil,
		)
	}
	if err != nil {
		return printer.ErrorWithContext("failed to delete evaluation", err.Error(), map[string]string{"Scope": reg.Key(scope)}, nil)
	}

	if outputFormat == printer.OutputJSONL {
		return printer.FormatJSONL(cmd.OutOrStdout(), []activework.ActiveEvaluation{ev})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Deleted evaluation %s from %s\n", ev.WorkflowUUID, reg.Key(scope))
	return nil
}

func runEvalsMigrate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	env, err := connect(ctx, cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	reg, scope, err := openEvaluations(env)
	if err != nil {
		return err
	}

	n, err := reg.Migrate(ctx, scope)
	if err != nil {
		return printer.ErrorWithContext("migration failed", err.Error(), map[string]string{"Scope": reg.Key(scope)}, nil)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ %s is current (%d items rewritten)\n", reg.Key(scope), n)
	return nil
}
