package commands

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/latitude-dev/latitude-llm-sub007/internal/config"
	"github.com/latitude-dev/latitude-llm-sub007/internal/logging"
	"github.com/latitude-dev/latitude-llm-sub007/internal/printer"
	"github.com/latitude-dev/latitude-llm-sub007/pkg/activework"
	"github.com/latitude-dev/latitude-llm-sub007/pkg/kv"
)

// environment is what every store-backed command needs.
type environment struct {
	cfg    *config.Config
	client *kv.Client
	logger *log.Logger
}

func (e *environment) Close() {
	e.client.Close()
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	loader := config.NewLoader().WithConfigFile(configFile)
	if err := loader.Viper().BindPFlag("redis.url", cmd.Flags().Lookup("redis-url")); err != nil {
		return nil, err
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, printer.Error("invalid configuration", err.Error(),
			[]string{"Check your coord.yaml and COORD_* environment variables"})
	}
	return cfg, nil
}

// connect loads configuration, configures logging and verifies the store
// is reachable.
func connect(ctx context.Context, cmd *cobra.Command) (*environment, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	logger, err := logging.Configure(cfg.Log)
	if err != nil {
		return nil, err
	}
	logger.SetOutput(cmd.ErrOrStderr())

	opts, err := cfg.RedisOptions()
	if err != nil {
		return nil, err
	}
	client, err := kv.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create store client: %w", err)
	}

	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, printer.ErrorWithContext(
			"Redis connection failed",
			fmt.Sprintf("Could not connect to Redis: %v", err),
			map[string]string{"Address": opts.Addr},
			[]string{
				"Pass the store address:\n  coordctl --redis-url redis://host:6379/0 ...",
				"Or set COORD_REDIS_URL",
			},
		)
	}

	return &environment{cfg: cfg, client: client, logger: logger}, nil
}

// scopeFlags are the --workspace/--project/--document flags of the
// registry commands.
type scopeFlags struct {
	workspace int64
	project   int64
	document  string
}

func (f *scopeFlags) register(cmd *cobra.Command, withDocument bool) {
	cmd.Flags().Int64VarP(&f.workspace, "workspace", "w", 0, "Workspace id (required)")
	cmd.Flags().Int64VarP(&f.project, "project", "p", 0, "Project id (required)")
	_ = cmd.MarkFlagRequired("workspace")
	_ = cmd.MarkFlagRequired("project")
	if withDocument {
		cmd.Flags().StringVarP(&f.document, "document", "d", "", "Document uuid (narrows runs to one document)")
	}
}

func (f *scopeFlags) projectScope() activework.ProjectScope {
	return activework.ProjectScope{WorkspaceID: f.workspace, ProjectID: f.project}
}

func (f *scopeFlags) documentScope() activework.DocumentScope {
	return activework.DocumentScope{WorkspaceID: f.workspace, ProjectID: f.project, DocumentUUID: f.document}
}
