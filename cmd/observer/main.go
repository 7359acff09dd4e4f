package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/latitude-dev/latitude-llm-sub007/internal/config"
	"github.com/latitude-dev/latitude-llm-sub007/internal/logging"
	"github.com/latitude-dev/latitude-llm-sub007/internal/observer"
	"github.com/latitude-dev/latitude-llm-sub007/pkg/activework"
	"github.com/latitude-dev/latitude-llm-sub007/pkg/kv"
)

func main() {
	// 1. Load configuration (COORD_CONFIG names an explicit file)
	cfg, err := config.Load(os.Getenv("COORD_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Configure logging
	logger, err := logging.Configure(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Invalid log configuration: %v\n", err)
		os.Exit(1)
	}

	// 3. Create store client
	redisOpts, err := cfg.RedisOptions()
	if err != nil {
		logger.WithError(err).Fatal("invalid redis configuration")
	}
	client, err := kv.NewClient(redisOpts)
	if err != nil {
		logger.WithError(err).Fatal("failed to create store client")
	}
	defer client.Close()

	// 4. Verify Redis connectivity
	ctx := context.Background()
	if err := client.Ping(ctx); err != nil {
		logger.WithError(err).WithField("addr", redisOpts.Addr).Fatal("redis not accessible")
	}

	// 5. Build the registries the observer reads from
	projectRuns, err := activework.NewProjectRuns(client, cfg.Registry, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to create project run registry")
	}
	documentRuns, err := activework.NewDocumentRuns(client, cfg.Registry, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to create document run registry")
	}
	evaluations, err := activework.NewProjectEvaluations(client, cfg.Registry, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to create evaluation registry")
	}

	// 6. Start HTTP server
	server, err := observer.New(client, observer.Registries{
		ProjectRuns:        projectRuns,
		DocumentRuns:       documentRuns,
		ProjectEvaluations: evaluations,
	}, cfg.Observer, cfg.Stream, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to create observer")
	}
	if err := server.Start(); err != nil {
		logger.WithError(err).Fatal("failed to start observer")
	}

	// 7. Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.WithField("signal", sig.String()).Info("shutting down gracefully")

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("shutdown incomplete")
		os.Exit(1)
	}
}
