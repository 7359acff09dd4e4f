// Package runtracker registers prompt runs in the active-run registries for
// their lifetime and carries their progress events on a per-run stream.
//
// A run is enqueued once, usually by the process accepting the request, and
// may be attached to and driven by a different worker process:
//
//	run, _ := tracker.Enqueue(ctx, scope, activework.ActiveRun{Source: activework.RunSourceAPI})
//	...
//	run, _ := tracker.Attach(scope, uuid)
//	run.Start(ctx)
//	run.Emit(ctx, chunk)
//	run.Finish(ctx, 0)
package runtracker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/latitude-dev/latitude-llm-sub007/pkg/activework"
	"github.com/latitude-dev/latitude-llm-sub007/pkg/eventstream"
	"github.com/latitude-dev/latitude-llm-sub007/pkg/kv"
	"github.com/latitude-dev/latitude-llm-sub007/pkg/registry"
)

// StreamNamespace is the stream namespace of run events: runs:{uuid}:logs.
const StreamNamespace = "runs"

// Tracker keeps active runs visible at project and document level.
type Tracker struct {
	client       *kv.Client
	projectRuns  *activework.ProjectRuns
	documentRuns *activework.DocumentRuns
	streamCfg    eventstream.Config
	logger       log.FieldLogger
	now          func() time.Time
}

// New creates a tracker over both run registries.
func New(client *kv.Client, projectRuns *activework.ProjectRuns, documentRuns *activework.DocumentRuns, streamCfg eventstream.Config, logger log.FieldLogger) (*Tracker, error) {
	if client == nil || projectRuns == nil || documentRuns == nil {
		return nil, errors.New("tracker needs a store client and both run registries")
	}
	if err := streamCfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.StandardLogger()
	}

	return &Tracker{
		client:       client,
		projectRuns:  projectRuns,
		documentRuns: documentRuns,
		streamCfg:    streamCfg,
		logger:       logger.WithField("component", "runtracker"),
		now:          time.Now,
	}, nil
}

// Enqueue registers a queued run in both registries. A missing uuid is
// generated, queuedAt and documentUuid are filled in from the call. When
// either registry write fails the other is rolled back.
func (t *Tracker) Enqueue(ctx context.Context, scope activework.DocumentScope, run activework.ActiveRun) (*Run, error) {
	if err := scope.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid run scope")
	}
	if run.UUID == "" {
		run.UUID = uuid.NewString()
	}
	if run.QueuedAt.IsZero() {
		run.QueuedAt = t.now().UTC()
	}
	if run.Source == "" {
		run.Source = activework.RunSourceAPI
	}
	run.DocumentUUID = scope.DocumentUUID

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := t.projectRuns.Create(gctx, scope.Project(), run)
		return err
	})
	g.Go(func() error {
		_, err := t.documentRuns.Create(gctx, scope, run)
		return err
	})
	if err := g.Wait(); err != nil {
		if ferr := t.forget(context.WithoutCancel(ctx), scope, run.UUID); ferr != nil {
			t.logger.WithError(ferr).WithField("run", run.UUID).Warn("failed to roll back partially enqueued run")
		}
		return nil, errors.Wrapf(err, "failed to enqueue run %s", run.UUID)
	}

	t.logger.WithFields(log.Fields{
		"run":       run.UUID,
		"workspace": scope.WorkspaceID,
		"project":   scope.ProjectID,
		"document":  scope.DocumentUUID,
		"source":    run.Source,
	}).Debug("run enqueued")

	return t.Attach(scope, run.UUID)
}

// Attach returns a handle on a run enqueued elsewhere. It does not touch the
// store.
func (t *Tracker) Attach(scope activework.DocumentScope, runUUID string) (*Run, error) {
	if runUUID == "" {
		return nil, errors.New("run uuid cannot be empty")
	}
	stream, err := eventstream.New(t.client, StreamNamespace, runUUID, t.streamCfg, t.logger)
	if err != nil {
		return nil, err
	}
	return &Run{tracker: t, scope: scope, uuid: runUUID, stream: stream}, nil
}

// forget removes a run from both registries, tolerating absence.
func (t *Tracker) forget(ctx context.Context, scope activework.DocumentScope, runUUID string) error {
	var result *multierror.Error
	if _, err := t.projectRuns.Delete(ctx, scope.Project(), runUUID); err != nil && !registry.IsNotFound(err) {
		result = multierror.Append(result, err)
	}
	if _, err := t.documentRuns.Delete(ctx, scope, runUUID); err != nil && !registry.IsNotFound(err) {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// update applies patch to the run in both registries.
func (t *Tracker) update(ctx context.Context, scope activework.DocumentScope, runUUID string, patch activework.RunPatch) (activework.ActiveRun, error) {
	var updated activework.ActiveRun
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := t.projectRuns.Update(gctx, scope.Project(), runUUID, patch)
		return err
	})
	g.Go(func() error {
		var err error
		updated, err = t.documentRuns.Update(gctx, scope, runUUID, patch)
		return err
	})
	if err := g.Wait(); err != nil {
		return activework.ActiveRun{}, err
	}
	return updated, nil
}
