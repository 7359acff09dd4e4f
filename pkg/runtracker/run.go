package runtracker

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/latitude-dev/latitude-llm-sub007/pkg/activework"
	"github.com/latitude-dev/latitude-llm-sub007/pkg/eventstream"
)

// ErrFinished is returned by operations on a run after Finish.
var ErrFinished = errors.New("run already finished")

// Run is a handle on one tracked run.
type Run struct {
	tracker *Tracker
	scope   activework.DocumentScope
	uuid    string
	stream  *eventstream.Stream

	mu       sync.Mutex
	finished bool
}

func (r *Run) UUID() string {
	return r.uuid
}

func (r *Run) Scope() activework.DocumentScope {
	return r.scope
}

// Stream returns the run's event stream, e.g. for tailing.
func (r *Run) Stream() *eventstream.Stream {
	return r.stream
}

func (r *Run) checkActive() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return errors.Wrap(ErrFinished, r.uuid)
	}
	return nil
}

// Start marks the run as started.
func (r *Run) Start(ctx context.Context) (activework.ActiveRun, error) {
	if err := r.checkActive(); err != nil {
		return activework.ActiveRun{}, err
	}
	started := r.tracker.now().UTC()
	run, err := r.tracker.update(ctx, r.scope, r.uuid, activework.RunPatch{StartedAt: &started})
	if err != nil {
		return run, errors.Wrapf(err, "failed to start run %s", r.uuid)
	}
	return run, nil
}

// SetCaption replaces the run's human readable progress line.
func (r *Run) SetCaption(ctx context.Context, caption string) error {
	if err := r.checkActive(); err != nil {
		return err
	}
	if _, err := r.tracker.update(ctx, r.scope, r.uuid, activework.RunPatch{Caption: &caption}); err != nil {
		return errors.Wrapf(err, "failed to set caption of run %s", r.uuid)
	}
	return nil
}

// Emit appends a progress event to the run stream and returns its entry id.
func (r *Run) Emit(ctx context.Context, event any) (string, error) {
	if err := r.checkActive(); err != nil {
		return "", err
	}
	return r.stream.Write(ctx, event)
}

// Finish removes the run from both registries, schedules its stream for
// expiry after grace (the configured cleanup grace when zero) and closes the
// stream. Finishing twice is a no-op.
func (r *Run) Finish(ctx context.Context, grace time.Duration) error {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return nil
	}
	r.finished = true
	r.mu.Unlock()

	var result *multierror.Error
	if err := r.tracker.forget(ctx, r.scope, r.uuid); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "failed to unregister run"))
	}
	if err := r.stream.Cleanup(ctx, grace); err != nil {
		result = multierror.Append(result, err)
	}
	if err := r.stream.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	if err := result.ErrorOrNil(); err != nil {
		r.tracker.logger.WithError(err).WithField("run", r.uuid).Warn("run finished with cleanup errors")
		return err
	}
	r.tracker.logger.WithField("run", r.uuid).Debug("run finished")
	return nil
}
