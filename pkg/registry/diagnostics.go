package registry

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	outcomeFoundAfterDelay = "found_after_delay"
	outcomeNeverFound      = "never_found"
)

// diagnoseMissing distinguishes a write-propagation race (the item shows up
// shortly after Update missed it) from a genuinely absent item. It only
// reports; the caller's NotFound result stands either way.
func (r *Registry[S, T]) diagnoseMissing(ctx context.Context, key, id string) {
	if r.cfg.DiagnosticProbes <= 0 {
		return
	}

	started := time.Now()
	delay := r.cfg.DiagnosticDelay
	entry := r.logger.WithFields(log.Fields{"key": key, "id": id})

	for probe := 1; probe <= r.cfg.DiagnosticProbes; probe++ {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		exists, err := r.client.Redis().HExists(ctx, key, id).Result()
		if err != nil {
			entry.WithError(err).Debug("missing item probe failed")
			return
		}
		if exists {
			missingItemDiagnostics.WithLabelValues(r.cfg.Name, outcomeFoundAfterDelay).Inc()
			entry.WithFields(log.Fields{
				"outcome": outcomeFoundAfterDelay,
				"probe":   probe,
				"elapsed": time.Since(started),
			}).Warn("active work item appeared after update reported it missing")
			return
		}
		delay *= 2
	}

	missingItemDiagnostics.WithLabelValues(r.cfg.Name, outcomeNeverFound).Inc()
	entry.WithFields(log.Fields{
		"outcome": outcomeNeverFound,
		"probes":  r.cfg.DiagnosticProbes,
		"elapsed": time.Since(started),
	}).Info("active work item not found on update")
}
