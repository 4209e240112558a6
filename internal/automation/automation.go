// Package automation deactivates record-triggered flows in the target store
// while records are written, and reactivates them afterwards.
package automation

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/lherron/sandcastle/internal/datastore"
)

// Pause deactivates every active flow and returns the ones it paused, with
// the version to restore. Flows that refuse are skipped with a warning. On a
// structural failure the flows paused so far are returned with the error and
// must still be resumed.
func Pause(ctx context.Context, ctl datastore.FlowController, log *zap.Logger) ([]datastore.Flow, error) {
	flows, err := ctl.ActiveFlows(ctx)
	if err != nil {
		if datastore.Unavailable(err) {
			return nil, err
		}
		log.Warn("flows not paused, listing failed", zap.Error(err))
		return nil, nil
	}
	if len(flows) == 0 {
		log.Info("no active flows")
		return nil, nil
	}

	var paused []datastore.Flow
	skipped := 0
	for _, f := range flows {
		if err := ctl.SetActiveVersion(ctx, f.ID, 0); err != nil {
			if datastore.Unavailable(err) {
				return paused, err
			}
			skipped++
			log.Warn("flow not paused", zap.String("flow", f.Name), zap.Error(err))
			continue
		}
		paused = append(paused, f)
	}

	log.Info("flows paused", zap.Int("paused", len(paused)), zap.Int("skipped", skipped))
	if len(paused) == 0 {
		log.Warn("no flow could be paused, flows stay active during the run")
	}
	return paused, nil
}

// Resume reactivates paused flows at the version they had. It tries every
// flow and returns the combined failures.
func Resume(ctx context.Context, ctl datastore.FlowController, paused []datastore.Flow, log *zap.Logger) error {
	var errs error
	for _, f := range paused {
		if err := ctl.SetActiveVersion(ctx, f.ID, f.ActiveVersion); err != nil {
			log.Error("flow not reactivated", zap.String("flow", f.Name), zap.Int("version", f.ActiveVersion), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("reactivate flow %s: %w", f.Name, err))
			continue
		}
		log.Debug("flow reactivated", zap.String("flow", f.Name), zap.Int("version", f.ActiveVersion))
	}
	if len(paused) > 0 {
		log.Info("flows reactivated", zap.Int("count", len(paused)-len(multierr.Errors(errs))))
	}
	return errs
}
