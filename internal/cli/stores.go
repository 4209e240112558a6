package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/lherron/sandcastle/internal/config"
	"github.com/lherron/sandcastle/internal/datastore"
	"github.com/lherron/sandcastle/internal/datastore/memstore"
	"github.com/lherron/sandcastle/internal/datastore/salesforce"
)

// stores is an opened source/target pair plus the names that key the ledger
type stores struct {
	source     datastore.Client
	target     datastore.Client
	sourceName string
	targetName string
}

type storeOptions struct {
	fixture         string
	allowProduction bool
}

func credentials(o config.OrgConfig) salesforce.Credentials {
	return salesforce.Credentials{
		Alias:       o.Alias,
		InstanceURL: o.InstanceURL,
		AccessToken: o.AccessToken,
		APIVersion:  o.APIVersion,
	}
}

// openStores connects to the configured orgs, or loads both stores from a
// fixture file. Org pairs are checked before anything is read.
func openStores(ctx context.Context, cfg *config.Config, opts storeOptions, log *zap.Logger) (*stores, error) {
	if opts.fixture != "" {
		source, target, err := memstore.LoadPair(opts.fixture)
		if err != nil {
			return nil, exitError(2, err)
		}
		name := filepath.Base(opts.fixture)
		return &stores{
			source:     source,
			target:     target,
			sourceName: fmt.Sprintf("fixture:%s:%s", name, source.Name()),
			targetName: fmt.Sprintf("fixture:%s:%s", name, target.Name()),
		}, nil
	}

	if cfg.Source.IsZero() || cfg.Target.IsZero() {
		return nil, exitError(2, fmt.Errorf("source and target orgs must be configured (set source/target in %s or SANDCASTLE_SOURCE_ALIAS / SANDCASTLE_TARGET_ALIAS)", config.FileName))
	}

	source, err := salesforce.Connect(ctx, "source", credentials(cfg.Source), salesforce.WithLogger(log.Named("source")))
	if err != nil {
		return nil, err
	}
	target, err := salesforce.Connect(ctx, "target", credentials(cfg.Target), salesforce.WithLogger(log.Named("target")))
	if err != nil {
		return nil, err
	}
	if err := salesforce.CheckPair(ctx, source, target, opts.allowProduction, log); err != nil {
		return nil, exitError(3, err)
	}
	return &stores{
		source:     source,
		target:     target,
		sourceName: cfg.Source.Name(),
		targetName: cfg.Target.Name(),
	}, nil
}
