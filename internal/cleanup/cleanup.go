// Package cleanup deletes the records a previous migration left in the target
// store. Entity types are emptied children first, and the contacts and
// accounts that portal users hang off are kept, since those cannot be deleted.
package cleanup

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lherron/sandcastle/internal/bulk"
	"github.com/lherron/sandcastle/internal/datastore"
	"github.com/lherron/sandcastle/internal/domain"
)

// ErrIncomplete is returned when some records of an entity type could not be
// deleted. Cleanup stops at that entity type.
var ErrIncomplete = errors.New("records not deleted")

// Options control a cleanup
type Options struct {
	// Entities are emptied in this order
	Entities           []string
	ProtectPortalUsers bool
	DryRun             bool
	BatchSize          int
	Jobs               int
}

// EntityResult counts what happened to one entity type
type EntityResult struct {
	Entity    string   `json:"entity"`
	Found     int      `json:"found"`
	Protected int      `json:"protected"`
	Deleted   int      `json:"deleted"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}

// Result is the outcome of a cleanup
type Result struct {
	DryRun   bool           `json:"dry_run"`
	Entities []EntityResult `json:"entities"`
	Warnings []string       `json:"warnings,omitempty"`
}

// Deleted returns the number of records deleted over all entity types
func (r *Result) Deleted() int {
	n := 0
	for _, e := range r.Entities {
		n += e.Deleted
	}
	return n
}

// Order returns the deletion order for a plan: its entity types in reverse,
// so records go before the records they reference.
func Order(plan domain.MigrationPlan) []string {
	entities := plan.Entities()
	out := make([]string, 0, len(entities))
	for i := len(entities) - 1; i >= 0; i-- {
		out = append(out, entities[i])
	}
	return out
}

// Cleaner empties entity types of a target store
type Cleaner struct {
	target datastore.Client
	opts   Options
	log    *zap.Logger
}

// New creates a Cleaner
func New(target datastore.Client, opts Options, log *zap.Logger) *Cleaner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cleaner{target: target, opts: opts, log: log}
}

// Run deletes every record of the configured entity types except protected
// ones. With DryRun set it only counts them.
func (c *Cleaner) Run(ctx context.Context) (*Result, error) {
	res := &Result{DryRun: c.opts.DryRun}

	protected := map[string]map[string]bool{}
	if c.opts.ProtectPortalUsers {
		var err error
		if protected, err = c.protected(ctx, res); err != nil {
			return res, err
		}
	}

	for _, entity := range c.opts.Entities {
		er, err := c.clean(ctx, entity, protected[entity])
		res.Entities = append(res.Entities, er)
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

func (c *Cleaner) clean(ctx context.Context, entity string, protected map[string]bool) (EntityResult, error) {
	log := c.log.With(zap.String("entity", entity))
	er := EntityResult{Entity: entity}

	records, err := c.target.Query(ctx, datastore.QueryRequest{Entity: entity, Fields: []string{"Id"}})
	if err != nil {
		return er, fmt.Errorf("list %s: %w", entity, err)
	}
	er.Found = len(records)
	pending := make([]string, 0, len(records))
	for _, r := range records {
		if protected[r.ID] {
			er.Protected++
			continue
		}
		pending = append(pending, r.ID)
	}
	if c.opts.DryRun || len(pending) == 0 {
		log.Info("records to delete", zap.Int("count", len(pending)), zap.Int("protected", er.Protected))
		return er, nil
	}

	// Records of a hierarchy can block each other across batches, so failed
	// deletes are retried while a pass still makes progress.
	var failures map[string]*datastore.WriteError
	for len(pending) > 0 {
		var deleted int
		deleted, failures, err = c.delete(ctx, entity, pending)
		er.Deleted += deleted
		if err != nil {
			return er, fmt.Errorf("delete %s: %w", entity, err)
		}
		if deleted == 0 || len(failures) == 0 {
			break
		}
		next := make([]string, 0, len(failures))
		for _, id := range pending {
			if _, failed := failures[id]; failed {
				next = append(next, id)
			}
		}
		pending = next
	}

	for _, id := range pending {
		werr, failed := failures[id]
		if !failed {
			continue
		}
		er.Failed++
		er.Errors = append(er.Errors, fmt.Sprintf("%s: %s", id, werr.Error()))
		log.Warn("record not deleted", zap.String("id", id), zap.String("code", werr.Code), zap.String("message", werr.Message))
	}
	log.Info("records deleted", zap.Int("deleted", er.Deleted), zap.Int("failed", er.Failed), zap.Int("protected", er.Protected))
	if er.Failed > 0 {
		return er, fmt.Errorf("%s: %d %w", entity, er.Failed, ErrIncomplete)
	}
	return er, nil
}

// delete runs one pass over ids and returns the number deleted and the
// per-record failures by id.
func (c *Cleaner) delete(ctx context.Context, entity string, ids []string) (int, map[string]*datastore.WriteError, error) {
	op := bulk.Operation{Jobs: c.opts.Jobs, BatchSize: c.opts.BatchSize}
	chunks := bulk.Chunk(ids, c.opts.BatchSize)
	results, err := bulk.Map(ctx, op, ids, func(ctx context.Context, chunk []string) ([]datastore.WriteResult, error) {
		return c.target.BulkDelete(ctx, entity, chunk)
	})
	if err != nil {
		return 0, nil, err
	}

	deleted := 0
	failures := make(map[string]*datastore.WriteError)
	for i, batch := range results {
		for _, r := range batch {
			if r.OK() {
				deleted++
				continue
			}
			werr := r.Err
			if werr == nil {
				werr = &datastore.WriteError{Code: "UNKNOWN_EXCEPTION", Message: "delete failed"}
			}
			failures[chunks[i][r.Index]] = werr
		}
	}
	return deleted, failures, nil
}

// protected returns the ids that portal users keep alive, by entity type. A
// store without portal users, or one that cannot list them, protects nothing.
func (c *Cleaner) protected(ctx context.Context, res *Result) (map[string]map[string]bool, error) {
	out := map[string]map[string]bool{"Contact": {}, "Account": {}}

	users, err := c.target.Query(ctx, datastore.QueryRequest{Entity: "User", Fields: []string{"ContactId"}})
	if err != nil {
		return out, c.skipProtection(res, err)
	}
	var contactIDs []string
	for _, u := range users {
		v, _ := u.Fields.Get("ContactId")
		if id, ok := v.ID(); ok && !out["Contact"][id] {
			out["Contact"][id] = true
			contactIDs = append(contactIDs, id)
		}
	}
	if len(contactIDs) == 0 {
		c.log.Info("no portal users found")
		return out, nil
	}

	for _, chunk := range bulk.Chunk(contactIDs, c.opts.BatchSize) {
		contacts, err := c.target.Query(ctx, datastore.QueryRequest{
			Entity:  "Contact",
			Fields:  []string{"AccountId"},
			Filters: []datastore.Filter{{Field: "Id", IDs: chunk}},
		})
		if err != nil {
			return out, c.skipProtection(res, err)
		}
		for _, ct := range contacts {
			v, _ := ct.Fields.Get("AccountId")
			if id, ok := v.ID(); ok {
				out["Account"][id] = true
			}
		}
	}
	c.log.Info("portal users keep records",
		zap.Int("contacts", len(out["Contact"])),
		zap.Int("accounts", len(out["Account"])))
	return out, nil
}

// skipProtection lets a cleanup go on without knowing the portal users,
// unless the store itself is unavailable.
func (c *Cleaner) skipProtection(res *Result, err error) error {
	if datastore.Unavailable(err) {
		return err
	}
	msg := fmt.Sprintf("portal users not checked: %v", err)
	res.Warnings = append(res.Warnings, msg)
	c.log.Warn("portal users not checked", zap.Error(err))
	return nil
}
