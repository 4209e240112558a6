package salesforce

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	// ErrSameOrg is returned when source and target are the same org
	ErrSameOrg = errors.New("source and target are the same org")
	// ErrProductionTarget is returned when the target is not a sandbox
	ErrProductionTarget = errors.New("target org is not a sandbox")
)

// Org describes the organization behind a client
type Org struct {
	ID        string
	Name      string
	Type      string
	IsSandbox bool
}

// Organization queries the org's identity
func (c *Client) Organization(ctx context.Context) (Org, error) {
	records, err := c.soql(ctx, "SELECT Id, Name, OrganizationType, IsSandbox FROM Organization LIMIT 1")
	if err != nil {
		return Org{}, fmt.Errorf("organization: %w", err)
	}
	if len(records) == 0 {
		return Org{}, fmt.Errorf("%s: organization query returned no rows", c.name)
	}
	rec := records[0]
	id, _ := rec.Get("Id")
	name, _ := rec.Get("Name")
	typ, _ := rec.Get("OrganizationType")
	sandbox, _ := rec.Get("IsSandbox")
	return Org{ID: id.Text(), Name: name.Text(), Type: typ.Text(), IsSandbox: sandbox.Truth()}, nil
}

// CheckPair refuses to migrate within one org, and into a production org
// unless allowProduction is set.
func CheckPair(ctx context.Context, source, target *Client, allowProduction bool, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	src, err := source.Organization(ctx)
	if err != nil {
		return err
	}
	tgt, err := target.Organization(ctx)
	if err != nil {
		return err
	}
	log.Info("orgs",
		zap.String("source", src.Name), zap.String("source_id", src.ID),
		zap.String("target", tgt.Name), zap.String("target_id", tgt.ID),
		zap.Bool("target_sandbox", tgt.IsSandbox))

	if src.ID == tgt.ID {
		return fmt.Errorf("%w: %s (%s)", ErrSameOrg, tgt.Name, tgt.ID)
	}
	if !tgt.IsSandbox {
		if !allowProduction {
			return fmt.Errorf("%w: %s (%s); pass --allow-production to write to it anyway", ErrProductionTarget, tgt.Name, tgt.ID)
		}
		log.Warn("writing to a production org", zap.String("target", tgt.Name))
	}
	return nil
}
