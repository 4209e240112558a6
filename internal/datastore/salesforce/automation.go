package salesforce

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/lherron/sandcastle/internal/datastore"
)

// pausableProcessTypes are the flow kinds that fire on record changes
var pausableProcessTypes = map[string]bool{
	"Flow":             true,
	"AutoLaunchedFlow": true,
	"Workflow":         true,
	"InvocableProcess": true,
}

const activeFlowsQuery = "SELECT Id, DeveloperName, ActiveVersion.VersionNumber, ActiveVersion.ProcessType " +
	"FROM FlowDefinition WHERE ActiveVersionId != null ORDER BY DeveloperName"

type flowDefinitionPage struct {
	Done           bool   `json:"done"`
	NextRecordsURL string `json:"nextRecordsUrl"`
	Records        []struct {
		ID            string `json:"Id"`
		DeveloperName string `json:"DeveloperName"`
		ActiveVersion *struct {
			VersionNumber int    `json:"VersionNumber"`
			ProcessType   string `json:"ProcessType"`
		} `json:"ActiveVersion"`
	} `json:"records"`
}

// ActiveFlows implements datastore.FlowController over the Tooling API
func (c *Client) ActiveFlows(ctx context.Context) ([]datastore.Flow, error) {
	path := c.dataPath("tooling/query") + "?q=" + url.QueryEscape(activeFlowsQuery)
	var out []datastore.Flow
	for path != "" {
		var page flowDefinitionPage
		if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
			return nil, fmt.Errorf("list flows: %w", err)
		}
		for _, r := range page.Records {
			if r.ActiveVersion == nil || !pausableProcessTypes[r.ActiveVersion.ProcessType] {
				continue
			}
			out = append(out, datastore.Flow{
				ID:            r.ID,
				Name:          r.DeveloperName,
				ProcessType:   r.ActiveVersion.ProcessType,
				ActiveVersion: r.ActiveVersion.VersionNumber,
			})
		}
		if page.Done {
			break
		}
		path = page.NextRecordsURL
	}
	c.log.Debug("active flows", zap.Int("count", len(out)))
	return out, nil
}

// SetActiveVersion implements datastore.FlowController. Version 0
// deactivates the flow.
func (c *Client) SetActiveVersion(ctx context.Context, flowID string, version int) error {
	if version < 0 {
		return fmt.Errorf("%s: flow %s: invalid version %d", c.name, flowID, version)
	}
	body := map[string]interface{}{
		"Metadata": map[string]int{"activeVersionNumber": version},
	}
	if err := c.do(ctx, http.MethodPatch, c.dataPath("tooling/sobjects/FlowDefinition/"+flowID), body, nil); err != nil {
		return fmt.Errorf("set flow %s version %d: %w", flowID, version, err)
	}
	return nil
}

var _ datastore.FlowController = (*Client)(nil)
