package datastore

import "context"

// Flow is one active automation definition of a store
type Flow struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ProcessType string `json:"process_type"`
	// ActiveVersion is the version number to restore on reactivation
	ActiveVersion int `json:"active_version"`
}

// FlowController lists and toggles the automations of a store. Stores that
// run no automations do not implement it.
type FlowController interface {
	ActiveFlows(ctx context.Context) ([]Flow, error)
	// SetActiveVersion activates version of a flow definition. Version 0
	// deactivates it.
	SetActiveVersion(ctx context.Context, flowID string, version int) error
}
