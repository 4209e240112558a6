package salesforce

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Credentials locate an org and authenticate against it
type Credentials struct {
	Alias       string
	Username    string
	InstanceURL string
	AccessToken string
	APIVersion  string
}

// Complete reports whether the credentials can be used without resolving an alias
func (c Credentials) Complete() bool {
	return c.InstanceURL != "" && c.AccessToken != ""
}

// sfCommand runs the Salesforce CLI and returns its stdout
var sfCommand = func(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "sf", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(out) > 0 {
			// sf reports failures as JSON on stdout with a non-zero exit code
			return out, nil
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("sf %s: %w: %s", strings.Join(args, " "), err, msg)
		}
		return nil, fmt.Errorf("sf %s: %w", strings.Join(args, " "), err)
	}
	return out, nil
}

type orgDisplay struct {
	Status  int    `json:"status"`
	Name    string `json:"name"`
	Message string `json:"message"`
	Result  struct {
		Alias       string `json:"alias"`
		Username    string `json:"username"`
		InstanceURL string `json:"instanceUrl"`
		AccessToken string `json:"accessToken"`
		APIVersion  string `json:"apiVersion"`
	} `json:"result"`
}

// ResolveAlias reads the credentials of an authenticated org from
// `sf org display --json`.
func ResolveAlias(ctx context.Context, alias string) (Credentials, error) {
	if alias == "" {
		return Credentials{}, fmt.Errorf("no org alias given")
	}
	out, err := sfCommand(ctx, "org", "display", "--target-org", alias, "--json")
	if err != nil {
		return Credentials{}, fmt.Errorf("resolve org %s: %w", alias, err)
	}
	var disp orgDisplay
	if err := json.Unmarshal(out, &disp); err != nil {
		return Credentials{}, fmt.Errorf("resolve org %s: parse sf output: %w", alias, err)
	}
	if disp.Status != 0 {
		msg := disp.Message
		if msg == "" {
			msg = disp.Name
		}
		return Credentials{}, fmt.Errorf("resolve org %s: %s", alias, msg)
	}
	creds := Credentials{
		Alias:       alias,
		Username:    disp.Result.Username,
		InstanceURL: disp.Result.InstanceURL,
		AccessToken: disp.Result.AccessToken,
		APIVersion:  disp.Result.APIVersion,
	}
	if !creds.Complete() {
		return Credentials{}, fmt.Errorf("resolve org %s: sf returned no session (run 'sf org login web --alias %s')", alias, alias)
	}
	return creds, nil
}

// Connect builds a client from explicit credentials, resolving the alias
// through the sf CLI when the instance URL or token is missing. An explicit
// API version wins over the one sf reports.
func Connect(ctx context.Context, name string, creds Credentials, opts ...Option) (*Client, error) {
	if !creds.Complete() {
		resolved, err := ResolveAlias(ctx, creds.Alias)
		if err != nil {
			return nil, fmt.Errorf("%s org: %w", name, err)
		}
		if creds.APIVersion != "" {
			resolved.APIVersion = creds.APIVersion
		}
		creds = resolved
	}
	label := name
	if creds.Alias != "" {
		label = creds.Alias
	}
	return New(label, creds, opts...)
}
