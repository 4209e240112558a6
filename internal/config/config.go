// Package config loads sandcastle settings from the environment, .env.local
// and a YAML file, and turns them into a migration plan and engine options.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/lherron/sandcastle/internal/bulk"
	"github.com/lherron/sandcastle/internal/cleanup"
	"github.com/lherron/sandcastle/internal/domain"
	"github.com/lherron/sandcastle/internal/dummy"
	"github.com/lherron/sandcastle/internal/engine"
	"github.com/lherron/sandcastle/internal/render"
)

// FileName is the project-local config file looked up in the working directory
const FileName = "sandcastle.yaml"

// OrgConfig identifies one data store. Either Alias (resolved through the sf
// CLI) or InstanceURL plus AccessToken must be set.
type OrgConfig struct {
	Alias       string `yaml:"alias"`
	InstanceURL string `yaml:"instance_url"`
	AccessToken string `yaml:"access_token"`
	APIVersion  string `yaml:"api_version"`
}

// Name returns a stable name for the org, used to key the ledger
func (o OrgConfig) Name() string {
	if o.Alias != "" {
		return o.Alias
	}
	if u, err := url.Parse(o.InstanceURL); err == nil && u.Host != "" {
		return u.Host
	}
	return o.InstanceURL
}

// IsZero reports whether nothing was configured
func (o OrgConfig) IsZero() bool {
	return o.Alias == "" && o.InstanceURL == ""
}

// DummyConfig is the dummy record of one entity type: an existing id, or the
// fields of a record to create. Field values may be "@dummy:<Entity>".
type DummyConfig struct {
	ID     string      `yaml:"id"`
	Fields FieldValues `yaml:"fields"`
}

// FieldValues keeps YAML mapping order
type FieldValues struct {
	domain.Record
}

// UnmarshalYAML decodes a mapping of scalars in document order
func (f *FieldValues) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: fields must be a mapping", node.Line)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		var raw interface{}
		if err := val.Decode(&raw); err != nil {
			return fmt.Errorf("line %d: %w", val.Line, err)
		}
		v, err := domain.ValueOf(raw)
		if err != nil {
			return fmt.Errorf("line %d: field %s: %w", val.Line, key.Value, err)
		}
		f.Record.Set(key.Value, v)
	}
	return nil
}

// StepConfig is one plan step as written in the config file
type StepConfig struct {
	Entity  string   `yaml:"entity"`
	RootIDs []string `yaml:"root_ids"`
	// Scope maps a reference field of Entity to an entity migrated by an earlier step
	Scope                        map[string]string `yaml:"scope"`
	Limit                        *int              `yaml:"limit"`
	LimitPerParent               bool              `yaml:"limit_per_parent"`
	IncludeHierarchy             bool              `yaml:"include_hierarchy"`
	BypassDiscriminator          bool              `yaml:"bypass_discriminator"`
	PlaceholderDiscriminatorID   string            `yaml:"placeholder_discriminator_id"`
	PlaceholderDiscriminatorName string            `yaml:"placeholder_discriminator_name"`
}

// CleanupConfig controls emptying the target before a run
type CleanupConfig struct {
	BeforeRun bool `yaml:"before_run"`
	// Entities overrides the deletion order, which defaults to the plan's
	// entity types in reverse.
	Entities           []string `yaml:"entities"`
	ProtectPortalUsers *bool    `yaml:"protect_portal_users"`
}

// AutomationConfig controls target automation during a run
type AutomationConfig struct {
	PauseFlows bool `yaml:"pause_flows"`
}

// PlanConfig holds the plan steps
type PlanConfig struct {
	Steps []StepConfig `yaml:"steps"`
}

// Config represents the application configuration
type Config struct {
	Source OrgConfig `yaml:"source"`
	Target OrgConfig `yaml:"target"`

	LedgerPath string `yaml:"ledger_path"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`
	Output     string `yaml:"output"`

	BatchSize           int                    `yaml:"batch_size"`
	Jobs                int                    `yaml:"jobs"`
	PassthroughEntities []string               `yaml:"passthrough_entities"`
	DiscriminatorEntity string                 `yaml:"discriminator_entity"`
	Exclude             map[string][]string    `yaml:"exclude"`
	MaskEmails          bool                   `yaml:"mask_emails"`
	ClearUnresolved     bool                   `yaml:"clear_unresolved"`
	Dummies             map[string]DummyConfig `yaml:"dummies"`
	Cleanup             CleanupConfig          `yaml:"cleanup"`
	Automation          AutomationConfig       `yaml:"automation"`
	Plan                PlanConfig             `yaml:"plan"`

	// File is the YAML file the config was read from, if any
	File string `yaml:"-"`
}

func defaults() *Config {
	return &Config{
		LogLevel:            "info",
		LogFormat:           "console",
		Output:              "table",
		BatchSize:           bulk.DefaultBatchSize,
		Jobs:                1,
		PassthroughEntities: []string{"User", "Group"},
		MaskEmails:          true,
	}
}

// Load loads configuration from multiple sources with precedence:
// 1. Environment variables
// 2. ./.env.local (dotenv) - walks up parent directories to find it
// 3. The YAML file at path, or ./sandcastle.yaml, or ~/.config/sandcastle/config.yaml
//
// An explicit path must exist; the fallback files are optional.
func Load(path string) (*Config, error) {
	cfg := defaults()

	// Load .env.local if it exists (walking up parent directories)
	if envPath := findEnvLocal(); envPath != "" {
		_ = godotenv.Load(envPath)
	}

	if path == "" {
		path = os.Getenv("SANDCASTLE_CONFIG")
	}
	if err := loadYAMLConfig(cfg, path); err != nil {
		return nil, err
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if cfg.LedgerPath == "" {
		// Check for project-local ledger first
		if _, err := os.Stat(".sandcastle/ledger.db"); err == nil {
			cfg.LedgerPath = ".sandcastle/ledger.db"
		} else {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("failed to get home directory: %w", err)
			}
			cfg.LedgerPath = filepath.Join(homeDir, ".local", "share", "sandcastle", "ledger.db")
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadYAMLConfig reads the first config file found
func loadYAMLConfig(cfg *Config, path string) error {
	candidates := []string{path}
	if path == "" {
		candidates = []string{FileName}
		if homeDir, err := os.UserHomeDir(); err == nil {
			candidates = append(candidates, filepath.Join(homeDir, ".config", "sandcastle", "config.yaml"))
		}
	}

	for _, candidate := range candidates {
		data, err := os.ReadFile(candidate)
		if errors.Is(err, os.ErrNotExist) && path == "" {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse %s: %w", candidate, err)
		}
		cfg.File = candidate
		return nil
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v := getEnvOrFile("SANDCASTLE_LEDGER_PATH", "SANDCASTLE_LEDGER_PATH_FILE"); v != "" {
		cfg.LedgerPath = v
	}
	if v := os.Getenv("SANDCASTLE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SANDCASTLE_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("SANDCASTLE_OUTPUT"); v != "" {
		cfg.Output = v
	}

	for _, org := range []struct {
		prefix string
		cfg    *OrgConfig
	}{
		{"SANDCASTLE_SOURCE", &cfg.Source},
		{"SANDCASTLE_TARGET", &cfg.Target},
	} {
		if v := os.Getenv(org.prefix + "_ALIAS"); v != "" {
			org.cfg.Alias = v
		}
		if v := os.Getenv(org.prefix + "_INSTANCE_URL"); v != "" {
			org.cfg.InstanceURL = v
		}
		if v := getEnvOrFile(org.prefix+"_ACCESS_TOKEN", org.prefix+"_ACCESS_TOKEN_FILE"); v != "" {
			org.cfg.AccessToken = v
		}
		if v := os.Getenv(org.prefix + "_API_VERSION"); v != "" {
			org.cfg.APIVersion = v
		}
	}

	for _, n := range []struct {
		env string
		dst *int
	}{
		{"SANDCASTLE_BATCH_SIZE", &cfg.BatchSize},
		{"SANDCASTLE_JOBS", &cfg.Jobs},
	} {
		if v := os.Getenv(n.env); v != "" {
			i, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", n.env, err)
			}
			*n.dst = i
		}
	}

	for _, b := range []struct {
		env string
		dst *bool
	}{
		{"SANDCASTLE_MASK_EMAILS", &cfg.MaskEmails},
		{"SANDCASTLE_CLEAR_UNRESOLVED", &cfg.ClearUnresolved},
		{"SANDCASTLE_PAUSE_FLOWS", &cfg.Automation.PauseFlows},
	} {
		if v := os.Getenv(b.env); v != "" {
			parsed, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", b.env, err)
			}
			*b.dst = parsed
		}
	}
	return nil
}

// Validate checks settings that do not depend on the plan
func (c *Config) Validate() error {
	if c.BatchSize < 1 || c.BatchSize > bulk.DefaultBatchSize {
		return fmt.Errorf("batch_size must be between 1 and %d, got %d", bulk.DefaultBatchSize, c.BatchSize)
	}
	if c.Jobs < 1 {
		return fmt.Errorf("jobs must be at least 1, got %d", c.Jobs)
	}
	if _, err := render.ParseFormat(c.Output); err != nil {
		return fmt.Errorf("invalid output: %w", err)
	}
	for entity, d := range c.Dummies {
		if err := domain.ValidateEntityName(entity); err != nil {
			return fmt.Errorf("dummies: %w", err)
		}
		if d.ID == "" && d.Fields.Len() == 0 {
			return fmt.Errorf("dummies.%s: needs an id or fields", entity)
		}
	}
	for _, entity := range c.Cleanup.Entities {
		if err := domain.ValidateEntityName(entity); err != nil {
			return fmt.Errorf("cleanup.entities: %w", err)
		}
	}
	return nil
}

// MigrationPlan converts the plan section into a validated plan
func (c *Config) MigrationPlan() (domain.MigrationPlan, error) {
	var plan domain.MigrationPlan
	for _, s := range c.Plan.Steps {
		step := domain.PlanStep{
			Entity:                       s.Entity,
			RootIDs:                      s.RootIDs,
			IncludeHierarchy:             s.IncludeHierarchy,
			Limit:                        -1,
			LimitPerParent:               s.LimitPerParent,
			BypassDiscriminator:          s.BypassDiscriminator,
			PlaceholderDiscriminatorID:   s.PlaceholderDiscriminatorID,
			PlaceholderDiscriminatorName: s.PlaceholderDiscriminatorName,
		}
		if s.Limit != nil {
			step.Limit = *s.Limit
		}
		fields := make([]string, 0, len(s.Scope))
		for field := range s.Scope {
			fields = append(fields, field)
		}
		sort.Strings(fields)
		for _, field := range fields {
			step.Scope = append(step.Scope, domain.ScopeRef{Field: field, Entity: s.Scope[field]})
		}
		plan.Steps = append(plan.Steps, step)
	}
	if err := plan.Validate(); err != nil {
		return plan, fmt.Errorf("plan: %w", err)
	}
	return plan, nil
}

// EngineOptions converts the engine settings
func (c *Config) EngineOptions() engine.Options {
	opts := engine.Options{
		BatchSize:           c.BatchSize,
		Jobs:                c.Jobs,
		PassthroughEntities: c.PassthroughEntities,
		DiscriminatorEntity: c.DiscriminatorEntity,
		Exclude:             c.Exclude,
		MaskEmails:          c.MaskEmails,
		ClearUnresolved:     c.ClearUnresolved,
	}
	if len(c.Dummies) > 0 {
		opts.Dummies = make(map[string]dummy.Template, len(c.Dummies))
		for entity, d := range c.Dummies {
			opts.Dummies[entity] = dummy.Template{ID: d.ID, Fields: d.Fields.Record}
		}
	}
	return opts
}

// CleanupOptions converts the cleanup settings for a plan. Portal users are
// protected unless disabled.
func (c *Config) CleanupOptions(plan domain.MigrationPlan) cleanup.Options {
	opts := cleanup.Options{
		Entities:           c.Cleanup.Entities,
		ProtectPortalUsers: true,
		BatchSize:          c.BatchSize,
		Jobs:               c.Jobs,
	}
	if len(opts.Entities) == 0 {
		opts.Entities = cleanup.Order(plan)
	}
	if c.Cleanup.ProtectPortalUsers != nil {
		opts.ProtectPortalUsers = *c.Cleanup.ProtectPortalUsers
	}
	return opts
}

// getEnvOrFile gets an environment variable value, or reads it from a file
// if the _FILE variant is set
func getEnvOrFile(envVar, fileVar string) string {
	if val := os.Getenv(envVar); val != "" {
		return val
	}

	if filePath := os.Getenv(fileVar); filePath != "" {
		data, err := os.ReadFile(filePath)
		if err == nil {
			return strings.TrimSpace(string(data))
		}
	}

	return ""
}

// findEnvLocal searches for .env.local starting from cwd and walking up
// parent directories. Stops at the user's home directory.
// Returns the path to .env.local if found, empty string otherwise.
func findEnvLocal() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		if _, err := os.Stat(".env.local"); err == nil {
			return ".env.local"
		}
		return ""
	}

	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	homeDir = filepath.Clean(homeDir)
	dir := filepath.Clean(cwd)

	for {
		envPath := filepath.Join(dir, ".env.local")
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
		if dir == homeDir {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}
