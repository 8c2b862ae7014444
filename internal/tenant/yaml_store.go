package tenant

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	platerrors "github.com/turnpipe/turnpipe/internal/platform/errors"
)

// yamlWorkspaceConfig mirrors WorkspaceConfig's shape with YAML-friendly
// field names, for on-disk tenant catalog fixtures used in local/dev
// mode without a Postgres backing.
type yamlWorkspaceConfig struct {
	WorkspaceID string `yaml:"workspace_id"`
	Timezone    string `yaml:"timezone"`
	Vertical    string `yaml:"vertical"`
	SlotSchema  struct {
		Slots             map[string]string `yaml:"slots"`
		DeclaredEphemeral []string          `yaml:"declared_ephemeral"`
	} `yaml:"slot_schema"`
	Tools []struct {
		ToolName         string `yaml:"tool_name"`
		Enabled          bool   `yaml:"enabled"`
		TimeoutMS        int    `yaml:"timeout_ms"`
		RetrySafe        bool   `yaml:"retry_safe"`
		MaxRetries       int    `yaml:"max_retries"`
		BaseBackoffMS    int    `yaml:"base_backoff_ms"`
		BackoffFactor    float64 `yaml:"backoff_factor"`
		MaxBackoffMS     int    `yaml:"max_backoff_ms"`
		MaxConcurrent    int    `yaml:"max_concurrent"`
		CircuitThreshold int    `yaml:"circuit_threshold"`
		CircuitWindow    int    `yaml:"circuit_window"`
		CircuitCooldownS int    `yaml:"circuit_cooldown_s"`
		RateLimitPerMin  int    `yaml:"rate_limit_per_min"`
		RequiredArgs     []string `yaml:"required_args"`
		ArgConstraints   map[string]struct {
			MinDateOffsetDays *int `yaml:"min_date_offset_days"`
			MaxDateOffsetDays *int `yaml:"max_date_offset_days"`
		} `yaml:"arg_constraints"`
		TransportKind    string `yaml:"transport_kind"`
		EndpointURL      string `yaml:"endpoint_url"`
		CredentialHeader string `yaml:"credential_header"`
		CredentialValue  string `yaml:"credential_value"`
	} `yaml:"tools"`
	Templates []struct {
		Intent           string `yaml:"intent"`
		StateFingerprint string `yaml:"state_fingerprint"`
		Text             string `yaml:"text"`
		Tone             string `yaml:"tone"`
	} `yaml:"templates"`
	FeatureFlags map[string]bool `yaml:"feature_flags"`
	Catalog      struct {
		Services   []map[string]interface{} `yaml:"services"`
		Staff      []map[string]interface{} `yaml:"staff"`
		Hours      map[string]interface{}   `yaml:"hours"`
		Menu       []map[string]interface{} `yaml:"menu"`
		Properties map[string]interface{}   `yaml:"properties"`
	} `yaml:"catalog"`
}

// YAMLStore loads workspace fixtures from a directory of
// `<workspace_id>.yaml` files, for local development and tests without a
// Postgres instance.
type YAMLStore struct {
	dir string
}

// NewYAMLStore creates a YAMLStore rooted at dir.
func NewYAMLStore(dir string) *YAMLStore {
	return &YAMLStore{dir: dir}
}

// LoadWorkspaceConfig reads and parses `<dir>/<workspace_id>.yaml`.
func (s *YAMLStore) LoadWorkspaceConfig(ctx context.Context, workspaceID string) (*WorkspaceConfig, error) {
	path := filepath.Join(s.dir, workspaceID+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, platerrors.New("tenant.YAMLStore.LoadWorkspaceConfig", platerrors.KindInternal, workspaceID, platerrors.ErrNotFound)
		}
		return nil, fmt.Errorf("tenant: reading fixture %s: %w", path, err)
	}

	var raw yamlWorkspaceConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("tenant: parsing fixture %s: %w", path, err)
	}
	if raw.WorkspaceID != "" && raw.WorkspaceID != workspaceID {
		return nil, platerrors.New("tenant.YAMLStore.LoadWorkspaceConfig", platerrors.KindTenantMismatch, workspaceID, platerrors.ErrTenantMismatch)
	}

	return fromYAML(workspaceID, raw), nil
}

func fromYAML(workspaceID string, raw yamlWorkspaceConfig) *WorkspaceConfig {
	slots := make(map[string]SlotType, len(raw.SlotSchema.Slots))
	for name, t := range raw.SlotSchema.Slots {
		slots[name] = SlotType(t)
	}
	ephemeral := make(map[string]bool, len(raw.SlotSchema.DeclaredEphemeral))
	for _, name := range raw.SlotSchema.DeclaredEphemeral {
		ephemeral[name] = true
	}

	whitelist := make(map[string]ToolPolicy, len(raw.Tools))
	for _, t := range raw.Tools {
		var constraints map[string]ArgConstraint
		if len(t.ArgConstraints) > 0 {
			constraints = make(map[string]ArgConstraint, len(t.ArgConstraints))
			for arg, c := range t.ArgConstraints {
				constraints[arg] = ArgConstraint{
					MinDateOffsetDays: c.MinDateOffsetDays,
					MaxDateOffsetDays: c.MaxDateOffsetDays,
				}
			}
		}
		whitelist[t.ToolName] = ToolPolicy{
			ToolName:         t.ToolName,
			Enabled:          t.Enabled,
			Timeout:          time.Duration(t.TimeoutMS) * time.Millisecond,
			RetrySafe:        t.RetrySafe,
			MaxRetries:       t.MaxRetries,
			BaseBackoff:      time.Duration(t.BaseBackoffMS) * time.Millisecond,
			BackoffFactor:    t.BackoffFactor,
			MaxBackoff:       time.Duration(t.MaxBackoffMS) * time.Millisecond,
			MaxConcurrent:    t.MaxConcurrent,
			CircuitThreshold: t.CircuitThreshold,
			CircuitWindow:    t.CircuitWindow,
			CircuitCooldown:  time.Duration(t.CircuitCooldownS) * time.Second,
			RateLimitPerMin:  t.RateLimitPerMin,
			RequiredArgs:     t.RequiredArgs,
			ArgConstraints:   constraints,
			TransportKind:    t.TransportKind,
			EndpointURL:      t.EndpointURL,
			CredentialHeader: t.CredentialHeader,
			CredentialValue:  t.CredentialValue,
		}
	}

	templates := make([]Template, 0, len(raw.Templates))
	for _, tpl := range raw.Templates {
		templates = append(templates, Template{
			Intent:           tpl.Intent,
			StateFingerprint: tpl.StateFingerprint,
			Text:             tpl.Text,
			Tone:             tpl.Tone,
		})
	}

	return &WorkspaceConfig{
		WorkspaceID: workspaceID,
		Timezone:    raw.Timezone,
		Vertical:    raw.Vertical,
		SlotSchema: SlotSchema{
			Slots:             slots,
			DeclaredEphemeral: ephemeral,
		},
		ToolWhitelist: whitelist,
		Templates:     templates,
		FeatureFlags:  raw.FeatureFlags,
		Catalog: Catalog{
			Services:   raw.Catalog.Services,
			Staff:      raw.Catalog.Staff,
			Hours:      raw.Catalog.Hours,
			Menu:       raw.Catalog.Menu,
			Properties: raw.Catalog.Properties,
		},
	}
}
