package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zhubert/relay-core/paths"
)

// Tunables holds engine tuning knobs loaded from settings.yaml.
// Absent file or absent keys fall back to defaults; the file never has to exist.
type Tunables struct {
	// ClaudeBinary is the CLI binary to spawn. Empty means "claude" on PATH
	// (overridable per-process via RELAY_CLAUDE_BINARY).
	ClaudeBinary string `yaml:"claude_binary"`

	// ApproveToken, DenyToken and ApproveAlwaysToken are the literal text
	// tokens written to the CLI's terminal when answering a permission prompt.
	ApproveToken       string `yaml:"approve_token"`
	DenyToken          string `yaml:"deny_token"`
	ApproveAlwaysToken string `yaml:"approve_always_token"`

	// StatusInterval is the minimum gap between status snapshot deliveries.
	StatusInterval Duration `yaml:"status_interval"`

	// ResponseTimeout is how long a permission or input request may sit
	// unanswered before the run auto-resolves it and moves on.
	ResponseTimeout Duration `yaml:"response_timeout"`

	// MaxRestarts bounds permission-denial restarts per run.
	MaxRestarts int `yaml:"max_restarts"`
}

// Duration wraps time.Duration for YAML parsing of values like "1.5s".
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML renders the duration as a string
func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// DefaultTunables returns the tunables used when settings.yaml is absent
func DefaultTunables() *Tunables {
	return &Tunables{
		ClaudeBinary:       "claude",
		ApproveToken:       "y",
		DenyToken:          "n",
		ApproveAlwaysToken: "yes!",
		StatusInterval:     Duration{1500 * time.Millisecond},
		ResponseTimeout:    Duration{300 * time.Second},
		MaxRestarts:        2,
	}
}

// LoadTunables reads settings.yaml from the config directory and merges it
// with defaults. A missing file yields the defaults.
func LoadTunables() (*Tunables, error) {
	fp, err := paths.SettingsFilePath()
	if err != nil {
		return nil, err
	}
	return LoadTunablesFrom(fp)
}

// LoadTunablesFrom reads tunables from an explicit path. Used by tests.
func LoadTunablesFrom(path string) (*Tunables, error) {
	defaults := DefaultTunables()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaults, nil
		}
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}

	var t Tunables
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}

	return mergeTunables(&t, defaults), nil
}

// mergeTunables overlays partial onto defaults. Empty fields fall back.
func mergeTunables(partial, defaults *Tunables) *Tunables {
	result := *partial
	if result.ClaudeBinary == "" {
		result.ClaudeBinary = defaults.ClaudeBinary
	}
	if result.ApproveToken == "" {
		result.ApproveToken = defaults.ApproveToken
	}
	if result.DenyToken == "" {
		result.DenyToken = defaults.DenyToken
	}
	if result.ApproveAlwaysToken == "" {
		result.ApproveAlwaysToken = defaults.ApproveAlwaysToken
	}
	if result.StatusInterval.Duration <= 0 {
		result.StatusInterval = defaults.StatusInterval
	}
	if result.ResponseTimeout.Duration <= 0 {
		result.ResponseTimeout = defaults.ResponseTimeout
	}
	if result.MaxRestarts <= 0 {
		result.MaxRestarts = defaults.MaxRestarts
	}
	return &result
}
