package types

import "time"

// VaultConfig holds settings for the content-addressed file vault.
type VaultConfig struct {
	// Dir is the vault root (contains objects/).
	Dir string `json:"dir" yaml:"dir" mapstructure:"dir"`
}

// StoreConfig holds settings for the SQLite database.
type StoreConfig struct {
	// DBPath is the SQLite database file.
	DBPath string `json:"db_path" yaml:"db_path" mapstructure:"db_path"`

	// MaxResults is the default maximum number of search results (default 50).
	MaxResults int `json:"max_results" yaml:"max_results" mapstructure:"max_results"`
}

// AIProvider selects the AI backend.
type AIProvider string

const (
	ProviderClaude AIProvider = "claude"
	ProviderOllama AIProvider = "ollama"
)

// AIConfig holds shared settings for the AI service.
type AIConfig struct {
	// Provider selects the backend: claude or ollama.
	Provider AIProvider `json:"provider" yaml:"provider" mapstructure:"provider"`

	// Model is the AI model identifier (e.g. "claude-sonnet-4-5-20250929").
	Model string `json:"model" yaml:"model" mapstructure:"model"`

	// APIKey is the authentication key for the AI API.
	APIKey string `json:"api_key,omitempty" yaml:"api_key,omitempty" mapstructure:"api_key"`

	// BaseURL overrides the provider endpoint.
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty" mapstructure:"base_url"`

	// MaxRetries is the number of retry attempts for failed API calls (default 3).
	MaxRetries int `json:"max_retries" yaml:"max_retries" mapstructure:"max_retries"`

	// Timeout bounds a single API call.
	Timeout time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
}

// DefaultMinConfidence is the needs-review threshold used when the
// configuration does not set one.
const DefaultMinConfidence = 0.6

// CanonizerConfig holds settings for the classification pipeline.
type CanonizerConfig struct {
	// Workers is the number of documents processed concurrently (default 2).
	Workers int `json:"workers" yaml:"workers" mapstructure:"workers"`

	// MaxAttempts is how many deferred attempts a stage gets before the
	// document moves to ERROR (default 5).
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts" mapstructure:"max_attempts"`

	// RetryBase is the first deferral delay; it doubles per attempt (default 1m).
	RetryBase time.Duration `json:"retry_base" yaml:"retry_base" mapstructure:"retry_base"`

	// LeaseDuration bounds how long a worker owns a document (default 10m).
	LeaseDuration time.Duration `json:"lease_duration" yaml:"lease_duration" mapstructure:"lease_duration"`

	// Language is the preferred language for titles and summaries (e.g. "de").
	Language string `json:"language" yaml:"language" mapstructure:"language"`

	// MinConfidence below which classified documents are tagged
	// needs-review. The config file default is DefaultMinConfidence; zero
	// disables the tag.
	MinConfidence float64 `json:"min_confidence" yaml:"min_confidence" mapstructure:"min_confidence"`

	// MaxAuditPages caps the pages sent to the visual audit (default 10).
	MaxAuditPages int `json:"max_audit_pages" yaml:"max_audit_pages" mapstructure:"max_audit_pages"`
}

// WithDefaults returns a copy with zero values replaced by defaults.
func (c CanonizerConfig) WithDefaults() CanonizerConfig {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Minute
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 10 * time.Minute
	}
	// Zero is a valid threshold: it turns the needs-review tag off.
	if c.MinConfidence < 0 {
		c.MinConfidence = 0
	}
	if c.MaxAuditPages <= 0 {
		c.MaxAuditPages = 10
	}
	return c
}

// ReportConfig holds settings for reports.
type ReportConfig struct {
	// Currency is the reporting currency; other currencies are listed separately.
	Currency string `json:"currency" yaml:"currency" mapstructure:"currency"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `json:"level" yaml:"level" mapstructure:"level"`

	// Format is text, json or auto (text on a terminal).
	Format string `json:"format" yaml:"format" mapstructure:"format"`
}

// Config groups all component configurations.
type Config struct {
	Vault     VaultConfig     `json:"vault" yaml:"vault" mapstructure:"vault"`
	Store     StoreConfig     `json:"store" yaml:"store" mapstructure:"store"`
	AI        AIConfig        `json:"ai" yaml:"ai" mapstructure:"ai"`
	Canonizer CanonizerConfig `json:"canonizer" yaml:"canonizer" mapstructure:"canonizer"`
	Report    ReportConfig    `json:"report" yaml:"report" mapstructure:"report"`
	Log       LogConfig       `json:"log" yaml:"log" mapstructure:"log"`
}
