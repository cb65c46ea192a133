package models

// Config holds the application configuration
type Config struct {
	Server               ServerConfig      `json:"server"`
	Database             DatabaseConfig    `json:"database"`
	Generation           GenerationConfig  `json:"generation"`
	Engine               EngineConfig      `json:"engine"`
	Categorizer          CategorizerConfig `json:"categorizer"`
	Veil                 VeilConfig        `json:"veil"`
	Tracing              TracingConfig     `json:"tracing"`
	LogLevel             string            `json:"log_level"`
	RetentionDays        int               `json:"retentionDays"`
	CleanupIntervalHours int               `json:"cleanupIntervalHours"`
}

// ServerConfig holds HTTP server related configuration
type ServerConfig struct {
	Port            int `json:"port"`
	ReadTimeoutSec  int `json:"readTimeoutSec"`
	WriteTimeoutSec int `json:"writeTimeoutSec"`
	IdleTimeoutSec  int `json:"idleTimeoutSec"`
}

// DatabaseConfig holds database related configuration
type DatabaseConfig struct {
	Path string `json:"path"`
}

// GenerationConfig holds reply-generation backend configuration. The
// API key is never read from the config file, only from the
// environment (OPENAI_API_KEY).
type GenerationConfig struct {
	APIBaseURL string `json:"api_base_url"`
	Model      string `json:"model"`
	TimeoutSec int    `json:"timeout_sec"`
	MaxReplies int    `json:"max_replies"`
}

// EngineConfig holds processing engine configuration
type EngineConfig struct {
	MaxConcurrent        int `json:"maxConcurrent"`
	MaxAttempts          int `json:"maxAttempts"`
	InitialBackoffMs     int `json:"initialBackoffMs"`
	MaxBackoffMs         int `json:"maxBackoffMs"`
	RetryScanIntervalSec int `json:"retryScanIntervalSec"`
	BreakerMaxFailures   int `json:"breakerMaxFailures"`
	BreakerResetSec      int `json:"breakerResetSec"`
}

// CategorizerConfig holds the keyword and source sets used for bucket
// assignment. Empty slices fall back to the built-in defaults.
type CategorizerConfig struct {
	UrgentKeywords        []string `json:"urgentKeywords"`
	WorkSources           []string `json:"workSources"`
	SocialSources         []string `json:"socialSources"`
	FinancialSources      []string `json:"financialSources"`
	PromotionalKeywords   []string `json:"promotionalKeywords"`
	TransactionalKeywords []string `json:"transactionalKeywords"`
}

// VeilConfig holds veil generation configuration
type VeilConfig struct {
	AppDisplayNames map[string]string `json:"appDisplayNames"`
}

// TracingConfig holds OpenTelemetry configuration
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	ServiceName    string  `json:"service_name"`
	ServiceVersion string  `json:"service_version"`
	Environment    string  `json:"environment"`
	OTLPEndpoint   string  `json:"otlp_endpoint"`
	SampleRate     float64 `json:"sample_rate"`
	UseStdout      bool    `json:"use_stdout"`
}

// ConfigError represents a configuration validation failure
type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
