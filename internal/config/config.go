package config

import (
	"encoding/json"
	"fmt"
	"os"

	"veilbox/internal/constants"
	"veilbox/internal/models"
	"veilbox/internal/security"

	"github.com/kelseyhightower/envconfig"
)

var (
	ErrMissingDBPath = models.ConfigError{Message: "missing database path"}
)

// envOverrides are environment variables that take precedence over the
// config file. Processed with the VEILBOX prefix, e.g. VEILBOX_PORT.
type envOverrides struct {
	Port              int    `envconfig:"PORT"`
	DBPath            string `envconfig:"DB_PATH"`
	LogLevel          string `envconfig:"LOG_LEVEL"`
	GenerationBaseURL string `envconfig:"GENERATION_BASE_URL"`
	GenerationModel   string `envconfig:"GENERATION_MODEL"`
	OTLPEndpoint      string `envconfig:"OTLP_ENDPOINT"`
}

// LoadConfig reads, validates and defaults the JSON configuration,
// then applies environment overrides.
func LoadConfig(path string) (*models.Config, error) {
	// Validate config file path to prevent directory traversal
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	file, err := os.ReadFile(path) // #nosec G304 - Path validated by security.ValidateFilePath above
	if err != nil {
		return nil, err
	}

	var config models.Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	if err := validate(&config); err != nil {
		return nil, err
	}

	if err := applyEnvironmentOverrides(&config); err != nil {
		return nil, err
	}

	if err := validateSecurity(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validate(c *models.Config) error {
	if c.Database.Path == "" {
		return ErrMissingDBPath
	}

	if c.Server.Port <= 0 {
		c.Server.Port = constants.DefaultServerPort
	}
	if c.Server.ReadTimeoutSec <= 0 {
		c.Server.ReadTimeoutSec = constants.DefaultServerReadTimeoutSec
	}
	if c.Server.WriteTimeoutSec <= 0 {
		c.Server.WriteTimeoutSec = constants.DefaultServerWriteTimeoutSec
	}
	if c.Server.IdleTimeoutSec <= 0 {
		c.Server.IdleTimeoutSec = constants.DefaultServerIdleTimeoutSec
	}

	if c.Generation.Model == "" {
		c.Generation.Model = constants.DefaultGenerationModel
	}
	if c.Generation.TimeoutSec <= 0 {
		c.Generation.TimeoutSec = constants.DefaultGenerationTimeoutSec
	}
	if c.Generation.MaxReplies <= 0 {
		c.Generation.MaxReplies = constants.DefaultGenerationMaxReplies
	}

	if c.Engine.MaxConcurrent <= 0 {
		c.Engine.MaxConcurrent = constants.DefaultEngineMaxConcurrent
	}
	if c.Engine.MaxAttempts <= 0 {
		c.Engine.MaxAttempts = constants.DefaultEngineMaxAttempts
	}
	if c.Engine.InitialBackoffMs <= 0 {
		c.Engine.InitialBackoffMs = constants.DefaultEngineInitialBackoffMs
	}
	if c.Engine.MaxBackoffMs <= 0 {
		c.Engine.MaxBackoffMs = constants.DefaultEngineMaxBackoffMs
	}
	if c.Engine.MaxBackoffMs < c.Engine.InitialBackoffMs {
		return models.ConfigError{Message: "engine maxBackoffMs must be >= initialBackoffMs"}
	}
	if c.Engine.RetryScanIntervalSec <= 0 {
		c.Engine.RetryScanIntervalSec = constants.DefaultRetryScanIntervalSec
	}
	if c.Engine.BreakerMaxFailures <= 0 {
		c.Engine.BreakerMaxFailures = constants.DefaultBreakerMaxFailures
	}
	if c.Engine.BreakerResetSec <= 0 {
		c.Engine.BreakerResetSec = constants.DefaultBreakerResetSec
	}

	if c.RetentionDays <= 0 {
		c.RetentionDays = constants.DefaultRetentionDays
	}
	if c.CleanupIntervalHours <= 0 {
		c.CleanupIntervalHours = constants.DefaultCleanupIntervalHours
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "veilbox"
	}
	if c.Tracing.SampleRate <= 0 {
		c.Tracing.SampleRate = 0.1
	}

	return nil
}

func applyEnvironmentOverrides(c *models.Config) error {
	var env envOverrides
	if err := envconfig.Process("veilbox", &env); err != nil {
		return fmt.Errorf("failed to process environment overrides: %w", err)
	}

	if env.Port > 0 {
		c.Server.Port = env.Port
	}
	if env.DBPath != "" {
		c.Database.Path = env.DBPath
	}
	if env.LogLevel != "" {
		c.LogLevel = env.LogLevel
	}
	if env.GenerationBaseURL != "" {
		c.Generation.APIBaseURL = env.GenerationBaseURL
	}
	if env.GenerationModel != "" {
		c.Generation.Model = env.GenerationModel
	}
	if env.OTLPEndpoint != "" {
		c.Tracing.OTLPEndpoint = env.OTLPEndpoint
	}

	return nil
}

// validateSecurity performs security-specific validation
func validateSecurity(c *models.Config) error {
	isProduction := os.Getenv("VEILBOX_ENV") == "production"

	encryptionEnabled := os.Getenv("VEILBOX_ENABLE_ENCRYPTION") == "true"
	secret := os.Getenv("VEILBOX_ENCRYPTION_SECRET")

	if isProduction {
		if !encryptionEnabled {
			return models.ConfigError{Message: "at-rest encryption is required in production (set VEILBOX_ENABLE_ENCRYPTION=true)"}
		}
		if c.LogLevel == "debug" {
			return models.ConfigError{Message: "debug logging should not be used in production (security risk)"}
		}
	}

	if encryptionEnabled && len(secret) < 32 {
		return models.ConfigError{Message: "VEILBOX_ENCRYPTION_SECRET must be at least 32 characters long"}
	}

	if !encryptionEnabled && !isProduction {
		fmt.Fprintf(os.Stderr, "WARNING: at-rest encryption disabled. Set VEILBOX_ENABLE_ENCRYPTION=true and VEILBOX_ENCRYPTION_SECRET to protect stored content.\n")
	}

	return nil
}
