package constants

// Default server configuration values
const (
	DefaultServerPort            = 8084
	DefaultServerReadTimeoutSec  = 15
	DefaultServerWriteTimeoutSec = 15
	DefaultServerIdleTimeoutSec  = 60
	DefaultGracefulShutdownSec   = 30
	ServerErrorChannelSize       = 1
)

// Default processing engine values
const (
	DefaultEngineMaxConcurrent    = 8
	DefaultEngineMaxAttempts      = 5
	DefaultEngineInitialBackoffMs = 2000
	DefaultEngineMaxBackoffMs     = 300000
	DefaultRetryScanIntervalSec   = 15
	DefaultGenerationTimeoutSec   = 20
	DefaultChangeStreamBufferSize = 64
)

// Default generation backend values
const (
	DefaultGenerationModel      = "gpt-4o-mini"
	DefaultGenerationMaxReplies = 3
	DefaultBreakerMaxFailures   = 5
	DefaultBreakerResetSec      = 60
)

// Default database values
const (
	DefaultDatabaseRetryAttempts = 3
	DefaultRetryBackoffMs        = 1000
	DefaultMaxBackoffMs          = 60000
	DefaultRetentionDays         = 30
	DefaultCleanupIntervalHours  = 6
)

// Encryption parameters for at-rest content protection
const (
	EncryptionSalt = "veilbox-content-salt-v1"
)

// Privacy settings for log output
const (
	DefaultSenderMaskLength = 2
)
