// Package config provides application configuration management.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Configuration upper bounds to prevent resource exhaustion.
const (
	maxBrowserInstances = 64
	maxTTL              = 24 * time.Hour
	maxSQSWaitSeconds   = 20 // SQS long-poll hard limit
	maxSQSBatchSize     = 10 // SQS ReceiveMessage hard limit
)

// Config holds all application configuration.
// Configuration is loaded from environment variables at startup.
type Config struct {
	// Environment: "local" (file-based test mode) or "production" (SQS)
	Env string

	// Queue settings
	RequestQueueURL    string
	ResponseQueueURL   string
	AWSRegion          string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	SQSWaitTimeSeconds int
	SQSMaxBatchSize    int

	// Capacity
	MaxBrowserInstances int

	// Session lifetimes
	DefaultTTL time.Duration
	HardTTL    time.Duration

	// Browser settings
	BrowserTimeout time.Duration // DevTools readiness budget per launch
	PortStart      int
	PortEnd        int
	BrowserPath    string

	// Delegated launcher (Windows RDP-session helper)
	UseCustomLauncher bool
	LauncherCmd       string

	// Profiles
	ProfileReuseEnabled    bool
	ProfileMaxAge          time.Duration
	ProfileCleanupInterval time.Duration

	// Callback
	CallbackEnabled bool
	CallbackURL     string
	CallbackTimeout time.Duration

	// Helper scripts
	ScriptsDir string

	// Local test mode
	LocalTestDir       string
	LocalCheckInterval time.Duration

	// Chrome flag policy overrides
	ChromeFlagsPath      string // Path to external chrome_flags.yaml override file
	ChromeFlagsHotReload bool   // Enable file watching for hot-reload of the flag policy

	// Observability
	LogLevel          string
	StatusLogInterval time.Duration
	PrometheusEnabled bool
	PrometheusPort    int
}

// Load loads configuration from environment variables.
// Returns a Config with values from environment or sensible defaults.
func Load() *Config {
	return &Config{
		Env: getEnvString("ENV", "local"),

		// Queue
		RequestQueueURL:    getEnvString("SQS_REQUEST_QUEUE_URL", ""),
		ResponseQueueURL:   getEnvString("SQS_RESPONSE_QUEUE_URL", ""),
		AWSRegion:          getEnvString("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:     getEnvString("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey: getEnvString("AWS_SECRET_ACCESS_KEY", ""),
		SQSWaitTimeSeconds: getEnvInt("SQS_WAIT_TIME_SECONDS", 20),
		SQSMaxBatchSize:    getEnvInt("SQS_MAX_BATCH_SIZE", 4),

		// Capacity
		MaxBrowserInstances: getEnvInt("MAX_BROWSER_INSTANCES", 5),

		// Lifetimes
		DefaultTTL: time.Duration(getEnvInt("DEFAULT_TTL_MINUTES", 30)) * time.Minute,
		HardTTL:    time.Duration(getEnvInt("HARD_TTL_MINUTES", 120)) * time.Minute,

		// Browser - BROWSER_TIMEOUT is milliseconds for wire compatibility
		BrowserTimeout: time.Duration(getEnvInt("BROWSER_TIMEOUT", 60000)) * time.Millisecond,
		PortStart:      getEnvInt("CHROME_PORT_START", 9222),
		PortEnd:        getEnvInt("CHROME_PORT_END", 9322),
		BrowserPath:    getEnvString("BROWSER_PATH", ""),

		// Delegated launcher
		UseCustomLauncher: getEnvBool("USE_CUSTOM_CHROME_LAUNCHER", false),
		LauncherCmd:       getEnvString("CHROME_LAUNCHER_CMD", `C:\Chrome-RDP\launch_chrome_port.cmd`),

		// Profiles
		ProfileReuseEnabled:    getEnvBool("PROFILE_REUSE_ENABLED", true),
		ProfileMaxAge:          time.Duration(getEnvInt("PROFILE_MAX_AGE_HOURS", 24)) * time.Hour,
		ProfileCleanupInterval: time.Duration(getEnvInt("PROFILE_CLEANUP_INTERVAL_SECONDS", 3600)) * time.Second,

		// Callback
		CallbackEnabled: getEnvBool("BROWSER_API_CALLBACK_ENABLED", false),
		CallbackURL:     getEnvString("BROWSER_API_CALLBACK_URL", ""),
		CallbackTimeout: getEnvDuration("BROWSER_API_CALLBACK_TIMEOUT", 30*time.Second),

		// Helper scripts
		ScriptsDir: getEnvString("SCRIPTS_DIR", "scripts"),

		// Local test mode
		LocalTestDir:       getEnvString("LOCAL_TEST_DIR", "local_test"),
		LocalCheckInterval: getEnvDuration("LOCAL_CHECK_INTERVAL", 2*time.Second),

		// Chrome flag policy
		ChromeFlagsPath:      getEnvString("CHROME_FLAGS_PATH", ""),
		ChromeFlagsHotReload: getEnvBool("CHROME_FLAGS_HOT_RELOAD", false),

		// Observability
		LogLevel:          getEnvString("LOG_LEVEL", "info"),
		StatusLogInterval: getEnvDuration("STATUS_LOG_INTERVAL", 10*time.Second),
		PrometheusEnabled: getEnvBool("PROMETHEUS_ENABLED", false),
		PrometheusPort:    getEnvInt("PROMETHEUS_PORT", 9090),
	}
}

// IsProduction returns true when the launcher should poll SQS.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// PortCount returns the number of debug ports in the configured range.
func (c *Config) PortCount() int {
	return c.PortEnd - c.PortStart + 1
}

// LauncherBaseDir returns the directory the delegated launcher script lives
// in, used as the root for per-port profile directories.
func (c *Config) LauncherBaseDir() string {
	dir := filepath.Dir(c.LauncherCmd)
	if dir == "" || dir == "." {
		return `C:\Chrome-RDP`
	}
	return dir
}

// Validate checks configuration values and logs warnings for invalid values.
// Invalid values are corrected to sensible defaults.
func (c *Config) Validate() {
	// Instance cap validation with upper bound
	if c.MaxBrowserInstances < 1 {
		log.Warn().Int("max", c.MaxBrowserInstances).Msg("Invalid max browser instances, using default 5")
		c.MaxBrowserInstances = 5
	} else if c.MaxBrowserInstances > maxBrowserInstances {
		log.Warn().
			Int("max", c.MaxBrowserInstances).
			Int("cap", maxBrowserInstances).
			Msg("Max browser instances too large, capping to maximum")
		c.MaxBrowserInstances = maxBrowserInstances
	}

	// Port range validation - debug ports must be nonprivileged and ordered
	if c.PortStart < 1024 || c.PortStart > 65535 {
		log.Warn().Int("port", c.PortStart).Msg("Invalid CHROME_PORT_START, using default 9222")
		c.PortStart = 9222
	}
	if c.PortEnd < 1024 || c.PortEnd > 65535 {
		log.Warn().Int("port", c.PortEnd).Msg("Invalid CHROME_PORT_END, using default 9322")
		c.PortEnd = 9322
	}
	if c.PortEnd < c.PortStart {
		log.Warn().
			Int("start", c.PortStart).
			Int("end", c.PortEnd).
			Msg("CHROME_PORT_END before CHROME_PORT_START, swapping")
		c.PortStart, c.PortEnd = c.PortEnd, c.PortStart
	}
	if c.PortCount() < c.MaxBrowserInstances {
		log.Warn().
			Int("ports", c.PortCount()).
			Int("max_instances", c.MaxBrowserInstances).
			Msg("Fewer debug ports than instance slots - port exhaustion will gate capacity")
	}

	// TTL validation (minimum 1 minute, default must not exceed hard)
	if c.DefaultTTL < time.Minute {
		log.Warn().Dur("ttl", c.DefaultTTL).Msg("Default TTL too short, using 30m")
		c.DefaultTTL = 30 * time.Minute
	}
	if c.HardTTL < time.Minute {
		log.Warn().Dur("ttl", c.HardTTL).Msg("Hard TTL too short, using 120m")
		c.HardTTL = 120 * time.Minute
	}
	if c.HardTTL > maxTTL {
		log.Warn().
			Dur("ttl", c.HardTTL).
			Dur("max", maxTTL).
			Msg("Hard TTL too long, capping to maximum")
		c.HardTTL = maxTTL
	}
	if c.DefaultTTL > c.HardTTL {
		log.Warn().
			Dur("default", c.DefaultTTL).
			Dur("hard", c.HardTTL).
			Msg("Default TTL exceeds hard TTL, adjusting to hard TTL")
		c.DefaultTTL = c.HardTTL
	}

	// Browser timeout validation (minimum 1s, maximum 5 minutes)
	if c.BrowserTimeout < time.Second {
		log.Warn().Dur("timeout", c.BrowserTimeout).Msg("Browser timeout too short, using 60s")
		c.BrowserTimeout = 60 * time.Second
	} else if c.BrowserTimeout > 5*time.Minute {
		log.Warn().Dur("timeout", c.BrowserTimeout).Msg("Browser timeout too long, capping to 5m")
		c.BrowserTimeout = 5 * time.Minute
	}

	// SQS parameter validation against service limits
	if c.SQSWaitTimeSeconds < 0 {
		log.Warn().Int("wait", c.SQSWaitTimeSeconds).Msg("Invalid SQS wait time, using 20")
		c.SQSWaitTimeSeconds = 20
	} else if c.SQSWaitTimeSeconds > maxSQSWaitSeconds {
		log.Warn().
			Int("wait", c.SQSWaitTimeSeconds).
			Int("max", maxSQSWaitSeconds).
			Msg("SQS wait time exceeds service limit, capping")
		c.SQSWaitTimeSeconds = maxSQSWaitSeconds
	}
	if c.SQSMaxBatchSize < 1 {
		log.Warn().Int("batch", c.SQSMaxBatchSize).Msg("Invalid SQS batch size, using 4")
		c.SQSMaxBatchSize = 4
	} else if c.SQSMaxBatchSize > maxSQSBatchSize {
		log.Warn().
			Int("batch", c.SQSMaxBatchSize).
			Int("max", maxSQSBatchSize).
			Msg("SQS batch size exceeds service limit, capping")
		c.SQSMaxBatchSize = maxSQSBatchSize
	}

	// Queue URLs are required in production mode
	if c.IsProduction() {
		if c.RequestQueueURL == "" {
			log.Error().Msg("ENV=production but SQS_REQUEST_QUEUE_URL is empty - no work will be received")
		}
		if c.ResponseQueueURL == "" {
			log.Warn().Msg("SQS_RESPONSE_QUEUE_URL is empty - responses will not be published")
		}
	}

	// BrowserPath validation - prevent path traversal
	if c.BrowserPath != "" && strings.Contains(c.BrowserPath, "..") {
		log.Error().
			Str("path", c.BrowserPath).
			Msg("BROWSER_PATH contains path traversal sequence (..), ignoring")
		c.BrowserPath = ""
	}

	// Delegated launcher validation
	if c.UseCustomLauncher {
		if c.LauncherCmd == "" {
			log.Error().Msg("USE_CUSTOM_CHROME_LAUNCHER is true but CHROME_LAUNCHER_CMD is empty, disabling")
			c.UseCustomLauncher = false
		} else if _, err := os.Stat(c.LauncherCmd); os.IsNotExist(err) {
			log.Warn().
				Str("cmd", c.LauncherCmd).
				Msg("Chrome launcher script does not exist - launches will fail until it is installed")
		}
	}

	// Callback validation
	if c.CallbackEnabled {
		if c.CallbackURL == "" {
			log.Warn().Msg("BROWSER_API_CALLBACK_ENABLED is true but BROWSER_API_CALLBACK_URL is empty, disabling")
			c.CallbackEnabled = false
		} else if !strings.HasPrefix(c.CallbackURL, "http://") && !strings.HasPrefix(c.CallbackURL, "https://") {
			log.Error().
				Str("url", c.CallbackURL).
				Msg("BROWSER_API_CALLBACK_URL must be http or https, disabling callback")
			c.CallbackEnabled = false
		}
	}
	if c.CallbackTimeout < time.Second {
		log.Warn().Dur("timeout", c.CallbackTimeout).Msg("Callback timeout too short, using 30s")
		c.CallbackTimeout = 30 * time.Second
	}

	// Status log interval (minimum 1 second)
	if c.StatusLogInterval < time.Second {
		log.Warn().Dur("interval", c.StatusLogInterval).Msg("Status log interval too short, using 10s")
		c.StatusLogInterval = 10 * time.Second
	}

	// Prometheus port validation
	if c.PrometheusEnabled && (c.PrometheusPort < 1 || c.PrometheusPort > 65535) {
		log.Warn().Int("port", c.PrometheusPort).Msg("Invalid Prometheus port, using 9090")
		c.PrometheusPort = 9090
	}

	// Flag policy path validation
	if c.ChromeFlagsPath != "" && strings.Contains(c.ChromeFlagsPath, "..") {
		log.Error().
			Str("path", c.ChromeFlagsPath).
			Msg("CHROME_FLAGS_PATH contains path traversal sequence (..), ignoring")
		c.ChromeFlagsPath = ""
	}
	if c.ChromeFlagsHotReload && c.ChromeFlagsPath == "" {
		log.Warn().Msg("CHROME_FLAGS_HOT_RELOAD enabled but CHROME_FLAGS_PATH not set - hot-reload disabled")
		c.ChromeFlagsHotReload = false
	}

	// Log level validation
	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		log.Warn().Str("level", c.LogLevel).Msg("Invalid log level, using 'info'")
		c.LogLevel = "info"
	}
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		intValue, err := strconv.ParseInt(value, 10, 32)
		if err == nil {
			return int(intValue)
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Bool("default", defaultValue).
			Msg("Invalid boolean in environment variable, using default")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err == nil {
			if duration > 0 {
				return duration
			}
			log.Warn().
				Str("key", key).
				Str("value", value).
				Dur("default", defaultValue).
				Msg("Duration must be positive, using default")
			return defaultValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Dur("default", defaultValue).
			Msg("Invalid duration in environment variable, using default")
	}
	return defaultValue
}
