// Package config provides configuration loading and validation for guardrail.
// It uses koanf to merge environment variables with optional file overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/onnwee/guardrail/internal/compliance"
	"github.com/onnwee/guardrail/internal/tracing"
	"github.com/onnwee/guardrail/internal/validate"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "GUARDRAIL_"

// Config holds all configuration values. It is built once by Load and
// passed by value or pointer to constructors; nothing mutates it afterwards.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Storage. Empty URLs select the in-memory backends.
	DatabaseURL string `koanf:"database_url"`
	RedisURL    string `koanf:"redis_url"`

	// Rules and discovery
	RulesPath    string `koanf:"rules_path"`
	IssuesPath   string `koanf:"issues_path"`
	DiscoveryURL string `koanf:"discovery_url"`

	// Execution
	DryRun           bool          `koanf:"dry_run"`
	VerifyExecution  bool          `koanf:"verify_execution"`
	SkipExecution    bool          `koanf:"skip_execution"`
	MaxAttempts      int           `koanf:"max_attempts"`
	RetryBackoff     time.Duration `koanf:"retry_backoff"`
	AttemptTimeout   time.Duration `koanf:"attempt_timeout"`
	MaxActionsPerRun int           `koanf:"max_actions_per_run"`
	ActuatorURL      string        `koanf:"actuator_url"`
	ActuatorToken    string        `koanf:"actuator_token"`

	// Compliance
	RateLimitWindow    time.Duration `koanf:"rate_limit_window"`
	RateLimitCeiling   int           `koanf:"rate_limit_ceiling"`
	CriticalNodeIDs    []string      `koanf:"critical_node_ids"`
	MaintenanceWindows []string      `koanf:"maintenance_windows"` // daily HH:MM-HH:MM, UTC
	ChangeFreezes      []string      `koanf:"change_freezes"`      // RFC 3339 start/end
	BusinessHours      string        `koanf:"business_hours"`      // daily HH:MM-HH:MM, UTC

	// ActionCatalog overrides or extends the built-in action classes. File only.
	ActionCatalog map[string]compliance.Class `koanf:"action_catalog"`

	// Approval tokens
	ApprovalSecret         string        `koanf:"approval_secret"`
	ApprovalPreviousSecret string        `koanf:"approval_previous_secret"`
	ApprovalTTL            time.Duration `koanf:"approval_ttl"`
	ApprovalLeeway         time.Duration `koanf:"approval_leeway"` // clock skew tolerated on token expiry

	// Scheduler
	ScheduleInterval time.Duration `koanf:"schedule_interval"`
	ScheduleScope    string        `koanf:"schedule_scope"`

	// Ledger archive (S3-compatible object storage)
	ArchiveBucket          string `koanf:"archive_bucket"`
	ArchiveEndpoint        string `koanf:"archive_endpoint"`
	ArchiveAccessKeyID     string `koanf:"archive_access_key_id"`
	ArchiveSecretAccessKey string `koanf:"archive_secret_access_key"`
	ArchiveRegion          string `koanf:"archive_region"`
	ArchivePrefix          string `koanf:"archive_prefix"`

	// Tracing
	TracingEnabled      bool    `koanf:"tracing_enabled"`
	TracingExporter     string  `koanf:"tracing_exporter"`
	TracingEndpoint     string  `koanf:"tracing_endpoint"`
	TracingSamplingRate float64 `koanf:"tracing_sampling_rate"`
	TracingInsecure     bool    `koanf:"tracing_insecure"`

	// HTTP
	CORSAllowedOrigins []string `koanf:"cors_allowed_origins"`
}

// Configuration validation errors.
var (
	ErrInvalidPort              = errors.New("PORT must be a valid integer")
	ErrInvalidNumber            = errors.New("value must be a valid number")
	ErrInvalidDuration          = errors.New("value must be a valid duration")
	ErrInvalidMaxAttempts       = errors.New("max_attempts must be at least 1")
	ErrInvalidRateLimitCeiling  = errors.New("rate_limit_ceiling must be at least 1")
	ErrInvalidRateLimitWindow   = errors.New("rate_limit_window must be positive")
	ErrInvalidSamplingRate      = errors.New("tracing_sampling_rate must be between 0 and 1")
	ErrMissingActuatorURL       = errors.New("actuator_url is required unless dry_run is set")
	ErrMissingArchiveBucket     = errors.New("archive_bucket is required")
	ErrMissingArchiveKeyID      = errors.New("archive_access_key_id is required")
	ErrMissingArchiveSecret     = errors.New("archive_secret_access_key is required")
	ErrMissingArchiveEndpoint   = errors.New("archive_endpoint is required")
	ErrMissingTracingEndpoint   = errors.New("tracing_endpoint is required when tracing is enabled")
	ErrInvalidTracingExporter   = errors.New("tracing_exporter must be otlp-http or otlp-grpc")
	ErrInvalidMaintenanceWindow = errors.New("invalid maintenance window")
	ErrInvalidChangeFreeze      = errors.New("invalid change freeze")
	ErrInvalidBusinessHours     = errors.New("invalid business hours")
	ErrInvalidActuatorURL       = errors.New("invalid actuator_url")
	ErrInvalidDiscoveryURL      = errors.New("invalid discovery_url")
	ErrInvalidArchiveEndpoint   = errors.New("invalid archive_endpoint")
	ErrInvalidCORSOrigin        = errors.New("invalid cors_allowed_origins entry")
	ErrInvalidActionCatalog     = errors.New("invalid action_catalog")
	ErrInvalidApprovalLeeway    = errors.New("approval_leeway must not be negative")
)

// Default values for non-secret configuration.
const (
	DefaultPort                = 8080
	DefaultEnv                 = "development"
	DefaultRulesPath           = "rules.yaml"
	DefaultMaxAttempts         = 3
	DefaultRetryBackoff        = 2 * time.Second
	DefaultAttemptTimeout      = 30 * time.Second
	DefaultRateLimitWindow     = time.Hour
	DefaultRateLimitCeiling    = 10
	DefaultMaintenanceWindow   = "02:00-06:00"
	DefaultApprovalTTL         = time.Hour
	DefaultApprovalLeeway      = 30 * time.Second
	DefaultScheduleInterval    = 5 * time.Minute
	DefaultScheduleScope       = "all"
	DefaultArchiveRegion       = "auto"
	DefaultArchivePrefix       = "guardrail/"
	DefaultTracingExporter     = tracing.ExporterOTLPHTTP
	DefaultTracingSamplingRate = 1.0
)

// Load reads configuration from environment variables and an optional config file.
// Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, an error is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	// Load from YAML file first if provided (lower precedence)
	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	collect := func(err error) {
		if err != nil {
			loadErrs = append(loadErrs, err)
		}
	}
	intVal := func(key string, def int) int {
		v, err := getEnvIntOrDefault(envName(key), k.Int(key), def)
		collect(err)
		return v
	}
	durVal := func(key string, def time.Duration) time.Duration {
		v, err := getEnvDurationOrDefault(envName(key), k, key, def)
		collect(err)
		return v
	}
	boolVal := func(key string, def bool) bool {
		v, err := getEnvBoolOrDefault(envName(key), k, key, def)
		collect(err)
		return v
	}

	// Try GUARDRAIL_PORT first, then PORT for backward compatibility
	port, portErr := getEnvIntOrDefaultMulti([]string{envName("port"), "PORT"}, k.Int("port"), DefaultPort)
	collect(portErr)

	samplingRate, rateErr := getEnvFloatOrDefault(envName("tracing_sampling_rate"), k, "tracing_sampling_rate", DefaultTracingSamplingRate)
	collect(rateErr)

	var catalog map[string]compliance.Class
	if k.Exists("action_catalog") {
		if err := k.UnmarshalWithConf("action_catalog", &catalog, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
			collect(fmt.Errorf("%w: %w", ErrInvalidActionCatalog, err))
		}
	}

	// Build config struct, with env vars taking precedence over file values
	cfg := &Config{
		Port:        port,
		Env:         getEnvOrDefaultMulti([]string{envName("env"), "ENV"}, k.String("env"), DefaultEnv),
		DatabaseURL: getEnvOrDefaultMulti([]string{envName("database_url"), "DATABASE_URL"}, k.String("database_url"), ""),
		RedisURL:    getEnvOrDefaultMulti([]string{envName("redis_url"), "REDIS_URL"}, k.String("redis_url"), ""),

		RulesPath:    getEnvOrDefault(envName("rules_path"), k.String("rules_path"), DefaultRulesPath),
		IssuesPath:   getEnvOrKoanf(envName("issues_path"), k, "issues_path"),
		DiscoveryURL: getEnvOrKoanf(envName("discovery_url"), k, "discovery_url"),

		DryRun:           boolVal("dry_run", false),
		VerifyExecution:  boolVal("verify_execution", true),
		SkipExecution:    boolVal("skip_execution", false),
		MaxAttempts:      intVal("max_attempts", DefaultMaxAttempts),
		RetryBackoff:     durVal("retry_backoff", DefaultRetryBackoff),
		AttemptTimeout:   durVal("attempt_timeout", DefaultAttemptTimeout),
		MaxActionsPerRun: intVal("max_actions_per_run", 0),
		ActuatorURL:      getEnvOrKoanf(envName("actuator_url"), k, "actuator_url"),
		ActuatorToken:    getEnvOrKoanf(envName("actuator_token"), k, "actuator_token"),

		RateLimitWindow:    durVal("rate_limit_window", DefaultRateLimitWindow),
		RateLimitCeiling:   intVal("rate_limit_ceiling", DefaultRateLimitCeiling),
		CriticalNodeIDs:    getEnvListOrKoanf(envName("critical_node_ids"), k, "critical_node_ids", nil),
		MaintenanceWindows: getEnvListOrKoanf(envName("maintenance_windows"), k, "maintenance_windows", []string{DefaultMaintenanceWindow}),
		ChangeFreezes:      getEnvListOrKoanf(envName("change_freezes"), k, "change_freezes", nil),
		BusinessHours:      getEnvOrKoanf(envName("business_hours"), k, "business_hours"),
		ActionCatalog:      catalog,

		ApprovalSecret:         getEnvOrKoanf(envName("approval_secret"), k, "approval_secret"),
		ApprovalPreviousSecret: getEnvOrKoanf(envName("approval_previous_secret"), k, "approval_previous_secret"),
		ApprovalTTL:            durVal("approval_ttl", DefaultApprovalTTL),
		ApprovalLeeway:         durVal("approval_leeway", DefaultApprovalLeeway),

		ScheduleInterval: durVal("schedule_interval", DefaultScheduleInterval),
		ScheduleScope:    getEnvOrDefault(envName("schedule_scope"), k.String("schedule_scope"), DefaultScheduleScope),

		ArchiveBucket:          getEnvOrKoanf(envName("archive_bucket"), k, "archive_bucket"),
		ArchiveEndpoint:        getEnvOrKoanf(envName("archive_endpoint"), k, "archive_endpoint"),
		ArchiveAccessKeyID:     getEnvOrKoanf(envName("archive_access_key_id"), k, "archive_access_key_id"),
		ArchiveSecretAccessKey: getEnvOrKoanf(envName("archive_secret_access_key"), k, "archive_secret_access_key"),
		ArchiveRegion:          getEnvOrDefault(envName("archive_region"), k.String("archive_region"), DefaultArchiveRegion),
		ArchivePrefix:          getEnvOrDefault(envName("archive_prefix"), k.String("archive_prefix"), DefaultArchivePrefix),

		TracingEnabled:      boolVal("tracing_enabled", false),
		TracingExporter:     getEnvOrDefault(envName("tracing_exporter"), k.String("tracing_exporter"), DefaultTracingExporter),
		TracingEndpoint:     getEnvOrKoanf(envName("tracing_endpoint"), k, "tracing_endpoint"),
		TracingSamplingRate: samplingRate,
		TracingInsecure:     boolVal("tracing_insecure", false),

		CORSAllowedOrigins: getEnvListOrKoanf(envName("cors_allowed_origins"), k, "cors_allowed_origins", nil),
	}

	// Validate and collect errors
	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// envName maps a koanf key to its environment variable.
func envName(key string) string {
	return EnvPrefix + strings.ToUpper(key)
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefault returns the environment variable value if set, otherwise the koanf value, or default.
func getEnvOrDefault(envKey string, koanfVal string, defaultVal string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first non-empty value found, otherwise the koanf value, or default.
func getEnvOrDefaultMulti(envKeys []string, koanfVal string, defaultVal string) string {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvIntOrDefault returns the environment variable as int if set, otherwise the koanf value, or default.
// Returns an error if the environment variable is set but cannot be parsed as an integer.
func getEnvIntOrDefault(envKey string, koanfVal int, defaultVal int) (int, error) {
	if val := os.Getenv(envKey); val != "" {
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", envKey, ErrInvalidNumber)
		}
		return i, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvIntOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first valid integer value found, otherwise the koanf value, or default.
// Returns an error if any environment variable is set but cannot be parsed as an integer.
func getEnvIntOrDefaultMulti(envKeys []string, koanfVal int, defaultVal int) (int, error) {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			i, err := strconv.Atoi(val)
			if err != nil {
				return 0, fmt.Errorf("%s must be a valid integer: %w", key, ErrInvalidPort)
			}
			return i, nil
		}
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvFloatOrDefault returns the environment variable as float64 if set, otherwise the koanf value, or default.
// A file value of 0 is honoured, so sampling can be switched off from YAML.
func getEnvFloatOrDefault(envKey string, k *koanf.Koanf, koanfKey string, defaultVal float64) (float64, error) {
	if val := os.Getenv(envKey); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid float: %w", envKey, ErrInvalidNumber)
		}
		return f, nil
	}
	if k.Exists(koanfKey) {
		return k.Float64(koanfKey), nil
	}
	return defaultVal, nil
}

// getEnvDurationOrDefault parses durations such as "90s" or "5m".
func getEnvDurationOrDefault(envKey string, k *koanf.Koanf, koanfKey string, defaultVal time.Duration) (time.Duration, error) {
	if val := os.Getenv(envKey); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", envKey, ErrInvalidDuration)
		}
		return d, nil
	}
	if k.Exists(koanfKey) {
		d, err := time.ParseDuration(k.String(koanfKey))
		if err != nil {
			return 0, fmt.Errorf("%s: %w", koanfKey, ErrInvalidDuration)
		}
		return d, nil
	}
	return defaultVal, nil
}

// getEnvBoolOrDefault accepts true/false, 1/0, yes/no and on/off.
func getEnvBoolOrDefault(envKey string, k *koanf.Koanf, koanfKey string, defaultVal bool) (bool, error) {
	if val := os.Getenv(envKey); val != "" {
		switch strings.ToLower(val) {
		case "true", "1", "yes", "on":
			return true, nil
		case "false", "0", "no", "off":
			return false, nil
		}
		return defaultVal, fmt.Errorf("%s must be a boolean, got %q", envKey, val)
	}
	if k.Exists(koanfKey) {
		return k.Bool(koanfKey), nil
	}
	return defaultVal, nil
}

// getEnvListOrKoanf reads a comma-separated environment variable, otherwise
// the koanf list, or default.
func getEnvListOrKoanf(envKey string, k *koanf.Koanf, koanfKey string, defaultVal []string) []string {
	if val := os.Getenv(envKey); val != "" {
		var out []string
		for part := range strings.SplitSeq(val, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	}
	if k.Exists(koanfKey) {
		return k.Strings(koanfKey)
	}
	return defaultVal
}

// Validate checks that all configuration values are usable.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.MaxAttempts < 1 {
		errs = append(errs, ErrInvalidMaxAttempts)
	}
	if c.RateLimitCeiling < 1 {
		errs = append(errs, ErrInvalidRateLimitCeiling)
	}
	if c.RateLimitWindow <= 0 {
		errs = append(errs, ErrInvalidRateLimitWindow)
	}
	if c.ApprovalLeeway < 0 {
		errs = append(errs, ErrInvalidApprovalLeeway)
	}
	if c.ActuatorURL == "" && !c.DryRun && !c.SkipExecution {
		errs = append(errs, ErrMissingActuatorURL)
	}
	if err := checkURL(c.ActuatorURL, ErrInvalidActuatorURL); err != nil {
		errs = append(errs, err)
	}
	if err := checkURL(c.DiscoveryURL, ErrInvalidDiscoveryURL); err != nil {
		errs = append(errs, err)
	}
	if err := checkURL(c.ArchiveEndpoint, ErrInvalidArchiveEndpoint); err != nil {
		errs = append(errs, err)
	}
	for _, origin := range c.CORSAllowedOrigins {
		if _, err := validate.Origin(origin); err != nil {
			errs = append(errs, fmt.Errorf("%w: %w", ErrInvalidCORSOrigin, err))
		}
	}
	if _, err := c.DailyWindows(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.FreezeWindows(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.BusinessHoursWindow(); err != nil {
		errs = append(errs, err)
	}

	// Archive configuration is optional. Only validate fields if any archive value is set.
	if c.ArchiveBucket != "" || c.ArchiveAccessKeyID != "" || c.ArchiveSecretAccessKey != "" || c.ArchiveEndpoint != "" {
		if c.ArchiveBucket == "" {
			errs = append(errs, ErrMissingArchiveBucket)
		}
		if c.ArchiveAccessKeyID == "" {
			errs = append(errs, ErrMissingArchiveKeyID)
		}
		if c.ArchiveSecretAccessKey == "" {
			errs = append(errs, ErrMissingArchiveSecret)
		}
		if c.ArchiveEndpoint == "" {
			errs = append(errs, ErrMissingArchiveEndpoint)
		}
	}

	if c.TracingSamplingRate < 0 || c.TracingSamplingRate > 1 {
		errs = append(errs, ErrInvalidSamplingRate)
	}
	if c.TracingEnabled {
		if c.TracingEndpoint == "" {
			errs = append(errs, ErrMissingTracingEndpoint)
		}
		if c.TracingExporter != tracing.ExporterOTLPHTTP && c.TracingExporter != tracing.ExporterOTLPGRPC {
			errs = append(errs, ErrInvalidTracingExporter)
		}
	}

	return errs
}

// checkURL validates an optional service URL.
func checkURL(raw string, sentinel error) error {
	if raw == "" {
		return nil
	}
	if _, err := validate.URL(raw, validate.ServiceURLConstraints); err != nil {
		return fmt.Errorf("%w: %w", sentinel, err)
	}
	return nil
}

// Catalog returns the built-in action catalog with action_catalog applied.
func (c *Config) Catalog() compliance.Catalog {
	return compliance.DefaultCatalog().Merge(c.ActionCatalog)
}

// ArchiveEnabled reports whether ledger archiving is configured.
func (c *Config) ArchiveEnabled() bool {
	return c.ArchiveBucket != ""
}

// DailyWindows parses the maintenance windows.
func (c *Config) DailyWindows() ([]compliance.DailyWindow, error) {
	out := make([]compliance.DailyWindow, 0, len(c.MaintenanceWindows))
	for _, s := range c.MaintenanceWindows {
		w, err := compliance.ParseDailyWindow(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidMaintenanceWindow, err)
		}
		out = append(out, w)
	}
	return out, nil
}

// FreezeWindows parses the change freezes.
func (c *Config) FreezeWindows() ([]compliance.Window, error) {
	out := make([]compliance.Window, 0, len(c.ChangeFreezes))
	for _, s := range c.ChangeFreezes {
		w, err := compliance.ParseWindow(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidChangeFreeze, err)
		}
		out = append(out, w)
	}
	return out, nil
}

// BusinessHoursWindow parses the business hours, returning the zero window
// when none are configured.
func (c *Config) BusinessHoursWindow() (compliance.DailyWindow, error) {
	if c.BusinessHours == "" {
		return compliance.DailyWindow{}, nil
	}
	w, err := compliance.ParseDailyWindow(c.BusinessHours)
	if err != nil {
		return compliance.DailyWindow{}, fmt.Errorf("%w: %w", ErrInvalidBusinessHours, err)
	}
	return w, nil
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                      strconv.Itoa(c.Port),
		"env":                       c.Env,
		"database_url":              maskDatabaseURL(c.DatabaseURL),
		"redis_url":                 maskDatabaseURL(c.RedisURL),
		"rules_path":                c.RulesPath,
		"issues_path":               c.IssuesPath,
		"discovery_url":             c.DiscoveryURL,
		"dry_run":                   strconv.FormatBool(c.DryRun),
		"verify_execution":          strconv.FormatBool(c.VerifyExecution),
		"skip_execution":            strconv.FormatBool(c.SkipExecution),
		"max_attempts":              strconv.Itoa(c.MaxAttempts),
		"retry_backoff":             c.RetryBackoff.String(),
		"attempt_timeout":           c.AttemptTimeout.String(),
		"max_actions_per_run":       strconv.Itoa(c.MaxActionsPerRun),
		"actuator_url":              c.ActuatorURL,
		"actuator_token":            maskSecret(c.ActuatorToken),
		"rate_limit_window":         c.RateLimitWindow.String(),
		"rate_limit_ceiling":        strconv.Itoa(c.RateLimitCeiling),
		"critical_node_ids":         strings.Join(c.CriticalNodeIDs, ","),
		"maintenance_windows":       strings.Join(c.MaintenanceWindows, ","),
		"change_freezes":            strings.Join(c.ChangeFreezes, ","),
		"business_hours":            c.BusinessHours,
		"approval_secret":           maskSecret(c.ApprovalSecret),
		"approval_previous_secret":  maskSecret(c.ApprovalPreviousSecret),
		"approval_ttl":              c.ApprovalTTL.String(),
		"approval_leeway":           c.ApprovalLeeway.String(),
		"schedule_interval":         c.ScheduleInterval.String(),
		"schedule_scope":            c.ScheduleScope,
		"archive_bucket":            c.ArchiveBucket,
		"archive_endpoint":          c.ArchiveEndpoint,
		"archive_access_key_id":     maskSecret(c.ArchiveAccessKeyID),
		"archive_secret_access_key": maskSecret(c.ArchiveSecretAccessKey),
		"tracing_enabled":           strconv.FormatBool(c.TracingEnabled),
		"tracing_exporter":          c.TracingExporter,
		"tracing_endpoint":          c.TracingEndpoint,
	}
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****
// If the secret is shorter than 8 characters, it's fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskDatabaseURL masks the password in a connection URL.
// Supports postgres://, postgresql:// and redis:// schemes.
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	// Look for password pattern: user:password@host
	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		if strings.HasPrefix(s, "sqlite:") {
			return s
		}
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.Index(rest, "@")
	if atIndex == -1 {
		return s // No credentials in URL
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // No password (only username)
	}

	// Reconstruct URL with masked password
	scheme := s[:schemeEnd+3]
	user := rest[:colonIndex]
	hostAndPath := rest[atIndex:]

	return scheme + user + ":****" + hostAndPath
}
