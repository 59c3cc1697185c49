// Package config provides configuration loading for vigild.
//
// Configuration is loaded from a YAML file layered under VIGILD_-prefixed
// environment variables, then defaulted and validated. Policy-level
// settings (tier policy, z-score thresholds, character budgets, time
// windows) can be hot-reloaded through the Watcher; identity-level
// settings (store path, bind address, model endpoint) require a restart.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/fyrsmithlabs/vigild/internal/clinical"
	"go.uber.org/zap/zapcore"
)

// Config holds the complete vigild configuration.
type Config struct {
	Screening    ScreeningConfig    `koanf:"screening"`
	Health       HealthConfig       `koanf:"health"`
	Longitudinal LongitudinalConfig `koanf:"longitudinal"`
	Prompt       PromptConfig       `koanf:"prompt"`
	Inference    InferenceConfig    `koanf:"inference"`
	Crisis       CrisisConfig       `koanf:"crisis"`
	Store        StoreConfig        `koanf:"store"`
	Notify       NotifyConfig       `koanf:"notify"`
	Server       ServerConfig       `koanf:"server"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
	Logging      LoggingConfig      `koanf:"logging"`
}

// ScreeningConfig holds the screening floor policy.
type ScreeningConfig struct {
	// PlanningTier is the floor applied when the method question alone is
	// affirmative. Must be moderate or above; the floor mapping clamps it.
	PlanningTier clinical.RiskTier `koanf:"planning_tier"`
}

// HealthConfig holds the z-score cutoffs for health signal deviation.
// Both are negative: a signal this many deviations below the personal
// baseline counts as a moderate or severe deviation.
type HealthConfig struct {
	ModerateZ float64 `koanf:"moderate_z"`
	SevereZ   float64 `koanf:"severe_z"`
}

// LongitudinalConfig holds state compression and background update policy.
type LongitudinalConfig struct {
	// DigestBudget is the character budget for the prompt-facing digest.
	DigestBudget int `koanf:"digest_budget"`

	// StaleAfter is the inactivity window after which longitudinal state
	// is treated as stale and dropped from prompts.
	StaleAfter Duration `koanf:"stale_after"`

	// RecentCheckIns is how many recent outcomes feed prompt context.
	RecentCheckIns int `koanf:"recent_check_ins"`

	// Concurrency bounds parallel background state updates.
	Concurrency int `koanf:"concurrency"`

	// NarrativeEvery refreshes the model narrative each time the check-in
	// count crosses a multiple of this value. Zero disables the model path.
	NarrativeEvery int `koanf:"narrative_every"`

	// NarrativeInterval is the minimum spacing between model narrative
	// refreshes; refreshes arriving faster fall back to the deterministic
	// append.
	NarrativeInterval Duration `koanf:"narrative_interval"`
	NarrativeBurst    int      `koanf:"narrative_burst"`

	// DrainTimeout bounds the shutdown wait for in-flight updates.
	DrainTimeout Duration `koanf:"drain_timeout"`
}

// PromptConfig holds per-field character budgets for prompt composition.
type PromptConfig struct {
	Digest    int `koanf:"digest"`
	Screening int `koanf:"screening"`
	Health    int `koanf:"health"`
	Telemetry int `koanf:"telemetry"`
	Voice     int `koanf:"voice"`
	Narrative int `koanf:"narrative"`
	Reasoning int `koanf:"reasoning"`
}

// InferenceConfig holds local model parameters and generation policy.
type InferenceConfig struct {
	Model             string  `koanf:"model"`
	ServerURL         string  `koanf:"server_url"`
	ContextWindow     int     `koanf:"context_window"`
	Temperature       float64 `koanf:"temperature"`
	TopK              int     `koanf:"top_k"`
	TopP              float64 `koanf:"top_p"`
	MaxTokens         int     `koanf:"max_tokens"`
	RepetitionPenalty float64 `koanf:"repetition_penalty"`

	// FirstFragmentTimeout bounds the wait for the first streamed
	// fragment before the deterministic responder takes over.
	FirstFragmentTimeout Duration `koanf:"first_fragment_timeout"`

	// MaxOutputChars hard-caps accumulated model output.
	MaxOutputChars int `koanf:"max_output_chars"`

	// RecommendationGrace is the extra character allowance once the
	// recommendation marker has been seen.
	RecommendationGrace int `koanf:"recommendation_grace"`

	// ModelTimeout bounds one whole generation, prewarm included.
	ModelTimeout Duration `koanf:"model_timeout"`

	// PrewarmTTL is how long a prewarmed result stays consumable.
	PrewarmTTL Duration `koanf:"prewarm_ttl"`
}

// CrisisConfig holds crisis session timing.
type CrisisConfig struct {
	// HoldingWindow is the mandated holding pattern length after entry.
	HoldingWindow Duration `koanf:"holding_window"`

	// FollowUpDeadline bounds the wait for a recheck before escalation.
	FollowUpDeadline Duration `koanf:"follow_up_deadline"`
}

// StoreConfig holds persistence settings. Path is identity-level and
// needs a restart to change.
type StoreConfig struct {
	// Path is the SQLite database file. A leading ~ expands to the
	// user's home directory at wiring time.
	Path string `koanf:"path"`

	// RetryInterval is the initial backoff for failed writes.
	RetryInterval Duration `koanf:"retry_interval"`

	// RetryMaxInterval caps the write retry backoff.
	RetryMaxInterval Duration `koanf:"retry_max_interval"`
}

// NotifyConfig holds NATS alert bridge settings. Disabled by default;
// alerts are dropped when no bridge is configured.
type NotifyConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Addr is the listen address. Loopback by default; this process
	// serves the device it runs on.
	Addr            string   `koanf:"addr"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// TelemetryConfig holds OTLP export settings. Disabled by default; the
// pipeline never depends on a collector being reachable.
type TelemetryConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Endpoint string `koanf:"endpoint"`

	// Protocol selects the OTLP transport: "grpc" or "http/protobuf".
	Protocol string `koanf:"protocol"`

	// Insecure disables TLS. Only honored for local endpoints.
	Insecure bool `koanf:"insecure"`

	// TLSSkipVerify skips certificate verification on TLS connections.
	TLSSkipVerify bool `koanf:"tls_skip_verify"`

	// SampleRate is the parent-based trace sampling ratio, 0.0-1.0.
	SampleRate float64 `koanf:"sample_rate"`

	// AlwaysOnErrors records error spans regardless of the sample rate.
	AlwaysOnErrors bool `koanf:"always_on_errors"`

	ExportInterval  Duration `koanf:"export_interval"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	ServiceName     string   `koanf:"service_name"`
	ServiceVersion  string   `koanf:"service_version"`
}

// LoggingConfig holds log output settings. Redaction is always on; the
// lists here extend the built-in PHI defaults, they never replace them.
type LoggingConfig struct {
	Level  zapcore.Level `koanf:"level"`
	Format string        `koanf:"format"`

	// OTEL mirrors log records to the OTLP log bridge.
	OTEL bool `koanf:"otel"`

	// RedactFields adds field names to the redaction set.
	RedactFields []string `koanf:"redact_fields"`

	// RedactPatterns adds regex patterns to the redaction set.
	RedactPatterns []string `koanf:"redact_patterns"`
}

// Default returns a fully defaulted configuration.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	// Screening defaults
	if cfg.Screening.PlanningTier == "" {
		cfg.Screening.PlanningTier = clinical.TierHighMonitoring
	}

	// Health defaults
	if cfg.Health.ModerateZ == 0 {
		cfg.Health.ModerateZ = -1.5
	}
	if cfg.Health.SevereZ == 0 {
		cfg.Health.SevereZ = -2.0
	}

	// Longitudinal defaults
	if cfg.Longitudinal.DigestBudget == 0 {
		cfg.Longitudinal.DigestBudget = 600
	}
	if cfg.Longitudinal.StaleAfter == 0 {
		cfg.Longitudinal.StaleAfter = Duration(30 * 24 * time.Hour)
	}
	if cfg.Longitudinal.RecentCheckIns == 0 {
		cfg.Longitudinal.RecentCheckIns = 5
	}
	if cfg.Longitudinal.Concurrency == 0 {
		cfg.Longitudinal.Concurrency = 2
	}
	if cfg.Longitudinal.NarrativeEvery == 0 {
		cfg.Longitudinal.NarrativeEvery = 1
	}
	if cfg.Longitudinal.NarrativeInterval == 0 {
		cfg.Longitudinal.NarrativeInterval = Duration(30 * time.Second)
	}
	if cfg.Longitudinal.NarrativeBurst == 0 {
		cfg.Longitudinal.NarrativeBurst = 1
	}
	if cfg.Longitudinal.DrainTimeout == 0 {
		cfg.Longitudinal.DrainTimeout = Duration(10 * time.Second)
	}

	// Prompt budget defaults
	if cfg.Prompt.Digest == 0 {
		cfg.Prompt.Digest = 600
	}
	if cfg.Prompt.Screening == 0 {
		cfg.Prompt.Screening = 300
	}
	if cfg.Prompt.Health == 0 {
		cfg.Prompt.Health = 300
	}
	if cfg.Prompt.Telemetry == 0 {
		cfg.Prompt.Telemetry = 400
	}
	if cfg.Prompt.Voice == 0 {
		cfg.Prompt.Voice = 400
	}
	if cfg.Prompt.Narrative == 0 {
		cfg.Prompt.Narrative = 2000
	}
	if cfg.Prompt.Reasoning == 0 {
		cfg.Prompt.Reasoning = 400
	}

	// Inference defaults
	if cfg.Inference.Model == "" {
		cfg.Inference.Model = "llama3.2:1b"
	}
	if cfg.Inference.ServerURL == "" {
		cfg.Inference.ServerURL = "http://127.0.0.1:11434"
	}
	if cfg.Inference.ContextWindow == 0 {
		cfg.Inference.ContextWindow = 4096
	}
	if cfg.Inference.Temperature == 0 {
		cfg.Inference.Temperature = 0.2
	}
	if cfg.Inference.TopK == 0 {
		cfg.Inference.TopK = 40
	}
	if cfg.Inference.TopP == 0 {
		cfg.Inference.TopP = 0.9
	}
	if cfg.Inference.MaxTokens == 0 {
		cfg.Inference.MaxTokens = 512
	}
	if cfg.Inference.RepetitionPenalty == 0 {
		cfg.Inference.RepetitionPenalty = 1.1
	}
	if cfg.Inference.FirstFragmentTimeout == 0 {
		cfg.Inference.FirstFragmentTimeout = Duration(10 * time.Second)
	}
	if cfg.Inference.MaxOutputChars == 0 {
		cfg.Inference.MaxOutputChars = 2000
	}
	if cfg.Inference.RecommendationGrace == 0 {
		cfg.Inference.RecommendationGrace = 200
	}
	if cfg.Inference.ModelTimeout == 0 {
		cfg.Inference.ModelTimeout = Duration(30 * time.Second)
	}
	if cfg.Inference.PrewarmTTL == 0 {
		cfg.Inference.PrewarmTTL = Duration(5 * time.Minute)
	}

	// Crisis defaults
	if cfg.Crisis.HoldingWindow == 0 {
		cfg.Crisis.HoldingWindow = Duration(10 * time.Minute)
	}
	if cfg.Crisis.FollowUpDeadline == 0 {
		cfg.Crisis.FollowUpDeadline = Duration(15 * time.Minute)
	}

	// Store defaults
	if cfg.Store.Path == "" {
		cfg.Store.Path = "~/.config/vigild/vigild.db"
	}
	if cfg.Store.RetryInterval == 0 {
		cfg.Store.RetryInterval = Duration(5 * time.Second)
	}
	if cfg.Store.RetryMaxInterval == 0 {
		cfg.Store.RetryMaxInterval = Duration(5 * time.Minute)
	}

	// Notify defaults (disabled unless a bridge is configured)
	if cfg.Notify.URL == "" {
		cfg.Notify.URL = "nats://127.0.0.1:4222"
	}
	if cfg.Notify.SubjectPrefix == "" {
		cfg.Notify.SubjectPrefix = "vigild.alerts"
	}

	// Server defaults
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = "127.0.0.1:9090"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	// Telemetry defaults (disabled unless a collector is configured)
	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}
	if cfg.Telemetry.ExportInterval == 0 {
		cfg.Telemetry.ExportInterval = Duration(15 * time.Second)
	}
	if cfg.Telemetry.ShutdownTimeout == 0 {
		cfg.Telemetry.ShutdownTimeout = Duration(5 * time.Second)
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "vigild"
	}
	if cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = "0.1.0"
	}

	// Logging defaults
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	// Level zero value is InfoLevel already.
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if _, err := clinical.ParseTier(string(c.Screening.PlanningTier)); err != nil {
		return fmt.Errorf("screening.planning_tier: %w", err)
	}
	if c.Screening.PlanningTier == clinical.TierLow {
		return errors.New("screening.planning_tier cannot be low")
	}

	if c.Health.ModerateZ >= 0 {
		return fmt.Errorf("health.moderate_z must be negative, got %v", c.Health.ModerateZ)
	}
	if c.Health.SevereZ >= c.Health.ModerateZ {
		return fmt.Errorf("health.severe_z must be below moderate_z, got %v", c.Health.SevereZ)
	}

	if c.Longitudinal.DigestBudget <= 0 {
		return errors.New("longitudinal.digest_budget must be positive")
	}
	if c.Longitudinal.StaleAfter.Duration() <= 0 {
		return errors.New("longitudinal.stale_after must be positive")
	}
	if c.Longitudinal.RecentCheckIns <= 0 {
		return errors.New("longitudinal.recent_check_ins must be positive")
	}
	if c.Longitudinal.Concurrency <= 0 {
		return errors.New("longitudinal.concurrency must be positive")
	}
	if c.Longitudinal.NarrativeEvery < 0 {
		return errors.New("longitudinal.narrative_every cannot be negative")
	}
	if c.Longitudinal.DrainTimeout.Duration() <= 0 {
		return errors.New("longitudinal.drain_timeout must be positive")
	}

	for name, budget := range map[string]int{
		"prompt.digest":    c.Prompt.Digest,
		"prompt.screening": c.Prompt.Screening,
		"prompt.health":    c.Prompt.Health,
		"prompt.telemetry": c.Prompt.Telemetry,
		"prompt.voice":     c.Prompt.Voice,
		"prompt.narrative": c.Prompt.Narrative,
		"prompt.reasoning": c.Prompt.Reasoning,
	} {
		if budget <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if c.Inference.Model == "" {
		return errors.New("inference.model is required")
	}
	if c.Inference.ServerURL == "" {
		return errors.New("inference.server_url is required")
	}
	if c.Inference.ContextWindow <= 0 {
		return errors.New("inference.context_window must be positive")
	}
	if c.Inference.MaxTokens <= 0 {
		return errors.New("inference.max_tokens must be positive")
	}
	if c.Inference.FirstFragmentTimeout.Duration() <= 0 {
		return errors.New("inference.first_fragment_timeout must be positive")
	}
	if c.Inference.MaxOutputChars <= 0 {
		return errors.New("inference.max_output_chars must be positive")
	}
	if c.Inference.RecommendationGrace < 0 {
		return errors.New("inference.recommendation_grace cannot be negative")
	}
	if c.Inference.ModelTimeout.Duration() <= 0 {
		return errors.New("inference.model_timeout must be positive")
	}
	if c.Inference.PrewarmTTL.Duration() <= 0 {
		return errors.New("inference.prewarm_ttl must be positive")
	}

	if c.Crisis.HoldingWindow.Duration() <= 0 {
		return errors.New("crisis.holding_window must be positive")
	}
	if c.Crisis.FollowUpDeadline.Duration() <= 0 {
		return errors.New("crisis.follow_up_deadline must be positive")
	}

	if c.Store.Path == "" {
		return errors.New("store.path is required")
	}
	if c.Store.RetryInterval.Duration() <= 0 {
		return errors.New("store.retry_interval must be positive")
	}
	if c.Store.RetryMaxInterval.Duration() < c.Store.RetryInterval.Duration() {
		return errors.New("store.retry_max_interval cannot be below retry_interval")
	}

	if c.Notify.Enabled {
		if c.Notify.URL == "" {
			return errors.New("notify.url is required when notify is enabled")
		}
		if c.Notify.SubjectPrefix == "" {
			return errors.New("notify.subject_prefix is required when notify is enabled")
		}
	}

	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("server.shutdown_timeout must be positive")
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.Endpoint == "" {
			return errors.New("telemetry.endpoint is required when telemetry is enabled")
		}
		if c.Telemetry.Protocol != "grpc" && c.Telemetry.Protocol != "http/protobuf" {
			return fmt.Errorf("telemetry.protocol must be 'grpc' or 'http/protobuf', got %q", c.Telemetry.Protocol)
		}
		if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
			return fmt.Errorf("telemetry.sample_rate must be between 0 and 1, got %v", c.Telemetry.SampleRate)
		}
	}

	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format)
	}
	for _, pattern := range c.Logging.RedactPatterns {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("invalid logging.redact_patterns entry %q: %w", pattern, err)
		}
	}

	return nil
}
