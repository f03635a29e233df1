// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/convobot/internal/model"
	"github.com/jeranaias/convobot/internal/telemetry"
	"github.com/jeranaias/convobot/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete convobot configuration.
type Config struct {
	Telegram TelegramConfig           `toml:"telegram"`
	Backend  BackendConfig            `toml:"backend"`
	Auth     AuthConfig               `toml:"auth"`
	Storage  StorageConfig            `toml:"storage"`
	Guard    GuardConfig              `toml:"guard"`
	Delivery DeliveryConfig           `toml:"delivery"`
	Pricing  map[string]PricingConfig `toml:"pricing"`
	Log      LogConfig                `toml:"log"`
	Console  ConsoleConfig            `toml:"console"`
}

// TelegramConfig configures the Bot API transport.
type TelegramConfig struct {
	// Token is the bot token from @BotFather
	Token string `toml:"token"`
	// PollTimeoutSecs is the long-polling timeout
	PollTimeoutSecs int `toml:"poll_timeout_secs"`
	// MaxConcurrentUpdates bounds the number of messages handled at once
	MaxConcurrentUpdates int `toml:"max_concurrent_updates"`
}

// BackendConfig configures the streaming generation backend.
type BackendConfig struct {
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"`
	// Temperature sent with every completion request
	Temperature float64 `toml:"temperature"`
	// RequestTimeoutSecs bounds one whole streamed completion
	RequestTimeoutSecs int `toml:"request_timeout_secs"`
	// MaxRetries is the number of attempts before the first streamed byte
	MaxRetries int `toml:"max_retries"`
	// RateLimitRPS paces outgoing requests; 0 disables pacing
	RateLimitRPS   float64 `toml:"rate_limit_rps"`
	RateLimitBurst int     `toml:"rate_limit_burst"`
	// Models maps variant names to backend model ids
	Models map[string]string `toml:"models"`
	// Variants declares extra variants beyond chat and reasoner
	Variants map[string]VariantConfig `toml:"variants"`
}

// VariantConfig declares an extra model variant, selectable with
// /model_<name>.
type VariantConfig struct {
	Model       string `toml:"model"`
	Reasoning   bool   `toml:"reasoning"`
	Description string `toml:"description"`
}

// AuthConfig configures the secret-keyword gate.
type AuthConfig struct {
	SecretKeyword string `toml:"secret_keyword"`
	// CacheTTLSecs is how long an authorization decision is cached; 0 never expires
	CacheTTLSecs int `toml:"cache_ttl_secs"`
	// AttemptsPerMinute limits /auth attempts per participant
	AttemptsPerMinute int `toml:"attempts_per_minute"`
}

// StorageConfig configures the sqlite store.
type StorageConfig struct {
	// Path is the sqlite database file
	Path string `toml:"path"`
	// HistoryLimit is the number of stored turns replayed to the backend
	HistoryLimit int `toml:"history_limit"`
}

// GuardConfig configures the single-flight guard.
type GuardConfig struct {
	// StaleAfterSecs is the age after which an in-flight marker is reclaimed
	StaleAfterSecs int `toml:"stale_after_secs"`
}

// DeliveryConfig configures reply chunking.
type DeliveryConfig struct {
	// MaxMessageLength is the per-message limit in characters
	MaxMessageLength int `toml:"max_message_length"`
}

// PricingConfig holds USD prices per one million tokens.
type PricingConfig struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level string `toml:"level"`
	// Format is "text" or "json"
	Format string `toml:"format"`
}

// ConsoleConfig configures the local REPL transport.
type ConsoleConfig struct {
	Participant    int64  `toml:"participant"`
	HistoryFile    string `toml:"history_file"`
	RenderMarkdown bool   `toml:"render_markdown"`
	WordWrap       int    `toml:"word_wrap"`
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns the default configuration.
func Default() *Config {
	dataDir := defaultDir()
	cfg := &Config{
		Telegram: TelegramConfig{
			PollTimeoutSecs:      60,
			MaxConcurrentUpdates: 32,
		},
		Backend: BackendConfig{
			BaseURL:            "https://api.deepseek.com",
			Temperature:        0.7,
			RequestTimeoutSecs: 300,
			MaxRetries:         3,
			RateLimitBurst:     1,
			Models: map[string]string{
				string(model.VariantChat):     "deepseek-chat",
				string(model.VariantReasoner): "deepseek-reasoner",
			},
		},
		Auth: AuthConfig{
			CacheTTLSecs:      3600,
			AttemptsPerMinute: 5,
		},
		Storage: StorageConfig{
			Path:         filepath.Join(dataDir, "convobot.db"),
			HistoryLimit: 10,
		},
		Guard: GuardConfig{
			StaleAfterSecs: 300,
		},
		Delivery: DeliveryConfig{
			MaxMessageLength: 4096,
		},
		Pricing: make(map[string]PricingConfig),
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Console: ConsoleConfig{
			Participant:    1,
			HistoryFile:    filepath.Join(dataDir, "console_history"),
			RenderMarkdown: true,
			WordWrap:       80,
		},
	}
	for v, p := range telemetry.DefaultPrices() {
		cfg.Pricing[string(v)] = PricingConfig{Input: p.Input, Output: p.Output}
	}
	return cfg
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// Dir returns the convobot configuration directory path.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".convobot"), nil
}

// DefaultPath returns the path to the default TOML config file.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

func defaultDir() string {
	if dir, err := Dir(); err == nil {
		return dir
	}
	return "."
}

// ensureSecurePermissions tightens config files to owner read/write.
// SECURITY: the file holds the bot token and API key.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode != 0o600 {
		if err := os.Chmod(path, 0o600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from path, or from DefaultPath when path is
// empty. A missing default file is not an error; a missing explicit file is.
// Environment overrides are applied last, then the result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		p, err := DefaultPath()
		if err == nil {
			path = p
		}
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := LoadTOML(cfg, path); err != nil {
				return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
			}
		} else if explicit {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML decodes a TOML file on top of cfg and fills unset values.
// Unknown keys are rejected so typos do not pass silently.
func LoadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		// Not fatal: permissions may not be fixable on every platform.
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	return fillDefaults(cfg)
}

// fillDefaults fills in any zero values with defaults.
func fillDefaults(cfg *Config) error {
	defaults := Default()

	if cfg.Telegram.PollTimeoutSecs == 0 {
		cfg.Telegram.PollTimeoutSecs = defaults.Telegram.PollTimeoutSecs
	}
	if cfg.Telegram.MaxConcurrentUpdates == 0 {
		cfg.Telegram.MaxConcurrentUpdates = defaults.Telegram.MaxConcurrentUpdates
	}

	if cfg.Backend.BaseURL == "" {
		cfg.Backend.BaseURL = defaults.Backend.BaseURL
	}
	if cfg.Backend.RequestTimeoutSecs == 0 {
		cfg.Backend.RequestTimeoutSecs = defaults.Backend.RequestTimeoutSecs
	}
	if cfg.Backend.MaxRetries == 0 {
		cfg.Backend.MaxRetries = defaults.Backend.MaxRetries
	}
	if cfg.Backend.RateLimitBurst == 0 {
		cfg.Backend.RateLimitBurst = defaults.Backend.RateLimitBurst
	}
	if cfg.Backend.Models == nil {
		cfg.Backend.Models = make(map[string]string)
	}
	for name, id := range defaults.Backend.Models {
		if cfg.Backend.Models[name] == "" {
			cfg.Backend.Models[name] = id
		}
	}

	if cfg.Auth.AttemptsPerMinute == 0 {
		cfg.Auth.AttemptsPerMinute = defaults.Auth.AttemptsPerMinute
	}

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = defaults.Storage.Path
	}
	if cfg.Storage.HistoryLimit == 0 {
		cfg.Storage.HistoryLimit = defaults.Storage.HistoryLimit
	}
	if cfg.Guard.StaleAfterSecs == 0 {
		cfg.Guard.StaleAfterSecs = defaults.Guard.StaleAfterSecs
	}
	if cfg.Delivery.MaxMessageLength == 0 {
		cfg.Delivery.MaxMessageLength = defaults.Delivery.MaxMessageLength
	}

	if cfg.Pricing == nil {
		cfg.Pricing = make(map[string]PricingConfig)
	}
	for name, p := range defaults.Pricing {
		if _, ok := cfg.Pricing[name]; !ok {
			cfg.Pricing[name] = p
		}
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = defaults.Log.Format
	}

	if cfg.Console.Participant == 0 {
		cfg.Console.Participant = defaults.Console.Participant
	}
	if cfg.Console.WordWrap == 0 {
		cfg.Console.WordWrap = defaults.Console.WordWrap
	}
	return nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// SaveTOML writes cfg to path with a header comment.
// SECURITY: written 0600 since the file holds credentials.
// RELIABILITY: atomic write so a crash never leaves a torn file.
func SaveTOML(cfg *Config, path string) error {
	var buf bytes.Buffer
	buf.WriteString("# convobot configuration file\n")
	buf.WriteString("# Secrets may instead come from CONVOBOT_* environment variables.\n\n")

	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFileWithDir(path, buf.Bytes(), 0o600, 0o700); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns any errors.
// Credentials are not required here; each command checks what it needs.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.Telegram.PollTimeoutSecs < 0 || c.Telegram.PollTimeoutSecs > 600 {
		add("telegram.poll_timeout_secs", "must be between 0 and 600, got %d", c.Telegram.PollTimeoutSecs)
	}
	if c.Telegram.MaxConcurrentUpdates < 1 {
		add("telegram.max_concurrent_updates", "must be at least 1, got %d", c.Telegram.MaxConcurrentUpdates)
	}

	if u, err := url.Parse(c.Backend.BaseURL); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		add("backend.base_url", "must be an http(s) URL, got %q", c.Backend.BaseURL)
	}
	if c.Backend.Temperature < 0 || c.Backend.Temperature > 2 {
		add("backend.temperature", "must be between 0 and 2, got %g", c.Backend.Temperature)
	}
	if c.Backend.RequestTimeoutSecs < 1 {
		add("backend.request_timeout_secs", "must be positive, got %d", c.Backend.RequestTimeoutSecs)
	}
	if c.Backend.MaxRetries < 1 || c.Backend.MaxRetries > 10 {
		add("backend.max_retries", "must be between 1 and 10, got %d", c.Backend.MaxRetries)
	}
	if c.Backend.RateLimitRPS < 0 {
		add("backend.rate_limit_rps", "must not be negative, got %g", c.Backend.RateLimitRPS)
	}
	for name, vc := range c.Backend.Variants {
		switch {
		case !model.ValidVariantName(name):
			add("backend.variants."+name, "name must be lowercase letters, digits or underscores")
		case model.IsBuiltin(model.Variant(name)):
			add("backend.variants."+name, "built-in variant, set backend.models.%s instead", name)
		}
		if strings.TrimSpace(vc.Model) == "" {
			add("backend.variants."+name+".model", "must not be empty")
		}
	}
	for name, id := range c.Backend.Models {
		if !c.knownVariant(name) {
			add("backend.models."+name, "unknown variant, must be one of: %s", variantNames())
		}
		if strings.TrimSpace(id) == "" {
			add("backend.models."+name, "backend model id must not be empty")
		}
	}

	if c.Auth.CacheTTLSecs < 0 {
		add("auth.cache_ttl_secs", "must not be negative, got %d", c.Auth.CacheTTLSecs)
	}
	if c.Auth.AttemptsPerMinute < 1 {
		add("auth.attempts_per_minute", "must be at least 1, got %d", c.Auth.AttemptsPerMinute)
	}

	if strings.TrimSpace(c.Storage.Path) == "" {
		add("storage.path", "must not be empty")
	}
	if c.Storage.HistoryLimit < 1 {
		add("storage.history_limit", "must be at least 1, got %d", c.Storage.HistoryLimit)
	}
	if c.Guard.StaleAfterSecs < 1 {
		add("guard.stale_after_secs", "must be positive, got %d", c.Guard.StaleAfterSecs)
	}
	if c.Delivery.MaxMessageLength < 1 || c.Delivery.MaxMessageLength > 4096 {
		add("delivery.max_message_length", "must be between 1 and 4096, got %d", c.Delivery.MaxMessageLength)
	}

	for name, p := range c.Pricing {
		if !c.knownVariant(name) {
			add("pricing."+name, "unknown variant, must be one of: %s", variantNames())
		}
		if p.Input < 0 || p.Output < 0 {
			add("pricing."+name, "prices must not be negative")
		}
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("log.level", "invalid level %q, must be one of: debug, info, warn, error", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		add("log.format", "invalid format %q, must be text or json", c.Log.Format)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// RequireTelegram reports the settings the Telegram transport needs.
func (c *Config) RequireTelegram() error {
	var errs ValidateErrors
	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, ValidationError{Field: "telegram.token", Message: "required (or set CONVOBOT_TELEGRAM_TOKEN)"})
	}
	return errors.Join(errs.orNil(), c.RequireBackend())
}

// RequireBackend reports the settings any generation run needs.
func (c *Config) RequireBackend() error {
	var errs ValidateErrors
	if strings.TrimSpace(c.Backend.APIKey) == "" {
		errs = append(errs, ValidationError{Field: "backend.api_key", Message: "required (or set CONVOBOT_API_KEY)"})
	}
	if strings.TrimSpace(c.Auth.SecretKeyword) == "" {
		errs = append(errs, ValidationError{Field: "auth.secret_keyword", Message: "required (or set CONVOBOT_SECRET_KEYWORD)"})
	}
	return errs.orNil()
}

func (e ValidateErrors) orNil() error {
	if len(e) == 0 {
		return nil
	}
	return e
}

// knownVariant reports whether name is registered or declared in
// backend.variants.
func (c *Config) knownVariant(name string) bool {
	if _, ok := c.Backend.Variants[name]; ok {
		return true
	}
	_, ok := model.Variant(name).Info()
	return ok
}

func variantNames() string {
	infos := model.Variants()
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = string(info.Name)
	}
	return strings.Join(names, ", ")
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies CONVOBOT_* environment variable overrides.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("CONVOBOT_TELEGRAM_TOKEN"); v != "" {
		c.Telegram.Token = v
	}
	if v := os.Getenv("CONVOBOT_API_KEY"); v != "" {
		c.Backend.APIKey = v
	}
	if v := os.Getenv("CONVOBOT_BASE_URL"); v != "" {
		c.Backend.BaseURL = v
	}
	if v := os.Getenv("CONVOBOT_SECRET_KEYWORD"); v != "" {
		c.Auth.SecretKeyword = v
	}
	if v := os.Getenv("CONVOBOT_DB_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("CONVOBOT_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// =============================================================================
// DERIVED VALUES
// =============================================================================

// RequestTimeout returns backend.request_timeout_secs as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Backend.RequestTimeoutSecs) * time.Second
}

// StaleAfter returns guard.stale_after_secs as a duration.
func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.Guard.StaleAfterSecs) * time.Second
}

// CacheTTL returns auth.cache_ttl_secs as a duration. Zero never expires.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Auth.CacheTTLSecs) * time.Second
}

// Prices returns the configured price table on top of the defaults.
func (c *Config) Prices() telemetry.PriceTable {
	overrides := make(telemetry.PriceTable, len(c.Pricing))
	for name, p := range c.Pricing {
		overrides[model.Variant(name)] = telemetry.Pricing{Input: p.Input, Output: p.Output}
	}
	return telemetry.DefaultPrices().Merge(overrides)
}

// ApplyModels registers the extra variants and points each variant at its
// configured backend model id.
func (c *Config) ApplyModels() error {
	for name, vc := range c.Backend.Variants {
		info := model.VariantInfo{
			Name:         model.Variant(name),
			BackendModel: vc.Model,
			Reasoning:    vc.Reasoning,
			Description:  vc.Description,
		}
		if err := model.RegisterVariant(info); err != nil {
			return fmt.Errorf("backend.variants.%s: %w", name, err)
		}
	}
	for name, id := range c.Backend.Models {
		if err := model.SetBackendModel(model.Variant(name), id); err != nil {
			return fmt.Errorf("backend.models.%s: %w", name, err)
		}
	}
	return nil
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Backend.Models = make(map[string]string, len(c.Backend.Models))
	for k, v := range c.Backend.Models {
		clone.Backend.Models[k] = v
	}
	if c.Backend.Variants != nil {
		clone.Backend.Variants = make(map[string]VariantConfig, len(c.Backend.Variants))
		for k, v := range c.Backend.Variants {
			clone.Backend.Variants[k] = v
		}
	}
	clone.Pricing = make(map[string]PricingConfig, len(c.Pricing))
	for k, v := range c.Pricing {
		clone.Pricing[k] = v
	}
	return &clone
}

// Redacted returns a copy safe to print or log.
// SECURITY: tokens, keys and the secret keyword never appear in output.
func (c *Config) Redacted() *Config {
	safe := c.Clone()
	redact := func(s *string) {
		if *s != "" {
			*s = "[REDACTED]"
		}
	}
	redact(&safe.Telegram.Token)
	redact(&safe.Backend.APIKey)
	redact(&safe.Auth.SecretKeyword)
	return safe
}

// String renders the redacted config as TOML.
func (c *Config) String() string {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c.Redacted()); err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return buf.String()
}
