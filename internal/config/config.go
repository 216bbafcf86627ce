package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/dyluth/spoor/internal/attribution"
	"github.com/dyluth/spoor/internal/dedup"
	"github.com/dyluth/spoor/internal/dispatch"
	"github.com/dyluth/spoor/internal/handoff"
	"github.com/dyluth/spoor/pkg/ledger"
	"gopkg.in/yaml.v3"
)

// Version is the only supported spoor.yml schema version.
const Version = "1.0"

// Store backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Defaults applied by Validate.
const (
	DefaultNamespace      = "default"
	DefaultSQLitePath     = "spoor.db"
	DefaultDedupTTL       = 300 * time.Second
	DefaultHandoffTTL     = 720 * time.Hour
	DefaultHandoffCeiling = 200 * time.Millisecond
	DefaultHashWait       = 2 * time.Second
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = 200 * time.Millisecond
	DefaultMaxBackoff     = 5 * time.Second
	DefaultSinkTimeout    = 5 * time.Second
	DefaultListenAddr     = ":8080"
)

// SpoorConfig represents the top-level spoor.yml configuration
type SpoorConfig struct {
	Version     string                `yaml:"version"`
	Namespace   string                `yaml:"namespace,omitempty"`
	Profile     string                `yaml:"profile,omitempty"`
	Store       StoreConfig           `yaml:"store"`
	Matching    MatchingConfig        `yaml:"matching"`
	Dedup       DedupConfig           `yaml:"dedup"`
	Attribution AttributionConfig     `yaml:"attribution"`
	Handoff     HandoffConfig         `yaml:"handoff"`
	Consent     ConsentConfig         `yaml:"consent"`
	Dispatch    DispatchConfig        `yaml:"dispatch"`
	Sinks       map[string]SinkConfig `yaml:"sinks,omitempty"`
	Server      ServerConfig          `yaml:"server"`
}

// StoreConfig selects where identity records and dedup keys live.
type StoreConfig struct {
	Backend    string `yaml:"backend"`               // memory, redis or sqlite
	RedisURL   string `yaml:"redis_url,omitempty"`   // required for redis
	SQLitePath string `yaml:"sqlite_path,omitempty"` // default spoor.db
}

// MatchingConfig controls PII normalization and hashing. FieldMapping maps
// integrator form field names onto canonical fields; canonical names always
// map to themselves.
type MatchingConfig struct {
	CallingCode  string            `yaml:"calling_code,omitempty"` // default 1
	HashWait     time.Duration     `yaml:"hash_wait,omitempty"`
	CacheSize    int               `yaml:"cache_size,omitempty"`
	FieldMapping map[string]string `yaml:"field_mapping,omitempty"`
}

// DedupConfig controls the suppression window.
type DedupConfig struct {
	TTL           time.Duration `yaml:"ttl,omitempty"`
	FailurePolicy string        `yaml:"failure_policy,omitempty"` // open or closed
}

// AttributionConfig extends the built-in value-code table.
type AttributionConfig struct {
	ResetEvent string                   `yaml:"reset_event,omitempty"`
	Rules      []attribution.CustomRule `yaml:"rules,omitempty"`
}

// HandoffConfig controls cross-runtime handoff links. Handoff is disabled
// when no secret is configured.
type HandoffConfig struct {
	Secret      string        `yaml:"secret,omitempty"`
	TTL         time.Duration `yaml:"ttl,omitempty"`
	Ceiling     time.Duration `yaml:"ceiling,omitempty"`
	ReplayGuard *bool         `yaml:"replay_guard,omitempty"` // default true
}

// ConsentConfig is the consent assumed for visitors who have not stated one.
// Both purposes are denied unless granted here.
type ConsentConfig struct {
	Analytics bool `yaml:"analytics,omitempty"`
	Marketing bool `yaml:"marketing,omitempty"`
}

// Default returns the configured consent as a ledger value.
func (c ConsentConfig) Default() ledger.Consent {
	return ledger.Consent{Analytics: c.Analytics, Marketing: c.Marketing}
}

// DispatchConfig controls per-sink retries.
type DispatchConfig struct {
	MaxAttempts    int           `yaml:"max_attempts,omitempty"`
	InitialBackoff time.Duration `yaml:"initial_backoff,omitempty"`
	MaxBackoff     time.Duration `yaml:"max_backoff,omitempty"`
	Timeout        time.Duration `yaml:"timeout,omitempty"`
	PublishResults bool          `yaml:"publish_results,omitempty"`
}

// SinkConfig describes one downstream reporting endpoint. TokenEnv names an
// environment variable holding the access token.
type SinkConfig struct {
	Kind        string            `yaml:"kind"` // meta, google or webhook
	Endpoint    string            `yaml:"endpoint"`
	AccessToken string            `yaml:"access_token,omitempty"`
	TokenEnv    string            `yaml:"token_env,omitempty"`
	Events      []string          `yaml:"events,omitempty"`
	Params      map[string]string `yaml:"params,omitempty"`
	Headers     map[string]string `yaml:"headers,omitempty"`
	Enabled     *bool             `yaml:"enabled,omitempty"` // default true
}

// ServerConfig controls the HTTP ingest server.
type ServerConfig struct {
	Addr string `yaml:"addr,omitempty"`
}

// IsEnabled reports whether the sink should be registered.
func (s SinkConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// ReplayGuardEnabled reports whether consumed payloads are remembered.
func (h HandoffConfig) ReplayGuardEnabled() bool {
	return h.ReplayGuard == nil || *h.ReplayGuard
}

// HandoffEnabled reports whether a handoff secret is configured.
func (c *SpoorConfig) HandoffEnabled() bool {
	return c.Handoff.Secret != ""
}

// Fields returns the resolved form-field mapping, canonical names included.
func (c *SpoorConfig) Fields() map[string]ledger.Field {
	out := make(map[string]ledger.Field, len(c.Matching.FieldMapping)+len(ledger.Fields()))
	for _, f := range ledger.Fields() {
		out[string(f)] = f
	}
	for name, field := range c.Matching.FieldMapping {
		out[name] = ledger.Field(field)
	}
	return out
}

// Default returns a configuration with every default applied and the
// in-memory store selected.
func Default() *SpoorConfig {
	cfg := &SpoorConfig{Version: Version}
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("default configuration is invalid: %v", err))
	}
	return cfg
}

// Validate performs strict validation on the configuration and fills in
// defaults for omitted settings.
func (c *SpoorConfig) Validate() error {
	if c.Version != Version {
		return fmt.Errorf("unsupported version: %s (expected: %s)", c.Version, Version)
	}

	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}
	if strings.ContainsAny(c.Namespace, ": ") {
		return fmt.Errorf("namespace %q must not contain ':' or spaces", c.Namespace)
	}

	if err := c.validateStore(); err != nil {
		return err
	}
	if err := c.validateMatching(); err != nil {
		return err
	}

	if c.Dedup.TTL == 0 {
		c.Dedup.TTL = DefaultDedupTTL
	}
	if c.Dedup.TTL < time.Second {
		return fmt.Errorf("dedup.ttl must be at least 1s, got %v", c.Dedup.TTL)
	}
	policy, err := dedup.ParseFailurePolicy(c.Dedup.FailurePolicy)
	if err != nil {
		return fmt.Errorf("dedup.failure_policy: %w", err)
	}
	c.Dedup.FailurePolicy = string(policy)

	if c.Attribution.ResetEvent == "" {
		c.Attribution.ResetEvent = attribution.DefaultResetEvent
	}
	if _, err := attribution.NewTable(c.Attribution.Rules); err != nil {
		return fmt.Errorf("attribution.rules: %w", err)
	}

	if err := c.validateHandoff(); err != nil {
		return err
	}
	if err := c.validateDispatch(); err != nil {
		return err
	}

	for name, sink := range c.Sinks {
		if err := sink.Validate(name); err != nil {
			return err
		}
	}

	if c.Server.Addr == "" {
		c.Server.Addr = DefaultListenAddr
	}

	return nil
}

func (c *SpoorConfig) validateStore() error {
	if c.Store.Backend == "" {
		c.Store.Backend = BackendMemory
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Store.RedisURL == "" {
			return fmt.Errorf("store.redis_url is required for the redis backend")
		}
	case BackendSQLite:
		if c.Store.SQLitePath == "" {
			c.Store.SQLitePath = DefaultSQLitePath
		}
	default:
		return fmt.Errorf("invalid store.backend: %s (must be 'memory', 'redis', or 'sqlite')", c.Store.Backend)
	}
	return nil
}

func (c *SpoorConfig) validateMatching() error {
	m := &c.Matching
	m.CallingCode = strings.TrimPrefix(strings.TrimSpace(m.CallingCode), "+")
	if m.CallingCode == "" {
		m.CallingCode = "1"
	}
	if len(m.CallingCode) > 3 || strings.Trim(m.CallingCode, "0123456789") != "" || m.CallingCode[0] == '0' {
		return fmt.Errorf("matching.calling_code %q must be 1-3 digits", m.CallingCode)
	}
	if m.HashWait == 0 {
		m.HashWait = DefaultHashWait
	}
	if m.HashWait < 0 {
		return fmt.Errorf("matching.hash_wait must be positive, got %v", m.HashWait)
	}
	if m.CacheSize < 0 {
		return fmt.Errorf("matching.cache_size must be >= 0, got %d", m.CacheSize)
	}
	for name, field := range m.FieldMapping {
		if err := ledger.Field(field).Validate(); err != nil {
			return fmt.Errorf("matching.field_mapping[%s]: %w", name, err)
		}
	}
	return nil
}

func (c *SpoorConfig) validateHandoff() error {
	h := &c.Handoff
	if h.TTL == 0 {
		h.TTL = DefaultHandoffTTL
	}
	if h.TTL < time.Second {
		return fmt.Errorf("handoff.ttl must be at least 1s, got %v", h.TTL)
	}
	if h.Ceiling == 0 {
		h.Ceiling = DefaultHandoffCeiling
	}
	if h.Ceiling < 0 {
		return fmt.Errorf("handoff.ceiling must be positive, got %v", h.Ceiling)
	}
	if h.Secret != "" && len(h.Secret) < handoff.MinSecretLength {
		return fmt.Errorf("handoff.secret must be at least %d bytes", handoff.MinSecretLength)
	}
	return nil
}

func (c *SpoorConfig) validateDispatch() error {
	d := &c.Dispatch
	if d.MaxAttempts == 0 {
		d.MaxAttempts = DefaultMaxAttempts
	}
	if d.MaxAttempts < 1 {
		return fmt.Errorf("dispatch.max_attempts must be >= 1, got %d", d.MaxAttempts)
	}
	if d.InitialBackoff == 0 {
		d.InitialBackoff = DefaultInitialBackoff
	}
	if d.MaxBackoff == 0 {
		d.MaxBackoff = DefaultMaxBackoff
	}
	if d.InitialBackoff < 0 || d.MaxBackoff < d.InitialBackoff {
		return fmt.Errorf("dispatch backoff must satisfy 0 < initial_backoff <= max_backoff, got %v and %v", d.InitialBackoff, d.MaxBackoff)
	}
	if d.Timeout == 0 {
		d.Timeout = DefaultSinkTimeout
	}
	if d.Timeout < 0 {
		return fmt.Errorf("dispatch.timeout must be positive, got %v", d.Timeout)
	}
	return nil
}

// Validate performs validation on a single sink configuration
func (s SinkConfig) Validate(name string) error {
	if name == "" {
		return fmt.Errorf("sink name must not be empty")
	}
	if _, err := dispatch.EncoderFor(s.Kind, s.Params); err != nil {
		return fmt.Errorf("sink '%s': %w", name, err)
	}
	if s.Endpoint == "" {
		return fmt.Errorf("sink '%s': endpoint is required", name)
	}
	if !strings.HasPrefix(s.Endpoint, "http://") && !strings.HasPrefix(s.Endpoint, "https://") {
		return fmt.Errorf("sink '%s': endpoint must be an http(s) URL: %s", name, s.Endpoint)
	}
	return nil
}

// Token returns the sink's access token, preferring TokenEnv when set.
func (s SinkConfig) Token() string {
	if s.TokenEnv != "" {
		if v := os.Getenv(s.TokenEnv); v != "" {
			return v
		}
	}
	return s.AccessToken
}

// overlay holds SPOOR_* environment overrides. Unset variables leave the
// file's values alone.
type overlay struct {
	Namespace     string        `env:"SPOOR_NAMESPACE"`
	Profile       string        `env:"SPOOR_PROFILE"`
	StoreBackend  string        `env:"SPOOR_STORE"`
	RedisURL      string        `env:"SPOOR_REDIS_URL"`
	SQLitePath    string        `env:"SPOOR_SQLITE_PATH"`
	CallingCode   string        `env:"SPOOR_CALLING_CODE"`
	DedupTTL      time.Duration `env:"SPOOR_DEDUP_TTL"`
	FailurePolicy string        `env:"SPOOR_DEDUP_FAILURE_POLICY"`
	HandoffSecret string        `env:"SPOOR_HANDOFF_SECRET"`
	HandoffTTL    time.Duration `env:"SPOOR_HANDOFF_TTL"`
	MaxAttempts   int           `env:"SPOOR_DISPATCH_MAX_ATTEMPTS"`
	SinkTimeout   time.Duration `env:"SPOOR_DISPATCH_TIMEOUT"`
	DisabledSinks []string      `env:"SPOOR_DISABLED_SINKS" envSeparator:","`
	ListenAddr    string        `env:"SPOOR_ADDR"`
	Consent       string        `env:"SPOOR_CONSENT"`
}

// ApplyEnv overlays SPOOR_* environment variables onto the configuration.
func (c *SpoorConfig) ApplyEnv() error {
	var o overlay
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	setString(&c.Namespace, o.Namespace)
	setString(&c.Profile, o.Profile)
	setString(&c.Store.Backend, o.StoreBackend)
	setString(&c.Store.RedisURL, o.RedisURL)
	setString(&c.Store.SQLitePath, o.SQLitePath)
	setString(&c.Matching.CallingCode, o.CallingCode)
	setString(&c.Dedup.FailurePolicy, o.FailurePolicy)
	setString(&c.Handoff.Secret, o.HandoffSecret)
	setString(&c.Server.Addr, o.ListenAddr)
	if o.DedupTTL != 0 {
		c.Dedup.TTL = o.DedupTTL
	}
	if o.HandoffTTL != 0 {
		c.Handoff.TTL = o.HandoffTTL
	}
	if o.MaxAttempts != 0 {
		c.Dispatch.MaxAttempts = o.MaxAttempts
	}
	if o.SinkTimeout != 0 {
		c.Dispatch.Timeout = o.SinkTimeout
	}
	if o.Consent != "" {
		consent, err := ledger.ParseConsent(o.Consent)
		if err != nil {
			return fmt.Errorf("SPOOR_CONSENT: %w", err)
		}
		c.Consent = ConsentConfig{Analytics: consent.Analytics, Marketing: consent.Marketing}
	}

	disabled := false
	for _, name := range o.DisabledSinks {
		name = strings.TrimSpace(name)
		sink, ok := c.Sinks[name]
		if !ok {
			continue
		}
		sink.Enabled = &disabled
		c.Sinks[name] = sink
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// Load reads spoor.yml from the specified path, overlays the environment and
// validates the result.
func Load(path string) (*SpoorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config SpoorConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	return finish(&config)
}

// FromEnv builds a configuration from defaults and the environment alone.
func FromEnv() (*SpoorConfig, error) {
	return finish(&SpoorConfig{Version: Version})
}

func finish(config *SpoorConfig) (*SpoorConfig, error) {
	if err := config.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}
