package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dyluth/spoor/internal/attribution"
	"github.com/dyluth/spoor/pkg/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "spoor.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `version: "1.0"
namespace: shop
store:
  backend: redis
  redis_url: redis://localhost:6379/0
matching:
  calling_code: "+44"
  field_mapping:
    user_email: email
    mobile: phone
dedup:
  ttl: 10m
  failure_policy: closed
attribution:
  rules:
    - event: "Webinar_*"
      code: 14
handoff:
  secret: "0123456789abcdef0123"
  ttl: 48h
consent:
  analytics: true
sinks:
  meta:
    kind: meta
    endpoint: https://graph.example.com/v19.0/123/events
    access_token: tok
    events: ["Purchase*", "Lead"]
  crm:
    kind: webhook
    endpoint: https://crm.example.com/hook
    enabled: false
`)

	config, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "shop", config.Namespace)
	assert.Equal(t, BackendRedis, config.Store.Backend)
	assert.Equal(t, "44", config.Matching.CallingCode)
	assert.Equal(t, 10*time.Minute, config.Dedup.TTL)
	assert.Equal(t, "closed", config.Dedup.FailurePolicy)
	assert.Equal(t, 48*time.Hour, config.Handoff.TTL)
	assert.True(t, config.HandoffEnabled())
	assert.True(t, config.Handoff.ReplayGuardEnabled())
	require.Len(t, config.Attribution.Rules, 1)
	assert.Equal(t, 14, config.Attribution.Rules[0].Code)
	assert.Equal(t, ledger.Consent{Analytics: true}, config.Consent.Default())

	assert.True(t, config.Sinks["meta"].IsEnabled())
	assert.False(t, config.Sinks["crm"].IsEnabled())
	assert.Equal(t, []string{"Purchase*", "Lead"}, config.Sinks["meta"].Events)

	fields := config.Fields()
	assert.Equal(t, ledger.FieldEmail, fields["user_email"])
	assert.Equal(t, ledger.FieldPhone, fields["mobile"])
	assert.Equal(t, ledger.FieldFirstName, fields["first_name"])
}

func TestLoad_AppliesDefaults(t *testing.T) {
	config, err := Load(writeConfig(t, `version: "1.0"`))
	require.NoError(t, err)

	assert.Equal(t, DefaultNamespace, config.Namespace)
	assert.Equal(t, BackendMemory, config.Store.Backend)
	assert.Equal(t, "1", config.Matching.CallingCode)
	assert.Equal(t, 300*time.Second, config.Dedup.TTL)
	assert.Equal(t, "open", config.Dedup.FailurePolicy)
	assert.Equal(t, 30*24*time.Hour, config.Handoff.TTL)
	assert.Equal(t, 200*time.Millisecond, config.Handoff.Ceiling)
	assert.Equal(t, 2*time.Second, config.Matching.HashWait)
	assert.Equal(t, 3, config.Dispatch.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, config.Dispatch.InitialBackoff)
	assert.Equal(t, 5*time.Second, config.Dispatch.MaxBackoff)
	assert.Equal(t, 5*time.Second, config.Dispatch.Timeout)
	assert.Equal(t, "Conversion_Value_Reset", config.Attribution.ResetEvent)
	assert.Equal(t, DefaultListenAddr, config.Server.Addr)
	assert.False(t, config.HandoffEnabled())
	assert.Equal(t, ledger.Consent{}, config.Consent.Default(), "consent is denied unless granted")
}

func TestLoad_FileNotFound(t *testing.T) {
	config, err := Load("/nonexistent/spoor.yml")
	assert.Error(t, err)
	assert.Nil(t, config)
	assert.Contains(t, err.Error(), "failed to read config")
}

func TestLoad_InvalidYAML(t *testing.T) {
	config, err := Load(writeConfig(t, `version: "1.0"
sinks:
  - this is invalid
    yaml syntax
`))
	assert.Error(t, err)
	assert.Nil(t, config)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *SpoorConfig)
		wantErr string
	}{
		{"unsupported version", func(c *SpoorConfig) { c.Version = "2.0" }, "unsupported version: 2.0"},
		{"namespace with colon", func(c *SpoorConfig) { c.Namespace = "a:b" }, "namespace"},
		{"unknown backend", func(c *SpoorConfig) { c.Store.Backend = "etcd" }, "invalid store.backend"},
		{"redis without url", func(c *SpoorConfig) { c.Store.Backend = BackendRedis }, "redis_url is required"},
		{"bad calling code", func(c *SpoorConfig) { c.Matching.CallingCode = "12a" }, "calling_code"},
		{"unknown mapped field", func(c *SpoorConfig) {
			c.Matching.FieldMapping = map[string]string{"mail": "e_mail"}
		}, "field_mapping[mail]"},
		{"short dedup ttl", func(c *SpoorConfig) { c.Dedup.TTL = time.Millisecond }, "dedup.ttl"},
		{"bad failure policy", func(c *SpoorConfig) { c.Dedup.FailurePolicy = "sometimes" }, "failure_policy"},
		{"short handoff secret", func(c *SpoorConfig) { c.Handoff.Secret = "short" }, "handoff.secret"},
		{"negative attempts", func(c *SpoorConfig) { c.Dispatch.MaxAttempts = -1 }, "max_attempts"},
		{"inverted backoff", func(c *SpoorConfig) {
			c.Dispatch.InitialBackoff = time.Second
			c.Dispatch.MaxBackoff = time.Millisecond
		}, "backoff"},
		{"value rule out of range", func(c *SpoorConfig) {
			c.Attribution.Rules = append(c.Attribution.Rules, attributionRule("X", 64))
		}, "attribution.rules"},
		{"sink without endpoint", func(c *SpoorConfig) {
			c.Sinks = map[string]SinkConfig{"meta": {Kind: "meta"}}
		}, "endpoint is required"},
		{"sink with unknown kind", func(c *SpoorConfig) {
			c.Sinks = map[string]SinkConfig{"x": {Kind: "fax", Endpoint: "https://example.com"}}
		}, "unknown sink kind"},
		{"google sink without action", func(c *SpoorConfig) {
			c.Sinks = map[string]SinkConfig{"g": {Kind: "google", Endpoint: "https://example.com"}}
		}, "conversion_action"},
		{"sink with non-http endpoint", func(c *SpoorConfig) {
			c.Sinks = map[string]SinkConfig{"w": {Kind: "webhook", Endpoint: "ftp://example.com"}}
		}, "http(s)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := &SpoorConfig{Version: Version}
			tt.mutate(config)
			err := config.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_SQLiteDefaultPath(t *testing.T) {
	config := &SpoorConfig{Version: Version, Store: StoreConfig{Backend: BackendSQLite}}
	require.NoError(t, config.Validate())
	assert.Equal(t, DefaultSQLitePath, config.Store.SQLitePath)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("SPOOR_NAMESPACE", "staging")
	t.Setenv("SPOOR_STORE", "sqlite")
	t.Setenv("SPOOR_SQLITE_PATH", "/tmp/spoor-test.db")
	t.Setenv("SPOOR_DEDUP_TTL", "90s")
	t.Setenv("SPOOR_DEDUP_FAILURE_POLICY", "closed")
	t.Setenv("SPOOR_HANDOFF_SECRET", "env-secret-0123456789")
	t.Setenv("SPOOR_DISPATCH_MAX_ATTEMPTS", "5")
	t.Setenv("SPOOR_DISABLED_SINKS", "crm, unknown")
	t.Setenv("SPOOR_CONSENT", "analytics, marketing")

	config, err := Load(writeConfig(t, `version: "1.0"
namespace: shop
dedup:
  ttl: 10m
sinks:
  crm:
    kind: webhook
    endpoint: https://crm.example.com/hook
`))
	require.NoError(t, err)

	assert.Equal(t, "staging", config.Namespace)
	assert.Equal(t, BackendSQLite, config.Store.Backend)
	assert.Equal(t, "/tmp/spoor-test.db", config.Store.SQLitePath)
	assert.Equal(t, 90*time.Second, config.Dedup.TTL)
	assert.Equal(t, "closed", config.Dedup.FailurePolicy)
	assert.Equal(t, "env-secret-0123456789", config.Handoff.Secret)
	assert.Equal(t, 5, config.Dispatch.MaxAttempts)
	assert.False(t, config.Sinks["crm"].IsEnabled())
	assert.Equal(t, ledger.Consent{Analytics: true, Marketing: true}, config.Consent.Default())
}

func TestApplyEnv_InvalidConsent(t *testing.T) {
	t.Setenv("SPOOR_CONSENT", "analytics,advertising")

	_, err := FromEnv()
	assert.ErrorContains(t, err, "advertising")
}

func TestFromEnv(t *testing.T) {
	t.Setenv("SPOOR_PROFILE", "kiosk")

	config, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "kiosk", config.Profile)
	assert.Equal(t, BackendMemory, config.Store.Backend)
}

func TestFromEnv_InvalidDuration(t *testing.T) {
	t.Setenv("SPOOR_DEDUP_TTL", "soon")

	_, err := FromEnv()
	assert.Error(t, err)
}

func TestSinkConfig_Token(t *testing.T) {
	t.Setenv("SPOOR_TEST_META_TOKEN", "from-env")

	assert.Equal(t, "inline", SinkConfig{AccessToken: "inline"}.Token())
	assert.Equal(t, "from-env", SinkConfig{AccessToken: "inline", TokenEnv: "SPOOR_TEST_META_TOKEN"}.Token())
	assert.Equal(t, "inline", SinkConfig{AccessToken: "inline", TokenEnv: "SPOOR_TEST_UNSET_TOKEN"}.Token())
}

func TestDefault(t *testing.T) {
	config := Default()
	assert.Equal(t, Version, config.Version)
	assert.Equal(t, DefaultDedupTTL, config.Dedup.TTL)
}

func attributionRule(event string, code int) attribution.CustomRule {
	return attribution.CustomRule{Event: event, Code: code}
}
