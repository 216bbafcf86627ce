package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/spoor/internal/handoff"
	"github.com/dyluth/spoor/internal/hoard"
	"github.com/dyluth/spoor/internal/scaffold"
	"github.com/dyluth/spoor/pkg/ledger"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sha256("test@example.com")
const testEmailDigest = "973dfe463ec85785f5f95af5ba3906eedb2d931c24e69824a89ea65dba4e813b"

const testHandoffSecret = "cli-test-secret-0123456789"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "spoor.yml")
	require.NoError(t, os.WriteFile(path, []byte("version: \"1.0\"\n"+body), 0600))
	return path
}

func memoryConfig(t *testing.T) string {
	return writeConfig(t, `store:
  backend: memory
matching:
  field_mapping:
    user_email: email
`)
}

func sqliteConfig(t *testing.T) string {
	db := filepath.Join(t.TempDir(), "spoor.db")
	return writeConfig(t, "store:\n  backend: sqlite\n  sqlite_path: "+db+"\n")
}

func TestInit(t *testing.T) {
	dir := t.TempDir()

	output, err := execute(t, "init", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, output, scaffold.ConfigFile)
	assert.FileExists(t, filepath.Join(dir, scaffold.ConfigFile))

	_, err = execute(t, "init", "--dir", dir)
	assert.Error(t, err, "existing config without --force")

	_, err = execute(t, "init", "--dir", dir, "--force")
	assert.NoError(t, err)

	// The generated file is a valid config
	_, err = execute(t, "--config", filepath.Join(dir, scaffold.ConfigFile), "hash", "email", "test@example.com")
	assert.NoError(t, err)
}

func TestHash(t *testing.T) {
	cfg := memoryConfig(t)

	t.Run("canonical field", func(t *testing.T) {
		output, err := execute(t, "--config", cfg, "hash", "email", " Test@Example.com ")
		require.NoError(t, err)
		assert.Equal(t, testEmailDigest+"\n", output)
	})

	t.Run("mapped form field as JSON", func(t *testing.T) {
		output, err := execute(t, "--config", cfg, "hash", "user_email", "test@example.com", "--json")
		require.NoError(t, err)

		var got struct {
			Field     string `json:"field"`
			DigestHex string `json:"digest_hex"`
		}
		require.NoError(t, json.Unmarshal([]byte(output), &got))
		assert.Equal(t, string(ledger.FieldEmail), got.Field)
	})

	t.Run("unknown field", func(t *testing.T) {
		output, err := execute(t, "--config", cfg, "hash", "shoe_size", "9")
		require.Error(t, err)
		assert.True(t, printed(err))
		assert.Contains(t, output, "unknown field 'shoe_size'")
	})

	t.Run("nothing left after normalization", func(t *testing.T) {
		_, err := execute(t, "--config", cfg, "hash", "email", "   ")
		assert.Error(t, err)
	})
}

func TestTrack_DeliversToWebhook(t *testing.T) {
	var (
		mu     sync.Mutex
		events []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Event string `json:"event"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		events = append(events, body.Event)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := writeConfig(t, `store:
  backend: memory
dispatch:
  max_attempts: 1
sinks:
  hook:
    kind: webhook
    endpoint: `+srv.URL+`
    events: ["Purchase"]
`)

	output, err := execute(t, "--config", cfg, "track",
		"--event", "Purchase", "--key", "order-1",
		"--prop", "value=75", "--prop", "currency=USD",
		"--json")
	require.NoError(t, err)

	var report trackReport
	require.NoError(t, json.Unmarshal([]byte(output), &report))
	assert.Equal(t, "Purchase", report.Event)
	assert.False(t, report.Suppressed)
	assert.Equal(t, 1, report.Delivered)
	assert.Equal(t, 0, report.Failed)
	assert.True(t, strings.HasPrefix(report.IdentityID, ledger.IdentityIDPrefix))

	mu.Lock()
	assert.Equal(t, []string{"Purchase"}, events)
	mu.Unlock()

	output, err = execute(t, "--config", cfg, "track", "--event", "Purchase", "--key", "order-2")
	require.NoError(t, err)
	assert.Contains(t, output, "Purchase delivered to 1 sink(s)")
	assert.Contains(t, output, "hook")
}

func TestTrack_RecordOnly(t *testing.T) {
	output, err := execute(t, "--config", memoryConfig(t), "track",
		"--field", "user_email=test@example.com",
		"--landing-page", "https://shop.example.com/?utm_source=google&utm_medium=cpc",
		"--consent", "analytics,marketing")
	require.NoError(t, err)
	assert.Contains(t, output, "Recorded visit")
	assert.Contains(t, output, "Merged")
	assert.Contains(t, output, "email")
	assert.Contains(t, output, "analytics, marketing")
}

func TestTrack_Consent(t *testing.T) {
	t.Run("withheld by default", func(t *testing.T) {
		output, err := execute(t, "--config", memoryConfig(t), "track",
			"--field", "user_email=test@example.com", "--json")
		require.NoError(t, err)

		var report trackReport
		require.NoError(t, json.Unmarshal([]byte(output), &report))
		assert.Equal(t, []string{}, report.Consent)

		output, err = execute(t, "--config", memoryConfig(t), "track", "--field", "user_email=test@example.com")
		require.NoError(t, err)
		assert.NotContains(t, output, "Merged")
		assert.Contains(t, output, "none")
	})

	t.Run("granted in config", func(t *testing.T) {
		cfg := writeConfig(t, "store:\n  backend: memory\nconsent:\n  analytics: true\n")
		output, err := execute(t, "--config", cfg, "track", "--field", "email=test@example.com")
		require.NoError(t, err)
		assert.Contains(t, output, "Merged")
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := execute(t, "--config", memoryConfig(t), "track", "--consent", "cookies")
		assert.ErrorContains(t, err, "--consent")
	})
}

func TestTrack_InvalidPairs(t *testing.T) {
	cfg := memoryConfig(t)

	_, err := execute(t, "--config", cfg, "track", "--prop", "novalue")
	assert.ErrorContains(t, err, "--prop")

	_, err = execute(t, "--config", cfg, "track", "--field", "=x")
	assert.ErrorContains(t, err, "--field")
}

func TestParseProps(t *testing.T) {
	props, err := parseProps([]string{"value=75.5", "currency=USD", "note=a=b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"value": 75.5, "currency": "USD", "note": "a=b"}, props)

	props, err = parseProps(nil)
	require.NoError(t, err)
	assert.Nil(t, props)
}

func TestHandoff_PrepareAndVerify(t *testing.T) {
	cfg := writeConfig(t, "store:\n  backend: memory\nhandoff:\n  secret: "+testHandoffSecret+"\n")

	output, err := execute(t, "--config", cfg, "handoff", "prepare", "https://app.example.com/open?ref=web", "--extra", "plan=pro")
	require.NoError(t, err)

	link := strings.TrimSpace(output)
	u, err := url.Parse(link)
	require.NoError(t, err)
	assert.Equal(t, "web", u.Query().Get("ref"))
	identityID := u.Query().Get(handoff.ParamIdentity)
	require.NotEmpty(t, identityID)

	output, err = execute(t, "--config", cfg, "handoff", "verify", link)
	require.NoError(t, err)
	assert.Contains(t, output, "Handoff accepted")
	assert.Contains(t, output, identityID)
	assert.Contains(t, output, "plan")

	// A tampered link is rejected
	q := u.Query()
	q.Set(handoff.ParamIdentity, ledger.NewIdentityID())
	u.RawQuery = q.Encode()
	output, err = execute(t, "--config", cfg, "handoff", "verify", u.String())
	require.Error(t, err)
	assert.Contains(t, output, "handoff rejected")
}

func TestHandoff_Disabled(t *testing.T) {
	output, err := execute(t, "--config", memoryConfig(t), "handoff", "prepare", "https://app.example.com/")
	require.Error(t, err)
	assert.Contains(t, output, "handoff is disabled")
}

func TestHandoff_VerifyWithoutPayload(t *testing.T) {
	output, err := execute(t, "--config", memoryConfig(t), "handoff", "verify", "https://app.example.com/?ref=web")
	require.Error(t, err)
	assert.Contains(t, output, "no handoff in link")
}

func TestHandoffValues(t *testing.T) {
	for _, arg := range []string{
		"https://app.example.com/open?spoor_uid=spoor_x&ref=1",
		"?spoor_uid=spoor_x&ref=1",
		"spoor_uid=spoor_x&ref=1",
	} {
		values, err := handoffValues(arg)
		require.NoError(t, err, arg)
		assert.Equal(t, "spoor_x", values.Get(handoff.ParamIdentity), arg)
	}
}

func TestJoinTouch(t *testing.T) {
	assert.Equal(t, "google/cpc", joinTouch("google", "cpc", ""))
	assert.Equal(t, "", joinTouch("", "", ""))
}

func TestIdentity_ListAndShow(t *testing.T) {
	cfg := sqliteConfig(t)

	_, err := execute(t, "--config", cfg, "track", "--field", "email=test@example.com", "--consent", "analytics")
	require.NoError(t, err)
	_, err = execute(t, "--config", cfg, "track", "--profile", "tab-2")
	require.NoError(t, err)

	output, err := execute(t, "--config", cfg, "identity", "list", "--output", "jsonl")
	require.NoError(t, err)

	byProfile := make(map[string]hoard.Entry)
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		var e hoard.Entry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		byProfile[e.Profile] = e
	}
	require.Len(t, byProfile, 2)
	require.Contains(t, byProfile, "default")
	require.Contains(t, byProfile, "tab-2")

	def := byProfile["default"].Record.Identity
	assert.Equal(t, testEmailDigest, def.MatchKeys[ledger.FieldEmail].DigestHex)

	output, err = execute(t, "--config", cfg, "identity", "list", "--matched")
	require.NoError(t, err)
	assert.Contains(t, output, "1 identity found")

	output, err = execute(t, "--config", cfg, "identity", "show")
	require.NoError(t, err)
	var shown hoard.Entry
	require.NoError(t, json.Unmarshal([]byte(output), &shown))
	assert.Equal(t, def.ID, shown.Record.Identity.ID)

	output, err = execute(t, "--config", cfg, "identity", "show", "--id", byProfile["tab-2"].Record.Identity.ID)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(output), &shown))
	assert.Equal(t, "tab-2", shown.Profile)

	output, err = execute(t, "--config", cfg, "identity", "show", "tab-9")
	require.Error(t, err)
	assert.Contains(t, output, "identity not found")

	_, err = execute(t, "--config", cfg, "identity", "show", "tab-2", "--id", "spoor_abcdef")
	assert.Error(t, err)

	output, err = execute(t, "--config", cfg, "identity", "list", "--output", "xml")
	require.Error(t, err)
	assert.Contains(t, output, "invalid output format")
}

func TestWatch_RequiresRedis(t *testing.T) {
	output, err := execute(t, "--config", memoryConfig(t), "watch")
	require.Error(t, err)
	assert.Contains(t, output, "watch needs the redis store")
}

func TestWatch_RejectsBadFlags(t *testing.T) {
	cfg := memoryConfig(t)

	output, err := execute(t, "--config", cfg, "watch", "--output", "xml")
	require.Error(t, err)
	assert.Contains(t, output, "invalid output format")

	output, err = execute(t, "--config", cfg, "watch", "--since", "yesterday")
	require.Error(t, err)
	assert.Contains(t, output, "invalid time filter")
}

func TestWatch_StreamsPublishedResults(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := writeConfig(t, "store:\n  backend: redis\n  redis_url: redis://"+mr.Addr()+"\n")

	publisher, err := ledger.NewClient(&redis.Options{Addr: mr.Addr()}, "default")
	require.NoError(t, err)
	defer publisher.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// Subscription timing is not observable from here, so publish until the
	// command exits.
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = publisher.PublishDispatchResult(context.Background(), &ledger.DispatchResult{
					EventName:      "Purchase",
					IdempotencyKey: "ext:order-1",
					DispatchedAtMs: time.Now().UnixMilli(),
					Outcomes:       []ledger.SinkOutcome{{Sink: "hook", Attempts: 1}},
					Delivered:      1,
				})
				_ = publisher.PublishDispatchResult(context.Background(), &ledger.DispatchResult{
					EventName:      "Lead",
					DispatchedAtMs: time.Now().UnixMilli(),
				})
			}
		}
	}()

	resetFlags()
	out := new(strings.Builder)
	rootCmd.SetOut(out)
	rootCmd.SetErr(out)
	rootCmd.SetArgs([]string{"--config", cfg, "watch", "--event", "Purch*", "--output", "json"})
	// Cobra keeps the first context a subcommand ran with
	watchCmd.SetContext(ctx)
	defer watchCmd.SetContext(context.Background())
	err = rootCmd.Execute()
	<-done
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.NotEmpty(t, lines)
	for _, line := range lines {
		var r ledger.DispatchResult
		require.NoError(t, json.Unmarshal([]byte(line), &r), line)
		assert.Equal(t, "Purchase", r.EventName)
	}
}
