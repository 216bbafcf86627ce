package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/spoor/internal/config"
	"github.com/dyluth/spoor/internal/dispatch"
	"github.com/dyluth/spoor/internal/identity"
	"github.com/dyluth/spoor/internal/matchkey"
	"github.com/dyluth/spoor/pkg/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "tracker-test-secret-0123456789"

type recordingSink struct {
	mu  sync.Mutex
	got []dispatch.Conversion
}

func (s *recordingSink) Name() string { return "recorder" }

func (s *recordingSink) Send(_ context.Context, c dispatch.Conversion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, c)
	return nil
}

func (s *recordingSink) Conversions() []dispatch.Conversion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]dispatch.Conversion(nil), s.got...)
}

type brokenStore struct{}

func (brokenStore) Load(context.Context, string) (ledger.Record, error) {
	return ledger.Record{}, errors.New("storage quota exceeded")
}

func (brokenStore) CompareAndSwap(context.Context, string, uint64, ledger.UnifiedIdentity) (ledger.Record, bool, error) {
	return ledger.Record{}, false, errors.New("storage quota exceeded")
}

func testConfig(t *testing.T) *config.SpoorConfig {
	t.Helper()
	cfg := config.Default()
	cfg.Matching.FieldMapping = map[string]string{"user_email": "email", "mobile": "phone"}
	cfg.Dispatch.InitialBackoff = time.Millisecond
	cfg.Dispatch.MaxBackoff = 5 * time.Millisecond
	cfg.Handoff.Secret = testSecret
	cfg.Consent = config.ConsentConfig{Analytics: true, Marketing: true}
	require.NoError(t, cfg.Validate())
	return cfg
}

// deniedConfig is testConfig with no consent granted by default.
func deniedConfig(t *testing.T) *config.SpoorConfig {
	t.Helper()
	cfg := testConfig(t)
	cfg.Consent = config.ConsentConfig{}
	return cfg
}

func newTestService(t *testing.T, cfg *config.SpoorConfig, deps Deps) (*Service, *recordingSink) {
	t.Helper()
	if cfg == nil {
		cfg = testConfig(t)
	}
	sink := &recordingSink{}
	if deps.Sinks == nil {
		deps.Sinks = []dispatch.Registration{{Sink: sink}}
	}
	if deps.Logger == nil {
		deps.Logger = log.New(io.Discard, "", 0)
	}
	svc, err := New(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })
	return svc, sink
}

func digest(t *testing.T, normalized string) string {
	t.Helper()
	d, err := matchkey.SHA256{}.Digest(context.Background(), normalized)
	require.NoError(t, err)
	return d
}

func TestTrack_HashesMappedFields(t *testing.T) {
	svc, sink := newTestService(t, nil, Deps{})
	ctx := context.Background()

	out := svc.Track(ctx, Trigger{Fields: map[string]string{
		"user_email":       "Test@Example.com ",
		"favourite_colour": "blue",
	}})

	require.NotNil(t, out.Merge)
	assert.Equal(t, []ledger.Field{ledger.FieldEmail}, out.Merge.Changed)
	assert.False(t, out.Dispatched())
	assert.Empty(t, sink.Conversions())

	stored, ok := svc.Identity(ctx, "")
	require.True(t, ok)
	require.Len(t, stored.MatchKeys, 1)
	assert.Equal(t, digest(t, "test@example.com"), stored.MatchKeys[ledger.FieldEmail].DigestHex)
	assert.Equal(t, out.Identity.ID, stored.ID)
}

func TestTrack_BlankFieldKeepsKnownKey(t *testing.T) {
	svc, _ := newTestService(t, nil, Deps{})
	ctx := context.Background()

	svc.Track(ctx, Trigger{Fields: map[string]string{"email": "a@example.com"}})
	svc.Track(ctx, Trigger{Fields: map[string]string{"email": ""}})

	stored, ok := svc.Identity(ctx, "")
	require.True(t, ok)
	assert.Equal(t, digest(t, "a@example.com"), stored.MatchKeys[ledger.FieldEmail].DigestHex)
	assert.Equal(t, int64(2), stored.VisitCount)
}

func TestTrack_DuplicateEventDispatchedOnce(t *testing.T) {
	tests := []struct {
		name        string
		externalKey string
	}{
		{"external key", "order-X"},
		{"derived key", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, sink := newTestService(t, nil, Deps{})
			ctx := context.Background()
			at := time.Now()
			trigger := Trigger{
				Event:       "Purchase",
				ExternalKey: tt.externalKey,
				Properties:  map[string]any{"value": 20.0},
				At:          at,
			}

			first := svc.Track(ctx, trigger)
			trigger.At = at.Add(500 * time.Millisecond)
			second := svc.Track(ctx, trigger)

			assert.True(t, first.Dispatched())
			assert.False(t, second.Dispatched())
			assert.True(t, second.Suppressed)
			assert.Len(t, sink.Conversions(), 1)
			assert.Equal(t, int64(1), svc.Stats().Suppressed)
		})
	}
}

func TestTrack_ConversionValueIsMonotonic(t *testing.T) {
	svc, sink := newTestService(t, nil, Deps{})
	ctx := context.Background()

	assert.Equal(t, 1, svc.Track(ctx, Trigger{Event: "Tutorial_Start"}).ValueCode)
	assert.Equal(t, 53, svc.Track(ctx, Trigger{Event: "Purchase", Properties: map[string]any{"value": 75}}).ValueCode)
	assert.Equal(t, 53, svc.Track(ctx, Trigger{Event: "Tutorial_Complete"}).ValueCode)

	got := sink.Conversions()
	require.Len(t, got, 3)
	assert.Equal(t, 53, got[2].ValueCode)

	stored, ok := svc.Identity(ctx, "")
	require.True(t, ok)
	assert.Equal(t, 53, stored.Attribution.ConversionValueCode)

	reset := svc.Track(ctx, Trigger{Event: "Conversion_Value_Reset"})
	assert.Equal(t, 0, reset.ValueCode)
}

func TestTrack_ConcurrentFirstVisitsShareIdentity(t *testing.T) {
	svc, _ := newTestService(t, nil, Deps{})
	ctx := context.Background()

	const tabs = 4
	ids := make([]string, tabs)
	var wg sync.WaitGroup
	for i := 0; i < tabs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = svc.Track(ctx, Trigger{}).Identity.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	stored, ok := svc.Identity(ctx, "")
	require.True(t, ok)
	assert.Equal(t, int64(tabs), stored.VisitCount)
}

func TestTrack_RecordsTouches(t *testing.T) {
	svc, sink := newTestService(t, nil, Deps{})
	ctx := context.Background()

	svc.Track(ctx, Trigger{
		Event:    "Registration",
		Campaign: url.Values{"utm_source": {"google"}, "utm_medium": {"cpc"}, "gclid": {"g-1"}},
	})
	svc.Track(ctx, Trigger{
		Campaign: url.Values{"utm_source": {"newsletter"}, "utm_medium": {"email"}},
	})

	stored, ok := svc.Identity(ctx, "")
	require.True(t, ok)
	require.NotNil(t, stored.Attribution.FirstTouch)
	require.NotNil(t, stored.Attribution.LastTouch)
	assert.Equal(t, "google", stored.Attribution.FirstTouch.Source)
	assert.Equal(t, "newsletter", stored.Attribution.LastTouch.Source)

	got := sink.Conversions()
	require.Len(t, got, 1)
	require.NotNil(t, got[0].Attribution.LastTouch)
	assert.Equal(t, "g-1", got[0].Attribution.LastTouch.ClickIDs["gclid"])
	assert.Equal(t, 5, got[0].ValueCode)
}

func TestTrack_StoreUnavailableUsesEphemeralIdentity(t *testing.T) {
	svc, sink := newTestService(t, nil, Deps{IdentityStore: brokenStore{}})
	ctx := context.Background()

	out := svc.Track(ctx, Trigger{
		Event:      "Purchase",
		Properties: map[string]any{"value": 75.0},
		Fields:     map[string]string{"email": "test@example.com"},
		Campaign:   url.Values{"utm_source": {"tiktok"}},
	})

	assert.True(t, out.Identity.Ephemeral)
	assert.True(t, out.Dispatched())
	assert.Equal(t, 53, out.ValueCode)

	got := sink.Conversions()
	require.Len(t, got, 1)
	assert.Equal(t, digest(t, "test@example.com"), got[0].MatchKeys["em"])
	assert.Equal(t, "tiktok", got[0].Attribution.FirstTouch.Source)

	_, ok := svc.Identity(ctx, "")
	assert.False(t, ok)
}

func TestTrack_StoreUnavailableDispatchesDuplicateOnce(t *testing.T) {
	svc, sink := newTestService(t, nil, Deps{IdentityStore: brokenStore{}})
	ctx := context.Background()
	at := time.Unix(1_700_000_000, 0)
	trigger := Trigger{Event: "Lead", At: at}

	first := svc.Track(ctx, trigger)
	trigger.At = at.Add(time.Second)
	second := svc.Track(ctx, trigger)

	require.True(t, first.Identity.Ephemeral)
	require.True(t, second.Identity.Ephemeral)
	assert.NotEqual(t, first.Identity.ID, second.Identity.ID)
	assert.Equal(t, first.Event.IdempotencyKey, second.Event.IdempotencyKey)
	assert.True(t, first.Dispatched())
	assert.True(t, second.Suppressed)
	assert.Len(t, sink.Conversions(), 1)

	other := svc.Track(ctx, Trigger{Profile: "tab-2", Event: "Lead", At: at})
	assert.True(t, other.Dispatched(), "profiles keep separate windows")
}

func TestTrack_AnalyticsConsentGatesPII(t *testing.T) {
	t.Run("default denies", func(t *testing.T) {
		svc, sink := newTestService(t, deniedConfig(t), Deps{})
		ctx := context.Background()

		out := svc.Track(ctx, Trigger{
			Event:  "Lead",
			Fields: map[string]string{"email": "test@example.com"},
		})

		assert.False(t, out.Consent.Analytics)
		assert.Nil(t, out.Merge)
		assert.True(t, out.Dispatched())

		stored, ok := svc.Identity(ctx, "")
		require.True(t, ok)
		assert.Empty(t, stored.MatchKeys)
		assert.Nil(t, stored.Consent)

		got := sink.Conversions()
		require.Len(t, got, 1)
		assert.Empty(t, got[0].MatchKeys)
	})

	t.Run("withdrawn consent strips stored keys from conversions", func(t *testing.T) {
		svc, sink := newTestService(t, deniedConfig(t), Deps{})
		ctx := context.Background()

		out := svc.Track(ctx, Trigger{
			Fields:  map[string]string{"email": "test@example.com"},
			Consent: &ledger.Consent{Analytics: true},
		})
		require.NotNil(t, out.Merge)

		svc.Track(ctx, Trigger{Event: "Lead", Consent: &ledger.Consent{}})

		stored, ok := svc.Identity(ctx, "")
		require.True(t, ok)
		assert.Len(t, stored.MatchKeys, 1)
		require.NotNil(t, stored.Consent)
		assert.False(t, stored.Consent.Analytics)

		got := sink.Conversions()
		require.Len(t, got, 1)
		assert.Empty(t, got[0].MatchKeys)
	})
}

func TestTrack_MarketingConsentGatesTouches(t *testing.T) {
	svc, sink := newTestService(t, deniedConfig(t), Deps{})
	ctx := context.Background()
	campaign := url.Values{"utm_source": {"google"}, "gclid": {"g-1"}}

	out := svc.Track(ctx, Trigger{Campaign: campaign})
	assert.False(t, out.Consent.Marketing)

	stored, ok := svc.Identity(ctx, "")
	require.True(t, ok)
	assert.Nil(t, stored.Attribution.FirstTouch)

	svc.Track(ctx, Trigger{
		Event:    "Registration",
		Campaign: url.Values{"utm_source": {"newsletter"}},
		Consent:  &ledger.Consent{Marketing: true},
	})

	stored, ok = svc.Identity(ctx, "")
	require.True(t, ok)
	require.NotNil(t, stored.Attribution.FirstTouch)
	assert.Equal(t, "newsletter", stored.Attribution.FirstTouch.Source)

	got := sink.Conversions()
	require.Len(t, got, 1)
	require.NotNil(t, got[0].Attribution.FirstTouch)
}

func TestTrack_StatedConsentIsStored(t *testing.T) {
	svc, _ := newTestService(t, deniedConfig(t), Deps{})
	ctx := context.Background()
	at := time.Unix(1_700_000_000, 0).UTC()

	svc.Track(ctx, Trigger{Consent: &ledger.Consent{Analytics: true, Marketing: true}, At: at})

	// Later triggers without a stated consent use the stored one.
	out := svc.Track(ctx, Trigger{
		Fields:   map[string]string{"email": "test@example.com"},
		Campaign: url.Values{"utm_source": {"google"}},
		At:       at.Add(time.Minute),
	})
	assert.True(t, out.Consent.Analytics)
	assert.True(t, out.Consent.Marketing)
	require.NotNil(t, out.Merge)

	stored, ok := svc.Identity(ctx, "")
	require.True(t, ok)
	require.NotNil(t, stored.Consent)
	assert.True(t, at.Equal(stored.Consent.UpdatedAt))
	assert.Len(t, stored.MatchKeys, 1)
	require.NotNil(t, stored.Attribution.FirstTouch)

	// Restating the same consent leaves the record alone.
	before, err := svc.Record(ctx, "")
	require.NoError(t, err)
	svc.Track(ctx, Trigger{Consent: &ledger.Consent{Analytics: true, Marketing: true}, At: at.Add(time.Hour)})
	after, err := svc.Record(ctx, "")
	require.NoError(t, err)
	assert.True(t, at.Equal(after.Identity.Consent.UpdatedAt))
	assert.Equal(t, before.Identity.VisitCount+1, after.Identity.VisitCount)
}

func TestTrack_ProfilesAreIndependent(t *testing.T) {
	svc, _ := newTestService(t, nil, Deps{})
	ctx := context.Background()

	a := svc.Track(ctx, Trigger{Profile: "tab-a"}).Identity
	b := svc.Track(ctx, Trigger{Profile: "tab-b"}).Identity
	assert.NotEqual(t, a.ID, b.ID)
}

func TestHandoff_RoundTrip(t *testing.T) {
	ctx := context.Background()
	web, _ := newTestService(t, nil, Deps{})
	app, _ := newTestService(t, nil, Deps{})

	sender := web.Track(ctx, Trigger{Campaign: url.Values{"utm_source": {"google"}}}).Identity

	link := web.Handoff(ctx, "", "https://app.example.com/open?screen=home", map[string]string{"screen": "home"})
	u, err := url.Parse(link)
	require.NoError(t, err)
	assert.Equal(t, "home", u.Query().Get("screen"))

	resumed, adopted := app.Resume(ctx, "", u.Query())
	assert.True(t, adopted)
	assert.Equal(t, sender.ID, resumed.ID)
	require.NotNil(t, resumed.Attribution.FirstTouch)
	assert.Equal(t, "google", resumed.Attribution.FirstTouch.Source)

	again, adopted := app.Resume(ctx, "", u.Query())
	assert.False(t, adopted)
	assert.Equal(t, sender.ID, again.ID, "local identity wins after adoption")
}

func TestHandoff_CarriesConsent(t *testing.T) {
	ctx := context.Background()
	web, _ := newTestService(t, nil, Deps{})
	app, _ := newTestService(t, nil, Deps{})

	sender := web.Track(ctx, Trigger{
		Campaign: url.Values{"utm_source": {"google"}},
		Consent:  &ledger.Consent{Analytics: true},
	}).Identity
	require.Nil(t, sender.Attribution.FirstTouch)

	u, err := url.Parse(web.Handoff(ctx, "", "https://app.example.com/open", nil))
	require.NoError(t, err)

	resumed, adopted := app.Resume(ctx, "", u.Query())
	require.True(t, adopted)
	require.NotNil(t, resumed.Consent)
	assert.True(t, resumed.Consent.Analytics)
	assert.False(t, resumed.Consent.Marketing)

	// The receiving runtime grants marketing by default but honours the
	// visitor's stated choice.
	out := app.Track(ctx, Trigger{Campaign: url.Values{"utm_source": {"tiktok"}}})
	assert.False(t, out.Consent.Marketing)
	assert.Nil(t, out.Identity.Attribution.FirstTouch)
}

func TestHandoff_TamperedPayloadGivesFreshIdentity(t *testing.T) {
	ctx := context.Background()
	web, _ := newTestService(t, nil, Deps{})
	app, _ := newTestService(t, nil, Deps{})

	sender := web.Track(ctx, Trigger{}).Identity
	u, err := url.Parse(web.Handoff(ctx, "", "https://app.example.com/open", nil))
	require.NoError(t, err)

	values := u.Query()
	values.Set("spoor_uid", "spoor_attacker")

	resumed, adopted := app.Resume(ctx, "", values)
	assert.False(t, adopted)
	assert.NotEqual(t, sender.ID, resumed.ID)
	assert.NotEqual(t, "spoor_attacker", resumed.ID)
}

func TestHandoff_Disabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Handoff.Secret = ""
	svc, _ := newTestService(t, cfg, Deps{})
	ctx := context.Background()

	assert.False(t, svc.HandoffEnabled())
	assert.Equal(t, "https://app.example.com", svc.Handoff(ctx, "", "https://app.example.com", nil))

	_, err := svc.PrepareHandoff(ctx, "", nil)
	assert.Error(t, err)
	_, err = svc.VerifyHandoff(ctx, url.Values{})
	assert.Error(t, err)

	id, adopted := svc.Resume(ctx, "", url.Values{"spoor_uid": {"x"}})
	assert.False(t, adopted)
	assert.NotEmpty(t, id.ID)
}

func TestPrepareAndVerifyHandoff(t *testing.T) {
	svc, _ := newTestService(t, nil, Deps{})
	ctx := context.Background()

	p, err := svc.PrepareHandoff(ctx, "", nil)
	require.NoError(t, err)
	values, err := p.Values()
	require.NoError(t, err)

	verified, err := svc.VerifyHandoff(ctx, values)
	require.NoError(t, err)
	assert.Equal(t, p.IdentityID, verified.IdentityID)

	_, err = svc.VerifyHandoff(ctx, values)
	assert.Error(t, err, "second use is a replay")
}

func TestService_SQLiteBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Backend = config.BackendSQLite
	cfg.Store.SQLitePath = filepath.Join(t.TempDir(), "spoor.db")

	svc, err := New(cfg, Deps{Sinks: []dispatch.Registration{}, Logger: log.New(io.Discard, "", 0)})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, svc.Start(ctx))
	assert.Error(t, svc.Start(ctx), "second start")
	require.NoError(t, svc.Ping(ctx))

	first := svc.Track(ctx, Trigger{Event: "Lead", ExternalKey: "lead-1"})
	second := svc.Track(ctx, Trigger{Event: "Lead", ExternalKey: "lead-1"})
	assert.True(t, first.Dispatched())
	assert.True(t, second.Suppressed)

	stored, ok := svc.Identity(ctx, "")
	require.True(t, ok)
	assert.Equal(t, first.Identity.ID, stored.ID)

	require.NoError(t, svc.Shutdown(ctx))

	reopened, err := New(cfg, Deps{Sinks: []dispatch.Registration{}, Logger: log.New(io.Discard, "", 0)})
	require.NoError(t, err)
	defer reopened.Shutdown(ctx)

	again, ok := reopened.Identity(ctx, "")
	require.True(t, ok)
	assert.Equal(t, first.Identity.ID, again.ID)
}

func TestService_RedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Namespace = "shop"
	cfg.Store.Backend = config.BackendRedis
	cfg.Store.RedisURL = "redis://" + mr.Addr()
	cfg.Dispatch.PublishResults = true

	svc, sink := newTestService(t, cfg, Deps{})
	ctx := context.Background()
	require.NoError(t, svc.Ping(ctx))

	out := svc.Track(ctx, Trigger{Event: "Purchase", ExternalKey: "order-9", Properties: map[string]any{"value": 5}})
	assert.True(t, out.Dispatched())
	assert.Equal(t, 51, out.ValueCode)
	assert.True(t, svc.Track(ctx, Trigger{Event: "Purchase", ExternalKey: "order-9"}).Suppressed)
	assert.Len(t, sink.Conversions(), 1)

	assert.True(t, mr.Exists(ledger.IdentityKey("shop", "default")))

	mr.Close()
	assert.Error(t, svc.Ping(ctx))
}

func TestService_ConfiguredHTTPSinks(t *testing.T) {
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

	disabled := false
	cfg := testConfig(t)
	cfg.Sinks = map[string]config.SinkConfig{
		"hook":  {Kind: dispatch.KindWebhook, Endpoint: srv.URL, Events: []string{"Purchase"}},
		"spare": {Kind: dispatch.KindWebhook, Endpoint: srv.URL, Enabled: &disabled},
	}
	require.NoError(t, cfg.Validate())

	svc, err := New(cfg, Deps{Logger: log.New(io.Discard, "", 0)})
	require.NoError(t, err)
	defer svc.Shutdown(context.Background())

	ctx := context.Background()
	purchase := svc.Track(ctx, Trigger{Event: "Purchase", Properties: map[string]any{"value": 5}})
	lead := svc.Track(ctx, Trigger{Event: "Lead"})

	assert.Equal(t, 1, purchase.Result.Delivered)
	assert.Equal(t, 0, lead.Result.Delivered)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"Purchase"}, events)
}

func TestRecordAndProfiles(t *testing.T) {
	svc, _ := newTestService(t, nil, Deps{})
	ctx := context.Background()

	_, err := svc.Record(ctx, "")
	assert.ErrorIs(t, err, identity.ErrNotFound)

	first := svc.Track(ctx, Trigger{}).Identity
	svc.Track(ctx, Trigger{Profile: "tab-a"})

	rec, err := svc.Record(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, first.ID, rec.Identity.ID)
	assert.Equal(t, uint64(1), rec.Generation)

	profiles, err := svc.Profiles(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{identity.DefaultProfile, "tab-a"}, profiles)
}

func TestProfiles_UnsupportedStore(t *testing.T) {
	svc, _ := newTestService(t, nil, Deps{IdentityStore: brokenStore{}})

	_, err := svc.Profiles(context.Background())
	assert.Error(t, err)
}
