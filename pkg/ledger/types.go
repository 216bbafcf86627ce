package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxConversionValueCode is the highest conversion-value code an advertising
// platform accepts. The [0,63] range is a wire contract and must not change.
const MaxConversionValueCode = 63

// IdentityIDPrefix marks identifiers minted by spoor.
const IdentityIDPrefix = "spoor_"

// SessionIDPrefix marks session identifiers carried in handoff payloads.
const SessionIDPrefix = "sess_"

// Field is a canonical PII field name. Integrators map their own form field
// names onto these through the field mapping configuration.
type Field string

const (
	FieldEmail       Field = "email"
	FieldPhone       Field = "phone"
	FieldFirstName   Field = "first_name"
	FieldLastName    Field = "last_name"
	FieldExternalID  Field = "external_id"
	FieldCity        Field = "city"
	FieldRegion      Field = "region"
	FieldPostalCode  Field = "postal_code"
	FieldCountry     Field = "country"
	FieldGender      Field = "gender"
	FieldDateOfBirth Field = "date_of_birth"
)

// shortKeys are the field names advertising platforms expect for hashed PII.
var shortKeys = map[Field]string{
	FieldEmail:       "em",
	FieldPhone:       "ph",
	FieldFirstName:   "fn",
	FieldLastName:    "ln",
	FieldExternalID:  "external_id",
	FieldCity:        "ct",
	FieldRegion:      "st",
	FieldPostalCode:  "zp",
	FieldCountry:     "country",
	FieldGender:      "ge",
	FieldDateOfBirth: "db",
}

// Fields returns every canonical field in a stable order.
func Fields() []Field {
	return []Field{
		FieldEmail, FieldPhone, FieldFirstName, FieldLastName, FieldExternalID,
		FieldCity, FieldRegion, FieldPostalCode, FieldCountry, FieldGender, FieldDateOfBirth,
	}
}

// ShortKey returns the sink-facing short key for the field.
func (f Field) ShortKey() string {
	return shortKeys[f]
}

// Validate ensures the field is one of the canonical fields.
func (f Field) Validate() error {
	if _, ok := shortKeys[f]; !ok {
		return fmt.Errorf("unknown field %q", string(f))
	}
	return nil
}

// HashedValue is a match key: an irreversible digest of a normalized PII value.
// Plaintext is never stored.
type HashedValue struct {
	Algorithm                   string `json:"algorithm"`
	DigestHex                   string `json:"digest_hex"`
	SourceFieldNormalizedLength int    `json:"source_field_normalized_length"`
}

// Touch is one observed campaign context (UTM parameters, click IDs, referrer).
type Touch struct {
	Source      string            `json:"source,omitempty"`
	Medium      string            `json:"medium,omitempty"`
	Campaign    string            `json:"campaign,omitempty"`
	Term        string            `json:"term,omitempty"`
	Content     string            `json:"content,omitempty"`
	ClickIDs    map[string]string `json:"click_ids,omitempty"`
	Referrer    string            `json:"referrer,omitempty"`
	LandingPage string            `json:"landing_page,omitempty"`
	At          time.Time         `json:"at"`
}

// AttributionContext is attached to an identity. FirstTouch is write-once,
// LastTouch is last-write-wins and ConversionValueCode never decreases
// except through an explicit reset.
type AttributionContext struct {
	FirstTouch          *Touch    `json:"first_touch,omitempty"`
	LastTouch           *Touch    `json:"last_touch,omitempty"`
	ConversionValueCode int       `json:"conversion_value_code"`
	CodeUpdatedAt       time.Time `json:"code_updated_at,omitempty"`
}

// Consent is the visitor's recorded consent. Analytics covers PII match keys;
// Marketing covers campaign touches.
type Consent struct {
	Analytics bool      `json:"analytics"`
	Marketing bool      `json:"marketing"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Same reports whether two consent states grant the same purposes.
func (c Consent) Same(o Consent) bool {
	return c.Analytics == o.Analytics && c.Marketing == o.Marketing
}

// Purposes lists the granted purposes in ParseConsent's vocabulary.
func (c Consent) Purposes() []string {
	out := []string{}
	if c.Analytics {
		out = append(out, "analytics")
	}
	if c.Marketing {
		out = append(out, "marketing")
	}
	return out
}

// ParseConsent reads a comma-separated list of granted purposes. "all" grants
// both; "none" or an empty string grants neither.
func ParseConsent(s string) (Consent, error) {
	var c Consent
	for _, part := range strings.Split(s, ",") {
		switch strings.ToLower(strings.TrimSpace(part)) {
		case "", "none":
		case "all":
			c.Analytics, c.Marketing = true, true
		case "analytics":
			c.Analytics = true
		case "marketing":
			c.Marketing = true
		default:
			return Consent{}, fmt.Errorf("unknown consent purpose %q (want analytics, marketing, all or none)", strings.TrimSpace(part))
		}
	}
	return c, nil
}

// UnifiedIdentity is the visitor record stitched across runtimes.
type UnifiedIdentity struct {
	ID                string                `json:"id"`
	CreatedAt         time.Time             `json:"created_at"`
	LastSeenAt        time.Time             `json:"last_seen_at"`
	MatchKeys         map[Field]HashedValue `json:"match_keys"`
	VisitCount        int64                 `json:"visit_count"`
	DeviceFingerprint string                `json:"device_fingerprint,omitempty"`
	Attribution       AttributionContext    `json:"attribution"`
	Consent           *Consent              `json:"consent,omitempty"`

	// Ephemeral marks an identity that exists only for the current call
	// because the backing store could not be used.
	Ephemeral bool `json:"-"`
}

// NewIdentity returns a fresh identity with a generated ID and zero visits.
func NewIdentity(now time.Time) UnifiedIdentity {
	return UnifiedIdentity{
		ID:         NewIdentityID(),
		CreatedAt:  now.UTC(),
		LastSeenAt: now.UTC(),
		MatchKeys:  map[Field]HashedValue{},
	}
}

// Clone returns a deep copy safe to mutate.
func (u UnifiedIdentity) Clone() UnifiedIdentity {
	out := u
	out.MatchKeys = make(map[Field]HashedValue, len(u.MatchKeys))
	for k, v := range u.MatchKeys {
		out.MatchKeys[k] = v
	}
	out.Attribution.FirstTouch = u.Attribution.FirstTouch.Clone()
	out.Attribution.LastTouch = u.Attribution.LastTouch.Clone()
	if u.Consent != nil {
		c := *u.Consent
		out.Consent = &c
	}
	return out
}

// Validate checks the structural invariants of a persisted identity.
func (u UnifiedIdentity) Validate() error {
	if !strings.HasPrefix(u.ID, IdentityIDPrefix) || len(u.ID) == len(IdentityIDPrefix) {
		return fmt.Errorf("identity id %q is malformed", u.ID)
	}
	if u.CreatedAt.IsZero() {
		return fmt.Errorf("identity %s has no creation time", u.ID)
	}
	if u.VisitCount < 0 {
		return fmt.Errorf("identity %s has negative visit count", u.ID)
	}
	code := u.Attribution.ConversionValueCode
	if code < 0 || code > MaxConversionValueCode {
		return fmt.Errorf("identity %s conversion value code %d out of range", u.ID, code)
	}
	for field, hv := range u.MatchKeys {
		if err := field.Validate(); err != nil {
			return err
		}
		if hv.DigestHex == "" {
			return fmt.Errorf("identity %s: empty digest for %s", u.ID, field)
		}
	}
	return nil
}

// Clone returns a deep copy of the touch, or nil.
func (t *Touch) Clone() *Touch {
	if t == nil {
		return nil
	}
	out := *t
	if t.ClickIDs != nil {
		out.ClickIDs = make(map[string]string, len(t.ClickIDs))
		for k, v := range t.ClickIDs {
			out.ClickIDs[k] = v
		}
	}
	return &out
}

// Record is the persisted cell for one profile. Generation starts at 1 on the
// first write and increments on every successful compare-and-set; zero means
// the cell is empty.
type Record struct {
	Identity   UnifiedIdentity `json:"identity"`
	Generation uint64          `json:"generation"`
}

// Event is one logical action reported to sinks.
type Event struct {
	Name           string         `json:"name"`
	Timestamp      time.Time      `json:"timestamp"`
	IdempotencyKey string         `json:"idempotency_key"`
	ExternalKey    string         `json:"external_key,omitempty"`
	Properties     map[string]any `json:"properties,omitempty"`
}

// SinkOutcome is what happened to one event at one sink.
type SinkOutcome struct {
	Sink       string        `json:"sink"`
	Attempts   int           `json:"attempts"`
	Skipped    bool          `json:"skipped,omitempty"`
	Error      string        `json:"error,omitempty"`
	DurationMs int64         `json:"duration_ms"`
	Duration   time.Duration `json:"-"`
}

// Delivered reports whether the sink accepted the event.
func (o SinkOutcome) Delivered() bool {
	return !o.Skipped && o.Error == ""
}

// DispatchResult aggregates the per-sink outcomes of one dispatch.
type DispatchResult struct {
	EventName      string        `json:"event_name"`
	IdempotencyKey string        `json:"idempotency_key"`
	IdentityID     string        `json:"identity_id"`
	ValueCode      int           `json:"value_code"`
	Outcomes       []SinkOutcome `json:"outcomes"`
	Delivered      int           `json:"delivered"`
	Failed         int           `json:"failed"`
	DispatchedAtMs int64         `json:"dispatched_at_ms"`
}

// NewIdentityID generates a new identity identifier.
func NewIdentityID() string {
	return IdentityIDPrefix + uuid.NewString()
}

// NewSessionID generates a new session identifier.
func NewSessionID() string {
	return SessionIDPrefix + uuid.NewString()
}
