package handoff

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dyluth/spoor/pkg/ledger"
)

// Query parameter names carried on the outbound link.
const (
	ParamIdentity  = "spoor_uid"
	ParamSession   = "spoor_sid"
	ParamIssuedAt  = "spoor_iat"
	ParamExpiresAt = "spoor_exp"
	ParamSignature = "spoor_sig"
	ParamContext   = "spoor_ctx"
)

var allParams = []string{ParamIdentity, ParamSession, ParamIssuedAt, ParamExpiresAt, ParamSignature, ParamContext}

// Snapshot is the attribution context carried alongside the identity.
type Snapshot struct {
	FirstSource   string            `json:"fs,omitempty"`
	FirstMedium   string            `json:"fm,omitempty"`
	FirstCampaign string            `json:"fc,omitempty"`
	LastSource    string            `json:"ls,omitempty"`
	LastMedium    string            `json:"lm,omitempty"`
	LastCampaign  string            `json:"lc,omitempty"`
	ValueCode     int               `json:"vc,omitempty"`
	VisitCount    int64             `json:"v,omitempty"`
	Extra         map[string]string `json:"x,omitempty"`
	Consent       *ConsentState     `json:"cs,omitempty"`
}

// ConsentState is the visitor's recorded consent as carried on the link.
type ConsentState struct {
	Analytics bool `json:"a"`
	Marketing bool `json:"m"`
}

// SnapshotOf captures the parts of an identity worth handing off. Touches
// are left out when the visitor has withheld marketing consent.
func SnapshotOf(id ledger.UnifiedIdentity, extra map[string]string) *Snapshot {
	s := &Snapshot{
		ValueCode:  id.Attribution.ConversionValueCode,
		VisitCount: id.VisitCount,
	}
	if c := id.Consent; c != nil {
		s.Consent = &ConsentState{Analytics: c.Analytics, Marketing: c.Marketing}
		if !c.Marketing {
			return s.withExtra(extra)
		}
	}
	if t := id.Attribution.FirstTouch; t != nil {
		s.FirstSource, s.FirstMedium, s.FirstCampaign = t.Source, t.Medium, t.Campaign
	}
	if t := id.Attribution.LastTouch; t != nil {
		s.LastSource, s.LastMedium, s.LastCampaign = t.Source, t.Medium, t.Campaign
	}
	return s.withExtra(extra)
}

func (s *Snapshot) withExtra(extra map[string]string) *Snapshot {
	if len(extra) > 0 {
		s.Extra = make(map[string]string, len(extra))
		for k, v := range extra {
			s.Extra[k] = v
		}
	}
	return s
}

// Payload is a signed, short-lived identity handoff.
type Payload struct {
	IdentityID string
	SessionID  string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	Signature  string
	Context    *Snapshot

	// rawContext is the context exactly as received; signatures cover these bytes
	rawContext string
}

// encodedContext returns the wire form of the snapshot, "" when absent.
func (p Payload) encodedContext() (string, error) {
	if p.rawContext != "" {
		return p.rawContext, nil
	}
	if p.Context == nil {
		return "", nil
	}
	data, err := json.Marshal(p.Context)
	if err != nil {
		return "", fmt.Errorf("failed to encode handoff context: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// Values serializes the payload as query parameters.
func (p Payload) Values() (url.Values, error) {
	ctx, err := p.encodedContext()
	if err != nil {
		return nil, err
	}
	v := url.Values{}
	v.Set(ParamIdentity, p.IdentityID)
	v.Set(ParamSession, p.SessionID)
	v.Set(ParamIssuedAt, strconv.FormatInt(p.IssuedAt.Unix(), 10))
	v.Set(ParamExpiresAt, strconv.FormatInt(p.ExpiresAt.Unix(), 10))
	v.Set(ParamSignature, p.Signature)
	if ctx != "" {
		v.Set(ParamContext, ctx)
	}
	return v, nil
}

// Attach returns target with the payload's parameters added. Existing
// handoff parameters on target are replaced; other parameters are kept.
func (p Payload) Attach(target string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("invalid handoff target %q: %w", target, err)
	}
	values, err := p.Values()
	if err != nil {
		return "", err
	}
	q := u.Query()
	for _, name := range allParams {
		q.Del(name)
	}
	for name, vals := range values {
		q[name] = vals
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Present reports whether values carry a handoff at all.
func Present(values url.Values) bool {
	return values.Get(ParamIdentity) != ""
}

// Strip removes handoff parameters from values, so a consumed link can be
// rewritten without them.
func Strip(values url.Values) url.Values {
	out := url.Values{}
	for k, v := range values {
		out[k] = v
	}
	for _, name := range allParams {
		out.Del(name)
	}
	return out
}

// ParsePayload decodes query parameters. It checks shape only; signatures
// and expiry are the Decoder's job.
func ParsePayload(values url.Values) (Payload, error) {
	p := Payload{
		IdentityID: strings.TrimSpace(values.Get(ParamIdentity)),
		SessionID:  strings.TrimSpace(values.Get(ParamSession)),
		Signature:  strings.TrimSpace(values.Get(ParamSignature)),
	}
	if p.IdentityID == "" {
		return Payload{}, ErrMissing
	}
	if !strings.HasPrefix(p.IdentityID, ledger.IdentityIDPrefix) {
		return Payload{}, fmt.Errorf("%w: identity id %q", ErrMalformedHandoff, p.IdentityID)
	}
	if p.SessionID == "" || p.Signature == "" {
		return Payload{}, fmt.Errorf("%w: session id and signature are required", ErrMalformedHandoff)
	}

	iat, err := strconv.ParseInt(values.Get(ParamIssuedAt), 10, 64)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: issued at: %v", ErrMalformedHandoff, err)
	}
	exp, err := strconv.ParseInt(values.Get(ParamExpiresAt), 10, 64)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: expires at: %v", ErrMalformedHandoff, err)
	}
	p.IssuedAt = time.Unix(iat, 0).UTC()
	p.ExpiresAt = time.Unix(exp, 0).UTC()

	if raw := values.Get(ParamContext); raw != "" {
		data, err := base64.RawURLEncoding.DecodeString(raw)
		if err != nil {
			return Payload{}, fmt.Errorf("%w: context encoding: %v", ErrMalformedHandoff, err)
		}
		var snap Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return Payload{}, fmt.Errorf("%w: context: %v", ErrMalformedHandoff, err)
		}
		p.Context = &snap
		p.rawContext = raw
	}
	return p, nil
}
