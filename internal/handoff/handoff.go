// Package handoff carries an identity from one runtime to another on an
// outbound link.
//
// The sending side attaches a signed payload (identity id, session id, issue
// and expiry times, optional attribution snapshot) as query parameters. The
// receiving side validates it and either resumes the identity or, on any
// problem, behaves as if no payload had been sent.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/dyluth/spoor/pkg/ledger"
)

const (
	// DefaultTTL is how long a payload stays valid.
	DefaultTTL = 30 * 24 * time.Hour

	// DefaultCeiling bounds how long Link may hold up a navigation.
	DefaultCeiling = 200 * time.Millisecond

	// MaxClockSkew tolerates issuers whose clock runs ahead of ours.
	MaxClockSkew = 5 * time.Minute
)

var (
	ErrMissing                 = errors.New("no handoff payload")
	ErrMalformedHandoff        = errors.New("malformed handoff payload")
	ErrInvalidHandoffSignature = errors.New("invalid handoff signature")
	ErrExpiredHandoff          = errors.New("handoff payload expired")
	ErrHandoffReplayed         = errors.New("handoff payload already consumed")
)

// IdentitySource yields the identity to hand off. *identity.Resolver satisfies it.
type IdentitySource interface {
	Current(ctx context.Context) (ledger.UnifiedIdentity, bool)
}

// EncoderOptions configures an Encoder.
type EncoderOptions struct {
	Signer  *Signer
	TTL     time.Duration
	Ceiling time.Duration
	Clock   func() time.Time
	Logger  *log.Logger
}

// Encoder builds payloads on the sending side.
type Encoder struct {
	signer  *Signer
	ttl     time.Duration
	ceiling time.Duration
	clock   func() time.Time
	logger  *log.Logger
}

// NewEncoder creates an Encoder. Signer is required.
func NewEncoder(opts EncoderOptions) (*Encoder, error) {
	if opts.Signer == nil {
		return nil, fmt.Errorf("handoff signer is required")
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.TTL < time.Second {
		return nil, fmt.Errorf("handoff ttl must be at least 1s, got %v", opts.TTL)
	}
	if opts.Ceiling <= 0 {
		opts.Ceiling = DefaultCeiling
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &Encoder{
		signer:  opts.Signer,
		ttl:     opts.TTL,
		ceiling: opts.Ceiling,
		clock:   opts.Clock,
		logger:  opts.Logger,
	}, nil
}

// TTL returns the validity window given to new payloads.
func (e *Encoder) TTL() time.Duration {
	return e.ttl
}

// Prepare signs a fresh payload for the identity. extra is carried in the
// context snapshot and covered by the signature.
func (e *Encoder) Prepare(id ledger.UnifiedIdentity, extra map[string]string) (Payload, error) {
	if id.ID == "" {
		return Payload{}, fmt.Errorf("cannot hand off an identity without an id")
	}

	now := e.clock().UTC().Truncate(time.Second)
	p := Payload{
		IdentityID: id.ID,
		SessionID:  ledger.NewSessionID(),
		IssuedAt:   now,
		ExpiresAt:  now.Add(e.ttl),
		Context:    SnapshotOf(id, extra),
	}

	sig, err := e.signer.Sign(p)
	if err != nil {
		return Payload{}, err
	}
	p.Signature = sig
	return p, nil
}

type linkResult struct {
	link string
	err  error
}

// Link returns target with a handoff attached. It never takes longer than the
// ceiling: on timeout, cancellation or any failure it returns target
// unchanged so the navigation can proceed.
func (e *Encoder) Link(ctx context.Context, target string, source IdentitySource, extra map[string]string) string {
	ctx, cancel := context.WithTimeout(ctx, e.ceiling)
	defer cancel()

	done := make(chan linkResult, 1)
	go func() {
		id, ok := source.Current(ctx)
		if !ok {
			done <- linkResult{err: fmt.Errorf("no identity to hand off")}
			return
		}
		p, err := e.Prepare(id, extra)
		if err != nil {
			done <- linkResult{err: err}
			return
		}
		link, err := p.Attach(target)
		done <- linkResult{link: link, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			e.logger.Printf("[Handoff] Warning: proceeding without handoff: %v", r.err)
			return target
		}
		return r.link
	case <-ctx.Done():
		e.logger.Printf("[Handoff] Warning: handoff not ready within %v, proceeding without it", e.ceiling)
		return target
	}
}

// ReplayGuard records consumed payloads so each is used at most once.
// Consume returns false when the payload was already consumed.
type ReplayGuard interface {
	Consume(ctx context.Context, sessionID string, issuedAt int64, ttl time.Duration) (bool, error)
}

// DecoderOptions configures a Decoder.
type DecoderOptions struct {
	Signer *Signer
	Guard  ReplayGuard
	Clock  func() time.Time
	Logger *log.Logger
}

// Decoder validates payloads on the receiving side.
type Decoder struct {
	signer *Signer
	guard  ReplayGuard
	clock  func() time.Time
	logger *log.Logger
}

// NewDecoder creates a Decoder. Signer is required; Guard is optional.
func NewDecoder(opts DecoderOptions) (*Decoder, error) {
	if opts.Signer == nil {
		return nil, fmt.Errorf("handoff signer is required")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &Decoder{
		signer: opts.Signer,
		guard:  opts.Guard,
		clock:  opts.Clock,
		logger: opts.Logger,
	}, nil
}

// Verify parses and checks a payload, returning the reason for any rejection.
// A payload is accepted iff its signature is valid, exp > iat, iat is not in
// the future beyond MaxClockSkew and now <= exp (unix seconds).
// When a ReplayGuard is configured, accepted payloads are consumed.
func (d *Decoder) Verify(ctx context.Context, values url.Values) (Payload, error) {
	p, err := ParsePayload(values)
	if err != nil {
		return Payload{}, err
	}
	if err := d.signer.Verify(p); err != nil {
		return Payload{}, err
	}

	now := d.clock().Unix()
	iat, exp := p.IssuedAt.Unix(), p.ExpiresAt.Unix()
	if exp <= iat {
		return Payload{}, fmt.Errorf("%w: expiry %d not after issue %d", ErrMalformedHandoff, exp, iat)
	}
	if iat > now+int64(MaxClockSkew/time.Second) {
		return Payload{}, fmt.Errorf("%w: issued in the future", ErrMalformedHandoff)
	}
	if now > exp {
		return Payload{}, fmt.Errorf("%w: expired %ds ago", ErrExpiredHandoff, now-exp)
	}

	if d.guard != nil {
		remaining := time.Duration(exp-now+1) * time.Second
		fresh, err := d.guard.Consume(ctx, p.SessionID, iat, remaining)
		switch {
		case err != nil:
			d.logger.Printf("[Handoff] Warning: replay guard unavailable, accepting %s: %v", p.SessionID, err)
		case !fresh:
			return Payload{}, fmt.Errorf("%w: session %s", ErrHandoffReplayed, p.SessionID)
		}
	}
	return p, nil
}

// Validate returns the handed-off identity, or nil when the payload is absent
// or rejected. It never fails; rejections are logged and treated as absent.
func (d *Decoder) Validate(ctx context.Context, values url.Values) *ledger.UnifiedIdentity {
	p, err := d.Verify(ctx, values)
	if err != nil {
		if !errors.Is(err, ErrMissing) {
			d.logger.Printf("[Handoff] Rejected payload: %v", err)
		}
		return nil
	}
	id := p.Identity(d.clock())
	return &id
}

// Identity rebuilds the identity a payload describes, as of now.
func (p Payload) Identity(now time.Time) ledger.UnifiedIdentity {
	id := ledger.UnifiedIdentity{
		ID:         p.IdentityID,
		CreatedAt:  p.IssuedAt,
		LastSeenAt: now.UTC(),
		MatchKeys:  map[ledger.Field]ledger.HashedValue{},
	}
	if s := p.Context; s != nil {
		id.VisitCount = s.VisitCount
		code := s.ValueCode
		if code < 0 || code > ledger.MaxConversionValueCode {
			code = 0
		}
		id.Attribution.ConversionValueCode = code
		if s.FirstSource != "" || s.FirstCampaign != "" {
			id.Attribution.FirstTouch = &ledger.Touch{Source: s.FirstSource, Medium: s.FirstMedium, Campaign: s.FirstCampaign, At: p.IssuedAt}
		}
		if s.LastSource != "" || s.LastCampaign != "" {
			id.Attribution.LastTouch = &ledger.Touch{Source: s.LastSource, Medium: s.LastMedium, Campaign: s.LastCampaign, At: p.IssuedAt}
		}
		if c := s.Consent; c != nil {
			id.Consent = &ledger.Consent{Analytics: c.Analytics, Marketing: c.Marketing, UpdatedAt: p.IssuedAt}
		}
	}
	return id
}

// RedisGuard consumes payloads in the shared ledger, so a payload is honoured
// once across every receiving process.
type RedisGuard struct {
	client *ledger.Client
}

// NewRedisGuard creates a ReplayGuard backed by Redis.
func NewRedisGuard(client *ledger.Client) *RedisGuard {
	return &RedisGuard{client: client}
}

func (g *RedisGuard) Consume(ctx context.Context, sessionID string, issuedAt int64, ttl time.Duration) (bool, error) {
	return g.client.MarkHandoffConsumed(ctx, sessionID, issuedAt, ttl)
}

// MemoryGuard is a process-local ReplayGuard.
type MemoryGuard struct {
	mu       sync.Mutex
	clock    func() time.Time
	consumed map[string]time.Time
}

// NewMemoryGuard creates an empty MemoryGuard.
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{clock: time.Now, consumed: make(map[string]time.Time)}
}

func (g *MemoryGuard) Consume(_ context.Context, sessionID string, issuedAt int64, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock()
	for k, exp := range g.consumed {
		if !now.Before(exp) {
			delete(g.consumed, k)
		}
	}

	key := fmt.Sprintf("%s:%d", sessionID, issuedAt)
	if _, ok := g.consumed[key]; ok {
		return false, nil
	}
	g.consumed[key] = now.Add(ttl)
	return true, nil
}
