// Package tracker is the service object integrators construct once and pass
// to their call sites. It owns the identity resolver, deduplicator,
// attribution tracker, dispatcher and handoff codec for one deployment, and
// runs the full trigger flow: resolve identity, merge PII, dedup, attribute,
// dispatch.
package tracker

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/dyluth/spoor/internal/attribution"
	"github.com/dyluth/spoor/internal/config"
	"github.com/dyluth/spoor/internal/dedup"
	"github.com/dyluth/spoor/internal/dispatch"
	"github.com/dyluth/spoor/internal/handoff"
	"github.com/dyluth/spoor/internal/identity"
	"github.com/dyluth/spoor/internal/localstore"
	"github.com/dyluth/spoor/internal/matchkey"
	"github.com/dyluth/spoor/pkg/ledger"
	"github.com/redis/go-redis/v9"
)

// Deps overrides what New would otherwise build from configuration. Every
// field is optional. Sinks replaces the configured sinks when non-nil.
type Deps struct {
	IdentityStore identity.Store
	DedupStore    dedup.Store
	ReplayGuard   handoff.ReplayGuard
	Publisher     dispatch.ResultPublisher
	Sinks         []dispatch.Registration
	Digester      matchkey.Digester
	HTTPClient    *http.Client
	Clock         func() time.Time
	Logger        *log.Logger
}

// Trigger is one raw action from the integrating UI layer. Fields holds raw
// form field names and values. An empty Event records identity and touch
// data without dispatching anything. A non-nil Consent is stored on the
// identity; otherwise the stored consent or the configured default applies.
type Trigger struct {
	Profile     string
	Event       string
	ExternalKey string
	Properties  map[string]any
	Fields      map[string]string
	Campaign    url.Values
	Referrer    string
	LandingPage string
	At          time.Time
	Consent     *ledger.Consent
}

// Outcome reports what Track did.
type Outcome struct {
	Identity   ledger.UnifiedIdentity
	Event      ledger.Event
	Merge      *identity.MergeResult
	Suppressed bool
	Consent    ledger.Consent
	ValueCode  int
	Result     *ledger.DispatchResult
}

// Dispatched reports whether the event reached the dispatcher.
func (o Outcome) Dispatched() bool {
	return o.Result != nil
}

// Service runs the tracking flow for one deployment.
type Service struct {
	cfg         *config.SpoorConfig
	hasher      *matchkey.Hasher
	resolver    *identity.Resolver
	dedup       *dedup.Deduplicator
	attribution *attribution.Tracker
	dispatcher  *dispatch.Dispatcher
	encoder     *handoff.Encoder
	decoder     *handoff.Decoder
	fields      map[string]ledger.Field
	backend     backend
	clock       func() time.Time
	logger      *log.Logger

	mu      sync.Mutex
	started bool
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a Service from configuration. A nil cfg selects config.Default().
func New(cfg *config.SpoorConfig, deps Deps) (*Service, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = log.New(os.Stderr, "", log.LstdFlags)
	}

	be, err := openBackend(cfg, deps)
	if err != nil {
		return nil, err
	}

	s, err := build(cfg, deps, be)
	if err != nil {
		be.close(deps.Logger)
		return nil, err
	}
	return s, nil
}

func build(cfg *config.SpoorConfig, deps Deps, be backend) (*Service, error) {
	logger := deps.Logger

	hasher, err := matchkey.NewHasher(matchkey.Options{
		Digester:    deps.Digester,
		CacheSize:   cfg.Matching.CacheSize,
		CallingCode: cfg.Matching.CallingCode,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	resolver, err := identity.NewResolver(identity.Options{
		Store:    be.identity,
		Hasher:   hasher,
		Profile:  cfg.Profile,
		HashWait: cfg.Matching.HashWait,
		Clock:    deps.Clock,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	dd, err := dedup.New(dedup.Options{
		Store:  be.dedup,
		TTL:    cfg.Dedup.TTL,
		Policy: dedup.FailurePolicy(cfg.Dedup.FailurePolicy),
		Clock:  deps.Clock,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	table, err := attribution.NewTable(cfg.Attribution.Rules)
	if err != nil {
		return nil, err
	}
	attr := attribution.NewTracker(attribution.Options{
		Table:      table,
		ResetEvent: cfg.Attribution.ResetEvent,
		Clock:      deps.Clock,
		Logger:     logger,
	})

	regs := deps.Sinks
	if regs == nil {
		regs, err = sinksFromConfig(cfg, deps.HTTPClient)
		if err != nil {
			return nil, err
		}
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = be.publisher
	}
	dispatcher, err := dispatch.New(dispatch.Options{
		MaxAttempts:    cfg.Dispatch.MaxAttempts,
		InitialBackoff: cfg.Dispatch.InitialBackoff,
		MaxBackoff:     cfg.Dispatch.MaxBackoff,
		Timeout:        cfg.Dispatch.Timeout,
		Publisher:      publisher,
		Clock:          deps.Clock,
		Logger:         logger,
	}, regs...)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:         cfg,
		hasher:      hasher,
		resolver:    resolver,
		dedup:       dd,
		attribution: attr,
		dispatcher:  dispatcher,
		fields:      cfg.Fields(),
		backend:     be,
		clock:       deps.Clock,
		logger:      logger,
	}

	if cfg.HandoffEnabled() {
		signer, err := handoff.NewSigner([]byte(cfg.Handoff.Secret))
		if err != nil {
			return nil, err
		}
		s.encoder, err = handoff.NewEncoder(handoff.EncoderOptions{
			Signer:  signer,
			TTL:     cfg.Handoff.TTL,
			Ceiling: cfg.Handoff.Ceiling,
			Clock:   deps.Clock,
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
		guard := deps.ReplayGuard
		if guard == nil && cfg.Handoff.ReplayGuardEnabled() {
			guard = be.guard
		}
		s.decoder, err = handoff.NewDecoder(handoff.DecoderOptions{
			Signer: signer,
			Guard:  guard,
			Clock:  deps.Clock,
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
	}

	return s, nil
}

func sinksFromConfig(cfg *config.SpoorConfig, client *http.Client) ([]dispatch.Registration, error) {
	names := make([]string, 0, len(cfg.Sinks))
	for name, sc := range cfg.Sinks {
		if sc.IsEnabled() {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	regs := make([]dispatch.Registration, 0, len(names))
	for _, name := range names {
		sc := cfg.Sinks[name]
		encode, err := dispatch.EncoderFor(sc.Kind, sc.Params)
		if err != nil {
			return nil, fmt.Errorf("sink %s: %w", name, err)
		}
		sink, err := dispatch.NewHTTPSink(dispatch.HTTPConfig{
			Name:        name,
			Endpoint:    sc.Endpoint,
			AccessToken: sc.Token(),
			Headers:     sc.Headers,
			Client:      client,
		}, encode)
		if err != nil {
			return nil, err
		}
		regs = append(regs, dispatch.Registration{Sink: sink, Events: sc.Events})
	}
	return regs, nil
}

// Start checks the store and begins background maintenance. Track works
// without Start; an unreachable store only degrades triggers.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("tracker already started")
	}

	if err := s.Ping(ctx); err != nil {
		s.logger.Printf("[Tracker] Warning: store not reachable at startup (%v); triggers will degrade until it recovers", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.stop = cancel
	s.started = true

	if s.backend.sweep != nil {
		s.wg.Add(1)
		go s.sweepLoop(runCtx)
	}

	s.logger.Printf("[Tracker] Started: store=%s namespace=%s sinks=%v dedup_ttl=%v failure_policy=%s handoff=%t",
		s.cfg.Store.Backend, s.cfg.Namespace, s.dispatcher.Sinks(), s.dedup.TTL(), s.dedup.Policy(), s.encoder != nil)
	return nil
}

// Shutdown stops background work and releases the store. In-flight Track
// calls are not interrupted.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.stop != nil {
		s.stop()
		s.stop = nil
	}
	s.started = false
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("tracker shutdown: %w", ctx.Err())
	}

	s.backend.close(s.logger)
	s.logger.Printf("[Tracker] Stopped")
	return nil
}

func (s *Service) sweepLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.dedup.TTL())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.backend.sweep(ctx, s.clock())
			if err != nil {
				s.logger.Printf("[Tracker] Warning: dedup sweep failed: %v", err)
				continue
			}
			if n > 0 {
				s.logger.Printf("[Tracker] Swept %d expired dedup key(s)", n)
			}
		}
	}
}

// Track runs one trigger through the whole flow. It never fails: every
// component degrades on error and the outcome reports what happened.
func (s *Service) Track(ctx context.Context, t Trigger) Outcome {
	at := t.At
	if at.IsZero() {
		at = s.clock()
	}
	resolver := s.resolver.ForProfile(t.Profile)

	id := resolver.GetOrCreate(ctx)
	consent := s.consent(ctx, resolver, &id, t.Consent, at)
	out := Outcome{Identity: id, Consent: consent}

	if fields := s.MapFields(t.Fields); len(fields) > 0 && !consent.Analytics {
		s.logger.Printf("[Tracker] Skipping PII merge for %s: analytics consent not granted", id.ID)
	} else if len(fields) > 0 {
		merge := resolver.MergePII(ctx, fields)
		out.Merge = &merge
		if id.Ephemeral || merge.Identity.Ephemeral {
			for f, hv := range merge.Identity.MatchKeys {
				id.MatchKeys[f] = hv
			}
		} else {
			id = merge.Identity
		}
	}

	if touch := attribution.ParseTouch(t.Campaign, t.Referrer, t.LandingPage, at); touch != nil && !consent.Marketing {
		s.logger.Printf("[Tracker] Skipping %s touch for %s: marketing consent not granted", touch.Source, id.ID)
	} else if touch != nil {
		s.recordTouch(ctx, resolver, &id, touch)
	}
	out.Identity = id

	if t.Event == "" {
		return out
	}

	event := ledger.Event{
		Name:        t.Event,
		Timestamp:   at,
		ExternalKey: t.ExternalKey,
		Properties:  t.Properties,
	}
	// An ephemeral identity is new on every call, so it cannot anchor the
	// dedup window.
	subject := id.ID
	if id.Ephemeral {
		subject = "profile:" + resolver.Profile()
	}
	sendable := s.dedup.ShouldSend(ctx, &event, subject)
	out.Event = event
	if !sendable {
		out.Suppressed = true
		return out
	}

	code := s.applyValue(ctx, resolver, &id, event)
	out.ValueCode = code
	out.Identity = id

	conv := dispatch.NewConversion(event, id, code)
	if !consent.Analytics {
		conv.MatchKeys = map[string]string{}
	}
	if !consent.Marketing {
		conv.Attribution.FirstTouch, conv.Attribution.LastTouch = nil, nil
	}
	result := s.dispatcher.Dispatch(ctx, conv)
	out.Result = &result
	return out
}

// consent resolves the consent a trigger runs under and stores a newly
// stated one on the identity.
func (s *Service) consent(ctx context.Context, resolver *identity.Resolver, id *ledger.UnifiedIdentity, stated *ledger.Consent, at time.Time) ledger.Consent {
	if stated == nil {
		if id.Consent != nil {
			return *id.Consent
		}
		return s.cfg.Consent.Default()
	}

	next := ledger.Consent{Analytics: stated.Analytics, Marketing: stated.Marketing, UpdatedAt: at.UTC()}
	if id.Consent != nil && id.Consent.Same(next) {
		return *id.Consent
	}
	if id.Ephemeral {
		id.Consent = &next
		return next
	}

	updated, err := resolver.Update(ctx, func(u *ledger.UnifiedIdentity) (bool, error) {
		if u.Consent != nil && u.Consent.Same(next) {
			return false, nil
		}
		c := next
		u.Consent = &c
		return true, nil
	})
	if err != nil {
		s.logger.Printf("[Tracker] Warning: failed to store consent for %s: %v", id.ID, err)
		id.Consent = &next
		return next
	}
	*id = updated
	return next
}

func (s *Service) recordTouch(ctx context.Context, resolver *identity.Resolver, id *ledger.UnifiedIdentity, touch *ledger.Touch) {
	if id.Ephemeral {
		s.attribution.ApplyTo(id, touch, "", nil)
		return
	}
	actx, err := s.attribution.RecordTouch(ctx, resolver, touch)
	if err != nil {
		s.logger.Printf("[Tracker] Warning: failed to record touch for %s: %v", id.ID, err)
		s.attribution.ApplyTo(id, touch, "", nil)
		return
	}
	id.Attribution = actx
}

func (s *Service) applyValue(ctx context.Context, resolver *identity.Resolver, id *ledger.UnifiedIdentity, event ledger.Event) int {
	if id.Ephemeral {
		return s.attribution.ApplyTo(id, nil, event.Name, event.Properties)
	}
	code, err := s.attribution.Apply(ctx, resolver, event.Name, event.Properties)
	if err != nil {
		s.logger.Printf("[Tracker] Warning: failed to store conversion value for %s: %v", id.ID, err)
		return s.attribution.ApplyTo(id, nil, event.Name, event.Properties)
	}
	id.Attribution.ConversionValueCode = code
	return code
}

// MapFields translates raw form field names through the configured mapping.
// Unmapped names are dropped.
func (s *Service) MapFields(raw map[string]string) map[ledger.Field]string {
	if len(raw) == 0 {
		return nil
	}
	out := make(map[ledger.Field]string, len(raw))
	for name, value := range raw {
		field, ok := s.fields[name]
		if !ok {
			continue
		}
		out[field] = value
	}
	return out
}

// Identity returns the stored identity for a profile without modifying it.
func (s *Service) Identity(ctx context.Context, profile string) (ledger.UnifiedIdentity, bool) {
	return s.resolver.ForProfile(profile).Current(ctx)
}

// Record loads the stored record for a profile. Unlike Identity it reports
// store failures and identity.ErrNotFound instead of hiding them.
func (s *Service) Record(ctx context.Context, profile string) (ledger.Record, error) {
	return s.backend.identity.Load(ctx, s.resolver.ForProfile(profile).Profile())
}

// Profiles lists the profiles with a stored identity.
func (s *Service) Profiles(ctx context.Context) ([]string, error) {
	lister, ok := s.backend.identity.(identity.Lister)
	if !ok {
		return nil, fmt.Errorf("identity store %T cannot list profiles", s.backend.identity)
	}
	return lister.ListProfiles(ctx)
}

// HandoffEnabled reports whether a handoff secret is configured.
func (s *Service) HandoffEnabled() bool {
	return s.encoder != nil
}

// Handoff returns target with a signed handoff for the profile's identity
// attached. It returns within the configured ceiling, with target unchanged
// when handoff is disabled or anything goes wrong.
func (s *Service) Handoff(ctx context.Context, profile, target string, extra map[string]string) string {
	if s.encoder == nil {
		return target
	}
	return s.encoder.Link(ctx, target, s.resolver.ForProfile(profile), extra)
}

// PrepareHandoff signs a payload for the profile's identity, creating it if
// needed.
func (s *Service) PrepareHandoff(ctx context.Context, profile string, extra map[string]string) (handoff.Payload, error) {
	if s.encoder == nil {
		return handoff.Payload{}, fmt.Errorf("handoff is disabled: no secret configured")
	}
	id := s.resolver.ForProfile(profile).GetOrCreate(ctx)
	return s.encoder.Prepare(id, extra)
}

// VerifyHandoff checks a payload and reports why it would be rejected.
// Accepted payloads are consumed by the replay guard.
func (s *Service) VerifyHandoff(ctx context.Context, values url.Values) (handoff.Payload, error) {
	if s.decoder == nil {
		return handoff.Payload{}, fmt.Errorf("handoff is disabled: no secret configured")
	}
	return s.decoder.Verify(ctx, values)
}

// Resume consumes a handoff on the receiving side. A valid payload is adopted
// when the profile has no identity yet; an absent or rejected payload behaves
// like a fresh visit. The boolean reports whether the handed-off identity
// was adopted.
func (s *Service) Resume(ctx context.Context, profile string, values url.Values) (ledger.UnifiedIdentity, bool) {
	resolver := s.resolver.ForProfile(profile)
	if s.decoder == nil {
		return resolver.GetOrCreate(ctx), false
	}
	handed := s.decoder.Validate(ctx, values)
	if handed == nil {
		return resolver.GetOrCreate(ctx), false
	}
	return resolver.Adopt(ctx, *handed)
}

// Ping checks the backing store.
func (s *Service) Ping(ctx context.Context) error {
	if s.backend.pinger == nil {
		return nil
	}
	return s.backend.pinger.Ping(ctx)
}

// Stats returns the deduplicator counters.
func (s *Service) Stats() dedup.Stats {
	return s.dedup.Stats()
}

// Config returns the validated configuration the service was built from.
func (s *Service) Config() *config.SpoorConfig {
	return s.cfg
}

// Hasher exposes the match-key hasher.
func (s *Service) Hasher() *matchkey.Hasher {
	return s.hasher
}

// backend bundles the stores selected by configuration.
type backend struct {
	identity  identity.Store
	dedup     dedup.Store
	guard     handoff.ReplayGuard
	publisher dispatch.ResultPublisher
	pinger    identity.Pinger
	sweep     func(ctx context.Context, at time.Time) (int64, error)
	closers   []io.Closer
}

func (b backend) close(logger *log.Logger) {
	for _, c := range b.closers {
		if err := c.Close(); err != nil {
			logger.Printf("[Tracker] Warning: failed to close store: %v", err)
		}
	}
}

func openBackend(cfg *config.SpoorConfig, deps Deps) (backend, error) {
	var be backend

	switch {
	case deps.IdentityStore != nil:
		be.identity = deps.IdentityStore
		if p, ok := deps.IdentityStore.(identity.Pinger); ok {
			be.pinger = p
		}
	case cfg.Store.Backend == config.BackendRedis:
		opts, err := redis.ParseURL(cfg.Store.RedisURL)
		if err != nil {
			return backend{}, fmt.Errorf("invalid store.redis_url: %w", err)
		}
		client, err := ledger.NewClient(opts, cfg.Namespace)
		if err != nil {
			return backend{}, err
		}
		be.identity = identity.NewRedisStore(client)
		be.dedup = dedup.NewRedisStore(client)
		be.guard = handoff.NewRedisGuard(client)
		be.pinger = client
		be.closers = append(be.closers, client)
		if cfg.Dispatch.PublishResults {
			be.publisher = client
		}
	case cfg.Store.Backend == config.BackendSQLite:
		store, err := localstore.Open(cfg.Store.SQLitePath)
		if err != nil {
			return backend{}, err
		}
		be.identity = store
		be.dedup = store
		be.pinger = store
		be.sweep = store.Sweep
		be.closers = append(be.closers, store)
	default:
		be.identity = identity.NewMemoryStore()
	}

	if deps.DedupStore != nil {
		be.dedup = deps.DedupStore
	}
	if be.dedup == nil {
		be.dedup = dedup.NewMemoryStore()
	}
	if be.guard == nil {
		be.guard = handoff.NewMemoryGuard()
	}
	return be, nil
}
