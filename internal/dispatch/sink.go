package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dyluth/spoor/pkg/ledger"
)

// Sink is one downstream reporting endpoint.
type Sink interface {
	Name() string
	Send(ctx context.Context, c Conversion) error
}

// Conversion is what a sink receives: the event plus hashed identifiers keyed
// by the platforms' short field names (em, ph, fn, ln, external_id...).
type Conversion struct {
	Event       ledger.Event
	IdentityID  string
	MatchKeys   map[string]string
	ValueCode   int
	Attribution ledger.AttributionContext
}

// NewConversion builds a Conversion from an identity. Only digests leave the
// process; the value code is clamped to the platforms' [0,63] contract.
func NewConversion(event ledger.Event, id ledger.UnifiedIdentity, valueCode int) Conversion {
	keys := make(map[string]string, len(id.MatchKeys))
	for field, hv := range id.MatchKeys {
		if short := field.ShortKey(); short != "" && hv.DigestHex != "" {
			keys[short] = hv.DigestHex
		}
	}
	if valueCode < 0 {
		valueCode = 0
	}
	if valueCode > ledger.MaxConversionValueCode {
		valueCode = ledger.MaxConversionValueCode
	}
	return Conversion{
		Event:       event,
		IdentityID:  id.ID,
		MatchKeys:   keys,
		ValueCode:   valueCode,
		Attribution: id.Attribution,
	}
}

// SinkHTTPError is a non-2xx response from a sink.
type SinkHTTPError struct {
	Sink       string
	StatusCode int
	Body       string
}

func (e *SinkHTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("sink %s returned HTTP %d", e.Sink, e.StatusCode)
	}
	return fmt.Sprintf("sink %s returned HTTP %d: %s", e.Sink, e.StatusCode, e.Body)
}

// Retryable reports whether another attempt could succeed. Client errors
// other than 408 and 429 will fail the same way every time.
func (e *SinkHTTPError) Retryable() bool {
	if e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return e.StatusCode < 400 || e.StatusCode >= 500
}

// maxErrorBody caps how much of a failed response is kept for logs.
const maxErrorBody = 512

// Encoder turns a conversion into a sink-specific request body.
type Encoder func(c Conversion) ([]byte, error)

// HTTPConfig configures an HTTPSink.
type HTTPConfig struct {
	Name        string
	Endpoint    string
	AccessToken string
	Headers     map[string]string
	Client      *http.Client
}

// HTTPSink POSTs JSON to an endpoint.
type HTTPSink struct {
	name     string
	endpoint string
	token    string
	headers  map[string]string
	client   *http.Client
	encode   Encoder
}

// NewHTTPSink creates a sink that posts encode(c) to cfg.Endpoint.
func NewHTTPSink(cfg HTTPConfig, encode Encoder) (*HTTPSink, error) {
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, fmt.Errorf("sink name is required")
	}
	if !strings.HasPrefix(cfg.Endpoint, "http://") && !strings.HasPrefix(cfg.Endpoint, "https://") {
		return nil, fmt.Errorf("sink %s: endpoint must be an http(s) URL, got %q", cfg.Name, cfg.Endpoint)
	}
	if encode == nil {
		return nil, fmt.Errorf("sink %s: encoder is required", cfg.Name)
	}
	client := cfg.Client
	if client == nil {
		// Per-attempt deadlines come from the dispatcher's context
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPSink{
		name:     cfg.Name,
		endpoint: cfg.Endpoint,
		token:    cfg.AccessToken,
		headers:  cfg.Headers,
		client:   client,
		encode:   encode,
	}, nil
}

func (s *HTTPSink) Name() string {
	return s.name
}

func (s *HTTPSink) Send(ctx context.Context, c Conversion) error {
	body, err := s.encode(c)
	if err != nil {
		return fmt.Errorf("sink %s: failed to encode conversion: %w", s.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("sink %s: failed to build request: %w", s.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sink %s: %w", s.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &SinkHTTPError{
		Sink:       s.name,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(snippet)),
	}
}
