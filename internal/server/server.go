// Package server exposes the tracker over HTTP for integrators whose UI layer
// cannot embed the Go service directly.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/dyluth/spoor/internal/tracker"
	"github.com/dyluth/spoor/pkg/ledger"
)

// ProfileHeader selects which identity a request acts on.
const ProfileHeader = "X-Spoor-Profile"

const maxBodyBytes = 64 << 10

// Service is the subset of *tracker.Service the server needs.
type Service interface {
	Track(ctx context.Context, t tracker.Trigger) tracker.Outcome
	Handoff(ctx context.Context, profile, target string, extra map[string]string) string
	Resume(ctx context.Context, profile string, values url.Values) (ledger.UnifiedIdentity, bool)
	Ping(ctx context.Context) error
}

// Server serves the ingest and health endpoints.
// The server runs in a background goroutine and can be gracefully shut down.
type Server struct {
	server *http.Server
	svc    Service
	logger *log.Logger
}

// HealthResponse represents the JSON response from the /healthz endpoint.
type HealthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// TrackRequest is the body of POST /v1/track.
type TrackRequest struct {
	Event       string            `json:"event"`
	ExternalKey string            `json:"external_key,omitempty"`
	Properties  map[string]any    `json:"properties,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
	Campaign    map[string]string `json:"campaign,omitempty"`
	Referrer    string            `json:"referrer,omitempty"`
	LandingPage string            `json:"landing_page,omitempty"`
	At          *time.Time        `json:"at,omitempty"`
	Consent     *ConsentRequest   `json:"consent,omitempty"`
}

// ConsentRequest states the visitor's consent. When absent the stored or
// configured consent applies.
type ConsentRequest struct {
	Analytics bool `json:"analytics"`
	Marketing bool `json:"marketing"`
}

// TrackResponse reports the outcome of one trigger.
type TrackResponse struct {
	IdentityID     string   `json:"identity_id"`
	Ephemeral      bool     `json:"ephemeral,omitempty"`
	IdempotencyKey string   `json:"idempotency_key,omitempty"`
	Suppressed     bool     `json:"suppressed"`
	ValueCode      int      `json:"value_code"`
	Delivered      int      `json:"delivered"`
	Failed         int      `json:"failed"`
	Merged         []string `json:"merged,omitempty"`
	Pending        []string `json:"pending,omitempty"`
	Consent        []string `json:"consent"`
}

// HandoffRequest is the body of POST /v1/handoff.
type HandoffRequest struct {
	Target string            `json:"target"`
	Extra  map[string]string `json:"extra,omitempty"`
}

// HandoffResponse carries the link to navigate to. It equals the target when
// no handoff could be attached.
type HandoffResponse struct {
	Link     string `json:"link"`
	Attached bool   `json:"attached"`
}

// ResumeResponse reports which identity the receiving side now uses.
type ResumeResponse struct {
	IdentityID string `json:"identity_id"`
	Adopted    bool   `json:"adopted"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// New creates a server listening on addr. A nil logger writes to stderr.
func New(svc Service, addr string, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	s := &Server{svc: svc, logger: logger}
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler returns the routing handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/track", s.handleTrack)
	mux.HandleFunc("POST /v1/handoff", s.handleHandoff)
	mux.HandleFunc("GET /v1/resume", s.handleResume)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return mux
}

// Start starts the HTTP server in a background goroutine.
// Server errors are logged but do not crash the process.
func (s *Server) Start() error {
	go func() {
		s.logger.Printf("[Server] Listening on %s", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("[Server] Error: %v", err)
		}
		s.logger.Printf("[Server] Stopped")
	}()
	return nil
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Printf("[Server] Shutting down...")
	return s.server.Shutdown(ctx)
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	var req TrackRequest
	if err := decode(w, r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	trigger := tracker.Trigger{
		Profile:     r.Header.Get(ProfileHeader),
		Event:       req.Event,
		ExternalKey: req.ExternalKey,
		Properties:  req.Properties,
		Fields:      req.Fields,
		Campaign:    campaignValues(req.Campaign, req.LandingPage),
		Referrer:    req.Referrer,
		LandingPage: req.LandingPage,
	}
	if req.At != nil {
		trigger.At = *req.At
	}
	if req.Consent != nil {
		trigger.Consent = &ledger.Consent{Analytics: req.Consent.Analytics, Marketing: req.Consent.Marketing}
	}

	out := s.svc.Track(r.Context(), trigger)

	resp := TrackResponse{
		IdentityID:     out.Identity.ID,
		Ephemeral:      out.Identity.Ephemeral,
		IdempotencyKey: out.Event.IdempotencyKey,
		Suppressed:     out.Suppressed,
		ValueCode:      out.ValueCode,
		Consent:        out.Consent.Purposes(),
	}
	if out.Result != nil {
		resp.Delivered = out.Result.Delivered
		resp.Failed = out.Result.Failed
	}
	if out.Merge != nil {
		resp.Merged = fieldNames(out.Merge.Changed)
		resp.Pending = fieldNames(out.Merge.Pending)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHandoff(w http.ResponseWriter, r *http.Request) {
	var req HandoffRequest
	if err := decode(w, r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if req.Target == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "target is required"})
		return
	}
	if _, err := url.Parse(req.Target); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid target: %v", err)})
		return
	}

	link := s.svc.Handoff(r.Context(), r.Header.Get(ProfileHeader), req.Target, req.Extra)
	s.writeJSON(w, http.StatusOK, HandoffResponse{Link: link, Attached: link != req.Target})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id, adopted := s.svc.Resume(r.Context(), r.Header.Get(ProfileHeader), r.URL.Query())
	s.writeJSON(w, http.StatusOK, ResumeResponse{IdentityID: id.ID, Adopted: adopted})
}

// handleHealthz returns 200 OK if the store answers a ping, 503 otherwise.
//
// Response format:
//   - Success: {"status": "healthy"}
//   - Failure: {"status": "unhealthy", "error": "connection refused"}
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.svc.Ping(ctx); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unhealthy", Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Printf("[Server] Failed to encode response: %v", err)
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// campaignValues prefers explicit campaign parameters and falls back to the
// landing page's query string.
func campaignValues(campaign map[string]string, landingPage string) url.Values {
	if len(campaign) > 0 {
		v := make(url.Values, len(campaign))
		for k, val := range campaign {
			v.Set(k, val)
		}
		return v
	}
	if landingPage == "" {
		return nil
	}
	u, err := url.Parse(landingPage)
	if err != nil {
		return nil
	}
	return u.Query()
}

func fieldNames(fields []ledger.Field) []string {
	if len(fields) == 0 {
		return nil
	}
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = string(f)
	}
	return out
}
