package commands

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/dyluth/spoor/internal/printer"
	"github.com/dyluth/spoor/internal/tracker"
	"github.com/dyluth/spoor/pkg/ledger"
	"github.com/spf13/cobra"
)

var (
	trackProfile  string
	trackEvent    string
	trackKey      string
	trackProps    []string
	trackFields   []string
	trackLanding  string
	trackReferrer string
	trackConsent  string
	trackJSON     bool
)

var trackCmd = &cobra.Command{
	Use:   "track",
	Short: "Run one trigger through the tracker",
	Long: `Resolve the profile's identity, merge PII fields, record campaign
touches and, when --event is given, deduplicate and dispatch the event to
every configured sink.

Without --event only identity and touch data are recorded.

PII is only hashed with analytics consent and touches are only recorded with
marketing consent. --consent states the visitor's choice and stores it on the
identity; without it the stored choice or the configured default applies.

Examples:
  spoor track --event Purchase --key order-1 --prop value=75 --prop currency=USD \
    --field user_email=test@example.com --consent analytics,marketing \
    --landing-page 'https://shop.example.com/?utm_source=google&utm_medium=cpc'

  spoor track --profile tab-2 --field mobile=5551234567`,
	Args: cobra.NoArgs,
	RunE: runTrack,
}

func init() {
	trackCmd.Flags().StringVar(&trackProfile, "profile", "", "Profile whose identity to act on (default: configured profile)")
	trackCmd.Flags().StringVarP(&trackEvent, "event", "e", "", "Event name, e.g. Purchase")
	trackCmd.Flags().StringVar(&trackKey, "key", "", "External idempotency key, e.g. an order ID")
	trackCmd.Flags().StringArrayVarP(&trackProps, "prop", "p", nil, "Event property as key=value (repeatable; numbers are parsed)")
	trackCmd.Flags().StringArrayVarP(&trackFields, "field", "f", nil, "Form field as name=value (repeatable)")
	trackCmd.Flags().StringVar(&trackLanding, "landing-page", "", "Landing page URL; its query supplies campaign parameters")
	trackCmd.Flags().StringVar(&trackReferrer, "referrer", "", "Referrer URL")
	trackCmd.Flags().StringVar(&trackConsent, "consent", "", "Granted purposes: analytics, marketing, all or none")
	trackCmd.Flags().BoolVar(&trackJSON, "json", false, "Print the outcome as JSON")
	rootCmd.AddCommand(trackCmd)
}

// trackReport is the --json form of an outcome.
type trackReport struct {
	IdentityID     string   `json:"identity_id"`
	Ephemeral      bool     `json:"ephemeral,omitempty"`
	Event          string   `json:"event,omitempty"`
	IdempotencyKey string   `json:"idempotency_key,omitempty"`
	Suppressed     bool     `json:"suppressed"`
	ValueCode      int      `json:"value_code"`
	Delivered      int      `json:"delivered"`
	Failed         int      `json:"failed"`
	Consent        []string `json:"consent"`
}

func runTrack(cmd *cobra.Command, args []string) error {
	props, err := parseProps(trackProps)
	if err != nil {
		return err
	}
	fields, err := parsePairs("--field", trackFields)
	if err != nil {
		return err
	}
	var consent *ledger.Consent
	if trackConsent != "" {
		c, err := ledger.ParseConsent(trackConsent)
		if err != nil {
			return fmt.Errorf("invalid --consent: %w", err)
		}
		consent = &c
	}
	var campaign url.Values
	if trackLanding != "" {
		u, err := url.Parse(trackLanding)
		if err != nil {
			return fmt.Errorf("invalid --landing-page: %w", err)
		}
		campaign = u.Query()
	}

	svc, closeService, err := openService(cmd)
	if err != nil {
		return err
	}
	defer closeService()

	out := svc.Track(cmd.Context(), tracker.Trigger{
		Profile:     trackProfile,
		Event:       trackEvent,
		ExternalKey: trackKey,
		Properties:  props,
		Fields:      fields,
		Campaign:    campaign,
		Referrer:    trackReferrer,
		LandingPage: trackLanding,
		Consent:     consent,
	})

	if trackJSON {
		report := trackReport{
			IdentityID:     out.Identity.ID,
			Ephemeral:      out.Identity.Ephemeral,
			Event:          out.Event.Name,
			IdempotencyKey: out.Event.IdempotencyKey,
			Suppressed:     out.Suppressed,
			ValueCode:      out.ValueCode,
			Consent:        out.Consent.Purposes(),
		}
		if out.Result != nil {
			report.Delivered, report.Failed = out.Result.Delivered, out.Result.Failed
		}
		data, err := json.Marshal(report)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\n", data)
		return nil
	}

	printOutcome(out)
	return nil
}

func printOutcome(out tracker.Outcome) {
	switch {
	case trackEvent == "":
		printer.Success("Recorded visit\n")
	case out.Suppressed:
		printer.Warning("%s suppressed as a duplicate\n", trackEvent)
	case out.Result != nil && out.Result.Failed > 0:
		printer.Warning("%s delivered to %d sink(s), %d failed\n", trackEvent, out.Result.Delivered, out.Result.Failed)
	case out.Result != nil:
		printer.Success("%s delivered to %d sink(s)\n", trackEvent, out.Result.Delivered)
	}

	id := out.Identity.ID
	if out.Identity.Ephemeral {
		id += " (ephemeral)"
	}
	printer.Field("Identity", id)
	printer.Field("Visits", strconv.FormatInt(out.Identity.VisitCount, 10))
	printer.Field("Consent", consentLabel(out.Consent))
	if out.Event.IdempotencyKey != "" {
		printer.Field("Key", out.Event.IdempotencyKey)
		printer.Field("Value code", strconv.Itoa(out.ValueCode))
	}
	if out.Merge != nil && len(out.Merge.Changed) > 0 {
		names := make([]string, len(out.Merge.Changed))
		for i, f := range out.Merge.Changed {
			names[i] = string(f)
		}
		printer.Field("Merged", strings.Join(names, ", "))
	}
	if out.Result == nil {
		return
	}
	for _, o := range out.Result.Outcomes {
		switch {
		case o.Skipped:
			printer.Printf("    %-12s ", o.Sink)
			printer.Status(true, "skipped", "")
		case o.Delivered():
			printer.Printf("    %-12s ", o.Sink)
			printer.Status(true, "delivered", fmt.Sprintf("(%d attempt(s))", o.Attempts))
		default:
			printer.Printf("    %-12s ", o.Sink)
			printer.Status(false, "failed", o.Error)
		}
	}
}

func consentLabel(c ledger.Consent) string {
	if p := c.Purposes(); len(p) > 0 {
		return strings.Join(p, ", ")
	}
	return "none"
}

func parsePairs(flag string, pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid %s %q: expected name=value", flag, p)
		}
		out[k] = v
	}
	return out, nil
}

// parseProps parses --prop pairs, turning numeric values into float64 the
// way a JSON body would.
func parseProps(pairs []string) (map[string]any, error) {
	raw, err := parsePairs("--prop", pairs)
	if err != nil || raw == nil {
		return nil, err
	}
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			out[k] = n
			continue
		}
		out[k] = v
	}
	return out, nil
}
