package commands

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dyluth/spoor/internal/handoff"
	"github.com/dyluth/spoor/internal/printer"
	"github.com/dyluth/spoor/pkg/ledger"
	"github.com/spf13/cobra"
)

var (
	handoffProfile string
	handoffExtra   []string
)

var handoffCmd = &cobra.Command{
	Use:   "handoff",
	Short: "Create or inspect signed identity handoff links",
	Long: `Handoff links carry the current identity from one runtime to another
(for example from the web checkout into the native app). They are signed with
handoff.secret and expire after handoff.ttl.`,
}

var handoffPrepareCmd = &cobra.Command{
	Use:   "prepare <target-url>",
	Short: "Print target-url with a signed handoff attached",
	Args:  cobra.ExactArgs(1),
	RunE:  runHandoffPrepare,
}

var handoffVerifyCmd = &cobra.Command{
	Use:   "verify <link-or-query>",
	Short: "Check a handoff link and show what it carries",
	Long: `Check a handoff link's signature and lifetime and print the identity
it carries. Accepts a full link or just its query string.

When the replay guard is active (the default) an accepted link is consumed
and a second verify reports it as already used.`,
	Args: cobra.ExactArgs(1),
	RunE: runHandoffVerify,
}

func init() {
	handoffPrepareCmd.Flags().StringVar(&handoffProfile, "profile", "", "Profile whose identity to hand off")
	handoffPrepareCmd.Flags().StringArrayVar(&handoffExtra, "extra", nil, "Extra context as key=value (repeatable)")
	handoffCmd.AddCommand(handoffPrepareCmd, handoffVerifyCmd)
	rootCmd.AddCommand(handoffCmd)
}

func runHandoffPrepare(cmd *cobra.Command, args []string) error {
	if _, err := url.Parse(args[0]); err != nil {
		return fmt.Errorf("invalid target URL: %w", err)
	}
	extra, err := parsePairs("--extra", handoffExtra)
	if err != nil {
		return err
	}

	svc, closeService, err := openService(cmd)
	if err != nil {
		return err
	}
	defer closeService()

	if !svc.HandoffEnabled() {
		return printedError{handoffDisabledError()}
	}

	payload, err := svc.PrepareHandoff(cmd.Context(), handoffProfile, extra)
	if err != nil {
		return err
	}
	link, err := payload.Attach(args[0])
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), link)
	return nil
}

func runHandoffVerify(cmd *cobra.Command, args []string) error {
	values, err := handoffValues(args[0])
	if err != nil {
		return err
	}

	svc, closeService, err := openService(cmd)
	if err != nil {
		return err
	}
	defer closeService()

	if !svc.HandoffEnabled() {
		return printedError{handoffDisabledError()}
	}

	payload, err := svc.VerifyHandoff(cmd.Context(), values)
	if err != nil {
		return printedError{printer.Error("handoff rejected", err.Error(), nil)}
	}

	printer.Success("Handoff accepted\n")
	printer.Field("Identity", payload.IdentityID)
	printer.Field("Session", payload.SessionID)
	printer.Field("Issued", payload.IssuedAt.UTC().Format(time.RFC3339))
	printer.Field("Expires", payload.ExpiresAt.UTC().Format(time.RFC3339))
	if c := payload.Context; c != nil {
		printer.Field("First touch", joinTouch(c.FirstSource, c.FirstMedium, c.FirstCampaign))
		printer.Field("Last touch", joinTouch(c.LastSource, c.LastMedium, c.LastCampaign))
		printer.Field("Value code", strconv.Itoa(c.ValueCode))
		printer.Field("Visits", strconv.FormatInt(c.VisitCount, 10))
		if cs := c.Consent; cs != nil {
			printer.Field("Consent", consentLabel(ledger.Consent{Analytics: cs.Analytics, Marketing: cs.Marketing}))
		}
		for k, v := range c.Extra {
			printer.Field(k, v)
		}
	}
	return nil
}

// handoffValues accepts a full link, a "?query" or a bare query string.
func handoffValues(arg string) (url.Values, error) {
	query := arg
	if strings.Contains(arg, "://") {
		u, err := url.Parse(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid link: %w", err)
		}
		query = u.RawQuery
	}
	values, err := url.ParseQuery(strings.TrimPrefix(query, "?"))
	if err != nil {
		return nil, fmt.Errorf("invalid query string: %w", err)
	}
	if !handoff.Present(values) {
		return nil, printedError{printer.Error(
			"no handoff in link",
			fmt.Sprintf("The link has no %s parameter.", handoff.ParamIdentity),
			nil,
		)}
	}
	return values, nil
}

func joinTouch(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "/")
}

func handoffDisabledError() error {
	return printer.Error(
		"handoff is disabled",
		"No handoff secret is configured.",
		[]string{"Set a secret of at least 16 bytes:\n  export SPOOR_HANDOFF_SECRET=..."},
	)
}
