package commands

import (
	"errors"
	"fmt"

	"github.com/dyluth/spoor/internal/hoard"
	"github.com/dyluth/spoor/internal/printer"
	"github.com/dyluth/spoor/internal/resolver"
	"github.com/spf13/cobra"
)

var (
	identityShortID   string
	identityOutput    string
	identityMinVisits int64
	identityMinValue  int
	identityMatched   bool
)

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Inspect stored identity records",
}

var identityShowCmd = &cobra.Command{
	Use:   "show [profile]",
	Short: "Print one stored identity as JSON",
	Long: `Print the identity stored for a profile as JSON. Without arguments
the configured profile is shown. Use --id to look an identity up by a prefix
of its ID instead, as printed by 'spoor identity list'.

Examples:
  spoor identity show
  spoor identity show tab-2
  spoor identity show --id spoor_1a2b3c`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIdentityShow,
}

var identityListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored identities",
	Long: `List every stored identity, most recently seen first.

Output Formats:
  default - Table with truncated IDs
  jsonl   - One complete record per line`,
	Args: cobra.NoArgs,
	RunE: runIdentityList,
}

func init() {
	identityShowCmd.Flags().StringVar(&identityShortID, "id", "", "Identity ID or unique prefix (at least 6 characters)")
	identityListCmd.Flags().StringVarP(&identityOutput, "output", "o", "default", "Output format (default or jsonl)")
	identityListCmd.Flags().Int64Var(&identityMinVisits, "min-visits", 0, "Only identities with at least this many visits")
	identityListCmd.Flags().IntVar(&identityMinValue, "min-value", 0, "Only identities with at least this conversion value code")
	identityListCmd.Flags().BoolVar(&identityMatched, "matched", false, "Only identities with at least one match key")
	identityCmd.AddCommand(identityShowCmd, identityListCmd)
	rootCmd.AddCommand(identityCmd)
}

func runIdentityShow(cmd *cobra.Command, args []string) error {
	if identityShortID != "" && len(args) > 0 {
		return fmt.Errorf("use either a profile argument or --id, not both")
	}

	svc, closeService, err := openService(cmd)
	if err != nil {
		return err
	}
	defer closeService()

	ctx := cmd.Context()
	profile := ""
	if len(args) > 0 {
		profile = args[0]
	}

	if identityShortID != "" {
		match, err := resolver.ResolveIdentity(ctx, svc, identityShortID)
		if err != nil {
			var amb *resolver.AmbiguousError
			switch {
			case errors.As(err, &amb):
				return printedError{printer.Error("ambiguous identity ID", resolver.FormatAmbiguousError(amb), nil)}
			case resolver.IsNotFoundError(err):
				return printedError{printer.Error(
					"identity not found",
					err.Error(),
					[]string{"List stored identities:\n  spoor identity list"},
				)}
			}
			return err
		}
		profile = match.Profile
	}

	if err := hoard.GetIdentity(ctx, svc, profile, cmd.OutOrStdout()); err != nil {
		if hoard.IsNotFound(err) {
			return printedError{printer.Error(
				"identity not found",
				err.Error(),
				[]string{"Record a visit first:\n  spoor track"},
			)}
		}
		return err
	}
	return nil
}

func runIdentityList(cmd *cobra.Command, args []string) error {
	var format hoard.OutputFormat
	switch identityOutput {
	case "default":
		format = hoard.OutputFormatDefault
	case "jsonl":
		format = hoard.OutputFormatJSONL
	default:
		return printedError{printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", identityOutput),
			[]string{"Valid formats: default, jsonl"},
		)}
	}

	svc, closeService, err := openService(cmd)
	if err != nil {
		return err
	}
	defer closeService()

	filters := &hoard.FilterCriteria{
		MinVisits:    identityMinVisits,
		MinValueCode: identityMinValue,
		Matched:      identityMatched,
	}
	return hoard.ListIdentities(cmd.Context(), svc, svc.Config().Namespace, format, filters, cmd.OutOrStdout())
}
