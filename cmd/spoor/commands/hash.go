package commands

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/dyluth/spoor/internal/matchkey"
	"github.com/dyluth/spoor/internal/printer"
	"github.com/dyluth/spoor/pkg/ledger"
	"github.com/spf13/cobra"
)

var hashJSON bool

var hashCmd = &cobra.Command{
	Use:   "hash <field> <value>",
	Short: "Print the match key for a PII value",
	Long: `Normalize and hash a PII value exactly as the tracker does before
it is stored or reported. <field> is a canonical field name (email, phone,
first_name, ...) or a form field name from matching.field_mapping.

Examples:
  spoor hash email " Test@Example.com "
  spoor hash phone "(555) 123-4567"
  spoor hash user_email test@example.com --json`,
	Args: cobra.ExactArgs(2),
	RunE: runHash,
}

func init() {
	hashCmd.Flags().BoolVar(&hashJSON, "json", false, "Print the full hashed value as JSON")
	rootCmd.AddCommand(hashCmd)
}

func runHash(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	fields := cfg.Fields()
	field, ok := fields[args[0]]
	if !ok {
		names := make([]string, 0, len(fields))
		for name := range fields {
			names = append(names, name)
		}
		sort.Strings(names)
		return printedError{printer.Error(
			fmt.Sprintf("unknown field '%s'", args[0]),
			"Known fields: "+strings.Join(names, ", "),
			[]string{"Map a form field in spoor.yml under matching.field_mapping"},
		)}
	}

	hasher, err := matchkey.NewHasher(matchkey.Options{
		CallingCode: cfg.Matching.CallingCode,
		Logger:      componentLogger(),
	})
	if err != nil {
		return err
	}

	hv, err := hasher.Hash(cmd.Context(), field, args[1])
	if err != nil {
		return err
	}
	if hv == nil {
		return printedError{printer.Error(
			"nothing to hash",
			fmt.Sprintf("The value has no usable %s after normalization.", field),
			nil,
		)}
	}

	out := cmd.OutOrStdout()
	if hashJSON {
		data, err := json.Marshal(struct {
			Field    ledger.Field `json:"field"`
			ShortKey string       `json:"short_key"`
			ledger.HashedValue
		}{field, field.ShortKey(), *hv})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s\n", data)
		return nil
	}

	fmt.Fprintln(out, hv.DigestHex)
	return nil
}
