package attribution

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dyluth/spoor/pkg/ledger"
	"github.com/gobwas/glob"
)

// Tier orders rules: a higher tier is checked first.
type Tier int

const (
	TierOnboarding Tier = iota
	TierEngagement
	TierTrial
	TierRevenue
	// TierCustom rules come from configuration and are checked before all others.
	TierCustom
)

func (t Tier) String() string {
	switch t {
	case TierOnboarding:
		return "onboarding"
	case TierEngagement:
		return "engagement"
	case TierTrial:
		return "trial"
	case TierRevenue:
		return "revenue"
	case TierCustom:
		return "custom"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Rule maps matching events to a conversion-value code.
type Rule struct {
	Pattern string
	Tier    Tier
	Code    int
	matcher glob.Glob
	compute func(props map[string]any) int
}

func (r Rule) code(name string, props map[string]any) (int, bool) {
	if !r.matcher.Match(name) {
		return 0, false
	}
	if r.compute != nil {
		code := r.compute(props)
		return code, code > 0
	}
	return r.Code, true
}

// CustomRule is a configured mapping from an event-name glob to a code.
type CustomRule struct {
	Event string `yaml:"event"`
	Code  int    `yaml:"code"`
}

// Table is the ordered value-code table. The first matching rule wins.
type Table struct {
	rules []Rule
}

// NewTable builds the default table with custom rules checked first.
func NewTable(custom []CustomRule) (*Table, error) {
	var rules []Rule
	for i, c := range custom {
		if c.Code < 0 || c.Code > ledger.MaxConversionValueCode {
			return nil, fmt.Errorf("value rule %d (%s): code %d out of range [0,%d]", i, c.Event, c.Code, ledger.MaxConversionValueCode)
		}
		g, err := glob.Compile(c.Event)
		if err != nil {
			return nil, fmt.Errorf("value rule %d: invalid event pattern %q: %w", i, c.Event, err)
		}
		rules = append(rules, Rule{Pattern: c.Event, Tier: TierCustom, Code: c.Code, matcher: g})
	}
	return &Table{rules: append(rules, defaultRules()...)}, nil
}

// DefaultTable returns the built-in table.
func DefaultTable() *Table {
	return &Table{rules: defaultRules()}
}

// Rules returns the table in evaluation order.
func (t *Table) Rules() []Rule {
	out := make([]Rule, len(t.rules))
	copy(out, t.rules)
	return out
}

// Code returns the candidate code for an event: the first matching rule's
// code clamped to [0,63], or 0 when nothing matches.
func (t *Table) Code(name string, props map[string]any) int {
	for _, r := range t.rules {
		if code, ok := r.code(name, props); ok {
			return clamp(code)
		}
	}
	return 0
}

func defaultRules() []Rule {
	return []Rule{
		computed("Purchase", TierRevenue, purchaseTier),
		exact("Purchase_Under_10", TierRevenue, 51),
		exact("Purchase_10_to_50", TierRevenue, 52),
		exact("Purchase_50_to_100", TierRevenue, 53),
		exact("Purchase_Over_100", TierRevenue, 54),
		computed("Subscribe", TierRevenue, subscriptionTier),
		exact("Subscription_Monthly", TierRevenue, 55),
		exact("Subscription_Annual", TierRevenue, 56),
		exact("High_Value_Customer", TierRevenue, 60),
		exact("Max_Value_Customer", TierRevenue, 63),

		exact("Trial_Started", TierTrial, 31),
		exact("Trial_Day_3_Retained", TierTrial, 32),
		exact("Trial_Day_7_Retained", TierTrial, 33),

		exact("Quiz_Passed", TierEngagement, 11),
		exact("Study_Session_Complete", TierEngagement, 12),
		exact("Practice_Test_Complete", TierEngagement, 13),
		exact("High_Engagement_User", TierEngagement, 15),

		exact("Tutorial_Start", TierOnboarding, 1),
		exact("Tutorial_Complete", TierOnboarding, 2),
		exact("First_Quiz_Start", TierOnboarding, 3),
		exact("First_Quiz_Complete", TierOnboarding, 4),
		exact("Registration", TierOnboarding, 5),
	}
}

func exact(name string, tier Tier, code int) Rule {
	return Rule{Pattern: name, Tier: tier, Code: code, matcher: glob.MustCompile(glob.QuoteMeta(name))}
}

func computed(name string, tier Tier, fn func(map[string]any) int) Rule {
	r := exact(name, tier, 0)
	r.compute = fn
	return r
}

// purchaseTier buckets the purchase value. No positive value, no code.
func purchaseTier(props map[string]any) int {
	value, ok := number(props["value"])
	switch {
	case !ok || value <= 0:
		return 0
	case value < 10:
		return 51
	case value < 50:
		return 52
	case value < 100:
		return 53
	default:
		return 54
	}
}

func subscriptionTier(props map[string]any) int {
	name, _ := props["content_name"].(string)
	name = strings.ToLower(name)
	switch {
	case strings.Contains(name, "monthly"):
		return 55
	case strings.Contains(name, "annual"):
		return 56
	default:
		return 0
	}
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func clamp(code int) int {
	if code < 0 {
		return 0
	}
	if code > ledger.MaxConversionValueCode {
		return ledger.MaxConversionValueCode
	}
	return code
}
