package attribution

import (
	"net/url"
	"strings"
	"time"

	"github.com/dyluth/spoor/pkg/ledger"
)

// ClickIDParams are the ad-platform click identifiers captured with a touch.
var ClickIDParams = []string{"gclid", "fbclid", "ttclid", "msclkid"}

// ParseTouch extracts campaign context from landing-page query parameters.
// Returns nil when the visit carries no campaign parameters, click IDs or
// referrer; a bare landing page is not a touch.
func ParseTouch(params url.Values, referrer, landingPage string, at time.Time) *ledger.Touch {
	t := &ledger.Touch{
		Source:      param(params, "utm_source"),
		Medium:      param(params, "utm_medium"),
		Campaign:    param(params, "utm_campaign"),
		Term:        param(params, "utm_term"),
		Content:     param(params, "utm_content"),
		Referrer:    strings.TrimSpace(referrer),
		LandingPage: strings.TrimSpace(landingPage),
		At:          at.UTC(),
	}
	for _, name := range ClickIDParams {
		if v := param(params, name); v != "" {
			if t.ClickIDs == nil {
				t.ClickIDs = make(map[string]string)
			}
			t.ClickIDs[name] = v
		}
	}

	if t.Source == "" && t.Medium == "" && t.Campaign == "" && t.Term == "" &&
		t.Content == "" && len(t.ClickIDs) == 0 && t.Referrer == "" {
		return nil
	}
	return t
}

// ParseTouchURL is ParseTouch for a full landing-page URL.
func ParseTouchURL(landingPage, referrer string, at time.Time) *ledger.Touch {
	u, err := url.Parse(landingPage)
	if err != nil {
		return ParseTouch(nil, referrer, landingPage, at)
	}
	return ParseTouch(u.Query(), referrer, landingPage, at)
}

// Chain renders the journey as "first:source/medium|last:source/medium".
// The last touch is omitted when it came from the same source as the first.
func Chain(ctx ledger.AttributionContext) string {
	var parts []string
	first, last := ctx.FirstTouch, ctx.LastTouch
	if first != nil && first.Source != "" {
		parts = append(parts, "first:"+first.Source+"/"+orNone(first.Medium))
	}
	if last != nil && last.Source != "" && (first == nil || last.Source != first.Source) {
		parts = append(parts, "last:"+last.Source+"/"+orNone(last.Medium))
	}
	return strings.Join(parts, "|")
}

func param(params url.Values, name string) string {
	v := strings.TrimSpace(params.Get(name))
	if v == "null" {
		return ""
	}
	return v
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
