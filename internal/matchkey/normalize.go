package matchkey

import (
	"strings"
	"time"
	"unicode"

	"github.com/dyluth/spoor/pkg/ledger"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// DefaultCallingCode is prepended to ten-digit national phone numbers.
const DefaultCallingCode = "1"

// Phone numbers shorter than this are rejected rather than hashed.
const minPhoneDigits = 7

// E.164 caps numbers at fifteen digits including the country code.
const maxPhoneDigits = 15

var gmailDomains = map[string]bool{
	"gmail.com":      true,
	"googlemail.com": true,
}

var birthDateLayouts = []string{
	"2006-01-02",
	"20060102",
	"01/02/2006",
	"2006/01/02",
	"02.01.2006",
	time.RFC3339,
}

// Normalize applies the field-specific canonical form to raw. It returns
// false when raw carries no usable value for the field. The same input must
// produce the same output in every runtime, so everything here is pure.
func Normalize(field ledger.Field, raw, callingCode string) (string, bool) {
	s := base(raw)
	if s == "" {
		return "", false
	}

	switch field {
	case ledger.FieldEmail:
		return normalizeEmail(s)
	case ledger.FieldPhone:
		return normalizePhone(s, callingCode)
	case ledger.FieldFirstName, ledger.FieldLastName, ledger.FieldCity, ledger.FieldRegion, ledger.FieldPostalCode:
		return stripSpace(s), true
	case ledger.FieldCountry:
		return normalizeCountry(s)
	case ledger.FieldGender:
		return normalizeGender(s)
	case ledger.FieldDateOfBirth:
		return normalizeBirthDate(s)
	case ledger.FieldExternalID:
		return s, true
	default:
		return "", false
	}
}

// base trims, NFC-normalizes and lowercases. Every field starts here.
func base(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	s = norm.NFC.String(s)
	// cases.Caser keeps state, so one per call
	return cases.Lower(language.Und).String(s)
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

func normalizeEmail(s string) (string, bool) {
	s = stripSpace(s)
	at := strings.LastIndexByte(s, '@')
	if at <= 0 || at == len(s)-1 {
		return "", false
	}
	local, domain := s[:at], s[at+1:]
	if gmailDomains[domain] {
		local = strings.ReplaceAll(local, ".", "")
		if local == "" {
			return "", false
		}
	}
	return local + "@" + domain, true
}

// normalizePhone produces E.164 ("+" followed by digits).
func normalizePhone(s, callingCode string) (string, bool) {
	international := strings.HasPrefix(s, "+")

	var digits strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()

	if !international && strings.HasPrefix(d, "00") {
		d = d[2:]
		international = true
	}
	if !international && len(d) == 10 {
		if callingCode == "" {
			callingCode = DefaultCallingCode
		}
		d = strings.TrimPrefix(callingCode, "+") + d
	}

	if len(d) < minPhoneDigits || len(d) > maxPhoneDigits {
		return "", false
	}
	return "+" + d, true
}

func normalizeCountry(s string) (string, bool) {
	s = stripSpace(s)
	if len(s) != 2 {
		return "", false
	}
	for _, r := range s {
		if r < 'a' || r > 'z' {
			return "", false
		}
	}
	return s, true
}

func normalizeGender(s string) (string, bool) {
	switch {
	case strings.HasPrefix(s, "m"):
		return "m", true
	case strings.HasPrefix(s, "f"), strings.HasPrefix(s, "w"):
		return "f", true
	default:
		return "", false
	}
}

func normalizeBirthDate(s string) (string, bool) {
	s = stripSpace(s)
	for _, layout := range birthDateLayouts {
		if t, err := time.Parse(layout, strings.ToUpper(s)); err == nil {
			return t.Format("20060102"), true
		}
	}
	return "", false
}
