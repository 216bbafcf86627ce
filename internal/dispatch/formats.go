package dispatch

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/dyluth/spoor/internal/attribution"
)

// Sink kinds understood by EncoderFor.
const (
	KindMeta    = "meta"
	KindGoogle  = "google"
	KindWebhook = "webhook"
)

// EncoderFor returns the request encoder for a sink kind. params carries
// kind-specific settings such as meta's test_event_code or google's
// conversion_action.
func EncoderFor(kind string, params map[string]string) (Encoder, error) {
	switch kind {
	case KindMeta:
		return MetaEncoder(params["action_source"], params["test_event_code"]), nil
	case KindGoogle:
		action := params["conversion_action"]
		if action == "" {
			return nil, fmt.Errorf("google sink requires conversion_action")
		}
		return GoogleEncoder(action), nil
	case KindWebhook, "":
		return WebhookEncoder, nil
	default:
		return nil, fmt.Errorf("unknown sink kind %q", kind)
	}
}

type metaEvent struct {
	EventName    string              `json:"event_name"`
	EventTime    int64               `json:"event_time"`
	EventID      string              `json:"event_id"`
	ActionSource string              `json:"action_source"`
	UserData     map[string][]string `json:"user_data"`
	CustomData   map[string]any      `json:"custom_data"`
}

type metaRequest struct {
	Data          []metaEvent `json:"data"`
	TestEventCode string      `json:"test_event_code,omitempty"`
}

// MetaEncoder produces a Conversions API request. Hashed identifiers go in
// user_data under their short keys; the value code goes in custom_data.
func MetaEncoder(actionSource, testEventCode string) Encoder {
	if actionSource == "" {
		actionSource = "website"
	}
	return func(c Conversion) ([]byte, error) {
		userData := make(map[string][]string, len(c.MatchKeys))
		for k, v := range c.MatchKeys {
			userData[k] = []string{v}
		}
		custom := map[string]any{"conversion_value": c.ValueCode}
		if v, ok := c.Event.Properties["value"]; ok {
			custom["value"] = v
		}
		if v, ok := c.Event.Properties["currency"]; ok {
			custom["currency"] = v
		}
		return json.Marshal(metaRequest{
			Data: []metaEvent{{
				EventName:    c.Event.Name,
				EventTime:    c.Event.Timestamp.Unix(),
				EventID:      c.Event.IdempotencyKey,
				ActionSource: actionSource,
				UserData:     userData,
				CustomData:   custom,
			}},
			TestEventCode: testEventCode,
		})
	}
}

type googleAddress struct {
	HashedFirstName string `json:"hashed_first_name,omitempty"`
	HashedLastName  string `json:"hashed_last_name,omitempty"`
	HashedCity      string `json:"hashed_city,omitempty"`
	HashedRegion    string `json:"hashed_region,omitempty"`
	HashedPostal    string `json:"hashed_postal_code,omitempty"`
}

type googleIdentifier struct {
	HashedEmail       string         `json:"hashed_email,omitempty"`
	HashedPhoneNumber string         `json:"hashed_phone_number,omitempty"`
	AddressInfo       *googleAddress `json:"address_info,omitempty"`
}

type googleConversion struct {
	ConversionAction   string             `json:"conversion_action"`
	ConversionDateTime string             `json:"conversion_date_time"`
	OrderID            string             `json:"order_id"`
	ConversionValue    any                `json:"conversion_value,omitempty"`
	CurrencyCode       any                `json:"currency_code,omitempty"`
	Gclid              string             `json:"gclid,omitempty"`
	UserIdentifiers    []googleIdentifier `json:"user_identifiers"`
	CustomVariables    map[string]string  `json:"custom_variables,omitempty"`
}

type googleRequest struct {
	Conversions    []googleConversion `json:"conversions"`
	PartialFailure bool               `json:"partial_failure"`
}

// GoogleEncoder produces an enhanced-conversions upload for one action.
func GoogleEncoder(conversionAction string) Encoder {
	return func(c Conversion) ([]byte, error) {
		var ids []googleIdentifier
		if v := c.MatchKeys["em"]; v != "" {
			ids = append(ids, googleIdentifier{HashedEmail: v})
		}
		if v := c.MatchKeys["ph"]; v != "" {
			ids = append(ids, googleIdentifier{HashedPhoneNumber: v})
		}
		addr := googleAddress{
			HashedFirstName: c.MatchKeys["fn"],
			HashedLastName:  c.MatchKeys["ln"],
			HashedCity:      c.MatchKeys["ct"],
			HashedRegion:    c.MatchKeys["st"],
			HashedPostal:    c.MatchKeys["zp"],
		}
		if addr != (googleAddress{}) {
			ids = append(ids, googleIdentifier{AddressInfo: &addr})
		}
		if ids == nil {
			ids = []googleIdentifier{}
		}

		conv := googleConversion{
			ConversionAction:   conversionAction,
			ConversionDateTime: c.Event.Timestamp.UTC().Format("2006-01-02 15:04:05-07:00"),
			OrderID:            c.Event.IdempotencyKey,
			ConversionValue:    c.Event.Properties["value"],
			CurrencyCode:       c.Event.Properties["currency"],
			UserIdentifiers:    ids,
			CustomVariables:    map[string]string{"conversion_value_code": strconv.Itoa(c.ValueCode)},
		}
		if t := c.Attribution.LastTouch; t != nil {
			conv.Gclid = t.ClickIDs["gclid"]
		}
		return json.Marshal(googleRequest{Conversions: []googleConversion{conv}, PartialFailure: true})
	}
}

type webhookBody struct {
	Event       string            `json:"event"`
	EventID     string            `json:"event_id"`
	EventTime   int64             `json:"event_time"`
	IdentityID  string            `json:"identity_id"`
	ValueCode   int               `json:"value_code"`
	MatchKeys   map[string]string `json:"match_keys"`
	Properties  map[string]any    `json:"properties,omitempty"`
	Attribution string            `json:"attribution_chain,omitempty"`
}

// WebhookEncoder produces a flat JSON body for generic endpoints.
func WebhookEncoder(c Conversion) ([]byte, error) {
	return json.Marshal(webhookBody{
		Event:       c.Event.Name,
		EventID:     c.Event.IdempotencyKey,
		EventTime:   c.Event.Timestamp.Unix(),
		IdentityID:  c.IdentityID,
		ValueCode:   c.ValueCode,
		MatchKeys:   c.MatchKeys,
		Properties:  c.Event.Properties,
		Attribution: attribution.Chain(c.Attribution),
	})
}
