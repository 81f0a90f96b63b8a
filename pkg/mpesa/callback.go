/**
 * @description
 * Types for the asynchronous STK push result the gateway delivers to the
 * callback URL, plus accessors for the loosely-typed metadata item list.
 * ResultCode 0 is success; anything else is a failure with a human-readable
 * ResultDesc (e.g. the payer cancelled the prompt).
 */
package mpesa

import (
	"encoding/json"
	"fmt"
)

// CallbackEnvelope is the outer shape of an inbound gateway callback.
type CallbackEnvelope struct {
	Body struct {
		StkCallback StkCallback `json:"stkCallback"`
	} `json:"Body"`
}

// StkCallback is the nested result payload.
type StkCallback struct {
	MerchantRequestID string           `json:"MerchantRequestID"`
	CheckoutRequestID string           `json:"CheckoutRequestID"`
	ResultCode        int              `json:"ResultCode"`
	ResultDesc        string           `json:"ResultDesc"`
	CallbackMetadata  CallbackMetadata `json:"CallbackMetadata"`
}

// CallbackMetadata is the named item list carried on successful results.
type CallbackMetadata struct {
	Item []MetadataItem `json:"Item"`
}

// MetadataItem is one name/value pair. Values are numbers or strings
// depending on the name, so the raw JSON is kept and converted on lookup.
type MetadataItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value"`
}

// String returns the named item as a string, converting numeric values.
func (m CallbackMetadata) String(name string) string {
	for _, item := range m.Item {
		if item.Name != name || len(item.Value) == 0 {
			continue
		}
		var s string
		if err := json.Unmarshal(item.Value, &s); err == nil {
			return s
		}
		var n json.Number
		if err := json.Unmarshal(item.Value, &n); err == nil {
			return n.String()
		}
	}
	return ""
}

// Int64 returns the named item as an integral amount. The gateway sends
// amounts as JSON numbers, occasionally with a fractional part of zero.
func (m CallbackMetadata) Int64(name string) (int64, error) {
	for _, item := range m.Item {
		if item.Name != name || len(item.Value) == 0 {
			continue
		}
		var n json.Number
		if err := json.Unmarshal(item.Value, &n); err != nil {
			var s string
			if err := json.Unmarshal(item.Value, &s); err != nil {
				return 0, fmt.Errorf("metadata item %q is neither number nor string", name)
			}
			n = json.Number(s)
		}
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("metadata item %q is not numeric: %w", name, err)
		}
		return int64(f), nil
	}
	return 0, fmt.Errorf("metadata item %q not present", name)
}
