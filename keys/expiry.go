package keys

import (
	"bytes"
	"encoding/json"
	"time"
)

// expiryLayouts are the forms accepted for a stored "expires" value. Older
// registries hold whatever the client sent, which is often a bare date.
// Zoneless layouts are read as UTC.
var expiryLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

func parseExpiry(s string) (time.Time, bool) {
	for _, layout := range expiryLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// UnmarshalJSON decodes a registry entry. An "expires" value in none of the
// accepted layouts does not fail the document: it is kept verbatim so a
// rewrite preserves it, and the key is treated as expired.
func (k *APIKey) UnmarshalJSON(data []byte) error {
	type plain APIKey
	aux := struct {
		*plain
		Expires json.RawMessage `json:"expires"`
	}{plain: (*plain)(k)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	k.Expires = nil
	k.rawExpires = nil
	if len(aux.Expires) == 0 || bytes.Equal(aux.Expires, []byte("null")) {
		return nil
	}
	var s string
	if err := json.Unmarshal(aux.Expires, &s); err == nil {
		if t, ok := parseExpiry(s); ok {
			k.Expires = &t
			return nil
		}
	}
	k.rawExpires = append(json.RawMessage(nil), aux.Expires...)
	return nil
}

// MarshalJSON writes an unparseable "expires" back as it was read.
func (k APIKey) MarshalJSON() ([]byte, error) {
	type plain APIKey
	if k.Expires != nil || len(k.rawExpires) == 0 {
		return json.Marshal(plain(k))
	}
	return json.Marshal(struct {
		plain
		Expires json.RawMessage `json:"expires"`
	}{plain(k), k.rawExpires})
}
