package core

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type Cookie struct {
	Name    string   `json:"name"`
	Value   string   `json:"value"`
	Domain  string   `json:"domain"`
	Path    string   `json:"path"`
	Secure  bool     `json:"secure"`
	Expires *float64 `json:"expires,omitempty"`
}

// rawCookie accepts the expiry spellings used by the common browser exporters.
type rawCookie struct {
	Name           string   `json:"name"`
	Value          string   `json:"value"`
	Domain         string   `json:"domain"`
	Path           string   `json:"path"`
	Secure         bool     `json:"secure"`
	Expires        *float64 `json:"expires"`
	Expiry         *float64 `json:"expiry"`
	ExpirationDate *float64 `json:"expirationDate"`
}

// ParseCookies normalizes a cookie payload. The payload may be a JSON array of
// cookie objects or a JSON string holding such an array. An absent or null
// payload yields nil.
func ParseCookies(raw json.RawMessage) ([]Cookie, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	if trimmed[0] == '"' {
		var encoded string
		if err := json.Unmarshal(trimmed, &encoded); err != nil {
			return nil, fmt.Errorf("%w: cookies: %v", ErrValidation, err)
		}
		trimmed = bytes.TrimSpace([]byte(encoded))
	}

	var items []rawCookie
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, fmt.Errorf("%w: cookies: %v", ErrValidation, err)
	}

	cookies := make([]Cookie, 0, len(items))
	for i, item := range items {
		if item.Name == "" {
			return nil, fmt.Errorf("%w: cookie %d has no name", ErrValidation, i)
		}
		expires := item.Expiry
		if expires == nil {
			expires = item.Expires
		}
		if expires == nil {
			expires = item.ExpirationDate
		}
		cookies = append(cookies, Cookie{
			Name:    item.Name,
			Value:   item.Value,
			Domain:  item.Domain,
			Path:    item.Path,
			Secure:  item.Secure,
			Expires: expires,
		})
	}

	return cookies, nil
}
