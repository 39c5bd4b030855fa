package util

import (
	"net/url"
	"strings"
)

// HideAPIKey keeps the head and tail of a secret for startup logs. Stripe and
// OpenAI keys keep their type prefix (sk_live_, sk-) so the mode stays visible.
func HideAPIKey(apiKey string) string {
	apiKey = strings.TrimSpace(apiKey)
	switch {
	case apiKey == "":
		return "<unset>"
	case len(apiKey) > 16:
		head := 4
		if idx := strings.LastIndexAny(apiKey[:12], "_-"); idx >= head {
			head = idx + 1
		}
		return apiKey[:head] + "..." + apiKey[len(apiKey)-4:]
	case len(apiKey) > 8:
		return apiKey[:4] + "..." + apiKey[len(apiKey)-4:]
	case len(apiKey) > 4:
		return apiKey[:2] + "..." + apiKey[len(apiKey)-2:]
	case len(apiKey) > 2:
		return apiKey[:1] + "..." + apiKey[len(apiKey)-1:]
	}
	return apiKey
}

// MaskSensitiveQuery masks token-bearing query parameters within a raw query
// string. Run streams pass their access token as ?access_token=.
func MaskSensitiveQuery(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	changed := false
	for i, part := range parts {
		if part == "" {
			continue
		}
		keyPart := part
		valuePart := ""
		if idx := strings.Index(part, "="); idx >= 0 {
			keyPart = part[:idx]
			valuePart = part[idx+1:]
		}
		decodedKey, err := url.QueryUnescape(keyPart)
		if err != nil {
			decodedKey = keyPart
		}
		if !shouldMaskQueryParam(decodedKey) {
			continue
		}
		decodedValue, err := url.QueryUnescape(valuePart)
		if err != nil {
			decodedValue = valuePart
		}
		decodedValue = strings.TrimSpace(decodedValue)
		if decodedValue == "" {
			continue
		}
		parts[i] = keyPart + "=" + url.QueryEscape(HideAPIKey(decodedValue))
		changed = true
	}
	if !changed {
		return raw
	}
	return strings.Join(parts, "&")
}

func shouldMaskQueryParam(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return false
	}
	key = strings.TrimSuffix(key, "[]")
	switch key {
	case "access_token", "token", "session_id", "api_key":
		return true
	}
	return strings.HasSuffix(key, "_token") || strings.Contains(key, "secret") || strings.Contains(key, "signature")
}
