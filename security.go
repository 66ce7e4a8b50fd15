package eventbus

import (
	"strings"
)

// Sanitizer rewrites one detail value before it is persisted.
type Sanitizer func(key string, value any) any

func maskEmail(_ string, value any) any {
	v, ok := value.(string)
	if !ok {
		return value
	}
	local, domain, found := strings.Cut(v, "@")
	if !found || local == "" {
		return value
	}
	return local[:1] + "****@" + domain
}

func redact(string, any) any { return "****" }

// defaultSanitizers is keyed by lower-cased detail key.
var defaultSanitizers = map[string]Sanitizer{
	"email":         maskEmail,
	"password":      redact,
	"newpassword":   redact,
	"oldpassword":   redact,
	"secret":        redact,
	"token":         redact,
	"accesstoken":   redact,
	"refreshtoken":  redact,
	"apikey":        redact,
	"authorization": redact,
}

// SanitizeDetails returns a copy of details with sensitive values masked.
// Keys match case-insensitively, ignoring '_' and '-'; nested maps are
// sanitized too. The input is not modified.
func SanitizeDetails(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		if s, ok := defaultSanitizers[normalizeKey(k)]; ok {
			out[k] = s(k, v)
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = SanitizeDetails(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func normalizeKey(k string) string {
	return strings.ToLower(strings.NewReplacer("_", "", "-", "").Replace(k))
}
