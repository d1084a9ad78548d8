package authx

import (
	"crypto/subtle"
	"errors"
	"strings"
)

var ErrNoKeys = errors.New("no api keys configured")

// KeySource returns the raw comma-separated allow-list. It is called on every check.
type KeySource func() string

// KeyValidator checks presented API keys against an allow-list. When the list is blank
// the single fallback key is accepted instead. It holds no state between calls.
type KeyValidator struct {
	source   KeySource
	fallback string
}

func NewKeyValidator(source KeySource, fallback string) *KeyValidator {
	return &KeyValidator{source: source, fallback: strings.TrimSpace(fallback)}
}

func (v *KeyValidator) IsValid(candidate string) bool {
	if candidate == "" {
		return false
	}
	match := 0
	for _, key := range v.AllowList() {
		match |= subtle.ConstantTimeCompare([]byte(candidate), []byte(key))
	}
	return match == 1
}

func (v *KeyValidator) AllowList() []string {
	raw := ""
	if v.source != nil {
		raw = v.source()
	}
	keys := splitKeys(raw)
	if len(keys) == 0 && v.fallback != "" {
		keys = []string{v.fallback}
	}
	return keys
}

// Configured reports ErrNoKeys when no request could ever pass the gate.
func (v *KeyValidator) Configured() error {
	if len(v.AllowList()) == 0 {
		return ErrNoKeys
	}
	return nil
}

func splitKeys(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
