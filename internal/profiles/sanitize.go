package profiles

import "strings"

// Sanitize maps an arbitrary profile name to a safe directory or file stem.
// Lowercase; anything outside [a-z0-9_-] becomes '-'; runs collapse; leading
// and trailing dashes are trimmed. An empty result becomes "untitled".
func Sanitize(name string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "untitled"
	}
	return out
}
