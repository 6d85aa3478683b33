package stage

import "regexp"

const redacted = "***REDACTED***"

// Each rule masks one credential shape. keep names the submatch left in
// front of the mask; 0 masks the whole match.
var redactRules = []struct {
	re   *regexp.Regexp
	keep int
}{
	{regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9._\-=/+]+`), 0},
	{regexp.MustCompile(`\b(sk-[A-Za-z0-9\-_]{8,})\b`), 0},
	// Telegram bot tokens, also when embedded in an API URL.
	{regexp.MustCompile(`\d{6,}:[A-Za-z0-9_\-]{30,}`), 0},
	{regexp.MustCompile(`(?i)(\b[A-Za-z0-9_]*(?:TOKEN|SECRET|PASSWORD|API_KEY)\s*[:=]\s*)["']?[^\s"'&]+["']?`), 1},
	{regexp.MustCompile(`(?i)([?&](?:access_token|token|key)=)[^&\s]+`), 1},
}

// redactSecrets masks credentials before text reaches logs or the audit
// table. It reports whether anything was masked.
func redactSecrets(text string) (string, bool) {
	hit := false
	for _, r := range redactRules {
		text = r.re.ReplaceAllStringFunc(text, func(m string) string {
			hit = true
			if r.keep == 0 {
				return redacted
			}
			return r.re.FindStringSubmatch(m)[r.keep] + redacted
		})
	}
	return text, hit
}

func truncate(s string, maxChars int) string {
	if len(s) <= maxChars {
		return s
	}
	if r := []rune(s); len(r) > maxChars {
		return string(r[:maxChars])
	}
	return s
}
