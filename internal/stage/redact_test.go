package stage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactSecrets(t *testing.T) {
	tests := []struct {
		in       string
		want     string
		redacted bool
	}{
		{"Authorization: Bearer abc.def", "Authorization: ***REDACTED***", true},
		{"key sk-1234567890abcdef", "key ***REDACTED***", true},
		{"API_KEY=hunter2 rest", "API_KEY=***REDACTED*** rest", true},
		{`password: "p@ss" ok`, "password: ***REDACTED*** ok", true},
		{"GET https://api.telegram.org/bot123456789:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw/getMe", "GET https://api.telegram.org/bot***REDACTED***/getMe", true},
		{"https://x.example/s?q=go&access_token=abc123", "https://x.example/s?q=go&access_token=***REDACTED***", true},
		{"nothing here", "nothing here", false},
	}
	for _, tt := range tests {
		got, redacted := redactSecrets(tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, tt.redacted, redacted, tt.in)
	}
}
