package security

import (
	"net/url"
	"strings"
)

// sensitiveParamWords flag query parameter names that likely carry secrets.
var sensitiveParamWords = []string{
	"password", "passwd", "pwd", "secret", "token", "api_key", "apikey",
	"api-key", "auth", "bearer", "credential", "key", "session", "sid",
	"private",
}

// RedactURL strips credentials and secret-looking query parameters from a
// URL so it can be logged.
func RedactURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "[invalid-url]"
	}

	if parsed.User != nil {
		parsed.User = url.User("[REDACTED]")
	}
	if parsed.RawQuery != "" {
		q := parsed.Query()
		for key := range q {
			if containsAny(strings.ToLower(key), sensitiveParamWords) {
				q[key] = []string{"[REDACTED]"}
			}
		}
		parsed.RawQuery = q.Encode()
	}
	return parsed.String()
}

// RedactProxyURL hides the password in a proxy URL, keeping the username so
// logs stay correlatable.
func RedactProxyURL(proxyURL string) string {
	if proxyURL == "" {
		return ""
	}
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return "[invalid-proxy-url]"
	}
	if parsed.User != nil {
		if _, hasPassword := parsed.User.Password(); hasPassword {
			parsed.User = url.UserPassword(parsed.User.Username(), "[REDACTED]")
		}
	}
	return parsed.String()
}
