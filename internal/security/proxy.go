package security

import (
	"strings"

	"github.com/rs/zerolog/log"
)

const (
	maxProxyServerLen = 500
	maxBypassListLen  = 1000

	// DefaultProxyBypassList keeps loopback and mDNS traffic off the proxy.
	DefaultProxyBypassList = "<-loopback>;*.local"
)

// proxyUnsafeChars are stripped from proxy server strings before they are
// placed on a command line.
var proxyUnsafeChars = strings.NewReplacer(`"`, "", `'`, "", ";", "", "&", "")

// SanitizeProxyServer validates and cleans a proxy server string for use as
// a --proxy-server value. Returns "" (and ok=false) when the value must be
// dropped entirely.
func SanitizeProxyServer(server string) (string, bool) {
	if server == "" {
		return "", false
	}
	if len(server) > maxProxyServerLen {
		log.Warn().Int("len", len(server)).Msg("Proxy server too long, skipping")
		return "", false
	}

	safe := proxyUnsafeChars.Replace(server)
	if safe != server {
		log.Warn().Msg("Proxy server contained unsafe characters that were removed")
	}
	return safe, true
}

// SanitizeProxyBypassList validates a --proxy-bypass-list value, falling back
// to the default list when the supplied one is unusable.
func SanitizeProxyBypassList(bypass string) (string, bool) {
	if bypass == "" {
		return DefaultProxyBypassList, true
	}
	if len(bypass) >= maxBypassListLen {
		log.Warn().Int("len", len(bypass)).Msg("Proxy bypass list too long, skipping")
		return "", false
	}
	return bypass, true
}
