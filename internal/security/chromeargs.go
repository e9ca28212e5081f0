// Package security provides input validation for launch requests.
package security

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// safeArgPattern is the only accepted shape for caller-supplied Chrome
// arguments: a long flag, optionally with a value drawn from a conservative
// character set. Anything with spaces, quotes or shell metacharacters fails
// the match.
var safeArgPattern = regexp.MustCompile(`(?i)^--[a-z0-9\-]+(=[a-z0-9\-_.,:/]+)?$`)

// pathArgWords in a flag key indicate a filesystem reference. Such flags are
// rejected regardless of value.
var pathArgWords = []string{"dir", "path", "file"}

// urlPrefixes are rejected inside flag values.
var urlPrefixes = []string{"http://", "https://", "file://", "ftp://"}

// FilterChromeArgs returns the subset of caller-supplied arguments that are
// safe to append to a Chrome command line. The deny set holds lowercase flag
// names (the part before '='). Rejections are logged, never fatal.
func FilterChromeArgs(args []string, deny map[string]bool) []string {
	if len(args) == 0 {
		return nil
	}

	safe := make([]string, 0, len(args))
	for _, arg := range args {
		if !strings.HasPrefix(arg, "--") {
			log.Warn().Str("arg", arg).Msg("Skipping chrome arg not starting with --")
			continue
		}

		name := strings.ToLower(strings.SplitN(arg, "=", 2)[0])
		if deny[name] {
			log.Warn().Str("arg", arg).Msg("Blocking dangerous chrome arg")
			continue
		}

		if !safeArgPattern.MatchString(arg) {
			log.Warn().Str("arg", arg).Msg("Skipping chrome arg with invalid format")
			continue
		}

		if key, value, found := strings.Cut(arg, "="); found {
			if containsAny(key, pathArgWords) {
				log.Warn().Str("arg", arg).Msg("Blocking chrome arg with path reference")
				continue
			}
			if containsAny(value, urlPrefixes) {
				log.Warn().Str("arg", arg).Msg("Blocking chrome arg with URL")
				continue
			}
		}

		safe = append(safe, arg)
	}

	if len(safe) < len(args) {
		log.Warn().
			Int("filtered", len(args)-len(safe)).
			Msg("Filtered unsafe chrome arguments")
	}
	return safe
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
