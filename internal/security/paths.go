package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Rorqualx/browserlauncher-go/internal/types"
)

// ValidateUserDataDir canonicalizes a caller-supplied profile directory and
// checks it sits under one of the allowed roots. extraBase is the delegated
// launcher's base directory, or "" when not in delegated mode. Returns the
// canonical path.
func ValidateUserDataDir(path string, extraBase string) (string, error) {
	canonical, err := canonicalize(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrInvalidUserDataDir, err)
	}

	bases := allowedBases(extraBase)
	allowed := false
	for _, base := range bases {
		baseReal, err := canonicalize(base)
		if err != nil {
			continue
		}
		if canonical == baseReal || strings.HasPrefix(canonical, baseReal+string(os.PathSeparator)) {
			allowed = true
			break
		}
	}
	if !allowed {
		return "", fmt.Errorf("%w: must be within %v", types.ErrInvalidUserDataDir, bases)
	}

	if !validDirName(filepath.Base(canonical)) {
		return "", fmt.Errorf("%w: invalid directory name %q", types.ErrInvalidUserDataDir, filepath.Base(canonical))
	}
	return canonical, nil
}

func allowedBases(extraBase string) []string {
	bases := []string{os.TempDir(), "/tmp", "/var/tmp"}
	if home, err := os.UserHomeDir(); err == nil {
		bases = append(bases, filepath.Join(home, "chrome_profiles"))
	}
	if extraBase != "" && extraBase != "." {
		bases = append(bases, extraBase)
	}
	return bases
}

// canonicalize resolves symlinks where the path exists and always returns an
// absolute path. A nonexistent leaf is fine, Chrome creates the profile.
func canonicalize(path string) (string, error) {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	}
	return filepath.Abs(path)
}

// validDirName accepts only alphanumerics, '-' and '_' in the final path
// component.
func validDirName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}
