package security

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/Rorqualx/browserlauncher-go/internal/types"
)

func TestFilterChromeArgs(t *testing.T) {
	deny := map[string]bool{
		"--no-sandbox":          true,
		"--disable-web-security": true,
	}

	cases := []struct {
		name string
		args []string
		want []string
	}{
		{
			name: "safe flags pass",
			args: []string{"--window-size=1280,720", "--lang=en-US"},
			want: []string{"--window-size=1280,720", "--lang=en-US"},
		},
		{
			name: "denied flags blocked",
			args: []string{"--no-sandbox", "--window-size=800,600"},
			want: []string{"--window-size=800,600"},
		},
		{
			name: "denied flag with value blocked",
			args: []string{"--disable-web-security=true"},
			want: []string{},
		},
		{
			name: "missing dashes rejected",
			args: []string{"window-size=800,600", "-w=1"},
			want: []string{},
		},
		{
			name: "shell metacharacters rejected",
			args: []string{"--foo=bar;rm", "--foo=$(id)", "--foo=a b"},
			want: []string{},
		},
		{
			name: "path flags rejected",
			args: []string{"--user-data-dir=/etc", "--log-file=x", "--crash-dumps-dir=y"},
			want: []string{},
		},
		{
			name: "url values rejected",
			args: []string{"--proxy-pac-url=http://evil/pac", "--homepage=https://evil"},
			want: []string{},
		},
		{
			name: "case insensitive deny",
			args: []string{"--NO-SANDBOX"},
			want: []string{},
		},
		{
			name: "empty input",
			args: nil,
			want: nil,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := FilterChromeArgs(tc.args, deny)
			if len(got) == 0 && len(tc.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("FilterChromeArgs(%v) = %v, want %v", tc.args, got, tc.want)
			}
		})
	}
}

func TestSanitizeProxyServer(t *testing.T) {
	if _, ok := SanitizeProxyServer(""); ok {
		t.Error("Expected empty server to be rejected")
	}

	if _, ok := SanitizeProxyServer(strings.Repeat("a", maxProxyServerLen+1)); ok {
		t.Error("Expected oversized server to be rejected")
	}

	got, ok := SanitizeProxyServer(`http://proxy:8080";&'`)
	if !ok {
		t.Fatal("Expected server to be accepted after stripping")
	}
	if got != "http://proxy:8080" {
		t.Errorf("Expected unsafe characters stripped, got %q", got)
	}

	got, ok = SanitizeProxyServer("socks5://10.0.0.1:1080")
	if !ok || got != "socks5://10.0.0.1:1080" {
		t.Errorf("Expected clean server unchanged, got %q, %v", got, ok)
	}
}

func TestSanitizeProxyBypassList(t *testing.T) {
	got, ok := SanitizeProxyBypassList("")
	if !ok || got != DefaultProxyBypassList {
		t.Errorf("Expected default bypass list, got %q, %v", got, ok)
	}

	if _, ok := SanitizeProxyBypassList(strings.Repeat("x", maxBypassListLen)); ok {
		t.Error("Expected oversized bypass list to be rejected")
	}

	got, ok = SanitizeProxyBypassList("*.internal;localhost")
	if !ok || got != "*.internal;localhost" {
		t.Errorf("Expected custom bypass list unchanged, got %q, %v", got, ok)
	}
}

func TestValidateUserDataDir(t *testing.T) {
	base := t.TempDir()

	// t.TempDir() lives under os.TempDir(), so this is in an allowed root
	dir := filepath.Join(base, "profile_p9222")
	got, err := ValidateUserDataDir(dir, "")
	if err != nil {
		t.Fatalf("ValidateUserDataDir(%q) failed: %v", dir, err)
	}
	if filepath.Base(got) != "profile_p9222" {
		t.Errorf("Unexpected canonical path %q", got)
	}

	// Nonexistent leaf under an allowed root is fine
	if _, err := ValidateUserDataDir(filepath.Join(base, "not_yet_created"), ""); err != nil {
		t.Errorf("Expected nonexistent leaf to validate: %v", err)
	}
}

func TestValidateUserDataDirRejections(t *testing.T) {
	cases := []struct {
		name string
		path string
	}{
		{"outside allowed roots", "/etc/chrome"},
		{"home directory itself", mustHome(t)},
		{"bad final component", filepath.Join(t.TempDir(), "has space")},
		{"dotted component", filepath.Join(t.TempDir(), "a.b")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ValidateUserDataDir(tc.path, "")
			if !errors.Is(err, types.ErrInvalidUserDataDir) {
				t.Errorf("ValidateUserDataDir(%q) = %v, want ErrInvalidUserDataDir", tc.path, err)
			}
		})
	}
}

func TestValidateUserDataDirExtraBase(t *testing.T) {
	// The base need not exist; delegated launchers create profiles lazily
	extra := "/opt/chrome-launcher"

	dir := filepath.Join(extra, "p9222")
	if _, err := ValidateUserDataDir(dir, extra); err != nil {
		t.Errorf("Expected path under extra base to validate: %v", err)
	}

	// A sibling of the base must still fail
	escape := filepath.Join(extra, "..", "elsewhere", "p9222")
	if _, err := ValidateUserDataDir(escape, extra); !errors.Is(err, types.ErrInvalidUserDataDir) {
		t.Errorf("Expected traversal to be rejected, got %v", err)
	}
}

func mustHome(t *testing.T) string {
	t.Helper()
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("No home directory available")
	}
	return home
}
