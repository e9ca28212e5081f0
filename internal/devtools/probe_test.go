package devtools

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/Rorqualx/browserlauncher-go/internal/types"
)

// serverPort extracts the port a httptest server is listening on.
func serverPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("Failed to parse server address: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return port
}

// freePort returns a port nothing is listening on.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to grab a port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestWaitReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/json/version" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"Browser":"Chrome/132.0.0.0","webSocketDebuggerUrl":"ws://127.0.0.1:9222/devtools/browser/abc"}`))
	}))
	defer srv.Close()

	p := NewProbe()
	info, err := p.WaitReady(context.Background(), "127.0.0.1", serverPort(t, srv), 5*time.Second)
	if err != nil {
		t.Fatalf("WaitReady failed: %v", err)
	}
	if info.Browser != "Chrome/132.0.0.0" {
		t.Errorf("Unexpected browser %q", info.Browser)
	}
	if info.WebSocketDebuggerURL == "" {
		t.Error("Expected websocket debugger URL")
	}
}

func TestWaitReadyTimeout(t *testing.T) {
	p := NewProbe()
	start := time.Now()
	_, err := p.WaitReady(context.Background(), "127.0.0.1", freePort(t), 500*time.Millisecond)
	if !errors.Is(err, types.ErrDevToolsTimeout) {
		t.Fatalf("Expected ErrDevToolsTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("WaitReady overshot deadline badly: %v", elapsed)
	}
}

func TestWaitReadyContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewProbe()
	_, err := p.WaitReady(ctx, "127.0.0.1", freePort(t), 10*time.Second)
	if err == nil {
		t.Fatal("Expected error from canceled context")
	}
}

func TestCheckActivity(t *testing.T) {
	cases := []struct {
		name string
		body string
		want Activity
	}{
		{
			name: "no targets",
			body: `[]`,
			want: Activity{},
		},
		{
			name: "blank tab only",
			body: `[{"type":"page","url":"about:blank","webSocketDebuggerUrl":"ws://x"}]`,
			want: Activity{HasPages: true, HasRealContent: false, HasWebSocket: true},
		},
		{
			name: "new tab page",
			body: `[{"type":"page","url":"chrome://new-tab-page/"}]`,
			want: Activity{HasPages: true},
		},
		{
			name: "real navigation",
			body: `[{"type":"page","url":"https://example.com","webSocketDebuggerUrl":"ws://x"}]`,
			want: Activity{HasPages: true, HasRealContent: true, HasWebSocket: true},
		},
		{
			name: "non-page targets ignored",
			body: `[{"type":"service_worker","url":"https://example.com"}]`,
			want: Activity{},
		},
		{
			name: "invalid json",
			body: `{not json`,
			want: Activity{},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			got := NewProbe().CheckActivity(context.Background(), serverPort(t, srv))
			if got != tc.want {
				t.Errorf("Activity = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestCheckActivityNoListener(t *testing.T) {
	got := NewProbe().CheckActivity(context.Background(), freePort(t))
	if got != (Activity{}) {
		t.Errorf("Expected zero activity for closed port, got %+v", got)
	}
}
