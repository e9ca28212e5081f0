// Package devtools probes Chrome's remote debugging HTTP endpoints:
// /json/version for launch readiness and /json/list for session activity.
package devtools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/browserlauncher-go/internal/types"
)

const (
	// requestTimeout bounds each individual HTTP request to Chrome.
	requestTimeout = 1500 * time.Millisecond

	// tcpProbeTimeout bounds the cheap pre-probe before an activity check.
	tcpProbeTimeout = 100 * time.Millisecond

	// Readiness polling: a burst of quick attempts right after spawn, then
	// exponential backoff.
	burstAttempts = 3
	burstInterval = 100 * time.Millisecond
	initialDelay  = 250 * time.Millisecond
	backoffFactor = 1.7
	maxDelay      = 2 * time.Second

	// maxResponseSize caps /json/list reads; a wedged Chrome can stream
	// garbage.
	maxResponseSize = 4 * 1024 * 1024
)

// VersionInfo is the subset of /json/version we care about.
type VersionInfo struct {
	Browser              string `json:"Browser"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Activity summarizes what /json/list reveals about a running browser.
type Activity struct {
	HasPages       bool // any page targets open
	HasRealContent bool // any page beyond a blank tab
	HasWebSocket   bool // any page exposes a debugger websocket
}

// target is one entry of /json/list.
type target struct {
	Type                 string `json:"type"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// blankPageURLs are page URLs that do not count as real content.
var blankPageURLs = map[string]bool{
	"about:blank":            true,
	"chrome://newtab/":       true,
	"chrome://new-tab-page/": true,
	"":                       true,
	"data:":                  true,
}

// Probe talks to Chrome debug endpoints over a shared HTTP client.
type Probe struct {
	client *http.Client
}

// NewProbe returns a probe with a shared client. Connections to the local
// debug ports are cheap; keep-alives avoid per-check dial overhead.
func NewProbe() *Probe {
	return &Probe{
		client: &http.Client{
			Timeout: requestTimeout,
		},
	}
}

// WaitReady polls /json/version until Chrome answers or the deadline
// elapses. The first attempts come fast since Chrome usually binds the port
// within a few hundred milliseconds; after that the interval backs off.
func (p *Probe) WaitReady(ctx context.Context, host string, port int, deadline time.Duration) (*VersionInfo, error) {
	url := fmt.Sprintf("http://%s:%d/json/version", host, port)
	delay := initialDelay
	start := time.Now()
	attempt := 0

	log.Info().
		Str("host", host).
		Int("port", port).
		Dur("deadline", deadline).
		Msg("Waiting for Chrome DevTools")

	for time.Since(start) < deadline {
		attempt++

		info, err := p.fetchVersion(ctx, url)
		if err == nil {
			log.Info().
				Int("port", port).
				Int("attempts", attempt).
				Dur("elapsed", time.Since(start)).
				Str("browser", info.Browser).
				Msg("DevTools ready")
			return info, nil
		}

		sleep := burstInterval
		if attempt > burstAttempts {
			sleep = delay
			delay = min(time.Duration(float64(delay)*backoffFactor), maxDelay)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}

		if attempt%10 == 0 {
			log.Debug().
				Int("port", port).
				Dur("elapsed", time.Since(start)).
				Dur("deadline", deadline).
				Msg("Still waiting for DevTools")
		}
	}

	log.Error().
		Str("host", host).
		Int("port", port).
		Int("attempts", attempt).
		Dur("elapsed", time.Since(start)).
		Msg("DevTools not ready before deadline")
	return nil, types.ErrDevToolsTimeout
}

// fetchVersion does one /json/version request.
func (p *Probe) fetchVersion(ctx context.Context, url string) (*VersionInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("devtools returned status %d", resp.StatusCode)
	}

	var info VersionInfo
	// A malformed body still counts as ready: the endpoint answered 200.
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&info); err != nil {
		log.Debug().Err(err).Msg("DevTools version response did not parse")
	}
	return &info, nil
}

// CheckActivity inspects /json/list on the given port. Any failure along the
// way reports the browser as inactive; the caller decides what that means.
// A TCP pre-probe avoids the HTTP stack when nothing is listening.
func (p *Probe) CheckActivity(ctx context.Context, port int) Activity {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	conn, err := net.DialTimeout("tcp", addr, tcpProbeTimeout)
	if err != nil {
		return Activity{}
	}
	conn.Close()

	url := fmt.Sprintf("http://127.0.0.1:%d/json/list", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Activity{}
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return Activity{}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Debug().Int("port", port).Int("status", resp.StatusCode).Msg("Chrome debug API returned non-200")
		return Activity{}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil || len(body) == 0 {
		log.Debug().Int("port", port).Msg("Chrome debug API returned empty response")
		return Activity{}
	}

	var targets []target
	if err := json.Unmarshal(body, &targets); err != nil {
		log.Debug().Int("port", port).Msg("Chrome debug API returned invalid JSON")
		return Activity{}
	}

	var act Activity
	pageCount := 0
	for _, t := range targets {
		if t.Type != "page" {
			continue
		}
		pageCount++
		if !blankPageURLs[t.URL] {
			act.HasRealContent = true
		}
		if t.WebSocketDebuggerURL != "" {
			act.HasWebSocket = true
		}
	}
	act.HasPages = pageCount > 0

	if act.HasPages {
		log.Debug().
			Int("port", port).
			Int("pages", pageCount).
			Bool("real_content", act.HasRealContent).
			Bool("websocket", act.HasWebSocket).
			Msg("Chrome activity check")
	} else {
		log.Debug().Int("port", port).Msg("Chrome has no pages - browser disconnected")
	}
	return act
}
