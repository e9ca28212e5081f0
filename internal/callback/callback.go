// Package callback notifies an external API about session lifecycle events.
// Deliveries are fire-and-forget: a dead callback endpoint must never stall
// the launch pipeline or the cleanup loop.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/browserlauncher-go/internal/metrics"
	"github.com/Rorqualx/browserlauncher-go/internal/security"
	"github.com/Rorqualx/browserlauncher-go/internal/types"
)

// Emitter posts session responses to the configured callback URL.
type Emitter struct {
	url    string
	client *http.Client
	wg     sync.WaitGroup
}

// NewEmitter creates an emitter. An empty URL yields a disabled emitter whose
// Notify is a no-op.
func NewEmitter(url string, timeout time.Duration) *Emitter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Emitter{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Enabled reports whether deliveries will actually be sent.
func (e *Emitter) Enabled() bool {
	return e.url != ""
}

// Notify delivers a session response in the background.
func (e *Emitter) Notify(resp *types.SessionResponse) {
	if !e.Enabled() || resp == nil {
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.send(resp); err != nil {
			metrics.CallbackDeliveries.WithLabelValues("failed").Inc()
			log.Warn().
				Err(err).
				Str("url", security.RedactURL(e.url)).
				Str("worker_id", resp.WorkerID).
				Str("status", string(resp.Status)).
				Msg("Callback delivery failed")
			return
		}
		metrics.CallbackDeliveries.WithLabelValues("delivered").Inc()
		log.Debug().
			Str("worker_id", resp.WorkerID).
			Str("status", string(resp.Status)).
			Msg("Callback delivered")
	}()
}

// Close waits for in-flight deliveries to drain.
func (e *Emitter) Close() {
	e.wg.Wait()
}

func (e *Emitter) send(resp *types.SessionResponse) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to encode callback payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("callback request failed: %w", err)
	}
	defer httpResp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(httpResp.Body, 4096))

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return fmt.Errorf("callback endpoint returned status %d", httpResp.StatusCode)
	}
	return nil
}
