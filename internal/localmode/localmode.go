// Package localmode runs the launcher without SQS: requests arrive as JSON
// files dropped into a watched directory. Meant for smoke-testing a host
// before pointing real queues at it.
package localmode

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/browserlauncher-go/internal/manager"
	"github.com/Rorqualx/browserlauncher-go/internal/store"
	"github.com/Rorqualx/browserlauncher-go/internal/types"
)

const (
	requestFile        = "test_request.json"
	statusRequestFile  = "test_status_request.json"
	responseFile       = "test_response.json"
	statusResponseFile = "test_status_response.json"

	// terminatedInStatus is how many recent terminations a status response
	// carries.
	terminatedInStatus = 10
)

// SessionManager is what the runner needs from the session manager.
type SessionManager interface {
	HandleRequest(ctx context.Context, req *types.SessionRequest) *types.SessionResponse
	SessionStatus(workerID string) manager.SessionView
	Store() *store.Store
}

// Runner polls the test directory for request files.
type Runner struct {
	dir      string
	interval time.Duration
	mgr      SessionManager

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a runner over the given directory.
func New(dir string, interval time.Duration, mgr SessionManager) *Runner {
	return &Runner{
		dir:      dir,
		interval: interval,
		mgr:      mgr,
		stopCh:   make(chan struct{}),
	}
}

// Run polls until Stop.
func (r *Runner) Run(ctx context.Context) error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return err
	}
	log.Info().
		Str("dir", r.dir).
		Dur("interval", r.interval).
		Msg("Local test mode: drop test_request.json or test_status_request.json into the directory")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			r.wg.Wait()
			return nil
		case <-ctx.Done():
			r.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			r.checkOnce(ctx)
		}
	}
}

// Stop makes Run return after in-flight requests finish.
func (r *Runner) Stop() {
	close(r.stopCh)
}

// checkOnce handles at most one request file and one status file per tick.
func (r *Runner) checkOnce(ctx context.Context) {
	if body, ok := r.takeFile(requestFile); ok {
		r.handleRequest(ctx, body)
	}
	if body, ok := r.takeFile(statusRequestFile); ok {
		r.handleStatusRequest(body)
	}
}

// takeFile reads and removes a request file so it is handled exactly once.
func (r *Runner) takeFile(name string) ([]byte, bool) {
	path := filepath.Join(r.dir, name)
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	if err := os.Remove(path); err != nil {
		log.Warn().Err(err).Str("file", path).Msg("Could not remove request file")
	}
	log.Info().Str("file", name).Msg("Local test request picked up")
	return body, true
}

func (r *Runner) handleRequest(ctx context.Context, body []byte) {
	var req types.SessionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		log.Error().Err(err).Msg("Local test request is not valid JSON")
		return
	}

	resp := r.mgr.HandleRequest(ctx, &req)
	r.writeResponse(responseFile, resp)

	log.Info().
		Str("status", string(resp.Status)).
		Str("worker_id", resp.WorkerID).
		Int("port", resp.DebugPort).
		Str("error", resp.ErrorMessage).
		Msg("Local test request handled")
}

// statusResponse is the payload written for a status query.
type statusResponse struct {
	ActiveSessions int                       `json:"active_sessions"`
	MaxSessions    int                       `json:"max_sessions"`
	Sessions       []*types.Session          `json:"sessions"`
	Terminated     []types.TerminatedSession `json:"recently_terminated"`
}

func (r *Runner) handleStatusRequest(body []byte) {
	var query struct {
		WorkerID string `json:"worker_id"`
	}
	// An empty or malformed body means "overall status"
	json.Unmarshal(body, &query)

	if query.WorkerID != "" {
		r.writeResponse(statusResponseFile, r.mgr.SessionStatus(query.WorkerID))
		return
	}

	s := r.mgr.Store()
	terminated := s.Terminated()
	if len(terminated) > terminatedInStatus {
		terminated = terminated[len(terminated)-terminatedInStatus:]
	}
	r.writeResponse(statusResponseFile, statusResponse{
		ActiveSessions: s.Len(),
		MaxSessions:    s.Max(),
		Sessions:       s.List(),
		Terminated:     terminated,
	})
}

func (r *Runner) writeResponse(name string, payload any) {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		log.Error().Err(err).Msg("Could not encode local test response")
		return
	}
	path := filepath.Join(r.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.Error().Err(err).Str("file", path).Msg("Could not write local test response")
		return
	}
	log.Info().Str("file", name).Msg("Local test response written")
}
