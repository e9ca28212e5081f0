// Package manager is the orchestrator: it admits launch requests, drives the
// reserve -> launch -> probe -> record -> activate pipeline with full reverse
// rollback, terminates sessions for every reason the cleanup loop or the
// queue can produce, and owns graceful shutdown.
package manager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Rorqualx/browserlauncher-go/internal/callback"
	"github.com/Rorqualx/browserlauncher-go/internal/config"
	"github.com/Rorqualx/browserlauncher-go/internal/devtools"
	"github.com/Rorqualx/browserlauncher-go/internal/flags"
	"github.com/Rorqualx/browserlauncher-go/internal/hostip"
	"github.com/Rorqualx/browserlauncher-go/internal/metrics"
	"github.com/Rorqualx/browserlauncher-go/internal/ports"
	"github.com/Rorqualx/browserlauncher-go/internal/proc"
	"github.com/Rorqualx/browserlauncher-go/internal/security"
	"github.com/Rorqualx/browserlauncher-go/internal/store"
	"github.com/Rorqualx/browserlauncher-go/internal/types"
)

const (
	// devtoolsDeadlineCap bounds readiness waiting regardless of config.
	devtoolsDeadlineCap = 90 * time.Second

	// shutdownKillParallelism caps concurrent terminations at shutdown.
	shutdownKillParallelism = 3
)

// Manager owns the port registry, the session store, and the process
// handles. It is safe for concurrent use.
type Manager struct {
	cfg      *config.Config
	host     hostip.Info
	registry *ports.Registry
	sessions *store.Store
	probe    *devtools.Probe
	launcher *proc.Launcher
	remote   *proc.DelegatedLauncher // nil unless delegated mode
	scripts  *proc.ScriptRunner
	emitter  *callback.Emitter

	mu      sync.Mutex
	handles map[string]*proc.Handle // worker_id -> process

	// spawn and waitReady are swappable for tests.
	spawn     func(ctx context.Context, spec proc.LaunchSpec) (*proc.Handle, error)
	waitReady func(ctx context.Context, port int) error
	activity  func(ctx context.Context, port int) devtools.Activity

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New wires a manager from config. The flag policy manager is shared with
// whoever owns hot-reload.
func New(cfg *config.Config, host hostip.Info, policy *flags.Manager) *Manager {
	m := &Manager{
		cfg:      cfg,
		host:     host,
		registry: ports.NewRegistry(cfg.PortStart, cfg.PortEnd, cfg.UseCustomLauncher),
		sessions: store.New(cfg.MaxBrowserInstances),
		probe:    devtools.NewProbe(),
		launcher: proc.NewLauncher(cfg.BrowserPath, policy),
		scripts:  proc.NewScriptRunner(cfg.ScriptsDir),
		handles:  make(map[string]*proc.Handle),
		stopCh:   make(chan struct{}),
	}
	if cfg.UseCustomLauncher {
		m.remote = proc.NewDelegatedLauncher(cfg.LauncherCmd)
	}

	callbackURL := ""
	if cfg.CallbackEnabled {
		callbackURL = cfg.CallbackURL
	}
	m.emitter = callback.NewEmitter(callbackURL, cfg.CallbackTimeout)

	m.spawn = m.defaultSpawn
	m.waitReady = func(ctx context.Context, port int) error {
		_, err := m.probe.WaitReady(ctx, "127.0.0.1", port, m.devtoolsDeadline())
		return err
	}
	m.activity = func(ctx context.Context, port int) devtools.Activity {
		return m.probe.CheckActivity(ctx, port)
	}
	return m
}

// Store exposes the session store for status consumers.
func (m *Manager) Store() *store.Store { return m.sessions }

// AvailableSlots returns how many more sessions this host can admit.
func (m *Manager) AvailableSlots() int { return m.sessions.AvailableSlots() }

// HasFreePorts reports whether a debug port could be reserved right now.
func (m *Manager) HasFreePorts() bool { return m.registry.HasFree() }

// HandleRequest dispatches a decoded queue request.
func (m *Manager) HandleRequest(ctx context.Context, req *types.SessionRequest) *types.SessionResponse {
	req.ApplyDefaults(int(m.cfg.DefaultTTL.Minutes()))

	if req.Action == types.ActionDelete {
		return m.handleDelete(ctx, req)
	}
	return m.Launch(ctx, req)
}

// Launch runs the full pipeline for one request. It never returns nil; every
// outcome maps to a response status.
func (m *Manager) Launch(ctx context.Context, req *types.SessionRequest) *types.SessionResponse {
	workerID := uuid.NewString()
	start := time.Now()

	select {
	case <-m.stopCh:
		return m.finish(m.failed(req, workerID, types.ErrShuttingDown))
	default:
	}

	log.Info().
		Str("worker_id", workerID).
		Str("request_id", req.ID).
		Str("requester_id", req.RequesterID).
		Msg("Launch request accepted")

	// Admission: ports first, then slots. Both are re-checked atomically
	// later (Reserve, Insert); these gates just fail fast.
	if !m.registry.HasFree() {
		return m.finish(m.slotFull(req, workerID, "no free debug ports on this host"))
	}
	if !m.sessions.HasCapacity() {
		return m.finish(m.slotFull(req, workerID,
			fmt.Sprintf("all %d browser slots in use", m.sessions.Max())))
	}

	port, err := m.registry.Reserve(workerID)
	if err != nil {
		return m.finish(m.slotFull(req, workerID, "no reservable debug port"))
	}

	resp, err := m.runPipeline(ctx, req, workerID, port)
	if err != nil {
		metrics.RecordRequest(types.ActionLaunch, string(types.StatusFailed))
		return m.finish(m.failed(req, workerID, err))
	}

	metrics.SessionsLaunched.Inc()
	metrics.LaunchDuration.Observe(time.Since(start).Seconds())
	metrics.RecordRequest(types.ActionLaunch, string(types.StatusCompleted))
	m.publishGauges()

	log.Info().
		Str("worker_id", workerID).
		Int("port", port).
		Dur("took", time.Since(start)).
		Msg("Session launched")
	return m.finish(resp)
}

// runPipeline performs steps 4-9 after a successful reservation, rolling back
// in reverse on any failure.
func (m *Manager) runPipeline(ctx context.Context, req *types.SessionRequest, workerID string, port int) (*types.SessionResponse, error) {
	profileDir, synthesized, err := m.resolveProfileDir(req, port)
	if err != nil {
		m.registry.Rollback(port, workerID)
		return nil, types.NewLaunchError("profile", port, "user data dir rejected", err)
	}

	handle, err := m.spawn(ctx, proc.LaunchSpec{
		Port:        port,
		UserDataDir: profileDir,
		ProxyConfig: req.ProxyConfig,
		Extensions:  req.Extensions,
		ChromeArgs:  req.ChromeArgs,
	})
	if err != nil {
		m.rollback(ctx, workerID, port, nil, profileDir, synthesized, false)
		return nil, types.NewLaunchError("spawn", port, "chrome did not start", err)
	}

	if err := m.waitReady(ctx, port); err != nil {
		m.rollback(ctx, workerID, port, handle, profileDir, synthesized, false)
		return nil, types.NewLaunchError("devtools", port, "devtools never became reachable", err)
	}

	ttl := time.Duration(req.TTLMinutes) * time.Minute
	if ttl > m.cfg.HardTTL {
		log.Warn().
			Str("worker_id", workerID).
			Int("requested_ttl_minutes", req.TTLMinutes).
			Dur("hard_ttl", m.cfg.HardTTL).
			Msg("Requested TTL exceeds hard TTL, clamping")
		ttl = m.cfg.HardTTL
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	now := time.Now().UTC()
	sess := &types.Session{
		SessionID:         sessionID,
		WorkerID:          workerID,
		RequestID:         req.ID,
		MachineIP:         m.host.MachineIP,
		DebugPort:         port,
		ProcessID:         handle.PID(),
		ProcessCreateTime: handle.CreateTime(),
		UserDataDir:       profileDir,
		Status:            "active",
		CreatedAt:         now,
		ExpiresAt:         now.Add(ttl),
		WebSocketURL:      fmt.Sprintf("ws://%s:%d/devtools/browser", m.host.PublicIP, port),
		DebugURL:          fmt.Sprintf("http://%s:%d", m.host.PublicIP, port),
		LastActivityAt:    now,
	}

	if err := m.sessions.Insert(sess); err != nil {
		// Lost the admission race to a concurrent launch
		m.rollback(ctx, workerID, port, handle, profileDir, synthesized, false)
		return nil, types.NewLaunchError("register", port, "no session slot left", err)
	}

	if err := m.registry.Activate(port, workerID); err != nil {
		m.sessions.Remove(workerID)
		m.rollback(ctx, workerID, port, handle, profileDir, synthesized, true)
		return nil, types.NewLaunchError("register", port, "port activation refused", err)
	}

	m.mu.Lock()
	m.handles[workerID] = handle
	m.mu.Unlock()

	resp := &types.SessionResponse{
		Status:       types.StatusCompleted,
		WorkerID:     workerID,
		MachineIP:    m.host.PublicIP,
		DebugPort:    port,
		SessionID:    sessionID,
		RequesterID:  req.RequesterID,
		WebSocketURL: sess.WebSocketURL,
		DebugURL:     sess.DebugURL,
		ProxyConfig:  req.ProxyConfig,
		TTLMinutes:   int(ttl.Minutes()),
		ExpiresAt:    &sess.ExpiresAt,
		CreatedAt:    now,
	}
	return resp, nil
}

// defaultSpawn dispatches to the delegated or the in-process launcher.
func (m *Manager) defaultSpawn(ctx context.Context, spec proc.LaunchSpec) (*proc.Handle, error) {
	if m.remote != nil {
		return m.remote.Launch(ctx, spec.Port, m.host.MachineIP)
	}
	return m.launcher.Launch(spec)
}

// resolveProfileDir synthesizes or validates the session's user data dir.
// Synthesized paths encode the port so delegated helper scripts can find
// them later.
func (m *Manager) resolveProfileDir(req *types.SessionRequest, port int) (dir string, synthesized bool, err error) {
	if req.UserDataDir == "" {
		if m.cfg.UseCustomLauncher {
			// The launcher script creates the directory in its own session
			return filepath.Join(m.cfg.LauncherBaseDir(), fmt.Sprintf("p%d", port)), true, nil
		}
		dir = filepath.Join(os.TempDir(), fmt.Sprintf("chrome_profile_p%d", port))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", false, fmt.Errorf("%w: %v", types.ErrInvalidUserDataDir, err)
		}
		return dir, true, nil
	}

	extraBase := ""
	if m.cfg.UseCustomLauncher {
		extraBase = m.cfg.LauncherBaseDir()
	}
	dir, err = security.ValidateUserDataDir(req.UserDataDir, extraBase)
	return dir, false, err
}

// rollback undoes a partially-completed launch in reverse order.
func (m *Manager) rollback(ctx context.Context, workerID string, port int, handle *proc.Handle, profileDir string, synthesized, activated bool) {
	log.Warn().
		Str("worker_id", workerID).
		Int("port", port).
		Msg("Rolling back failed launch")

	if handle != nil && handle.Running() {
		if !handle.Terminate(ctx) {
			proc.AggressiveKill(ctx, handle.PID(), handle.CreateTime(), port)
		}
	}

	if activated {
		m.registry.Release(port)
	} else {
		m.registry.Rollback(port, workerID)
	}
	m.scripts.CleanupPort(port)

	if synthesized {
		m.removeSynthesizedProfile(profileDir)
	}
}

// removeSynthesizedProfile deletes a profile directory we created ourselves.
// The name check keeps a misrouted call from deleting caller data.
func (m *Manager) removeSynthesizedProfile(dir string) {
	if dir == "" {
		return
	}
	base := m.cfg.LauncherBaseDir()
	if !strings.Contains(dir, "chrome_profile_") &&
		!(base != "" && strings.HasPrefix(dir, base+string(os.PathSeparator))) {
		return
	}
	if m.cfg.UseCustomLauncher {
		m.scripts.CleanupProfile(dir)
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		log.Debug().Err(err).Str("dir", dir).Msg("Profile cleanup failed")
	}
}

// handleDelete terminates the session named by session_id.
func (m *Manager) handleDelete(ctx context.Context, req *types.SessionRequest) *types.SessionResponse {
	if req.SessionID == "" {
		metrics.RecordRequest(types.ActionDelete, string(types.StatusFailed))
		return &types.SessionResponse{
			Status:       types.StatusFailed,
			RequesterID:  req.RequesterID,
			ErrorMessage: "delete request missing session_id",
			CreatedAt:    time.Now().UTC(),
		}
	}

	err := m.DeleteBySessionID(ctx, req.SessionID)
	if err != nil {
		metrics.RecordRequest(types.ActionDelete, string(types.StatusFailed))
		return &types.SessionResponse{
			Status:       types.StatusFailed,
			SessionID:    req.SessionID,
			RequesterID:  req.RequesterID,
			ErrorMessage: err.Error(),
			CreatedAt:    time.Now().UTC(),
		}
	}

	metrics.RecordRequest(types.ActionDelete, string(types.StatusCompleted))
	return &types.SessionResponse{
		Status:      types.StatusCompleted,
		SessionID:   req.SessionID,
		RequesterID: req.RequesterID,
		CreatedAt:   time.Now().UTC(),
	}
}

// DeleteBySessionID terminates the live session with the given caller-visible
// ID. Returns ErrSessionNotFound when this host does not own it.
func (m *Manager) DeleteBySessionID(ctx context.Context, sessionID string) error {
	sess, ok := m.sessions.FindBySessionID(sessionID)
	if !ok {
		return types.ErrSessionNotFound
	}
	return m.Terminate(ctx, sess.WorkerID, types.ReasonDeleteAction)
}

// Terminate tears a session down: kill the process tree, record the
// termination, and release the port no matter what.
func (m *Manager) Terminate(ctx context.Context, workerID, reason string) error {
	sess, ok := m.sessions.Remove(workerID)
	if !ok {
		// A reservation without a session record means a launch died between
		// reserve and insert; free the port so the slot comes back.
		if port, held := m.registry.PortFor(workerID); held {
			log.Warn().
				Str("worker_id", workerID).
				Int("port", port).
				Msg("Releasing orphaned port for unknown session")
			m.registry.Release(port)
			m.publishGauges()
		}
		return types.ErrSessionNotFound
	}

	m.mu.Lock()
	handle := m.handles[workerID]
	delete(m.handles, workerID)
	m.mu.Unlock()

	log.Info().
		Str("worker_id", workerID).
		Int("port", sess.DebugPort).
		Int("pid", sess.ProcessID).
		Str("reason", reason).
		Msg("Terminating session")

	// Delegated mode: hand the whole teardown (kill + port-proxy + profile)
	// to the helper script and only update our own tracking.
	if m.cfg.UseCustomLauncher &&
		m.scripts.CleanupExpiredSession(sess.ProcessID, sess.DebugPort, m.scriptProfileDir(sess)) {
		m.recordTermination(sess, reason, nil)
		m.registry.Release(sess.DebugPort)
		m.publishGauges()
		return nil
	}

	var exitCode *int
	killed := false
	switch {
	case handle != nil:
		if !handle.Running() {
			killed = true
			if code, ok := handle.ExitCode(); ok {
				exitCode = &code
			}
		} else {
			killed = handle.Terminate(ctx)
		}
	case sess.ProcessID > 0:
		killed = proc.AggressiveKill(ctx, sess.ProcessID, sess.ProcessCreateTime, sess.DebugPort)
	default:
		killed = true
	}

	if !killed && handle != nil {
		killed = proc.AggressiveKill(ctx, sess.ProcessID, sess.ProcessCreateTime, sess.DebugPort)
	}
	if !killed {
		log.Warn().
			Str("worker_id", workerID).
			Int("pid", sess.ProcessID).
			Int("port", sess.DebugPort).
			Msg("Process may still be alive; port released anyway and may be transiently unusable")
	}

	m.recordTermination(sess, reason, exitCode)
	m.registry.Release(sess.DebugPort)
	m.scripts.CleanupPort(sess.DebugPort)

	if !m.cfg.ProfileReuseEnabled {
		m.removeSynthesizedProfile(sess.UserDataDir)
	}

	m.publishGauges()
	if !killed {
		return &types.TerminateError{
			WorkerID: workerID,
			PID:      sess.ProcessID,
			Message:  "process survived kill",
		}
	}
	return nil
}

// scriptProfileDir returns the profile path handed to the expired-session
// helper, empty when profiles are being reused.
func (m *Manager) scriptProfileDir(sess *types.Session) string {
	if m.cfg.ProfileReuseEnabled {
		return ""
	}
	return sess.UserDataDir
}

func (m *Manager) recordTermination(sess *types.Session, reason string, exitCode *int) {
	now := time.Now().UTC()
	m.sessions.RecordTerminated(types.TerminatedSession{
		WorkerID:          sess.WorkerID,
		RequestID:         sess.RequestID,
		MachineIP:         sess.MachineIP,
		DebugPort:         sess.DebugPort,
		ProcessID:         sess.ProcessID,
		TerminationTime:   now,
		TerminationReason: reason,
		ExitCode:          exitCode,
		DurationSeconds:   now.Sub(sess.CreatedAt).Seconds(),
	})
	metrics.RecordTermination(reason)
}

// SessionView is the status snapshot returned by SessionStatus.
type SessionView struct {
	Status     string                   `json:"status"` // active | terminated | not_found
	Session    *types.Session           `json:"session,omitempty"`
	Terminated *types.TerminatedSession `json:"terminated,omitempty"`
}

// SessionStatus reports what this host knows about a worker.
func (m *Manager) SessionStatus(workerID string) SessionView {
	if sess, ok := m.sessions.Get(workerID); ok {
		return SessionView{Status: "active", Session: sess}
	}
	if rec, ok := m.sessions.TerminatedFor(workerID); ok {
		return SessionView{Status: "terminated", Terminated: &rec}
	}
	return SessionView{Status: "not_found"}
}

// Shutdown stops the background loops and terminates every live session with
// bounded parallelism.
func (m *Manager) Shutdown(ctx context.Context) {
	close(m.stopCh)
	m.wg.Wait()

	live := m.sessions.List()
	if len(live) > 0 {
		log.Info().Int("sessions", len(live)).Msg("Terminating live sessions for shutdown")
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(shutdownKillParallelism)
		for _, sess := range live {
			sess := sess
			g.Go(func() error {
				if err := m.Terminate(gctx, sess.WorkerID, types.ReasonShutdown); err != nil {
					log.Warn().Err(err).Str("worker_id", sess.WorkerID).Msg("Shutdown termination failed")
				}
				return nil
			})
		}
		g.Wait()
	}

	m.emitter.Close()
	log.Info().Msg("Session manager stopped")
}

// Notify emits the callback for a response, if callbacks are enabled.
func (m *Manager) Notify(resp *types.SessionResponse) {
	m.emitter.Notify(resp)
}

func (m *Manager) finish(resp *types.SessionResponse) *types.SessionResponse {
	m.emitter.Notify(resp)
	return resp
}

func (m *Manager) slotFull(req *types.SessionRequest, workerID, msg string) *types.SessionResponse {
	log.Warn().
		Str("worker_id", workerID).
		Str("request_id", req.ID).
		Msg("Launch refused: " + msg)
	metrics.RecordRequest(types.ActionLaunch, string(types.StatusSlotFull))
	return &types.SessionResponse{
		Status:       types.StatusSlotFull,
		WorkerID:     workerID,
		MachineIP:    m.host.PublicIP,
		SessionID:    req.SessionID,
		RequesterID:  req.RequesterID,
		ErrorMessage: msg,
		CreatedAt:    time.Now().UTC(),
	}
}

func (m *Manager) failed(req *types.SessionRequest, workerID string, err error) *types.SessionResponse {
	log.Error().
		Err(err).
		Str("worker_id", workerID).
		Str("request_id", req.ID).
		Msg("Launch failed")
	return &types.SessionResponse{
		Status:       types.StatusFailed,
		WorkerID:     workerID,
		MachineIP:    m.host.PublicIP,
		SessionID:    req.SessionID,
		RequesterID:  req.RequesterID,
		ErrorMessage: err.Error(),
		CreatedAt:    time.Now().UTC(),
	}
}

func (m *Manager) devtoolsDeadline() time.Duration {
	return min(devtoolsDeadlineCap, m.cfg.BrowserTimeout)
}

func (m *Manager) publishGauges() {
	free, reserved, active := m.registry.Counts()
	metrics.UpdatePortMetrics(free, reserved, active)
	metrics.UpdateSessionMetrics(m.sessions.Len())
}
