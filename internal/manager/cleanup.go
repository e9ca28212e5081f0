package manager

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/browserlauncher-go/internal/types"
)

const (
	// cleanupInterval is the sweep cadence; a failed sweep backs off a bit.
	cleanupInterval      = 20 * time.Second
	cleanupErrorInterval = 30 * time.Second

	// perSessionBudget bounds the work spent on one session per sweep,
	// sweepBudget bounds the whole sweep.
	perSessionBudget = 10 * time.Second
	sweepBudget      = 120 * time.Second

	// neverUsedGrace is how long a session may sit on a blank tab before
	// the reaper takes it.
	neverUsedGrace = 90 * time.Second
)

// StartBackground launches the cleanup loop, the profile reaper, and the
// status log ticker. They run until Shutdown.
func (m *Manager) StartBackground() {
	m.wg.Add(1)
	go m.cleanupLoop()

	if m.cfg.ProfileCleanupInterval > 0 {
		m.wg.Add(1)
		go m.profileReaperLoop()
	}

	if m.cfg.StatusLogInterval > 0 {
		m.wg.Add(1)
		go m.statusLogLoop()
	}
}

// cleanupLoop sweeps live sessions on a fixed tick. A sweep still in flight
// makes the next tick a no-op rather than stacking sweeps.
func (m *Manager) cleanupLoop() {
	defer m.wg.Done()

	var running atomic.Bool
	interval := cleanupInterval

	for {
		select {
		case <-m.stopCh:
			return
		case <-time.After(interval):
		}

		if !running.CompareAndSwap(false, true) {
			log.Warn().Msg("Previous cleanup sweep still running, skipping tick")
			continue
		}
		if err := m.sweep(); err != nil {
			log.Error().Err(err).Msg("Cleanup sweep failed")
			interval = cleanupErrorInterval
		} else {
			interval = cleanupInterval
		}
		running.Store(false)
	}
}

// sweep examines every live session once.
func (m *Manager) sweep() error {
	sessions := m.sessions.List()
	if len(sessions) == 0 {
		m.publishGauges()
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), sweepBudget)
	defer cancel()

	log.Debug().Int("sessions", len(sessions)).Msg("Cleanup sweep started")
	for _, sess := range sessions {
		select {
		case <-ctx.Done():
			log.Warn().Msg("Cleanup sweep budget exhausted")
			return ctx.Err()
		case <-m.stopCh:
			return nil
		default:
		}
		m.sweepSession(ctx, sess)
	}
	m.publishGauges()
	return nil
}

// sweepSession applies the termination policy to one session: hard TTL, then
// TTL, then process death, then the never-used rule.
func (m *Manager) sweepSession(ctx context.Context, sess *types.Session) {
	sctx, cancel := context.WithTimeout(ctx, perSessionBudget)
	defer cancel()

	now := time.Now().UTC()

	if sess.Age(now) > m.cfg.HardTTL {
		m.terminateFromSweep(sctx, sess.WorkerID, types.ReasonHardTTLExceeded)
		return
	}
	if sess.Expired(now) {
		m.terminateFromSweep(sctx, sess.WorkerID, types.ReasonExpired)
		return
	}

	m.mu.Lock()
	handle := m.handles[sess.WorkerID]
	m.mu.Unlock()

	if handle != nil && !handle.Running() {
		reason := types.ReasonClosed
		if code, ok := handle.ExitCode(); ok && code != 0 {
			reason = types.ReasonCrashed
		}
		m.terminateFromSweep(sctx, sess.WorkerID, reason)
		return
	}

	act := m.activity(sctx, sess.DebugPort)
	if act.HasRealContent {
		m.sessions.MarkNavigated(sess.WorkerID, now)
		return
	}
	if act.HasPages {
		m.sessions.TouchActivity(sess.WorkerID, now)
	}
	if !sess.HasNavigatedAway && sess.Age(now) > neverUsedGrace {
		log.Info().
			Str("worker_id", sess.WorkerID).
			Dur("age", sess.Age(now)).
			Msg("Session never navigated away from blank page")
		m.terminateFromSweep(sctx, sess.WorkerID, types.ReasonNeverUsed)
	}
}

func (m *Manager) terminateFromSweep(ctx context.Context, workerID, reason string) {
	if err := m.Terminate(ctx, workerID, reason); err != nil {
		log.Warn().
			Err(err).
			Str("worker_id", workerID).
			Str("reason", reason).
			Msg("Cleanup termination incomplete")
	}
}

// profileReaperLoop periodically hands stale profile directories to the
// platform helper script.
func (m *Manager) profileReaperLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.ProfileCleanupInterval)
	defer ticker.Stop()

	maxAgeHours := int(m.cfg.ProfileMaxAge.Hours())
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.scripts.CleanupOldProfiles(m.cfg.LauncherBaseDir(), maxAgeHours)
		}
	}
}

// statusLogLoop emits the operator heartbeat line.
func (m *Manager) statusLogLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.StatusLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			log.Info().Msg(m.statusLine())
		}
	}
}

// statusLine renders "active/max | mode" with a saturation warning.
func (m *Manager) statusLine() string {
	active := m.sessions.Len()
	maxSlots := m.sessions.Max()
	mode := "direct"
	if m.cfg.UseCustomLauncher {
		mode = "delegated"
	}
	if active >= maxSlots {
		return fmt.Sprintf("[WARN] Sessions: %d/%d | mode: %s (NO SLOTS)", active, maxSlots, mode)
	}
	return fmt.Sprintf("[OK] Sessions: %d/%d | mode: %s", active, maxSlots, mode)
}
