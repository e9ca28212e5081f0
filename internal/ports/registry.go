// Package ports tracks the debug port range as a small state machine.
// Each port is FREE, RESERVED (held briefly by a launch in flight), or
// ACTIVE (owned by a running session). Reservations expire so a crashed
// launch cannot leak a port.
package ports

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/browserlauncher-go/internal/types"
)

// State of a single port.
type State int

const (
	Free State = iota
	Reserved
	Active
)

func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Reserved:
		return "reserved"
	case Active:
		return "active"
	default:
		return "unknown"
	}
}

const (
	// reservationTTL bounds how long a launch may hold a port before the
	// reservation is considered abandoned.
	reservationTTL = 90 * time.Second

	// probeTimeout bounds the OS-level freshness check per candidate port.
	probeTimeout = 100 * time.Millisecond
)

type portEntry struct {
	state      State
	workerID   string
	reservedAt time.Time
}

// Registry owns the configured debug port range.
type Registry struct {
	mu       sync.Mutex
	start    int
	end      int
	entries  map[int]*portEntry
	byWorker map[string]int

	// delegated switches the freshness probe from bind to connect: a
	// delegated launcher binds the port inside another session, so this
	// process can only observe it from outside.
	delegated bool

	// probe is swappable for tests.
	probe func(port int) bool
}

// NewRegistry creates a registry over [start, end] inclusive.
func NewRegistry(start, end int, delegated bool) *Registry {
	r := &Registry{
		start:     start,
		end:       end,
		entries:   make(map[int]*portEntry, end-start+1),
		byWorker:  make(map[string]int),
		delegated: delegated,
	}
	for p := start; p <= end; p++ {
		r.entries[p] = &portEntry{state: Free}
	}
	r.probe = r.osProbe
	return r
}

// Reserve atomically transitions a FREE port to RESERVED for the given
// worker. Candidates are visited in random order so concurrent launchers on
// one host spread across the range. Each candidate is probed against the OS
// before being handed out, since registry state can go stale when processes
// outside our supervision grab ports.
func (r *Registry) Reserve(workerID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	candidates := make([]int, 0, len(r.entries))
	for port, e := range r.entries {
		if r.isFreeLocked(e, now) {
			candidates = append(candidates, port)
		}
	}
	if len(candidates) == 0 {
		return 0, types.ErrNoFreePorts
	}

	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	for _, port := range candidates {
		if !r.probe(port) {
			log.Debug().Int("port", port).Msg("Port looked free in registry but failed OS probe")
			continue
		}
		e := r.entries[port]
		// Taking over an expired reservation: the previous owner's index
		// entry must go, or it would still resolve to this port.
		if e.workerID != "" && e.workerID != workerID {
			if mapped, ok := r.byWorker[e.workerID]; ok && mapped == port {
				delete(r.byWorker, e.workerID)
			}
		}
		e.state = Reserved
		e.workerID = workerID
		e.reservedAt = now
		r.byWorker[workerID] = port
		log.Debug().
			Int("port", port).
			Str("worker_id", workerID).
			Msg("Port reserved")
		return port, nil
	}
	return 0, types.ErrNoFreePorts
}

// Activate transitions a RESERVED port to ACTIVE. Only the reserving worker
// may activate, and an expired reservation is refused. Re-activating a port
// the worker already holds ACTIVE is a no-op.
func (r *Registry) Activate(port int, workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[port]
	if !ok {
		return fmt.Errorf("port %d outside registry range", port)
	}
	if e.state == Active {
		if e.workerID == workerID {
			return nil
		}
		return types.ErrPortAlreadyActive
	}
	if e.state != Reserved || e.workerID != workerID {
		return types.ErrPortNotReserved
	}
	if time.Since(e.reservedAt) > reservationTTL {
		r.releaseLocked(port, e)
		return types.ErrReservationExpired
	}
	e.state = Active
	log.Debug().
		Int("port", port).
		Str("worker_id", workerID).
		Msg("Port activated")
	return nil
}

// Rollback returns a RESERVED port to FREE after a failed launch. Only the
// reserving worker's rollback has any effect; anything else is a no-op.
func (r *Registry) Rollback(port int, workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[port]
	if !ok || e.state != Reserved || e.workerID != workerID {
		// The worker lost the port (reservation expired and was taken
		// over); drop its stale index entry so it cannot later resolve to
		// a port someone else owns.
		if ok && e.workerID != workerID {
			if mapped, has := r.byWorker[workerID]; has && mapped == port {
				delete(r.byWorker, workerID)
			}
		}
		return
	}
	r.releaseLocked(port, e)
	log.Debug().
		Int("port", port).
		Str("worker_id", workerID).
		Msg("Port reservation rolled back")
}

// Release unconditionally frees a port. Idempotent: releasing a FREE port or
// one outside the range is a no-op.
func (r *Registry) Release(port int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[port]
	if !ok || e.state == Free {
		return
	}
	r.releaseLocked(port, e)
	log.Debug().Int("port", port).Msg("Port released")
}

// releaseLocked must be called with r.mu held.
func (r *Registry) releaseLocked(port int, e *portEntry) {
	if e.workerID != "" {
		if mapped, ok := r.byWorker[e.workerID]; ok && mapped == port {
			delete(r.byWorker, e.workerID)
		}
	}
	e.state = Free
	e.workerID = ""
	e.reservedAt = time.Time{}
}

// PortFor returns the port currently associated with a worker.
func (r *Registry) PortFor(workerID string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	port, ok := r.byWorker[workerID]
	return port, ok
}

// HasFree reports whether at least one port could be reserved right now.
// Expired reservations count as free.
func (r *Registry) HasFree() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for _, e := range r.entries {
		if r.isFreeLocked(e, now) {
			return true
		}
	}
	return false
}

// Counts returns the number of ports in each state. Expired reservations are
// counted as free.
func (r *Registry) Counts() (free, reserved, active int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for _, e := range r.entries {
		switch {
		case r.isFreeLocked(e, now):
			free++
		case e.state == Reserved:
			reserved++
		case e.state == Active:
			active++
		}
	}
	return free, reserved, active
}

// State returns the registry state of a single port.
func (r *Registry) State(port int) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[port]
	if !ok {
		return Free, false
	}
	if r.isFreeLocked(e, time.Now()) {
		return Free, true
	}
	return e.state, true
}

// isFreeLocked must be called with r.mu held.
func (r *Registry) isFreeLocked(e *portEntry, now time.Time) bool {
	if e.state == Free {
		return true
	}
	if e.state == Reserved && now.Sub(e.reservedAt) > reservationTTL {
		return true
	}
	return false
}

// osProbe checks whether the OS agrees the port is usable. In delegated
// mode the port would be bound in another login session, so the only honest
// signal is a connect attempt: connection refused means free. Otherwise we
// bind it ourselves, with SO_REUSEADDR cleared so a port the OS still holds
// in TIME_WAIT is not masked.
func (r *Registry) osProbe(port int) bool {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	if r.delegated {
		conn, err := net.DialTimeout("tcp", addr, probeTimeout)
		if err != nil {
			return true
		}
		conn.Close()
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	lc := net.ListenConfig{Control: disableReuseAddr}
	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
