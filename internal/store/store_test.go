package store

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Rorqualx/browserlauncher-go/internal/types"
)

func testSession(workerID string, port int) *types.Session {
	now := time.Now().UTC()
	return &types.Session{
		SessionID:      "sess-" + workerID,
		WorkerID:       workerID,
		RequestID:      "req-" + workerID,
		MachineIP:      "10.0.0.1",
		DebugPort:      port,
		Status:         "active",
		CreatedAt:      now,
		ExpiresAt:      now.Add(30 * time.Minute),
		LastActivityAt: now,
	}
}

func TestInsertAndCapacity(t *testing.T) {
	s := New(2)

	if err := s.Insert(testSession("w1", 9222)); err != nil {
		t.Fatalf("Insert 1 failed: %v", err)
	}
	if err := s.Insert(testSession("w2", 9223)); err != nil {
		t.Fatalf("Insert 2 failed: %v", err)
	}
	if s.HasCapacity() {
		t.Error("Expected no capacity at max")
	}
	if s.AvailableSlots() != 0 {
		t.Errorf("Expected 0 slots, got %d", s.AvailableSlots())
	}
	if err := s.Insert(testSession("w3", 9224)); !errors.Is(err, types.ErrSlotFull) {
		t.Errorf("Expected ErrSlotFull, got %v", err)
	}
}

func TestRemove(t *testing.T) {
	s := New(2)
	s.Insert(testSession("w1", 9222))

	sess, ok := s.Remove("w1")
	if !ok || sess.DebugPort != 9222 {
		t.Fatalf("Remove returned %v, %v", sess, ok)
	}
	if _, ok := s.Remove("w1"); ok {
		t.Error("Expected second Remove to miss")
	}
	if s.Len() != 0 {
		t.Errorf("Expected empty store, got %d", s.Len())
	}
}

func TestFindBySessionID(t *testing.T) {
	s := New(2)
	s.Insert(testSession("w1", 9222))

	sess, ok := s.FindBySessionID("sess-w1")
	if !ok || sess.WorkerID != "w1" {
		t.Fatalf("FindBySessionID returned %v, %v", sess, ok)
	}
	if _, ok := s.FindBySessionID("sess-unknown"); ok {
		t.Error("Expected miss for unknown session ID")
	}
}

func TestMarkNavigated(t *testing.T) {
	s := New(1)
	s.Insert(testSession("w1", 9222))

	at := time.Now().UTC().Add(time.Minute)
	s.MarkNavigated("w1", at)

	sess, _ := s.Get("w1")
	if !sess.HasNavigatedAway {
		t.Error("Expected HasNavigatedAway set")
	}
	if !sess.LastActivityAt.Equal(at) {
		t.Errorf("Expected activity %v, got %v", at, sess.LastActivityAt)
	}

	// Unknown worker is a no-op
	s.MarkNavigated("missing", at)
}

func TestTerminatedRing(t *testing.T) {
	s := New(1)

	for i := 0; i < terminatedHistory+10; i++ {
		s.RecordTerminated(types.TerminatedSession{
			WorkerID:          fmt.Sprintf("w%d", i),
			DebugPort:         9222,
			TerminationReason: types.ReasonExpired,
			TerminationTime:   time.Now().UTC(),
		})
	}

	got := s.Terminated()
	if len(got) != terminatedHistory {
		t.Fatalf("Expected ring capped at %d, got %d", terminatedHistory, len(got))
	}
	if got[0].WorkerID != "w10" {
		t.Errorf("Expected oldest entry w10, got %s", got[0].WorkerID)
	}
	if got[len(got)-1].WorkerID != fmt.Sprintf("w%d", terminatedHistory+9) {
		t.Errorf("Unexpected newest entry %s", got[len(got)-1].WorkerID)
	}
}

func TestTerminatedFor(t *testing.T) {
	s := New(1)
	s.RecordTerminated(types.TerminatedSession{WorkerID: "w1", TerminationReason: types.ReasonCrashed})
	s.RecordTerminated(types.TerminatedSession{WorkerID: "w1", TerminationReason: types.ReasonKilled})

	rec, ok := s.TerminatedFor("w1")
	if !ok {
		t.Fatal("Expected record for w1")
	}
	if rec.TerminationReason != types.ReasonKilled {
		t.Errorf("Expected most recent reason killed, got %s", rec.TerminationReason)
	}

	if _, ok := s.TerminatedFor("missing"); ok {
		t.Error("Expected miss for unknown worker")
	}
}
