package polycall

import (
	"errors"
	"testing"
)

// S1 — Happy path.
func TestStateMachine_HappyPath(t *testing.T) {
	sm := NewStateMachine(nil, nil)

	if _, err := sm.AddState("A", nil, nil, false); err != nil {
		t.Fatal(err)
	}
	if _, err := sm.AddState("B", nil, nil, false); err != nil {
		t.Fatal(err)
	}
	if err := sm.AddTransition("go", 0, 1, nil, nil); err != nil {
		t.Fatal(err)
	}

	if got := sm.CurrentState(); got != 0 {
		t.Fatalf("unexpected initial state: %d", got)
	}

	if err := sm.ExecuteTransition("go"); err != nil {
		t.Fatal(err)
	}

	if got := sm.CurrentState(); got != 1 {
		t.Fatalf("unexpected state after transition: %d", got)
	}
	v, err := sm.StateVersion(1)
	if err != nil {
		t.Fatal(err)
	}
	if v != 2 {
		t.Fatalf("unexpected version for state 1: %d", v)
	}
}

// S2 — Integrity tamper.
func TestStateMachine_IntegrityTamper(t *testing.T) {
	sm := NewStateMachine(nil, nil)
	if _, err := sm.AddState("A", nil, nil, false); err != nil {
		t.Fatal(err)
	}
	if _, err := sm.AddState("B", nil, nil, false); err != nil {
		t.Fatal(err)
	}
	if err := sm.AddTransition("go", 0, 1, nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := sm.ExecuteTransition("go"); err != nil {
		t.Fatal(err)
	}

	// Simulate memory corruption out-of-band.
	sm.mu.Lock()
	sm.states[1].name = "corrupted"
	sm.mu.Unlock()

	err := sm.VerifyStateIntegrity(1)
	if !errors.Is(err, ErrIntegrityCheckFailed) {
		t.Fatalf("expected ErrIntegrityCheckFailed, got %v", err)
	}
	if got := sm.IntegrityViolations(); got != 1 {
		t.Fatalf("unexpected integrity_violations: %d", got)
	}
}

// S3 — Lock blocks transition.
func TestStateMachine_LockBlocksTransition(t *testing.T) {
	sm := NewStateMachine(nil, nil)
	if _, err := sm.AddState("A", nil, nil, false); err != nil {
		t.Fatal(err)
	}
	if _, err := sm.AddState("B", nil, nil, false); err != nil {
		t.Fatal(err)
	}
	if err := sm.AddTransition("go", 0, 1, nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := sm.LockState(1); err != nil {
		t.Fatal(err)
	}

	err := sm.ExecuteTransition("go")
	if !errors.Is(err, ErrStateLocked) {
		t.Fatalf("expected ErrStateLocked, got %v", err)
	}
	if got := sm.CurrentState(); got != 0 {
		t.Fatalf("current state changed despite lock: %d", got)
	}
}

// S4 — Snapshot/restore version mismatch.
func TestStateMachine_SnapshotRestoreVersionMismatch(t *testing.T) {
	sm := NewStateMachine(nil, nil)
	if _, err := sm.AddState("A", nil, nil, false); err != nil {
		t.Fatal(err)
	}
	if _, err := sm.AddState("B", nil, nil, false); err != nil {
		t.Fatal(err)
	}
	if err := sm.AddTransition("go", 0, 1, nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := sm.AddTransition("loop", 1, 1, nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := sm.ExecuteTransition("go"); err != nil {
		t.Fatal(err)
	}

	snap, err := sm.CreateStateSnapshot(1)
	if err != nil {
		t.Fatal(err)
	}

	// Self-loop bumps state 1's version past the snapshot's.
	if err := sm.ExecuteTransition("loop"); err != nil {
		t.Fatal(err)
	}

	err = sm.RestoreStateFromSnapshot(snap)
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
}

func TestStateMachine_SnapshotRestoreRoundTrip(t *testing.T) {
	sm := NewStateMachine(nil, nil)
	if _, err := sm.AddState("A", nil, nil, false); err != nil {
		t.Fatal(err)
	}
	if _, err := sm.AddState("B", nil, nil, false); err != nil {
		t.Fatal(err)
	}
	if err := sm.AddTransition("go", 0, 1, nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := sm.ExecuteTransition("go"); err != nil {
		t.Fatal(err)
	}

	snap, err := sm.CreateStateSnapshot(1)
	if err != nil {
		t.Fatal(err)
	}

	if err := sm.RestoreStateFromSnapshot(snap); err != nil {
		t.Fatal(err)
	}

	v, err := sm.StateVersion(1)
	if err != nil {
		t.Fatal(err)
	}
	if v != snap.state.version+1 {
		t.Fatalf("restore should advance version by exactly 1: got %d, snapshot had %d", v, snap.state.version)
	}
}

func TestStateMachine_AddStateMaxReached(t *testing.T) {
	sm := NewStateMachine(nil, nil)
	for i := 0; i < MaxStates; i++ {
		if _, err := sm.AddState("s", nil, nil, false); err != nil {
			t.Fatalf("unexpected error adding state %d: %v", i, err)
		}
	}
	if _, err := sm.AddState("overflow", nil, nil, false); !errors.Is(err, ErrMaxStatesReached) {
		t.Fatalf("expected ErrMaxStatesReached, got %v", err)
	}
}

func TestStateMachine_AddTransitionInvalidState(t *testing.T) {
	sm := NewStateMachine(nil, nil)
	if _, err := sm.AddState("A", nil, nil, false); err != nil {
		t.Fatal(err)
	}
	if err := sm.AddTransition("bad", 0, 5, nil, nil); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestStateMachine_DuplicateTransitionNameFirstMatchWins(t *testing.T) {
	sm := NewStateMachine(nil, nil)
	for _, n := range []string{"A", "B", "C"} {
		if _, err := sm.AddState(n, nil, nil, false); err != nil {
			t.Fatal(err)
		}
	}
	if err := sm.AddTransition("go", 0, 1, nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := sm.AddTransition("go", 0, 2, nil, nil); err != nil {
		t.Fatal(err)
	}

	if err := sm.ExecuteTransition("go"); err != nil {
		t.Fatal(err)
	}
	if got := sm.CurrentState(); got != 1 {
		t.Fatalf("expected first-match transition to win, landed on %d", got)
	}
}

func TestStateMachine_ExecuteTransitionIgnoresCurrentState(t *testing.T) {
	// The FSM core does not enforce from == CurrentState().
	sm := NewStateMachine(nil, nil)
	for _, n := range []string{"A", "B", "C"} {
		if _, err := sm.AddState(n, nil, nil, false); err != nil {
			t.Fatal(err)
		}
	}
	if err := sm.AddTransition("b_to_c", 1, 2, nil, nil); err != nil {
		t.Fatal(err)
	}

	// Current state is still 0 ("A"), but the transition is declared 1->2.
	if err := sm.ExecuteTransition("b_to_c"); err != nil {
		t.Fatal(err)
	}
	if got := sm.CurrentState(); got != 2 {
		t.Fatalf("expected loose FSM to apply transition regardless of current state, got %d", got)
	}
}

func TestStateMachine_GuardVetoesTransition(t *testing.T) {
	sm := NewStateMachine(nil, nil)
	if _, err := sm.AddState("A", nil, nil, false); err != nil {
		t.Fatal(err)
	}
	if _, err := sm.AddState("B", nil, nil, false); err != nil {
		t.Fatal(err)
	}
	guard := func(from, to *State) bool { return false }
	if err := sm.AddTransition("go", 0, 1, nil, guard); err != nil {
		t.Fatal(err)
	}

	err := sm.ExecuteTransition("go")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition from guard veto, got %v", err)
	}
	if got := sm.FailedTransitions(); got != 1 {
		t.Fatalf("unexpected failed_transitions: %d", got)
	}
}

func TestStateChecksum_AtRest(t *testing.T) {
	sm := NewStateMachine(nil, nil)
	id, err := sm.AddState("A", nil, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	st, err := sm.State(id)
	if err != nil {
		t.Fatal(err)
	}
	if got := stateChecksum(&st); got != st.checksum {
		t.Fatalf("checksum mismatch at rest: computed %d, stored %d", got, st.checksum)
	}
}
