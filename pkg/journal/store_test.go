package journal

import (
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "ztp.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_CreateAndLatest(t *testing.T) {
	store := newTestStore(t)

	run := &Run{
		Device:         "access-sw-01",
		ConsolePort:    7,
		State:          StateInitialized,
		ExpectedSerial: "FOC1825X0K9",
	}
	if err := store.Create(run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	if run.ID == 0 {
		t.Fatal("create did not assign an id")
	}

	got, err := store.Latest("access-sw-01")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got == nil {
		t.Fatal("expected a run")
	}
	if got.Device != run.Device || got.ConsolePort != run.ConsolePort || got.ExpectedSerial != run.ExpectedSerial {
		t.Errorf("retrieved run mismatch: got %+v, want %+v", got, run)
	}
}

func TestStore_LatestReturnsNewest(t *testing.T) {
	store := newTestStore(t)

	first := &Run{Device: "access-sw-01", ConsolePort: 7, State: StateFailed}
	second := &Run{Device: "access-sw-01", ConsolePort: 7, State: StateCompleted}
	if err := store.Create(first); err != nil {
		t.Fatal(err)
	}
	if err := store.Create(second); err != nil {
		t.Fatal(err)
	}

	got, err := store.Latest("access-sw-01")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != second.ID {
		t.Errorf("latest run id = %d, want %d", got.ID, second.ID)
	}
}

func TestStore_LatestMissingDevice(t *testing.T) {
	store := newTestStore(t)

	got, err := store.Latest("never-seen")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil run, got %+v", got)
	}
}

func TestStore_UpdateState(t *testing.T) {
	store := newTestStore(t)

	run := &Run{Device: "access-sw-01", ConsolePort: 7, State: StateInitialized}
	if err := store.Create(run); err != nil {
		t.Fatal(err)
	}

	if err := store.UpdateState(run.ID, StateStaged); err != nil {
		t.Fatalf("failed to update state: %v", err)
	}

	got, err := store.Latest("access-sw-01")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StateStaged {
		t.Errorf("state = %q, want %q", got.State, StateStaged)
	}
}

func TestStore_Fail(t *testing.T) {
	store := newTestStore(t)

	run := &Run{Device: "access-sw-01", ConsolePort: 7, State: StateSessionUp}
	if err := store.Create(run); err != nil {
		t.Fatal(err)
	}

	if err := store.Fail(run.ID, "identity_mismatch", "expected A, got B"); err != nil {
		t.Fatalf("failed to mark failed: %v", err)
	}

	got, err := store.Latest("access-sw-01")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StateFailed {
		t.Errorf("state = %q, want %q", got.State, StateFailed)
	}
	if got.FailureClass != "identity_mismatch" {
		t.Errorf("failure class = %q", got.FailureClass)
	}
	if got.ErrorMessage != "expected A, got B" {
		t.Errorf("error message = %q", got.ErrorMessage)
	}
}

func TestStore_List(t *testing.T) {
	store := newTestStore(t)

	for _, device := range []string{"sw-a", "sw-b", "sw-c"} {
		if err := store.Create(&Run{Device: device, ConsolePort: 1, State: StateInitialized}); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := store.List()
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("runs = %d, want 3", len(runs))
	}
	// Newest first.
	if runs[0].Device != "sw-c" {
		t.Errorf("first run = %q, want sw-c", runs[0].Device)
	}
}

func TestStateIndex(t *testing.T) {
	if StateIndex(StateInitialized) != 0 {
		t.Errorf("initialized index = %d", StateIndex(StateInitialized))
	}
	if StateIndex(StateStaged) >= StateIndex(StateIdentityVerified) {
		t.Error("staged must order before identity_verified")
	}
	if StateIndex(StateFailed) != -1 {
		t.Errorf("failed index = %d, want -1", StateIndex(StateFailed))
	}
	if StateIndex("bogus") != -1 {
		t.Errorf("unknown index = %d, want -1", StateIndex("bogus"))
	}
}
