package journal

// Schema defines the SQLite schema for provisioning runs. One row per run,
// carrying the furthest state reached and the failure detail if the run did
// not complete.
const Schema = `
CREATE TABLE IF NOT EXISTS runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    device TEXT NOT NULL,
    console_port INTEGER NOT NULL,
    state TEXT NOT NULL,
    expected_serial TEXT,
    actual_serial TEXT,
    staged_file TEXT,
    failure_class TEXT,
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_runs_device ON runs(device);
CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
`

// Run states, in pipeline order.
const (
	StateInitialized       = "initialized"
	StateIdentityDataReady = "identity_data_ready"
	StateConfigReady       = "config_ready"
	StateStaged            = "staged"
	StateSessionUp         = "session_established"
	StateIdentityVerified  = "identity_verified"
	StateCopiedToFlash     = "copied_to_flash"
	StateConfigApplied     = "config_applied"
	StateCompleted         = "completed"
	StateFailed            = "failed"
)

var stateOrder = []string{
	StateInitialized,
	StateIdentityDataReady,
	StateConfigReady,
	StateStaged,
	StateSessionUp,
	StateIdentityVerified,
	StateCopiedToFlash,
	StateConfigApplied,
	StateCompleted,
}

// StateIndex returns the position of a state in the pipeline, or -1 for
// failed and unknown states. Ordering lets callers ask "did the run get at
// least this far", which drives cleanup decisions.
func StateIndex(state string) int {
	for i, s := range stateOrder {
		if s == state {
			return i
		}
	}
	return -1
}

// Run is one provisioning attempt against one device.
type Run struct {
	ID             int64
	Device         string
	ConsolePort    int
	State          string
	ExpectedSerial string
	ActualSerial   string
	StagedFile     string
	FailureClass   string
	ErrorMessage   string
	CreatedAt      string
	UpdatedAt      string
}
