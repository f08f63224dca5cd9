package workflow

// Task states. A task is created PENDING (or PREPARED when it is an undo
// or retry record awaiting dispatch) and moves through STARTED into one of
// the terminal states. Terminal states are never overwritten; corrections
// happen by creating undo/retry records.
const (
	StatusPending  = "PENDING"
	StatusPrepared = "PREPARED"
	StatusStarted  = "STARTED"
	StatusRetry    = "RETRY"
	StatusSuccess  = "SUCCESS"
	StatusFailure  = "FAILURE"
)

// TerminalStatuses guard status writes: once a row is SUCCESS or FAILURE
// its status column is frozen.
var TerminalStatuses = []string{StatusSuccess, StatusFailure}

func IsTerminal(status string) bool {
	return status == StatusSuccess || status == StatusFailure
}
