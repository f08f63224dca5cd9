package runtime

import "errors"

var (
	// ErrUnknownTask is returned when a task row references a name no
	// implementation has registered and the row is not a pure composite.
	ErrUnknownTask = errors.New("unknown task")

	// ErrParameter marks a missing or wrongly typed bound parameter.
	// Leaf implementations wrap it via the params helpers so the runtime
	// can classify the captured einfo.
	ErrParameter = errors.New("parameter error")

	// ErrIntegrity marks an observed invariant break, e.g. a second
	// outstanding undo or retry record for the same task.
	ErrIntegrity = errors.New("integrity violation")
)

// Exception kinds stored in einfo. These are stable strings, not Go
// type names, so they survive serialization and refactors.
const (
	KindParameterError = "ParameterError"
	KindUnknownTask    = "UnknownTask"
	KindLeafFailure    = "LeafFailure"
	KindPanic          = "Panic"
)
