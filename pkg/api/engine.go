package api

// StatusFunc is invoked by the engine on its own goroutines as a task moves
// through its lifecycle. localID is the correlation key handed to LaunchTask.
// A non-nil error means the update could not be correlated; the engine must
// treat the task's remote reporting as broken rather than retry.
type StatusFunc func(localID int64, state State, data []byte) error

// Engine runs deserialized task descriptors. LaunchTask must return
// immediately; execution happens on engine-owned goroutines which echo the
// localID back through the StatusFunc.
type Engine interface {
	LaunchTask(localID int64, descriptor any, report StatusFunc) error
}
