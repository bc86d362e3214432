package api

// Owner is the task-graph side of the bridge. TaskCompleted is assumed
// synchronous and fast; it is invoked from transport goroutines and must not
// block on long work.
type Owner interface {
	TaskCompleted(h *TaskHandle, res Result)
}

// OwnerFunc adapts a function to the Owner interface.
type OwnerFunc func(h *TaskHandle, res Result)

func (f OwnerFunc) TaskCompleted(h *TaskHandle, res Result) { f(h, res) }
