package api

import (
	"time"

	"taskbridge/pkg/wire"
)

// State is an alias to wire.State for API ergonomics.
type State = wire.State

// TaskHandle is the owner-side reference to one unit of work. The bridge
// never inspects Descriptor; it only serializes it for the remote executor.
type TaskHandle struct {
	StageID int
	Attempt int
	Index   int

	// PreferredHosts is an ordered list of candidate hosts; empty means
	// no placement preference.
	PreferredHosts []string

	// Descriptor is the opaque closure + dependency payload. It must be
	// self-contained once serialized: the remote executor deserializes it
	// without access to this process.
	Descriptor any
}

// CompletionInfo carries metadata synthesized at completion delivery.
// The remote side reports no "started" event, so StartedAt and FinishedAt
// are both stamped when the completion arrives.
type CompletionInfo struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Locality   string
}

// Result is what the owner receives for a finished task.
type Result struct {
	Value   []byte
	Metrics map[string]int64
	Info    CompletionInfo
}
