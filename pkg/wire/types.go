// Package wire defines the framed message surface exchanged between the
// dispatch client, the placement service and the execution agent.
package wire

// Message kinds (fits in uint8).
const (
	KindUnknown uint8 = iota
	KindSubmitJob          // fire-and-forget batch submission
	KindRegisterBackend    // one-shot synchronous agent registration
	KindLaunchTask         // inbound launch on the agent
	KindTasksFinished      // outbound completed-task notification
	KindFrontendMessage    // generic status/result delivery
	KindRetrieveProperties // driver property discovery handshake
	KindReply              // response to any of the above
)

// KindName returns a short label for logging.
func KindName(k uint8) string {
	switch k {
	case KindSubmitJob:
		return "submit-job"
	case KindRegisterBackend:
		return "register-backend"
	case KindLaunchTask:
		return "launch-task"
	case KindTasksFinished:
		return "tasks-finished"
	case KindFrontendMessage:
		return "frontend-message"
	case KindRetrieveProperties:
		return "retrieve-properties"
	case KindReply:
		return "reply"
	default:
		return "unknown"
	}
}

// State is the numeric task state code carried in status messages.
type State uint8

const (
	StateLaunching State = iota
	StateRunning
	StateFinished
	StateFailed
	StateKilled
	StateLost
)

func (s State) String() string {
	switch s {
	case StateLaunching:
		return "LAUNCHING"
	case StateRunning:
		return "RUNNING"
	case StateFinished:
		return "FINISHED"
	case StateFailed:
		return "FAILED"
	case StateKilled:
		return "KILLED"
	case StateLost:
		return "LOST"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether a state ends the task's lifecycle.
func (s State) Terminal() bool {
	switch s {
	case StateFinished, StateFailed, StateKilled, StateLost:
		return true
	}
	return false
}
