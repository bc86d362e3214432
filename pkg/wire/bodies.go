package wire

import (
	"taskbridge/pkg/wire/codec"
)

// bodyCodec is the canonical body encoding, selected from the codec
// registry. CBOR keeps the frames compact and deterministic across
// processes.
var bodyCodec = codec.NewRegistry().Get("application/cbor")

// MarshalBody encodes a message body with the canonical codec.
func MarshalBody(v any) ([]byte, error) { return bodyCodec.Marshal(v) }

// UnmarshalBody decodes a message body with the canonical codec.
func UnmarshalBody(data []byte, v any) error { return bodyCodec.Unmarshal(data, v) }

// TaskSpec is one task as submitted to the placement service. Descriptor is
// the owner-serialized closure + dependency payload and must be
// self-contained: the executor deserializes it with no access to the
// submitting process.
type TaskSpec struct {
	RemoteID       string   `cbor:"1,keyasint"`
	PreferredHosts []string `cbor:"2,keyasint,omitempty"`
	Descriptor     []byte   `cbor:"3,keyasint"`
}

// SubmitJobBody carries one fire-and-forget batch submission.
type SubmitJobBody struct {
	App         string     `cbor:"1,keyasint"`
	User        string     `cbor:"2,keyasint,omitempty"`
	Description string     `cbor:"3,keyasint,omitempty"`
	Tasks       []TaskSpec `cbor:"4,keyasint"`
}

// RegisterBackendBody announces an agent's reachable address.
type RegisterBackendBody struct {
	App     string `cbor:"1,keyasint"`
	Address string `cbor:"2,keyasint"`
}

// LaunchTaskBody is the inbound launch call received by the agent.
type LaunchTaskBody struct {
	RemoteID   string `cbor:"1,keyasint"`
	User       string `cbor:"2,keyasint,omitempty"`
	Descriptor []byte `cbor:"3,keyasint"`
}

// TasksFinishedBody notifies the placement service of completed tasks.
type TasksFinishedBody struct {
	RemoteIDs []string `cbor:"1,keyasint"`
}

// FrontendMessageBody is the generic status/result delivery, sent by the
// agent and ultimately received by the dispatch client.
type FrontendMessageBody struct {
	App      string `cbor:"1,keyasint,omitempty"`
	User     string `cbor:"2,keyasint,omitempty"`
	RemoteID string `cbor:"3,keyasint"`
	State    State  `cbor:"4,keyasint"`
	Payload  []byte `cbor:"5,keyasint,omitempty"`
}

// RetrievePropsBody requests driver-side configuration.
type RetrievePropsBody struct{}

// RetrievePropsReply returns the driver's shared configuration and the
// negotiated local port.
type RetrievePropsReply struct {
	Props map[string]string `cbor:"1,keyasint"`
	Port  int               `cbor:"2,keyasint"`
}

// CompletionResult is the FINISHED payload decoded by the dispatch side.
type CompletionResult struct {
	Value   []byte           `cbor:"1,keyasint,omitempty"`
	Metrics map[string]int64 `cbor:"2,keyasint,omitempty"`
}
