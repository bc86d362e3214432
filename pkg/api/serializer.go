package api

// Serializer marshals task descriptors and results for the wire. Supplied by
// the task-graph owner; implementations must produce self-contained payloads.
type Serializer interface {
	Serialize(v any) ([]byte, error)
	Deserialize(data []byte, v any) error
}
