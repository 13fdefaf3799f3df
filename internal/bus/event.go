package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Namespaces used across the engine.
const (
	NamespaceChange  = "change."
	NamespaceEngine  = "engine."
	NamespaceSession = "session."
)

// ChangeKind is the event kind under which the store publishes a row change,
// e.g. "change.messages.insert".
func ChangeKind(resource, op string) string {
	return NamespaceChange + resource + "." + op
}
