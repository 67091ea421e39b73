package subflow

// Event is one logical message published by a producer. A batch of events
// is stored as a single Entry.
type Event struct {
	// Type names the kind of event, e.g. "order.created".
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}
