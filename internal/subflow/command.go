package subflow

// CommandType names a wire command exchanged with a client.
type CommandType string

const (
	// inbound
	CommandFlow         CommandType = "FLOW"
	CommandAck          CommandType = "ACK"
	CommandRedeliver    CommandType = "REDELIVER"
	CommandRedeliverAll CommandType = "REDELIVER_ALL"

	// outbound
	CommandMessage CommandType = "MESSAGE"
	CommandError   CommandType = "ERROR"
)

// Command is the single envelope used for every command on the wire. Only
// the fields relevant to Type are populated.
type Command struct {
	Type       CommandType `json:"type"`
	ConsumerID int64       `json:"consumerId"`

	// FLOW
	Permits int `json:"permits,omitempty"`

	// ACK, MESSAGE
	Position        *Position `json:"position,omitempty"`
	AckType         AckType   `json:"ackType,omitempty"`
	ValidationError string    `json:"validationError,omitempty"`

	// REDELIVER
	Positions []Position `json:"positions,omitempty"`

	// MESSAGE
	Payload []byte `json:"payload,omitempty"`

	// ERROR
	Error string `json:"error,omitempty"`
}

// MessageCommand builds the outbound command carrying one entry to a
// consumer.
func MessageCommand(consumerID int64, e Entry) Command {
	pos := e.Position
	return Command{
		Type:       CommandMessage,
		ConsumerID: consumerID,
		Position:   &pos,
		Payload:    e.Payload,
	}
}

// ErrorCommand builds the outbound command reporting a rejected command.
func ErrorCommand(consumerID int64, err error) Command {
	return Command{
		Type:       CommandError,
		ConsumerID: consumerID,
		Error:      err.Error(),
	}
}
