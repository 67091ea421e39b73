package subflow

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SubType is the delivery mode of a subscription. It is fixed when a
// consumer attaches.
type SubType int

const (
	Exclusive SubType = iota
	Failover
	Shared
)

func (s SubType) String() string {
	switch s {
	case Exclusive:
		return "Exclusive"
	case Failover:
		return "Failover"
	case Shared:
		return "Shared"
	default:
		return fmt.Sprintf("SubType(%d)", int(s))
	}
}

// ParseSubType accepts the names produced by String, case-insensitively.
func ParseSubType(s string) (SubType, error) {
	switch strings.ToLower(s) {
	case "exclusive":
		return Exclusive, nil
	case "failover":
		return Failover, nil
	case "shared":
		return Shared, nil
	default:
		return 0, fmt.Errorf("unknown subscription type %q", s)
	}
}

// UnmarshalText lets SubType be read from env and yaml configuration.
func (s *SubType) UnmarshalText(text []byte) error {
	v, err := ParseSubType(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// AckType selects between acknowledging a single position and acknowledging
// everything up to and including a position.
type AckType int

const (
	AckIndividual AckType = iota
	AckCumulative
)

func (a AckType) String() string {
	switch a {
	case AckIndividual:
		return "Individual"
	case AckCumulative:
		return "Cumulative"
	default:
		return fmt.Sprintf("AckType(%d)", int(a))
	}
}

func (a AckType) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *AckType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("failed to decode ack type: %w", err)
	}
	switch strings.ToLower(s) {
	case "", "individual":
		*a = AckIndividual
	case "cumulative":
		*a = AckCumulative
	default:
		return fmt.Errorf("unknown ack type %q", s)
	}
	return nil
}
