package subflow

// Connection is a client's transport. Writes are executed in the order they
// are scheduled, one at a time.
type Connection interface {
	ID() string
	RemoteAddr() string

	// Write schedules cmd on the connection's ordered writer without
	// blocking. The returned channel receives exactly one value once cmd has
	// been written or has failed.
	Write(cmd Command) <-chan error

	// IsWritable reports transport-level backpressure.
	IsWritable() bool
}
