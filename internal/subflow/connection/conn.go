package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"subflow/internal/subflow"
	"subflow/internal/subflow/metrics"
	"subflow/internal/validator"
)

type Config struct {
	// HighWatermark is the number of queued writes at which the connection
	// stops being writable.
	HighWatermark int `env:"CONNECTION_HIGH_WATERMARK" envDefault:"1000" yaml:"highWatermark"`
	// LowWatermark is the number of queued writes at which a connection that
	// hit the high watermark becomes writable again.
	LowWatermark int `env:"CONNECTION_LOW_WATERMARK" envDefault:"500" yaml:"lowWatermark"`
}

type write struct {
	cmd  subflow.Command
	done chan error
}

// Conn is the outbound side of one client connection. Writes are queued
// and performed in order by a single goroutine (Run), one JSON document per
// line.
type Conn struct {
	id         string
	remoteAddr string
	w          io.Writer
	enc        *json.Encoder
	config     Config
	registry   *metrics.Registry
	logger     *zap.Logger

	mu       sync.Mutex
	queue    []write
	pending  int
	writable bool
	closed   bool

	ready chan struct{}
	done  chan struct{}
}

func NewConn(config Config, w io.Writer, remoteAddr string, registry *metrics.Registry, logger *zap.Logger) (*Conn, error) {
	if err := validator.Validate("connection", w, remoteAddr, registry, logger, config.HighWatermark); err != nil {
		return nil, fmt.Errorf("failed to validate connection deps: %w", err)
	}
	if config.LowWatermark <= 0 || config.LowWatermark > config.HighWatermark {
		config.LowWatermark = config.HighWatermark / 2
	}

	id := uuid.NewString()
	registry.ConnectionOpened()

	return &Conn{
		id:         id,
		remoteAddr: remoteAddr,
		w:          w,
		enc:        json.NewEncoder(w),
		config:     config,
		registry:   registry,
		logger:     logger.Named("connection").With(zap.String("connectionId", id), zap.String("remoteAddr", remoteAddr)),
		writable:   true,
		ready:      make(chan struct{}, 1),
		done:       make(chan struct{}),
	}, nil
}

func (c *Conn) ID() string         { return c.id }
func (c *Conn) RemoteAddr() string { return c.remoteAddr }

func (c *Conn) IsWritable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.writable && !c.closed
}

// Write queues cmd behind every earlier write. The returned channel receives
// the outcome once cmd has been written or the connection has closed.
func (c *Conn) Write(cmd subflow.Command) <-chan error {
	done := make(chan error, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		done <- subflow.ErrConnectionClosed
		return done
	}
	c.queue = append(c.queue, write{cmd: cmd, done: done})
	c.pending++
	if c.writable && c.pending >= c.config.HighWatermark {
		c.writable = false
		c.logger.Debug("connection not writable", zap.Int("pending", c.pending))
	}
	c.mu.Unlock()

	select {
	case c.ready <- struct{}{}:
	default:
	}

	return done
}

// Run performs queued writes until ctx is done, a write fails or the
// connection is closed.
func (c *Conn) Run(ctx context.Context) error {
	defer c.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return nil
		case <-c.ready:
		}

		c.mu.Lock()
		batch := c.queue
		c.queue = nil
		c.mu.Unlock()

		for i, wr := range batch {
			if err := c.enc.Encode(wr.cmd); err != nil {
				const errMsg = "failed to write command"
				c.logger.Error(errMsg, zap.String("command", string(wr.cmd.Type)), zap.Error(err))
				wr.done <- fmt.Errorf(errMsg+": %w", err)
				for _, rest := range batch[i+1:] {
					rest.done <- subflow.ErrConnectionClosed
				}
				return fmt.Errorf(errMsg+": %w", err)
			}
			wr.done <- nil
			c.written()
		}
	}
}

func (c *Conn) written() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending--
	if !c.writable && c.pending <= c.config.LowWatermark {
		c.writable = true
		c.logger.Debug("connection writable", zap.Int("pending", c.pending))
	}
}

// Close fails every queued write with ErrConnectionClosed and closes the
// transport when it can be closed. Calling Close again is a no-op.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	queued := c.queue
	c.queue = nil
	c.mu.Unlock()

	close(c.done)
	for _, wr := range queued {
		wr.done <- subflow.ErrConnectionClosed
	}
	c.registry.ConnectionClosed()
	c.logger.Info("connection closed", zap.Int("failedWrites", len(queued)))

	if closer, ok := c.w.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			return fmt.Errorf("failed to close transport: %w", err)
		}
	}

	return nil
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}
