package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	cmap "github.com/orcaman/concurrent-map/v2"
	"go.uber.org/zap"

	"subflow/internal/subflow"
	"subflow/internal/subflow/metrics"
	"subflow/internal/validator"
)

// Handler routes the commands a client sends on one connection to the
// consumers registered on it.
type Handler struct {
	conn      subflow.Connection
	consumers cmap.ConcurrentMap[string, subflow.Consumer]
	registry  *metrics.Registry
	logger    *zap.Logger
}

func NewHandler(conn subflow.Connection, registry *metrics.Registry, logger *zap.Logger) (*Handler, error) {
	if err := validator.Validate("handler", conn, registry, logger); err != nil {
		return nil, fmt.Errorf("failed to validate handler deps: %w", err)
	}

	return &Handler{
		conn:      conn,
		consumers: cmap.New[subflow.Consumer](),
		registry:  registry,
		logger:    logger.Named("handler").With(zap.String("connectionId", conn.ID())),
	}, nil
}

func (h *Handler) Register(c subflow.Consumer) {
	h.consumers.Set(key(c.ID()), c)
}

func (h *Handler) Unregister(id int64) {
	h.consumers.Remove(key(id))
}

func (h *Handler) Consumer(id int64) (subflow.Consumer, bool) {
	return h.consumers.Get(key(id))
}

// Serve reads newline-delimited JSON commands from r until it is exhausted
// or ctx is done. A rejected command is answered with an ERROR command and
// does not stop serving.
func (h *Handler) Serve(ctx context.Context, r io.Reader) error {
	dec := json.NewDecoder(r)

	for ctx.Err() == nil {
		var cmd subflow.Command
		if err := dec.Decode(&cmd); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return fmt.Errorf("failed to decode command: %w", err)
		}

		err := h.handle(ctx, cmd)
		h.registry.RecordCommand(string(cmd.Type), err)
		if err == nil {
			continue
		}

		h.logger.Debug("command rejected",
			zap.String("command", string(cmd.Type)),
			zap.Int64("consumerId", cmd.ConsumerID),
			zap.Error(err),
		)
		h.conn.Write(subflow.ErrorCommand(cmd.ConsumerID, err))
	}

	return nil
}

func (h *Handler) handle(ctx context.Context, cmd subflow.Command) error {
	c, ok := h.Consumer(cmd.ConsumerID)
	if !ok {
		return fmt.Errorf("%w: %d", subflow.ErrUnknownConsumer, cmd.ConsumerID)
	}

	switch cmd.Type {
	case subflow.CommandFlow:
		return c.GrantCredit(ctx, cmd.Permits)

	case subflow.CommandAck:
		if cmd.Position == nil {
			return errors.New("ack without position")
		}
		if cmd.ValidationError != "" {
			h.logger.Warn("client reported invalid message",
				zap.Int64("consumerId", cmd.ConsumerID),
				zap.Stringer("position", *cmd.Position),
				zap.String("validationError", cmd.ValidationError),
			)
		}
		return c.Acknowledge(ctx, *cmd.Position, cmd.AckType)

	case subflow.CommandRedeliver:
		if len(cmd.Positions) == 0 {
			return c.RedeliverAll(ctx)
		}
		return c.RedeliverSelected(ctx, cmd.Positions)

	case subflow.CommandRedeliverAll:
		return c.RedeliverAll(ctx)

	default:
		return fmt.Errorf("unsupported command %q", cmd.Type)
	}
}

// Close closes every registered consumer, handing their unacknowledged
// messages back to their subscriptions.
func (h *Handler) Close(ctx context.Context) error {
	var errs []error
	for _, id := range h.consumers.Keys() {
		c, ok := h.consumers.Pop(id)
		if !ok {
			continue
		}
		if err := c.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close consumer %s: %w", id, err))
		}
	}

	return errors.Join(errs...)
}

func key(id int64) string {
	return strconv.FormatInt(id, 10)
}
