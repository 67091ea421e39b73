package producer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"subflow/internal/subflow"
	"subflow/internal/validator"
)

type Config struct {
	LedgerID int64 `env:"PRODUCER_LEDGER_ID" envDefault:"0" yaml:"ledgerId"`
	// MaxAttempts bounds how far a publish probes past a stale write offset
	// when another producer already took the slot.
	MaxAttempts int `env:"PRODUCER_MAX_ATTEMPTS" envDefault:"16" yaml:"maxAttempts"`
}

// Producer stores each published batch of events as one batch entry.
type Producer struct {
	controller subflow.Controller
	logger     *zap.Logger
	config     Config

	// serializes publishes from this process per topic
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewProducer(config Config, controller subflow.Controller, logger *zap.Logger) (*Producer, error) {
	p := Producer{
		controller: controller,
		logger:     logger,
		config:     config,
		locks:      make(map[string]*sync.Mutex),
	}

	if err := validator.Validate("producer", p.controller, p.logger, p.config.MaxAttempts); err != nil {
		return nil, fmt.Errorf("failed to validate producer deps: %w", err)
	}
	p.logger = logger.Named("producer")

	return &p, nil
}

func (p *Producer) PublishBatch(ctx context.Context, topic string, events ...subflow.Event) (subflow.Position, error) {
	if len(events) == 0 {
		return subflow.Position{}, errors.New("failed to publish: empty batch")
	}

	body, err := json.Marshal(events)
	if err != nil {
		return subflow.Position{}, fmt.Errorf("failed to encode events: %w", err)
	}
	payload := subflow.EncodeBatch(len(events), body)

	lock := p.topicLock(topic)
	lock.Lock()
	defer lock.Unlock()

	next, err := p.controller.GetOffset(ctx, topic, p.config.LedgerID)
	if err != nil {
		return subflow.Position{}, fmt.Errorf("failed to get offset for topic %s: %w", topic, err)
	}

	pos := subflow.Position{LedgerID: p.config.LedgerID, EntryID: next}
	for attempt := 1; ; attempt++ {
		err := p.controller.InsertEntry(ctx, topic, subflow.Entry{Position: pos, Payload: payload})
		if err == nil {
			break
		}
		if !errors.Is(err, subflow.ErrEntryExists) || attempt >= p.config.MaxAttempts {
			return subflow.Position{}, fmt.Errorf("failed to insert entry %s: %w", pos, err)
		}

		p.logger.Debug("write offset is stale, probing next entry", zap.String("topic", topic), zap.Stringer("position", pos))
		pos = pos.Next()
	}

	if err := p.controller.CommitOffset(ctx, topic, pos.LedgerID, pos.EntryID+1); err != nil {
		return subflow.Position{}, fmt.Errorf("failed to commit offset for topic %s: %w", topic, err)
	}

	return pos, nil
}

func (p *Producer) topicLock(topic string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.locks[topic]
	if !ok {
		l = new(sync.Mutex)
		p.locks[topic] = l
	}
	return l
}

// DecodeEvents returns the events stored in a batch entry payload.
func DecodeEvents(payload []byte) ([]subflow.Event, error) {
	if _, err := subflow.BatchSize(payload); err != nil {
		return nil, err
	}

	var events []subflow.Event
	if err := json.Unmarshal(subflow.BatchBody(payload), &events); err != nil {
		return nil, fmt.Errorf("failed to decode events: %w", err)
	}

	return events, nil
}
