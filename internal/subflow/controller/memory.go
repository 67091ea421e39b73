package controller

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"subflow/internal/subflow"
)

// Memory keeps the whole log in process. It serves tests and single-process
// runs with STORE=memory.
type Memory struct {
	mu      sync.RWMutex
	entries map[string][]subflow.Entry
	cursors map[subKey]subflow.Position
	acks    map[subKey]map[subflow.Position]struct{}
	offsets map[offsetKey]int64
}

type subKey struct {
	topic, sub string
}

type offsetKey struct {
	topic  string
	ledger int64
}

func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string][]subflow.Entry),
		cursors: make(map[subKey]subflow.Position),
		acks:    make(map[subKey]map[subflow.Position]struct{}),
		offsets: make(map[offsetKey]int64),
	}
}

func (m *Memory) GetCursor(_ context.Context, topic, sub string) (subflow.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if pos, ok := m.cursors[subKey{topic, sub}]; ok {
		return pos, nil
	}
	return subflow.NoCursor, nil
}

func (m *Memory) CommitCursor(_ context.Context, topic, sub string, pos subflow.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := subKey{topic, sub}
	if cur, ok := m.cursors[key]; ok && !cur.Less(pos) {
		return nil
	}
	m.cursors[key] = pos

	// individual acks at or before the cursor are now implied by it
	for p := range m.acks[key] {
		if !pos.Less(p) {
			delete(m.acks[key], p)
		}
	}

	return nil
}

func (m *Memory) GetOffset(_ context.Context, topic string, ledgerID int64) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.offsets[offsetKey{topic, ledgerID}], nil
}

func (m *Memory) CommitOffset(_ context.Context, topic string, ledgerID, next int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := offsetKey{topic, ledgerID}
	if next > m.offsets[key] {
		m.offsets[key] = next
	}

	return nil
}

func (m *Memory) InsertAck(_ context.Context, topic, sub string, pos subflow.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := subKey{topic, sub}
	if m.acks[key] == nil {
		m.acks[key] = make(map[subflow.Position]struct{})
	}
	m.acks[key][pos] = struct{}{}

	return nil
}

func (m *Memory) IsAcked(_ context.Context, topic, sub string, pos subflow.Position) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key := subKey{topic, sub}
	if cur, ok := m.cursors[key]; ok && !cur.Less(pos) {
		return true, nil
	}
	_, ok := m.acks[key][pos]

	return ok, nil
}

func (m *Memory) InsertEntry(_ context.Context, topic string, e subflow.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	log := m.entries[topic]
	i, found := slices.BinarySearchFunc(log, e.Position, compareEntry)
	if found {
		return fmt.Errorf("failed to insert entry %s: %w", e.Position, subflow.ErrEntryExists)
	}

	e.Payload = slices.Clone(e.Payload)
	m.entries[topic] = slices.Insert(log, i, e)

	return nil
}

func (m *Memory) LoadEntry(_ context.Context, topic string, pos subflow.Position) (subflow.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	log := m.entries[topic]
	i, found := slices.BinarySearchFunc(log, pos, compareEntry)
	if !found {
		return subflow.Entry{}, fmt.Errorf("failed to load entry %s: %w", pos, subflow.ErrEntryNotFound)
	}

	return log[i], nil
}

func (m *Memory) LoadEntries(_ context.Context, topic string, from subflow.Position, limit int) ([]subflow.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	log := m.entries[topic]
	i, _ := slices.BinarySearchFunc(log, from, compareEntry)
	end := min(len(log), i+limit)
	if limit <= 0 || i >= end {
		return nil, nil
	}

	return slices.Clone(log[i:end]), nil
}

func compareEntry(e subflow.Entry, pos subflow.Position) int {
	return e.Position.Compare(pos)
}
