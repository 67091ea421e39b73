package consumer

import (
	cmap "github.com/orcaman/concurrent-map/v2"

	"subflow/internal/subflow"
)

// pendingAcks maps each delivered position to its batch size. Sibling
// consumers read and pop from it while the owner inserts, so it is sharded
// independently of the flow counters.
type pendingAcks struct {
	m cmap.ConcurrentMap[subflow.Position, int]
}

func newPendingAcks() *pendingAcks {
	return &pendingAcks{
		m: cmap.NewWithCustomShardingFunction[subflow.Position, int](shardPosition),
	}
}

func (p *pendingAcks) add(pos subflow.Position, batchSize int) {
	p.m.Set(pos, batchSize)
}

func (p *pendingAcks) has(pos subflow.Position) bool {
	return p.m.Has(pos)
}

// pop removes pos and returns its batch size.
func (p *pendingAcks) pop(pos subflow.Position) (int, bool) {
	return p.m.Pop(pos)
}

// popAll removes every listed position that is present and returns the
// removed positions with the sum of their batch sizes.
func (p *pendingAcks) popAll(positions []subflow.Position) ([]subflow.Position, int64) {
	var (
		removed []subflow.Position
		total   int64
	)
	for _, pos := range positions {
		if n, ok := p.m.Pop(pos); ok {
			removed = append(removed, pos)
			total += int64(n)
		}
	}
	return removed, total
}

// drain empties the map. Only positions this call actually removed are
// returned, so a concurrent resolver never has its removal counted twice.
func (p *pendingAcks) drain() ([]subflow.Position, int64) {
	removed, total := p.popAll(p.m.Keys())
	subflow.SortPositions(removed)
	return removed, total
}

func (p *pendingAcks) len() int {
	return p.m.Count()
}

func (p *pendingAcks) snapshot() map[subflow.Position]int {
	return p.m.Items()
}

func (p *pendingAcks) sum() int64 {
	var total int64
	p.m.IterCb(func(_ subflow.Position, n int) {
		total += int64(n)
	})
	return total
}

// shardPosition spreads positions of the same ledger over all shards.
func shardPosition(p subflow.Position) uint32 {
	h := uint64(p.LedgerID)*0x9e3779b97f4a7c15 ^ uint64(p.EntryID)
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	return uint32(h)
}
