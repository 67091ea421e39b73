// Package stats keeps the per-consumer rate accumulators reported in
// consumer stats: outbound message and byte rates, ack rate and redelivery
// rate.
package stats

import (
	metrics "github.com/rcrowley/go-metrics"
)

const (
	msgOutName      = "msg-out-rate"
	bytesOutName    = "bytes-out-rate"
	ackName         = "ack-rate"
	redeliverName   = "redeliver-rate"
	corruptName     = "corrupt-entries"
	msgOutTotalName = "msg-out-total"
)

// Stats is safe for concurrent use.
type Stats struct {
	registry metrics.Registry

	msgOut    metrics.Meter
	bytesOut  metrics.Meter
	ack       metrics.Meter
	redeliver metrics.Meter
	corrupt   metrics.Counter
	msgTotal  metrics.Counter
}

// Snapshot is a point-in-time read of Stats. Rates are one-minute moving
// averages per second.
type Snapshot struct {
	MsgRateOut       float64
	MsgThroughputOut float64
	MsgOutCounter    int64
	BytesOutCounter  int64
	MsgRateAck       float64
	AckCounter       int64
	MsgRateRedeliver float64
	RedeliverCounter int64
	CorruptedEntries int64
}

func New() *Stats {
	r := metrics.NewRegistry()
	return &Stats{
		registry:  r,
		msgOut:    metrics.GetOrRegisterMeter(msgOutName, r),
		bytesOut:  metrics.GetOrRegisterMeter(bytesOutName, r),
		ack:       metrics.GetOrRegisterMeter(ackName, r),
		redeliver: metrics.GetOrRegisterMeter(redeliverName, r),
		corrupt:   metrics.GetOrRegisterCounter(corruptName, r),
		msgTotal:  metrics.GetOrRegisterCounter(msgOutTotalName, r),
	}
}

// RecordDispatch accounts for one dispatch of the given number of logical
// messages and payload bytes.
func (s *Stats) RecordDispatch(messages, bytes int) {
	if messages <= 0 {
		return
	}
	s.msgOut.Mark(int64(messages))
	s.msgTotal.Inc(int64(messages))
	s.bytesOut.Mark(int64(bytes))
}

func (s *Stats) RecordAck(messages int) {
	s.ack.Mark(int64(messages))
}

func (s *Stats) RecordRedelivery(messages int64) {
	if messages <= 0 {
		return
	}
	s.redeliver.Mark(messages)
}

func (s *Stats) RecordCorrupt() {
	s.corrupt.Inc(1)
}

func (s *Stats) Snapshot() Snapshot {
	msgOut := s.msgOut.Snapshot()
	bytesOut := s.bytesOut.Snapshot()
	ack := s.ack.Snapshot()
	redeliver := s.redeliver.Snapshot()

	return Snapshot{
		MsgRateOut:       msgOut.Rate1(),
		MsgThroughputOut: bytesOut.Rate1(),
		MsgOutCounter:    s.msgTotal.Count(),
		BytesOutCounter:  bytesOut.Count(),
		MsgRateAck:       ack.Rate1(),
		AckCounter:       ack.Count(),
		MsgRateRedeliver: redeliver.Rate1(),
		RedeliverCounter: redeliver.Count(),
		CorruptedEntries: s.corrupt.Count(),
	}
}

// Stop detaches the meters from the shared ticker. The Stats must not be
// used afterwards.
func (s *Stats) Stop() {
	s.msgOut.Stop()
	s.bytesOut.Stop()
	s.ack.Stop()
	s.redeliver.Stop()
	s.registry.UnregisterAll()
}
