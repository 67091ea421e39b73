package consumer

import "sync"

type flowEventKind int

const (
	// dispatched: n logical messages were handed to the connection.
	eventDispatched flowEventKind = iota
	// credit: the client granted n permits.
	eventCredit
	// ackResolved: n unacked messages were acknowledged on this consumer.
	eventAckResolved
	// redeliverSelected: n unacked messages were handed back for redelivery.
	eventRedeliverSelected
	// redeliverAll: every unacked message was handed back. For shared
	// consumers n is the amount drained from pending acks.
	eventRedeliverAll
)

func (k flowEventKind) String() string {
	switch k {
	case eventDispatched:
		return "dispatched"
	case eventCredit:
		return "credit"
	case eventAckResolved:
		return "ackResolved"
	case eventRedeliverSelected:
		return "redeliverSelected"
	case eventRedeliverAll:
		return "redeliverAll"
	default:
		return "unknown"
	}
}

type flowEvent struct {
	kind flowEventKind
	n    int64
}

// transition describes what apply did, so the caller can notify the
// subscription and log outside the lock.
type transition struct {
	// blocked: Flowing to Blocked.
	blocked bool
	// unblocked: Blocked to Flowing.
	unblocked bool
	// deferred: credit went to the blocked accumulator.
	deferred bool

	// notify asks the subscription to dispatch up to flow more messages.
	notify bool
	flow   int64

	permits int64
	unacked int64
}

// flowState holds the credit and unacked counters of one consumer. Every
// mutation goes through apply so the Flowing/Blocked transitions live in one
// place.
type flowState struct {
	mu sync.Mutex

	// shared consumers count unacked messages and may block.
	shared     bool
	maxUnacked int64

	permits             int64
	permitsWhileBlocked int64
	unacked             int64
	blocked             bool
}

func newFlowState(shared bool, maxUnacked int64) *flowState {
	if maxUnacked < 0 {
		maxUnacked = 0
	}
	return &flowState{
		shared:     shared,
		maxUnacked: maxUnacked,
	}
}

func (f *flowState) apply(ev flowEvent) transition {
	f.mu.Lock()
	defer f.mu.Unlock()

	var t transition

	switch ev.kind {
	case eventDispatched:
		f.permits -= ev.n
		if f.shared {
			f.unacked += ev.n
			if f.maxUnacked > 0 && f.unacked >= f.maxUnacked && !f.blocked {
				f.blocked = true
				t.blocked = true
			}
		}

	case eventCredit:
		if f.blocked {
			f.permitsWhileBlocked += ev.n
			t.deferred = true
			break
		}
		f.permits += ev.n
		t.notify = true
		t.flow = ev.n

	case eventAckResolved:
		f.unacked -= ev.n
		if f.blocked && f.unacked <= f.maxUnacked/2 {
			t.flow = f.unblock(f.permitsWhileBlocked)
			t.unblocked = true
			t.notify = true
		}

	case eventRedeliverSelected:
		if f.shared {
			f.unacked -= ev.n
		}
		t.unblocked = f.blocked
		t.flow = f.unblock(min(ev.n, f.permitsWhileBlocked))
		t.notify = t.unblocked || t.flow > 0

	case eventRedeliverAll:
		if f.shared {
			f.unacked -= ev.n
		} else {
			f.unacked = 0
		}
		t.unblocked = f.blocked
		t.flow = f.unblock(f.permitsWhileBlocked)
		t.notify = t.unblocked || t.flow > 0
	}

	t.permits = f.permits
	t.unacked = f.unacked
	return t
}

// unblock clears the blocked flag and moves n permits out of the blocked
// accumulator. Callers hold mu.
func (f *flowState) unblock(n int64) int64 {
	f.blocked = false
	f.permitsWhileBlocked -= n
	f.permits += n
	return n
}

type flowSnapshot struct {
	permits             int64
	permitsWhileBlocked int64
	unacked             int64
	blocked             bool
}

func (f *flowState) snapshot() flowSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()

	return flowSnapshot{
		permits:             f.permits,
		permitsWhileBlocked: f.permitsWhileBlocked,
		unacked:             f.unacked,
		blocked:             f.blocked,
	}
}
