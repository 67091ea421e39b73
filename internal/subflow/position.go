package subflow

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Position identifies a stored entry in the durable log. Positions are totally
// ordered: first by ledger, then by entry within the ledger.
type Position struct {
	LedgerID int64 `json:"ledgerId"`
	EntryID  int64 `json:"entryId"`
}

// Compare returns -1, 0 or 1 depending on whether p sorts before, equal to or
// after o.
func (p Position) Compare(o Position) int {
	switch {
	case p.LedgerID < o.LedgerID:
		return -1
	case p.LedgerID > o.LedgerID:
		return 1
	case p.EntryID < o.EntryID:
		return -1
	case p.EntryID > o.EntryID:
		return 1
	default:
		return 0
	}
}

func (p Position) Less(o Position) bool {
	return p.Compare(o) < 0
}

// Next returns the position immediately following p in the same ledger.
func (p Position) Next() Position {
	return Position{LedgerID: p.LedgerID, EntryID: p.EntryID + 1}
}

// SortPositions orders positions in place.
func SortPositions(positions []Position) {
	slices.SortFunc(positions, Position.Compare)
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.LedgerID, p.EntryID)
}

// ParsePosition parses the "ledger:entry" form produced by String.
func ParsePosition(s string) (Position, error) {
	ledger, entry, ok := strings.Cut(s, ":")
	if !ok {
		return Position{}, fmt.Errorf("invalid position %q: expected ledger:entry", s)
	}

	l, err := strconv.ParseInt(ledger, 10, 64)
	if err != nil {
		return Position{}, fmt.Errorf("invalid ledger in position %q: %w", s, err)
	}
	e, err := strconv.ParseInt(entry, 10, 64)
	if err != nil {
		return Position{}, fmt.Errorf("invalid entry in position %q: %w", s, err)
	}

	return Position{LedgerID: l, EntryID: e}, nil
}
