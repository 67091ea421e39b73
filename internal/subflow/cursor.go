package subflow

import (
	"fmt"

	"github.com/couchbase/gocb/v2"

	"subflow/internal/couchbase"
)

// Cursor is the stored mark-delete position of a subscription: every entry
// at or before it has been cumulatively acknowledged.
type Cursor struct {
	ID       string `json:"id"`
	Topic    string `json:"topic"`
	Sub      string `json:"sub"`
	LedgerID int64  `json:"ledgerId"`
	EntryID  int64  `json:"entryId"`

	couchbase.Cas `json:"-"`
}

func (c Cursor) Position() Position {
	return Position{LedgerID: c.LedgerID, EntryID: c.EntryID}
}

// NoCursor is reported for subscriptions that have not acknowledged anything.
// Its Next is the first entry of ledger 0.
var NoCursor = Position{LedgerID: 0, EntryID: -1}

func NewCursorsStore(cluster *gocb.Cluster, bucket *gocb.Bucket, scope string) (*couchbase.Couchbase[Cursor], error) {
	collection := bucket.Scope(scope).Collection("cursors")
	return couchbase.NewCouchbase[Cursor](cluster, bucket, collection)
}

func CursorKey(topic, sub string) string {
	return fmt.Sprintf("cursor::%s::%s", topic, sub)
}
