package subflow

import (
	"fmt"
	"time"

	"github.com/couchbase/gocb/v2"

	"subflow/internal/couchbase"
)

// Ack records an individual acknowledgment of one position by a
// subscription. Positions at or before the subscription's cursor need no
// Ack document.
type Ack struct {
	ID       string    `json:"id"`
	Topic    string    `json:"topic"`
	Sub      string    `json:"sub"`
	LedgerID int64     `json:"ledgerId"`
	EntryID  int64     `json:"entryId"`
	AckedAt  time.Time `json:"ackedAt"`

	couchbase.Cas `json:"-"`
}

func NewAcksStore(cluster *gocb.Cluster, bucket *gocb.Bucket, scope string) (*couchbase.Couchbase[Ack], error) {
	collection := bucket.Scope(scope).Collection("acks")
	return couchbase.NewCouchbase[Ack](cluster, bucket, collection)
}

func AckKey(topic, sub string, pos Position) string {
	return fmt.Sprintf("ack::%s::%s::%d::%d", topic, sub, pos.LedgerID, pos.EntryID)
}
