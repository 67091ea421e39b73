package subflow

import (
	"fmt"

	"github.com/couchbase/gocb/v2"

	"subflow/internal/couchbase"
)

// Offset is the next entry id a producer writes to in a topic's ledger.
type Offset struct {
	ID       string `json:"id"`
	LedgerID int64  `json:"ledgerId"`
	N        int64  `json:"n"`

	couchbase.Cas `json:"-"`
}

func NewOffsetsStore(cluster *gocb.Cluster, bucket *gocb.Bucket, scope string) (*couchbase.Couchbase[Offset], error) {
	collection := bucket.Scope(scope).Collection("offsets")
	return couchbase.NewCouchbase[Offset](cluster, bucket, collection)
}

func OffsetKey(topic string, ledgerID int64) string {
	return fmt.Sprintf("offset::%s::%d", topic, ledgerID)
}
