package subflow

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/couchbase/gocb/v2"

	"subflow/internal/couchbase"
)

// Entry is one stored record. Its payload may carry a batch of several
// logical messages behind the batch header.
type Entry struct {
	Position Position `json:"position"`
	Payload  []byte   `json:"payload"`
}

// batch header format:
// [x][x][x][x][x][x][x][x][x][x][x]...
// | (u16)||    (u32)   ||   (u32)   || N-byte
// ---------------------------------------------
//  magic    crc32c of     messages     body
//  0x0e01   the rest      in batch
const (
	batchMagic      uint16 = 0x0e01
	batchHeaderSize        = 2 + 4 + 4
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// EncodeBatch prefixes body with the batch header for batchSize logical
// messages.
func EncodeBatch(batchSize int, body []byte) []byte {
	buf := make([]byte, batchHeaderSize+len(body))
	binary.BigEndian.PutUint16(buf[0:2], batchMagic)
	binary.BigEndian.PutUint32(buf[6:10], uint32(batchSize))
	copy(buf[batchHeaderSize:], body)
	binary.BigEndian.PutUint32(buf[2:6], crc32.Checksum(buf[6:], castagnoli))
	return buf
}

// BatchSize parses the batch header of payload and returns the number of
// logical messages it holds. Any parse failure wraps ErrCorruptEntry.
func BatchSize(payload []byte) (int, error) {
	if len(payload) < batchHeaderSize {
		return 0, fmt.Errorf("%w: payload of %d bytes is shorter than the batch header", ErrCorruptEntry, len(payload))
	}
	if magic := binary.BigEndian.Uint16(payload[0:2]); magic != batchMagic {
		return 0, fmt.Errorf("%w: bad magic 0x%04x", ErrCorruptEntry, magic)
	}
	if want, got := binary.BigEndian.Uint32(payload[2:6]), crc32.Checksum(payload[6:], castagnoli); want != got {
		return 0, fmt.Errorf("%w: checksum mismatch", ErrCorruptEntry)
	}

	n := int32(binary.BigEndian.Uint32(payload[6:10]))
	if n < 1 {
		return 0, fmt.Errorf("%w: batch size %d", ErrCorruptEntry, n)
	}

	return int(n), nil
}

// BatchBody returns the payload without its batch header.
func BatchBody(payload []byte) []byte {
	if len(payload) < batchHeaderSize {
		return nil
	}
	return payload[batchHeaderSize:]
}

// EntryDoc is the stored form of an Entry.
type EntryDoc struct {
	ID          string     `json:"id"`
	Topic       string     `json:"topic"`
	LedgerID    int64      `json:"ledgerId"`
	EntryID     int64      `json:"entryId"`
	Payload     []byte     `json:"payload"`
	PublishTime *time.Time `json:"publishTime,omitempty"`

	couchbase.Cas `json:"-"`
}

func (d EntryDoc) Entry() Entry {
	return Entry{
		Position: Position{LedgerID: d.LedgerID, EntryID: d.EntryID},
		Payload:  d.Payload,
	}
}

func NewEntriesStore(cluster *gocb.Cluster, bucket *gocb.Bucket, scope string) (*couchbase.Couchbase[EntryDoc], error) {
	collection := bucket.Scope(scope).Collection("entries")
	return couchbase.NewCouchbase[EntryDoc](cluster, bucket, collection)
}

func EntryKey(topic string, pos Position) string {
	return fmt.Sprintf("entry::%s::%d::%d", topic, pos.LedgerID, pos.EntryID)
}
