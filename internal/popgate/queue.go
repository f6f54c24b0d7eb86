package popgate

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"

	"github.com/sony/sonyflake"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// QueueStore is the durable backlog of mutations that could not be delivered
// live. Records are append-only: Enqueue writes one, the replayer Removes it
// after an HTTP-ok replay, nothing else touches it.
type QueueStore interface {
	Enqueue(m QueuedMutation) (QueuedRecord, error)
	ListAll() ([]QueuedRecord, error)
	Remove(key uint64) error
	Len() (int, error)
	Close() error
}

// levelQueue stores JSON records under "q:<big-endian id>", so iteration
// order is enqueue order. Keys come from a sonyflake generator: strictly
// increasing per process, so two mutations in the same millisecond cannot
// collide the way raw enqueue timestamps would.
type levelQueue struct {
	db    *leveldb.DB
	flake *sonyflake.Sonyflake
}

func openQueue(path string) (*levelQueue, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, storageErr("open queue", err)
	}
	flake := sonyflake.NewSonyflake(sonyflake.Settings{})
	if flake == nil {
		// Hosts without a private address (some containers, CI).
		flake = sonyflake.NewSonyflake(sonyflake.Settings{
			MachineID: func() (uint16, error) { return 0, nil },
		})
	}
	if flake == nil {
		_ = db.Close()
		return nil, errors.New("sonyflake init failed")
	}
	return &levelQueue{db: db, flake: flake}, nil
}

func (q *levelQueue) Enqueue(m QueuedMutation) (QueuedRecord, error) {
	id, err := q.flake.NextID()
	if err != nil {
		return QueuedRecord{}, storageErr("queue key", err)
	}
	b, err := json.Marshal(m)
	if err != nil {
		return QueuedRecord{}, storageErr("queue encode", err)
	}
	if err := q.db.Put(queueKey(id), b, nil); err != nil {
		return QueuedRecord{}, storageErr("queue put", err)
	}
	return QueuedRecord{Key: id, Mutation: m}, nil
}

// ListAll returns the whole backlog in enqueue order.
func (q *levelQueue) ListAll() ([]QueuedRecord, error) {
	it := q.db.NewIterator(util.BytesPrefix([]byte("q:")), nil)
	defer it.Release()

	var out []QueuedRecord
	for it.Next() {
		id, ok := parseQueueKey(it.Key())
		if !ok {
			continue
		}
		var m QueuedMutation
		if err := json.Unmarshal(it.Value(), &m); err != nil {
			continue
		}
		out = append(out, QueuedRecord{Key: id, Mutation: m})
	}
	if err := it.Error(); err != nil {
		return nil, storageErr("queue list", err)
	}
	return out, nil
}

// Remove deletes one record. A missing key is treated as already removed.
func (q *levelQueue) Remove(key uint64) error {
	if err := q.db.Delete(queueKey(key), nil); err != nil {
		return storageErr("queue remove", err)
	}
	return nil
}

func (q *levelQueue) Len() (int, error) {
	it := q.db.NewIterator(util.BytesPrefix([]byte("q:")), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	if err := it.Error(); err != nil {
		return 0, storageErr("queue len", err)
	}
	return n, nil
}

func (q *levelQueue) Close() error {
	return q.db.Close()
}

func queueKey(id uint64) []byte {
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], id)
	return []byte("q:" + hex.EncodeToString(raw[:]))
}

func parseQueueKey(k []byte) (uint64, bool) {
	rest := k[len("q:"):]
	raw, err := hex.DecodeString(string(rest))
	if err != nil || len(raw) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(raw), true
}
