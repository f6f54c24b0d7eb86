package popgate

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	// ErrNotFound reports a cache lookup miss.
	ErrNotFound = errors.New("cache entry not found")
	// ErrStorage wraps failures of the underlying durable storage.
	ErrStorage = errors.New("durable storage failure")
)

// Partition roles. A concrete partition is named <role>-<version>; only the
// partitions carrying the active version survive activation.
const (
	roleStatic = "static-assets"
	roleAPI    = "api-responses"
	rolePop    = "pop-pages"
)

func partitionName(role, version string) string {
	return role + "-" + version
}

// PartitionStore is the repository surface strategies talk to. Per-call
// atomicity comes from the backing store; there is no cross-call locking.
type PartitionStore interface {
	Get(partition, key string) (CacheEntry, error)
	Put(partition, key string, ent CacheEntry) error
	Delete(partition, key string) error
	Keys(partition string) ([]string, error)
	Partitions() ([]string, error)
	Drop(partition string) error
	Close() error
}

// levelPartitions keeps every partition in one leveldb database under
// "p:<partition>:<key>". Partition names must not contain ':'; config
// validation enforces that for the version tag.
type levelPartitions struct {
	db *leveldb.DB
}

func openPartitions(path string) (*levelPartitions, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, storageErr("open cache", err)
	}
	return &levelPartitions{db: db}, nil
}

func (p *levelPartitions) Get(partition, key string) (CacheEntry, error) {
	b, err := p.db.Get(entryKey(partition, key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return CacheEntry{}, ErrNotFound
		}
		return CacheEntry{}, storageErr("cache get", err)
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		// Undecodable entries behave like misses; the next successful
		// fetch overwrites them.
		return CacheEntry{}, ErrNotFound
	}
	return ent, nil
}

func (p *levelPartitions) Put(partition, key string, ent CacheEntry) error {
	b, err := encodeGob(ent)
	if err != nil {
		return storageErr("cache encode", err)
	}
	if err := p.db.Put(entryKey(partition, key), b, nil); err != nil {
		return storageErr("cache put", err)
	}
	return nil
}

func (p *levelPartitions) Delete(partition, key string) error {
	if err := p.db.Delete(entryKey(partition, key), nil); err != nil {
		return storageErr("cache delete", err)
	}
	return nil
}

func (p *levelPartitions) Keys(partition string) ([]string, error) {
	prefix := []byte("p:" + partition + ":")
	it := p.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	if err := it.Error(); err != nil {
		return nil, storageErr("cache keys", err)
	}
	return out, nil
}

// Partitions lists every partition holding at least one entry.
func (p *levelPartitions) Partitions() ([]string, error) {
	it := p.db.NewIterator(util.BytesPrefix([]byte("p:")), nil)
	defer it.Release()

	seen := map[string]struct{}{}
	var out []string
	for it.Next() {
		rest := strings.TrimPrefix(string(it.Key()), "p:")
		i := strings.IndexByte(rest, ':')
		if i < 0 {
			continue
		}
		name := rest[:i]
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	if err := it.Error(); err != nil {
		return nil, storageErr("cache partitions", err)
	}
	return out, nil
}

func (p *levelPartitions) Drop(partition string) error {
	prefix := []byte("p:" + partition + ":")
	it := p.db.NewIterator(util.BytesPrefix(prefix), nil)
	batch := new(leveldb.Batch)
	for it.Next() {
		k := make([]byte, len(it.Key()))
		copy(k, it.Key())
		batch.Delete(k)
	}
	it.Release()
	if err := it.Error(); err != nil {
		return storageErr("cache drop scan", err)
	}
	if err := p.db.Write(batch, nil); err != nil {
		return storageErr("cache drop", err)
	}
	return nil
}

func (p *levelPartitions) Close() error {
	return p.db.Close()
}

func entryKey(partition, key string) []byte {
	return []byte("p:" + partition + ":" + key)
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorage, op, err)
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}

func init() {
	// Ensure http.Header is registered for gob.
	gob.Register(http.Header{})
}
