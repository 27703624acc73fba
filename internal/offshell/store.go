package offshell

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Store is a set of named cache partitions mapping request keys to response
// snapshots. Partitions preserve insertion order: Keys returns oldest-inserted
// first, and replacing an existing key keeps its original position. That
// ordering is what eviction trims by, so implementations must provide it
// themselves; callers never sort.
type Store interface {
	// Get reports ok=false both for missing keys and for unreadable entries;
	// read failures degrade to a miss rather than surfacing.
	Get(cache, key string) (CacheEntry, bool)
	Put(cache, key string, ent CacheEntry) error
	Delete(cache, key string) error
	Keys(cache string) []string
	Count(cache string) int
	CacheNames() []string
	DeleteCache(cache string) error
	Close() error
}

// keySep separates the partition name from the request key inside LevelDB
// keys. Cache names must not contain it; request keys are URIs and cannot.
const keySep = "|"

type entryMeta struct {
	Seq      int64
	StoredAt int64
}

// levelStore is the LevelDB-backed Store. Entries live under "e:<cache>|<key>"
// and their insertion metadata under "m:<cache>|<key>"; an in-memory sequence
// index, rebuilt at open, answers ordering and count queries without touching
// disk.
type levelStore struct {
	db *leveldb.DB

	mu      sync.Mutex
	seqs    map[string]map[string]int64 // cache -> key -> insertion seq
	nextSeq int64
}

func OpenStore(path string) (Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	s := &levelStore{
		db:   db,
		seqs: map[string]map[string]int64{},
	}
	if err := s.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *levelStore) Close() error {
	return s.db.Close()
}

func (s *levelStore) loadIndex() error {
	it := s.db.NewIterator(util.BytesPrefix([]byte("m:")), nil)
	defer it.Release()

	for it.Next() {
		cache, key, ok := splitStoreKey(bytes.TrimPrefix(it.Key(), []byte("m:")))
		if !ok {
			continue
		}
		var meta entryMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		s.indexPut(cache, key, meta.Seq)
		if meta.Seq >= s.nextSeq {
			s.nextSeq = meta.Seq + 1
		}
	}
	return it.Error()
}

func splitStoreKey(b []byte) (cache, key string, ok bool) {
	parts := strings.SplitN(string(b), keySep, 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func entryKey(cache, key string) []byte { return []byte("e:" + cache + keySep + key) }
func metaKey(cache, key string) []byte  { return []byte("m:" + cache + keySep + key) }

func (s *levelStore) indexPut(cache, key string, seq int64) {
	m, ok := s.seqs[cache]
	if !ok {
		m = map[string]int64{}
		s.seqs[cache] = m
	}
	m[key] = seq
}

func (s *levelStore) Get(cache, key string) (CacheEntry, bool) {
	b, err := s.db.Get(entryKey(cache, key), nil)
	if err != nil {
		if err != leveldb.ErrNotFound {
			log.Printf("store: read %s%s%s: %v", cache, keySep, key, err)
		}
		return CacheEntry{}, false
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		log.Printf("store: decode %s%s%s: %v", cache, keySep, key, err)
		return CacheEntry{}, false
	}
	return ent, true
}

func (s *levelStore) Put(cache, key string, ent CacheEntry) error {
	if strings.Contains(cache, keySep) {
		return fmt.Errorf("cache name %q contains %q", cache, keySep)
	}
	eb, err := encodeGob(ent)
	if err != nil {
		return err
	}

	s.mu.Lock()
	seq, exists := s.seqs[cache][key]
	if !exists {
		seq = s.nextSeq
		s.nextSeq++
	}
	s.mu.Unlock()

	meta := entryMeta{Seq: seq, StoredAt: ent.StoredAt}
	mb, err := encodeGob(meta)
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	batch.Put(entryKey(cache, key), eb)
	batch.Put(metaKey(cache, key), mb)
	if err := s.db.Write(batch, nil); err != nil {
		return err
	}

	s.mu.Lock()
	s.indexPut(cache, key, seq)
	s.mu.Unlock()
	return nil
}

func (s *levelStore) Delete(cache, key string) error {
	batch := new(leveldb.Batch)
	batch.Delete(entryKey(cache, key))
	batch.Delete(metaKey(cache, key))
	if err := s.db.Write(batch, nil); err != nil {
		return err
	}
	s.mu.Lock()
	if m, ok := s.seqs[cache]; ok {
		delete(m, key)
		if len(m) == 0 {
			delete(s.seqs, cache)
		}
	}
	s.mu.Unlock()
	return nil
}

func (s *levelStore) Keys(cache string) []string {
	type ordered struct {
		key string
		seq int64
	}
	s.mu.Lock()
	items := make([]ordered, 0, len(s.seqs[cache]))
	for k, seq := range s.seqs[cache] {
		items = append(items, ordered{k, seq})
	}
	s.mu.Unlock()

	sort.Slice(items, func(i, j int) bool { return items[i].seq < items[j].seq })
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.key
	}
	return out
}

func (s *levelStore) Count(cache string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seqs[cache])
}

func (s *levelStore) CacheNames() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.seqs))
	for name := range s.seqs {
		out = append(out, name)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

func (s *levelStore) DeleteCache(cache string) error {
	batch := new(leveldb.Batch)
	for _, key := range s.Keys(cache) {
		batch.Delete(entryKey(cache, key))
		batch.Delete(metaKey(cache, key))
	}
	if err := s.db.Write(batch, nil); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.seqs, cache)
	s.mu.Unlock()
	return nil
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	// Ensure http.Header is registered for gob.
	gob.Register(http.Header{})
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
}
