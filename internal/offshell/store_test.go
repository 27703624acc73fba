package offshell

import (
	"net/http"
	"sort"
	"sync"
	"testing"
)

// memStore is an in-memory Store with controllable insertion order and
// scriptable failures, substituted for LevelDB in most tests.
type memStore struct {
	mu     sync.Mutex
	caches map[string][]memEntry

	failPut    error
	failDelete error
}

type memEntry struct {
	key string
	ent CacheEntry
}

func newMemStore() *memStore {
	return &memStore{caches: map[string][]memEntry{}}
}

func (m *memStore) Get(cache, key string) (CacheEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.caches[cache] {
		if e.key == key {
			return e.ent, true
		}
	}
	return CacheEntry{}, false
}

func (m *memStore) Put(cache, key string, ent CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPut != nil {
		return m.failPut
	}
	entries := m.caches[cache]
	for i, e := range entries {
		if e.key == key {
			entries[i].ent = ent // replace in place, keep insertion order
			return nil
		}
	}
	m.caches[cache] = append(entries, memEntry{key, ent})
	return nil
}

func (m *memStore) Delete(cache, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failDelete != nil {
		return m.failDelete
	}
	entries := m.caches[cache]
	for i, e := range entries {
		if e.key == key {
			m.caches[cache] = append(entries[:i], entries[i+1:]...)
			if len(m.caches[cache]) == 0 {
				delete(m.caches, cache)
			}
			return nil
		}
	}
	return nil
}

func (m *memStore) Keys(cache string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.caches[cache]))
	for i, e := range m.caches[cache] {
		out[i] = e.key
	}
	return out
}

func (m *memStore) Count(cache string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.caches[cache])
}

func (m *memStore) CacheNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.caches))
	for name := range m.caches {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (m *memStore) DeleteCache(cache string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.caches, cache)
	return nil
}

func (m *memStore) Close() error { return nil }

func entry(body string) CacheEntry {
	return CacheEntry{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"text/plain"}},
		Body:   []byte(body),
	}
}

// ---- levelStore ----

func TestLevelStoreInsertionOrder(t *testing.T) {
	st, err := OpenStore(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	const cache = "v1-static"
	for _, key := range []string{"/a", "/b", "/c"} {
		if err := st.Put(cache, key, entry("body "+key)); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}

	got := st.Keys(cache)
	want := []string{"/a", "/b", "/c"}
	if !equalStrings(got, want) {
		t.Fatalf("keys = %v, want %v", got, want)
	}

	// Replacing an existing key keeps its original insertion position.
	if err := st.Put(cache, "/b", entry("replaced")); err != nil {
		t.Fatalf("replace /b: %v", err)
	}
	if got := st.Keys(cache); !equalStrings(got, want) {
		t.Fatalf("keys after replace = %v, want %v", got, want)
	}
	if st.Count(cache) != 3 {
		t.Fatalf("count = %d, want 3", st.Count(cache))
	}
	ent, ok := st.Get(cache, "/b")
	if !ok || string(ent.Body) != "replaced" {
		t.Fatalf("get /b = %q, %v", ent.Body, ok)
	}

	if err := st.Delete(cache, "/a"); err != nil {
		t.Fatalf("delete /a: %v", err)
	}
	if got := st.Keys(cache); !equalStrings(got, []string{"/b", "/c"}) {
		t.Fatalf("keys after delete = %v", got)
	}

	if names := st.CacheNames(); !equalStrings(names, []string{cache}) {
		t.Fatalf("cache names = %v", names)
	}
	if err := st.DeleteCache(cache); err != nil {
		t.Fatalf("delete cache: %v", err)
	}
	if names := st.CacheNames(); len(names) != 0 {
		t.Fatalf("cache names after delete = %v", names)
	}
}

func TestLevelStorePersistsOrderAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	const cache = "v1-dynamic"

	st, err := OpenStore(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	for _, key := range []string{"/one", "/two"} {
		if err := st.Put(cache, key, entry(key)); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st, err = OpenStore(dir)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer st.Close()

	if got := st.Keys(cache); !equalStrings(got, []string{"/one", "/two"}) {
		t.Fatalf("keys after reopen = %v", got)
	}

	// The sequence counter survives restarts: new writes sort after old ones.
	if err := st.Put(cache, "/three", entry("/three")); err != nil {
		t.Fatalf("put /three: %v", err)
	}
	if got := st.Keys(cache); !equalStrings(got, []string{"/one", "/two", "/three"}) {
		t.Fatalf("keys after reopen put = %v", got)
	}
}

func TestLevelStoreSeparatesCaches(t *testing.T) {
	st, err := OpenStore(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	if err := st.Put("v1-static", "/a", entry("static")); err != nil {
		t.Fatal(err)
	}
	if err := st.Put("v1-dynamic", "/a", entry("dynamic")); err != nil {
		t.Fatal(err)
	}

	ent, ok := st.Get("v1-static", "/a")
	if !ok || string(ent.Body) != "static" {
		t.Fatalf("static /a = %q, %v", ent.Body, ok)
	}
	ent, ok = st.Get("v1-dynamic", "/a")
	if !ok || string(ent.Body) != "dynamic" {
		t.Fatalf("dynamic /a = %q, %v", ent.Body, ok)
	}

	if err := st.DeleteCache("v1-static"); err != nil {
		t.Fatal(err)
	}
	if _, ok := st.Get("v1-dynamic", "/a"); !ok {
		t.Fatal("deleting one cache removed another cache's entry")
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
