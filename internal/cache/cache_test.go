package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"pipeweaver/internal/fingerprint"
)

func key(t *testing.T, v any) fingerprint.Fingerprint {
	t.Helper()
	fp, err := fingerprint.Of(v)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	return fp
}

// backends returns one fresh instance of every Cache implementation.
func backends(t *testing.T) map[string]Cache {
	t.Helper()
	lruCache, err := NewLRUCache(16)
	if err != nil {
		t.Fatalf("NewLRUCache: %v", err)
	}
	pg, err := newPostgresCache(context.Background(), newFakePG())
	if err != nil {
		t.Fatalf("newPostgresCache: %v", err)
	}
	return map[string]Cache{
		"memory":   NewMemoryCache(),
		"lru":      lruCache,
		"file":     NewFileCache(filepath.Join(t.TempDir(), "cache")),
		"object":   newObjectCache(newFakeStore(), ""),
		"postgres": pg,
	}
}

// TestCache_Contract checks the get/put/clear contract on every backend.
func TestCache_Contract(t *testing.T) {
	ctx := context.Background()
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			k := key(t, []any{"scale", 2.0, 3})

			got, err := c.Get(ctx, k)
			if err != nil {
				t.Fatalf("Get on empty cache: %v", err)
			}
			if got != nil {
				t.Fatalf("expected miss, got %+v", got)
			}

			if err := c.Put(ctx, &CacheEntry{Key: k, Stage: "scale", Value: []float64{6, 7}}); err != nil {
				t.Fatalf("Put: %v", err)
			}
			got, err = c.Get(ctx, k)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got == nil {
				t.Fatal("expected hit after Put")
			}
			if got.Key != k || got.Stage != "scale" {
				t.Errorf("entry envelope = %+v", got)
			}
			if !reflect.DeepEqual(got.Value, []float64{6, 7}) {
				t.Errorf("value = %#v, want []float64{6, 7}", got.Value)
			}

			// Replacing an entry keeps the count at one.
			if err := c.Put(ctx, &CacheEntry{Key: k, Stage: "scale", Value: []float64{8}}); err != nil {
				t.Fatalf("Put replace: %v", err)
			}
			if n, err := c.Len(ctx); err != nil || n != 1 {
				t.Fatalf("Len = %d, %v; want 1", n, err)
			}

			if err := c.Put(ctx, &CacheEntry{Key: key(t, "other"), Stage: "offset", Value: 1.5}); err != nil {
				t.Fatalf("Put second: %v", err)
			}
			if n, _ := c.Len(ctx); n != 2 {
				t.Fatalf("Len = %d, want 2", n)
			}

			if err := c.Clear(ctx); err != nil {
				t.Fatalf("Clear: %v", err)
			}
			if n, _ := c.Len(ctx); n != 0 {
				t.Errorf("Len after Clear = %d, want 0", n)
			}
			if got, _ := c.Get(ctx, k); got != nil {
				t.Errorf("Get after Clear returned %+v", got)
			}
		})
	}
}

// TestCache_PutRejectsInvalidEntries checks nil and keyless entries on every backend.
func TestCache_PutRejectsInvalidEntries(t *testing.T) {
	ctx := context.Background()
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := c.Put(ctx, nil); !errors.Is(err, ErrNilEntry) {
				t.Errorf("Put(nil) = %v, want ErrNilEntry", err)
			}
			if err := c.Put(ctx, &CacheEntry{Stage: "scale", Value: 1}); err == nil {
				t.Error("Put without key should fail")
			}
		})
	}
}

// TestMemoryCache_ConcurrentAccess exercises racing puts and gets on one key.
func TestMemoryCache_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	k := key(t, "shared")

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Put(ctx, &CacheEntry{Key: k, Stage: "s", Value: 42}); err != nil {
				t.Errorf("Put: %v", err)
			}
			if _, err := c.Get(ctx, k); err != nil {
				t.Errorf("Get: %v", err)
			}
		}()
	}
	wg.Wait()

	if n, _ := c.Len(ctx); n != 1 {
		t.Errorf("Len = %d, want 1", n)
	}
}

// TestLRUCache_EvictsLeastRecentlyUsed verifies the size bound.
func TestLRUCache_EvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	c, err := NewLRUCache(2)
	if err != nil {
		t.Fatalf("NewLRUCache: %v", err)
	}
	a, b, d := key(t, "a"), key(t, "b"), key(t, "d")

	_ = c.Put(ctx, &CacheEntry{Key: a, Value: 1})
	_ = c.Put(ctx, &CacheEntry{Key: b, Value: 2})
	// Touch a so b becomes the eviction candidate.
	if got, _ := c.Get(ctx, a); got == nil {
		t.Fatal("expected a to be present")
	}
	_ = c.Put(ctx, &CacheEntry{Key: d, Value: 3})

	if got, _ := c.Get(ctx, b); got != nil {
		t.Error("b should have been evicted")
	}
	if got, _ := c.Get(ctx, a); got == nil {
		t.Error("a should survive eviction")
	}
	if n, _ := c.Len(ctx); n != 2 {
		t.Errorf("Len = %d, want 2", n)
	}
}

func TestNewLRUCache_RejectsNonPositiveSize(t *testing.T) {
	for _, size := range []int{0, -1} {
		if _, err := NewLRUCache(size); err == nil {
			t.Errorf("NewLRUCache(%d) should fail", size)
		}
	}
}

// TestFileCache_SurvivesReopen verifies entries persist across instances.
func TestFileCache_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	k := key(t, "persist")

	first := NewFileCache(dir)
	if err := first.Put(ctx, &CacheEntry{Key: k, Stage: "ridge", Value: map[string]float64{"w": 0.5}}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	second := NewFileCache(dir)
	got, err := second.Get(ctx, k)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("expected entry written by first instance")
	}
	if !reflect.DeepEqual(got.Value, map[string]float64{"w": 0.5}) {
		t.Errorf("value = %#v", got.Value)
	}

	// The blob lives under the two-character shard directory.
	shard := filepath.Join(dir, string(k)[:2], string(k)+blobSuffix)
	if _, err := os.Stat(shard); err != nil {
		t.Errorf("expected blob at %s: %v", shard, err)
	}
}

// TestFileCache_NoTempFilesLeft verifies atomic writes clean up after themselves.
func TestFileCache_NoTempFilesLeft(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	c := NewFileCache(dir)
	for i := 0; i < 5; i++ {
		if err := c.Put(ctx, &CacheEntry{Key: key(t, i), Value: i}); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if strings.Contains(d.Name(), ".tmp.") {
			t.Errorf("leftover temp file %s", path)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
}

// TestFileCache_CorruptEntryIsError verifies unreadable blobs surface as errors,
// not as misses.
func TestFileCache_CorruptEntryIsError(t *testing.T) {
	ctx := context.Background()
	c := NewFileCache(t.TempDir())
	k := key(t, "corrupt")
	path := c.entryPath(k)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("not gob"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get(ctx, k); err == nil {
		t.Error("expected decode error")
	}
}

// TestDurableCaches_StoredKeyMismatchIsError verifies a blob found under one
// key but recording another is rejected by both durable backends.
func TestDurableCaches_StoredKeyMismatchIsError(t *testing.T) {
	ctx := context.Background()
	stored, other := key(t, "stored"), key(t, "other")

	file := NewFileCache(t.TempDir())
	store := newFakeStore()
	object := newObjectCache(store, "cache")

	cases := []struct {
		name string
		c    Cache
		move func(t *testing.T)
	}{
		{"file", file, func(t *testing.T) {
			data, err := os.ReadFile(file.entryPath(stored))
			if err != nil {
				t.Fatal(err)
			}
			if err := os.MkdirAll(filepath.Dir(file.entryPath(other)), 0o755); err != nil {
				t.Fatal(err)
			}
			if err := os.WriteFile(file.entryPath(other), data, 0o644); err != nil {
				t.Fatal(err)
			}
		}},
		{"object", object, func(t *testing.T) {
			store.objects[object.objectKey(other)] = store.objects[object.objectKey(stored)]
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.c.Put(ctx, &CacheEntry{Key: stored, Value: 1.0}); err != nil {
				t.Fatalf("Put: %v", err)
			}
			tc.move(t)
			got, err := tc.c.Get(ctx, other)
			if err == nil || !strings.Contains(err.Error(), "key mismatch") {
				t.Errorf("Get = %v, %v; want key mismatch error", got, err)
			}
		})
	}
}

func TestFileCache_LenOnMissingDir(t *testing.T) {
	c := NewFileCache(filepath.Join(t.TempDir(), "never-created"))
	n, err := c.Len(context.Background())
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 0 {
		t.Errorf("Len = %d, want 0", n)
	}
}

// TestObjectCache_KeyLayout verifies the object naming scheme.
func TestObjectCache_KeyLayout(t *testing.T) {
	store := newFakeStore()
	c := newObjectCache(store, "/runs/cache/")
	k := key(t, "layout")
	if err := c.Put(context.Background(), &CacheEntry{Key: k, Value: "x"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	want := "runs/cache/" + string(k)[:2] + "/" + string(k) + ".bin"
	if _, ok := store.objects[want]; !ok {
		t.Errorf("missing object %q; have %v", want, store.sortedKeys())
	}
}

// TestObjectCache_ClearLeavesOtherPrefixes verifies Clear is scoped to the prefix.
func TestObjectCache_ClearLeavesOtherPrefixes(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.objects["unrelated/object"] = []byte("keep")

	c := newObjectCache(store, "cache")
	if err := c.Put(ctx, &CacheEntry{Key: key(t, 1), Value: 1}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := c.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, ok := store.objects["unrelated/object"]; !ok {
		t.Error("Clear removed an object outside its prefix")
	}
}

func TestGobCodec_PreservesConcreteType(t *testing.T) {
	codec := GobCodec{}
	for _, v := range []any{3.5, int64(7), "text", []float64{1, 2}, [][]float64{{1}, {2, 3}}, true} {
		data, err := codec.Marshal(v)
		if err != nil {
			t.Fatalf("Marshal(%#v): %v", v, err)
		}
		got, err := codec.Unmarshal(data)
		if err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if !reflect.DeepEqual(got, v) {
			t.Errorf("round trip %#v -> %#v", v, got)
		}
	}
}

// fakeStore is an in-memory objectStore.
type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeStore() *fakeStore { return &fakeStore{objects: make(map[string][]byte)} }

func (s *fakeStore) put(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = append([]byte(nil), data...)
	return nil
}

func (s *fakeStore) get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	return data, ok, nil
}

func (s *fakeStore) keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *fakeStore) remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *fakeStore) sortedKeys() []string {
	keys, _ := s.keys(context.Background(), "")
	return keys
}

// fakePG understands the handful of statements PostgresCache issues.
type fakePG struct {
	mu   sync.Mutex
	rows map[string]fakePGRow
}

type fakePGRow struct {
	stage string
	value []byte
}

func newFakePG() *fakePG { return &fakePG{rows: make(map[string]fakePGRow)} }

func (f *fakePG) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case strings.Contains(sql, "CREATE TABLE"):
		return pgconn.NewCommandTag("CREATE TABLE"), nil
	case strings.Contains(sql, "INSERT INTO"):
		f.rows[args[0].(string)] = fakePGRow{stage: args[1].(string), value: args[2].([]byte)}
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	case strings.Contains(sql, "DELETE FROM"):
		f.rows = make(map[string]fakePGRow)
		return pgconn.NewCommandTag("DELETE"), nil
	}
	return pgconn.CommandTag{}, errors.New("fakePG: unexpected statement")
}

func (f *fakePG) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case strings.Contains(sql, "count(*)"):
		return fakeScan{vals: []any{len(f.rows)}}
	case strings.Contains(sql, "SELECT stage, value"):
		row, ok := f.rows[args[0].(string)]
		if !ok {
			return fakeScan{err: pgx.ErrNoRows}
		}
		return fakeScan{vals: []any{row.stage, row.value}}
	}
	return fakeScan{err: errors.New("fakePG: unexpected query")}
}

type fakeScan struct {
	vals []any
	err  error
}

func (r fakeScan) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		reflect.ValueOf(d).Elem().Set(reflect.ValueOf(r.vals[i]))
	}
	return nil
}
