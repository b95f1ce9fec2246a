package chunkstore

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/pithecene-io/circuitd/clock"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type backendCase struct {
	name string
	open func(t *testing.T) Backend
}

func backends() []backendCase {
	return []backendCase{
		{"memory", func(t *testing.T) Backend { return NewMemoryBackend() }},
		{"badger", func(t *testing.T) Backend {
			b, err := OpenBadger(t.TempDir())
			if err != nil {
				t.Fatalf("OpenBadger: %v", err)
			}
			return b
		}},
	}
}

func newCache(t *testing.T, b Backend, c Compression) (*Cache, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(epoch)
	cache := New(b, Options{Compression: c, Clock: clk})
	t.Cleanup(func() { _ = cache.Close() })
	return cache, clk
}

func TestKey_String(t *testing.T) {
	k := Key{URL: "https://cdn.example/auth.zkey", Version: "2", Index: 14}
	if got, want := k.String(), "https://cdn.example/auth.zkey-2-14"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if got := ArtifactPrefix(k.URL); got != "https://cdn.example/auth.zkey-" {
		t.Errorf("ArtifactPrefix = %q", got)
	}
}

func TestCache_PutGet(t *testing.T) {
	compressible := bytes.Repeat([]byte("circuit-"), 4096)
	random := []byte{0x13, 0x9a, 0x04, 0xff, 0x71}

	for _, bc := range backends() {
		for _, comp := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
			t.Run(bc.name+"/"+comp.String(), func(t *testing.T) {
				cache, _ := newCache(t, bc.open(t), comp)
				ctx := t.Context()

				for i, data := range [][]byte{compressible, random, {}} {
					key := Key{URL: "https://x/a.wasm", Version: "1", Index: i}
					if err := cache.Put(ctx, key, data); err != nil {
						t.Fatalf("Put(%d): %v", i, err)
					}
					got, err := cache.Get(ctx, key, 0)
					if err != nil {
						t.Fatalf("Get(%d): %v", i, err)
					}
					if !bytes.Equal(got, data) {
						t.Errorf("Get(%d) returned %d bytes, want %d", i, len(got), len(data))
					}
				}
			})
		}
	}
}

func TestCache_GetMissing(t *testing.T) {
	for _, bc := range backends() {
		t.Run(bc.name, func(t *testing.T) {
			cache, _ := newCache(t, bc.open(t), CompressionNone)
			_, err := cache.Get(t.Context(), Key{URL: "u", Version: "1"}, 0)
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestCache_Overwrite(t *testing.T) {
	cache, _ := newCache(t, NewMemoryBackend(), CompressionNone)
	ctx := t.Context()
	key := Key{URL: "u", Version: "1"}

	_ = cache.Put(ctx, key, []byte("old"))
	if err := cache.Put(ctx, key, []byte("new")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, _ := cache.Get(ctx, key, 0)
	if string(got) != "new" {
		t.Errorf("got %q, want new", got)
	}
}

func TestCache_GetReturnsPrivateCopy(t *testing.T) {
	cache, _ := newCache(t, NewMemoryBackend(), CompressionNone)
	ctx := t.Context()
	key := Key{URL: "u", Version: "1"}
	_ = cache.Put(ctx, key, []byte("abc"))

	first, _ := cache.Get(ctx, key, 0)
	first[0] = 'z'
	second, _ := cache.Get(ctx, key, 0)
	if string(second) != "abc" {
		t.Errorf("stored data mutated through returned slice: %q", second)
	}
}

func TestCache_TTLExpiry(t *testing.T) {
	backend := NewMemoryBackend()
	cache, clk := newCache(t, backend, CompressionNone)
	ctx := t.Context()
	key := Key{URL: "u", Version: "1"}
	_ = cache.Put(ctx, key, []byte("data"))

	clk.Advance(24 * time.Hour)
	if _, err := cache.Get(ctx, key, 24*time.Hour); err != nil {
		t.Fatalf("entry at exactly ttl should be live: %v", err)
	}

	clk.Advance(time.Millisecond)
	if _, err := cache.Get(ctx, key, 24*time.Hour); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound after ttl", err)
	}
	if backend.Len() != 0 {
		t.Errorf("expired entry should be evicted, %d keys remain", backend.Len())
	}
}

func TestCache_LookupStoredAt(t *testing.T) {
	cache, clk := newCache(t, NewMemoryBackend(), CompressionNone)
	clk.Advance(90 * time.Second)
	key := Key{URL: "u", Version: "1", Index: 2}
	_ = cache.Put(t.Context(), key, []byte("x"))

	entry, err := cache.Lookup(t.Context(), key, 0)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !entry.StoredAt.Equal(epoch.Add(90 * time.Second)) {
		t.Errorf("StoredAt = %v", entry.StoredAt)
	}
	if entry.Key != key {
		t.Errorf("Key = %+v", entry.Key)
	}
}

func TestCache_EvictStaleVersions(t *testing.T) {
	const url = "https://cdn.example/a"
	const sibling = "https://cdn.example/a-1" // extends url; must survive

	for _, bc := range backends() {
		t.Run(bc.name, func(t *testing.T) {
			cache, _ := newCache(t, bc.open(t), CompressionNone)
			ctx := t.Context()

			put := func(u, v string, i int) {
				t.Helper()
				if err := cache.Put(ctx, Key{URL: u, Version: v, Index: i}, []byte("d")); err != nil {
					t.Fatal(err)
				}
			}
			for i := range 3 {
				put(url, "1", i)
			}
			put(url, "2", 0)
			put(url, "2-rc", 0)
			put(url, "2-rc", 1)
			put(sibling, "x", 0)

			n, err := cache.EvictStaleVersions(ctx, url, "2")
			if err != nil {
				t.Fatalf("EvictStaleVersions: %v", err)
			}
			if n != 5 {
				t.Errorf("evicted %d, want 5", n)
			}
			if _, err := cache.Get(ctx, Key{URL: url, Version: "2-rc"}, 0); !errors.Is(err, ErrNotFound) {
				t.Errorf("version extending the current one still present: %v", err)
			}
			if _, err := cache.Get(ctx, Key{URL: url, Version: "1"}, 0); !errors.Is(err, ErrNotFound) {
				t.Errorf("stale version still present: %v", err)
			}
			if _, err := cache.Get(ctx, Key{URL: url, Version: "2"}, 0); err != nil {
				t.Errorf("current version evicted: %v", err)
			}
			if _, err := cache.Get(ctx, Key{URL: sibling, Version: "x"}, 0); err != nil {
				t.Errorf("sibling url evicted: %v", err)
			}
		})
	}
}

func TestCache_EvictByPrefix(t *testing.T) {
	cache, _ := newCache(t, NewMemoryBackend(), CompressionNone)
	ctx := t.Context()
	for i := range 4 {
		_ = cache.Put(ctx, Key{URL: "u", Version: "7", Index: i}, []byte("d"))
	}
	_ = cache.Put(ctx, Key{URL: "other", Version: "7"}, []byte("d"))

	n, err := cache.EvictByPrefix(ctx, ArtifactPrefix("u"))
	if err != nil || n != 4 {
		t.Fatalf("EvictByPrefix = %d, %v; want 4, nil", n, err)
	}
	if _, err := cache.Get(ctx, Key{URL: "other", Version: "7"}, 0); err != nil {
		t.Errorf("unrelated entry evicted: %v", err)
	}
}

func TestCache_CorruptEntriesAreDropped(t *testing.T) {
	backend := NewMemoryBackend()
	cache, _ := newCache(t, backend, CompressionNone)
	ctx := t.Context()

	garbage := Key{URL: "u", Version: "1", Index: 0}
	_ = backend.Set([]byte(garbage.String()), []byte{0xc1, 0x00})

	tampered := Key{URL: "u", Version: "1", Index: 1}
	raw, err := encodeRecord(tampered, []byte("original"), epoch.UnixMilli(), CompressionNone)
	if err != nil {
		t.Fatal(err)
	}
	var rec record
	if err := msgpack.Unmarshal(raw, &rec); err != nil {
		t.Fatal(err)
	}
	rec.Data = []byte("modified")
	raw, _ = msgpack.Marshal(&rec)
	_ = backend.Set([]byte(tampered.String()), raw)

	for _, k := range []Key{garbage, tampered} {
		if _, err := cache.Get(ctx, k, 0); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get(%s) err = %v, want ErrNotFound", k, err)
		}
	}
	if backend.Len() != 0 {
		t.Errorf("corrupt entries should be evicted, %d remain", backend.Len())
	}
}

func TestCache_Closed(t *testing.T) {
	cache := New(NewMemoryBackend(), Options{})
	if err := cache.Close(); err != nil {
		t.Fatal(err)
	}
	if err := cache.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := cache.Put(t.Context(), Key{URL: "u"}, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Put after Close = %v, want ErrClosed", err)
	}
	if _, err := cache.Get(t.Context(), Key{URL: "u"}, 0); !errors.Is(err, ErrClosed) {
		t.Errorf("Get after Close = %v, want ErrClosed", err)
	}
}

func TestBadger_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	key := Key{URL: "https://x/c.zkey", Version: "3", Index: 1}

	b, err := OpenBadger(dir)
	if err != nil {
		t.Fatal(err)
	}
	first := New(b, Options{Compression: CompressionZstd})
	if err := first.Put(t.Context(), key, bytes.Repeat([]byte{7}, 1<<16)); err != nil {
		t.Fatal(err)
	}
	if err := first.Close(); err != nil {
		t.Fatal(err)
	}

	b, err = OpenBadger(dir)
	if err != nil {
		t.Fatal(err)
	}
	second := New(b, Options{})
	defer second.Close()
	got, err := second.Get(t.Context(), key, 0)
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if len(got) != 1<<16 {
		t.Errorf("len = %d", len(got))
	}
}

func TestParseCompression(t *testing.T) {
	for name, want := range map[string]Compression{"": CompressionNone, "none": CompressionNone, "lz4": CompressionLZ4, "zstd": CompressionZstd} {
		got, err := ParseCompression(name)
		if err != nil || got != want {
			t.Errorf("ParseCompression(%q) = %v, %v", name, got, err)
		}
	}
	if _, err := ParseCompression("brotli"); err == nil {
		t.Error("expected error for unknown compression")
	}
}

func TestOpen(t *testing.T) {
	if _, err := Open("sqlite", ""); err == nil {
		t.Error("expected error for unknown backend")
	}
	b, err := Open("memory", "")
	if err != nil {
		t.Fatal(err)
	}
	_ = b.Close()
}
