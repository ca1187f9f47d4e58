package idempotency

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if rec, _ := store.Get(ctx, "missing"); rec != nil {
		t.Fatalf("expected nil for missing key")
	}

	record := Record{
		Fingerprint: "fp",
		StatusCode:  201,
		Response:    []byte("ok"),
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(time.Minute),
	}
	if err := store.Save(ctx, "abc", record); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, _ := store.Get(ctx, "abc")
	if got == nil || string(got.Response) != "ok" {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestMemoryStoreExpires(t *testing.T) {
	store := NewMemoryStore()
	now := time.Unix(1_700_000_000, 0)
	store.Now = func() time.Time { return now }
	ctx := context.Background()

	_ = store.Save(ctx, "k", Record{StatusCode: 200, ExpiresAt: now.Add(time.Minute)})
	now = now.Add(2 * time.Minute)
	if rec, _ := store.Get(ctx, "k"); rec != nil {
		t.Fatalf("expected expired record to be hidden")
	}
}

func TestFileStorePersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "idem.json")

	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}

	ctx := context.Background()
	record := Record{
		Fingerprint: "fp",
		StatusCode:  201,
		Response:    []byte("resp"),
		CreatedAt:   time.Unix(0, 0),
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	if err := store.Save(ctx, "key", record); err != nil {
		t.Fatalf("save: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file on disk: %v", err)
	}

	store2, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("re-open store: %v", err)
	}

	got, _ := store2.Get(ctx, "key")
	if got == nil || string(got.Response) != "resp" || got.Fingerprint != "fp" {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestLookupDetectsConflicts(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	fp := Fingerprint("POST", "/v1/listings", []byte(`{"name":"a"}`))
	_ = store.Save(ctx, "k", Record{Fingerprint: fp, StatusCode: 201, ExpiresAt: time.Now().Add(time.Minute)})

	rec, err := Lookup(ctx, store, "k", fp)
	if err != nil || rec == nil {
		t.Fatalf("expected replay, got %v %v", rec, err)
	}

	other := Fingerprint("POST", "/v1/listings", []byte(`{"name":"b"}`))
	if _, err := Lookup(ctx, store, "k", other); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	rec, err = Lookup(ctx, store, "unknown", fp)
	if err != nil || rec != nil {
		t.Fatalf("expected miss, got %v %v", rec, err)
	}
}

func TestKeyIsScopedToCaller(t *testing.T) {
	a := common.HexToAddress("0x01")
	b := common.HexToAddress("0x02")
	if Key(a, "same") == Key(b, "same") {
		t.Fatal("keys of different callers collide")
	}
}
