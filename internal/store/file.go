package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"marketrails/internal/domain"
)

// FileStore keeps the whole state in one JSON document, rewritten through a
// temp file and rename on every commit. Suitable for local runs.
type FileStore struct {
	path string
	mu   sync.Mutex
	data *tables
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path: path,
		data: newTables(),
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		return nil
	}
	loaded := newTables()
	if err := json.Unmarshal(blob, loaded); err != nil {
		return err
	}
	f.data = loaded
	return nil
}

func (f *FileStore) persist(data *tables) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) Load(_ context.Context) (*Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data.snapshot(), nil
}

func (f *FileStore) Commit(_ context.Context, batch Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	next := newTables()
	next.apply(Batch{
		Listings: recordsOf(f.data.Listings),
		Escrows:  escrowsOf(f.data.Escrows),
		Counters: &f.data.Counters,
	})
	next.apply(batch)
	if err := f.persist(next); err != nil {
		return err
	}
	f.data = next
	return nil
}

func (f *FileStore) Close() error { return nil }

func recordsOf(m map[uint64]ListingRecord) []ListingRecord {
	out := make([]ListingRecord, 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	return out
}

func escrowsOf(m map[domain.Address]EscrowRecord) []EscrowRecord {
	out := make([]EscrowRecord, 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	return out
}
