package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	listingKeyPrefix = "listing:"
	escrowKeyPrefix  = "escrow:"
	countersKey      = "meta:counters"
)

// LevelDBStore persists rows as JSON values in an embedded LevelDB database.
// A commit is a single synced write batch.
type LevelDBStore struct {
	mu sync.Mutex
	db *leveldb.DB
}

func NewLevelDBStore(path string) (*LevelDBStore, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("leveldb store path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve leveldb path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb store: %w", err)
	}
	return &LevelDBStore{db: db}, nil
}

func (s *LevelDBStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func listingKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", listingKeyPrefix, id))
}

func escrowKey(r EscrowRecord) []byte {
	return []byte(escrowKeyPrefix + strings.ToLower(r.Ref.Hex()))
}

func (s *LevelDBStore) counters() (Counters, error) {
	var c Counters
	raw, err := s.db.Get([]byte(countersKey), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return c, nil
	}
	if err != nil {
		return c, fmt.Errorf("load counters: %w", err)
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("decode counters: %w", err)
	}
	return c, nil
}

func (s *LevelDBStore) Commit(ctx context.Context, b Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := new(leveldb.Batch)
	for _, l := range b.Listings {
		val, err := json.Marshal(l)
		if err != nil {
			return fmt.Errorf("encode listing %d: %w", l.ID, err)
		}
		batch.Put(listingKey(l.ID), val)
	}
	for _, e := range b.Escrows {
		val, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode escrow %s: %w", e.Ref.Hex(), err)
		}
		batch.Put(escrowKey(e), val)
	}
	if b.Counters != nil {
		current, err := s.counters()
		if err != nil {
			return err
		}
		val, err := json.Marshal(current.merge(*b.Counters))
		if err != nil {
			return fmt.Errorf("encode counters: %w", err)
		}
		batch.Put([]byte(countersKey), val)
	}
	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("write batch: %w", err)
	}
	return nil
}

func (s *LevelDBStore) Load(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &Snapshot{}
	c, err := s.counters()
	if err != nil {
		return nil, err
	}
	snap.Counters = c

	iter := s.db.NewIterator(util.BytesPrefix([]byte(listingKeyPrefix)), nil)
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			iter.Release()
			return nil, err
		}
		var rec ListingRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			iter.Release()
			return nil, fmt.Errorf("decode listing %s: %w", iter.Key(), err)
		}
		snap.Listings = append(snap.Listings, rec)
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate listings: %w", err)
	}

	iter = s.db.NewIterator(util.BytesPrefix([]byte(escrowKeyPrefix)), nil)
	for iter.Next() {
		var rec EscrowRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			iter.Release()
			return nil, fmt.Errorf("decode escrow %s: %w", iter.Key(), err)
		}
		snap.Escrows = append(snap.Escrows, rec)
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate escrows: %w", err)
	}

	sortSnapshot(snap)
	return snap, nil
}
