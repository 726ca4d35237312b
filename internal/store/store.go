// Package store provides crash-safe order ledger persistence using a single
// JSON snapshot file.
//
// Every order lives in one file, orders.json: the whole ledger is held in
// memory and rewritten in full on each Save, using the same atomic
// write-to-.tmp-then-rename technique the original position store used, so
// the file is never left in a partial state by a crash mid-write. The order
// state machine and the gateway (new and killed orders) both write;
// List/Save are mutex-protected so a gateway read can never observe a
// half-written snapshot.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"premarket-router/pkg/types"
)

// Store persists the full order ledger to a single JSON file.
type Store struct {
	path   string
	mu     sync.Mutex
	orders map[string]types.Order
}

// Open loads the ledger from dir/orders.json, creating an empty one if none
// exists yet.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	s := &Store{path: filepath.Join(dir, "orders.json"), orders: map[string]types.Order{}}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read order ledger: %w", err)
	}
	var orders []types.Order
	if err := json.Unmarshal(data, &orders); err != nil {
		return nil, fmt.Errorf("unmarshal order ledger: %w", err)
	}
	for _, o := range orders {
		s.orders[o.ID] = o
	}
	return s, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

// List returns every order currently in the ledger.
func (s *Store) List() ([]types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o)
	}
	return out, nil
}

// Get returns a single order by ID.
func (s *Store) Get(id string) (types.Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	return o, ok, nil
}

// Save upserts order into the ledger and flushes the whole snapshot to
// disk atomically: write to orders.json.tmp, then rename over the target.
// If the flush fails, the in-memory ledger keeps the order's previous entry.
func (s *Store) Save(order types.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.orders[order.ID]
	s.orders[order.ID] = order
	if err := s.flushLocked(); err != nil {
		if existed {
			s.orders[order.ID] = prev
		} else {
			delete(s.orders, order.ID)
		}
		return err
	}
	return nil
}

func (s *Store) flushLocked() error {
	orders := make([]types.Order, 0, len(s.orders))
	for _, o := range s.orders {
		orders = append(orders, o)
	}

	data, err := json.MarshalIndent(orders, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal order ledger: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write order ledger: %w", err)
	}
	return os.Rename(tmp, s.path)
}
