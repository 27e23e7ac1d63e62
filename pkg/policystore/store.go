// Package policystore implements the hash-keyed store for compiled policy
// IR, fronted by a bounded LRU cache that never affects what the store
// holds. The store lives in process memory only; nothing is written to
// disk, so its contents do not survive a restart.
package policystore

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/capassure/capcore/pkg/caperrors"
	"github.com/capassure/capcore/pkg/policy"
)

// entry is the stored unit: an IR keyed by its policy_hash.
type entry struct {
	ir         policy.IR
	policyID   string
	policyHash string
}

// Store is keyed by policy_hash; policy_id is a secondary index.
// Insertion under an existing policy_hash is idempotent. A policy_id
// collision against a differing body is a HashConflict.
type Store struct {
	mu       sync.RWMutex
	byHash   map[string]*entry
	byID     map[string]string // policy_id -> policy_hash
	cache    *lru.Cache[string, *entry]
}

// New constructs a Store whose LRU cache holds at most cacheSize hot
// entries; eviction from the cache never removes the stored record.
func New(cacheSize int) (*Store, error) {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	cache, err := lru.New[string, *entry](cacheSize)
	if err != nil {
		return nil, caperrors.StorageIO("policystore: failed to create LRU cache: %v", err)
	}
	return &Store{
		byHash: make(map[string]*entry),
		byID:   make(map[string]string),
		cache:  cache,
	}, nil
}

// Put inserts ir, keyed by its policy_hash. A second Put with an
// identical policy_hash is a no-op (idempotent). A Put whose policy_id
// already maps to a different policy_hash is a HashConflict.
func (s *Store) Put(ir policy.IR) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existingHash, ok := s.byID[ir.PolicyID]; ok && existingHash != ir.PolicyHash {
		return "", caperrors.HashConflict("policy_id")
	}

	if _, ok := s.byHash[ir.PolicyHash]; ok {
		return ir.PolicyID, nil
	}

	e := &entry{ir: ir, policyID: ir.PolicyID, policyHash: ir.PolicyHash}
	s.byHash[ir.PolicyHash] = e
	s.byID[ir.PolicyID] = ir.PolicyHash
	s.cache.Add(ir.PolicyHash, e)

	return ir.PolicyID, nil
}

// Get looks up an IR by policy_id or policy_hash.
func (s *Store) Get(idOrHash string) (*policy.IR, error) {
	e, err := s.lookup(idOrHash)
	if err != nil {
		return nil, err
	}
	cp := e.ir
	return &cp, nil
}

// GetWithETag returns the IR plus its ETag (= ir_hash).
func (s *Store) GetWithETag(idOrHash string) (*policy.IR, string, error) {
	e, err := s.lookup(idOrHash)
	if err != nil {
		return nil, "", err
	}
	cp := e.ir
	return &cp, e.ir.IRHash, nil
}

func (s *Store) lookup(idOrHash string) (*entry, error) {
	s.mu.RLock()
	if e, ok := s.cache.Get(idOrHash); ok {
		s.mu.RUnlock()
		return e, nil
	}
	hash := idOrHash
	if h, ok := s.byID[idOrHash]; ok {
		hash = h
	}
	e, ok := s.byHash[hash]
	s.mu.RUnlock()
	if !ok {
		return nil, caperrors.Domain("policystore: unknown policy %q", idOrHash)
	}
	s.mu.Lock()
	s.cache.Add(hash, e)
	s.mu.Unlock()
	return e, nil
}
