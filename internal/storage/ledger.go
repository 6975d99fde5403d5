package storage

import (
	"errors"
	"sync"
)

var (
	// ErrPeerNotFound is returned when no nonce was ever accepted from a peer
	ErrPeerNotFound = errors.New("peer not found")
	// ErrStaleNonce is returned when a nonce does not exceed the recorded one
	ErrStaleNonce = errors.New("nonce not above recorded value")
)

// Ledger records the highest nonce accepted from each peer
// All implementations must be thread-safe for concurrent access
type Ledger interface {
	// Last returns the highest nonce accepted from peer
	// Returns ErrPeerNotFound if the peer is unknown
	Last(peer string) (int64, error)

	// Advance records nonce as the highest accepted from peer
	// Returns ErrStaleNonce unless nonce is strictly above the recorded one
	Advance(peer string, nonce int64) error

	// Peers returns every peer with a recorded nonce
	// Order is not guaranteed
	Peers() []string

	// Stats returns ledger statistics
	Stats() LedgerStats
}

// LedgerStats contains statistics about the ledger
type LedgerStats struct {
	Peers    int   // Number of peers with a recorded nonce
	Accepted int64 // Nonces accepted since creation
}

// MemoryLedger implements Ledger in memory, for the life of the process
// Uses sync.RWMutex for thread-safe concurrent access
type MemoryLedger struct {
	last     map[string]int64 // Highest nonce per peer
	accepted int64
	mu       sync.RWMutex // Protects concurrent access
}

// NewMemoryLedger creates an empty in-memory ledger
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		last: make(map[string]int64),
	}
}

// Last returns the highest nonce accepted from peer
func (m *MemoryLedger) Last(peer string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	nonce, exists := m.last[peer]
	if !exists {
		return 0, ErrPeerNotFound
	}
	return nonce, nil
}

// Advance records nonce for peer if it is strictly higher
// The comparison and the update happen under one lock
func (m *MemoryLedger) Advance(peer string, nonce int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, exists := m.last[peer]; exists && nonce <= prev {
		return ErrStaleNonce
	}
	m.last[peer] = nonce
	m.accepted++
	return nil
}

// Peers returns all peers in the ledger
func (m *MemoryLedger) Peers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	peers := make([]string, 0, len(m.last))
	for peer := range m.last {
		peers = append(peers, peer)
	}
	return peers
}

// Stats returns ledger statistics
func (m *MemoryLedger) Stats() LedgerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return LedgerStats{
		Peers:    len(m.last),
		Accepted: m.accepted,
	}
}
