// Package storage holds the state an agent keeps between requests: the
// ledger of the highest handshake nonce accepted from each peer.
//
// # Overview
//
// A reboot request carries a nonce that must be strictly higher than any
// nonce previously accepted from the same peer. The ledger is what makes
// that check possible:
//
//	peer          last nonce
//	10.0.0.11  →  1718000410
//	10.0.0.12  →  1718000377
//
// # Lifetime
//
// The ledger lives in memory for the life of the agent process. Nothing is
// persisted; after a restart the agent instead rejects every nonce older
// than its own start time, which covers all requests captured before the
// restart.
//
// # Concurrency
//
// MemoryLedger is safe for concurrent use. Advance compares and updates
// under one write lock, so two requests racing with the same nonce cannot
// both be recorded.
//
// # Usage Example
//
//	ledger := storage.NewMemoryLedger()
//	if err := ledger.Advance("10.0.0.11", nonce); err != nil {
//	    // replayed or out of order
//	}
package storage
