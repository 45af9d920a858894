// Package store defines the replicated document used by dKB: an ordered collection of
// uniquely keyed entries with a merge contract for encoded updates.
//
// The package focuses on:
//   - A unified interface (IOrderedStore) for upsert, delete and snapshot operations
//   - The Entry data model shared by the watcher, the sync engine and the knowledge base
//   - Update notifications fired once per committed mutation
//
// Key Components:
//
//   - IOrderedStore Interface: upsert keeps the position of an existing key, new keys are
//     appended, deleting an unknown key is a no-op. Snapshots are consistent point-in-time copies.
//
//   - Update: describes a committed mutation and carries the encoded operation so that it
//     can be merged into another replica with ApplyUpdate.
//
//   - Error System: the coded Error type used by all implementations.
//
// Implementations:
//
//	- Ordered Store (ostore): a local in-memory replica. Every mutation is an operation
//	  identified by a lamport clock and the replica id. Per key the operation with the greater
//	  id wins, deletes leave tombstones and duplicate deliveries are ignored, so applying the
//	  same set of updates in any order converges to the same document.
//	  Available in the "github.com/ValentinKolb/dKB/lib/store/ostore" package.
//
// Ownership:
//
//	Only one component may mutate a store (the sync engine). Everybody else reads snapshots.
package store
