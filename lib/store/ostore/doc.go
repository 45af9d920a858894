// Package ostore implements store.IOrderedStore as a local, in-memory replica of the document.
//
// Every mutation is recorded as an operation with a lamport timestamp (clock, replica id).
// Operations are encoded with msgpack and published with each store.Update, so they can be
// merged into another replica with ApplyUpdate. Merging follows last-writer-wins per key:
//
//   - an operation is applied only if its id is greater than the id of the current state of the key
//   - deletes leave tombstones, a delayed upsert can not resurrect a deleted key
//   - duplicate deliveries carry the same id and are ignored
//   - new keys are ordered by the id of the operation that created them, so every replica that has
//     seen the same operations holds the same entries in the same order
//
// Locally, a new key is always appended (its creation id is the newest) and an update keeps the
// position of the key.
//
// Thread-safety: all methods are safe for concurrent use. Writers are serialized, snapshots may
// run concurrently with each other and never observe a partially applied mutation.
// Observers are called outside the state lock but while holding the writer lock, they may read
// the store but must not mutate it.
package ostore
