package ostore

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ValentinKolb/dKB/lib/store"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("store")

type observer struct {
	id uint64
	fn func(store.Update)
}

type storeImpl struct {
	replica uint64

	// writeMu serializes writers including the observer calls, so that
	// observers see updates in commit order.
	writeMu sync.Mutex

	// mu protects the document state below
	mu         sync.RWMutex
	clock      uint64 // lamport clock
	version    uint64
	entries    []store.Entry
	index      map[string]int
	tombstones map[string]store.OpID

	obsMu     sync.Mutex
	observers []observer
	nextObsID uint64

	now func() time.Time
}

// NewOrderedStore creates a new local replica of the document.
// The replica id must be unique among all replicas exchanging updates.
func NewOrderedStore(replicaID uint64) store.IOrderedStore {
	return &storeImpl{
		replica:    replicaID,
		index:      make(map[string]int),
		tombstones: make(map[string]store.OpID),
		now:        time.Now,
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see store/interface.go)
// --------------------------------------------------------------------------

func (s *storeImpl) ReplicaID() uint64 {
	return s.replica
}

func (s *storeImpl) Upsert(entry store.Entry) (int, error) {
	if entry.Key == "" {
		return -1, store.NewError(store.RetCInvalidOperation, "upsert with empty key")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.clock++
	id := store.OpID{Clock: s.clock, Replica: s.replica}
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = s.now()
	}
	entry.Version = id
	entry.Created = id
	pos, inserted := s.put(entry)
	s.version++
	upd := store.Update{
		Kind:     store.UpdateUpsert,
		Key:      entry.Key,
		Origin:   entry.Origin,
		Position: pos,
		Inserted: inserted,
		Version:  s.version,
		Op:       id,
	}
	stored := s.entries[pos]
	s.mu.Unlock()

	data, err := encodeOp(op{Kind: store.UpdateUpsert, ID: id, Key: stored.Key, Entry: &stored})
	if err != nil {
		// the mutation is committed, only the replication payload is missing
		Logger.Errorf("failed to encode upsert of %s: %v", entry.Key, err)
	}
	upd.Data = data

	s.notify(upd)
	return pos, nil
}

func (s *storeImpl) Delete(key string) (bool, error) {
	if key == "" {
		return false, store.NewError(store.RetCInvalidOperation, "delete with empty key")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if _, ok := s.index[key]; !ok {
		s.mu.Unlock()
		return false, nil
	}
	s.clock++
	id := store.OpID{Clock: s.clock, Replica: s.replica}
	removed, pos := s.remove(key)
	s.tombstones[key] = id
	s.version++
	upd := store.Update{
		Kind:     store.UpdateDelete,
		Key:      key,
		Origin:   removed.Origin,
		Position: pos,
		Version:  s.version,
		Op:       id,
	}
	s.mu.Unlock()

	data, err := encodeOp(op{Kind: store.UpdateDelete, ID: id, Key: key})
	if err != nil {
		Logger.Errorf("failed to encode delete of %s: %v", key, err)
	}
	upd.Data = data

	s.notify(upd)
	return true, nil
}

func (s *storeImpl) ApplyUpdate(data []byte) (bool, error) {
	o, err := decodeOp(data)
	if err != nil {
		return false, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if o.ID.Clock > s.clock {
		s.clock = o.ID.Clock
	}

	// a key created concurrently on two replicas is ordered by its oldest creation
	moved := o.Kind == store.UpdateUpsert && s.adoptCreated(o.Key, o.Entry.Created)

	// last writer wins per key, equal ids are duplicate deliveries
	if current, ok := s.currentVersion(o.Key); ok && !current.Less(o.ID) {
		if !moved {
			s.mu.Unlock()
			Logger.Debugf("ignoring update %s for %s (current %s)", o.ID, o.Key, current)
			return false, nil
		}
		pos := s.index[o.Key]
		s.version++
		upd := store.Update{
			Kind:     store.UpdateUpsert,
			Key:      o.Key,
			Origin:   s.entries[pos].Origin,
			Position: pos,
			Version:  s.version,
			Op:       current,
			Data:     data,
		}
		s.mu.Unlock()
		s.notify(upd)
		return true, nil
	}

	upd := store.Update{Kind: o.Kind, Key: o.Key, Op: o.ID, Data: data}
	switch o.Kind {
	case store.UpdateUpsert:
		entry := *o.Entry
		entry.Key = o.Key
		entry.Version = o.ID
		if entry.Created.IsZero() {
			entry.Created = o.ID
		}
		pos, inserted := s.put(entry)
		upd.Origin = entry.Origin
		upd.Position = pos
		upd.Inserted = inserted
	case store.UpdateDelete:
		s.tombstones[o.Key] = o.ID
		if _, ok := s.index[o.Key]; !ok {
			// nothing visible changed, the tombstone still shadows older upserts
			s.mu.Unlock()
			return false, nil
		}
		removed, pos := s.remove(o.Key)
		upd.Origin = removed.Origin
		upd.Position = pos
	}
	s.version++
	upd.Version = s.version
	s.mu.Unlock()

	s.notify(upd)
	return true, nil
}

func (s *storeImpl) Snapshot() store.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]store.Entry, len(s.entries))
	copy(entries, s.entries)
	return store.Snapshot{
		Version: s.version,
		Entries: entries,
	}
}

func (s *storeImpl) Get(key string) (store.Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.index[key]
	if !ok {
		return store.Entry{}, false
	}
	return s.entries[pos], true
}

func (s *storeImpl) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *storeImpl) Observe(fn func(store.Update)) func() {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()

	s.nextObsID++
	id := s.nextObsID
	s.observers = append(s.observers, observer{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			s.obsMu.Lock()
			defer s.obsMu.Unlock()
			for i, o := range s.observers {
				if o.id == id {
					s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
					return
				}
			}
		})
	}
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// put replaces or inserts an entry and returns its position.
// Existing keys keep their position. New keys are placed by their creation id, which for
// local inserts (newest clock) is always the end of the collection.
//
// Caller must hold s.mu.
func (s *storeImpl) put(entry store.Entry) (pos int, inserted bool) {
	if pos, ok := s.index[entry.Key]; ok {
		prev := s.entries[pos]
		if prev.UpdatedAt.After(entry.UpdatedAt) {
			entry.UpdatedAt = prev.UpdatedAt
		}
		entry.Created = prev.Created
		s.entries[pos] = entry
		return pos, false
	}

	delete(s.tombstones, entry.Key)
	pos = sort.Search(len(s.entries), func(i int) bool {
		return entry.Created.Less(s.entries[i].Created)
	})
	s.entries = append(s.entries, store.Entry{})
	copy(s.entries[pos+1:], s.entries[pos:])
	s.entries[pos] = entry
	s.reindex(pos)
	return pos, true
}

// remove deletes the entry with the given key and returns it together with its former position.
//
// Caller must hold s.mu and make sure the key exists.
func (s *storeImpl) remove(key string) (store.Entry, int) {
	pos := s.index[key]
	removed := s.entries[pos]
	s.entries = append(s.entries[:pos], s.entries[pos+1:]...)
	delete(s.index, key)
	s.reindex(pos)
	return removed, pos
}

// reindex refreshes the key index for all entries starting at position from.
//
// Caller must hold s.mu.
func (s *storeImpl) reindex(from int) {
	for i := from; i < len(s.entries); i++ {
		s.index[s.entries[i].Key] = i
	}
}

// adoptCreated moves an existing key to the position of an older creation id.
// It reports whether the entry was moved.
//
// Caller must hold s.mu.
func (s *storeImpl) adoptCreated(key string, created store.OpID) bool {
	pos, ok := s.index[key]
	if !ok || created.IsZero() || !created.Less(s.entries[pos].Created) {
		return false
	}
	e, _ := s.remove(key)
	e.Created = created
	s.put(e)
	return true
}

// currentVersion returns the id of the op that produced the current state of a key (entry or tombstone).
//
// Caller must hold s.mu.
func (s *storeImpl) currentVersion(key string) (store.OpID, bool) {
	if pos, ok := s.index[key]; ok {
		return s.entries[pos].Version, true
	}
	id, ok := s.tombstones[key]
	return id, ok
}

// notify calls all observers with the update.
//
// Caller must hold s.writeMu (but not s.mu).
func (s *storeImpl) notify(upd store.Update) {
	s.obsMu.Lock()
	observers := make([]observer, len(s.observers))
	copy(observers, s.observers)
	s.obsMu.Unlock()

	for _, o := range observers {
		o.fn(upd)
	}
}

// String returns a short description of the replica, used in logs.
func (s *storeImpl) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("ostore(replica=%d, entries=%d, version=%d)", s.replica, len(s.entries), s.version)
}
