package ostore

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dKB/lib/store"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(key string, payload string) store.Entry {
	return store.Entry{
		Key:     key,
		Origin:  store.OriginAPI,
		Payload: json.RawMessage(payload),
	}
}

func payloads(snap store.Snapshot) []string {
	out := make([]string, len(snap.Entries))
	for i, e := range snap.Entries {
		out[i] = string(e.Payload)
	}
	return out
}

func TestUpsertDeduplicatesKey(t *testing.T) {
	s := NewOrderedStore(1)

	_, err := s.Upsert(entry("a", `{"v":1}`))
	require.NoError(t, err)
	_, err = s.Upsert(entry("a", `{"v":2}`))
	require.NoError(t, err)

	snap := s.Snapshot()
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, "a", snap.Entries[0].Key)
	assert.JSONEq(t, `{"v":2}`, string(snap.Entries[0].Payload))
	assert.Equal(t, uint64(2), snap.Version)
}

func TestUpsertKeepsPosition(t *testing.T) {
	s := NewOrderedStore(1)

	for _, k := range []string{"a", "b", "c"} {
		_, err := s.Upsert(entry(k, `{"v":1}`))
		require.NoError(t, err)
	}

	pos, err := s.Upsert(entry("b", `{"v":2}`))
	require.NoError(t, err)
	assert.Equal(t, 1, pos)

	snap := s.Snapshot()
	if diff := cmp.Diff([]string{"a", "b", "c"}, snap.Keys()); diff != "" {
		t.Errorf("order changed after update (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{`{"v":1}`, `{"v":2}`, `{"v":1}`}, payloads(snap))
}

func TestUpsertEmptyKey(t *testing.T) {
	s := NewOrderedStore(1)
	_, err := s.Upsert(entry("", `{}`))
	require.Error(t, err)

	var storeErr *store.Error
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, store.RetCInvalidOperation, storeErr.Code)
	assert.Equal(t, 0, s.Len())
}

func TestDeleteUnknownKeyIsNoop(t *testing.T) {
	s := NewOrderedStore(1)
	_, err := s.Upsert(entry("a", `{}`))
	require.NoError(t, err)

	notified := 0
	cancel := s.Observe(func(store.Update) { notified++ })
	defer cancel()

	found, err := s.Delete("missing")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 0, notified)
	assert.Equal(t, []string{"a"}, s.Snapshot().Keys())
	assert.Equal(t, uint64(1), s.Snapshot().Version)
}

func TestDeleteShiftsFollowingEntries(t *testing.T) {
	s := NewOrderedStore(1)
	for _, k := range []string{"a", "b", "c"} {
		_, err := s.Upsert(entry(k, `{}`))
		require.NoError(t, err)
	}

	found, err := s.Delete("a")
	require.NoError(t, err)
	assert.True(t, found)

	// update c after the delete, it must stay at its (shifted) index
	pos, err := s.Upsert(entry("c", `{"v":2}`))
	require.NoError(t, err)
	assert.Equal(t, 1, pos)
	assert.Equal(t, []string{"b", "c"}, s.Snapshot().Keys())

	// re-created keys are appended
	pos, err = s.Upsert(entry("a", `{}`))
	require.NoError(t, err)
	assert.Equal(t, 2, pos)
}

func TestUpdatedAtIsMonotonic(t *testing.T) {
	s := NewOrderedStore(1)
	later := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	earlier := later.Add(-time.Hour)

	e := entry("a", `{}`)
	e.UpdatedAt = later
	_, err := s.Upsert(e)
	require.NoError(t, err)

	e.UpdatedAt = earlier
	_, err = s.Upsert(e)
	require.NoError(t, err)

	got, ok := s.Get("a")
	require.True(t, ok)
	assert.True(t, got.UpdatedAt.Equal(later))
}

func TestObserveOncePerMutation(t *testing.T) {
	s := NewOrderedStore(1)

	var updates []store.Update
	cancel := s.Observe(func(u store.Update) {
		// the mutation must be visible to snapshots when the observer runs
		assert.Equal(t, u.Version, s.Snapshot().Version)
		updates = append(updates, u)
	})

	_, _ = s.Upsert(entry("a", `{}`))
	_, _ = s.Upsert(entry("a", `{"v":2}`))
	_, _ = s.Delete("a")
	_, _ = s.Delete("a")

	require.Len(t, updates, 3)
	assert.Equal(t, store.UpdateUpsert, updates[0].Kind)
	assert.True(t, updates[0].Inserted)
	assert.Equal(t, store.UpdateUpsert, updates[1].Kind)
	assert.False(t, updates[1].Inserted)
	assert.Equal(t, store.UpdateDelete, updates[2].Kind)
	for i, u := range updates {
		assert.Equal(t, uint64(i+1), u.Version)
		assert.NotEmpty(t, u.Data)
	}

	cancel()
	_, _ = s.Upsert(entry("b", `{}`))
	assert.Len(t, updates, 3)
}

func TestSnapshotIsCopy(t *testing.T) {
	s := NewOrderedStore(1)
	_, _ = s.Upsert(entry("a", `{}`))

	snap := s.Snapshot()
	snap.Entries[0].Key = "changed"

	assert.Equal(t, []string{"a"}, s.Snapshot().Keys())
}

func TestConcurrentSnapshotsNeverSeeDuplicates(t *testing.T) {
	s := NewOrderedStore(1)
	const keys = 10
	const rounds = 200

	var wg sync.WaitGroup
	stop := make(chan struct{})

	// readers
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				seen := map[string]bool{}
				for _, e := range s.Snapshot().Entries {
					if seen[e.Key] {
						t.Errorf("duplicate key %s in snapshot", e.Key)
						return
					}
					seen[e.Key] = true
				}
			}
		}()
	}

	// writer
	for i := 0; i < rounds; i++ {
		key := fmt.Sprintf("k%d", i%keys)
		_, err := s.Upsert(entry(key, fmt.Sprintf(`{"v":%d}`, i)))
		require.NoError(t, err)
		if i%7 == 0 {
			_, _ = s.Delete(key)
		}
	}
	close(stop)
	wg.Wait()
}

// --------------------------------------------------------------------------
// Replication
// --------------------------------------------------------------------------

func TestApplyUpdateConverges(t *testing.T) {
	a := NewOrderedStore(1)
	b := NewOrderedStore(2)

	var fromA, fromB [][]byte
	a.Observe(func(u store.Update) { fromA = append(fromA, u.Data) })
	b.Observe(func(u store.Update) { fromB = append(fromB, u.Data) })

	_, _ = a.Upsert(entry("x", `{"from":"a"}`))
	_, _ = a.Upsert(entry("y", `{"from":"a"}`))
	_, _ = b.Upsert(entry("x", `{"from":"b"}`))
	_, _ = b.Upsert(entry("z", `{"from":"b"}`))
	_, _ = a.Delete("y")

	aOps := append([][]byte(nil), fromA...)
	bOps := append([][]byte(nil), fromB...)

	// deliver in reverse order and twice (at-least-once)
	for i := len(bOps) - 1; i >= 0; i-- {
		_, err := a.ApplyUpdate(bOps[i])
		require.NoError(t, err)
		_, err = a.ApplyUpdate(bOps[i])
		require.NoError(t, err)
	}
	for i := len(aOps) - 1; i >= 0; i-- {
		_, err := b.ApplyUpdate(aOps[i])
		require.NoError(t, err)
		_, err = b.ApplyUpdate(aOps[i])
		require.NoError(t, err)
	}

	opts := cmpopts.IgnoreFields(store.Entry{}, "UpdatedAt")
	if diff := cmp.Diff(a.Snapshot().Entries, b.Snapshot().Entries, opts); diff != "" {
		t.Fatalf("replicas diverged (-a +b):\n%s", diff)
	}

	// y was deleted on a after it was created, the delayed upsert must not resurrect it
	_, ok := b.Get("y")
	assert.False(t, ok)
	assert.Equal(t, 2, a.Len())
}

func TestApplyUpdateDuplicateIsIgnored(t *testing.T) {
	a := NewOrderedStore(1)
	b := NewOrderedStore(2)

	var data []byte
	a.Observe(func(u store.Update) { data = u.Data })
	_, _ = a.Upsert(entry("x", `{}`))

	applied, err := b.ApplyUpdate(data)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = b.ApplyUpdate(data)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, uint64(1), b.Snapshot().Version)
}

func TestApplyUpdateMalformed(t *testing.T) {
	s := NewOrderedStore(1)

	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "garbage", data: []byte{0xc1, 0x00, 0x01}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.ApplyUpdate(tt.data)
			var storeErr *store.Error
			require.ErrorAs(t, err, &storeErr)
			assert.Equal(t, store.RetCMalformedUpdate, storeErr.Code)
		})
	}
}

func TestLocalOpsAfterMergeAreNewest(t *testing.T) {
	a := NewOrderedStore(1)
	b := NewOrderedStore(2)

	var data [][]byte
	b.Observe(func(u store.Update) { data = append(data, u.Data) })
	for i := 0; i < 5; i++ {
		_, _ = b.Upsert(entry("x", fmt.Sprintf(`{"v":%d}`, i)))
	}
	for _, d := range data {
		_, _ = a.ApplyUpdate(d)
	}

	// a local write on a must win over everything a has seen from b
	_, err := a.Upsert(entry("x", `{"v":"a"}`))
	require.NoError(t, err)
	_, err = a.ApplyUpdate(data[len(data)-1])
	require.NoError(t, err)

	got, _ := a.Get("x")
	assert.JSONEq(t, `{"v":"a"}`, string(got.Payload))
}
