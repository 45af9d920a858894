package syncer

import (
	"sync"

	"github.com/ValentinKolb/dKB/lib/store"
)

// Change is the notification of one committed mutation of the document.
type Change struct {
	Kind     store.UpdateKind
	Key      string
	Origin   store.Origin
	Position int
	Inserted bool
	Version  uint64 // document version after the mutation
	Op       store.OpID
	Data     []byte // encoded update, can be applied on another replica
}

func changeFromUpdate(u store.Update) Change {
	return Change{
		Kind:     u.Kind,
		Key:      u.Key,
		Origin:   u.Origin,
		Position: u.Position,
		Inserted: u.Inserted,
		Version:  u.Version,
		Op:       u.Op,
		Data:     u.Data,
	}
}

// Subscription delivers the changes of the document in commit order.
// The engine blocks until a change was received, so subscribers must keep reading
// (or Close the subscription).
type Subscription struct {
	id     uint64
	ch     chan Change
	closed chan struct{}

	closeOnce sync.Once
	chOnce    sync.Once
	engine    *Engine
}

// C returns the channel of changes. It is closed when the engine stops.
func (s *Subscription) C() <-chan Change {
	return s.ch
}

// Close removes the subscription. Changes committed afterward are not delivered and a blocked
// delivery is released. The channel returned by C is not closed by this method.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		if s.engine != nil {
			s.engine.subs.Delete(s.id)
		}
		close(s.closed)
	})
}

// finish closes the change channel. Must only be called when no delivery can happen anymore.
func (s *Subscription) finish() {
	s.chOnce.Do(func() { close(s.ch) })
}

// Done is closed when the subscription was closed by its owner.
func (s *Subscription) Done() <-chan struct{} {
	return s.closed
}
