package ostore

import (
	"fmt"

	"github.com/ValentinKolb/dKB/lib/store"
	"github.com/vmihailenco/msgpack/v5"
)

// op is a single replicated operation (the unit of an update).
type op struct {
	Kind  store.UpdateKind `msgpack:"kind"`
	ID    store.OpID       `msgpack:"id"`
	Key   string           `msgpack:"key"`
	Entry *store.Entry     `msgpack:"entry,omitempty"` // only set for upserts
}

// encodeOp serializes an op with msgpack.
func encodeOp(o op) ([]byte, error) {
	return msgpack.Marshal(&o)
}

// decodeOp deserializes and validates an op.
func decodeOp(data []byte) (op, error) {
	var o op
	if len(data) == 0 {
		return o, store.NewError(store.RetCMalformedUpdate, "empty update")
	}
	if err := msgpack.Unmarshal(data, &o); err != nil {
		return o, store.NewError(store.RetCMalformedUpdate, fmt.Sprintf("failed to decode update: %v", err))
	}
	if o.Key == "" {
		return o, store.NewError(store.RetCMalformedUpdate, "update without key")
	}
	if o.ID.IsZero() {
		return o, store.NewError(store.RetCMalformedUpdate, fmt.Sprintf("update for %s without op id", o.Key))
	}
	switch o.Kind {
	case store.UpdateUpsert:
		if o.Entry == nil {
			return o, store.NewError(store.RetCMalformedUpdate, fmt.Sprintf("upsert for %s without entry", o.Key))
		}
	case store.UpdateDelete:
	default:
		return o, store.NewError(store.RetCMalformedUpdate, fmt.Sprintf("unknown update kind %s", o.Kind))
	}
	return o, nil
}
