package serializer

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/dKB/rpc/common"
)

// benchmarkMessages returns a set of messages for targeted benchmarking
func benchmarkMessages() map[string]any {
	large := make([]common.EntryView, 100)
	for i := range large {
		large[i] = common.EntryView{
			Key:       "api:" + strings.Repeat("x", 36),
			Origin:    "api",
			Action:    "submit",
			UpdatedAt: time.Now(),
			Payload:   json.RawMessage(`{"prolog":"parent(tom, bob).\nparent(bob, ann)."}`),
		}
	}

	return map[string]any{
		"Query": common.QueryRequest{
			Query: "grandparent(tom, X).",
		},
		"SubmitResponse": common.SubmitResponse{
			Message:  "Prolog rule submitted successfully",
			Key:      "api:6f1c2a4e-0000-4000-8000-000000000000",
			Position: 12,
			Inserted: true,
		},
		"Error": common.ErrorResponse{
			Error: common.ErrMsgInvalidSubmission,
		},
		"Entries": common.EntriesResponse{
			Version: 100,
			Entries: large,
		},
	}
}

// BenchmarkSerialize benchmarks serialization for all implementations with various message types
func BenchmarkSerialize(b *testing.B) {
	messages := benchmarkMessages()

	for name, factory := range testSerializers {
		for msgName, msg := range messages {
			b.Run(name+"_"+msgName, func(b *testing.B) {
				serializer := factory()
				b.ResetTimer()

				for i := 0; i < b.N; i++ {
					_, err := serializer.Serialize(msg)
					if err != nil {
						b.Fatalf("Failed to serialize: %v", err)
					}
				}
			})
		}
	}
}

// BenchmarkSize measures and reports the serialized size for each message type
func BenchmarkSize(b *testing.B) {
	messages := benchmarkMessages()

	for name, factory := range testSerializers {
		serializer := factory()

		for msgName, msg := range messages {
			b.Run(name+"_"+msgName, func(b *testing.B) {
				data, err := serializer.Serialize(msg)
				if err != nil {
					b.Fatalf("Failed to serialize: %v", err)
				}

				// Report the size as a custom metric
				b.ReportMetric(float64(len(data)), "bytes")

				for i := 0; i < b.N; i++ {
					_ = data
				}
			})
		}
	}
}
