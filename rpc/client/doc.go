// Package client implements the client of the dKB api, used by the command line interface.
//
// Key Components:
//
//   - NewRPCKnowledgeBase: Factory function that creates a KnowledgeBaseClient. The client
//     submits entries and rules, patches and deletes api entries, runs queries and reads the
//     document and the status of a server.
//
//   - RequestError: returned when the server answers with an error status; it carries the
//     status code and the error message of the server.
//
// Usage Example:
//
//	config := common.ClientConfig{
//	  Endpoints:     []string{"localhost:3000"},
//	  TimeoutSecond: 5,
//	  RetryCount:    3,
//	}
//
//	kb, _ := client.NewRPCKnowledgeBase(config, http.NewHttpClientTransport(), serializer.NewJSONSerializer())
//	defer kb.Close()
//
//	kb.AddRule(ctx, "", "parent(tom, bob).")
//	resp, _ := kb.Query(ctx, "parent(tom, X).")
//
// Thread Safety:
//
//	The client is thread-safe and can be used concurrently from multiple goroutines.
package client
