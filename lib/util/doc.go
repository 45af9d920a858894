// Package util provides small building blocks shared by the dKB components.
//
// The package contains:
//   - queue: a lock-free multi-producer single-consumer command queue, used by the sync engine
//     to funnel filesystem and API mutations into a single writer goroutine
//   - functions: hash helpers (e.g. deriving a numeric replica id from a host name)
package util
