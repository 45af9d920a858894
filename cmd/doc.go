// Package cmd implements the command-line interface of dKB. It provides a hierarchical
// command structure with operations for running the server and interacting with it as a client.
//
// The package is organized into several subpackages:
//
//   - serve: Command for starting and configuring the dKB server
//   - kb: Commands for submitting entries and rules, querying the knowledge base and
//     inspecting the document, plus a performance test
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See dkb -help for a list of all commands.
package cmd
