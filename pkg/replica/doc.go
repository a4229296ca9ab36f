// Package replica implements the client side of the analytical replica
// sync protocol (§6): batching decoded d1_sync payloads into a single
// request against the replica's remote query endpoint, using a retrying
// HTTP client since the replica is an external, occasionally-flaky
// collaborator.
package replica
