// Package storage provides request store implementations.
//
// Implementations:
//   - sqlite: durable store, the default backend
//   - memory: In-memory for testing
package storage
