// Package checkpoint persists session snapshots so runs can be inspected
// and resumed.
//
// Snapshots are stored as documents in a chromem-go collection, one per
// session, keyed by session ID. The document embedding is a hashed
// bag-of-words vector of the task text, which lets Similar find earlier
// sessions with related tasks without an external embedding service.
package checkpoint
