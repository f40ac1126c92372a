// Package ledger is the durable metadata store for uploaded files.
//
// Records are keyed by lookup token (content hash followed by the decimal
// record id) and indexed by content hash for upload deduplication. Two
// engines implement Ledger: BoltLedger on go.etcd.io/bbolt, the default, and
// BadgerLedger on badger v3. Both run Access, the touch, limit check and
// decrement of a download, as a single write transaction.
//
// Callers pass the current time into every mutating call; the ledger never
// reads the wall clock itself.
package ledger
