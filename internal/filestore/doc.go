// Package filestore is the file service: it composes the payload cache, the
// ledger, the blob store and the token resolver into Upload, Fetch,
// Download, Delete and WarmStart.
//
// Fetch serves from the cache when it can. A cache hit neither refreshes
// the record nor spends its download budget unless EnforceLimitsOnHit is
// set; a miss does both, once, however many callers are waiting on it.
// Download always goes to the ledger and the blob store.
package filestore
