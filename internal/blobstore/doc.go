// Package blobstore holds uploaded payloads keyed by content hash and
// extension.
//
// DiskStore keeps one file per blob under a sharded directory tree and can
// zstd-compress payloads at rest. S3Store keeps one object per blob in a
// bucket. Both implement types.BlobStore and report a missing blob with
// code BLOB_NOT_FOUND.
package blobstore
