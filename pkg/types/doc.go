/*
Package types holds the interfaces and plain data types shared between the
filecdn packages.

BlobStore abstracts durable payload storage. Payloads are addressed by
BlobKey, the pair of lower-case hex SHA-256 content hash and sanitised file
extension, so identical bytes uploaded under different extensions are stored
separately while identical bytes under the same extension share one blob.

Cache is the in-memory overlay implemented by internal/cache. It is a pure
performance layer: dropping it never loses data.

MetricsCollector is implemented by internal/metrics and consumed by the
service and the retention sweeper.
*/
package types
