/*
Package metrics exports filecdn measurements to Prometheus.

Collector implements types.MetricsCollector on its own registry, so several
collectors can coexist in tests. The HTTP API mounts Handler at the
configured path (default /metrics).

	collector, err := metrics.NewCollector(metrics.DefaultConfig())
	if err != nil {
		return err
	}
	mux.Handle("/metrics", collector.Handler())

Series, all prefixed with the namespace (default "filecdn"):

	operations_total{operation,status}      upload, fetch, download, delete, resolve
	operation_duration_seconds{operation}
	operation_size_bytes{operation}
	errors_total{operation,type}            type is the error category
	cache_requests_total{type}              hit or miss
	cache_size_bytes, cache_entries
	cache_evictions_total{reason}           size, age, delete, replace, invalidate
	cache_evicted_bytes_total{reason}
	download_limit_rejections_total
	sweep_runs_total{status}
	sweep_removed_records_total
	sweep_blob_errors_total
	sweep_duration_seconds
	sweep_last_success_timestamp_seconds

A disabled collector (Enabled: false) accepts every call and records nothing.
*/
package metrics
