/*
Package config loads the service configuration.

Values are layered in increasing precedence: compiled-in defaults from
NewDefault, a YAML file (LoadFromFile), then environment variables
(LoadFromEnv). Validate is called once all layers are applied.

# Sections

	global      log level and optional log file
	server      listen address, HTTP timeouts, access key
	cache       payload cache ceilings ("1GB" style sizes), warm start
	storage     blob backend: disk (optionally zstd compressed) or s3
	ledger      metadata engine: bolt (default) or badger
	retention   sweep interval, staleness and grace window
	upload      maximum upload size
	monitoring  metrics, health tracking, log format and rotation

# Environment

The access key is read from ACCESS_KEY, or FILECDN_ACCESS_KEY which takes
precedence. Every other override uses the FILECDN_ prefix, for example
FILECDN_ADDR, FILECDN_CACHE_SIZE, FILECDN_STORAGE_BACKEND,
FILECDN_LEDGER_ENGINE and FILECDN_SWEEP_INTERVAL.

# Example

	global:
	  log_level: INFO
	  log_file: /var/log/filecdn/filecdn.log
	server:
	  addr: ":3001"
	cache:
	  max_size: 1GB
	  max_entries: 1000
	storage:
	  backend: disk
	  disk:
	    dir: /var/lib/filecdn/files
	    compress: true
	ledger:
	  engine: bolt
	  path: /var/lib/filecdn/ledger.db
	retention:
	  interval: 24h
	  stale_after: 1440h
	  grace_window: 24h
*/
package config
