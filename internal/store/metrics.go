package store

const (
	// MetricDatabaseRetries is the metric key for SERIALIZABLE transaction
	// retry tracking.
	MetricDatabaseRetries = "dbr"
	// MetricFetch is the metric key for content-fetcher operation tracking.
	MetricFetch = "f"
)
