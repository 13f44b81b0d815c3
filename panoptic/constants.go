package panoptic

const (
	// Counter of closed ScrapeRuns, tagged with outcome.
	DDOG_SCRAPE_OUTCOME_COUNTER = "communitymux.scrape.outcome"
	// Counter of inserted plus revised content items.
	DDOG_ITEMS_INGESTED_COUNTER = "communitymux.items.ingested"
	// Counter of items a scrape could not ingest.
	DDOG_ITEMS_FAILED_COUNTER = "communitymux.items.failed"
	// Histogram of ScrapeRun durations in milliseconds.
	DDOG_SCRAPE_DURATION_HISTOGRAM = "communitymux.scrape.duration_ms"

	// Lease key prefix of in-flight scrapes.
	SCRAPE_LEASE_PREFIX = "scrape"
)
