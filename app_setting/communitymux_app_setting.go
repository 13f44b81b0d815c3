package app_setting

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// CommunityMuxAppSetting customizes a communitymux binary. Every zero value is
// replaced by its default, so an empty file is a valid setting.
type CommunityMuxAppSetting struct {
	// Upper bound of search terms extracted from one query.
	MAX_TOPICS_PER_QUERY int `yaml:"MAX_TOPICS_PER_QUERY"`
	// Upper bound of candidates taken from the search proxy per term.
	MAX_CANDIDATES_PER_TERM int `yaml:"MAX_CANDIDATES_PER_TERM"`
	// Delay before the single retry of a failed search term.
	DISCOVERY_RETRY_DELAY_MS int64 `yaml:"DISCOVERY_RETRY_DELAY_MS"`

	// Relevance confidence at or above which a candidate is accepted.
	ACCEPT_THRESHOLD float64 `yaml:"ACCEPT_THRESHOLD"`
	// Relevance confidence at or below which a candidate is rejected.
	REJECT_THRESHOLD float64 `yaml:"REJECT_THRESHOLD"`
	// Ambiguous evaluations allowed before a candidate is rejected.
	MAX_REFINEMENTS int `yaml:"MAX_REFINEMENTS"`
	// Concurrent classifier calls per query.
	CLASSIFIER_CONCURRENCY int `yaml:"CLASSIFIER_CONCURRENCY"`

	// Cadence of newly accepted communities.
	DEFAULT_CADENCE_SECOND int64 `yaml:"DEFAULT_CADENCE_SECOND"`
	// How often the scrape scheduler looks for due communities.
	SCHEDULER_TICK_SECOND int64 `yaml:"SCHEDULER_TICK_SECOND"`
	// Token bucket capacity of the content source budget.
	QUOTA_CAPACITY int `yaml:"QUOTA_CAPACITY"`
	// Tokens added back to the bucket per second.
	QUOTA_REFILL_PER_SECOND float64 `yaml:"QUOTA_REFILL_PER_SECOND"`
	// Fixed number of scrape workers.
	WORKER_POOL_SIZE int `yaml:"WORKER_POOL_SIZE"`
	// Fixed number of concurrently running query pipelines.
	QUERY_WORKER_POOL_SIZE int `yaml:"QUERY_WORKER_POOL_SIZE"`

	// Consecutive failures that open a community's circuit breaker.
	BREAKER_FAILURE_THRESHOLD int `yaml:"BREAKER_FAILURE_THRESHOLD"`
	// Initial open period of a tripped breaker.
	BREAKER_COOLDOWN_SECOND int64 `yaml:"BREAKER_COOLDOWN_SECOND"`
	// Cap of the doubling open period.
	BREAKER_MAX_COOLDOWN_SECOND int64 `yaml:"BREAKER_MAX_COOLDOWN_SECOND"`
	// Per attempt timeout of a content fetch.
	FETCH_TIMEOUT_SECOND int64 `yaml:"FETCH_TIMEOUT_SECOND"`
	// Base delay before retrying a transient fetch error, jitter is added.
	FETCH_RETRY_DELAY_MS int64 `yaml:"FETCH_RETRY_DELAY_MS"`

	// Retries of a notification after the first attempt.
	WEBHOOK_MAX_RETRIES int `yaml:"WEBHOOK_MAX_RETRIES"`
	// Per attempt timeout of a notification.
	WEBHOOK_TIMEOUT_SECOND int64 `yaml:"WEBHOOK_TIMEOUT_SECOND"`
	// First backoff between notification attempts, doubled each retry.
	WEBHOOK_INITIAL_BACKOFF_MS int64 `yaml:"WEBHOOK_INITIAL_BACKOFF_MS"`
	// Concurrent deliveries per notification.
	WEBHOOK_CONCURRENCY int `yaml:"WEBHOOK_CONCURRENCY"`

	// Base URL of the content source, for example https://www.reddit.com
	CONTENT_SOURCE_BASE_URL string `yaml:"CONTENT_SOURCE_BASE_URL"`
	// Endpoint of the search proxy.
	SEARCH_PROXY_URL string `yaml:"SEARCH_PROXY_URL"`
	// LLM model used for topic extraction and classification.
	LLM_MODEL string `yaml:"LLM_MODEL"`
}

// Defaults fills every unset field.
func (c *CommunityMuxAppSetting) Defaults() {
	setInt(&c.MAX_TOPICS_PER_QUERY, 8)
	setInt(&c.MAX_CANDIDATES_PER_TERM, 20)
	setInt64(&c.DISCOVERY_RETRY_DELAY_MS, 500)
	if c.ACCEPT_THRESHOLD <= 0 {
		c.ACCEPT_THRESHOLD = 0.8
	}
	if c.REJECT_THRESHOLD <= 0 {
		c.REJECT_THRESHOLD = 0.3
	}
	setInt(&c.MAX_REFINEMENTS, 2)
	setInt(&c.CLASSIFIER_CONCURRENCY, 4)
	setInt64(&c.DEFAULT_CADENCE_SECOND, 24*60*60)
	setInt64(&c.SCHEDULER_TICK_SECOND, 30)
	setInt(&c.QUOTA_CAPACITY, 10)
	if c.QUOTA_REFILL_PER_SECOND <= 0 {
		c.QUOTA_REFILL_PER_SECOND = 1.0 / 6
	}
	setInt(&c.WORKER_POOL_SIZE, 4)
	setInt(&c.QUERY_WORKER_POOL_SIZE, 2)
	setInt(&c.BREAKER_FAILURE_THRESHOLD, 5)
	setInt64(&c.BREAKER_COOLDOWN_SECOND, 60)
	setInt64(&c.BREAKER_MAX_COOLDOWN_SECOND, 60*60)
	setInt64(&c.FETCH_TIMEOUT_SECOND, 30)
	setInt64(&c.FETCH_RETRY_DELAY_MS, 1000)
	setInt(&c.WEBHOOK_MAX_RETRIES, 3)
	setInt64(&c.WEBHOOK_TIMEOUT_SECOND, 10)
	setInt64(&c.WEBHOOK_INITIAL_BACKOFF_MS, 1000)
	setInt(&c.WEBHOOK_CONCURRENCY, 4)
	if c.CONTENT_SOURCE_BASE_URL == "" {
		c.CONTENT_SOURCE_BASE_URL = "https://www.reddit.com"
	}
	if c.SEARCH_PROXY_URL == "" {
		c.SEARCH_PROXY_URL = "https://api.brightdata.com/serp/req"
	}
}

// Validate rejects combinations the pipeline can't run with.
func (c *CommunityMuxAppSetting) Validate() error {
	if c.REJECT_THRESHOLD >= c.ACCEPT_THRESHOLD {
		return errors.Errorf("REJECT_THRESHOLD %v must be below ACCEPT_THRESHOLD %v", c.REJECT_THRESHOLD, c.ACCEPT_THRESHOLD)
	}
	if c.ACCEPT_THRESHOLD > 1 {
		return errors.Errorf("ACCEPT_THRESHOLD %v must be within [0, 1]", c.ACCEPT_THRESHOLD)
	}
	if c.MAX_TOPICS_PER_QUERY > 8 {
		return errors.Errorf("MAX_TOPICS_PER_QUERY %d must be at most 8", c.MAX_TOPICS_PER_QUERY)
	}
	if c.BREAKER_MAX_COOLDOWN_SECOND < c.BREAKER_COOLDOWN_SECOND {
		return errors.New("BREAKER_MAX_COOLDOWN_SECOND must not be below BREAKER_COOLDOWN_SECOND")
	}
	return nil
}

func (c *CommunityMuxAppSetting) DefaultCadence() time.Duration {
	return time.Duration(c.DEFAULT_CADENCE_SECOND) * time.Second
}

func (c *CommunityMuxAppSetting) SchedulerTick() time.Duration {
	return time.Duration(c.SCHEDULER_TICK_SECOND) * time.Second
}

// ParseCommunityMuxAppSetting reads the YAML file at path. A missing file
// yields the defaults.
func ParseCommunityMuxAppSetting(path string) (CommunityMuxAppSetting, error) {
	c := CommunityMuxAppSetting{}
	yamlFile, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return c, errors.Wrap(err, "read app setting")
	}
	if err == nil {
		if err := yaml.Unmarshal(yamlFile, &c); err != nil {
			return c, errors.Wrap(err, "unmarshal app setting")
		}
	}
	c.Defaults()
	return c, c.Validate()
}

func setInt(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func setInt64(v *int64, def int64) {
	if *v <= 0 {
		*v = def
	}
}
