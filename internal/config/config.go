// Package config declares the recognized configuration surface of the bridge.
// Options are go-flags structs loaded from stomaflow.ini, environment, and
// command-line flags, in that order of increasing precedence.
package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Source configures the read-only clinic database connection.
type Source struct {
	Server            string        `long:"server" env:"SOURCE_SERVER" description:"SQL Server host or host\\instance"`
	Database          string        `long:"database" env:"SOURCE_DATABASE" description:"Database name"`
	Username          string        `long:"username" env:"SOURCE_USERNAME" description:"Login"`
	Password          string        `long:"password" env:"SOURCE_PASSWORD" description:"Password"`
	Port              int           `long:"port" env:"SOURCE_PORT" default:"1433" description:"TCP port"`
	ConnectionTimeout time.Duration `long:"connection-timeout" env:"SOURCE_CONNECTION_TIMEOUT" default:"10s" description:"Dial timeout"`
	QueryTimeout      time.Duration `long:"query-timeout" env:"SOURCE_QUERY_TIMEOUT" default:"30s" description:"Per-query timeout"`
}

// CRM configures the webhook client.
type CRM struct {
	WebhookURL     string        `long:"webhook-url" env:"CRM_WEBHOOK_URL" description:"Inbound webhook base URL (token embedded)"`
	MaxRetries     int           `long:"max-retries" env:"CRM_MAX_RETRIES" default:"3" description:"Attempts per call"`
	RetryDelays    string        `long:"retry-delays" env:"CRM_RETRY_DELAYS" default:"1,5,30" description:"CSV of backoff delays in seconds; the last is reused"`
	RateLimit      float64       `long:"rate-limit" env:"CRM_RATE_LIMIT" default:"2" description:"Calls per second"`
	RequestTimeout time.Duration `long:"request-timeout" env:"CRM_REQUEST_TIMEOUT" default:"30s" description:"Timeout per attempt"`
}

// Sync configures cycle timing and the source scope.
type Sync struct {
	Interval        time.Duration `long:"interval" env:"SYNC_INTERVAL" default:"2m" description:"Time between cycles"`
	BatchSize       int           `long:"batch-size" env:"SYNC_BATCH_SIZE" default:"20" description:"Records reconciled per coalesced lookup"`
	InitialSyncDays int           `long:"initial-sync-days" env:"SYNC_INITIAL_DAYS" default:"7" description:"Watermark depth on first run"`
	FilialID        int           `long:"filial-id" env:"SYNC_FILIAL_ID" default:"1" description:"Clinic branch id (1..5)"`
}

// Queue configures the durable retry queue.
type Queue struct {
	StorePath        string `long:"store-path" env:"QUEUE_STORE_PATH" default:"state/queue.store" description:"SQLite store path"`
	MaxQueueSize     int    `long:"max-size" env:"QUEUE_MAX_SIZE" default:"1000" description:"Enqueue cap; overflow is rejected, not evicted"`
	MaxRetryAttempts int    `long:"max-attempts" env:"QUEUE_MAX_ATTEMPTS" default:"3" description:"Attempts before an item is recorded as dead"`
	RetryDelays      string `long:"retry-delays" env:"QUEUE_RETRY_DELAYS" default:"60,300,1800" description:"CSV of re-attempt delays in seconds; the last is reused"`
}

// Plans configures the treatment-plan projector.
type Plans struct {
	CachePath       string        `long:"cache-path" env:"PLANS_CACHE_PATH" default:"state/plan_cache.store" description:"Projection cache path"`
	MaxCacheEntries int           `long:"max-cache-entries" env:"PLANS_MAX_CACHE_ENTRIES" default:"10000" description:"Cache entry bound"`
	Throttle        time.Duration `long:"throttle" env:"PLANS_THROTTLE" default:"30m" description:"Minimum interval between plan updates per appointment"`
}

// Stages injects the CRM pipeline identifiers. They are opaque strings so a
// CRM admin can rename or reorder stages without a recompile.
type Stages struct {
	New             string `long:"new" env:"STAGE_NEW" default:"NEW"`
	ContactMade     string `long:"contact-made" env:"STAGE_CONTACT_MADE" default:"CONTACT_MADE"`
	Treatment       string `long:"treatment" env:"STAGE_TREATMENT" default:"TREATMENT"`
	CompletedUnpaid string `long:"completed-unpaid" env:"STAGE_COMPLETED_UNPAID" default:"COMPLETED_UNPAID"`
	Won             string `long:"won" env:"STAGE_WON" default:"WON"`
	Lose            string `long:"lose" env:"STAGE_LOSE" default:"LOSE"`
	Protected       string `long:"protected" env:"STAGE_PROTECTED" default:"PREPAYMENT_INVOICE,FINAL_INVOICE,EXECUTING,APOLOGY" description:"CSV of protected non-final stages"`
	LeadFinal       string `long:"lead-final" env:"STAGE_LEAD_FINAL" default:"CONVERTED,JUNK" description:"CSV of lead statuses that block conversion"`
}

// Logging mirrors the external log concern's recognized options.
type Logging struct {
	Level            string `long:"level" env:"LOG_LEVEL" default:"info" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Logging level"`
	Format           string `long:"format" env:"LOG_FORMAT" default:"text" choice:"json" choice:"text" choice:"color" description:"Logging output format"`
	Directory        string `long:"directory" env:"LOG_DIRECTORY" default:"" description:"Log file directory; empty logs to stderr"`
	RotationDays     int    `long:"rotation-days" env:"LOG_ROTATION_DAYS" default:"30" description:"Days of log files to keep"`
	MaskPersonalData bool   `long:"mask-personal-data" env:"LOG_MASK_PERSONAL_DATA" description:"Mask phones and patient names in log fields"`
}

// Config is the full recognized option surface.
type Config struct {
	Source  Source  `group:"Source" namespace:"source" env-namespace:"SOURCE"`
	CRM     CRM     `group:"CRM" namespace:"crm" env-namespace:"CRM"`
	Sync    Sync    `group:"Sync" namespace:"sync" env-namespace:"SYNC"`
	Queue   Queue   `group:"Queue" namespace:"queue" env-namespace:"QUEUE"`
	Plans   Plans   `group:"Plans" namespace:"plans" env-namespace:"PLANS"`
	Stages  Stages  `group:"Stages" namespace:"stages" env-namespace:"STAGES"`
	Logging Logging `group:"Logging" namespace:"log" env-namespace:"LOG"`

	MetricsAddr string `long:"metrics-addr" env:"METRICS_ADDR" default:":9090" description:"Prometheus listen address; empty disables"`
}

// Validate returns an error if the configuration cannot start the bridge.
func (c *Config) Validate() error {
	if c.Source.Server == "" {
		return fmt.Errorf("source.server is required")
	}
	if c.Source.Database == "" {
		return fmt.Errorf("source.database is required")
	}
	if u, err := url.Parse(c.CRM.WebhookURL); err != nil || u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("crm.webhook-url %q is not an http(s) URL", c.CRM.WebhookURL)
	}
	if c.CRM.MaxRetries < 1 {
		return fmt.Errorf("crm.max-retries must be >= 1, got %d", c.CRM.MaxRetries)
	}
	if c.CRM.RateLimit <= 0 {
		return fmt.Errorf("crm.rate-limit must be > 0, got %v", c.CRM.RateLimit)
	}
	if _, err := c.CRM.RetryDelaysList(); err != nil {
		return err
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be > 0, got %v", c.Sync.Interval)
	}
	if c.Sync.BatchSize < 1 || c.Sync.BatchSize > 50 {
		return fmt.Errorf("sync.batch-size must be 1..50, got %d", c.Sync.BatchSize)
	}
	if c.Sync.InitialSyncDays < 1 || c.Sync.InitialSyncDays > 365 {
		return fmt.Errorf("sync.initial-sync-days must be 1..365, got %d", c.Sync.InitialSyncDays)
	}
	if c.Sync.FilialID < 1 || c.Sync.FilialID > 5 {
		return fmt.Errorf("sync.filial-id must be 1..5, got %d", c.Sync.FilialID)
	}
	if c.Queue.MaxQueueSize < 1 {
		return fmt.Errorf("queue.max-size must be >= 1, got %d", c.Queue.MaxQueueSize)
	}
	if c.Queue.MaxRetryAttempts < 1 {
		return fmt.Errorf("queue.max-attempts must be >= 1, got %d", c.Queue.MaxRetryAttempts)
	}
	if _, err := c.Queue.RetryDelaysList(); err != nil {
		return err
	}
	if c.Plans.MaxCacheEntries < 1 {
		return fmt.Errorf("plans.max-cache-entries must be >= 1, got %d", c.Plans.MaxCacheEntries)
	}
	if c.Plans.Throttle < 0 {
		return fmt.Errorf("plans.throttle must be >= 0, got %v", c.Plans.Throttle)
	}
	for _, s := range []struct{ name, v string }{
		{"stages.new", c.Stages.New},
		{"stages.contact-made", c.Stages.ContactMade},
		{"stages.treatment", c.Stages.Treatment},
		{"stages.completed-unpaid", c.Stages.CompletedUnpaid},
		{"stages.won", c.Stages.Won},
		{"stages.lose", c.Stages.Lose},
	} {
		if s.v == "" {
			return fmt.Errorf("%s must not be empty", s.name)
		}
	}
	return nil
}

// RetryDelaysList parses the CSV-of-seconds backoff list.
func (c CRM) RetryDelaysList() ([]time.Duration, error) {
	return parseDelays("crm.retry-delays", c.RetryDelays)
}

// RetryDelaysList parses the CSV-of-seconds re-attempt schedule.
func (q Queue) RetryDelaysList() ([]time.Duration, error) {
	return parseDelays("queue.retry-delays", q.RetryDelays)
}

func parseDelays(name, csv string) ([]time.Duration, error) {
	var out []time.Duration
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		secs, err := strconv.ParseFloat(part, 64)
		if err != nil || secs < 0 {
			return nil, fmt.Errorf("%s: %q is not a non-negative number of seconds", name, part)
		}
		out = append(out, time.Duration(secs*float64(time.Second)))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s must name at least one delay", name)
	}
	return out, nil
}

// ProtectedStages splits the configured CSV of protected non-final stages.
func (s Stages) ProtectedStages() []string { return splitCSV(s.Protected) }

// LeadFinalStatuses splits the configured CSV of terminal lead statuses.
func (s Stages) LeadFinalStatuses() []string { return splitCSV(s.LeadFinal) }

func splitCSV(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
