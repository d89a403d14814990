package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port string `envconfig:"PORT" default:"8080"`
	Env  string `envconfig:"ENV" default:"production"`

	DBConnectionString string `envconfig:"DB_CONNECTION_STRING"`
	// StoreDriver selects the store backend: "postgres" or "memory".
	StoreDriver string `envconfig:"STORE_DRIVER" default:"postgres"`

	JWTSecret       string   `envconfig:"JWT_SECRET" required:"true"`
	AdminAccountIDs []string `envconfig:"ADMIN_ACCOUNT_IDS"`
	CORSOrigins     []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"http://localhost:3000"`

	// Quota and pricing
	FreeTextPerDay int    `envconfig:"FREE_TEXT_PER_DAY" default:"3"`
	TextPrice      int64  `envconfig:"TEXT_PRICE" default:"19"`
	QuotaTimezone  string `envconfig:"QUOTA_TIMEZONE" default:"UTC"`
	WelcomeBonus   int64  `envconfig:"WELCOME_BONUS" default:"0"`

	PresetCatalogPath string `envconfig:"PRESET_CATALOG_PATH" default:"presets.yaml"`

	// Generation provider settings
	GenAPIBaseURL       string `envconfig:"GENAPI_BASE_URL" default:"https://api.gen-api.ru"`
	GenAPIKey           string `envconfig:"GENAPI_KEY"`
	GenAPITextModel     string `envconfig:"GENAPI_TEXT_MODEL" default:"grok-4-1-fast-reasoning"`
	GenAPIAudioModel    string `envconfig:"GENAPI_AUDIO_MODEL" default:"v5"`
	GenAPICallbackURL   string `envconfig:"GENAPI_CALLBACK_URL"`
	GenAPICallbackToken string `envconfig:"GENAPI_CALLBACK_TOKEN"`
	ProviderTimeoutSec  int    `envconfig:"PROVIDER_REQUEST_TIMEOUT_SEC" default:"60"`
	ProviderMaxRetries  int    `envconfig:"PROVIDER_MAX_RETRIES" default:"3"`
	ProviderBackoffInit int    `envconfig:"PROVIDER_BACKOFF_INITIAL_SEC" default:"1"`
	ProviderBackoffMax  int    `envconfig:"PROVIDER_BACKOFF_MAX_SEC" default:"30"`

	// Submission dispatch settings
	DispatchMode                  string `envconfig:"DISPATCH_MODE" default:"queue"`
	SubmissionQueueName           string `envconfig:"SUBMISSION_QUEUE_NAME" default:"generation_submit"`
	SubmissionPollTimeoutSec      int    `envconfig:"SUBMISSION_POLL_TIMEOUT_SEC" default:"30"`
	SubmissionPollMaxMsg          int    `envconfig:"SUBMISSION_POLL_MAX_MSG" default:"1"`
	SubmissionVisibilityTimeout   int    `envconfig:"SUBMISSION_VISIBILITY_TIMEOUT_SEC" default:"300"`
	SubmissionDeadLetterQueueName string `envconfig:"SUBMISSION_DEAD_LETTER_QUEUE_NAME" default:"generation_submit_dlq"`

	// Reconciliation sweep settings
	SweepIntervalSec       int `envconfig:"SWEEP_INTERVAL_SEC" default:"60"`
	SweepPendingAfterSec   int `envconfig:"SWEEP_PENDING_AFTER_SEC" default:"120"`
	SweepReservedAfterSec  int `envconfig:"SWEEP_RESERVED_AFTER_SEC" default:"120"`
	SweepSubmittedAfterSec int `envconfig:"SWEEP_SUBMITTED_AFTER_SEC" default:"300"`
	SweepBatchSize         int `envconfig:"SWEEP_BATCH_SIZE" default:"100"`
	JobMaxAgeSec           int `envconfig:"JOB_MAX_AGE_SEC" default:"3600"`

	// Stripe
	StripeSecretKey     string  `envconfig:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string  `envconfig:"STRIPE_WEBHOOK_SECRET"`
	StripeCurrency      string  `envconfig:"STRIPE_CURRENCY" default:"rub"`
	StripeMinorUnits    int64   `envconfig:"STRIPE_MINOR_UNITS" default:"100"`
	StripeSuccessURL    string  `envconfig:"STRIPE_SUCCESS_URL" default:"http://localhost:3000/topup/success"`
	StripeCancelURL     string  `envconfig:"STRIPE_CANCEL_URL" default:"http://localhost:3000/topup/cancel"`
	TopUpAmounts        []int64 `envconfig:"TOPUP_AMOUNTS" default:"100,300,500,1000"`

	// Pub/Sub job events
	GCPProjectID         string `envconfig:"GCP_PROJECT_ID"`
	PubSubJobEventsTopic string `envconfig:"PUBSUB_JOB_EVENTS_TOPIC" default:"generation-job-events"`

	// Artifact storage
	ArtifactS3Bucket    string `envconfig:"ARTIFACT_S3_BUCKET"`
	ArtifactS3Region    string `envconfig:"ARTIFACT_S3_REGION" default:"us-east-1"`
	ArtifactS3Endpoint  string `envconfig:"ARTIFACT_S3_ENDPOINT"`
	ArtifactS3AccessKey string `envconfig:"ARTIFACT_S3_ACCESS_KEY"`
	ArtifactS3SecretKey string `envconfig:"ARTIFACT_S3_SECRET_KEY"`

	// Secret Manager; when set, STRIPE_WEBHOOK_SECRET and GENAPI_KEY are resolved from it.
	SecretsProjectID string `envconfig:"SECRETS_PROJECT_ID"`
}

// RetryPolicy bounds provider submission attempts.
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	RequestTimeout time.Duration
}

// SweepSettings drives the reconciliation sweep.
type SweepSettings struct {
	Interval       time.Duration
	PendingAfter   time.Duration
	ReservedAfter  time.Duration
	SubmittedAfter time.Duration
	MaxJobAge      time.Duration
	BatchSize      int
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case "postgres":
		if c.DBConnectionString == "" {
			return fmt.Errorf("DB_CONNECTION_STRING is required for store driver postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	switch c.DispatchMode {
	case "queue", "inline":
	default:
		return fmt.Errorf("unknown DISPATCH_MODE %q", c.DispatchMode)
	}
	if c.DispatchMode == "queue" && c.StoreDriver != "postgres" {
		return fmt.Errorf("DISPATCH_MODE=queue requires STORE_DRIVER=postgres")
	}
	if c.FreeTextPerDay < 0 || c.TextPrice <= 0 {
		return fmt.Errorf("invalid quota settings: free=%d price=%d", c.FreeTextPerDay, c.TextPrice)
	}
	if c.StripeMinorUnits <= 0 {
		return fmt.Errorf("STRIPE_MINOR_UNITS must be positive")
	}
	if _, err := time.LoadLocation(c.QuotaTimezone); err != nil {
		return fmt.Errorf("invalid QUOTA_TIMEZONE: %w", err)
	}
	return nil
}

// QuotaLocation returns the timezone in which the free quota's calendar day is measured.
func (c *Config) QuotaLocation() *time.Location {
	loc, err := time.LoadLocation(c.QuotaTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) SubmitRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     c.ProviderMaxRetries,
		InitialBackoff: time.Duration(c.ProviderBackoffInit) * time.Second,
		MaxBackoff:     time.Duration(c.ProviderBackoffMax) * time.Second,
		RequestTimeout: time.Duration(c.ProviderTimeoutSec) * time.Second,
	}
}

func (c *Config) SweepSettings() SweepSettings {
	return SweepSettings{
		Interval:       time.Duration(c.SweepIntervalSec) * time.Second,
		PendingAfter:   time.Duration(c.SweepPendingAfterSec) * time.Second,
		ReservedAfter:  time.Duration(c.SweepReservedAfterSec) * time.Second,
		SubmittedAfter: time.Duration(c.SweepSubmittedAfterSec) * time.Second,
		MaxJobAge:      time.Duration(c.JobMaxAgeSec) * time.Second,
		BatchSize:      c.SweepBatchSize,
	}
}

// IsAdmin reports whether accountID is in ADMIN_ACCOUNT_IDS.
func (c *Config) IsAdmin(accountID string) bool {
	for _, id := range c.AdminAccountIDs {
		if strings.TrimSpace(id) == accountID {
			return true
		}
	}
	return false
}
