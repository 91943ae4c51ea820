package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config captures all runtime configuration for the billing messenger.
type Config struct {
	App        AppConfig
	Providers  ProviderConfig
	Dispatch   DispatchConfig
	Lifecycle  LifecycleConfig
	Webhook    WebhookConfig
	Postgres   PostgresConfig
	Redis      RedisConfig
	Kafka      KafkaConfig
	Retry      RetryConfig
	Validation ValidationConfig
	Secrets    SecretsConfig
	Templates  TemplatesConfig
}

// AppConfig contains generic application level settings.
type AppConfig struct {
	Env             string
	Port            int
	LogLevel        string
	APIToken        string
	ShutdownTimeout time.Duration
}

// MetaConfig stores WhatsApp Cloud API credentials.
type MetaConfig struct {
	APIURL        string
	AccessToken   string
	PhoneNumberID string
}

// WhapiConfig stores Whapi.Cloud credentials.
type WhapiConfig struct {
	BaseURL     string
	Token       string
	ChannelType string
}

// InfobipConfig stores Infobip credentials.
type InfobipConfig struct {
	BaseURL string
	APIKey  string
	Sender  string
}

// TwilioConfig stores Twilio credentials for WhatsApp delivery.
type TwilioConfig struct {
	AccountSID  string
	AuthToken   string
	PhoneNumber string
}

// SMTPConfig stores SMTP credentials for email delivery.
type SMTPConfig struct {
	Host string
	Port int
	User string
	Pass string
	From string
}

// ProviderConfig selects the active backends and carries their credentials.
// Credentials are validated by the provider constructors, not here, so a
// missing token surfaces as a configuration error of that provider.
type ProviderConfig struct {
	WhatsAppProvider string
	EmailProvider    string
	Meta             MetaConfig
	Whapi            WhapiConfig
	Infobip          InfobipConfig
	Twilio           TwilioConfig
	SMTP             SMTPConfig
	SendTimeout      time.Duration
	HealthTimeout    time.Duration
}

// DispatchConfig tunes single and bulk dispatch.
type DispatchConfig struct {
	PacingInterval time.Duration
	MinPhoneDigits int
	BulkJobs       int
	JobRetention   time.Duration
	ReplyWindow    time.Duration
}

// LifecycleConfig controls the bot session lifecycle.
type LifecycleConfig struct {
	BridgeURL      string
	StartWait      time.Duration
	PollInterval   time.Duration
	ConnectTimeout time.Duration
}

// WebhookConfig controls inbound message handling.
type WebhookConfig struct {
	VerifyToken    string
	SettleKeywords []string
	DedupTTL       time.Duration
	MinMatchDigits int
}

// PostgresConfig configures the SQL stores. An empty DSN selects the in-memory stores.
type PostgresConfig struct {
	DSN          string
	MaxOpenConns int
}

// RedisConfig configures the idempotency store. An empty address selects the
// in-process cache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// KafkaConfig defines broker information and topics. Without brokers delivery
// events are not published and the dispatch worker refuses to start.
type KafkaConfig struct {
	Brokers             []string
	DeliveryTopic       string
	TriggerTopic        string
	DLQTopic            string
	ConsumerGroup       string
	WorkerConcurrency   int
	CommitOnSuccessOnly bool
}

// RetryConfig defines the trigger worker retry policy.
type RetryConfig struct {
	MaxAttempts        int
	BaseBackoffSeconds int
	MaxBackoffSeconds  int
}

// ValidationConfig bounds trigger payloads.
type ValidationConfig struct {
	MsgMaxBytes     int
	RecipientsMax   int
	MetaMaxEntries  int
	MetaMaxKeyLen   int
	MetaMaxValueLen int
}

// SecretsConfig points at an optional AWS Secrets Manager secret holding
// provider credentials.
type SecretsConfig struct {
	ProviderSecretID string
	Region           string
}

// TemplatesConfig locates the template seed file.
type TemplatesConfig struct {
	SeedFile string
}

// Enabled reports whether Kafka publishing is configured.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

// Load reads environment variables (after loading an optional .env file),
// applies defaults, validates and returns a populated Config.
func Load() (*Config, error) {
	_ = godotenv.Load()

	ldr := &envLoader{}

	cfg := &Config{}
	cfg.App.Env = ldr.getString("APP_ENV", "development", false)
	cfg.App.Port = ldr.getInt("APP_PORT", 8080, false)
	cfg.App.LogLevel = ldr.getString("LOG_LEVEL", "info", false)
	cfg.App.APIToken = ldr.getString("APP_API_TOKEN", "", false)
	cfg.App.ShutdownTimeout = ldr.getDuration("APP_SHUTDOWN_TIMEOUT", 10*time.Second, false)

	cfg.Providers.WhatsAppProvider = strings.ToLower(ldr.getString("WHATSAPP_PROVIDER", "mock", false))
	cfg.Providers.EmailProvider = strings.ToLower(ldr.getString("EMAIL_PROVIDER", "mock", false))
	cfg.Providers.Meta = MetaConfig{
		APIURL:        ldr.getString("WHATSAPP_API_URL", "https://graph.facebook.com/v19.0", false),
		AccessToken:   ldr.getString("WHATSAPP_ACCESS_TOKEN", "", false),
		PhoneNumberID: ldr.getString("WHATSAPP_PHONE_NUMBER_ID", "", false),
	}
	cfg.Providers.Whapi = WhapiConfig{
		BaseURL:     ldr.getString("WHAPI_BASE_URL", "https://gate.whapi.cloud", false),
		Token:       ldr.getString("WHAPI_TOKEN", "", false),
		ChannelType: ldr.getString("WHAPI_CHANNEL_TYPE", "web", false),
	}
	cfg.Providers.Infobip = InfobipConfig{
		BaseURL: ldr.getString("INFOBIP_BASE_URL", "", false),
		APIKey:  ldr.getString("INFOBIP_API_KEY", "", false),
		Sender:  ldr.getString("INFOBIP_SENDER", "", false),
	}
	cfg.Providers.Twilio = TwilioConfig{
		AccountSID:  ldr.getString("TWILIO_ACCOUNT_SID", "", false),
		AuthToken:   ldr.getString("TWILIO_AUTH_TOKEN", "", false),
		PhoneNumber: ldr.getString("TWILIO_PHONE_NUMBER", "", false),
	}
	cfg.Providers.SMTP = SMTPConfig{
		Host: ldr.getString("SMTP_HOST", "", false),
		Port: ldr.getInt("SMTP_PORT", 587, false),
		User: ldr.getString("SMTP_USER", "", false),
		Pass: ldr.getString("SMTP_PASS", "", false),
		From: ldr.getString("SMTP_FROM", "no-reply@billing.local", false),
	}
	cfg.Providers.SendTimeout = ldr.getDuration("PROVIDER_SEND_TIMEOUT", 30*time.Second, false)
	cfg.Providers.HealthTimeout = ldr.getDuration("PROVIDER_HEALTH_TIMEOUT", 10*time.Second, false)

	cfg.Dispatch.PacingInterval = ldr.getDuration("DISPATCH_PACING_INTERVAL", 2*time.Second, false)
	cfg.Dispatch.MinPhoneDigits = ldr.getInt("DISPATCH_MIN_PHONE_DIGITS", 10, false)
	cfg.Dispatch.BulkJobs = ldr.getInt("DISPATCH_BULK_JOBS", 2, false)
	cfg.Dispatch.JobRetention = ldr.getDuration("DISPATCH_JOB_RETENTION", 24*time.Hour, false)
	cfg.Dispatch.ReplyWindow = ldr.getDuration("DISPATCH_REPLY_WINDOW", 72*time.Hour, false)

	cfg.Lifecycle.BridgeURL = ldr.getString("BOT_BRIDGE_URL", "http://localhost:3001", false)
	cfg.Lifecycle.StartWait = ldr.getDuration("BOT_START_WAIT", 2*time.Second, false)
	cfg.Lifecycle.PollInterval = ldr.getDuration("BOT_POLL_INTERVAL", time.Second, false)
	cfg.Lifecycle.ConnectTimeout = ldr.getDuration("BOT_CONNECT_TIMEOUT", 5*time.Minute, false)

	cfg.Webhook.VerifyToken = ldr.getString("WHATSAPP_VERIFY_TOKEN", "", false)
	cfg.Webhook.SettleKeywords = ldr.getStringSlice("WEBHOOK_SETTLE_KEYWORDS", []string{"pago", "paguei"}, false)
	cfg.Webhook.DedupTTL = ldr.getDuration("WEBHOOK_DEDUP_TTL", 24*time.Hour, false)
	cfg.Webhook.MinMatchDigits = ldr.getInt("WEBHOOK_MIN_MATCH_DIGITS", 9, false)

	cfg.Postgres.DSN = ldr.getString("POSTGRES_DSN", "", false)
	cfg.Postgres.MaxOpenConns = ldr.getInt("POSTGRES_MAX_OPEN_CONNS", 10, false)

	cfg.Redis.Addr = ldr.getString("REDIS_ADDR", "", false)
	cfg.Redis.Password = ldr.getString("REDIS_PASSWORD", "", false)
	cfg.Redis.DB = ldr.getInt("REDIS_DB", 0, false)

	cfg.Kafka.Brokers = ldr.getStringSlice("KAFKA_BROKERS", nil, false)
	cfg.Kafka.DeliveryTopic = ldr.getString("KAFKA_DELIVERY_TOPIC", "billing.delivery", false)
	cfg.Kafka.TriggerTopic = ldr.getString("KAFKA_TRIGGER_TOPIC", "billing.dispatch.request", false)
	cfg.Kafka.DLQTopic = ldr.getString("KAFKA_DLQ_TOPIC", "billing.dispatch.dlq", false)
	cfg.Kafka.ConsumerGroup = ldr.getString("KAFKA_CONSUMER_GROUP", "billing-dispatch-worker", false)
	cfg.Kafka.WorkerConcurrency = ldr.getInt("WORKER_CONCURRENCY", 4, false)
	cfg.Kafka.CommitOnSuccessOnly = ldr.getBool("COMMIT_ON_SUCCESS_ONLY", true, false)

	cfg.Retry.MaxAttempts = ldr.getInt("MAX_ATTEMPTS", 3, false)
	cfg.Retry.BaseBackoffSeconds = ldr.getInt("BASE_BACKOFF_SECONDS", 2, false)
	cfg.Retry.MaxBackoffSeconds = ldr.getInt("MAX_BACKOFF_SECONDS", 60, false)

	cfg.Validation.MsgMaxBytes = ldr.getInt("MSG_MAX_BYTES", 200000, false)
	cfg.Validation.RecipientsMax = ldr.getInt("RECIPIENTS_MAX", 500, false)
	cfg.Validation.MetaMaxEntries = ldr.getInt("META_MAX_ENTRIES", 20, false)
	cfg.Validation.MetaMaxKeyLen = ldr.getInt("META_MAX_KEY_LEN", 64, false)
	cfg.Validation.MetaMaxValueLen = ldr.getInt("META_MAX_VALUE_LEN", 256, false)

	cfg.Secrets.ProviderSecretID = ldr.getString("PROVIDER_SECRET_ID", "", false)
	cfg.Secrets.Region = ldr.getString("AWS_REGION", "", false)

	cfg.Templates.SeedFile = ldr.getString("TEMPLATES_SEED_FILE", "", false)

	ldr.check(cfg.App.Port > 0 && cfg.App.Port <= 65535, "APP_PORT must be between 1 and 65535")
	ldr.check(cfg.Dispatch.PacingInterval >= 0, "DISPATCH_PACING_INTERVAL cannot be negative")
	ldr.check(cfg.Dispatch.MinPhoneDigits > 0, "DISPATCH_MIN_PHONE_DIGITS must be > 0")
	ldr.check(cfg.Dispatch.BulkJobs > 0, "DISPATCH_BULK_JOBS must be > 0")
	ldr.check(cfg.Webhook.MinMatchDigits > 0, "WEBHOOK_MIN_MATCH_DIGITS must be > 0")
	ldr.check(cfg.Kafka.WorkerConcurrency > 0, "WORKER_CONCURRENCY must be > 0")
	ldr.check(cfg.Retry.MaxAttempts > 0, "MAX_ATTEMPTS must be > 0")
	ldr.check(cfg.Retry.BaseBackoffSeconds >= 0, "BASE_BACKOFF_SECONDS cannot be negative")
	ldr.check(cfg.Retry.MaxBackoffSeconds >= cfg.Retry.BaseBackoffSeconds, "MAX_BACKOFF_SECONDS must be >= BASE_BACKOFF_SECONDS")
	ldr.check(cfg.Validation.MsgMaxBytes > 0, "MSG_MAX_BYTES must be > 0")
	ldr.check(cfg.Validation.RecipientsMax > 0, "RECIPIENTS_MAX must be > 0")

	if err := ldr.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

type envLoader struct {
	errs []string
}

func (l *envLoader) validate() error {
	if len(l.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(l.errs, "; "))
}

func (l *envLoader) check(ok bool, msg string) {
	if !ok {
		l.addError(msg)
	}
}

// lookup returns the trimmed value and whether it is non-empty, recording a
// validation error when a required key is missing.
func (l *envLoader) lookup(key string, required bool) (string, bool) {
	val, ok := os.LookupEnv(key)
	val = strings.TrimSpace(val)
	if !ok || val == "" {
		if required {
			l.addError(fmt.Sprintf("%s is required", key))
		}
		return "", false
	}
	return val, true
}

func (l *envLoader) getString(key, def string, required bool) string {
	val, ok := l.lookup(key, required)
	if !ok {
		return def
	}
	return val
}

func (l *envLoader) getInt(key string, def int, required bool) int {
	val, ok := l.lookup(key, required)
	if !ok {
		return def
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid integer", key))
		return def
	}
	return i
}

func (l *envLoader) getBool(key string, def bool, required bool) bool {
	val, ok := l.lookup(key, required)
	if !ok {
		return def
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid boolean", key))
		return def
	}
	return parsed
}

// getDuration accepts Go duration strings ("2s", "150ms") or a bare integer
// interpreted as milliseconds.
func (l *envLoader) getDuration(key string, def time.Duration, required bool) time.Duration {
	val, ok := l.lookup(key, required)
	if !ok {
		return def
	}
	if ms, err := strconv.Atoi(val); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid duration", key))
		return def
	}
	return d
}

func (l *envLoader) getStringSlice(key string, def []string, required bool) []string {
	raw, ok := l.lookup(key, required)
	if !ok {
		return def
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if required && len(out) == 0 {
		l.addError(fmt.Sprintf("%s must contain at least one entry", key))
	}
	return out
}

func (l *envLoader) addError(err string) {
	l.errs = append(l.errs, err)
}
