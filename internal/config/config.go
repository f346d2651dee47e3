package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every setting the gateway needs, loaded once from the
// environment. A .env file is honored for local development.
type Config struct {
	Environment string

	Server        ServerConfig
	Cookie        CookieConfig
	Redirect      RedirectConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Clickhouse    ClickhouseConfig
	Elasticsearch ElasticsearchConfig
	KMS           KMSConfig
	Provider      ProviderConfig
	Bridge        BridgeConfig
	Delivery      DeliveryConfig
	Verification  VerificationConfig
	Hashing       HashingConfig
	Bucketing     BucketingConfig
	Logging       LoggingConfig
}

type ServerConfig struct {
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	AutoCertDir  string
	CertFile     string
	KeyFile      string
	Domain       string
	Email        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// CookieConfig scopes the shared session cookie. ParentDomain is the apex
// every subdomain hangs off (e.g. "biblenow.io"); the cookie is written with
// a leading dot so read/live/social/studio all see one session.
type CookieConfig struct {
	Name         string
	ParentDomain string
	MaxAge       time.Duration
	LocalHosts   []string
}

type RedirectConfig struct {
	TrustedDomain    string
	FallbackPath     string
	ProfilePath      string
	ExpiredResetPath string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type ClickhouseConfig struct {
	URL      string
	Database string
	Username string
	Password string
}

type ElasticsearchConfig struct {
	URL      string
	Username string
	Password string
	Index    string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

// ProviderConfig points at the primary identity provider (the BaaS that owns
// password hashing, OAuth handshakes and session issuance). When
// CaptchaRequired is set, credential submissions without a captcha token are
// rejected before any provider round trip.
type ProviderConfig struct {
	BaseURL         string
	APIKey          string
	ServiceKey      string
	CaptchaRequired bool
	Timeout         time.Duration
}

// BridgeConfig points at the secondary phone-identity service whose tokens
// are exchanged for primary sessions.
type BridgeConfig struct {
	BaseURL    string
	ServiceKey string
	Timeout    time.Duration
}

type DeliveryConfig struct {
	ResendAPIKey     string
	PostmarkAPIToken string
	FromEmail        string
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
	Timeout          time.Duration
}

type VerificationConfig struct {
	CodeTTL        time.Duration
	MaxAttempts    int
	ResendCooldown time.Duration
}

type HashingConfig struct {
	Argon2MemoryCost  int
	Argon2TimeCost    int
	Argon2Parallelism int
}

type BucketingConfig struct {
	ContactBuckets int
}

type LoggingConfig struct {
	Level  string
	Format string
}

var (
	globalConfig *Config
	loadOnce     sync.Once
)

// LoadConfig reads the environment (and .env when present) into a Config.
func LoadConfig() *Config {
	loadOnce.Do(func() {
		_ = godotenv.Load()

		globalConfig = &Config{
			Environment: getEnv("ENVIRONMENT", "development"),
			Server: ServerConfig{
				Port:         getEnvInt("SERVER_PORT", 8080),
				TLSPort:      getEnvInt("SERVER_TLS_PORT", 8443),
				EnableTLS:    getEnvBool("SERVER_ENABLE_TLS", false),
				AutoCert:     getEnvBool("SERVER_AUTO_CERT", false),
				AutoCertDir:  getEnv("SERVER_AUTOCERT_DIR", "/var/lib/auth-gateway/certs"),
				CertFile:     getEnv("SERVER_CERT_FILE", ""),
				KeyFile:      getEnv("SERVER_KEY_FILE", ""),
				Domain:       getEnv("SERVER_DOMAIN", "auth.biblenow.io"),
				Email:        getEnv("SERVER_ACME_EMAIL", ""),
				ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
				WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
				IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			},
			Cookie: CookieConfig{
				Name:         getEnv("COOKIE_NAME", "bn-session"),
				ParentDomain: getEnv("COOKIE_PARENT_DOMAIN", "biblenow.io"),
				MaxAge:       getEnvDuration("COOKIE_MAX_AGE", 7*24*time.Hour),
				LocalHosts:   getEnvSlice("COOKIE_LOCAL_HOSTS", []string{"localhost", "127.0.0.1"}),
			},
			Redirect: RedirectConfig{
				TrustedDomain:    getEnv("REDIRECT_TRUSTED_DOMAIN", "biblenow.io"),
				FallbackPath:     getEnv("REDIRECT_FALLBACK_PATH", "/email-confirmed"),
				ProfilePath:      getEnv("REDIRECT_PROFILE_PATH", "/first-testimony"),
				ExpiredResetPath: getEnv("REDIRECT_EXPIRED_RESET_PATH", "/expired-reset"),
			},
			Redis: RedisConfig{
				URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
				Password: getEnv("REDIS_PASSWORD", ""),
				DB:       getEnvInt("REDIS_DB", 0),
				PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
			},
			Scylla: ScyllaConfig{
				Nodes:    getEnvSlice("SCYLLA_NODES", []string{"localhost:9042"}),
				Keyspace: getEnv("SCYLLA_KEYSPACE", "auth_gateway"),
				Username: getEnv("SCYLLA_USERNAME", ""),
				Password: getEnv("SCYLLA_PASSWORD", ""),
			},
			Kafka: KafkaConfig{
				Brokers: getEnvSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
				Topic:   getEnv("KAFKA_AUTH_EVENTS_TOPIC", "auth-events"),
			},
			Clickhouse: ClickhouseConfig{
				URL:      getEnv("CLICKHOUSE_URL", "localhost:9000"),
				Database: getEnv("CLICKHOUSE_DATABASE", "auth_audit"),
				Username: getEnv("CLICKHOUSE_USERNAME", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Elasticsearch: ElasticsearchConfig{
				URL:      getEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
				Username: getEnv("ELASTICSEARCH_USERNAME", ""),
				Password: getEnv("ELASTICSEARCH_PASSWORD", ""),
				Index:    getEnv("ELASTICSEARCH_AUDIT_INDEX", "auth-events"),
			},
			KMS: KMSConfig{
				Enabled: getEnvBool("KMS_ENABLED", false),
				KeyID:   getEnv("KMS_KEY_ID", ""),
				Region:  getEnv("KMS_REGION", "us-east-1"),
			},
			Provider: ProviderConfig{
				BaseURL:         getEnv("PROVIDER_BASE_URL", "http://localhost:9999"),
				APIKey:          getEnv("PROVIDER_API_KEY", ""),
				ServiceKey:      getEnv("PROVIDER_SERVICE_KEY", ""),
				CaptchaRequired: getEnvBool("PROVIDER_CAPTCHA_REQUIRED", false),
				Timeout:         getEnvDuration("PROVIDER_TIMEOUT", 10*time.Second),
			},
			Bridge: BridgeConfig{
				BaseURL:    getEnv("BRIDGE_BASE_URL", ""),
				ServiceKey: getEnv("BRIDGE_SERVICE_KEY", ""),
				Timeout:    getEnvDuration("BRIDGE_TIMEOUT", 10*time.Second),
			},
			Delivery: DeliveryConfig{
				ResendAPIKey:     getEnv("RESEND_API_KEY", ""),
				PostmarkAPIToken: getEnv("POSTMARK_API_TOKEN", ""),
				FromEmail:        getEnv("DELIVERY_FROM_EMAIL", "no-reply@biblenow.io"),
				TwilioAccountSID: getEnv("TWILIO_ACCOUNT_SID", ""),
				TwilioAuthToken:  getEnv("TWILIO_AUTH_TOKEN", ""),
				TwilioFromNumber: getEnv("TWILIO_PHONE_NUMBER", ""),
				Timeout:          getEnvDuration("DELIVERY_TIMEOUT", 15*time.Second),
			},
			Verification: VerificationConfig{
				CodeTTL:        getEnvDuration("VERIFICATION_CODE_TTL", 15*time.Minute),
				MaxAttempts:    getEnvInt("VERIFICATION_MAX_ATTEMPTS", 5),
				ResendCooldown: getEnvDuration("VERIFICATION_RESEND_COOLDOWN", 30*time.Second),
			},
			Hashing: HashingConfig{
				Argon2MemoryCost:  getEnvInt("ARGON2_MEMORY_COST", 64*1024),
				Argon2TimeCost:    getEnvInt("ARGON2_TIME_COST", 1),
				Argon2Parallelism: getEnvInt("ARGON2_PARALLELISM", 4),
			},
			Bucketing: BucketingConfig{
				ContactBuckets: getEnvInt("CONTACT_BUCKETS", 64),
			},
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
		}
	})

	return globalConfig
}

// Get returns the loaded configuration, loading it on first use.
func Get() *Config {
	if globalConfig == nil {
		return LoadConfig()
	}
	return globalConfig
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return !c.IsProduction()
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
