package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// S3Config holds the settings for the S3 blob store.
type S3Config struct {
	Enabled   bool
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	PathStyle bool
	PublicURL string
	EnableACL bool
}

// Config holds all configuration fields for the application.
type Config struct {
	Port         string
	DBType       string
	DatabaseURL  string
	SessionDBURL string
	APIToken     string

	LogLevel  string
	LogFormat string

	ReconnectDelay     time.Duration
	SweepInterval      time.Duration
	IdentityCacheTTL   time.Duration
	PresenceDelay      time.Duration
	AudioPresenceDelay time.Duration
	SendRate           float64
	SendBurst          int
	DefaultCountryCode string
	QRTerminal         bool

	MediaDir string
	S3       S3Config

	RabbitMQURL         string
	RabbitMQQueue       string
	RabbitMQQueuePrefix string
	RabbitMQTopicQueues []string
	WebhookURL          string
	WebhookFormat       string
}

// LoadConfig loads configuration from environment variables.
// It attempts to load a .env file if present.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Info().Err(err).Msg("No .env file found or error loading it, relying on environment variables")
	}

	cfg := &Config{
		Port:         getString("PORT", "8080"),
		DBType:       getString("DB_TYPE", "sqlite"),
		DatabaseURL:  getString("DATABASE_URL", "file:lexbridge.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(3000)"),
		SessionDBURL: os.Getenv("SESSION_DB_URL"),
		APIToken:     os.Getenv("API_TOKEN"),

		LogLevel:  getString("LOG_LEVEL", "info"),
		LogFormat: getString("LOG_FORMAT", "console"),

		ReconnectDelay:     getDuration("RECONNECT_DELAY", 3*time.Second),
		SweepInterval:      getDuration("SWEEP_INTERVAL", time.Minute),
		IdentityCacheTTL:   getDuration("IDENTITY_CACHE_TTL", 6*time.Hour),
		PresenceDelay:      getDuration("PRESENCE_DELAY", 2*time.Second),
		AudioPresenceDelay: getDuration("AUDIO_PRESENCE_DELAY", 4*time.Second),
		SendRate:           getFloat("SEND_RATE", 1),
		SendBurst:          getInt("SEND_BURST", 5),
		DefaultCountryCode: getString("DEFAULT_COUNTRY_CODE", "55"),
		QRTerminal:         getBool("QR_TERMINAL", false),

		MediaDir: getString("MEDIA_DIR", "./media"),
		S3: S3Config{
			Enabled:   getBool("S3_ENABLED", false),
			Endpoint:  os.Getenv("S3_ENDPOINT"),
			Region:    getString("S3_REGION", "us-east-1"),
			Bucket:    os.Getenv("S3_BUCKET"),
			AccessKey: os.Getenv("S3_ACCESS_KEY"),
			SecretKey: os.Getenv("S3_SECRET_KEY"),
			PathStyle: getBool("S3_PATH_STYLE", false),
			PublicURL: os.Getenv("S3_PUBLIC_URL"),
			EnableACL: getBool("S3_ENABLE_ACL", false),
		},

		RabbitMQURL:         os.Getenv("RABBITMQ_URL"),
		RabbitMQQueue:       getString("RABBITMQ_QUEUE", "events"),
		RabbitMQQueuePrefix: getString("RABBITMQ_QUEUE_PREFIX", "lexbridge"),
		RabbitMQTopicQueues: getList("RABBITMQ_TOPIC_QUEUES"),
		WebhookURL:          os.Getenv("WEBHOOK_URL"),
		WebhookFormat:       getString("WEBHOOK_FORMAT", "json"),
	}

	if cfg.SessionDBURL == "" {
		cfg.SessionDBURL = cfg.DatabaseURL
	}
	if cfg.DBType != "postgres" && cfg.DBType != "sqlite" {
		log.Warn().Str("dbType", cfg.DBType).Msg("Unknown DB_TYPE, using sqlite")
		cfg.DBType = "sqlite"
	}

	log.Info().Str("dbType", cfg.DBType).Str("port", cfg.Port).Msg("Configuration loaded")
	return cfg, nil
}

func getString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Warn().Str("key", key).Str("value", v).Dur("default", def).Msg("Invalid duration, using default")
		return def
	}
	return d
}

func getInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Int("default", def).Msg("Invalid integer, using default")
		return def
	}
	return n
}

func getFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Float64("default", def).Msg("Invalid number, using default")
		return def
	}
	return f
}

func getBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Bool("default", def).Msg("Invalid boolean, using default")
		return def
	}
	return b
}

func getList(key string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
