package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	StorageDriverS3    = "s3"
	StorageDriverLocal = "local"
)

// Config is built once at startup and handed to every component.
type Config struct {
	ServiceName string
	Port        int
	LogFormat   string

	StripeSecretKey     string
	StripeWebhookSecret string
	Currency            string

	StorageDriver          string
	StorageEndpoint        string
	StorageRegion          string
	StorageAccessKeyID     string
	StorageSecretAccessKey string
	StorageBucket          string
	LocalStorageDir        string
	DownloadSigningKey     string
	PublicBaseURL          string

	CatalogFile        string
	DownloadExpiry     time.Duration
	GatewayTimeout     time.Duration
	VerifyObjectExists bool

	RedisAddr       string
	RedisPassword   string
	WebhookDedupTTL time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	JaegerEndpoint  string
	CORSAllowOrigin string
}

type configFile struct {
	Service struct {
		Name      string `yaml:"name"`
		Port      int    `yaml:"port"`
		LogFormat string `yaml:"log_format"`
	} `yaml:"service"`
	Checkout struct {
		Currency              string `yaml:"currency"`
		CatalogFile           string `yaml:"catalog_file"`
		DownloadExpirySeconds int    `yaml:"download_expiry_seconds"`
		GatewayTimeoutSeconds int    `yaml:"gateway_timeout_seconds"`
		VerifyObjectExists    *bool  `yaml:"verify_object_exists"`
		PublicBaseURL         string `yaml:"public_base_url"`
		CORSAllowOrigin       string `yaml:"cors_allow_origin"`
	} `yaml:"checkout"`
	Storage struct {
		Driver   string `yaml:"driver"`
		Endpoint string `yaml:"endpoint"`
		Region   string `yaml:"region"`
		Bucket   string `yaml:"bucket"`
		LocalDir string `yaml:"local_dir"`
	} `yaml:"storage"`
	Dependencies struct {
		RedisAddr           string   `yaml:"redis_addr"`
		WebhookDedupTTLHour int      `yaml:"webhook_dedup_ttl_hours"`
		KafkaBrokers        []string `yaml:"kafka_brokers"`
		KafkaTopic          string   `yaml:"kafka_topic"`
		JaegerEndpoint      string   `yaml:"jaeger_endpoint"`
	} `yaml:"dependencies"`
}

// Load applies defaults, then the YAML file at path (if it exists), then
// environment variables. Secrets are only read from the environment.
func Load(path string) (Config, error) {
	cfg := Config{
		ServiceName:        "checkout-service",
		Port:               8080,
		LogFormat:          "json",
		Currency:           "usd",
		StorageDriver:      StorageDriverS3,
		StorageRegion:      "auto",
		LocalStorageDir:    "./packs",
		PublicBaseURL:      "http://localhost:8080",
		DownloadExpiry:     30 * time.Minute,
		GatewayTimeout:     10 * time.Second,
		VerifyObjectExists: true,
		WebhookDedupTTL:    72 * time.Hour,
		KafkaTopic:         "purchase_events",
		CORSAllowOrigin:    "*",
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := cfg.applyFile(raw); err != nil {
				return Config{}, err
			}
		case !errors.Is(err, fs.ErrNotExist):
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyFile(raw []byte) error {
	var f configFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	if f.Service.Name != "" {
		c.ServiceName = f.Service.Name
	}
	if f.Service.Port > 0 {
		c.Port = f.Service.Port
	}
	if f.Service.LogFormat != "" {
		c.LogFormat = f.Service.LogFormat
	}
	if f.Checkout.Currency != "" {
		c.Currency = f.Checkout.Currency
	}
	if f.Checkout.CatalogFile != "" {
		c.CatalogFile = f.Checkout.CatalogFile
	}
	if f.Checkout.DownloadExpirySeconds > 0 {
		c.DownloadExpiry = time.Duration(f.Checkout.DownloadExpirySeconds) * time.Second
	}
	if f.Checkout.GatewayTimeoutSeconds > 0 {
		c.GatewayTimeout = time.Duration(f.Checkout.GatewayTimeoutSeconds) * time.Second
	}
	if f.Checkout.VerifyObjectExists != nil {
		c.VerifyObjectExists = *f.Checkout.VerifyObjectExists
	}
	if f.Checkout.PublicBaseURL != "" {
		c.PublicBaseURL = f.Checkout.PublicBaseURL
	}
	if f.Checkout.CORSAllowOrigin != "" {
		c.CORSAllowOrigin = f.Checkout.CORSAllowOrigin
	}
	if f.Storage.Driver != "" {
		c.StorageDriver = f.Storage.Driver
	}
	if f.Storage.Endpoint != "" {
		c.StorageEndpoint = f.Storage.Endpoint
	}
	if f.Storage.Region != "" {
		c.StorageRegion = f.Storage.Region
	}
	if f.Storage.Bucket != "" {
		c.StorageBucket = f.Storage.Bucket
	}
	if f.Storage.LocalDir != "" {
		c.LocalStorageDir = f.Storage.LocalDir
	}
	if f.Dependencies.RedisAddr != "" {
		c.RedisAddr = f.Dependencies.RedisAddr
	}
	if f.Dependencies.WebhookDedupTTLHour > 0 {
		c.WebhookDedupTTL = time.Duration(f.Dependencies.WebhookDedupTTLHour) * time.Hour
	}
	if len(f.Dependencies.KafkaBrokers) > 0 {
		c.KafkaBrokers = trimNonEmpty(f.Dependencies.KafkaBrokers)
	}
	if f.Dependencies.KafkaTopic != "" {
		c.KafkaTopic = f.Dependencies.KafkaTopic
	}
	if f.Dependencies.JaegerEndpoint != "" {
		c.JaegerEndpoint = f.Dependencies.JaegerEndpoint
	}
	return nil
}

func (c *Config) applyEnv() {
	c.ServiceName = getEnv("SERVICE_NAME", c.ServiceName)
	c.Port = getEnvInt("PORT", c.Port)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)

	c.StripeSecretKey = getEnv("STRIPE_SECRET_KEY", c.StripeSecretKey)
	c.StripeWebhookSecret = getEnv("STRIPE_WEBHOOK_SECRET", c.StripeWebhookSecret)
	c.Currency = strings.ToLower(getEnv("CHECKOUT_CURRENCY", c.Currency))

	c.StorageDriver = strings.ToLower(getEnv("STORAGE_DRIVER", c.StorageDriver))
	c.StorageEndpoint = getEnv("STORAGE_ENDPOINT", c.StorageEndpoint)
	c.StorageRegion = getEnv("STORAGE_REGION", c.StorageRegion)
	c.StorageAccessKeyID = getEnv("STORAGE_ACCESS_KEY_ID", c.StorageAccessKeyID)
	c.StorageSecretAccessKey = getEnv("STORAGE_SECRET_ACCESS_KEY", c.StorageSecretAccessKey)
	c.StorageBucket = getEnv("STORAGE_BUCKET", c.StorageBucket)
	c.LocalStorageDir = getEnv("LOCAL_STORAGE_DIR", c.LocalStorageDir)
	c.DownloadSigningKey = getEnv("DOWNLOAD_SIGNING_KEY", c.DownloadSigningKey)
	c.PublicBaseURL = strings.TrimRight(getEnv("PUBLIC_BASE_URL", c.PublicBaseURL), "/")

	c.CatalogFile = getEnv("CATALOG_FILE", c.CatalogFile)
	c.DownloadExpiry = time.Duration(getEnvInt("DOWNLOAD_EXPIRY_SECONDS", int(c.DownloadExpiry.Seconds()))) * time.Second
	c.GatewayTimeout = time.Duration(getEnvInt("GATEWAY_TIMEOUT_SECONDS", int(c.GatewayTimeout.Seconds()))) * time.Second
	c.VerifyObjectExists = getEnvBool("VERIFY_OBJECT_EXISTS", c.VerifyObjectExists)

	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.WebhookDedupTTL = time.Duration(getEnvInt("WEBHOOK_DEDUP_TTL_HOURS", int(c.WebhookDedupTTL.Hours()))) * time.Hour

	c.KafkaBrokers = getEnvCSV("KAFKA_BROKERS", c.KafkaBrokers)
	c.KafkaTopic = getEnv("KAFKA_TOPIC", c.KafkaTopic)

	c.JaegerEndpoint = getEnv("JAEGER_ENDPOINT", c.JaegerEndpoint)
	c.CORSAllowOrigin = getEnv("CORS_ALLOW_ORIGIN", c.CORSAllowOrigin)
}

func (c Config) validate() error {
	switch c.StorageDriver {
	case StorageDriverS3, StorageDriverLocal:
	default:
		return fmt.Errorf("unsupported storage driver %q", c.StorageDriver)
	}
	if c.DownloadExpiry <= 0 {
		return errors.New("download expiry must be positive")
	}
	if c.GatewayTimeout <= 0 {
		return errors.New("gateway timeout must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return defaultValue
	}
	return v
}

func getEnvBool(key string, defaultValue bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return defaultValue
	}
	return v
}

func getEnvCSV(key string, defaultValue []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue
	}
	return trimNonEmpty(strings.Split(raw, ","))
}

func trimNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
