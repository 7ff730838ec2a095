package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.yaml.in/yaml/v4"

	"github.com/BearBump/CarrierSync/internal/models"
)

type Config struct {
	Environment string         `yaml:"environment" env:"INGEST_ENVIRONMENT"`
	Database    DatabaseConfig `yaml:"database"`
	Kafka       KafkaConfig    `yaml:"kafka"`
	Redis       RedisConfig    `yaml:"redis"`
	Storage     StorageConfig  `yaml:"storage"`
	Provider    ProviderConfig `yaml:"provider"`
	Ingest      IngestConfig   `yaml:"ingest"`

	CarrierList []CarrierConfig `yaml:"carriers"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host" env:"DB_HOST"`
	Port     int    `yaml:"port" env:"DB_PORT"`
	Username string `yaml:"username" env:"DB_USER"`
	Password string `yaml:"password" env:"DB_PASSWORD"`
	DBName   string `yaml:"name" env:"DB_NAME"`
	SSLMode  string `yaml:"ssl_mode" env:"DB_SSL_MODE"`
}

func (d DatabaseConfig) ConnString() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.Username, d.Password, d.Host, d.Port, d.DBName, sslMode)
}

type KafkaConfig struct {
	Host string `yaml:"host" env:"KAFKA_HOST"`
	Port int    `yaml:"port" env:"KAFKA_PORT"`

	InvoiceRecordsQueue      string `yaml:"invoice_records_queue"`
	TrackingValidationsQueue string `yaml:"tracking_validations_queue"`
	AlertsQueue              string `yaml:"alerts_queue"`
	ConsumerGroup            string `yaml:"consumer_group" env:"KAFKA_CONSUMER_GROUP"`
}

func (k KafkaConfig) Brokers() []string {
	return []string{fmt.Sprintf("%s:%d", k.Host, k.Port)}
}

type RedisConfig struct {
	Host string `yaml:"host" env:"REDIS_HOST"`
	Port int    `yaml:"port" env:"REDIS_PORT"`
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type StorageConfig struct {
	Root string `yaml:"root" env:"STORAGE_ROOT"`
}

type ProviderConfig struct {
	BaseURL        string `yaml:"base_url" env:"PROVIDER_BASE_URL"`
	APIKey         string `yaml:"api_key" env:"PROVIDER_API_KEY"`
	Mode           string `yaml:"mode" env:"PROVIDER_MODE"` // "http" | "fake"
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type IngestConfig struct {
	HTTPAddr string `yaml:"http_addr" env:"INGEST_HTTP_ADDR"`

	FilePollIntervalSeconds int `yaml:"file_poll_interval_seconds"`
	FileClaimBatchSize      int `yaml:"file_claim_batch_size"`

	TrackingPollIntervalSeconds int `yaml:"tracking_poll_interval_seconds"`
	TrackingBatchSize           int `yaml:"tracking_batch_size"`
	TrackingConcurrency         int `yaml:"tracking_concurrency"`
	TrackingLeaseSeconds        int `yaml:"tracking_lease_seconds"`
	RateLimitPerMinute          int `yaml:"rate_limit_per_minute"`

	UnitsOfMeasureTTLSeconds int `yaml:"units_of_measure_ttl_seconds"`

	RetryMaxAttempts       int `yaml:"retry_max_attempts"`
	RetryInitialIntervalMs int `yaml:"retry_initial_interval_ms"`
	RetryMaxIntervalMs     int `yaml:"retry_max_interval_ms"`

	// Планировщик следующей проверки. Нули означают значения по умолчанию.
	NextCheckInTransitMinSeconds int `yaml:"next_check_in_transit_min_seconds"`
	NextCheckInTransitMaxSeconds int `yaml:"next_check_in_transit_max_seconds"`
	NextCheckUnknownSeconds      int `yaml:"next_check_unknown_seconds"`
	Backoff1Seconds              int `yaml:"backoff_1_seconds"`
	Backoff2Seconds              int `yaml:"backoff_2_seconds"`
	Backoff3Seconds              int `yaml:"backoff_3_seconds"`
	Backoff4Seconds              int `yaml:"backoff_4_seconds"`
}

type CarrierConfig struct {
	ID                 int64    `yaml:"id"`
	Code               string   `yaml:"code"`
	InvoiceFormat      string   `yaml:"invoice_format"`
	TerminalPhrases    []string `yaml:"terminal_phrases"`
	SoftErrorCodes     []string `yaml:"soft_error_codes"`
	RateLimitPerMinute int      `yaml:"rate_limit_per_minute"`
}

// Carriers returns the carrier descriptors handed to controllers.
func (c *Config) Carriers() []models.Carrier {
	out := make([]models.Carrier, 0, len(c.CarrierList))
	for _, cc := range c.CarrierList {
		format := strings.ToLower(cc.InvoiceFormat)
		if format == "" {
			format = models.InvoiceFormatXML
		}
		phrases := make([]string, 0, len(cc.TerminalPhrases))
		for _, p := range cc.TerminalPhrases {
			phrases = append(phrases, strings.ToLower(strings.TrimSpace(p)))
		}
		out = append(out, models.Carrier{
			ID:              cc.ID,
			Code:            strings.ToUpper(cc.Code),
			InvoiceFormat:   format,
			TerminalPhrases: phrases,
			SoftErrorCodes:  append([]string(nil), cc.SoftErrorCodes...),
		})
	}
	return out
}

// Carrier looks a descriptor up by code (case-insensitive).
func (c *Config) Carrier(code string) (models.Carrier, bool) {
	for _, m := range c.Carriers() {
		if strings.EqualFold(m.Code, code) {
			return m, true
		}
	}
	return models.Carrier{}, false
}

// CarrierRateLimits maps carrier code to its per-minute provider budget.
func (c *Config) CarrierRateLimits() map[string]int64 {
	out := make(map[string]int64, len(c.CarrierList))
	for _, cc := range c.CarrierList {
		if cc.RateLimitPerMinute > 0 {
			out[strings.ToUpper(cc.Code)] = int64(cc.RateLimitPerMinute)
		}
	}
	return out
}

// Topic builds the environment-scoped queue name, e.g. "prod.invoice-records".
func (c *Config) Topic(queue string) string {
	if c.Environment == "" {
		return queue
	}
	return c.Environment + "." + queue
}

func LoadConfig(filename string) (*Config, error) {
	if err := loadDotEnv(".env", ".env.local"); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	// Переменные окружения перекрывают значения из YAML.
	if err := env.Parse(&config); err != nil {
		return nil, fmt.Errorf("failed to apply env overrides: %w", err)
	}

	config.applyDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func loadDotEnv(files ...string) error {
	existing := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("failed to load env files: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Kafka.InvoiceRecordsQueue == "" {
		c.Kafka.InvoiceRecordsQueue = "invoice-records"
	}
	if c.Kafka.TrackingValidationsQueue == "" {
		c.Kafka.TrackingValidationsQueue = "tracking-validations"
	}
	if c.Kafka.AlertsQueue == "" {
		c.Kafka.AlertsQueue = "alerts"
	}
	if c.Kafka.ConsumerGroup == "" {
		c.Kafka.ConsumerGroup = "ingest-worker"
	}
	if c.Provider.Mode == "" {
		c.Provider.Mode = "http"
	}
	if c.Provider.TimeoutSeconds <= 0 {
		c.Provider.TimeoutSeconds = 10
	}
	if c.Ingest.HTTPAddr == "" {
		c.Ingest.HTTPAddr = ":8081"
	}
	if c.Ingest.FilePollIntervalSeconds <= 0 {
		c.Ingest.FilePollIntervalSeconds = 60
	}
	if c.Ingest.FileClaimBatchSize <= 0 {
		c.Ingest.FileClaimBatchSize = 20
	}
	if c.Ingest.TrackingPollIntervalSeconds <= 0 {
		c.Ingest.TrackingPollIntervalSeconds = 5
	}
	if c.Ingest.TrackingBatchSize <= 0 {
		c.Ingest.TrackingBatchSize = 100
	}
	if c.Ingest.TrackingConcurrency <= 0 {
		c.Ingest.TrackingConcurrency = 10
	}
	if c.Ingest.TrackingLeaseSeconds <= 0 {
		c.Ingest.TrackingLeaseSeconds = 30
	}
	if c.Ingest.UnitsOfMeasureTTLSeconds <= 0 {
		c.Ingest.UnitsOfMeasureTTLSeconds = 3600
	}
	if c.Ingest.RetryMaxAttempts <= 0 {
		c.Ingest.RetryMaxAttempts = 5
	}
	if c.Ingest.RetryInitialIntervalMs <= 0 {
		c.Ingest.RetryInitialIntervalMs = 200
	}
	if c.Ingest.RetryMaxIntervalMs <= 0 {
		c.Ingest.RetryMaxIntervalMs = 5000
	}
}

func (c *Config) validate() error {
	seen := make(map[string]struct{}, len(c.CarrierList))
	for i, cc := range c.CarrierList {
		if cc.Code == "" {
			return fmt.Errorf("carriers[%d]: code is required", i)
		}
		code := strings.ToUpper(cc.Code)
		if _, dup := seen[code]; dup {
			return fmt.Errorf("carriers[%d]: duplicate code %q", i, cc.Code)
		}
		seen[code] = struct{}{}
		switch strings.ToLower(cc.InvoiceFormat) {
		case "", models.InvoiceFormatXML, models.InvoiceFormatCSV:
		default:
			return fmt.Errorf("carriers[%d]: unsupported invoice_format %q", i, cc.InvoiceFormat)
		}
	}
	switch c.Provider.Mode {
	case "http", "fake":
	default:
		return fmt.Errorf("provider.mode: unsupported value %q", c.Provider.Mode)
	}
	return nil
}
