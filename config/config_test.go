package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BearBump/CarrierSync/internal/models"
)

const sampleConfig = `
environment: "staging"
database:
  host: "localhost"
  port: 5432
  username: "u"
  password: "p"
  name: "db"
kafka:
  host: "localhost"
  port: 9092
redis:
  host: "localhost"
  port: 6379
storage:
  root: "/var/lib/carriersync"
provider:
  base_url: "http://provider:9000"
  mode: "fake"
ingest:
  http_addr: ":9090"
  units_of_measure_ttl_seconds: 120
carriers:
  - id: 1
    code: "ups"
    invoice_format: "xml"
    terminal_phrases: ["Delivered", " Returned to Sender "]
    soft_error_codes: ["TW0001"]
    rate_limit_per_minute: 60
  - id: 2
    code: "fdx"
    invoice_format: "CSV"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	require.Equal(t, "u", cfg.Database.Username)
	require.Equal(t, 6379, cfg.Redis.Port)
	require.Equal(t, ":9090", cfg.Ingest.HTTPAddr)
	require.Equal(t, "fake", cfg.Provider.Mode)
	require.Equal(t, 120, cfg.Ingest.UnitsOfMeasureTTLSeconds)

	// defaults
	require.Equal(t, "invoice-records", cfg.Kafka.InvoiceRecordsQueue)
	require.Equal(t, "staging.invoice-records", cfg.Topic(cfg.Kafka.InvoiceRecordsQueue))
	require.Equal(t, "staging.alerts", cfg.Topic(cfg.Kafka.AlertsQueue))
	require.Equal(t, 5, cfg.Ingest.RetryMaxAttempts)
	require.Equal(t, "postgres://u:p@localhost:5432/db?sslmode=disable", cfg.Database.ConnString())
}

func TestConfig_Carriers(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	carriers := cfg.Carriers()
	require.Len(t, carriers, 2)
	require.Equal(t, "UPS", carriers[0].Code)
	require.Equal(t, []string{"delivered", "returned to sender"}, carriers[0].TerminalPhrases)
	require.True(t, carriers[0].IsSoftErrorCode("TW0001"))
	require.Equal(t, models.InvoiceFormatCSV, carriers[1].InvoiceFormat)

	c, ok := cfg.Carrier("fdx")
	require.True(t, ok)
	require.Equal(t, int64(2), c.ID)

	require.Equal(t, map[string]int64{"UPS": 60}, cfg.CarrierRateLimits())
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("INGEST_ENVIRONMENT", "prod")

	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	require.Equal(t, "db.internal", cfg.Database.Host)
	require.Equal(t, 6380, cfg.Redis.Port)
	require.Equal(t, "prod.tracking-validations", cfg.Topic(cfg.Kafka.TrackingValidationsQueue))
}

func TestLoadConfig_Invalid(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `
carriers:
  - code: "ups"
  - code: "UPS"
`))
	require.ErrorContains(t, err, "duplicate code")

	_, err = LoadConfig(writeConfig(t, `
carriers:
  - code: "ups"
    invoice_format: "pdf"
`))
	require.ErrorContains(t, err, "unsupported invoice_format")

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
