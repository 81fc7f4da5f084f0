package configuration

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type (
	DatabaseType string
	QueueKind    string
)

const (
	DatabaseGeneric    DatabaseType = "generic"
	DatabaseTimescale  DatabaseType = "timescale"
	DatabaseSnowflake  DatabaseType = "snowflake"
	DatabaseClickHouse DatabaseType = "clickhouse"

	QueueMemory QueueKind = "MEMORY"
	QueueDisk   QueueKind = "DISK"

	PayloadFormatJson = "JSON"
)

type SqlLoggerConfiguration struct {
	// Prometheus metrics configuration
	Metrics MetricsConfig
	// Connection to the message bus the pipelines subscribe through
	Bus BusConfig
	// Each pipeline has its own queue, background loop and database connection
	Pipelines []PipelineConfig `validate:"required,min=1,dive"`
}

type MetricsConfig struct {
	Port uint16
}

type BusConfig struct {
	Url string `validate:"required"`
	// Name reported to the server for this connection
	ClientName string
	// Time between reconnect attempts after the connection to the bus is lost
	ReconnectWait time.Duration
	// Maximum number of reconnect attempts. A negative value retries forever
	MaxReconnects int
}

type QueueConfig struct {
	Kind QueueKind `validate:"oneof=MEMORY DISK"`
	// Maximum number of uncommitted entries
	Size int `validate:"gt=0"`
	// Directory holding the queue file, required for DISK queues
	DiskPath string
}

type PipelineConfig struct {
	// Unique name, used for metrics labels, log fields and the disk queue file name
	Name         string       `validate:"required,excludesall=/ "`
	DatabaseType DatabaseType `validate:"oneof=generic timescale snowflake clickhouse"`
	// Connection url, e.g. postgres://host:5432/db, sqlite:///var/lib/logger.db or clickhouse://host:9000/default
	Url      string `validate:"required"`
	Username string
	Password string
	// Topic filters this pipeline subscribes to. + matches one level and # matches the remainder
	TopicFilters []string `validate:"required,min=1,dive,required"`
	// Fixed destination table. Mutually exclusive with TableNameJsonPath
	TableName string
	// JSONPath evaluated against each payload to find its destination table
	TableNameJsonPath string
	// Optional column receiving the topic each row arrived on
	TopicNameColumn string
	PayloadFormat   string `validate:"oneof=JSON"`
	// Inline JSON Schema document. Mutually exclusive with SchemaFile
	Schema string
	// Path to a JSON Schema document
	SchemaFile string
	Queue      QueueConfig
	// Number of rows per table that triggers a flush, also the number of entries polled per cycle
	BulkSize int `validate:"gt=0"`
	// Maximum time between flushes of a table that holds rows
	BulkTimeout time.Duration `validate:"gt=0"`
	// Pause after a write failed with a connection error
	ReconnectDelay time.Duration `validate:"gt=0"`
	// Pause after a cycle that found the queue empty
	IdleSleep time.Duration `validate:"gt=0"`
	// Upper bound on rows held for retry across all tables. Polling stops while it is reached
	MaxBufferedRows int `validate:"gtefield=BulkSize"`
	// Create the fixed table on startup when it does not exist
	AutoCreateTable bool
	// Number of connection attempts made on startup
	ConnectAttempts uint `validate:"gt=0"`
	// Dialect specific settings, e.g. account, warehouse and privateKeyFile for snowflake
	Extras map[string]string
	// Time allowed for the background loop to finish when the pipeline stops
	ShutdownTimeout time.Duration
}

// ApplyDefaults fills unset values with the defaults used by every pipeline.
func (p *PipelineConfig) ApplyDefaults() {
	if p.PayloadFormat == "" {
		p.PayloadFormat = PayloadFormatJson
	}
	if p.DatabaseType == "" {
		p.DatabaseType = DatabaseGeneric
	}
	p.Queue.Kind = QueueKind(strings.ToUpper(string(p.Queue.Kind)))
	if p.Queue.Kind == "" {
		p.Queue.Kind = QueueMemory
	}
	if p.Queue.Size == 0 {
		p.Queue.Size = 10000
	}
	if p.BulkSize == 0 {
		p.BulkSize = 100
	}
	if p.BulkTimeout == 0 {
		p.BulkTimeout = 5 * time.Second
	}
	if p.ReconnectDelay == 0 {
		p.ReconnectDelay = 5 * time.Second
	}
	if p.IdleSleep == 0 {
		p.IdleSleep = 100 * time.Millisecond
	}
	if p.MaxBufferedRows == 0 {
		p.MaxBufferedRows = 10 * p.BulkSize
	}
	if p.ConnectAttempts == 0 {
		p.ConnectAttempts = 5
	}
	if p.ShutdownTimeout == 0 {
		p.ShutdownTimeout = 10 * time.Second
	}
}

// Extra returns a dialect specific setting. Keys are matched case-insensitively because viper lower-cases map keys.
func (p *PipelineConfig) Extra(key string) string {
	if v, ok := p.Extras[key]; ok {
		return v
	}
	for k, v := range p.Extras {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// SchemaDocument returns the JSON Schema text, reading SchemaFile when no inline schema is configured.
func (p *PipelineConfig) SchemaDocument() ([]byte, error) {
	if p.Schema != "" {
		return []byte(p.Schema), nil
	}
	doc, err := os.ReadFile(p.SchemaFile)
	if err != nil {
		return nil, errors.Wrapf(err, "reading schema for pipeline %s", p.Name)
	}
	return doc, nil
}

// HasFixedTable reports whether rows always go to TableName.
func (p *PipelineConfig) HasFixedTable() bool {
	return p.TableName != ""
}
