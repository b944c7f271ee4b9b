package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/eddielth/sensorbridge/calibration"
	"github.com/eddielth/sensorbridge/link"
	"github.com/eddielth/sensorbridge/validator"
)

// EnvPrefix prefixes every environment override, e.g. SENSORBRIDGE_SERIAL_PORT
const EnvPrefix = "SENSORBRIDGE"

// Config is the complete bridge configuration. It is read once at startup
// and never modified during a run.
type Config struct {
	Serial      SerialConfig      `mapstructure:"serial"`
	Channels    []ChannelConfig   `mapstructure:"channels"`
	Calibration CalibrationConfig `mapstructure:"calibration"`
	Broker      BrokerConfig      `mapstructure:"broker"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Link        LinkConfig        `mapstructure:"link"`
	Heartbeat   HeartbeatConfig   `mapstructure:"heartbeat"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logger      LoggerConfig      `mapstructure:"logger"`
}

// SerialConfig describes the serial input
type SerialConfig struct {
	Port          string       `mapstructure:"port"`
	Baud          int          `mapstructure:"baud"`
	DataBits      int          `mapstructure:"data_bits"`
	Parity        string       `mapstructure:"parity"`
	StopBits      int          `mapstructure:"stop_bits"`
	Delimiter     string       `mapstructure:"delimiter"`
	MaxFrameBytes int          `mapstructure:"max_frame_bytes"`
	Format        string       `mapstructure:"format"`
	Separator     string       `mapstructure:"separator"`
	Script        ScriptConfig `mapstructure:"script"`
}

// ScriptConfig configures the JavaScript frame decoder
type ScriptConfig struct {
	Path    string        `mapstructure:"path"`
	Code    string        `mapstructure:"code"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ChannelConfig describes one sensor channel
type ChannelConfig struct {
	Name     string  `mapstructure:"name"`
	Unit     string  `mapstructure:"unit"`
	Field    string  `mapstructure:"field"`
	RawMin   float64 `mapstructure:"raw_min"`
	RawMax   float64 `mapstructure:"raw_max"`
	Scale    float64 `mapstructure:"scale"`
	Offset   float64 `mapstructure:"offset"`
	Sentinel float64 `mapstructure:"sentinel"`
}

// CalibrationConfig holds set wide calibration options
type CalibrationConfig struct {
	OutOfRange string `mapstructure:"out_of_range"`
}

// BrokerConfig describes the pub/sub transport
type BrokerConfig struct {
	Type           string        `mapstructure:"type"`
	URL            string        `mapstructure:"url"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	Token          string        `mapstructure:"token"`
	QoS            int           `mapstructure:"qos"`
	Retain         bool          `mapstructure:"retain"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	DataTopic      string        `mapstructure:"data_topic"`
	HeartbeatTopic string        `mapstructure:"heartbeat_topic"`
}

// StorageConfig describes the durable log and its mirrors
type StorageConfig struct {
	CSV      CSVStorageConfig      `mapstructure:"csv"`
	Database DatabaseStorageConfig `mapstructure:"database"`
	Retry    RetryConfig           `mapstructure:"retry"`
}

// CSVStorageConfig configures the append-only CSV log
type CSVStorageConfig struct {
	Path  string `mapstructure:"path"`
	Fsync bool   `mapstructure:"fsync"`
}

// DatabaseStorageConfig configures the optional SQL mirror
type DatabaseStorageConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Type    string `mapstructure:"type"`
	DSN     string `mapstructure:"dsn"`
	Table   string `mapstructure:"table"`
}

// RetryConfig bounds storage retries
type RetryConfig struct {
	Attempts   int           `mapstructure:"attempts"`
	Initial    time.Duration `mapstructure:"initial"`
	Max        time.Duration `mapstructure:"max"`
	Multiplier float64       `mapstructure:"multiplier"`
}

// LinkConfig configures link supervision
type LinkConfig struct {
	MalformedThreshold int           `mapstructure:"malformed_threshold"`
	Backoff            BackoffConfig `mapstructure:"backoff"`
}

// BackoffConfig configures reconnect delays
type BackoffConfig struct {
	Initial    time.Duration `mapstructure:"initial"`
	Max        time.Duration `mapstructure:"max"`
	Multiplier float64       `mapstructure:"multiplier"`
	Jitter     float64       `mapstructure:"jitter"`
}

// HeartbeatConfig configures the heartbeat ticker
type HeartbeatConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// PipelineConfig sizes the fan-out queues
type PipelineConfig struct {
	QueueSize       int           `mapstructure:"queue_size"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// MetricsConfig configures the HTTP observability surface
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggerConfig configures logging
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	// MaxSize is the rotation threshold in megabytes
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	Console    bool   `mapstructure:"console"`
}

func hostname() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "unknown"
	}
	return host
}

func setDefaults(v *viper.Viper) {
	// keys without a useful default are still registered so that
	// environment overrides reach Unmarshal
	for _, key := range []string{
		"serial.port", "serial.script.path", "serial.script.code",
		"broker.client_id", "broker.username", "broker.password", "broker.token",
		"storage.database.type", "storage.database.dsn", "logger.file_path",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("storage.database.enabled", false)
	v.SetDefault("broker.retain", false)

	v.SetDefault("serial.baud", 115200)
	v.SetDefault("serial.data_bits", 8)
	v.SetDefault("serial.parity", "none")
	v.SetDefault("serial.stop_bits", 1)
	v.SetDefault("serial.delimiter", "\n")
	v.SetDefault("serial.max_frame_bytes", 1024)
	v.SetDefault("serial.format", "csv")
	v.SetDefault("serial.separator", ",")
	v.SetDefault("serial.script.timeout", 100*time.Millisecond)

	v.SetDefault("calibration.out_of_range", string(calibration.PolicyHold))

	v.SetDefault("broker.type", "mqtt")
	v.SetDefault("broker.url", "tcp://127.0.0.1:1883")
	v.SetDefault("broker.qos", 0)
	v.SetDefault("broker.keep_alive", 30*time.Second)
	v.SetDefault("broker.connect_timeout", 10*time.Second)
	v.SetDefault("broker.data_topic", "weather/workstation")
	v.SetDefault("broker.heartbeat_topic", fmt.Sprintf("weather/status/%s/hb", hostname()))

	v.SetDefault("storage.csv.path", "sensor_data.csv")
	v.SetDefault("storage.csv.fsync", false)
	v.SetDefault("storage.database.table", "sensor_readings")
	v.SetDefault("storage.retry.attempts", 3)
	v.SetDefault("storage.retry.initial", 50*time.Millisecond)
	v.SetDefault("storage.retry.max", time.Second)
	v.SetDefault("storage.retry.multiplier", 2.0)

	v.SetDefault("link.malformed_threshold", 10)
	backoff := link.DefaultBackoff()
	v.SetDefault("link.backoff.initial", backoff.Initial)
	v.SetDefault("link.backoff.max", backoff.Max)
	v.SetDefault("link.backoff.multiplier", backoff.Multiplier)
	v.SetDefault("link.backoff.jitter", backoff.Jitter)

	v.SetDefault("heartbeat.interval", 10*time.Second)

	v.SetDefault("pipeline.queue_size", 256)
	v.SetDefault("pipeline.shutdown_timeout", 5*time.Second)

	v.SetDefault("metrics.addr", "")

	v.SetDefault("logger.level", "INFO")
	v.SetDefault("logger.max_size", 10)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.console", true)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadConfig reads configPath, applies defaults and environment overrides,
// and validates the result
func LoadConfig(configPath string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", configPath, err)
	}
	return decode(v)
}

// ReadConfig parses YAML from r the same way LoadConfig does
func ReadConfig(r io.Reader) (*Config, error) {
	v := newViper()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(r); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Delimiter returns the frame delimiter byte
func (c *Config) Delimiter() byte {
	d := c.Serial.Delimiter
	if d == `\n` || d == "" {
		return '\n'
	}
	if d == `\r` {
		return '\r'
	}
	return d[0]
}

// ChannelSet builds the calibration set from the channel list
func (c *Config) ChannelSet() (*calibration.Set, error) {
	policy, err := calibration.ParsePolicy(c.Calibration.OutOfRange)
	if err != nil {
		return nil, err
	}
	specs := make([]calibration.ChannelSpec, len(c.Channels))
	for i, ch := range c.Channels {
		specs[i] = calibration.ChannelSpec{
			Name:     ch.Name,
			Unit:     ch.Unit,
			Field:    ch.Field,
			Domain:   validator.Range{Min: ch.RawMin, Max: ch.RawMax},
			Scale:    ch.Scale,
			Offset:   ch.Offset,
			Sentinel: ch.Sentinel,
		}
	}
	return calibration.NewSet(specs, policy)
}

// maxLogSizeMB caps logger.max_size; larger values are usually a byte count
const maxLogSizeMB = 1024

// Validate checks the configuration for values that would fail at runtime
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Serial.Port) == "" {
		errs = append(errs, errors.New("serial.port is required"))
	}
	if c.Serial.Baud <= 0 {
		errs = append(errs, fmt.Errorf("serial.baud must be positive, got %d", c.Serial.Baud))
	}
	if len(c.Serial.Delimiter) > 1 && c.Serial.Delimiter != `\n` && c.Serial.Delimiter != `\r` {
		errs = append(errs, fmt.Errorf("serial.delimiter must be a single byte, got %q", c.Serial.Delimiter))
	}
	if c.Serial.MaxFrameBytes < 16 {
		errs = append(errs, fmt.Errorf("serial.max_frame_bytes must be at least 16, got %d", c.Serial.MaxFrameBytes))
	}
	switch c.Serial.Format {
	case "csv", "json":
	case "script":
		if c.Serial.Script.Path == "" && c.Serial.Script.Code == "" {
			errs = append(errs, errors.New("serial.script.path or serial.script.code is required for the script format"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown serial.format %q", c.Serial.Format))
	}

	if _, err := c.ChannelSet(); err != nil {
		errs = append(errs, err)
	}

	switch c.Broker.Type {
	case "mqtt", "nats":
	default:
		errs = append(errs, fmt.Errorf("unknown broker.type %q", c.Broker.Type))
	}
	if c.Broker.URL == "" {
		errs = append(errs, errors.New("broker.url is required"))
	}
	if c.Broker.QoS < 0 || c.Broker.QoS > 2 {
		errs = append(errs, fmt.Errorf("broker.qos must be 0, 1 or 2, got %d", c.Broker.QoS))
	}
	if c.Broker.DataTopic == "" || c.Broker.HeartbeatTopic == "" {
		errs = append(errs, errors.New("broker.data_topic and broker.heartbeat_topic are required"))
	}

	if c.Storage.CSV.Path == "" {
		errs = append(errs, errors.New("storage.csv.path is required"))
	}
	if c.Storage.Database.Enabled {
		switch c.Storage.Database.Type {
		case "mysql", "postgresql":
		default:
			errs = append(errs, fmt.Errorf("unsupported storage.database.type %q", c.Storage.Database.Type))
		}
		if c.Storage.Database.DSN == "" {
			errs = append(errs, errors.New("storage.database.dsn is required when the mirror is enabled"))
		}
	}
	if c.Storage.Retry.Attempts < 1 {
		errs = append(errs, fmt.Errorf("storage.retry.attempts must be at least 1, got %d", c.Storage.Retry.Attempts))
	}

	if c.Link.MalformedThreshold < 0 {
		errs = append(errs, fmt.Errorf("link.malformed_threshold must not be negative, got %d", c.Link.MalformedThreshold))
	}
	if c.Link.Backoff.Initial <= 0 || c.Link.Backoff.Max < c.Link.Backoff.Initial {
		errs = append(errs, fmt.Errorf("link.backoff needs 0 < initial <= max, got %v and %v", c.Link.Backoff.Initial, c.Link.Backoff.Max))
	}
	if c.Link.Backoff.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("link.backoff.multiplier must be at least 1, got %g", c.Link.Backoff.Multiplier))
	}
	if c.Link.Backoff.Jitter < 0 || c.Link.Backoff.Jitter > 1 {
		errs = append(errs, fmt.Errorf("link.backoff.jitter must be within [0, 1], got %g", c.Link.Backoff.Jitter))
	}

	if c.Heartbeat.Interval <= 0 {
		errs = append(errs, fmt.Errorf("heartbeat.interval must be positive, got %v", c.Heartbeat.Interval))
	}
	if c.Pipeline.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("pipeline.queue_size must be at least 1, got %d", c.Pipeline.QueueSize))
	}
	if c.Pipeline.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.shutdown_timeout must be positive, got %v", c.Pipeline.ShutdownTimeout))
	}

	if c.Logger.MaxSize < 0 || c.Logger.MaxSize > maxLogSizeMB {
		errs = append(errs, fmt.Errorf("logger.max_size is in megabytes and must be within [0, %d], got %d", maxLogSizeMB, c.Logger.MaxSize))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
