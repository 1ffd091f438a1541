// Package config loads bridge configuration from the environment and an optional .env file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Config is shared by every bridge binary; each one reads the keys it needs
type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	Store       string `mapstructure:"STORE"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	KafkaBrokers     string `mapstructure:"KAFKA_BROKERS"`
	KafkaReplication int16  `mapstructure:"KAFKA_REPLICATION"`

	WorklistHost        string        `mapstructure:"WORKLIST_HOST"`
	WorklistPort        int           `mapstructure:"WORKLIST_PORT"`
	WorklistSendTimeout time.Duration `mapstructure:"WORKLIST_SEND_TIMEOUT"`

	AccessionSeedKey     string `mapstructure:"ACCESSION_SEED_KEY"`
	AccessionSeedInitial string `mapstructure:"ACCESSION_SEED_INITIAL"`
	StudyUIDRoot         string `mapstructure:"STUDY_UID_ROOT"`

	HL7SendingApp        string `mapstructure:"HL7_SENDING_APP"`
	HL7SendingFacility   string `mapstructure:"HL7_SENDING_FACILITY"`
	HL7ReceivingApp      string `mapstructure:"HL7_RECEIVING_APP"`
	HL7ReceivingFacility string `mapstructure:"HL7_RECEIVING_FACILITY"`

	APIKeys         string  `mapstructure:"API_KEYS"`
	LogLevel        string  `mapstructure:"LOG_LEVEL"`
	OTLPEndpoint    string  `mapstructure:"OTLP_ENDPOINT"`
	TraceSampleRate float64 `mapstructure:"TRACE_SAMPLE_RATE"`
	MPPSWorkers     int     `mapstructure:"MPPS_WORKERS"`
}

var defaults = map[string]interface{}{
	"PORT":                   "8080",
	"ENV":                    "development",
	"STORE":                  StorePostgres,
	"DB_MAX_CONNS":           20,
	"DB_MIN_CONNS":           2,
	"KAFKA_BROKERS":          "localhost:9092",
	"KAFKA_REPLICATION":      1,
	"WORKLIST_HOST":          "localhost",
	"WORKLIST_PORT":          2575,
	"WORKLIST_SEND_TIMEOUT":  "10s",
	"ACCESSION_SEED_KEY":     "radiology.accession_seed",
	"STUDY_UID_ROOT":         "1.2.826.0.1.3680043.8.498",
	"HL7_SENDING_APP":        "RADBRIDGE",
	"HL7_SENDING_FACILITY":   "RADIOLOGY",
	"HL7_RECEIVING_APP":      "MWL",
	"HL7_RECEIVING_FACILITY": "RADIOLOGY",
	"LOG_LEVEL":              "info",
	"TRACE_SAMPLE_RATE":      1.0,
	"MPPS_WORKERS":           8,
}

// unset keys still need binding so Unmarshal sees their env values
var optional = []string{"DATABASE_URL", "ACCESSION_SEED_INITIAL", "API_KEYS", "OTLP_ENDPOINT"}

// Load reads .env (if present) and the environment, then validates
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig()
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
		_ = v.BindEnv(key)
	}
	for _, key := range optional {
		_ = v.BindEnv(key)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required keys and value ranges
func (c *Config) Validate() error {
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE=%s", StorePostgres)
		}
	default:
		return fmt.Errorf("STORE must be %q or %q, got %q", StorePostgres, StoreMemory, c.Store)
	}
	if c.WorklistPort <= 0 || c.WorklistPort > 65535 {
		return fmt.Errorf("WORKLIST_PORT out of range: %d", c.WorklistPort)
	}
	if c.WorklistSendTimeout <= 0 {
		return fmt.Errorf("WORKLIST_SEND_TIMEOUT must be positive, got %s", c.WorklistSendTimeout)
	}
	if c.AccessionSeedKey == "" {
		return fmt.Errorf("ACCESSION_SEED_KEY is required")
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATE must be within [0, 1], got %v", c.TraceSampleRate)
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if _, err := c.APIKeyMap(); err != nil {
		return err
	}
	return nil
}

// RequirePostgres fails unless STORE=postgres. Processes that share state with
// the bridge API through the database cannot run on a private in-memory store.
func (c *Config) RequirePostgres(service string) error {
	if c.Store != StorePostgres {
		return fmt.Errorf("%s requires STORE=%s, got %q", service, StorePostgres, c.Store)
	}
	return nil
}

// IsDev reports whether ENV=development
func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Brokers splits KAFKA_BROKERS on commas
func (c *Config) Brokers() []string {
	return splitList(c.KafkaBrokers)
}

// APIKeyMap parses API_KEYS, a comma separated list of key:client pairs.
// A bare key is mapped to the client "default".
func (c *Config) APIKeyMap() (map[string]string, error) {
	keys := make(map[string]string)
	for _, pair := range splitList(c.APIKeys) {
		key, client, found := strings.Cut(pair, ":")
		key, client = strings.TrimSpace(key), strings.TrimSpace(client)
		if key == "" {
			return nil, fmt.Errorf("API_KEYS: empty key in %q", pair)
		}
		if !found || client == "" {
			client = "default"
		}
		keys[key] = client
	}
	return keys, nil
}

// Logger builds the process logger: console output in development, JSON otherwise
func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.IsDev() {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
