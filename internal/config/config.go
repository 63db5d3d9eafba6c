package config

import (
	"fmt"
	"time"
)

// DefaultPersona is the system instruction prepended to every upstream request.
const DefaultPersona = "You are a warm, empathetic, conversational mental-health companion. " +
	"Reflect what you heard in 1–2 sentences, ask ONE short follow-up question, " +
	"and suggest coping ideas only when fitting. Avoid diagnoses. " +
	"If crisis/self-harm appears, advise contacting local emergency services immediately."

// DefaultCertsURL serves the x509 certificates that sign Firebase ID tokens.
const DefaultCertsURL = "https://www.googleapis.com/robot/v1/metadata/x509/securetoken@system.gserviceaccount.com"

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	CORS      CORSConfig      `yaml:"cors"`
	Identity  IdentityConfig  `yaml:"identity"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Redis     RedisConfig     `yaml:"redis"`
	Database  DatabaseConfig  `yaml:"database"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
	// MaxConcurrent caps in-flight /chat requests for the process. 0 disables the cap.
	MaxConcurrent  int           `yaml:"max_concurrent"`
	MaxBacklog     int           `yaml:"max_backlog"`
	BacklogTimeout time.Duration `yaml:"backlog_timeout"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	AllowedMethods []string `yaml:"allowed_methods"`
}

type IdentityConfig struct {
	ProjectID    string        `yaml:"project_id"`
	CertsURL     string        `yaml:"certs_url"`
	Emulator     bool          `yaml:"emulator"`
	ClockSkew    time.Duration `yaml:"clock_skew"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	// RejectInvalidWith401 answers failed verification with 401 instead of the
	// generic 500 server error.
	RejectInvalidWith401 bool `yaml:"reject_invalid_with_401"`
}

type UpstreamConfig struct {
	BaseURL            string        `yaml:"base_url"`
	APIKey             string        `yaml:"api_key"`
	DefaultModel       string        `yaml:"default_model"`
	DefaultTemperature float64       `yaml:"default_temperature"`
	MaxHistory         int           `yaml:"max_history"`
	Persona            string        `yaml:"persona"`
	Timeout            time.Duration `yaml:"timeout"`
}

type RedisConfig struct {
	Addresses []string `yaml:"addresses"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	PoolSize  int      `yaml:"pool_size"`
}

type DatabaseConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	Name          string        `yaml:"name"`
	User          string        `yaml:"user"`
	Password      string        `yaml:"password"`
	RecordTimeout time.Duration `yaml:"record_timeout"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable", d.User, d.Password, d.Host, d.Port, d.Name)
}

type TelemetryConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsPort int    `yaml:"metrics_port"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8080,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     120 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 30 * time.Second,
			MaxConcurrent:    10,
			MaxBacklog:       100,
			BacklogTimeout:   60 * time.Second,
			MaxBodyBytes:     10 << 20,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
			AllowedHeaders: []string{"authorization", "content-type"},
			AllowedMethods: []string{"POST", "OPTIONS"},
		},
		Identity: IdentityConfig{
			CertsURL:     DefaultCertsURL,
			ClockSkew:    5 * time.Minute,
			FetchTimeout: 10 * time.Second,
		},
		Upstream: UpstreamConfig{
			BaseURL:            "https://api.openai.com/v1",
			DefaultModel:       "gpt-4o-mini",
			DefaultTemperature: 0.8,
			MaxHistory:         40,
			Persona:            DefaultPersona,
			Timeout:            60 * time.Second,
		},
		Redis: RedisConfig{
			PoolSize: 10,
		},
		Database: DatabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Name:          "companion",
			User:          "companion",
			RecordTimeout: 2 * time.Second,
		},
		Telemetry: TelemetryConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			MetricsPort: 9090,
		},
	}
}
