package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"can-autoconfig/internal/classifier"
	"can-autoconfig/internal/models"
)

// Config holds all application configuration
type Config struct {
	// CAN Interface
	CANInterface   string
	ReplayFile     string
	CaptureMS      int
	ReceiveTimeout int
	MaxPayload     int

	// Classifier
	MinConfidence     float64
	ConfidenceDivisor float64
	DiagnosticShare   float64

	// Decode tables
	DecodeTableDir string

	// Persistence
	PersistDetections bool

	// ClickHouse
	ClickHouseHost            string
	ClickHousePort            int
	ClickHouseDatabase        string
	ClickHouseUsername        string
	ClickHousePassword        string
	ClickHouseDetectionsTable string

	// InfluxDB
	InfluxDBURL      string
	InfluxDBToken    string
	InfluxDBDatabase string

	// General
	BatchSize int
	APIPort   int
	LogLevel  slog.Level
}

// Default returns the configuration used when no .env file is present
func Default() *Config {
	return &Config{
		CANInterface:              "vcan0",
		CaptureMS:                 3000,
		ReceiveTimeout:            100,
		MaxPayload:                models.MaxClassicPayload,
		MinConfidence:             classifier.DefaultMinConfidence,
		ConfidenceDivisor:         classifier.DefaultConfidenceDivisor,
		DiagnosticShare:           classifier.DefaultDiagnosticShare,
		ClickHouseHost:            "localhost",
		ClickHousePort:            9000,
		ClickHouseDatabase:        "default",
		ClickHouseUsername:        "default",
		ClickHousePassword:        "",
		ClickHouseDetectionsTable: "can_detection_runs",
		InfluxDBURL:               "http://localhost:8181",
		InfluxDBToken:             "",
		InfluxDBDatabase:          "can_autoconfig",
		BatchSize:                 100,
		APIPort:                   8080,
		LogLevel:                  slog.LevelInfo,
	}
}

// CaptureDuration returns how long a detection run samples the bus
func (c *Config) CaptureDuration() time.Duration {
	return time.Duration(c.CaptureMS) * time.Millisecond
}

// ReceiveTimeoutDuration returns the per-read wait of the frame source
func (c *Config) ReceiveTimeoutDuration() time.Duration {
	return time.Duration(c.ReceiveTimeout) * time.Millisecond
}

// ClassifierOptions returns the configured scoring thresholds
func (c *Config) ClassifierOptions() classifier.Options {
	return classifier.Options{
		MinConfidence:     c.MinConfidence,
		ConfidenceDivisor: c.ConfidenceDivisor,
		DiagnosticShare:   c.DiagnosticShare,
	}
}

// LoadConfig loads configuration from .env file
func LoadConfig(envFile string) (*Config, error) {
	config := Default()

	// Try to load .env file
	if envFile == "" {
		envFile = ".env"
	}

	file, err := os.Open(envFile)
	if err != nil {
		// If .env file doesn't exist, return default config
		if os.IsNotExist(err) {
			slog.Info("config: no .env file found, using defaults", "path", envFile)
			return config, nil
		}
		return nil, fmt.Errorf("error opening .env file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse KEY=VALUE
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)

		if err := config.set(key, value); err != nil {
			return nil, fmt.Errorf("%s:%d: %s: %w", envFile, lineNo, key, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading .env file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) set(key, value string) error {
	var err error
	switch key {
	case "CAN_INTERFACE":
		c.CANInterface = value
	case "REPLAY_FILE":
		c.ReplayFile = value
	case "CAPTURE_DURATION_MS":
		c.CaptureMS, err = strconv.Atoi(value)
	case "RECEIVE_TIMEOUT_MS":
		c.ReceiveTimeout, err = strconv.Atoi(value)
	case "MAX_PAYLOAD":
		c.MaxPayload, err = strconv.Atoi(value)
	case "MIN_CONFIDENCE":
		c.MinConfidence, err = strconv.ParseFloat(value, 64)
	case "CONFIDENCE_DIVISOR":
		c.ConfidenceDivisor, err = strconv.ParseFloat(value, 64)
	case "DIAGNOSTIC_SHARE":
		c.DiagnosticShare, err = strconv.ParseFloat(value, 64)
	case "DECODE_TABLE_DIR":
		c.DecodeTableDir = value
	case "PERSIST_DETECTIONS":
		c.PersistDetections, err = strconv.ParseBool(value)
	case "CLICKHOUSE_HOST":
		c.ClickHouseHost = value
	case "CLICKHOUSE_PORT":
		c.ClickHousePort, err = strconv.Atoi(value)
	case "CLICKHOUSE_DATABASE":
		c.ClickHouseDatabase = value
	case "CLICKHOUSE_USERNAME":
		c.ClickHouseUsername = value
	case "CLICKHOUSE_PASSWORD":
		c.ClickHousePassword = value
	case "CLICKHOUSE_DETECTIONS_TABLE":
		c.ClickHouseDetectionsTable = value
	case "INFLUXDB_URL":
		c.InfluxDBURL = value
	case "INFLUXDB_TOKEN":
		c.InfluxDBToken = value
	case "INFLUXDB_DATABASE":
		c.InfluxDBDatabase = value
	case "BATCH_SIZE":
		c.BatchSize, err = strconv.Atoi(value)
	case "API_PORT":
		c.APIPort, err = strconv.Atoi(value)
	case "LOG_LEVEL":
		err = c.LogLevel.UnmarshalText([]byte(value))
	default:
		slog.Debug("config: ignoring unknown key", "key", key)
	}
	return err
}

// Validate rejects values the detection pipeline cannot run with
func (c *Config) Validate() error {
	switch {
	case c.CaptureMS <= 0:
		return fmt.Errorf("CAPTURE_DURATION_MS must be positive, got %d", c.CaptureMS)
	case c.ReceiveTimeout <= 0:
		return fmt.Errorf("RECEIVE_TIMEOUT_MS must be positive, got %d", c.ReceiveTimeout)
	case c.MaxPayload <= 0:
		return fmt.Errorf("MAX_PAYLOAD must be positive, got %d", c.MaxPayload)
	case c.ConfidenceDivisor <= 0:
		return fmt.Errorf("CONFIDENCE_DIVISOR must be positive, got %g", c.ConfidenceDivisor)
	case c.DiagnosticShare <= 0 || c.DiagnosticShare > 1:
		return fmt.Errorf("DIAGNOSTIC_SHARE must be in (0, 1], got %g", c.DiagnosticShare)
	case c.BatchSize <= 0:
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	return nil
}
