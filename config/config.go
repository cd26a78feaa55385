package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/TheSmallBoat/inflight/inflight"
	"github.com/TheSmallBoat/inflight/instrumentation"
	"github.com/TheSmallBoat/inflight/wire"
	"github.com/rs/zerolog"
)

// Config holds the connection-level defaults applied to every request
// tracked on a broker connection.
type Config struct {
	ClientID              string
	Broker                string
	RequestTimeout        time.Duration
	EnforceRequestTimeout bool
	MaxInFlightRequests   int
	LogLevel              zerolog.Level
}

type fileConfig struct {
	ClientID              string `toml:"client_id"`
	Broker                string `toml:"broker"`
	RequestTimeout        string `toml:"request_timeout"`
	RequestTimeoutMS      int64  `toml:"request_timeout_ms"`
	EnforceRequestTimeout bool   `toml:"enforce_request_timeout"`
	MaxInFlightRequests   int    `toml:"max_in_flight_requests"`
	LogLevel              string `toml:"log_level"`
}

func Default() Config {
	return Config{
		ClientID:              "inflight",
		Broker:                "localhost:9092",
		RequestTimeout:        30 * time.Second,
		EnforceRequestTimeout: false,
		MaxInFlightRequests:   0,
		LogLevel:              zerolog.InfoLevel,
	}
}

// Load reads a TOML file. Keys missing from the file keep their Default
// value; request_timeout_ms wins over request_timeout.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config (%s): %w", path, err)
	}
	return fromFile(raw, meta)
}

// Parse is Load for an in-memory document.
func Parse(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return fromFile(raw, meta)
}

func fromFile(raw fileConfig, meta toml.MetaData) (Config, error) {
	cfg := Default()

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("unknown config key %q", undecoded[0].String())
	}

	if meta.IsDefined("client_id") {
		cfg.ClientID = strings.TrimSpace(raw.ClientID)
	}
	if meta.IsDefined("broker") {
		cfg.Broker = strings.TrimSpace(raw.Broker)
	}
	if meta.IsDefined("request_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.RequestTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse request_timeout: %w", err)
		}
		cfg.RequestTimeout = d
	}
	if meta.IsDefined("request_timeout_ms") {
		cfg.RequestTimeout = time.Duration(raw.RequestTimeoutMS) * time.Millisecond
	}
	if meta.IsDefined("enforce_request_timeout") {
		cfg.EnforceRequestTimeout = raw.EnforceRequestTimeout
	}
	if meta.IsDefined("max_in_flight_requests") {
		cfg.MaxInFlightRequests = raw.MaxInFlightRequests
	}
	if meta.IsDefined("log_level") {
		lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(raw.LogLevel)))
		if err != nil {
			return Config{}, fmt.Errorf("parse log_level: %w", err)
		}
		cfg.LogLevel = lvl
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Broker == "" {
		return fmt.Errorf("config missing broker")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %s", c.RequestTimeout)
	}
	if c.MaxInFlightRequests < 0 {
		return fmt.Errorf("max in-flight requests must not be negative, got %d", c.MaxInFlightRequests)
	}
	if err := wire.CheckClientID(c.ClientID); err != nil {
		return fmt.Errorf("client_id: %w", err)
	}
	return nil
}

// QueueConfig returns the queue settings for a connection to c.Broker.
func (c Config) QueueConfig(send inflight.SendFunc, emitter instrumentation.Emitter, logger *zerolog.Logger) inflight.QueueConfig {
	return inflight.QueueConfig{
		Broker:                c.Broker,
		ClientID:              c.ClientID,
		RequestTimeout:        c.RequestTimeout,
		EnforceRequestTimeout: c.EnforceRequestTimeout,
		MaxInFlight:           c.MaxInFlightRequests,
		Send:                  send,
		Emitter:               emitter,
		Logger:                logger,
	}
}
