package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Service struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
		Env     string `yaml:"env"`
	} `yaml:"service"`

	Telemetry struct {
		Enabled           bool   `yaml:"enabled"`
		CollectorEndpoint string `yaml:"collector_endpoint"`
	} `yaml:"telemetry"`

	Broker struct {
		URL           string `yaml:"url"`
		StreamName    string `yaml:"stream_name"`
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"broker"`

	Relay struct {
		NotifyChannel string `yaml:"notify_channel"`
		PollInterval  string `yaml:"poll_interval"`
		GracePeriod   string `yaml:"grace_period"`
		BatchSize     int    `yaml:"batch_size"`
		MaxRetries    int    `yaml:"max_retries"`
	} `yaml:"relay"`

	Consumer struct {
		Name    string `yaml:"name"`
		Workers int    `yaml:"workers"`
	} `yaml:"consumer"`

	Reaper struct {
		Retention string `yaml:"retention"`
		Interval  string `yaml:"interval"`
	} `yaml:"reaper"`

	Sweeper struct {
		Interval  string `yaml:"interval"`
		BatchSize int    `yaml:"batch_size"`
	} `yaml:"sweeper"`
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &config, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// durationOr parses a config duration string, falling back when it is empty
// or malformed.
func durationOr(value string, defaultValue time.Duration) time.Duration {
	if value == "" {
		return defaultValue
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}

	return d
}

func stringOr(value, defaultValue string) string {
	if value != "" {
		return value
	}
	return defaultValue
}

func intOr(value, defaultValue int) int {
	if value > 0 {
		return value
	}
	return defaultValue
}
