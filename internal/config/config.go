// Package config loads insight settings from defaults, a YAML file,
// INSIGHT_* environment variables and bound command-line flags.
package config

import "time"

// Config holds all application configuration.
type Config struct {
	Output     string           `mapstructure:"output"`
	Alias      string           `mapstructure:"alias"`
	Log        LogConfig        `mapstructure:"log"`
	Runtime    RuntimeConfig    `mapstructure:"runtime"`
	Collector  CollectorConfig  `mapstructure:"collector"`
	Target     TargetConfig     `mapstructure:"target"`
	PD         EndpointConfig   `mapstructure:"pd"`
	TiDB       EndpointConfig   `mapstructure:"tidb"`
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	API        APIConfig        `mapstructure:"api"`
	Influx     InfluxConfig     `mapstructure:"influx"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // auto, text, json
}

// RuntimeConfig tunes the profilers and tracers.
type RuntimeConfig struct {
	Time  time.Duration `mapstructure:"time"`
	Freq  int           `mapstructure:"freq"`
	Grace time.Duration `mapstructure:"grace"`
}

// CollectorConfig configures the external snapshot tool and scheduling.
type CollectorConfig struct {
	Bin      string        `mapstructure:"bin"`
	Parallel int           `mapstructure:"parallel"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type TargetConfig struct {
	// Pattern matches the command lines auto targeting selects.
	Pattern string `mapstructure:"pattern"`
}

type EndpointConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type PrometheusConfig struct {
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Duration time.Duration `mapstructure:"duration"`
	Step     time.Duration `mapstructure:"step"`
}

// APIConfig throttles the cluster and metrics HTTP clients.
type APIConfig struct {
	RPS float64 `mapstructure:"rps"`
}

type InfluxConfig struct {
	URL    string `mapstructure:"url"`
	Token  string `mapstructure:"token"`
	Org    string `mapstructure:"org"`
	Bucket string `mapstructure:"bucket"`
}
