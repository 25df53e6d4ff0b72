package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dmitriimaksimovdevelop/insight/internal/collector"
	ierrors "github.com/dmitriimaksimovdevelop/insight/internal/errors"
	"github.com/dmitriimaksimovdevelop/insight/internal/executor"
	"github.com/dmitriimaksimovdevelop/insight/internal/importer"
	"github.com/dmitriimaksimovdevelop/insight/internal/locator"
	"github.com/dmitriimaksimovdevelop/insight/internal/orchestrator"
)

// EnvPrefix prefixes every environment override, e.g. INSIGHT_LOG_LEVEL.
const EnvPrefix = "INSIGHT"

// Loader handles configuration loading from multiple sources.
type Loader struct {
	v          *viper.Viper
	configFile string
	envPrefix  string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return NewLoaderWithViper(viper.New())
}

// NewLoaderWithViper creates a loader using an existing viper instance,
// so command-line flags bound to it take precedence.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{v: v, envPrefix: EnvPrefix}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load loads configuration from all sources.
// Precedence (highest to lowest):
// 1. CLI flags (set via viper.BindPFlag)
// 2. Environment variables (INSIGHT_*)
// 3. Config file (--config, or ~/.config/insight/config.yaml)
// 4. Defaults
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			l.v.AddConfigPath(filepath.Join(home, ".config", "insight"))
		}
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, ierrors.WrapWithContext(ierrors.ErrCodeInvalidRequest, "reading config", err,
				map[string]any{"file": l.v.ConfigFileUsed()})
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, ierrors.Wrap(ierrors.ErrCodeInvalidRequest, "unmarshaling config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (l *Loader) setDefaults() {
	l.v.SetDefault("output", "data")
	l.v.SetDefault("alias", defaultAlias())

	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "auto")

	l.v.SetDefault("runtime.time", collector.DefaultWindow)
	l.v.SetDefault("runtime.freq", collector.DefaultPerfFreq)
	l.v.SetDefault("runtime.grace", executor.DefaultGrace)

	l.v.SetDefault("collector.bin", "")
	l.v.SetDefault("collector.parallel", orchestrator.DefaultParallel)
	l.v.SetDefault("collector.timeout", orchestrator.DefaultTimeout)

	l.v.SetDefault("target.pattern", locator.DefaultPattern)

	l.v.SetDefault("pd.host", "localhost")
	l.v.SetDefault("pd.port", collector.DefaultPDPort)
	l.v.SetDefault("tidb.host", "localhost")
	l.v.SetDefault("tidb.port", collector.DefaultTiDBPort)

	l.v.SetDefault("prometheus.host", "localhost")
	l.v.SetDefault("prometheus.port", collector.DefaultPromPort)
	l.v.SetDefault("prometheus.duration", collector.DefaultPromDuration)
	l.v.SetDefault("prometheus.step", collector.DefaultPromStep)

	l.v.SetDefault("api.rps", 10.0)

	l.v.SetDefault("influx.url", importer.DefaultURL)
	l.v.SetDefault("influx.token", "")
	l.v.SetDefault("influx.org", importer.DefaultOrg)
	l.v.SetDefault("influx.bucket", importer.DefaultBucket)
}

// defaultAlias is the short hostname, the directory name runs land in
// unless one is given.
func defaultAlias() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "localhost"
	}
	if i := strings.IndexByte(host, '.'); i > 0 {
		host = host[:i]
	}
	return host
}

// ConfigFile returns the config file path if one was used.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Validate rejects settings no run could use.
func (c *Config) Validate() error {
	switch c.Log.Format {
	case "auto", "text", "json":
	default:
		return ierrors.New(ierrors.ErrCodeInvalidRequest, fmt.Sprintf("log.format must be auto, text or json, got %q", c.Log.Format))
	}
	if c.Alias == "" || strings.ContainsAny(c.Alias, `/\`) || c.Alias == "." || c.Alias == ".." {
		return ierrors.New(ierrors.ErrCodeInvalidRequest, fmt.Sprintf("invalid alias %q", c.Alias))
	}
	for key, d := range map[string]time.Duration{
		"runtime.time":        c.Runtime.Time,
		"prometheus.duration": c.Prometheus.Duration,
		"prometheus.step":     c.Prometheus.Step,
	} {
		if d <= 0 {
			return ierrors.New(ierrors.ErrCodeInvalidRequest, key+" must be positive")
		}
	}
	if c.Collector.Parallel < 1 {
		return ierrors.New(ierrors.ErrCodeInvalidRequest, "collector.parallel must be at least 1")
	}
	return nil
}

// PDOptions returns the PD control plane client settings.
func (c *Config) PDOptions() collector.APIOptions {
	return collector.APIOptions{Host: c.PD.Host, Port: c.PD.Port, RPS: c.API.RPS}
}

// TiDBOptions returns the TiDB status API client settings.
func (c *Config) TiDBOptions() collector.APIOptions {
	return collector.APIOptions{Host: c.TiDB.Host, Port: c.TiDB.Port, RPS: c.API.RPS}
}

// PromOptions returns the metric dump settings.
func (c *Config) PromOptions() collector.PromOptions {
	return collector.PromOptions{
		Host:     c.Prometheus.Host,
		Port:     c.Prometheus.Port,
		Duration: c.Prometheus.Duration,
		Step:     c.Prometheus.Step,
		RPS:      c.API.RPS,
	}
}

// InfluxOptions returns the metric load settings.
func (c *Config) InfluxOptions() importer.Options {
	return importer.Options{
		URL:    c.Influx.URL,
		Token:  c.Influx.Token,
		Org:    c.Influx.Org,
		Bucket: c.Influx.Bucket,
	}
}
