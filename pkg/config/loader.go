package config

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// RPCROUTER_LOGGING_LEVEL=debug.
const EnvPrefix = "RPCROUTER"

// Defaults for top-level settings. They are registered with viper so the
// matching environment variables are honoured.
const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"
	DefaultNamespace      = "rpcrouter"
	DefaultTraceExporter  = "noop"
)

// Load reads a configuration file (YAML, JSON or TOML by extension),
// applies environment overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", filepath.Base(path), err)
	}
	return decode(v)
}

// Parse reads configuration from r in the given format ("yaml", "json",
// "toml").
func Parse(r io.Reader, format string) (*Config, error) {
	v := newViper()
	v.SetConfigType(format)

	if err := v.ReadConfig(r); err != nil {
		return nil, fmt.Errorf("failed to parse %s config: %w", format, err)
	}
	return decode(v)
}

// ParseBytes is Parse over an in-memory document
func ParseBytes(data []byte, format string) (*Config, error) {
	return Parse(bytes.NewReader(data), format)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("defaultTimeout", DefaultRequestTimeout)
	v.SetDefault("healthMonitoring.enabled", true)
	v.SetDefault("healthMonitoring.interval", DefaultMonitoringInterval)
	v.SetDefault("routing.defaultStrategy", "priority")
	v.SetDefault("logging.level", DefaultLogLevel)
	v.SetDefault("logging.format", DefaultLogFormat)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.namespace", DefaultNamespace)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.serviceName", DefaultNamespace)
	v.SetDefault("tracing.exporter", DefaultTraceExporter)
	v.SetDefault("tracing.sampleRate", 1.0)
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	defaultEnabled(v)

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		millisecondsHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// defaultEnabled marks servers without an explicit enabled key as enabled.
// A bool zero value cannot tell "absent" from "false", so this has to look
// at the raw document.
func defaultEnabled(v *viper.Viper) {
	raw, ok := v.Get("servers").([]interface{})
	if !ok {
		return
	}

	for i, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		found := false
		for k := range m {
			if strings.EqualFold(k, "enabled") {
				found = true
				break
			}
		}
		if !found {
			m["enabled"] = true
			raw[i] = m
		}
	}
	v.Set("servers", raw)
}

// millisecondsHook decodes bare numbers into durations as milliseconds, so
// "timeout: 5000" means five seconds.
func millisecondsHook() mapstructure.DecodeHookFuncType {
	durationType := reflect.TypeOf(time.Duration(0))
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != durationType || from == durationType {
			return data, nil
		}

		switch from.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return time.Duration(reflect.ValueOf(data).Int()) * time.Millisecond, nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return time.Duration(reflect.ValueOf(data).Uint()) * time.Millisecond, nil
		case reflect.Float32, reflect.Float64:
			return time.Duration(reflect.ValueOf(data).Float() * float64(time.Millisecond)), nil
		default:
			return data, nil
		}
	}
}
