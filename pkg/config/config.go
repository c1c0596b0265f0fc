// Package config defines the static configuration consumed by the router:
// server descriptors, routing rules and the global health-monitoring block.
// Descriptors are immutable once loaded and are identified by ID.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"
)

// TransportKind identifies the physical channel to a server
type TransportKind string

const (
	TransportStdio     TransportKind = "stdio"
	TransportHTTP      TransportKind = "http"
	TransportWebSocket TransportKind = "websocket"
	TransportTCP       TransportKind = "tcp"
)

// AuthKind identifies how credentials are attached to outgoing requests
type AuthKind string

const (
	AuthNone   AuthKind = "none"
	AuthAPIKey AuthKind = "api-key"
	AuthOAuth  AuthKind = "oauth"
)

// Defaults applied by ApplyDefaults
const (
	DefaultHealthTimeout      = 5 * time.Second
	DefaultFailureThreshold   = 3
	DefaultHealthMethod       = "ping"
	DefaultHealthPath         = "/health"
	DefaultStdioStartupDelay  = 50 * time.Millisecond
	DefaultStdioMaxInFlight   = 1
	DefaultStreamMaxInFlight  = 32
	DefaultMonitoringInterval = 30 * time.Second
)

// TransportConfig describes how to reach a server. For stdio, Endpoint is the
// command to spawn and Args its arguments; for the other kinds Endpoint is a
// URL (http, websocket) or host:port (tcp).
type TransportConfig struct {
	Kind         TransportKind     `mapstructure:"kind" json:"kind"`
	Endpoint     string            `mapstructure:"endpoint" json:"endpoint"`
	Args         []string          `mapstructure:"args" json:"args,omitempty"`
	Env          map[string]string `mapstructure:"env" json:"env,omitempty"`
	WorkDir      string            `mapstructure:"workDir" json:"workDir,omitempty"`
	Timeout      time.Duration     `mapstructure:"timeout" json:"timeout,omitempty"`
	MaxInFlight  int               `mapstructure:"maxInFlight" json:"maxInFlight,omitempty"`
	StartupDelay time.Duration     `mapstructure:"startupDelay" json:"startupDelay,omitempty"`
}

// AuthConfig names the credential attached to requests. CredentialRef is
// resolved through a CredentialResolver at connect time.
type AuthConfig struct {
	Kind          AuthKind `mapstructure:"kind" json:"kind"`
	CredentialRef string   `mapstructure:"credentialRef" json:"credentialRef,omitempty"`
}

// HealthCheckConfig tunes probing for one server
type HealthCheckConfig struct {
	// Interval spaces scheduled probes of this server; zero probes it on
	// every monitoring tick
	Interval         time.Duration `mapstructure:"interval" json:"interval,omitempty"`
	Timeout          time.Duration `mapstructure:"timeout" json:"timeout,omitempty"`
	FailureThreshold int           `mapstructure:"failureThreshold" json:"failureThreshold,omitempty"`
	// Method is the JSON-RPC method used to ping stream transports
	Method string `mapstructure:"method" json:"method,omitempty"`
	// Path is appended to the endpoint for HTTP health checks
	Path string `mapstructure:"path" json:"path,omitempty"`
}

// ServerDescriptor is the static configuration for one backend
type ServerDescriptor struct {
	ID          string            `mapstructure:"id" json:"id"`
	DisplayName string            `mapstructure:"displayName" json:"displayName,omitempty"`
	Category    string            `mapstructure:"category" json:"category,omitempty"`
	Priority    int               `mapstructure:"priority" json:"priority"`
	Enabled     bool              `mapstructure:"enabled" json:"enabled"`
	Transport   TransportConfig   `mapstructure:"transport" json:"transport"`
	Auth        AuthConfig        `mapstructure:"auth" json:"auth"`
	HealthCheck HealthCheckConfig `mapstructure:"healthCheck" json:"healthCheck"`
}

// HasAuth reports whether the descriptor carries a non-none auth config
func (d ServerDescriptor) HasAuth() bool {
	return d.Auth.Kind != "" && d.Auth.Kind != AuthNone
}

// Name returns DisplayName, falling back to ID
func (d ServerDescriptor) Name() string {
	if d.DisplayName != "" {
		return d.DisplayName
	}
	return d.ID
}

// HealthMonitoringConfig is the global health-monitoring block
type HealthMonitoringConfig struct {
	Enabled  bool          `mapstructure:"enabled" json:"enabled"`
	Interval time.Duration `mapstructure:"interval" json:"interval,omitempty"`
}

// RuleConfig is the declarative form of a routing rule. Pattern is treated
// as a regular expression when Regex is set, otherwise as a substring.
type RuleConfig struct {
	Pattern          string `mapstructure:"pattern" json:"pattern"`
	Regex            bool   `mapstructure:"regex" json:"regex,omitempty"`
	ServerID         string `mapstructure:"serverId" json:"serverId"`
	Priority         int    `mapstructure:"priority" json:"priority"`
	RequiredCategory string `mapstructure:"requiredCategory" json:"requiredCategory,omitempty"`
	MinPriority      *int   `mapstructure:"minPriority" json:"minPriority,omitempty"`
	RequiresAuth     bool   `mapstructure:"requiresAuth" json:"requiresAuth,omitempty"`
}

// RoutingConfig holds the rule set and balancing defaults
type RoutingConfig struct {
	// FallbackServer receives every method no other rule claims
	FallbackServer  string       `mapstructure:"fallbackServer" json:"fallbackServer,omitempty"`
	DefaultStrategy string       `mapstructure:"defaultStrategy" json:"defaultStrategy,omitempty"`
	Rules           []RuleConfig `mapstructure:"rules" json:"rules,omitempty"`
}

// LoggingConfig selects log level and format
type LoggingConfig struct {
	Level  string `mapstructure:"level" json:"level,omitempty"`
	Format string `mapstructure:"format" json:"format,omitempty"`
}

// MetricsConfig controls the Prometheus collectors
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled" json:"enabled"`
	Namespace string `mapstructure:"namespace" json:"namespace,omitempty"`
	Address   string `mapstructure:"address" json:"address,omitempty"`
}

// TracingConfig controls OpenTelemetry export
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled" json:"enabled"`
	ServiceName string  `mapstructure:"serviceName" json:"serviceName,omitempty"`
	Exporter    string  `mapstructure:"exporter" json:"exporter,omitempty"`
	Endpoint    string  `mapstructure:"endpoint" json:"endpoint,omitempty"`
	Insecure    bool    `mapstructure:"insecure" json:"insecure,omitempty"`
	SampleRate  float64 `mapstructure:"sampleRate" json:"sampleRate,omitempty"`
}

// Config is the complete configuration handed to the client
type Config struct {
	Servers          []ServerDescriptor     `mapstructure:"servers" json:"servers"`
	HealthMonitoring HealthMonitoringConfig `mapstructure:"healthMonitoring" json:"healthMonitoring"`
	Routing          RoutingConfig          `mapstructure:"routing" json:"routing"`
	DefaultTimeout   time.Duration          `mapstructure:"defaultTimeout" json:"defaultTimeout,omitempty"`
	Logging          LoggingConfig          `mapstructure:"logging" json:"logging"`
	Metrics          MetricsConfig          `mapstructure:"metrics" json:"metrics"`
	Tracing          TracingConfig          `mapstructure:"tracing" json:"tracing"`
}

// ApplyDefaults fills unset tunables in place
func (c *Config) ApplyDefaults() {
	for i := range c.Servers {
		applyServerDefaults(&c.Servers[i])
	}
	if c.HealthMonitoring.Interval <= 0 {
		c.HealthMonitoring.Interval = DefaultMonitoringInterval
	}
}

func applyServerDefaults(d *ServerDescriptor) {
	if d.Auth.Kind == "" {
		d.Auth.Kind = AuthNone
	}

	hc := &d.HealthCheck
	if hc.Timeout <= 0 {
		hc.Timeout = DefaultHealthTimeout
	}
	if hc.FailureThreshold <= 0 {
		hc.FailureThreshold = DefaultFailureThreshold
	}
	if hc.Method == "" {
		hc.Method = DefaultHealthMethod
	}
	if hc.Path == "" {
		hc.Path = DefaultHealthPath
	}

	tc := &d.Transport
	if tc.MaxInFlight <= 0 {
		if tc.Kind == TransportStdio {
			tc.MaxInFlight = DefaultStdioMaxInFlight
		} else {
			tc.MaxInFlight = DefaultStreamMaxInFlight
		}
	}
	if tc.Kind == TransportStdio && tc.StartupDelay <= 0 {
		tc.StartupDelay = DefaultStdioStartupDelay
	}
}

// Validate checks the configuration for structural errors. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error

	ids := make(map[string]ServerDescriptor, len(c.Servers))
	for i, s := range c.Servers {
		if s.ID == "" {
			errs = append(errs, fmt.Errorf("servers[%d]: id is required", i))
			continue
		}
		if _, dup := ids[s.ID]; dup {
			errs = append(errs, fmt.Errorf("servers[%d]: duplicate id %q", i, s.ID))
			continue
		}
		ids[s.ID] = s
		errs = append(errs, validateServer(s)...)
	}

	if c.Routing.FallbackServer != "" {
		if _, ok := ids[c.Routing.FallbackServer]; !ok {
			errs = append(errs, fmt.Errorf("routing.fallbackServer: unknown server %q", c.Routing.FallbackServer))
		}
	}

	switch c.Routing.DefaultStrategy {
	case "", "priority", "round-robin", "least-connections", "random":
	default:
		errs = append(errs, fmt.Errorf("routing.defaultStrategy: unknown strategy %q", c.Routing.DefaultStrategy))
	}

	for i, r := range c.Routing.Rules {
		if r.Pattern == "" {
			errs = append(errs, fmt.Errorf("routing.rules[%d]: pattern is required", i))
		}
		if r.Regex {
			if _, err := regexp.Compile(r.Pattern); err != nil {
				errs = append(errs, fmt.Errorf("routing.rules[%d]: invalid regex: %w", i, err))
			}
		}
		if _, ok := ids[r.ServerID]; !ok {
			errs = append(errs, fmt.Errorf("routing.rules[%d]: unknown server %q", i, r.ServerID))
		}
	}

	if c.HealthMonitoring.Enabled && c.HealthMonitoring.Interval < 0 {
		errs = append(errs, errors.New("healthMonitoring.interval must not be negative"))
	}

	return errors.Join(errs...)
}

func validateServer(s ServerDescriptor) []error {
	var errs []error
	prefix := fmt.Sprintf("server %q", s.ID)

	switch s.Transport.Kind {
	case TransportStdio, TransportHTTP, TransportWebSocket, TransportTCP:
	case "":
		errs = append(errs, fmt.Errorf("%s: transport.kind is required", prefix))
	default:
		errs = append(errs, fmt.Errorf("%s: unsupported transport kind %q", prefix, s.Transport.Kind))
	}
	if s.Transport.Endpoint == "" {
		errs = append(errs, fmt.Errorf("%s: transport.endpoint is required", prefix))
	}
	if s.Transport.Timeout < 0 {
		errs = append(errs, fmt.Errorf("%s: transport.timeout must not be negative", prefix))
	}

	switch s.Auth.Kind {
	case "", AuthNone:
	case AuthAPIKey, AuthOAuth:
		if s.Auth.CredentialRef == "" {
			errs = append(errs, fmt.Errorf("%s: auth.credentialRef is required for %s", prefix, s.Auth.Kind))
		}
	default:
		errs = append(errs, fmt.Errorf("%s: unsupported auth kind %q", prefix, s.Auth.Kind))
	}

	if s.HealthCheck.Interval < 0 {
		errs = append(errs, fmt.Errorf("%s: healthCheck.interval must not be negative", prefix))
	}
	if s.HealthCheck.FailureThreshold < 0 {
		errs = append(errs, fmt.Errorf("%s: healthCheck.failureThreshold must not be negative", prefix))
	}

	return errs
}

// Server returns the descriptor with the given id
func (c *Config) Server(id string) (ServerDescriptor, bool) {
	for _, s := range c.Servers {
		if s.ID == id {
			return s, true
		}
	}
	return ServerDescriptor{}, false
}

// EnabledServers returns enabled descriptors by descending priority. Ties
// keep configuration order.
func (c *Config) EnabledServers() []ServerDescriptor {
	out := make([]ServerDescriptor, 0, len(c.Servers))
	for _, s := range c.Servers {
		if s.Enabled {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out
}
