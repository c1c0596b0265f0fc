// Package app provides the commands of the rpcrouter command-line tool.
package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ajitpratap0/mcp-router/pkg/client"
	"github.com/ajitpratap0/mcp-router/pkg/config"
	"github.com/ajitpratap0/mcp-router/pkg/logging"
	"github.com/ajitpratap0/mcp-router/pkg/router"
)

// errRequestFailed is returned by call after the failed response is printed
var errRequestFailed = errors.New("request failed")

// cli carries the state shared by every command
type cli struct {
	v      *viper.Viper
	logger logging.Logger
}

// NewRootCmd creates the rpcrouter command tree
func NewRootCmd() *cobra.Command {
	c := &cli{v: viper.New(), logger: logging.NewNop()}
	c.v.SetEnvPrefix(config.EnvPrefix)
	c.v.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:               "rpcrouter",
		DisableAutoGenTag: true,
		Short:             "Route JSON-RPC calls to a pool of backend servers",
		Long: `rpcrouter sends JSON-RPC calls to backend servers reached over stdio, HTTP,
WebSocket or TCP. Calls are routed by method name using the rules in the
configuration file, balanced across healthy servers, and retried on
transport failures when asked to.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the configuration file (YAML, JSON or TOML)")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().String("log-format", "", "Log format: text or json (default from config)")
	for _, name := range []string{"config", "debug", "log-format"} {
		if err := c.v.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name)); err != nil {
			c.logger.WithError(err).Error("failed to bind flag", logging.String("flag", name))
		}
	}

	rootCmd.AddCommand(
		c.newCallCmd(),
		c.newStatusCmd(),
		c.newHealthCmd(),
		c.newWatchCmd(),
		c.newValidateCmd(),
		c.newRulesCmd(),
	)
	return rootCmd
}

// loadConfig reads the configuration file and sets up logging from it
func (c *cli) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path := c.v.GetString("config")
	if path == "" {
		return nil, fmt.Errorf("no configuration file specified, use --config")
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	format := c.v.GetString("log-format")
	if format == "" {
		format = cfg.Logging.Format
	}
	logger := logging.New(cmd.ErrOrStderr(), logging.NewFormatter(format))

	level := logging.InfoLevel
	if c.v.GetBool("debug") {
		level = logging.DebugLevel
	} else if cfg.Logging.Level != "" {
		parsed, err := logging.ParseLevel(cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid logging.level: %w", err)
		}
		level = parsed
	}
	logger.SetLevel(level)
	c.logger = logger.WithFields(logging.String("component", "cli"))

	c.logger.Debug("configuration loaded",
		logging.String("path", path),
		logging.Int("servers", len(cfg.Servers)))
	return cfg, nil
}

func (c *cli) newCallCmd() *cobra.Command {
	var (
		serverID string
		timeout  time.Duration
		retries  int
		strategy string
	)

	cmd := &cobra.Command{
		Use:   "call <method> [json-params]",
		Short: "Send one request and print the response",
		Long: `Send one request and print the response as JSON.

Params, when given, must be a JSON object or array. The request is routed by
method name unless --server names a target.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig(cmd)
			if err != nil {
				return err
			}

			var params interface{}
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return fmt.Errorf("params are not valid JSON")
				}
				params = json.RawMessage(args[1])
			}

			var opts []client.RequestOption
			if serverID != "" {
				opts = append(opts, client.WithServer(serverID))
			}
			if timeout > 0 {
				opts = append(opts, client.WithTimeout(timeout))
			}
			if retries > 0 {
				opts = append(opts, client.WithRetries(retries))
			}
			if strategy != "" {
				s, err := router.ParseStrategy(strategy)
				if err != nil {
					return err
				}
				opts = append(opts, client.WithStrategy(s))
			}

			cl, closeFn, err := c.newClient(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer closeFn()

			resp, err := cl.Request(cmd.Context(), args[0], params, opts...)
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), resp); err != nil {
				return err
			}
			if resp.Error != nil {
				return fmt.Errorf("%w: %s", errRequestFailed, resp.Error.Kind)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&serverID, "server", "s", "", "Send to this server, bypassing routing rules")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "Per-attempt timeout (default from config)")
	cmd.Flags().IntVarP(&retries, "retries", "r", 0, "Retries for transport failures and timeouts")
	cmd.Flags().StringVar(&strategy, "strategy", "", "Load-balancing strategy: priority, round-robin, least-connections or random")
	return cmd
}

func (c *cli) newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [server-id]",
		Short: "Connect to the servers and print their status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig(cmd)
			if err != nil {
				return err
			}
			cl, closeFn, err := c.newClient(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer closeFn()

			if err := cl.Initialize(cmd.Context()); err != nil {
				return err
			}
			if len(args) == 0 {
				return writeJSON(cmd.OutOrStdout(), cl.GetServerStatuses())
			}
			st, ok := cl.GetServerStatus(args[0])
			if !ok {
				return fmt.Errorf("unknown server %q", args[0])
			}
			return writeJSON(cmd.OutOrStdout(), st)
		},
	}
}

// healthReport is the printed form of one probe
type healthReport struct {
	ServerID  string `json:"serverId"`
	Healthy   bool   `json:"healthy"`
	LatencyMs int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

func (c *cli) newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health [server-id]",
		Short: "Probe one or every enabled server now",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig(cmd)
			if err != nil {
				return err
			}
			cl, closeFn, err := c.newClient(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer closeFn()

			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			results, err := cl.CheckHealth(cmd.Context(), id)
			if err != nil {
				return err
			}

			reports := make([]healthReport, 0, len(results))
			for _, st := range cl.GetServerStatuses() {
				res, ok := results[st.ServerID]
				if !ok {
					continue
				}
				r := healthReport{ServerID: res.ServerID, Healthy: res.Healthy, LatencyMs: res.Latency.Milliseconds()}
				if res.Err != nil {
					r.Error = res.Err.Error()
				}
				reports = append(reports, r)
			}
			return writeJSON(cmd.OutOrStdout(), reports)
		},
	}
}

func (c *cli) newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Connect, monitor health and print lifecycle events until interrupted",
		Long: `Connect every enabled server, run health monitoring and print connection
and health events as JSON lines. When metrics.address is configured the
Prometheus endpoint is served for as long as the command runs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.loadConfig(cmd)
			if err != nil {
				return err
			}
			cl, closeFn, err := c.newClient(cmd.Context(), cfg, true)
			if err != nil {
				return err
			}
			defer closeFn()

			events, cancel := cl.Events(64)
			defer cancel()

			if err := cl.Initialize(cmd.Context()); err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			for {
				select {
				case <-cmd.Context().Done():
					return nil
				case e, ok := <-events:
					if !ok {
						return nil
					}
					line := map[string]interface{}{
						"type":     e.Type,
						"serverId": e.ServerID,
						"time":     e.Time.Format(time.RFC3339Nano),
					}
					if e.Err != nil {
						line["error"] = e.Err.Error()
					}
					if err := enc.Encode(line); err != nil {
						return err
					}
				}
			}
		},
	}
}

func (c *cli) newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		Long: `Validate the configuration file for syntax and semantic errors.

This checks that every server has a supported transport and an endpoint,
that routing rules compile and name known servers, and that the fallback
server and default strategy are valid.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.loadConfig(cmd)
			if err != nil {
				return err
			}
			if _, err := router.RulesFromConfig(cfg.Routing); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			enabled := cfg.EnabledServers()
			fmt.Fprintln(out, "configuration is valid")
			fmt.Fprintf(out, "  servers: %d (%d enabled)\n", len(cfg.Servers), len(enabled))
			for _, s := range enabled {
				fmt.Fprintf(out, "    %s via %s, priority %d\n", s.ID, s.Transport.Kind, s.Priority)
			}
			fmt.Fprintf(out, "  rules: %d\n", len(cfg.Routing.Rules))
			if cfg.Routing.FallbackServer != "" {
				fmt.Fprintf(out, "  fallback: %s\n", cfg.Routing.FallbackServer)
			}
			fmt.Fprintf(out, "  health monitoring: %t\n", cfg.HealthMonitoring.Enabled)
			return nil
		},
	}
}

func (c *cli) newRulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "Print the routing rules in evaluation order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.loadConfig(cmd)
			if err != nil {
				return err
			}
			rules, err := router.RulesFromConfig(cfg.Routing)
			if err != nil {
				return err
			}
			rules = router.New(cfg.Servers, nil, router.WithRules(rules...)).Rules()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PRIORITY\tPATTERN\tSERVER\tCONDITIONS")
			for _, r := range rules {
				priority := fmt.Sprint(r.Priority)
				if r.Priority == router.CatchAllPriority {
					priority = "fallback"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", priority, describePattern(r.Pattern), r.ServerID, describeConditions(r.Conditions))
			}
			return w.Flush()
		},
	}
}

func describePattern(p router.Pattern) string {
	if p.IsRegex() {
		return "/" + p.String() + "/"
	}
	return p.String()
}

func describeConditions(c router.Conditions) string {
	var parts []string
	if c.RequiredCategory != "" {
		parts = append(parts, "category="+c.RequiredCategory)
	}
	if c.MinPriority != nil {
		parts = append(parts, fmt.Sprintf("priority>=%d", *c.MinPriority))
	}
	if c.RequiresAuth {
		parts = append(parts, "auth")
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, ",")
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
