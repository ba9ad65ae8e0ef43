// Package commands implements the ods2 command line tool.
package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/marmos91/ods2/internal/logger"
	"github.com/marmos91/ods2/internal/telemetry"
	"github.com/marmos91/ods2/pkg/config"
	"github.com/marmos91/ods2/pkg/metrics"
	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile      string
	deviceFlags  []string
	logLevel     string
	outputFormat string
	metricsAddr  string

	// cfg is the loaded configuration, set before any command runs.
	cfg *config.Config

	// shutdownHooks run after the command, in reverse order.
	shutdownHooks []func(context.Context) error
)

// skipSetup marks commands that run without loading the configuration.
const skipSetup = "skip-setup"

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "ods2",
	Short: "ods2 - ODS-2 volume access tool",
	Long: `ods2 mounts volumes formatted with the ODS-2 on-disk structure and reads,
writes and inspects their files by file ID.

Devices are defined in the configuration file or ad hoc with --device:

  ods2 --device dka0=image:disk.img info dka0
  ods2 --device mem=memory:2048blk format mem

Use "ods2 [command] --help" for more information about a command.`,
	SilenceUsage:       true,
	SilenceErrors:      true,
	PersistentPreRunE:  setup,
	PersistentPostRunE: teardown,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer runShutdownHooks()
	return rootCmd.ExecuteContext(ctx)
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/ods2/config.yaml)")
	pf.StringArrayVar(&deviceFlags, "device", nil, "define a device as name=type:path[@size] (repeatable)")
	pf.StringVar(&logLevel, "log-level", "", "log level (DEBUG, INFO, WARN, ERROR)")
	pf.StringVarP(&outputFormat, "output", "o", "table", "output format (table, json, yaml)")
	pf.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while the command runs")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(formatCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(statCmd)
	rootCmd.AddCommand(extentsCmd)
	rootCmd.AddCommand(catCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(copyCmd)
	rootCmd.AddCommand(statsCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// GetConfigFile returns the config file path from the global flag.
func GetConfigFile() string {
	return cfgFile
}

// setup loads the configuration, applies the global flags and starts the
// logger, tracing, profiling and the metrics endpoint.
func setup(cmd *cobra.Command, _ []string) error {
	if cmd.Annotations[skipSetup] != "" {
		return nil
	}

	c, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := applyFlags(c); err != nil {
		return err
	}
	if err := config.Validate(c); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if err := InitLogger(c); err != nil {
		return err
	}

	ctx := cmd.Context()
	shutdownTracing, err := telemetry.Init(ctx, c.Telemetry.TracingConfig(Version))
	if err != nil {
		return err
	}
	onShutdown(shutdownTracing)

	stopProfiling, err := telemetry.InitProfiling(c.Telemetry.Profiling.ProfilerConfig(Version))
	if err != nil {
		return err
	}
	onShutdown(func(context.Context) error { return stopProfiling() })

	if c.Metrics.Enabled {
		if err := serveMetrics(c.Metrics.Address); err != nil {
			return err
		}
	}

	cfg = c
	logger.Debug("configuration loaded", logger.KeyCommand, cmd.Name(), logger.KeyCount, len(c.Devices))
	return nil
}

// applyFlags folds the global flags into c. A --device definition replaces
// a configured device of the same name.
func applyFlags(c *config.Config) error {
	if logLevel != "" {
		c.Logging.Level = strings.ToUpper(logLevel)
	}
	if metricsAddr != "" {
		c.Metrics.Enabled = true
		c.Metrics.Address = metricsAddr
	}
	for _, spec := range deviceFlags {
		dc, err := parseDeviceFlag(spec)
		if err != nil {
			return err
		}
		replaced := false
		for i := range c.Devices {
			if c.Devices[i].Name == dc.Name {
				c.Devices[i], replaced = dc, true
			}
		}
		if !replaced {
			c.Devices = append(c.Devices, dc)
		}
	}
	return nil
}

func serveMetrics(addr string) error {
	metrics.InitRegistry()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", logger.Err(err))
		}
	}()
	logger.Info("serving metrics", "address", ln.Addr().String())
	onShutdown(srv.Shutdown)
	return nil
}

func onShutdown(fn func(context.Context) error) {
	shutdownHooks = append(shutdownHooks, fn)
}

func teardown(*cobra.Command, []string) error {
	runShutdownHooks()
	return nil
}

func runShutdownHooks() {
	if len(shutdownHooks) == 0 {
		return
	}
	timeout := 10 * time.Second
	if cfg != nil {
		timeout = cfg.ShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for i := len(shutdownHooks) - 1; i >= 0; i-- {
		if err := shutdownHooks[i](ctx); err != nil {
			logger.Warn("shutdown hook failed", logger.Err(err))
		}
	}
	shutdownHooks = nil
}
