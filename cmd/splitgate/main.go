// Command splitgate runs either side of a split gateway, or floods one.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/raskyld/splitgate/pkg/config"
	"github.com/raskyld/splitgate/pkg/telemetry"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	configPath string
	envFile    string

	controlNetwork string
	controlAddr    string
	tlsCA          string
	tlsCert        string
	tlsKey         string
	tlsServerName  string

	logLevel    string
	logFormat   string
	logFile     string
	metricsAddr string
)

// env is what every subcommand gets once the root command loaded the
// configuration.
type env struct {
	cfg      *config.Config
	handler  slog.Handler
	logger   *slog.Logger
	sink     metrics.MetricSink
	registry *prometheus.Registry
	closers  []io.Closer
}

var procEnv env

var rootCmd = &cobra.Command{
	Use:   "splitgate",
	Short: "TCP gateway split between a socket owner and a replaceable logic process",
	Long: `splitgate keeps client TCP sockets in a long lived gateway process while
a separate logic process, reached over a control channel, decides what to do
with their bytes. Logic processes can be restarted or replaced without
dropping clients: unprocessed input is replayed to the next one.

Settings come from a YAML file, .env files, SPLITGATE_* variables and flags,
the latter winning.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return setup(cmd)
	},
	PersistentPostRun: func(_ *cobra.Command, _ []string) {
		for _, c := range procEnv.closers {
			c.Close()
		}
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	flags.StringVar(&envFile, "env-file", ".env", "dotenv file loaded into the environment if it exists")

	flags.StringVar(&controlNetwork, "control-network", "", "control channel transport: tcp or quic")
	flags.StringVar(&controlAddr, "control-addr", "", "control channel address")
	flags.StringVar(&tlsCA, "tls-ca", "", "CA bundle verifying the peer (quic)")
	flags.StringVar(&tlsCert, "tls-cert", "", "certificate (quic)")
	flags.StringVar(&tlsKey, "tls-key", "", "private key (quic)")
	flags.StringVar(&tlsServerName, "tls-server-name", "", "expected gateway name (quic)")

	flags.StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	flags.StringVar(&logFormat, "log-format", "", "text or json")
	flags.StringVar(&logFile, "log-file", "", "also append JSON logs to this file")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	rootCmd.AddCommand(gatewayCmd, logicCmd, floodCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command) error {
	var envFiles []string
	if envFile != "" {
		envFiles = append(envFiles, envFile)
	}
	cfg, err := config.Load(configPath, envFiles...)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	override := func(name string, dst *string, val string) {
		if flags.Changed(name) {
			*dst = val
		}
	}
	override("control-network", &cfg.Control.Network, controlNetwork)
	override("control-addr", &cfg.Control.Addr, controlAddr)
	override("tls-ca", &cfg.Control.TLS.CA, tlsCA)
	override("tls-cert", &cfg.Control.TLS.Cert, tlsCert)
	override("tls-key", &cfg.Control.TLS.Key, tlsKey)
	override("tls-server-name", &cfg.Control.TLS.ServerName, tlsServerName)
	override("log-level", &cfg.Log.Level, logLevel)
	override("log-format", &cfg.Log.Format, logFormat)
	override("log-file", &cfg.Log.File, logFile)
	override("metrics-addr", &cfg.Metrics.Addr, metricsAddr)
	if err := cfg.Validate(); err != nil {
		return err
	}
	procEnv.cfg = cfg

	logCfg := telemetry.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	}
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		procEnv.closers = append(procEnv.closers, f)
		logCfg.File = f
	}
	handler, err := telemetry.NewLogHandler(os.Stderr, logCfg)
	if err != nil {
		return err
	}
	procEnv.handler = handler
	procEnv.logger = slog.New(handler).With("cmd", cmd.Name())
	slog.SetDefault(procEnv.logger)

	procEnv.registry = prometheus.NewRegistry()
	procEnv.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	sink, err := telemetry.NewPrometheusSink(procEnv.registry, time.Minute)
	if err != nil {
		return err
	}
	procEnv.sink = sink
	return nil
}

// serveMetrics runs the scrape endpoint in g when one is configured.
func serveMetrics(ctx context.Context, g *errgroup.Group) error {
	if procEnv.cfg.Metrics.Addr == "" {
		return nil
	}
	ms, err := telemetry.ListenMetrics(procEnv.cfg.Metrics.Addr, procEnv.registry, procEnv.logger)
	if err != nil {
		return err
	}
	g.Go(func() error { return ms.Serve(ctx) })
	return nil
}

// onSignal calls fn once on SIGINT or SIGTERM, or never if ctx is done
// first.
func onSignal(ctx context.Context, fn func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			procEnv.logger.Info("terminating...", "signal", sig.String())
			fn()
		case <-ctx.Done():
		}
	}()
}

var errInterrupted = errors.New("interrupted")

// interruptible returns a context cancelled by SIGINT or SIGTERM.
func interruptible(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	onSignal(ctx, func() { cancel(errInterrupted) })
	return ctx, func() { cancel(context.Canceled) }
}
