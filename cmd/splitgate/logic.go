package main

import (
	"context"
	"os"

	"github.com/raskyld/splitgate/pkg/logic"
	"github.com/raskyld/splitgate/pkg/telemetry"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// exitWatchdog is returned to the supervisor when the gateway went silent.
const exitWatchdog = 70

var logicPort uint16

var logicCmd = &cobra.Command{
	Use:   "logic",
	Short: "Drive a client port with the echo application",
	Long: `Connect to the gateway and ask for a client port. If another logic process
holds it, this one exits; once that process releases the port, starting a new
one resumes every client where the previous owner committed.

SIGINT or SIGTERM releases the port gracefully.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := procEnv.cfg
		if cmd.Flags().Changed("port") {
			cfg.Logic.ClientPort = logicPort
		}
		tlsConf, err := loadTlsConfig(cfg.Control, false)
		if err != nil {
			return err
		}

		opts := []logic.Option{
			logic.WithControlAddr(cfg.Control.Network, cfg.Control.Addr),
			logic.WithTlsConfig(tlsConf),
			logic.WithClientPort(cfg.Logic.ClientPort),
			logic.WithWatchdog(cfg.Logic.WatchdogThreshold, cfg.Logic.WatchdogPoll),
			logic.WithLog(procEnv.handler),
			logic.WithMetricSink(procEnv.sink),
		}
		if cfg.Logic.ExitOnWatchdog {
			opts = append(opts, logic.WithWatchdogAbort(func() {
				procEnv.logger.Error("gateway went silent, exiting", telemetry.LabelReason.L("watchdog"))
				os.Exit(exitWatchdog)
			}))
		}
		conn, err := logic.New(logic.NewEcho(), opts...)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		g, gctx := errgroup.WithContext(ctx)
		if err := serveMetrics(gctx, g); err != nil {
			return err
		}

		onSignal(gctx, conn.Release)
		g.Go(func() error {
			defer cancel()
			return conn.Run(gctx)
		})
		return g.Wait()
	},
}

func init() {
	logicCmd.Flags().Uint16VarP(&logicPort, "port", "p", logic.DefaultClientPort, "client port to drive")
}
