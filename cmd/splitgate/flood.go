package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/raskyld/splitgate/pkg/flood"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	floodTarget   string
	floodWorkers  int
	floodRate     float64
	floodSize     int
	floodDuration time.Duration
	floodLifetime time.Duration
	floodEcho     bool
)

var floodCmd = &cobra.Command{
	Use:   "flood",
	Short: "Hammer a client port with short lived connections",
	Long: `Open connections to a client port from several workers, send sequenced
blocks on each for a short while, close them and start over. Useful to watch
a gateway and its logic process under churn.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := procEnv.cfg.Flood
		flags := cmd.Flags()
		if flags.Changed("target") {
			cfg.Target = floodTarget
		}
		if flags.Changed("workers") {
			cfg.Workers = floodWorkers
		}
		if flags.Changed("rate") {
			cfg.Rate = floodRate
		}
		if flags.Changed("block-size") {
			cfg.BlockSize = floodSize
		}
		if flags.Changed("duration") {
			cfg.Duration = floodDuration
		}

		ctx, cancel := interruptible(cmd.Context())
		defer cancel()
		g, gctx := errgroup.WithContext(ctx)
		if err := serveMetrics(gctx, g); err != nil {
			return err
		}

		g.Go(func() error {
			defer cancel()
			report, err := flood.Run(gctx, flood.Config{
				Target:       cfg.Target,
				Workers:      cfg.Workers,
				Rate:         cfg.Rate,
				BlockSize:    cfg.BlockSize,
				Duration:     cfg.Duration,
				ConnLifetime: floodLifetime,
				Echo:         floodEcho,
				MetricSink:   procEnv.sink,
				Logger:       procEnv.logger,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "connections=%d blocks=%d echoed=%d errors=%d\n",
				report.Connections, report.Blocks, report.Echoed, report.Errors)
			return nil
		})
		err := g.Wait()
		if errors.Is(context.Cause(ctx), errInterrupted) {
			return nil
		}
		return err
	},
}

func init() {
	flags := floodCmd.Flags()
	flags.StringVarP(&floodTarget, "target", "t", "", "client port address")
	flags.IntVarP(&floodWorkers, "workers", "w", 0, "concurrent connections")
	flags.Float64Var(&floodRate, "rate", 0, "blocks per second per worker, 0 for unlimited")
	flags.IntVar(&floodSize, "block-size", 0, "payload size of each block")
	flags.DurationVarP(&floodDuration, "duration", "d", 0, "how long to flood, 0 until interrupted")
	flags.DurationVar(&floodLifetime, "conn-lifetime", 200*time.Millisecond, "how long each connection lives")
	flags.BoolVar(&floodEcho, "echo", false, "wait for each block to be echoed back")
}
