package main

import (
	"context"

	"github.com/raskyld/splitgate"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Own client sockets and wait for logic processes",
	Long: `Run the gateway: accept logic processes on the control channel and open
the client ports they activate. Clients stay connected while logic processes
come and go.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := procEnv.cfg
		tlsConf, err := loadTlsConfig(cfg.Control, true)
		if err != nil {
			return err
		}

		gw, err := splitgate.Create(
			splitgate.WithControlAddr(cfg.Control.Network, cfg.Control.Addr),
			splitgate.WithTlsConfig(tlsConf),
			splitgate.WithClientHost(cfg.Gateway.ClientHost),
			splitgate.WithAcceptRate(cfg.Gateway.AcceptRate, cfg.Gateway.AcceptBurst),
			splitgate.WithHeartbeat(cfg.Gateway.Heartbeat),
			splitgate.WithSendTimeout(cfg.Gateway.SendTimeout),
			splitgate.WithLog(procEnv.handler),
			splitgate.WithMetricSink(procEnv.sink),
		)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		g, gctx := errgroup.WithContext(ctx)
		if err := serveMetrics(gctx, g); err != nil {
			gw.Shutdown()
			return err
		}

		onSignal(gctx, func() { gw.Shutdown() })
		g.Go(func() error {
			// Stopped through Shutdown only.
			defer cancel()
			return gw.Serve(context.Background())
		})
		g.Go(func() error {
			<-gctx.Done()
			return gw.Shutdown()
		})
		return g.Wait()
	},
}
