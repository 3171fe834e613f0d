package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"captchabridge/internal/bridge"
)

func getCmdBridge(c *rootCommand) *cobra.Command {
	var host string
	var port int
	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Serve the channel bridge until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := c.cfg
			if cmd.Flags().Changed("host") {
				cfg.Bridge.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Bridge.Port = port
			}
			l := c.log.With("module", "bridge")

			metrics := bridge.NewMetrics()
			broker := bridge.NewBroker(bridge.BrokerOptions{
				RequestTTL:  cfg.Bridge.RequestTTL,
				ProjectName: cfg.Bridge.ProjectName,
				Metrics:     metrics,
			}, l)
			login := bridge.NewLoginRelay(cfg.Bridge.AuthLoginURL, cfg.Bridge.ToolName, 0)
			srv := bridge.NewServer(cfg.BridgeAddr(), broker, metrics, login, l)
			if err := srv.Start(); err != nil {
				return fmt.Errorf("start bridge on %s: %w", cfg.BridgeAddr(), err)
			}

			<-cmd.Context().Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(ctx)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "listen host (default from config)")
	cmd.Flags().IntVar(&port, "port", 0, "listen port (default from config)")
	return cmd
}
