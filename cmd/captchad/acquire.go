package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"captchabridge/internal/failure"
	"captchabridge/pkg/api"
)

func getCmdAcquire(c *rootCommand) *cobra.Command {
	var count int
	var action, mode string
	cmd := &cobra.Command{
		Use:   "acquire",
		Short: "Acquire tokens once and print them, one per line",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if mode != "" {
				c.cfg.Manager.Mode = mode
			}
			svc, err := api.NewService(c.cfg, c.configPath, c.log)
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = svc.Stop(ctx)
			}()

			ctx := cmd.Context()
			if err := svc.Start(ctx); err != nil {
				return describe(err)
			}
			batch, err := svc.AcquireTokens(ctx, count, action)
			if err != nil {
				return describe(err)
			}
			for _, t := range batch.Tokens {
				fmt.Fprintln(c.stdOut, t)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of tokens")
	cmd.Flags().StringVar(&action, "action", "", "action (default from config)")
	cmd.Flags().StringVar(&mode, "mode", "", "embedded or bridge (default from config)")
	return cmd
}

// describe 为结构化失败附上提示
func describe(err error) error {
	f := failure.From(err)
	if f == nil || f.Hint == "" {
		return err
	}
	return fmt.Errorf("%w (%s)", err, f.Hint)
}
