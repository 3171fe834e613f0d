package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"captchabridge/internal/cdp"
	"captchabridge/internal/config"
	"captchabridge/internal/handler"
	"captchabridge/internal/logger"
	"captchabridge/internal/procutil"
	"captchabridge/internal/protocol"
	"captchabridge/internal/retry"
	"captchabridge/internal/rules"
	"captchabridge/internal/session"
	"captchabridge/internal/worker"
	"captchabridge/pkg/model"
)

func getCmdWorker(c *rootCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the browser worker on stdin/stdout",
		Long: `Run the browser worker.

  Commands are read line by line from stdin and one JSON reply per command is
  written to stdout. The first line is READY or INIT_FAILED. Logs go to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.cfg.ValidateWorker(); err != nil {
				return err
			}
			return runWorker(cmd.Context(), c.cfg, c.log, os.Stdin, os.Stdout)
		},
	}
}

func runWorker(ctx context.Context, cfg *config.Config, l logger.Logger, in io.Reader, out io.Writer) error {
	rs := rules.DefaultRuleSet()
	launcher := cdp.NewLauncher(l.With("module", "cdp"), &rs, cfg.Worker.WidgetTimeout)
	sess := session.New(l)

	w := worker.New(worker.Options{
		PageURL:           cfg.Worker.PageURL,
		SiteKey:           cfg.Worker.SiteKey,
		Action:            cfg.Worker.Action,
		NavigationTimeout: cfg.Worker.NavigationTimeout,
		Browser: model.BrowserOptions{
			ExecutablePath: cfg.Worker.ExecutablePath,
			Headless:       cfg.Worker.Headless,
			NoSandbox:      cfg.Worker.NoSandbox,
			ProfilePrefix:  cfg.Worker.ProfilePrefix,
		},
		ProxyURL:          cfg.Proxy.URL,
		ProxyProbeTimeout: cfg.Proxy.ProbeTimeout,
		PIDFile:           procutil.NewPIDFile(cfg.Worker.PIDFile, "captchad-chrome"),
	}, worker.LaunchFunc(func(ctx context.Context, opts model.BrowserOptions) (worker.Page, error) {
		m, err := launcher.Launch(ctx, opts)
		if err != nil {
			return nil, err
		}
		return m, nil
	}), worker.NewAuthProbe(worker.ProbeOptions{
		URL:      cfg.Probe.URL,
		DeviceID: cfg.Probe.DeviceID,
		Secret:   cfg.Probe.Secret,
		Bearer:   cfg.Probe.Bearer,
		Timeout:  cfg.Probe.Timeout,
	}, l), sess, l.With("module", "worker"))
	defer w.Shutdown()

	h := handler.New(handler.Config{
		Worker:   w,
		Acquirer: retry.New(w, sess, cfg.Retry.MaxRetries, l.With("module", "retry")),
		Session:  sess,
		Timeout:  cfg.Sidecar.CommandTimeout,
		Logger:   l.With("module", "handler"),
	})

	conn := protocol.NewConn(in, out)
	first := h.Announce(ctx)
	if err := conn.WriteReply(first); err != nil {
		return err
	}
	if !first.Success {
		return fmt.Errorf("worker init failed: %s", first.Error)
	}
	return protocol.Serve(ctx, conn, h)
}
