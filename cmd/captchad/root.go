package main

import (
	"context"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"captchabridge/internal/config"
	"captchabridge/internal/logger"
)

// rootCommand 各子命令共享的状态
type rootCommand struct {
	ctx        context.Context
	cmd        *cobra.Command
	configPath string
	logLevel   string

	cfg    *config.Config
	log    logger.Logger
	stdOut io.Writer
}

func newRootCommand(ctx context.Context) *rootCommand {
	c := &rootCommand{ctx: ctx, stdOut: os.Stdout}
	c.cmd = &cobra.Command{
		Use:   "captchad",
		Short: "captcha token worker, bridge and tools",
		Long: `captchad obtains captcha tokens either from a supervised browser worker
or through a local channel bridge fed by an external producer.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.persistentPreRunE,
	}
	c.cmd.PersistentFlags().StringVarP(&c.configPath, "config", "c", os.Getenv(config.EnvPrefix+"_CONFIG"), "YAML config file")
	c.cmd.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	c.cmd.AddCommand(
		getCmdWorker(c),
		getCmdBridge(c),
		getCmdAcquire(c),
		getCmdProduce(c),
		getCmdHistory(c),
		getCmdSecret(c),
	)
	return c
}

func (c *rootCommand) persistentPreRunE(cmd *cobra.Command, _ []string) error {
	if cmd.Annotations["skipConfig"] == "true" {
		c.log = logger.NewNop()
		return nil
	}
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	c.cfg = cfg
	c.log = logger.New(logger.Options{
		Level:   cfg.Log.Level,
		Writer:  cfg.Log.Writer,
		File:    cfg.Log.File,
		NoColor: os.Getenv("NO_COLOR") != "",
	})
	return nil
}

func yamlPrint(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
