package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"captchabridge/internal/storage"
)

func getCmdHistory(c *rootCommand) *cobra.Command {
	var limit int
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent acquisitions and a summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := storage.Open(c.cfg.Sqlite.Dsn, c.cfg.Sqlite.Prefix, c.log)
			if err != nil {
				return err
			}
			defer storage.Close(db)
			j := storage.NewJournal(db)

			recent, err := j.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			var from time.Time
			if since > 0 {
				from = time.Now().Add(-since)
			}
			sum, err := j.Summary(cmd.Context(), from)
			if err != nil {
				return err
			}

			type entry struct {
				Time     string `yaml:"time"`
				Mode     string `yaml:"mode"`
				Action   string `yaml:"action"`
				Tokens   string `yaml:"tokens"`
				Duration string `yaml:"duration"`
				Error    string `yaml:"error,omitempty"`
			}
			out := struct {
				Summary storage.Summary `yaml:"summary"`
				Recent  []entry         `yaml:"recent"`
			}{Summary: sum}
			for _, a := range recent {
				e := entry{
					Time:     a.CreatedAt.Format(time.DateTime),
					Mode:     a.Mode,
					Action:   a.Action,
					Tokens:   fmt.Sprintf("%d/%d", a.Received, a.Requested),
					Duration: (time.Duration(a.DurationMs) * time.Millisecond).String(),
				}
				if !a.OK {
					e.Error = a.ErrorKind + ": " + a.Error
				}
				out.Recent = append(out.Recent, e)
			}
			return yamlPrint(c.stdOut, out)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of recent entries")
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "summary window, 0 for all time")
	return cmd
}
