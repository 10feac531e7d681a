package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/akmatori/riskwatch/internal/jobs"
	"github.com/spf13/cobra"
)

func newScanCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Run one SLA scan cycle and print its summary",
		Long: "Run one SLA scan cycle over open incidents, start escalations for overdue ones,\n" +
			"deliver their first notifications and print the summary as JSON.\n" +
			"Exits non-zero when the cycle fails.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			zlog, err := setupLogger(cfg.LogLevel, cfg.DevLog)
			if err != nil {
				return err
			}
			defer zlog.Sync()

			a, err := newApp(cfg, zlog.Sugar())
			if err != nil {
				return err
			}
			defer a.close()
			a.startSlack(cmd.Context())

			scanner := jobs.NewSLAScanner(a.db, a.engine, a.publisher, a.log.Named("sla"))
			summary, err := scanner.Scan(cmd.Context(), time.Now().UTC())
			if err != nil {
				return fmt.Errorf("SLA scan failed: %w", err)
			}
			return writeJSON(opts.out, summary)
		},
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
