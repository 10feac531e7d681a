package main

import (
	"fmt"

	"github.com/akmatori/riskwatch/internal/api"
	"github.com/akmatori/riskwatch/internal/database"
	"github.com/akmatori/riskwatch/internal/services"
	"github.com/spf13/cobra"
)

type reportOptions struct {
	policyID uint
	source   string
	from     string
	to       string
}

func newReportCommand(opts *rootOptions) *cobra.Command {
	ro := &reportOptions{}
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print the escalation summary as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			scope, tr, err := ro.parse()
			if err != nil {
				return err
			}
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

			summary, err := a.reports.GetSummary(cmd.Context(), scope, tr)
			if err != nil {
				return err
			}
			return writeJSON(opts.out, summary)
		},
	}
	cmd.Flags().UintVar(&ro.policyID, "policy-id", 0, "only executions of this policy")
	cmd.Flags().StringVar(&ro.source, "source", "", "only executions from this source (metric or incident)")
	cmd.Flags().StringVar(&ro.from, "from", "", "start of the range, RFC 3339 or YYYY-MM-DD")
	cmd.Flags().StringVar(&ro.to, "to", "", "end of the range, RFC 3339 or YYYY-MM-DD")
	return cmd
}

func (o *reportOptions) parse() (services.ReportScope, services.TimeRange, error) {
	var scope services.ReportScope
	var tr services.TimeRange

	if o.policyID != 0 {
		id := o.policyID
		scope.PolicyID = &id
	}
	switch o.source {
	case "", database.AlertSourceMetric, database.AlertSourceIncident:
		scope.AlertSource = o.source
	default:
		return scope, tr, fmt.Errorf("--source must be %s or %s", database.AlertSourceMetric, database.AlertSourceIncident)
	}

	var err error
	if o.from != "" {
		if tr.From, err = api.ParseTime(o.from); err != nil {
			return scope, tr, fmt.Errorf("--from: %w", err)
		}
	}
	if o.to != "" {
		if tr.To, err = api.ParseTime(o.to); err != nil {
			return scope, tr, fmt.Errorf("--to: %w", err)
		}
	}
	if !tr.From.IsZero() && !tr.To.IsZero() && !tr.From.Before(tr.To) {
		return scope, tr, fmt.Errorf("--from must be before --to")
	}
	return scope, tr, nil
}

