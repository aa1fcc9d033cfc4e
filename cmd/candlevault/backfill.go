package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/candlevault/candlevault/internal/models"
)

func addBackfillFlags(fs *pflag.FlagSet) {
	fs.StringSlice("symbols", nil, "Symbols to backfill (default: whole active universe)")
	fs.StringSlice("timeframes", nil, "Timeframes to backfill (default: each symbol's configured set)")
	fs.String("start", "", "Range start, YYYY-MM-DD (default: configured history window)")
	fs.String("end", "", "Range end, YYYY-MM-DD")
}

// runBackfill executes a single job in the foreground and exits with the
// job outcome.
func runBackfill(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	req, err := requestFromFlags(cmd)
	if err != nil {
		return err
	}

	ctx := context.Background()
	eng, err := buildEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer eng.close()

	job, err := eng.orch.Run(ctx, req)
	if err != nil {
		return err
	}

	log.Info().Str("job_id", job.ID).Str("status", string(job.Status)).
		Int64("records_inserted", job.TotalRecordsInserted).
		Msg("backfill finished")
	if job.Status == models.JobFailed {
		return models.Errorf(models.ErrValidation, "job %s failed: %s", job.ID, job.Error)
	}
	return nil
}

func requestFromFlags(cmd *cobra.Command) (models.BackfillRequest, error) {
	var req models.BackfillRequest

	req.Symbols, _ = cmd.Flags().GetStringSlice("symbols")

	names, _ := cmd.Flags().GetStringSlice("timeframes")
	for _, name := range names {
		tf, err := models.ParseTimeframe(name)
		if err != nil {
			return req, models.WrapKind(models.ErrConfig, err)
		}
		req.Timeframes = append(req.Timeframes, tf)
	}

	startStr, _ := cmd.Flags().GetString("start")
	endStr, _ := cmd.Flags().GetString("end")
	if (startStr == "") != (endStr == "") {
		return req, models.Errorf(models.ErrConfig, "--start and --end must be given together")
	}
	if startStr != "" {
		start, err := time.Parse("2006-01-02", startStr)
		if err != nil {
			return req, models.Errorf(models.ErrConfig, "invalid --start: %v", err)
		}
		end, err := time.Parse("2006-01-02", endStr)
		if err != nil {
			return req, models.Errorf(models.ErrConfig, "invalid --end: %v", err)
		}
		req.Range = models.DateRange{Start: start.UTC(), End: end.UTC()}
	}
	return req, nil
}
