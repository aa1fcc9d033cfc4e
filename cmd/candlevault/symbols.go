package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/candlevault/candlevault/internal/persistence/postgres"
)

// runSymbols prints the tracked universe with per-symbol stats.
func runSymbols(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	mgr, err := postgres.NewManager(cfg.Database)
	if err != nil {
		return err
	}
	defer mgr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	summaries, err := mgr.Repository().Symbols.GetSymbolsDetailed(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SYMBOL\tCLASS\tSTATUS\tRECORDS\tLAST BACKFILL")
	for _, s := range summaries {
		last := "never"
		if s.LastBackfill != nil {
			last = s.LastBackfill.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			s.Symbol, s.AssetClass, s.Status, s.Stats.RecordCount, last)
	}
	return w.Flush()
}
