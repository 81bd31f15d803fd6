package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-nlp/internal/history"
	"github.com/nerrad567/gray-logic-nlp/internal/infrastructure/config"
)

// historyOptions are the flags of the history command.
type historyOptions struct {
	limit     int
	offset    int
	status    string
	requestID string
	since     time.Duration
	summary   bool
}

func newHistoryCommand(opts *globalOptions) *cobra.Command {
	ho := &historyOptions{}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent classifications from the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			if !cfg.Database.Enabled {
				return fmt.Errorf("history requires database.enabled")
			}
			return runHistory(cmd.Context(), cfg, ho, cmd.OutOrStdout())
		},
	}

	cmd.Flags().IntVar(&ho.limit, "limit", 50, "maximum entries to print (max 200)")
	cmd.Flags().IntVar(&ho.offset, "offset", 0, "entries to skip")
	cmd.Flags().StringVar(&ho.status, "status", "", "only entries with this status")
	cmd.Flags().StringVar(&ho.requestID, "request-id", "", "only entries for this request id")
	cmd.Flags().DurationVar(&ho.since, "since", 0, "only entries newer than this (e.g. 1h)")
	cmd.Flags().BoolVar(&ho.summary, "summary", false, "print per-status and per-class counts instead of entries")
	return cmd
}

func runHistory(ctx context.Context, cfg *config.Config, ho *historyOptions, w io.Writer) error {
	db, err := openHistoryDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck // read-only command

	repo := history.NewSQLiteRepository(db.DB)

	var since time.Time
	if ho.since > 0 {
		since = time.Now().Add(-ho.since)
	}

	var out any
	if ho.summary {
		if out, err = repo.Summary(ctx, since); err != nil {
			return fmt.Errorf("summarising history: %w", err)
		}
	} else {
		if out, err = repo.List(ctx, history.Filter{
			Status:    ho.status,
			RequestID: ho.requestID,
			Since:     since,
			Limit:     ho.limit,
			Offset:    ho.offset,
		}); err != nil {
			return fmt.Errorf("listing history: %w", err)
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
