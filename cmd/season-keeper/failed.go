package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/devblac/season-keeper/internal/config"
	"github.com/devblac/season-keeper/internal/storage"
	"github.com/spf13/cobra"
)

var (
	flagFailedFormat string
	flagFailedLimit  int
	flagFailedOut    string
)

func init() {
	failedCmd.Flags().StringVar(&flagFailedFormat, "format", "json", "Output format: json or csv")
	failedCmd.Flags().IntVar(&flagFailedLimit, "limit", 100, "Maximum rows, newest first")
	failedCmd.Flags().StringVarP(&flagFailedOut, "output", "o", "", "Write to file instead of stdout")
}

var failedCmd = &cobra.Command{
	Use:   "failed",
	Short: "Export failed sponsored transaction attempts for manual retry",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		store, err := storage.Open(cfg.Storage.DSN)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()

		rows, err := store.ListFailedAttempts(cmd.Context(), flagFailedLimit)
		if err != nil {
			return err
		}

		var out io.Writer = cmd.OutOrStdout()
		if flagFailedOut != "" {
			f, err := os.Create(flagFailedOut)
			if err != nil {
				return fmt.Errorf("create output: %w", err)
			}
			defer f.Close()
			out = f
		}
		return writeFailed(out, strings.ToLower(flagFailedFormat), rows)
	},
}

func writeFailed(w io.Writer, format string, rows []storage.FailedAttempt) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if rows == nil {
			rows = []storage.FailedAttempt{}
		}
		return enc.Encode(rows)
	case "csv":
		cw := csv.NewWriter(w)
		_ = cw.Write([]string{"id", "source", "season_id", "player", "function_name", "attempt", "error_message", "created_at"})
		for _, r := range rows {
			_ = cw.Write([]string{
				r.ID, r.Source, strconv.FormatUint(r.SeasonID, 10), r.Player, r.FunctionName,
				strconv.Itoa(r.Attempt), r.ErrorMessage, r.CreatedAt.UTC().Format(time.RFC3339),
			})
		}
		cw.Flush()
		return cw.Error()
	default:
		return fmt.Errorf("unsupported format %q (json or csv)", format)
	}
}
