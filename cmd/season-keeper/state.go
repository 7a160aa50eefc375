package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/devblac/season-keeper/internal/config"
	"github.com/devblac/season-keeper/internal/storage"
	"github.com/spf13/cobra"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show listener cursors and their lag behind the chain head",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		store, err := storage.Open(cfg.Storage.DSN)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()

		cursors, err := store.ListCursors(ctx)
		if err != nil {
			return err
		}

		var head uint64
		conn, err := dialChain(ctx, cfg, newLogger(), nil)
		if err == nil {
			defer conn.eth.Close()
			head, err = conn.eth.BlockNumber(ctx)
		}
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "chain head unavailable: %v\n", err)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "LISTENER\tBLOCK\tLAG\tUPDATED")
		for _, c := range cursors {
			lag := "-"
			if head > 0 && head >= c.Block {
				lag = fmt.Sprintf("%d", head-c.Block)
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", c.Key, c.Block, lag, c.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"))
		}
		if err := w.Flush(); err != nil {
			return err
		}

		seasons, err := store.ListSeasons(ctx, storage.SeasonActive)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\nactive seasons: %d (head %d)\n", len(seasons), head)
		return nil
	},
}
