package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"bulksend/internal/app"
	"bulksend/internal/history"
	"bulksend/internal/storage"
)

var (
	historyLimit int
	historyJSON  bool

	pruneOlderThan time.Duration
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the most recent successful sends",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete sent-message history older than the retention window",
	Long: `Delete sent-message history older than the retention window.

The window comes from history.retention in the config unless --older-than is set.`,
	Args: cobra.NoArgs,
	RunE: runPrune,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of records to show")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "print records as JSON")
	pruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 0, "override the configured retention (e.g. 720h)")
	rootCmd.AddCommand(historyCmd, pruneCmd)
}

func runHistory(cmd *cobra.Command, _ []string) error {
	st, _, err := app.OpenStore(cfgPath, cliLogger())
	if err != nil {
		return err
	}
	defer st.Close()

	recs, err := st.RecentSent(cmd.Context(), max(historyLimit, 1))
	if err != nil {
		return err
	}
	if historyJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if recs == nil {
			recs = []storage.SentRecord{}
		}
		return enc.Encode(recs)
	}
	if len(recs) == 0 {
		fmt.Println(color.New(color.FgHiBlack).Sprint("no sent messages recorded"))
		return nil
	}

	dim := color.New(color.FgHiBlack)
	dest := color.New(color.FgCyan)
	batch := color.New(color.FgYellow)
	for _, r := range recs {
		line := fmt.Sprintf("%s  %s", dim.Sprint(r.SentAt.Local().Format("2006-01-02 15:04:05")), dest.Sprintf("%-16s", r.Destination))
		if r.BatchID != "" {
			line += " " + batch.Sprintf("[%s]", shortID(r.BatchID))
		}
		line += "  " + preview(r.Message, 60)
		fmt.Println(line)
	}
	return nil
}

func runPrune(cmd *cobra.Command, _ []string) error {
	st, hc, err := app.OpenStore(cfgPath, cliLogger())
	if err != nil {
		return err
	}
	defer st.Close()

	if pruneOlderThan > 0 {
		hc.Retention = pruneOlderThan
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()
	n, err := history.New(st, hc, nil, cliLogger()).RunOnce(ctx)
	if err != nil {
		return err
	}
	color.New(color.FgGreen).Printf("removed %d record(s)\n", n)
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
