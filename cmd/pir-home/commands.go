package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"pir-go-home/internal/queue"
	"pir-go-home/internal/store"
)

func newSnapshotCommand(ctx *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Read both queues once without popping anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.cfg
			p, err := openPipeline(cfg, newLogger(cfg))
			if err != nil {
				return err
			}
			defer p.Close()

			snap, err := p.monitor.Snapshot(cmd.Context())
			if err != nil {
				return fmt.Errorf("snapshot: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderSnapshot(snap))
			return nil
		},
	}
}

func newCondenseCommand(ctx *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:       "condense detect|remove",
		Short:     "Pop a queue down to its newest entry",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(queue.Detect), string(queue.Remove)},
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := queue.ParseID(args[0]); err != nil {
				return err
			}
			cfg := ctx.cfg
			p, err := openPipeline(cfg, newLogger(cfg))
			if err != nil {
				return err
			}
			defer p.Close()

			pops, err := p.monitor.Condense(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("condense %s after %d pops: %w", args[0], pops, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d entries popped\n", args[0], pops)
			return nil
		},
	}
}

func newHistoryCommand(ctx *cliContext) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded occupancy transitions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive")
			}
			cfg := ctx.cfg
			p, err := openPipeline(cfg, newLogger(cfg))
			if err != nil {
				return err
			}
			defer p.Close()

			history, err := p.monitor.History(limit)
			if err != nil {
				return fmt.Errorf("list transitions: %w", err)
			}
			if len(history) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No transitions recorded")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderHistory(history))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of transitions to show")
	return cmd
}

func renderSnapshot(snap queue.Snapshot) string {
	view := func(name string, v queue.View) []string {
		age := "-"
		if !v.Empty {
			age = strconv.FormatUint(uint64(v.AgeMs), 10)
		}
		return []string{name, yesNo(v.Empty), yesNo(v.Full), age}
	}
	rows := [][]string{
		view(string(queue.Detect), snap.Detect),
		view(string(queue.Remove), snap.Remove),
	}
	return renderTable(
		[]string{"Queue", "Empty", "Full", "Front age (ms)"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight},
	)
}

func renderHistory(history []*store.Transition) string {
	rows := make([][]string, 0, len(history))
	for _, tr := range history {
		rows = append(rows, []string{
			tr.At.Local().Format(time.DateTime),
			tr.State,
			tr.Queue,
			strconv.FormatUint(uint64(tr.TriggerAgeMs), 10),
			strconv.FormatUint(uint64(tr.ThresholdMs), 10),
		})
	}
	return renderTable(
		[]string{"At", "State", "Queue", "Age (ms)", "Threshold (ms)"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight},
	)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
