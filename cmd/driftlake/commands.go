// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/driftlake/lake/maintenance"
	"github.com/AleutianAI/driftlake/lake/table"
	"github.com/AleutianAI/driftlake/pkg/logging"
)

var (
	tableURL string

	flagVersion        int64
	flagTimestamp      string
	flagLimit          int
	flagTargetSize     int64
	flagStrategy       string
	flagDryRun         bool
	flagRetentionHours float64
)

var rootCmd = &cobra.Command{
	Use:   "driftlake",
	Short: "Operate driftlake tables: inspect, history, compact, vacuum",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadConfig()
		if tableURL == "" {
			tableURL = config.Table
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&tableURL, "table", "", "table storage URL (memory://, file://, s3://, r2://)")

	inspectCmd.Flags().Int64Var(&flagVersion, "version", -1, "time travel to an exact version")
	inspectCmd.Flags().StringVar(&flagTimestamp, "timestamp", "", "time travel to an RFC3339 timestamp")

	historyCmd.Flags().IntVar(&flagLimit, "limit", 20, "maximum entries (0 = all)")

	compactCmd.Flags().Int64Var(&flagTargetSize, "target-size", 128<<20, "target file size in bytes")
	compactCmd.Flags().StringVar(&flagStrategy, "strategy", "greedy", "greedy | bin-pack | sort-by-size")
	compactCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "plan without rewriting")

	vacuumCmd.Flags().Float64Var(&flagRetentionHours, "retention-hours", 168, "tombstone retention in hours (floor 1)")
	vacuumCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "list candidates without deleting")

	rootCmd.AddCommand(inspectCmd, historyCmd, compactCmd, vacuumCmd)
}

// openTable binds the table named by --table or driftlake.yaml.
func openTable(ctx context.Context) (*table.Table, error) {
	if tableURL == "" {
		return nil, fmt.Errorf("no table: pass --table or set it in driftlake.yaml")
	}
	logger := logging.New(logging.Config{Service: "driftlake-cli", LogDir: config.LogDir})
	return table.Open(ctx, tableURL, table.Options{Logger: logger.Slog()})
}

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Print the snapshot summary at the latest (or pinned) version",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		tbl, err := openTable(ctx)
		if err != nil {
			return err
		}
		defer tbl.Close()

		opts := table.SnapshotOptions{}
		if flagVersion >= 0 {
			opts.AsOfVersion = &flagVersion
		} else if flagTimestamp != "" {
			ts, err := time.Parse(time.RFC3339, flagTimestamp)
			if err != nil {
				return fmt.Errorf("bad --timestamp: %w", err)
			}
			opts.AsOfTimestamp = &ts
		}

		snap, err := tbl.Snapshot(ctx, opts)
		if err != nil {
			return err
		}
		fmt.Printf("version:    %d\n", snap.Version)
		fmt.Printf("timestamp:  %s\n", snap.Timestamp.Format(time.RFC3339))
		fmt.Printf("live files: %d\n", len(snap.Files))
		fmt.Printf("bytes:      %d\n", snap.TotalBytes())
		fmt.Printf("cdc:        %v\n", tbl.CDCEnabled(ctx))
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List commit provenance, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		tbl, err := openTable(ctx)
		if err != nil {
			return err
		}
		defer tbl.Close()

		entries, err := tbl.History(ctx, flagLimit)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("%6d  %s  %s\n", e.Version, e.Timestamp.Format(time.RFC3339), e.Operation)
		}
		return nil
	},
}

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Fold small files into files near the target size",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		tbl, err := openTable(ctx)
		if err != nil {
			return err
		}
		defer tbl.Close()

		report, err := tbl.Compact(ctx, maintenance.CompactionConfig{
			TargetFileSize: flagTargetSize,
			Strategy:       maintenance.Strategy(flagStrategy),
			DryRun:         flagDryRun,
		})
		if err != nil {
			return err
		}
		fmt.Printf("files: %d -> %d (compacted %d, created %d)\n",
			report.FilesBefore, report.FilesAfter, report.FilesCompacted, report.FilesCreated)
		fmt.Printf("bytes: %d -> %d, efficiency %.2f, dry-run %v\n",
			report.BytesBefore, report.BytesAfter, report.PackingEfficiency, report.DryRun)
		return nil
	},
}

var vacuumCmd = &cobra.Command{
	Use:   "vacuum",
	Short: "Delete expired tombstoned files",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		tbl, err := openTable(ctx)
		if err != nil {
			return err
		}
		defer tbl.Close()

		report, err := tbl.Vacuum(ctx, maintenance.VacuumConfig{
			RetentionHours: flagRetentionHours,
			DryRun:         flagDryRun,
		})
		if err != nil {
			return err
		}
		if report.DryRun {
			fmt.Printf("would delete %d files:\n", len(report.FilesToDelete))
			for _, f := range report.FilesToDelete {
				fmt.Printf("  %s\n", f)
			}
			return nil
		}
		fmt.Printf("deleted %d files, freed %d bytes\n", report.FilesDeleted, report.BytesFreed)
		return nil
	},
}
