// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/autobrr/huntarr/internal/buildinfo"
	"github.com/autobrr/huntarr/internal/config"
	"github.com/autobrr/huntarr/internal/database"
	"github.com/autobrr/huntarr/internal/domain"
	"github.com/autobrr/huntarr/internal/models"
	"github.com/autobrr/huntarr/internal/services/engine"
)

// openDatabase opens the database of the configured data dir. It works
// while the server runs; sqlite serializes the writers.
func openDatabase(configDir, dataDir string) (*database.DB, error) {
	cfg, err := config.New(configDir, buildinfo.Version)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.SetDataDir(dataDir)
	}
	return database.New(cfg.GetDatabasePath())
}

func RunHistoryCommand() *cobra.Command {
	var (
		configDir string
		dataDir   string
		instance  string
		outcome   string
		kind      string
		search    string
		limit     int
		output    string
	)

	command := &cobra.Command{
		Use:   "history",
		Short: "List recent hunt history entries",
		Long: `List recent hunt history entries, newest first.

--search matches titles fuzzily: "brkbad" finds "Breaking Bad".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDatabase(configDir, dataDir)
			if err != nil {
				return err
			}
			defer db.Close()

			filter := models.HistoryFilter{
				Outcome: models.HuntOutcome(outcome),
				Kind:    models.HuntKind(kind),
				Query:   search,
			}

			entries, err := models.NewHuntHistoryStore(db).Recent(cmd.Context(), strings.ToLower(instance), filter, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if output != "table" {
				if entries == nil {
					entries = []*models.HuntHistoryEntry{}
				}
				return writeStructured(out, output, entries)
			}
			printHistory(out, entries, time.Now(), isTerminal(out))
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory or file path")
	command.Flags().StringVar(&dataDir, "data-dir", "", "data directory holding huntarr.db")
	command.Flags().StringVarP(&instance, "instance", "i", "", "only this instance, eg sonarr:main")
	command.Flags().StringVar(&outcome, "outcome", "", "triggered, skipped-budget or failed")
	command.Flags().StringVar(&kind, "kind", "", "missing or upgrade")
	command.Flags().StringVarP(&search, "search", "s", "", "fuzzy title filter")
	command.Flags().IntVarP(&limit, "limit", "n", 50, "maximum entries")
	command.Flags().StringVarP(&output, "output", "o", "table", "output format: table, json or yaml")
	return command
}

func printHistory(w io.Writer, entries []*models.HuntHistoryEntry, now time.Time, tty bool) {
	headers := []string{"INSTANCE", "KIND", "TITLE", "OUTCOME", "REASON", "RECORDED"}
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			e.InstanceKey,
			string(e.Kind),
			truncate(e.Title, 60),
			string(e.Outcome),
			e.Reason,
			relative(e.RecordedAt, now),
		})
	}
	fmt.Fprintln(w, renderTable(headers, rows, nil, tty))
}

func RunPruneCommand() *cobra.Command {
	var (
		configDir string
		dataDir   string
		olderThan time.Duration
	)

	command := &cobra.Command{
		Use:   "prune",
		Short: "Delete hunt history and cycles older than the retention",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New(configDir, buildinfo.Version)
			if err != nil {
				return err
			}
			if dataDir != "" {
				cfg.SetDataDir(dataDir)
			}
			conf := cfg.Snapshot()
			retention := olderThan
			if retention <= 0 {
				retention = conf.HistoryRetention
			}
			if retention <= 0 {
				return fmt.Errorf("retention must be positive")
			}
			floor := dedupFloor(conf)
			if retention < floor {
				cmd.Printf("keeping history younger than the %s dedup window\n", floor)
			}

			db, err := database.New(cfg.GetDatabasePath())
			if err != nil {
				return err
			}
			defer db.Close()

			res, err := engine.Prune(cmd.Context(), engine.NewStores(db), retention, floor, time.Now())
			if err != nil {
				return err
			}
			cmd.Printf("pruned %d history entries, %d cycles and %d unused instance keys older than %s\n",
				res.History, res.Cycles, res.Strings, retention)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory or file path")
	command.Flags().StringVar(&dataDir, "data-dir", "", "data directory holding huntarr.db")
	command.Flags().DurationVar(&olderThan, "older-than", 0, "retention, eg 720h (default historyRetention from the config)")
	return command
}

// dedupFloor is the longest dedup window of the configured instances.
// Descriptors that fail validation still count with their window.
func dedupFloor(conf domain.Config) time.Duration {
	instances := make([]*models.Instance, 0, len(conf.Instances))
	for _, ic := range conf.Instances {
		inst, err := models.NewInstance(ic)
		if inst == nil {
			if err == nil || ic.DedupWindow <= 0 {
				continue
			}
			inst = &models.Instance{Hunt: models.HuntSettings{DedupWindow: ic.DedupWindow}}
		}
		instances = append(instances, inst)
	}
	return models.MaxDedupWindow(instances)
}
