// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/autobrr/huntarr/internal/models"
	"github.com/autobrr/huntarr/internal/services/engine"
)

type statusResponse struct {
	Instances []engine.InstanceStatus `json:"instances"`
	Invalid   []*models.ConfigError   `json:"invalid"`
}

func RunStatusCommand() *cobra.Command {
	var (
		flags  clientFlags
		output string
	)

	command := &cobra.Command{
		Use:   "status",
		Short: "Show the state of every instance of a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}

			var resp statusResponse
			if err := client.do(cmd.Context(), http.MethodGet, "instances", &resp); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if output != "table" {
				return writeStructured(out, output, resp)
			}
			printStatus(out, resp, time.Now(), isTerminal(out))
			return nil
		},
	}

	flags.register(command)
	command.Flags().StringVarP(&output, "output", "o", "table", "output format: table, json or yaml")
	return command
}

func printStatus(w io.Writer, resp statusResponse, now time.Time, tty bool) {
	headers := []string{"INSTANCE", "PHASE", "STATE", "BUDGET", "CYCLES", "SEARCHED", "LAST CYCLE", "NEXT", "STALLED"}
	aligns := []columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignLeft, alignLeft, alignRight}

	rows := make([][]string, 0, len(resp.Instances))
	for _, st := range resp.Instances {
		state, cycles, searched, last, next := "-", "-", "-", "-", "-"
		if w := st.Worker; w != nil {
			state = string(w.State)
			if st.Paused {
				state += " (paused)"
			}
			cycles = strconv.FormatInt(w.Cycles, 10)
			searched = strconv.FormatInt(w.Totals.Triggered, 10)
			if w.LastCycle != nil {
				last = fmt.Sprintf("%s %s", w.LastCycle.Result, relative(w.LastCycle.FinishedAt, now))
			}
			next = relative(w.NextRunAt, now)
		}
		if next == "-" && !st.NextWindow.IsZero() {
			next = relative(st.NextWindow, now)
		}

		phase := string(st.Phase)
		if st.Error != "" && st.Phase != engine.PhaseRunning {
			phase += ": " + truncate(st.Error, 40)
		}

		stalled := "-"
		if s := st.Stall; s != nil {
			n := 0
			for _, rec := range s.Records {
				if rec.State == models.StallStalled || rec.State == models.StallSuspected {
					n++
				}
			}
			stalled = strconv.Itoa(n)
		}

		rows = append(rows, []string{
			st.Key,
			phase,
			state,
			fmt.Sprintf("%d/%d", st.Budget.Used, st.Budget.Cap),
			cycles,
			searched,
			last,
			next,
			stalled,
		})
	}

	fmt.Fprintln(w, renderTable(headers, rows, aligns, tty))

	for _, inv := range resp.Invalid {
		fmt.Fprintf(w, "rejected %s: %s\n", inv.Instance, strings.Join(inv.Problems, "; "))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
