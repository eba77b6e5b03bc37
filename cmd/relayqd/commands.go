package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"relay-queue-backend/internal/db"
	"relay-queue-backend/internal/model"
	"relay-queue-backend/internal/queue"
)

func newMigrateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the command partitions and subscription tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := db.Init(&a.cfg.Database, a.log); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func newSweepCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Reclaim timed-out claims once and print what happened",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			results, sweepErr := svc.SweepAll(ctx)

			tw := table.NewWriter()
			tw.SetOutputMirror(cmd.OutOrStdout())
			tw.AppendHeader(table.Row{"Partition", "Requeued", "Exhausted"})
			for _, p := range model.Partitions {
				res, ok := results[p]
				if !ok {
					tw.AppendRow(table.Row{p, "-", "-"})
					continue
				}
				tw.AppendRow(table.Row{p, len(res.Requeued), len(res.Exhausted)})
			}
			tw.Render()
			return sweepErr
		},
	}
}

type acksOptions struct {
	partition       string
	device          string
	target          string
	statuses        []string
	includeInFlight bool
	limit           int
	json            bool
}

func newAcksCommand(a *app) *cobra.Command {
	opts := &acksOptions{}
	cmd := &cobra.Command{
		Use:   "acks",
		Short: "Print the acknowledgement feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := model.ParsePartition(opts.partition)
			if err != nil {
				return err
			}
			svc, err := a.service()
			if err != nil {
				return err
			}

			statuses := make([]model.Status, 0, len(opts.statuses))
			for _, s := range opts.statuses {
				statuses = append(statuses, model.Status(strings.ToLower(s)))
			}
			acks, err := svc.History(cmd.Context(), p, queue.HistoryRequest{
				OriginDeviceID:  opts.device,
				TargetDeviceID:  opts.target,
				Statuses:        statuses,
				IncludeInFlight: opts.includeInFlight,
				Limit:           opts.limit,
			})
			if err != nil {
				return err
			}

			if opts.json {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(acks)
			}
			renderAcks(acks)
			return nil
		},
	}
	cmd.Flags().StringVarP(&opts.partition, "partition", "p", string(model.PartitionSlave), "partition (master|slave)")
	cmd.Flags().StringVar(&opts.device, "device", "", "origin device id")
	cmd.Flags().StringVar(&opts.target, "target", "", "target device id")
	cmd.Flags().StringSliceVar(&opts.statuses, "status", nil, "status filter (repeatable)")
	cmd.Flags().BoolVar(&opts.includeInFlight, "in-flight", false, "include commands that are still being retried")
	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 20, "maximum rows")
	cmd.Flags().BoolVar(&opts.json, "json", false, "print JSON instead of a table")
	return cmd
}

func renderAcks(acks []queue.AckRecord) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Command", "Target", "Relays", "Status", "Attempts", "Updated", "Error"})
	for _, a := range acks {
		relays := make([]string, len(a.Targets))
		for i, idx := range a.Targets {
			action := ""
			if i < len(a.Actions) {
				action = a.Actions[i]
			}
			relays[i] = fmt.Sprintf("%d:%s", idx, action)
		}
		tw.AppendRow(table.Row{
			a.CommandID,
			a.TargetDeviceID,
			strings.Join(relays, " "),
			a.Status,
			a.Attempts,
			a.UpdatedAt.Format(time.RFC3339),
			a.ErrorMessage,
		})
	}
	tw.AppendFooter(table.Row{"", "", "", "", "", "Total", len(acks)})
	tw.Render()
}
