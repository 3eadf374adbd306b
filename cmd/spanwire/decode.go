// Offline decoding of sink files: record dumps, summary stats, and Chrome
// Trace Event conversion for timeline viewers.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/andrewh/spanwire/pkg/wire"
)

func decodeCmd() *cobra.Command {
	var (
		chromeOut string
		statsOnly bool
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "decode <trace-file>",
		Short: "Decode a sink file into a readable record dump",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("opening trace: %w", err)
			}
			defer f.Close()

			dec := wire.NewDecoder(f)
			var records []*wire.Record
			damaged := 0
			for {
				rec, err := dec.Next()
				if err == io.EOF {
					break
				}
				if errors.Is(err, wire.ErrBadFrame) {
					// The frame is consumed; keep reading past the damage.
					damaged++
					continue
				}
				if err != nil {
					return fmt.Errorf("decoding trace: %w", err)
				}
				records = append(records, rec)
			}
			if damaged > 0 {
				cmd.PrintErrf("skipped %d malformed frames\n", damaged)
			}

			if chromeOut != "" {
				return writeChrome(chromeOut, records)
			}
			if statsOnly {
				printStats(cmd, records, dec.Skipped)
				return nil
			}
			printDump(cmd, records, limit)
			return nil
		},
	}

	cmd.Flags().StringVar(&chromeOut, "chrome", "", "write Chrome Trace Event JSON to this file")
	cmd.Flags().BoolVar(&statsOnly, "stats", false, "print per-kind counts only")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum records to dump (0 = all)")

	return cmd
}

func writeChrome(path string, records []*wire.Record) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating output: %w", err)
	}
	defer f.Close()
	if err := wire.WriteTimeline(f, wire.Timeline(records)); err != nil {
		return fmt.Errorf("writing timeline: %w", err)
	}
	return nil
}

func printStats(cmd *cobra.Command, records []*wire.Record, skipped int) {
	counts := make(map[wire.Kind]int)
	var dropped, discarded uint64
	for _, rec := range records {
		counts[rec.Kind]++
		if rec.Kind == wire.KindSync {
			dropped, discarded = rec.Dropped, rec.Discarded
		}
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(cmd.OutOrStdout())
	tw.AppendHeader(table.Row{"Kind", "Count"})
	for _, kind := range []wire.Kind{
		wire.KindStreamStart, wire.KindSync, wire.KindSpanOpen,
		wire.KindSpanEnter, wire.KindSpanExit, wire.KindSpanClose, wire.KindLogEvent,
	} {
		if counts[kind] > 0 {
			tw.AppendRow(table.Row{kind.String(), counts[kind]})
		}
	}
	tw.Render()

	if dropped > 0 || discarded > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "last sync: %d dropped, %d discarded\n", dropped, discarded)
	}
	if skipped > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "%d unknown records skipped\n", skipped)
	}
}

func printDump(cmd *cobra.Command, records []*wire.Record, limit int) {
	tw := table.NewWriter()
	tw.SetOutputMirror(cmd.OutOrStdout())
	tw.AppendHeader(table.Row{"Seq", "Kind", "Time", "TID", "Span", "Parent", "Depth", "Duration", "Name", "Flags"})

	shown := len(records)
	if limit > 0 && shown > limit {
		shown = limit
	}
	for _, rec := range records[:shown] {
		tw.AppendRow(table.Row{
			rec.Seq, rec.Kind.String(), rec.Time, rec.TID, rec.SpanID,
			rec.ParentID, rec.Depth, rec.Duration, rec.Name, flagString(rec.Flags),
		})
	}
	tw.Render()
	if rest := len(records) - shown; rest > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "... %d more records\n", rest)
	}
}

func flagString(f wire.Flags) string {
	out := ""
	if f&wire.FlagImplicit != 0 {
		out += "I"
	}
	if f&wire.FlagUnmatched != 0 {
		out += "U"
	}
	if f&wire.FlagTruncated != 0 {
		out += "T"
	}
	return out
}
