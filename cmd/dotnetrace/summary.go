package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/peterbourgon/ff/v3"

	"github.com/dotnetrace/dotnetrace/pkg/dotnetipc"
	"github.com/dotnetrace/dotnetrace/pkg/summary"
)

// SummaryCommand shows per-event totals for a capture file.
func SummaryCommand(args []string) error {
	fs := flag.NewFlagSet("summary", flag.ContinueOnError)
	var (
		inF  = fs.String("in", "", "capture file to summarize")
		csvF = fs.Bool("csv", false, "emit CSV instead of a table")
	)
	if err := ff.Parse(fs, args, ff.WithEnvVarPrefix("DOTNETRACE")); err != nil {
		return err
	}
	if *inF == "" {
		return fmt.Errorf("missing -in")
	}

	inFile, err := os.Open(*inF)
	if err != nil {
		return fmt.Errorf("failed to open input file: %w", err)
	}
	defer inFile.Close()

	byEvent, err := summary.ByEvent(dotnetipc.NewReplayStream(inFile))
	if err != nil {
		return fmt.Errorf("failed to summarize capture: %w", err)
	}
	summaries := summary.Sorted(byEvent)

	var totalCount, totalBytes int64
	for _, es := range summaries {
		totalCount += es.Count
		totalBytes += es.Bytes
	}

	header := []string{"Provider", "Event", "ID", "Count", "Bytes", "%"}
	if *csvF {
		cw := csv.NewWriter(os.Stdout)
		cw.Write(header)
		for _, es := range summaries {
			cw.Write([]string{
				es.Provider,
				es.EventName,
				fmt.Sprintf("%d", es.EventID),
				fmt.Sprintf("%d", es.Count),
				fmt.Sprintf("%d", es.Bytes),
				fmt.Sprintf("%.2f", percent(es.Count, totalCount)),
			})
		}
		cw.Flush()
		return cw.Error()
	}

	var rows [][]string
	for _, es := range summaries {
		rows = append(rows, []string{
			es.Provider,
			es.EventName,
			fmt.Sprintf("%d", es.EventID),
			fmt.Sprintf("%d", es.Count),
			humanBytes(es.Bytes),
			fmt.Sprintf("%.2f%%", percent(es.Count, totalCount)),
		})
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader(header)
	table.AppendBulk(rows)
	table.SetFooter([]string{"Total", "", "", fmt.Sprintf("%d", totalCount), humanBytes(totalBytes), "100.00%"})
	table.Render()
	return nil
}

func percent(part, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}

// humanBytes converts the given byte value to a human readable string.
func humanBytes(bytes int64) string {
	const unit = 1000
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "kMGTPE"[exp])
}
