package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

func newCatCmd() *cobra.Command {
	var showProgress bool

	cmd := &cobra.Command{
		Use:   "cat <entry index>",
		Short: "Dump an MFT entry's unnamed $DATA attribute to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid entry index %q: %w", args[0], err)
			}

			ctx := cmd.Context()
			f, closer, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer closer()

			record, err := f.GetMFTEntryByIndexUncached(ctx, index)
			if err != nil {
				return err
			}
			data, ok := record.UnnamedData()
			if !ok {
				return fmt.Errorf("entry %d has no unnamed $DATA attribute", index)
			}

			var dst io.Writer = os.Stdout
			if showProgress {
				dst = newProgressWriter(os.Stderr, int64(data.ActualSize))
			}

			n, err := f.ReadFileData(ctx, dst, index)
			if err != nil {
				return fmt.Errorf("copying entry %d data: %w", index, err)
			}
			if showProgress {
				fmt.Fprintln(os.Stderr)
			}
			if n != int64(data.ActualSize) {
				return fmt.Errorf("expected to copy %d bytes, copied %d", data.ActualSize, n)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&showProgress, "progress", "p", false, "show a progress bar on stderr while copying")
	return cmd
}

// progressWriter wraps an io.Writer and renders a bar on report to a side channel as bytes flow through it.
type progressWriter struct {
	dst        io.Writer
	report     io.Writer
	total      int64
	written    int64
	onePercent float64
}

func newProgressWriter(report io.Writer, total int64) *progressWriter {
	onePercent := float64(total) / 100.0
	if onePercent == 0 {
		onePercent = 1
	}
	return &progressWriter{dst: os.Stdout, report: report, total: total, onePercent: onePercent}
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.dst.Write(b)
	p.written += int64(n)
	printProgress(p.report, p.written, formatBytes(p.total), p.onePercent)
	return n, err
}

func printProgress(w io.Writer, n int64, totalSize string, onePercent float64) {
	percentage := float64(n) / onePercent
	barCount := int(percentage / 2.0)
	spaceCount := 50 - barCount
	if spaceCount < 0 {
		spaceCount = 0
	}
	fmt.Fprintf(w, "\r[%s%s] %.2f%% (%s / %s)     ", strings.Repeat("|", barCount), strings.Repeat(" ", spaceCount), percentage, formatBytes(n), totalSize)
}

func formatBytes(b int64) string {
	if b < 1024 {
		return fmt.Sprintf("%dB", b)
	}
	if b < 1048576 {
		return fmt.Sprintf("%.2fKiB", float32(b)/float32(1024))
	}
	if b < 1073741824 {
		return fmt.Sprintf("%.2fMiB", float32(b)/float32(1048576))
	}
	return fmt.Sprintf("%.2fGiB", float32(b)/float32(1073741824))
}
