package cli

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/taskmgr818/phpscan/internal/model"
	"github.com/taskmgr818/phpscan/internal/runner"
)

// WriteReport prints findings grouped by file, then internal errors, then a summary line.
func WriteReport(out io.Writer, sum *runner.Summary) error {
	w := bufio.NewWriter(out)
	report := sum.Report

	var current string
	for _, d := range report.FileErrors() {
		if d.File != current {
			if current != "" {
				fmt.Fprintln(w)
			}
			current = d.File
			fmt.Fprintf(w, " %s\n", d.File)
			fmt.Fprintf(w, " %s\n", strings.Repeat("-", len(d.File)))
		}
		fmt.Fprintf(w, "  %6s  %s\n", lineOf(d), d.Message)
	}
	if current != "" {
		fmt.Fprintln(w)
	}

	if failures := report.NotFileSpecificErrors(); len(failures) > 0 {
		fmt.Fprintf(w, " Internal errors (%d):\n", report.InternalErrorsCount)
		for _, d := range failures {
			lines := strings.Split(strings.TrimRight(d.Message, "\n"), "\n")
			fmt.Fprintf(w, "  - %s\n", lines[0])
			for _, l := range lines[1:] {
				fmt.Fprintf(w, "    %s\n", l)
			}
		}
		fmt.Fprintln(w)
	}

	findings := len(report.FileErrors())
	switch {
	case findings == 0 && report.InternalErrorsCount == 0:
		fmt.Fprintln(w, " [OK] No errors")
	case findings > 0:
		fmt.Fprintf(w, " [ERROR] Found %s %s\n", humanize.Comma(int64(findings)), plural(findings, "error", "errors"))
	}

	fmt.Fprintf(w, " Analysed %s %s (%s", humanize.Comma(int64(report.FilesCount)),
		plural(report.FilesCount, "file", "files"), humanize.Bytes(sum.Bytes))
	if sum.Cached > 0 {
		fmt.Fprintf(w, ", %s from cache", humanize.Comma(int64(sum.Cached)))
	}
	fmt.Fprintf(w, ") in %s\n", sum.Elapsed.Round(time.Millisecond))

	return w.Flush()
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func lineOf(d model.Diagnostic) string {
	if d.Line == nil {
		return "-"
	}
	return strconv.Itoa(*d.Line)
}
