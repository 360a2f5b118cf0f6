// /internal/launcher/report.go
package launcher

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"hrs-launcher/internal/util"
)

// SaveReport persists r so it survives a launcher restart.
func SaveReport(path string, r DiagnosticsReport) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return util.WriteFileAtomic(path, data, 0o644)
}

// LoadReport reads a report written by SaveReport.
func LoadReport(path string) (DiagnosticsReport, error) {
	var r DiagnosticsReport
	data, err := os.ReadFile(path)
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("parse %s: %w", path, err)
	}
	return r, nil
}

// Summary renders the report for terminals and log files.
func (r DiagnosticsReport) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Launch %s of version %s\n", r.AttemptID, r.VersionID)
	fmt.Fprintf(&b, "Outcome: %s", r.Outcome)
	switch {
	case r.Signal != "":
		fmt.Fprintf(&b, " (signal %s)", r.Signal)
	case r.Outcome == OutcomeExitedWithError:
		fmt.Fprintf(&b, " (exit code %d)", r.ExitCode)
	}
	if r.Terminated {
		b.WriteString(", stopped by launcher")
	}
	fmt.Fprintf(&b, "\nRan for %s\n", r.EndedAt.Sub(r.StartedAt).Round(time.Millisecond))
	for _, f := range r.CrashFiles {
		fmt.Fprintf(&b, "Crash file: %s\n", f)
	}
	if len(r.Output) > 0 {
		fmt.Fprintf(&b, "--- last %d lines", len(r.Output))
		if r.Dropped > 0 {
			fmt.Fprintf(&b, " (%d earlier lines dropped)", r.Dropped)
		}
		b.WriteString(" ---\n")
		for _, l := range r.Output {
			fmt.Fprintf(&b, "[%s] %s\n", l.Stream, l.Text)
		}
	}
	return b.String()
}
