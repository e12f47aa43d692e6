// Package feed renders the scan tracker's snapshot for people and tools and
// exposes the watcher's manual scan and refresh over HTTP.
package feed

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joshsymonds/codesnap/internal/scan"
)

const subjectDisplayLimit = 50

// PrintHuman writes the code feed followed by the annotated inbox.
func PrintHuman(snap scan.Snapshot, w io.Writer, now time.Time) error {
	if w == nil {
		w = os.Stdout
	}
	var builder strings.Builder
	fmt.Fprintf(&builder, "codesnap: %d code(s), %d message(s)", len(snap.Codes), len(snap.Inbox))
	if !snap.LastCycle.IsZero() {
		fmt.Fprintf(&builder, ", last scan %s ago", age(now, snap.LastCycle))
	}
	builder.WriteString("\n")
	if snap.LastError != "" {
		fmt.Fprintf(&builder, "last error: %s\n", snap.LastError)
	}
	if len(snap.Codes) > 0 {
		builder.WriteString("\nCodes:\n")
		for _, c := range snap.Codes {
			fmt.Fprintf(&builder, "  %-24s %-10s %s ago\n",
				truncate(c.ServiceName, 24), c.Code, age(now, c.ReceivedAt))
		}
	}
	if len(snap.Inbox) > 0 {
		builder.WriteString("\nInbox:\n")
		for _, e := range snap.Inbox {
			state := string(e.State)
			if e.ID == snap.Analyzing {
				state = string(scan.StateAnalyzing)
			}
			if state == "" {
				state = "-"
			}
			fmt.Fprintf(&builder, "  %-9s %-50s %s\n", state, truncate(e.Subject, subjectDisplayLimit), e.Sender)
		}
	}
	if _, err := io.WriteString(w, builder.String()); err != nil {
		return fmt.Errorf("write feed: %w", err)
	}
	return nil
}

// WriteJSON writes snap to a path relative to the working directory.
func WriteJSON(snap scan.Snapshot, path string) error {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return fmt.Errorf("path must not be empty")
	}
	clean = filepath.Clean(clean)
	if filepath.IsAbs(clean) {
		return fmt.Errorf("output path must be relative, got %s", clean)
	}
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("output path %s escapes working directory", clean)
	}
	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("determine working directory: %w", err)
	}
	abs := filepath.Join(wd, clean)
	tmp := abs + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) // #nosec G304
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		_ = f.Close()
		return fmt.Errorf("encode feed: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, abs); err != nil {
		return fmt.Errorf("replace %s: %w", abs, err)
	}
	return nil
}

// Handler serves the current snapshot as JSON.
func Handler(source func() scan.Snapshot) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(source()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}

func age(now, t time.Time) time.Duration {
	d := now.Sub(t)
	if d < 0 {
		return 0
	}
	return d.Round(time.Second)
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	if limit <= 1 {
		return string(r[:limit])
	}
	return string(r[:limit-1]) + "…"
}
