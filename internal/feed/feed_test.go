package feed

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/joshsymonds/codesnap/internal/gmail"
	"github.com/joshsymonds/codesnap/internal/scan"
)

var now = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

func sampleSnapshot() scan.Snapshot {
	return scan.Snapshot{
		Inbox: []scan.Entry{
			{ID: "a", Subject: "Your Stripe verification code", Sender: "auth@stripe.com", State: scan.StateFound},
			{ID: "b", Subject: "Weekly digest", Sender: "news@example.com", State: scan.StateSkipped},
			{ID: "c", Subject: "GitHub sign-in", Sender: "noreply@github.com"},
		},
		Codes: []scan.ExtractedCode{
			{ID: "a", ServiceName: "Stripe", Code: "445992", ReceivedAt: now.Add(-90 * time.Second)},
		},
		Analyzing: gmail.MessageID("c"),
		LastCycle: now.Add(-5 * time.Second),
	}
}

func TestPrintHuman(t *testing.T) {
	var buf bytes.Buffer
	if err := PrintHuman(sampleSnapshot(), &buf, now); err != nil {
		t.Fatalf("print: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"codesnap: 1 code(s), 3 message(s), last scan 5s ago",
		"Stripe",
		"445992",
		"1m30s ago",
		"found",
		"skipped",
		"analyzing",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestWriteJSONRejectsUnsafePaths(t *testing.T) {
	for _, p := range []string{"", "/tmp/feed.json", "../feed.json"} {
		if err := WriteJSON(sampleSnapshot(), p); err == nil {
			t.Fatalf("expected %q to be rejected", p)
		}
	}
}

func TestWriteJSON(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	if err := WriteJSON(sampleSnapshot(), "feed.json"); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "feed.json"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got scan.Snapshot
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Codes) != 1 || got.Codes[0].Code != "445992" {
		t.Fatalf("unexpected codes %+v", got.Codes)
	}
}

func TestHandler(t *testing.T) {
	h := Handler(sampleSnapshot)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/feed", nil))
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("status=%d type=%q", rec.Code, rec.Header().Get("Content-Type"))
	}
	if !strings.Contains(rec.Body.String(), `"code":"445992"`) {
		t.Fatalf("body %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/feed", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d", rec.Code)
	}
}
