package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	gc "github.com/joshsymonds/codesnap/internal/gmail"
	"github.com/joshsymonds/codesnap/internal/scan"
)

type scanCalls struct {
	mu  sync.Mutex
	ids []gc.MessageID
}

func (c *scanCalls) list() []gc.MessageID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]gc.MessageID(nil), c.ids...)
}

func fakeScan(calls *scanCalls) ScanFunc {
	return func(_ context.Context, id gc.MessageID) (scan.ExtractedCode, error) {
		calls.mu.Lock()
		calls.ids = append(calls.ids, id)
		calls.mu.Unlock()
		switch id {
		case "a":
			return scan.ExtractedCode{ID: "a", ServiceName: "Stripe", Code: "445992"}, nil
		case "plain":
			return scan.ExtractedCode{}, scan.ErrNoCode
		case "late":
			return scan.ExtractedCode{}, scan.ErrSessionEnded
		case "revoked":
			return scan.ExtractedCode{}, gc.NewFetchError(401, "authError", errors.New("invalid credentials"))
		default:
			return scan.ExtractedCode{}, errors.New("boom")
		}
	}
}

func TestRequestScanThroughHandler(t *testing.T) {
	calls := &scanCalls{}
	srv := httptest.NewServer(ScanHandler(fakeScan(calls)))
	defer srv.Close()
	addr := strings.TrimPrefix(srv.URL, "http://")
	ctx := context.Background()

	code, err := RequestScan(ctx, srv.Client(), addr, "a")
	if err != nil || code.Code != "445992" || code.ServiceName != "Stripe" {
		t.Fatalf("scan a = %+v, %v", code, err)
	}
	if _, err := RequestScan(ctx, srv.Client(), addr, "plain"); !errors.Is(err, scan.ErrNoCode) {
		t.Fatalf("plain: %v", err)
	}
	if _, err := RequestScan(ctx, srv.Client(), addr, "late"); !errors.Is(err, scan.ErrSessionEnded) {
		t.Fatalf("late: %v", err)
	}
	if _, err := RequestScan(ctx, srv.Client(), addr, "revoked"); !gc.IsCredentialError(err) {
		t.Fatalf("revoked: %v", err)
	}
	_, err = RequestScan(ctx, srv.Client(), addr, "other")
	if err == nil || !strings.Contains(err.Error(), "boom") || errors.Is(err, ErrUnreachable) {
		t.Fatalf("other: %v", err)
	}
	if got := calls.list(); len(got) != 5 || got[0] != "a" {
		t.Fatalf("calls = %v", got)
	}
}

func TestScanHandlerRejects(t *testing.T) {
	calls := &scanCalls{}
	h := ScanHandler(fakeScan(calls))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/scan?id=a", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET status = %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/scan", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing id status = %d", rec.Code)
	}
	if len(calls.list()) != 0 {
		t.Fatalf("rejected requests must not scan")
	}
}

func TestRequestScanUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()
	if _, err := RequestScan(context.Background(), nil, addr, "a"); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
}

func TestRefreshHandler(t *testing.T) {
	triggers := 0
	h := RefreshHandler(func() { triggers++ })

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/refresh", nil))
	if rec.Code != http.StatusAccepted || triggers != 1 {
		t.Fatalf("status=%d triggers=%d", rec.Code, triggers)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/refresh", nil))
	if rec.Code != http.StatusMethodNotAllowed || triggers != 1 {
		t.Fatalf("status=%d triggers=%d", rec.Code, triggers)
	}
}
