package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	gc "github.com/joshsymonds/codesnap/internal/gmail"
	"github.com/joshsymonds/codesnap/internal/scan"
)

// ErrUnreachable means no watcher answered at the given address.
var ErrUnreachable = errors.New("watcher unreachable")

// ScanFunc scans one message in the running watcher.
type ScanFunc func(ctx context.Context, id gc.MessageID) (scan.ExtractedCode, error)

type errorBody struct {
	Error string `json:"error"`
}

// ScanHandler serves POST /scan?id=<message id>. A found code is returned
// as JSON; no code is 404 and a missing session is 409.
func ScanHandler(fn ScanFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		id := strings.TrimSpace(r.URL.Query().Get("id"))
		if id == "" {
			writeError(w, http.StatusBadRequest, "id is required")
			return
		}
		code, err := fn(r.Context(), gc.MessageID(id))
		switch {
		case err == nil:
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(code)
		case errors.Is(err, scan.ErrNoCode):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, scan.ErrSessionEnded):
			writeError(w, http.StatusConflict, err.Error())
		case gc.IsCredentialError(err):
			writeError(w, http.StatusUnauthorized, err.Error())
		default:
			writeError(w, http.StatusBadGateway, err.Error())
		}
	})
}

// RefreshHandler serves POST /refresh by requesting a cycle now.
func RefreshHandler(trigger func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		trigger()
		w.WriteHeader(http.StatusAccepted)
	})
}

// RequestScan asks the watcher at addr (host:port) to scan id. It returns
// ErrUnreachable when nothing answers, and scan.ErrNoCode or
// scan.ErrSessionEnded for the matching responses.
func RequestScan(ctx context.Context, client *http.Client, addr string, id gc.MessageID) (scan.ExtractedCode, error) {
	if client == nil {
		client = http.DefaultClient
	}
	u := url.URL{Scheme: "http", Host: addr, Path: "/scan", RawQuery: url.Values{"id": {string(id)}}.Encode()}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return scan.ExtractedCode{}, fmt.Errorf("build scan request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return scan.ExtractedCode{}, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		var code scan.ExtractedCode
		if err := json.NewDecoder(resp.Body).Decode(&code); err != nil {
			return scan.ExtractedCode{}, fmt.Errorf("decode scan response: %w", err)
		}
		return code, nil
	}
	var body errorBody
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(raw, &body) != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(raw))
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		return scan.ExtractedCode{}, scan.ErrNoCode
	case http.StatusConflict:
		return scan.ExtractedCode{}, scan.ErrSessionEnded
	case http.StatusUnauthorized:
		return scan.ExtractedCode{}, gc.NewFetchError(http.StatusUnauthorized, "", errors.New(body.Error))
	default:
		return scan.ExtractedCode{}, fmt.Errorf("watcher scan: status %d: %s", resp.StatusCode, body.Error)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: msg})
}
