// internal/runtime/googleapi.go adapts the Gmail REST API to gmail.Source
package runtime

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	gc "github.com/joshsymonds/codesnap/internal/gmail"
	"github.com/joshsymonds/codesnap/internal/rate"
)

const (
	user              = "me"
	defaultMaxResults = 15
)

// GmailSource lists the inbox through the Gmail API with a bearer token.
type GmailSource struct {
	MaxResults int
	Limiter    rate.Limiter
	// Endpoint and Transport are overridable for tests.
	Endpoint  string
	Transport http.RoundTripper
}

func NewGmailSource(maxResults int, limiter rate.Limiter) *GmailSource {
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}
	return &GmailSource{MaxResults: maxResults, Limiter: limiter}
}

func (g *GmailSource) service(ctx context.Context, token string) (*gmail.Service, error) {
	base := g.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
	opts := []option.ClientOption{
		option.WithHTTPClient(&http.Client{Transport: &oauth2.Transport{Source: ts, Base: base}}),
	}
	if g.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(g.Endpoint))
	}
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return svc, nil
}

func (g *GmailSource) wait(ctx context.Context) error {
	if g.Limiter == nil {
		return nil
	}
	if err := g.Limiter.Wait(ctx); err != nil {
		return &gc.FetchError{Kind: gc.KindTransient, Err: err}
	}
	return nil
}

// Fetch returns the newest inbox messages. A message whose detail call
// fails is skipped unless the failure invalidates the credential.
func (g *GmailSource) Fetch(ctx context.Context, token string) ([]gc.InboxMessage, error) {
	svc, err := g.service(ctx, token)
	if err != nil {
		return nil, &gc.FetchError{Kind: gc.KindUnknown, Err: err}
	}
	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	res, err := svc.Users.Messages.List(user).LabelIds("INBOX").MaxResults(int64(g.MaxResults)).Context(ctx).Do()
	if err != nil {
		return nil, mapError(err)
	}
	out := make([]gc.InboxMessage, 0, len(res.Messages))
	for _, m := range res.Messages {
		if err := g.wait(ctx); err != nil {
			return nil, err
		}
		full, err := svc.Users.Messages.Get(user, m.Id).Format("full").Context(ctx).Do()
		if err != nil {
			mapped := mapError(err)
			if gc.IsCredentialError(mapped) {
				return nil, mapped
			}
			continue
		}
		out = append(out, toInboxMessage(full))
	}
	return out, nil
}

func (g *GmailSource) Get(ctx context.Context, token string, id gc.MessageID) (gc.InboxMessage, error) {
	svc, err := g.service(ctx, token)
	if err != nil {
		return gc.InboxMessage{}, &gc.FetchError{Kind: gc.KindUnknown, Err: err}
	}
	if err := g.wait(ctx); err != nil {
		return gc.InboxMessage{}, err
	}
	full, err := svc.Users.Messages.Get(user, string(id)).Format("full").Context(ctx).Do()
	if err != nil {
		return gc.InboxMessage{}, mapError(err)
	}
	return toInboxMessage(full), nil
}

func mapError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		reason := ""
		if len(apiErr.Errors) > 0 {
			reason = apiErr.Errors[0].Reason
		}
		return gc.NewFetchError(apiErr.Code, reason, err)
	}
	return &gc.FetchError{Kind: gc.KindTransient, Err: err}
}

func toInboxMessage(msg *gmail.Message) gc.InboxMessage {
	out := gc.InboxMessage{
		ID:         gc.MessageID(msg.Id),
		ThreadID:   msg.ThreadId,
		Snippet:    msg.Snippet,
		Subject:    "(No Subject)",
		Sender:     "Unknown",
		ReceivedAt: time.UnixMilli(msg.InternalDate),
	}
	if msg.Payload == nil {
		out.Body = msg.Snippet
		return out
	}
	for _, h := range msg.Payload.Headers {
		switch h.Name {
		case "Subject":
			if h.Value != "" {
				out.Subject = h.Value
			}
		case "From":
			if h.Value != "" {
				out.Sender = h.Value
			}
		}
	}
	out.Body = extractBody(msg.Payload)
	if strings.TrimSpace(out.Body) == "" {
		out.Body = msg.Snippet
	}
	return out
}

// extractBody prefers text/plain, then cleaned text/html, then the
// concatenation of nested parts, then the part's own body.
func extractBody(part *gmail.MessagePart) string {
	if part == nil {
		return ""
	}
	if part.MimeType == "text/plain" && part.Body != nil && part.Body.Data != "" {
		return decodeBase64(part.Body.Data)
	}
	if len(part.Parts) > 0 {
		for _, p := range part.Parts {
			if p.MimeType == "text/plain" {
				return extractBody(p)
			}
		}
		for _, p := range part.Parts {
			if p.MimeType == "text/html" {
				return gc.CleanHTML(extractBody(p))
			}
		}
		chunks := make([]string, 0, len(part.Parts))
		for _, p := range part.Parts {
			chunks = append(chunks, extractBody(p))
		}
		return strings.Join(chunks, "\n")
	}
	if part.Body != nil && part.Body.Data != "" {
		content := decodeBase64(part.Body.Data)
		if part.MimeType == "text/html" {
			return gc.CleanHTML(content)
		}
		return content
	}
	return ""
}

func decodeBase64(data string) string {
	if b, err := base64.URLEncoding.DecodeString(data); err == nil {
		return string(b)
	}
	if b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "=")); err == nil {
		return string(b)
	}
	return ""
}
