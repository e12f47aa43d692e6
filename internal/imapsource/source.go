// Package imapsource reads the inbox over IMAP, authenticating with the
// same OAuth access token the REST adapter uses.
package imapsource

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"

	gc "github.com/joshsymonds/codesnap/internal/gmail"
	"github.com/joshsymonds/codesnap/internal/rate"
)

const (
	DefaultAddr       = "imap.gmail.com:993"
	defaultMaxResults = 15
)

// Source implements gmail.Source over IMAP. Message ids have the form
// "<uidvalidity>:<uid>".
type Source struct {
	Addr       string
	Username   string
	MaxResults int
	Limiter    rate.Limiter
	Logger     *slog.Logger
	Dial       func(addr string) (*imapclient.Client, error)
	// Auth authenticates a fresh connection; nil uses OAUTHBEARER.
	Auth func(c *imapclient.Client, username, token string) error
}

func New(addr, username string, maxResults int, limiter rate.Limiter, logger *slog.Logger) *Source {
	if addr == "" {
		addr = DefaultAddr
	}
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}
	if limiter == nil {
		limiter = rate.Unlimited{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{Addr: addr, Username: username, MaxResults: maxResults, Limiter: limiter, Logger: logger}
}

var bodySection = &imap.FetchItemBodySection{Peek: true}

func fetchOptions() *imap.FetchOptions {
	return &imap.FetchOptions{
		UID:          true,
		Envelope:     true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{bodySection},
	}
}

// Fetch returns the newest MaxResults messages of INBOX, newest first.
func (s *Source) Fetch(ctx context.Context, token string) ([]gc.InboxMessage, error) {
	c, stop, err := s.open(ctx, token)
	if err != nil {
		return nil, err
	}
	defer stop()

	sel, err := c.Select("INBOX", &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return nil, mapError(fmt.Errorf("select INBOX: %w", err))
	}
	if sel.NumMessages == 0 {
		return nil, nil
	}
	from := uint32(1)
	if sel.NumMessages > uint32(s.MaxResults) {
		from = sel.NumMessages - uint32(s.MaxResults) + 1
	}
	var set imap.SeqSet
	set.AddRange(from, sel.NumMessages)

	bufs, err := c.Fetch(set, fetchOptions()).Collect()
	if err != nil {
		return nil, mapError(fmt.Errorf("fetch messages: %w", err))
	}
	out := make([]gc.InboxMessage, 0, len(bufs))
	for _, buf := range bufs {
		out = append(out, toInboxMessage(sel.UIDValidity, buf))
	}
	sortNewestFirst(out)
	return out, nil
}

// Get fetches one message by id.
func (s *Source) Get(ctx context.Context, token string, id gc.MessageID) (gc.InboxMessage, error) {
	validity, uid, err := ParseID(id)
	if err != nil {
		return gc.InboxMessage{}, gc.NewTransientError("badRequest", err)
	}
	c, stop, err := s.open(ctx, token)
	if err != nil {
		return gc.InboxMessage{}, err
	}
	defer stop()

	sel, err := c.Select("INBOX", &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return gc.InboxMessage{}, mapError(fmt.Errorf("select INBOX: %w", err))
	}
	if sel.UIDValidity != validity {
		return gc.InboxMessage{}, gc.NewTransientError("notFound", fmt.Errorf("message %s is from an older mailbox", id))
	}
	bufs, err := c.Fetch(imap.UIDSetNum(uid), fetchOptions()).Collect()
	if err != nil {
		return gc.InboxMessage{}, mapError(fmt.Errorf("fetch message %s: %w", id, err))
	}
	if len(bufs) == 0 {
		return gc.InboxMessage{}, gc.NewTransientError("notFound", fmt.Errorf("message %s not found", id))
	}
	return toInboxMessage(sel.UIDValidity, bufs[0]), nil
}

// open dials and authenticates. The returned stop func logs out; the
// connection is also closed if ctx ends first.
func (s *Source) open(ctx context.Context, token string) (*imapclient.Client, func(), error) {
	if err := s.Limiter.Wait(ctx); err != nil {
		return nil, nil, gc.NewTransientError("", err)
	}
	dial := s.Dial
	if dial == nil {
		dial = func(addr string) (*imapclient.Client, error) { return imapclient.DialTLS(addr, nil) }
	}
	c, err := dial(s.Addr)
	if err != nil {
		return nil, nil, gc.NewTransientError("", fmt.Errorf("dial %s: %w", s.Addr, err))
	}
	release := context.AfterFunc(ctx, func() { _ = c.Close() })

	authenticate := s.Auth
	if authenticate == nil {
		authenticate = s.oauthBearer
	}
	if err := authenticate(c, s.Username, token); err != nil {
		release()
		_ = c.Close()
		return nil, nil, mapAuthError(err)
	}
	stop := func() {
		release()
		if err := c.Logout().Wait(); err != nil {
			s.Logger.Debug("imap logout", "error", err)
		}
		_ = c.Close()
	}
	return c, stop, nil
}

func (s *Source) oauthBearer(c *imapclient.Client, username, token string) error {
	host, port := splitAddr(s.Addr)
	return c.Authenticate(sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
		Username: username,
		Token:    token,
		Host:     host,
		Port:     port,
	}))
}

// FormatID builds a message id from a mailbox UIDVALIDITY and a UID.
func FormatID(validity uint32, uid imap.UID) gc.MessageID {
	return gc.MessageID(fmt.Sprintf("%d:%d", validity, uid))
}

// ParseID splits an id built by FormatID.
func ParseID(id gc.MessageID) (uint32, imap.UID, error) {
	left, right, ok := strings.Cut(string(id), ":")
	if !ok {
		return 0, 0, fmt.Errorf("malformed imap id %q", id)
	}
	validity, err := strconv.ParseUint(left, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed imap id %q: %w", id, err)
	}
	uid, err := strconv.ParseUint(right, 10, 32)
	if err != nil || uid == 0 {
		return 0, 0, fmt.Errorf("malformed imap id %q", id)
	}
	return uint32(validity), imap.UID(uid), nil
}

func toInboxMessage(validity uint32, buf *imapclient.FetchMessageBuffer) gc.InboxMessage {
	msg := gc.InboxMessage{
		ID:         FormatID(validity, buf.UID),
		Subject:    "(No Subject)",
		Sender:     "Unknown",
		ReceivedAt: buf.InternalDate,
	}
	if env := buf.Envelope; env != nil {
		if strings.TrimSpace(env.Subject) != "" {
			msg.Subject = env.Subject
		}
		if len(env.From) > 0 {
			from := env.From[0]
			if from.Name != "" {
				msg.Sender = fmt.Sprintf("%s <%s>", from.Name, from.Addr())
			} else {
				msg.Sender = from.Addr()
			}
		}
		if msg.ReceivedAt.IsZero() {
			msg.ReceivedAt = env.Date
		}
	}
	if raw := buf.FindBodySection(bodySection); raw != nil {
		msg.Body = ParseBody(raw)
	}
	msg.Snippet = snippet(msg.Body)
	return msg
}

// ParseBody extracts readable text from a raw RFC 5322 message: the
// text/plain part when present, otherwise the cleaned text/html part.
func ParseBody(raw []byte) string {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return strings.TrimSpace(string(raw))
	}
	defer mr.Close()

	var text, html string
	for {
		part, err := mr.NextPart()
		if err != nil {
			break
		}
		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		body, readErr := io.ReadAll(part.Body)
		if readErr != nil {
			continue
		}
		switch {
		case strings.HasPrefix(contentType, "text/plain") && text == "":
			text = string(body)
		case strings.HasPrefix(contentType, "text/html") && html == "":
			html = string(body)
		}
	}
	if strings.TrimSpace(text) != "" {
		return strings.TrimSpace(text)
	}
	return gc.CleanHTML(html)
}

func snippet(body string) string {
	flat := strings.Join(strings.Fields(body), " ")
	r := []rune(flat)
	if len(r) > 200 {
		return string(r[:200])
	}
	return flat
}

func sortNewestFirst(msgs []gc.InboxMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].ReceivedAt.After(msgs[j].ReceivedAt)
	})
}

func splitAddr(addr string) (string, int) {
	host, portStr, ok := strings.Cut(addr, ":")
	if !ok {
		return addr, 993
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 993
	}
	return host, port
}

func mapAuthError(err error) error {
	var imapErr *imap.Error
	if errors.As(err, &imapErr) && imapErr.Type == imap.StatusResponseTypeNo {
		return gc.NewFetchError(401, string(imapErr.Code), fmt.Errorf("imap authenticate: %w", err))
	}
	return gc.NewTransientError("", fmt.Errorf("imap authenticate: %w", err))
}

func mapError(err error) error {
	var imapErr *imap.Error
	if errors.As(err, &imapErr) && imapErr.Code == imap.ResponseCodeAuthorizationFailed {
		return gc.NewFetchError(403, string(imapErr.Code), err)
	}
	return gc.NewTransientError("", err)
}
