// Package scan runs the fetch, filter, classify and record pipeline over
// an inbox snapshot.
package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/joshsymonds/codesnap/internal/classifier"
	gc "github.com/joshsymonds/codesnap/internal/gmail"
	"github.com/joshsymonds/codesnap/internal/metrics"
	"github.com/joshsymonds/codesnap/internal/notify"
)

var (
	// ErrNoCode is returned by a manual scan that found nothing.
	ErrNoCode = errors.New("no code found")
	// ErrSessionEnded stops a cycle whose token is no longer the active one.
	ErrSessionEnded = errors.New("session ended")
)

const (
	unknownService = "Unknown"
	previewRunes   = 140
)

// Candidates decides which messages go to the classifier.
type Candidates interface {
	IsCandidate(msg gc.InboxMessage, now time.Time) bool
}

// Notifier delivers an alert for a newly found code.
type Notifier interface {
	Deliver(ctx context.Context, title, body string, onActivate func()) notify.Result
}

// CycleReport summarises one pipeline cycle.
type CycleReport struct {
	ID       string
	Fetched  int
	New      int
	Skipped  int
	Analyzed int
	Found    int
	Notified int
}

type Service struct {
	Source     gc.Source
	Classifier classifier.Classifier
	Filter     Candidates
	Notifier   Notifier
	Tracker    *Tracker
	Logger     *slog.Logger
	Clock      func() time.Time
	// Authorized gates every state write and notification; nil allows all.
	Authorized func(token string) bool
	// Copy is the activation action for a delivered code.
	Copy func(code string) error

	cycleMu sync.Mutex
}

func NewService(src gc.Source, cls classifier.Classifier, filter Candidates, notifier Notifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		Source:     src,
		Classifier: cls,
		Filter:     filter,
		Notifier:   notifier,
		Tracker:    NewTracker(),
		Logger:     logger,
		Clock:      time.Now,
		Copy:       notify.CopyToClipboard,
	}
}

// RunCycle fetches the inbox with token and processes every message not
// seen before, one at a time. Cycles never overlap; a second caller waits.
func (s *Service) RunCycle(ctx context.Context, token string) (CycleReport, error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	rep := CycleReport{ID: uuid.NewString()}
	log := s.Logger.With("cycle_id", rep.ID)

	snapshot, err := s.Source.Fetch(ctx, token)
	if err != nil {
		if s.authorized(token) {
			s.Tracker.SetError(err, s.now())
		}
		metrics.RecordCycle("fetch_error")
		return rep, fmt.Errorf("fetch inbox: %w", err)
	}
	rep.Fetched = len(snapshot)
	if !s.authorized(token) {
		metrics.RecordCycle("session_ended")
		return rep, ErrSessionEnded
	}
	s.Tracker.SetInbox(snapshot, s.now())

	fresh := s.Tracker.Claim(snapshot)
	rep.New = len(fresh)
	if len(fresh) == 0 {
		metrics.RecordCycle("ok")
		log.Debug("no new messages", "fetched", rep.Fetched)
		return rep, nil
	}

	for i, msg := range fresh {
		if err := s.process(ctx, log, token, msg, &rep); err != nil {
			// Unfinished claims go back so the next authorized cycle sees them.
			s.Tracker.Release(gc.IDs(fresh[i:]))
			metrics.RecordCycle("session_ended")
			log.Info("cycle abandoned", "message_id", msg.ID, "released", len(fresh)-i, "error", err)
			return rep, err
		}
	}
	metrics.RecordCycle("ok")
	log.Info("cycle complete",
		"fetched", rep.Fetched, "new", rep.New, "skipped", rep.Skipped,
		"analyzed", rep.Analyzed, "found", rep.Found, "notified", rep.Notified)
	return rep, nil
}

func (s *Service) process(ctx context.Context, log *slog.Logger, token string, msg gc.InboxMessage, rep *CycleReport) error {
	if s.Filter != nil && !s.Filter.IsCandidate(msg, s.now()) {
		if !s.authorized(token) {
			return ErrSessionEnded
		}
		s.Tracker.SetState(msg.ID, StateSkipped)
		metrics.RecordMessage(string(StateSkipped))
		rep.Skipped++
		return nil
	}

	if !s.authorized(token) {
		return ErrSessionEnded
	}
	s.Tracker.SetState(msg.ID, StateAnalyzing)
	rep.Analyzed++
	res := s.classify(ctx, msg)

	if !s.authorized(token) {
		return ErrSessionEnded
	}
	if res == nil || !res.HasCode {
		s.Tracker.SetState(msg.ID, StateNone)
		metrics.RecordMessage(string(StateNone))
		return nil
	}
	s.Tracker.SetState(msg.ID, StateFound)
	metrics.RecordMessage(string(StateFound))
	code := s.extracted(msg, res)
	if !s.Tracker.AddCode(code) {
		log.Debug("duplicate code ignored", "message_id", msg.ID)
		return nil
	}
	rep.Found++
	metrics.RecordCode()
	log.Info("code found", "message_id", msg.ID, "service", code.ServiceName)

	if !s.authorized(token) {
		return ErrSessionEnded
	}
	if s.Notifier == nil {
		return nil
	}
	out := s.Notifier.Deliver(ctx, "Code: "+code.ServiceName, code.Code, s.activation(code.Code))
	if out.Success {
		rep.Notified++
	} else {
		log.Warn("code not delivered", "message_id", msg.ID, "error", out.Error)
	}
	return nil
}

// ScanMessage classifies msg on demand. It ignores the candidate filter and
// whether msg was seen before, never notifies, and returns ErrNoCode when
// the classifier finds nothing or fails.
func (s *Service) ScanMessage(ctx context.Context, token string, msg gc.InboxMessage) (ExtractedCode, error) {
	if !s.authorized(token) {
		return ExtractedCode{}, ErrSessionEnded
	}
	s.Tracker.MarkProcessed(msg.ID)
	s.Tracker.SetState(msg.ID, StateAnalyzing)
	res := s.classify(ctx, msg)

	if !s.authorized(token) {
		return ExtractedCode{}, ErrSessionEnded
	}
	if res == nil || !res.HasCode {
		s.Tracker.SetState(msg.ID, StateNone)
		metrics.RecordMessage(string(StateNone))
		return ExtractedCode{}, ErrNoCode
	}
	s.Tracker.SetState(msg.ID, StateFound)
	metrics.RecordMessage(string(StateFound))
	code := s.extracted(msg, res)
	if s.Tracker.AddCode(code) {
		metrics.RecordCode()
		return code, nil
	}
	// First writer wins: report what the feed shows.
	if stored, ok := s.Tracker.Code(msg.ID); ok {
		return stored, nil
	}
	return code, nil
}

// ScanByID fetches a single message and scans it.
func (s *Service) ScanByID(ctx context.Context, token string, id gc.MessageID) (ExtractedCode, error) {
	msg, err := s.Source.Get(ctx, token, id)
	if err != nil {
		return ExtractedCode{}, fmt.Errorf("get message %s: %w", id, err)
	}
	return s.ScanMessage(ctx, token, msg)
}

func (s *Service) classify(ctx context.Context, msg gc.InboxMessage) *classifier.Result {
	if s.Classifier == nil {
		return nil
	}
	return s.Classifier.Analyze(ctx, msg.Text())
}

func (s *Service) extracted(msg gc.InboxMessage, res *classifier.Result) ExtractedCode {
	return ExtractedCode{
		ID:            msg.ID,
		ServiceName:   serviceName(res.ServiceName, msg.Sender),
		Code:          res.Code,
		ExtractedAt:   s.now(),
		ReceivedAt:    msg.ReceivedAt,
		SourcePreview: preview(msg),
	}
}

func (s *Service) activation(code string) func() {
	if s.Copy == nil {
		return nil
	}
	return func() {
		if err := s.Copy(code); err != nil {
			s.Logger.Warn("copy code failed", "error", err)
		}
	}
}

func (s *Service) authorized(token string) bool {
	return s.Authorized == nil || s.Authorized(token)
}

func (s *Service) now() time.Time {
	if s.Clock == nil {
		return time.Now()
	}
	return s.Clock()
}

func serviceName(fromClassifier, sender string) string {
	if name := strings.TrimSpace(fromClassifier); name != "" {
		return name
	}
	if name := gc.SenderName(sender); name != "" {
		return name
	}
	if d := gc.SenderDomain(sender); d != "" {
		return d
	}
	return unknownService
}

func preview(msg gc.InboxMessage) string {
	p := strings.TrimSpace(msg.Snippet)
	if p == "" {
		p = strings.TrimSpace(msg.Body)
	}
	if utf8.RuneCountInString(p) <= previewRunes {
		return p
	}
	return string([]rune(p)[:previewRunes]) + "…"
}
