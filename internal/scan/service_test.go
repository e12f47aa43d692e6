package scan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/joshsymonds/codesnap/internal/classifier"
	"github.com/joshsymonds/codesnap/internal/gmail"
	"github.com/joshsymonds/codesnap/internal/notify"
)

func slogDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var now = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

type fakeSource struct {
	mu        sync.Mutex
	snapshots [][]gmail.InboxMessage
	byID      map[gmail.MessageID]gmail.InboxMessage
	err       error
	fetches   int
}

func (f *fakeSource) Fetch(context.Context, string) ([]gmail.InboxMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.err != nil {
		return nil, f.err
	}
	if len(f.snapshots) == 0 {
		return nil, nil
	}
	snap := f.snapshots[0]
	if len(f.snapshots) > 1 {
		f.snapshots = f.snapshots[1:]
	}
	return snap, nil
}

func (f *fakeSource) Get(_ context.Context, _ string, id gmail.MessageID) (gmail.InboxMessage, error) {
	msg, ok := f.byID[id]
	if !ok {
		return gmail.InboxMessage{}, gmail.NewFetchError(404, "notFound", errors.New("not found"))
	}
	return msg, nil
}

// fakeClassifier answers by message subject.
type fakeClassifier struct {
	mu      sync.Mutex
	answers map[string]*classifier.Result
	calls   map[string]int
	hook    func()
}

func (f *fakeClassifier) Analyze(_ context.Context, text string) *classifier.Result {
	subject := strings.SplitN(text, "\n", 2)[0]
	f.mu.Lock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[subject]++
	res := f.answers[subject]
	hook := f.hook
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return res
}

func (f *fakeClassifier) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

type subjectFilter struct{ reject map[string]bool }

func (s subjectFilter) IsCandidate(msg gmail.InboxMessage, _ time.Time) bool {
	return !s.reject[msg.Subject]
}

type delivery struct{ title, body string }

type fakeNotifier struct {
	mu         sync.Mutex
	deliveries []delivery
	fail       bool
}

func (f *fakeNotifier) Deliver(_ context.Context, title, body string, _ func()) notify.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliveries = append(f.deliveries, delivery{title, body})
	if f.fail {
		return notify.Result{Error: "[desktop: down]"}
	}
	return notify.Result{Success: true}
}

func msg(id, subject, sender string) gmail.InboxMessage {
	return gmail.InboxMessage{ID: gmail.MessageID(id), Subject: subject, Sender: sender, Snippet: subject, ReceivedAt: now.Add(-time.Hour)}
}

func newTestService(src gmail.Source, cls classifier.Classifier, reject map[string]bool, n Notifier) *Service {
	s := NewService(src, cls, subjectFilter{reject: reject}, n, slogDiscard())
	s.Clock = func() time.Time { return now }
	s.Copy = nil
	return s
}

func TestRunCycleStates(t *testing.T) {
	src := &fakeSource{snapshots: [][]gmail.InboxMessage{{
		msg("a", "promo", "shop@example.com"),
		msg("b", "stripe", "Stripe <auth@stripe.com>"),
		msg("c", "newsletter", "news@example.com"),
		msg("d", "flaky", "x@example.com"),
		msg("e", "github", "GitHub <noreply@github.com>"),
	}}}
	cls := &fakeClassifier{answers: map[string]*classifier.Result{
		"stripe":     {HasCode: true, ServiceName: "Stripe", Code: "445992"},
		"newsletter": {HasCode: false},
		"github":     {HasCode: true, Code: "123456"},
	}}
	n := &fakeNotifier{}
	s := newTestService(src, cls, map[string]bool{"promo": true}, n)

	rep, err := s.RunCycle(context.Background(), "tok")
	if err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	want := map[gmail.MessageID]State{
		"a": StateSkipped, "b": StateFound, "c": StateNone, "d": StateNone, "e": StateFound,
	}
	for id, st := range want {
		if got, _ := s.Tracker.State(id); got != st {
			t.Fatalf("state[%s] = %q, want %q", id, got, st)
		}
	}
	if rep.Fetched != 5 || rep.New != 5 || rep.Skipped != 1 || rep.Analyzed != 4 || rep.Found != 2 || rep.Notified != 2 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if cls.calls["promo"] != 0 {
		t.Fatalf("rejected message must not be classified")
	}
	codes := s.Tracker.Codes()
	if len(codes) != 2 || codes[0].ID != "e" || codes[1].ID != "b" {
		t.Fatalf("codes should be newest first: %+v", codes)
	}
	if codes[0].ServiceName != "GitHub" {
		t.Fatalf("sender name fallback, got %q", codes[0].ServiceName)
	}
	if len(n.deliveries) != 2 || n.deliveries[0] != (delivery{"Code: Stripe", "445992"}) {
		t.Fatalf("unexpected deliveries %+v", n.deliveries)
	}
	snap := s.Tracker.Snapshot()
	if len(snap.Inbox) != 5 || snap.Inbox[1].State != StateFound || snap.Analyzing != "" || !snap.LastCycle.Equal(now) {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestDedupAcrossCycles(t *testing.T) {
	first := []gmail.InboxMessage{msg("a", "stripe", "")}
	second := []gmail.InboxMessage{msg("b", "other", ""), msg("a", "stripe", "")}
	src := &fakeSource{snapshots: [][]gmail.InboxMessage{first, second}}
	cls := &fakeClassifier{answers: map[string]*classifier.Result{
		"stripe": {HasCode: true, ServiceName: "Stripe", Code: "445992"},
	}}
	n := &fakeNotifier{}
	s := newTestService(src, cls, nil, n)

	if _, err := s.RunCycle(context.Background(), "tok"); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	rep, err := s.RunCycle(context.Background(), "tok")
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if rep.New != 1 {
		t.Fatalf("second cycle should only see b, new=%d", rep.New)
	}
	if cls.calls["stripe"] != 1 {
		t.Fatalf("classifier re-invoked for a repeated id: %d", cls.calls["stripe"])
	}
	if len(s.Tracker.Codes()) != 1 || len(n.deliveries) != 1 {
		t.Fatalf("codes=%d deliveries=%d", len(s.Tracker.Codes()), len(n.deliveries))
	}
	if st, _ := s.Tracker.State("a"); st != StateFound {
		t.Fatalf("state of a churned to %q", st)
	}
}

func TestEmptyCycle(t *testing.T) {
	src := &fakeSource{}
	cls := &fakeClassifier{}
	s := newTestService(src, cls, nil, &fakeNotifier{})
	rep, err := s.RunCycle(context.Background(), "tok")
	if err != nil || rep.New != 0 {
		t.Fatalf("rep=%+v err=%v", rep, err)
	}
	if cls.total() != 0 {
		t.Fatalf("classifier should not run")
	}
}

func TestIdempotenceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("at_most_one_code_per_id", prop.ForAll(
		func(first, second []int) bool {
			toSnap := func(ids []int) []gmail.InboxMessage {
				var out []gmail.InboxMessage
				for _, id := range ids {
					out = append(out, msg(fmt.Sprintf("m%d", id), "code", ""))
				}
				return out
			}
			src := &fakeSource{snapshots: [][]gmail.InboxMessage{toSnap(first), toSnap(second)}}
			cls := &fakeClassifier{answers: map[string]*classifier.Result{"code": {HasCode: true, Code: "1234"}}}
			s := newTestService(src, cls, nil, &fakeNotifier{})
			if _, err := s.RunCycle(context.Background(), "tok"); err != nil {
				return false
			}
			if _, err := s.RunCycle(context.Background(), "tok"); err != nil {
				return false
			}
			seen := map[gmail.MessageID]bool{}
			for _, c := range s.Tracker.Codes() {
				if seen[c.ID] {
					return false
				}
				seen[c.ID] = true
			}
			distinct := map[int]bool{}
			for _, id := range append(append([]int(nil), first...), second...) {
				distinct[id] = true
			}
			return len(seen) == len(distinct) && cls.total() == len(distinct)
		},
		gen.SliceOf(gen.IntRange(0, 9)),
		gen.SliceOf(gen.IntRange(0, 9)),
	))

	properties.TestingRun(t)
}

func TestOverlappingCyclesClassifyOnce(t *testing.T) {
	snap := []gmail.InboxMessage{msg("a", "one", ""), msg("b", "two", ""), msg("c", "three", "")}
	src := &fakeSource{snapshots: [][]gmail.InboxMessage{snap}}
	cls := &fakeClassifier{answers: map[string]*classifier.Result{}}
	s := newTestService(src, cls, nil, &fakeNotifier{})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.RunCycle(context.Background(), "tok")
		}()
	}
	wg.Wait()
	if cls.total() != 3 {
		t.Fatalf("expected 3 classifications, got %d", cls.total())
	}
}

func TestFetchErrorPropagates(t *testing.T) {
	src := &fakeSource{err: gmail.NewFetchError(401, "authError", errors.New("invalid credentials"))}
	s := newTestService(src, &fakeClassifier{}, nil, &fakeNotifier{})
	_, err := s.RunCycle(context.Background(), "tok")
	if !gmail.IsCredentialError(err) {
		t.Fatalf("expected credential error, got %v", err)
	}
	if s.Tracker.Snapshot().LastError == "" {
		t.Fatalf("fetch failure should be recorded for display")
	}
}

func TestSessionEndedMidCycle(t *testing.T) {
	src := &fakeSource{snapshots: [][]gmail.InboxMessage{{msg("a", "stripe", ""), msg("b", "github", "")}}}
	var mu sync.Mutex
	active := true
	cls := &fakeClassifier{answers: map[string]*classifier.Result{
		"stripe": {HasCode: true, ServiceName: "Stripe", Code: "445992"},
		"github": {HasCode: true, ServiceName: "GitHub", Code: "123456"},
	}}
	cls.hook = func() {
		mu.Lock()
		active = false
		mu.Unlock()
	}
	n := &fakeNotifier{}
	s := newTestService(src, cls, nil, n)
	s.Authorized = func(token string) bool {
		mu.Lock()
		defer mu.Unlock()
		return active && token == "tok"
	}

	_, err := s.RunCycle(context.Background(), "tok")
	if !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("expected ErrSessionEnded, got %v", err)
	}
	if len(n.deliveries) != 0 || len(s.Tracker.Codes()) != 0 {
		t.Fatalf("stale cycle produced side effects")
	}
	if cls.calls["github"] != 0 {
		t.Fatalf("cycle should stop after the session ended")
	}
}

func TestAbandonedClaimsAreRetried(t *testing.T) {
	snap := []gmail.InboxMessage{msg("a", "stripe", ""), msg("b", "github", "")}
	src := &fakeSource{snapshots: [][]gmail.InboxMessage{snap}}
	var mu sync.Mutex
	active := true
	cls := &fakeClassifier{answers: map[string]*classifier.Result{
		"stripe": {HasCode: true, ServiceName: "Stripe", Code: "445992"},
		"github": {HasCode: true, ServiceName: "GitHub", Code: "123456"},
	}}
	cls.hook = func() {
		mu.Lock()
		active = false
		mu.Unlock()
	}
	n := &fakeNotifier{}
	s := newTestService(src, cls, nil, n)
	s.Authorized = func(token string) bool {
		mu.Lock()
		defer mu.Unlock()
		return active && token == "tok"
	}

	if _, err := s.RunCycle(context.Background(), "tok"); !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("expected ErrSessionEnded, got %v", err)
	}
	if s.Tracker.Processed("a") || s.Tracker.Processed("b") {
		t.Fatalf("unfinished claims should be released")
	}
	if snap := s.Tracker.Snapshot(); snap.Analyzing != "" {
		t.Fatalf("analyzing marker left on %q", snap.Analyzing)
	}

	s.Tracker.Reset()
	mu.Lock()
	active = true
	mu.Unlock()
	cls.mu.Lock()
	cls.hook = nil
	cls.mu.Unlock()

	rep, err := s.RunCycle(context.Background(), "tok")
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if rep.New != 2 || rep.Found != 2 || len(n.deliveries) != 2 {
		t.Fatalf("rep=%+v deliveries=%d", rep, len(n.deliveries))
	}
	if cls.calls["github"] != 1 || cls.calls["stripe"] != 2 {
		t.Fatalf("calls = %v", cls.calls)
	}
	for _, id := range []gmail.MessageID{"a", "b"} {
		if st, _ := s.Tracker.State(id); st != StateFound {
			t.Fatalf("state[%s] = %q", id, st)
		}
	}
}

func TestNotificationFailureDoesNotStopCycle(t *testing.T) {
	src := &fakeSource{snapshots: [][]gmail.InboxMessage{{msg("a", "one", ""), msg("b", "two", "")}}}
	cls := &fakeClassifier{answers: map[string]*classifier.Result{
		"one": {HasCode: true, Code: "1111"},
		"two": {HasCode: true, Code: "2222"},
	}}
	n := &fakeNotifier{fail: true}
	s := newTestService(src, cls, nil, n)
	rep, err := s.RunCycle(context.Background(), "tok")
	if err != nil {
		t.Fatalf("unexpected %v", err)
	}
	if rep.Found != 2 || rep.Notified != 0 || len(n.deliveries) != 2 {
		t.Fatalf("rep=%+v deliveries=%d", rep, len(n.deliveries))
	}
}

func TestManualScanIsolation(t *testing.T) {
	src := &fakeSource{snapshots: [][]gmail.InboxMessage{{msg("a", "stripe", ""), msg("b", "plain", "")}}}
	cls := &fakeClassifier{answers: map[string]*classifier.Result{
		"stripe": {HasCode: true, ServiceName: "Stripe", Code: "445992"},
	}}
	n := &fakeNotifier{}
	s := newTestService(src, cls, map[string]bool{"plain": true, "manual": true}, n)
	if _, err := s.RunCycle(context.Background(), "tok"); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	delivered := len(n.deliveries)

	_, err := s.ScanMessage(context.Background(), "tok", msg("b", "plain", ""))
	if !errors.Is(err, ErrNoCode) {
		t.Fatalf("expected ErrNoCode, got %v", err)
	}
	if st, _ := s.Tracker.State("b"); st != StateNone {
		t.Fatalf("state[b] = %q", st)
	}
	if st, _ := s.Tracker.State("a"); st != StateFound {
		t.Fatalf("other message state changed to %q", st)
	}

	cls.answers["manual"] = &classifier.Result{HasCode: true, Code: "9999"}
	code, err := s.ScanMessage(context.Background(), "tok", msg("m", "manual", ""))
	if err != nil || code.Code != "9999" || code.ServiceName != unknownService {
		t.Fatalf("manual scan = %+v, %v", code, err)
	}
	if _, err := s.ScanMessage(context.Background(), "tok", msg("m", "manual", "")); err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if len(s.Tracker.Codes()) != 2 {
		t.Fatalf("rescan must not duplicate, codes=%d", len(s.Tracker.Codes()))
	}
	if len(n.deliveries) != delivered {
		t.Fatalf("manual scans must not notify")
	}
	if !s.Tracker.Processed("m") {
		t.Fatalf("manually scanned id should be processed")
	}
}

func TestRescanReturnsStoredCode(t *testing.T) {
	cls := &fakeClassifier{answers: map[string]*classifier.Result{
		"stripe": {HasCode: true, ServiceName: "Stripe", Code: "445992"},
	}}
	s := newTestService(&fakeSource{}, cls, nil, &fakeNotifier{})
	first, err := s.ScanMessage(context.Background(), "tok", msg("a", "stripe", ""))
	if err != nil {
		t.Fatalf("first scan: %v", err)
	}

	cls.mu.Lock()
	cls.answers["stripe"] = &classifier.Result{HasCode: true, ServiceName: "Stripe", Code: "000000"}
	cls.mu.Unlock()
	s.Clock = func() time.Time { return now.Add(time.Minute) }

	again, err := s.ScanMessage(context.Background(), "tok", msg("a", "stripe", ""))
	if err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if again != first {
		t.Fatalf("rescan = %+v, want stored %+v", again, first)
	}
	if codes := s.Tracker.Codes(); len(codes) != 1 || codes[0].Code != "445992" {
		t.Fatalf("codes = %+v", codes)
	}
}

func TestScanByID(t *testing.T) {
	src := &fakeSource{byID: map[gmail.MessageID]gmail.InboxMessage{"x": msg("x", "stripe", "")}}
	cls := &fakeClassifier{answers: map[string]*classifier.Result{"stripe": {HasCode: true, Code: "445992"}}}
	s := newTestService(src, cls, nil, &fakeNotifier{})
	code, err := s.ScanByID(context.Background(), "tok", "x")
	if err != nil || code.Code != "445992" {
		t.Fatalf("scan by id = %+v, %v", code, err)
	}
	if _, err := s.ScanByID(context.Background(), "tok", "missing"); err == nil {
		t.Fatalf("expected error for missing message")
	}
}

func TestServiceName(t *testing.T) {
	tests := []struct{ fromClassifier, sender, want string }{
		{"Stripe", "auth@stripe.com", "Stripe"},
		{"  ", "GitHub <noreply@github.com>", "GitHub"},
		{"", "noreply@github.com", "github.com"},
		{"", "", "Unknown"},
		{"", "not an address", "Unknown"},
	}
	for _, tc := range tests {
		if got := serviceName(tc.fromClassifier, tc.sender); got != tc.want {
			t.Fatalf("serviceName(%q, %q) = %q, want %q", tc.fromClassifier, tc.sender, got, tc.want)
		}
	}
}
