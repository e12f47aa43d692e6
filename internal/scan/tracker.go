package scan

import (
	"sync"
	"time"

	"github.com/joshsymonds/codesnap/internal/gmail"
)

// State is the per-message scan outcome.
type State string

const (
	StateSkipped   State = "skipped"
	StateAnalyzing State = "analyzing"
	StateFound     State = "found"
	StateNone      State = "none"
)

// ExtractedCode is a code found in a message. ID is the source message id
// and is unique within the result list.
type ExtractedCode struct {
	ID            gmail.MessageID `json:"id"`
	ServiceName   string          `json:"serviceName"`
	Code          string          `json:"code"`
	ExtractedAt   time.Time       `json:"extractedAt"`
	ReceivedAt    time.Time       `json:"receivedAt"`
	SourcePreview string          `json:"sourcePreview"`
}

// Tracker owns the processed-id set, the state map and the result list.
// All mutations go through its methods.
type Tracker struct {
	mu        sync.Mutex
	inbox     []gmail.InboxMessage
	states    map[gmail.MessageID]State
	processed map[gmail.MessageID]struct{}
	codes     []ExtractedCode
	analyzing gmail.MessageID
	lastCycle time.Time
	lastErr   string
}

func NewTracker() *Tracker {
	return &Tracker{
		states:    map[gmail.MessageID]State{},
		processed: map[gmail.MessageID]struct{}{},
	}
}

// Claim returns the messages in snapshot that were never processed and
// marks them processed in the same critical section.
func (t *Tracker) Claim(snapshot []gmail.InboxMessage) []gmail.InboxMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []gmail.InboxMessage
	for _, m := range snapshot {
		if _, seen := t.processed[m.ID]; seen {
			continue
		}
		t.processed[m.ID] = struct{}{}
		out = append(out, m)
	}
	return out
}

// MarkProcessed adds id to the processed set and reports whether it was new.
func (t *Tracker) MarkProcessed(id gmail.MessageID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, seen := t.processed[id]; seen {
		return false
	}
	t.processed[id] = struct{}{}
	return true
}

// Release undoes a claim: ids leave the processed set and lose any state
// recorded for them.
func (t *Tracker) Release(ids []gmail.MessageID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		delete(t.processed, id)
		delete(t.states, id)
		if t.analyzing == id {
			t.analyzing = ""
		}
	}
}

func (t *Tracker) Processed(id gmail.MessageID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.processed[id]
	return ok
}

// SetState records st for id. Entering StateAnalyzing also marks id as the
// message currently being analyzed; leaving it clears that marker.
func (t *Tracker) SetState(id gmail.MessageID, st State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[id] = st
	switch {
	case st == StateAnalyzing:
		t.analyzing = id
	case t.analyzing == id:
		t.analyzing = ""
	}
}

func (t *Tracker) State(id gmail.MessageID) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[id]
	return st, ok
}

// AddCode inserts c at the front of the result list unless an entry with
// the same id exists. The first writer wins.
func (t *Tracker) AddCode(c ExtractedCode) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, existing := range t.codes {
		if existing.ID == c.ID {
			return false
		}
	}
	t.codes = append([]ExtractedCode{c}, t.codes...)
	return true
}

// Code returns the stored result for id.
func (t *Tracker) Code(id gmail.MessageID) (ExtractedCode, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.codes {
		if c.ID == id {
			return c, true
		}
	}
	return ExtractedCode{}, false
}

// Codes returns the result list, newest first.
func (t *Tracker) Codes() []ExtractedCode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]ExtractedCode(nil), t.codes...)
}

// SetInbox replaces the displayed snapshot and records a successful fetch.
func (t *Tracker) SetInbox(msgs []gmail.InboxMessage, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inbox = append([]gmail.InboxMessage(nil), msgs...)
	t.lastCycle = at
	t.lastErr = ""
}

// SetError records a failed cycle for display.
func (t *Tracker) SetError(err error, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastCycle = at
	if err != nil {
		t.lastErr = err.Error()
	}
}

// Reset drops everything shown to the user. The processed set survives so
// a later session does not re-announce codes already delivered.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inbox = nil
	t.codes = nil
	t.states = map[gmail.MessageID]State{}
	t.analyzing = ""
	t.lastErr = ""
}

// Entry is an inbox message annotated with its scan state.
type Entry struct {
	ID         gmail.MessageID `json:"id"`
	Subject    string          `json:"subject"`
	Sender     string          `json:"sender"`
	Snippet    string          `json:"snippet"`
	ReceivedAt time.Time       `json:"receivedAt"`
	State      State           `json:"state,omitempty"`
}

// Snapshot is a read-only copy of the tracker for display.
type Snapshot struct {
	Inbox     []Entry         `json:"inbox"`
	Codes     []ExtractedCode `json:"codes"`
	Analyzing gmail.MessageID `json:"analyzing,omitempty"`
	LastCycle time.Time       `json:"lastCycle"`
	LastError string          `json:"lastError,omitempty"`
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := Snapshot{
		Codes:     append([]ExtractedCode(nil), t.codes...),
		Analyzing: t.analyzing,
		LastCycle: t.lastCycle,
		LastError: t.lastErr,
	}
	for _, m := range t.inbox {
		snap.Inbox = append(snap.Inbox, Entry{
			ID:         m.ID,
			Subject:    m.Subject,
			Sender:     m.Sender,
			Snippet:    m.Snippet,
			ReceivedAt: m.ReceivedAt,
			State:      t.states[m.ID],
		})
	}
	return snap
}
