// Package filter decides cheaply whether a message is worth classifying.
// It is recall-biased: false positives cost a classifier call, false
// negatives cost a missed code.
package filter

import (
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/joshsymonds/codesnap/internal/gmail"
)

const DefaultFreshnessWindow = 7 * time.Minute

// Reason names the rule that made a message a candidate.
type Reason string

const (
	ReasonNone    Reason = ""
	ReasonFresh   Reason = "fresh"
	ReasonPattern Reason = "pattern"
	ReasonKeyword Reason = "keyword"
)

// DefaultKeywords is the authentication vocabulary, including the Dutch,
// German, French, Spanish and Chinese variants seen in real mail.
var DefaultKeywords = []string{
	"code", "verification", "verify", "login", "log in", "sign in", "sign-in",
	"otp", "2fa", "two-factor", "one-time", "passcode", "password", "security",
	"pin", "authentication", "confirm",
	"verificatiecode", "inlogcode", "beveiligingscode", "bevestigingscode",
	"wachtwoord", "inloggen", "bevestig", "toegangscode",
	"bestätigungscode", "sicherheitscode", "anmeldung", "passwort",
	"code de vérification", "mot de passe", "connexion",
	"código", "verificación", "contraseña",
	"验证码", "校验码", "确认码", "动态码", "安全码", "登录码",
}

var groupedDigitsRe = regexp.MustCompile(`(?:^|\D)\d{3}[ -]\d{3}(?:\D|$)`)

// Policy configures the filter.
type Policy struct {
	FreshnessWindow time.Duration
	Keywords        []string
}

// Filter is a compiled Policy. It is safe for concurrent use.
type Filter struct {
	window    time.Duration
	bounded   *regexp.Regexp
	unbounded []string
}

// New compiles p; an empty keyword list uses DefaultKeywords and a
// non-positive window uses DefaultFreshnessWindow.
func New(p Policy) *Filter {
	window := p.FreshnessWindow
	if window <= 0 {
		window = DefaultFreshnessWindow
	}
	keywords := p.Keywords
	if len(keywords) == 0 {
		keywords = DefaultKeywords
	}
	f := &Filter{window: window}
	var quoted []string
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if hasHan(kw) {
			// no word separators in CJK text
			f.unbounded = append(f.unbounded, kw)
			continue
		}
		quoted = append(quoted, regexp.QuoteMeta(kw))
	}
	if len(quoted) > 0 {
		f.bounded = regexp.MustCompile(`(?:^|[^\p{L}\p{N}])(?:` + strings.Join(quoted, "|") + `)(?:$|[^\p{L}\p{N}])`)
	}
	return f
}

// Window reports the freshness override threshold.
func (f *Filter) Window() time.Duration { return f.window }

// IsCandidate reports whether msg should be sent to the classifier.
func (f *Filter) IsCandidate(msg gmail.InboxMessage, now time.Time) bool {
	return f.Match(msg, now) != ReasonNone
}

// Match applies the rules in priority order and names the first that hits.
func (f *Filter) Match(msg gmail.InboxMessage, now time.Time) Reason {
	if now.Sub(msg.ReceivedAt) < f.window {
		return ReasonFresh
	}
	text := strings.ToLower(msg.Text())
	if hasCodeShape(text) {
		return ReasonPattern
	}
	if f.hasKeyword(text) {
		return ReasonKeyword
	}
	return ReasonNone
}

func (f *Filter) hasKeyword(text string) bool {
	if f.bounded != nil && f.bounded.MatchString(text) {
		return true
	}
	for _, kw := range f.unbounded {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// hasCodeShape looks for a 4-8 character ASCII alphanumeric token with at
// least one digit, or two 3-digit groups split by a space or hyphen.
func hasCodeShape(text string) bool {
	if groupedDigitsRe.MatchString(text) {
		return true
	}
	tokens := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, tok := range tokens {
		if isCodeToken(tok) {
			return true
		}
	}
	return false
}

func isCodeToken(tok string) bool {
	if len(tok) < 4 || len(tok) > 8 {
		return false
	}
	digit := false
	for i := 0; i < len(tok); i++ {
		c := tok[i]
		switch {
		case c >= '0' && c <= '9':
			digit = true
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		default:
			return false
		}
	}
	return digit
}

func hasHan(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Han, r) {
			return true
		}
	}
	return false
}
