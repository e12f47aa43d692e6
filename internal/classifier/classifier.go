// Package classifier asks a language model whether a message carries a
// one-time code. Every failure is reported as a nil result.
package classifier

import (
	"context"
	"errors"
	"unicode/utf8"
)

// ErrNotConfigured is logged when no API key is available.
var ErrNotConfigured = errors.New("classifier api key not configured")

const (
	DefaultMaxChars = 8000
	minMaxChars     = 2000
)

// Result is a successful classification. HasCode false means the model
// found nothing, which is distinct from a failed call.
type Result struct {
	HasCode     bool   `json:"hasCode"`
	ServiceName string `json:"serviceName,omitempty"`
	Code        string `json:"code,omitempty"`
}

// Classifier inspects message text. A nil result means the call failed and
// the message should be treated as having no code.
type Classifier interface {
	Analyze(ctx context.Context, text string) *Result
}

// Func adapts a function to Classifier.
type Func func(ctx context.Context, text string) *Result

func (f Func) Analyze(ctx context.Context, text string) *Result { return f(ctx, text) }

// ClampMaxChars bounds the truncation limit to [2000, 8000]; zero means
// the default.
func ClampMaxChars(n int) int {
	switch {
	case n <= 0:
		return DefaultMaxChars
	case n < minMaxChars:
		return minMaxChars
	case n > DefaultMaxChars:
		return DefaultMaxChars
	default:
		return n
	}
}

// Truncate cuts text to at most limit runes.
func Truncate(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	n := 0
	for i := range text {
		if n == limit {
			return text[:i]
		}
		n++
	}
	return text
}
