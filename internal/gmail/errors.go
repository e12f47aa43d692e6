package gmail

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind is the closed set of mail source failures the pipeline reacts to.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindUnauthenticated
	KindForbidden
	KindTransient
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindForbidden:
		return "forbidden"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// ClassifyStatus maps an HTTP-like status code to an ErrorKind.
func ClassifyStatus(status int) ErrorKind {
	switch {
	case status == 0:
		return KindUnknown
	case status == http.StatusUnauthorized:
		return KindUnauthenticated
	case status == http.StatusForbidden:
		return KindForbidden
	default:
		return KindTransient
	}
}

// FetchError is returned by Source implementations for any failed call.
type FetchError struct {
	Kind   ErrorKind
	Status int
	// Reason is the provider's machine-readable reason, e.g. "accessNotConfigured".
	Reason string
	Err    error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("mail fetch failed (%s", e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(", status %d", e.Status)
	}
	if e.Reason != "" {
		msg += ", " + e.Reason
	}
	msg += ")"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error { return e.Err }

// NewFetchError builds a FetchError whose kind is derived from status.
func NewFetchError(status int, reason string, err error) *FetchError {
	return &FetchError{Kind: ClassifyStatus(status), Status: status, Reason: reason, Err: err}
}

// NewTransientError wraps a failure that carries no status, such as a
// dropped connection.
func NewTransientError(reason string, err error) *FetchError {
	return &FetchError{Kind: KindTransient, Reason: reason, Err: err}
}

// KindOf reports the ErrorKind of err, or KindUnknown when err carries none.
func KindOf(err error) ErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// IsCredentialError reports whether err invalidates the current credential.
func IsCredentialError(err error) bool {
	switch KindOf(err) {
	case KindUnauthenticated, KindForbidden:
		return true
	default:
		return false
	}
}

// Guidance is the user-facing explanation of a credential failure.
type Guidance struct {
	Problem string
	Action  string
	// Reauthenticate is false when signing in again would not help.
	Reauthenticate bool
}

var disabledReasons = []string{"accessnotconfigured", "service_disabled", "servicedisabled"}

// Describe distinguishes a disabled backend from revoked access and an
// expired session. Non-credential errors yield a zero Guidance.
func Describe(err error) Guidance {
	var fe *FetchError
	if !errors.As(err, &fe) {
		return Guidance{}
	}
	switch fe.Kind {
	case KindUnauthenticated:
		return Guidance{
			Problem:        "session expired",
			Action:         "sign in again with codesnap-login",
			Reauthenticate: true,
		}
	case KindForbidden:
		reason := strings.ToLower(fe.Reason + " " + errText(fe.Err))
		for _, r := range disabledReasons {
			if strings.Contains(reason, r) {
				return Guidance{
					Problem: "Gmail API is disabled for this project",
					Action:  "enable the Gmail API in the cloud console, then restart",
				}
			}
		}
		return Guidance{
			Problem:        "mailbox access was revoked",
			Action:         "sign in again with codesnap-login and grant read access",
			Reauthenticate: true,
		}
	default:
		return Guidance{}
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
