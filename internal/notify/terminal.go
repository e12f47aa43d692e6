package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/atotto/clipboard"
	"github.com/mattn/go-isatty"
)

// Permission is the cached answer to "may the terminal show alerts".
type Permission int

const (
	PermissionUnknown Permission = iota
	PermissionGranted
	PermissionDenied
)

func (p Permission) String() string {
	switch p {
	case PermissionGranted:
		return "granted"
	case PermissionDenied:
		return "denied"
	default:
		return "unknown"
	}
}

// Terminal writes an alert line with a bell to an interactive terminal.
// The last alert's activation handler runs when Activate is called.
type Terminal struct {
	Out io.Writer
	// IsTerminal overrides the tty check on Out.
	IsTerminal func() bool
	// Ask is the authoritative permission source; nil grants.
	Ask func() (bool, error)

	mu       sync.Mutex
	perm     Permission
	activate func()
}

func NewTerminal(out io.Writer, ask func() (bool, error)) *Terminal {
	return &Terminal{Out: out, Ask: ask}
}

func (t *Terminal) Name() string { return "terminal" }

func (t *Terminal) Available() error {
	if t.Out == nil {
		return errors.New("no output")
	}
	if t.IsTerminal != nil {
		if !t.IsTerminal() {
			return errors.New("not a terminal")
		}
		return nil
	}
	f, ok := t.Out.(*os.File)
	if !ok || !(isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return errors.New("not a terminal")
	}
	return nil
}

// RequestPermission asks once and caches a grant. A cached denial is
// re-checked against Ask on every call.
func (t *Terminal) RequestPermission() Permission {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.perm == PermissionGranted {
		return t.perm
	}
	if t.Ask == nil {
		t.perm = PermissionGranted
		return t.perm
	}
	ok, err := t.Ask()
	switch {
	case err != nil && t.perm == PermissionUnknown:
		t.perm = PermissionDenied
	case err != nil:
	case ok:
		t.perm = PermissionGranted
	default:
		t.perm = PermissionDenied
	}
	return t.perm
}

// Permission returns the cached value without asking.
func (t *Terminal) Permission() Permission {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.perm
}

// Deliver writes the alert. A denied permission does not stop the attempt;
// it only qualifies the error if the write fails.
func (t *Terminal) Deliver(_ context.Context, n Notification) error {
	perm := t.RequestPermission()
	if _, err := fmt.Fprintf(t.Out, "\a%s  %s  (press enter to copy)\n", n.Title, n.Body); err != nil {
		if perm == PermissionDenied {
			return fmt.Errorf("permission denied: %w", err)
		}
		return fmt.Errorf("write alert: %w", err)
	}
	t.mu.Lock()
	t.activate = n.OnActivate
	t.mu.Unlock()
	return nil
}

// Activate runs the handler of the most recent alert, once.
func (t *Terminal) Activate() bool {
	t.mu.Lock()
	h := t.activate
	t.activate = nil
	t.mu.Unlock()
	if h == nil {
		return false
	}
	h()
	return true
}

// CopyToClipboard puts text on the system clipboard.
func CopyToClipboard(text string) error {
	if clipboard.Unsupported {
		return errors.New("clipboard unsupported")
	}
	if err := clipboard.WriteAll(text); err != nil {
		return fmt.Errorf("copy to clipboard: %w", err)
	}
	return nil
}

var _ Strategy = (*Terminal)(nil)
