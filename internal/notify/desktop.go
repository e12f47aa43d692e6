package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	notifyDest  = "org.freedesktop.Notifications"
	notifyPath  = dbus.ObjectPath("/org/freedesktop/Notifications")
	notifyIface = "org.freedesktop.Notifications"

	// expiresNever asks the server to keep the notification until the user
	// dismisses it.
	expiresNever    int32 = 0
	urgencyCritical byte  = 2
)

// Desktop posts freedesktop notifications over the session bus. It works
// while the watcher has no terminal attached.
type Desktop struct {
	AppName string
	Icon    string
	Sound   string
	Logger  *slog.Logger
	Getenv  func(string) string
	Dial    func() (*dbus.Conn, error)

	mu       sync.Mutex
	conn     *dbus.Conn
	replaces map[string]uint32
	handlers map[uint32]func()
}

func NewDesktop(appName string, logger *slog.Logger) *Desktop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Desktop{AppName: appName, Logger: logger}
}

func (d *Desktop) Name() string { return "desktop" }

// Available requires a session bus address in the environment.
func (d *Desktop) Available() error {
	getenv := d.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	if getenv("DBUS_SESSION_BUS_ADDRESS") == "" {
		return errors.New("no session bus")
	}
	return nil
}

// Deliver shows n. A notification with the same tag as an earlier one
// replaces it on screen.
func (d *Desktop) Deliver(ctx context.Context, n Notification) error {
	conn, err := d.connect()
	if err != nil {
		return err
	}
	hints := map[string]dbus.Variant{
		"urgency": dbus.MakeVariant(urgencyCritical),
	}
	if d.Sound != "" {
		hints["sound-name"] = dbus.MakeVariant(d.Sound)
	}
	var actions []string
	if n.OnActivate != nil {
		actions = []string{"default", "Copy"}
	}

	d.mu.Lock()
	replaces := d.replaces[n.Tag]
	d.mu.Unlock()

	obj := conn.Object(notifyDest, notifyPath)
	call := obj.CallWithContext(ctx, notifyIface+".Notify", 0,
		d.AppName, replaces, d.Icon, n.Title, n.Body, actions, hints, expiresNever)
	var id uint32
	if err := call.Store(&id); err != nil {
		d.reset()
		return fmt.Errorf("notify call: %w", err)
	}

	d.mu.Lock()
	if d.replaces == nil {
		d.replaces = map[string]uint32{}
		d.handlers = map[uint32]func(){}
	}
	if n.Tag != "" {
		d.replaces[n.Tag] = id
	}
	if replaces != 0 && replaces != id {
		delete(d.handlers, replaces)
	}
	if n.OnActivate != nil {
		d.handlers[id] = n.OnActivate
	}
	d.mu.Unlock()
	return nil
}

// Close drops the bus connection.
func (d *Desktop) Close() error {
	d.mu.Lock()
	conn := d.conn
	d.conn = nil
	d.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (d *Desktop) connect() (*dbus.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		return d.conn, nil
	}
	dial := d.Dial
	if dial == nil {
		dial = func() (*dbus.Conn, error) { return dbus.ConnectSessionBus() }
	}
	conn, err := dial()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}
	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(notifyIface),
		dbus.WithMatchMember("ActionInvoked"),
	); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("subscribe actions: %w", err)
	}
	ch := make(chan *dbus.Signal, 8)
	conn.Signal(ch)
	go func() {
		for sig := range ch {
			d.handleSignal(sig)
		}
	}()
	d.conn = conn
	return conn, nil
}

func (d *Desktop) reset() {
	if err := d.Close(); err != nil {
		d.Logger.Debug("close session bus", "error", err)
	}
}

func (d *Desktop) handleSignal(sig *dbus.Signal) {
	if sig == nil || sig.Name != notifyIface+".ActionInvoked" || len(sig.Body) < 1 {
		return
	}
	id, ok := sig.Body[0].(uint32)
	if !ok {
		return
	}
	d.mu.Lock()
	h := d.handlers[id]
	d.mu.Unlock()
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.Logger.Warn("activation handler panicked", "panic", r)
		}
	}()
	h()
}

var _ Strategy = (*Desktop)(nil)
