package igd

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/igd/internal/pci"
	"github.com/tinyrange/igd/internal/status"
)

// Cursor yields each PCI function at most once. *pci.Tracker implements it.
type Cursor interface {
	Next() (pci.Function, bool)
}

// Notification is a reason to drain.
type Notification int

const (
	// NotifyKick is posted once at start to process pre-existing functions.
	NotifyKick Notification = iota
	NotifyInstall
)

func (n Notification) String() string {
	if n == NotifyKick {
		return "kick"
	}
	return "install"
}

// Dispatcher is a FIFO of device appearance notifications. Draining a
// notification routes every function the cursor has not yet returned.
type Dispatcher struct {
	log    *slog.Logger
	route  func(pci.Function)
	cursor Cursor

	queue    []Notification
	draining bool
	closed   bool

	routed int
}

// NewDispatcher returns a dispatcher handing functions to route.
func NewDispatcher(route func(pci.Function), log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{log: log, route: route}
}

// Attach sets the cursor notifications are drained from.
func (d *Dispatcher) Attach(c Cursor) { d.cursor = c }

// Post enqueues a notification.
func (d *Dispatcher) Post(n Notification) error {
	if d.closed {
		return fmt.Errorf("igd: dispatcher closed: %w", status.ErrInvalidArgument)
	}
	d.queue = append(d.queue, n)
	return nil
}

// Drain processes notifications until the queue is empty. A Drain issued
// from inside route returns immediately; whatever it would have processed
// is picked up by the outer loop.
func (d *Dispatcher) Drain() {
	if d.draining || d.cursor == nil {
		return
	}
	d.draining = true
	defer func() { d.draining = false }()

	for len(d.queue) > 0 {
		n := d.queue[0]
		d.queue = d.queue[1:]

		count := 0
		for {
			fn, ok := d.cursor.Next()
			if !ok {
				break
			}
			count++
			d.routed++
			d.route(fn)
		}
		d.log.Debug("igd discovery drained", "notification", n.String(), "functions", count)
	}
}

// Routed returns how many functions have been routed in total.
func (d *Dispatcher) Routed() int { return d.routed }

// Close drops queued notifications and refuses new ones.
func (d *Dispatcher) Close() {
	d.closed = true
	d.queue = nil
}
