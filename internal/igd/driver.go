package igd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/igd/internal/pci"
	"github.com/tinyrange/igd/internal/status"
)

// State is the lifecycle state of a Driver.
type State int

const (
	StateUninitialized State = iota
	StateProbingFeed
	// StateUnsupported is terminal: no IGD was assigned.
	StateUnsupported
	// StateProtocolError is terminal: the feed was malformed.
	StateProtocolError
	// StateArmed means discovery is subscribed and existing functions were
	// processed.
	StateArmed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateProbingFeed:
		return "probing-feed"
	case StateUnsupported:
		return "unsupported"
	case StateProtocolError:
		return "protocol-error"
	case StateArmed:
		return "armed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Options configures a Driver.
type Options struct {
	// Feed is the configuration feed. A nil Feed means the feed device is
	// absent, which is treated like a feed without IGD files.
	Feed      Feed
	Allocator Allocator
	// Memory is guest physical memory.
	Memory  io.WriterAt
	Devices *pci.Database
	Logger  *slog.Logger
}

// Driver validates the feed, then assigns resources to every PCI function
// installed in the device database, now or later.
type Driver struct {
	opts Options
	log  *slog.Logger

	state State
	cfg   Config

	engine     *Engine
	dispatcher *Dispatcher
	tracker    *pci.Tracker

	reports []Report
}

// NewDriver returns an uninitialized driver.
func NewDriver(opts Options) *Driver {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Driver{opts: opts, log: log}
}

// State returns the current lifecycle state.
func (d *Driver) State() State { return d.state }

// Config returns the configuration read from the feed.
func (d *Driver) Config() Config { return d.cfg }

// Reports returns the per-function outcomes in processing order.
func (d *Driver) Reports() []Report { return d.reports }

// Start probes the feed. It returns an error wrapping status.ErrUnsupported
// when no IGD is assigned and status.ErrProtocol when the feed is malformed;
// in both cases nothing is subscribed. On success the driver is armed and
// every function already in the database has been processed.
func (d *Driver) Start() error {
	if d.state != StateUninitialized {
		return fmt.Errorf("igd: driver already started (%s): %w", d.state, status.ErrInvalidArgument)
	}
	d.state = StateProbingFeed

	if d.opts.Feed == nil {
		d.state = StateUnsupported
		return fmt.Errorf("igd: no configuration feed: %w", status.ErrUnsupported)
	}

	cfg, err := LoadConfig(d.opts.Feed)
	if err != nil {
		if errors.Is(err, status.ErrUnsupported) {
			d.state = StateUnsupported
			d.log.Info("igd not assigned")
		} else {
			d.state = StateProtocolError
			d.log.Error("igd invalid fw_cfg contents", "error", err)
		}
		return err
	}
	d.cfg = cfg
	d.log.Debug("igd configuration loaded",
		"opregion_size", fmt.Sprintf("0x%x", cfg.OpRegionSize),
		"bdsm_size", fmt.Sprintf("0x%x", cfg.BDSMSize),
	)

	if d.opts.Devices == nil || d.opts.Allocator == nil || d.opts.Memory == nil {
		d.state = StateProtocolError
		return fmt.Errorf("igd: driver missing devices, allocator or memory: %w", status.ErrInvalidArgument)
	}

	d.engine = NewEngine(cfg, d.opts.Feed, d.opts.Allocator, d.opts.Memory, d.log)
	d.dispatcher = NewDispatcher(func(fn pci.Function) {
		d.reports = append(d.reports, d.engine.Process(fn))
	}, d.log)

	d.tracker = d.opts.Devices.Register(d.onInstall)
	d.dispatcher.Attach(d.tracker)

	if err := d.dispatcher.Post(NotifyKick); err != nil {
		d.tracker.Close()
		d.tracker = nil
		d.state = StateProtocolError
		return err
	}
	d.state = StateArmed
	d.dispatcher.Drain()
	return nil
}

func (d *Driver) onInstall() {
	if err := d.dispatcher.Post(NotifyInstall); err != nil {
		d.log.Debug("igd notification dropped", "error", err)
		return
	}
	d.dispatcher.Drain()
}

// Stop unsubscribes from the device database. Stopping a driver that is not
// armed does nothing.
func (d *Driver) Stop() {
	if d.state != StateArmed {
		return
	}
	d.dispatcher.Close()
	d.tracker.Close()
}
