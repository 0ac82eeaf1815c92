package pci

import (
	"sync"
)

// Database records installed functions in installation order and notifies
// registered trackers when new ones appear.
type Database struct {
	mu        sync.Mutex
	functions []Function
	trackers  map[*Tracker]struct{}
}

// NewDatabase returns an empty database.
func NewDatabase() *Database {
	return &Database{trackers: make(map[*Tracker]struct{})}
}

// Install appends fn and signals every open tracker.
func (d *Database) Install(fn Function) {
	d.mu.Lock()
	d.functions = append(d.functions, fn)
	notify := make([]func(), 0, len(d.trackers))
	for t := range d.trackers {
		if t.notify != nil {
			notify = append(notify, t.notify)
		}
	}
	d.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
}

// Len returns the number of installed functions.
func (d *Database) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.functions)
}

// Register opens a tracker. notify runs synchronously on every later Install.
// The tracker's cursor starts before the first installed function, so
// functions present at registration are returned by Next as well.
func (d *Database) Register(notify func()) *Tracker {
	t := &Tracker{db: d, notify: notify}
	d.mu.Lock()
	d.trackers[t] = struct{}{}
	d.mu.Unlock()
	return t
}

// Tracker is an enumeration cursor over a Database. Each function is returned
// at most once per tracker.
type Tracker struct {
	db     *Database
	notify func()
	next   int
	closed bool
}

// Next returns the next function not yet returned by this tracker.
func (t *Tracker) Next() (Function, bool) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	if t.closed || t.next >= len(t.db.functions) {
		return nil, false
	}
	fn := t.db.functions[t.next]
	t.next++
	return fn, true
}

// Close stops notifications. Next returns nothing after Close.
func (t *Tracker) Close() {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	t.closed = true
	delete(t.db.trackers, t)
}
