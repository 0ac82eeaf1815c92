// Package pci implements a PCI host bridge that services legacy configuration
// space accesses through ports 0xCF8-0xCFF, and the firmware-side function
// handles that reach devices through it.
package pci

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/tinyrange/igd/internal/hv"
	"github.com/tinyrange/igd/internal/pci"
)

const (
	configAddressPort = 0x0cf8
	configDataPort    = 0x0cfc

	configEnable = 1 << 31
)

// Range is an inclusive range of configuration space byte offsets.
type Range struct {
	Start uint32
	End   uint32
}

// identity is the header every function exposes read-only: vendor and device
// ids, revision, class code and header type. Command and status stay writable.
var identity = []Range{
	{pci.VendorIDOffset, pci.DeviceIDOffset + 1},
	{pci.RevisionIDOffset, pci.ClassCodeOffset + 2},
	{pci.HeaderTypeOffset, pci.HeaderTypeOffset},
}

// slot is one function's configuration image and its write mask.
type slot struct {
	image    [pci.ConfigSpaceSize]byte
	readOnly [pci.ConfigSpaceSize / 64]uint64
}

func (s *slot) protect(r Range) {
	for off := r.Start; off <= r.End; off++ {
		s.readOnly[off/64] |= 1 << (off % 64)
	}
}

func (s *slot) writable(off uint32) bool {
	return s.readOnly[off/64]&(1<<(off%64)) == 0
}

// HostBridge holds the configuration images of every function on bus 0.
// Reads of absent functions return 0xFF and writes to them are ignored, as are
// writes to read-only bytes.
type HostBridge struct {
	mu      sync.Mutex
	address uint32
	slots   map[pci.Location]*slot

	db *pci.Database
}

// NewHostBridge returns a bridge with an i440FX host bridge at 00:00.0.
// Functions added later are installed into db when it is non-nil.
func NewHostBridge(db *pci.Database) *HostBridge {
	host := &slot{}
	binary.LittleEndian.PutUint16(host.image[pci.VendorIDOffset:], 0x8086)
	binary.LittleEndian.PutUint16(host.image[pci.DeviceIDOffset:], 0x1237)
	host.image[0x08] = 0x02
	host.image[0x0B] = 0x06 // bridge, host bridge subclass 0
	for _, r := range identity {
		host.protect(r)
	}
	return &HostBridge{
		slots: map[pci.Location]*slot{{}: host},
		db:    db,
	}
}

// AddFunction places a function with the supplied configuration image at loc.
// The identity header (ids, revision, class code, header type) is always
// read-only; readOnly lists further read-only ranges. The returned handle
// reaches the function through io, and is installed into the database.
func (hb *HostBridge) AddFunction(io PortIO, loc pci.Location, image []byte, readOnly ...Range) (*Function, error) {
	if loc.Segment != 0 || loc.Bus != 0 {
		return nil, fmt.Errorf("pci host bridge: %s is not on segment 0 bus 0", loc)
	}
	if loc.Device > 0x1f || loc.Function > 0x7 {
		return nil, fmt.Errorf("pci host bridge: invalid location %s", loc)
	}
	if len(image) > pci.ConfigSpaceSize {
		return nil, fmt.Errorf("pci host bridge: config image of %d bytes exceeds %d", len(image), pci.ConfigSpaceSize)
	}

	s := &slot{}
	copy(s.image[:], image)
	for _, r := range append(append([]Range(nil), identity...), readOnly...) {
		if r.Start > r.End || r.End >= pci.ConfigSpaceSize {
			return nil, fmt.Errorf("pci host bridge: read-only range [0x%x, 0x%x] outside config space", r.Start, r.End)
		}
		s.protect(r)
	}

	hb.mu.Lock()
	if _, exists := hb.slots[loc]; exists {
		hb.mu.Unlock()
		return nil, fmt.Errorf("pci host bridge: %s already populated", loc)
	}
	hb.slots[loc] = s
	hb.mu.Unlock()

	fn := NewFunction(io, loc)
	if hb.db != nil {
		hb.db.Install(fn)
	}
	return fn, nil
}

// Snapshot returns a copy of the configuration image at loc.
func (hb *HostBridge) Snapshot(loc pci.Location) ([]byte, bool) {
	hb.mu.Lock()
	defer hb.mu.Unlock()

	s, ok := hb.slots[loc]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), s.image[:]...), true
}

// Init implements hv.Device.
func (hb *HostBridge) Init(hv.Memory) error { return nil }

// IOPorts implements hv.X86IOPortDevice.
func (hb *HostBridge) IOPorts() []uint16 {
	ports := make([]uint16, 0, 8)
	for p := uint16(configAddressPort); p < configDataPort+4; p++ {
		ports = append(ports, p)
	}
	return ports
}

// ReadIOPort implements hv.X86IOPortDevice.
func (hb *HostBridge) ReadIOPort(port uint16, data []byte) error {
	hb.mu.Lock()
	defer hb.mu.Unlock()

	return hb.access(port, len(data), func(i int, reg *byte, writable bool) {
		data[i] = *reg
	})
}

// WriteIOPort implements hv.X86IOPortDevice.
func (hb *HostBridge) WriteIOPort(port uint16, data []byte) error {
	hb.mu.Lock()
	defer hb.mu.Unlock()

	return hb.access(port, len(data), func(i int, reg *byte, writable bool) {
		if writable {
			*reg = data[i]
		}
	})
}

// access resolves every byte of an n byte access at port to the register it
// hits and calls fn with it. Bytes of an absent function read as 0xFF through
// a scratch register that is discarded. Must be called with the lock held.
func (hb *HostBridge) access(port uint16, n int, fn func(i int, reg *byte, writable bool)) error {
	for i := range n {
		cur := port + uint16(i)
		switch {
		case cur >= configAddressPort && cur < configAddressPort+4:
			shift := (cur - configAddressPort) * 8
			b := byte(hb.address >> shift)
			fn(i, &b, true)
			hb.address = hb.address&^(0xff<<shift) | uint32(b)<<shift
		case cur >= configDataPort && cur < configDataPort+4:
			s, off := hb.target(cur - configDataPort)
			if s == nil {
				absent := byte(0xff)
				fn(i, &absent, false)
				continue
			}
			fn(i, &s.image[off], s.writable(off))
		default:
			return fmt.Errorf("pci host bridge: port 0x%04x: %w", cur, hv.ErrUnhandledPort)
		}
	}
	return nil
}

// target decodes the latched CONFIG_ADDRESS plus the data port byte lane.
func (hb *HostBridge) target(lane uint16) (*slot, uint32) {
	if hb.address&configEnable == 0 {
		return nil, 0
	}
	loc := pci.Location{
		Bus:      uint8(hb.address >> 16),
		Device:   uint8(hb.address>>11) & 0x1f,
		Function: uint8(hb.address>>8) & 0x7,
	}
	return hb.slots[loc], hb.address&0xfc + uint32(lane)
}

var (
	_ hv.Device          = (*HostBridge)(nil)
	_ hv.X86IOPortDevice = (*HostBridge)(nil)
)
