package igd

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"testing"

	fwcfgdev "github.com/tinyrange/igd/internal/devices/fwcfg"
	pcidev "github.com/tinyrange/igd/internal/devices/pci"
	"github.com/tinyrange/igd/internal/fwcfg"
	"github.com/tinyrange/igd/internal/hv"
	"github.com/tinyrange/igd/internal/pci"
	"github.com/tinyrange/igd/internal/physmem"
	"github.com/tinyrange/igd/internal/status"
)

const (
	testRAMBase = 0x40000000
	testRAMSize = 0x20000000
)

// machine is a minimal firmware environment: RAM, a memory map, fw_cfg on
// the x86 ports and a CF8/CFC host bridge.
type machine struct {
	ram    *physmem.RAM
	alloc  *physmem.Allocator
	bus    *hv.Bus
	fwcfg  *fwcfgdev.FwCfg
	bridge *pcidev.HostBridge
	db     *pci.Database
}

func newMachine(t *testing.T) *machine {
	t.Helper()

	ram, err := physmem.NewRAM(testRAMBase, testRAMSize)
	if err != nil {
		t.Fatalf("new ram: %v", err)
	}
	t.Cleanup(func() { ram.Close() })

	alloc := physmem.NewAllocator(slog.Default())
	if err := alloc.AddRange(testRAMBase, testRAMSize, physmem.ConventionalMemory); err != nil {
		t.Fatalf("add range: %v", err)
	}

	m := &machine{
		ram:    ram,
		alloc:  alloc,
		bus:    hv.NewBus(ram),
		fwcfg:  fwcfgdev.New(),
		bridge: pcidev.NewHostBridge(nil),
		db:     pci.NewDatabase(),
	}
	if err := m.bus.AddDevice(m.fwcfg); err != nil {
		t.Fatalf("add fw_cfg: %v", err)
	}
	if err := m.bus.AddDevice(m.bridge); err != nil {
		t.Fatalf("add host bridge: %v", err)
	}
	return m
}

func (m *machine) addFile(t *testing.T, name string, data []byte) {
	t.Helper()
	if _, err := m.fwcfg.AddFile(name, data); err != nil {
		t.Fatalf("add file %s: %v", name, err)
	}
}

func (m *machine) addBDSMSize(t *testing.T, size uint64) {
	t.Helper()
	if _, err := m.fwcfg.AddUint64(BDSMSizeFile, size); err != nil {
		t.Fatalf("add bdsm size: %v", err)
	}
}

func (m *machine) client(t *testing.T) *fwcfg.Client {
	t.Helper()
	c, err := fwcfg.NewClient(fwcfg.PortTransport{IO: m.bus})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

// addFunction places a function on the bridge without installing it.
func (m *machine) addFunction(t *testing.T, loc pci.Location, image []byte) *pcidev.Function {
	t.Helper()
	fn, err := m.bridge.AddFunction(m.bus, loc, image, pcidev.Range{Start: BDSM2Offset, End: BDSM2Offset + 7})
	if err != nil {
		t.Fatalf("add function %s: %v", loc, err)
	}
	return fn
}

func (m *machine) install(t *testing.T, loc pci.Location, image []byte) *pcidev.Function {
	t.Helper()
	fn := m.addFunction(t, loc, image)
	m.db.Install(fn)
	return fn
}

func (m *machine) driver() *Driver {
	return NewDriver(Options{
		Feed:      nil,
		Allocator: m.alloc,
		Memory:    m.ram,
		Devices:   m.db,
	})
}

func (m *machine) start(t *testing.T) (*Driver, error) {
	t.Helper()
	d := NewDriver(Options{
		Feed:      m.client(t),
		Allocator: m.alloc,
		Memory:    m.ram,
		Devices:   m.db,
	})
	return d, d.Start()
}

func (m *machine) fill(t *testing.T, addr, n uint64, b byte) {
	t.Helper()
	buf, err := m.ram.Slice(addr, n)
	if err != nil {
		t.Fatalf("slice: %v", err)
	}
	for i := range buf {
		buf[i] = b
	}
}

func (m *machine) bytes(t *testing.T, addr, n uint64) []byte {
	t.Helper()
	buf, err := m.ram.Slice(addr, n)
	if err != nil {
		t.Fatalf("slice: %v", err)
	}
	return buf
}

type deviceImage struct {
	vendor, device uint16
	class          pci.ClassCode
	legacy, modern uint32
}

func intelVGA() deviceImage {
	return deviceImage{
		vendor: VendorIntel,
		device: 0x3e92,
		class:  pci.ClassCode{pci.InterfaceVGA, pci.SubclassDisplayVGA, pci.ClassDisplay},
	}
}

func (d deviceImage) bytes() []byte {
	cfg := make([]byte, pci.ConfigSpaceSize)
	binary.LittleEndian.PutUint16(cfg[pci.VendorIDOffset:], d.vendor)
	binary.LittleEndian.PutUint16(cfg[pci.DeviceIDOffset:], d.device)
	copy(cfg[pci.ClassCodeOffset:], d.class[:])
	binary.LittleEndian.PutUint32(cfg[BDSMOffset:], d.legacy)
	binary.LittleEndian.PutUint32(cfg[BDSM2Offset:], d.modern)
	return cfg
}

func opRegion(size int, over uint32) []byte {
	buf := make([]byte, size)
	copy(buf, "IntelGraphicsMem")
	if size >= 0x18 {
		binary.LittleEndian.PutUint32(buf[0x14:], over)
	}
	for i := 0x20; i < size; i++ {
		buf[i] = byte(i)
	}
	return buf
}

func readConfig32(t *testing.T, fn pci.ConfigSpace, offset uint16) uint32 {
	t.Helper()
	v, err := fn.ReadConfig(offset, 4)
	if err != nil {
		t.Fatalf("read config 0x%x: %v", offset, err)
	}
	return v
}

// faultyFunction fails writes to one register.
type faultyFunction struct {
	pci.Function
	failWrite uint16
}

func (f faultyFunction) WriteConfig(offset uint16, size uint8, value uint32) error {
	if offset == f.failWrite {
		return fmt.Errorf("injected write failure at 0x%x: %w", offset, status.ErrDevice)
	}
	return f.Function.WriteConfig(offset, size, value)
}

// brokenFunction fails every access.
type brokenFunction struct{}

func (brokenFunction) ReadConfig(uint16, uint8) (uint32, error) {
	return 0, fmt.Errorf("broken: %w", status.ErrDevice)
}
func (brokenFunction) WriteConfig(uint16, uint8, uint32) error {
	return fmt.Errorf("broken: %w", status.ErrDevice)
}
func (brokenFunction) Location() (pci.Location, error) { return pci.Location{}, nil }
