package platform

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	fwcfgdev "github.com/tinyrange/igd/internal/devices/fwcfg"
	pcidev "github.com/tinyrange/igd/internal/devices/pci"
	"github.com/tinyrange/igd/internal/fwcfg"
	"github.com/tinyrange/igd/internal/hv"
	"github.com/tinyrange/igd/internal/igd"
	"github.com/tinyrange/igd/internal/pci"
	"github.com/tinyrange/igd/internal/physmem"
	"github.com/tinyrange/igd/internal/vbt"
)

// Platform is a built machine: RAM and its memory map, the device bus, the
// fw_cfg device and the PCI host bridge with its function database.
type Platform struct {
	Machine Machine

	RAM       *physmem.RAM
	Allocator *physmem.Allocator
	Bus       *hv.Bus
	FwCfg     *fwcfgdev.FwCfg
	Bridge    *pcidev.HostBridge
	Devices   *pci.Database

	log    *slog.Logger
	vbt    *vbt.Service
	driver *igd.Driver
}

// Build creates the machine described by m. Functions are installed in the
// order they are listed.
func Build(m Machine, log *slog.Logger) (*Platform, error) {
	if log == nil {
		log = slog.Default()
	}
	m.normalize()

	size := m.MemoryMB << 20
	ram, err := physmem.NewRAM(m.MemoryBase, size)
	if err != nil {
		return nil, fmt.Errorf("platform: %w", err)
	}
	p := &Platform{
		Machine:   m,
		RAM:       ram,
		Allocator: physmem.NewAllocator(log),
		Bus:       hv.NewBus(ram),
		Devices:   pci.NewDatabase(),
		log:       log,
	}
	if err := p.build(); err != nil {
		ram.Close()
		return nil, err
	}
	p.vbt = vbt.NewService(p.Allocator, p.RAM, log)
	return p, nil
}

func (p *Platform) build() error {
	m := p.Machine

	if err := p.buildMemoryMap(); err != nil {
		return err
	}

	if !m.FwCfg.Absent {
		var opts []fwcfgdev.Option
		opts = append(opts, fwcfgdev.WithLogger(p.log))
		switch m.FwCfg.Transport {
		case TransportPort, TransportDMA:
		case TransportMMIO:
			base := m.FwCfg.MMIOBase
			if base == 0 {
				base = fwcfgdev.DefaultBase
			}
			opts = append(opts, fwcfgdev.WithMMIO(base))
		default:
			return fmt.Errorf("platform: unknown fw_cfg transport %q", m.FwCfg.Transport)
		}
		p.FwCfg = fwcfgdev.New(opts...)
		for _, f := range m.FwCfg.Files {
			data, err := f.contents(m.dir)
			if err != nil {
				return fmt.Errorf("platform: %w", err)
			}
			if _, err := p.FwCfg.AddFile(f.Name, data); err != nil {
				return fmt.Errorf("platform: %w", err)
			}
		}
		if err := p.Bus.AddDevice(p.FwCfg); err != nil {
			return fmt.Errorf("platform: %w", err)
		}
	}

	p.Bridge = pcidev.NewHostBridge(p.Devices)
	if err := p.Bus.AddDevice(p.Bridge); err != nil {
		return fmt.Errorf("platform: %w", err)
	}
	for _, fs := range m.PCI.Functions {
		if _, err := p.addFunction(fs); err != nil {
			return err
		}
	}
	return nil
}

func (p *Platform) buildMemoryMap() error {
	m := p.Machine
	if err := p.Allocator.AddRange(m.MemoryBase, p.RAM.MemorySize(), physmem.ConventionalMemory); err != nil {
		return fmt.Errorf("platform: %w", err)
	}
	for _, r := range m.Reserved {
		typ, err := physmem.ParseMemoryType(r.Type)
		if err != nil {
			return fmt.Errorf("platform: reserved range 0x%x: %w", r.Base, err)
		}
		if typ == physmem.ConventionalMemory {
			continue
		}
		addr, err := p.Allocator.AllocatePages(physmem.AllocateAddress, typ, physmem.SizeToPages(r.Size), r.Base)
		if err != nil {
			return fmt.Errorf("platform: reserve [0x%x, +0x%x): %w", r.Base, r.Size, err)
		}
		p.log.Debug("platform reserved range", "address", fmt.Sprintf("0x%x", addr), "type", typ.String())
	}
	return nil
}

func (p *Platform) addFunction(fs FunctionSpec) (*pcidev.Function, error) {
	loc, err := ParseLocation(fs.Location)
	if err != nil {
		return nil, fmt.Errorf("platform: %w", err)
	}
	class := fs.Class
	if class == "" {
		class = "03-00-00"
	}
	cc, err := ParseClassCode(class)
	if err != nil {
		return nil, fmt.Errorf("platform: function %s: %w", loc, err)
	}

	image := make([]byte, pci.ConfigSpaceSize)
	for off, v := range fs.Registers {
		if int(off)+4 > len(image) || off%4 != 0 {
			return nil, fmt.Errorf("platform: function %s: register 0x%x not a dword in config space", loc, off)
		}
		binary.LittleEndian.PutUint32(image[off:], v)
	}
	binary.LittleEndian.PutUint16(image[pci.VendorIDOffset:], fs.Vendor)
	binary.LittleEndian.PutUint16(image[pci.DeviceIDOffset:], fs.Device)
	copy(image[pci.ClassCodeOffset:], cc[:])

	var ro []pcidev.Range
	for _, r := range fs.ReadOnly {
		if r.End < r.Start || r.End >= pci.ConfigSpaceSize {
			return nil, fmt.Errorf("platform: function %s: bad read-only range 0x%x-0x%x", loc, r.Start, r.End)
		}
		ro = append(ro, pcidev.Range{Start: uint32(r.Start), End: uint32(r.End)})
	}

	fn, err := p.Bridge.AddFunction(p.Bus, loc, image, ro...)
	if err != nil {
		return nil, fmt.Errorf("platform: %w", err)
	}
	p.log.Debug("platform function installed",
		"location", loc.String(),
		"vendor", fmt.Sprintf("0x%04x", fs.Vendor),
		"device", fmt.Sprintf("0x%04x", fs.Device),
		"class", cc.String(),
	)
	return fn, nil
}

// Feed opens the fw_cfg device through the configured transport. An absent
// or unrecognized device is reported as nil with no error.
func (p *Platform) Feed() (igd.Feed, error) {
	if p.FwCfg == nil {
		return nil, nil
	}

	var t fwcfg.Transport
	switch p.Machine.FwCfg.Transport {
	case TransportMMIO:
		base := p.Machine.FwCfg.MMIOBase
		if base == 0 {
			base = fwcfgdev.DefaultBase
		}
		t = fwcfg.MMIOTransport{Bus: p.Bus, Base: base}
	case TransportDMA:
		scratch, err := p.Allocator.AllocatePages(physmem.AllocateMaxAddress, physmem.BootServicesData, 1, physmem.Base4GiB-1)
		if err != nil {
			return nil, fmt.Errorf("platform: fw_cfg DMA scratch: %w", err)
		}
		t = &fwcfg.DMATransport{IO: p.Bus, Memory: p.RAM, Scratch: scratch, ScratchSize: physmem.PageSize}
	default:
		t = fwcfg.PortTransport{IO: p.Bus}
	}

	c, err := fwcfg.NewClient(t)
	if err != nil {
		p.log.Info("platform fw_cfg unavailable", "error", err)
		return nil, nil
	}
	return c, nil
}

// Run starts the IGD driver against the platform. The driver is nil when no
// feed transport could be set up.
func (p *Platform) Run() (*igd.Driver, error) {
	if p.driver != nil {
		return p.driver, fmt.Errorf("platform: driver already running")
	}
	feed, err := p.Feed()
	if err != nil {
		return nil, err
	}

	p.driver = igd.NewDriver(igd.Options{
		Feed:      feed,
		Allocator: p.Allocator,
		Memory:    p.RAM,
		Devices:   p.Devices,
		Logger:    p.log,
	})
	return p.driver, p.driver.Start()
}

// Hotplug adds a function after the driver started. The driver processes it
// before Hotplug returns.
func (p *Platform) Hotplug(fs FunctionSpec) (*pcidev.Function, error) {
	return p.addFunction(fs)
}

// Policy returns the GOP policy for the IGD at igd.TargetLocation.
func (p *Platform) Policy() *vbt.Policy {
	return vbt.NewPolicy(pcidev.NewFunction(p.Bus, igd.TargetLocation), p.vbt)
}

// VBT returns the extraction service behind Policy.
func (p *Platform) VBT() *vbt.Service { return p.vbt }

// Close releases guest RAM.
func (p *Platform) Close() error {
	if p.driver != nil {
		p.driver.Stop()
	}
	if err := p.RAM.Close(); err != nil {
		return fmt.Errorf("platform: %w", err)
	}
	return nil
}
