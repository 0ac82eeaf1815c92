package hv

import (
	"fmt"
	"sync"
)

// Bus routes port and MMIO accesses issued by firmware code to the devices
// that claimed them, the way a VMM routes vCPU exits.
type Bus struct {
	mu  sync.Mutex
	mem Memory

	ports map[uint16]X86IOPortDevice
	mmio  []mmioMapping
}

type mmioMapping struct {
	region MMIORegion
	dev    MemoryMappedIODevice
}

// NewBus returns a bus whose devices are initialized against mem.
func NewBus(mem Memory) *Bus {
	return &Bus{
		mem:   mem,
		ports: make(map[uint16]X86IOPortDevice),
	}
}

// Memory returns the guest memory devices were initialized with.
func (b *Bus) Memory() Memory { return b.mem }

// AddDevice initializes dev and claims its ports and MMIO regions.
func (b *Bus) AddDevice(dev Device) error {
	if err := dev.Init(b.mem); err != nil {
		return fmt.Errorf("init device %T: %w", dev, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if pio, ok := dev.(X86IOPortDevice); ok {
		for _, port := range pio.IOPorts() {
			if _, exists := b.ports[port]; exists {
				return fmt.Errorf("I/O port 0x%04x already claimed", port)
			}
		}
		for _, port := range pio.IOPorts() {
			b.ports[port] = pio
		}
	}
	if mmio, ok := dev.(MemoryMappedIODevice); ok {
		for _, region := range mmio.MMIORegions() {
			for _, m := range b.mmio {
				if region.overlaps(m.region) {
					return fmt.Errorf("MMIO region 0x%x overlaps 0x%x", region.Address, m.region.Address)
				}
			}
			b.mmio = append(b.mmio, mmioMapping{region: region, dev: mmio})
		}
	}
	return nil
}

func (b *Bus) port(port uint16) (X86IOPortDevice, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	dev, ok := b.ports[port]
	if !ok {
		return nil, fmt.Errorf("I/O port 0x%04x: %w", port, ErrUnhandledPort)
	}
	return dev, nil
}

// ReadIOPort implements an IN instruction of len(data) bytes.
func (b *Bus) ReadIOPort(port uint16, data []byte) error {
	dev, err := b.port(port)
	if err != nil {
		return err
	}
	return dev.ReadIOPort(port, data)
}

// WriteIOPort implements an OUT instruction of len(data) bytes.
func (b *Bus) WriteIOPort(port uint16, data []byte) error {
	dev, err := b.port(port)
	if err != nil {
		return err
	}
	return dev.WriteIOPort(port, data)
}

func (b *Bus) mmioDevice(addr uint64, n int) (MemoryMappedIODevice, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range b.mmio {
		if m.region.contains(addr, n) {
			return m.dev, nil
		}
	}
	return nil, fmt.Errorf("MMIO 0x%x: %w", addr, ErrUnhandledMMIO)
}

// ReadMMIO reads len(data) bytes from device memory at addr.
func (b *Bus) ReadMMIO(addr uint64, data []byte) error {
	dev, err := b.mmioDevice(addr, len(data))
	if err != nil {
		return err
	}
	return dev.ReadMMIO(addr, data)
}

// WriteMMIO writes data to device memory at addr.
func (b *Bus) WriteMMIO(addr uint64, data []byte) error {
	dev, err := b.mmioDevice(addr, len(data))
	if err != nil {
		return err
	}
	return dev.WriteMMIO(addr, data)
}
