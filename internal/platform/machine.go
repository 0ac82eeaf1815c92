// Package platform builds a simulated firmware environment from a YAML
// machine description and runs the IGD driver inside it.
package platform

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/igd/internal/pci"
	"github.com/tinyrange/igd/internal/physmem"
)

const (
	DefaultMemoryMB   = 512
	DefaultMemoryBase = 0x40000000

	TransportPort = "port"
	TransportMMIO = "mmio"
	TransportDMA  = "dma"
)

// Machine describes guest RAM, the fw_cfg files the VMM publishes and the
// PCI functions on bus 0.
type Machine struct {
	Version    int    `yaml:"version"`
	Name       string `yaml:"name,omitempty"`
	MemoryMB   uint64 `yaml:"memoryMB,omitempty"`
	MemoryBase uint64 `yaml:"memoryBase,omitempty"`

	// Reserved carves typed holes out of RAM before the driver runs.
	Reserved []RangeSpec `yaml:"reserved,omitempty"`

	FwCfg FwCfgSpec `yaml:"fwcfg"`
	PCI   PCISpec   `yaml:"pci"`

	// dir resolves relative file paths.
	dir string
}

// RangeSpec is a memory map entry.
type RangeSpec struct {
	Base uint64 `yaml:"base"`
	Size uint64 `yaml:"size"`
	Type string `yaml:"type,omitempty"`
}

type FwCfgSpec struct {
	// Absent leaves the fw_cfg device off the bus.
	Absent    bool       `yaml:"absent,omitempty"`
	Transport string     `yaml:"transport,omitempty"`
	MMIOBase  uint64     `yaml:"mmioBase,omitempty"`
	Files     []FileSpec `yaml:"files,omitempty"`
}

// FileSpec is one fw_cfg file. Exactly one content source is used, checked
// in the order Uint64, OpRegion, Hex, Path, Size.
type FileSpec struct {
	Name     string        `yaml:"name"`
	Uint64   *uint64       `yaml:"uint64,omitempty"`
	OpRegion *OpRegionSpec `yaml:"opregion,omitempty"`
	Hex      string        `yaml:"hex,omitempty"`
	Path     string        `yaml:"path,omitempty"`
	// Size yields that many zero bytes.
	Size *int `yaml:"size,omitempty"`
}

type PCISpec struct {
	Functions []FunctionSpec `yaml:"functions,omitempty"`
}

// FunctionSpec describes one PCI function.
type FunctionSpec struct {
	Location string `yaml:"location"`
	Vendor   uint16 `yaml:"vendor"`
	Device   uint16 `yaml:"device"`
	// Class is "BB-SS-PP".
	Class string `yaml:"class,omitempty"`
	// Registers preloads 32-bit registers by offset.
	Registers map[uint16]uint32 `yaml:"registers,omitempty"`
	ReadOnly  []RegisterRange   `yaml:"readOnly,omitempty"`
}

// RegisterRange is an inclusive range of configuration space offsets.
type RegisterRange struct {
	Start uint16 `yaml:"start"`
	End   uint16 `yaml:"end"`
}

func (m *Machine) normalize() {
	if m.Version == 0 {
		m.Version = 1
	}
	if m.Name == "" {
		m.Name = "igd"
	}
	if m.MemoryMB == 0 {
		m.MemoryMB = DefaultMemoryMB
	}
	if m.MemoryBase == 0 {
		m.MemoryBase = DefaultMemoryBase
	}
	if m.FwCfg.Transport == "" {
		m.FwCfg.Transport = TransportPort
	}
	for i := range m.PCI.Functions {
		if m.PCI.Functions[i].Class == "" {
			m.PCI.Functions[i].Class = "03-00-00"
		}
	}
	for i := range m.Reserved {
		if m.Reserved[i].Type == "" {
			m.Reserved[i].Type = physmem.ReservedMemoryType.String()
		}
	}
}

// ParseMachine decodes a machine description.
func ParseMachine(data []byte) (Machine, error) {
	var m Machine
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Machine{}, fmt.Errorf("parse machine: %w", err)
	}
	m.normalize()
	return m, nil
}

// LoadMachine reads a machine description from path. File paths inside it
// are relative to its directory.
func LoadMachine(path string) (Machine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Machine{}, fmt.Errorf("read %s: %w", path, err)
	}
	m, err := ParseMachine(data)
	if err != nil {
		return Machine{}, fmt.Errorf("%s: %w", path, err)
	}
	m.dir = filepath.Dir(path)
	return m, nil
}

// contents returns the bytes of a file entry.
func (f FileSpec) contents(dir string) ([]byte, error) {
	switch {
	case f.Uint64 != nil:
		return binary.LittleEndian.AppendUint64(nil, *f.Uint64), nil
	case f.OpRegion != nil:
		return f.OpRegion.image().Build()
	case f.Hex != "":
		b, err := hex.DecodeString(strings.Join(strings.Fields(f.Hex), ""))
		if err != nil {
			return nil, fmt.Errorf("file %s: decode hex: %w", f.Name, err)
		}
		return b, nil
	case f.Path != "":
		path := f.Path
		if !filepath.IsAbs(path) && dir != "" {
			path = filepath.Join(dir, path)
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("file %s: %w", f.Name, err)
		}
		return b, nil
	case f.Size != nil:
		if *f.Size < 0 {
			return nil, fmt.Errorf("file %s: negative size %d", f.Name, *f.Size)
		}
		return make([]byte, *f.Size), nil
	default:
		return nil, fmt.Errorf("file %s: no contents", f.Name)
	}
}

// ParseLocation accepts "SSSS:BB:DD.F" and "BB:DD.F" in hex.
func ParseLocation(s string) (pci.Location, error) {
	var loc pci.Location
	parts := strings.Split(s, ":")
	switch len(parts) {
	case 2:
	case 3:
		seg, err := strconv.ParseUint(parts[0], 16, 16)
		if err != nil {
			return loc, fmt.Errorf("location %q: segment: %w", s, err)
		}
		loc.Segment = uint16(seg)
		parts = parts[1:]
	default:
		return loc, fmt.Errorf("location %q: want [SSSS:]BB:DD.F", s)
	}

	bus, err := strconv.ParseUint(parts[0], 16, 8)
	if err != nil {
		return loc, fmt.Errorf("location %q: bus: %w", s, err)
	}
	devFn := strings.SplitN(parts[1], ".", 2)
	if len(devFn) != 2 {
		return loc, fmt.Errorf("location %q: want DD.F", s)
	}
	dev, err := strconv.ParseUint(devFn[0], 16, 5)
	if err != nil {
		return loc, fmt.Errorf("location %q: device: %w", s, err)
	}
	fn, err := strconv.ParseUint(devFn[1], 16, 3)
	if err != nil {
		return loc, fmt.Errorf("location %q: function: %w", s, err)
	}
	loc.Bus, loc.Device, loc.Function = uint8(bus), uint8(dev), uint8(fn)
	return loc, nil
}

// ParseClassCode accepts "BB-SS-PP" in hex.
func ParseClassCode(s string) (pci.ClassCode, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 3 {
		return pci.ClassCode{}, fmt.Errorf("class code %q: want BB-SS-PP", s)
	}
	var cc pci.ClassCode
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return pci.ClassCode{}, fmt.Errorf("class code %q: %w", s, err)
		}
		cc[2-i] = uint8(v)
	}
	return cc, nil
}
