package igd

import (
	"fmt"

	"github.com/tinyrange/igd/internal/pci"
)

// Generation is the stolen memory register layout of an IGD.
type Generation int

const (
	// GenerationUnresolved means neither stolen memory register reported a
	// base. It is handled like GenerationLegacy.
	GenerationUnresolved Generation = iota
	// GenerationLegacy devices (gen 6-10) take the base at BDSMOffset.
	GenerationLegacy
	// GenerationModern devices (gen 11+) report a fixed base at BDSM2Offset.
	GenerationModern
)

func (g Generation) String() string {
	switch g {
	case GenerationUnresolved:
		return "unresolved"
	case GenerationLegacy:
		return "legacy"
	case GenerationModern:
		return "modern"
	default:
		return fmt.Sprintf("Generation(%d)", int(g))
	}
}

// Candidate describes a PCI function as seen by the assignment engine.
type Candidate struct {
	VendorID  uint16
	DeviceID  uint16
	ClassCode pci.ClassCode
	Location  pci.Location

	Generation Generation
	// BDSMBase is the stolen memory base reported by the register that
	// decided Generation.
	BDSMBase uint64
	// LegacyBase and ModernBase are the raw register values.
	LegacyBase uint32
	ModernBase uint32
	// Conflict is set when both registers reported a base. Generation is
	// then GenerationModern.
	Conflict bool
}

// Name returns the SSSS:BB:DD.F form of the location.
func (c Candidate) Name() string { return c.Location.String() }

// IsDisplay reports whether c is an Intel VGA compatible display controller.
func (c Candidate) IsDisplay() bool {
	return c.VendorID == VendorIntel &&
		c.ClassCode[2] == pci.ClassDisplay &&
		c.ClassCode[1] == pci.SubclassDisplayVGA &&
		c.ClassCode[0] == pci.InterfaceVGA
}

// AtTarget reports whether c sits at TargetLocation.
func (c Candidate) AtTarget() bool { return c.Location.SameBDF(TargetLocation) }

// Classify reads the identity of fn and, for an Intel function at
// TargetLocation, probes both stolen memory registers.
func Classify(fn pci.Function) (Candidate, error) {
	var (
		c   Candidate
		err error
	)
	if c.DeviceID, err = pci.Read16(fn, pci.DeviceIDOffset); err != nil {
		return Candidate{}, fmt.Errorf("igd: read device id: %w", err)
	}
	if c.VendorID, err = pci.Read16(fn, pci.VendorIDOffset); err != nil {
		return Candidate{}, fmt.Errorf("igd: read vendor id: %w", err)
	}
	if c.ClassCode, err = pci.ReadClassCode(fn); err != nil {
		return Candidate{}, fmt.Errorf("igd: read class code: %w", err)
	}
	if c.Location, err = fn.Location(); err != nil {
		return Candidate{}, fmt.Errorf("igd: get location: %w", err)
	}

	if c.VendorID != VendorIntel || !c.AtTarget() {
		return c, nil
	}

	if c.ModernBase, err = readBase(fn, BDSM2Offset); err != nil {
		return Candidate{}, fmt.Errorf("igd %s: read BDSM2: %w", c.Name(), err)
	}
	if c.LegacyBase, err = readBase(fn, BDSMOffset); err != nil {
		return Candidate{}, fmt.Errorf("igd %s: read BDSM: %w", c.Name(), err)
	}
	c.resolve()
	return c, nil
}

func (c *Candidate) resolve() {
	c.Generation = GenerationUnresolved
	if c.LegacyBase != 0 {
		c.Generation = GenerationLegacy
		c.BDSMBase = uint64(c.LegacyBase)
	}
	if c.ModernBase != 0 {
		c.Generation = GenerationModern
		c.BDSMBase = uint64(c.ModernBase)
	}
	c.Conflict = c.LegacyBase != 0 && c.ModernBase != 0
}

// readBase reads a stolen memory base register as two consecutive 16-bit
// words.
func readBase(cs pci.ConfigSpace, offset uint16) (uint32, error) {
	lo, err := pci.Read16(cs, offset)
	if err != nil {
		return 0, err
	}
	hi, err := pci.Read16(cs, offset+2)
	if err != nil {
		return 0, err
	}
	return uint32(hi)<<16 | uint32(lo), nil
}
