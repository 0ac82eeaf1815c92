package vbt

import (
	"fmt"

	"github.com/tinyrange/igd/internal/igd"
	"github.com/tinyrange/igd/internal/pci"
	"github.com/tinyrange/igd/internal/status"
)

// PolicyRevision01 is the only policy revision.
const PolicyRevision01 = 0x01

// LidStatus is the platform lid state.
type LidStatus int

const (
	LidClosed LidStatus = iota
	LidOpen
)

// Policy answers the GOP driver's platform queries for an assigned IGD.
type Policy struct {
	Revision uint32

	igd pci.ConfigSpace
	svc *Service
}

// NewPolicy returns a policy reading the OpRegion address from the
// configuration space of the IGD.
func NewPolicy(igdConfig pci.ConfigSpace, svc *Service) *Policy {
	return &Policy{Revision: PolicyRevision01, igd: igdConfig, svc: svc}
}

// LidStatus is not implemented for virtual machines.
func (p *Policy) LidStatus() (LidStatus, error) {
	return 0, fmt.Errorf("vbt: lid status: %w", status.ErrUnsupported)
}

// VbtData extracts the VBT from the OpRegion the IGD points at.
func (p *Policy) VbtData() (uint64, uint32, error) {
	asls, err := p.igd.ReadConfig(igd.ASLSOffset, 4)
	if err != nil {
		return 0, 0, fmt.Errorf("vbt: read ASLS: %w", err)
	}
	if asls == 0 {
		return 0, 0, fmt.Errorf("vbt: no OpRegion assigned: %w", status.ErrUnsupported)
	}
	return p.svc.Extract(uint64(asls))
}
