package vbt

import (
	"errors"
	"testing"

	"github.com/tinyrange/igd/internal/status"
)

type fakeConfig struct {
	asls uint32
	err  error
}

func (f *fakeConfig) ReadConfig(offset uint16, size uint8) (uint32, error) {
	if f.err != nil {
		return 0, f.err
	}
	if offset == 0xfc && size == 4 {
		return f.asls, nil
	}
	return 0, nil
}

func (f *fakeConfig) WriteConfig(uint16, uint8, uint32) error { return nil }

func TestPolicyLidStatus(t *testing.T) {
	p := NewPolicy(&fakeConfig{}, nil)
	if p.Revision != PolicyRevision01 {
		t.Fatalf("revision: got %d", p.Revision)
	}
	if _, err := p.LidStatus(); !errors.Is(err, status.ErrUnsupported) {
		t.Fatalf("LidStatus: got %v want unsupported", err)
	}
}

func TestPolicyVbtData(t *testing.T) {
	e := newEnv(t)
	e.write(t, testOpRegion, makeOpRegion(3, 0, makeTable(0x400), 0, 0))

	cfg := &fakeConfig{}
	p := NewPolicy(cfg, e.svc)
	if _, _, err := p.VbtData(); !errors.Is(err, status.ErrUnsupported) {
		t.Fatalf("VbtData without OpRegion: got %v want unsupported", err)
	}

	cfg.asls = testOpRegion
	addr, size, err := p.VbtData()
	if err != nil {
		t.Fatalf("VbtData: %v", err)
	}
	if size != 0x400 || addr == 0 {
		t.Fatalf("VbtData: got 0x%x/0x%x", addr, size)
	}

	cfg.err = status.ErrDevice
	if _, _, err := p.VbtData(); !errors.Is(err, status.ErrDevice) {
		t.Fatalf("VbtData with failing device: got %v", err)
	}
}
