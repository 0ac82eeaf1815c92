package igd

import (
	"errors"
	"testing"

	"github.com/tinyrange/igd/internal/fwcfg"
	"github.com/tinyrange/igd/internal/status"
)

func TestLoadConfig(t *testing.T) {
	for _, tc := range []struct {
		name  string
		setup func(t *testing.T, m *machine)
		want  error
		check func(t *testing.T, cfg Config)
	}{
		{
			name:  "no files",
			setup: func(*testing.T, *machine) {},
			want:  status.ErrUnsupported,
		},
		{
			name: "opregion only",
			setup: func(t *testing.T, m *machine) {
				m.addFile(t, OpRegionFile, opRegion(256, 0))
			},
			check: func(t *testing.T, cfg Config) {
				if cfg.OpRegionSize != 256 || cfg.HasStolenMemory() {
					t.Fatalf("unexpected config %+v", cfg)
				}
			},
		},
		{
			name: "bdsm only",
			setup: func(t *testing.T, m *machine) {
				m.addBDSMSize(t, 0x10000)
			},
			check: func(t *testing.T, cfg Config) {
				if cfg.BDSMSize != 0x10000 || cfg.HasOpRegion() {
					t.Fatalf("unexpected config %+v", cfg)
				}
			},
		},
		{
			name: "zero size opregion",
			setup: func(t *testing.T, m *machine) {
				m.addFile(t, OpRegionFile, nil)
			},
			want: status.ErrProtocol,
		},
		{
			name: "short bdsm entry",
			setup: func(t *testing.T, m *machine) {
				m.addFile(t, BDSMSizeFile, []byte{0, 0, 1, 0})
			},
			want: status.ErrProtocol,
		},
		{
			name: "long bdsm entry",
			setup: func(t *testing.T, m *machine) {
				m.addFile(t, BDSMSizeFile, make([]byte, 16))
			},
			want: status.ErrProtocol,
		},
		{
			name: "zero bdsm value",
			setup: func(t *testing.T, m *machine) {
				m.addBDSMSize(t, 0)
			},
			want: status.ErrProtocol,
		},
		{
			name: "bdsm value past address width",
			setup: func(t *testing.T, m *machine) {
				m.addBDSMSize(t, ^uint64(0))
			},
			want: status.ErrProtocol,
		},
		{
			name: "malformed bdsm next to valid opregion",
			setup: func(t *testing.T, m *machine) {
				m.addFile(t, OpRegionFile, opRegion(256, 0))
				m.addBDSMSize(t, 0)
			},
			want: status.ErrProtocol,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := newMachine(t)
			tc.setup(t, m)

			cfg, err := LoadConfig(m.client(t))
			if tc.want != nil {
				if !errors.Is(err, tc.want) {
					t.Fatalf("LoadConfig: got %v want %v", err, tc.want)
				}
				return
			}
			if err != nil {
				t.Fatalf("LoadConfig: %v", err)
			}
			tc.check(t, cfg)
		})
	}
}

type failingFeed struct{}

func (failingFeed) FindFile(string) (fwcfg.Item, uint32, error) {
	return 0, 0, status.ErrDevice
}
func (failingFeed) Select(fwcfg.Item) error { return status.ErrDevice }
func (failingFeed) ReadBytes([]byte) error  { return status.ErrDevice }

func TestLoadConfigFeedFailure(t *testing.T) {
	_, err := LoadConfig(failingFeed{})
	if !errors.Is(err, status.ErrProtocol) || !errors.Is(err, status.ErrDevice) {
		t.Fatalf("LoadConfig: got %v, want protocol error wrapping device error", err)
	}
}
