package igd

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/igd/internal/fwcfg"
	"github.com/tinyrange/igd/internal/physmem"
	"github.com/tinyrange/igd/internal/status"
)

// Config is what the VMM asked for, read once from the feed.
type Config struct {
	// OpRegionItem and OpRegionSize locate the OpRegion contents. A zero
	// size means no OpRegion was published.
	OpRegionItem fwcfg.Item
	OpRegionSize uint32

	// BDSMSize is the stolen memory size in bytes, zero when absent.
	BDSMSize uint64
}

// HasOpRegion reports whether OpRegion setup is configured.
func (c Config) HasOpRegion() bool { return c.OpRegionSize > 0 }

// HasStolenMemory reports whether stolen memory setup is configured.
func (c Config) HasStolenMemory() bool { return c.BDSMSize > 0 }

// LoadConfig looks up both IGD files. When neither exists it reports
// status.ErrUnsupported; a present but malformed file, or a feed that fails
// during the lookup, reports status.ErrProtocol.
func LoadConfig(feed Feed) (Config, error) {
	var cfg Config

	opItem, opSize, opErr := feed.FindFile(OpRegionFile)
	if opErr != nil && !errors.Is(opErr, status.ErrNotFound) {
		return Config{}, fmt.Errorf("igd: look up %s: %w: %w", OpRegionFile, status.ErrProtocol, opErr)
	}
	bdsmItem, bdsmSize, bdsmErr := feed.FindFile(BDSMSizeFile)
	if bdsmErr != nil && !errors.Is(bdsmErr, status.ErrNotFound) {
		return Config{}, fmt.Errorf("igd: look up %s: %w: %w", BDSMSizeFile, status.ErrProtocol, bdsmErr)
	}

	if opErr != nil && bdsmErr != nil {
		return Config{}, fmt.Errorf("igd: no IGD assigned: %w", status.ErrUnsupported)
	}

	if opErr == nil {
		if opSize == 0 {
			return Config{}, fmt.Errorf("igd: %s: zero size: %w", OpRegionFile, status.ErrProtocol)
		}
		cfg.OpRegionItem = opItem
		cfg.OpRegionSize = opSize
	}

	if bdsmErr == nil {
		var buf [8]byte
		if bdsmSize != uint32(len(buf)) {
			return Config{}, fmt.Errorf("igd: %s: invalid fw_cfg size %d: %w", BDSMSizeFile, bdsmSize, status.ErrProtocol)
		}
		if err := feed.Select(bdsmItem); err != nil {
			return Config{}, fmt.Errorf("igd: select %s: %w: %w", BDSMSizeFile, status.ErrProtocol, err)
		}
		if err := feed.ReadBytes(buf[:]); err != nil {
			return Config{}, fmt.Errorf("igd: read %s: %w: %w", BDSMSizeFile, status.ErrProtocol, err)
		}
		size := binary.LittleEndian.Uint64(buf[:])
		// The size must round up to whole pages without wrapping.
		if size == 0 || size > physmem.MaxUintN&^(physmem.PageSize-1) {
			return Config{}, fmt.Errorf("igd: %s: invalid value %d: %w", BDSMSizeFile, size, status.ErrProtocol)
		}
		cfg.BDSMSize = size
	}

	return cfg, nil
}
