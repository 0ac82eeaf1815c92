package platform

import (
	"github.com/tinyrange/igd/internal/vbt"
)

// OpRegionSpec synthesizes OpRegion contents instead of reading a host dump.
type OpRegionSpec struct {
	Major    uint8 `yaml:"major"`
	Minor    uint8 `yaml:"minor"`
	Revision uint8 `yaml:"revision,omitempty"`
	// Size is the OpRegion size without an extended VBT, 8 KiB by default.
	Size int `yaml:"size,omitempty"`
	// VBTSize is the table size. Tables above 6 KiB go to the extended
	// region when the version allows it.
	VBTSize    int    `yaml:"vbtSize,omitempty"`
	BDBVersion uint16 `yaml:"bdbVersion,omitempty"`
}

func (o *OpRegionSpec) image() vbt.Image {
	return vbt.Image{
		Major:      o.Major,
		Minor:      o.Minor,
		Revision:   o.Revision,
		Size:       o.Size,
		TableSize:  o.VBTSize,
		BDBVersion: o.BDBVersion,
	}
}
