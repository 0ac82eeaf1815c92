// Package fwcfg reads named configuration blobs from the QEMU fw_cfg device.
//
// Items are selected by name through the file directory, then streamed
// sequentially; selecting an item rewinds it.
package fwcfg

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/igd/internal/status"
)

// Well-known selectors.
const (
	SelectorSignature = 0x0000
	SelectorID        = 0x0001
	SelectorFileDir   = 0x0019
)

// Feature bits of the SelectorID item.
const (
	FeatureTraditional = 1 << 0
	FeatureDMA         = 1 << 1
)

const (
	fileEntrySize = 64
	fileNameSize  = 56
)

// Item identifies a selectable fw_cfg item.
type Item uint16

// Client is a guest-side fw_cfg reader. It is not safe for concurrent use;
// firmware drives it from a single thread of control.
type Client struct {
	t        Transport
	features uint32

	// sizes of items located through FindFile, used to bound reads.
	sizes     map[Item]uint32
	remaining int64
}

// NewClient probes for the device signature and returns a client.
// A missing device reports status.ErrUnsupported.
func NewClient(t Transport) (*Client, error) {
	c := &Client{t: t, sizes: make(map[Item]uint32), remaining: -1}

	var sig [4]byte
	if err := c.readItem(SelectorSignature, sig[:]); err != nil {
		return nil, err
	}
	if !bytes.Equal(sig[:], []byte("QEMU")) {
		return nil, fmt.Errorf("fwcfg: bad signature %q: %w", sig[:], status.ErrUnsupported)
	}

	var id [4]byte
	if err := c.readItem(SelectorID, id[:]); err != nil {
		return nil, err
	}
	c.features = binary.LittleEndian.Uint32(id[:])
	return c, nil
}

// Features returns the SelectorID feature bits reported by the device.
func (c *Client) Features() uint32 { return c.features }

// SupportsDMA reports whether the device accepts DMA transfers.
func (c *Client) SupportsDMA() bool { return c.features&FeatureDMA != 0 }

// FindFile looks name up in the file directory and returns its item and
// size. A missing file reports status.ErrNotFound.
func (c *Client) FindFile(name string) (Item, uint32, error) {
	if err := c.t.Select(SelectorFileDir); err != nil {
		return 0, 0, err
	}
	c.remaining = -1

	var countBuf [4]byte
	if err := c.t.Read(countBuf[:]); err != nil {
		return 0, 0, err
	}
	count := binary.BigEndian.Uint32(countBuf[:])

	var entry [fileEntrySize]byte
	for i := uint32(0); i < count; i++ {
		if err := c.t.Read(entry[:]); err != nil {
			return 0, 0, err
		}
		entryName := entry[8 : 8+fileNameSize]
		if n := bytes.IndexByte(entryName, 0); n >= 0 {
			entryName = entryName[:n]
		}
		if string(entryName) != name {
			continue
		}
		item := Item(binary.BigEndian.Uint16(entry[4:6]))
		size := binary.BigEndian.Uint32(entry[0:4])
		c.sizes[item] = size
		return item, size, nil
	}
	return 0, 0, fmt.Errorf("fwcfg: file %q: %w", name, status.ErrNotFound)
}

// Select makes item current and rewinds its cursor.
func (c *Client) Select(item Item) error {
	if err := c.t.Select(uint16(item)); err != nil {
		return err
	}
	c.remaining = -1
	if size, ok := c.sizes[item]; ok {
		c.remaining = int64(size)
	}
	return nil
}

// ReadBytes consumes exactly len(p) bytes from the selected item. Reading
// past the declared size of an item located through FindFile reports
// status.ErrInvalidArgument and consumes nothing.
func (c *Client) ReadBytes(p []byte) error {
	if c.remaining >= 0 && int64(len(p)) > c.remaining {
		return fmt.Errorf("fwcfg: read of %d bytes exceeds %d remaining: %w", len(p), c.remaining, status.ErrInvalidArgument)
	}
	if err := c.t.Read(p); err != nil {
		return err
	}
	if c.remaining >= 0 {
		c.remaining -= int64(len(p))
	}
	return nil
}

// ReadUint64 selects item and decodes its first eight bytes as a
// little-endian integer.
func (c *Client) ReadUint64(item Item) (uint64, error) {
	if err := c.Select(item); err != nil {
		return 0, err
	}
	var buf [8]byte
	if err := c.ReadBytes(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (c *Client) readItem(sel uint16, p []byte) error {
	if err := c.t.Select(sel); err != nil {
		return err
	}
	c.remaining = -1
	return c.t.Read(p)
}
