package physmem

import (
	"bytes"
	"errors"
	"testing"

	"github.com/tinyrange/igd/internal/status"
)

func TestRAMReadWrite(t *testing.T) {
	ram, err := NewRAM(0x100000, 0x10000)
	if err != nil {
		t.Fatalf("new ram: %v", err)
	}
	defer ram.Close()

	if _, err := ram.WriteAt([]byte("igd"), 0x100ffd); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 3)
	if _, err := ram.ReadAt(buf, 0x100ffd); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(buf, []byte("igd")) {
		t.Fatalf("read back mismatch: %q", buf)
	}

	if err := ram.Zero(0x100ffe, 1); err != nil {
		t.Fatalf("zero: %v", err)
	}
	b, err := ram.Slice(0x100ffd, 3)
	if err != nil {
		t.Fatalf("slice: %v", err)
	}
	if !bytes.Equal(b, []byte{'i', 0, 'd'}) {
		t.Fatalf("zero mismatch: %q", b)
	}
}

func TestRAMBounds(t *testing.T) {
	ram, err := NewRAM(0x100000, 0x1000)
	if err != nil {
		t.Fatalf("new ram: %v", err)
	}
	defer ram.Close()

	if _, err := ram.ReadAt(make([]byte, 2), 0x100fff); !errors.Is(err, status.ErrInvalidArgument) {
		t.Fatalf("expected out of range read to fail, got %v", err)
	}
	if err := ram.Zero(0xff000, 1); !errors.Is(err, status.ErrInvalidArgument) {
		t.Fatalf("expected below-base zero to fail, got %v", err)
	}
	if _, err := NewRAM(0x100, 0x1000); !errors.Is(err, status.ErrInvalidArgument) {
		t.Fatalf("expected unaligned base to fail, got %v", err)
	}
}
