package fwcfg

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"testing"
)

type fakeMemory struct {
	mem  []byte
	base uint64
}

func newFakeMemory(size int) *fakeMemory {
	return &fakeMemory{mem: make([]byte, size)}
}

func (f *fakeMemory) MemoryBase() uint64 { return f.base }
func (f *fakeMemory) MemorySize() uint64 { return uint64(len(f.mem)) }

func (f *fakeMemory) ReadAt(p []byte, off int64) (int, error) {
	idx, err := f.translate(off, len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, f.mem[idx:]), nil
}

func (f *fakeMemory) WriteAt(p []byte, off int64) (int, error) {
	idx, err := f.translate(off, len(p))
	if err != nil {
		return 0, err
	}
	return copy(f.mem[idx:], p), nil
}

func (f *fakeMemory) translate(off int64, n int) (int, error) {
	idx := int(off - int64(f.base))
	if idx < 0 || idx+n > len(f.mem) {
		return 0, fmt.Errorf("offset out of range")
	}
	return idx, nil
}

func selectPort(t *testing.T, f *FwCfg, sel uint16) {
	t.Helper()
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], sel)
	if err := f.WriteIOPort(PortSelector, buf[:]); err != nil {
		t.Fatalf("select 0x%x: %v", sel, err)
	}
}

func readPort(t *testing.T, f *FwCfg, n int) []byte {
	t.Helper()
	out := make([]byte, n)
	for i := range out {
		if err := f.ReadIOPort(PortData, out[i:i+1]); err != nil {
			t.Fatalf("read data: %v", err)
		}
	}
	return out
}

func TestSignatureAndID(t *testing.T) {
	f := New()

	selectPort(t, f, SelectSignature)
	if got := readPort(t, f, 4); string(got) != "QEMU" {
		t.Fatalf("bad signature: %q", got)
	}

	selectPort(t, f, SelectID)
	id := binary.LittleEndian.Uint32(readPort(t, f, 4))
	if id != FeatureTraditional|FeatureDMA {
		t.Fatalf("bad id: 0x%x", id)
	}

	f = New(WithoutDMA())
	selectPort(t, f, SelectID)
	if id := binary.LittleEndian.Uint32(readPort(t, f, 4)); id != FeatureTraditional {
		t.Fatalf("bad id without DMA: 0x%x", id)
	}
}

func TestFileDirectory(t *testing.T) {
	f := New()
	opSel, err := f.AddFile("etc/igd-opregion", bytes.Repeat([]byte{0xaa}, 256))
	if err != nil {
		t.Fatalf("add file: %v", err)
	}
	bdsmSel, err := f.AddUint64("etc/igd-bdsm-size", 0x10000)
	if err != nil {
		t.Fatalf("add uint64: %v", err)
	}
	if opSel != FirstFileSelector || bdsmSel != FirstFileSelector+1 {
		t.Fatalf("unexpected selectors 0x%x 0x%x", opSel, bdsmSel)
	}

	selectPort(t, f, SelectFileDir)
	dir := readPort(t, f, 4+2*fileEntrySize)
	if n := binary.BigEndian.Uint32(dir[0:4]); n != 2 {
		t.Fatalf("bad file count %d", n)
	}
	entry := dir[4+fileEntrySize:]
	if size := binary.BigEndian.Uint32(entry[0:4]); size != 8 {
		t.Fatalf("bad size %d", size)
	}
	if sel := binary.BigEndian.Uint16(entry[4:6]); sel != bdsmSel {
		t.Fatalf("bad selector 0x%x", sel)
	}
	if name := strings.TrimRight(string(entry[8:fileEntrySize]), "\x00"); name != "etc/igd-bdsm-size" {
		t.Fatalf("bad name %q", name)
	}

	selectPort(t, f, bdsmSel)
	if v := binary.LittleEndian.Uint64(readPort(t, f, 8)); v != 0x10000 {
		t.Fatalf("bad value 0x%x", v)
	}
	// Reads past the end return zeros.
	if tail := readPort(t, f, 2); !bytes.Equal(tail, []byte{0, 0}) {
		t.Fatalf("expected zero tail, got %x", tail)
	}
}

func TestAddFileReplacesContents(t *testing.T) {
	f := New()
	first, err := f.AddFile("etc/igd-opregion", []byte{1})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	second, err := f.AddFile("etc/igd-opregion", []byte{2, 3})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if first != second {
		t.Fatalf("selector changed: 0x%x -> 0x%x", first, second)
	}
	selectPort(t, f, first)
	if got := readPort(t, f, 2); !bytes.Equal(got, []byte{2, 3}) {
		t.Fatalf("contents not replaced: %x", got)
	}

	if _, err := f.AddFile(strings.Repeat("x", fileNameSize), nil); err == nil {
		t.Fatalf("expected long name to be rejected")
	}
}

func TestDMARead(t *testing.T) {
	mem := newFakeMemory(0x2000)
	f := New()
	if err := f.Init(mem); err != nil {
		t.Fatalf("init: %v", err)
	}
	sel, err := f.AddFile("etc/igd-opregion", []byte("IntelGraphicsMem"))
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	var access [16]byte
	binary.BigEndian.PutUint32(access[0:4], uint32(sel)<<16|DMASelect|DMARead)
	binary.BigEndian.PutUint32(access[4:8], 20)
	binary.BigEndian.PutUint64(access[8:16], 0x1000)
	copy(mem.mem[0x100:], access[:])

	var hi, lo [4]byte
	binary.BigEndian.PutUint32(lo[:], 0x100)
	if err := f.WriteIOPort(PortDMA, hi[:]); err != nil {
		t.Fatalf("dma high: %v", err)
	}
	if err := f.WriteIOPort(PortDMA+4, lo[:]); err != nil {
		t.Fatalf("dma low: %v", err)
	}

	if ctl := binary.BigEndian.Uint32(mem.mem[0x100:0x104]); ctl != 0 {
		t.Fatalf("dma control not cleared: 0x%x", ctl)
	}
	want := append([]byte("IntelGraphicsMem"), 0, 0, 0, 0)
	if got := mem.mem[0x1000:0x1014]; !bytes.Equal(got, want) {
		t.Fatalf("dma data mismatch: %q", got)
	}
}

func TestDMAWriteRejected(t *testing.T) {
	mem := newFakeMemory(0x1000)
	f := New(WithMMIO(DefaultBase))
	if err := f.Init(mem); err != nil {
		t.Fatalf("init: %v", err)
	}

	var access [16]byte
	binary.BigEndian.PutUint32(access[0:4], DMAWrite)
	copy(mem.mem[0x200:], access[:])

	var addr [8]byte
	binary.BigEndian.PutUint64(addr[:], 0x200)
	if err := f.WriteMMIO(DefaultBase+RegDMA, addr[:]); err != nil {
		t.Fatalf("dma: %v", err)
	}
	if ctl := binary.BigEndian.Uint32(mem.mem[0x200:0x204]); ctl != DMAError {
		t.Fatalf("expected error control, got 0x%x", ctl)
	}
}

func TestMMIOTransport(t *testing.T) {
	f := New(WithMMIO(DefaultBase))
	if ports := f.IOPorts(); len(ports) != 0 {
		t.Fatalf("mmio device claims ports %v", ports)
	}
	if regions := f.MMIORegions(); len(regions) != 1 || regions[0].Address != DefaultBase {
		t.Fatalf("bad regions %v", regions)
	}

	var sel [2]byte
	binary.LittleEndian.PutUint16(sel[:], SelectSignature)
	if err := f.WriteMMIO(DefaultBase+RegSelector, sel[:]); err != nil {
		t.Fatalf("select: %v", err)
	}
	buf := make([]byte, 4)
	if err := f.ReadMMIO(DefaultBase+RegData, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "QEMU" {
		t.Fatalf("bad signature %q", buf)
	}
	if err := f.ReadMMIO(DefaultBase+DefaultSize, buf); err == nil {
		t.Fatalf("expected out of bounds read to fail")
	}
}

func TestSelectorReadback(t *testing.T) {
	f := New(WithMMIO(DefaultBase))
	var sel [2]byte
	binary.LittleEndian.PutUint16(sel[:], SelectFileDir)
	if err := f.WriteMMIO(DefaultBase+RegSelector, sel[:]); err != nil {
		t.Fatalf("select: %v", err)
	}
	got := make([]byte, 2)
	if err := f.ReadMMIO(DefaultBase+RegSelector, got); err != nil {
		t.Fatalf("read selector: %v", err)
	}
	if v := binary.LittleEndian.Uint16(got); v != SelectFileDir {
		t.Fatalf("selector = 0x%x, want 0x%x", v, SelectFileDir)
	}

	sig := make([]byte, 8)
	if err := f.ReadMMIO(DefaultBase+RegDMA, sig); err != nil {
		t.Fatalf("read DMA register: %v", err)
	}
	if string(sig) != "QEMU CFG" {
		t.Fatalf("DMA signature = %q", sig)
	}
}

// largestWrite records the biggest single write the device makes.
type largestWrite struct {
	*fakeMemory
	max int
}

func (l *largestWrite) WriteAt(p []byte, off int64) (int, error) {
	l.max = max(l.max, len(p))
	return l.fakeMemory.WriteAt(p, off)
}

func TestDMAReadLengthBoundedByItem(t *testing.T) {
	mem := &largestWrite{fakeMemory: newFakeMemory(0x3000)}
	f := New()
	if err := f.Init(mem); err != nil {
		t.Fatalf("init: %v", err)
	}
	sel, err := f.AddFile("etc/igd-bdsm-size", bytes.Repeat([]byte{0x11}, 8))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	for i := 0x1000; i < 0x3000; i++ {
		mem.mem[i] = 0xaa
	}

	var access [16]byte
	binary.BigEndian.PutUint32(access[0:4], uint32(sel)<<16|DMASelect|DMARead)
	binary.BigEndian.PutUint32(access[4:8], 0xfffffff0)
	binary.BigEndian.PutUint64(access[8:16], 0x1000)
	copy(mem.mem[0x100:], access[:])

	var hi, lo [4]byte
	binary.BigEndian.PutUint32(lo[:], 0x100)
	if err := f.WriteIOPort(PortDMA, hi[:]); err != nil {
		t.Fatalf("dma high: %v", err)
	}
	if err := f.WriteIOPort(PortDMA+4, lo[:]); err != nil {
		t.Fatalf("dma low: %v", err)
	}

	if ctl := binary.BigEndian.Uint32(mem.mem[0x100:0x104]); ctl != DMAError {
		t.Fatalf("control = 0x%x, want error for a range past guest memory", ctl)
	}
	if mem.max > zeroChunk {
		t.Fatalf("largest write %d bytes, want at most %d", mem.max, zeroChunk)
	}
	if !bytes.Equal(mem.mem[0x1000:0x1008], bytes.Repeat([]byte{0x11}, 8)) {
		t.Fatalf("item bytes not copied: %x", mem.mem[0x1000:0x1008])
	}
	if !bytes.Equal(mem.mem[0x1008:0x1008+zeroChunk], make([]byte, zeroChunk)) {
		t.Fatal("range past the item not cleared")
	}
}
