//go:build unix

package physmem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func mapMemory(size uint64) ([]byte, func() error, error) {
	maxInt := uint64(^uint(0) >> 1)
	if size > maxInt {
		return nil, nil, fmt.Errorf("size %d exceeds host address limit", size)
	}
	mem, err := unix.Mmap(
		-1,
		0,
		int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, nil, err
	}
	return mem, func() error { return unix.Munmap(mem) }, nil
}
