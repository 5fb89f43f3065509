//go:build linux || darwin

package carrier

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/vthreadrt/continuation/arch"
)

// mapStack allocates the carrier stack as an anonymous mapping. The
// lowest page is protected so a runaway copy faults instead of
// corrupting an adjacent allocation; the overflow-limit check is the
// soft layer above this hard stop.
func mapStack(words int) ([]arch.Word, func() error, error) {
	pageSize := unix.Getpagesize()
	size := (words*8 + pageSize - 1) &^ (pageSize - 1)
	size += pageSize // guard page

	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, nil, err
	}
	if err := unix.Mprotect(mem[:pageSize], unix.PROT_NONE); err != nil {
		_ = unix.Munmap(mem)
		return nil, nil, err
	}

	data := mem[pageSize:]
	stack := unsafe.Slice((*arch.Word)(unsafe.Pointer(&data[0])), words)
	return stack, func() error { return unix.Munmap(mem) }, nil
}
