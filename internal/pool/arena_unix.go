//go:build unix

package pool

import "golang.org/x/sys/unix"

type arena struct {
	mem    []byte
	mapped bool
}

// newArena maps anonymous private memory so a large reservation does not sit
// on the Go heap.
func newArena(size int) (*arena, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	return &arena{mem: mem, mapped: true}, nil
}

func (a *arena) free() error {
	mem := a.mem
	a.mem = nil
	return unix.Munmap(mem)
}
