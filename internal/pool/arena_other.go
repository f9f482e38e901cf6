//go:build !unix

package pool

type arena struct {
	mem    []byte
	mapped bool
}

func newArena(size int) (*arena, error) {
	return &arena{mem: make([]byte, size)}, nil
}

func (a *arena) free() error {
	a.mem = nil
	return nil
}
