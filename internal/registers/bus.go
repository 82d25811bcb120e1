package registers

import (
	"fmt"
	"os"
	"sync"
)

// Bus is raw byte access to the simulation's exposed memory window. The
// bank sits on top of a Bus; how the window is actually reached (shared
// file, debug socket, in-process slice) is the bus implementation's
// problem.
type Bus interface {
	Peek(off uint32, p []byte) error
	Poke(off uint32, p []byte) error
}

// SliceBus is an in-memory window. It backs unit tests and the embedded
// harness; a mutex makes it safe for a test stub poking bytes while the
// driver ticks.
type SliceBus struct {
	mu  sync.Mutex
	mem []byte
}

func NewSliceBus(size int) *SliceBus {
	return &SliceBus{mem: make([]byte, size)}
}

func (b *SliceBus) Peek(off uint32, p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(off)+len(p) > len(b.mem) {
		return fmt.Errorf("peek out of window: off=%#x len=%d", off, len(p))
	}
	copy(p, b.mem[off:])
	return nil
}

func (b *SliceBus) Poke(off uint32, p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(off)+len(p) > len(b.mem) {
		return fmt.Errorf("poke out of window: off=%#x len=%d", off, len(p))
	}
	copy(b.mem[off:], p)
	return nil
}

// FileBus reaches a memory window the simulation host exposes as a file
// (an mmap'd region or a /proc-style view). Offsets are relative to base.
type FileBus struct {
	f    *os.File
	base int64
}

func OpenFileBus(path string, base int64) (*FileBus, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open memory window: %w", err)
	}
	return &FileBus{f: f, base: base}, nil
}

func (b *FileBus) Peek(off uint32, p []byte) error {
	_, err := b.f.ReadAt(p, b.base+int64(off))
	return err
}

func (b *FileBus) Poke(off uint32, p []byte) error {
	_, err := b.f.WriteAt(p, b.base+int64(off))
	return err
}

func (b *FileBus) Close() error { return b.f.Close() }
