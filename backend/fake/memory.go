package fake

import (
	"fmt"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
)

const (
	baseAddr = 0x10000
	// gap between blocks so a one-past-the-end address never aliases the
	// next block
	blockGap = 16
)

type block struct {
	data []byte
	// code blocks stand in for functions and callbacks and cannot be read
	code bool
}

// memory emulates a native heap. Blocks are keyed by base address so the
// block owning any address is the floor entry.
type memory struct {
	mu     sync.Mutex
	blocks *treemap.Map
	next   uint64
}

func newMemory() *memory {
	return &memory{blocks: treemap.NewWith(utils.UInt64Comparator), next: baseAddr}
}

func (m *memory) alloc(size int, code bool) uintptr {
	m.mu.Lock()
	defer m.mu.Unlock()

	addr := m.next
	m.next += uint64(size+blockGap+15) &^ 15
	m.blocks.Put(addr, &block{data: make([]byte, size), code: code})
	return uintptr(addr)
}

func (m *memory) free(addr uintptr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.blocks.Get(uint64(addr)); !ok {
		return fmt.Errorf("fake: free of unallocated address %#x", addr)
	}
	m.blocks.Remove(uint64(addr))
	return nil
}

// span returns the bytes [addr, addr+n) or an error when they are not
// inside one data block.
func (m *memory) span(addr uintptr, n int) ([]byte, error) {
	key, value := m.blocks.Floor(uint64(addr))
	if key == nil {
		return nil, fmt.Errorf("fake: invalid address %#x", addr)
	}

	b := value.(*block)
	off := int(uint64(addr) - key.(uint64))
	if b.code || off+n > len(b.data) {
		return nil, fmt.Errorf("fake: invalid access of %d bytes at %#x", n, addr)
	}
	return b.data[off : off+n], nil
}

func (m *memory) read(addr uintptr, dst []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	src, err := m.span(addr, len(dst))
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

func (m *memory) write(addr uintptr, src []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dst, err := m.span(addr, len(src))
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

func (m *memory) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks.Clear()
}
