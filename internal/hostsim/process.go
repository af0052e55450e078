package hostsim

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Process is an address space: a page table from virtual page numbers to
// physical frames. It is safe for concurrent use.
type Process struct {
	m   *Machine
	pid uint64

	mu    sync.RWMutex
	pages map[uint64]int
}

// PID returns the process id.
func (p *Process) PID() uint64 {
	return p.pid
}

// Map backs pages fresh zeroed frames starting at vaddr, which must be page
// aligned.
func (p *Process) Map(vaddr uintptr, pages int) error {
	first, err := p.checkRange(vaddr, pages)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range uint64(pages) {
		if _, ok := p.pages[first+i]; ok {
			return fmt.Errorf("%w: %#x", ErrAlreadyMapped, (first+i)*p.m.pageSize)
		}
	}

	frame, err := p.m.allocFrames(pages)
	if err != nil {
		return err
	}

	for i := range uint64(pages) {
		p.pages[first+i] = frame + int(i)
	}

	return nil
}

// Share maps the frames behind pages pages at vaddr in p into dst at
// dstVaddr. Afterwards both processes see the same memory.
func (p *Process) Share(vaddr uintptr, dst *Process, dstVaddr uintptr, pages int) error {
	first, err := p.checkRange(vaddr, pages)
	if err != nil {
		return err
	}

	dstFirst, err := dst.checkRange(dstVaddr, pages)
	if err != nil {
		return err
	}

	frames := make([]int, pages)

	p.mu.RLock()

	for i := range frames {
		frame, ok := p.pages[first+uint64(i)]
		if !ok {
			p.mu.RUnlock()

			return fmt.Errorf("%w: %#x in pid %d", ErrNotMapped, (first+uint64(i))*p.m.pageSize, p.pid)
		}

		frames[i] = frame
	}

	p.mu.RUnlock()

	dst.mu.Lock()
	defer dst.mu.Unlock()

	for i := range frames {
		if _, ok := dst.pages[dstFirst+uint64(i)]; ok {
			return fmt.Errorf("%w: %#x in pid %d", ErrAlreadyMapped, (dstFirst+uint64(i))*p.m.pageSize, dst.pid)
		}
	}

	for i, frame := range frames {
		dst.pages[dstFirst+uint64(i)] = frame
	}

	return nil
}

func (p *Process) checkRange(vaddr uintptr, pages int) (uint64, error) {
	if pages <= 0 {
		return 0, fmt.Errorf("hostsim: page count %d must be positive", pages)
	}

	if uint64(vaddr)%p.m.pageSize != 0 {
		return 0, fmt.Errorf("hostsim: address %#x is not page aligned", vaddr)
	}

	return uint64(vaddr) / p.m.pageSize, nil
}

// Phys translates vaddr to a physical address.
func (p *Process) Phys(vaddr uintptr) (uint64, bool) {
	return p.translate(uint64(vaddr))
}

func (p *Process) translate(vaddr uint64) (uint64, bool) {
	p.mu.RLock()
	frame, ok := p.pages[vaddr/p.m.pageSize]
	p.mu.RUnlock()

	if !ok {
		return 0, false
	}

	return p.m.physOf(frame, vaddr%p.m.pageSize), true
}

func (p *Process) wordAt(uaddr uintptr) (*uint32, error) {
	if uaddr%4 != 0 {
		return nil, fmt.Errorf("hostsim: address %#x is not 4-byte aligned", uaddr)
	}

	phys, ok := p.translate(uint64(uaddr))
	if !ok {
		return nil, fmt.Errorf("%w: %#x in pid %d", ErrNotMapped, uaddr, p.pid)
	}

	return p.m.word(phys), nil
}

// Load atomically reads the 32-bit word at uaddr.
func (p *Process) Load(uaddr uintptr) (uint32, error) {
	word, err := p.wordAt(uaddr)
	if err != nil {
		return 0, err
	}

	return atomic.LoadUint32(word), nil
}

// Store atomically writes v to the 32-bit word at uaddr.
func (p *Process) Store(uaddr uintptr, v uint32) error {
	word, err := p.wordAt(uaddr)
	if err != nil {
		return err
	}

	atomic.StoreUint32(word, v)

	return nil
}

// CompareAndSwap atomically replaces the word at uaddr with updated if it
// holds old.
func (p *Process) CompareAndSwap(uaddr uintptr, old, updated uint32) (bool, error) {
	word, err := p.wordAt(uaddr)
	if err != nil {
		return false, err
	}

	return atomic.CompareAndSwapUint32(word, old, updated), nil
}

// Swap atomically writes v to the word at uaddr and returns the old value.
func (p *Process) Swap(uaddr uintptr, v uint32) (uint32, error) {
	word, err := p.wordAt(uaddr)
	if err != nil {
		return 0, err
	}

	return atomic.SwapUint32(word, v), nil
}

// Read copies user memory at uaddr into dst. It stops at the first unmapped
// page and returns the number of bytes copied.
func (p *Process) Read(dst []byte, uaddr uintptr) int {
	return p.copyBytes(uint64(uaddr), len(dst), func(mem []byte, done int) {
		copy(dst[done:], mem)
	})
}

// Write copies src into user memory at uaddr. It stops at the first
// unmapped page and returns the number of bytes copied.
func (p *Process) Write(uaddr uintptr, src []byte) int {
	return p.copyBytes(uint64(uaddr), len(src), func(mem []byte, done int) {
		copy(mem, src[done:])
	})
}

// copyBytes walks n bytes from vaddr page by page and calls fn with each
// page's slice of physical memory.
func (p *Process) copyBytes(vaddr uint64, n int, fn func(mem []byte, done int)) int {
	done := 0

	for done < n {
		phys, ok := p.translate(vaddr + uint64(done))
		if !ok {
			break
		}

		inPage := int(p.m.pageSize - (phys-PhysBase)%p.m.pageSize)
		chunk := min(inPage, n-done)

		start := phys - PhysBase
		fn(p.m.mem[start:start+uint64(chunk)], done)

		done += chunk
	}

	return done
}
