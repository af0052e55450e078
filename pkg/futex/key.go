package futex

import (
	"cmp"
	"fmt"
)

// KeyKind distinguishes the two key variants.
type KeyKind uint8

const (
	// KindPrivate keys are scoped to one process's address space.
	KindPrivate KeyKind = iota + 1

	// KindShared keys are scoped to the physical frame behind the address
	// and match across processes.
	KindShared
)

func (k KeyKind) String() string {
	switch k {
	case KindPrivate:
		return "private"
	case KindShared:
		return "shared"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// DefaultPageSize is the alignment used to split addresses into page and offset.
const DefaultPageSize = 4096

// Key identifies a futex.
//
// Keys are comparable values. They are copied, never mutated in place:
// requeue replaces a waiter's key rather than editing it.
//
// For a private key Page and Offset come from the user virtual address and
// PID names the address space. For a shared key they come from the
// translated physical address and PID is always zero, so every process
// mapping the same frame derives the same key. A shared key is only
// meaningful while the frame stays resident.
type Key struct {
	Kind   KeyKind
	PID    uint64
	Page   uint64
	Offset uint64
}

// NewPrivateKey returns the private key for the user address addr in
// process pid.
func NewPrivateKey(pid, addr, pageSize uint64) Key {
	page, offset := splitAddr(addr, pageSize)

	return Key{Kind: KindPrivate, PID: pid, Page: page, Offset: offset}
}

// NewSharedKey returns the shared key for the physical address phys.
func NewSharedKey(phys, pageSize uint64) Key {
	page, offset := splitAddr(phys, pageSize)

	return Key{Kind: KindShared, Page: page, Offset: offset}
}

// Addr returns the address the key was built from.
func (k Key) Addr() uint64 {
	return k.Page + k.Offset
}

func (k Key) String() string {
	if k.Kind == KindShared {
		return fmt.Sprintf("shared:%#x", k.Addr())
	}

	return fmt.Sprintf("private:%d:%#x", k.PID, k.Addr())
}

// CompareKeys orders keys by kind, pid, page, then offset.
// It returns -1, 0 or +1.
func CompareKeys(a, b Key) int {
	if c := cmp.Compare(a.Kind, b.Kind); c != 0 {
		return c
	}

	if c := cmp.Compare(a.PID, b.PID); c != 0 {
		return c
	}

	if c := cmp.Compare(a.Page, b.Page); c != 0 {
		return c
	}

	return cmp.Compare(a.Offset, b.Offset)
}

// splitAddr rounds addr down to pageSize. pageSize must be a power of two.
func splitAddr(addr, pageSize uint64) (uint64, uint64) {
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}

	page := addr &^ (pageSize - 1)

	return page, addr - page
}
