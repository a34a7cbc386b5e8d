// Package memaddr defines the small address/permission value types shared
// by the ELF CORE parser and the memory map.
package memaddr

import "fmt"

// Address is a 64-bit physical or virtual address in the captured memory
// image. It is always treated as unsigned.
type Address uint64

// Add returns a+n.
func (a Address) Add(n int64) Address {
	return Address(int64(a) + n)
}

// Sub returns a-b.
func (a Address) Sub(b Address) int64 {
	return int64(a) - int64(b)
}

// Align rounds a down to the nearest multiple of n, where n is a power of two.
func (a Address) Align(n int64) Address {
	return Address(uint64(a) &^ uint64(n-1))
}

func (a Address) String() string {
	return fmt.Sprintf("%#x", uint64(a))
}

// Perm is the set of access permissions of a Load Segment.
type Perm uint8

const (
	Read Perm = 1 << iota
	Write
	Exec
)

func (p Perm) String() string {
	var b [3]byte
	for i, bit := range []struct {
		mask Perm
		c    byte
	}{{Read, 'r'}, {Write, 'w'}, {Exec, 'x'}} {
		if p&bit.mask != 0 {
			b[i] = bit.c
		} else {
			b[i] = '-'
		}
	}
	return string(b[:])
}

// Access describes the kind of memory access being attempted, used to
// annotate page-fault errors with whether a read, write, or instruction
// fetch caused the fault.
type Access uint8

const (
	AccessRead Access = iota
	AccessWrite
	AccessExec
)

func (a Access) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessExec:
		return "exec"
	default:
		return "unknown"
	}
}
