// Package common contains definitions of fundamental types and functions used
// across multiple layers of the file system.
package common

import "math"

// LogicalBlock is the index of a block relative to the start of some object,
// such as a file or a cache.
type LogicalBlock uint

// PhysicalBlock is the absolute index of a sector on the device.
type PhysicalBlock uint

// InvalidPhysicalBlock marks an unused sector pointer, or a lookup that found
// no sector.
const InvalidPhysicalBlock = PhysicalBlock(math.MaxUint)

// DivRoundUp divides `size` by `unit`, rounding up. It's used to determine how
// many sectors are required to hold a given number of bytes.
func DivRoundUp(size, unit uint) uint {
	return (size + unit - 1) / unit
}
