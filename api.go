// Package sectorfs defines the interfaces shared by the layers of a small
// single-volume file system built on a fixed-geometry sector device.
//
// The layers, from the bottom up, are:
//
//   - a block store with whole-sector reads and writes ([BlockDevice]);
//   - a free-sector bitmap and per-directory name tables, each persisted as the
//     content of an ordinary file;
//   - open file handles giving byte-level access to a file ([File]);
//   - the file system core, which resolves paths, allocates sectors, and hands
//     out small integer descriptors.
package sectorfs

import (
	"io"

	c "github.com/dargueta/sectorfs/file_systems/common"
)

// BlockDevice is the interface for fixed-geometry sector storage.
//
// Reads and writes always move exactly one sector. `buffer` must be at least
// BytesPerSector() bytes; only the first BytesPerSector() bytes are used.
type BlockDevice interface {
	ReadSector(sector c.PhysicalBlock, buffer []byte) error
	WriteSector(sector c.PhysicalBlock, buffer []byte) error
	// BytesPerSector gives the size of a single sector, in bytes.
	BytesPerSector() uint
	// TotalSectors gives the number of addressable sectors on the device.
	TotalSectors() uint
	// Flush writes any cached sectors out to the backing storage.
	Flush() error
	// Close flushes the device and releases the backing storage. The device
	// must not be used afterwards.
	Close() error
}

// File is the interface implemented by open file handles.
type File interface {
	io.ReadWriteSeeker
	io.ReaderAt
	io.WriterAt
	io.Closer

	// Length returns the size of the file, in bytes. Files have a fixed size
	// determined when they're created.
	Length() int64

	// HeaderSector returns the sector holding the file's metadata block. Two
	// handles refer to the same file if and only if their header sectors are
	// equal.
	HeaderSector() c.PhysicalBlock
}
