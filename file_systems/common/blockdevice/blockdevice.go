// Package blockdevice implements the sector store the file system runs on: a
// fixed number of fixed-size sectors with synchronous whole-sector reads and
// writes.
package blockdevice

import (
	"fmt"
	"io"
	"sync"

	"github.com/dargueta/sectorfs"
	"github.com/dargueta/sectorfs/disks"
	"github.com/dargueta/sectorfs/errors"
	c "github.com/dargueta/sectorfs/file_systems/common"
	"github.com/dargueta/sectorfs/file_systems/common/blockcache"
	"github.com/xaionaro-go/bytesextra"
)

// Device is a sector store over any [io.ReadWriteSeeker]. Sector writes go into
// a write-back cache and reach the stream on [Device.Flush] or [Device.Close].
//
// A Device is safe for concurrent use.
//
// The exposed methods are the only way to touch the sectors; the backing
// stream must not be modified while the device is open.
type Device struct {
	lock           sync.Mutex
	cache          *blockcache.BlockCache
	bytesPerSector uint
	totalSectors   uint
	release        func() error
	closed         bool
}

// New creates a device with the given geometry on top of `stream`. The stream
// should be at least `bytesPerSector * totalSectors` bytes; anything missing
// reads as zeroes.
func New(stream io.ReadWriteSeeker, bytesPerSector, totalSectors uint) *Device {
	return &Device{
		cache:          blockcache.WrapStream(stream, bytesPerSector, totalSectors),
		bytesPerSector: bytesPerSector,
		totalSectors:   totalSectors,
	}
}

var _ sectorfs.BlockDevice = (*Device)(nil)

// NewFromGeometry is a convenience wrapper around [New].
func NewFromGeometry(stream io.ReadWriteSeeker, geometry disks.DiskGeometry) (*Device, error) {
	err := geometry.Validate()
	if err != nil {
		return nil, err
	}
	return New(stream, geometry.BytesPerSector, geometry.TotalSectors), nil
}

// NewInMemory creates a zero-filled device that lives entirely in memory.
func NewInMemory(bytesPerSector, totalSectors uint) *Device {
	backing := make([]byte, bytesPerSector*totalSectors)
	return New(bytesextra.NewReadWriteSeeker(backing), bytesPerSector, totalSectors)
}

// NewInMemoryFromImage creates an in-memory device initialized with a copy of
// `image`, which must be exactly `bytesPerSector * totalSectors` bytes.
func NewInMemoryFromImage(image []byte, bytesPerSector, totalSectors uint) (*Device, error) {
	expected := bytesPerSector * totalSectors
	if uint(len(image)) != expected {
		return nil, errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("image is %d bytes, geometry requires %d", len(image), expected),
		)
	}

	backing := make([]byte, len(image))
	copy(backing, image)
	return New(bytesextra.NewReadWriteSeeker(backing), bytesPerSector, totalSectors), nil
}

func (device *Device) BytesPerSector() uint {
	return device.bytesPerSector
}

func (device *Device) TotalSectors() uint {
	return device.totalSectors
}

// checkIO verifies the device is open and that a sector-sized transfer to or
// from `buffer` is possible. The device lock must be held.
func (device *Device) checkIO(sector c.PhysicalBlock, buffer []byte) error {
	if device.closed {
		return errors.ErrIOFailed.WithMessage("device is closed")
	}
	if uint(sector) >= device.totalSectors {
		return errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"invalid sector %d: not in range [0, %d)",
				sector,
				device.totalSectors,
			),
		)
	}
	if uint(len(buffer)) < device.bytesPerSector {
		return errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"buffer must be at least one sector (%d B), got %d",
				device.bytesPerSector,
				len(buffer),
			),
		)
	}
	return nil
}

// ReadSector copies the contents of `sector` into the first BytesPerSector()
// bytes of `buffer`.
func (device *Device) ReadSector(sector c.PhysicalBlock, buffer []byte) error {
	device.lock.Lock()
	defer device.lock.Unlock()

	err := device.checkIO(sector, buffer)
	if err != nil {
		return err
	}
	_, err = device.cache.ReadAt(buffer[:device.bytesPerSector], c.LogicalBlock(sector))
	return err
}

// WriteSector overwrites `sector` with the first BytesPerSector() bytes of
// `buffer`.
func (device *Device) WriteSector(sector c.PhysicalBlock, buffer []byte) error {
	device.lock.Lock()
	defer device.lock.Unlock()

	err := device.checkIO(sector, buffer)
	if err != nil {
		return err
	}
	_, err = device.cache.WriteAt(buffer[:device.bytesPerSector], c.LogicalBlock(sector))
	return err
}

// Flush writes all modified sectors to the backing stream.
func (device *Device) Flush() error {
	device.lock.Lock()
	defer device.lock.Unlock()

	if device.closed {
		return errors.ErrIOFailed.WithMessage("device is closed")
	}
	return device.cache.Flush()
}

// Snapshot returns a copy of every sector on the device, in order.
func (device *Device) Snapshot() ([]byte, error) {
	device.lock.Lock()
	defer device.lock.Unlock()

	if device.closed {
		return nil, errors.ErrIOFailed.WithMessage("device is closed")
	}

	data, err := device.cache.Data()
	if err != nil {
		return nil, err
	}

	image := make([]byte, len(data))
	copy(image, data)
	return image, nil
}

// Close flushes the device and releases the backing storage. Calling Close more
// than once is a no-op.
func (device *Device) Close() error {
	device.lock.Lock()
	defer device.lock.Unlock()

	if device.closed {
		return nil
	}

	err := device.cache.Flush()
	device.closed = true
	if device.release != nil {
		releaseErr := device.release()
		if err == nil {
			err = releaseErr
		}
	}
	return err
}
