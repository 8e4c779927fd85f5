package blockdevice

import (
	"fmt"
	"os"

	"github.com/dargueta/sectorfs/disks"
	"github.com/dargueta/sectorfs/errors"
)

// OpenImageFile opens a disk image on the host file system and wraps it in a
// [Device]. If `create` is true the file is created if missing and sized to
// match `geometry`; otherwise its size must already match exactly.
//
// The image is locked for exclusive use until the device is closed, so two
// processes can't mount the same image at once.
func OpenImageFile(path string, geometry disks.DiskGeometry, create bool) (*Device, error) {
	err := geometry.Validate()
	if err != nil {
		return nil, err
	}

	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}

	file, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, errors.CastToDriverError(err)
	}

	err = lockFile(file)
	if err != nil {
		file.Close()
		return nil, errors.ErrBusy.Wrap(err)
	}

	stat, err := file.Stat()
	if err != nil {
		unlockFile(file)
		file.Close()
		return nil, errors.CastToDriverError(err)
	}

	expectedSize := geometry.TotalSizeBytes()
	if stat.Size() != expectedSize {
		if !create {
			unlockFile(file)
			file.Close()
			return nil, errors.ErrInvalidFileSystem.WithMessage(
				fmt.Sprintf(
					"image %q is %d bytes, geometry %s requires %d",
					path,
					stat.Size(),
					geometry,
					expectedSize,
				),
			)
		}

		err = file.Truncate(expectedSize)
		if err != nil {
			unlockFile(file)
			file.Close()
			return nil, errors.CastToDriverError(err)
		}
	}

	device := New(file, geometry.BytesPerSector, geometry.TotalSectors)
	device.release = func() error {
		unlockFile(file)
		return file.Close()
	}
	return device, nil
}
