// Package openfile implements a file-like handle over the sectors described by
// a file header.
package openfile

import (
	"fmt"
	"io"

	"github.com/dargueta/sectorfs"
	"github.com/dargueta/sectorfs/errors"
	c "github.com/dargueta/sectorfs/file_systems/common"
	"github.com/dargueta/sectorfs/file_systems/sectorfs/filehdr"
)

// OpenFile is a file-like handle bound to one file header for its whole
// lifetime. It emulates the subset of [os.File] that makes sense for
// fixed-size files: reads and writes never change the file's length, and
// writes that would run past the end are cut short.
//
// An OpenFile owns no allocation state. Several handles may refer to the same
// file; all of them go straight to the device, so they see each other's
// writes. A single OpenFile is not safe for concurrent use.
type OpenFile struct {
	device   sectorfs.BlockDevice
	hdr      *filehdr.FileHeader
	sector   c.PhysicalBlock
	position int64
	ioFlags  sectorfs.IOFlags
	closed   bool
}

var _ sectorfs.File = (*OpenFile)(nil)

// Open creates a handle on the file whose header is stored in `sector`.
//
// Read/write permissions in `flags` are enforced: attempting to write a file
// opened with [sectorfs.O_RDONLY] fails with [errors.EPERM]. If
// [sectorfs.O_SYNC] is set, every write flushes the device before returning.
func Open(
	device sectorfs.BlockDevice,
	sector c.PhysicalBlock,
	flags sectorfs.IOFlags,
) (*OpenFile, error) {
	hdr := filehdr.New(device.BytesPerSector())
	err := hdr.FetchFrom(device, sector)
	if err != nil {
		return nil, err
	}

	return &OpenFile{
		device:  device,
		hdr:     hdr,
		sector:  sector,
		ioFlags: flags,
	}, nil
}

func (file *OpenFile) checkOpen() error {
	if file.closed {
		return errors.ErrInvalidFileDescriptor.WithMessage(
			fmt.Sprintf("file at sector %d is closed", file.sector),
		)
	}
	return nil
}

// Close releases the handle. The handle must not be used afterwards.
func (file *OpenFile) Close() error {
	err := file.checkOpen()
	if err != nil {
		return err
	}
	file.closed = true
	return nil
}

// HeaderSector returns the sector holding this file's header.
func (file *OpenFile) HeaderSector() c.PhysicalBlock {
	return file.sector
}

// Header returns the header the handle was opened with.
func (file *OpenFile) Header() *filehdr.FileHeader {
	return file.hdr
}

// Length returns the size of the file, in bytes.
func (file *OpenFile) Length() int64 {
	return int64(file.hdr.FileLength())
}

// Tell returns the current stream position. It's a more concise way of calling
// `Seek(0, io.SeekCurrent)`.
func (file *OpenFile) Tell() int64 {
	return file.position
}

func (file *OpenFile) Read(buffer []byte) (int, error) {
	totalRead, err := file.ReadAt(buffer, file.position)
	file.position += int64(totalRead)
	return totalRead, err
}

func (file *OpenFile) ReadAt(buffer []byte, offset int64) (int, error) {
	err := file.checkOpen()
	if err != nil {
		return 0, err
	}
	if !file.ioFlags.Read() {
		return 0, errors.ErrNotPermitted.WithMessage("file not opened for reading")
	}
	if offset < 0 {
		return 0, errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("negative offset %d", offset),
		)
	}

	// Clamp the number of bytes to read to whichever is smaller; the length of
	// the buffer or the end of the file.
	fileLength := file.Length()
	if offset >= fileLength {
		if len(buffer) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}

	numBytesToRead := int64(len(buffer))
	if offset+numBytesToRead > fileLength {
		numBytesToRead = fileLength - offset
	}

	bytesPerSector := int64(file.device.BytesPerSector())
	sectorBuffer := make([]byte, bytesPerSector)
	done := int64(0)

	for done < numBytesToRead {
		position := offset + done
		sectorOffset := position % bytesPerSector
		chunk := min(bytesPerSector-sectorOffset, numBytesToRead-done)

		err = file.device.ReadSector(file.hdr.ByteToSector(uint(position)), sectorBuffer)
		if err != nil {
			return int(done), err
		}
		copy(buffer[done:done+chunk], sectorBuffer[sectorOffset:sectorOffset+chunk])
		done += chunk
	}

	if numBytesToRead < int64(len(buffer)) {
		return int(numBytesToRead), io.EOF
	}
	return int(numBytesToRead), nil
}

// Seek resets the stream pointer to `offset` bytes from the origin specified in
// `whence`. It must be one of [io.SeekStart], [io.SeekCurrent], or [io.SeekEnd].
//
// Seeking past the end of the file is possible, but reads there return no data
// and writes fail.
func (file *OpenFile) Seek(offset int64, whence int) (int64, error) {
	var absoluteOffset int64

	switch whence {
	case io.SeekStart:
		absoluteOffset = offset
	case io.SeekCurrent:
		absoluteOffset = file.position + offset
	case io.SeekEnd:
		absoluteOffset = file.Length() + offset
	default:
		return file.position, errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("invalid seek origin: %d", whence),
		)
	}

	if absoluteOffset < 0 {
		return file.position, errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"result of Seek(offset=%d, whence=%d) is negative",
				offset,
				whence,
			),
		)
	}

	file.position = absoluteOffset
	return absoluteOffset, nil
}

func (file *OpenFile) Write(buffer []byte) (int, error) {
	totalWritten, err := file.WriteAt(buffer, file.position)
	file.position += int64(totalWritten)
	return totalWritten, err
}

// WriteAt writes `buffer` at `offset`. Files can't grow, so if the write would
// run past the end of the file only the part that fits is written, and an error
// wrapping [errors.ErrFileTooLarge] is returned along with the short count.
func (file *OpenFile) WriteAt(buffer []byte, offset int64) (int, error) {
	err := file.checkOpen()
	if err != nil {
		return 0, err
	}
	if !file.ioFlags.Write() {
		return 0, errors.ErrNotPermitted.WithMessage("file not opened for writing")
	}
	if offset < 0 {
		return 0, errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("negative offset %d", offset),
		)
	}

	bufLen := int64(len(buffer))
	fileLength := file.Length()
	numBytesToWrite := bufLen
	if offset >= fileLength {
		numBytesToWrite = 0
	} else if offset+bufLen > fileLength {
		numBytesToWrite = fileLength - offset
	}

	bytesPerSector := int64(file.device.BytesPerSector())
	sectorBuffer := make([]byte, bytesPerSector)
	done := int64(0)

	for done < numBytesToWrite {
		position := offset + done
		sectorOffset := position % bytesPerSector
		chunk := min(bytesPerSector-sectorOffset, numBytesToWrite-done)
		sector := file.hdr.ByteToSector(uint(position))

		// Partial sectors need their current contents so we don't clobber the
		// bytes around the part we're writing.
		if chunk < bytesPerSector {
			err = file.device.ReadSector(sector, sectorBuffer)
			if err != nil {
				return int(done), err
			}
		}

		copy(sectorBuffer[sectorOffset:sectorOffset+chunk], buffer[done:done+chunk])
		err = file.device.WriteSector(sector, sectorBuffer)
		if err != nil {
			return int(done), err
		}
		done += chunk
	}

	if file.ioFlags.Synchronous() && done > 0 {
		err = file.device.Flush()
		if err != nil {
			return int(done), err
		}
	}

	if numBytesToWrite < bufLen {
		return int(numBytesToWrite), errors.ErrFileTooLarge.WithMessage(
			fmt.Sprintf(
				"wrote %d of %d bytes at offset %d; file is fixed at %d bytes",
				numBytesToWrite,
				bufLen,
				offset,
				fileLength,
			),
		)
	}
	return int(numBytesToWrite), nil
}

// WriteString writes a string to the file.
func (file *OpenFile) WriteString(s string) (int, error) {
	return file.Write([]byte(s))
}

// WriteTo copies the rest of the file, starting at the current position, to
// `w`.
func (file *OpenFile) WriteTo(w io.Writer) (int64, error) {
	buffer := make([]byte, file.device.BytesPerSector())
	totalWritten := int64(0)

	for {
		blockSize, err := file.Read(buffer)

		// Always write the data we've read in regardless of whether an error
		// occurred or not.
		if blockSize > 0 {
			n, writeErr := w.Write(buffer[:blockSize])
			totalWritten += int64(n)
			if writeErr != nil {
				return totalWritten, writeErr
			}
		}

		// If we hit EOF, we're done. Any other error is fatal.
		if err == io.EOF {
			return totalWritten, nil
		} else if err != nil {
			return totalWritten, err
		}
	}
}
