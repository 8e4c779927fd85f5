// Package filehdr implements the metadata block describing a file: its length
// in bytes and the sectors holding its content.
//
// A header occupies exactly one sector. It begins with three little-endian
// uint32 fields (length in bytes, number of data sectors, and the indirect
// index sector), followed by as many direct sector pointers as fit in the rest
// of the sector. Files too large for the direct pointers spill into a single
// indirect index sector, which holds one pointer per four bytes.
package filehdr

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dargueta/sectorfs"
	"github.com/dargueta/sectorfs/errors"
	c "github.com/dargueta/sectorfs/file_systems/common"
	"github.com/dargueta/sectorfs/file_systems/common/bitmap"
	"github.com/noxer/bytewriter"
)

// noSector is the on-disk representation of an unused sector pointer.
const noSector = 0xFFFFFFFF

// headerPrefixSize is the size of [rawHeaderPrefix], in bytes.
const headerPrefixSize = 12

type rawHeaderPrefix struct {
	NumBytes   uint32
	NumSectors uint32
	Indirect   uint32
}

type FileHeader struct {
	bytesPerSector uint
	numBytes       uint
	indirect       c.PhysicalBlock
	// dataSectors holds every data sector in file order, direct ones first.
	dataSectors []c.PhysicalBlock
}

// New creates an empty header for a device with the given sector size.
func New(bytesPerSector uint) *FileHeader {
	return &FileHeader{
		bytesPerSector: bytesPerSector,
		indirect:       c.InvalidPhysicalBlock,
	}
}

// NumDirect gives the number of sector pointers stored in the header itself.
func NumDirect(bytesPerSector uint) uint {
	return (bytesPerSector - headerPrefixSize) / 4
}

// NumIndirect gives the number of sector pointers stored in the indirect index
// sector.
func NumIndirect(bytesPerSector uint) uint {
	return bytesPerSector / 4
}

// MaxFileSize gives the largest file a header can describe, in bytes.
func MaxFileSize(bytesPerSector uint) uint {
	return (NumDirect(bytesPerSector) + NumIndirect(bytesPerSector)) * bytesPerSector
}

// SectorsRequired gives the total number of sectors a file of `fileSize` bytes
// occupies, not counting its header: data sectors plus the indirect index
// sector if one is needed.
func SectorsRequired(bytesPerSector, fileSize uint) uint {
	numSectors := c.DivRoundUp(fileSize, bytesPerSector)
	if numSectors > NumDirect(bytesPerSector) {
		return numSectors + 1
	}
	return numSectors
}

// Allocate claims sectors from `freeMap` for a file of `fileSize` bytes. If the
// file is too large or there isn't enough room, `freeMap` is left untouched.
func (hdr *FileHeader) Allocate(freeMap *bitmap.Bitmap, fileSize uint) error {
	maxSize := MaxFileSize(hdr.bytesPerSector)
	if fileSize > maxSize {
		return errors.ErrFileTooLarge.WithMessage(
			fmt.Sprintf("%d bytes requested, maximum is %d", fileSize, maxSize),
		)
	}

	required := SectorsRequired(hdr.bytesPerSector, fileSize)
	if freeMap.NumClear() < required {
		return errors.ErrNoSpaceOnDevice.WithMessage(
			fmt.Sprintf("need %d sectors, %d free", required, freeMap.NumClear()),
		)
	}

	numSectors := c.DivRoundUp(fileSize, hdr.bytesPerSector)
	hdr.numBytes = fileSize
	hdr.dataSectors = make([]c.PhysicalBlock, numSectors)
	for i := range hdr.dataSectors {
		// Can't fail, we checked there's enough room above.
		hdr.dataSectors[i], _ = freeMap.Find()
	}

	hdr.indirect = c.InvalidPhysicalBlock
	if numSectors > NumDirect(hdr.bytesPerSector) {
		hdr.indirect, _ = freeMap.Find()
	}
	return nil
}

// Deallocate returns every sector this header owns (data sectors and the
// indirect index sector, but not the header's own sector) to `freeMap`.
//
// If any of them is already free the volume is inconsistent, and an error
// wrapping [errors.ErrFileSystemCorrupted] is returned. `freeMap` may have been
// partially modified in that case, so callers should operate on a clone.
func (hdr *FileHeader) Deallocate(freeMap *bitmap.Bitmap) error {
	for _, sector := range hdr.Sectors() {
		err := freeMap.Clear(sector)
		if err != nil {
			return errors.ErrFileSystemCorrupted.Wrap(err)
		}
	}
	return nil
}

// FetchFrom loads the header stored in `sector`, and its indirect index sector
// if it has one.
func (hdr *FileHeader) FetchFrom(device sectorfs.BlockDevice, sector c.PhysicalBlock) error {
	buffer := make([]byte, hdr.bytesPerSector)
	err := device.ReadSector(sector, buffer)
	if err != nil {
		return err
	}

	reader := bytes.NewReader(buffer)
	var prefix rawHeaderPrefix
	err = binary.Read(reader, binary.LittleEndian, &prefix)
	if err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}

	numDirect := NumDirect(hdr.bytesPerSector)
	numSectors := uint(prefix.NumSectors)
	if numSectors > numDirect+NumIndirect(hdr.bytesPerSector) ||
		c.DivRoundUp(uint(prefix.NumBytes), hdr.bytesPerSector) != numSectors {
		return errors.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf(
				"header in sector %d claims %d bytes in %d sectors",
				sector,
				prefix.NumBytes,
				prefix.NumSectors,
			),
		)
	}

	direct := make([]uint32, numDirect)
	err = binary.Read(reader, binary.LittleEndian, direct)
	if err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}

	dataSectors := make([]c.PhysicalBlock, 0, numSectors)
	for i := uint(0); i < numSectors && i < numDirect; i++ {
		dataSectors = append(dataSectors, c.PhysicalBlock(direct[i]))
	}

	indirect := c.InvalidPhysicalBlock
	if numSectors > numDirect {
		if prefix.Indirect == noSector {
			return errors.ErrFileSystemCorrupted.WithMessage(
				fmt.Sprintf("header in sector %d is missing its index sector", sector),
			)
		}
		indirect = c.PhysicalBlock(prefix.Indirect)

		indexTable, err := readIndexSector(device, indirect, hdr.bytesPerSector)
		if err != nil {
			return err
		}
		for _, pointer := range indexTable[:numSectors-numDirect] {
			dataSectors = append(dataSectors, c.PhysicalBlock(pointer))
		}
	}

	for _, dataSector := range dataSectors {
		if uint(dataSector) >= device.TotalSectors() {
			return errors.ErrFileSystemCorrupted.WithMessage(
				fmt.Sprintf(
					"header in sector %d points at sector %d, past the end of the device",
					sector,
					dataSector,
				),
			)
		}
	}

	hdr.numBytes = uint(prefix.NumBytes)
	hdr.indirect = indirect
	hdr.dataSectors = dataSectors
	return nil
}

func readIndexSector(
	device sectorfs.BlockDevice,
	sector c.PhysicalBlock,
	bytesPerSector uint,
) ([]uint32, error) {
	buffer := make([]byte, bytesPerSector)
	err := device.ReadSector(sector, buffer)
	if err != nil {
		return nil, err
	}

	table := make([]uint32, NumIndirect(bytesPerSector))
	err = binary.Read(bytes.NewReader(buffer), binary.LittleEndian, table)
	if err != nil {
		return nil, errors.ErrIOFailed.Wrap(err)
	}
	return table, nil
}

// WriteBack stores the header in `sector`, and its indirect index sector if it
// has one.
func (hdr *FileHeader) WriteBack(device sectorfs.BlockDevice, sector c.PhysicalBlock) error {
	numDirect := NumDirect(hdr.bytesPerSector)
	direct := make([]uint32, numDirect)
	indirect := make([]uint32, NumIndirect(hdr.bytesPerSector))
	fillUnused(direct)
	fillUnused(indirect)

	for i, dataSector := range hdr.dataSectors {
		if uint(i) < numDirect {
			direct[i] = uint32(dataSector)
		} else {
			indirect[uint(i)-numDirect] = uint32(dataSector)
		}
	}

	prefix := rawHeaderPrefix{
		NumBytes:   uint32(hdr.numBytes),
		NumSectors: uint32(len(hdr.dataSectors)),
		Indirect:   noSector,
	}
	if hdr.indirect != c.InvalidPhysicalBlock {
		prefix.Indirect = uint32(hdr.indirect)

		err := writeWords(device, hdr.indirect, hdr.bytesPerSector, indirect)
		if err != nil {
			return err
		}
	}

	buffer := make([]byte, hdr.bytesPerSector)
	writer := bytewriter.New(buffer)
	err := binary.Write(writer, binary.LittleEndian, &prefix)
	if err == nil {
		err = binary.Write(writer, binary.LittleEndian, direct)
	}
	if err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}
	return device.WriteSector(sector, buffer)
}

func fillUnused(pointers []uint32) {
	for i := range pointers {
		pointers[i] = noSector
	}
}

func writeWords(
	device sectorfs.BlockDevice,
	sector c.PhysicalBlock,
	bytesPerSector uint,
	words []uint32,
) error {
	buffer := make([]byte, bytesPerSector)
	err := binary.Write(bytewriter.New(buffer), binary.LittleEndian, words)
	if err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}
	return device.WriteSector(sector, buffer)
}

// ByteToSector returns the sector holding the byte at `offset` in the file.
// Offsets past the end of the last sector give [c.InvalidPhysicalBlock].
func (hdr *FileHeader) ByteToSector(offset uint) c.PhysicalBlock {
	index := offset / hdr.bytesPerSector
	if index >= uint(len(hdr.dataSectors)) {
		return c.InvalidPhysicalBlock
	}
	return hdr.dataSectors[index]
}

// FileLength returns the size of the file, in bytes.
func (hdr *FileHeader) FileLength() uint {
	return hdr.numBytes
}

// BytesPerSector returns the sector size the header was created for.
func (hdr *FileHeader) BytesPerSector() uint {
	return hdr.bytesPerSector
}

// DataSectors returns a copy of the file's data sectors, in file order.
func (hdr *FileHeader) DataSectors() []c.PhysicalBlock {
	result := make([]c.PhysicalBlock, len(hdr.dataSectors))
	copy(result, hdr.dataSectors)
	return result
}

// Sectors returns every sector the header owns besides its own: the data
// sectors followed by the indirect index sector, if any.
func (hdr *FileHeader) Sectors() []c.PhysicalBlock {
	result := hdr.DataSectors()
	if hdr.indirect != c.InvalidPhysicalBlock {
		result = append(result, hdr.indirect)
	}
	return result
}

// Print writes the header and the file's contents to `w`, for debugging.
// Printable ASCII is written as-is; everything else as `\xx` hex escapes.
func (hdr *FileHeader) Print(w io.Writer, device sectorfs.BlockDevice) error {
	fmt.Fprintf(w, "FileHeader contents.  File size: %d.  File blocks:\n", hdr.numBytes)
	for _, sector := range hdr.dataSectors {
		fmt.Fprintf(w, "%d ", sector)
	}
	if hdr.indirect != c.InvalidPhysicalBlock {
		fmt.Fprintf(w, "(index %d)", hdr.indirect)
	}
	fmt.Fprint(w, "\nFile contents:\n")

	buffer := make([]byte, hdr.bytesPerSector)
	remaining := hdr.numBytes
	for _, sector := range hdr.dataSectors {
		err := device.ReadSector(sector, buffer)
		if err != nil {
			return err
		}

		chunk := buffer
		if remaining < uint(len(chunk)) {
			chunk = chunk[:remaining]
		}
		for _, b := range chunk {
			if b >= 0x20 && b <= 0x7e {
				fmt.Fprintf(w, "%c", b)
			} else {
				fmt.Fprintf(w, "\\%x", b)
			}
		}
		fmt.Fprint(w, "\n")
		remaining -= uint(len(chunk))
	}
	return nil
}
