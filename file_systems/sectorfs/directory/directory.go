// Package directory implements the table mapping names to file header sectors
// for a single directory level.
//
// A table has a fixed number of slots and is stored as the content of an
// ordinary file. Each slot is serialized as:
//
//	inUse    uint8
//	isDir    uint8
//	reserved uint16
//	sector   uint32 (little endian)
//	name     [FileNameMaxLen + 1]byte, NUL-padded
package directory

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dargueta/sectorfs/errors"
	c "github.com/dargueta/sectorfs/file_systems/common"
	"github.com/elliotwutingfeng/asciiset"
	"github.com/noxer/bytewriter"
)

// FileNameMaxLen is the longest name a directory entry can hold, in bytes.
const FileNameMaxLen = 9

// EntrySize is the size of one serialized slot, in bytes.
const EntrySize = 8 + FileNameMaxLen + 1

// Entry is a single name in a directory.
type Entry struct {
	Name   string
	Sector c.PhysicalBlock
	IsDir  bool
}

type rawEntry struct {
	InUse    uint8
	IsDir    uint8
	Reserved uint16
	Sector   uint32
	Name     [FileNameMaxLen + 1]byte
}

type slot struct {
	inUse bool
	entry Entry
}

type Directory struct {
	slots []slot
}

// validNameCharacters is every printable ASCII character except the path
// delimiter.
var validNameCharacters asciiset.ASCIISet

func init() {
	chars := make([]byte, 0, 0x7f-0x20)
	for ch := byte(0x20); ch < 0x7f; ch++ {
		if ch != '/' {
			chars = append(chars, ch)
		}
	}

	var ok bool
	validNameCharacters, ok = asciiset.MakeASCIISet(string(chars))
	if !ok {
		panic("non-ASCII character in file name character set")
	}
}

// New creates an empty table with `numEntries` slots.
func New(numEntries uint) *Directory {
	return &Directory{slots: make([]slot, numEntries)}
}

// SerializedSize gives the number of bytes a table with `numEntries` slots
// occupies on disk.
func SerializedSize(numEntries uint) uint {
	return numEntries * EntrySize
}

// SerializedSize gives the number of bytes [Directory.WriteBack] writes.
func (dir *Directory) SerializedSize() uint {
	return SerializedSize(uint(len(dir.slots)))
}

// Capacity returns the number of slots in the table.
func (dir *Directory) Capacity() uint {
	return uint(len(dir.slots))
}

// ValidateName checks that `name` can be stored in a directory entry.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("%q is not a valid file name", name),
		)
	}
	if len(name) > FileNameMaxLen {
		return errors.ErrNameTooLong.WithMessage(
			fmt.Sprintf("%q is longer than %d characters", name, FileNameMaxLen),
		)
	}
	for i := 0; i < len(name); i++ {
		if !validNameCharacters.Contains(name[i]) {
			return errors.ErrInvalidArgument.WithMessage(
				fmt.Sprintf("invalid character %q in file name %q", name[i], name),
			)
		}
	}
	return nil
}

// FetchFrom replaces the contents of the table with what's stored at the
// beginning of `file`.
func (dir *Directory) FetchFrom(file io.ReaderAt) error {
	buffer := make([]byte, dir.SerializedSize())
	n, err := file.ReadAt(buffer, 0)
	if n != len(buffer) {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return errors.ErrIOFailed.Wrap(
			fmt.Errorf("reading %d-byte directory table: got %d bytes: %w", len(buffer), n, err),
		)
	}

	rawEntries := make([]rawEntry, len(dir.slots))
	err = binary.Read(bytes.NewReader(buffer), binary.LittleEndian, rawEntries)
	if err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}

	slots := make([]slot, len(rawEntries))
	for i, raw := range rawEntries {
		if raw.InUse == 0 {
			continue
		}

		nameLength := bytes.IndexByte(raw.Name[:], 0)
		if nameLength < 0 {
			return errors.ErrFileSystemCorrupted.WithMessage(
				fmt.Sprintf("name in directory slot %d isn't terminated", i),
			)
		}
		name := string(raw.Name[:nameLength])
		if ValidateName(name) != nil {
			return errors.ErrFileSystemCorrupted.WithMessage(
				fmt.Sprintf("directory slot %d has invalid name %q", i, name),
			)
		}

		slots[i] = slot{
			inUse: true,
			entry: Entry{
				Name:   name,
				Sector: c.PhysicalBlock(raw.Sector),
				IsDir:  raw.IsDir != 0,
			},
		}
	}

	dir.slots = slots
	return nil
}

// WriteBack writes the serialized table to the beginning of `file`.
func (dir *Directory) WriteBack(file io.WriterAt) error {
	rawEntries := make([]rawEntry, len(dir.slots))
	for i, s := range dir.slots {
		if !s.inUse {
			continue
		}
		rawEntries[i].InUse = 1
		if s.entry.IsDir {
			rawEntries[i].IsDir = 1
		}
		rawEntries[i].Sector = uint32(s.entry.Sector)
		copy(rawEntries[i].Name[:], s.entry.Name)
	}

	buffer := make([]byte, dir.SerializedSize())
	err := binary.Write(bytewriter.New(buffer), binary.LittleEndian, rawEntries)
	if err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}

	_, err = file.WriteAt(buffer, 0)
	if err != nil {
		return errors.CastToDriverError(err)
	}
	return nil
}

// FindIndex returns the slot holding `name`, or -1 if it isn't in the table.
func (dir *Directory) FindIndex(name string) int {
	for i, s := range dir.slots {
		if s.inUse && s.entry.Name == name {
			return i
		}
	}
	return -1
}

// Find looks up `name` in the table.
func (dir *Directory) Find(name string) (Entry, bool) {
	index := dir.FindIndex(name)
	if index < 0 {
		return Entry{}, false
	}
	return dir.slots[index].entry, true
}

// Add stores a new entry in the first free slot. It fails if the name is
// invalid, already present, or if every slot is taken.
func (dir *Directory) Add(name string, sector c.PhysicalBlock, isDir bool) error {
	err := ValidateName(name)
	if err != nil {
		return err
	}
	if dir.FindIndex(name) >= 0 {
		return errors.ErrExists.WithMessage(fmt.Sprintf("%q already exists", name))
	}

	for i := range dir.slots {
		if !dir.slots[i].inUse {
			dir.slots[i] = slot{
				inUse: true,
				entry: Entry{Name: name, Sector: sector, IsDir: isDir},
			}
			return nil
		}
	}
	return errors.ErrDirectoryFull.WithMessage(
		fmt.Sprintf("can't add %q, all %d slots are in use", name, len(dir.slots)),
	)
}

// Remove frees the slot holding `name`.
func (dir *Directory) Remove(name string) error {
	index := dir.FindIndex(name)
	if index < 0 {
		return errors.ErrNotFound.WithMessage(fmt.Sprintf("%q not in directory", name))
	}
	dir.slots[index] = slot{}
	return nil
}

// List returns every entry in slot order.
func (dir *Directory) List() []Entry {
	result := []Entry{}
	for _, s := range dir.slots {
		if s.inUse {
			result = append(result, s.entry)
		}
	}
	return result
}

// IsEmpty returns true if no slot is in use.
func (dir *Directory) IsEmpty() bool {
	for _, s := range dir.slots {
		if s.inUse {
			return false
		}
	}
	return true
}

// Print writes one line per entry to `w`, for debugging.
func (dir *Directory) Print(w io.Writer) {
	fmt.Fprint(w, "Directory contents:\n")
	for _, entry := range dir.List() {
		fmt.Fprintf(
			w,
			"Name: %s, Sector: %d, Directory: %t\n",
			entry.Name,
			entry.Sector,
			entry.IsDir,
		)
	}
}
