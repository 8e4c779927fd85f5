// Package bitmap implements the free-sector map: one bit per sector, set when
// the sector is in use. The map lives in memory and is persisted as the content
// of an ordinary file.
package bitmap

import (
	"fmt"
	"io"

	"github.com/boljen/go-bitmap"
	"github.com/dargueta/sectorfs/errors"
	c "github.com/dargueta/sectorfs/file_systems/common"
)

type Bitmap struct {
	bits    bitmap.Bitmap
	numBits uint
}

// New creates a new allocation bitmap with all bits cleared.
func New(numBits uint) *Bitmap {
	return &Bitmap{
		bits:    bitmap.Bitmap(make([]byte, SerializedSize(numBits))),
		numBits: numBits,
	}
}

// FromBytes creates a bitmap of `numBits` bits from its serialized form. The
// data is copied.
func FromBytes(data []byte, numBits uint) (*Bitmap, error) {
	if uint(len(data)) != SerializedSize(numBits) {
		return nil, errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"a bitmap of %d bits needs %d bytes, got %d",
				numBits,
				SerializedSize(numBits),
				len(data),
			),
		)
	}

	result := New(numBits)
	copy(result.bits, data)
	return result, nil
}

// SerializedSize gives the number of bytes needed to store a bitmap of
// `numBits` bits.
func SerializedSize(numBits uint) uint {
	return c.DivRoundUp(numBits, 8)
}

// Len returns the number of bits in the map.
func (b *Bitmap) Len() uint {
	return b.numBits
}

// SerializedSize gives the number of bytes [Bitmap.WriteBack] writes.
func (b *Bitmap) SerializedSize() uint {
	return SerializedSize(b.numBits)
}

func (b *Bitmap) checkIndex(unit c.PhysicalBlock) error {
	if uint(unit) >= b.numBits {
		msg := fmt.Sprintf("invalid sector: %d not in range [0, %d)", unit, b.numBits)
		return errors.ErrInvalidArgument.WithMessage(msg)
	}
	return nil
}

// Mark sets the bit for `unit`, regardless of its previous state.
func (b *Bitmap) Mark(unit c.PhysicalBlock) error {
	err := b.checkIndex(unit)
	if err != nil {
		return err
	}
	b.bits.Set(int(unit), true)
	return nil
}

// Clear frees an allocated unit. Trying to free a unit that isn't allocated
// will return the errno code EALREADY and leave the map unchanged.
func (b *Bitmap) Clear(unit c.PhysicalBlock) error {
	err := b.checkIndex(unit)
	if err != nil {
		return err
	}
	if !b.bits.Get(int(unit)) {
		msg := fmt.Sprintf("sector %d is already free", unit)
		return errors.ErrAlreadyInProgress.WithMessage(msg)
	}

	b.bits.Set(int(unit), false)
	return nil
}

// Test returns true if `unit` is allocated. Out-of-range units are reported as
// allocated, since they can never be handed out.
func (b *Bitmap) Test(unit c.PhysicalBlock) bool {
	if uint(unit) >= b.numBits {
		return true
	}
	return b.bits.Get(int(unit))
}

// Find allocates the first available unit it finds and returns its index. If no
// units are available, it returns an error with code ENOSPC.
func (b *Bitmap) Find() (c.PhysicalBlock, error) {
	for i := 0; i < int(b.numBits); i++ {
		if !b.bits.Get(i) {
			b.bits.Set(i, true)
			return c.PhysicalBlock(i), nil
		}
	}
	return c.InvalidPhysicalBlock, errors.ErrNoSpaceOnDevice
}

// NumClear returns the number of free units.
func (b *Bitmap) NumClear() uint {
	return b.numBits - b.NumSet()
}

// NumSet returns the number of allocated units.
func (b *Bitmap) NumSet() uint {
	total := uint(0)
	for i := 0; i < int(b.numBits); i++ {
		if b.bits.Get(i) {
			total++
		}
	}
	return total
}

// Clone returns an independent copy of the bitmap.
func (b *Bitmap) Clone() *Bitmap {
	clone := New(b.numBits)
	copy(clone.bits, b.bits)
	return clone
}

// Bytes returns a copy of the serialized bitmap.
func (b *Bitmap) Bytes() []byte {
	return b.bits.Data(true)
}

// FetchFrom replaces the contents of the bitmap with what's stored at the
// beginning of `file`.
func (b *Bitmap) FetchFrom(file io.ReaderAt) error {
	buffer := make([]byte, b.SerializedSize())
	n, err := file.ReadAt(buffer, 0)
	if n != len(buffer) {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return errors.ErrIOFailed.Wrap(
			fmt.Errorf("reading %d-byte bitmap: got %d bytes: %w", len(buffer), n, err),
		)
	}

	copy(b.bits, buffer)
	return nil
}

// WriteBack writes the serialized bitmap to the beginning of `file`.
func (b *Bitmap) WriteBack(file io.WriterAt) error {
	_, err := file.WriteAt(b.bits.Data(false), 0)
	if err != nil {
		return errors.CastToDriverError(err)
	}
	return nil
}

// Print writes the indices of every allocated unit to `w`, for debugging.
func (b *Bitmap) Print(w io.Writer) {
	fmt.Fprint(w, "Bitmap set:\n")
	for i := 0; i < int(b.numBits); i++ {
		if b.bits.Get(i) {
			fmt.Fprintf(w, "%d, ", i)
		}
	}
	fmt.Fprint(w, "\n")
}
