package filehdr_test

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/dargueta/sectorfs/errors"
	c "github.com/dargueta/sectorfs/file_systems/common"
	"github.com/dargueta/sectorfs/file_systems/common/bitmap"
	"github.com/dargueta/sectorfs/file_systems/common/blockdevice"
	"github.com/dargueta/sectorfs/file_systems/sectorfs/filehdr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeometryHelpers(t *testing.T) {
	assert.EqualValues(t, 29, filehdr.NumDirect(128))
	assert.EqualValues(t, 32, filehdr.NumIndirect(128))
	assert.EqualValues(t, (29+32)*128, filehdr.MaxFileSize(128))

	assert.EqualValues(t, 0, filehdr.SectorsRequired(128, 0))
	assert.EqualValues(t, 1, filehdr.SectorsRequired(128, 1))
	assert.EqualValues(t, 29, filehdr.SectorsRequired(128, 29*128))
	// One more data sector plus the index sector.
	assert.EqualValues(t, 31, filehdr.SectorsRequired(128, 29*128+1))
}

func TestFileHeader__AllocateDirectOnly(t *testing.T) {
	freeMap := bitmap.New(64)
	require.NoError(t, freeMap.Mark(0))
	require.NoError(t, freeMap.Mark(1))

	hdr := filehdr.New(128)
	require.NoError(t, hdr.Allocate(freeMap, 300))

	assert.EqualValues(t, 300, hdr.FileLength())
	assert.Equal(t, []c.PhysicalBlock{2, 3, 4}, hdr.DataSectors())
	assert.Equal(t, []c.PhysicalBlock{2, 3, 4}, hdr.Sectors())
	assert.EqualValues(t, 5, freeMap.NumSet())

	assert.EqualValues(t, 2, hdr.ByteToSector(0))
	assert.EqualValues(t, 3, hdr.ByteToSector(128))
	assert.EqualValues(t, 4, hdr.ByteToSector(299))
	assert.Equal(t, c.InvalidPhysicalBlock, hdr.ByteToSector(384))
}

func TestFileHeader__AllocateWithIndirect(t *testing.T) {
	freeMap := bitmap.New(128)
	hdr := filehdr.New(128)
	size := uint(40 * 128)
	require.NoError(t, hdr.Allocate(freeMap, size))

	assert.Len(t, hdr.DataSectors(), 40)
	assert.Len(t, hdr.Sectors(), 41, "index sector not included")
	assert.EqualValues(t, 41, freeMap.NumSet())
}

func TestFileHeader__AllocateNoSpaceLeavesMapUntouched(t *testing.T) {
	freeMap := bitmap.New(8)
	before := freeMap.Bytes()

	hdr := filehdr.New(128)
	err := hdr.Allocate(freeMap, 9*128)
	assert.ErrorIs(t, err, errors.ErrNoSpaceOnDevice)
	assert.Equal(t, before, freeMap.Bytes())
}

func TestFileHeader__AllocateTooLarge(t *testing.T) {
	freeMap := bitmap.New(4096)
	hdr := filehdr.New(128)
	err := hdr.Allocate(freeMap, filehdr.MaxFileSize(128)+1)
	assert.ErrorIs(t, err, errors.ErrFileTooLarge)
	assert.EqualValues(t, 0, freeMap.NumSet())
}

func TestFileHeader__Deallocate(t *testing.T) {
	freeMap := bitmap.New(128)
	hdr := filehdr.New(128)
	require.NoError(t, hdr.Allocate(freeMap, 35*128))
	require.NoError(t, hdr.Deallocate(freeMap))
	assert.EqualValues(t, 0, freeMap.NumSet())

	// A second deallocation means the map and header disagree.
	err := hdr.Deallocate(freeMap)
	assert.ErrorIs(t, err, errors.ErrFileSystemCorrupted)
}

func TestFileHeader__WriteBackFetchFrom(t *testing.T) {
	device := blockdevice.NewInMemory(128, 128)
	freeMap := bitmap.New(128)
	require.NoError(t, freeMap.Mark(0))

	for _, size := range []uint{0, 1, 128, 29 * 128, 29*128 + 1, filehdr.MaxFileSize(128)} {
		original := filehdr.New(128)
		require.NoError(t, original.Allocate(freeMap, size))
		require.NoError(t, original.WriteBack(device, 0))

		loaded := filehdr.New(128)
		require.NoErrorf(t, loaded.FetchFrom(device, 0), "size %d", size)
		assert.Equal(t, original.FileLength(), loaded.FileLength())
		assert.Equal(t, original.Sectors(), loaded.Sectors())

		require.NoError(t, original.Deallocate(freeMap))
	}
}

func TestFileHeader__FetchFromCorrupted(t *testing.T) {
	device := blockdevice.NewInMemory(128, 16)
	buffer := make([]byte, 128)

	// 1000 bytes can't fit in 2 sectors.
	binary.LittleEndian.PutUint32(buffer[0:], 1000)
	binary.LittleEndian.PutUint32(buffer[4:], 2)
	require.NoError(t, device.WriteSector(3, buffer))

	err := filehdr.New(128).FetchFrom(device, 3)
	assert.ErrorIs(t, err, errors.ErrFileSystemCorrupted)

	// Pointer past the end of the device.
	buffer = bytes.Repeat([]byte{0xFF}, 128)
	binary.LittleEndian.PutUint32(buffer[0:], 10)
	binary.LittleEndian.PutUint32(buffer[4:], 1)
	binary.LittleEndian.PutUint32(buffer[12:], 500)
	require.NoError(t, device.WriteSector(4, buffer))

	err = filehdr.New(128).FetchFrom(device, 4)
	assert.ErrorIs(t, err, errors.ErrFileSystemCorrupted)
}

func TestFileHeader__Print(t *testing.T) {
	device := blockdevice.NewInMemory(128, 16)
	freeMap := bitmap.New(16)
	require.NoError(t, freeMap.Mark(0))

	hdr := filehdr.New(128)
	require.NoError(t, hdr.Allocate(freeMap, 6))
	require.NoError(t, device.WriteSector(hdr.ByteToSector(0), append([]byte("hi\n\x00ok"), make([]byte, 122)...)))

	var out strings.Builder
	require.NoError(t, hdr.Print(&out, device))
	assert.Equal(
		t,
		"FileHeader contents.  File size: 6.  File blocks:\n1 \nFile contents:\nhi\\a\\0ok\n",
		out.String(),
	)
}
