package testing

import (
	"bytes"
	"testing"

	"github.com/dargueta/sectorfs/disks"
	"github.com/dargueta/sectorfs/file_systems/common/blockdevice"
	"github.com/dargueta/sectorfs/utilities/compression"
	"github.com/stretchr/testify/require"
)

// LoadDiskImage takes a compressed disk image and returns an in-memory device
// holding the uncompressed data.
//
//   - Writes to the device do not affect `compressedImageBytes`.
//   - The uncompressed image must be exactly the size `geometry` calls for, or
//     the test fails.
func LoadDiskImage(
	t *testing.T, compressedImageBytes []byte, geometry disks.DiskGeometry,
) *blockdevice.Device {
	require.Greater(t, len(compressedImageBytes), 0, "compressed image is empty")

	imageBytes, err := compression.DecompressImageToBytes(bytes.NewReader(compressedImageBytes))
	require.NoError(t, err)
	require.EqualValues(
		t,
		geometry.TotalSizeBytes(),
		len(imageBytes),
		"uncompressed image is wrong size",
	)

	device, err := blockdevice.NewInMemoryFromImage(
		imageBytes, geometry.BytesPerSector, geometry.TotalSectors,
	)
	require.NoError(t, err)
	return device
}

// CompressDevice returns the compressed contents of every sector on `device`,
// in the format [LoadDiskImage] expects.
func CompressDevice(
	t *testing.T, device *blockdevice.Device, codec compression.Codec,
) []byte {
	image, err := device.Snapshot()
	require.NoError(t, err)

	var output bytes.Buffer
	_, err = compression.CompressImage(bytes.NewReader(image), &output, codec)
	require.NoError(t, err)
	return output.Bytes()
}
