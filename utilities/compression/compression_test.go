package compression_test

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/dargueta/sectorfs/errors"
	c "github.com/dargueta/sectorfs/utilities/compression"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripImageCompression(t *testing.T) {
	randomData := make([]byte, 119)
	_, err := rand.Read(randomData)
	require.NoError(t, err)

	testData := []struct {
		Name string
		Data []byte
	}{
		{"homogenous", bytes.Repeat([]byte{100}, 9174)},
		{"empty", []byte{}},
		{"heterogenous", randomData},
	}

	for _, codecName := range c.Codecs() {
		codec, err := c.ParseCodec(codecName)
		require.NoError(t, err)

		t.Run(codecName, func(t *testing.T) {
			for _, data := range testData {
				t.Run(data.Name, func(t *testing.T) {
					var compressed bytes.Buffer
					n, err := c.CompressImage(bytes.NewReader(data.Data), &compressed, codec)
					require.NoError(t, err, "compressing")
					assert.EqualValues(t, compressed.Len(), n, "reported size is wrong")
					t.Logf("image compressed %d -> %d", len(data.Data), n)

					detected, err := c.DetectCodec(compressed.Bytes())
					require.NoError(t, err)
					assert.Equal(t, codec, detected)

					decompressed, err := c.DecompressImageToBytes(&compressed)
					require.NoError(t, err, "decompressing")
					assert.Equal(t, data.Data, decompressed)
				})
			}
		})
	}
}

func TestCodecs(t *testing.T) {
	assert.Equal(t, []string{"gzip", "lz4", "xz"}, c.Codecs())

	_, err := c.ParseCodec("zip")
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)

	_, err = c.CompressImage(bytes.NewReader(nil), &bytes.Buffer{}, c.Codec("zip"))
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
}

func TestDecompressImage__UnknownFormat(t *testing.T) {
	_, err := c.DecompressImageToBytes(bytes.NewReader([]byte("plain old data")))
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)

	_, err = c.DecompressImageToBytes(bytes.NewReader(nil))
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
}
