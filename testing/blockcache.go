// Package testing provides fixtures shared by the test suites of the other
// packages in this module.
package testing

import (
	"crypto/rand"
	"fmt"
	"testing"

	"github.com/dargueta/sectorfs/errors"
	c "github.com/dargueta/sectorfs/file_systems/common"
	"github.com/dargueta/sectorfs/file_systems/common/blockcache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RandomSectors returns `totalSectors * bytesPerSector` bytes of random data.
func RandomSectors(t *testing.T, bytesPerSector, totalSectors uint) []byte {
	data := make([]byte, bytesPerSector*totalSectors)
	_, err := rand.Read(data)
	require.NoErrorf(t, err, "filling %d sectors with random bytes", totalSectors)
	return data
}

// SliceStorage is a byte slice posing as the backing storage of a block cache.
// Out-of-bounds access and writes to read-only storage fail the test.
type SliceStorage struct {
	Data           []byte
	BytesPerSector uint
	TotalSectors   uint
	ReadOnly       bool
	// Flushed lists every sector written back to Data, in order.
	Flushed []c.LogicalBlock

	t *testing.T
}

// NewSliceStorage wraps `data`, which must hold at least `totalSectors`
// sectors. If `data` is nil, random contents are generated.
func NewSliceStorage(
	t *testing.T, bytesPerSector, totalSectors uint, data []byte, readOnly bool,
) *SliceStorage {
	if data == nil {
		data = RandomSectors(t, bytesPerSector, totalSectors)
	}
	require.GreaterOrEqual(t, uint(len(data)), bytesPerSector*totalSectors)

	return &SliceStorage{
		Data:           data,
		BytesPerSector: bytesPerSector,
		TotalSectors:   totalSectors,
		ReadOnly:       readOnly,
		t:              t,
	}
}

func (storage *SliceStorage) sector(index c.LogicalBlock) ([]byte, error) {
	if uint(index) >= storage.TotalSectors {
		message := fmt.Sprintf(
			"sector %d out of bounds [0, %d)", index, storage.TotalSectors,
		)
		storage.t.Error(message)
		return nil, errors.ErrIOFailed.WithMessage(message)
	}

	start := uint(index) * storage.BytesPerSector
	return storage.Data[start : start+storage.BytesPerSector], nil
}

// Fetch implements [blockcache.FetchBlockCallback].
func (storage *SliceStorage) Fetch(index c.LogicalBlock, buffer []byte) error {
	sector, err := storage.sector(index)
	if err != nil {
		return err
	}
	copy(buffer, sector)
	return nil
}

// Flush implements [blockcache.FlushBlockCallback].
func (storage *SliceStorage) Flush(index c.LogicalBlock, buffer []byte) error {
	if storage.ReadOnly {
		message := fmt.Sprintf("flushed sector %d of read-only storage", index)
		storage.t.Error(message)
		return errors.ErrReadOnlyFileSystem.WithMessage(message)
	}

	sector, err := storage.sector(index)
	if err != nil {
		return err
	}
	copy(sector, buffer)
	storage.Flushed = append(storage.Flushed, index)
	return nil
}

// NewCache returns a cache over the storage, after checking that its reported
// geometry matches.
func (storage *SliceStorage) NewCache() *blockcache.BlockCache {
	cache := blockcache.New(
		storage.BytesPerSector, storage.TotalSectors, storage.Fetch, storage.Flush,
	)
	assert.EqualValues(storage.t, storage.BytesPerSector, cache.BytesPerBlock())
	assert.EqualValues(storage.t, storage.TotalSectors, cache.TotalBlocks())
	assert.EqualValues(
		storage.t, storage.BytesPerSector*storage.TotalSectors, cache.Size(),
	)
	return cache
}
