// Package disks defines the sector geometries a volume can be formatted with.
package disks

import (
	_ "embed"
	"encoding/csv"
	"fmt"
	"sort"
	"strings"

	"github.com/dargueta/sectorfs/errors"
	"github.com/gocarina/gocsv"
)

// MinBytesPerSector is the smallest sector size a volume can use. A file header
// must fit in one sector and still have room for a useful number of direct
// sector pointers.
const MinBytesPerSector = 64

// DefaultGeometrySlug names the geometry used when none is specified.
const DefaultGeometrySlug = "nachos"

type DiskGeometry struct {
	Slug           string `csv:"slug"`
	Name           string `csv:"name"`
	BytesPerSector uint   `csv:"bytes_per_sector"`
	TotalSectors   uint   `csv:"total_sectors"`
	Notes          string `csv:"notes"`
}

// TotalSizeBytes gives the size of the storage device in bytes. This is the
// size of the image file.
func (g *DiskGeometry) TotalSizeBytes() int64 {
	return int64(g.BytesPerSector) * int64(g.TotalSectors)
}

// Validate checks that a volume can be built on this geometry.
func (g *DiskGeometry) Validate() error {
	if g.BytesPerSector < MinBytesPerSector || g.BytesPerSector%4 != 0 {
		return errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"sector size must be a multiple of 4 and at least %d, got %d",
				MinBytesPerSector,
				g.BytesPerSector,
			),
		)
	}
	// Two reserved sectors plus at least one data sector for each of the two
	// system files.
	if g.TotalSectors < 4 {
		return errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("a volume needs at least 4 sectors, got %d", g.TotalSectors),
		)
	}
	return nil
}

func (g DiskGeometry) String() string {
	return fmt.Sprintf("%s (%d x %d B)", g.Slug, g.TotalSectors, g.BytesPerSector)
}

//go:embed disk-geometries.csv
var diskGeometriesRawCSV string
var diskGeometries map[string]DiskGeometry

// GetPredefinedDiskGeometry returns the geometry with the given slug.
func GetPredefinedDiskGeometry(slug string) (DiskGeometry, error) {
	geometry, ok := diskGeometries[slug]
	if ok {
		return geometry, nil
	}

	return DiskGeometry{}, errors.ErrInvalidArgument.WithMessage(
		fmt.Sprintf("no predefined disk geometry exists with slug %q", slug),
	)
}

// ListPredefinedDiskGeometries returns all predefined geometries, ordered by
// slug.
func ListPredefinedDiskGeometries() []DiskGeometry {
	result := make([]DiskGeometry, 0, len(diskGeometries))
	for _, geometry := range diskGeometries {
		result = append(result, geometry)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Slug < result[j].Slug })
	return result
}

func init() {
	csvReader := csv.NewReader(strings.NewReader(diskGeometriesRawCSV))
	csvReader.Comma = '|'
	// Floppy names contain inch marks.
	csvReader.LazyQuotes = true

	var rows []DiskGeometry
	err := gocsv.UnmarshalCSV(csvReader, &rows)
	if err != nil {
		panic(fmt.Errorf("failed to decode disk geometries: %w", err))
	}

	diskGeometries = make(map[string]DiskGeometry, len(rows))
	for i, row := range rows {
		_, exists := diskGeometries[row.Slug]
		if exists {
			panic(fmt.Errorf("duplicate definition for disk %q found on row %d", row.Slug, i+1))
		}
		if err := row.Validate(); err != nil {
			panic(fmt.Errorf("invalid geometry %q on row %d: %w", row.Slug, i+1, err))
		}
		diskGeometries[row.Slug] = row
	}
}
