package sectorfs

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/dargueta/sectorfs"
	"github.com/dargueta/sectorfs/disks"
	"github.com/dargueta/sectorfs/errors"
	c "github.com/dargueta/sectorfs/file_systems/common"
	"github.com/dargueta/sectorfs/file_systems/common/blockdevice"
	"github.com/dargueta/sectorfs/file_systems/sectorfs/directory"
	"github.com/dargueta/sectorfs/file_systems/sectorfs/filehdr"
	fstest "github.com/dargueta/sectorfs/testing"
	"github.com/dargueta/sectorfs/utilities/compression"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Sectors used by a freshly formatted volume with 128-byte sectors and at most
// 1024 sectors: the two reserved headers, one sector of bitmap, and nine
// sectors of root directory table.
const formattedSectorsUsed = 12

func newDevice(t *testing.T, slug string) *blockdevice.Device {
	geometry, err := disks.GetPredefinedDiskGeometry(slug)
	require.NoError(t, err)
	return blockdevice.NewInMemory(geometry.BytesPerSector, geometry.TotalSectors)
}

// newVolume formats an in-memory device with the given geometry and mounts it.
func newVolume(t *testing.T, slug string) (*blockdevice.Device, *FileSystem) {
	device := newDevice(t, slug)
	fs, err := New(device, true, DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })
	return device, fs
}

func snapshot(t *testing.T, device *blockdevice.Device) []byte {
	image, err := device.Snapshot()
	require.NoError(t, err)
	return image
}

func freeSectors(t *testing.T, fs *FileSystem) uint {
	free, err := fs.FreeSectors()
	require.NoError(t, err)
	return free
}

// reachableSectors walks the whole volume and returns every sector owned by a
// file or directory, plus the reserved sectors. It fails the test if any sector
// is owned twice.
func reachableSectors(t *testing.T, fs *FileSystem) map[c.PhysicalBlock]bool {
	result := map[c.PhysicalBlock]bool{}
	add := func(sectors ...c.PhysicalBlock) {
		for _, sector := range sectors {
			require.Falsef(t, result[sector], "sector %d is owned twice", sector)
			result[sector] = true
		}
	}

	add(FreeMapSector, DirectorySector)
	add(fs.freeMapFile.Header().Sectors()...)
	add(fs.directoryFile.Header().Sectors()...)

	stack := []c.PhysicalBlock{DirectorySector}
	for len(stack) > 0 {
		sector := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		table, err := fs.readTable(sector)
		require.NoError(t, err)
		for _, entry := range table.List() {
			hdr := filehdr.New(fs.device.BytesPerSector())
			require.NoError(t, hdr.FetchFrom(fs.device, entry.Sector))
			add(entry.Sector)
			add(hdr.Sectors()...)
			if entry.IsDir {
				stack = append(stack, entry.Sector)
			}
		}
	}
	return result
}

// assertAllocationConsistent checks that exactly the reachable sectors are
// marked in use.
func assertAllocationConsistent(t *testing.T, fs *FileSystem) {
	reachable := reachableSectors(t, fs)
	freeMap, err := fs.loadFreeMap()
	require.NoError(t, err)

	assert.EqualValues(t, len(reachable), freeMap.NumSet(), "allocated != reachable")
	for sector := range reachable {
		assert.Truef(t, freeMap.Test(sector), "reachable sector %d is marked free", sector)
	}
}

func TestFormat__ThenMount(t *testing.T) {
	device, fs := newVolume(t, "nachos")
	require.NoError(t, fs.Close())

	remounted, err := New(device, false, Options{})
	require.NoError(t, err)
	defer remounted.Close()

	entries, err := remounted.List("/")
	require.NoError(t, err)
	assert.Empty(t, entries)

	freeMap, err := remounted.loadFreeMap()
	require.NoError(t, err)
	assert.True(t, freeMap.Test(FreeMapSector))
	assert.True(t, freeMap.Test(DirectorySector))
	assert.EqualValues(t, formattedSectorsUsed, freeMap.NumSet())
	assertAllocationConsistent(t, remounted)

	assert.EqualValues(t, 128, remounted.freeMapFile.Length())
	assert.EqualValues(t, directory.SerializedSize(NumDirEntries), remounted.directoryFile.Length())
}

func TestFormat__TwiceGivesSameImage(t *testing.T) {
	first, _ := newVolume(t, "nachos")
	second, _ := newVolume(t, "nachos")
	assert.Equal(t, snapshot(t, first), snapshot(t, second))
}

func TestMount__UnformattedDeviceFails(t *testing.T) {
	device := newDevice(t, "nachos")
	_, err := New(device, false, Options{})
	assert.ErrorIs(t, err, errors.ErrInvalidFileSystem)
}

func TestMount__WrongGeometryFails(t *testing.T) {
	device, fs := newVolume(t, "nachos")
	require.NoError(t, fs.Close())

	// Same image, but only the first half of it.
	image := snapshot(t, device)
	halfDevice, err := blockdevice.NewInMemoryFromImage(image[:len(image)/2], 128, 512)
	require.NoError(t, err)

	_, err = New(halfDevice, false, Options{})
	assert.ErrorIs(t, err, errors.ErrInvalidFileSystem)
}

func TestMount__ReservedSectorsMarkedFree(t *testing.T) {
	_, fs := newVolume(t, "nachos")

	freeMap, err := fs.loadFreeMap()
	require.NoError(t, err)
	require.NoError(t, freeMap.Clear(DirectorySector))
	require.NoError(t, freeMap.WriteBack(fs.freeMapFile))

	_, err = New(fs.device, false, Options{})
	assert.ErrorIs(t, err, errors.ErrFileSystemCorrupted)
}

func TestCreate__WriteAndReadBack(t *testing.T) {
	device, fs := newVolume(t, "nachos")
	require.NoError(t, fs.Create("/hello", 300))

	info, err := fs.Stat("/hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", info.Name)
	assert.False(t, info.IsDir)
	assert.EqualValues(t, 300, info.Length)

	file, err := fs.Open("/hello")
	require.NoError(t, err)
	contents := bytes.Repeat([]byte("hello world "), 25)
	n, err := file.Write(contents)
	require.NoError(t, err)
	assert.Equal(t, 300, n)
	require.NoError(t, file.Close())

	// Mount a copy of the disk to make sure everything was persisted.
	copyDevice, err := blockdevice.NewInMemoryFromImage(snapshot(t, device), 128, 1024)
	require.NoError(t, err)
	remounted, err := New(copyDevice, false, Options{})
	require.NoError(t, err)
	defer remounted.Close()

	file, err = remounted.Open("/hello")
	require.NoError(t, err)
	readBack, err := io.ReadAll(file)
	require.NoError(t, err)
	assert.Equal(t, contents, readBack)
}

func TestCreate__ContentStartsZeroed(t *testing.T) {
	_, fs := newVolume(t, "nachos")
	require.NoError(t, fs.Create("/dirty", 256))

	file, err := fs.Open("/dirty")
	require.NoError(t, err)
	_, err = file.Write(bytes.Repeat([]byte{0xFF}, 256))
	require.NoError(t, err)

	// The new file reuses the sectors freed here.
	require.NoError(t, fs.Remove("/dirty", false))
	require.NoError(t, fs.Create("/clean", 256))

	file, err = fs.Open("/clean")
	require.NoError(t, err)
	contents, err := io.ReadAll(file)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 256), contents)
}

func TestCreate__NameUniqueness(t *testing.T) {
	_, fs := newVolume(t, "nachos")

	require.NoError(t, fs.Create("/a", 10))
	assert.ErrorIs(t, fs.Create("/a", 10), errors.ErrExists)
	assert.ErrorIs(t, fs.CreateDirectory("/a"), errors.ErrExists)

	require.NoError(t, fs.CreateDirectory("/d"))
	assert.ErrorIs(t, fs.CreateDirectory("/d"), errors.ErrExists)
	assert.NoError(t, fs.Create("/d/a", 10), "same name in another directory")

	assertAllocationConsistent(t, fs)
}

func TestCreate__BadPaths(t *testing.T) {
	_, fs := newVolume(t, "nachos")
	require.NoError(t, fs.Create("/file", 10))
	before := freeSectors(t, fs)

	assert.ErrorIs(t, fs.Create("relative", 10), errors.ErrInvalidArgument)
	assert.ErrorIs(t, fs.Create("/missing/x", 10), errors.ErrNotFound)
	assert.ErrorIs(t, fs.Create("/file/x", 10), errors.ErrNotADirectory)
	assert.ErrorIs(t, fs.Create("/", 10), errors.ErrExists)
	assert.ErrorIs(t, fs.Create("/0123456789", 10), errors.ErrNameTooLong)
	assert.ErrorIs(t, fs.Create("/..", 10), errors.ErrInvalidArgument)
	assert.ErrorIs(t, fs.Create("/neg", -1), errors.ErrInvalidArgument)
	assert.ErrorIs(t, fs.CreateDirectory("/file/d"), errors.ErrNotADirectory)

	assert.Equal(t, before, freeSectors(t, fs))
}

func TestCreate__TooLarge(t *testing.T) {
	device, fs := newVolume(t, "nachos")
	before := snapshot(t, device)

	err := fs.Create("/huge", int(filehdr.MaxFileSize(128))+1)
	assert.ErrorIs(t, err, errors.ErrFileTooLarge)
	assert.Equal(t, before, snapshot(t, device))

	require.NoError(t, fs.Create("/biggest", int(filehdr.MaxFileSize(128))))
	assertAllocationConsistent(t, fs)
}

func TestCreate__OutOfSpaceLeavesVolumeUnchanged(t *testing.T) {
	device, fs := newVolume(t, "tiny")
	assert.EqualValues(t, 64-formattedSectorsUsed, freeSectors(t, fs))
	before := snapshot(t, device)

	// 60 data sectors, one index sector, and the header won't fit in 52.
	err := fs.Create("/big", 60*128)
	assert.ErrorIs(t, err, errors.ErrNoSpaceOnDevice)
	assert.Equal(t, before, snapshot(t, device))

	entries, err := fs.List("/")
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Exactly filling the disk works: 51 data sectors, one index, one header
	// would be 53, so use 50 data sectors.
	require.NoError(t, fs.Create("/fits", 50*128))
	assert.EqualValues(t, 0, freeSectors(t, fs))

	before = snapshot(t, device)
	assert.ErrorIs(t, fs.Create("/empty", 0), errors.ErrNoSpaceOnDevice)
	assert.ErrorIs(t, fs.CreateDirectory("/dir"), errors.ErrNoSpaceOnDevice)
	assert.Equal(t, before, snapshot(t, device))
	assertAllocationConsistent(t, fs)
}

func TestCreate__DirectoryFull(t *testing.T) {
	_, fs := newVolume(t, "nachos")
	require.NoError(t, fs.CreateDirectory("/d"))

	for i := 0; i < NumDirEntries; i++ {
		require.NoError(t, fs.Create(fmt.Sprintf("/d/f%d", i), 0))
	}
	before := freeSectors(t, fs)

	err := fs.Create("/d/extra", 0)
	assert.ErrorIs(t, err, errors.ErrDirectoryFull)
	assert.Equal(t, before, freeSectors(t, fs))
	assertAllocationConsistent(t, fs)
}

func TestCreateDirectory__EmptyAndListable(t *testing.T) {
	_, fs := newVolume(t, "nachos")
	require.NoError(t, fs.CreateDirectory("/d"))
	require.NoError(t, fs.CreateDirectory("/d/e"))

	entries, err := fs.List("/d/e")
	require.NoError(t, err)
	assert.Empty(t, entries)

	dir, err := fs.OpenDir("/d/e")
	require.NoError(t, err)
	assert.EqualValues(t, directory.SerializedSize(NumDirEntries), dir.Length())

	info, err := fs.Stat("/d")
	require.NoError(t, err)
	assert.True(t, info.IsDir)
	assert.Equal(t, dir.HeaderSector(), mustStat(t, fs, "/d/e").HeaderSector)
}

func mustStat(t *testing.T, fs *FileSystem, path string) FileInfo {
	info, err := fs.Stat(path)
	require.NoError(t, err)
	return info
}

func TestOpen__Resolution(t *testing.T) {
	_, fs := newVolume(t, "nachos")
	require.NoError(t, fs.CreateDirectory("/a"))
	require.NoError(t, fs.CreateDirectory("/a/b"))
	require.NoError(t, fs.Create("/a/b/f", 5))

	file, err := fs.Open("/a/b/f")
	require.NoError(t, err)
	assert.EqualValues(t, 5, file.Length())

	file, err = fs.Open("//a//b/f")
	require.NoError(t, err, "repeated delimiters should be ignored")
	assert.EqualValues(t, 5, file.Length())

	_, err = fs.Open("/a/x")
	assert.ErrorIs(t, err, errors.ErrNotFound)
	_, err = fs.Open("/a/b/f/g")
	assert.ErrorIs(t, err, errors.ErrNotADirectory)
	_, err = fs.OpenDir("/a/b/f")
	assert.ErrorIs(t, err, errors.ErrNotADirectory)
	_, err = fs.Open("a/b/f")
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)

	root, err := fs.OpenDir("/")
	require.NoError(t, err)
	assert.Equal(t, DirectorySector, root.HeaderSector())
}

// buildTree creates /a/x, /a/y, /a/b/z, and /c.
func buildTree(t *testing.T, fs *FileSystem) {
	require.NoError(t, fs.CreateDirectory("/a"))
	require.NoError(t, fs.Create("/a/x", 100))
	require.NoError(t, fs.Create("/a/y", 200))
	require.NoError(t, fs.CreateDirectory("/a/b"))
	require.NoError(t, fs.Create("/a/b/z", 5000))
	require.NoError(t, fs.Create("/c", 1))
}

func TestRemove__File(t *testing.T) {
	_, fs := newVolume(t, "nachos")
	before := freeSectors(t, fs)

	require.NoError(t, fs.Create("/f", 1000))
	assert.Equal(t, before-9, freeSectors(t, fs), "8 data sectors plus the header")

	require.NoError(t, fs.Remove("/f", false))
	assert.Equal(t, before, freeSectors(t, fs))

	_, err := fs.Open("/f")
	assert.ErrorIs(t, err, errors.ErrNotFound)
	assert.ErrorIs(t, fs.Remove("/f", false), errors.ErrNotFound)
	assert.ErrorIs(t, fs.Remove("/", true), errors.ErrBusy)
}

func TestRemove__RecursiveFreesEverything(t *testing.T) {
	_, fs := newVolume(t, "nachos")
	before := freeSectors(t, fs)
	buildTree(t, fs)

	cSectors := 2
	require.NoError(t, fs.Remove("/a", true))
	assert.Equal(t, before-uint(cSectors), freeSectors(t, fs))

	for _, path := range []string{"/a", "/a/x", "/a/y", "/a/b", "/a/b/z"} {
		_, err := fs.Open(path)
		assert.ErrorIsf(t, err, errors.ErrNotFound, "%s still exists", path)
	}

	entries, err := fs.List("/")
	require.NoError(t, err)
	if diff := cmp.Diff([]directory.Entry{{Name: "c", Sector: mustStat(t, fs, "/c").HeaderSector}}, entries); diff != "" {
		t.Errorf("root listing mismatch (-want +got):\n%s", diff)
	}
	assertAllocationConsistent(t, fs)
}

func TestRemove__NonRecursiveOnNonEmptyDirectoryChangesNothing(t *testing.T) {
	device, fs := newVolume(t, "nachos")
	buildTree(t, fs)
	before := snapshot(t, device)

	err := fs.Remove("/a", false)
	assert.ErrorIs(t, err, errors.ErrDirectoryNotEmpty)
	assert.Equal(t, before, snapshot(t, device))

	err = fs.Remove("/a/b", false)
	assert.ErrorIs(t, err, errors.ErrDirectoryNotEmpty)
	assert.Equal(t, before, snapshot(t, device))
}

func TestRemove__EmptyDirectoryWithoutRecursion(t *testing.T) {
	_, fs := newVolume(t, "nachos")
	before := freeSectors(t, fs)

	require.NoError(t, fs.CreateDirectory("/d"))
	require.NoError(t, fs.Remove("/d", false))
	assert.Equal(t, before, freeSectors(t, fs))
}

func TestRemove__CorruptedBitmapChangesNothing(t *testing.T) {
	device, fs := newVolume(t, "nachos")
	require.NoError(t, fs.CreateDirectory("/d"))
	require.NoError(t, fs.Create("/d/f", 10))

	// Mark one of the file's data sectors free behind the file system's back.
	hdr := filehdr.New(128)
	require.NoError(t, hdr.FetchFrom(device, mustStat(t, fs, "/d/f").HeaderSector))
	freeMap, err := fs.loadFreeMap()
	require.NoError(t, err)
	require.NoError(t, freeMap.Clear(hdr.DataSectors()[0]))
	require.NoError(t, freeMap.WriteBack(fs.freeMapFile))
	before := snapshot(t, device)

	err = fs.Remove("/d", true)
	assert.ErrorIs(t, err, errors.ErrFileSystemCorrupted)
	assert.Equal(t, before, snapshot(t, device))

	_, err = fs.Stat("/d/f")
	assert.NoError(t, err)
}

func TestAllocationConservation(t *testing.T) {
	_, fs := newVolume(t, "nachos")

	steps := []func() error{
		func() error { return fs.Create("/one", 10) },
		func() error { return fs.CreateDirectory("/dir") },
		func() error { return fs.Create("/dir/two", 4000) },
		func() error { return fs.Create("/dir/three", 0) },
		func() error { return fs.Remove("/one", false) },
		func() error { return fs.CreateDirectory("/dir/sub") },
		func() error { return fs.Create("/dir/sub/four", 7000) },
		func() error { return fs.Create("/five", 129) },
		func() error { return fs.Remove("/dir/two", false) },
		func() error { return fs.Create("/six", 3000) },
		func() error { return fs.Remove("/dir", true) },
		func() error { return fs.Create("/seven", 128) },
	}

	for i, step := range steps {
		require.NoErrorf(t, step(), "step %d", i)
		assertAllocationConsistent(t, fs)
	}
}

func TestConcurrentCreate(t *testing.T) {
	_, fs := newVolume(t, "nachos")

	var wg sync.WaitGroup
	errs := make([]error, 16)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = fs.Create(fmt.Sprintf("/f%d", i), 100*i)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoErrorf(t, err, "creating file %d", i)
	}

	entries, err := fs.List("/")
	require.NoError(t, err)
	assert.Len(t, entries, len(errs))
	assertAllocationConsistent(t, fs)
}

func TestList(t *testing.T) {
	_, fs := newVolume(t, "nachos")
	buildTree(t, fs)

	entries, err := fs.List("/a")
	require.NoError(t, err)

	names := make([]string, len(entries))
	dirFlags := make([]bool, len(entries))
	for i, entry := range entries {
		names[i] = entry.Name
		dirFlags[i] = entry.IsDir
	}
	if diff := cmp.Diff([]string{"x", "y", "b"}, names); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]bool{false, false, true}, dirFlags); diff != "" {
		t.Errorf("directory flags mismatch (-want +got):\n%s", diff)
	}

	_, err = fs.List("/c")
	assert.ErrorIs(t, err, errors.ErrNotADirectory)
	_, err = fs.List("/nope")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestRecursiveList(t *testing.T) {
	_, fs := newVolume(t, "nachos")
	buildTree(t, fs)

	var output strings.Builder
	require.NoError(t, fs.RecursiveList(&output, "/", 4))

	expected := "[D] a\n" +
		"    [F] x\n" +
		"    [F] y\n" +
		"    [D] b\n" +
		"        [F] z\n" +
		"[F] c\n"
	if diff := cmp.Diff(expected, output.String()); diff != "" {
		t.Errorf("tree mismatch (-want +got):\n%s", diff)
	}

	output.Reset()
	require.NoError(t, fs.RecursiveList(&output, "/a/b", 2))
	assert.Equal(t, "[F] z\n", output.String())

	assert.ErrorIs(t, fs.RecursiveList(&output, "/c", 4), errors.ErrNotADirectory)
}

func TestPrint(t *testing.T) {
	device, fs := newVolume(t, "nachos")
	buildTree(t, fs)

	file, err := fs.Open("/c")
	require.NoError(t, err)
	_, err = file.WriteString("Q")
	require.NoError(t, err)

	before := snapshot(t, device)
	var output strings.Builder
	require.NoError(t, fs.Print(&output))
	assert.Equal(t, before, snapshot(t, device), "Print modified the disk")

	text := output.String()
	assert.True(t, strings.HasPrefix(text, "Bit map file header:\nFileHeader contents.  File size: 128."))
	assert.Contains(t, text, "Directory file header:\nFileHeader contents.  File size: 1152.")
	assert.Contains(t, text, "Bitmap set:\n0, 1, 2, ")
	assert.Contains(t, text, "Name: a, Sector: 12, Directory: true\n")
	assert.Contains(t, text, "/a/b/z:\nFileHeader contents.  File size: 5000.")
	assert.Contains(t, text, "/c:\nFileHeader contents.  File size: 1.  File blocks:\n")
	assert.True(t, strings.HasSuffix(text, "File contents:\nQ\n"))
}

func TestClose(t *testing.T) {
	_, fs := newVolume(t, "nachos")
	require.NoError(t, fs.Create("/f", 10))

	fd, err := fs.OpenFD("/f", sectorfs.O_RDWR)
	require.NoError(t, err)

	require.NoError(t, fs.Close())
	assert.NoError(t, fs.Close(), "second Close should be a no-op")

	_, err = fs.ReadFD(make([]byte, 1), 1, fd)
	assert.ErrorIs(t, err, errors.ErrInvalidFileDescriptor)
	assert.ErrorIs(t, fs.Create("/g", 1), errors.ErrIOFailed)
	_, err = fs.List("/")
	assert.ErrorIs(t, err, errors.ErrIOFailed)
}

func TestCompressedImageRoundTrip(t *testing.T) {
	device, fs := newVolume(t, "nachos")
	buildTree(t, fs)
	require.NoError(t, fs.Close())

	for _, codecName := range compression.Codecs() {
		t.Run(codecName, func(t *testing.T) {
			compressed := fstest.CompressDevice(t, device, compression.Codec(codecName))
			geometry, err := disks.GetPredefinedDiskGeometry("nachos")
			require.NoError(t, err)

			restored := fstest.LoadDiskImage(t, compressed, geometry)
			remounted, err := New(restored, false, Options{})
			require.NoError(t, err)
			defer remounted.Close()

			var tree strings.Builder
			require.NoError(t, remounted.RecursiveList(&tree, "/", 1))
			assert.Equal(t, "[D] a\n [F] x\n [F] y\n [D] b\n  [F] z\n[F] c\n", tree.String())
			assertAllocationConsistent(t, remounted)
		})
	}
}
