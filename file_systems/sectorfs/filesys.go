// Package sectorfs implements the file system core: it formats and mounts a
// volume, resolves paths through nested directory tables, allocates sectors,
// and hands out open file handles and small integer descriptors.
//
// The free-sector bitmap and the root directory are themselves ordinary files.
// Their headers live at the fixed sectors [FreeMapSector] and [DirectorySector],
// which are never allocated from the bitmap, so formatting a disk doesn't need
// the bitmap to find them.
package sectorfs

import (
	"fmt"
	"io"
	"sync"

	"github.com/dargueta/sectorfs"
	"github.com/dargueta/sectorfs/errors"
	c "github.com/dargueta/sectorfs/file_systems/common"
	"github.com/dargueta/sectorfs/file_systems/common/bitmap"
	"github.com/dargueta/sectorfs/file_systems/sectorfs/directory"
	"github.com/dargueta/sectorfs/file_systems/sectorfs/filehdr"
	"github.com/dargueta/sectorfs/file_systems/sectorfs/openfile"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

const (
	// FreeMapSector holds the header of the free-sector bitmap file.
	FreeMapSector c.PhysicalBlock = 0
	// DirectorySector holds the header of the root directory file.
	DirectorySector c.PhysicalBlock = 1
)

// NumDirEntries is the number of slots in every directory table.
const NumDirEntries = 64

// MaxOpenFiles is the capacity of the descriptor table.
const MaxOpenFiles = 20

// Options controls the behavior of a mounted [FileSystem]. The zero value is
// usable: it discards log output and never flushes the device on its own.
type Options struct {
	// Logger receives debug output for structural operations. If nil, nothing
	// is logged.
	Logger logrus.FieldLogger
	// SyncEachOperation flushes the device at the end of every operation that
	// modifies the volume's structure.
	SyncEachOperation bool
}

// DefaultOptions returns the options used by the command-line tool.
func DefaultOptions() Options {
	return Options{SyncEachOperation: true}
}

// FileInfo describes a single file or directory.
type FileInfo struct {
	Name         string
	IsDir        bool
	Length       int64
	HeaderSector c.PhysicalBlock
}

// FileSystem is a mounted volume. It's safe for concurrent use. Operations that
// change the volume's structure are serialized; lookups may run in parallel.
type FileSystem struct {
	lock          sync.RWMutex
	device        sectorfs.BlockDevice
	freeMapFile   *openfile.OpenFile
	directoryFile *openfile.OpenFile
	descriptors   descriptorTable
	log           logrus.FieldLogger
	sync          bool
	closed        bool
}

func discardLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// New mounts the volume on `device`. If `format` is true, any existing content
// is discarded and an empty volume is created first.
func New(device sectorfs.BlockDevice, format bool, opts Options) (*FileSystem, error) {
	logger := opts.Logger
	if logger == nil {
		logger = discardLogger()
	}

	fs := &FileSystem{
		device: device,
		log:    logger.WithField("mount", uuid.NewString()),
		sync:   opts.SyncEachOperation,
	}

	var err error
	if format {
		err = fs.format()
	} else {
		err = fs.mount()
	}
	if err != nil {
		return nil, err
	}
	return fs, nil
}

// format writes an empty volume: the bitmap file and an empty root directory.
func (fs *FileSystem) format() error {
	bytesPerSector := fs.device.BytesPerSector()
	totalSectors := fs.device.TotalSectors()

	fs.log.WithFields(logrus.Fields{
		"bytesPerSector": bytesPerSector,
		"totalSectors":   totalSectors,
	}).Debug("formatting volume")

	freeMap := bitmap.New(totalSectors)
	// The reserved sectors can't fail, the device has at least that many.
	_ = freeMap.Mark(FreeMapSector)
	_ = freeMap.Mark(DirectorySector)

	mapHdr := filehdr.New(bytesPerSector)
	err := mapHdr.Allocate(freeMap, freeMap.SerializedSize())
	if err != nil {
		return err
	}

	dirHdr := filehdr.New(bytesPerSector)
	err = dirHdr.Allocate(freeMap, directory.SerializedSize(NumDirEntries))
	if err != nil {
		return err
	}

	// Headers must be on disk before the files can be opened.
	err = mapHdr.WriteBack(fs.device, FreeMapSector)
	if err != nil {
		return err
	}
	err = dirHdr.WriteBack(fs.device, DirectorySector)
	if err != nil {
		return err
	}

	err = fs.openSystemFiles()
	if err != nil {
		return err
	}

	err = freeMap.WriteBack(fs.freeMapFile)
	if err != nil {
		return err
	}
	err = directory.New(NumDirEntries).WriteBack(fs.directoryFile)
	if err != nil {
		return err
	}
	return fs.device.Flush()
}

// mount opens the system files of an existing volume and checks that they look
// like they belong to a volume with this geometry.
func (fs *FileSystem) mount() error {
	err := fs.openSystemFiles()
	if err != nil {
		return errors.ErrInvalidFileSystem.Wrap(err)
	}

	expectedMapSize := int64(bitmap.SerializedSize(fs.device.TotalSectors()))
	if fs.freeMapFile.Length() != expectedMapSize {
		return errors.ErrInvalidFileSystem.WithMessage(
			fmt.Sprintf(
				"bitmap file is %d bytes, expected %d for %d sectors",
				fs.freeMapFile.Length(),
				expectedMapSize,
				fs.device.TotalSectors(),
			),
		)
	}

	expectedDirSize := int64(directory.SerializedSize(NumDirEntries))
	if fs.directoryFile.Length() != expectedDirSize {
		return errors.ErrInvalidFileSystem.WithMessage(
			fmt.Sprintf(
				"root directory is %d bytes, expected %d",
				fs.directoryFile.Length(),
				expectedDirSize,
			),
		)
	}

	freeMap, err := fs.loadFreeMap()
	if err != nil {
		return err
	}
	if !freeMap.Test(FreeMapSector) || !freeMap.Test(DirectorySector) {
		return errors.ErrFileSystemCorrupted.WithMessage(
			"reserved sectors are marked free in the bitmap",
		)
	}

	fs.log.WithField("freeSectors", freeMap.NumClear()).Debug("mounted volume")
	return nil
}

func (fs *FileSystem) openSystemFiles() error {
	var err error
	fs.freeMapFile, err = openfile.Open(fs.device, FreeMapSector, sectorfs.O_RDWR)
	if err != nil {
		return err
	}
	fs.directoryFile, err = openfile.Open(fs.device, DirectorySector, sectorfs.O_RDWR)
	return err
}

func (fs *FileSystem) checkOpen() error {
	if fs.closed {
		return errors.ErrIOFailed.WithMessage("file system is closed")
	}
	return nil
}

// finish flushes the device after a structural change if the mount asks for it.
func (fs *FileSystem) finish() error {
	if fs.sync {
		return fs.device.Flush()
	}
	return nil
}

func (fs *FileSystem) loadFreeMap() (*bitmap.Bitmap, error) {
	freeMap := bitmap.New(fs.device.TotalSectors())
	err := freeMap.FetchFrom(fs.freeMapFile)
	if err != nil {
		return nil, err
	}
	return freeMap, nil
}

// readTable loads the directory table whose header is in `sector`.
func (fs *FileSystem) readTable(sector c.PhysicalBlock) (*directory.Directory, error) {
	table := directory.New(NumDirEntries)
	if sector == DirectorySector {
		return table, table.FetchFrom(fs.directoryFile)
	}

	file, err := openfile.Open(fs.device, sector, sectorfs.O_RDONLY)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	err = table.FetchFrom(file)
	if err != nil {
		return nil, err
	}
	return table, nil
}

// writeTable stores `table` in the directory whose header is in `sector`.
func (fs *FileSystem) writeTable(sector c.PhysicalBlock, table *directory.Directory) error {
	if sector == DirectorySector {
		return table.WriteBack(fs.directoryFile)
	}

	file, err := openfile.Open(fs.device, sector, sectorfs.O_WRONLY)
	if err != nil {
		return err
	}
	defer file.Close()
	return table.WriteBack(file)
}

var rootEntry = directory.Entry{Name: PathDelimiter, Sector: DirectorySector, IsDir: true}

// resolve walks `segments` from the root and returns the entry for the last
// one. Every segment but the last must be a directory.
func (fs *FileSystem) resolve(segments []string) (directory.Entry, error) {
	current := rootEntry
	for i, segment := range segments {
		if !current.IsDir {
			return directory.Entry{}, errors.ErrNotADirectory.WithMessage(
				fmt.Sprintf("%q is not a directory", joinSegments(segments[:i])),
			)
		}

		table, err := fs.readTable(current.Sector)
		if err != nil {
			return directory.Entry{}, err
		}

		entry, found := table.Find(segment)
		if !found {
			return directory.Entry{}, errors.ErrNotFound.WithMessage(
				fmt.Sprintf("%q does not exist", joinSegments(segments[:i+1])),
			)
		}
		current = entry
	}
	return current, nil
}

// resolvePath is [FileSystem.resolve] for a path string.
func (fs *FileSystem) resolvePath(path string) (directory.Entry, error) {
	segments, err := splitSegments(path)
	if err != nil {
		return directory.Entry{}, err
	}
	return fs.resolve(segments)
}

// resolveParent finds the directory that contains (or would contain) the last
// segment of `path`, and loads its table. `path` must not be the root.
func (fs *FileSystem) resolveParent(
	path string,
) (parentSector c.PhysicalBlock, table *directory.Directory, name string, err error) {
	segments, err := splitSegments(path)
	if err != nil {
		return c.InvalidPhysicalBlock, nil, "", err
	}
	if len(segments) == 0 {
		return c.InvalidPhysicalBlock, nil, "", errors.ErrBusy.WithMessage(
			"operation not possible on the root directory",
		)
	}

	parentPath, name := SplitPath(joinSegments(segments))
	parent, err := fs.resolve(segments[:len(segments)-1])
	if err != nil {
		return c.InvalidPhysicalBlock, nil, "", err
	}
	if !parent.IsDir {
		return c.InvalidPhysicalBlock, nil, "", errors.ErrNotADirectory.WithMessage(
			fmt.Sprintf("%q is not a directory", parentPath),
		)
	}

	table, err = fs.readTable(parent.Sector)
	if err != nil {
		return c.InvalidPhysicalBlock, nil, "", err
	}
	return parent.Sector, table, name, nil
}

// Create makes a new file of `initialSize` bytes, filled with zeroes. Files
// can't change size after they're created.
//
// If creation fails for any reason other than an I/O error, the volume is left
// unchanged.
func (fs *FileSystem) Create(path string, initialSize int) error {
	if initialSize < 0 {
		return errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("file size can't be negative: %d", initialSize),
		)
	}

	fs.lock.Lock()
	defer fs.lock.Unlock()
	return fs.createEntry(path, uint(initialSize), false)
}

// CreateDirectory makes a new, empty directory. The parent is the directory
// containing the last segment of `path`, and must already exist.
func (fs *FileSystem) CreateDirectory(path string) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	return fs.createEntry(path, directory.SerializedSize(NumDirEntries), true)
}

// createEntry does the work of [FileSystem.Create] and
// [FileSystem.CreateDirectory]. The write lock must be held.
func (fs *FileSystem) createEntry(path string, size uint, isDir bool) error {
	err := fs.checkOpen()
	if err != nil {
		return err
	}

	parentSector, table, name, err := fs.resolveParent(path)
	if err != nil {
		if errors.ErrnoOf(err) == errors.EBUSY {
			return errors.ErrExists.WithMessage("the root directory always exists")
		}
		return err
	}

	err = directory.ValidateName(name)
	if err != nil {
		return err
	}
	if _, exists := table.Find(name); exists {
		return errors.ErrExists.WithMessage(fmt.Sprintf("%q already exists", path))
	}

	freeMap, err := fs.loadFreeMap()
	if err != nil {
		return err
	}

	// Claim everything on a copy. Until it's written back, a failure leaves no
	// trace on disk.
	newMap := freeMap.Clone()
	headerSector, err := newMap.Find()
	if err != nil {
		return errors.ErrNoSpaceOnDevice.WithMessage(
			fmt.Sprintf("no free sector for the header of %q", path),
		)
	}

	hdr := filehdr.New(fs.device.BytesPerSector())
	err = hdr.Allocate(newMap, size)
	if err != nil {
		fs.log.WithError(err).WithField("path", path).Warn("create failed, nothing allocated")
		return err
	}

	err = table.Add(name, headerSector, isDir)
	if err != nil {
		fs.log.WithError(err).WithField("path", path).Warn("create failed, nothing allocated")
		return err
	}

	err = hdr.WriteBack(fs.device, headerSector)
	if err != nil {
		return err
	}
	err = fs.initializeContent(hdr, headerSector, isDir)
	if err != nil {
		return err
	}
	err = fs.writeTable(parentSector, table)
	if err != nil {
		return err
	}
	err = newMap.WriteBack(fs.freeMapFile)
	if err != nil {
		return err
	}

	fs.log.WithFields(logrus.Fields{
		"path":   path,
		"size":   size,
		"sector": headerSector,
		"isDir":  isDir,
	}).Debug("created")
	return fs.finish()
}

// initializeContent gives a new file its initial content: an empty table for a
// directory, zeroes for anything else.
func (fs *FileSystem) initializeContent(
	hdr *filehdr.FileHeader,
	headerSector c.PhysicalBlock,
	isDir bool,
) error {
	if isDir {
		return fs.writeTable(headerSector, directory.New(NumDirEntries))
	}

	zeroes := make([]byte, fs.device.BytesPerSector())
	for _, sector := range hdr.DataSectors() {
		err := fs.device.WriteSector(sector, zeroes)
		if err != nil {
			return err
		}
	}
	return nil
}

// openMode controls how [FileSystem.openWithFlags] treats directories. Their
// tables are only ever written by the file system itself, so a directory
// handle is never writable.
type openMode int

const (
	// openAny opens files as requested and directories read-only.
	openAny openMode = iota
	// openDirectory is openAny but fails if the target isn't a directory.
	openDirectory
	// openStrict fails with [errors.ErrIsADirectory] if a directory is
	// opened for writing.
	openStrict
)

// Open returns a handle on the file or directory at `path`. Files are opened
// for reading and writing, directories for reading only. Opening "/" gives a
// handle on the root directory's table.
func (fs *FileSystem) Open(path string) (*openfile.OpenFile, error) {
	return fs.openWithFlags(path, sectorfs.O_RDWR, openAny)
}

// OpenDir is like [FileSystem.Open] but fails if `path` isn't a directory.
func (fs *FileSystem) OpenDir(path string) (*openfile.OpenFile, error) {
	return fs.openWithFlags(path, sectorfs.O_RDONLY, openDirectory)
}

func (fs *FileSystem) openWithFlags(
	path string,
	flags sectorfs.IOFlags,
	mode openMode,
) (*openfile.OpenFile, error) {
	fs.lock.RLock()
	defer fs.lock.RUnlock()

	err := fs.checkOpen()
	if err != nil {
		return nil, err
	}

	entry, err := fs.resolvePath(path)
	if err != nil {
		return nil, err
	}

	if !entry.IsDir {
		if mode == openDirectory {
			return nil, errors.ErrNotADirectory.WithMessage(
				fmt.Sprintf("%q is not a directory", path),
			)
		}
		return openfile.Open(fs.device, entry.Sector, flags)
	}

	if flags.Write() {
		if mode == openStrict {
			return nil, errors.ErrIsADirectory.WithMessage(
				fmt.Sprintf("%q is a directory and can't be opened for writing", path),
			)
		}
		flags = sectorfs.O_RDONLY | (flags & sectorfs.O_SYNC)
	}
	return openfile.Open(fs.device, entry.Sector, flags)
}

// removal is one file or directory scheduled for deletion, with its header.
type removal struct {
	entry directory.Entry
	hdr   *filehdr.FileHeader
}

// Remove deletes the file or directory at `path`. A directory that isn't empty
// is only removed if `recursive` is true, in which case everything under it is
// removed too.
//
// The whole subtree is checked before anything is written, so a failure other
// than an I/O error leaves the volume unchanged.
func (fs *FileSystem) Remove(path string, recursive bool) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	err := fs.checkOpen()
	if err != nil {
		return err
	}

	parentSector, table, name, err := fs.resolveParent(path)
	if err != nil {
		return err
	}

	target, found := table.Find(name)
	if !found {
		return errors.ErrNotFound.WithMessage(fmt.Sprintf("%q does not exist", path))
	}

	if target.IsDir && !recursive {
		children, err := fs.readTable(target.Sector)
		if err != nil {
			return err
		}
		if !children.IsEmpty() {
			return errors.ErrDirectoryNotEmpty.WithMessage(
				fmt.Sprintf("%q is not empty", path),
			)
		}
	}

	doomed, err := fs.collectSubtree(target)
	if err != nil {
		return err
	}

	freeMap, err := fs.loadFreeMap()
	if err != nil {
		return err
	}

	newMap := freeMap.Clone()
	for _, item := range doomed {
		err = item.hdr.Deallocate(newMap)
		if err == nil {
			err = newMap.Clear(item.entry.Sector)
			if err != nil {
				err = errors.ErrFileSystemCorrupted.Wrap(err)
			}
		}
		if err != nil {
			fs.log.WithError(err).WithField("path", path).Warn("remove failed, nothing freed")
			return err
		}
	}

	// Can't fail, we found it above.
	_ = table.Remove(name)

	err = fs.writeTable(parentSector, table)
	if err != nil {
		return err
	}
	err = newMap.WriteBack(fs.freeMapFile)
	if err != nil {
		return err
	}

	fs.log.WithFields(logrus.Fields{
		"path":         path,
		"entries":      len(doomed),
		"freedSectors": newMap.NumClear() - freeMap.NumClear(),
	}).Debug("removed")
	return fs.finish()
}

// collectSubtree returns `root` and everything beneath it, parents before
// children. It walks the tree with an explicit stack.
func (fs *FileSystem) collectSubtree(root directory.Entry) ([]removal, error) {
	result := []removal{}
	seen := map[c.PhysicalBlock]bool{}
	stack := []directory.Entry{root}

	for len(stack) > 0 {
		entry := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if entry.Sector == FreeMapSector || entry.Sector == DirectorySector || seen[entry.Sector] {
			return nil, errors.ErrFileSystemCorrupted.WithMessage(
				fmt.Sprintf("entry %q points at sector %d, which is already in use", entry.Name, entry.Sector),
			)
		}
		seen[entry.Sector] = true

		hdr := filehdr.New(fs.device.BytesPerSector())
		err := hdr.FetchFrom(fs.device, entry.Sector)
		if err != nil {
			return nil, err
		}
		result = append(result, removal{entry: entry, hdr: hdr})

		if entry.IsDir {
			table, err := fs.readTable(entry.Sector)
			if err != nil {
				return nil, err
			}
			stack = append(stack, table.List()...)
		}
	}
	return result, nil
}

// List returns the entries of the directory at `path`, in table order.
func (fs *FileSystem) List(path string) ([]directory.Entry, error) {
	fs.lock.RLock()
	defer fs.lock.RUnlock()

	err := fs.checkOpen()
	if err != nil {
		return nil, err
	}

	entry, err := fs.resolvePath(path)
	if err != nil {
		return nil, err
	}
	if !entry.IsDir {
		return nil, errors.ErrNotADirectory.WithMessage(
			fmt.Sprintf("%q is not a directory", path),
		)
	}

	table, err := fs.readTable(entry.Sector)
	if err != nil {
		return nil, err
	}
	return table.List(), nil
}

type listItem struct {
	entry directory.Entry
	depth int
}

// RecursiveList writes a tree of everything under the directory at `path` to
// `w`, one entry per line. Directories are marked "[D]" and files "[F]"; each
// level is indented `tab` columns more than its parent.
func (fs *FileSystem) RecursiveList(w io.Writer, path string, tab int) error {
	fs.lock.RLock()
	defer fs.lock.RUnlock()

	err := fs.checkOpen()
	if err != nil {
		return err
	}
	if tab < 0 {
		tab = 0
	}

	start, err := fs.resolvePath(path)
	if err != nil {
		return err
	}
	if !start.IsDir {
		return errors.ErrNotADirectory.WithMessage(
			fmt.Sprintf("%q is not a directory", path),
		)
	}

	table, err := fs.readTable(start.Sector)
	if err != nil {
		return err
	}

	stack := pushReversed(nil, table.List(), 0)
	for len(stack) > 0 {
		item := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		marker := "[F]"
		if item.entry.IsDir {
			marker = "[D]"
		}
		_, err = fmt.Fprintf(w, "%*s%s %s\n", item.depth*tab, "", marker, item.entry.Name)
		if err != nil {
			return err
		}

		if item.entry.IsDir {
			children, err := fs.readTable(item.entry.Sector)
			if err != nil {
				return err
			}
			stack = pushReversed(stack, children.List(), item.depth+1)
		}
	}
	return nil
}

// pushReversed pushes `entries` onto `stack` so that they pop in table order.
func pushReversed(stack []listItem, entries []directory.Entry, depth int) []listItem {
	for i := len(entries) - 1; i >= 0; i-- {
		stack = append(stack, listItem{entry: entries[i], depth: depth})
	}
	return stack
}

// Print dumps the system files, the free-sector bitmap, the root directory,
// and the header and content of every reachable file to `w`, for debugging.
func (fs *FileSystem) Print(w io.Writer) error {
	fs.lock.RLock()
	defer fs.lock.RUnlock()

	err := fs.checkOpen()
	if err != nil {
		return err
	}

	fmt.Fprint(w, "Bit map file header:\n")
	err = fs.freeMapFile.Header().Print(w, fs.device)
	if err != nil {
		return err
	}

	fmt.Fprint(w, "Directory file header:\n")
	err = fs.directoryFile.Header().Print(w, fs.device)
	if err != nil {
		return err
	}

	freeMap, err := fs.loadFreeMap()
	if err != nil {
		return err
	}
	freeMap.Print(w)

	root, err := fs.readTable(DirectorySector)
	if err != nil {
		return err
	}
	root.Print(w)

	type pathEntry struct {
		path  string
		entry directory.Entry
	}
	stack := []pathEntry{}
	entries := root.List()
	for i := len(entries) - 1; i >= 0; i-- {
		stack = append(stack, pathEntry{JoinPath(PathDelimiter, entries[i].Name), entries[i]})
	}

	for len(stack) > 0 {
		item := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		hdr := filehdr.New(fs.device.BytesPerSector())
		err = hdr.FetchFrom(fs.device, item.entry.Sector)
		if err != nil {
			return err
		}

		fmt.Fprintf(w, "%s:\n", item.path)
		err = hdr.Print(w, fs.device)
		if err != nil {
			return err
		}

		if item.entry.IsDir {
			table, err := fs.readTable(item.entry.Sector)
			if err != nil {
				return err
			}
			children := table.List()
			for i := len(children) - 1; i >= 0; i-- {
				stack = append(
					stack,
					pathEntry{JoinPath(item.path, children[i].Name), children[i]},
				)
			}
		}
	}
	return nil
}

// Stat describes the file or directory at `path`.
func (fs *FileSystem) Stat(path string) (FileInfo, error) {
	fs.lock.RLock()
	defer fs.lock.RUnlock()

	err := fs.checkOpen()
	if err != nil {
		return FileInfo{}, err
	}

	entry, err := fs.resolvePath(path)
	if err != nil {
		return FileInfo{}, err
	}

	hdr := filehdr.New(fs.device.BytesPerSector())
	err = hdr.FetchFrom(fs.device, entry.Sector)
	if err != nil {
		return FileInfo{}, err
	}

	return FileInfo{
		Name:         entry.Name,
		IsDir:        entry.IsDir,
		Length:       int64(hdr.FileLength()),
		HeaderSector: entry.Sector,
	}, nil
}

// FreeSectors returns the number of sectors not in use.
func (fs *FileSystem) FreeSectors() (uint, error) {
	fs.lock.RLock()
	defer fs.lock.RUnlock()

	err := fs.checkOpen()
	if err != nil {
		return 0, err
	}

	freeMap, err := fs.loadFreeMap()
	if err != nil {
		return 0, err
	}
	return freeMap.NumClear(), nil
}

// Close releases every open descriptor and the system files, and flushes the
// device. The device itself stays open. Calling Close more than once is a no-op.
func (fs *FileSystem) Close() error {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	if fs.closed {
		return nil
	}
	fs.closed = true

	result := fs.descriptors.closeAll()
	for _, file := range []*openfile.OpenFile{fs.freeMapFile, fs.directoryFile} {
		err := file.Close()
		if err != nil {
			result = multierror.Append(result, err)
		}
	}

	err := fs.device.Flush()
	if err != nil {
		result = multierror.Append(result, err)
	}

	fs.log.Debug("unmounted volume")
	return result.ErrorOrNil()
}
