package sectorfs

import (
	"fmt"
	"io"
	"sync"

	"github.com/dargueta/sectorfs"
	"github.com/dargueta/sectorfs/errors"
	"github.com/dargueta/sectorfs/file_systems/sectorfs/openfile"
	"github.com/hashicorp/go-multierror"
)

// descriptorTable maps small integer ids to open file handles. Ids are slot
// indices, so there are never more than [MaxOpenFiles] of them.
type descriptorTable struct {
	lock  sync.Mutex
	files [MaxOpenFiles]*openfile.OpenFile
}

func invalidDescriptor(id int) error {
	return errors.ErrInvalidFileDescriptor.WithMessage(
		fmt.Sprintf("no open file with descriptor %d", id),
	)
}

// add stores `file` in the first free slot and returns its index.
func (table *descriptorTable) add(file *openfile.OpenFile) (int, error) {
	table.lock.Lock()
	defer table.lock.Unlock()

	for id, slot := range table.files {
		if slot == nil {
			table.files[id] = file
			return id, nil
		}
	}
	return -1, errors.ErrTooManyOpenFiles.WithMessage(
		fmt.Sprintf("all %d descriptors are in use", MaxOpenFiles),
	)
}

func (table *descriptorTable) get(id int) (*openfile.OpenFile, error) {
	table.lock.Lock()
	defer table.lock.Unlock()

	if id < 0 || id >= MaxOpenFiles || table.files[id] == nil {
		return nil, invalidDescriptor(id)
	}
	return table.files[id], nil
}

// release empties slot `id` and returns the file that was in it.
func (table *descriptorTable) release(id int) (*openfile.OpenFile, error) {
	table.lock.Lock()
	defer table.lock.Unlock()

	if id < 0 || id >= MaxOpenFiles || table.files[id] == nil {
		return nil, invalidDescriptor(id)
	}
	file := table.files[id]
	table.files[id] = nil
	return file, nil
}

// closeAll closes every open file and empties the table.
func (table *descriptorTable) closeAll() *multierror.Error {
	table.lock.Lock()
	defer table.lock.Unlock()

	var result *multierror.Error
	for id, file := range table.files {
		if file == nil {
			continue
		}
		err := file.Close()
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("descriptor %d: %w", id, err))
		}
		table.files[id] = nil
	}
	return result
}

// OpenFD opens `path` and assigns it the lowest free descriptor. On failure it
// returns -1 along with the reason; in particular, if every descriptor is in
// use the file is closed again and the error wraps
// [errors.ErrTooManyOpenFiles]. Directories can only be opened for reading;
// asking to write one fails with [errors.ErrIsADirectory].
func (fs *FileSystem) OpenFD(path string, flags sectorfs.IOFlags) (int, error) {
	file, err := fs.openWithFlags(path, flags, openStrict)
	if err != nil {
		return -1, err
	}

	id, err := fs.descriptors.add(file)
	if err != nil {
		file.Close()
		fs.log.WithField("path", path).Warn("descriptor table is full")
		return -1, err
	}

	fs.log.WithField("path", path).WithField("fd", id).Debug("opened descriptor")
	return id, nil
}

// checkTransferSize makes sure `size` bytes fit in `buffer`.
func checkTransferSize(buffer []byte, size int) error {
	if size < 0 || size > len(buffer) {
		return errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("can't move %d bytes with a %d-byte buffer", size, len(buffer)),
		)
	}
	return nil
}

// ReadFD reads up to `size` bytes from descriptor `id` into `buffer`, and
// returns the number of bytes read. Reaching the end of the file isn't an error;
// it's reported as a short (or zero) count. An invalid descriptor gives -1.
func (fs *FileSystem) ReadFD(buffer []byte, size int, id int) (int, error) {
	file, err := fs.descriptors.get(id)
	if err != nil {
		return -1, err
	}
	err = checkTransferSize(buffer, size)
	if err != nil {
		return -1, err
	}

	n, err := io.ReadFull(file, buffer[:size])
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return n, nil
	}
	return n, err
}

// WriteFD writes `size` bytes from `buffer` to descriptor `id`, and returns the
// number of bytes written. Since files can't grow, this may be less than `size`,
// in which case the error wraps [errors.ErrFileTooLarge]. An invalid descriptor
// gives -1.
func (fs *FileSystem) WriteFD(buffer []byte, size int, id int) (int, error) {
	file, err := fs.descriptors.get(id)
	if err != nil {
		return -1, err
	}
	err = checkTransferSize(buffer, size)
	if err != nil {
		return -1, err
	}
	return file.Write(buffer[:size])
}

// CloseFD closes descriptor `id` and frees it for reuse. Closing a descriptor
// that isn't open fails and has no other effect.
func (fs *FileSystem) CloseFD(id int) error {
	file, err := fs.descriptors.release(id)
	if err != nil {
		return err
	}

	fs.log.WithField("fd", id).Debug("closed descriptor")
	return file.Close()
}

// SeekFD moves the stream pointer of descriptor `id`. See [io.Seeker].
func (fs *FileSystem) SeekFD(id int, offset int64, whence int) (int64, error) {
	file, err := fs.descriptors.get(id)
	if err != nil {
		return -1, err
	}
	return file.Seek(offset, whence)
}
