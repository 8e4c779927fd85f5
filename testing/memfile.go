package testing

import (
	"io"
)

// MemoryFile is a fixed-size in-memory file implementing [io.ReaderAt] and
// [io.WriterAt]. Writes past the end fail with [io.ErrShortWrite].
type MemoryFile struct {
	Data []byte
}

// NewMemoryFile creates a zero-filled MemoryFile of `size` bytes.
func NewMemoryFile(size int) *MemoryFile {
	return &MemoryFile{Data: make([]byte, size)}
}

func (f *MemoryFile) ReadAt(buffer []byte, offset int64) (int, error) {
	if offset >= int64(len(f.Data)) {
		return 0, io.EOF
	}
	n := copy(buffer, f.Data[offset:])
	if n < len(buffer) {
		return n, io.EOF
	}
	return n, nil
}

func (f *MemoryFile) WriteAt(buffer []byte, offset int64) (int, error) {
	if offset >= int64(len(f.Data)) {
		return 0, io.ErrShortWrite
	}
	n := copy(f.Data[offset:], buffer)
	if n < len(buffer) {
		return n, io.ErrShortWrite
	}
	return n, nil
}
