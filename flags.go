package sectorfs

// IOFlags controls how a file is opened. It mirrors the subset of os.O_* flags
// that make sense for fixed-size files.
type IOFlags int

const (
	O_RDONLY IOFlags = 0
	O_WRONLY IOFlags = 1
	O_RDWR   IOFlags = 2
	// O_SYNC forces every write to be flushed to the device before returning.
	O_SYNC IOFlags = 0x101000

	o_ACCMODE IOFlags = 0x3
)

// Read returns true if the flags allow reading.
func (flags IOFlags) Read() bool {
	mode := flags & o_ACCMODE
	return mode == O_RDONLY || mode == O_RDWR
}

// Write returns true if the flags allow writing.
func (flags IOFlags) Write() bool {
	mode := flags & o_ACCMODE
	return mode == O_WRONLY || mode == O_RDWR
}

// Synchronous returns true if writes must reach the device before returning.
func (flags IOFlags) Synchronous() bool {
	return flags&O_SYNC == O_SYNC
}
