package compression

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// maxEncodedRun is the longest run a single RLE8 group can describe: the two
// literal bytes plus a repeat count of up to 255.
const maxEncodedRun = 257

// CompressRLE8 reads bytes from the input and writes RLE8-encoded data to the
// output until the input is exhausted. The return value is the number of bytes
// written, only valid if no error occurred.
func CompressRLE8(input io.Reader, output io.Writer) (int64, error) {
	grouper := NewRLEGrouper(input)
	totalBytesWritten := int64(0)

	write := func(data ...byte) error {
		n, err := output.Write(data)
		totalBytesWritten += int64(n)
		return err
	}

	for {
		run, err := grouper.GetNextRun()
		if errors.Is(err, io.EOF) {
			return totalBytesWritten, nil
		} else if err != nil {
			return totalBytesWritten, err
		}

		// Runs longer than one group are split. What's left after the last full
		// group may be a lone byte, which is written as-is.
		for run.RunLength >= 2 {
			groupLength := min(run.RunLength, maxEncodedRun)
			err = write(run.Byte, run.Byte, byte(groupLength-2))
			if err != nil {
				return totalBytesWritten, err
			}
			run.RunLength -= groupLength
		}

		if run.RunLength == 1 {
			err = write(run.Byte)
			if err != nil {
				return totalBytesWritten, err
			}
		}
	}
}

// DecompressRLE8 reverses [CompressRLE8]. The return value is the number of
// bytes written to `output`.
func DecompressRLE8(input io.Reader, output io.Writer) (int64, error) {
	source := bufio.NewReader(input)
	lastByteRead := -1
	totalBytesWritten := int64(0)

	for {
		currentByte, err := source.ReadByte()
		if errors.Is(err, io.EOF) {
			return totalBytesWritten, nil
		} else if err != nil {
			return totalBytesWritten, fmt.Errorf("error reading input: %w", err)
		}

		var currentOutput []byte
		if int(currentByte) == lastByteRead {
			// Two identical bytes in a row; the next one is a repeat count.
			repeatCount, err := source.ReadByte()
			if errors.Is(err, io.EOF) {
				return totalBytesWritten, fmt.Errorf(
					"%w: missing repeat count after two %02x bytes",
					io.ErrUnexpectedEOF,
					currentByte,
				)
			} else if err != nil {
				return totalBytesWritten, fmt.Errorf("error reading input: %w", err)
			}

			// The second of the pair hasn't been written yet, hence +1.
			currentOutput = bytes.Repeat([]byte{currentByte}, int(repeatCount)+1)

			// The group is finished. Without this, a run of 258+ bytes would be
			// decoded with extra bytes.
			lastByteRead = -1
		} else {
			lastByteRead = int(currentByte)
			currentOutput = []byte{currentByte}
		}

		n, err := output.Write(currentOutput)
		totalBytesWritten += int64(n)
		if err != nil {
			return totalBytesWritten, fmt.Errorf("failed to write to output: %w", err)
		}
	}
}
