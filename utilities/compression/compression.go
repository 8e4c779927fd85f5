package compression

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sort"

	"github.com/dargueta/sectorfs/errors"
	"github.com/klauspost/compress/gzip"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

// Codec names the general-purpose compressor applied after RLE8.
type Codec string

const (
	CodecGzip Codec = "gzip"
	CodecLZ4  Codec = "lz4"
	CodecXZ   Codec = "xz"
)

// DefaultCodec is the codec used when none is specified.
const DefaultCodec = CodecGzip

var codecMagic = map[Codec][]byte{
	CodecGzip: {0x1f, 0x8b},
	CodecLZ4:  {0x04, 0x22, 0x4d, 0x18},
	CodecXZ:   {0xfd, '7', 'z', 'X', 'Z', 0x00},
}

// longestMagic is the number of bytes [DetectCodec] needs to see.
const longestMagic = 6

// Codecs returns the names of all supported codecs, sorted.
func Codecs() []string {
	names := make([]string, 0, len(codecMagic))
	for codec := range codecMagic {
		names = append(names, string(codec))
	}
	sort.Strings(names)
	return names
}

// ParseCodec converts a codec name to a [Codec].
func ParseCodec(name string) (Codec, error) {
	codec := Codec(name)
	if _, ok := codecMagic[codec]; !ok {
		return "", errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("unknown codec %q, expected one of %v", name, Codecs()),
		)
	}
	return codec, nil
}

// DetectCodec determines which codec produced a compressed image from the first
// few bytes of it.
func DetectCodec(header []byte) (Codec, error) {
	for codec, magic := range codecMagic {
		if bytes.HasPrefix(header, magic) {
			return codec, nil
		}
	}
	return "", errors.ErrInvalidArgument.WithMessage("compressed image format not recognized")
}

// countingWriter tracks how many bytes have been written through it.
type countingWriter struct {
	w     io.Writer
	total int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.total += int64(n)
	return n, err
}

func newCompressor(codec Codec, output io.Writer) (io.WriteCloser, error) {
	switch codec {
	case CodecGzip:
		// The images are small, so the speed difference between the default and
		// highest levels doesn't matter.
		return gzip.NewWriterLevel(output, gzip.BestCompression)
	case CodecLZ4:
		writer := lz4.NewWriter(output)
		err := writer.Apply(lz4.CompressionLevelOption(lz4.Level9))
		if err != nil {
			return nil, err
		}
		return writer, nil
	case CodecXZ:
		return xz.NewWriterConfig(output, xz.WriterConfig{Workers: 1})
	}
	_, err := ParseCodec(string(codec))
	return nil, err
}

func newDecompressor(codec Codec, input io.Reader) (io.Reader, error) {
	switch codec {
	case CodecGzip:
		return gzip.NewReader(input)
	case CodecLZ4:
		return lz4.NewReader(input), nil
	case CodecXZ:
		return xz.NewReader(input)
	}
	_, err := ParseCodec(string(codec))
	return nil, err
}

// CompressImage compresses a disk image using RLE8 followed by `codec`.
//
// The returned int64 gives the number of bytes written to `output`. If an error
// occurred, the value is undefined and should not be used.
func CompressImage(input io.Reader, output io.Writer, codec Codec) (int64, error) {
	counter := &countingWriter{w: output}
	compressor, err := newCompressor(codec, counter)
	if err != nil {
		return 0, err
	}

	_, err = CompressRLE8(input, compressor)
	if err != nil {
		compressor.Close()
		return counter.total, err
	}

	// Closing flushes the codec's trailer, so it must happen before we report
	// the size.
	err = compressor.Close()
	return counter.total, err
}

// DecompressImage reverses [CompressImage]. The codec is detected from the
// data.
//
// The returned int64 gives the number of bytes written to the output (i.e. the
// decompressed size of the image). If an error occurred, the value is undefined
// and should not be used.
func DecompressImage(input io.Reader, output io.Writer) (int64, error) {
	source := bufio.NewReader(input)
	header, err := source.Peek(longestMagic)
	if err != nil && err != io.EOF {
		return 0, err
	}

	codec, err := DetectCodec(header)
	if err != nil {
		return 0, err
	}

	decompressor, err := newDecompressor(codec, source)
	if err != nil {
		return 0, err
	}
	if closer, ok := decompressor.(io.Closer); ok {
		defer closer.Close()
	}
	return DecompressRLE8(decompressor, output)
}

// DecompressImageToBytes is a convenience wrapper around [DecompressImage] that
// returns the decompressed image as a new byte slice.
func DecompressImageToBytes(input io.Reader) ([]byte, error) {
	var buffer bytes.Buffer
	_, err := DecompressImage(input, &buffer)
	if err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}
