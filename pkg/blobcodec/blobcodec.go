package blobcodec

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

// Codec identifies the at-rest compression applied to a stored document
// blob. The value is persisted next to the blob, so never renumber.
type Codec = int8

const (
	CodecNone Codec = 0
	CodecGzip Codec = 1
	CodecZstd Codec = 2
	CodecBr   Codec = 3
)

// Default is what new blobs are written with.
const Default = CodecZstd

var nameLookup = map[string]Codec{
	"":     CodecNone,
	"none": CodecNone,
	"gzip": CodecGzip,
	"zstd": CodecZstd,
	"br":   CodecBr,
}

func ParseName(name string) (Codec, error) {
	c, ok := nameLookup[name]
	if !ok {
		return CodecNone, fmt.Errorf("blobcodec: unknown codec %q", name)
	}
	return c, nil
}

var (
	gzipWriterPool = sync.Pool{
		New: func() interface{} {
			return gzip.NewWriter(io.Discard)
		},
	}
	brotliWriterPool = sync.Pool{
		New: func() interface{} {
			return brotli.NewWriter(io.Discard)
		},
	}

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil)
	if err != nil {
		panic(err)
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(err)
	}
}

func Compress(data []byte, codec Codec) ([]byte, error) {
	var buf bytes.Buffer
	switch codec {
	case CodecNone:
		return data, nil
	case CodecGzip:
		z := gzipWriterPool.Get().(*gzip.Writer)
		defer gzipWriterPool.Put(z)

		z.Reset(&buf)
		if _, err := z.Write(data); err != nil {
			return nil, err
		}
		if err := z.Close(); err != nil {
			return nil, err
		}
	case CodecZstd:
		return zstdEncoder.EncodeAll(data, nil), nil
	case CodecBr:
		w := brotliWriterPool.Get().(*brotli.Writer)
		defer brotliWriterPool.Put(w)

		w.Reset(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("blobcodec: unsupported codec: %v", codec)
	}
	return buf.Bytes(), nil
}

func Decompress(data []byte, codec Codec) ([]byte, error) {
	switch codec {
	case CodecNone:
		return data, nil
	case CodecGzip:
		z, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer func() { _ = z.Close() }()
		return io.ReadAll(z)
	case CodecZstd:
		return zstdDecoder.DecodeAll(data, nil)
	case CodecBr:
		return io.ReadAll(brotli.NewReader(bytes.NewReader(data)))
	default:
		return nil, fmt.Errorf("blobcodec: unsupported codec: %v", codec)
	}
}
