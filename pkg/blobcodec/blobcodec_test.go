package blobcodec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressDecompress(t *testing.T) {
	data := []byte(`{"label": "Person", "parent_categories": ["agent"]}`)

	tests := []struct {
		name  string
		codec Codec
	}{
		{name: "None", codec: CodecNone},
		{name: "Gzip", codec: CodecGzip},
		{name: "Zstd", codec: CodecZstd},
		{name: "Brotli", codec: CodecBr},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			compressed, err := Compress(data, tt.codec)
			require.NoError(t, err)
			assert.NotEmpty(t, compressed)

			decompressed, err := Decompress(compressed, tt.codec)
			require.NoError(t, err)
			assert.Equal(t, data, decompressed)
		})
	}
}

func TestParseName(t *testing.T) {
	tests := []struct {
		name  string
		codec Codec
	}{
		{"none", CodecNone},
		{"gzip", CodecGzip},
		{"zstd", CodecZstd},
		{"br", CodecBr},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseName(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.codec, got)
		})
	}

	_, err := ParseName("lz4")
	require.Error(t, err)
}

func TestDecompressUnknownCodec(t *testing.T) {
	_, err := Decompress([]byte("x"), Codec(9))
	require.Error(t, err)
}
