package segment

import (
	"fmt"

	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/stratadb/strata/pkg/errs"
)

// Compression selects the per-row-group codec.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
)

// String returns the lowercase codec name.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionSnappy:
		return "snappy"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	}
	return fmt.Sprintf("compression(%d)", uint8(c))
}

// ParseCompression maps a codec name to its Compression value.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "snappy":
		return CompressionSnappy, nil
	case "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	}
	return 0, errs.Ef(errs.Validation, "segment.compression", "unknown codec %q", name)
}

var zstdEncoder, _ = zstd.NewWriter(nil)
var zstdDecoder, _ = zstd.NewReader(nil)

// compress applies the codec to a raw row-group buffer.
func compress(c Compression, src []byte) ([]byte, error) {
	switch c {
	case CompressionNone:
		return src, nil
	case CompressionSnappy:
		return snappy.Encode(nil, src), nil
	case CompressionZstd:
		return zstdEncoder.EncodeAll(src, nil), nil
	case CompressionLZ4:
		var blockComp lz4.Compressor
		dst := make([]byte, lz4.CompressBlockBound(len(src)))
		n, err := blockComp.CompressBlock(src, dst)
		if err != nil {
			return nil, errs.Wrap(errs.Internal, "segment.compress", err)
		}
		if n == 0 {
			// Incompressible block; LZ4 requires storing it raw with a
			// marker so decompression knows not to decode.
			return append([]byte{0}, src...), nil
		}
		return append([]byte{1}, dst[:n]...), nil
	}
	return nil, errs.Ef(errs.Internal, "segment.compress", "unknown codec %d", c)
}

// decompress reverses compress. uncompressedLen bounds the output
// buffer for codecs that need it.
func decompress(c Compression, src []byte, uncompressedLen int) ([]byte, error) {
	switch c {
	case CompressionNone:
		return src, nil
	case CompressionSnappy:
		out, err := snappy.Decode(nil, src)
		if err != nil {
			return nil, errs.Wrap(errs.Corruption, "segment.decompress", err)
		}
		return out, nil
	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(src, nil)
		if err != nil {
			return nil, errs.Wrap(errs.Corruption, "segment.decompress", err)
		}
		return out, nil
	case CompressionLZ4:
		if len(src) == 0 {
			return nil, errs.E(errs.Corruption, "segment.decompress", "empty lz4 block")
		}
		if src[0] == 0 {
			return src[1:], nil
		}
		dst := make([]byte, uncompressedLen)
		n, err := lz4.UncompressBlock(src[1:], dst)
		if err != nil {
			return nil, errs.Wrap(errs.Corruption, "segment.decompress", err)
		}
		return dst[:n], nil
	}
	return nil, errs.Ef(errs.Corruption, "segment.decompress", "unknown codec %d", c)
}
