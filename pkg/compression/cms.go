package compression

import (
	"bytes"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

var (
	// OIDCompressedData is id-ct-compressedData
	OIDCompressedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 1, 9}
	// OIDZlibCompress is id-alg-zlibCompress
	OIDZlibCompress = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 3, 8}
	// OIDData is id-data
	OIDData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}

	// ErrNotCompressedData is returned when the input is not CMS compressed-data
	ErrNotCompressedData = errors.New("not CMS compressed-data")
)

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

type compressedData struct {
	Version              int
	CompressionAlgorithm pkix.AlgorithmIdentifier
	EncapContentInfo     encapsulatedContentInfo
}

type encapsulatedContentInfo struct {
	EContentType asn1.ObjectIdentifier
	EContent     []byte `asn1:"explicit,optional,tag:0"`
}

// Compressor produces and reads CMS compressed-data
type Compressor struct {
	compressionLevel int
}

// NewCompressor creates a new compressor with default compression level
func NewCompressor() *Compressor {
	return &Compressor{
		compressionLevel: zlib.DefaultCompression,
	}
}

// NewCompressorWithLevel creates a new compressor with specified compression level
func NewCompressorWithLevel(level int) *Compressor {
	return &Compressor{
		compressionLevel: level,
	}
}

// Compress wraps data in a DER encoded compressed-data ContentInfo
func (c *Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	writer, err := zlib.NewWriterLevel(&buf, c.compressionLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to create zlib writer: %w", err)
	}

	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to write data: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close zlib writer: %w", err)
	}

	inner, err := asn1.Marshal(compressedData{
		Version:              0,
		CompressionAlgorithm: pkix.AlgorithmIdentifier{Algorithm: OIDZlibCompress},
		EncapContentInfo: encapsulatedContentInfo{
			EContentType: OIDData,
			EContent:     buf.Bytes(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode compressed-data: %w", err)
	}

	der, err := asn1.Marshal(contentInfo{
		ContentType: OIDCompressedData,
		Content:     asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: inner},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode content info: %w", err)
	}
	return der, nil
}

// Decompress unwraps a DER encoded compressed-data ContentInfo
func (c *Compressor) Decompress(der []byte) ([]byte, error) {
	var info contentInfo
	if _, err := asn1.Unmarshal(der, &info); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotCompressedData, err)
	}
	if !info.ContentType.Equal(OIDCompressedData) {
		return nil, fmt.Errorf("%w: content type %s", ErrNotCompressedData, info.ContentType)
	}

	var cd compressedData
	if _, err := asn1.Unmarshal(info.Content.Bytes, &cd); err != nil {
		return nil, fmt.Errorf("failed to decode compressed-data: %w", err)
	}
	if !cd.CompressionAlgorithm.Algorithm.Equal(OIDZlibCompress) {
		return nil, fmt.Errorf("unsupported compression algorithm %s", cd.CompressionAlgorithm.Algorithm)
	}

	reader, err := zlib.NewReader(bytes.NewReader(cd.EncapContentInfo.EContent))
	if err != nil {
		return nil, fmt.Errorf("failed to create zlib reader: %w", err)
	}
	defer reader.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, reader); err != nil {
		return nil, fmt.Errorf("failed to read compressed data: %w", err)
	}

	return buf.Bytes(), nil
}

// IsCompressedData reports whether der looks like a compressed-data ContentInfo
func IsCompressedData(der []byte) bool {
	var info contentInfo
	if _, err := asn1.Unmarshal(der, &info); err != nil {
		return false
	}
	return info.ContentType.Equal(OIDCompressedData)
}
