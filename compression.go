package mcap

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// This file is the compression registry (C4): a name-keyed table of codecs, so the chunk
// writer and the indexed reader never branch on CompressionFormat directly. The lexer's
// streaming (non-CRC-validating) chunk path selects its decoder with its own switch in
// lexer.go, so a new format also needs a case there.

// decompressor returns a chunk's decompressed record stream, verifying the result is exactly
// uncompressedSize bytes long. For CompressionNone the returned slice is the input itself.
type decompressor func(compressed []byte, uncompressedSize uint64) ([]byte, error)

// compressor wraps an io.Writer so chunk contents can be streamed through a codec as they're
// written, rather than compressed in one shot.
type compressor func(w io.Writer, level CompressionLevel) (ResettableWriteCloser, error)

var decompressors = map[CompressionFormat]decompressor{
	CompressionNone: decompressNone,
	CompressionLZ4:  decompressLZ4,
	CompressionZSTD: decompressZSTD,
}

var compressors = map[CompressionFormat]compressor{
	CompressionNone: newNoneWriter,
	CompressionLZ4:  newLZ4Writer,
	CompressionZSTD: newZSTDWriter,
}

func decompressChunk(format CompressionFormat, compressed []byte, uncompressedSize uint64) ([]byte, error) {
	fn, ok := decompressors[format]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCompression, format)
	}
	return fn(compressed, uncompressedSize)
}

func newChunkCompressor(format CompressionFormat, level CompressionLevel, w io.Writer) (ResettableWriteCloser, error) {
	fn, ok := compressors[format]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCompression, format)
	}
	return fn(w, level)
}

func decompressNone(compressed []byte, uncompressedSize uint64) ([]byte, error) {
	if uint64(len(compressed)) != uncompressedSize {
		return nil, fmt.Errorf("%w: uncompressed chunk declares size %d, has %d", ErrInvalidLength, uncompressedSize, len(compressed))
	}
	return compressed, nil
}

func decompressLZ4(compressed []byte, uncompressedSize uint64) ([]byte, error) {
	out, err := safeMakeBytes(uncompressedSize)
	if err != nil {
		return nil, err
	}
	r := lz4.NewReader(bytes.NewReader(compressed))
	n, err := io.ReadFull(r, out)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if uint64(n) != uncompressedSize {
		return nil, fmt.Errorf("%w: lz4 chunk declares size %d, decompressed %d", ErrInvalidLength, uncompressedSize, n)
	}
	return out, nil
}

func decompressZSTD(compressed []byte, uncompressedSize uint64) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(compressed, make([]byte, 0, uncompressedSize))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if uint64(len(out)) != uncompressedSize {
		return nil, fmt.Errorf("%w: zstd chunk declares size %d, decompressed %d", ErrInvalidLength, uncompressedSize, len(out))
	}
	return out, nil
}

func newNoneWriter(w io.Writer, _ CompressionLevel) (ResettableWriteCloser, error) {
	return &bufCloser{Writer: w}, nil
}

func newLZ4Writer(w io.Writer, level CompressionLevel) (ResettableWriteCloser, error) {
	zw := lz4.NewWriter(w)
	if err := zw.Apply(lz4.CompressionLevelOption(level.lz4Level())); err != nil {
		return nil, fmt.Errorf("lz4 writer options: %w", err)
	}
	return &lz4ResettableWriter{zw: zw}, nil
}

func newZSTDWriter(w io.Writer, level CompressionLevel) (ResettableWriteCloser, error) {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(level.zstdLevel()))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	return &zstdResettableWriter{enc: enc}, nil
}

// lz4ResettableWriter adapts *lz4.Writer to ResettableWriteCloser so the chunk writer can reuse
// one instance across chunk boundaries instead of allocating a fresh compressor per chunk.
type lz4ResettableWriter struct {
	zw *lz4.Writer
}

func (l *lz4ResettableWriter) Write(p []byte) (int, error) { return l.zw.Write(p) }
func (l *lz4ResettableWriter) Close() error                 { return l.zw.Close() }
func (l *lz4ResettableWriter) Reset(w io.Writer)            { l.zw.Reset(w) }

// zstdResettableWriter adapts *zstd.Encoder to ResettableWriteCloser.
type zstdResettableWriter struct {
	enc *zstd.Encoder
}

func (z *zstdResettableWriter) Write(p []byte) (int, error) { return z.enc.Write(p) }
func (z *zstdResettableWriter) Close() error                 { return z.enc.Close() }
func (z *zstdResettableWriter) Reset(w io.Writer)            { z.enc.Reset(w) }
