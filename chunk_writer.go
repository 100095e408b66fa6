package mcap

import (
	"bytes"
	"fmt"
	"math"
)

// ChunkWriter accumulates one in-progress chunk's compressed record stream, plus the
// per-channel message indexes needed to emit its trailing MessageIndex records when the chunk
// is flushed. It is reset and reused across chunks rather than reallocated, matching the
// writer's general no-garbage-per-record design.
type ChunkWriter struct {
	compressed        *bytes.Buffer
	compressedWriter  *countingCRCWriter
	compressionFormat CompressionFormat
	MessageIndexes    map[uint16]*MessageIndex

	ChunkStartTime uint64
	ChunkEndTime   uint64
}

func newChunkWriter(compression CompressionFormat, level CompressionLevel, includeCRC bool) (*ChunkWriter, error) {
	compressed := &bytes.Buffer{}
	inner, err := newChunkCompressor(compression, level, compressed)
	if err != nil {
		return nil, err
	}
	return &ChunkWriter{
		compressed:        compressed,
		compressedWriter:  newCountingCRCWriter(inner, includeCRC),
		compressionFormat: compression,
		MessageIndexes:    make(map[uint16]*MessageIndex),
		ChunkStartTime:    math.MaxUint64,
		ChunkEndTime:      0,
	}, nil
}

func (cw *ChunkWriter) Write(buf []byte) (int, error) {
	return cw.compressedWriter.Write(buf)
}

// IndexMessage records that a message on channelID landed at offset within the chunk's
// uncompressed record stream, and widens the chunk's recorded time bounds to cover logTime.
func (cw *ChunkWriter) IndexMessage(channelID uint16, logTime uint64, offset uint64) {
	idx, ok := cw.MessageIndexes[channelID]
	if !ok {
		idx = &MessageIndex{ChannelID: channelID}
		cw.MessageIndexes[channelID] = idx
	}
	idx.Records = append(idx.Records, MessageIndexEntry{Timestamp: logTime, Offset: offset})
	if logTime < cw.ChunkStartTime {
		cw.ChunkStartTime = logTime
	}
	if logTime > cw.ChunkEndTime {
		cw.ChunkEndTime = logTime
	}
}

func (cw *ChunkWriter) Empty() bool {
	return cw.UncompressedLen() == 0
}

func (cw *ChunkWriter) UncompressedLen() int64 {
	return cw.compressedWriter.Size()
}

func (cw *ChunkWriter) CompressedLen() int {
	return cw.compressed.Len()
}

func (cw *ChunkWriter) SerializedLen() int {
	return 8 + 8 + 8 + 4 + 4 + len(cw.compressionFormat) + 8 + cw.CompressedLen()
}

func (cw *ChunkWriter) SerializeTo(buf []byte) (int, error) {
	if len(buf) < cw.SerializedLen() {
		return 0, fmt.Errorf("chunk buffer too small to serialize")
	}
	offset := putUint64(buf, cw.ChunkStartTime)
	offset += putUint64(buf[offset:], cw.ChunkEndTime)
	offset += putUint64(buf[offset:], uint64(cw.UncompressedLen()))
	offset += putUint32(buf[offset:], cw.compressedWriter.CRC())
	offset += putPrefixedString(buf[offset:], string(cw.compressionFormat))
	offset += putUint64(buf[offset:], uint64(cw.CompressedLen()))
	offset += copy(buf[offset:], cw.compressed.Bytes())
	return offset, nil
}

func (cw *ChunkWriter) Close() error {
	return cw.compressedWriter.Close()
}

func (cw *ChunkWriter) Reset() {
	cw.compressed.Reset()
	cw.compressedWriter.Reset(cw.compressed)
	cw.compressedWriter.ResetCRC()
	cw.compressedWriter.ResetSize()
	cw.MessageIndexes = make(map[uint16]*MessageIndex)
	cw.ChunkStartTime = math.MaxUint64
	cw.ChunkEndTime = 0
}
