// Package mcap implements the record codec, streaming writer, indexed reader, and streaming
// reader for the MCAP container format: a self-contained binary container for heterogeneous
// pub/sub message streams.
package mcap

import "fmt"

// Magic is the 8-byte sequence that must open and close every MCAP file.
var Magic = []byte{0x89, 'M', 'C', 'A', 'P', '0', '\r', '\n'}

// legacyMagic is the experimental pre-v1 magic, tolerated only by the streaming reader when
// reading old captures.
var legacyMagic = []byte{0x89, 'M', 'C', 'A', 'P', 0x01, '\r', '\n'}

// OpCode identifies the kind of a record.
type OpCode byte

const (
	OpReserved        OpCode = 0x00
	OpHeader          OpCode = 0x01
	OpFooter          OpCode = 0x02
	OpSchema          OpCode = 0x03
	OpChannel         OpCode = 0x04
	OpMessage         OpCode = 0x05
	OpChunk           OpCode = 0x06
	OpMessageIndex    OpCode = 0x07
	OpChunkIndex      OpCode = 0x08
	OpAttachment      OpCode = 0x09
	OpAttachmentIndex OpCode = 0x0A
	OpStatistics      OpCode = 0x0B
	OpMetadata        OpCode = 0x0C
	OpMetadataIndex   OpCode = 0x0D
	OpSummaryOffset   OpCode = 0x0E
	OpDataEnd         OpCode = 0x0F
)

func (c OpCode) String() string {
	switch c {
	case OpReserved:
		return "reserved"
	case OpHeader:
		return "header"
	case OpFooter:
		return "footer"
	case OpSchema:
		return "schema"
	case OpChannel:
		return "channel"
	case OpMessage:
		return "message"
	case OpChunk:
		return "chunk"
	case OpMessageIndex:
		return "message index"
	case OpChunkIndex:
		return "chunk index"
	case OpAttachment:
		return "attachment"
	case OpAttachmentIndex:
		return "attachment index"
	case OpStatistics:
		return "statistics"
	case OpMetadata:
		return "metadata"
	case OpMetadataIndex:
		return "metadata index"
	case OpSummaryOffset:
		return "summary offset"
	case OpDataEnd:
		return "data end"
	default:
		return fmt.Sprintf("<unrecognized opcode 0x%02x>", byte(c))
	}
}

// CompressionFormat names a chunk compression codec registered with the package.
type CompressionFormat string

const (
	CompressionNone CompressionFormat = ""
	CompressionLZ4  CompressionFormat = "lz4"
	CompressionZSTD CompressionFormat = "zstd"
)

func (c CompressionFormat) String() string { return string(c) }

// Header is the first record of the data section.
type Header struct {
	Profile string
	Library string
}

// Footer is the final record before the trailing magic.
type Footer struct {
	SummaryStart       uint64
	SummaryOffsetStart uint64
	SummaryCRC         uint32
}

// Schema describes the wire format of messages on one or more channels. id=0 is reserved to
// mean "no schema".
type Schema struct {
	ID       uint16
	Name     string
	Encoding string
	Data     []byte
}

// Channel binds a topic to a schema and a message encoding.
type Channel struct {
	ID              uint16
	SchemaID        uint16
	Topic           string
	MessageEncoding string
	Metadata        map[string]string
}

// Message is a single timestamped record on a channel.
type Message struct {
	ChannelID   uint16
	Sequence    uint32
	LogTime     uint64
	PublishTime uint64
	Data        []byte
}

// Chunk is a batch of Schema, Channel, and Message records, optionally compressed.
type Chunk struct {
	MessageStartTime uint64
	MessageEndTime   uint64
	UncompressedSize uint64
	UncompressedCRC  uint32
	Compression      CompressionFormat
	Records          []byte
}

// MessageIndexEntry locates one message within a chunk's decompressed byte stream.
type MessageIndexEntry struct {
	Timestamp uint64
	Offset    uint64
}

// MessageIndex maps every message on one channel, within one chunk, to its offset.
type MessageIndex struct {
	ChannelID uint16
	Records   []MessageIndexEntry
}

// ChunkIndex locates a Chunk record and its trailing MessageIndex records.
type ChunkIndex struct {
	MessageStartTime    uint64
	MessageEndTime      uint64
	ChunkStartOffset    uint64
	ChunkLength         uint64
	MessageIndexOffsets map[uint16]uint64
	MessageIndexLength  uint64
	Compression         CompressionFormat
	CompressedSize      uint64
	UncompressedSize    uint64
}

// Attachment is an auxiliary artifact stored directly in the data section.
type Attachment struct {
	LogTime    uint64
	CreateTime uint64
	Name       string
	MediaType  string
	Data       []byte
}

// AttachmentIndex locates an Attachment record.
type AttachmentIndex struct {
	Offset     uint64
	Length     uint64
	LogTime    uint64
	CreateTime uint64
	DataSize   uint64
	Name       string
	MediaType  string
}

// Metadata is an arbitrary key-value record stored in the data section.
type Metadata struct {
	Name     string
	Metadata map[string]string
}

// MetadataIndex locates a Metadata record.
type MetadataIndex struct {
	Offset uint64
	Length uint64
	Name   string
}

// SummaryOffset locates one contiguous run of same-opcode records in the summary section.
type SummaryOffset struct {
	GroupOpcode OpCode
	GroupStart  uint64
	GroupLength uint64
}

// DataEnd closes the data section.
type DataEnd struct {
	DataSectionCRC uint32
}

// Statistics summarizes the recorded data. If present, it must match ground truth exactly.
type Statistics struct {
	MessageCount         uint64
	SchemaCount          uint16
	ChannelCount         uint32
	AttachmentCount      uint32
	MetadataCount        uint32
	ChunkCount           uint32
	MessageStartTime     uint64
	MessageEndTime       uint64
	ChannelMessageCounts map[uint16]uint64
}

// Info is the parsed result of a summary-section scan: everything needed to answer indexed
// queries without rescanning the data section.
type Info struct {
	Header            *Header
	Footer            *Footer
	Statistics        *Statistics
	Schemas           map[uint16]*Schema
	Channels          map[uint16]*Channel
	ChunkIndexes      []*ChunkIndex
	AttachmentIndexes []*AttachmentIndex
	MetadataIndexes   []*MetadataIndex
}
