package mcap

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// This file is the decode half of the record codec (C2): one pure, value-returning ParseX
// function per opcode. Decoders never retain a reference into the input past what they need.
// Chunk.Records aliases the input buffer, exactly as callers that read straight out of a
// memory-mapped or freshly-read record expect; callers that need to hold onto a chunk past the
// next read should copy. Schema, Message and Attachment data are copied.
//
// Every ParseX function tolerates trailing bytes after the fields it knows about: it reads
// only as many bytes as the known schema requires and ignores the rest, so padding added by a
// newer writer (or Writer.Options.Padding) never causes a decode failure.

// ParseHeader decodes a Header record body.
func ParseHeader(buf []byte) (*Header, error) {
	profile, offset, err := getPrefixedString(buf, 0)
	if err != nil {
		return nil, fmt.Errorf("header profile: %w", err)
	}
	library, _, err := getPrefixedString(buf, offset)
	if err != nil {
		return nil, fmt.Errorf("header library: %w", err)
	}
	return &Header{Profile: profile, Library: library}, nil
}

// ParseFooter decodes a Footer record body (not including the trailing magic).
func ParseFooter(buf []byte) (*Footer, error) {
	summaryStart, offset, err := getUint64(buf, 0)
	if err != nil {
		return nil, fmt.Errorf("footer summary start: %w", err)
	}
	summaryOffsetStart, offset, err := getUint64(buf, offset)
	if err != nil {
		return nil, fmt.Errorf("footer summary offset start: %w", err)
	}
	summaryCRC, _, err := getUint32(buf, offset)
	if err != nil {
		return nil, fmt.Errorf("footer summary crc: %w", err)
	}
	return &Footer{
		SummaryStart:       summaryStart,
		SummaryOffsetStart: summaryOffsetStart,
		SummaryCRC:         summaryCRC,
	}, nil
}

// ParseSchema decodes a Schema record body. The returned Data slice is a copy, since schemas
// are typically held for the lifetime of a reader or writer session.
func ParseSchema(buf []byte) (*Schema, error) {
	id, offset, err := getUint16(buf, 0)
	if err != nil {
		return nil, fmt.Errorf("schema id: %w", err)
	}
	name, offset, err := getPrefixedString(buf, offset)
	if err != nil {
		return nil, fmt.Errorf("schema name: %w", err)
	}
	encoding, offset, err := getPrefixedString(buf, offset)
	if err != nil {
		return nil, fmt.Errorf("schema encoding: %w", err)
	}
	data, _, err := getPrefixedBytes(buf, offset)
	if err != nil {
		return nil, fmt.Errorf("schema data: %w", err)
	}
	return &Schema{
		ID:       id,
		Name:     name,
		Encoding: encoding,
		Data:     append([]byte(nil), data...),
	}, nil
}

// ParseChannel decodes a Channel record body.
func ParseChannel(buf []byte) (*Channel, error) {
	id, offset, err := getUint16(buf, 0)
	if err != nil {
		return nil, fmt.Errorf("channel id: %w", err)
	}
	schemaID, offset, err := getUint16(buf, offset)
	if err != nil {
		return nil, fmt.Errorf("channel schema id: %w", err)
	}
	topic, offset, err := getPrefixedString(buf, offset)
	if err != nil {
		return nil, fmt.Errorf("channel topic: %w", err)
	}
	messageEncoding, offset, err := getPrefixedString(buf, offset)
	if err != nil {
		return nil, fmt.Errorf("channel message encoding: %w", err)
	}
	metadata, _, err := getPrefixedMap(buf, offset)
	if err != nil {
		return nil, fmt.Errorf("channel metadata: %w", err)
	}
	return &Channel{
		ID:              id,
		SchemaID:        schemaID,
		Topic:           topic,
		MessageEncoding: messageEncoding,
		Metadata:        metadata,
	}, nil
}

// ParseMessage decodes a Message record body into a freshly allocated Message.
func ParseMessage(buf []byte) (*Message, error) {
	msg := &Message{}
	if err := msg.populateFrom(buf, true); err != nil {
		return nil, err
	}
	return msg, nil
}

// populateFrom decodes a Message record body into the receiver, reusing its Data buffer's
// backing array when copyData is true and capacity allows. When copyData is false, Data
// aliases buf directly — only safe when buf's lifetime covers the caller's use of the message.
func (m *Message) populateFrom(buf []byte, copyData bool) error {
	channelID, offset, err := getUint16(buf, 0)
	if err != nil {
		return fmt.Errorf("message channel id: %w", err)
	}
	sequence, offset, err := getUint32(buf, offset)
	if err != nil {
		return fmt.Errorf("message sequence: %w", err)
	}
	logTime, offset, err := getUint64(buf, offset)
	if err != nil {
		return fmt.Errorf("message log time: %w", err)
	}
	publishTime, offset, err := getUint64(buf, offset)
	if err != nil {
		return fmt.Errorf("message publish time: %w", err)
	}
	data := buf[offset:]
	m.ChannelID = channelID
	m.Sequence = sequence
	m.LogTime = logTime
	m.PublishTime = publishTime
	if copyData {
		m.Data = append(m.Data[:0], data...)
	} else {
		m.Data = data
	}
	return nil
}

// ParseChunk decodes a Chunk record body. Records aliases buf; callers that decompress the
// chunk in place should retain buf until the decompressed stream is fully consumed.
func ParseChunk(buf []byte) (*Chunk, error) {
	messageStartTime, offset, err := getUint64(buf, 0)
	if err != nil {
		return nil, fmt.Errorf("chunk message start time: %w", err)
	}
	messageEndTime, offset, err := getUint64(buf, offset)
	if err != nil {
		return nil, fmt.Errorf("chunk message end time: %w", err)
	}
	uncompressedSize, offset, err := getUint64(buf, offset)
	if err != nil {
		return nil, fmt.Errorf("chunk uncompressed size: %w", err)
	}
	uncompressedCRC, offset, err := getUint32(buf, offset)
	if err != nil {
		return nil, fmt.Errorf("chunk uncompressed crc: %w", err)
	}
	compression, offset, err := getPrefixedString(buf, offset)
	if err != nil {
		return nil, fmt.Errorf("chunk compression: %w", err)
	}
	recordsLen, offset, err := getUint64(buf, offset)
	if err != nil {
		return nil, fmt.Errorf("chunk records length: %w", err)
	}
	if offset+int(recordsLen) > len(buf) {
		return nil, fmt.Errorf("%w: chunk declares %d record bytes, has %d", ErrInvalidLength, recordsLen, len(buf)-offset)
	}
	return &Chunk{
		MessageStartTime: messageStartTime,
		MessageEndTime:   messageEndTime,
		UncompressedSize: uncompressedSize,
		UncompressedCRC:  uncompressedCRC,
		Compression:      CompressionFormat(compression),
		Records:          buf[offset : offset+int(recordsLen)],
	}, nil
}

// ParseMessageIndex decodes a MessageIndex record body.
func ParseMessageIndex(buf []byte) (*MessageIndex, error) {
	channelID, offset, err := getUint16(buf, 0)
	if err != nil {
		return nil, fmt.Errorf("message index channel id: %w", err)
	}
	entriesLen, offset, err := getUint32(buf, offset)
	if err != nil {
		return nil, fmt.Errorf("message index entries length: %w", err)
	}
	end := offset + int(entriesLen)
	if end > len(buf) {
		return nil, fmt.Errorf("%w: message index declares %d entry bytes, has %d", ErrInvalidLength, entriesLen, len(buf)-offset)
	}
	records := make([]MessageIndexEntry, 0, int(entriesLen)/16)
	cursor := offset
	for cursor < end {
		var ts, off uint64
		ts, cursor, err = getUint64(buf, cursor)
		if err != nil {
			return nil, fmt.Errorf("message index entry timestamp: %w", err)
		}
		off, cursor, err = getUint64(buf, cursor)
		if err != nil {
			return nil, fmt.Errorf("message index entry offset: %w", err)
		}
		records = append(records, MessageIndexEntry{Timestamp: ts, Offset: off})
	}
	return &MessageIndex{ChannelID: channelID, Records: records}, nil
}

// ParseChunkIndex decodes a ChunkIndex record body.
func ParseChunkIndex(buf []byte) (*ChunkIndex, error) {
	messageStartTime, offset, err := getUint64(buf, 0)
	if err != nil {
		return nil, fmt.Errorf("chunk index message start time: %w", err)
	}
	messageEndTime, offset, err := getUint64(buf, offset)
	if err != nil {
		return nil, fmt.Errorf("chunk index message end time: %w", err)
	}
	chunkStartOffset, offset, err := getUint64(buf, offset)
	if err != nil {
		return nil, fmt.Errorf("chunk index chunk start offset: %w", err)
	}
	chunkLength, offset, err := getUint64(buf, offset)
	if err != nil {
		return nil, fmt.Errorf("chunk index chunk length: %w", err)
	}
	tableLen, offset, err := getUint32(buf, offset)
	if err != nil {
		return nil, fmt.Errorf("chunk index message index offsets length: %w", err)
	}
	tableEnd := offset + int(tableLen)
	if tableEnd > len(buf) {
		return nil, fmt.Errorf("%w: chunk index declares %d table bytes, has %d", ErrInvalidLength, tableLen, len(buf)-offset)
	}
	offsets := make(map[uint16]uint64)
	cursor := offset
	for cursor < tableEnd {
		var channelID uint16
		var idxOffset uint64
		channelID, cursor, err = getUint16(buf, cursor)
		if err != nil {
			return nil, fmt.Errorf("chunk index channel id: %w", err)
		}
		idxOffset, cursor, err = getUint64(buf, cursor)
		if err != nil {
			return nil, fmt.Errorf("chunk index message index offset: %w", err)
		}
		offsets[channelID] = idxOffset
	}
	messageIndexLength, offset, err := getUint64(buf, tableEnd)
	if err != nil {
		return nil, fmt.Errorf("chunk index message index length: %w", err)
	}
	compression, offset, err := getPrefixedString(buf, offset)
	if err != nil {
		return nil, fmt.Errorf("chunk index compression: %w", err)
	}
	compressedSize, offset, err := getUint64(buf, offset)
	if err != nil {
		return nil, fmt.Errorf("chunk index compressed size: %w", err)
	}
	uncompressedSize, _, err := getUint64(buf, offset)
	if err != nil {
		return nil, fmt.Errorf("chunk index uncompressed size: %w", err)
	}
	return &ChunkIndex{
		MessageStartTime:    messageStartTime,
		MessageEndTime:      messageEndTime,
		ChunkStartOffset:    chunkStartOffset,
		ChunkLength:         chunkLength,
		MessageIndexOffsets: offsets,
		MessageIndexLength:  messageIndexLength,
		Compression:         CompressionFormat(compression),
		CompressedSize:      compressedSize,
		UncompressedSize:    uncompressedSize,
	}, nil
}

// ParseAttachment decodes an Attachment record body, including its trailing CRC, and verifies
// the CRC if nonzero. Data is a copy.
func ParseAttachment(buf []byte) (*Attachment, error) {
	logTime, offset, err := getUint64(buf, 0)
	if err != nil {
		return nil, fmt.Errorf("attachment log time: %w", err)
	}
	createTime, offset, err := getUint64(buf, offset)
	if err != nil {
		return nil, fmt.Errorf("attachment create time: %w", err)
	}
	name, offset, err := getPrefixedString(buf, offset)
	if err != nil {
		return nil, fmt.Errorf("attachment name: %w", err)
	}
	mediaType, offset, err := getPrefixedString(buf, offset)
	if err != nil {
		return nil, fmt.Errorf("attachment media type: %w", err)
	}
	data, offset, err := getPrefixedBytes(buf, offset)
	if err != nil {
		return nil, fmt.Errorf("attachment data: %w", err)
	}
	crc, _, err := getUint32(buf, offset)
	if err != nil {
		return nil, fmt.Errorf("attachment crc: %w", err)
	}
	if crc != 0 {
		computed := crc32.ChecksumIEEE(buf[:offset])
		if computed != crc {
			return nil, fmt.Errorf("%w: attachment %q", ErrCRCMismatch, name)
		}
	}
	return &Attachment{
		LogTime:    logTime,
		CreateTime: createTime,
		Name:       name,
		MediaType:  mediaType,
		Data:       append([]byte(nil), data...),
	}, nil
}

// ParseAttachmentIndex decodes an AttachmentIndex record body. Per the media-type/content-type
// open question, it reads the trailing string as MediaType unconditionally: both the current
// and legacy field occupy the same wire position, only the name differs.
func ParseAttachmentIndex(buf []byte) (*AttachmentIndex, error) {
	offsetVal, offset, err := getUint64(buf, 0)
	if err != nil {
		return nil, fmt.Errorf("attachment index offset: %w", err)
	}
	length, offset, err := getUint64(buf, offset)
	if err != nil {
		return nil, fmt.Errorf("attachment index length: %w", err)
	}
	logTime, offset, err := getUint64(buf, offset)
	if err != nil {
		return nil, fmt.Errorf("attachment index log time: %w", err)
	}
	createTime, offset, err := getUint64(buf, offset)
	if err != nil {
		return nil, fmt.Errorf("attachment index create time: %w", err)
	}
	dataSize, offset, err := getUint64(buf, offset)
	if err != nil {
		return nil, fmt.Errorf("attachment index data size: %w", err)
	}
	name, offset, err := getPrefixedString(buf, offset)
	if err != nil {
		return nil, fmt.Errorf("attachment index name: %w", err)
	}
	mediaType, _, err := getPrefixedString(buf, offset)
	if err != nil {
		return nil, fmt.Errorf("attachment index media type: %w", err)
	}
	return &AttachmentIndex{
		Offset:     offsetVal,
		Length:     length,
		LogTime:    logTime,
		CreateTime: createTime,
		DataSize:   dataSize,
		Name:       name,
		MediaType:  mediaType,
	}, nil
}

// ParseStatistics decodes a Statistics record body.
func ParseStatistics(buf []byte) (*Statistics, error) {
	messageCount, offset, err := getUint64(buf, 0)
	if err != nil {
		return nil, fmt.Errorf("statistics message count: %w", err)
	}
	schemaCount, offset, err := getUint16(buf, offset)
	if err != nil {
		return nil, fmt.Errorf("statistics schema count: %w", err)
	}
	channelCount, offset, err := getUint32(buf, offset)
	if err != nil {
		return nil, fmt.Errorf("statistics channel count: %w", err)
	}
	attachmentCount, offset, err := getUint32(buf, offset)
	if err != nil {
		return nil, fmt.Errorf("statistics attachment count: %w", err)
	}
	metadataCount, offset, err := getUint32(buf, offset)
	if err != nil {
		return nil, fmt.Errorf("statistics metadata count: %w", err)
	}
	chunkCount, offset, err := getUint32(buf, offset)
	if err != nil {
		return nil, fmt.Errorf("statistics chunk count: %w", err)
	}
	messageStartTime, offset, err := getUint64(buf, offset)
	if err != nil {
		return nil, fmt.Errorf("statistics message start time: %w", err)
	}
	messageEndTime, offset, err := getUint64(buf, offset)
	if err != nil {
		return nil, fmt.Errorf("statistics message end time: %w", err)
	}
	tableLen, offset, err := getUint32(buf, offset)
	if err != nil {
		return nil, fmt.Errorf("statistics channel message counts length: %w", err)
	}
	end := offset + int(tableLen)
	if end > len(buf) {
		return nil, fmt.Errorf("%w: statistics declares %d table bytes, has %d", ErrInvalidLength, tableLen, len(buf)-offset)
	}
	counts := make(map[uint16]uint64)
	cursor := offset
	for cursor < end {
		var channelID uint16
		var count uint64
		channelID, cursor, err = getUint16(buf, cursor)
		if err != nil {
			return nil, fmt.Errorf("statistics channel id: %w", err)
		}
		count, cursor, err = getUint64(buf, cursor)
		if err != nil {
			return nil, fmt.Errorf("statistics channel message count: %w", err)
		}
		counts[channelID] = count
	}
	return &Statistics{
		MessageCount:         messageCount,
		SchemaCount:          schemaCount,
		ChannelCount:         channelCount,
		AttachmentCount:      attachmentCount,
		MetadataCount:        metadataCount,
		ChunkCount:           chunkCount,
		MessageStartTime:     messageStartTime,
		MessageEndTime:       messageEndTime,
		ChannelMessageCounts: counts,
	}, nil
}

// ParseMetadata decodes a Metadata record body.
func ParseMetadata(buf []byte) (*Metadata, error) {
	name, offset, err := getPrefixedString(buf, 0)
	if err != nil {
		return nil, fmt.Errorf("metadata name: %w", err)
	}
	metadata, _, err := getPrefixedMap(buf, offset)
	if err != nil {
		return nil, fmt.Errorf("metadata contents: %w", err)
	}
	return &Metadata{Name: name, Metadata: metadata}, nil
}

// ParseMetadataIndex decodes a MetadataIndex record body.
func ParseMetadataIndex(buf []byte) (*MetadataIndex, error) {
	offsetVal, offset, err := getUint64(buf, 0)
	if err != nil {
		return nil, fmt.Errorf("metadata index offset: %w", err)
	}
	length, offset, err := getUint64(buf, offset)
	if err != nil {
		return nil, fmt.Errorf("metadata index length: %w", err)
	}
	name, _, err := getPrefixedString(buf, offset)
	if err != nil {
		return nil, fmt.Errorf("metadata index name: %w", err)
	}
	return &MetadataIndex{Offset: offsetVal, Length: length, Name: name}, nil
}

// ParseSummaryOffset decodes a SummaryOffset record body.
func ParseSummaryOffset(buf []byte) (*SummaryOffset, error) {
	if len(buf) < 1+8+8 {
		return nil, newTruncated(OpSummaryOffset, len(buf), 1+8+8)
	}
	groupStart, offset, err := getUint64(buf, 1)
	if err != nil {
		return nil, fmt.Errorf("summary offset group start: %w", err)
	}
	groupLength, _, err := getUint64(buf, offset)
	if err != nil {
		return nil, fmt.Errorf("summary offset group length: %w", err)
	}
	return &SummaryOffset{
		GroupOpcode: OpCode(buf[0]),
		GroupStart:  groupStart,
		GroupLength: groupLength,
	}, nil
}

// ParseDataEnd decodes a DataEnd record body.
func ParseDataEnd(buf []byte) (*DataEnd, error) {
	crc, _, err := getUint32(buf, 0)
	if err != nil {
		return nil, fmt.Errorf("data end crc: %w", err)
	}
	return &DataEnd{DataSectionCRC: crc}, nil
}

// messageRecordHeaderLen is the byte length of a record's opcode+length prefix.
const messageRecordHeaderLen = 1 + 8

// readRecordHeader decodes the opcode and declared body length at the start of buf.
func readRecordHeader(buf []byte) (OpCode, uint64, error) {
	if len(buf) < messageRecordHeaderLen {
		return 0, 0, newTruncated(OpReserved, len(buf), messageRecordHeaderLen)
	}
	return OpCode(buf[0]), binary.LittleEndian.Uint64(buf[1:9]), nil
}
