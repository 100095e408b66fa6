package mcap

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"sort"

	"github.com/mcap-io/mcap/internal/slicemap"
)

// messageIndexEntry records where one message landed within the current chunk's uncompressed
// record stream, before it's folded into a per-channel MessageIndex at flush time.
type messageIndexEntry struct {
	offset    uint64
	timestamp uint64
	channelID uint16
}

// WriterOptions configures a Writer's output. A literal &WriterOptions{} defaults every Use*
// flag to false (the Go zero value), producing a minimal, unindexed, uncompressed file; this
// matches the teacher library's convention but diverges from the reference spec, which
// specifies useChunks/useChunkCrc/useMessageIndex/useChunkIndex/useStatistics/
// useAttachmentIndex/useMetadataIndex/useSummaryOffset all defaulting to true. Callers who want
// the spec's defaults should start from DefaultWriterOptions() rather than a bare literal.
type WriterOptions struct {
	// UseChunks enables chunk-compressed output. When false, every record is written directly
	// to the data section and no MessageIndex, ChunkIndex, or chunk CRC is ever produced.
	UseChunks bool
	// ChunkSize is the target uncompressed size, in bytes, of a chunk before it's flushed. The
	// final message added to a chunk may push it over this size; it is never split mid-record.
	ChunkSize int64
	// Compression selects the codec used for chunk bodies. Ignored when UseChunks is false.
	Compression CompressionFormat
	// CompressionLevel trades encode speed for ratio. Ignored for CompressionNone.
	CompressionLevel CompressionLevel
	// UseChunkCRC computes the UncompressedCRC field of each chunk; when false the field is
	// written as 0.
	UseChunkCRC bool
	// UseSummaryCRC computes the Footer's SummaryCRC field over the summary section. Distinct
	// from UseChunkCRC: a file can checksum its chunks without checksumming its summary, or
	// vice versa.
	UseSummaryCRC bool
	// UseMessageIndex emits MessageIndex records after each chunk.
	UseMessageIndex bool
	// UseChunkIndex emits ChunkIndex records in the summary section.
	UseChunkIndex bool
	// UseStatistics emits a single Statistics record in the summary section.
	UseStatistics bool
	// UseAttachmentIndex emits AttachmentIndex records in the summary section.
	UseAttachmentIndex bool
	// UseMetadataIndex emits MetadataIndex records in the summary section.
	UseMetadataIndex bool
	// UseSummaryOffset emits SummaryOffset records locating each group of summary records.
	UseSummaryOffset bool
	// UseRepeatedSchemas re-emits every registered schema in the summary section even when no
	// statistics or index records are written there. A summary section that holds statistics
	// or an index always carries the schemas, whatever this flag says. Schema records are not
	// repeated inside chunks.
	UseRepeatedSchemas bool
	// UseRepeatedChannelInfos re-emits every registered channel in the summary section even
	// when no statistics or index records are written there. A summary section that holds
	// statistics or an index always carries the channels, whatever this flag says. Channel
	// records are not repeated inside chunks.
	UseRepeatedChannelInfos bool
	// SortChunkMessages reorders a chunk's records into (timestamp, offset) order before it's
	// compressed and flushed. Left off by default: a writer that only ever appends
	// monotonically increasing timestamps produces an already-sorted chunk, and sorting is
	// wasted work in the common case.
	SortChunkMessages bool
	// Padding, if nonzero, pads each flushed chunk's compressed body up to a multiple of this
	// many bytes with zeroes, included within the chunk record's declared length. Readers never
	// notice: the records inside a chunk are located by MessageIndex offsets, not by scanning to
	// the end of the decompressed stream.
	Padding int
	// Profile names the recording profile; propagated into the Header record by Start.
	Profile string
	// Library identifies the writing application; propagated into the Header record by Start.
	Library string
}

// DefaultWriterOptions returns the spec's recommended defaults: chunked, CRC-checked, and fully
// indexed output with no compression. Callers that want a minimal unindexed file should use a
// bare &WriterOptions{} instead.
func DefaultWriterOptions() *WriterOptions {
	return &WriterOptions{
		UseChunks:          true,
		ChunkSize:          1024 * 1024,
		UseChunkCRC:        true,
		UseSummaryCRC:      true,
		UseMessageIndex:    true,
		UseChunkIndex:      true,
		UseStatistics:      true,
		UseAttachmentIndex: true,
		UseMetadataIndex:   true,
		UseSummaryOffset:   true,
	}
}

// Writer implements a streaming MCAP writer (C5): Start begins the file, RegisterSchema,
// RegisterChannel, AddMessage, AddAttachment, and AddMetadata append records (transparently
// batching into chunks when UseChunks is set), and Close flushes the summary section, footer,
// and trailing magic.
type Writer struct {
	Statistics        *Statistics
	ChunkIndexes      []*ChunkIndex
	AttachmentIndexes []*AttachmentIndex
	MetadataIndexes   []*MetadataIndex

	channelIDs []uint16
	schemaIDs  []uint16
	channels   []*Channel // ID-indexed via internal/slicemap; channelIDs preserves registration order
	schemas    []*Schema  // ID-indexed via internal/slicemap; schemaIDs preserves registration order

	w   *writeSizer
	buf []byte // 9-byte opcode+length prefix, reused per record
	msg []byte // record body scratch buffer, grown on demand

	uncompressedChunk     *bytes.Buffer
	chunkEntries          []messageIndexEntry
	chunkWriter           *ChunkWriter
	currentChunkStartTime uint64
	currentChunkEndTime   uint64

	headerWritten bool
	closed        bool

	opts *WriterOptions
}

// NewWriter allocates a Writer over w. The caller must call Start before any record other than
// the leading magic is emitted, and Close when finished.
func NewWriter(w io.Writer, opts *WriterOptions) (*Writer, error) {
	sizer := newWriteSizer(w)
	if _, err := sizer.Write(Magic); err != nil {
		return nil, fmt.Errorf("write leading magic: %w", err)
	}
	wr := &Writer{
		w:                     sizer,
		buf:                   make([]byte, 9),
		msg:                   make([]byte, 256),
		uncompressedChunk:     &bytes.Buffer{},
		currentChunkStartTime: math.MaxUint64,
		currentChunkEndTime:   0,
		Statistics: &Statistics{
			ChannelMessageCounts: make(map[uint16]uint64),
		},
		opts: opts,
	}
	if opts.UseChunks {
		if opts.ChunkSize == 0 {
			opts.ChunkSize = 1024 * 1024
		}
		cw, err := newChunkWriter(opts.Compression, opts.CompressionLevel, opts.UseChunkCRC)
		if err != nil {
			return nil, err
		}
		wr.chunkWriter = cw
	}
	return wr, nil
}

// Start writes the Header record that opens the data section. It must be called exactly once,
// before any other record is added.
func (w *Writer) Start(profile, library string) error {
	if w.closed {
		return ErrWriterClosed
	}
	if w.headerWritten {
		return ErrHeaderAlreadyWritten
	}
	msglen := 4 + len(profile) + 4 + len(library)
	w.ensureSized(msglen)
	offset := putPrefixedString(w.msg, profile)
	offset += putPrefixedString(w.msg[offset:], library)
	if _, err := w.writeRecord(w.w, OpHeader, w.msg[:offset]); err != nil {
		return err
	}
	w.headerWritten = true
	return nil
}

func (w *Writer) checkWritable() error {
	if w.closed {
		return ErrWriterClosed
	}
	if !w.headerWritten {
		return ErrHeaderNotWritten
	}
	return nil
}

func schemaEqual(a, b *Schema) bool {
	return a.Name == b.Name && a.Encoding == b.Encoding && bytes.Equal(a.Data, b.Data)
}

func channelEqual(a, b *Channel) bool {
	if a.SchemaID != b.SchemaID || a.Topic != b.Topic || a.MessageEncoding != b.MessageEncoding {
		return false
	}
	if len(a.Metadata) != len(b.Metadata) {
		return false
	}
	for k, v := range a.Metadata {
		if b.Metadata[k] != v {
			return false
		}
	}
	return true
}

// RegisterSchema writes a Schema record, unless a schema with this ID has already been
// registered with identical contents, in which case the call is a no-op. Re-registering the ID
// with different contents returns ErrConflictingSchema.
func (w *Writer) RegisterSchema(s *Schema) error {
	if err := w.checkWritable(); err != nil {
		return err
	}
	if existing := slicemap.GetAt(w.schemas, s.ID); existing != nil {
		if !schemaEqual(existing, s) {
			return fmt.Errorf("%w: schema id %d", ErrConflictingSchema, s.ID)
		}
		return nil
	}
	msglen := 2 + 4 + len(s.Name) + 4 + len(s.Encoding) + 4 + len(s.Data)
	w.ensureSized(msglen)
	offset := putUint16(w.msg, s.ID)
	offset += putPrefixedString(w.msg[offset:], s.Name)
	offset += putPrefixedString(w.msg[offset:], s.Encoding)
	offset += putPrefixedBytes(w.msg[offset:], s.Data)
	dest := w.w
	var destWriter io.Writer = dest
	if w.opts.UseChunks {
		destWriter = w.uncompressedChunk
	}
	if _, err := w.writeRecord(destWriter, OpSchema, w.msg[:offset]); err != nil {
		return err
	}
	w.schemaIDs = append(w.schemaIDs, s.ID)
	w.schemas = slicemap.SetAt(w.schemas, s.ID, s)
	w.Statistics.SchemaCount++
	return nil
}

// RegisterChannel writes a Channel record, unless a channel with this ID has already been
// registered with identical contents, in which case the call is a no-op. Re-registering the ID
// with different contents returns ErrConflictingChannel.
func (w *Writer) RegisterChannel(c *Channel) error {
	if err := w.checkWritable(); err != nil {
		return err
	}
	if c.SchemaID != 0 {
		if slicemap.GetAt(w.schemas, c.SchemaID) == nil {
			return fmt.Errorf("%w: channel %d references schema %d", ErrUnknownSchema, c.ID, c.SchemaID)
		}
	}
	if existing := slicemap.GetAt(w.channels, c.ID); existing != nil {
		if !channelEqual(existing, c) {
			return fmt.Errorf("%w: channel id %d", ErrConflictingChannel, c.ID)
		}
		return nil
	}
	userdata := make([]byte, 4+encodedMapLen(c.Metadata))
	putPrefixedMap(userdata, c.Metadata)
	msglen := 2 + 2 + 4 + len(c.Topic) + 4 + len(c.MessageEncoding) + len(userdata)
	w.ensureSized(msglen)
	offset := putUint16(w.msg, c.ID)
	offset += putUint16(w.msg[offset:], c.SchemaID)
	offset += putPrefixedString(w.msg[offset:], c.Topic)
	offset += putPrefixedString(w.msg[offset:], c.MessageEncoding)
	offset += copy(w.msg[offset:], userdata)
	var destWriter io.Writer = w.w
	if w.opts.UseChunks {
		destWriter = w.uncompressedChunk
	}
	if _, err := w.writeRecord(destWriter, OpChannel, w.msg[:offset]); err != nil {
		return err
	}
	w.channelIDs = append(w.channelIDs, c.ID)
	w.channels = slicemap.SetAt(w.channels, c.ID, c)
	w.Statistics.ChannelCount++
	return nil
}

// AddMessage appends a Message record. The channel must already be registered.
func (w *Writer) AddMessage(m *Message) error {
	if err := w.checkWritable(); err != nil {
		return err
	}
	if slicemap.GetAt(w.channels, m.ChannelID) == nil {
		return fmt.Errorf("%w: channel %d", ErrUnknownChannel, m.ChannelID)
	}
	msglen := 2 + 4 + 8 + 8 + len(m.Data)
	w.ensureSized(msglen)
	offset := putUint16(w.msg, m.ChannelID)
	offset += putUint32(w.msg[offset:], m.Sequence)
	offset += putUint64(w.msg[offset:], m.LogTime)
	offset += putUint64(w.msg[offset:], m.PublishTime)
	offset += copy(w.msg[offset:], m.Data)

	if w.opts.UseChunks {
		if w.opts.UseMessageIndex || w.opts.SortChunkMessages {
			w.chunkEntries = append(w.chunkEntries, messageIndexEntry{
				offset:    uint64(w.uncompressedChunk.Len()),
				timestamp: m.LogTime,
				channelID: m.ChannelID,
			})
		}
		if _, err := w.writeRecord(w.uncompressedChunk, OpMessage, w.msg[:offset]); err != nil {
			return err
		}
		if m.LogTime < w.currentChunkStartTime {
			w.currentChunkStartTime = m.LogTime
		}
		if m.LogTime > w.currentChunkEndTime {
			w.currentChunkEndTime = m.LogTime
		}
		if int64(w.uncompressedChunk.Len()) >= w.opts.ChunkSize {
			if err := w.flushActiveChunk(); err != nil {
				return err
			}
		}
	} else {
		if _, err := w.writeRecord(w.w, OpMessage, w.msg[:offset]); err != nil {
			return err
		}
	}
	w.Statistics.MessageCount++
	w.Statistics.ChannelMessageCounts[m.ChannelID]++
	if m.LogTime > w.Statistics.MessageEndTime {
		w.Statistics.MessageEndTime = m.LogTime
	}
	if m.LogTime < w.Statistics.MessageStartTime || w.Statistics.MessageCount == 1 {
		w.Statistics.MessageStartTime = m.LogTime
	}
	return nil
}

// AddAttachment writes an Attachment record directly to the data section (attachments may never
// appear inside a chunk) and records its location for the summary section's AttachmentIndex.
func (w *Writer) AddAttachment(a *Attachment) error {
	if err := w.checkWritable(); err != nil {
		return err
	}
	msglen := 8 + 8 + 4 + len(a.Name) + 4 + len(a.MediaType) + 8 + len(a.Data) + 4
	w.ensureSized(msglen)
	offset := putUint64(w.msg, a.LogTime)
	offset += putUint64(w.msg[offset:], a.CreateTime)
	offset += putPrefixedString(w.msg[offset:], a.Name)
	offset += putPrefixedString(w.msg[offset:], a.MediaType)
	offset += putPrefixedBytes(w.msg[offset:], a.Data)
	crc := crc32.ChecksumIEEE(w.msg[:offset])
	offset += putUint32(w.msg[offset:], crc)
	attachmentOffset := w.w.Size()
	n, err := w.writeRecord(w.w, OpAttachment, w.msg[:offset])
	if err != nil {
		return err
	}
	w.AttachmentIndexes = append(w.AttachmentIndexes, &AttachmentIndex{
		Offset:     attachmentOffset,
		Length:     uint64(n),
		LogTime:    a.LogTime,
		CreateTime: a.CreateTime,
		DataSize:   uint64(len(a.Data)),
		Name:       a.Name,
		MediaType:  a.MediaType,
	})
	w.Statistics.AttachmentCount++
	return nil
}

// AddMetadata writes a Metadata record directly to the data section and records its location
// for the summary section's MetadataIndex.
func (w *Writer) AddMetadata(m *Metadata) error {
	if err := w.checkWritable(); err != nil {
		return err
	}
	data := make([]byte, 4+encodedMapLen(m.Metadata))
	putPrefixedMap(data, m.Metadata)
	msglen := 4 + len(m.Name) + len(data)
	w.ensureSized(msglen)
	offset := putPrefixedString(w.msg, m.Name)
	offset += copy(w.msg[offset:], data)
	metadataOffset := w.w.Size()
	n, err := w.writeRecord(w.w, OpMetadata, w.msg[:offset])
	if err != nil {
		return err
	}
	w.MetadataIndexes = append(w.MetadataIndexes, &MetadataIndex{
		Offset: metadataOffset,
		Length: uint64(n),
		Name:   m.Name,
	})
	w.Statistics.MetadataCount++
	return nil
}

func (w *Writer) writeMessageIndex(idx *MessageIndex) error {
	datalen := len(idx.Records) * (8 + 8)
	msglen := 2 + 4 + datalen
	w.ensureSized(msglen)
	offset := putUint16(w.msg, idx.ChannelID)
	offset += putUint32(w.msg[offset:], uint32(datalen))
	for _, r := range idx.Records {
		offset += putUint64(w.msg[offset:], r.Timestamp)
		offset += putUint64(w.msg[offset:], r.Offset)
	}
	_, err := w.writeRecord(w.w, OpMessageIndex, w.msg[:offset])
	return err
}

func (w *Writer) writeAttachmentIndex(idx *AttachmentIndex) error {
	msglen := 8 + 8 + 8 + 8 + 8 + 4 + len(idx.Name) + 4 + len(idx.MediaType)
	w.ensureSized(msglen)
	offset := putUint64(w.msg, idx.Offset)
	offset += putUint64(w.msg[offset:], idx.Length)
	offset += putUint64(w.msg[offset:], idx.LogTime)
	offset += putUint64(w.msg[offset:], idx.CreateTime)
	offset += putUint64(w.msg[offset:], idx.DataSize)
	offset += putPrefixedString(w.msg[offset:], idx.Name)
	offset += putPrefixedString(w.msg[offset:], idx.MediaType)
	_, err := w.writeRecord(w.w, OpAttachmentIndex, w.msg[:offset])
	return err
}

func (w *Writer) writeMetadataIndex(idx *MetadataIndex) error {
	msglen := 8 + 8 + 4 + len(idx.Name)
	w.ensureSized(msglen)
	offset := putUint64(w.msg, idx.Offset)
	offset += putUint64(w.msg[offset:], idx.Length)
	offset += putPrefixedString(w.msg[offset:], idx.Name)
	_, err := w.writeRecord(w.w, OpMetadataIndex, w.msg[:offset])
	return err
}

func (w *Writer) writeStatistics(s *Statistics) error {
	msglen := 8 + 2 + 4 + 4 + 4 + 4 + 8 + 8 + 4 + len(s.ChannelMessageCounts)*(2+8)
	w.ensureSized(msglen)
	offset := putUint64(w.msg, s.MessageCount)
	offset += putUint16(w.msg[offset:], s.SchemaCount)
	offset += putUint32(w.msg[offset:], s.ChannelCount)
	offset += putUint32(w.msg[offset:], s.AttachmentCount)
	offset += putUint32(w.msg[offset:], s.MetadataCount)
	offset += putUint32(w.msg[offset:], s.ChunkCount)
	offset += putUint64(w.msg[offset:], s.MessageStartTime)
	offset += putUint64(w.msg[offset:], s.MessageEndTime)
	offset += putUint32(w.msg[offset:], uint32(len(s.ChannelMessageCounts)*(2+8)))
	for _, chanID := range w.sortedChannelIDs() {
		if count, ok := s.ChannelMessageCounts[chanID]; ok {
			offset += putUint16(w.msg[offset:], chanID)
			offset += putUint64(w.msg[offset:], count)
		}
	}
	_, err := w.writeRecord(w.w, OpStatistics, w.msg[:offset])
	return err
}

func (w *Writer) writeSummaryOffset(s *SummaryOffset) error {
	msglen := 1 + 8 + 8
	w.ensureSized(msglen)
	w.msg[0] = byte(s.GroupOpcode)
	offset := 1
	offset += putUint64(w.msg[offset:], s.GroupStart)
	offset += putUint64(w.msg[offset:], s.GroupLength)
	_, err := w.writeRecord(w.w, OpSummaryOffset, w.msg[:offset])
	return err
}

func (w *Writer) writeChunkIndex(idx *ChunkIndex) error {
	tableLen := len(idx.MessageIndexOffsets) * (2 + 8)
	msglen := 8 + 8 + 8 + 8 + 4 + tableLen + 8 + 4 + len(idx.Compression) + 8 + 8
	w.ensureSized(msglen)
	offset := putUint64(w.msg, idx.MessageStartTime)
	offset += putUint64(w.msg[offset:], idx.MessageEndTime)
	offset += putUint64(w.msg[offset:], idx.ChunkStartOffset)
	offset += putUint64(w.msg[offset:], idx.ChunkLength)
	offset += putUint32(w.msg[offset:], uint32(tableLen))
	for _, chanID := range w.sortedChannelIDs() {
		if v, ok := idx.MessageIndexOffsets[chanID]; ok {
			offset += putUint16(w.msg[offset:], chanID)
			offset += putUint64(w.msg[offset:], v)
		}
	}
	offset += putUint64(w.msg[offset:], idx.MessageIndexLength)
	offset += putPrefixedString(w.msg[offset:], string(idx.Compression))
	offset += putUint64(w.msg[offset:], idx.CompressedSize)
	offset += putUint64(w.msg[offset:], idx.UncompressedSize)
	_, err := w.writeRecord(w.w, OpChunkIndex, w.msg[:offset])
	return err
}

// flushActiveChunk compresses and writes the accumulated chunk body, its trailing message
// indexes, and a ChunkIndex summary entry. Empty chunks are never emitted: a chunk with no
// records carries no information a reader needs, and writing one would force every reader to
// special-case a zero-message Chunk/ChunkIndex pair.
func (w *Writer) flushActiveChunk() error {
	if w.uncompressedChunk.Len() == 0 {
		return nil
	}
	uncompressedLen := uint64(w.uncompressedChunk.Len())

	if w.opts.SortChunkMessages {
		sortChunk(w.msg, w.uncompressedChunk.Bytes(), w.chunkEntries)
	}

	cw := w.chunkWriter
	cw.ChunkStartTime = w.currentChunkStartTime
	cw.ChunkEndTime = w.currentChunkEndTime
	if _, err := cw.Write(w.uncompressedChunk.Bytes()); err != nil {
		return fmt.Errorf("compress chunk: %w", err)
	}
	if err := cw.Close(); err != nil {
		return fmt.Errorf("close chunk compressor: %w", err)
	}

	chunkStartOffset := w.w.Size()
	serializedLen := cw.SerializedLen()
	if cap(w.msg) < serializedLen {
		w.msg = make([]byte, serializedLen)
	}
	n, err := cw.SerializeTo(w.msg[:serializedLen])
	if err != nil {
		return err
	}
	if _, err := w.writeRecord(w.w, OpChunk, w.msg[:n]); err != nil {
		return err
	}
	if w.opts.Padding > 0 {
		if pad := w.opts.Padding - (int(w.w.Size()) % w.opts.Padding); pad != w.opts.Padding {
			if _, err := w.w.Write(make([]byte, pad)); err != nil {
				return fmt.Errorf("write chunk padding: %w", err)
			}
		}
	}
	chunkEndOffset := w.w.Size()

	messageIndexOffsets := make(map[uint16]uint64)
	if w.opts.UseMessageIndex {
		for _, e := range w.chunkEntries {
			cw.IndexMessage(e.channelID, e.timestamp, e.offset)
		}
		for _, chanID := range w.sortedChannelIDs() {
			if idx, ok := cw.MessageIndexes[chanID]; ok {
				messageIndexOffsets[chanID] = w.w.Size()
				if err := w.writeMessageIndex(idx); err != nil {
					return err
				}
			}
		}
	}
	messageIndexLength := w.w.Size() - chunkEndOffset

	if w.opts.UseChunkIndex {
		chunkStart := w.currentChunkStartTime
		if chunkStart == math.MaxUint64 {
			chunkStart = 0
		}
		w.ChunkIndexes = append(w.ChunkIndexes, &ChunkIndex{
			MessageStartTime:    chunkStart,
			MessageEndTime:      w.currentChunkEndTime,
			ChunkStartOffset:    chunkStartOffset,
			ChunkLength:         chunkEndOffset - chunkStartOffset,
			MessageIndexOffsets: messageIndexOffsets,
			MessageIndexLength:  messageIndexLength,
			Compression:         w.opts.Compression,
			CompressedSize:      uint64(cw.CompressedLen()),
			UncompressedSize:    uncompressedLen,
		})
	}

	w.Statistics.ChunkCount++
	w.uncompressedChunk.Reset()
	w.chunkEntries = w.chunkEntries[:0]
	w.currentChunkStartTime = math.MaxUint64
	w.currentChunkEndTime = 0
	cw.Reset()
	return nil
}

func (w *Writer) writeDataEnd(crc uint32) error {
	msglen := 4
	w.ensureSized(msglen)
	offset := putUint32(w.msg, crc)
	_, err := w.writeRecord(w.w, OpDataEnd, w.msg[:offset])
	return err
}

// writeFooter writes the Footer record. The SummaryCRC must be read off before any of the
// footer's own bytes are written, since it covers exactly the bytes from SummaryStart up to
// the start of this record.
func (w *Writer) writeFooter(f *Footer) error {
	var crc uint32
	if w.opts.UseSummaryCRC {
		crc = w.w.Checksum()
	}
	msglen := 8 + 8 + 4
	recordlen := 1 + 8 + msglen
	w.ensureSized(recordlen)
	w.msg[0] = byte(OpFooter)
	offset := 1
	offset += putUint64(w.msg[offset:], uint64(msglen))
	offset += putUint64(w.msg[offset:], f.SummaryStart)
	offset += putUint64(w.msg[offset:], f.SummaryOffsetStart)
	offset += putUint32(w.msg[offset:], crc)
	_, err := w.w.Write(w.msg[:offset])
	return err
}

func (w *Writer) writeSummarySection() ([]*SummaryOffset, error) {
	var offsets []*SummaryOffset
	// Any summary that carries statistics or an index also carries the schemas and channels,
	// so an indexed reader can resolve every message from the summary alone.
	hasIndexes := w.opts.UseStatistics ||
		(w.opts.UseChunkIndex && len(w.ChunkIndexes) > 0) ||
		(w.opts.UseAttachmentIndex && len(w.AttachmentIndexes) > 0) ||
		(w.opts.UseMetadataIndex && len(w.MetadataIndexes) > 0)
	if (w.opts.UseRepeatedSchemas || hasIndexes) && len(w.schemaIDs) > 0 {
		start := w.w.Size()
		for _, id := range w.schemaIDs {
			if s := slicemap.GetAt(w.schemas, id); s != nil {
				msglen := 2 + 4 + len(s.Name) + 4 + len(s.Encoding) + 4 + len(s.Data)
				w.ensureSized(msglen)
				offset := putUint16(w.msg, s.ID)
				offset += putPrefixedString(w.msg[offset:], s.Name)
				offset += putPrefixedString(w.msg[offset:], s.Encoding)
				offset += putPrefixedBytes(w.msg[offset:], s.Data)
				if _, err := w.writeRecord(w.w, OpSchema, w.msg[:offset]); err != nil {
					return offsets, fmt.Errorf("write repeated schema: %w", err)
				}
			}
		}
		offsets = append(offsets, &SummaryOffset{GroupOpcode: OpSchema, GroupStart: start, GroupLength: w.w.Size() - start})
	}
	if (w.opts.UseRepeatedChannelInfos || hasIndexes) && len(w.channelIDs) > 0 {
		start := w.w.Size()
		for _, id := range w.channelIDs {
			if c := slicemap.GetAt(w.channels, id); c != nil {
				userdata := make([]byte, 4+encodedMapLen(c.Metadata))
				putPrefixedMap(userdata, c.Metadata)
				msglen := 2 + 2 + 4 + len(c.Topic) + 4 + len(c.MessageEncoding) + len(userdata)
				w.ensureSized(msglen)
				offset := putUint16(w.msg, c.ID)
				offset += putUint16(w.msg[offset:], c.SchemaID)
				offset += putPrefixedString(w.msg[offset:], c.Topic)
				offset += putPrefixedString(w.msg[offset:], c.MessageEncoding)
				offset += copy(w.msg[offset:], userdata)
				if _, err := w.writeRecord(w.w, OpChannel, w.msg[:offset]); err != nil {
					return offsets, fmt.Errorf("write repeated channel: %w", err)
				}
			}
		}
		offsets = append(offsets, &SummaryOffset{GroupOpcode: OpChannel, GroupStart: start, GroupLength: w.w.Size() - start})
	}
	if w.opts.UseStatistics {
		start := w.w.Size()
		if err := w.writeStatistics(w.Statistics); err != nil {
			return offsets, fmt.Errorf("write statistics: %w", err)
		}
		offsets = append(offsets, &SummaryOffset{GroupOpcode: OpStatistics, GroupStart: start, GroupLength: w.w.Size() - start})
	}
	if w.opts.UseChunkIndex && len(w.ChunkIndexes) > 0 {
		start := w.w.Size()
		for _, idx := range w.ChunkIndexes {
			if err := w.writeChunkIndex(idx); err != nil {
				return offsets, fmt.Errorf("write chunk index: %w", err)
			}
		}
		offsets = append(offsets, &SummaryOffset{GroupOpcode: OpChunkIndex, GroupStart: start, GroupLength: w.w.Size() - start})
	}
	if w.opts.UseAttachmentIndex && len(w.AttachmentIndexes) > 0 {
		start := w.w.Size()
		for _, idx := range w.AttachmentIndexes {
			if err := w.writeAttachmentIndex(idx); err != nil {
				return offsets, fmt.Errorf("write attachment index: %w", err)
			}
		}
		offsets = append(offsets, &SummaryOffset{GroupOpcode: OpAttachmentIndex, GroupStart: start, GroupLength: w.w.Size() - start})
	}
	if w.opts.UseMetadataIndex && len(w.MetadataIndexes) > 0 {
		start := w.w.Size()
		for _, idx := range w.MetadataIndexes {
			if err := w.writeMetadataIndex(idx); err != nil {
				return offsets, fmt.Errorf("write metadata index: %w", err)
			}
		}
		offsets = append(offsets, &SummaryOffset{GroupOpcode: OpMetadataIndex, GroupStart: start, GroupLength: w.w.Size() - start})
	}
	return offsets, nil
}

// Close flushes any active chunk, writes the DataEnd record, summary section, footer, and
// trailing magic.
func (w *Writer) Close() error {
	if w.closed {
		return ErrWriterClosed
	}
	if !w.headerWritten {
		return ErrHeaderNotWritten
	}
	if w.opts.UseChunks {
		if err := w.flushActiveChunk(); err != nil {
			return fmt.Errorf("flush final chunk: %w", err)
		}
	}
	if err := w.writeDataEnd(0); err != nil {
		return fmt.Errorf("write data end: %w", err)
	}

	w.w.ResetCRC()
	summaryStart := w.w.Size()
	offsets, err := w.writeSummarySection()
	if err != nil {
		return fmt.Errorf("write summary section: %w", err)
	}
	if len(offsets) == 0 {
		summaryStart = 0
	}
	var summaryOffsetStart uint64
	if w.opts.UseSummaryOffset {
		summaryOffsetStart = w.w.Size()
		for _, o := range offsets {
			if err := w.writeSummaryOffset(o); err != nil {
				return fmt.Errorf("write summary offset: %w", err)
			}
		}
	}
	if err := w.writeFooter(&Footer{SummaryStart: summaryStart, SummaryOffsetStart: summaryOffsetStart}); err != nil {
		return fmt.Errorf("write footer: %w", err)
	}
	if _, err := w.w.Write(Magic); err != nil {
		return fmt.Errorf("write trailing magic: %w", err)
	}
	w.closed = true
	return nil
}

// sortedChannelIDs returns every registered channel ID in ascending numeric order, as required
// for MessageIndex records (spec §4.4 step 4) and applied consistently to every other
// channel-keyed summary table for determinism.
func (w *Writer) sortedChannelIDs() []uint16 {
	ids := append([]uint16(nil), w.channelIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Channels returns every channel registered so far, keyed by ID.
func (w *Writer) Channels() map[uint16]*Channel { return slicemap.ToMap(w.channels) }

// Schemas returns every schema registered so far, keyed by ID.
func (w *Writer) Schemas() map[uint16]*Schema { return slicemap.ToMap(w.schemas) }

func (w *Writer) ensureSized(n int) {
	if len(w.msg) < n {
		w.msg = make([]byte, 2*n)
	}
}

func (w *Writer) writeRecord(dest io.Writer, op OpCode, data []byte) (int, error) {
	w.buf[0] = byte(op)
	putUint64(w.buf[1:], uint64(len(data)))
	n, err := dest.Write(w.buf[:9])
	if err != nil {
		return n, err
	}
	m, err := dest.Write(data)
	return n + m, err
}

// sortChunk reorders the records named by index into (timestamp, offset) order in place, using
// an insertion sort under the assumption a chunk's records arrive mostly in log-time order
// already.
func sortChunk(tmp []byte, chunk []byte, index []messageIndexEntry) {
	i := 1
	for i < len(index) {
		j := i
		for j > 0 && less(index[j-1], index[j]) {
			right := index[j]
			left := index[j-1]
			index[j-1], index[j] = index[j], index[j-1]
			leftRecordLen := binary.LittleEndian.Uint64(chunk[left.offset+1:])
			rightRecordLen := binary.LittleEndian.Uint64(chunk[right.offset+1:])
			leftLen := messageRecordHeaderLen + int(leftRecordLen)
			rightLen := messageRecordHeaderLen + int(rightRecordLen)
			tmp = swapSlices(tmp, chunk, int(left.offset), int(left.offset)+leftLen, int(right.offset), int(right.offset)+rightLen)
			index[j-1].offset = left.offset
			switch {
			case leftLen == rightLen:
				index[j].offset = right.offset
			case rightLen > leftLen:
				index[j].offset = right.offset + uint64(rightLen-leftLen)
			default:
				index[j].offset = right.offset - uint64(leftLen-rightLen)
			}
			j--
		}
		i++
	}
}

// less reports whether a sorts strictly after b, i.e. whether a swap is needed.
func less(a, b messageIndexEntry) bool {
	if a.timestamp != b.timestamp {
		return a.timestamp > b.timestamp
	}
	return a.offset > b.offset
}

// swapSlices exchanges the nonoverlapping byte ranges [leftStart,leftEnd) and
// [rightStart,rightEnd) of buf, reusing tmp as scratch space when it's large enough.
func swapSlices(tmp, buf []byte, leftStart, leftEnd, rightStart, rightEnd int) []byte {
	leftLen := leftEnd - leftStart
	rightLen := rightEnd - rightStart
	scratchLen := leftLen
	if rightLen > scratchLen {
		scratchLen = rightLen
	}
	if len(tmp) < scratchLen {
		tmp = make([]byte, scratchLen)
	}
	scratch := tmp[:scratchLen]
	switch {
	case leftLen > rightLen:
		copy(scratch, buf[leftStart:leftEnd])
		copy(buf[leftStart:], buf[rightStart:rightEnd])
		copy(buf[leftStart+rightLen:], buf[leftEnd:rightStart])
		copy(buf[rightStart-leftLen+rightLen:], scratch)
	case leftLen < rightLen:
		copy(scratch, buf[rightStart:rightEnd])
		copy(buf[rightEnd-leftLen:], buf[leftStart:leftEnd])
		copy(buf[leftEnd+rightLen-leftLen:rightStart+rightLen-leftLen], buf[leftEnd:rightStart])
		copy(buf[leftStart:], scratch)
	default:
		copy(scratch, buf[leftStart:leftEnd])
		copy(buf[leftStart:], buf[rightStart:rightStart+rightLen])
		copy(buf[rightStart:rightStart+rightLen], scratch)
	}
	return tmp
}
