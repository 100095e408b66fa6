package mcap

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"sort"
)

// footerRecordLen is the fixed on-disk length of a Footer record: 1-byte opcode, 8-byte length
// prefix, and a 20-byte body (two uint64s and a uint32).
const footerRecordLen = 1 + 8 + 20

// ResolvedMessage pairs a Message with the Schema and Channel it was recorded against, so a
// caller never has to cross-reference IDs back into Info() itself.
type ResolvedMessage struct {
	Message *Message
	Channel *Channel
	Schema  *Schema
}

// ReadOptions configures a Reader.Messages query. The zero value reads every message in the
// file, in file order.
type ReadOptions struct {
	startNanos  uint64
	endNanos    uint64 // 0 means unbounded
	topics      map[string]bool
	order       ReadOrder
	validateCRC bool
}

// ReadOpt configures a Reader.Messages query.
type ReadOpt func(*ReadOptions)

// WithStartTime restricts a query to messages with LogTime >= ns.
func WithStartTime(ns uint64) ReadOpt { return func(o *ReadOptions) { o.startNanos = ns } }

// WithEndTime restricts a query to messages with LogTime < ns. The bound is half-open: a
// message logged at exactly ns is excluded.
func WithEndTime(ns uint64) ReadOpt { return func(o *ReadOptions) { o.endNanos = ns } }

// WithTopics restricts a query to messages on the named topics. With no topics given, every
// topic is included.
func WithTopics(topics ...string) ReadOpt {
	return func(o *ReadOptions) {
		o.topics = make(map[string]bool, len(topics))
		for _, t := range topics {
			o.topics[t] = true
		}
	}
}

// WithOrder selects the order messages are yielded in. The default is FileOrder.
func WithOrder(order ReadOrder) ReadOpt { return func(o *ReadOptions) { o.order = order } }

// WithCRCValidation enables chunk CRC verification while reading.
func WithCRCValidation(v bool) ReadOpt { return func(o *ReadOptions) { o.validateCRC = v } }

func (o *ReadOptions) withinBounds(ts uint64) bool {
	if ts < o.startNanos {
		return false
	}
	if o.endNanos != 0 && ts >= o.endNanos {
		return false
	}
	return true
}

func (o *ReadOptions) topicMatches(topic string) bool {
	if len(o.topics) == 0 {
		return true
	}
	return o.topics[topic]
}

// Reader is the indexed reader (C7): it opens an MCAP file's footer and summary section once,
// via Info, then answers Messages queries by consulting the ChunkIndex records instead of
// rescanning the data section. Within a selected chunk, messages are found by decoding the
// chunk's records in sequence; MessageIndex records are not read.
type Reader struct {
	rs   io.ReadSeeker
	info *Info
}

// NewReader returns a Reader over rs. No bytes are read until Info or Messages is called.
func NewReader(rs io.ReadSeeker) (*Reader, error) {
	return &Reader{rs: rs}, nil
}

// Info parses the footer and summary section, caching the result for subsequent calls. If the
// file has no summary section (Footer.SummaryStart == 0), Info falls back to a full linear scan
// of the data section to recover schemas, channels, and statistics; ChunkIndexes,
// AttachmentIndexes, and MetadataIndexes are left empty in that case, since locating them
// without a summary would require the scan Reader.Messages exists to avoid.
func (r *Reader) Info() (*Info, error) {
	if r.info != nil {
		return r.info, nil
	}
	header, err := r.readHeaderDirect()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	footer, err := r.readFooterDirect()
	if err != nil {
		return nil, fmt.Errorf("read footer: %w", err)
	}
	var info *Info
	if footer.SummaryStart == 0 {
		info, err = r.scanUnindexed(header, footer)
	} else {
		info, err = r.scanSummary(header, footer)
	}
	if err != nil {
		return nil, err
	}
	r.info = info
	return info, nil
}

func (r *Reader) readHeaderDirect() (*Header, error) {
	if _, err := r.rs.Seek(int64(len(Magic)), io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek to header: %w", err)
	}
	prefix := make([]byte, messageRecordHeaderLen)
	if _, err := io.ReadFull(r.rs, prefix); err != nil {
		return nil, fmt.Errorf("read header prefix: %w", err)
	}
	if OpCode(prefix[0]) != OpHeader {
		return nil, fmt.Errorf("%w: expected header record, found %s", ErrBadMagic, OpCode(prefix[0]))
	}
	body, err := safeMakeBytes(binary.LittleEndian.Uint64(prefix[1:9]))
	if err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r.rs, body); err != nil {
		return nil, fmt.Errorf("read header body: %w", err)
	}
	return ParseHeader(body)
}

func (r *Reader) readFooterDirect() (*Footer, error) {
	if _, err := r.rs.Seek(-int64(footerRecordLen+len(Magic)), io.SeekEnd); err != nil {
		return nil, fmt.Errorf("seek to footer: %w", err)
	}
	buf := make([]byte, footerRecordLen+len(Magic))
	if _, err := io.ReadFull(r.rs, buf); err != nil {
		return nil, fmt.Errorf("read footer: %w", err)
	}
	if !bytes.Equal(buf[footerRecordLen:], Magic) {
		return nil, ErrBadMagic
	}
	if OpCode(buf[0]) != OpFooter {
		return nil, fmt.Errorf("%w: expected footer record, found %s", ErrBadMagic, OpCode(buf[0]))
	}
	return ParseFooter(buf[9:footerRecordLen])
}

// scanSummary walks the summary section token by token, optionally verifying its CRC against
// Footer.SummaryCRC. The CRC covers exactly the bytes from SummaryStart up to (not including)
// the Footer record, so the summary is read through an io.LimitReader sized to stop there and
// a crcReader accumulating the checksum. The whole span is read and checked before the lexer
// parses any record in it, so a corrupted byte anywhere in it is reported as ErrCRCMismatch.
func (r *Reader) scanSummary(header *Header, footer *Footer) (*Info, error) {
	end, err := r.rs.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("seek to end: %w", err)
	}
	footerOffset := uint64(end) - uint64(footerRecordLen) - uint64(len(Magic))
	if footerOffset < footer.SummaryStart {
		return nil, fmt.Errorf("%w: footer declares summary start past the footer itself", ErrInvalidLength)
	}
	summaryLen := footerOffset - footer.SummaryStart
	if _, err := r.rs.Seek(int64(footer.SummaryStart), io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek to summary: %w", err)
	}
	cr := newCRCReader(io.LimitReader(r.rs, int64(summaryLen)), footer.SummaryCRC != 0)
	summary, err := io.ReadAll(cr)
	if err != nil {
		return nil, fmt.Errorf("read summary: %w", err)
	}
	if footer.SummaryCRC != 0 && cr.Checksum() != footer.SummaryCRC {
		return nil, fmt.Errorf("%w: summary section", ErrCRCMismatch)
	}
	lexer, err := NewLexer(bytes.NewReader(summary), &LexerOptions{SkipMagic: true, EmitChunks: true})
	if err != nil {
		return nil, err
	}
	info := &Info{
		Header:   header,
		Footer:   footer,
		Schemas:  make(map[uint16]*Schema),
		Channels: make(map[uint16]*Channel),
	}
	var recordBuf []byte
	for {
		tok, rdr, length, err := lexer.Next()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		if int64(cap(recordBuf)) < length {
			recordBuf = make([]byte, length)
		}
		record := recordBuf[:length]
		if _, err := io.ReadFull(rdr, record); err != nil {
			return nil, fmt.Errorf("read %s record: %w", tok, err)
		}
		switch tok {
		case TokenSchema:
			s, err := ParseSchema(record)
			if err != nil {
				return nil, err
			}
			info.Schemas[s.ID] = s
		case TokenChannel:
			c, err := ParseChannel(record)
			if err != nil {
				return nil, err
			}
			info.Channels[c.ID] = c
		case TokenStatistics:
			stats, err := ParseStatistics(record)
			if err != nil {
				return nil, err
			}
			info.Statistics = stats
		case TokenChunkIndex:
			idx, err := ParseChunkIndex(record)
			if err != nil {
				return nil, err
			}
			info.ChunkIndexes = append(info.ChunkIndexes, idx)
		case TokenAttachmentIndex:
			idx, err := ParseAttachmentIndex(record)
			if err != nil {
				return nil, err
			}
			info.AttachmentIndexes = append(info.AttachmentIndexes, idx)
		case TokenMetadataIndex:
			idx, err := ParseMetadataIndex(record)
			if err != nil {
				return nil, err
			}
			info.MetadataIndexes = append(info.MetadataIndexes, idx)
		}
	}
	return info, nil
}

// scanUnindexed recovers schemas, channels, and statistics by walking the whole data section,
// used when a file was written without a summary section.
func (r *Reader) scanUnindexed(header *Header, footer *Footer) (*Info, error) {
	if _, err := r.rs.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	lexer, err := NewLexer(r.rs, &LexerOptions{EmitChunks: false})
	if err != nil {
		return nil, err
	}
	info := &Info{
		Header:   header,
		Footer:   footer,
		Schemas:  make(map[uint16]*Schema),
		Channels: make(map[uint16]*Channel),
		Statistics: &Statistics{
			ChannelMessageCounts: make(map[uint16]uint64),
		},
	}
	var recordBuf []byte
	for {
		tok, rdr, length, err := lexer.Next()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		if int64(cap(recordBuf)) < length {
			recordBuf = make([]byte, length)
		}
		record := recordBuf[:length]
		if _, err := io.ReadFull(rdr, record); err != nil {
			return nil, fmt.Errorf("read %s record: %w", tok, err)
		}
		switch tok {
		case TokenSchema:
			s, err := ParseSchema(record)
			if err != nil {
				return nil, err
			}
			info.Schemas[s.ID] = s
			info.Statistics.SchemaCount++
		case TokenChannel:
			c, err := ParseChannel(record)
			if err != nil {
				return nil, err
			}
			info.Channels[c.ID] = c
			info.Statistics.ChannelCount++
		case TokenMessage:
			m, err := ParseMessage(record)
			if err != nil {
				return nil, err
			}
			info.Statistics.MessageCount++
			info.Statistics.ChannelMessageCounts[m.ChannelID]++
			if m.LogTime > info.Statistics.MessageEndTime {
				info.Statistics.MessageEndTime = m.LogTime
			}
			if m.LogTime < info.Statistics.MessageStartTime || info.Statistics.MessageCount == 1 {
				info.Statistics.MessageStartTime = m.LogTime
			}
		case TokenAttachment:
			info.Statistics.AttachmentCount++
		case TokenMetadata:
			info.Statistics.MetadataCount++
		case TokenDataEnd:
			return info, nil
		}
	}
	return info, nil
}

// chunkMessage is one message recovered from a decompressed chunk, kept alongside its resolved
// channel and schema so the iterator never has to look them up twice.
type chunkMessage struct {
	msg     *Message
	channel *Channel
	schema  *Schema
	offset  uint64 // byte offset of the message record within the chunk's decompressed stream
}

// MessageIterator yields ResolvedMessages matching a Reader.Messages query.
type MessageIterator struct {
	pending []*ResolvedMessage
	pos     int
}

// Next returns the next matching message, or io.EOF once the query is exhausted.
func (it *MessageIterator) Next() (*ResolvedMessage, error) {
	if it.pos >= len(it.pending) {
		return nil, io.EOF
	}
	m := it.pending[it.pos]
	it.pos++
	return m, nil
}

// Messages answers an indexed query over the file's messages. The returned iterator is fully
// materialized at call time: Reader.Messages decompresses every chunk that overlaps the
// requested time bounds up front, which keeps the merge itself simple at the cost of holding
// every matching chunk in memory for the duration of the call.
func (r *Reader) Messages(opts ...ReadOpt) (*MessageIterator, error) {
	var o ReadOptions
	for _, opt := range opts {
		opt(&o)
	}
	info, err := r.Info()
	if err != nil {
		return nil, err
	}
	if info == nil || (info.Footer != nil && info.Footer.SummaryStart == 0 && len(info.ChunkIndexes) == 0 && len(info.Schemas) == 0) {
		return nil, ErrNoSummary
	}

	if len(info.ChunkIndexes) == 0 {
		return r.scanMessagesUnindexed(info, &o)
	}

	candidates := make([]*ChunkIndex, 0, len(info.ChunkIndexes))
	for _, ci := range info.ChunkIndexes {
		if o.endNanos != 0 && ci.MessageStartTime >= o.endNanos {
			continue
		}
		if ci.MessageEndTime < o.startNanos {
			continue
		}
		candidates = append(candidates, ci)
	}

	if o.order == FileOrder {
		var out []*ResolvedMessage
		for _, ci := range candidates {
			msgs, err := r.loadChunkMessages(ci, info, &o)
			if err != nil {
				return nil, err
			}
			for _, m := range msgs {
				out = append(out, &ResolvedMessage{Message: m.msg, Channel: m.channel, Schema: m.schema})
			}
		}
		return &MessageIterator{pending: out}, nil
	}

	return r.mergeByLogTime(candidates, info, &o)
}

// chunksOverlap reports whether any two of the given chunk indexes have overlapping
// [MessageStartTime, MessageEndTime] ranges. Candidates are assumed sorted by MessageStartTime.
func chunksOverlap(sorted []*ChunkIndex) bool {
	for i := 1; i < len(sorted); i++ {
		if sorted[i].MessageStartTime <= sorted[i-1].MessageEndTime {
			return true
		}
	}
	return false
}

// mergeByLogTime orders messages across the candidate chunks by LogTime. When the chunks'
// time ranges are disjoint, concatenating them in time order already yields a globally
// ordered result, so the heap merge is skipped entirely; only overlapping chunks pay for the
// rangeIndexHeap-driven merge.
func (r *Reader) mergeByLogTime(candidates []*ChunkIndex, info *Info, o *ReadOptions) (*MessageIterator, error) {
	ascending := append([]*ChunkIndex(nil), candidates...)
	sort.Slice(ascending, func(i, j int) bool { return ascending[i].MessageStartTime < ascending[j].MessageStartTime })

	sorted := append([]*ChunkIndex(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool {
		if o.order == ReverseLogTimeOrder {
			return sorted[i].MessageStartTime > sorted[j].MessageStartTime
		}
		return sorted[i].MessageStartTime < sorted[j].MessageStartTime
	})
	if !chunksOverlap(ascending) {
		var out []*ResolvedMessage
		for _, ci := range sorted {
			msgs, err := r.loadChunkMessages(ci, info, o)
			if err != nil {
				return nil, err
			}
			sort.SliceStable(msgs, func(i, j int) bool { return lessChunkMessage(o.order, msgs[i], msgs[j]) })
			for _, m := range msgs {
				out = append(out, &ResolvedMessage{Message: m.msg, Channel: m.channel, Schema: m.schema})
			}
		}
		return &MessageIterator{pending: out}, nil
	}

	h := newRangeIndexHeap(o.order)
	slots := make([][]chunkMessage, len(candidates))
	// map from *ChunkIndex to its slot, since PushChunkIndex only carries the index itself
	slotOf := make(map[*ChunkIndex]int, len(candidates))
	for i, ci := range candidates {
		slotOf[ci] = i
		h.PushChunkIndex(ci)
	}

	var out []*ResolvedMessage
	remaining := make([]int, len(candidates))
	for {
		entry := h.PopEntry()
		if entry == nil {
			break
		}
		if entry.chunkIndex != nil {
			slot := slotOf[entry.chunkIndex]
			msgs, err := r.loadChunkMessages(entry.chunkIndex, info, o)
			if err != nil {
				return nil, err
			}
			sort.SliceStable(msgs, func(i, j int) bool { return lessChunkMessage(o.order, msgs[i], msgs[j]) })
			slots[slot] = msgs
			remaining[slot] = len(msgs)
			for msgIdx, m := range msgs {
				h.PushMessage(messageEntry{
					chunkSlotIndex:   slot,
					retrievalIndex:   uint64(msgIdx),
					channelID:        m.msg.ChannelID,
					timestamp:        m.msg.LogTime,
					chunkStartOffset: entry.chunkIndex.ChunkStartOffset,
					inChunkOffset:    m.offset,
				})
			}
			if len(msgs) == 0 {
				// an internal invariant: a chunk entry must always be replaced by its
				// expanded messages (possibly zero of them) before the heap is read again.
				continue
			}
			continue
		}
		if slots[entry.chunkSlotIndex] == nil {
			return nil, fmt.Errorf("%w: message entry for released chunk slot %d", ErrInternalInvariant, entry.chunkSlotIndex)
		}
		m := slots[entry.chunkSlotIndex][entry.retrievalIndex]
		out = append(out, &ResolvedMessage{Message: m.msg, Channel: m.channel, Schema: m.schema})
		remaining[entry.chunkSlotIndex]--
		if remaining[entry.chunkSlotIndex] == 0 {
			slots[entry.chunkSlotIndex] = nil // release the chunk's buffer once fully consumed
		}
	}
	return &MessageIterator{pending: out}, nil
}

// loadChunkMessages reads, decompresses, and parses every Message record in chunk idx that
// matches the query's topic and time filters.
func (r *Reader) loadChunkMessages(idx *ChunkIndex, info *Info, o *ReadOptions) ([]chunkMessage, error) {
	if _, err := r.rs.Seek(int64(idx.ChunkStartOffset), io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek to chunk: %w", err)
	}
	prefix := make([]byte, messageRecordHeaderLen)
	if _, err := io.ReadFull(r.rs, prefix); err != nil {
		return nil, fmt.Errorf("read chunk record prefix: %w", err)
	}
	if OpCode(prefix[0]) != OpChunk {
		return nil, fmt.Errorf("%w: expected chunk record at offset %d", ErrInvalidOpcode, idx.ChunkStartOffset)
	}
	body, err := safeMakeBytes(binary.LittleEndian.Uint64(prefix[1:9]))
	if err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r.rs, body); err != nil {
		return nil, fmt.Errorf("read chunk body: %w", err)
	}
	chunk, err := ParseChunk(body)
	if err != nil {
		return nil, err
	}
	records, err := decompressChunk(chunk.Compression, chunk.Records, chunk.UncompressedSize)
	if err != nil {
		return nil, err
	}
	if o.validateCRC && chunk.UncompressedCRC != 0 {
		if crc := crc32.ChecksumIEEE(records); crc != chunk.UncompressedCRC {
			return nil, fmt.Errorf("%w: chunk at offset %d", ErrCRCMismatch, idx.ChunkStartOffset)
		}
	}

	var out []chunkMessage
	cursor := 0
	for cursor < len(records) {
		recordStart := cursor
		op, length, err := readRecordHeader(records[cursor:])
		if err != nil {
			return nil, err
		}
		bodyStart := cursor + messageRecordHeaderLen
		bodyEnd := bodyStart + int(length)
		if bodyEnd > len(records) {
			return nil, newTruncated(op, len(records)-bodyStart, length)
		}
		recBody := records[bodyStart:bodyEnd]
		if op == OpMessage {
			m, err := ParseMessage(recBody)
			if err != nil {
				return nil, err
			}
			channel := info.Channels[m.ChannelID]
			if channel == nil || !o.topicMatches(channel.Topic) || !o.withinBounds(m.LogTime) {
				cursor = bodyEnd
				continue
			}
			out = append(out, chunkMessage{
				msg:     m,
				channel: channel,
				schema:  info.Schemas[channel.SchemaID],
				offset:  uint64(recordStart),
			})
		}
		cursor = bodyEnd
	}
	return out, nil
}

// lessChunkMessage orders two messages recovered from (possibly different) chunks by LogTime,
// breaking ties by their in-chunk record offset so that equal-LogTime messages keep their
// original insertion order in ascending orders, and the reverse in descending ones.
func lessChunkMessage(order ReadOrder, a, b chunkMessage) bool {
	if a.msg.LogTime != b.msg.LogTime {
		if order == ReverseLogTimeOrder {
			return a.msg.LogTime > b.msg.LogTime
		}
		return a.msg.LogTime < b.msg.LogTime
	}
	if order == ReverseLogTimeOrder {
		return a.offset > b.offset
	}
	return a.offset < b.offset
}

// scanMessagesUnindexed answers a Messages query by a single linear scan, used when the file
// has no chunk indexes to drive a seek-based read.
func (r *Reader) scanMessagesUnindexed(info *Info, o *ReadOptions) (*MessageIterator, error) {
	if _, err := r.rs.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	lexer, err := NewLexer(r.rs, &LexerOptions{EmitChunks: false, ValidateCRC: o.validateCRC})
	if err != nil {
		return nil, err
	}
	var out []*ResolvedMessage
	var recordBuf []byte
	for {
		tok, rdr, length, err := lexer.Next()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		if tok != TokenMessage {
			if tok == TokenDataEnd {
				break
			}
			continue
		}
		if int64(cap(recordBuf)) < length {
			recordBuf = make([]byte, length)
		}
		record := recordBuf[:length]
		if _, err := io.ReadFull(rdr, record); err != nil {
			return nil, fmt.Errorf("read message record: %w", err)
		}
		m, err := ParseMessage(record)
		if err != nil {
			return nil, err
		}
		channel := info.Channels[m.ChannelID]
		if channel == nil || !o.topicMatches(channel.Topic) || !o.withinBounds(m.LogTime) {
			continue
		}
		out = append(out, &ResolvedMessage{Message: m, Channel: channel, Schema: info.Schemas[channel.SchemaID]})
	}
	if o.order == ReverseLogTimeOrder {
		sort.SliceStable(out, func(i, j int) bool { return out[i].Message.LogTime > out[j].Message.LogTime })
	} else if o.order == LogTimeOrder {
		sort.SliceStable(out, func(i, j int) bool { return out[i].Message.LogTime < out[j].Message.LogTime })
	}
	return &MessageIterator{pending: out}, nil
}
