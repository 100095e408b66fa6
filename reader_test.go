package mcap

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type writtenMessage struct {
	channelID uint16
	logTime   uint64
	topic     string
}

func buildIndexedFile(t *testing.T, opts *WriterOptions, messages []writtenMessage) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := NewWriter(&buf, opts)
	require.NoError(t, err)
	require.NoError(t, w.Start("p", "l"))
	require.NoError(t, w.RegisterSchema(&Schema{ID: 1, Name: "s", Encoding: "jsonschema", Data: []byte("{}")}))

	topics := map[string]uint16{}
	nextID := uint16(1)
	for _, m := range messages {
		if _, ok := topics[m.topic]; !ok {
			id := nextID
			nextID++
			topics[m.topic] = id
			require.NoError(t, w.RegisterChannel(&Channel{ID: id, SchemaID: 1, Topic: m.topic, MessageEncoding: "json"}))
		}
	}
	for i, m := range messages {
		id := topics[m.topic]
		require.NoError(t, w.AddMessage(&Message{ChannelID: id, Sequence: uint32(i), LogTime: m.logTime, PublishTime: m.logTime, Data: []byte("d")}))
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func collectMessages(t *testing.T, it *MessageIterator) []*ResolvedMessage {
	t.Helper()
	var out []*ResolvedMessage
	for {
		m, err := it.Next()
		if err != nil {
			require.ErrorIs(t, err, io.EOF)
			break
		}
		out = append(out, m)
	}
	return out
}

func TestReaderInfoUnchunkedSummary(t *testing.T) {
	data := buildIndexedFile(t, &WriterOptions{UseStatistics: true}, []writtenMessage{
		{logTime: 1, topic: "/a"}, {logTime: 2, topic: "/b"},
	})
	r, err := NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	info, err := r.Info()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), info.Statistics.MessageCount)
	assert.Len(t, info.Channels, 2)
}

func TestReaderFallsBackToUnindexedScan(t *testing.T) {
	data := buildIndexedFile(t, &WriterOptions{}, []writtenMessage{
		{logTime: 1, topic: "/a"}, {logTime: 2, topic: "/a"},
	})
	r, err := NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	info, err := r.Info()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), info.Footer.SummaryStart)
	assert.Equal(t, uint64(2), info.Statistics.MessageCount)

	it, err := r.Messages()
	require.NoError(t, err)
	msgs := collectMessages(t, it)
	assert.Len(t, msgs, 2)
}

func TestReaderMessagesFiltersByTopicAndTimeBounds(t *testing.T) {
	data := buildIndexedFile(t, &WriterOptions{
		UseChunks: true, ChunkSize: 8, UseChunkIndex: true, UseMessageIndex: true, UseStatistics: true,
	}, []writtenMessage{
		{logTime: 1, topic: "/a"}, {logTime: 2, topic: "/b"}, {logTime: 3, topic: "/a"}, {logTime: 4, topic: "/b"},
	})
	r, err := NewReader(bytes.NewReader(data))
	require.NoError(t, err)

	it, err := r.Messages(WithTopics("/a"))
	require.NoError(t, err)
	msgs := collectMessages(t, it)
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		assert.Equal(t, "/a", m.Channel.Topic)
	}

	it, err = r.Messages(WithStartTime(2), WithEndTime(4))
	require.NoError(t, err)
	msgs = collectMessages(t, it)
	var times []uint64
	for _, m := range msgs {
		times = append(times, m.Message.LogTime)
	}
	assert.ElementsMatch(t, []uint64{2, 3}, times)
}

func TestReaderMessagesLogTimeOrderAcrossOverlappingChunks(t *testing.T) {
	// With a chunk size of 40 bytes, the first chunk (schema and channel records plus the t=1
	// message) flushes after one message, then every two 32-byte messages flush together:
	// chunks hold t={1}, t={5,2} and t={3}. The [2,5] and [3,3] ranges overlap, forcing
	// mergeByLogTime's heap path rather than the no-overlap fast path.
	data := buildIndexedFile(t, &WriterOptions{
		UseChunks: true, ChunkSize: 40, UseChunkIndex: true, UseMessageIndex: true,
	}, []writtenMessage{
		{logTime: 1, topic: "/a"}, {logTime: 5, topic: "/a"}, {logTime: 2, topic: "/a"}, {logTime: 3, topic: "/a"},
	})
	r, err := NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	it, err := r.Messages(WithOrder(LogTimeOrder))
	require.NoError(t, err)
	msgs := collectMessages(t, it)
	require.Len(t, msgs, 4)
	for i := 1; i < len(msgs); i++ {
		assert.LessOrEqual(t, msgs[i-1].Message.LogTime, msgs[i].Message.LogTime)
	}
}

func TestReaderMessagesReverseLogTimeOrder(t *testing.T) {
	data := buildIndexedFile(t, &WriterOptions{
		UseChunks: true, ChunkSize: 1024, UseChunkIndex: true,
	}, []writtenMessage{
		{logTime: 1, topic: "/a"}, {logTime: 2, topic: "/a"}, {logTime: 3, topic: "/a"},
	})
	r, err := NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	it, err := r.Messages(WithOrder(ReverseLogTimeOrder))
	require.NoError(t, err)
	msgs := collectMessages(t, it)
	require.Len(t, msgs, 3)
	assert.Equal(t, []uint64{3, 2, 1}, []uint64{msgs[0].Message.LogTime, msgs[1].Message.LogTime, msgs[2].Message.LogTime})
}

func TestReaderSummaryCRCVerification(t *testing.T) {
	data := buildIndexedFile(t, &WriterOptions{
		UseChunks: true, ChunkSize: 1024, UseChunkIndex: true, UseStatistics: true, UseSummaryCRC: true,
	}, []writtenMessage{{logTime: 1, topic: "/a"}})

	r, err := NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	info, err := r.Info()
	require.NoError(t, err)
	require.NotZero(t, info.Footer.SummaryStart)

	corrupted := append([]byte(nil), data...)
	// flip a byte a few bytes into the summary section, well clear of the data section.
	corrupted[info.Footer.SummaryStart+2] ^= 0xFF
	r2, err := NewReader(bytes.NewReader(corrupted))
	require.NoError(t, err)
	_, err = r2.Info()
	assert.ErrorIs(t, err, ErrCRCMismatch)
}

// e4LogTimes is the literal input from spec scenario E4: ten messages on one channel, with a
// duplicate LogTime=3 pair whose tie must resolve by original insertion order (lower Sequence
// first) in ascending order, and the reverse in descending order.
var e4LogTimes = []uint64{0, 2, 1, 3, 3, 5, 4, 7, 8, 9}

func e4Messages() []writtenMessage {
	msgs := make([]writtenMessage, len(e4LogTimes))
	for i, lt := range e4LogTimes {
		msgs[i] = writtenMessage{logTime: lt, topic: "/a"}
	}
	return msgs
}

func logTimes(msgs []*ResolvedMessage) []uint64 {
	out := make([]uint64, len(msgs))
	for i, m := range msgs {
		out[i] = m.Message.LogTime
	}
	return out
}

func sequences(msgs []*ResolvedMessage) []uint32 {
	out := make([]uint32, len(msgs))
	for i, m := range msgs {
		out[i] = m.Message.Sequence
	}
	return out
}

func TestReaderMessagesFileOrder(t *testing.T) {
	data := buildIndexedFile(t, &WriterOptions{
		UseChunks: true, ChunkSize: 1024, UseChunkIndex: true, UseMessageIndex: true,
	}, e4Messages())
	r, err := NewReader(bytes.NewReader(data))
	require.NoError(t, err)

	it, err := r.Messages(WithOrder(FileOrder))
	require.NoError(t, err)
	msgs := collectMessages(t, it)
	require.Len(t, msgs, len(e4LogTimes))
	assert.Equal(t, []uint32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, sequences(msgs))
}

// TestReaderMessagesE4SingleChunk exercises E4 entirely within one chunk, so LogTimeOrder takes
// mergeByLogTime's no-overlap fast path (a single chunk trivially has no other chunk to overlap
// with) and the tie is resolved by the in-chunk stable sort alone.
func TestReaderMessagesE4SingleChunk(t *testing.T) {
	data := buildIndexedFile(t, &WriterOptions{
		UseChunks: true, ChunkSize: 1024, UseChunkIndex: true, UseMessageIndex: true,
	}, e4Messages())
	r, err := NewReader(bytes.NewReader(data))
	require.NoError(t, err)

	fileIt, err := r.Messages(WithOrder(FileOrder))
	require.NoError(t, err)
	fileMsgs := collectMessages(t, fileIt)
	require.Len(t, fileMsgs, 10)
	assert.Equal(t, e4LogTimes, logTimes(fileMsgs))

	ascIt, err := r.Messages(WithOrder(LogTimeOrder))
	require.NoError(t, err)
	ascMsgs := collectMessages(t, ascIt)
	require.Len(t, ascMsgs, 10)
	assert.Equal(t, []uint64{0, 1, 2, 3, 3, 4, 5, 7, 8, 9}, logTimes(ascMsgs))
	// indices 3 and 4 are the tied LogTime=3 pair; sequence 3 (original position) must precede
	// sequence 4 in ascending order.
	assert.Equal(t, []uint32{3, 4}, sequences(ascMsgs[3:5]))

	descIt, err := r.Messages(WithOrder(ReverseLogTimeOrder))
	require.NoError(t, err)
	descMsgs := collectMessages(t, descIt)
	require.Len(t, descMsgs, 10)
	assert.Equal(t, []uint64{9, 8, 7, 5, 4, 3, 3, 2, 1, 0}, logTimes(descMsgs))
	// descending reverses the ascending sequence, including the tie: sequence 4 now precedes 3.
	assert.Equal(t, []uint32{4, 3}, sequences(descMsgs[5:7]))
}

// TestReaderMessagesE4AcrossChunks forces every message into its own chunk (ChunkSize: 1), so
// the two equal-LogTime messages land in different, touching (MessageStartTime==MessageEndTime)
// chunks and mergeByLogTime takes the rangeIndexHeap path. This is the scenario the review
// identified as broken: without a (chunkStartOffset, offsetInChunk) tie-break on the heap, the
// equal-LogTime pair could pop in either order.
func TestReaderMessagesE4AcrossChunks(t *testing.T) {
	data := buildIndexedFile(t, &WriterOptions{
		UseChunks: true, ChunkSize: 1, UseChunkIndex: true, UseMessageIndex: true,
	}, e4Messages())
	r, err := NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	info, err := r.Info()
	require.NoError(t, err)
	require.Len(t, info.ChunkIndexes, 10, "ChunkSize: 1 must flush a chunk per message")

	ascIt, err := r.Messages(WithOrder(LogTimeOrder))
	require.NoError(t, err)
	ascMsgs := collectMessages(t, ascIt)
	require.Len(t, ascMsgs, 10)
	assert.Equal(t, []uint64{0, 1, 2, 3, 3, 4, 5, 7, 8, 9}, logTimes(ascMsgs))
	assert.Equal(t, []uint32{3, 4}, sequences(ascMsgs[3:5]))

	descIt, err := r.Messages(WithOrder(ReverseLogTimeOrder))
	require.NoError(t, err)
	descMsgs := collectMessages(t, descIt)
	require.Len(t, descMsgs, 10)
	assert.Equal(t, []uint64{9, 8, 7, 5, 4, 3, 3, 2, 1, 0}, logTimes(descMsgs))
	assert.Equal(t, []uint32{4, 3}, sequences(descMsgs[5:7]))
}

func TestReaderChunkCRCVerification(t *testing.T) {
	data := buildIndexedFile(t, &WriterOptions{
		UseChunks: true, ChunkSize: 1024, UseChunkIndex: true, UseChunkCRC: true,
	}, []writtenMessage{{logTime: 1, topic: "/a"}, {logTime: 2, topic: "/a"}})

	r, err := NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	info, err := r.Info()
	require.NoError(t, err)
	require.NotEmpty(t, info.ChunkIndexes)

	corrupted := append([]byte(nil), data...)
	chunkBodyOffset := info.ChunkIndexes[0].ChunkStartOffset + messageRecordHeaderLen + 40
	corrupted[chunkBodyOffset] ^= 0xFF

	r2, err := NewReader(bytes.NewReader(corrupted))
	require.NoError(t, err)
	_, err = r2.Messages(WithCRCValidation(true))
	assert.ErrorIs(t, err, ErrCRCMismatch)
}
