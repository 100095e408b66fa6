package mcap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRangeIndexHeapOrdersChunksThenMessagesAscending(t *testing.T) {
	h := newRangeIndexHeap(LogTimeOrder)
	h.PushChunkIndex(&ChunkIndex{MessageStartTime: 10})
	h.PushChunkIndex(&ChunkIndex{MessageStartTime: 5})
	h.PushMessage(messageEntry{chunkSlotIndex: 0, retrievalIndex: 0, channelID: 1, timestamp: 7})

	first := h.PopEntry()
	require.NotNil(t, first)
	assert.Equal(t, uint64(5), first.timestamp)

	second := h.PopEntry()
	require.NotNil(t, second)
	assert.Equal(t, uint64(7), second.timestamp)

	third := h.PopEntry()
	require.NotNil(t, third)
	assert.Equal(t, uint64(10), third.timestamp)

	assert.Nil(t, h.PopEntry())
}

func TestRangeIndexHeapReverseOrder(t *testing.T) {
	h := newRangeIndexHeap(ReverseLogTimeOrder)
	h.PushMessage(messageEntry{chunkSlotIndex: 0, retrievalIndex: 0, channelID: 1, timestamp: 1})
	h.PushMessage(messageEntry{chunkSlotIndex: 0, retrievalIndex: 1, channelID: 1, timestamp: 9})
	h.PushMessage(messageEntry{chunkSlotIndex: 0, retrievalIndex: 2, channelID: 1, timestamp: 5})

	var order []uint64
	for {
		e := h.PopEntry()
		if e == nil {
			break
		}
		order = append(order, e.timestamp)
	}
	assert.Equal(t, []uint64{9, 5, 1}, order)
}

func TestRangeIndexHeapChunkEntryKeyedByEndTimeInReverse(t *testing.T) {
	h := newRangeIndexHeap(ReverseLogTimeOrder)
	h.PushChunkIndex(&ChunkIndex{MessageStartTime: 1, MessageEndTime: 20})
	h.PushChunkIndex(&ChunkIndex{MessageStartTime: 1, MessageEndTime: 10})

	first := h.PopEntry()
	require.NotNil(t, first)
	assert.Equal(t, uint64(20), first.timestamp)
}

func TestRangeIndexHeapBreaksTimestampTiesByOffset(t *testing.T) {
	h := newRangeIndexHeap(LogTimeOrder)
	h.PushMessage(messageEntry{chunkSlotIndex: 0, retrievalIndex: 2, channelID: 1, timestamp: 3, chunkStartOffset: 100, inChunkOffset: 50})
	h.PushMessage(messageEntry{chunkSlotIndex: 1, retrievalIndex: 0, channelID: 1, timestamp: 3, chunkStartOffset: 0, inChunkOffset: 10})
	h.PushMessage(messageEntry{chunkSlotIndex: 0, retrievalIndex: 0, channelID: 1, timestamp: 3, chunkStartOffset: 100, inChunkOffset: 20})

	first := h.PopEntry()
	require.NotNil(t, first)
	assert.Equal(t, uint64(0), first.chunkStartOffset)

	second := h.PopEntry()
	require.NotNil(t, second)
	assert.Equal(t, uint64(100), second.chunkStartOffset)
	assert.Equal(t, uint64(20), second.inChunkOffset)

	third := h.PopEntry()
	require.NotNil(t, third)
	assert.Equal(t, uint64(50), third.inChunkOffset)
}

func TestRangeIndexHeapReverseOrderBreaksTimestampTiesByNegatedOffset(t *testing.T) {
	h := newRangeIndexHeap(ReverseLogTimeOrder)
	h.PushMessage(messageEntry{chunkSlotIndex: 0, retrievalIndex: 0, channelID: 1, timestamp: 3, chunkStartOffset: 0, inChunkOffset: 10})
	h.PushMessage(messageEntry{chunkSlotIndex: 1, retrievalIndex: 0, channelID: 1, timestamp: 3, chunkStartOffset: 100, inChunkOffset: 20})

	first := h.PopEntry()
	require.NotNil(t, first)
	assert.Equal(t, uint64(100), first.chunkStartOffset)
}

func TestChunksOverlapDetectsDisjointAndOverlapping(t *testing.T) {
	disjoint := []*ChunkIndex{
		{MessageStartTime: 1, MessageEndTime: 2},
		{MessageStartTime: 3, MessageEndTime: 4},
	}
	assert.False(t, chunksOverlap(disjoint))

	overlapping := []*ChunkIndex{
		{MessageStartTime: 1, MessageEndTime: 5},
		{MessageStartTime: 4, MessageEndTime: 6},
	}
	assert.True(t, chunksOverlap(overlapping))

	touching := []*ChunkIndex{
		{MessageStartTime: 1, MessageEndTime: 3},
		{MessageStartTime: 3, MessageEndTime: 5},
	}
	assert.True(t, chunksOverlap(touching))
}
