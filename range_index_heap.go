package mcap

import "container/heap"

// ReadOrder selects the order in which Reader.Messages yields messages.
type ReadOrder int

const (
	// FileOrder yields messages in the order chunks appear in the file, and within a chunk, in
	// the order they were written. It requires no cross-chunk merge and is the cheapest order
	// to produce.
	FileOrder ReadOrder = iota
	// LogTimeOrder yields messages in ascending LogTime order, merging across chunks as needed.
	LogTimeOrder
	// ReverseLogTimeOrder yields messages in descending LogTime order.
	ReverseLogTimeOrder
)

// rangeIndexEntry is one item on the merge heap: either an unopened chunk (chunkIndex set,
// waiting to be expanded into its constituent messages once it reaches the front) or a single
// already-located message within an opened chunk.
type rangeIndexEntry struct {
	chunkIndex *ChunkIndex // non-nil for a not-yet-expanded chunk entry

	chunkSlotIndex int    // which open chunk (into the reader's decompressed-chunk slots) a message entry belongs to
	retrievalIndex uint64 // index into that chunk's locally-sorted message slice, for retrieval only
	channelID      uint16

	// chunkStartOffset and inChunkOffset together form the (chunkStartOffset, offsetInChunk)
	// tie-break the spec requires when two entries share a timestamp: the file position of the
	// owning chunk, then the message's byte offset within that chunk's decompressed stream. A
	// not-yet-expanded chunk entry uses its own chunkStartOffset with inChunkOffset 0 (the
	// position of its first candidate message); it is always popped and replaced by its real
	// message entries before this placeholder value could affect final output order.
	chunkStartOffset uint64
	inChunkOffset    uint64

	timestamp uint64 // sort key: chunk entries use MessageStartTime/MessageEndTime, message entries use LogTime
}

// rangeIndexHeap implements container/heap.Interface over rangeIndexEntry, ordered so that the
// root is always the next item Reader.Messages should hand to the caller. At most one chunk
// entry for a given chunk coexists with that chunk's own expanded message entries: a chunk
// entry is popped and immediately replaced by its messages before the heap is consulted again,
// by construction of the reader's iteration loop.
type rangeIndexHeap struct {
	entries []*rangeIndexEntry
	order   ReadOrder
}

func newRangeIndexHeap(order ReadOrder) *rangeIndexHeap {
	h := &rangeIndexHeap{order: order}
	heap.Init(h)
	return h
}

func (h *rangeIndexHeap) Len() int { return len(h.entries) }

// Less orders primarily by timestamp, then by (chunkStartOffset, inChunkOffset) to break ties
// deterministically per spec invariant 5: ascending orders resolve ties by increasing file
// position, descending orders by the negation (decreasing file position), so that reversing an
// ascending result with ties yields exactly the descending result.
func (h *rangeIndexHeap) Less(i, j int) bool {
	a, b := h.entries[i], h.entries[j]
	if a.timestamp != b.timestamp {
		if h.order == ReverseLogTimeOrder {
			return a.timestamp > b.timestamp
		}
		return a.timestamp < b.timestamp
	}
	if h.order == ReverseLogTimeOrder {
		if a.chunkStartOffset != b.chunkStartOffset {
			return a.chunkStartOffset > b.chunkStartOffset
		}
		return a.inChunkOffset > b.inChunkOffset
	}
	if a.chunkStartOffset != b.chunkStartOffset {
		return a.chunkStartOffset < b.chunkStartOffset
	}
	return a.inChunkOffset < b.inChunkOffset
}

func (h *rangeIndexHeap) Swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
}

func (h *rangeIndexHeap) Push(x any) {
	h.entries = append(h.entries, x.(*rangeIndexEntry))
}

func (h *rangeIndexHeap) Pop() any {
	old := h.entries
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	h.entries = old[:n-1]
	return item
}

// PushChunkIndex seeds the heap with an unopened chunk, keyed by the time bound closest to the
// iteration's starting edge: MessageStartTime for ascending orders, MessageEndTime in reverse.
func (h *rangeIndexHeap) PushChunkIndex(idx *ChunkIndex) {
	ts := idx.MessageStartTime
	if h.order == ReverseLogTimeOrder {
		ts = idx.MessageEndTime
	}
	heap.Push(h, &rangeIndexEntry{
		chunkIndex:       idx,
		chunkStartOffset: idx.ChunkStartOffset,
		timestamp:        ts,
	})
}

// messageEntry describes a single located message to seed onto the merge heap.
type messageEntry struct {
	chunkSlotIndex   int
	retrievalIndex   uint64
	channelID        uint16
	timestamp        uint64
	chunkStartOffset uint64
	inChunkOffset    uint64
}

// PushMessage seeds the heap with a single located message belonging to the chunk occupying
// e.chunkSlotIndex in the reader's open-chunk table.
func (h *rangeIndexHeap) PushMessage(e messageEntry) {
	heap.Push(h, &rangeIndexEntry{
		chunkSlotIndex:   e.chunkSlotIndex,
		retrievalIndex:   e.retrievalIndex,
		channelID:        e.channelID,
		chunkStartOffset: e.chunkStartOffset,
		inChunkOffset:    e.inChunkOffset,
		timestamp:        e.timestamp,
	})
}

// PopEntry removes and returns the root entry, or nil if the heap is empty.
func (h *rangeIndexHeap) PopEntry() *rangeIndexEntry {
	if h.Len() == 0 {
		return nil
	}
	return heap.Pop(h).(*rangeIndexEntry)
}
