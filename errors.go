package mcap

import (
	"errors"
	"fmt"
	"io"
)

// Sentinel and typed errors covering the taxonomy in the design doc's error handling section.
// A record body too short for its fields makes the ParseX functions return an error wrapping
// io.ErrShortBuffer; ErrTruncatedRecord, returned where a record's framing is cut short,
// unwraps to io.ErrUnexpectedEOF.
var (
	// ErrBadMagic is returned when leading or trailing magic bytes don't match.
	ErrBadMagic = errors.New("mcap: bad magic")
	// ErrNestedChunk is returned when a Chunk record is found inside another chunk's inner
	// record stream.
	ErrNestedChunk = errors.New("mcap: nested chunk")
	// ErrInvalidOpcode is returned for an unrecognized opcode appearing inside a chunk's inner
	// record stream, where forward-compatible skipping does not apply.
	ErrInvalidOpcode = errors.New("mcap: invalid opcode inside chunk")
	// ErrInvalidLength is returned when a length prefix is implausible given the remaining
	// bytes available.
	ErrInvalidLength = errors.New("mcap: invalid length")
	// ErrCRCMismatch is returned when a chunk, attachment, or summary CRC fails verification.
	ErrCRCMismatch = errors.New("mcap: crc mismatch")
	// ErrUnknownCompression is returned when a chunk names a compression format with no
	// registered codec.
	ErrUnknownCompression = errors.New("mcap: unknown compression")
	// ErrUnknownSchema is returned when a Channel references a non-zero schema ID the writer
	// has not seen.
	ErrUnknownSchema = errors.New("mcap: unknown schema")
	// ErrUnknownChannel is returned when a Message references a channel ID that has not been
	// registered.
	ErrUnknownChannel = errors.New("mcap: unknown channel")
	// ErrConflictingSchema is returned when a schema ID is re-registered with a different
	// name, encoding, or data.
	ErrConflictingSchema = errors.New("mcap: conflicting schema registration")
	// ErrConflictingChannel is returned when a channel ID is re-registered with different
	// fields.
	ErrConflictingChannel = errors.New("mcap: conflicting channel registration")
	// ErrWriterClosed is returned by any writer method called after Close.
	ErrWriterClosed = errors.New("mcap: writer is closed")
	// ErrHeaderNotWritten is returned by any writer method called before Start.
	ErrHeaderNotWritten = errors.New("mcap: header not yet written")
	// ErrHeaderAlreadyWritten is returned by a second call to Start.
	ErrHeaderAlreadyWritten = errors.New("mcap: header already written")
	// ErrInternalInvariant indicates a heap or index consistency bug: a message entry on the
	// merge heap refers to a chunk slot that has already been released.
	ErrInternalInvariant = errors.New("mcap: internal invariant violated")
	// ErrNoSummary is returned when an indexed-only operation is requested on a file with no
	// summary section.
	ErrNoSummary = errors.New("mcap: file has no summary section")
)

// ErrTruncatedRecord reports that a record's declared length extends past the bytes actually
// available, naming the opcode for easier debugging.
type ErrTruncatedRecord struct {
	Op          OpCode
	Available   int
	ExpectedLen uint64
}

func (e *ErrTruncatedRecord) Error() string {
	return fmt.Sprintf("mcap: truncated %s record: expected %d bytes, found %d", e.Op, e.ExpectedLen, e.Available)
}

func (e *ErrTruncatedRecord) Unwrap() error { return io.ErrUnexpectedEOF }

func newTruncated(op OpCode, available int, expected uint64) error {
	return &ErrTruncatedRecord{Op: op, Available: available, ExpectedLen: expected}
}
