package mcap

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// ErrChunkTooLarge is returned when a chunk's declared uncompressed size exceeds the lexer's
// configured maximum.
var ErrChunkTooLarge = errors.New("mcap: chunk exceeds configured maximum size")

// ErrRecordTooLarge is returned when a record's declared length exceeds the lexer's configured
// maximum.
var ErrRecordTooLarge = errors.New("mcap: record exceeds configured maximum size")

// TokenType identifies the kind of token the streaming reader has lexed.
type TokenType int

const (
	TokenHeader TokenType = iota
	TokenFooter
	TokenSchema
	TokenChannel
	TokenMessage
	TokenChunk
	TokenMessageIndex
	TokenChunkIndex
	TokenAttachment
	TokenAttachmentIndex
	TokenStatistics
	TokenMetadata
	TokenMetadataIndex
	TokenSummaryOffset
	TokenDataEnd
	TokenError
)

func (t TokenType) String() string {
	switch t {
	case TokenHeader:
		return "header"
	case TokenFooter:
		return "footer"
	case TokenSchema:
		return "schema"
	case TokenChannel:
		return "channel"
	case TokenMessage:
		return "message"
	case TokenChunk:
		return "chunk"
	case TokenMessageIndex:
		return "message index"
	case TokenChunkIndex:
		return "chunk index"
	case TokenAttachment:
		return "attachment"
	case TokenAttachmentIndex:
		return "attachment index"
	case TokenStatistics:
		return "statistics"
	case TokenMetadata:
		return "metadata"
	case TokenMetadataIndex:
		return "metadata index"
	case TokenSummaryOffset:
		return "summary offset"
	case TokenDataEnd:
		return "data end"
	case TokenError:
		return "error"
	default:
		return "unknown"
	}
}

// Lexer is the streaming reader (C6): it walks a record stream front to back, emitting one
// token per record without building any index. By default chunks are transparently expanded,
// so the caller sees the same token stream whether or not the underlying file is chunked;
// LexerOptions.EmitChunks switches to raw mode for callers (such as an indexed reader building
// its own summary) that want Chunk tokens as opaque records instead.
type Lexer struct {
	basereader io.Reader
	reader     io.Reader
	emitChunks bool

	decoders                 decoders
	inChunk                  bool
	buf                      []byte
	validateCRC              bool
	maxRecordSize            int
	maxDecompressedChunkSize int
	lastReturnedReader       *io.LimitedReader
}

type decoders struct {
	zstd *zstd.Decoder
	lz4  *lz4.Reader
	none *bytes.Reader
}

// LexerOptions configures a Lexer.
type LexerOptions struct {
	// SkipMagic instructs the lexer not to validate the leading magic bytes. Used by indexed
	// readers that have already located a valid file via its footer.
	SkipMagic bool
	// ValidateCRC instructs the lexer to fully decompress and CRC-check each chunk as it's
	// entered, rather than streaming its contents incrementally.
	ValidateCRC bool
	// EmitChunks instructs the lexer to emit Chunk records as opaque tokens instead of
	// transparently expanding their contents.
	EmitChunks bool
	// MaxDecompressedChunkSize bounds the uncompressed size the lexer will decompress a chunk
	// to. Zero means unbounded.
	MaxDecompressedChunkSize int
	// MaxRecordSize bounds the declared length of any single record. Zero means unbounded.
	MaxRecordSize int
}

// NewLexer returns a Lexer reading from r.
func NewLexer(r io.Reader, opts ...*LexerOptions) (*Lexer, error) {
	var o LexerOptions
	if len(opts) > 0 && opts[0] != nil {
		o = *opts[0]
	}
	if !o.SkipMagic {
		if err := validateLeadingMagic(r); err != nil {
			return nil, err
		}
	}
	return &Lexer{
		basereader:               r,
		reader:                   r,
		buf:                      make([]byte, 32),
		validateCRC:              o.ValidateCRC,
		emitChunks:               o.EmitChunks,
		maxRecordSize:            o.MaxRecordSize,
		maxDecompressedChunkSize: o.MaxDecompressedChunkSize,
	}, nil
}

// validateLeadingMagic accepts the current magic, and the legacy pre-v1 magic byte for
// compatibility with older captures; only the streaming reader extends this courtesy; the
// indexed reader's footer-driven open always requires the current magic.
func validateLeadingMagic(r io.Reader) error {
	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return ErrBadMagic
	}
	if bytes.Equal(magic, Magic) || bytes.Equal(magic, legacyMagic) {
		return nil
	}
	return ErrBadMagic
}

// Next returns the next token as an io.Reader bounded to that record's declared length. The
// reader returned by a prior call is automatically drained if the caller didn't fully consume
// it, so callers never need to track leftover bytes themselves.
func (l *Lexer) Next() (TokenType, io.Reader, int64, error) {
	if l.lastReturnedReader != nil && l.lastReturnedReader.N != 0 {
		if _, err := io.Copy(io.Discard, l.lastReturnedReader); err != nil {
			return TokenError, nil, 0, err
		}
		l.lastReturnedReader = nil
	}
	for {
		_, err := io.ReadFull(l.reader, l.buf[:9])
		if err != nil {
			if l.inChunk && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)) {
				l.inChunk = false
				l.reader = l.basereader
				continue
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return TokenError, nil, 0, io.EOF
			}
			return TokenError, nil, 0, err
		}
		opcode := OpCode(l.buf[0])
		recordLen := int64(binary.LittleEndian.Uint64(l.buf[1:9]))
		if l.maxRecordSize > 0 && recordLen > int64(l.maxRecordSize) {
			return TokenError, nil, 0, ErrRecordTooLarge
		}
		if opcode == OpChunk && !l.emitChunks {
			if err := l.loadChunk(); err != nil {
				return TokenError, nil, 0, err
			}
			continue
		}

		record := &io.LimitedReader{R: l.reader, N: recordLen}
		l.lastReturnedReader = record
		switch opcode {
		case OpMessage:
			return TokenMessage, record, recordLen, nil
		case OpHeader:
			return TokenHeader, record, recordLen, nil
		case OpSchema:
			return TokenSchema, record, recordLen, nil
		case OpDataEnd:
			return TokenDataEnd, record, recordLen, nil
		case OpChannel:
			return TokenChannel, record, recordLen, nil
		case OpFooter:
			return TokenFooter, record, recordLen, nil
		case OpAttachment:
			return TokenAttachment, record, recordLen, nil
		case OpAttachmentIndex:
			return TokenAttachmentIndex, record, recordLen, nil
		case OpChunkIndex:
			return TokenChunkIndex, record, recordLen, nil
		case OpStatistics:
			return TokenStatistics, record, recordLen, nil
		case OpMessageIndex:
			return TokenMessageIndex, record, recordLen, nil
		case OpChunk:
			return TokenChunk, record, recordLen, nil
		case OpMetadata:
			return TokenMetadata, record, recordLen, nil
		case OpMetadataIndex:
			return TokenMetadataIndex, record, recordLen, nil
		case OpSummaryOffset:
			return TokenSummaryOffset, record, recordLen, nil
		case OpReserved:
			return TokenError, nil, 0, fmt.Errorf("%w: reserved opcode 0x00", ErrInvalidOpcode)
		default:
			if l.inChunk {
				return TokenError, nil, 0, fmt.Errorf("%w: 0x%02x", ErrInvalidOpcode, byte(opcode))
			}
			// forward-compatible: skip the body of an opcode this version doesn't recognize
			if _, err := io.Copy(io.Discard, record); err != nil {
				return TokenError, nil, 0, err
			}
			continue
		}
	}
}

func (l *Lexer) setNoneDecoder(buf []byte) {
	if l.decoders.none == nil {
		l.decoders.none = bytes.NewReader(buf)
	} else {
		l.decoders.none.Reset(buf)
	}
	l.reader = l.decoders.none
}

func (l *Lexer) setZSTDDecoder(r io.Reader) error {
	if l.decoders.zstd == nil {
		dec, err := zstd.NewReader(r)
		if err != nil {
			return err
		}
		l.decoders.zstd = dec
	} else if err := l.decoders.zstd.Reset(r); err != nil {
		return err
	}
	l.reader = l.decoders.zstd
	return nil
}

func (l *Lexer) setLZ4Decoder(r io.Reader) {
	if l.decoders.lz4 == nil {
		l.decoders.lz4 = lz4.NewReader(r)
	} else {
		l.decoders.lz4.Reset(r)
	}
	l.reader = l.decoders.lz4
}

// loadChunk enters a chunk, arranging for subsequent Next calls to read from its (transparently
// decompressed) inner record stream until it's exhausted.
func (l *Lexer) loadChunk() error {
	if l.inChunk {
		return ErrNestedChunk
	}
	if _, err := io.ReadFull(l.reader, l.buf[:8+8+8+4+4]); err != nil {
		return fmt.Errorf("read chunk header: %w", err)
	}
	_, offset, err := getUint64(l.buf, 0) // start time, unused by the lexer
	if err != nil {
		return err
	}
	_, offset, err = getUint64(l.buf, offset) // end time, unused by the lexer
	if err != nil {
		return err
	}
	uncompressedSize, offset, err := getUint64(l.buf, offset)
	if err != nil {
		return err
	}
	uncompressedCRC, offset, err := getUint32(l.buf, offset)
	if err != nil {
		return err
	}
	compressionLen, _, err := getUint32(l.buf, offset)
	if err != nil {
		return err
	}
	if int(compressionLen)+8 > len(l.buf) {
		l.buf = make([]byte, int(compressionLen)+8)
	}
	if _, err := io.ReadFull(l.reader, l.buf[:compressionLen+8]); err != nil {
		return fmt.Errorf("read chunk compression field: %w", err)
	}
	compression := CompressionFormat(l.buf[:compressionLen])
	recordsLength, _, err := getUint64(l.buf, int(compressionLen))
	if err != nil {
		return err
	}

	lr := io.LimitReader(l.reader, int64(recordsLength))
	if l.maxDecompressedChunkSize > 0 && uncompressedSize > uint64(l.maxDecompressedChunkSize) {
		return ErrChunkTooLarge
	}
	if l.validateCRC {
		compressed, err := io.ReadAll(lr)
		if err != nil {
			return fmt.Errorf("read compressed chunk body: %w", err)
		}
		decompressed, err := decompressChunk(compression, compressed, uncompressedSize)
		if err != nil {
			return err
		}
		if uncompressedCRC != 0 {
			if crc := crc32.ChecksumIEEE(decompressed); crc != uncompressedCRC {
				return fmt.Errorf("%w: chunk uncompressed CRC", ErrCRCMismatch)
			}
		}
		l.setNoneDecoder(decompressed)
		l.inChunk = true
		return nil
	}

	switch compression {
	case CompressionNone:
		l.reader = lr
	case CompressionZSTD:
		if err := l.setZSTDDecoder(lr); err != nil {
			return err
		}
	case CompressionLZ4:
		l.setLZ4Decoder(lr)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCompression, compression)
	}
	l.inChunk = true
	return nil
}
