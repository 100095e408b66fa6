package mcap

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSimpleFile(t *testing.T, opts *WriterOptions) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := NewWriter(&buf, opts)
	require.NoError(t, err)
	require.NoError(t, w.Start("p", "l"))
	require.NoError(t, w.RegisterSchema(&Schema{ID: 1, Name: "s", Encoding: "jsonschema", Data: []byte("{}")}))
	require.NoError(t, w.RegisterChannel(&Channel{ID: 1, SchemaID: 1, Topic: "/t", MessageEncoding: "json"}))
	for i := uint64(0); i < 5; i++ {
		require.NoError(t, w.AddMessage(&Message{ChannelID: 1, LogTime: i, PublishTime: i, Data: []byte("x")}))
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestLexerYieldsExpectedTokenSequenceUnchunked(t *testing.T) {
	data := writeSimpleFile(t, &WriterOptions{})
	lexer, err := NewLexer(bytes.NewReader(data))
	require.NoError(t, err)

	var tokens []TokenType
	for {
		tok, rdr, _, err := lexer.Next()
		if err != nil {
			require.ErrorIs(t, err, io.EOF)
			break
		}
		_, err = io.Copy(io.Discard, rdr)
		require.NoError(t, err)
		tokens = append(tokens, tok)
	}
	assert.Equal(t, TokenHeader, tokens[0])
	assert.Contains(t, tokens, TokenSchema)
	assert.Contains(t, tokens, TokenChannel)
	assert.Equal(t, 5, countTokens(tokens, TokenMessage))
}

func TestLexerTransparentlyExpandsChunks(t *testing.T) {
	data := writeSimpleFile(t, &WriterOptions{UseChunks: true, ChunkSize: 8, Compression: CompressionLZ4})
	lexer, err := NewLexer(bytes.NewReader(data))
	require.NoError(t, err)

	var tokens []TokenType
	for {
		tok, rdr, _, err := lexer.Next()
		if err != nil {
			require.ErrorIs(t, err, io.EOF)
			break
		}
		_, err = io.Copy(io.Discard, rdr)
		require.NoError(t, err)
		tokens = append(tokens, tok)
	}
	assert.NotContains(t, tokens, TokenChunk)
	assert.Equal(t, 5, countTokens(tokens, TokenMessage))
}

func TestLexerEmitChunksSurfacesRawChunkRecords(t *testing.T) {
	data := writeSimpleFile(t, &WriterOptions{UseChunks: true, ChunkSize: 8, Compression: CompressionZSTD})
	lexer, err := NewLexer(bytes.NewReader(data), &LexerOptions{EmitChunks: true})
	require.NoError(t, err)

	var sawChunk bool
	for {
		tok, rdr, _, err := lexer.Next()
		if err != nil {
			require.ErrorIs(t, err, io.EOF)
			break
		}
		if tok == TokenChunk {
			sawChunk = true
		}
		_, err = io.Copy(io.Discard, rdr)
		require.NoError(t, err)
	}
	assert.True(t, sawChunk)
}

func TestLexerRejectsBadMagic(t *testing.T) {
	_, err := NewLexer(bytes.NewReader([]byte("not an mcap file")))
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestLexerAcceptsLegacyMagic(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(legacyMagic)
	lexer, err := NewLexer(&buf)
	require.NoError(t, err)
	_, _, _, err = lexer.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func countTokens(tokens []TokenType, want TokenType) int {
	n := 0
	for _, t := range tokens {
		if t == want {
			n++
		}
	}
	return n
}
