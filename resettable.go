package mcap

import "io"

// ResettableWriteCloser implements io.WriteCloser and adds a Reset method, so a chunk
// compressor can be reused across chunk boundaries instead of being reallocated per chunk.
type ResettableWriteCloser interface {
	io.WriteCloser
	Reset(io.Writer)
}

// ResettableReader implements io.Reader and adds a Reset method.
type ResettableReader interface {
	io.Reader
	Reset(io.Reader)
}

// bufCloser wraps an io.Writer that has no Close of its own - the "none" compression codec -
// so it satisfies ResettableWriteCloser without introducing a second compression-specific type.
type bufCloser struct {
	io.Writer
}

func (b *bufCloser) Close() error { return nil }

func (b *bufCloser) Reset(w io.Writer) { b.Writer = w }
